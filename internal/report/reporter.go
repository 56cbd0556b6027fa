// Package report turns execution progress into RunRecords and serves them.
//
// While a run is in flight the Reporter holds its record in memory and
// appends stage records as the engine reports them. Finish writes the terminal
// record to the Store, after which it can no longer change.
package report

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/animus-labs/cloudpipe/internal/domain"
	"github.com/animus-labs/cloudpipe/internal/engine"
)

// Terminal saves are retried before the record is held in memory only.
const (
	terminalSaveAttempts = 3
	terminalSaveBackoff  = 100 * time.Millisecond
)

type Reporter struct {
	store  Store
	logger *slog.Logger

	mu     sync.Mutex
	active map[string]*domain.RunRecord
	// unsaved holds terminal records the store refused, so readers still
	// observe the terminal status.
	unsaved map[string]domain.RunRecord
}

var _ engine.Observer = (*Reporter)(nil)

func NewReporter(store Store, logger *slog.Logger) *Reporter {
	if store == nil {
		store = NewMemoryStore()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reporter{
		store:   store,
		logger:  logger,
		active:  map[string]*domain.RunRecord{},
		unsaved: map[string]domain.RunRecord{},
	}
}

// Start registers a running record. RunID, Pipeline and Provider are required.
func (r *Reporter) Start(ctx context.Context, rec domain.RunRecord) error {
	if rec.RunID == "" {
		return errors.New("run id is required")
	}
	rec.Status = domain.RunStatusRunning
	if rec.StartedAt.IsZero() {
		rec.StartedAt = time.Now().UTC()
	}
	rec.EndedAt = nil
	rec.Stages = []domain.StageRecord{}
	rec.QualityReports = []domain.QualityReport{}
	if rec.Lineage == nil {
		rec.Lineage = []domain.LineageEdge{}
	}

	r.mu.Lock()
	if _, ok := r.active[rec.RunID]; ok {
		r.mu.Unlock()
		return fmt.Errorf("run %s already started", rec.RunID)
	}
	cp := rec.Clone()
	r.active[rec.RunID] = &cp
	r.mu.Unlock()

	if err := r.store.Save(ctx, rec); err != nil {
		r.mu.Lock()
		delete(r.active, rec.RunID)
		r.mu.Unlock()
		return fmt.Errorf("save running record: %w", err)
	}
	return nil
}

func (r *Reporter) StageFinished(runID string, stage domain.StageRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.active[runID]; ok {
		rec.Stages = append(rec.Stages, stage)
	}
}

func (r *Reporter) GateEvaluated(runID string, report domain.QualityReport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.active[runID]; ok {
		rec.QualityReports = append(rec.QualityReports, report.Clone())
	}
}

// Finish builds the terminal record from res, persists it and emits lineage.
// The result replaces whatever progress was observed.
func (r *Reporter) Finish(ctx context.Context, res engine.RunResult) (domain.RunRecord, error) {
	r.mu.Lock()
	live, ok := r.active[res.RunID]
	var rec domain.RunRecord
	if ok {
		rec = live.Clone()
	}
	r.mu.Unlock()
	if !ok {
		return domain.RunRecord{}, fmt.Errorf("run %s was not started", res.RunID)
	}

	ended := res.EndedAt
	if ended.IsZero() {
		ended = time.Now().UTC()
	}
	if !res.StartedAt.IsZero() {
		rec.StartedAt = res.StartedAt
	}
	rec.EndedAt = &ended
	rec.Status = res.Status
	rec.Stages = append([]domain.StageRecord{}, res.Stages...)
	rec.QualityReports = make([]domain.QualityReport, len(res.QualityReports))
	for i, q := range res.QualityReports {
		rec.QualityReports[i] = q.Clone()
	}
	rec.Lineage = append([]domain.LineageEdge{}, res.Lineage...)
	rec.Error = res.RunError()
	return rec, r.finalize(ctx, rec)
}

// Fail finishes a started run that never reached the engine.
func (r *Reporter) Fail(ctx context.Context, runID string, runErr *domain.RunError) (domain.RunRecord, error) {
	r.mu.Lock()
	live, ok := r.active[runID]
	var rec domain.RunRecord
	if ok {
		rec = live.Clone()
	}
	r.mu.Unlock()
	if !ok {
		return domain.RunRecord{}, fmt.Errorf("run %s was not started", runID)
	}
	ended := time.Now().UTC()
	rec.EndedAt = &ended
	rec.Status = domain.RunStatusFailed
	rec.Error = runErr
	return rec, r.finalize(ctx, rec)
}

func (r *Reporter) finalize(ctx context.Context, rec domain.RunRecord) error {
	log := r.logger.With("run_id", rec.RunID, "pipeline", rec.Pipeline)
	if err := r.saveTerminal(ctx, rec); err != nil {
		r.mu.Lock()
		delete(r.active, rec.RunID)
		r.unsaved[rec.RunID] = rec.Clone()
		r.mu.Unlock()
		log.Error("terminal record not persisted", "status", string(rec.Status), "error", err)
		return fmt.Errorf("save terminal record: %w", err)
	}
	r.mu.Lock()
	delete(r.active, rec.RunID)
	delete(r.unsaved, rec.RunID)
	r.mu.Unlock()

	if lw, ok := r.store.(LineageWriter); ok {
		if err := lw.WriteLineage(ctx, rec); err != nil {
			log.Error("write lineage", "error", err)
			return fmt.Errorf("write lineage: %w", err)
		}
	}
	log.Info("run record finalized", "status", string(rec.Status), "stages", len(rec.Stages))
	return nil
}

// saveTerminal retries transient store failures. ErrFinalized after a failed
// attempt means an earlier attempt committed.
func (r *Reporter) saveTerminal(ctx context.Context, rec domain.RunRecord) error {
	delay := terminalSaveBackoff
	var err error
	for attempt := 1; attempt <= terminalSaveAttempts; attempt++ {
		err = r.store.Save(ctx, rec)
		if err == nil || (attempt > 1 && errors.Is(err, ErrFinalized)) {
			return nil
		}
		if errors.Is(err, ErrFinalized) || attempt == terminalSaveAttempts {
			break
		}
		r.logger.Warn("retry terminal save", "run_id", rec.RunID, "attempt", attempt, "error", err)
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return errors.Join(err, ctx.Err())
		case <-t.C:
		}
		delay *= 2
	}
	return err
}

// GetRunRecord returns a copy of the record of runID. In-flight runs return
// their progress so far.
func (r *Reporter) GetRunRecord(ctx context.Context, runID string) (domain.RunRecord, error) {
	r.mu.Lock()
	if rec, ok := r.active[runID]; ok {
		cp := rec.Clone()
		r.mu.Unlock()
		return cp, nil
	}
	if rec, ok := r.unsaved[runID]; ok {
		r.mu.Unlock()
		return rec.Clone(), nil
	}
	r.mu.Unlock()
	return r.store.Get(ctx, runID)
}
