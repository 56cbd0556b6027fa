// Package engine executes a resolved pipeline graph against a frame.Engine.
//
// The Adapter walks the graph level by level. Nodes of one level are mutually
// independent and run concurrently when the frame engine allows it; their
// results are applied to the ExecutionContext by the driving goroutine once the
// level completes. Sources and sinks are retried on transient errors.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/animus-labs/cloudpipe/internal/domain"
	"github.com/animus-labs/cloudpipe/internal/frame"
	"github.com/animus-labs/cloudpipe/internal/pipelineerr"
	"github.com/animus-labs/cloudpipe/internal/platform/metrics"
	"github.com/animus-labs/cloudpipe/internal/resolver"
)

// Observer receives progress from the driving goroutine as stages finish.
type Observer interface {
	StageFinished(runID string, stage domain.StageRecord)
	GateEvaluated(runID string, report domain.QualityReport)
}

type RunOptions struct {
	RunID string
	// Retry overrides the adapter's default policy.
	Retry *RetryPolicy
	// Concurrency overrides the adapter's default when > 0.
	Concurrency int
	// StageTimeout applies to stages without their own timeout.
	StageTimeout time.Duration
	Cancel       *CancelToken
	Observer     Observer
}

// RunResult is the outcome of one execution.
type RunResult struct {
	RunID          string
	Status         domain.RunStatus
	StartedAt      time.Time
	EndedAt        time.Time
	Stages         []domain.StageRecord
	QualityReports []domain.QualityReport
	Lineage        []domain.LineageEdge
	// Err is the first fatal error, nil for succeeded and cancelled runs.
	Err *pipelineerr.Error
}

// RunError renders Err for a RunRecord.
func (r RunResult) RunError() *domain.RunError {
	if r.Err == nil {
		return nil
	}
	return &domain.RunError{
		Code:    string(r.Err.Code),
		Class:   string(r.Err.Class()),
		Stage:   r.Err.Stage,
		Message: r.Err.Error(),
	}
}

type Adapter struct {
	engine frame.Engine
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
}

func NewAdapter(eng frame.Engine, cfg Config, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.Retry.MaxAttempts < 1 {
		cfg.Retry = DefaultRetryPolicy()
	}
	return &Adapter{
		engine: eng,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
		sleep:  sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

type runState struct {
	g         *resolver.Graph
	ec        *ExecutionContext
	opts      RunOptions
	policy    RetryPolicy
	timeout   time.Duration
	log       *slog.Logger
	res       *RunResult
	done      map[string]bool
	halted    bool
	cancelled bool
}

// Execute runs g to completion, failure or cancellation. It never returns
// early without a terminal status; every error lands on the result.
func (a *Adapter) Execute(ctx context.Context, g *resolver.Graph, opts RunOptions) RunResult {
	res := RunResult{
		RunID:     opts.RunID,
		Status:    domain.RunStatusRunning,
		StartedAt: a.now().UTC(),
		Lineage:   g.Lineage(),
	}
	st := &runState{
		g:       g,
		ec:      newExecutionContext(opts.RunID, g.Provider),
		opts:    opts,
		policy:  a.cfg.Retry,
		timeout: a.cfg.StageTimeout,
		log:     a.logger.With("run_id", opts.RunID, "pipeline", g.Pipeline, "provider", string(g.Provider)),
		res:     &res,
		done:    map[string]bool{},
	}
	if opts.Retry != nil {
		st.policy = *opts.Retry
	}
	if opts.StageTimeout > 0 {
		st.timeout = opts.StageTimeout
	}
	concurrency := a.cfg.Concurrency
	if opts.Concurrency > 0 {
		concurrency = opts.Concurrency
	}
	parallel := a.engine.SupportsConcurrentJobs() && concurrency > 1
	st.log.Info("run started", "stages", len(g.Order), "levels", len(g.Levels), "parallel", parallel)

	for _, level := range g.Levels {
		if st.halted || st.checkCancelled(ctx) {
			break
		}
		if parallel && len(level) > 1 {
			outs := make([]outcome, len(level))
			var grp errgroup.Group
			grp.SetLimit(concurrency)
			for i, id := range level {
				grp.Go(func() error {
					outs[i] = a.runStage(ctx, st, g.Nodes[id])
					return nil
				})
			}
			_ = grp.Wait()
			for _, o := range outs {
				a.apply(ctx, st, o)
			}
			continue
		}
		for _, id := range level {
			if st.halted || st.checkCancelled(ctx) {
				break
			}
			a.apply(ctx, st, a.runStage(ctx, st, g.Nodes[id]))
		}
	}

	for _, id := range g.Order {
		if st.done[id] {
			continue
		}
		rec := domain.StageRecord{ID: id, Kind: g.Nodes[id].Kind, Status: domain.StageStatusSkipped}
		res.Stages = append(res.Stages, rec)
		if opts.Observer != nil {
			opts.Observer.StageFinished(opts.RunID, rec)
		}
	}

	switch {
	case res.Err != nil:
		res.Status = domain.RunStatusFailed
	case st.cancelled:
		res.Status = domain.RunStatusPartial
	default:
		res.Status = domain.RunStatusSucceeded
	}
	if err := st.ec.close(); err != nil {
		st.log.Warn("close connectors", "error", err)
	}
	res.EndedAt = a.now().UTC()
	metrics.RecordRun(g.Pipeline, string(g.Provider), string(res.Status))

	attrs := []any{"status", string(res.Status), "duration_ms", res.EndedAt.Sub(res.StartedAt).Milliseconds()}
	if res.Err != nil {
		st.log.Error("run finished", append(attrs, "stage", res.Err.Stage, "error", res.Err.Error())...)
	} else {
		st.log.Info("run finished", attrs...)
	}
	return res
}

func (st *runState) checkCancelled(ctx context.Context) bool {
	if st.cancelled {
		return true
	}
	if st.opts.Cancel.Cancelled() || ctx.Err() != nil {
		st.cancelled = true
		st.log.Warn("run cancelled, no further stages will be dispatched")
	}
	return st.cancelled
}

// apply records o on the run. Only the driving goroutine calls it.
func (a *Adapter) apply(ctx context.Context, st *runState, o outcome) {
	st.done[o.id] = true
	if o.frame != nil {
		st.ec.frames[o.id] = o.frame
		st.ec.rows[o.id] = o.rowsOut
	}
	for _, rec := range o.stages {
		st.res.Stages = append(st.res.Stages, rec)
		metrics.RecordStage(st.g.Pipeline, string(rec.Kind), string(rec.Status), rec.Duration)
		metrics.RecordRows(st.g.Pipeline, "in", rec.RowsIn)
		metrics.RecordRows(st.g.Pipeline, "out", rec.RowsOut)
		metrics.RecordRows(st.g.Pipeline, "quarantined", rec.RowsQuarantined)
		attrs := []any{
			"stage", rec.ID, "kind", string(rec.Kind), "status", string(rec.Status),
			"attempt", rec.Attempts, "duration_ms", rec.Duration.Milliseconds(),
			"rows_in", rec.RowsIn, "rows_out", rec.RowsOut,
		}
		switch rec.Status {
		case domain.StageStatusFailed:
			st.log.Error("stage finished", append(attrs, "error", rec.Error)...)
		case domain.StageStatusWarned:
			st.log.Warn("stage finished", attrs...)
		default:
			st.log.Info("stage finished", attrs...)
		}
		if st.opts.Observer != nil {
			st.opts.Observer.StageFinished(st.opts.RunID, rec)
		}
	}
	if o.report != nil {
		st.ec.reports = append(st.ec.reports, *o.report)
		st.res.QualityReports = append(st.res.QualityReports, *o.report)
		metrics.RecordGate(st.g.Pipeline, string(o.report.Policy), o.report.Passed, o.report.Violations())
		if st.opts.Observer != nil {
			st.opts.Observer.GateEvaluated(st.opts.RunID, *o.report)
		}
	}
	if o.err == nil {
		return
	}
	st.halted = true
	if ctx.Err() != nil && errors.Is(o.err, ctx.Err()) {
		st.cancelled = true
		return
	}
	if st.res.Err == nil {
		st.res.Err = o.err
	}
}
