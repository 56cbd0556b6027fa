package report

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/animus-labs/cloudpipe/internal/domain"
	"github.com/animus-labs/cloudpipe/internal/engine"
	"github.com/animus-labs/cloudpipe/internal/pipelineerr"
)

type lineageStore struct {
	*MemoryStore
	written []domain.RunRecord
	err     error
}

func (s *lineageStore) WriteLineage(_ context.Context, rec domain.RunRecord) error {
	s.written = append(s.written, rec)
	return s.err
}

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func started(t *testing.T, r *Reporter, runID string) {
	t.Helper()
	require.NoError(t, r.Start(context.Background(), domain.RunRecord{
		RunID: runID, Pipeline: "daily-sales", Provider: domain.ProviderGCP, Fingerprint: "abc",
		Lineage: []domain.LineageEdge{{From: "S", To: "W"}},
	}))
}

func TestReporterLifecycle(t *testing.T) {
	ctx := context.Background()
	store := &lineageStore{MemoryStore: NewMemoryStore()}
	r := NewReporter(store, quietLogger())
	started(t, r, "run-1")

	rec, err := r.GetRunRecord(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusRunning, rec.Status)
	assert.Nil(t, rec.EndedAt)

	r.StageFinished("run-1", domain.StageRecord{ID: "S", Kind: domain.StageKindSource, Status: domain.StageStatusSucceeded, RowsOut: 10})
	r.GateEvaluated("run-1", domain.QualityReport{Gate: "G", Passed: true})
	rec, err = r.GetRunRecord(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, rec.Stages, 1, "progress is visible while running")
	assert.Len(t, rec.QualityReports, 1)

	start := time.Unix(1700000000, 0).UTC()
	final, err := r.Finish(ctx, engine.RunResult{
		RunID:     "run-1",
		Status:    domain.RunStatusSucceeded,
		StartedAt: start,
		EndedAt:   start.Add(3 * time.Second),
		Stages: []domain.StageRecord{
			{ID: "S", Kind: domain.StageKindSource, Status: domain.StageStatusSucceeded, RowsOut: 10},
			{ID: "W", Kind: domain.StageKindSink, Status: domain.StageStatusSucceeded, RowsIn: 10, RowsOut: 10},
		},
		Lineage: []domain.LineageEdge{{From: "S", To: "W"}},
	})
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusSucceeded, final.Status)
	require.NotNil(t, final.EndedAt)
	assert.Equal(t, "abc", final.Fingerprint)
	assert.Len(t, final.Stages, 2)
	assert.Empty(t, final.QualityReports, "the run result is authoritative")

	got, err := r.GetRunRecord(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, final, got)
	require.Len(t, store.written, 1)
	assert.Equal(t, "run-1", store.written[0].RunID)
}

func TestTerminalRecordIsImmutable(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	r := NewReporter(store, quietLogger())
	started(t, r, "run-2")
	_, err := r.Finish(ctx, engine.RunResult{RunID: "run-2", Status: domain.RunStatusPartial})
	require.NoError(t, err)

	rec, err := r.GetRunRecord(ctx, "run-2")
	require.NoError(t, err)
	rec.Stages = append(rec.Stages, domain.StageRecord{ID: "injected"})
	rec.Status = domain.RunStatusSucceeded

	again, err := r.GetRunRecord(ctx, "run-2")
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusPartial, again.Status)
	assert.Empty(t, again.Stages)

	assert.ErrorIs(t, store.Save(ctx, rec), ErrFinalized)
	r.StageFinished("run-2", domain.StageRecord{ID: "late"})
	again, _ = r.GetRunRecord(ctx, "run-2")
	assert.Empty(t, again.Stages)

	_, err = r.Finish(ctx, engine.RunResult{RunID: "run-2", Status: domain.RunStatusFailed})
	assert.Error(t, err)
}

func TestFinishCarriesFirstError(t *testing.T) {
	ctx := context.Background()
	r := NewReporter(nil, quietLogger())
	started(t, r, "run-3")
	rec, err := r.Finish(ctx, engine.RunResult{
		RunID:  "run-3",
		Status: domain.RunStatusFailed,
		Err:    pipelineerr.New(pipelineerr.QualityGateFailed, "G", "2 violation(s)"),
	})
	require.NoError(t, err)
	require.NotNil(t, rec.Error)
	assert.Equal(t, "QualityGateFailed", rec.Error.Code)
	assert.Equal(t, "data_quality", rec.Error.Class)
	assert.Equal(t, "G", rec.Error.Stage)
}

func TestFailWithoutExecution(t *testing.T) {
	ctx := context.Background()
	r := NewReporter(nil, quietLogger())
	started(t, r, "run-4")
	rec, err := r.Fail(ctx, "run-4", &domain.RunError{Code: "EngineFailure", Class: "fatal", Message: "boom"})
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusFailed, rec.Status)
	assert.NotNil(t, rec.EndedAt)

	_, err = r.Fail(ctx, "missing", nil)
	assert.Error(t, err)
}

func TestStartRejectsDuplicatesAndBlankIDs(t *testing.T) {
	r := NewReporter(nil, quietLogger())
	started(t, r, "run-5")
	assert.Error(t, r.Start(context.Background(), domain.RunRecord{RunID: "run-5"}))
	assert.Error(t, r.Start(context.Background(), domain.RunRecord{}))

	_, err := r.GetRunRecord(context.Background(), "unknown")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLineageFailureIsReported(t *testing.T) {
	store := &lineageStore{MemoryStore: NewMemoryStore(), err: errors.New("db down")}
	r := NewReporter(store, quietLogger())
	started(t, r, "run-6")
	_, err := r.Finish(context.Background(), engine.RunResult{RunID: "run-6", Status: domain.RunStatusSucceeded})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "write lineage")

	rec, err := store.Get(context.Background(), "run-6")
	require.NoError(t, err, "the record is saved before lineage is written")
	assert.Equal(t, domain.RunStatusSucceeded, rec.Status)
}

// flakyStore fails the first failures terminal saves; a negative count fails
// them all.
type flakyStore struct {
	*MemoryStore
	failures int
	attempts int
}

func (s *flakyStore) Save(ctx context.Context, rec domain.RunRecord) error {
	if rec.Status.Terminal() {
		s.attempts++
		if s.failures < 0 || s.attempts <= s.failures {
			return errors.New("db down")
		}
	}
	return s.MemoryStore.Save(ctx, rec)
}

func TestTerminalSaveFailureKeepsRecordReadable(t *testing.T) {
	ctx := context.Background()
	store := &flakyStore{MemoryStore: NewMemoryStore(), failures: -1}
	r := NewReporter(store, quietLogger())
	started(t, r, "run-7")

	rec, err := r.Finish(ctx, engine.RunResult{RunID: "run-7", Status: domain.RunStatusSucceeded})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "db down")
	assert.Equal(t, domain.RunStatusSucceeded, rec.Status)
	assert.Equal(t, terminalSaveAttempts, store.attempts)

	got, err := r.GetRunRecord(ctx, "run-7")
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusSucceeded, got.Status, "readers never see a stale running record")
	assert.NotNil(t, got.EndedAt)

	r.StageFinished("run-7", domain.StageRecord{ID: "late"})
	got, _ = r.GetRunRecord(ctx, "run-7")
	assert.Empty(t, got.Stages)
}

func TestTerminalSaveIsRetried(t *testing.T) {
	ctx := context.Background()
	store := &flakyStore{MemoryStore: NewMemoryStore(), failures: 1}
	r := NewReporter(store, quietLogger())
	started(t, r, "run-8")

	_, err := r.Finish(ctx, engine.RunResult{RunID: "run-8", Status: domain.RunStatusFailed})
	require.NoError(t, err)
	assert.Equal(t, 2, store.attempts)

	rec, err := store.Get(ctx, "run-8")
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusFailed, rec.Status)
}

func TestPostgresQueries(t *testing.T) {
	assert.Contains(t, upsertRunQuery, "ON CONFLICT (run_id) DO UPDATE")
	assert.Contains(t, upsertRunQuery, "WHERE pipeline_runs.status = 'running'")
	assert.Contains(t, selectRunQuery, "run_id = $1")
	assert.True(t, strings.Contains(Schema, "record      JSONB NOT NULL"))
	assert.Nil(t, NewPostgresStore(nil))
}
