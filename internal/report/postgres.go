package report

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/animus-labs/cloudpipe/internal/domain"
	"github.com/animus-labs/cloudpipe/internal/platform/lineageevent"
)

type DB interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}

// Schema creates the tables PostgresStore writes to.
const Schema = `CREATE TABLE IF NOT EXISTS pipeline_runs (
	run_id      TEXT PRIMARY KEY,
	pipeline    TEXT NOT NULL,
	provider    TEXT NOT NULL,
	status      TEXT NOT NULL,
	started_at  TIMESTAMPTZ NOT NULL,
	ended_at    TIMESTAMPTZ,
	record      JSONB NOT NULL
);
CREATE TABLE IF NOT EXISTS pipeline_lineage_events (
	event_id         BIGSERIAL PRIMARY KEY,
	occurred_at      TIMESTAMPTZ NOT NULL,
	run_id           TEXT NOT NULL,
	pipeline         TEXT NOT NULL,
	provider         TEXT,
	from_stage       TEXT NOT NULL,
	predicate        TEXT NOT NULL,
	to_stage         TEXT NOT NULL,
	metadata         JSONB NOT NULL,
	integrity_sha256 TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS pipeline_lineage_events_run_idx ON pipeline_lineage_events (run_id);`

const (
	upsertRunQuery = `INSERT INTO pipeline_runs (run_id, pipeline, provider, status, started_at, ended_at, record)
	VALUES ($1,$2,$3,$4,$5,$6,$7)
	ON CONFLICT (run_id) DO UPDATE
	SET status = EXCLUDED.status, ended_at = EXCLUDED.ended_at, record = EXCLUDED.record
	WHERE pipeline_runs.status = 'running'`

	selectRunQuery = `SELECT record FROM pipeline_runs WHERE run_id = $1`
)

// PostgresStore keeps run records as JSONB documents.
type PostgresStore struct {
	db DB
}

func NewPostgresStore(db DB) *PostgresStore {
	if db == nil {
		return nil
	}
	return &PostgresStore{db: db}
}

// Migrate applies Schema.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("migrate run records: %w", err)
	}
	return nil
}

func (s *PostgresStore) Save(ctx context.Context, rec domain.RunRecord) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("run record store not initialized")
	}
	if strings.TrimSpace(rec.RunID) == "" {
		return fmt.Errorf("run id is required")
	}
	blob, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal run record: %w", err)
	}
	var endedAt sql.NullTime
	if rec.EndedAt != nil {
		endedAt = sql.NullTime{Time: rec.EndedAt.UTC(), Valid: true}
	}
	res, err := s.db.ExecContext(ctx, upsertRunQuery,
		rec.RunID,
		rec.Pipeline,
		string(rec.Provider),
		string(rec.Status),
		rec.StartedAt.UTC(),
		endedAt,
		blob,
	)
	if err != nil {
		return fmt.Errorf("save run record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("save run record: %w", err)
	}
	if n == 0 {
		return ErrFinalized
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, runID string) (domain.RunRecord, error) {
	if s == nil || s.db == nil {
		return domain.RunRecord{}, fmt.Errorf("run record store not initialized")
	}
	var blob []byte
	if err := s.db.QueryRowContext(ctx, selectRunQuery, runID).Scan(&blob); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.RunRecord{}, ErrNotFound
		}
		return domain.RunRecord{}, fmt.Errorf("get run record: %w", err)
	}
	var rec domain.RunRecord
	if err := json.Unmarshal(blob, &rec); err != nil {
		return domain.RunRecord{}, fmt.Errorf("decode run record: %w", err)
	}
	return rec, nil
}

// WriteLineage inserts one lineage event per edge of rec in a single
// transaction.
func (s *PostgresStore) WriteLineage(ctx context.Context, rec domain.RunRecord) error {
	events := lineageevent.FromRecord(rec)
	if len(events) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin lineage tx: %w", err)
	}
	for _, ev := range events {
		if _, err := lineageevent.Insert(ctx, tx, ev); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit lineage: %w", err)
	}
	return nil
}
