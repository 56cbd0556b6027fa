package warehouse

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/animus-labs/cloudpipe/internal/domain"
	"github.com/animus-labs/cloudpipe/internal/pipelineerr"
)

// OpenSQLite opens a local database file for development runs.
func OpenSQLite(ctx context.Context, dsn string) (*sql.DB, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("sqlite: DSN must not be empty")
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: ping: %w", err)
	}
	return db, nil
}

// NewSQLite returns a connector loading with prepared INSERTs in one
// transaction.
func NewSQLite(db *sql.DB) (*Connector, error) {
	return newConnector(db, sqliteDialect{})
}

type sqliteDialect struct{}

func (sqliteDialect) name() string { return "sqlite" }

func (sqliteDialect) quoteIdent(id string) string {
	return `"` + strings.ReplaceAll(id, `"`, `""`) + `"`
}

func (d sqliteDialect) write(ctx context.Context, db *sql.DB, req writeRequest) (int64, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	rollback := func() { _ = tx.Rollback() }

	fq := quoteFQN(d, req.table)
	switch req.mode {
	case domain.WriteModeOverwrite:
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+fq); err != nil {
			rollback()
			return 0, fmt.Errorf("clear target: %w", err)
		}
	case domain.WriteModeAppend:
	case domain.WriteModeMerge:
		conds := make([]string, len(req.keys))
		for i, k := range req.keys {
			conds[i] = d.quoteIdent(k) + " = ?"
		}
		del, err := tx.PrepareContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE %s", fq, strings.Join(conds, " AND ")))
		if err != nil {
			rollback()
			return 0, fmt.Errorf("prepare delete: %w", err)
		}
		defer del.Close()
		index := make(map[string]int, len(req.columns))
		for i, c := range req.columns {
			index[c] = i
		}
		args := make([]any, len(req.keys))
		for _, row := range req.rows {
			for i, k := range req.keys {
				args[i] = row[index[k]]
			}
			if _, err := del.ExecContext(ctx, args...); err != nil {
				rollback()
				return 0, fmt.Errorf("delete matching rows: %w", err)
			}
		}
	default:
		rollback()
		return 0, fmt.Errorf("unsupported write mode %q", req.mode)
	}

	var inserted int64
	if len(req.rows) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(req.columns)), ", ")
		stmt, err := tx.PrepareContext(ctx, fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
			fq, strings.Join(mapIdent(d, req.columns), ", "), placeholders))
		if err != nil {
			rollback()
			return 0, fmt.Errorf("prepare insert: %w", err)
		}
		defer stmt.Close()
		for _, row := range req.rows {
			if _, err := stmt.ExecContext(ctx, row...); err != nil {
				rollback()
				return 0, fmt.Errorf("insert: %w", err)
			}
			inserted++
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return inserted, nil
}

func (sqliteDialect) transient(err error) (pipelineerr.Code, bool) {
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		switch liteErr.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return pipelineerr.WriteConflict, true
		}
		if strings.Contains(liteErr.Error(), "no such table") {
			return pipelineerr.SourceUnavailable, true
		}
	}
	return "", false
}

func netUnavailable(err error) (pipelineerr.Code, bool) {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return pipelineerr.SourceUnavailable, true
	}
	return "", false
}
