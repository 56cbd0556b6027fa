package warehouse

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	mssql "github.com/microsoft/go-mssqldb"
	"github.com/microsoft/go-mssqldb/msdsn"

	"github.com/animus-labs/cloudpipe/internal/domain"
	"github.com/animus-labs/cloudpipe/internal/pipelineerr"
)

// OpenSQLServer validates dsn and opens a pinged handle. Synapse dedicated
// pools speak the same protocol.
func OpenSQLServer(ctx context.Context, dsn string) (*sql.DB, error) {
	if _, err := msdsn.Parse(dsn); err != nil {
		return nil, fmt.Errorf("mssql dsn: %w", err)
	}
	db, err := sql.Open("sqlserver", dsn)
	if err != nil {
		return nil, fmt.Errorf("sql.Open: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return db, nil
}

// NewSQLServer returns a connector loading through the TDS bulk copy API.
func NewSQLServer(db *sql.DB) (*Connector, error) {
	return newConnector(db, sqlServerDialect{})
}

type sqlServerDialect struct{}

func (sqlServerDialect) name() string { return "sqlserver" }

func (sqlServerDialect) quoteIdent(id string) string {
	return "[" + strings.ReplaceAll(id, "]", "]]") + "]"
}

func (d sqlServerDialect) write(ctx context.Context, db *sql.DB, req writeRequest) (int64, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	rollback := func() { _ = tx.Rollback() }

	n, err := d.load(ctx, tx, req)
	if err != nil {
		rollback()
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return n, nil
}

func (d sqlServerDialect) load(ctx context.Context, tx *sql.Tx, req writeRequest) (int64, error) {
	fq := quoteFQN(d, req.table)
	switch req.mode {
	case domain.WriteModeOverwrite:
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+fq); err != nil {
			return 0, fmt.Errorf("clear target: %w", err)
		}
		return bulkCopy(ctx, tx, req.table, req.columns, req.rows)
	case domain.WriteModeAppend:
		return bulkCopy(ctx, tx, req.table, req.columns, req.rows)
	case domain.WriteModeMerge:
		tmp := "#" + stagingName(req.table)
		cols := strings.Join(mapIdent(d, req.columns), ",")
		create := fmt.Sprintf("SELECT TOP 0 %s INTO %s FROM %s", cols, d.quoteIdent(tmp), fq)
		if _, err := tx.ExecContext(ctx, create); err != nil {
			return 0, fmt.Errorf("create staging: %w", err)
		}
		n, err := bulkCopy(ctx, tx, tmp, req.columns, req.rows)
		if err != nil {
			return 0, err
		}
		del := fmt.Sprintf("DELETE T FROM %s AS T INNER JOIN %s AS S ON %s", fq, d.quoteIdent(tmp), keyCondition(d, req.keys))
		if _, err := tx.ExecContext(ctx, del); err != nil {
			return 0, fmt.Errorf("delete matching rows: %w", err)
		}
		insert := fmt.Sprintf("INSERT INTO %s (%s) SELECT %s FROM %s", fq, cols, cols, d.quoteIdent(tmp))
		if _, err := tx.ExecContext(ctx, insert); err != nil {
			return 0, fmt.Errorf("insert phase: %w", err)
		}
		if _, err := tx.ExecContext(ctx, "DROP TABLE "+d.quoteIdent(tmp)); err != nil {
			return 0, fmt.Errorf("drop staging: %w", err)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("unsupported write mode %q", req.mode)
	}
}

func bulkCopy(ctx context.Context, tx *sql.Tx, table string, columns []string, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	stmt, err := tx.PrepareContext(ctx, mssql.CopyIn(table, mssql.BulkOptions{}, columns...))
	if err != nil {
		return 0, fmt.Errorf("prepare bulk: %w", err)
	}
	for i := range rows {
		if _, err := stmt.ExecContext(ctx, rows[i]...); err != nil {
			_ = stmt.Close()
			return 0, fmt.Errorf("bulk row %d: %w", i, err)
		}
	}
	res, err := stmt.ExecContext(ctx)
	if cerr := stmt.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if err != nil {
		return 0, fmt.Errorf("bulk finalize: %w", err)
	}
	return res.RowsAffected()
}

func (sqlServerDialect) transient(err error) (pipelineerr.Code, bool) {
	var msErr mssql.Error
	if errors.As(err, &msErr) {
		switch msErr.Number {
		case 1205, 1222:
			return pipelineerr.WriteConflict, true
		case 208, 4060:
			return pipelineerr.SourceUnavailable, true
		}
		return "", false
	}
	return netUnavailable(err)
}
