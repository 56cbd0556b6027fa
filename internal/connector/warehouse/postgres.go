package warehouse

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/animus-labs/cloudpipe/internal/domain"
	"github.com/animus-labs/cloudpipe/internal/pipelineerr"
)

// NewPostgres returns a connector over a database/sql handle opened with the
// pgx stdlib driver. Loads use COPY on the underlying pgx connection.
func NewPostgres(db *sql.DB) (*Connector, error) {
	return newConnector(db, postgresDialect{})
}

type postgresDialect struct{}

func (postgresDialect) name() string { return "postgres" }

func (postgresDialect) quoteIdent(id string) string {
	return `"` + strings.ReplaceAll(id, `"`, `""`) + `"`
}

func (d postgresDialect) write(ctx context.Context, db *sql.DB, req writeRequest) (int64, error) {
	conn, err := db.Conn(ctx)
	if err != nil {
		return 0, err
	}
	defer conn.Close()

	var copied int64
	err = conn.Raw(func(driverConn any) error {
		sc, ok := driverConn.(*stdlib.Conn)
		if !ok {
			return fmt.Errorf("unexpected driver connection %T", driverConn)
		}
		tx, err := sc.Conn().Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin: %w", err)
		}
		defer func() { _ = tx.Rollback(ctx) }()

		copied, err = d.load(ctx, tx, req)
		if err != nil {
			return err
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit: %w", err)
		}
		return nil
	})
	return copied, err
}

func (d postgresDialect) load(ctx context.Context, tx pgx.Tx, req writeRequest) (int64, error) {
	fq := quoteFQN(d, req.table)
	target := pgx.Identifier(strings.Split(req.table, "."))

	switch req.mode {
	case domain.WriteModeOverwrite:
		if _, err := tx.Exec(ctx, "DELETE FROM "+fq); err != nil {
			return 0, fmt.Errorf("clear target: %w", err)
		}
		return copyFrom(ctx, tx, target, req)
	case domain.WriteModeAppend:
		return copyFrom(ctx, tx, target, req)
	case domain.WriteModeMerge:
		tmp := stagingName(req.table)
		cols := strings.Join(mapIdent(d, req.columns), ",")
		create := fmt.Sprintf("CREATE TEMP TABLE %s ON COMMIT DROP AS SELECT %s FROM %s WHERE false", d.quoteIdent(tmp), cols, fq)
		if _, err := tx.Exec(ctx, create); err != nil {
			return 0, fmt.Errorf("create staging: %w", err)
		}
		n, err := copyFrom(ctx, tx, pgx.Identifier{tmp}, req)
		if err != nil {
			return 0, err
		}
		del := fmt.Sprintf("DELETE FROM %s AS T USING %s AS S WHERE %s", fq, d.quoteIdent(tmp), keyCondition(d, req.keys))
		if _, err := tx.Exec(ctx, del); err != nil {
			return 0, fmt.Errorf("delete matching rows: %w", err)
		}
		insert := fmt.Sprintf("INSERT INTO %s (%s) SELECT %s FROM %s", fq, cols, cols, d.quoteIdent(tmp))
		if _, err := tx.Exec(ctx, insert); err != nil {
			return 0, fmt.Errorf("insert phase: %w", err)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("unsupported write mode %q", req.mode)
	}
}

func copyFrom(ctx context.Context, tx pgx.Tx, table pgx.Identifier, req writeRequest) (int64, error) {
	if len(req.rows) == 0 {
		return 0, nil
	}
	n, err := tx.CopyFrom(ctx, table, req.columns, pgx.CopyFromRows(req.rows))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Detail != "" {
			return 0, fmt.Errorf("copy into %s: %s (%s): %w", table.Sanitize(), pgErr.Detail, pgErr.SQLState(), err)
		}
		return 0, fmt.Errorf("copy into %s: %w", table.Sanitize(), err)
	}
	return n, nil
}

func (postgresDialect) transient(err error) (pipelineerr.Code, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "55P03":
			return pipelineerr.WriteConflict, true
		case "42P01", "3F000", "57P01", "57P03":
			return pipelineerr.SourceUnavailable, true
		}
		return "", false
	}
	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return pipelineerr.SourceUnavailable, true
	}
	return netUnavailable(err)
}
