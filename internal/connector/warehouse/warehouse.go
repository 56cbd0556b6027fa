// Package warehouse is the SQL warehouse connector. Locations are
// "schema.table"; reads may instead run options.query. Writes load rows with
// the dialect's bulk path inside one transaction: overwrite deletes then loads,
// append loads, merge stages rows and replaces matching keys.
package warehouse

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/animus-labs/cloudpipe/internal/connector"
	"github.com/animus-labs/cloudpipe/internal/domain"
	"github.com/animus-labs/cloudpipe/internal/frame"
	"github.com/animus-labs/cloudpipe/internal/pipelineerr"
)

const Capabilities = connector.BatchRead | connector.BatchWrite

// Formats accepted by warehouse bindings.
var Formats = []string{"table"}

type dialect interface {
	name() string
	quoteIdent(id string) string
	write(ctx context.Context, db *sql.DB, req writeRequest) (int64, error)
	// transient maps a driver error to a retryable code.
	transient(err error) (pipelineerr.Code, bool)
}

type writeRequest struct {
	table   string
	columns []string
	rows    [][]any
	mode    domain.WriteMode
	keys    []string
}

type Connector struct {
	db *sql.DB
	d  dialect
}

func newConnector(db *sql.DB, d dialect) (*Connector, error) {
	if db == nil {
		return nil, errors.New("db is required")
	}
	return &Connector{db: db, d: d}, nil
}

func (c *Connector) Capabilities() connector.Capability { return Capabilities }

func (c *Connector) Close() error { return c.db.Close() }

func (c *Connector) Read(ctx context.Context, desc domain.ConnectorDescriptor, eng frame.Engine) (frame.Frame, error) {
	query := strings.TrimSpace(desc.Option("query", ""))
	if query == "" {
		table, err := c.table(desc.Location)
		if err != nil {
			return nil, err
		}
		query = "SELECT * FROM " + table
	}
	rows, err := c.db.QueryContext(ctx, query)
	if err != nil {
		return nil, c.classify(err, "read %s", desc.Location)
	}
	defer rows.Close()

	out, err := scanRows(rows)
	if err != nil {
		return nil, c.classify(err, "scan %s", desc.Location)
	}
	return eng.FromRows(nil, out), nil
}

func (c *Connector) Write(ctx context.Context, desc domain.SinkDescriptor, in frame.Frame) (connector.WriteResult, error) {
	if _, err := c.table(desc.Location); err != nil {
		return connector.WriteResult{}, err
	}
	rows, err := in.Rows(ctx)
	if err != nil {
		return connector.WriteResult{}, err
	}
	mode := desc.EffectiveMode()
	if mode == domain.WriteModeMerge {
		if err := connector.CheckMergeKeys(desc.Name, desc.Keys, rows); err != nil {
			return connector.WriteResult{}, err
		}
	}
	cols := connector.Columns(in.Schema(), rows)
	if len(cols) == 0 && len(rows) > 0 {
		return connector.WriteResult{}, fmt.Errorf("write %s: rows have no columns", desc.Location)
	}
	values := make([][]any, len(rows))
	for i, row := range rows {
		rec := make([]any, len(cols))
		for j, col := range cols {
			rec[j] = row[col]
		}
		values[i] = rec
	}

	n, err := c.d.write(ctx, c.db, writeRequest{
		table:   desc.Location,
		columns: cols,
		rows:    values,
		mode:    mode,
		keys:    desc.Keys,
	})
	if err != nil {
		return connector.WriteResult{}, c.classify(err, "write %s", desc.Location)
	}
	return connector.WriteResult{RowsWritten: n, Location: desc.Location, Mode: mode}, nil
}

func (c *Connector) table(location string) (string, error) {
	location = strings.TrimSpace(location)
	if location == "" {
		return "", errors.New("table location is required")
	}
	return quoteFQN(c.d, location), nil
}

func (c *Connector) classify(err error, format string, args ...any) error {
	if pe, ok := pipelineerr.As(err); ok {
		return pe
	}
	if code, ok := c.d.transient(err); ok {
		return pipelineerr.Wrap(code, "", err, format, args...)
	}
	return fmt.Errorf("%s: "+format+": %w", append(append([]any{c.d.name()}, args...), err)...)
}

func quoteFQN(d dialect, name string) string {
	parts := strings.Split(name, ".")
	for i, p := range parts {
		parts[i] = d.quoteIdent(p)
	}
	return strings.Join(parts, ".")
}

func mapIdent(d dialect, cols []string) []string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = d.quoteIdent(c)
	}
	return out
}

// keyCondition renders "T.k = S.k AND ..." for the staged merge delete.
func keyCondition(d dialect, keys []string) string {
	conds := make([]string, len(keys))
	for i, k := range keys {
		conds[i] = fmt.Sprintf("T.%s = S.%s", d.quoteIdent(k), d.quoteIdent(k))
	}
	return strings.Join(conds, " AND ")
}

// stagingName derives a temp table name from the target.
func stagingName(table string) string {
	return "stage_" + strings.NewReplacer(".", "_", `"`, "", "[", "", "]", "").Replace(table)
}

func scanRows(rows *sql.Rows) ([]frame.Row, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	var out []frame.Row
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(frame.Row, len(cols))
		for i, col := range cols {
			row[col] = normalize(vals[i])
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func normalize(v any) any {
	switch t := v.(type) {
	case nil, string, int64, float64, bool:
		return t
	case []byte:
		return string(t)
	case int:
		return int64(t)
	case int32:
		return int64(t)
	case int16:
		return int64(t)
	case int8:
		return int64(t)
	case uint8:
		return int64(t)
	case float32:
		return float64(t)
	case time.Time:
		return t.UTC()
	default:
		return fmt.Sprint(t)
	}
}
