package warehouse

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	mssql "github.com/microsoft/go-mssqldb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/animus-labs/cloudpipe/internal/domain"
	"github.com/animus-labs/cloudpipe/internal/frame"
	"github.com/animus-labs/cloudpipe/internal/frame/local"
	"github.com/animus-labs/cloudpipe/internal/pipelineerr"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := OpenSQLite(context.Background(), ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	_, err = db.Exec(`CREATE TABLE sales (id INTEGER, region TEXT, total REAL)`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO sales VALUES (1, 'eu', 5.0), (2, 'us', 7.0)`)
	require.NoError(t, err)
	return db
}

func readAll(t *testing.T, c *Connector, desc domain.ConnectorDescriptor) []frame.Row {
	t.Helper()
	f, err := c.Read(context.Background(), desc, local.New(true))
	require.NoError(t, err)
	rows, err := f.Rows(context.Background())
	require.NoError(t, err)
	return rows
}

func TestReadTableAndQuery(t *testing.T) {
	c, err := NewSQLite(openTestDB(t))
	require.NoError(t, err)

	rows := readAll(t, c, domain.ConnectorDescriptor{Location: "sales"})
	assert.Equal(t, []frame.Row{
		{"id": int64(1), "region": "eu", "total": 5.0},
		{"id": int64(2), "region": "us", "total": 7.0},
	}, rows)

	rows = readAll(t, c, domain.ConnectorDescriptor{
		Location: "sales",
		Options:  map[string]string{"query": "SELECT id FROM sales WHERE region = 'us'"},
	})
	assert.Equal(t, []frame.Row{{"id": int64(2)}}, rows)
}

func TestReadMissingTableIsUnavailable(t *testing.T) {
	c, err := NewSQLite(openTestDB(t))
	require.NoError(t, err)
	_, err = c.Read(context.Background(), domain.ConnectorDescriptor{Location: "nope"}, local.New(true))
	require.Error(t, err)
	assert.True(t, errors.Is(err, pipelineerr.SourceUnavailable))
}

func TestWriteModes(t *testing.T) {
	c, err := NewSQLite(openTestDB(t))
	require.NoError(t, err)
	eng := local.New(true)
	ctx := context.Background()
	schema := frame.Schema{{Name: "id", Type: frame.TypeInt}, {Name: "region", Type: frame.TypeString}, {Name: "total", Type: frame.TypeFloat}}
	sink := domain.SinkDescriptor{Name: "sink", ConnectorDescriptor: domain.ConnectorDescriptor{Location: "sales"}}

	sink.Mode = domain.WriteModeMerge
	sink.Keys = []string{"id"}
	res, err := c.Write(ctx, sink, eng.FromRows(schema, []frame.Row{
		{"id": int64(2), "region": "us", "total": 9.5},
		{"id": int64(3), "region": "apac", "total": 1.0},
	}))
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.RowsWritten)
	rows := readAll(t, c, domain.ConnectorDescriptor{Options: map[string]string{"query": "SELECT id, total FROM sales ORDER BY id"}})
	assert.Equal(t, []frame.Row{
		{"id": int64(1), "total": 5.0},
		{"id": int64(2), "total": 9.5},
		{"id": int64(3), "total": 1.0},
	}, rows)

	sink.Mode = domain.WriteModeAppend
	_, err = c.Write(ctx, sink, eng.FromRows(schema, []frame.Row{{"id": int64(4), "region": "eu", "total": 2.0}}))
	require.NoError(t, err)
	assert.Len(t, readAll(t, c, domain.ConnectorDescriptor{Location: "sales"}), 4)

	sink.Mode = domain.WriteModeOverwrite
	_, err = c.Write(ctx, sink, eng.FromRows(schema, []frame.Row{{"id": int64(9), "region": "eu", "total": nil}}))
	require.NoError(t, err)
	assert.Equal(t, []frame.Row{{"id": int64(9), "region": "eu", "total": nil}},
		readAll(t, c, domain.ConnectorDescriptor{Location: "sales"}))
}

func TestMergeKeyMissing(t *testing.T) {
	c, err := NewSQLite(openTestDB(t))
	require.NoError(t, err)
	_, err = c.Write(context.Background(), domain.SinkDescriptor{
		Name:                "sink",
		ConnectorDescriptor: domain.ConnectorDescriptor{Location: "sales"},
		Mode:                domain.WriteModeMerge,
		Keys:                []string{"id"},
	}, local.New(true).FromRows(nil, []frame.Row{{"region": "eu"}}))
	assert.True(t, errors.Is(err, pipelineerr.MergeKeyMissing))
}

func TestQuoting(t *testing.T) {
	assert.Equal(t, `"analytics"."orders"`, quoteFQN(postgresDialect{}, "analytics.orders"))
	assert.Equal(t, `"we""ird"`, postgresDialect{}.quoteIdent(`we"ird`))
	assert.Equal(t, "[dbo].[orders]", quoteFQN(sqlServerDialect{}, "dbo.orders"))
	assert.Equal(t, "[a]]b]", sqlServerDialect{}.quoteIdent("a]b"))
	assert.Equal(t, `T."id" = S."id" AND T."day" = S."day"`, keyCondition(postgresDialect{}, []string{"id", "day"}))
	assert.Equal(t, "stage_dbo_orders", stagingName("dbo.orders"))
}

func TestTransientClassification(t *testing.T) {
	tests := []struct {
		name string
		d    dialect
		err  error
		want pipelineerr.Code
		ok   bool
	}{
		{"pg serialization", postgresDialect{}, &pgconn.PgError{Code: "40001"}, pipelineerr.WriteConflict, true},
		{"pg deadlock", postgresDialect{}, fmt.Errorf("exec: %w", &pgconn.PgError{Code: "40P01"}), pipelineerr.WriteConflict, true},
		{"pg missing table", postgresDialect{}, &pgconn.PgError{Code: "42P01"}, pipelineerr.SourceUnavailable, true},
		{"pg syntax", postgresDialect{}, &pgconn.PgError{Code: "42601"}, "", false},
		{"mssql deadlock", sqlServerDialect{}, mssql.Error{Number: 1205}, pipelineerr.WriteConflict, true},
		{"mssql invalid object", sqlServerDialect{}, mssql.Error{Number: 208}, pipelineerr.SourceUnavailable, true},
		{"mssql constraint", sqlServerDialect{}, mssql.Error{Number: 2627}, "", false},
		{"plain", sqlServerDialect{}, errors.New("boom"), "", false},
	}
	for _, tt := range tests {
		code, ok := tt.d.transient(tt.err)
		assert.Equal(t, tt.ok, ok, tt.name)
		assert.Equal(t, tt.want, code, tt.name)
	}
}
