// Package frame defines the dataframe handle the execution core drives.
//
// A Frame is a reference to a deferred computation owned by an Engine. Building
// a Frame through Engine methods does no work; Rows and Count force
// materialization. The core only materializes at quality gates, sinks and when
// recording row counts, leaving the engine free to fuse everything in between.
package frame

import (
	"context"
	"fmt"
	"sort"
	"time"
)

// Row is one record. Values are nil, string, int64, float64, bool or time.Time.
type Row map[string]any

// Clone returns a shallow copy of r.
func (r Row) Clone() Row {
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Frame is a handle to a possibly unevaluated dataset.
type Frame interface {
	// Schema is the best schema known without materializing.
	Schema() Schema
	// Rows materializes the frame.
	Rows(ctx context.Context) ([]Row, error)
	// Count returns the number of rows, materializing if needed.
	Count(ctx context.Context) (int64, error)
}

// Engine builds frames. Implementations bind to a concrete compute backend.
type Engine interface {
	Name() string
	// SupportsConcurrentJobs reports whether independent frames may be
	// materialized at the same time.
	SupportsConcurrentJobs() bool

	FromRows(schema Schema, rows []Row) Frame
	Filter(in Frame, condition string) Frame
	Project(in Frame, out Schema, fn func(Row) (Row, error)) Frame
	Aggregate(in Frame, groupBy []string, aggs []Aggregation) Frame
	Join(left, right Frame, on []string, how JoinKind) Frame
	Window(in Frame, spec WindowSpec) Frame
}

// AggregateOp is an aggregation function.
type AggregateOp string

const (
	AggSum   AggregateOp = "sum"
	AggCount AggregateOp = "count"
	AggMin   AggregateOp = "min"
	AggMax   AggregateOp = "max"
	AggAvg   AggregateOp = "avg"
)

func (op AggregateOp) Valid() bool {
	switch op {
	case AggSum, AggCount, AggMin, AggMax, AggAvg:
		return true
	default:
		return false
	}
}

type Aggregation struct {
	Column string
	Op     AggregateOp
	// Output is the produced column name.
	Output string
}

// OutputName is the default column name for an aggregation.
func OutputName(op AggregateOp, column string) string {
	return fmt.Sprintf("%s_%s", op, column)
}

type JoinKind string

const (
	JoinInner JoinKind = "inner"
	JoinLeft  JoinKind = "left"
)

type WindowFunc string

const (
	WindowRowNumber     WindowFunc = "row_number"
	WindowRank          WindowFunc = "rank"
	WindowLag           WindowFunc = "lag"
	WindowCumulativeSum WindowFunc = "cumulative_sum"
)

type WindowSpec struct {
	PartitionBy []string
	OrderBy     string
	Descending  bool
	Func        WindowFunc
	Column      string
	Output      string
}

// TypeOf returns the logical type of a row value.
func TypeOf(v any) Type {
	switch v.(type) {
	case string:
		return TypeString
	case int, int32, int64:
		return TypeInt
	case float32, float64:
		return TypeFloat
	case bool:
		return TypeBool
	case time.Time:
		return TypeTimestamp
	default:
		return TypeUnknown
	}
}

func sortedKeys(row Row) []string {
	keys := make([]string, 0, len(row))
	for k := range row {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Materialized wraps already-computed rows as a Frame. Engines use it for
// inputs that need no further work.
type Materialized struct {
	schema Schema
	rows   []Row
}

func NewMaterialized(schema Schema, rows []Row) *Materialized {
	if schema == nil {
		schema = Infer(rows)
	}
	return &Materialized{schema: schema, rows: rows}
}

func (m *Materialized) Schema() Schema { return m.schema }

func (m *Materialized) Rows(context.Context) ([]Row, error) { return m.rows, nil }

func (m *Materialized) Count(context.Context) (int64, error) { return int64(len(m.rows)), nil }
