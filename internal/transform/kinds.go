package transform

import (
	"fmt"
	"sort"

	"github.com/animus-labs/cloudpipe/internal/expression"
	"github.com/animus-labs/cloudpipe/internal/frame"
	"github.com/animus-labs/cloudpipe/internal/frame/local"
)

// schemaEngine derives output schemas; frames it builds are never materialized.
var schemaEngine = local.New(false)

type filter struct {
	condition string
	columns   []string
}

func newFilter(p params) (Impl, error) {
	if err := p.known("condition"); err != nil {
		return nil, err
	}
	cond, err := p.requiredStr("condition")
	if err != nil {
		return nil, err
	}
	cols, err := expression.Columns(cond)
	if err != nil {
		return nil, err
	}
	return &filter{condition: cond, columns: cols}, nil
}

func (f *filter) Arity() int                                  { return 1 }
func (f *filter) Columns() []string                           { return f.columns }
func (f *filter) OutputSchema(in []frame.Schema) frame.Schema { return in[0] }
func (f *filter) Postcondition() Postcondition                { return PostFewerOrEqual }

func (f *filter) Apply(eng frame.Engine, in []frame.Frame) frame.Frame {
	return eng.Filter(in[0], f.condition)
}

type aggregate struct {
	groupBy []string
	aggs    []frame.Aggregation
}

// newAggregate reads group_by and aggregations. aggregations maps a column to
// one operation or a list of operations; output columns are named op_column.
func newAggregate(p params) (Impl, error) {
	if err := p.known("group_by", "aggregations"); err != nil {
		return nil, err
	}
	groupBy, err := p.list("group_by")
	if err != nil {
		return nil, err
	}
	raw, ok := p["aggregations"].(map[string]any)
	if !ok || len(raw) == 0 {
		return nil, fmt.Errorf("parameter %q must be a non-empty mapping of column to operation", "aggregations")
	}
	cols := make([]string, 0, len(raw))
	for col := range raw {
		cols = append(cols, col)
	}
	sort.Strings(cols)

	a := &aggregate{groupBy: groupBy}
	seen := map[string]struct{}{}
	for _, g := range groupBy {
		seen[g] = struct{}{}
	}
	for _, col := range cols {
		ops, err := params{col: raw[col]}.list(col)
		if err != nil {
			return nil, fmt.Errorf("aggregations: %w", err)
		}
		for _, op := range ops {
			aop := frame.AggregateOp(op)
			if !aop.Valid() {
				return nil, fmt.Errorf("aggregations.%s: unsupported operation %q", col, op)
			}
			out := frame.OutputName(aop, col)
			if _, dup := seen[out]; dup {
				return nil, fmt.Errorf("aggregations.%s: output column %q collides", col, out)
			}
			seen[out] = struct{}{}
			a.aggs = append(a.aggs, frame.Aggregation{Column: col, Op: aop, Output: out})
		}
	}
	return a, nil
}

func (a *aggregate) Arity() int                   { return 1 }
func (a *aggregate) Postcondition() Postcondition { return PostFewerOrEqual }

func (a *aggregate) Columns() []string {
	out := append([]string(nil), a.groupBy...)
	for _, agg := range a.aggs {
		out = append(out, agg.Column)
	}
	return dedupe(out)
}

func (a *aggregate) OutputSchema(in []frame.Schema) frame.Schema {
	return a.Apply(schemaEngine, []frame.Frame{frame.NewMaterialized(in[0], nil)}).Schema()
}

func (a *aggregate) Apply(eng frame.Engine, in []frame.Frame) frame.Frame {
	return eng.Aggregate(in[0], a.groupBy, a.aggs)
}

type join struct {
	on  []string
	how frame.JoinKind
}

func newJoin(p params) (Impl, error) {
	if err := p.known("on", "how"); err != nil {
		return nil, err
	}
	on, err := p.list("on")
	if err != nil {
		return nil, err
	}
	if len(on) == 0 {
		return nil, fmt.Errorf("parameter %q is required", "on")
	}
	how, err := p.str("how")
	if err != nil {
		return nil, err
	}
	kind := frame.JoinKind(how)
	switch kind {
	case "":
		kind = frame.JoinInner
	case frame.JoinInner, frame.JoinLeft:
	default:
		return nil, fmt.Errorf("unsupported join %q (inner or left)", how)
	}
	return &join{on: on, how: kind}, nil
}

func (j *join) Arity() int                   { return 2 }
func (j *join) Columns() []string            { return j.on }
func (j *join) Postcondition() Postcondition { return PostNone }

func (j *join) OutputSchema(in []frame.Schema) frame.Schema {
	if in[0] == nil || in[1] == nil {
		return nil
	}
	return j.Apply(schemaEngine, []frame.Frame{frame.NewMaterialized(in[0], nil), frame.NewMaterialized(in[1], nil)}).Schema()
}

func (j *join) Apply(eng frame.Engine, in []frame.Frame) frame.Frame {
	return eng.Join(in[0], in[1], j.on, j.how)
}

type window struct {
	spec frame.WindowSpec
}

func newWindow(p params) (Impl, error) {
	if err := p.known("partition_by", "order_by", "descending", "function", "column", "output"); err != nil {
		return nil, err
	}
	var (
		w   window
		err error
	)
	if w.spec.PartitionBy, err = p.list("partition_by"); err != nil {
		return nil, err
	}
	if w.spec.OrderBy, err = p.str("order_by"); err != nil {
		return nil, err
	}
	if w.spec.Descending, err = p.boolean("descending"); err != nil {
		return nil, err
	}
	fn, err := p.requiredStr("function")
	if err != nil {
		return nil, err
	}
	w.spec.Func = frame.WindowFunc(fn)
	if w.spec.Column, err = p.str("column"); err != nil {
		return nil, err
	}
	switch w.spec.Func {
	case frame.WindowRowNumber:
	case frame.WindowRank:
		if w.spec.OrderBy == "" {
			return nil, fmt.Errorf("rank requires order_by")
		}
	case frame.WindowLag, frame.WindowCumulativeSum:
		if w.spec.Column == "" {
			return nil, fmt.Errorf("%s requires column", fn)
		}
	default:
		return nil, fmt.Errorf("unsupported window function %q", fn)
	}
	if w.spec.Output, err = p.str("output"); err != nil {
		return nil, err
	}
	if w.spec.Output == "" {
		w.spec.Output = fn
		if w.spec.Column != "" {
			w.spec.Output = fn + "_" + w.spec.Column
		}
	}
	return &w, nil
}

func (w *window) Arity() int                   { return 1 }
func (w *window) Postcondition() Postcondition { return PostEqual }

func (w *window) Columns() []string {
	out := append([]string(nil), w.spec.PartitionBy...)
	if w.spec.OrderBy != "" {
		out = append(out, w.spec.OrderBy)
	}
	if w.spec.Column != "" {
		out = append(out, w.spec.Column)
	}
	return dedupe(out)
}

func (w *window) OutputSchema(in []frame.Schema) frame.Schema {
	if in[0] == nil {
		return nil
	}
	return w.Apply(schemaEngine, []frame.Frame{frame.NewMaterialized(in[0], nil)}).Schema()
}

func (w *window) Apply(eng frame.Engine, in []frame.Frame) frame.Frame {
	return eng.Window(in[0], w.spec)
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := in[:0]
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
