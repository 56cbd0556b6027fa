// Package local is an in-process frame.Engine. Frames are deferred: each one
// holds a compute function over its parents and caches the result of the first
// successful materialization.
package local

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/animus-labs/cloudpipe/internal/expression"
	"github.com/animus-labs/cloudpipe/internal/frame"
)

// Engine evaluates frames in the current process.
type Engine struct {
	concurrent bool
}

// New returns an engine. concurrent controls SupportsConcurrentJobs.
func New(concurrent bool) *Engine {
	return &Engine{concurrent: concurrent}
}

func (e *Engine) Name() string { return "local" }

func (e *Engine) SupportsConcurrentJobs() bool { return e.concurrent }

type lazyFrame struct {
	schema  frame.Schema
	compute func(ctx context.Context) ([]frame.Row, error)

	mu   sync.Mutex
	done bool
	rows []frame.Row
}

func newLazy(schema frame.Schema, compute func(ctx context.Context) ([]frame.Row, error)) *lazyFrame {
	return &lazyFrame{schema: schema, compute: compute}
}

func (f *lazyFrame) Schema() frame.Schema { return f.schema }

func (f *lazyFrame) Rows(ctx context.Context) ([]frame.Row, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.done {
		return f.rows, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rows, err := f.compute(ctx)
	if err != nil {
		return nil, err
	}
	f.rows = rows
	f.done = true
	return rows, nil
}

func (f *lazyFrame) Count(ctx context.Context) (int64, error) {
	rows, err := f.Rows(ctx)
	if err != nil {
		return 0, err
	}
	return int64(len(rows)), nil
}

func (e *Engine) FromRows(schema frame.Schema, rows []frame.Row) frame.Frame {
	return frame.NewMaterialized(schema, rows)
}

func (e *Engine) Filter(in frame.Frame, condition string) frame.Frame {
	return newLazy(in.Schema(), func(ctx context.Context) ([]frame.Row, error) {
		pred, err := expression.Compile(condition)
		if err != nil {
			return nil, err
		}
		rows, err := in.Rows(ctx)
		if err != nil {
			return nil, err
		}
		out := make([]frame.Row, 0, len(rows))
		for i, row := range rows {
			ok, err := pred.Eval(row)
			if err != nil {
				return nil, fmt.Errorf("row %d: %w", i, err)
			}
			if ok {
				out = append(out, row)
			}
		}
		return out, nil
	})
}

func (e *Engine) Project(in frame.Frame, schema frame.Schema, fn func(frame.Row) (frame.Row, error)) frame.Frame {
	return newLazy(schema, func(ctx context.Context) ([]frame.Row, error) {
		rows, err := in.Rows(ctx)
		if err != nil {
			return nil, err
		}
		out := make([]frame.Row, len(rows))
		for i, row := range rows {
			projected, err := fn(row.Clone())
			if err != nil {
				return nil, fmt.Errorf("row %d: %w", i, err)
			}
			out[i] = projected
		}
		return out, nil
	})
}

type aggState struct {
	key   frame.Row
	sum   []float64
	count []int64
	min   []any
	max   []any
}

func (e *Engine) Aggregate(in frame.Frame, groupBy []string, aggs []frame.Aggregation) frame.Frame {
	schema := make(frame.Schema, 0, len(groupBy)+len(aggs))
	for _, col := range groupBy {
		f, ok := in.Schema().Lookup(col)
		if !ok {
			f = frame.Field{Name: col}
		}
		schema = append(schema, f)
	}
	for _, agg := range aggs {
		typ := frame.TypeFloat
		switch agg.Op {
		case frame.AggCount:
			typ = frame.TypeInt
		case frame.AggMin, frame.AggMax:
			if f, ok := in.Schema().Lookup(agg.Column); ok {
				typ = f.Type
			} else {
				typ = frame.TypeUnknown
			}
		}
		schema = append(schema, frame.Field{Name: agg.Output, Type: typ})
	}

	return newLazy(schema, func(ctx context.Context) ([]frame.Row, error) {
		rows, err := in.Rows(ctx)
		if err != nil {
			return nil, err
		}
		groups := map[string]*aggState{}
		var order []string
		for _, row := range rows {
			key := groupKey(row, groupBy)
			st, ok := groups[key]
			if !ok {
				st = &aggState{
					key:   frame.Row{},
					sum:   make([]float64, len(aggs)),
					count: make([]int64, len(aggs)),
					min:   make([]any, len(aggs)),
					max:   make([]any, len(aggs)),
				}
				for _, col := range groupBy {
					st.key[col] = row[col]
				}
				groups[key] = st
				order = append(order, key)
			}
			for i, agg := range aggs {
				v := row[agg.Column]
				if v == nil {
					continue
				}
				st.count[i]++
				if agg.Op == frame.AggSum || agg.Op == frame.AggAvg {
					f, ok := frame.ToFloat(v)
					if !ok {
						return nil, fmt.Errorf("%s(%s): %T is not numeric", agg.Op, agg.Column, v)
					}
					st.sum[i] += f
				}
				if st.min[i] == nil || frame.Compare(v, st.min[i]) < 0 {
					st.min[i] = v
				}
				if st.max[i] == nil || frame.Compare(v, st.max[i]) > 0 {
					st.max[i] = v
				}
			}
		}

		out := make([]frame.Row, 0, len(order))
		for _, key := range order {
			st := groups[key]
			row := st.key.Clone()
			for i, agg := range aggs {
				switch agg.Op {
				case frame.AggSum:
					row[agg.Output] = st.sum[i]
				case frame.AggCount:
					row[agg.Output] = st.count[i]
				case frame.AggMin:
					row[agg.Output] = st.min[i]
				case frame.AggMax:
					row[agg.Output] = st.max[i]
				case frame.AggAvg:
					if st.count[i] == 0 {
						row[agg.Output] = nil
					} else {
						row[agg.Output] = st.sum[i] / float64(st.count[i])
					}
				default:
					return nil, fmt.Errorf("unsupported aggregation %q", agg.Op)
				}
			}
			out = append(out, row)
		}
		return out, nil
	})
}

func (e *Engine) Join(left, right frame.Frame, on []string, how frame.JoinKind) frame.Frame {
	keys := make(map[string]struct{}, len(on))
	for _, k := range on {
		keys[k] = struct{}{}
	}
	schema := append(frame.Schema(nil), left.Schema()...)
	for _, f := range right.Schema() {
		if _, isKey := keys[f.Name]; isKey {
			continue
		}
		schema = append(schema, frame.Field{Name: joinedName(left.Schema(), f.Name), Type: f.Type})
	}

	return newLazy(schema, func(ctx context.Context) ([]frame.Row, error) {
		lrows, err := left.Rows(ctx)
		if err != nil {
			return nil, err
		}
		rrows, err := right.Rows(ctx)
		if err != nil {
			return nil, err
		}
		index := make(map[string][]frame.Row, len(rrows))
		for _, r := range rrows {
			if hasNullKey(r, on) {
				continue
			}
			k := groupKey(r, on)
			index[k] = append(index[k], r)
		}
		out := make([]frame.Row, 0, len(lrows))
		for _, l := range lrows {
			var matches []frame.Row
			if !hasNullKey(l, on) {
				matches = index[groupKey(l, on)]
			}
			if len(matches) == 0 {
				if how == frame.JoinLeft {
					out = append(out, l.Clone())
				}
				continue
			}
			for _, r := range matches {
				row := l.Clone()
				for col, v := range r {
					if _, isKey := keys[col]; isKey {
						continue
					}
					row[joinedNameRow(l, col)] = v
				}
				out = append(out, row)
			}
		}
		return out, nil
	})
}

func joinedName(left frame.Schema, col string) string {
	if left.Has(col) {
		return col + "_right"
	}
	return col
}

func joinedNameRow(left frame.Row, col string) string {
	if _, ok := left[col]; ok {
		return col + "_right"
	}
	return col
}

func (e *Engine) Window(in frame.Frame, spec frame.WindowSpec) frame.Frame {
	outType := frame.TypeInt
	switch spec.Func {
	case frame.WindowLag:
		outType = frame.TypeUnknown
		if f, ok := in.Schema().Lookup(spec.Column); ok {
			outType = f.Type
		}
	case frame.WindowCumulativeSum:
		outType = frame.TypeFloat
	}
	schema := in.Schema().With(frame.Field{Name: spec.Output, Type: outType})

	return newLazy(schema, func(ctx context.Context) ([]frame.Row, error) {
		rows, err := in.Rows(ctx)
		if err != nil {
			return nil, err
		}
		partitions := map[string][]int{}
		var order []string
		for i, row := range rows {
			k := groupKey(row, spec.PartitionBy)
			if _, ok := partitions[k]; !ok {
				order = append(order, k)
			}
			partitions[k] = append(partitions[k], i)
		}

		out := make([]frame.Row, len(rows))
		for _, k := range order {
			idx := partitions[k]
			if spec.OrderBy != "" {
				sort.SliceStable(idx, func(a, b int) bool {
					c := frame.Compare(rows[idx[a]][spec.OrderBy], rows[idx[b]][spec.OrderBy])
					if spec.Descending {
						return c > 0
					}
					return c < 0
				})
			}
			var (
				rank    int64
				cum     float64
				prev    any
				prevKey any
			)
			for pos, i := range idx {
				row := rows[i].Clone()
				switch spec.Func {
				case frame.WindowRowNumber:
					row[spec.Output] = int64(pos + 1)
				case frame.WindowRank:
					cur := rows[i][spec.OrderBy]
					if pos == 0 || frame.Compare(cur, prevKey) != 0 {
						rank = int64(pos + 1)
					}
					prevKey = cur
					row[spec.Output] = rank
				case frame.WindowLag:
					if pos == 0 {
						row[spec.Output] = nil
					} else {
						row[spec.Output] = prev
					}
					prev = rows[i][spec.Column]
				case frame.WindowCumulativeSum:
					if f, ok := frame.ToFloat(rows[i][spec.Column]); ok {
						cum += f
					}
					row[spec.Output] = cum
				default:
					return nil, fmt.Errorf("unsupported window function %q", spec.Func)
				}
				out[i] = row
			}
		}
		return out, nil
	})
}

func groupKey(row frame.Row, cols []string) string {
	if len(cols) == 0 {
		return ""
	}
	key := make([]byte, 0, 32)
	for _, col := range cols {
		key = fmt.Appendf(key, "%T:%v\x1f", row[col], row[col])
	}
	return string(key)
}

func hasNullKey(row frame.Row, cols []string) bool {
	for _, col := range cols {
		if row[col] == nil {
			return true
		}
	}
	return false
}
