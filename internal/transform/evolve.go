package transform

import (
	"fmt"

	"github.com/animus-labs/cloudpipe/internal/frame"
)

// schemaEvolve applies explicit column changes in a fixed order: rename, cast,
// add, drop. cast and add refer to post-rename names.
type schemaEvolve struct {
	renameKeys []string
	rename     map[string]string
	castKeys   []string
	cast       map[string]frame.Type
	addKeys    []string
	add        map[string]frame.Type
	drop       []string
}

func newSchemaEvolve(p params) (Impl, error) {
	if err := p.known("add", "cast", "rename", "drop"); err != nil {
		return nil, err
	}
	var (
		e   schemaEvolve
		err error
	)
	if e.renameKeys, e.rename, err = p.mapping("rename"); err != nil {
		return nil, err
	}
	if e.castKeys, e.cast, err = typedMapping(p, "cast"); err != nil {
		return nil, err
	}
	if e.addKeys, e.add, err = typedMapping(p, "add"); err != nil {
		return nil, err
	}
	if e.drop, err = p.list("drop"); err != nil {
		return nil, err
	}
	if len(e.rename)+len(e.cast)+len(e.add)+len(e.drop) == 0 {
		return nil, fmt.Errorf("at least one of add, cast, rename or drop is required")
	}
	targets := map[string]string{}
	for _, old := range e.renameKeys {
		if prev, ok := targets[e.rename[old]]; ok {
			return nil, fmt.Errorf("rename: %q and %q both become %q", prev, old, e.rename[old])
		}
		targets[e.rename[old]] = old
	}
	for _, col := range e.addKeys {
		if _, ok := e.cast[col]; ok {
			return nil, fmt.Errorf("column %q is both added and cast", col)
		}
	}
	return &e, nil
}

func typedMapping(p params, key string) ([]string, map[string]frame.Type, error) {
	keys, raw, err := p.mapping(key)
	if err != nil {
		return nil, nil, err
	}
	out := make(map[string]frame.Type, len(raw))
	for _, col := range keys {
		typ, err := frame.ParseType(raw[col])
		if err != nil {
			return nil, nil, fmt.Errorf("%s.%s: %w", key, col, err)
		}
		out[col] = typ
	}
	return keys, out, nil
}

func (e *schemaEvolve) Arity() int                   { return 1 }
func (e *schemaEvolve) Postcondition() Postcondition { return PostEqual }

func (e *schemaEvolve) Columns() []string {
	out := append([]string(nil), e.renameKeys...)
	for _, col := range e.castKeys {
		out = append(out, e.original(col))
	}
	out = append(out, e.drop...)
	return dedupe(out)
}

func (e *schemaEvolve) original(col string) string {
	for _, old := range e.renameKeys {
		if e.rename[old] == col {
			return old
		}
	}
	return col
}

func (e *schemaEvolve) Removed() []string {
	out := append([]string(nil), e.renameKeys...)
	out = append(out, e.drop...)
	return dedupe(out)
}

// Narrowed lists cast targets that lose information relative to in. A column
// of unknown upstream type narrows unless it is cast to string.
func (e *schemaEvolve) Narrowed(in frame.Schema) []string {
	var out []string
	for _, col := range e.castKeys {
		to := e.cast[col]
		f, ok := in.Lookup(e.original(col))
		if !ok || f.Type == frame.TypeUnknown {
			if to != frame.TypeString {
				out = append(out, col)
			}
			continue
		}
		if !frame.Widens(f.Type, to) {
			out = append(out, col)
		}
	}
	return out
}

func (e *schemaEvolve) OutputSchema(in []frame.Schema) frame.Schema {
	if in[0] == nil {
		return nil
	}
	return e.evolve(in[0])
}

func (e *schemaEvolve) evolve(s frame.Schema) frame.Schema {
	out := make(frame.Schema, len(s))
	for i, f := range s {
		if to, ok := e.rename[f.Name]; ok {
			f.Name = to
		}
		out[i] = f
	}
	for _, col := range e.castKeys {
		out = out.With(frame.Field{Name: col, Type: e.cast[col]})
	}
	for _, col := range e.addKeys {
		if !out.Has(col) {
			out = out.With(frame.Field{Name: col, Type: e.add[col]})
		}
	}
	for _, col := range e.drop {
		out = out.Without(col)
	}
	return out
}

func (e *schemaEvolve) Apply(eng frame.Engine, in []frame.Frame) frame.Frame {
	var schema frame.Schema
	if in[0].Schema() != nil {
		schema = e.evolve(in[0].Schema())
	}
	return eng.Project(in[0], schema, e.row)
}

func (e *schemaEvolve) row(r frame.Row) (frame.Row, error) {
	moved := make(map[string]any, len(e.renameKeys))
	for _, old := range e.renameKeys {
		if v, ok := r[old]; ok {
			moved[e.rename[old]] = v
			delete(r, old)
		}
	}
	for col, v := range moved {
		r[col] = v
	}
	for _, col := range e.castKeys {
		v, err := frame.CoerceValue(r[col], e.cast[col])
		if err != nil {
			return nil, fmt.Errorf("cast %s: %w", col, err)
		}
		r[col] = v
	}
	for _, col := range e.addKeys {
		if v, ok := r[col]; ok {
			cv, err := frame.CoerceValue(v, e.add[col])
			if err != nil {
				return nil, fmt.Errorf("add %s: %w", col, err)
			}
			r[col] = cv
			continue
		}
		r[col] = nil
	}
	for _, col := range e.drop {
		delete(r, col)
	}
	return r, nil
}
