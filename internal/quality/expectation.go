package quality

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/animus-labs/cloudpipe/internal/domain"
	"github.com/animus-labs/cloudpipe/internal/expression"
	"github.com/animus-labs/cloudpipe/internal/frame"
)

// Expectation kinds.
const (
	KindNotNull     = "not_null"
	KindRange       = "range"
	KindUnique      = "unique"
	KindReferential = "referential"
	KindPredicate   = "predicate"
)

// check flags violating rows. refs holds materialized reference inputs by stage ID.
type check interface {
	columns() []string
	reference() string
	violations(rows []frame.Row, refs map[string][]frame.Row) ([]bool, string)
}

func newCheck(d domain.ExpectationDescriptor) (check, error) {
	switch d.Kind {
	case KindNotNull:
		if d.Column == "" {
			return nil, fmt.Errorf("column is required")
		}
		return notNull{column: d.Column}, nil
	case KindRange:
		if d.Column == "" {
			return nil, fmt.Errorf("column is required")
		}
		if d.Min == nil && d.Max == nil {
			return nil, fmt.Errorf("min or max is required")
		}
		if d.Min != nil && d.Max != nil && *d.Min > *d.Max {
			return nil, fmt.Errorf("min %v exceeds max %v", *d.Min, *d.Max)
		}
		return rangeCheck{column: d.Column, min: d.Min, max: d.Max}, nil
	case KindUnique:
		cols := d.Columns
		if len(cols) == 0 && d.Column != "" {
			cols = []string{d.Column}
		}
		if len(cols) == 0 {
			return nil, fmt.Errorf("columns is required")
		}
		return unique{cols: cols}, nil
	case KindReferential:
		if d.Column == "" || d.Reference == "" {
			return nil, fmt.Errorf("column and reference are required")
		}
		refCol := d.ReferenceColumn
		if refCol == "" {
			refCol = d.Column
		}
		return referential{column: d.Column, ref: d.Reference, refColumn: refCol}, nil
	case KindPredicate:
		pred, err := expression.Compile(d.Expression)
		if err != nil {
			return nil, err
		}
		return predicate{pred: pred}, nil
	default:
		return nil, fmt.Errorf("unknown expectation kind %q", d.Kind)
	}
}

type notNull struct{ column string }

func (c notNull) columns() []string { return []string{c.column} }
func (c notNull) reference() string { return "" }

func (c notNull) violations(rows []frame.Row, _ map[string][]frame.Row) ([]bool, string) {
	out := make([]bool, len(rows))
	for i, row := range rows {
		v := row[c.column]
		if s, ok := v.(string); ok && strings.TrimSpace(s) == "" {
			v = nil
		}
		out[i] = v == nil
	}
	return out, ""
}

type rangeCheck struct {
	column   string
	min, max *float64
}

func (c rangeCheck) columns() []string { return []string{c.column} }
func (c rangeCheck) reference() string { return "" }

// Nulls are left to not_null; values that are not numeric violate.
func (c rangeCheck) violations(rows []frame.Row, _ map[string][]frame.Row) ([]bool, string) {
	out := make([]bool, len(rows))
	for i, row := range rows {
		v, err := frame.CoerceValue(row[c.column], frame.TypeFloat)
		if err != nil {
			out[i] = true
			continue
		}
		if v == nil {
			continue
		}
		f := v.(float64)
		out[i] = (c.min != nil && f < *c.min) || (c.max != nil && f > *c.max)
	}
	return out, ""
}

type unique struct{ cols []string }

func (c unique) columns() []string { return c.cols }
func (c unique) reference() string { return "" }

// Every occurrence of a key after the first violates. Keys with a null
// component never collide.
func (c unique) violations(rows []frame.Row, _ map[string][]frame.Row) ([]bool, string) {
	out := make([]bool, len(rows))
	seen := make(map[string]struct{}, len(rows))
	for i, row := range rows {
		key, ok := rowKey(row, c.cols)
		if !ok {
			continue
		}
		if _, dup := seen[key]; dup {
			out[i] = true
			continue
		}
		seen[key] = struct{}{}
	}
	return out, ""
}

type referential struct {
	column, ref, refColumn string
}

func (c referential) columns() []string { return []string{c.column} }
func (c referential) reference() string { return c.ref }

func (c referential) violations(rows []frame.Row, refs map[string][]frame.Row) ([]bool, string) {
	known := map[string]struct{}{}
	for _, r := range refs[c.ref] {
		if key, ok := rowKey(frame.Row{c.column: r[c.refColumn]}, []string{c.column}); ok {
			known[key] = struct{}{}
		}
	}
	out := make([]bool, len(rows))
	for i, row := range rows {
		key, ok := rowKey(row, []string{c.column})
		if !ok {
			continue
		}
		_, found := known[key]
		out[i] = !found
	}
	return out, ""
}

type predicate struct{ pred *expression.Predicate }

func (c predicate) columns() []string { return c.pred.Columns() }
func (c predicate) reference() string { return "" }

// Rows the predicate cannot evaluate violate; the first error is reported.
func (c predicate) violations(rows []frame.Row, _ map[string][]frame.Row) ([]bool, string) {
	out := make([]bool, len(rows))
	var msg string
	for i, row := range rows {
		ok, err := c.pred.Eval(row)
		if err != nil {
			if msg == "" {
				msg = fmt.Sprintf("row %d: %v", i, err)
			}
			out[i] = true
			continue
		}
		out[i] = !ok
	}
	return out, msg
}

// rowKey encodes the values of cols as a type-tagged, length-prefixed string.
// Ints and floats share a tag so 1 and 1.0 match. ok is false when any value
// is null.
func rowKey(row frame.Row, cols []string) (string, bool) {
	var b strings.Builder
	for _, col := range cols {
		v := row[col]
		if v == nil {
			return "", false
		}
		s, err := frame.CoerceValue(v, frame.TypeString)
		if err != nil {
			return "", false
		}
		rendered := s.(string)
		b.WriteString(keyTag(v))
		b.WriteString(strconv.Itoa(len(rendered)))
		b.WriteByte(':')
		b.WriteString(rendered)
	}
	return b.String(), true
}

func keyTag(v any) string {
	switch frame.TypeOf(v) {
	case frame.TypeInt, frame.TypeFloat:
		return "n"
	case frame.TypeString:
		return "s"
	case frame.TypeBool:
		return "b"
	case frame.TypeTimestamp:
		return "t"
	default:
		return "?"
	}
}
