package frame

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/animus-labs/cloudpipe/internal/pipelineerr"
)

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// Conform coerces rows to the expected schema. Strings parse into the declared
// type, ints widen to floats and anything renders to string. A missing column or
// a value that cannot be coerced fails with SchemaMismatch. Columns not in
// expected are kept unchanged. Empty strings in non-string columns become null.
func Conform(stage string, expected Schema, rows []Row) ([]Row, error) {
	if len(expected) == 0 {
		return rows, nil
	}
	out := make([]Row, len(rows))
	for i, row := range rows {
		conformed := row.Clone()
		for _, field := range expected {
			v, ok := row[field.Name]
			if !ok {
				return nil, pipelineerr.New(pipelineerr.SchemaMismatch, stage, "row %d: column %q missing", i, field.Name)
			}
			cv, err := CoerceValue(v, field.Type)
			if err != nil {
				return nil, pipelineerr.New(pipelineerr.SchemaMismatch, stage, "row %d: column %q: %v", i, field.Name, err)
			}
			conformed[field.Name] = cv
		}
		out[i] = conformed
	}
	return out, nil
}

// CoerceValue converts v to typ under the coercion rules of Conform.
func CoerceValue(v any, typ Type) (any, error) {
	if v == nil {
		return nil, nil
	}
	if s, ok := v.(string); ok && typ != TypeString && strings.TrimSpace(s) == "" {
		return nil, nil
	}
	switch typ {
	case TypeUnknown:
		return v, nil
	case TypeString:
		switch t := v.(type) {
		case string:
			return t, nil
		case time.Time:
			return t.UTC().Format(time.RFC3339Nano), nil
		default:
			return fmt.Sprint(t), nil
		}
	case TypeInt:
		switch t := v.(type) {
		case int64:
			return t, nil
		case int:
			return int64(t), nil
		case int32:
			return int64(t), nil
		case float64:
			if t != math.Trunc(t) {
				return nil, fmt.Errorf("%v is not integral", t)
			}
			return int64(t), nil
		case string:
			i, err := strconv.ParseInt(strings.TrimSpace(t), 10, 64)
			if err != nil {
				return nil, fmt.Errorf("%q is not an int", t)
			}
			return i, nil
		}
	case TypeFloat:
		switch t := v.(type) {
		case float64:
			return t, nil
		case float32:
			return float64(t), nil
		case int64:
			return float64(t), nil
		case int:
			return float64(t), nil
		case string:
			f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
			if err != nil {
				return nil, fmt.Errorf("%q is not a float", t)
			}
			return f, nil
		}
	case TypeBool:
		switch t := v.(type) {
		case bool:
			return t, nil
		case string:
			b, err := strconv.ParseBool(strings.TrimSpace(t))
			if err != nil {
				return nil, fmt.Errorf("%q is not a bool", t)
			}
			return b, nil
		}
	case TypeTimestamp:
		switch t := v.(type) {
		case time.Time:
			return t.UTC(), nil
		case string:
			for _, layout := range timestampLayouts {
				if ts, err := time.Parse(layout, strings.TrimSpace(t)); err == nil {
					return ts.UTC(), nil
				}
			}
			return nil, fmt.Errorf("%q is not a timestamp", t)
		}
	}
	return nil, fmt.Errorf("cannot coerce %T to %s", v, typ)
}

// ToFloat converts numeric values for arithmetic. ok is false for non-numbers.
func ToFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case int64:
		return float64(t), true
	case int:
		return float64(t), true
	case int32:
		return float64(t), true
	case float64:
		return t, true
	case float32:
		return float64(t), true
	default:
		return 0, false
	}
}

// Compare orders two values of the same logical type; nil sorts first.
// Mixed numeric types compare numerically; anything else compares as text.
func Compare(a, b any) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	}
	if fa, ok := ToFloat(a); ok {
		if fb, ok := ToFloat(b); ok {
			switch {
			case fa < fb:
				return -1
			case fa > fb:
				return 1
			default:
				return 0
			}
		}
	}
	if ta, ok := a.(time.Time); ok {
		if tb, ok := b.(time.Time); ok {
			return ta.Compare(tb)
		}
	}
	if ba, ok := a.(bool); ok {
		if bb, ok := b.(bool); ok {
			switch {
			case ba == bb:
				return 0
			case !ba:
				return -1
			default:
				return 1
			}
		}
	}
	return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
}
