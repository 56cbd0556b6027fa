package frame

import (
	"fmt"
	"strings"

	"github.com/animus-labs/cloudpipe/internal/domain"
)

// Type is a logical column type.
type Type string

const (
	TypeString    Type = "string"
	TypeInt       Type = "int"
	TypeFloat     Type = "float"
	TypeBool      Type = "bool"
	TypeTimestamp Type = "timestamp"
	// TypeUnknown marks a column whose type is only known after materialization.
	TypeUnknown Type = ""
)

// ParseType maps a declared type name (and common aliases) to a Type.
func ParseType(name string) (Type, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "string", "str", "text", "varchar":
		return TypeString, nil
	case "int", "integer", "int64", "long", "bigint":
		return TypeInt, nil
	case "float", "double", "float64", "number", "decimal", "numeric":
		return TypeFloat, nil
	case "bool", "boolean":
		return TypeBool, nil
	case "timestamp", "datetime", "date", "time":
		return TypeTimestamp, nil
	default:
		return TypeUnknown, fmt.Errorf("unsupported column type %q", name)
	}
}

// Widens reports whether converting from -> to never loses information.
func Widens(from, to Type) bool {
	switch {
	case from == to:
		return true
	case to == TypeString:
		return true
	case from == TypeInt && to == TypeFloat:
		return true
	default:
		return false
	}
}

type Field struct {
	Name string
	Type Type
}

// Schema is an ordered list of fields. Names are unique.
type Schema []Field

// SchemaFromColumns converts declared columns to a Schema.
func SchemaFromColumns(cols []domain.Column) (Schema, error) {
	if len(cols) == 0 {
		return nil, nil
	}
	out := make(Schema, 0, len(cols))
	seen := make(map[string]struct{}, len(cols))
	for i, col := range cols {
		name := strings.TrimSpace(col.Name)
		if name == "" {
			return nil, fmt.Errorf("schema[%d] name is required", i)
		}
		if _, ok := seen[name]; ok {
			return nil, fmt.Errorf("schema column %q declared twice", name)
		}
		seen[name] = struct{}{}
		typ, err := ParseType(col.Type)
		if err != nil {
			return nil, fmt.Errorf("schema column %q: %w", name, err)
		}
		out = append(out, Field{Name: name, Type: typ})
	}
	return out, nil
}

// Lookup returns the field called name.
func (s Schema) Lookup(name string) (Field, bool) {
	for _, f := range s {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

func (s Schema) Has(name string) bool {
	_, ok := s.Lookup(name)
	return ok
}

func (s Schema) Names() []string {
	out := make([]string, len(s))
	for i, f := range s {
		out[i] = f.Name
	}
	return out
}

// With returns a copy of s with f added or replaced in place.
func (s Schema) With(f Field) Schema {
	out := make(Schema, 0, len(s)+1)
	replaced := false
	for _, existing := range s {
		if existing.Name == f.Name {
			out = append(out, f)
			replaced = true
			continue
		}
		out = append(out, existing)
	}
	if !replaced {
		out = append(out, f)
	}
	return out
}

// Without returns a copy of s without the named field.
func (s Schema) Without(name string) Schema {
	out := make(Schema, 0, len(s))
	for _, f := range s {
		if f.Name != name {
			out = append(out, f)
		}
	}
	return out
}

// Equal compares names and types in order.
func (s Schema) Equal(other Schema) bool {
	if len(s) != len(other) {
		return false
	}
	for i := range s {
		if s[i] != other[i] {
			return false
		}
	}
	return true
}

// Infer derives a schema from materialized rows. Column order follows first
// appearance; a column's type is the widest type observed.
func Infer(rows []Row) Schema {
	var out Schema
	index := map[string]int{}
	for _, row := range rows {
		for _, name := range sortedKeys(row) {
			typ := TypeOf(row[name])
			i, ok := index[name]
			if !ok {
				index[name] = len(out)
				out = append(out, Field{Name: name, Type: typ})
				continue
			}
			out[i].Type = widest(out[i].Type, typ)
		}
	}
	return out
}

func widest(a, b Type) Type {
	switch {
	case a == TypeUnknown:
		return b
	case b == TypeUnknown || a == b:
		return a
	case Widens(a, b):
		return b
	case Widens(b, a):
		return a
	default:
		return TypeString
	}
}
