// Package expression compiles row-level boolean expressions such as "amount > 0".
//
// Expressions are evaluated against a row (column name -> value). Referenced
// columns are extracted at compile time so the resolver can validate them
// before any data is read.
package expression

import (
	"fmt"
	"sort"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/ast"
	"github.com/expr-lang/expr/parser"
	"github.com/expr-lang/expr/vm"
)

// Predicate is a compiled boolean expression.
type Predicate struct {
	source  string
	program *vm.Program
	columns []string
}

// Compile parses and compiles src.
func Compile(src string) (*Predicate, error) {
	src = strings.TrimSpace(src)
	if src == "" {
		return nil, fmt.Errorf("expression is empty")
	}
	columns, err := Columns(src)
	if err != nil {
		return nil, err
	}
	program, err := expr.Compile(src, expr.AllowUndefinedVariables())
	if err != nil {
		return nil, fmt.Errorf("compile %q: %w", src, err)
	}
	return &Predicate{source: src, program: program, columns: columns}, nil
}

// Columns returns the sorted, de-duplicated identifiers referenced by src.
func Columns(src string) ([]string, error) {
	tree, err := parser.Parse(src)
	if err != nil {
		return nil, fmt.Errorf("parse %q: %w", src, err)
	}
	v := &identVisitor{seen: map[string]struct{}{}}
	ast.Walk(&tree.Node, v)
	out := make([]string, 0, len(v.seen))
	for name := range v.seen {
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

type identVisitor struct {
	seen map[string]struct{}
}

func (v *identVisitor) Visit(node *ast.Node) {
	if ident, ok := (*node).(*ast.IdentifierNode); ok {
		v.seen[ident.Value] = struct{}{}
	}
}

func (p *Predicate) String() string { return p.source }

// Columns returns the columns the predicate reads.
func (p *Predicate) Columns() []string {
	return append([]string(nil), p.columns...)
}

// Eval evaluates the predicate against row. A row with a null in a referenced
// column evaluates to false when the expression cannot be computed.
func (p *Predicate) Eval(row map[string]any) (bool, error) {
	env := make(map[string]any, len(p.columns))
	hasNull := false
	for _, col := range p.columns {
		v, ok := row[col]
		if !ok || v == nil {
			hasNull = true
		}
		env[col] = v
	}
	out, err := expr.Run(p.program, env)
	if err != nil {
		if hasNull {
			return false, nil
		}
		return false, fmt.Errorf("evaluate %q: %w", p.source, err)
	}
	switch v := out.(type) {
	case bool:
		return v, nil
	case nil:
		return false, nil
	default:
		return false, fmt.Errorf("evaluate %q: result is %T, not bool", p.source, out)
	}
}
