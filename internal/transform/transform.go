// Package transform implements transformation stages: pure functions from N
// input frames to one output frame, built lazily through a frame.Engine.
package transform

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/animus-labs/cloudpipe/internal/domain"
	"github.com/animus-labs/cloudpipe/internal/frame"
	"github.com/animus-labs/cloudpipe/internal/pipelineerr"
)

// Transform kinds.
const (
	KindFilter       = "filter"
	KindAggregate    = "aggregate"
	KindJoin         = "join"
	KindWindow       = "window"
	KindSchemaEvolve = "schema_evolve"
)

// Postcondition is a row-count relation between output and input.
type Postcondition string

const (
	PostNone         Postcondition = ""
	PostFewerOrEqual Postcondition = "rows_out <= rows_in"
	PostEqual        Postcondition = "rows_out == rows_in"
	PostMoreOrEqual  Postcondition = "rows_out >= rows_in"
)

func parsePostcondition(raw string) (Postcondition, error) {
	switch strings.Join(strings.Fields(raw), " ") {
	case "":
		return PostNone, nil
	case "none":
		return PostNone, nil
	case string(PostFewerOrEqual), "le":
		return PostFewerOrEqual, nil
	case string(PostEqual), "eq":
		return PostEqual, nil
	case string(PostMoreOrEqual), "ge":
		return PostMoreOrEqual, nil
	default:
		return "", fmt.Errorf("unsupported postcondition %q", raw)
	}
}

// Holds reports whether the relation holds for the given counts.
func (p Postcondition) Holds(rowsIn, rowsOut int64) bool {
	switch p {
	case PostFewerOrEqual:
		return rowsOut <= rowsIn
	case PostEqual:
		return rowsOut == rowsIn
	case PostMoreOrEqual:
		return rowsOut >= rowsIn
	default:
		return true
	}
}

// Impl is one transform kind.
type Impl interface {
	// Arity is the exact number of inputs.
	Arity() int
	// Columns lists the input columns the transform reads.
	Columns() []string
	// OutputSchema propagates input schemas; nil means unknown.
	OutputSchema(in []frame.Schema) frame.Schema
	Apply(eng frame.Engine, in []frame.Frame) frame.Frame
	Postcondition() Postcondition
}

// Evolution is implemented by kinds that remove or retype columns.
type Evolution interface {
	// Removed lists columns that no longer exist after the transform.
	Removed() []string
	// Narrowed lists columns whose new type may lose information relative to in.
	Narrowed(in frame.Schema) []string
}

type factory func(p params) (Impl, error)

var kinds = map[string]factory{
	KindFilter:       newFilter,
	KindAggregate:    newAggregate,
	KindJoin:         newJoin,
	KindWindow:       newWindow,
	KindSchemaEvolve: newSchemaEvolve,
}

// Kinds lists the supported kinds, sorted.
func Kinds() []string {
	out := make([]string, 0, len(kinds))
	for k := range kinds {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Stage is a configured transformation bound to its declared inputs.
type Stage struct {
	Name     string
	Kind     string
	Inputs   []string
	Post     Postcondition
	Expected frame.Schema
	impl     Impl
}

// New validates desc and builds its stage. Errors describe the definition
// problem; the caller classifies them.
func New(desc domain.TransformDescriptor) (*Stage, error) {
	build, ok := kinds[desc.Kind]
	if !ok {
		return nil, fmt.Errorf("unknown transform kind %q (supported: %s)", desc.Kind, strings.Join(Kinds(), ", "))
	}
	p := params(desc.Parameters)
	impl, err := build(p)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", desc.Kind, err)
	}
	if len(desc.Inputs) != impl.Arity() {
		return nil, fmt.Errorf("%s takes %d input(s), got %d", desc.Kind, impl.Arity(), len(desc.Inputs))
	}
	rawPost, err := p.str("postcondition")
	if err != nil {
		return nil, err
	}
	post := impl.Postcondition()
	if rawPost != "" {
		if post, err = parsePostcondition(rawPost); err != nil {
			return nil, err
		}
	}
	expected, err := frame.SchemaFromColumns(desc.Schema)
	if err != nil {
		return nil, err
	}
	return &Stage{
		Name:     desc.Name,
		Kind:     desc.Kind,
		Inputs:   trimmed(desc.Inputs),
		Post:     post,
		Expected: expected,
		impl:     impl,
	}, nil
}

// Columns lists input columns the stage reads.
func (s *Stage) Columns() []string { return s.impl.Columns() }

// OutputSchema returns the declared schema when set, else the propagated one.
func (s *Stage) OutputSchema(in []frame.Schema) frame.Schema {
	if len(s.Expected) > 0 {
		return s.Expected
	}
	return s.impl.OutputSchema(in)
}

// Evolution returns the stage's column removals and retypes, if any.
func (s *Stage) Evolution() (Evolution, bool) {
	ev, ok := s.impl.(Evolution)
	return ev, ok
}

// Apply builds the deferred output frame. Inputs follow declaration order.
func (s *Stage) Apply(eng frame.Engine, in []frame.Frame) (frame.Frame, error) {
	if len(in) != s.impl.Arity() {
		return nil, pipelineerr.New(pipelineerr.TransformError, s.Name, "expected %d inputs, got %d", s.impl.Arity(), len(in))
	}
	return s.impl.Apply(eng, in), nil
}

// Verify materializes out, checks the postcondition and the expected schema,
// and returns the output row count. Engine failures surface as TransformError.
func (s *Stage) Verify(ctx context.Context, rowsIn int64, out frame.Frame) (int64, error) {
	rows, err := out.Rows(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return 0, err
		}
		if _, ok := pipelineerr.As(err); ok {
			return 0, err
		}
		return 0, pipelineerr.Wrap(pipelineerr.TransformError, s.Name, err, "%s failed", s.Kind)
	}
	rowsOut := int64(len(rows))
	if !s.Post.Holds(rowsIn, rowsOut) {
		return rowsOut, pipelineerr.New(pipelineerr.TransformError, s.Name,
			"postcondition %q violated: rows_in=%d rows_out=%d", s.Post, rowsIn, rowsOut)
	}
	if len(s.Expected) > 0 {
		if _, err := frame.Conform(s.Name, s.Expected, rows); err != nil {
			return rowsOut, pipelineerr.Wrap(pipelineerr.TransformError, s.Name, err, "output schema postcondition violated")
		}
	}
	return rowsOut, nil
}

func trimmed(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = strings.TrimSpace(s)
	}
	return out
}
