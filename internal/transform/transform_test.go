package transform

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/animus-labs/cloudpipe/internal/domain"
	"github.com/animus-labs/cloudpipe/internal/frame"
	"github.com/animus-labs/cloudpipe/internal/frame/local"
	"github.com/animus-labs/cloudpipe/internal/pipelineerr"
)

func orders() frame.Frame {
	schema := frame.Schema{{Name: "id", Type: frame.TypeInt}, {Name: "region", Type: frame.TypeString}, {Name: "amount", Type: frame.TypeInt}}
	return frame.NewMaterialized(schema, []frame.Row{
		{"id": int64(1), "region": "eu", "amount": int64(10)},
		{"id": int64(2), "region": "us", "amount": int64(-4)},
		{"id": int64(3), "region": "eu", "amount": int64(7)},
	})
}

func TestNewRejectsBadDescriptors(t *testing.T) {
	tests := []struct {
		name string
		desc domain.TransformDescriptor
		want string
	}{
		{"unknown kind", domain.TransformDescriptor{Name: "t", Kind: "pivot", Inputs: []string{"a"}}, "unknown transform kind"},
		{"missing condition", domain.TransformDescriptor{Name: "t", Kind: KindFilter, Inputs: []string{"a"}}, `"condition" is required`},
		{"bad condition", domain.TransformDescriptor{Name: "t", Kind: KindFilter, Inputs: []string{"a"}, Parameters: map[string]any{"condition": "amount >"}}, "filter"},
		{"unknown parameter", domain.TransformDescriptor{Name: "t", Kind: KindFilter, Inputs: []string{"a"}, Parameters: map[string]any{"condition": "x > 1", "limit": 3}}, "unknown parameters: limit"},
		{"join arity", domain.TransformDescriptor{Name: "t", Kind: KindJoin, Inputs: []string{"a"}, Parameters: map[string]any{"on": []any{"id"}}}, "takes 2 input(s), got 1"},
		{"join how", domain.TransformDescriptor{Name: "t", Kind: KindJoin, Inputs: []string{"a", "b"}, Parameters: map[string]any{"on": "id", "how": "outer"}}, "unsupported join"},
		{"aggregate op", domain.TransformDescriptor{Name: "t", Kind: KindAggregate, Inputs: []string{"a"}, Parameters: map[string]any{"aggregations": map[string]any{"amount": "median"}}}, "unsupported operation"},
		{"window function", domain.TransformDescriptor{Name: "t", Kind: KindWindow, Inputs: []string{"a"}, Parameters: map[string]any{"function": "ntile"}}, "unsupported window function"},
		{"lag without column", domain.TransformDescriptor{Name: "t", Kind: KindWindow, Inputs: []string{"a"}, Parameters: map[string]any{"function": "lag"}}, "requires column"},
		{"empty evolve", domain.TransformDescriptor{Name: "t", Kind: KindSchemaEvolve, Inputs: []string{"a"}}, "at least one of"},
		{"bad cast type", domain.TransformDescriptor{Name: "t", Kind: KindSchemaEvolve, Inputs: []string{"a"}, Parameters: map[string]any{"cast": map[string]any{"a": "blob"}}}, "unsupported column type"},
		{"bad postcondition", domain.TransformDescriptor{Name: "t", Kind: KindFilter, Inputs: []string{"a"}, Parameters: map[string]any{"condition": "x > 1", "postcondition": "rows_out != rows_in"}}, "unsupported postcondition"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.desc)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestFilterApplyAndVerify(t *testing.T) {
	st, err := New(domain.TransformDescriptor{
		Name: "positive", Kind: KindFilter, Inputs: []string{"orders"},
		Parameters: map[string]any{"condition": "amount > 0"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"amount"}, st.Columns())
	assert.Equal(t, PostFewerOrEqual, st.Post)

	out, err := st.Apply(local.New(false), []frame.Frame{orders()})
	require.NoError(t, err)
	n, err := st.Verify(context.Background(), 3, out)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	_, err = st.Apply(local.New(false), nil)
	assert.True(t, errors.Is(err, pipelineerr.TransformError))
}

func TestVerifyPostconditionViolation(t *testing.T) {
	st, err := New(domain.TransformDescriptor{
		Name: "positive", Kind: KindFilter, Inputs: []string{"orders"},
		Parameters: map[string]any{"condition": "amount > 0", "postcondition": "rows_out == rows_in"},
	})
	require.NoError(t, err)
	out, err := st.Apply(local.New(false), []frame.Frame{orders()})
	require.NoError(t, err)
	_, err = st.Verify(context.Background(), 3, out)
	require.Error(t, err)
	assert.True(t, errors.Is(err, pipelineerr.TransformError))
	assert.Contains(t, err.Error(), "rows_in=3 rows_out=2")
}

func TestVerifyExpectedSchema(t *testing.T) {
	st, err := New(domain.TransformDescriptor{
		Name: "positive", Kind: KindFilter, Inputs: []string{"orders"},
		Parameters: map[string]any{"condition": "amount > 0"},
		Schema:     []domain.Column{{Name: "total", Type: "float"}},
	})
	require.NoError(t, err)
	assert.Equal(t, frame.Schema{{Name: "total", Type: frame.TypeFloat}}, st.OutputSchema([]frame.Schema{orders().Schema()}))

	out, err := st.Apply(local.New(false), []frame.Frame{orders()})
	require.NoError(t, err)
	_, err = st.Verify(context.Background(), 3, out)
	assert.True(t, errors.Is(err, pipelineerr.TransformError))
}

func TestAggregate(t *testing.T) {
	st, err := New(domain.TransformDescriptor{
		Name: "by_region", Kind: KindAggregate, Inputs: []string{"orders"},
		Parameters: map[string]any{
			"group_by":     []any{"region"},
			"aggregations": map[string]any{"amount": []any{"sum", "count"}},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"region", "amount"}, st.Columns())
	assert.Equal(t, []string{"region", "sum_amount", "count_amount"}, st.OutputSchema([]frame.Schema{orders().Schema()}).Names())

	out, err := st.Apply(local.New(false), []frame.Frame{orders()})
	require.NoError(t, err)
	rows, err := out.Rows(context.Background())
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, frame.Row{"region": "eu", "sum_amount": 17.0, "count_amount": int64(2)}, rows[0])
}

func TestJoinAndWindowSchemas(t *testing.T) {
	j, err := New(domain.TransformDescriptor{
		Name: "enriched", Kind: KindJoin, Inputs: []string{"orders", "regions"},
		Parameters: map[string]any{"on": []string{"region"}, "how": "left"},
	})
	require.NoError(t, err)
	regions := frame.Schema{{Name: "region", Type: frame.TypeString}, {Name: "label", Type: frame.TypeString}}
	assert.Equal(t, []string{"id", "region", "amount", "label"}, j.OutputSchema([]frame.Schema{orders().Schema(), regions}).Names())
	assert.Nil(t, j.OutputSchema([]frame.Schema{orders().Schema(), nil}))

	w, err := New(domain.TransformDescriptor{
		Name: "running", Kind: KindWindow, Inputs: []string{"orders"},
		Parameters: map[string]any{"partition_by": "region", "order_by": "id", "function": "cumulative_sum", "column": "amount"},
	})
	require.NoError(t, err)
	assert.Equal(t, PostEqual, w.Post)
	assert.Equal(t, []string{"region", "id", "amount"}, w.Columns())
	schema := w.OutputSchema([]frame.Schema{orders().Schema()})
	f, ok := schema.Lookup("cumulative_sum_amount")
	require.True(t, ok)
	assert.Equal(t, frame.TypeFloat, f.Type)
}

func TestSchemaEvolve(t *testing.T) {
	st, err := New(domain.TransformDescriptor{
		Name: "evolve", Kind: KindSchemaEvolve, Inputs: []string{"orders"},
		Parameters: map[string]any{
			"rename": map[string]any{"region": "area"},
			"cast":   map[string]any{"amount": "float", "area": "string"},
			"add":    map[string]any{"note": "string"},
			"drop":   []any{"id"},
		},
	})
	require.NoError(t, err)

	ev, ok := st.Evolution()
	require.True(t, ok)
	assert.ElementsMatch(t, []string{"region", "id"}, ev.Removed())
	assert.Empty(t, ev.Narrowed(orders().Schema()))
	assert.Equal(t, frame.Schema{
		{Name: "area", Type: frame.TypeString},
		{Name: "amount", Type: frame.TypeFloat},
		{Name: "note", Type: frame.TypeString},
	}, st.OutputSchema([]frame.Schema{orders().Schema()}))

	out, err := st.Apply(local.New(false), []frame.Frame{orders()})
	require.NoError(t, err)
	n, err := st.Verify(context.Background(), 3, out)
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)
	rows, err := out.Rows(context.Background())
	require.NoError(t, err)
	assert.Equal(t, frame.Row{"area": "eu", "amount": 10.0, "note": nil}, rows[0])
}

func TestSchemaEvolveNarrowing(t *testing.T) {
	st, err := New(domain.TransformDescriptor{
		Name: "narrow", Kind: KindSchemaEvolve, Inputs: []string{"orders"},
		Parameters: map[string]any{"cast": map[string]any{"amount": "int", "region": "int", "label": "bool", "blob": "string"}},
	})
	require.NoError(t, err)
	ev, _ := st.Evolution()
	upstream := frame.Schema{{Name: "amount", Type: frame.TypeFloat}, {Name: "region", Type: frame.TypeInt}, {Name: "label", Type: frame.TypeString}}
	assert.Equal(t, []string{"amount", "label"}, ev.Narrowed(upstream))
	assert.Equal(t, []string{"amount", "label", "region"}, ev.Narrowed(nil), "unknown upstream types narrow unless cast to string")
	assert.Equal(t, []string{"label", "region"}, ev.Narrowed(frame.Schema{{Name: "amount", Type: frame.TypeInt}, {Name: "region", Type: frame.TypeUnknown}}))
}

func TestSchemaEvolveCastFailureIsTransformError(t *testing.T) {
	st, err := New(domain.TransformDescriptor{
		Name: "cast", Kind: KindSchemaEvolve, Inputs: []string{"orders"},
		Parameters: map[string]any{"cast": map[string]any{"region": "int"}},
	})
	require.NoError(t, err)
	out, err := st.Apply(local.New(false), []frame.Frame{orders()})
	require.NoError(t, err)
	_, err = st.Verify(context.Background(), 3, out)
	require.Error(t, err)
	assert.True(t, errors.Is(err, pipelineerr.TransformError))
	assert.Equal(t, pipelineerr.ClassFatal, pipelineerr.ClassOf(err))
}
