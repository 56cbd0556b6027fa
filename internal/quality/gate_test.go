package quality

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/animus-labs/cloudpipe/internal/domain"
	"github.com/animus-labs/cloudpipe/internal/frame"
)

func ptr(f float64) *float64 { return &f }

func tenRows() frame.Frame {
	rows := make([]frame.Row, 0, 10)
	for i := 0; i < 10; i++ {
		row := frame.Row{"id": int64(i), "amount": float64(i * 10), "country": "de"}
		if i == 3 || i == 7 {
			row["id"] = nil
		}
		rows = append(rows, row)
	}
	return frame.NewMaterialized(nil, rows)
}

func TestNewValidation(t *testing.T) {
	tests := []struct {
		name string
		desc domain.GateDescriptor
		want string
	}{
		{"no inputs", domain.GateDescriptor{Name: "g", Expectations: []domain.ExpectationDescriptor{{Kind: KindNotNull, Column: "id"}}}, "at least one input"},
		{"no expectations", domain.GateDescriptor{Name: "g", Inputs: []string{"a"}}, "at least one expectation"},
		{"bad policy", domain.GateDescriptor{Name: "g", Inputs: []string{"a"}, Policy: "drop", Expectations: []domain.ExpectationDescriptor{{Kind: KindNotNull, Column: "id"}}}, "unsupported policy"},
		{"quarantine without sink", domain.GateDescriptor{Name: "g", Inputs: []string{"a"}, Policy: domain.GatePolicyQuarantine, Expectations: []domain.ExpectationDescriptor{{Kind: KindNotNull, Column: "id"}}}, "requires a quarantine connector"},
		{"unknown kind", domain.GateDescriptor{Name: "g", Inputs: []string{"a"}, Expectations: []domain.ExpectationDescriptor{{Kind: "regex"}}}, "unknown expectation kind"},
		{"empty range", domain.GateDescriptor{Name: "g", Inputs: []string{"a"}, Expectations: []domain.ExpectationDescriptor{{Kind: KindRange, Column: "x"}}}, "min or max"},
		{"inverted range", domain.GateDescriptor{Name: "g", Inputs: []string{"a"}, Expectations: []domain.ExpectationDescriptor{{Kind: KindRange, Column: "x", Min: ptr(5), Max: ptr(1)}}}, "exceeds max"},
		{"reference not an input", domain.GateDescriptor{Name: "g", Inputs: []string{"a"}, Expectations: []domain.ExpectationDescriptor{{Kind: KindReferential, Column: "x", Reference: "dim"}}}, "must be listed as a gate input"},
		{"duplicate names", domain.GateDescriptor{Name: "g", Inputs: []string{"a"}, Expectations: []domain.ExpectationDescriptor{{Name: "e", Kind: KindNotNull, Column: "x"}, {Name: "e", Kind: KindNotNull, Column: "y"}}}, "declared twice"},
		{"bad predicate", domain.GateDescriptor{Name: "g", Inputs: []string{"a"}, Expectations: []domain.ExpectationDescriptor{{Kind: KindPredicate, Expression: "x >"}}}, "predicate[0]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.desc)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestNotNullBlock(t *testing.T) {
	g, err := New(domain.GateDescriptor{
		Name: "ids", Inputs: []string{"orders"},
		Expectations: []domain.ExpectationDescriptor{{Name: "id-not-null", Kind: KindNotNull, Column: "id"}},
	})
	require.NoError(t, err)
	assert.Equal(t, domain.GatePolicyBlock, g.Policy)

	res, err := g.Evaluate(context.Background(), tenRows(), nil)
	require.NoError(t, err)
	r := res.Report
	assert.False(t, r.Passed)
	assert.EqualValues(t, 10, r.RowsIn)
	assert.EqualValues(t, 8, r.RowsPassed)
	assert.EqualValues(t, 0, r.RowsQuarantined)
	require.Len(t, r.Expectations, 1)
	assert.EqualValues(t, 2, r.Expectations[0].Violations)
	assert.Len(t, r.Expectations[0].Sample, 2)
	assert.EqualValues(t, 2, r.Violations())
	assert.Len(t, res.Output, 10)
	assert.Empty(t, res.Quarantined)
}

func TestQuarantineSplitsRows(t *testing.T) {
	g, err := New(domain.GateDescriptor{
		Name: "ids", Inputs: []string{"orders"}, Policy: domain.GatePolicyQuarantine,
		Quarantine: &domain.SinkDescriptor{ConnectorDescriptor: domain.ConnectorDescriptor{ConnectorType: "gcs", Location: "q/orders.ndjson"}},
		Expectations: []domain.ExpectationDescriptor{
			{Name: "id-not-null", Kind: KindNotNull, Column: "id"},
			{Name: "amount-range", Kind: KindRange, Column: "amount", Max: ptr(70)},
		},
	})
	require.NoError(t, err)

	res, err := g.Evaluate(context.Background(), tenRows(), nil)
	require.NoError(t, err)
	r := res.Report
	// ids 3 and 7 are null; amounts 80 and 90 exceed the max.
	assert.EqualValues(t, 4, r.RowsQuarantined)
	assert.EqualValues(t, 6, r.RowsPassed)
	assert.Equal(t, r.RowsIn, r.RowsPassed+r.RowsQuarantined)
	assert.Len(t, res.Output, 6)
	assert.Len(t, res.Quarantined, 4)
	assert.EqualValues(t, 2, r.Expectations[0].Violations)
	assert.EqualValues(t, 2, r.Expectations[1].Violations)
}

func TestUniqueReferentialPredicate(t *testing.T) {
	orders := frame.NewMaterialized(nil, []frame.Row{
		{"id": int64(1), "country": "de", "amount": 5.0},
		{"id": int64(2), "country": "fr", "amount": -1.0},
		{"id": int64(1), "country": "xx", "amount": 3.0},
		{"id": nil, "country": nil, "amount": "oops"},
		{"id": nil, "country": "de", "amount": 1.0},
	})
	countries := frame.NewMaterialized(nil, []frame.Row{{"code": "de"}, {"code": "fr"}})

	g, err := New(domain.GateDescriptor{
		Name: "checks", Inputs: []string{"orders", "countries"}, Policy: domain.GatePolicyWarn,
		Expectations: []domain.ExpectationDescriptor{
			{Name: "unique-id", Kind: KindUnique, Columns: []string{"id"}},
			{Name: "known-country", Kind: KindReferential, Column: "country", Reference: "countries", ReferenceColumn: "code"},
			{Name: "positive", Kind: KindPredicate, Expression: "amount > 0"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"id", "country", "amount"}, g.Columns())

	res, err := g.Evaluate(context.Background(), orders, map[string]frame.Frame{"countries": countries})
	require.NoError(t, err)
	r := res.Report
	assert.False(t, r.Passed)
	assert.EqualValues(t, 1, r.Expectations[0].Violations)
	assert.EqualValues(t, 1, r.Expectations[1].Violations)
	assert.Equal(t, "xx", r.Expectations[1].Sample[0]["country"])
	assert.EqualValues(t, 2, r.Expectations[2].Violations)
	assert.Len(t, res.Output, 5, "warn passes every row downstream")
}

func TestUniqueKeysKeepTypesAndBoundaries(t *testing.T) {
	in := frame.NewMaterialized(nil, []frame.Row{
		{"k": int64(1), "a": "ab", "b": "c"},
		{"k": "1", "a": "a", "b": "bc"},
		{"k": 1.0, "a": "ab", "b": "c"},
		{"k": true, "a": "x", "b": "y"},
		{"k": "true", "a": "x", "b": "y"},
	})
	g, err := New(domain.GateDescriptor{
		Name: "keys", Inputs: []string{"in"}, Policy: domain.GatePolicyWarn,
		Expectations: []domain.ExpectationDescriptor{
			{Name: "unique-k", Kind: KindUnique, Columns: []string{"k"}},
			{Name: "unique-ab", Kind: KindUnique, Columns: []string{"a", "b"}},
		},
	})
	require.NoError(t, err)

	res, err := g.Evaluate(context.Background(), in, nil)
	require.NoError(t, err)
	r := res.Report
	assert.EqualValues(t, 1, r.Expectations[0].Violations, "1 and 1.0 collide, \"1\" and \"true\" do not")
	assert.Equal(t, 1.0, r.Expectations[0].Sample[0]["k"])
	assert.EqualValues(t, 2, r.Expectations[1].Violations, "ab|c and a|bc are distinct keys")
}

func TestSampleIsBoundedAndDeterministic(t *testing.T) {
	rows := make([]frame.Row, 25)
	for i := range rows {
		rows[i] = frame.Row{"n": int64(i)}
	}
	g, err := New(domain.GateDescriptor{
		Name: "small", Inputs: []string{"in"},
		Expectations: []domain.ExpectationDescriptor{{Kind: KindRange, Column: "n", Max: ptr(-1)}},
	})
	require.NoError(t, err)

	first, err := g.Evaluate(context.Background(), frame.NewMaterialized(nil, rows), nil)
	require.NoError(t, err)
	second, err := g.Evaluate(context.Background(), frame.NewMaterialized(nil, rows), nil)
	require.NoError(t, err)

	assert.EqualValues(t, 25, first.Report.Expectations[0].Violations)
	assert.Len(t, first.Report.Expectations[0].Sample, SampleLimit)
	assert.Equal(t, int64(0), first.Report.Expectations[0].Sample[0]["n"])
	assert.Equal(t, "range[0]", first.Report.Expectations[0].Name)
	assert.Equal(t, first.Report, second.Report)
}
