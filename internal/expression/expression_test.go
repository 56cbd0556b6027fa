package expression

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestColumns(t *testing.T) {
	cols, err := Columns(`amount > 0 && region in ["eu", "us"] && amount < limit`)
	require.NoError(t, err)
	assert.Equal(t, []string{"amount", "limit", "region"}, cols)

	_, err = Columns("amount >")
	assert.Error(t, err)
}

func TestPredicateEval(t *testing.T) {
	p, err := Compile("amount > 0")
	require.NoError(t, err)
	assert.Equal(t, []string{"amount"}, p.Columns())

	tests := []struct {
		name string
		row  map[string]any
		want bool
	}{
		{"positive int", map[string]any{"amount": int64(5)}, true},
		{"positive float", map[string]any{"amount": 0.5}, true},
		{"zero", map[string]any{"amount": int64(0)}, false},
		{"negative", map[string]any{"amount": -3.0}, false},
		{"null", map[string]any{"amount": nil}, false},
		{"missing", map[string]any{}, false},
	}
	for _, tt := range tests {
		got, err := p.Eval(tt.row)
		require.NoError(t, err, tt.name)
		assert.Equal(t, tt.want, got, tt.name)
	}
}

func TestPredicateRejectsNonBool(t *testing.T) {
	p, err := Compile("amount + 1")
	require.NoError(t, err)
	_, err = p.Eval(map[string]any{"amount": 1})
	assert.Error(t, err)

	_, err = Compile("   ")
	assert.Error(t, err)
}
