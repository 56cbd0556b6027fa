package connector

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/animus-labs/cloudpipe/internal/domain"
	"github.com/animus-labs/cloudpipe/internal/frame"
)

func TestDecodeCSV(t *testing.T) {
	rows, err := Decode(FormatCSV, strings.NewReader("\ufeffid,amount\n1,2.5\n2,\n"))
	require.NoError(t, err)
	assert.Equal(t, []frame.Row{{"id": "1", "amount": "2.5"}, {"id": "2", "amount": ""}}, rows)

	rows, err = Decode(FormatCSV, strings.NewReader(""))
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestDecodeJSONFormats(t *testing.T) {
	rows, err := Decode(FormatJSON, strings.NewReader(`[{"id": 1, "amount": 2.5, "tags": ["a"]}]`))
	require.NoError(t, err)
	assert.Equal(t, []frame.Row{{"id": int64(1), "amount": 2.5, "tags": `["a"]`}}, rows)

	rows, err = Decode(FormatNDJSON, strings.NewReader("{\"id\": 1}\n\n{\"id\": 2, \"ok\": true}\n"))
	require.NoError(t, err)
	assert.Equal(t, []frame.Row{{"id": int64(1)}, {"id": int64(2), "ok": true}}, rows)

	_, err = Decode(FormatNDJSON, strings.NewReader("{bad\n"))
	assert.Error(t, err)
	_, err = Decode("parquet", strings.NewReader(""))
	assert.Error(t, err)
}

func TestEncodeCSVRoundTripsThroughConform(t *testing.T) {
	schema := frame.Schema{{Name: "id", Type: frame.TypeInt}, {Name: "amount", Type: frame.TypeFloat}}
	in := []frame.Row{{"id": int64(1), "amount": 2.5, "note": "x"}, {"id": int64(2), "amount": nil}}

	var buf bytes.Buffer
	require.NoError(t, Encode(FormatCSV, &buf, schema, in))
	assert.Equal(t, "id,amount,note\n1,2.5,x\n2,,\n", buf.String())

	back, err := Decode(FormatCSV, &buf)
	require.NoError(t, err)
	typed, err := frame.Conform("check", schema, back)
	require.NoError(t, err)
	assert.Equal(t, int64(2), typed[1]["id"])
	assert.Nil(t, typed[1]["amount"])
}

func TestApplyMergeMatchesAcrossRenderedTypes(t *testing.T) {
	existing := []frame.Row{{"id": "1", "v": "old"}, {"id": "2", "v": "keep"}}
	incoming := []frame.Row{{"id": int64(1), "v": "a"}, {"id": int64(1), "v": "b"}}
	out, err := Apply("sink", domain.WriteModeMerge, []string{"id"}, existing, incoming)
	require.NoError(t, err)
	assert.Equal(t, []frame.Row{{"id": "2", "v": "keep"}, {"id": int64(1), "v": "b"}}, out)

	_, err = Apply("sink", domain.WriteModeMerge, []string{"id"}, nil, []frame.Row{{"v": "no key"}})
	assert.Error(t, err)
}

func TestCapability(t *testing.T) {
	c := BatchRead | StreamRead
	assert.True(t, c.Has(BatchRead))
	assert.False(t, c.Has(BatchRead|BatchWrite))
	assert.True(t, c.Any(Readable))
	assert.False(t, c.Any(Writable))
	assert.Equal(t, "batch-read|stream-read", c.String())
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	open := func(ctx context.Context) (Connector, error) { return nil, nil }
	require.NoError(t, r.Register(Binding{Provider: domain.ProviderGCP, Type: "gcs", Capabilities: BatchRead, Formats: FileFormats, Open: open}))
	assert.Error(t, r.Register(Binding{Provider: domain.ProviderGCP, Type: "gcs", Open: open}))
	assert.Error(t, r.Register(Binding{Provider: "aws", Type: "s3", Open: open}))

	b, ok := r.Lookup(domain.ProviderGCP, "gcs")
	require.True(t, ok)
	assert.True(t, b.AcceptsFormat("CSV"))
	assert.True(t, b.AcceptsFormat(""))
	assert.False(t, b.AcceptsFormat("parquet"))
	_, ok = r.Lookup(domain.ProviderAzure, "gcs")
	assert.False(t, ok)
	assert.Equal(t, []string{"gcs"}, r.Types(domain.ProviderGCP))
}

func TestSplitLocation(t *testing.T) {
	c, k, ok := SplitLocation("/raw/orders/2024.csv")
	require.True(t, ok)
	assert.Equal(t, "raw", c)
	assert.Equal(t, "orders/2024.csv", k)
	_, _, ok = SplitLocation("raw")
	assert.False(t, ok)
}
