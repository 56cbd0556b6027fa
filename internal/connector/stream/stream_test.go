package stream

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/animus-labs/cloudpipe/internal/domain"
	"github.com/animus-labs/cloudpipe/internal/frame"
	"github.com/animus-labs/cloudpipe/internal/frame/local"
	"github.com/animus-labs/cloudpipe/internal/pipelineerr"
)

func TestBoundsFrom(t *testing.T) {
	b, err := BoundsFrom(domain.ConnectorDescriptor{})
	require.NoError(t, err)
	assert.Equal(t, Bounds{MaxMessages: 1000, Wait: 5 * time.Second}, b)

	b, err = BoundsFrom(domain.ConnectorDescriptor{Options: map[string]string{"max_messages": "10", "wait": "250ms"}})
	require.NoError(t, err)
	assert.Equal(t, Bounds{MaxMessages: 10, Wait: 250 * time.Millisecond}, b)

	_, err = BoundsFrom(domain.ConnectorDescriptor{Options: map[string]string{"max_messages": "0"}})
	assert.Error(t, err)
}

type fakeKafka struct {
	mu       sync.Mutex
	batches  []kgo.Fetches
	produced []*kgo.Record
	produce  error
}

func (f *fakeKafka) PollRecords(ctx context.Context, _ int) kgo.Fetches {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.batches) == 0 {
		<-ctx.Done()
		return kgo.Fetches{{Topics: []kgo.FetchTopic{{Topic: "t", Partitions: []kgo.FetchPartition{{Err: ctx.Err()}}}}}}
	}
	next := f.batches[0]
	f.batches = f.batches[1:]
	return next
}

func (f *fakeKafka) ProduceSync(_ context.Context, rs ...*kgo.Record) kgo.ProduceResults {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(kgo.ProduceResults, len(rs))
	for i, r := range rs {
		out[i] = kgo.ProduceResult{Record: r, Err: f.produce}
	}
	if f.produce == nil {
		f.produced = append(f.produced, rs...)
	}
	return out
}

func (f *fakeKafka) Close() {}

func fetch(topic string, values ...string) kgo.Fetches {
	recs := make([]*kgo.Record, len(values))
	for i, v := range values {
		recs[i] = &kgo.Record{Topic: topic, Value: []byte(v), Offset: int64(i)}
	}
	return kgo.Fetches{{Topics: []kgo.FetchTopic{{Topic: topic, Partitions: []kgo.FetchPartition{{Records: recs}}}}}}
}

func newFakeHub(f *fakeKafka) *EventHubs {
	return &EventHubs{newClient: func(...kgo.Opt) (kafkaClient, error) { return f, nil }}
}

func TestEventHubsBoundedRead(t *testing.T) {
	f := &fakeKafka{batches: []kgo.Fetches{
		fetch("orders", `{"id":1}`, `{"id":2}`),
		fetch("orders", `{"id":3}`, `{"id":4}`),
	}}
	hub := newFakeHub(f)
	fr, err := hub.Read(context.Background(), domain.ConnectorDescriptor{
		Location: "orders",
		Options:  map[string]string{"max_messages": "3", "wait": "1s"},
	}, local.New(true))
	require.NoError(t, err)
	rows, err := fr.Rows(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []frame.Row{{"id": int64(1)}, {"id": int64(2)}, {"id": int64(3)}}, rows)
}

func TestEventHubsReadStopsAtWait(t *testing.T) {
	hub := newFakeHub(&fakeKafka{batches: []kgo.Fetches{fetch("orders", `{"id":1}`)}})
	fr, err := hub.Read(context.Background(), domain.ConnectorDescriptor{
		Location: "orders",
		Options:  map[string]string{"wait": "20ms"},
	}, local.New(true))
	require.NoError(t, err)
	n, err := fr.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestEventHubsUnknownTopic(t *testing.T) {
	hub := newFakeHub(&fakeKafka{batches: []kgo.Fetches{
		{{Topics: []kgo.FetchTopic{{Topic: "orders", Partitions: []kgo.FetchPartition{{Err: kerr.UnknownTopicOrPartition}}}}}},
	}})
	_, err := hub.Read(context.Background(), domain.ConnectorDescriptor{Location: "orders"}, local.New(true))
	assert.True(t, errors.Is(err, pipelineerr.SourceUnavailable))
}

func TestEventHubsWrite(t *testing.T) {
	f := &fakeKafka{}
	hub := newFakeHub(f)
	in := local.New(true).FromRows(nil, []frame.Row{{"id": int64(1)}, {"id": int64(2)}})

	_, err := hub.Write(context.Background(), domain.SinkDescriptor{ConnectorDescriptor: domain.ConnectorDescriptor{Location: "out"}}, in)
	assert.Error(t, err, "overwrite is not a stream mode")

	res, err := hub.Write(context.Background(), domain.SinkDescriptor{
		ConnectorDescriptor: domain.ConnectorDescriptor{Location: "out"},
		Mode:                domain.WriteModeAppend,
		Keys:                []string{"id"},
	}, in)
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.RowsWritten)
	require.Len(t, f.produced, 2)
	assert.Equal(t, "out", f.produced[0].Topic)
	assert.JSONEq(t, `{"id":1}`, string(f.produced[0].Value))
	assert.NotEmpty(t, f.produced[0].Key)

	f.produce = kerr.NotLeaderForPartition
	_, err = hub.Write(context.Background(), domain.SinkDescriptor{
		ConnectorDescriptor: domain.ConnectorDescriptor{Location: "out"},
		Mode:                domain.WriteModeAppend,
	}, in)
	assert.True(t, pipelineerr.IsTransient(err))
}

func TestPubSubPullAndAck(t *testing.T) {
	var (
		mu    sync.Mutex
		pulls int
		acked []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		switch {
		case strings.HasSuffix(r.URL.Path, "/projects/p/subscriptions/orders:pull"):
			pulls++
			if pulls > 1 {
				_, _ = w.Write([]byte(`{}`))
				return
			}
			msg := func(id, body string) map[string]any {
				return map[string]any{"ackId": "ack-" + id, "message": map[string]any{
					"messageId": id, "data": base64.StdEncoding.EncodeToString([]byte(body)),
				}}
			}
			_ = json.NewEncoder(w).Encode(map[string]any{"receivedMessages": []any{
				msg("1", `{"id":1,"amount":2.5}`), msg("2", `{"id":2,"amount":3}`),
			}})
		case strings.HasSuffix(r.URL.Path, ":acknowledge"):
			var req ackRequest
			_ = json.NewDecoder(r.Body).Decode(&req)
			acked = append(acked, req.AckIDs...)
			_, _ = w.Write([]byte(`{}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	ps, err := NewPubSubWithClient(srv.Client(), srv.URL+"/v1", "p")
	require.NoError(t, err)
	fr, err := ps.Read(context.Background(), domain.ConnectorDescriptor{Location: "orders"}, local.New(true))
	require.NoError(t, err)
	rows, err := fr.Rows(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []frame.Row{{"id": int64(1), "amount": 2.5}, {"id": int64(2), "amount": int64(3)}}, rows)
	assert.Equal(t, []string{"ack-1", "ack-2"}, acked)
}

func TestPubSubMissingSubscription(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()
	ps, err := NewPubSubWithClient(srv.Client(), srv.URL, "p")
	require.NoError(t, err)
	_, err = ps.Read(context.Background(), domain.ConnectorDescriptor{Location: "projects/p/subscriptions/gone"}, local.New(true))
	assert.True(t, errors.Is(err, pipelineerr.SourceUnavailable))
	assert.Equal(t, PubSubCapabilities, ps.Capabilities())
}
