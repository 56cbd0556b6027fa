package stream

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/sasl/plain"

	"github.com/animus-labs/cloudpipe/internal/connector"
	"github.com/animus-labs/cloudpipe/internal/domain"
	"github.com/animus-labs/cloudpipe/internal/frame"
	"github.com/animus-labs/cloudpipe/internal/pipelineerr"
)

// EventHubsCapabilities are advertised by the Event Hubs connector.
const EventHubsCapabilities = connector.StreamRead | connector.StreamWrite

type kafkaClient interface {
	PollRecords(ctx context.Context, maxPollRecords int) kgo.Fetches
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
	Close()
}

type clientFactory func(opts ...kgo.Opt) (kafkaClient, error)

// EventHubs reads and writes an Event Hub through its Kafka-compatible
// endpoint. The descriptor location is the hub (topic) name.
type EventHubs struct {
	base      []kgo.Opt
	newClient clientFactory
}

// EventHubsConfig addresses a namespace.
type EventHubsConfig struct {
	// Namespace is "<name>.servicebus.windows.net".
	Namespace        string
	ConnectionString string
}

func NewEventHubs(cfg EventHubsConfig) (*EventHubs, error) {
	ns := strings.TrimSpace(cfg.Namespace)
	if ns == "" {
		return nil, errors.New("event hubs namespace is required")
	}
	if strings.TrimSpace(cfg.ConnectionString) == "" {
		return nil, errors.New("event hubs connection string is required")
	}
	if !strings.Contains(ns, ":") {
		ns += ":9093"
	}
	base := []kgo.Opt{
		kgo.SeedBrokers(ns),
		kgo.SASL(plain.Auth{User: "$ConnectionString", Pass: cfg.ConnectionString}.AsMechanism()),
		kgo.DialTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12}),
		kgo.RequestTimeoutOverhead(10 * time.Second),
	}
	return &EventHubs{base: base, newClient: newKgoClient}, nil
}

func newKgoClient(opts ...kgo.Opt) (kafkaClient, error) {
	cl, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, err
	}
	return cl, nil
}

func (e *EventHubs) Capabilities() connector.Capability { return EventHubsCapabilities }

func (e *EventHubs) Read(ctx context.Context, desc domain.ConnectorDescriptor, eng frame.Engine) (frame.Frame, error) {
	bounds, err := BoundsFrom(desc)
	if err != nil {
		return nil, err
	}
	topic := strings.TrimSpace(desc.Location)
	opts := append([]kgo.Opt{}, e.base...)
	opts = append(opts, kgo.ConsumeTopics(topic), kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()))
	if group := desc.Option("consumer_group", ""); group != "" {
		opts = append(opts, kgo.ConsumerGroup(group))
	}
	cl, err := e.newClient(opts...)
	if err != nil {
		return nil, pipelineerr.Wrap(pipelineerr.SourceUnavailable, "", err, "connect %s", topic)
	}
	defer cl.Close()

	pollCtx, cancel := context.WithTimeout(ctx, bounds.Wait)
	defer cancel()

	var rows []frame.Row
	for len(rows) < bounds.MaxMessages {
		fetches := cl.PollRecords(pollCtx, bounds.MaxMessages-len(rows))
		if fetches.IsClientClosed() {
			break
		}
		var fetchErr error
		fetches.EachError(func(_ string, _ int32, err error) {
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
				return
			}
			if fetchErr == nil {
				fetchErr = err
			}
		})
		if fetchErr != nil {
			return nil, classifyKafka(fetchErr, "poll %s", topic)
		}
		var decodeErr error
		fetches.EachRecord(func(r *kgo.Record) {
			if decodeErr != nil || len(rows) >= bounds.MaxMessages {
				return
			}
			row, err := connector.DecodeRecord(r.Value)
			if err != nil {
				decodeErr = fmt.Errorf("decode %s offset %d: %w", topic, r.Offset, err)
				return
			}
			rows = append(rows, row)
		})
		if decodeErr != nil {
			return nil, decodeErr
		}
		if pollCtx.Err() != nil {
			break
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return eng.FromRows(nil, rows), nil
}

func (e *EventHubs) Write(ctx context.Context, desc domain.SinkDescriptor, in frame.Frame) (connector.WriteResult, error) {
	if mode := desc.EffectiveMode(); mode != domain.WriteModeAppend {
		return connector.WriteResult{}, fmt.Errorf("stream sinks only append, got %q", mode)
	}
	rows, err := in.Rows(ctx)
	if err != nil {
		return connector.WriteResult{}, err
	}
	topic := strings.TrimSpace(desc.Location)
	records := make([]*kgo.Record, len(rows))
	for i, row := range rows {
		blob, err := json.Marshal(row)
		if err != nil {
			return connector.WriteResult{}, fmt.Errorf("encode row %d: %w", i, err)
		}
		records[i] = &kgo.Record{Topic: topic, Value: blob}
		if len(desc.Keys) > 0 {
			if h, ok := connector.KeyHash(row, desc.Keys); ok {
				records[i].Key = []byte(fmt.Sprintf("%016x", h))
			}
		}
	}

	cl, err := e.newClient(e.base...)
	if err != nil {
		return connector.WriteResult{}, pipelineerr.Wrap(pipelineerr.SourceUnavailable, "", err, "connect %s", topic)
	}
	defer cl.Close()
	if len(records) > 0 {
		if err := cl.ProduceSync(ctx, records...).FirstErr(); err != nil {
			return connector.WriteResult{}, classifyKafka(err, "produce %s", topic)
		}
	}
	return connector.WriteResult{RowsWritten: int64(len(rows)), Location: topic, Mode: domain.WriteModeAppend}, nil
}

func classifyKafka(err error, format string, args ...any) error {
	switch {
	case errors.Is(err, kerr.UnknownTopicOrPartition), errors.Is(err, kerr.TopicAuthorizationFailed):
		return pipelineerr.Wrap(pipelineerr.SourceUnavailable, "", err, format, args...)
	case errors.Is(err, kerr.ConcurrentTransactions), errors.Is(err, kerr.InvalidProducerEpoch):
		return pipelineerr.Wrap(pipelineerr.WriteConflict, "", err, format, args...)
	case kerr.IsRetriable(err):
		return pipelineerr.Wrap(pipelineerr.SourceUnavailable, "", err, format, args...)
	default:
		return fmt.Errorf(format+": %w", append(args, err)...)
	}
}
