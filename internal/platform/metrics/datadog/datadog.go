// Package datadog sends pipeline metrics to a DogStatsD agent.
package datadog

import (
	"fmt"
	"sort"

	"github.com/DataDog/datadog-go/v5/statsd"

	"github.com/animus-labs/cloudpipe/internal/platform/metrics"
)

type Config struct {
	// Addr is the DogStatsD address, "127.0.0.1:8125" or "unix:///path".
	Addr       string
	Namespace  string
	GlobalTags []string
}

type Backend struct {
	client statsd.ClientInterface
}

func NewBackend(cfg Config) (*Backend, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("datadog: addr is required")
	}
	var opts []statsd.Option
	if cfg.Namespace != "" {
		opts = append(opts, statsd.WithNamespace(cfg.Namespace))
	}
	if len(cfg.GlobalTags) > 0 {
		opts = append(opts, statsd.WithTags(cfg.GlobalTags))
	}
	c, err := statsd.New(cfg.Addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("datadog: create client: %w", err)
	}
	return &Backend{client: c}, nil
}

// NewBackendWithClient wraps an existing client.
func NewBackendWithClient(c statsd.ClientInterface) *Backend {
	return &Backend{client: c}
}

func (b *Backend) IncCounter(name string, delta float64, lbls metrics.Labels) {
	_ = b.client.Count(name, int64(delta), labelsToTags(lbls), 1)
}

func (b *Backend) ObserveHistogram(name string, value float64, lbls metrics.Labels) {
	_ = b.client.Histogram(name, value, labelsToTags(lbls), 1)
}

// Flush flushes buffered metrics. The client stays usable.
func (b *Backend) Flush() error {
	return b.client.Flush()
}

// Close flushes and releases the client.
func (b *Backend) Close() error {
	return b.client.Close()
}

// labelsToTags renders labels as sorted "key:value" tags.
func labelsToTags(lbls metrics.Labels) []string {
	if len(lbls) == 0 {
		return nil
	}
	out := make([]string, 0, len(lbls))
	for k, v := range lbls {
		out = append(out, k+":"+v)
	}
	sort.Strings(out)
	return out
}
