// Package prompush pushes pipeline metrics to a Prometheus Pushgateway.
package prompush

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"

	"github.com/animus-labs/cloudpipe/internal/platform/metrics"
)

type Backend struct {
	gatewayURL string
	job        string
	reg        *prometheus.Registry

	counters   map[string]*prometheus.CounterVec
	labelNames map[string][]string
	stageTime  *prometheus.SummaryVec
}

var counterDefs = []struct {
	name   string
	help   string
	labels []string
}{
	{metrics.StageTotal, "Finished pipeline stages by kind and status.", []string{"pipeline", "kind", "status"}},
	{metrics.RowsTotal, "Rows processed by direction.", []string{"pipeline", "direction"}},
	{metrics.GateTotal, "Quality gate evaluations by policy and outcome.", []string{"pipeline", "policy", "outcome"}},
	{metrics.GateViolations, "Expectation violations by gate policy.", []string{"pipeline", "policy"}},
	{metrics.RunTotal, "Finished runs by provider and status.", []string{"pipeline", "provider", "status"}},
	{metrics.RetryTotal, "Stage retries by kind.", []string{"pipeline", "kind"}},
}

func NewBackend(job, gatewayURL string) (*Backend, error) {
	if gatewayURL == "" {
		return nil, fmt.Errorf("prompush: gateway URL is required")
	}
	b := &Backend{
		gatewayURL: gatewayURL,
		job:        metrics.JobName(job),
		reg:        prometheus.NewRegistry(),
		counters:   map[string]*prometheus.CounterVec{},
		labelNames: map[string][]string{},
	}
	for _, def := range counterDefs {
		cv := prometheus.NewCounterVec(prometheus.CounterOpts{Name: def.name, Help: def.help}, def.labels)
		if err := b.reg.Register(cv); err != nil {
			return nil, fmt.Errorf("prompush: register %s: %w", def.name, err)
		}
		b.counters[def.name] = cv
		b.labelNames[def.name] = def.labels
	}
	b.stageTime = prometheus.NewSummaryVec(prometheus.SummaryOpts{
		Name:       metrics.StageDuration,
		Help:       "Stage duration in seconds by kind and status.",
		Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001},
	}, []string{"pipeline", "kind", "status"})
	if err := b.reg.Register(b.stageTime); err != nil {
		return nil, fmt.Errorf("prompush: register %s: %w", metrics.StageDuration, err)
	}
	return b, nil
}

func values(names []string, lbls metrics.Labels) []string {
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = lbls[n]
	}
	return out
}

// IncCounter ignores names it does not know.
func (b *Backend) IncCounter(name string, delta float64, lbls metrics.Labels) {
	cv, ok := b.counters[name]
	if !ok {
		return
	}
	cv.WithLabelValues(values(b.labelNames[name], lbls)...).Add(delta)
}

func (b *Backend) ObserveHistogram(name string, value float64, lbls metrics.Labels) {
	if name != metrics.StageDuration {
		return
	}
	b.stageTime.WithLabelValues(lbls["pipeline"], lbls["kind"], lbls["status"]).Observe(value)
}

// Gatherer exposes the registry for tests and local scraping.
func (b *Backend) Gatherer() prometheus.Gatherer { return b.reg }

// Flush pushes the registry to the Pushgateway.
func (b *Backend) Flush() error {
	return push.New(b.gatewayURL, b.job).Gatherer(b.reg).Push()
}
