// Package metrics records pipeline execution metrics through a pluggable
// Backend. The default backend discards everything, so instrumentation is
// always safe to call.
package metrics

import (
	"strings"
	"sync"
	"time"
)

// Metric names emitted by the recorder helpers.
const (
	StageTotal      = "pipeline_stage_total"
	StageDuration   = "pipeline_stage_duration_seconds"
	RowsTotal       = "pipeline_rows_total"
	GateTotal       = "pipeline_gate_total"
	GateViolations  = "pipeline_gate_violations_total"
	RunTotal        = "pipeline_run_total"
	RetryTotal      = "pipeline_stage_retries_total"
	defaultJobLabel = "cloudpipe"
)

// Labels are string key/value pairs attached to a metric.
type Labels map[string]string

type Backend interface {
	IncCounter(name string, delta float64, labels Labels)
	ObserveHistogram(name string, value float64, labels Labels)
	// Flush pushes buffered metrics, if the backend buffers.
	Flush() error
}

type nopBackend struct{}

func (nopBackend) IncCounter(string, float64, Labels)       {}
func (nopBackend) ObserveHistogram(string, float64, Labels) {}
func (nopBackend) Flush() error                             { return nil }

var (
	mu      sync.RWMutex
	backend Backend = nopBackend{}
)

// SetBackend installs b. Passing nil restores the no-op backend.
func SetBackend(b Backend) {
	mu.Lock()
	defer mu.Unlock()
	if b == nil {
		b = nopBackend{}
	}
	backend = b
}

func current() Backend {
	mu.RLock()
	defer mu.RUnlock()
	return backend
}

func Flush() error {
	return current().Flush()
}

// RecordStage counts one finished stage and observes its duration.
func RecordStage(pipeline, kind, status string, d time.Duration) {
	lbls := Labels{"pipeline": pipeline, "kind": kind, "status": status}
	b := current()
	b.IncCounter(StageTotal, 1, lbls)
	b.ObserveHistogram(StageDuration, d.Seconds(), lbls)
}

// RecordRows adds a row count of the given direction (in, out, quarantined).
func RecordRows(pipeline, direction string, n int64) {
	if n <= 0 {
		return
	}
	current().IncCounter(RowsTotal, float64(n), Labels{"pipeline": pipeline, "direction": direction})
}

// RecordGate counts one gate evaluation and its violations.
func RecordGate(pipeline, policy string, passed bool, violations int64) {
	outcome := "passed"
	if !passed {
		outcome = "failed"
	}
	b := current()
	b.IncCounter(GateTotal, 1, Labels{"pipeline": pipeline, "policy": policy, "outcome": outcome})
	if violations > 0 {
		b.IncCounter(GateViolations, float64(violations), Labels{"pipeline": pipeline, "policy": policy})
	}
}

func RecordRetry(pipeline, kind string) {
	current().IncCounter(RetryTotal, 1, Labels{"pipeline": pipeline, "kind": kind})
}

func RecordRun(pipeline, provider, status string) {
	current().IncCounter(RunTotal, 1, Labels{"pipeline": pipeline, "provider": provider, "status": status})
}

// JobName is the pushgateway grouping job for a pipeline.
func JobName(pipeline string) string {
	pipeline = strings.TrimSpace(pipeline)
	if pipeline == "" {
		return defaultJobLabel
	}
	return pipeline
}
