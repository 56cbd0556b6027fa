package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/animus-labs/cloudpipe/internal/domain"
	"github.com/animus-labs/cloudpipe/internal/frame"
	"github.com/animus-labs/cloudpipe/internal/pipelineerr"
	"github.com/animus-labs/cloudpipe/internal/platform/metrics"
	"github.com/animus-labs/cloudpipe/internal/resolver"
)

// outcome is what one stage produced. It is built off the driving goroutine
// and applied by it.
type outcome struct {
	id      string
	frame   frame.Frame
	rowsOut int64
	stages  []domain.StageRecord
	report  *domain.QualityReport
	err     *pipelineerr.Error
}

func (a *Adapter) runStage(ctx context.Context, st *runState, n *resolver.StageNode) outcome {
	start := a.now()
	rec := domain.StageRecord{ID: n.ID, Kind: n.Kind, StartedAt: start.UTC(), Status: domain.StageStatusSucceeded, Attempts: 1}
	timeout := n.Timeout
	if timeout <= 0 {
		timeout = st.timeout
	}

	o := outcome{id: n.ID}
	var err error
	switch n.Kind {
	case domain.StageKindSource:
		rec.Attempts, err = a.withRetry(ctx, st, n.ID, n.Kind, timeout, func(actx context.Context) error {
			f, rows, err := a.readSource(actx, st, n)
			if err != nil {
				return err
			}
			o.frame, o.rowsOut = f, rows
			return nil
		})
		rec.RowsOut = o.rowsOut
	case domain.StageKindTransform:
		rec.RowsIn = st.inputRows(n.Transform.Inputs)
		err = a.attempt(ctx, n.ID, timeout, func(actx context.Context) error {
			ins, err := st.inputs(n.Transform.Inputs)
			if err != nil {
				return err
			}
			f, err := n.Transform.Apply(a.engine, ins)
			if err != nil {
				return err
			}
			rows, err := n.Transform.Verify(actx, rec.RowsIn, f)
			if err != nil {
				return err
			}
			o.frame, o.rowsOut = f, rows
			return nil
		})
		rec.RowsOut = o.rowsOut
	case domain.StageKindGate:
		var quarantined []frame.Row
		err = a.attempt(ctx, n.ID, timeout, func(actx context.Context) error {
			var err error
			quarantined, err = a.evaluateGate(actx, st, n, &o, &rec)
			return err
		})
		if err == nil && n.Gate.Policy == domain.GatePolicyQuarantine {
			o.stages = append(o.stages, a.writeQuarantine(ctx, st, n, quarantined))
		}
	case domain.StageKindSink:
		rec.RowsIn = st.inputRows(n.Inputs)
		rec.Attempts, err = a.withRetry(ctx, st, n.ID, n.Kind, timeout, func(actx context.Context) error {
			in, err := st.inputs(n.Inputs)
			if err != nil {
				return err
			}
			conn, err := st.ec.connector(actx, n.Binding)
			if err != nil {
				return err
			}
			wr, err := conn.Write(actx, *n.Sink, in[0])
			if err != nil {
				return err
			}
			o.rowsOut = wr.RowsWritten
			return nil
		})
		rec.RowsOut = o.rowsOut
	default:
		err = pipelineerr.New(pipelineerr.EngineFailure, n.ID, "unknown stage kind %q", n.Kind)
	}

	rec.Duration = a.now().Sub(start)
	if err != nil {
		o.err = pipelineerr.Classify(n.ID, err)
		o.frame = nil
		rec.Status = domain.StageStatusFailed
		rec.Error = o.err.Error()
	}
	o.stages = append([]domain.StageRecord{rec}, o.stages...)
	return o
}

func (st *runState) inputs(ids []string) ([]frame.Frame, error) {
	out := make([]frame.Frame, len(ids))
	for i, id := range ids {
		f, ok := st.ec.Frame(id)
		if !ok {
			return nil, pipelineerr.New(pipelineerr.EngineFailure, "", "input %q has no frame", id)
		}
		out[i] = f
	}
	return out, nil
}

func (st *runState) inputRows(ids []string) int64 {
	var total int64
	for _, id := range ids {
		total += st.ec.rows[id]
	}
	return total
}

// readSource reads and, when a schema is declared, conforms the source.
func (a *Adapter) readSource(ctx context.Context, st *runState, n *resolver.StageNode) (frame.Frame, int64, error) {
	conn, err := st.ec.connector(ctx, n.Binding)
	if err != nil {
		return nil, 0, err
	}
	f, err := conn.Read(ctx, n.Source.ConnectorDescriptor, a.engine)
	if err != nil {
		return nil, 0, err
	}
	if len(n.Schema) > 0 {
		rows, err := f.Rows(ctx)
		if err != nil {
			return nil, 0, err
		}
		conformed, err := frame.Conform(n.ID, n.Schema, rows)
		if err != nil {
			return nil, 0, err
		}
		f = a.engine.FromRows(n.Schema, conformed)
	}
	count, err := f.Count(ctx)
	if err != nil {
		return nil, 0, err
	}
	return f, count, nil
}

// evaluateGate fills o and rec from the gate result and returns the rows to
// quarantine. Only the block policy turns a failed report into an error.
func (a *Adapter) evaluateGate(ctx context.Context, st *runState, n *resolver.StageNode, o *outcome, rec *domain.StageRecord) ([]frame.Row, error) {
	ins, err := st.inputs(n.Gate.Inputs)
	if err != nil {
		return nil, err
	}
	refs := make(map[string]frame.Frame, len(ins)-1)
	for i, id := range n.Gate.Inputs[1:] {
		refs[id] = ins[i+1]
	}
	res, err := n.Gate.Evaluate(ctx, ins[0], refs)
	if err != nil {
		return nil, err
	}
	report := res.Report
	o.report = &report
	o.frame = a.engine.FromRows(ins[0].Schema(), res.Output)
	o.rowsOut = int64(len(res.Output))
	rec.RowsIn = report.RowsIn
	rec.RowsOut = o.rowsOut
	rec.RowsQuarantined = report.RowsQuarantined

	if report.Passed {
		return res.Quarantined, nil
	}
	switch n.Gate.Policy {
	case domain.GatePolicyBlock:
		return nil, pipelineerr.New(pipelineerr.QualityGateFailed, n.ID,
			"%d violation(s) across %d expectation(s) under policy block", report.Violations(), failedExpectations(report))
	default:
		rec.Status = domain.StageStatusWarned
		return res.Quarantined, nil
	}
}

func failedExpectations(r domain.QualityReport) int {
	n := 0
	for _, e := range r.Expectations {
		if !e.Passed {
			n++
		}
	}
	return n
}

// writeQuarantine writes violating rows to the gate's quarantine sink. The
// write is independent of the main sink: a failure is recorded on its own
// stage and does not fail the run.
func (a *Adapter) writeQuarantine(ctx context.Context, st *runState, n *resolver.StageNode, rows []frame.Row) domain.StageRecord {
	id := n.ID + resolver.QuarantineSuffix
	start := a.now()
	rec := domain.StageRecord{ID: id, Kind: domain.StageKindSink, StartedAt: start.UTC(), RowsIn: int64(len(rows))}
	if len(rows) == 0 {
		rec.Status = domain.StageStatusSkipped
		return rec
	}
	desc := *n.Gate.Quarantine
	desc.Name = id
	timeout := desc.Timeout.Std()
	if timeout <= 0 {
		timeout = st.timeout
	}
	var written int64
	attempts, err := a.withRetry(ctx, st, id, domain.StageKindSink, timeout, func(actx context.Context) error {
		conn, err := st.ec.connector(actx, n.QuarantineBinding)
		if err != nil {
			return err
		}
		wr, err := conn.Write(actx, desc, a.engine.FromRows(nil, rows))
		if err != nil {
			return err
		}
		written = wr.RowsWritten
		return nil
	})
	rec.Attempts = attempts
	rec.Duration = a.now().Sub(start)
	rec.RowsOut = written
	rec.Status = domain.StageStatusSucceeded
	if err != nil {
		rec.Status = domain.StageStatusFailed
		rec.Error = pipelineerr.Classify(id, err).Error()
	}
	return rec
}

// withRetry runs fn until it succeeds, fails permanently or the policy is
// exhausted, and returns the number of attempts made.
func (a *Adapter) withRetry(ctx context.Context, st *runState, stage string, kind domain.StageKind, timeout time.Duration, fn func(context.Context) error) (int, error) {
	for attempt := 1; ; attempt++ {
		err := a.attempt(ctx, stage, timeout, fn)
		if err == nil {
			return attempt, nil
		}
		if !pipelineerr.IsTransient(err) || attempt >= st.policy.MaxAttempts || ctx.Err() != nil {
			return attempt, err
		}
		wait := st.policy.delay(attempt)
		st.log.Warn("stage attempt failed, retrying",
			"stage", stage, "kind", string(kind), "attempt", attempt, "backoff_ms", wait.Milliseconds(), "error", err.Error())
		metrics.RecordRetry(st.g.Pipeline, string(kind))
		if err := a.sleep(ctx, wait); err != nil {
			return attempt, fmt.Errorf("retry backoff: %w", err)
		}
	}
}

// attempt runs fn once under the stage timeout and classifies its error.
func (a *Adapter) attempt(ctx context.Context, stage string, timeout time.Duration, fn func(context.Context) error) error {
	actx, cancel := ctx, context.CancelFunc(func() {})
	if timeout > 0 {
		actx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	err := fn(actx)
	if err == nil {
		return nil
	}
	if timeout > 0 && ctx.Err() == nil && errors.Is(actx.Err(), context.DeadlineExceeded) {
		return pipelineerr.Wrap(pipelineerr.StageTimeout, stage, err, "stage exceeded its %s timeout", timeout)
	}
	return pipelineerr.Classify(stage, err)
}
