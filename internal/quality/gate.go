// Package quality evaluates quality gates: ordered expectations over a frame,
// with a block, warn or quarantine policy deciding what flows downstream.
package quality

import (
	"context"
	"fmt"
	"strings"

	"github.com/animus-labs/cloudpipe/internal/domain"
	"github.com/animus-labs/cloudpipe/internal/frame"
)

// SampleLimit bounds the offending rows kept per expectation.
const SampleLimit = 10

type expectation struct {
	name string
	kind string
	check
}

// Gate is a compiled gate descriptor. Inputs[0] is the validated frame; any
// further inputs are reference frames for referential expectations.
type Gate struct {
	Name       string
	Inputs     []string
	Policy     domain.GatePolicy
	Quarantine *domain.SinkDescriptor

	expectations []expectation
}

// New compiles desc. Errors describe the definition problem.
func New(desc domain.GateDescriptor) (*Gate, error) {
	policy := desc.EffectivePolicy()
	if !policy.Valid() {
		return nil, fmt.Errorf("unsupported policy %q", desc.Policy)
	}
	if len(desc.Inputs) == 0 {
		return nil, fmt.Errorf("at least one input is required")
	}
	if policy == domain.GatePolicyQuarantine && desc.Quarantine == nil {
		return nil, fmt.Errorf("policy quarantine requires a quarantine connector")
	}
	if len(desc.Expectations) == 0 {
		return nil, fmt.Errorf("at least one expectation is required")
	}
	g := &Gate{
		Name:       desc.Name,
		Inputs:     make([]string, len(desc.Inputs)),
		Policy:     policy,
		Quarantine: desc.Quarantine,
	}
	for i, in := range desc.Inputs {
		g.Inputs[i] = strings.TrimSpace(in)
	}
	refs := map[string]bool{}
	for _, in := range g.Inputs[1:] {
		refs[in] = true
	}
	names := map[string]struct{}{}
	for i, ed := range desc.Expectations {
		name := ed.Name
		if name == "" {
			name = fmt.Sprintf("%s[%d]", ed.Kind, i)
		}
		if _, dup := names[name]; dup {
			return nil, fmt.Errorf("expectation %q declared twice", name)
		}
		names[name] = struct{}{}
		c, err := newCheck(ed)
		if err != nil {
			return nil, fmt.Errorf("expectation %q: %w", name, err)
		}
		if ref := c.reference(); ref != "" && !refs[ref] {
			return nil, fmt.Errorf("expectation %q: reference %q must be listed as a gate input after the validated input", name, ref)
		}
		g.expectations = append(g.expectations, expectation{name: name, kind: ed.Kind, check: c})
	}
	return g, nil
}

// Columns lists columns of the validated input the expectations read.
func (g *Gate) Columns() []string {
	var out []string
	seen := map[string]struct{}{}
	for _, e := range g.expectations {
		for _, c := range e.columns() {
			if _, ok := seen[c]; !ok {
				seen[c] = struct{}{}
				out = append(out, c)
			}
		}
	}
	return out
}

// Result is the outcome of one evaluation.
type Result struct {
	Report domain.QualityReport
	// Output flows downstream: passing rows under quarantine, every row otherwise.
	Output []frame.Row
	// Quarantined holds violating rows under the quarantine policy.
	Quarantined []frame.Row
}

// Evaluate materializes in and the reference frames and applies every
// expectation in declaration order. The result depends only on row content and order.
func (g *Gate) Evaluate(ctx context.Context, in frame.Frame, refs map[string]frame.Frame) (*Result, error) {
	rows, err := in.Rows(ctx)
	if err != nil {
		return nil, err
	}
	refRows := make(map[string][]frame.Row, len(refs))
	for id, f := range refs {
		r, err := f.Rows(ctx)
		if err != nil {
			return nil, err
		}
		refRows[id] = r
	}

	report := domain.QualityReport{
		Gate:   g.Name,
		Policy: g.Policy,
		Passed: true,
		RowsIn: int64(len(rows)),
	}
	failed := make([]bool, len(rows))
	for _, e := range g.expectations {
		flags, msg := e.violations(rows, refRows)
		res := domain.ExpectationResult{Name: e.name, Kind: e.kind, Message: msg}
		for i, bad := range flags {
			if !bad {
				continue
			}
			failed[i] = true
			res.Violations++
			if len(res.Sample) < SampleLimit {
				res.Sample = append(res.Sample, map[string]any(rows[i].Clone()))
			}
		}
		res.Passed = res.Violations == 0
		if !res.Passed {
			report.Passed = false
		}
		report.Expectations = append(report.Expectations, res)
	}

	out := &Result{Output: rows}
	var passing []frame.Row
	for i, row := range rows {
		if failed[i] {
			out.Quarantined = append(out.Quarantined, row)
			continue
		}
		passing = append(passing, row)
	}
	report.RowsPassed = int64(len(passing))
	if g.Policy == domain.GatePolicyQuarantine {
		out.Output = passing
		report.RowsQuarantined = int64(len(out.Quarantined))
	} else {
		out.Quarantined = nil
	}
	out.Report = report
	return out, nil
}
