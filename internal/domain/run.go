package domain

import "time"

// StageKind is the role of a node in the execution graph.
type StageKind string

const (
	StageKindSource    StageKind = "source"
	StageKindTransform StageKind = "transform"
	StageKindGate      StageKind = "gate"
	StageKindSink      StageKind = "sink"
)

// RunStatus is the state of a pipeline run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
	RunStatusPartial   RunStatus = "partial"
)

// Terminal reports whether the status can no longer change.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusSucceeded, RunStatusFailed, RunStatusPartial:
		return true
	default:
		return false
	}
}

// StageStatus is the outcome of one stage within a run.
type StageStatus string

const (
	StageStatusSucceeded StageStatus = "succeeded"
	StageStatusWarned    StageStatus = "warned"
	StageStatusFailed    StageStatus = "failed"
	StageStatusSkipped   StageStatus = "skipped"
)

// RunRecord is the terminal, reportable artifact of one run.
type RunRecord struct {
	RunID          string          `json:"run_id"`
	Pipeline       string          `json:"pipeline"`
	Provider       Provider        `json:"provider"`
	Fingerprint    string          `json:"definition_fingerprint,omitempty"`
	Status         RunStatus       `json:"status"`
	StartedAt      time.Time       `json:"started_at"`
	EndedAt        *time.Time      `json:"ended_at,omitempty"`
	Stages         []StageRecord   `json:"stages"`
	Lineage        []LineageEdge   `json:"lineage"`
	QualityReports []QualityReport `json:"quality_reports"`
	Error          *RunError       `json:"error,omitempty"`
}

type StageRecord struct {
	ID              string        `json:"id"`
	Kind            StageKind     `json:"kind"`
	Status          StageStatus   `json:"status"`
	StartedAt       time.Time     `json:"started_at"`
	Duration        time.Duration `json:"duration"`
	RowsIn          int64         `json:"rows_in"`
	RowsOut         int64         `json:"rows_out"`
	RowsQuarantined int64         `json:"rows_quarantined,omitempty"`
	Attempts        int           `json:"attempts"`
	Error           string        `json:"error,omitempty"`
}

// LineageEdge records that From produced an input of To.
type LineageEdge struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// RunError is the first fatal error of a run.
type RunError struct {
	Code    string `json:"code"`
	Class   string `json:"class"`
	Stage   string `json:"stage,omitempty"`
	Message string `json:"message"`
}

// QualityReport is the outcome of one quality gate evaluation.
type QualityReport struct {
	Gate            string              `json:"gate"`
	Policy          GatePolicy          `json:"policy"`
	Passed          bool                `json:"passed"`
	RowsIn          int64               `json:"rows_in"`
	RowsPassed      int64               `json:"rows_passed"`
	RowsQuarantined int64               `json:"rows_quarantined"`
	Expectations    []ExpectationResult `json:"expectations"`
}

// Violations sums violations over every expectation.
func (q QualityReport) Violations() int64 {
	var total int64
	for _, e := range q.Expectations {
		total += e.Violations
	}
	return total
}

type ExpectationResult struct {
	Name       string           `json:"name"`
	Kind       string           `json:"kind"`
	Passed     bool             `json:"passed"`
	Violations int64            `json:"violations"`
	Sample     []map[string]any `json:"sample,omitempty"`
	Message    string           `json:"message,omitempty"`
}

// Clone returns a deep copy of the record.
func (r RunRecord) Clone() RunRecord {
	out := r
	if r.EndedAt != nil {
		t := *r.EndedAt
		out.EndedAt = &t
	}
	out.Stages = append([]StageRecord(nil), r.Stages...)
	out.Lineage = append([]LineageEdge(nil), r.Lineage...)
	out.QualityReports = make([]QualityReport, len(r.QualityReports))
	for i, q := range r.QualityReports {
		out.QualityReports[i] = q.Clone()
	}
	if r.Error != nil {
		e := *r.Error
		out.Error = &e
	}
	return out
}

// Clone returns a deep copy of the report.
func (q QualityReport) Clone() QualityReport {
	out := q
	out.Expectations = make([]ExpectationResult, len(q.Expectations))
	for i, e := range q.Expectations {
		cp := e
		if e.Sample != nil {
			cp.Sample = make([]map[string]any, len(e.Sample))
			for j, row := range e.Sample {
				m := make(map[string]any, len(row))
				for k, v := range row {
					m[k] = v
				}
				cp.Sample[j] = m
			}
		}
		out.Expectations[i] = cp
	}
	return out
}

// Stage returns the record of stage id.
func (r RunRecord) Stage(id string) (StageRecord, bool) {
	for _, s := range r.Stages {
		if s.ID == id {
			return s, true
		}
	}
	return StageRecord{}, false
}
