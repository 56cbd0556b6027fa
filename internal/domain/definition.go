package domain

import (
	"fmt"
	"strings"
	"time"
)

// Provider is the cloud a pipeline executes against.
type Provider string

const (
	ProviderAzure Provider = "azure"
	ProviderGCP   Provider = "gcp"
)

// Valid reports whether p is a supported provider tag.
func (p Provider) Valid() bool {
	return p == ProviderAzure || p == ProviderGCP
}

// WriteMode controls how a sink applies rows to existing data.
type WriteMode string

const (
	WriteModeOverwrite WriteMode = "overwrite"
	WriteModeAppend    WriteMode = "append"
	WriteModeMerge     WriteMode = "merge"
)

func (m WriteMode) Valid() bool {
	switch m {
	case WriteModeOverwrite, WriteModeAppend, WriteModeMerge:
		return true
	default:
		return false
	}
}

// GatePolicy decides what a failed quality gate does to the run.
type GatePolicy string

const (
	GatePolicyBlock      GatePolicy = "block"
	GatePolicyWarn       GatePolicy = "warn"
	GatePolicyQuarantine GatePolicy = "quarantine"
)

func (p GatePolicy) Valid() bool {
	switch p {
	case GatePolicyBlock, GatePolicyWarn, GatePolicyQuarantine:
		return true
	default:
		return false
	}
}

// PipelineDefinition is the declarative, immutable description of a pipeline.
type PipelineDefinition struct {
	Name       string                `json:"name" yaml:"name"`
	Provider   Provider              `json:"provider" yaml:"provider"`
	Sources    []SourceDescriptor    `json:"sources" yaml:"sources"`
	Transforms []TransformDescriptor `json:"transforms,omitempty" yaml:"transforms,omitempty"`
	Gates      []GateDescriptor      `json:"gates,omitempty" yaml:"gates,omitempty"`
	Sink       SinkDescriptor        `json:"sink" yaml:"sink"`
}

// ConnectorDescriptor addresses data in a provider service.
type ConnectorDescriptor struct {
	ConnectorType string            `json:"connector_type" yaml:"connector_type"`
	Location      string            `json:"location" yaml:"location"`
	Format        string            `json:"format,omitempty" yaml:"format,omitempty"`
	Options       map[string]string `json:"options,omitempty" yaml:"options,omitempty"`
}

// Option returns options[key] or def.
func (d ConnectorDescriptor) Option(key, def string) string {
	if v, ok := d.Options[key]; ok && strings.TrimSpace(v) != "" {
		return v
	}
	return def
}

type SourceDescriptor struct {
	Name                string `json:"name" yaml:"name"`
	ConnectorDescriptor `yaml:",inline"`
	Schema              []Column `json:"schema,omitempty" yaml:"schema,omitempty"`
	Timeout             Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

type SinkDescriptor struct {
	Name                string `json:"name" yaml:"name"`
	ConnectorDescriptor `yaml:",inline"`
	Inputs              []string  `json:"inputs,omitempty" yaml:"inputs,omitempty"`
	Mode                WriteMode `json:"mode,omitempty" yaml:"mode,omitempty"`
	Keys                []string  `json:"keys,omitempty" yaml:"keys,omitempty"`
	Timeout             Duration  `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// EffectiveMode defaults an unset mode to overwrite.
func (s SinkDescriptor) EffectiveMode() WriteMode {
	if s.Mode == "" {
		return WriteModeOverwrite
	}
	return s.Mode
}

type TransformDescriptor struct {
	Name       string         `json:"name" yaml:"name"`
	Kind       string         `json:"kind" yaml:"kind"`
	Inputs     []string       `json:"inputs" yaml:"inputs"`
	Parameters map[string]any `json:"parameters,omitempty" yaml:"parameters,omitempty"`
	Schema     []Column       `json:"schema,omitempty" yaml:"schema,omitempty"`
	SideOutput bool           `json:"side_output,omitempty" yaml:"side_output,omitempty"`
	Timeout    Duration       `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

type GateDescriptor struct {
	Name         string                  `json:"name" yaml:"name"`
	Inputs       []string                `json:"inputs" yaml:"inputs"`
	Expectations []ExpectationDescriptor `json:"expectations" yaml:"expectations"`
	Policy       GatePolicy              `json:"policy,omitempty" yaml:"policy,omitempty"`
	Quarantine   *SinkDescriptor         `json:"quarantine,omitempty" yaml:"quarantine,omitempty"`
	SideOutput   bool                    `json:"side_output,omitempty" yaml:"side_output,omitempty"`
	Timeout      Duration                `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// EffectivePolicy defaults an unset policy to block.
func (g GateDescriptor) EffectivePolicy() GatePolicy {
	if g.Policy == "" {
		return GatePolicyBlock
	}
	return g.Policy
}

// ExpectationDescriptor is a single declarative data-quality rule.
type ExpectationDescriptor struct {
	Name            string   `json:"name" yaml:"name"`
	Kind            string   `json:"kind" yaml:"kind"`
	Column          string   `json:"column,omitempty" yaml:"column,omitempty"`
	Columns         []string `json:"columns,omitempty" yaml:"columns,omitempty"`
	Min             *float64 `json:"min,omitempty" yaml:"min,omitempty"`
	Max             *float64 `json:"max,omitempty" yaml:"max,omitempty"`
	Reference       string   `json:"reference,omitempty" yaml:"reference,omitempty"`
	ReferenceColumn string   `json:"reference_column,omitempty" yaml:"reference_column,omitempty"`
	Expression      string   `json:"expression,omitempty" yaml:"expression,omitempty"`
}

// Column declares a named, typed column of an expected schema.
type Column struct {
	Name string `json:"name" yaml:"name"`
	Type string `json:"type" yaml:"type"`
}

// Duration is a time.Duration encoded as a Go duration string ("30s").
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	if parsed < 0 {
		return fmt.Errorf("duration %q must not be negative", raw)
	}
	*d = Duration(parsed)
	return nil
}

// StageNames returns every declared stage name in declaration order:
// sources, transforms, gates, sink.
func (p PipelineDefinition) StageNames() []string {
	names := make([]string, 0, len(p.Sources)+len(p.Transforms)+len(p.Gates)+1)
	for _, s := range p.Sources {
		names = append(names, s.Name)
	}
	for _, t := range p.Transforms {
		names = append(names, t.Name)
	}
	for _, g := range p.Gates {
		names = append(names, g.Name)
	}
	names = append(names, p.Sink.Name)
	return names
}

// Clone returns a deep copy so callers cannot mutate a submitted definition.
func (p PipelineDefinition) Clone() PipelineDefinition {
	out := p
	out.Sources = make([]SourceDescriptor, len(p.Sources))
	for i, s := range p.Sources {
		s.ConnectorDescriptor = s.ConnectorDescriptor.clone()
		s.Schema = append([]Column(nil), s.Schema...)
		out.Sources[i] = s
	}
	out.Transforms = make([]TransformDescriptor, len(p.Transforms))
	for i, t := range p.Transforms {
		t.Inputs = append([]string(nil), t.Inputs...)
		t.Parameters = cloneParams(t.Parameters)
		t.Schema = append([]Column(nil), t.Schema...)
		out.Transforms[i] = t
	}
	out.Gates = make([]GateDescriptor, len(p.Gates))
	for i, g := range p.Gates {
		g.Inputs = append([]string(nil), g.Inputs...)
		g.Expectations = make([]ExpectationDescriptor, len(g.Expectations))
		for j, e := range p.Gates[i].Expectations {
			e.Columns = append([]string(nil), e.Columns...)
			if e.Min != nil {
				v := *e.Min
				e.Min = &v
			}
			if e.Max != nil {
				v := *e.Max
				e.Max = &v
			}
			g.Expectations[j] = e
		}
		if g.Quarantine != nil {
			q := g.Quarantine.clone()
			g.Quarantine = &q
		}
		out.Gates[i] = g
	}
	out.Sink = p.Sink.clone()
	return out
}

func (s SinkDescriptor) clone() SinkDescriptor {
	s.ConnectorDescriptor = s.ConnectorDescriptor.clone()
	s.Inputs = append([]string(nil), s.Inputs...)
	s.Keys = append([]string(nil), s.Keys...)
	return s
}

func (d ConnectorDescriptor) clone() ConnectorDescriptor {
	if d.Options != nil {
		opts := make(map[string]string, len(d.Options))
		for k, v := range d.Options {
			opts[k] = v
		}
		d.Options = opts
	}
	return d
}

func cloneParams(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneParams(t)
	case []any:
		out := make([]any, len(t))
		for i := range t {
			out[i] = cloneValue(t[i])
		}
		return out
	case []string:
		return append([]string(nil), t...)
	default:
		return v
	}
}
