package pipelineerr

import "strings"

// DefinitionError aggregates definition issues found before execution.
type DefinitionError struct {
	Issues []*Error
}

func (e *DefinitionError) Error() string {
	if len(e.Issues) == 0 {
		return "definition rejected"
	}
	parts := make([]string, 0, len(e.Issues))
	for _, issue := range e.Issues {
		parts = append(parts, issue.Error())
	}
	return "definition rejected: " + strings.Join(parts, "; ")
}

// Unwrap exposes every issue to errors.Is and errors.As.
func (e *DefinitionError) Unwrap() []error {
	out := make([]error, 0, len(e.Issues))
	for _, issue := range e.Issues {
		out = append(out, issue)
	}
	return out
}

// Add records an issue. Issues of non-definition classes are ignored.
func (e *DefinitionError) Add(code Code, stage string, format string, args ...any) {
	if code.Class() != ClassDefinition {
		return
	}
	e.Issues = append(e.Issues, New(code, stage, format, args...))
}

// Has reports whether an issue with code was recorded.
func (e *DefinitionError) Has(code Code) bool {
	for _, issue := range e.Issues {
		if issue.Code == code {
			return true
		}
	}
	return false
}

func (e *DefinitionError) OrNil() error {
	if e == nil || len(e.Issues) == 0 {
		return nil
	}
	return e
}
