// Package pipelineerr defines the error taxonomy shared by resolution and execution.
//
// Every error produced by the core carries a Class (what the caller may do about it)
// and a Code (what went wrong). Codes implement error so they can be used as
// errors.Is targets:
//
//	if errors.Is(err, pipelineerr.CyclicPipeline) { ... }
package pipelineerr

import (
	"errors"
	"fmt"
	"strings"
)

// Class groups codes by handling policy.
type Class string

const (
	ClassDefinition  Class = "definition"
	ClassTransient   Class = "transient"
	ClassDataQuality Class = "data_quality"
	ClassFatal       Class = "fatal"
)

// Code identifies a specific failure.
type Code string

func (c Code) Error() string { return string(c) }

// Class reports the class a code belongs to. Unknown codes are fatal.
func (c Code) Class() Class {
	switch c {
	case UnresolvedInput, CyclicPipeline, UnsupportedOnProvider, IncompatibleSchemaEvolution, OrphanStage, InvalidDefinition:
		return ClassDefinition
	case SourceUnavailable, WriteConflict, StageTimeout:
		return ClassTransient
	case QualityGateFailed:
		return ClassDataQuality
	default:
		return ClassFatal
	}
}

const (
	UnresolvedInput             Code = "UnresolvedInput"
	CyclicPipeline              Code = "CyclicPipeline"
	UnsupportedOnProvider       Code = "UnsupportedOnProvider"
	IncompatibleSchemaEvolution Code = "IncompatibleSchemaEvolution"
	OrphanStage                 Code = "OrphanStage"
	InvalidDefinition           Code = "InvalidDefinition"

	SourceUnavailable Code = "SourceUnavailable"
	WriteConflict     Code = "WriteConflict"
	StageTimeout      Code = "StageTimeout"

	QualityGateFailed Code = "QualityGateFailed"

	TransformError  Code = "TransformError"
	MergeKeyMissing Code = "MergeKeyMissing"
	SchemaMismatch  Code = "SchemaMismatch"
	EngineFailure   Code = "EngineFailure"
)

// Error is a classified failure attached to a stage.
type Error struct {
	Code  Code
	Stage string
	Msg   string
	Err   error
}

// New builds a classified error. Stage may be empty.
func New(code Code, stage string, format string, args ...any) *Error {
	return &Error{Code: code, Stage: stage, Msg: fmt.Sprintf(format, args...)}
}

// Wrap builds a classified error around cause.
func Wrap(code Code, stage string, cause error, format string, args ...any) *Error {
	return &Error{Code: code, Stage: stage, Msg: fmt.Sprintf(format, args...), Err: cause}
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Code))
	if e.Stage != "" {
		b.WriteString(" [")
		b.WriteString(e.Stage)
		b.WriteString("]")
	}
	if e.Msg != "" {
		b.WriteString(": ")
		b.WriteString(e.Msg)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches a bare Code target.
func (e *Error) Is(target error) bool {
	code, ok := target.(Code)
	return ok && code == e.Code
}

// Class returns the class of the error's code.
func (e *Error) Class() Class { return e.Code.Class() }

// As extracts the first *Error in err's chain.
func As(err error) (*Error, bool) {
	var pe *Error
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// CodeOf returns the code of err, EngineFailure for unclassified errors and "" for nil.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	if pe, ok := As(err); ok {
		return pe.Code
	}
	var code Code
	if errors.As(err, &code) {
		return code
	}
	return EngineFailure
}

// ClassOf returns the class of err; unclassified errors are fatal.
func ClassOf(err error) Class {
	return CodeOf(err).Class()
}

// IsTransient reports whether err may be retried.
func IsTransient(err error) bool {
	return err != nil && ClassOf(err) == ClassTransient
}

// Classify tags an unclassified error as EngineFailure for stage. Classified errors
// get their stage filled in when missing.
func Classify(stage string, err error) *Error {
	if err == nil {
		return nil
	}
	if pe, ok := As(err); ok {
		if pe.Stage == "" {
			cp := *pe
			cp.Stage = stage
			return &cp
		}
		return pe
	}
	return Wrap(EngineFailure, stage, err, "unclassified engine failure")
}
