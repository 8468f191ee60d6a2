// Package etlerr defines the typed failures a batch can surface. The
// orchestrator rolls the whole batch back and returns exactly one of these
// upward; the external scheduler owns retry policy and alerting.
package etlerr

import (
	"errors"
	"fmt"
)

// Kind classifies a batch failure.
type Kind int

const (
	// SourceUnavailable means a snapshot read failed. Retryable by caller.
	SourceUnavailable Kind = iota + 1

	// MergeConflict means two sources disagree on a natural key and strict
	// mode is configured.
	MergeConflict

	// ReferentialGap means a fact row could not resolve a dimension key,
	// signalling an out-of-order dimension load or a data-quality gap.
	ReferentialGap

	// SchemaMismatch means a snapshot row is missing a required attribute.
	SchemaMismatch
)

func (k Kind) String() string {
	switch k {
	case SourceUnavailable:
		return "source_unavailable"
	case MergeConflict:
		return "merge_conflict"
	case ReferentialGap:
		return "referential_gap"
	case SchemaMismatch:
		return "schema_mismatch"
	default:
		return "unknown"
	}
}

// Error carries the failing stage and entity alongside the kind, so the
// caller gets a single error naming where the batch died.
type Error struct {
	Kind   Kind
	Stage  string // e.g. "snapshot", "merge", "dimensions", "facts"
	Entity string // logical entity name, may be empty
	Err    error
}

func (e *Error) Error() string {
	if e.Entity != "" {
		return fmt.Sprintf("%s: stage=%s entity=%s: %v", e.Kind, e.Stage, e.Entity, e.Err)
	}
	return fmt.Sprintf("%s: stage=%s: %v", e.Kind, e.Stage, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err with a kind and stage context.
func New(kind Kind, stage, entity string, err error) *Error {
	return &Error{Kind: kind, Stage: stage, Entity: entity, Err: err}
}

// Newf is New with a formatted message instead of a wrapped error.
func Newf(kind Kind, stage, entity, format string, args ...any) *Error {
	return &Error{Kind: kind, Stage: stage, Entity: entity, Err: fmt.Errorf(format, args...)}
}

// KindOf extracts the kind from an error chain, or 0 if untyped.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// Is reports whether err carries the given kind anywhere in its chain.
func Is(err error, kind Kind) bool { return KindOf(err) == kind }
