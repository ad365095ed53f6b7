package utils

import (
	"errors"
	"fmt"
)

// Kind partitions engine errors for callers that need to map them onto
// transport responses or retry policies.
type Kind string

const (
	KindIngestion         Kind = "ingestion"
	KindInvalidTransition Kind = "invalid_transition"
	KindPatternVersion    Kind = "pattern_version_mismatch"
	KindThresholdConflict Kind = "threshold_adjustment_conflict"
	KindQueueFull         Kind = "queue_full"
)

// EngineError wraps an operation, error kind, machine-readable reason code,
// and underlying error. Ingestion errors are quarantined rather than fatal;
// queue-full errors are retryable.
type EngineError struct {
	Op   string
	Kind Kind
	Code string
	Msg  string
	Err  error
}

func (e *EngineError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Code, e.Msg)
	}
	return fmt.Sprintf("%s: %s: %s: %v", e.Op, e.Code, e.Msg, e.Err)
}

func (e *EngineError) Unwrap() error {
	return e.Err
}

// Retryable reports whether the caller should retry the operation.
func (e *EngineError) Retryable() bool {
	return e.Kind == KindQueueFull || e.Kind == KindThresholdConflict
}

// NewEngineError constructs an EngineError.
func NewEngineError(op string, kind Kind, code, msg string, err error) error {
	return &EngineError{Op: op, Kind: kind, Code: code, Msg: msg, Err: err}
}

// IngestionError builds a quarantine-bound ingestion error with a reason code.
func IngestionError(op, code, msg string) error {
	return &EngineError{Op: op, Kind: KindIngestion, Code: code, Msg: msg}
}

// KindOf extracts the Kind from err, or "" when err is not an EngineError.
func KindOf(err error) Kind {
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee.Kind
	}
	return ""
}

// CodeOf extracts the reason code from err, or "" for foreign errors.
func CodeOf(err error) string {
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee.Code
	}
	return ""
}
