package persisted

import (
	"errors"
	"fmt"
)

var (
	// ErrNoEvaluator signals that Evaluate or Apply was called without an
	// evaluator and the default could not be constructed.
	ErrNoEvaluator = errors.New("persisted: evaluator not configured")

	// ErrClosed is returned by operations on a cell after Close.
	ErrClosed = errors.New("persisted: cell is closed")
)

// ValidationError reports persisted data that decoded cleanly but was rejected
// by the schema. Err typically wraps goskema.Issues.
type ValidationError struct {
	Key string
	Err error
}

func (e *ValidationError) Error() string {
	if e == nil {
		return "<nil>"
	}
	return fmt.Sprintf("persisted: validate entry %q: %v", e.Key, e.Err)
}

func (e *ValidationError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// DecodeError reports a raw store entry that could not be turned into a
// candidate value, either because the codec rejected it or because a migration
// hook failed. Treated identically to ValidationError by construction: both
// fail the call.
type DecodeError struct {
	Key   string
	Codec string
	Err   error
}

func (e *DecodeError) Error() string {
	if e == nil {
		return "<nil>"
	}
	return fmt.Sprintf("persisted: decode entry %q via %s: %v", e.Key, e.Codec, e.Err)
}

func (e *DecodeError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// StoreError reports a failed store operation. For Set and Update the
// in-memory value has already been applied and observed by subscribers when
// this error is returned; the store entry is stale until the next successful
// write.
type StoreError struct {
	Op  string
	Key string
	Err error
}

func (e *StoreError) Error() string {
	if e == nil {
		return "<nil>"
	}
	return fmt.Sprintf("persisted: store %s %q: %v", e.Op, e.Key, e.Err)
}

func (e *StoreError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}
