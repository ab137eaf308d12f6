package eventstore

import (
	"errors"
	"fmt"
)

// StoreError is the base error type for event store operations, following
// the teacher library's Op/Err embedding so callers can errors.As down to a
// specific cause without losing the failing operation name.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("eventstore: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("eventstore: %s", e.Op)
}

func (e *StoreError) Unwrap() error { return e.Err }

// ValidationError is a caller mistake: malformed query, empty event kind,
// invalid JSON payload. Never retried.
type ValidationError struct {
	StoreError
	Field string
}

// ConflictError is DCB's normal "lost the race" outcome: another writer
// committed an event matching the query after the Version the caller read.
// It is not a failure of the store — see spec.md §4.A.
type ConflictError struct {
	StoreError
	Query      Query
	ObservedAt Version
}

func IsConflict(err error) bool {
	var c *ConflictError
	return errors.As(err, &c)
}

func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}
