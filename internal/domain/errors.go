package domain

import "fmt"

// The engine rejects requests with one of four typed errors so callers can
// react specifically rather than pattern-matching on message text.

// ValidationError reports a malformed request: bad shape, missing required
// price field, non-positive quantity. It is raised before any mutable engine
// state is touched.
type ValidationError struct {
	Reason string
}

// NewValidationError creates a ValidationError with the given reason.
func NewValidationError(reason string) *ValidationError {
	return &ValidationError{Reason: reason}
}

func (e *ValidationError) Error() string {
	return "validation: " + e.Reason
}

// StateConflictError reports a request that is well-formed but illegal in the
// order's or position's current state: cancelling a terminal order, or a
// directionally invalid take-profit/stop-loss price.
type StateConflictError struct {
	Reason string
}

// NewStateConflictError creates a StateConflictError with the given reason.
func NewStateConflictError(reason string) *StateConflictError {
	return &StateConflictError{Reason: reason}
}

func (e *StateConflictError) Error() string {
	return "state conflict: " + e.Reason
}

// InsufficientMarginError reports that the margin estimate for a submission
// exceeds the account's available balance.
type InsufficientMarginError struct {
	Required  float64
	Available float64
}

func (e *InsufficientMarginError) Error() string {
	return fmt.Sprintf("insufficient margin: required %.2f, available %.2f", e.Required, e.Available)
}

// PersistenceError wraps a store failure. The engine surfaces it to the
// caller as transient and never retries a financial mutation on its own;
// retries are the caller's responsibility using the client-supplied order id
// as an idempotency key.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return "persistence: " + e.Op + ": " + e.Err.Error()
}

func (e *PersistenceError) Unwrap() error { return e.Err }
