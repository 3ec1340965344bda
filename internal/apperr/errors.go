// Package apperr defines the error vocabulary shared across Ansuz
// packages. Consistency warnings and per-line creation failures are
// not errors: they travel inside pass reports as data.
package apperr

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrConflict      = errors.New("conflict")
	ErrAlreadyExists = errors.New("already exists")

	// ErrPassInFlight signals that a page already has a reconciliation
	// pass running. Passes are non-reentrant per page; callers retry
	// after the current pass finishes.
	ErrPassInFlight = errors.New("reconciliation pass already in flight")
)

// TransportError wraps a tree-store or recognizer RPC failure that
// survived the adapter's whole retry budget. Callers receive it
// together with whatever partial result the pass accumulated.
type TransportError struct {
	Op       string // RPC method or operation name
	Attempts int    // total tries made, including the first
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: transport failed after %d attempts: %v", e.Op, e.Attempts, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsTransport reports whether err is (or wraps) a TransportError.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// InvariantViolation records a defect: an operation reached a state
// the engine promises cannot happen, such as an already-associated
// stroke handed to the matcher. It aborts only the offending
// operation, never the pass.
type InvariantViolation struct {
	Op     string
	Detail string
}

func (e *InvariantViolation) Error() string {
	return fmt.Sprintf("invariant violation in %s: %s", e.Op, e.Detail)
}
