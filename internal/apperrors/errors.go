// Package apperrors holds the error taxonomy shared by the orchestration core.
package apperrors

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a looked-up entity does not exist.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists is returned when creating an entity whose id is taken.
	ErrAlreadyExists = errors.New("already exists")
	// ErrIllegalTransition is returned when a state machine refuses a move.
	ErrIllegalTransition = errors.New("illegal state transition")
)

// ValidationError reports malformed input. It is never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

// Invalid builds a ValidationError for the given field.
func Invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// ConnectionError is a failure of an environment connection. The supervisor
// owning the connection moves its agent to the error state when it sees one.
type ConnectionError struct {
	ConnectionID string
	Op           string
	Err          error
}

func (e *ConnectionError) Error() string {
	if e.ConnectionID == "" {
		return fmt.Sprintf("connection %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("connection %s %s: %v", e.ConnectionID, e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// UpstreamError is a failure of the target LLM. Transient errors may be
// retried by the caller; fatal ones fail the run.
type UpstreamError struct {
	Provider  string
	Transient bool
	Err       error
}

func (e *UpstreamError) Error() string {
	kind := "fatal"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("upstream %s (%s): %v", e.Provider, kind, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// IsConnection reports whether err is a ConnectionError.
func IsConnection(err error) bool {
	var c *ConnectionError
	return errors.As(err, &c)
}

// IsUpstream reports whether err is an UpstreamError.
func IsUpstream(err error) bool {
	var u *UpstreamError
	return errors.As(err, &u)
}

// IsTransient reports whether err is an UpstreamError marked transient.
func IsTransient(err error) bool {
	var u *UpstreamError
	return errors.As(err, &u) && u.Transient
}
