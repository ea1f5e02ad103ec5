package vr

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned by stores when the requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrCoordinatorStopped rejects work submitted after shutdown has begun.
var ErrCoordinatorStopped = errors.New("coordinator stopped")

// ValidationError rejects bad or missing input before any state change.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return "validation: " + e.Msg }

// Validationf builds a ValidationError from a format string.
func Validationf(format string, args ...any) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// ConflictError signals a duplicate or concurrently mutated entity. No
// partial mutation has occurred when it is returned.
type ConflictError struct {
	Msg string
}

func (e *ConflictError) Error() string { return "conflict: " + e.Msg }

// Conflictf builds a ConflictError from a format string.
func Conflictf(format string, args ...any) error {
	return &ConflictError{Msg: fmt.Sprintf(format, args...)}
}

// InvalidStateError signals an operation applied to an entity that has left
// the state the operation requires, e.g. completing a canceled task.
type InvalidStateError struct {
	Entity string
	ID     string
	Msg    string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("invalid state: %s %s: %s", e.Entity, e.ID, e.Msg)
}

// TransientTaskError marks a handler failure as retryable. Work wrapped in it
// is retried up to the configured maximum before the task is failed.
type TransientTaskError struct {
	Err error
}

func (e *TransientTaskError) Error() string { return "transient: " + e.Err.Error() }

func (e *TransientTaskError) Unwrap() error { return e.Err }

// Transient wraps err as a TransientTaskError. Returns nil for a nil err.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientTaskError{Err: err}
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsConflict reports whether err is a ConflictError.
func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}

// IsCoordinatorStopped reports whether err means the coordinator is shutting
// down and no longer accepting work.
func IsCoordinatorStopped(err error) bool {
	return errors.Is(err, ErrCoordinatorStopped)
}

// IsInvalidState reports whether err is an InvalidStateError.
func IsInvalidState(err error) bool {
	var se *InvalidStateError
	return errors.As(err, &se)
}

// IsRetryable reports whether a handler error should be retried. Validation,
// conflict, and invalid-state errors are permanent; everything else is
// assumed transient.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return !IsValidation(err) && !IsConflict(err) && !IsInvalidState(err)
}
