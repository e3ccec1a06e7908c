package model

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned by lookups when no matching entity exists.
var ErrNotFound = errors.New("not found")

// ErrForbidden is returned when the acting user may not perform an
// operation on the target entity.
var ErrForbidden = errors.New("access not allowed")

// ValidationError reports a bad field value or a policy violation. It is
// always recoverable by the caller: fix the input and retry.
type ValidationError struct {
	Field    string
	Reason   string
	Conflict bool // uniqueness conflict (username/email/filename taken)
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Invalid builds a plain validation error for a field.
func Invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// Conflict builds a uniqueness-conflict validation error for a field.
func Conflict(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason, Conflict: true}
}

// IsValidation reports whether err is a validation error.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsConflict reports whether err is a uniqueness conflict.
func IsConflict(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve) && ve.Conflict
}

// ConsistencyError reports a data-integrity fault (row without file, stray
// file in the way, failed cleanup). These are logged and reconciled
// out-of-band, never surfaced to end users as field errors.
type ConsistencyError struct {
	Path   string
	Reason string
	Err    error
}

func (e *ConsistencyError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("consistency fault at %s: %s: %v", e.Path, e.Reason, e.Err)
	}
	return fmt.Sprintf("consistency fault at %s: %s", e.Path, e.Reason)
}

func (e *ConsistencyError) Unwrap() error { return e.Err }

// IsConsistency reports whether err is a consistency fault.
func IsConsistency(err error) bool {
	var ce *ConsistencyError
	return errors.As(err, &ce)
}
