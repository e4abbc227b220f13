// Package apperr defines the fault classes surfaced by the HTTP layer.
// Business-state outcomes (duplicate, stale) are not errors and never use
// these types; only caller-visible faults do.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies a caller-visible fault.
type Kind int

const (
	// Validation marks a request missing required identifiers.
	Validation Kind = iota
	// Conflict marks an already-active session key.
	Conflict
	// NotFound marks an unknown session, message, or contact.
	NotFound
	// Transient marks a storage or network failure.
	Transient
)

// Error is a classified fault with an operator-readable message.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// Validationf builds a Validation error.
func Validationf(format string, args ...any) *Error {
	return &Error{Kind: Validation, Msg: fmt.Sprintf(format, args...)}
}

// Conflictf builds a Conflict error.
func Conflictf(format string, args ...any) *Error {
	return &Error{Kind: Conflict, Msg: fmt.Sprintf(format, args...)}
}

// NotFoundf builds a NotFound error.
func NotFoundf(format string, args ...any) *Error {
	return &Error{Kind: NotFound, Msg: fmt.Sprintf(format, args...)}
}

// Transientf wraps an infrastructure failure.
func Transientf(err error, format string, args ...any) *Error {
	return &Error{Kind: Transient, Msg: fmt.Sprintf(format, args...), Err: err}
}

// KindOf reports the Kind of err, or Transient if err carries no class.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return Transient
}
