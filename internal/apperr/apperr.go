// SPDX-License-Identifier: MIT

// Package apperr classifies errors crossing component boundaries.
//
// Every error that leaves a component carries a Kind. Callers branch on
// KindOf, never on error strings.
package apperr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for retry and surfacing decisions.
type Kind string

const (
	// InvalidArgument marks malformed input at a boundary. Reported, not retried.
	InvalidArgument Kind = "invalid_argument"
	// NotFound marks a missing row or file.
	NotFound Kind = "not_found"
	// Conflict marks a CAS or constraint violation. Callers retry at most once.
	Conflict Kind = "conflict"
	// Busy marks a held resource. Callers retry later.
	Busy Kind = "busy"
	// Transient marks recoverable failures (network flake, 5xx, broker timeout).
	Transient Kind = "transient"
	// Unrecoverable marks failures that end a stage: missing preconditions,
	// schema-invalid responses after repair, subprocess non-zero exit.
	Unrecoverable Kind = "unrecoverable"
	// Cancelled marks cooperative cancellation.
	Cancelled Kind = "cancelled"
	// Internal marks invariant violations.
	Internal Kind = "internal"
)

// Error is a classified error with an optional wrapped cause.
type Error struct {
	kind Kind
	msg  string
	err  error
}

func (e *Error) Error() string {
	if e.err != nil {
		if e.msg == "" {
			return e.err.Error()
		}
		return e.msg + ": " + e.err.Error()
	}
	return e.msg
}

func (e *Error) Unwrap() error { return e.err }

// Kind returns the error's classification.
func (e *Error) Kind() Kind { return e.kind }

// New builds a classified error from a message.
func New(kind Kind, msg string) error {
	return &Error{kind: kind, msg: msg}
}

// Newf builds a classified error from a format string.
func Newf(kind Kind, format string, args ...any) error {
	return &Error{kind: kind, msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies an existing error. A nil err yields nil.
func Wrap(kind Kind, err error, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{kind: kind, msg: msg, err: err}
}

// Sentinel values for hot paths. Compare with errors.Is.
var (
	ErrNotFound = New(NotFound, "not found")
	ErrConflict = New(Conflict, "conflict")
	ErrBusy     = New(Busy, "resource busy")
)

// KindOf walks the error chain and returns the outermost classification.
// Context cancellation and deadline expiry report Cancelled; unclassified
// errors report Internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae.kind
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return Cancelled
	}
	return Internal
}

// Is supports errors.Is comparison against sentinel values of the same kind.
func (e *Error) Is(target error) bool {
	var te *Error
	if errors.As(target, &te) {
		return e.kind == te.kind
	}
	return false
}

// Retryable reports whether the error should be retried in place.
func Retryable(err error) bool {
	return KindOf(err) == Transient
}

// HTTPStatus maps a kind to its HTTP response status.
func HTTPStatus(kind Kind) int {
	switch kind {
	case InvalidArgument:
		return http.StatusBadRequest
	case NotFound:
		return http.StatusNotFound
	case Conflict, Busy, Cancelled:
		return http.StatusConflict
	case Transient:
		return http.StatusServiceUnavailable
	case Unrecoverable:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
