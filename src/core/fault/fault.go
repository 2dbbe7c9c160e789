// Package fault carries the error taxonomy shared by every service in the
// coordinator. Handlers map a Kind to an HTTP status; services wrap lower
// level errors without deciding presentation.
package fault

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind int

const (
	// KindInternal is the zero value so an unclassified error is never
	// accidentally surfaced as a client fault.
	KindInternal Kind = iota
	KindValidation
	KindConflict
	KindNotFound
	KindForbidden
	KindPrecondition
	KindUnavailable
)

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

func (e *Error) Unwrap() error {
	return e.Err
}

func newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Validation reports malformed input. Never retried.
func Validation(format string, args ...interface{}) *Error {
	return newf(KindValidation, format, args...)
}

// Conflict reports an operation that violates a state invariant, such as
// populating a closed run or exceeding an export quota.
func Conflict(format string, args ...interface{}) *Error {
	return newf(KindConflict, format, args...)
}

// NotFound reports an absent entity.
func NotFound(format string, args ...interface{}) *Error {
	return newf(KindNotFound, format, args...)
}

// Forbidden reports an authenticated caller without rights to the entity.
func Forbidden(format string, args ...interface{}) *Error {
	return newf(KindForbidden, format, args...)
}

// Precondition reports an entity in the wrong state for the operation.
func Precondition(format string, args ...interface{}) *Error {
	return newf(KindPrecondition, format, args...)
}

// Unavailable reports an unreachable external system. The caller decides
// whether to retry; this core never does.
func Unavailable(err error, format string, args ...interface{}) *Error {
	e := newf(KindUnavailable, format, args...)
	e.Err = err
	return e
}

// Internal reports a violated assumption that should have been
// structurally guaranteed. Surfaced to clients as an opaque server error.
func Internal(err error, format string, args ...interface{}) *Error {
	e := newf(KindInternal, format, args...)
	e.Err = err
	return e
}

// KindOf classifies any error, defaulting to KindInternal.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindInternal
}

// HTTPStatus maps an error to the response code the route layer should use.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation, KindPrecondition:
		return http.StatusBadRequest
	case KindConflict:
		return http.StatusConflict
	case KindNotFound:
		return http.StatusNotFound
	case KindForbidden:
		return http.StatusForbidden
	case KindUnavailable:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Message returns the client-facing message. Internal faults are masked so
// invariant details never leak; the full chain is for server-side logs.
func Message(err error) string {
	var fe *Error
	if errors.As(err, &fe) && fe.Kind != KindInternal {
		return fe.Msg
	}
	return "internal server error"
}
