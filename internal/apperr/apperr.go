// Package apperr defines the error taxonomy returned by every public drop
// operation. Each error carries a machine-readable Kind and maps onto an HTTP
// status code.
package apperr

import (
	"errors"
	"net/http"
	"strings"
)

// Kind classifies an Error.
type Kind string

const (
	KindValidation          Kind = "validation"
	KindNotFound            Kind = "not_found"
	KindConflict            Kind = "conflict"
	KindAllocationExhausted Kind = "allocation_exhausted"
	KindStorage             Kind = "storage"
)

// Error is the structured error surfaced to callers.
type Error struct {
	Kind    Kind
	msg     string
	cause   error
	details map[string]any
}

func (e *Error) Error() string {
	return e.msg
}

func (e *Error) Unwrap() error {
	return e.cause
}

// WithCause records the underlying error.
func (e *Error) WithCause(c error) *Error {
	e.cause = c
	return e
}

// WithDetail attaches a field echoed to clients next to the message, e.g. the
// current status of a drop that is not ready.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.details == nil {
		e.details = make(map[string]any)
	}
	e.details[key] = value
	return e
}

// Details returns a copy of the attached fields.
func (e *Error) Details() map[string]any {
	out := make(map[string]any, len(e.details))
	for k, v := range e.details {
		out[k] = v
	}
	return out
}

// Trace returns the message followed by the chain of causes.
func (e *Error) Trace() string {
	b := &strings.Builder{}
	b.WriteString(e.msg)
	indent := "\n\t"
	err := errors.Unwrap(e)
	for err != nil {
		b.WriteString(indent)
		b.WriteString("Caused by: ")
		b.WriteString(err.Error())
		indent += "\t"
		err = errors.Unwrap(err)
	}
	return b.String()
}

// StatusCode returns the HTTP status associated with the error kind.
func (e *Error) StatusCode() int {
	switch e.Kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func Validation(m string) *Error {
	return &Error{Kind: KindValidation, msg: m}
}

func NotFound(m string) *Error {
	return &Error{Kind: KindNotFound, msg: m}
}

func Conflict(m string) *Error {
	return &Error{Kind: KindConflict, msg: m}
}

func AllocationExhausted(m string) *Error {
	return &Error{Kind: KindAllocationExhausted, msg: m}
}

func Storage(m string) *Error {
	return &Error{Kind: KindStorage, msg: m}
}

// As extracts an *Error from err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, k Kind) bool {
	e, ok := As(err)
	return ok && e.Kind == k
}
