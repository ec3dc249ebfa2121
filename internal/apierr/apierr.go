// Package apierr maps internal errors to the HTTP error categories of
// spec.md §7: bad request, unauthorized, not found, and internal.
package apierr

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind int

const (
	KindInternal Kind = iota
	KindBadRequest
	KindUnauthorized
	KindNotFound
)

// Error is a categorized, user-safe error. Message is rendered as the
// non-2xx response body (spec.md §6: "Bodies of non-2xx may be
// text/plain"); internal errors never leak their wrapped cause to
// clients, only to logs.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

func BadRequest(format string, args ...any) *Error {
	return &Error{Kind: KindBadRequest, Message: fmt.Sprintf(format, args...)}
}

func Unauthorized(format string, args ...any) *Error {
	return &Error{Kind: KindUnauthorized, Message: fmt.Sprintf(format, args...)}
}

func NotFound(format string, args ...any) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

func Internal(cause error, context string) *Error {
	return &Error{Kind: KindInternal, Message: context, Cause: cause}
}

// HTTPStatus maps an error (categorized or not) to the response status
// this repo should send. Uncategorized errors are treated as internal.
func HTTPStatus(err error) int {
	var e *Error
	if errors.As(err, &e) {
		switch e.Kind {
		case KindBadRequest:
			return http.StatusBadRequest
		case KindUnauthorized:
			return http.StatusUnauthorized
		case KindNotFound:
			return http.StatusNotFound
		default:
			return http.StatusServiceUnavailable
		}
	}
	return http.StatusServiceUnavailable
}

// ClientMessage returns the text sent to clients for err: the categorized
// message verbatim, or a generic string for uncategorized/internal errors
// so causes are never leaked over the wire.
func ClientMessage(err error) string {
	var e *Error
	if errors.As(err, &e) {
		if e.Kind == KindInternal {
			return "internal error"
		}
		return e.Message
	}
	return "internal error"
}
