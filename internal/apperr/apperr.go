// Package apperr defines the typed failures shared by the task and
// generation layers, and their mapping onto HTTP status codes.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a failure.
type Kind string

const (
	KindInternal                Kind = "internal"
	KindInvalidArgument         Kind = "invalid_argument"
	KindUnauthenticated         Kind = "unauthenticated"
	KindForbidden               Kind = "forbidden"
	KindNotFound                Kind = "not_found"
	KindUpstreamFailure         Kind = "upstream_failure"
	KindSchemaValidationFailure Kind = "schema_validation_failure"
	KindRateLimited             Kind = "rate_limited"
)

// Sentinels for errors.Is. An *Error matches the sentinel of its Kind.
var (
	InvalidArgument         = &Error{Kind: KindInvalidArgument}
	Unauthenticated         = &Error{Kind: KindUnauthenticated}
	Forbidden               = &Error{Kind: KindForbidden}
	NotFound                = &Error{Kind: KindNotFound}
	UpstreamFailure         = &Error{Kind: KindUpstreamFailure}
	SchemaValidationFailure = &Error{Kind: KindSchemaValidationFailure}
	RateLimited             = &Error{Kind: KindRateLimited}
)

// Error is a classified failure. Op names the operation that failed
// ("task.update"), Msg is safe to show to the caller, Err is the cause.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	if e.Op != "" {
		return e.Op + ": " + msg
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by Kind only, so wrapped errors compare equal
// to the package sentinels.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// New builds an *Error with a formatted caller-facing message.
func New(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies cause under kind. Returns nil when cause is nil.
func Wrap(kind Kind, op string, cause error) error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Msg: string(kind), Err: cause}
}

// KindOf returns the Kind of the first *Error in err's chain, or
// KindInternal when err is unclassified.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Message returns the caller-facing message of the first *Error in the
// chain, falling back to the kind name.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) {
		if e.Msg != "" {
			return e.Msg
		}
		return string(e.Kind)
	}
	return "internal server error"
}

// HTTPStatus maps a Kind to its response status code.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindInvalidArgument:
		return http.StatusBadRequest
	case KindUnauthenticated:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}
