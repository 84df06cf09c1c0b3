// Package apperror defines Agor's closed error taxonomy. Repositories
// and services translate driver/domain errors into this taxonomy at package
// boundaries so no driver-specific error or stack trace crosses a wire
// boundary.
package apperror

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is a closed set of error categories shared across the HTTP, WS, and
// executor-protocol boundaries.
type Kind string

const (
	NotAuthenticated    Kind = "not_authenticated"
	Forbidden           Kind = "forbidden"
	NotFound            Kind = "not_found"
	AmbiguousIDPrefix   Kind = "ambiguous_id_prefix"
	ValidationFailed    Kind = "validation_failed"
	SessionBusy         Kind = "session_busy"
	ExecutorSpawnFailed Kind = "executor_spawn_failed"
	ExecutorCrashed     Kind = "executor_crashed"
	ToolFailureTransient Kind = "tool_failure_transient"
	ToolFailurePermanent Kind = "tool_failure_permanent"
	PermissionDenied    Kind = "permission_denied"
	Timeout             Kind = "timeout"
	Conflict            Kind = "conflict"
	UnixOpFailed        Kind = "unix_op_failed"
	FilesystemError     Kind = "filesystem_error"
	GitError            Kind = "git_error"
	NetworkError        Kind = "network_error"
	MigrationPending    Kind = "migration_pending"
)

// httpStatus maps each Kind to its HTTP/WS status code.
var httpStatus = map[Kind]int{
	NotAuthenticated:     http.StatusUnauthorized,
	Forbidden:            http.StatusForbidden,
	NotFound:             http.StatusNotFound,
	AmbiguousIDPrefix:    http.StatusConflict,
	ValidationFailed:     http.StatusBadRequest,
	SessionBusy:          http.StatusConflict,
	ExecutorSpawnFailed:  http.StatusInternalServerError,
	ExecutorCrashed:      http.StatusInternalServerError,
	ToolFailureTransient: http.StatusServiceUnavailable,
	ToolFailurePermanent: http.StatusUnprocessableEntity,
	PermissionDenied:     http.StatusForbidden,
	Timeout:              http.StatusGatewayTimeout,
	Conflict:             http.StatusConflict,
	UnixOpFailed:         http.StatusInternalServerError,
	FilesystemError:      http.StatusInternalServerError,
	GitError:             http.StatusUnprocessableEntity,
	NetworkError:         http.StatusBadGateway,
	MigrationPending:     http.StatusServiceUnavailable,
}

// Error is the wire-stable error shape. Code is Kind's string value; Message
// is safe to display to a client; Details carries structured context
// (e.g. the ambiguous short-ID's matches).
type Error struct {
	Kind    Kind           `json:"-"`
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// HTTPStatus returns the HTTP/WS status code for this error's Kind.
func (e *Error) HTTPStatus() int {
	if s, ok := httpStatus[e.Kind]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// New constructs an Error of the given Kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Code: string(kind), Message: message}
}

// Wrap constructs an Error of the given Kind that wraps cause. cause is
// preserved for logging/tracing but never serialized on the wire.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Code: string(kind), Message: message, cause: cause}
}

// WithDetails attaches structured detail fields and returns the receiver.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

// Is reports whether err (or any error it wraps) has the given Kind.
func Is(err error, kind Kind) bool {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind == kind
	}
	return false
}

// KindOf extracts the Kind of err if it is (or wraps) an *Error.
func KindOf(err error) (Kind, bool) {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind, true
	}
	return "", false
}
