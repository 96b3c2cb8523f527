// Package apperr defines the error taxonomy shared by every layer of the
// service. Low layers return typed errors; the HTTP layer maps the kind to a
// status code in a single place.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error so callers can decide how to react without
// inspecting message text.
type Kind int

const (
	// KindInternal is the fallback for unclassified failures.
	KindInternal Kind = iota

	// KindConfig signals invalid or missing configuration at startup or
	// during pool reconfiguration.
	KindConfig

	// KindPool covers acquire timeouts, unknown pool names and pools that
	// are shutting down.
	KindPool

	// KindConnection covers connect and session-init failures.
	KindConnection

	// KindCommand signals that the database driver rejected a statement.
	KindCommand

	// KindMissingParameter signals a required body or query field is absent.
	KindMissingParameter

	// KindInvalidParameter signals a field that is present but malformed.
	KindInvalidParameter

	// KindInvalidRequest signals a body that is not a JSON object, or is
	// empty where content is required.
	KindInvalidRequest

	// KindUnauthorized signals an authentication or authorization failure.
	KindUnauthorized

	// KindNotFound signals that the target row is absent or soft-deleted.
	KindNotFound
)

// String returns the canonical name of the kind.
func (k Kind) String() string {
	switch k {
	case KindConfig:
		return "config"
	case KindPool:
		return "pool"
	case KindConnection:
		return "connection"
	case KindCommand:
		return "command"
	case KindMissingParameter:
		return "missing_parameter"
	case KindInvalidParameter:
		return "invalid_parameter"
	case KindInvalidRequest:
		return "invalid_request"
	case KindUnauthorized:
		return "unauthorized"
	case KindNotFound:
		return "not_found"
	default:
		return "internal"
	}
}

// HTTPStatus maps the kind to the status code the HTTP layer must answer with.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindMissingParameter, KindInvalidParameter, KindInvalidRequest:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindNotFound:
		return http.StatusNotFound
	case KindPool, KindConnection:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Error is the typed error carried across layers. It wraps the driver or
// stdlib cause so errors.Is / errors.As keep working through it.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the wrapped cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a typed error with the given kind and message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates a typed error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates a typed error around an existing cause.
// A nil cause yields a plain typed error.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf extracts the kind from err, walking the wrap chain.
// Unclassified errors report KindInternal.
func KindOf(err error) Kind {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind anywhere in its chain.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
