package errx

import (
	"errors"
	"fmt"
	"net/http"
)

const (
	// SystemErrorMessage is a user-facing fallback when internal errors occur.
	SystemErrorMessage = "internal server error"
	// RedisErrorMessage describes Redis related failures.
	RedisErrorMessage = "redis operation failed"
	// RedisNotFoundMessage describes a missing Redis key.
	RedisNotFoundMessage = "redis key not found"
	// ConfigurationErrorMessage is reported when the content source cannot be reached at all.
	ConfigurationErrorMessage = "content source is not configured"
	// EmptyInputMessage is reported when synthesis is attempted without interaction data.
	EmptyInputMessage = "No interaction data to process."
	// TransportErrorMessage is the short message surfaced to the shell on stream failures.
	TransportErrorMessage = "Kernel Panic: Failed to sync system content."
)

// Kind classifies an Error so callers can branch without string matching.
type Kind string

const (
	KindInternal      Kind = "internal"
	KindConfiguration Kind = "configuration"
	KindEmptyInput    Kind = "empty_input"
	KindTransport     Kind = "transport"
	KindValidation    Kind = "validation"
	KindRedis         Kind = "redis"
	KindNotFound      Kind = "not_found"
)

// Error wraps an underlying error with a kind, an HTTP status and a safe message.
type Error struct {
	Kind    Kind
	Err     error
	Status  int
	Message string
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Err)
}

// Unwrap exposes the underlying error for errors.Is / errors.As support.
func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a new internal Error with the provided information.
func New(err error, status int, message string) *Error {
	return &Error{
		Kind:    KindInternal,
		Err:     err,
		Status:  status,
		Message: message,
	}
}

// Configuration reports that the content source has no credential or capability.
// It is terminal for the process and never retried.
func Configuration(err error) *Error {
	return &Error{
		Kind:    KindConfiguration,
		Err:     err,
		Status:  http.StatusServiceUnavailable,
		Message: ConfigurationErrorMessage,
	}
}

// EmptyInput rejects a synthesis request that carries zero history entries.
func EmptyInput() *Error {
	return &Error{
		Kind:    KindEmptyInput,
		Status:  http.StatusBadRequest,
		Message: EmptyInputMessage,
	}
}

// Transport wraps a failure of the streaming content source.
func Transport(err error) *Error {
	return &Error{
		Kind:    KindTransport,
		Err:     err,
		Status:  http.StatusBadGateway,
		Message: TransportErrorMessage,
	}
}

// Validation reports rejected caller input. State is expected to be unchanged.
func Validation(format string, args ...any) *Error {
	return &Error{
		Kind:    KindValidation,
		Status:  http.StatusUnprocessableEntity,
		Message: fmt.Sprintf(format, args...),
	}
}

// IsKind reports whether any Error in err's chain has the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == kind
}

// Is reports whether the target matches the underlying error or another Error of the same kind.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok && t.Err == nil && t.Kind == e.Kind {
		return true
	}
	return errors.Is(e.Err, target)
}
