package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// ErrorType classifies a failure so callers can decide how far it propagates
type ErrorType string

const (
	ErrorTypeInternal     ErrorType = "internal"
	ErrorTypeConfig       ErrorType = "config"
	ErrorTypeFetch        ErrorType = "fetch"
	ErrorTypeVerification ErrorType = "verification"
	ErrorTypeDecode       ErrorType = "decode"
	ErrorTypeBuild        ErrorType = "build"
	ErrorTypePollerFatal  ErrorType = "poller_fatal"
	ErrorTypeNotFound     ErrorType = "not_found"
	ErrorTypeBadRequest   ErrorType = "bad_request"
	ErrorTypeUnauthorized ErrorType = "unauthorized"
	ErrorTypeTimeout      ErrorType = "timeout"
)

// Error represents a structured error with additional context
type Error struct {
	Type    ErrorType
	Message string
	Cause   error
	Details map[string]any
}

// NewError creates a new structured error
func NewError(errType ErrorType, message string) *Error {
	return &Error{
		Type:    errType,
		Message: message,
		Details: make(map[string]any),
	}
}

// WithCause adds the underlying cause to the error
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithDetail adds a detail to the error
func (e *Error) WithDetail(key string, value any) *Error {
	e.Details[key] = value
	return e
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying cause
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches any *Error of the same type, so NewError(ErrorTypeFetch, "") works as a sentinel.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Type == t.Type
}

// HTTPStatusCode returns the appropriate HTTP status code for the error type
func (e *Error) HTTPStatusCode() int {
	switch e.Type {
	case ErrorTypeNotFound:
		return http.StatusNotFound
	case ErrorTypeBadRequest:
		return http.StatusBadRequest
	case ErrorTypeUnauthorized:
		return http.StatusUnauthorized
	case ErrorTypeDecode:
		return http.StatusUnprocessableEntity
	case ErrorTypeFetch, ErrorTypeVerification:
		return http.StatusBadGateway
	case ErrorTypeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// TypeOf returns the type of the first *Error in err's chain, or ErrorTypeInternal.
func TypeOf(err error) ErrorType {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Type
	}
	return ErrorTypeInternal
}

// IsType reports whether err's chain carries an *Error of the given type
func IsType(err error, errType ErrorType) bool {
	return stderrors.Is(err, &Error{Type: errType})
}

// Wrap wraps an error with additional context
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}
