// Package util provides utility functions and types for the gatekeeper.
//
// # Error Conventions
//
// This project follows a standardized error pattern across all packages:
//
//   - Sentinel errors (errors.New) for well-known, stable conditions
//     that callers check with errors.Is(). Example: ErrDraining.
//   - Structured error types for context-rich errors that carry
//     additional fields (e.g., RejectionError, HandlerError). Each type
//     implements Error(), Unwrap() (if wrapping), and Is().
//   - fmt.Errorf with %w for ad-hoc wrapping that adds context to an
//     existing error without introducing a new type.
package util

import (
	"errors"
	"fmt"
	"net/http"
)

// Admission sentinel errors.
var (
	ErrDraining               = errors.New("service draining")
	ErrUnsupportedContentType = errors.New("unsupported content type")
	ErrPayloadTooLarge        = errors.New("payload too large")
	ErrCapacityExceeded       = errors.New("capacity exceeded")
	ErrRateLimited            = errors.New("rate limit exceeded")
)

// Execution sentinel errors.
var (
	ErrQueueFull              = errors.New("worker queue full")
	ErrPoolStopped            = errors.New("worker pool stopped")
	ErrHandlerFailure         = errors.New("handler failure")
	ErrTaskAssociationMissing = errors.New("task association missing")
)

// General sentinel errors.
var (
	ErrNotFound      = errors.New("not found")
	ErrTaskNotFound  = fmt.Errorf("task %w", ErrNotFound)
	ErrInvalidInput  = errors.New("invalid input")
	ErrConfigInvalid = errors.New("invalid configuration")
)

// RejectionError is returned when a request is refused before its handler
// produces a response. Status is the HTTP status code the transport should
// answer with; Message is safe to show to clients.
type RejectionError struct {
	Reason  error
	Status  int
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *RejectionError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%v: %s: %v", e.Reason, e.Message, e.Cause)
	}
	return fmt.Sprintf("%v: %s", e.Reason, e.Message)
}

// Unwrap returns the reason and the underlying cause.
func (e *RejectionError) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Reason}
	}
	return []error{e.Reason, e.Cause}
}

// Is checks if the error matches the target.
func (e *RejectionError) Is(target error) bool {
	_, ok := target.(*RejectionError)
	return ok
}

// NewRejectionError creates a new RejectionError.
func NewRejectionError(reason error, status int, message string) *RejectionError {
	return &RejectionError{Reason: reason, Status: status, Message: message}
}

// NewRejectionErrorWithCause creates a new RejectionError with a cause.
func NewRejectionErrorWithCause(reason error, status int, message string, cause error) *RejectionError {
	return &RejectionError{Reason: reason, Status: status, Message: message, Cause: cause}
}

// HandlerError wraps a failure raised by an endpoint handler. Stack is only
// populated for recovered panics and is meant for logs, never for clients.
type HandlerError struct {
	Path  string
	Cause error
	Stack []byte
}

// Error implements the error interface.
func (e *HandlerError) Error() string {
	return fmt.Sprintf("handler %s failed: %v", e.Path, e.Cause)
}

// Unwrap returns the underlying error.
func (e *HandlerError) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches the target.
func (e *HandlerError) Is(target error) bool {
	if target == ErrHandlerFailure {
		return true
	}
	_, ok := target.(*HandlerError)
	return ok
}

// NewHandlerError creates a new HandlerError.
func NewHandlerError(path string, cause error, stack []byte) *HandlerError {
	return &HandlerError{Path: path, Cause: cause, Stack: stack}
}

// PanicError converts a recovered panic value into an error.
type PanicError struct {
	Value any
}

// Error implements the error interface.
func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// Unwrap returns the panic value if it is itself an error.
func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

// ValidationError represents a validation failure.
type ValidationError struct {
	Fields  map[string]string
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return fmt.Sprintf("validation error: %s", e.Message)
	}
	return fmt.Sprintf("validation error: %s (fields: %v)", e.Message, e.Fields)
}

// Is checks if the error matches the target.
func (e *ValidationError) Is(target error) bool {
	if target == ErrConfigInvalid {
		return true
	}
	_, ok := target.(*ValidationError)
	return ok
}

// NewValidationError creates a new ValidationError.
func NewValidationError(message string) *ValidationError {
	return &ValidationError{Message: message, Fields: make(map[string]string)}
}

// AddField adds a field error.
func (e *ValidationError) AddField(field, message string) {
	if e.Fields == nil {
		e.Fields = make(map[string]string)
	}
	e.Fields[field] = message
}

// HasErrors reports whether any field error was recorded.
func (e *ValidationError) HasErrors() bool {
	return len(e.Fields) > 0
}

// StatusCode maps an error to the HTTP status the transport should use.
// Unknown errors map to 500.
func StatusCode(err error) int {
	if err == nil {
		return http.StatusOK
	}

	var rejection *RejectionError
	if errors.As(err, &rejection) && rejection.Status != 0 {
		return rejection.Status
	}

	switch {
	case errors.Is(err, ErrDraining), errors.Is(err, ErrCapacityExceeded), errors.Is(err, ErrQueueFull):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrUnsupportedContentType):
		return http.StatusUnauthorized
	case errors.Is(err, ErrPayloadTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidInput):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// IsClientError returns true if the error is a client error (4xx).
func IsClientError(err error) bool {
	code := StatusCode(err)
	return code >= 400 && code < 500
}

// IsRetryable returns true if the caller may retry the request later.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrCapacityExceeded) ||
		errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrQueueFull)
}
