package util

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRejectionError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name           string
		err            *RejectionError
		reason         error
		expectedString string
		expectedStatus int
	}{
		{
			name:           "draining",
			err:            NewRejectionError(ErrDraining, http.StatusServiceUnavailable, "service is shutting down"),
			reason:         ErrDraining,
			expectedString: "service draining: service is shutting down",
			expectedStatus: http.StatusServiceUnavailable,
		},
		{
			name:           "content type",
			err:            NewRejectionError(ErrUnsupportedContentType, http.StatusUnauthorized, "content-type must be [application/json]"),
			reason:         ErrUnsupportedContentType,
			expectedString: "unsupported content type: content-type must be [application/json]",
			expectedStatus: http.StatusUnauthorized,
		},
		{
			name: "with cause",
			err: NewRejectionErrorWithCause(ErrPayloadTooLarge, http.StatusRequestEntityTooLarge,
				"request content too large", errors.New("read limit hit")),
			reason:         ErrPayloadTooLarge,
			expectedString: "payload too large: request content too large: read limit hit",
			expectedStatus: http.StatusRequestEntityTooLarge,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, tt.expectedString, tt.err.Error())
			assert.ErrorIs(t, tt.err, tt.reason)
			assert.ErrorIs(t, tt.err, &RejectionError{})
			assert.Equal(t, tt.expectedStatus, StatusCode(tt.err))
		})
	}
}

func TestRejectionError_WrappedCause(t *testing.T) {
	t.Parallel()

	cause := errors.New("boom")
	err := fmt.Errorf("admission: %w",
		NewRejectionErrorWithCause(ErrCapacityExceeded, http.StatusServiceUnavailable, "busy", cause))

	assert.ErrorIs(t, err, ErrCapacityExceeded)
	assert.ErrorIs(t, err, cause)
	assert.NotErrorIs(t, err, ErrDraining)

	var rejection *RejectionError
	assert.True(t, errors.As(err, &rejection))
	assert.Equal(t, "busy", rejection.Message)
}

func TestHandlerError(t *testing.T) {
	t.Parallel()

	cause := errors.New("model not loaded")
	err := NewHandlerError("/v1/detect", cause, []byte("stack"))

	assert.Equal(t, "handler /v1/detect failed: model not loaded", err.Error())
	assert.ErrorIs(t, err, ErrHandlerFailure)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, http.StatusInternalServerError, StatusCode(err))
}

func TestPanicError(t *testing.T) {
	t.Parallel()

	inner := errors.New("nil map")
	assert.Equal(t, "panic: nil map", (&PanicError{Value: inner}).Error())
	assert.ErrorIs(t, &PanicError{Value: inner}, inner)
	assert.Nil(t, (&PanicError{Value: "text"}).Unwrap())
}

func TestValidationError(t *testing.T) {
	t.Parallel()

	err := NewValidationError("invalid endpoints")
	assert.False(t, err.HasErrors())
	assert.Equal(t, "validation error: invalid endpoints", err.Error())

	err.AddField("endpoints[0].path", "must start with /")
	assert.True(t, err.HasErrors())
	assert.Contains(t, err.Error(), "endpoints[0].path")
	assert.ErrorIs(t, err, ErrConfigInvalid)

	var empty ValidationError
	empty.AddField("a", "b")
	assert.Len(t, empty.Fields, 1)
}

func TestStatusCode(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		err      error
		expected int
	}{
		{"nil", nil, http.StatusOK},
		{"draining", ErrDraining, http.StatusServiceUnavailable},
		{"capacity", ErrCapacityExceeded, http.StatusServiceUnavailable},
		{"queue full", ErrQueueFull, http.StatusServiceUnavailable},
		{"content type", ErrUnsupportedContentType, http.StatusUnauthorized},
		{"too large", ErrPayloadTooLarge, http.StatusRequestEntityTooLarge},
		{"rate limited", ErrRateLimited, http.StatusTooManyRequests},
		{"task not found", ErrTaskNotFound, http.StatusNotFound},
		{"invalid input", fmt.Errorf("adapter: %w", ErrInvalidInput), http.StatusBadRequest},
		{"unknown", errors.New("x"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.expected, StatusCode(tt.err))
		})
	}
}

func TestIsClientErrorAndRetryable(t *testing.T) {
	t.Parallel()

	assert.True(t, IsClientError(ErrPayloadTooLarge))
	assert.False(t, IsClientError(ErrDraining))
	assert.True(t, IsRetryable(ErrCapacityExceeded))
	assert.True(t, IsRetryable(ErrQueueFull))
	assert.False(t, IsRetryable(ErrDraining))
	assert.False(t, IsRetryable(nil))
}
