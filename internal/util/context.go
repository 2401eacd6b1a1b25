package util

import (
	"context"
	"time"
)

// Context keys.
type ctxKey string

const (
	ctxKeyRequestID ctxKey = "request_id"
	ctxKeyTaskID    ctxKey = "task_id"
	ctxKeyEndpoint  ctxKey = "endpoint"
	ctxKeyStartTime ctxKey = "start_time"
)

// ContextWithRequestID adds a request ID to the context.
func ContextWithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, ctxKeyRequestID, requestID)
}

// RequestIDFromContext extracts the request ID from context.
func RequestIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(ctxKeyRequestID).(string); ok {
		return v
	}
	return ""
}

// ContextWithTaskID adds an async task ID to the context.
func ContextWithTaskID(ctx context.Context, taskID string) context.Context {
	return context.WithValue(ctx, ctxKeyTaskID, taskID)
}

// TaskIDFromContext extracts the async task ID from context.
func TaskIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(ctxKeyTaskID).(string); ok {
		return v
	}
	return ""
}

// ContextWithEndpoint adds the registered endpoint path to the context.
func ContextWithEndpoint(ctx context.Context, path string) context.Context {
	return context.WithValue(ctx, ctxKeyEndpoint, path)
}

// EndpointFromContext extracts the registered endpoint path from context.
func EndpointFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(ctxKeyEndpoint).(string); ok {
		return v
	}
	return ""
}

// ContextWithStartTime adds a start time to the context.
func ContextWithStartTime(ctx context.Context, t time.Time) context.Context {
	return context.WithValue(ctx, ctxKeyStartTime, t)
}

// StartTimeFromContext extracts the start time from context.
func StartTimeFromContext(ctx context.Context) time.Time {
	if v, ok := ctx.Value(ctxKeyStartTime).(time.Time); ok {
		return v
	}
	return time.Time{}
}

// ElapsedTime returns the elapsed time since the start time in context.
func ElapsedTime(ctx context.Context) time.Duration {
	startTime := StartTimeFromContext(ctx)
	if startTime.IsZero() {
		return 0
	}
	return time.Since(startTime)
}
