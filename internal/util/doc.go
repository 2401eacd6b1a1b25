// Package util provides shared error types and context helpers for the
// gatekeeper.
//
// # Error Types
//
// Admission and execution failures are expressed as sentinel errors
// (ErrDraining, ErrCapacityExceeded, ...) wrapped in a RejectionError that
// carries the HTTP status and client-facing message:
//
//	err := util.NewRejectionError(util.ErrCapacityExceeded, http.StatusServiceUnavailable,
//	    "service is busy, please try again later")
//	errors.Is(err, util.ErrCapacityExceeded) // true
//
// # Context Helpers
//
// Request-scoped values carried across the sync/async boundary:
//
//	ctx = util.ContextWithRequestID(ctx, "req-123")
//	ctx = util.ContextWithTaskID(ctx, "4f1c...")
package util
