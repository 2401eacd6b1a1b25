// Package middleware provides the gin middleware that wraps every request
// before admission: request id propagation, server spans, access logging
// and panic recovery.
package middleware
