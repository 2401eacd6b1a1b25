package middleware

import (
	"fmt"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vyrodovalexey/gatekeeper/internal/observability"
)

const unmatchedRoute = "unmatched"

// Tracing starts a server span per request, continuing any W3C trace
// context sent by the caller. Handler spans opened by the execution engine
// become its children.
func Tracing(tracer *observability.Tracer, skipPaths ...string) gin.HandlerFunc {
	skip := make(map[string]bool, len(skipPaths))
	for _, p := range skipPaths {
		skip[p] = true
	}

	return func(c *gin.Context) {
		path := c.Request.URL.Path
		if skip[path] {
			c.Next()
			return
		}

		ctx := observability.ExtractTraceContext(c.Request.Context(), c.Request.Header)
		ctx, span := tracer.StartSpan(ctx, spanName(c),
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("http.method", c.Request.Method),
				attribute.String("http.target", path),
				attribute.String("http.host", c.Request.Host),
				attribute.String("http.request_id", GetRequestID(c)),
			),
		)
		defer span.End()

		c.Request = c.Request.WithContext(ctx)
		c.Next()

		status := c.Writer.Status()
		span.SetAttributes(attribute.Int("http.status_code", status))
		if status >= 500 {
			span.SetStatus(codes.Error, fmt.Sprintf("HTTP %d", status))
		}
	}
}

// spanName uses the matched route template so ids in the path do not
// multiply span names. Requests that match no route share one name.
func spanName(c *gin.Context) string {
	route := c.FullPath()
	if route == "" {
		route = unmatchedRoute
	}
	return c.Request.Method + " " + route
}
