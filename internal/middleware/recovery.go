package middleware

import (
	"net/http"
	"runtime/debug"

	"github.com/gin-gonic/gin"

	"github.com/vyrodovalexey/gatekeeper/internal/observability"
)

// Recovery returns a middleware that turns panics escaping the handler chain
// into a generic 500 response. Endpoint handler panics are normally caught
// by the execution engine; this covers everything else.
func Recovery(logger observability.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = observability.NopLogger()
	}

	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				logger.WithContext(c.Request.Context()).Error("panic recovered",
					observability.Any("error", err),
					observability.String("method", c.Request.Method),
					observability.String("path", c.Request.URL.Path),
					observability.String("request_id", GetRequestID(c)),
					observability.ByteString("stack", debug.Stack()),
				)

				if !c.Writer.Written() {
					c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
						"error":   "internal server error",
						"message": "an unexpected error occurred",
					})
					return
				}
				c.Abort()
			}
		}()

		c.Next()
	}
}
