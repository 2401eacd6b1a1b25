package middleware

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/vyrodovalexey/gatekeeper/internal/observability"
)

// LoggingConfig holds configuration for the access log middleware.
type LoggingConfig struct {
	Logger    observability.Logger
	SkipPaths []string
}

// Logging returns a middleware that logs every completed request.
func Logging(logger observability.Logger) gin.HandlerFunc {
	return LoggingWithConfig(LoggingConfig{Logger: logger})
}

// LoggingWithConfig returns a logging middleware with custom configuration.
func LoggingWithConfig(config LoggingConfig) gin.HandlerFunc {
	if config.Logger == nil {
		config.Logger = observability.NopLogger()
	}

	skipPaths := make(map[string]bool, len(config.SkipPaths))
	for _, path := range config.SkipPaths {
		skipPaths[path] = true
	}

	return func(c *gin.Context) {
		path := c.Request.URL.Path
		if skipPaths[path] {
			c.Next()
			return
		}

		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		fields := []observability.Field{
			observability.String("method", c.Request.Method),
			observability.String("path", path),
			observability.String("query", c.Request.URL.RawQuery),
			observability.Int("status", status),
			observability.Duration("latency", time.Since(start)),
			observability.String("client_ip", c.ClientIP()),
			observability.String("user_agent", c.Request.UserAgent()),
			observability.Int("body_size", c.Writer.Size()),
		}
		if len(c.Errors) > 0 {
			fields = append(fields, observability.String("errors", c.Errors.String()))
		}

		logger := config.Logger.WithContext(c.Request.Context())
		switch {
		case status >= 500:
			logger.Error("request completed", fields...)
		case status >= 400:
			logger.Warn("request completed", fields...)
		default:
			logger.Info("request completed", fields...)
		}
	}
}
