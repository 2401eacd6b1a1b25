// Package health provides the liveness probe served on the API prefix and a
// readiness report for the admin listener.
package health

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// LivenessBody is the fixed body of a successful liveness probe.
const LivenessBody = "Health check OK"

// DefaultCheckTimeout bounds each readiness check.
const DefaultCheckTimeout = 2 * time.Second

// Status represents the health status.
type Status string

const (
	// StatusHealthy indicates the service is healthy.
	StatusHealthy Status = "healthy"
	// StatusUnhealthy indicates the service is unhealthy.
	StatusUnhealthy Status = "unhealthy"
)

// Check represents an individual readiness check result.
type Check struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
}

// ReadinessResponse represents the readiness check response.
type ReadinessResponse struct {
	Status    Status           `json:"status"`
	Version   string           `json:"version,omitempty"`
	Uptime    string           `json:"uptime"`
	Checks    map[string]Check `json:"checks,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}

// CheckFunc reports a dependency problem as a non-nil error.
type CheckFunc func(ctx context.Context) error

// Checker aggregates readiness checks.
type Checker struct {
	version   string
	startTime time.Time
	timeout   time.Duration

	mu     sync.RWMutex
	checks map[string]CheckFunc
}

// NewChecker creates a new health checker.
func NewChecker(version string) *Checker {
	return &Checker{
		version:   version,
		startTime: time.Now(),
		timeout:   DefaultCheckTimeout,
		checks:    make(map[string]CheckFunc),
	}
}

// RegisterCheck registers a readiness check.
func (c *Checker) RegisterCheck(name string, check CheckFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = check
}

// Readiness runs every registered check.
func (c *Checker) Readiness(ctx context.Context) ReadinessResponse {
	c.mu.RLock()
	names := make([]string, 0, len(c.checks))
	for name := range c.checks {
		names = append(names, name)
	}
	checks := make(map[string]CheckFunc, len(c.checks))
	for k, v := range c.checks {
		checks[k] = v
	}
	c.mu.RUnlock()
	sort.Strings(names)

	response := ReadinessResponse{
		Status:    StatusHealthy,
		Version:   c.version,
		Uptime:    time.Since(c.startTime).Round(time.Second).String(),
		Checks:    make(map[string]Check, len(names)),
		Timestamp: time.Now(),
	}

	for _, name := range names {
		checkCtx, cancel := context.WithTimeout(ctx, c.timeout)
		err := checks[name](checkCtx)
		cancel()

		if err != nil {
			response.Checks[name] = Check{Status: StatusUnhealthy, Message: err.Error()}
			response.Status = StatusUnhealthy
			continue
		}
		response.Checks[name] = Check{Status: StatusHealthy}
	}

	return response
}

// LivenessHandler answers 200 with LivenessBody.
func LivenessHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.String(http.StatusOK, LivenessBody)
	}
}

// ReadinessHandler answers 200 when every check passes and 503 otherwise.
func (c *Checker) ReadinessHandler() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		response := c.Readiness(ctx.Request.Context())

		status := http.StatusOK
		if response.Status == StatusUnhealthy {
			status = http.StatusServiceUnavailable
		}
		ctx.JSON(status, response)
	}
}
