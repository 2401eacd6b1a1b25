// Package admission decides, before any handler runs, whether a request may
// proceed. It is installed as a global gin middleware so every request,
// including unrouted ones, passes through it.
package admission

import (
	"errors"
	"mime"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/vyrodovalexey/gatekeeper/internal/observability"
	"github.com/vyrodovalexey/gatekeeper/internal/registry"
	"github.com/vyrodovalexey/gatekeeper/internal/util"
)

// Client-facing rejection messages.
const (
	msgDraining               = "service is shutting down"
	msgUnsupportedContentType = "content type not accepted by this endpoint"
	msgPayloadTooLarge        = "request body exceeds the endpoint limit"
	msgRateLimited            = "too many requests, retry later"
	msgCapacityExceeded       = "endpoint at capacity, retry later"
)

// HeaderRetryAfter is the Retry-After header name.
const HeaderRetryAfter = "Retry-After"

// DrainState reports whether the process is draining.
type DrainState interface {
	IsDraining() bool
}

// Recorder receives admission outcomes.
type Recorder interface {
	RecordAdmission(path, decision string)
	SetRejectedState(path string, rejected bool)
}

// Gate evaluates the admission rules of registered endpoints.
type Gate struct {
	registry        *registry.Registry
	drain           DrainState
	logger          observability.Logger
	recorder        Recorder
	rejectionMetric bool
}

// Option is a functional option for configuring the gate.
type Option func(*Gate)

// WithLogger sets the logger for the gate.
func WithLogger(logger observability.Logger) Option {
	return func(g *Gate) {
		g.logger = logger
	}
}

// WithRecorder sets the metrics recorder for the gate.
func WithRecorder(r Recorder) Option {
	return func(g *Gate) {
		g.recorder = r
	}
}

// WithRejectionMetric toggles the per-endpoint rejected-state gauge.
func WithRejectionMetric(enabled bool) Option {
	return func(g *Gate) {
		g.rejectionMetric = enabled
	}
}

// NewGate creates a gate reading endpoint rules from reg and the draining
// flag from drain.
func NewGate(reg *registry.Registry, drain DrainState, opts ...Option) *Gate {
	g := &Gate{
		registry:        reg,
		drain:           drain,
		logger:          observability.NopLogger(),
		rejectionMetric: true,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Check applies the admission rules to r in order, stopping at the first
// failure. Requests to unregistered paths are admitted with a nil lease.
// Admitted requests to registered paths hold a reserved slot in the
// returned lease, which the caller must release.
func (g *Gate) Check(r *http.Request) (*registry.Lease, error) {
	path := r.URL.Path

	if g.drain != nil && g.drain.IsDraining() {
		// Unrouted paths share one label so scanners cannot grow the series set.
		label := ""
		if g.registry.IsRegistered(path) {
			label = path
		}
		g.record(label, observability.DecisionDraining)
		return nil, util.NewRejectionError(util.ErrDraining, http.StatusServiceUnavailable, msgDraining)
	}

	cfg, ok := g.registry.Lookup(path)
	if !ok {
		return nil, nil
	}

	if len(cfg.AcceptedContentTypes) > 0 && !cfg.Accepts(mediaType(r.Header.Get("Content-Type"))) {
		g.record(path, observability.DecisionUnsupportedContentType)
		return nil, util.NewRejectionError(
			util.ErrUnsupportedContentType, http.StatusUnauthorized, msgUnsupportedContentType)
	}

	if cfg.MaxContentLength != nil && r.ContentLength > *cfg.MaxContentLength {
		g.record(path, observability.DecisionPayloadTooLarge)
		return nil, util.NewRejectionError(
			util.ErrPayloadTooLarge, http.StatusRequestEntityTooLarge, msgPayloadTooLarge)
	}

	if !g.registry.AllowRate(path) {
		g.record(path, observability.DecisionRateLimited)
		return nil, util.NewRejectionError(util.ErrRateLimited, http.StatusTooManyRequests, msgRateLimited)
	}

	lease, err := g.registry.TryAcquire(path)
	if err != nil {
		g.record(path, observability.DecisionCapacityExceeded)
		g.setRejected(path, true)
		return nil, util.NewRejectionErrorWithCause(
			util.ErrCapacityExceeded, http.StatusServiceUnavailable, msgCapacityExceeded, err)
	}

	g.record(path, observability.DecisionAllowed)
	g.setRejected(path, false)
	return lease, nil
}

// Middleware returns the gin middleware form of the gate. The reserved slot
// is placed in the request context; if no executor claims it by the time
// the chain returns, the middleware releases it.
func (g *Gate) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		lease, err := g.Check(c.Request)
		if err != nil {
			g.reject(c, err)
			return
		}
		if lease == nil {
			c.Next()
			return
		}

		defer func() {
			if lease.Claim() {
				lease.Release()
			}
		}()

		if cfg, ok := g.registry.Lookup(lease.Path()); ok &&
			cfg.MaxContentLength != nil && c.Request.ContentLength < 0 && c.Request.Body != nil {
			c.Request.Body = newLimitedBody(c.Request.Body, *cfg.MaxContentLength)
		}

		c.Request = c.Request.WithContext(registry.ContextWithLease(c.Request.Context(), lease))
		c.Next()
	}
}

func (g *Gate) reject(c *gin.Context, err error) {
	var rejection *util.RejectionError
	if !errors.As(err, &rejection) {
		rejection = util.NewRejectionErrorWithCause(
			util.ErrCapacityExceeded, http.StatusServiceUnavailable, msgCapacityExceeded, err)
	}

	g.logger.Debug("request rejected",
		observability.String("path", c.Request.URL.Path),
		observability.String("method", c.Request.Method),
		observability.Int("status", rejection.Status),
		observability.Error(err),
	)

	if errors.Is(err, util.ErrCapacityExceeded) || errors.Is(err, util.ErrRateLimited) {
		c.Header(HeaderRetryAfter, "1")
	}
	c.AbortWithStatusJSON(rejection.Status, gin.H{
		"error":   rejection.Reason.Error(),
		"message": rejection.Message,
	})
}

func (g *Gate) record(path, decision string) {
	if g.recorder != nil {
		g.recorder.RecordAdmission(path, decision)
	}
}

func (g *Gate) setRejected(path string, rejected bool) {
	if g.recorder != nil && g.rejectionMetric {
		g.recorder.SetRejectedState(path, rejected)
	}
}

// mediaType returns the lower-cased media type of a Content-Type header
// value, without parameters. Unparseable values yield "".
func mediaType(header string) string {
	if header == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(header)
	if err != nil {
		return ""
	}
	return strings.ToLower(mt)
}
