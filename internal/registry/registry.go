// Package registry tracks the endpoints the gatekeeper guards and the number
// of requests each one is currently executing.
package registry

import (
	"fmt"
	"mime"
	"sort"
	"strings"
	"sync"

	"golang.org/x/time/rate"

	"github.com/vyrodovalexey/gatekeeper/internal/observability"
	"github.com/vyrodovalexey/gatekeeper/internal/util"
)

// EndpointConfig holds the admission rules for one endpoint. It is immutable
// once registered. Nil pointers mean the corresponding limit is not enforced.
type EndpointConfig struct {
	MaxConcurrentRequests *int
	AcceptedContentTypes  []string
	MaxContentLength      *int64

	// RequestsPerSecond enables a token bucket for the endpoint when positive.
	RequestsPerSecond float64
	Burst             int
}

// IntPtr returns a pointer to v.
func IntPtr(v int) *int { return &v }

// Int64Ptr returns a pointer to v.
func Int64Ptr(v int64) *int64 { return &v }

// Accepts reports whether mediaType is allowed by the endpoint. An empty
// accepted set allows everything.
func (c EndpointConfig) Accepts(mediaType string) bool {
	if len(c.AcceptedContentTypes) == 0 {
		return true
	}
	for _, ct := range c.AcceptedContentTypes {
		if strings.EqualFold(ct, mediaType) {
			return true
		}
	}
	return false
}

func (c EndpointConfig) clone() EndpointConfig {
	out := c
	if c.MaxConcurrentRequests != nil {
		out.MaxConcurrentRequests = IntPtr(*c.MaxConcurrentRequests)
	}
	if c.MaxContentLength != nil {
		out.MaxContentLength = Int64Ptr(*c.MaxContentLength)
	}
	if c.AcceptedContentTypes != nil {
		out.AcceptedContentTypes = make([]string, 0, len(c.AcceptedContentTypes))
		for _, ct := range c.AcceptedContentTypes {
			out.AcceptedContentTypes = append(out.AcceptedContentTypes, baseMediaType(ct))
		}
	}
	return out
}

// baseMediaType drops parameters such as charset so a configured
// "application/json; charset=utf-8" matches the bare type requests are
// compared by.
func baseMediaType(ct string) string {
	if mt, _, err := mime.ParseMediaType(ct); err == nil {
		return mt
	}
	base, _, _ := strings.Cut(ct, ";")
	return strings.ToLower(strings.TrimSpace(base))
}

type endpoint struct {
	config  EndpointConfig
	limiter *rate.Limiter

	mu       sync.Mutex
	inFlight int64
}

// InFlightObserver is notified with the new in-flight count of a path
// every time it changes.
type InFlightObserver func(path string, inFlight int64)

// Registry maps endpoint paths to their configuration and live counters.
// It is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	endpoints map[string]*endpoint
	logger    observability.Logger
	observer  InFlightObserver
}

// Option is a functional option for configuring the registry.
type Option func(*Registry)

// WithLogger sets the logger for the registry.
func WithLogger(logger observability.Logger) Option {
	return func(r *Registry) {
		r.logger = logger
	}
}

// WithInFlightObserver sets a callback invoked after every counter change.
func WithInFlightObserver(fn InFlightObserver) Option {
	return func(r *Registry) {
		r.observer = fn
	}
}

// New creates an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		endpoints: make(map[string]*endpoint),
		logger:    observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds path with cfg. The first registration wins: later calls
// neither replace the configuration nor reset the in-flight counter.
// It reports whether this call created the entry.
func (r *Registry) Register(path string, cfg EndpointConfig) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.endpoints[path]; exists {
		return false
	}

	ep := &endpoint{config: cfg.clone()}
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = int(cfg.RequestsPerSecond)
			if burst < 1 {
				burst = 1
			}
		}
		ep.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	r.endpoints[path] = ep

	r.logger.Debug("endpoint registered",
		observability.String("path", path),
	)
	return true
}

// Lookup returns the configuration of path.
func (r *Registry) Lookup(path string) (EndpointConfig, bool) {
	ep := r.get(path)
	if ep == nil {
		return EndpointConfig{}, false
	}
	return ep.config, true
}

// IsRegistered reports whether path has an entry.
func (r *Registry) IsRegistered(path string) bool {
	return r.get(path) != nil
}

// Paths returns all registered paths in lexical order.
func (r *Registry) Paths() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	paths := make([]string, 0, len(r.endpoints))
	for p := range r.endpoints {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// InFlight returns the number of requests currently executing on path.
func (r *Registry) InFlight(path string) int64 {
	ep := r.get(path)
	if ep == nil {
		return 0
	}
	ep.mu.Lock()
	defer ep.mu.Unlock()
	return ep.inFlight
}

// Increment raises the in-flight counter of path by one without checking
// the ceiling and returns the new value.
func (r *Registry) Increment(path string) (int64, error) {
	ep := r.get(path)
	if ep == nil {
		return 0, fmt.Errorf("endpoint %q: %w", path, util.ErrNotFound)
	}

	ep.mu.Lock()
	ep.inFlight++
	n := ep.inFlight
	ep.mu.Unlock()

	r.notify(path, n)
	return n, nil
}

// Decrement lowers the in-flight counter of path by one. The counter never
// goes below zero; an unmatched decrement is logged and ignored.
func (r *Registry) Decrement(path string) (int64, error) {
	ep := r.get(path)
	if ep == nil {
		return 0, fmt.Errorf("endpoint %q: %w", path, util.ErrNotFound)
	}

	ep.mu.Lock()
	if ep.inFlight == 0 {
		ep.mu.Unlock()
		r.logger.Error("in-flight counter decremented below zero",
			observability.String("path", path),
		)
		return 0, nil
	}
	ep.inFlight--
	n := ep.inFlight
	ep.mu.Unlock()

	r.notify(path, n)
	return n, nil
}

// TryAcquire checks the concurrency ceiling of path and, if there is room,
// increments the counter in the same critical section. The returned lease
// gives the slot back when released.
func (r *Registry) TryAcquire(path string) (*Lease, error) {
	ep := r.get(path)
	if ep == nil {
		return nil, fmt.Errorf("endpoint %q: %w", path, util.ErrNotFound)
	}

	ep.mu.Lock()
	if limit := ep.config.MaxConcurrentRequests; limit != nil && ep.inFlight >= int64(*limit) {
		n := ep.inFlight
		ep.mu.Unlock()
		return nil, fmt.Errorf("endpoint %q at %d in-flight: %w", path, n, util.ErrCapacityExceeded)
	}
	ep.inFlight++
	n := ep.inFlight
	ep.mu.Unlock()

	r.notify(path, n)
	return newLease(r, path), nil
}

// AllowRate consumes a token from the rate limiter of path. Endpoints
// without a limiter always allow.
func (r *Registry) AllowRate(path string) bool {
	ep := r.get(path)
	if ep == nil || ep.limiter == nil {
		return true
	}
	return ep.limiter.Allow()
}

func (r *Registry) get(path string) *endpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.endpoints[path]
}

func (r *Registry) notify(path string, n int64) {
	if r.observer != nil {
		r.observer(path, n)
	}
}
