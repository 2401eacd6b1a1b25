// Package service assembles the gatekeeper: middleware, admission gate,
// dispatcher, worker pool and the HTTP listeners that serve them.
package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/vyrodovalexey/gatekeeper/internal/admission"
	"github.com/vyrodovalexey/gatekeeper/internal/config"
	"github.com/vyrodovalexey/gatekeeper/internal/dispatch"
	"github.com/vyrodovalexey/gatekeeper/internal/execution"
	"github.com/vyrodovalexey/gatekeeper/internal/health"
	"github.com/vyrodovalexey/gatekeeper/internal/middleware"
	"github.com/vyrodovalexey/gatekeeper/internal/observability"
	"github.com/vyrodovalexey/gatekeeper/internal/registry"
	"github.com/vyrodovalexey/gatekeeper/internal/shutdown"
	"github.com/vyrodovalexey/gatekeeper/internal/task"
	"github.com/vyrodovalexey/gatekeeper/internal/util"
	"github.com/vyrodovalexey/gatekeeper/internal/worker"
)

// State represents the service lifecycle state.
type State int32

const (
	// StateStopped indicates the service is not serving.
	StateStopped State = iota
	// StateStarting indicates listeners are being bound.
	StateStarting
	// StateRunning indicates the service is serving.
	StateRunning
	// StateStopping indicates the service is shutting down.
	StateStopping
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// Service owns every runtime component of the gatekeeper.
type Service struct {
	config  *config.Config
	logger  observability.Logger
	metrics *observability.Metrics
	tracer  *observability.Tracer
	tasks   task.Manager
	version string

	registry   *registry.Registry
	drain      *shutdown.Controller
	gate       *admission.Gate
	engine     *execution.Engine
	pool       *worker.Pool
	dispatcher *dispatch.Dispatcher
	checker    *health.Checker

	router *gin.Engine
	api    *Listener
	admin  *Listener

	state     atomic.Int32
	startTime time.Time
}

// Option is a functional option for configuring the service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithMetrics sets the metrics recorder. Without it nothing is recorded and
// the admin listener serves no /metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// WithTracer sets the tracer.
func WithTracer(t *observability.Tracer) Option {
	return func(s *Service) {
		s.tracer = t
	}
}

// WithTaskManager sets the task store client. Defaults to an in-memory one.
func WithTaskManager(m task.Manager) Option {
	return func(s *Service) {
		s.tasks = m
	}
}

// WithVersion sets the version reported by readiness.
func WithVersion(v string) Option {
	return func(s *Service) {
		s.version = v
	}
}

// New builds the service from cfg. Endpoints are added through Dispatcher
// before Start.
func New(cfg *config.Config, opts ...Option) (*Service, error) {
	if cfg == nil {
		return nil, fmt.Errorf("configuration is required: %w", util.ErrInvalidInput)
	}

	s := &Service{
		config: cfg,
		logger: observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.tasks == nil {
		s.tasks = task.NewMemoryManager()
	}

	s.build()
	s.state.Store(int32(StateStopped))
	return s, nil
}

func (s *Service) build() {
	cfg := s.config
	prefix := cfg.Server.APIPrefix

	regOpts := []registry.Option{registry.WithLogger(s.logger)}
	gateOpts := []admission.Option{
		admission.WithLogger(s.logger),
		admission.WithRejectionMetric(!cfg.Observability.Metrics.DisableRejectionMetric),
	}
	poolOpts := []worker.Option{worker.WithLogger(s.logger)}
	engineOpts := []execution.Option{
		execution.WithLogger(s.logger),
		execution.WithTracer(s.tracer),
		execution.WithTaskManager(s.tasks),
	}
	if s.metrics != nil {
		regOpts = append(regOpts, registry.WithInFlightObserver(s.metrics.SetInFlight))
		gateOpts = append(gateOpts, admission.WithRecorder(s.metrics))
		poolOpts = append(poolOpts, worker.WithRecorder(s.metrics))
		engineOpts = append(engineOpts, execution.WithRecorder(s.metrics))
	}

	s.registry = registry.New(regOpts...)
	s.drain = shutdown.NewController(s.logger)
	s.gate = admission.NewGate(s.registry, s.drain, gateOpts...)
	s.pool = worker.NewPool(cfg.Workers.Count, cfg.Workers.QueueSize, poolOpts...)
	s.engine = execution.NewEngine(s.registry, engineOpts...)

	livePath := dispatch.JoinPath(prefix, "/")

	s.router = gin.New()
	// Path fix-ups would answer before the gate runs, letting a draining
	// service hand out redirects instead of 503.
	s.router.RedirectTrailingSlash = false
	s.router.RedirectFixedPath = false
	s.router.Use(
		middleware.Recovery(s.logger),
		middleware.RequestID(),
		middleware.Tracing(s.tracer, livePath),
		middleware.LoggingWithConfig(middleware.LoggingConfig{
			Logger:    s.logger,
			SkipPaths: []string{livePath},
		}),
		s.gate.Middleware(),
	)
	s.router.GET(livePath, health.LivenessHandler())
	s.router.GET(dispatch.JoinPath(prefix, "/task/:id"), task.StatusHandler(s.tasks, s.logger))

	s.dispatcher = dispatch.New(s.router, s.registry, s.engine,
		dispatch.WithPrefix(prefix),
		dispatch.WithLogger(s.logger),
		dispatch.WithPool(s.pool),
		dispatch.WithTaskManager(s.tasks),
	)

	s.checker = health.NewChecker(s.version)
	s.checker.RegisterCheck("admission", func(context.Context) error {
		if s.drain.IsDraining() {
			return util.ErrDraining
		}
		return nil
	})

	s.api = NewListener("api", cfg.Server.Address, s.router,
		WithListenerLogger(s.logger),
		WithTimeouts(Timeouts{
			Read:  cfg.Server.ReadTimeout.Duration(),
			Write: cfg.Server.WriteTimeout.Duration(),
			Idle:  cfg.Server.IdleTimeout.Duration(),
		}),
	)
	if cfg.Admin.Enabled {
		s.admin = NewListener("admin", cfg.Admin.Address, s.adminHandler(),
			WithListenerLogger(s.logger),
			WithTimeouts(Timeouts{Read: 10 * time.Second, Write: 10 * time.Second}),
		)
	}
}

func (s *Service) adminHandler() http.Handler {
	r := gin.New()
	r.Use(middleware.Recovery(s.logger))
	if s.metrics != nil {
		r.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	}
	r.GET("/ready", s.checker.ReadinessHandler())
	r.GET("/live", health.LivenessHandler())
	return r
}

// Start binds the listeners and begins serving.
func (s *Service) Start(ctx context.Context) error {
	if !s.state.CompareAndSwap(int32(StateStopped), int32(StateStarting)) {
		return fmt.Errorf("service is not in stopped state")
	}

	if err := s.api.Start(ctx); err != nil {
		s.state.Store(int32(StateStopped))
		return err
	}
	if s.admin != nil {
		if err := s.admin.Start(ctx); err != nil {
			_ = s.api.Stop(ctx)
			s.state.Store(int32(StateStopped))
			return err
		}
	}

	s.startTime = time.Now()
	s.state.Store(int32(StateRunning))

	s.logger.Info("gatekeeper started",
		observability.String("address", s.api.Addr()),
		observability.String("api_prefix", s.config.Server.APIPrefix),
		observability.Int("endpoints", len(s.dispatcher.Endpoints())),
	)
	return nil
}

// Drain switches admission to rejecting new requests. It returns false if
// the service was already draining.
func (s *Service) Drain(reason string) bool {
	return s.drain.Drain(reason)
}

// Stop drains, stops the API listener (waiting for in-flight requests),
// then the worker pool (waiting for queued jobs) and the admin listener.
// Every step runs even if an earlier one fails.
func (s *Service) Stop(ctx context.Context) error {
	if !s.state.CompareAndSwap(int32(StateRunning), int32(StateStopping)) {
		return fmt.Errorf("service is not running")
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.Server.ShutdownTimeout.Duration())
		defer cancel()
	}

	s.drain.Drain("stop")

	var errs []error
	if err := s.api.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := s.pool.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("worker pool: %w", err))
	}
	if s.admin != nil {
		if err := s.admin.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	s.state.Store(int32(StateStopped))
	s.logger.Info("gatekeeper stopped", observability.Duration("uptime", s.Uptime()))
	return errors.Join(errs...)
}

// RegisterReadinessCheck adds a check reported on /ready.
func (s *Service) RegisterReadinessCheck(name string, check health.CheckFunc) {
	s.checker.RegisterCheck(name, check)
}

// Dispatcher returns the dispatcher used to register endpoints.
func (s *Service) Dispatcher() *dispatch.Dispatcher {
	return s.dispatcher
}

// Handler returns the API router.
func (s *Service) Handler() http.Handler {
	return s.router
}

// AdminHandler returns the admin router, or nil if admin is disabled.
func (s *Service) AdminHandler() http.Handler {
	if s.admin == nil {
		return nil
	}
	return s.admin.handler
}

// Registry returns the endpoint registry.
func (s *Service) Registry() *registry.Registry {
	return s.registry
}

// Tasks returns the task store client.
func (s *Service) Tasks() task.Manager {
	return s.tasks
}

// Pool returns the async worker pool.
func (s *Service) Pool() *worker.Pool {
	return s.pool
}

// IsDraining reports whether the service rejects new requests.
func (s *Service) IsDraining() bool {
	return s.drain.IsDraining()
}

// State returns the lifecycle state.
func (s *Service) State() State {
	return State(s.state.Load())
}

// Addr returns the API listener address.
func (s *Service) Addr() string {
	return s.api.Addr()
}

// AdminAddr returns the admin listener address, or "" if disabled.
func (s *Service) AdminAddr() string {
	if s.admin == nil {
		return ""
	}
	return s.admin.Addr()
}

// Uptime returns how long the service has been running.
func (s *Service) Uptime() time.Duration {
	if s.startTime.IsZero() {
		return 0
	}
	return time.Since(s.startTime)
}
