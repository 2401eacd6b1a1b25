package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/sony/gobreaker"

	"github.com/vyrodovalexey/gatekeeper/internal/config"
	"github.com/vyrodovalexey/gatekeeper/internal/health"
	"github.com/vyrodovalexey/gatekeeper/internal/observability"
	"github.com/vyrodovalexey/gatekeeper/internal/service"
	"github.com/vyrodovalexey/gatekeeper/internal/task"
)

// application holds all application components.
type application struct {
	config  *config.Config
	logger  observability.Logger
	service *service.Service
	metrics *observability.Metrics
	tracer  *observability.Tracer
	store   *taskStore
}

// taskStore is the task manager plus what the process needs to check and
// close it.
type taskStore struct {
	manager task.Manager
	check   health.CheckFunc
	close   func() error
}

func newApplication(ctx context.Context, cfg *config.Config, logger observability.Logger) (*application, error) {
	app := &application{config: cfg, logger: logger}

	if cfg.Observability.Metrics.Enabled {
		app.metrics = observability.NewMetrics(cfg.Observability.Metrics.Namespace)
		app.metrics.SetBuildInfo(version, gitCommit, buildTime)
	}

	tracer, err := observability.NewTracer(cfg.Observability.Tracing.TracerConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracer: %w", err)
	}
	app.tracer = tracer

	store, err := newTaskStore(ctx, cfg.Tasks, logger)
	if err != nil {
		_ = tracer.Shutdown(context.Background())
		return nil, err
	}
	app.store = store

	svc, err := service.New(cfg,
		service.WithLogger(logger),
		service.WithMetrics(app.metrics),
		service.WithTracer(tracer),
		service.WithTaskManager(store.manager),
		service.WithVersion(version),
	)
	if err != nil {
		_ = app.close(context.Background())
		return nil, err
	}
	app.service = svc

	if store.check != nil {
		svc.RegisterReadinessCheck("task_store", store.check)
	}

	if err := registerEndpoints(svc.Dispatcher(), cfg.Endpoints); err != nil {
		_ = app.close(context.Background())
		return nil, err
	}

	logger.Info("configuration loaded",
		observability.String("api_prefix", cfg.Server.APIPrefix),
		observability.String("task_backend", cfg.Tasks.Backend),
		observability.Int("endpoints", len(cfg.Endpoints)),
		observability.Int("workers", cfg.Workers.Count),
		observability.Bool("tracing", tracer.Enabled()),
	)
	return app, nil
}

// newTaskStore builds the task manager selected by cfg, wrapped in a
// circuit breaker when enabled.
func newTaskStore(ctx context.Context, cfg config.TaskStoreConfig, logger observability.Logger) (*taskStore, error) {
	store := &taskStore{close: func() error { return nil }}

	switch cfg.Backend {
	case config.TaskBackendRedis:
		redisCfg := task.DefaultRedisConfig()
		redisCfg.URL = cfg.Redis.URL
		if cfg.Redis.Address != "" {
			redisCfg.Address = cfg.Redis.Address
		}
		redisCfg.Password = cfg.Redis.Password
		redisCfg.DB = cfg.Redis.DB
		if cfg.Redis.Prefix != "" {
			redisCfg.Prefix = cfg.Redis.Prefix
		}
		redisCfg.TTL = cfg.Redis.TTL.Duration()
		redisCfg.Logger = logger

		m, err := task.NewRedisManager(ctx, redisCfg)
		if err != nil {
			return nil, fmt.Errorf("failed to connect task store: %w", err)
		}
		store.manager = m
		store.check = m.Ping
		store.close = m.Close
	default:
		store.manager = task.NewMemoryManager()
	}

	if cfg.Breaker.Enabled {
		breaker := task.NewBreakerManager(store.manager, "task-store",
			cfg.Breaker.Threshold, cfg.Breaker.Timeout.Duration(),
			task.WithBreakerLogger(logger),
		)
		store.manager = breaker
		ping := store.check
		store.check = func(ctx context.Context) error {
			if breaker.State() == gobreaker.StateOpen {
				return errors.New("task store circuit breaker is open")
			}
			if ping != nil {
				return ping(ctx)
			}
			return nil
		}
	}

	return store, nil
}
