// Package execution runs endpoint handlers with slot accounting, tracing,
// panic recovery and failure reporting.
package execution

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vyrodovalexey/gatekeeper/internal/observability"
	"github.com/vyrodovalexey/gatekeeper/internal/registry"
	"github.com/vyrodovalexey/gatekeeper/internal/task"
	"github.com/vyrodovalexey/gatekeeper/internal/util"
)

// Mode selects how an endpoint answers its caller.
type Mode int

const (
	// ModeSync runs the handler on the request goroutine.
	ModeSync Mode = iota
	// ModeAsync runs the handler on the worker pool and answers with a task id.
	ModeAsync
)

// String returns the string representation of the mode.
func (m Mode) String() string {
	switch m {
	case ModeSync:
		return "sync"
	case ModeAsync:
		return "async"
	default:
		return "unknown"
	}
}

// Execution outcome label values.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Recorder receives execution outcomes.
type Recorder interface {
	ObserveExecution(path, mode, outcome string, d time.Duration)
	RecordHandlerFailure(path, mode string)
	RecordTaskFailure(path string)
}

// Invocation describes one handler run.
type Invocation struct {
	Path      string
	Mode      Mode
	TraceName string
	TaskID    string
	Timeout   time.Duration

	// Lease is a slot already owned by this invocation. When nil the
	// engine increments the endpoint counter itself.
	Lease *registry.Lease

	Call func(ctx context.Context) error
}

// Engine executes invocations.
type Engine struct {
	registry *registry.Registry
	tasks    task.Manager
	tracer   *observability.Tracer
	recorder Recorder
	logger   observability.Logger
}

// Option is a functional option for configuring the engine.
type Option func(*Engine)

// WithLogger sets the logger for the engine.
func WithLogger(logger observability.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithTracer enables handler spans.
func WithTracer(tracer *observability.Tracer) Option {
	return func(e *Engine) {
		e.tracer = tracer
	}
}

// WithRecorder sets the metrics recorder for the engine.
func WithRecorder(r Recorder) Option {
	return func(e *Engine) {
		e.recorder = r
	}
}

// WithTaskManager sets the task store used to fail async tasks.
func WithTaskManager(m task.Manager) Option {
	return func(e *Engine) {
		e.tasks = m
	}
}

// NewEngine creates an engine accounting slots in reg.
func NewEngine(reg *registry.Registry, opts ...Option) *Engine {
	e := &Engine{
		registry: reg,
		logger:   observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ClaimLease takes ownership of the slot the admission gate reserved for
// the request in ctx. It returns nil when there is no unclaimed lease.
func ClaimLease(ctx context.Context) *registry.Lease {
	lease := registry.LeaseFromContext(ctx)
	if lease == nil || !lease.Claim() {
		return nil
	}
	return lease
}

// Execute runs inv.Call. The endpoint slot is released on every exit path.
// Handler errors and panics are logged in full, reported to the task store
// when the invocation carries a task id, and returned as *util.HandlerError.
func (e *Engine) Execute(ctx context.Context, inv Invocation) error {
	release := e.acquire(inv)
	defer release()

	start := time.Now()

	if inv.TaskID != "" {
		ctx = util.ContextWithTaskID(ctx, inv.TaskID)
	}
	ctx = util.ContextWithEndpoint(ctx, inv.Path)

	spanName := inv.TraceName
	if spanName == "" {
		spanName = inv.Path
	}
	ctx, span := e.tracer.StartSpan(ctx, spanName,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("gatekeeper.endpoint", inv.Path),
			attribute.String("gatekeeper.mode", inv.Mode.String()),
		),
	)
	defer span.End()
	if inv.TaskID != "" {
		span.SetAttributes(attribute.String("gatekeeper.task_id", inv.TaskID))
	}

	if inv.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, inv.Timeout)
		defer cancel()
	}

	err := e.invoke(ctx, inv)
	duration := time.Since(start)

	if err == nil {
		e.observe(inv, OutcomeSuccess, duration)
		span.SetStatus(codes.Ok, "")
		return nil
	}

	e.observe(inv, OutcomeFailure, duration)
	span.RecordError(err)
	span.SetStatus(codes.Error, "handler failed")
	e.handleFailure(ctx, inv, err)
	return err
}

func (e *Engine) acquire(inv Invocation) func() {
	if inv.Lease != nil {
		return inv.Lease.Release
	}
	if e.registry == nil {
		return func() {}
	}
	if _, err := e.registry.Increment(inv.Path); err != nil {
		return func() {}
	}
	return func() {
		_, _ = e.registry.Decrement(inv.Path)
	}
}

// invoke calls the handler, converting panics into errors.
func (e *Engine) invoke(ctx context.Context, inv Invocation) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = util.NewHandlerError(inv.Path, &util.PanicError{Value: r}, debug.Stack())
		}
	}()

	if inv.Call == nil {
		return util.NewHandlerError(inv.Path, fmt.Errorf("no handler: %w", util.ErrInvalidInput), nil)
	}
	if callErr := inv.Call(ctx); callErr != nil {
		var handlerErr *util.HandlerError
		if errors.As(callErr, &handlerErr) {
			return callErr
		}
		return util.NewHandlerError(inv.Path, callErr, nil)
	}
	return nil
}

func (e *Engine) handleFailure(ctx context.Context, inv Invocation, err error) {
	mode := inv.Mode.String()
	if e.recorder != nil {
		e.recorder.RecordHandlerFailure(inv.Path, mode)
	}

	fields := []observability.Field{
		observability.String("path", inv.Path),
		observability.String("mode", mode),
		observability.Error(err),
	}
	var handlerErr *util.HandlerError
	if errors.As(err, &handlerErr) && len(handlerErr.Stack) > 0 {
		fields = append(fields, observability.ByteString("stack", handlerErr.Stack))
	}
	logger := e.logger.WithContext(ctx)
	logger.Error("endpoint handler failed", fields...)

	if inv.TaskID == "" {
		if inv.Mode == ModeAsync {
			logger.Error("async failure has no task to report to",
				observability.String("path", inv.Path),
				observability.Error(util.ErrTaskAssociationMissing),
			)
		}
		return
	}

	if e.tasks == nil {
		logger.Error("no task manager configured, task left unresolved",
			observability.Error(util.ErrTaskAssociationMissing),
		)
		return
	}

	if failErr := e.tasks.FailTask(context.WithoutCancel(ctx), inv.TaskID, task.FailureMessage); failErr != nil {
		logger.Error("failed to mark task as failed",
			observability.Error(failErr),
		)
		return
	}
	if e.recorder != nil {
		e.recorder.RecordTaskFailure(inv.Path)
	}
}

func (e *Engine) observe(inv Invocation, outcome string, d time.Duration) {
	if e.recorder != nil {
		e.recorder.ObserveExecution(inv.Path, inv.Mode.String(), outcome, d)
	}
}
