package execution

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/vyrodovalexey/gatekeeper/internal/observability"
	"github.com/vyrodovalexey/gatekeeper/internal/registry"
	"github.com/vyrodovalexey/gatekeeper/internal/task"
	"github.com/vyrodovalexey/gatekeeper/internal/util"
)

type recordingTasks struct {
	*task.MemoryManager

	mu       sync.Mutex
	failed   []string
	messages []string
	failErr  error
}

func newRecordingTasks() *recordingTasks {
	return &recordingTasks{MemoryManager: task.NewMemoryManager()}
}

func (r *recordingTasks) FailTask(ctx context.Context, id, message string) error {
	r.mu.Lock()
	r.failed = append(r.failed, id)
	r.messages = append(r.messages, message)
	r.mu.Unlock()
	if r.failErr != nil {
		return r.failErr
	}
	return r.MemoryManager.FailTask(ctx, id, message)
}

type fakeRecorder struct {
	mu           sync.Mutex
	outcomes     []string
	failures     int
	taskFailures int
}

func (f *fakeRecorder) ObserveExecution(_, mode, outcome string, _ time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outcomes = append(f.outcomes, mode+"|"+outcome)
}

func (f *fakeRecorder) RecordHandlerFailure(string, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures++
}

func (f *fakeRecorder) RecordTaskFailure(string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.taskFailures++
}

type fixture struct {
	engine   *Engine
	registry *registry.Registry
	tasks    *recordingTasks
	recorder *fakeRecorder
	spans    *tracetest.SpanRecorder
	logs     *observer.ObservedLogs
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	core, logs := observer.New(zap.DebugLevel)
	spans := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spans))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	reg := registry.New()
	reg.Register("/p", registry.EndpointConfig{})

	f := &fixture{
		registry: reg,
		tasks:    newRecordingTasks(),
		recorder: &fakeRecorder{},
		spans:    spans,
		logs:     logs,
	}
	f.engine = NewEngine(reg,
		WithLogger(observability.NewZapLogger(zap.New(core))),
		WithTracer(observability.NewTracerFromProvider(tp, "test")),
		WithRecorder(f.recorder),
		WithTaskManager(f.tasks),
	)
	return f
}

func TestEngine_Success(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	var during int64
	var endpoint string

	err := f.engine.Execute(context.Background(), Invocation{
		Path:      "/p",
		Mode:      ModeSync,
		TraceName: "echo",
		Call: func(ctx context.Context) error {
			during = f.registry.InFlight("/p")
			endpoint = util.EndpointFromContext(ctx)
			return nil
		},
	})

	require.NoError(t, err)
	assert.Equal(t, int64(1), during)
	assert.Equal(t, "/p", endpoint)
	assert.Equal(t, int64(0), f.registry.InFlight("/p"))
	assert.Equal(t, []string{"sync|success"}, f.recorder.outcomes)

	ended := f.spans.Ended()
	require.Len(t, ended, 1)
	assert.Equal(t, "echo", ended[0].Name())
	assert.Equal(t, codes.Ok, ended[0].Status().Code)
}

func TestEngine_SpanNameDefaultsToPath(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	require.NoError(t, f.engine.Execute(context.Background(), Invocation{
		Path: "/p",
		Call: func(context.Context) error { return nil },
	}))

	ended := f.spans.Ended()
	require.Len(t, ended, 1)
	assert.Equal(t, "/p", ended[0].Name())
}

func TestEngine_SyncError(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	boom := errors.New("boom")

	err := f.engine.Execute(context.Background(), Invocation{
		Path: "/p",
		Mode: ModeSync,
		Call: func(context.Context) error { return boom },
	})

	require.Error(t, err)
	assert.True(t, errors.Is(err, util.ErrHandlerFailure))
	assert.True(t, errors.Is(err, boom))
	assert.Equal(t, int64(0), f.registry.InFlight("/p"))
	assert.Empty(t, f.tasks.failed)
	assert.Equal(t, 1, f.recorder.failures)
	assert.Equal(t, 1, f.logs.FilterMessage("endpoint handler failed").Len())

	ended := f.spans.Ended()
	require.Len(t, ended, 1)
	assert.Equal(t, codes.Error, ended[0].Status().Code)
}

func TestEngine_AsyncPanicFailsTask(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	rec, err := f.tasks.AddTask(context.Background(), "/p")
	require.NoError(t, err)

	err = f.engine.Execute(context.Background(), Invocation{
		Path:   "/p",
		Mode:   ModeAsync,
		TaskID: rec.ID,
		Call:   func(context.Context) error { panic("kaboom") },
	})

	require.Error(t, err)
	var handlerErr *util.HandlerError
	require.True(t, errors.As(err, &handlerErr))
	assert.NotEmpty(t, handlerErr.Stack)

	assert.Equal(t, []string{rec.ID}, f.tasks.failed)
	assert.Equal(t, []string{task.FailureMessage}, f.tasks.messages)
	assert.Equal(t, 1, f.recorder.taskFailures)
	assert.Equal(t, int64(0), f.registry.InFlight("/p"))

	got, err := f.tasks.GetTaskStatus(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusFailed, got.Status)

	entries := f.logs.FilterMessage("endpoint handler failed").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, rec.ID, fields["task_id"])
	assert.Contains(t, fields, "stack")
}

func TestEngine_AsyncFailureWithoutTask(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	err := f.engine.Execute(context.Background(), Invocation{
		Path: "/p",
		Mode: ModeAsync,
		Call: func(context.Context) error { return errors.New("boom") },
	})

	require.Error(t, err)
	assert.Empty(t, f.tasks.failed)
	assert.Equal(t, 1, f.logs.FilterMessage("async failure has no task to report to").Len())
}

func TestEngine_FailTaskErrorIsLogged(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.tasks.failErr = errors.New("store down")

	err := f.engine.Execute(context.Background(), Invocation{
		Path:   "/p",
		Mode:   ModeAsync,
		TaskID: "t-1",
		Call:   func(context.Context) error { return errors.New("boom") },
	})

	require.Error(t, err)
	assert.Equal(t, 1, f.logs.FilterMessage("failed to mark task as failed").Len())
	assert.Equal(t, 0, f.recorder.taskFailures)
}

func TestEngine_FailTaskUsesLiveContext(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	rec, err := f.tasks.AddTask(context.Background(), "/p")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	err = f.engine.Execute(ctx, Invocation{
		Path:   "/p",
		Mode:   ModeAsync,
		TaskID: rec.ID,
		Call: func(context.Context) error {
			cancel()
			return errors.New("boom")
		},
	})

	require.Error(t, err)
	got, err := f.tasks.GetTaskStatus(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusFailed, got.Status)
}

func TestEngine_ReleasesOwnedLease(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	lease, err := f.registry.TryAcquire("/p")
	require.NoError(t, err)
	require.True(t, lease.Claim())

	var during int64
	require.NoError(t, f.engine.Execute(context.Background(), Invocation{
		Path:  "/p",
		Lease: lease,
		Call: func(context.Context) error {
			during = f.registry.InFlight("/p")
			return nil
		},
	}))

	assert.Equal(t, int64(1), during, "an owned lease is not counted twice")
	assert.Equal(t, int64(0), f.registry.InFlight("/p"))
}

func TestEngine_Timeout(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	err := f.engine.Execute(context.Background(), Invocation{
		Path:    "/p",
		Timeout: 10 * time.Millisecond,
		Call: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
	})

	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestEngine_NilCall(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	err := f.engine.Execute(context.Background(), Invocation{Path: "/p"})

	assert.True(t, errors.Is(err, util.ErrHandlerFailure))
	assert.True(t, errors.Is(err, util.ErrInvalidInput))
}

func TestEngine_UnregisteredPath(t *testing.T) {
	t.Parallel()

	engine := NewEngine(registry.New())
	called := false

	require.NoError(t, engine.Execute(context.Background(), Invocation{
		Path: "/unknown",
		Call: func(context.Context) error {
			called = true
			return nil
		},
	}))
	assert.True(t, called)
}

func TestClaimLease(t *testing.T) {
	t.Parallel()

	assert.Nil(t, ClaimLease(context.Background()))

	reg := registry.New()
	reg.Register("/p", registry.EndpointConfig{})
	lease, err := reg.TryAcquire("/p")
	require.NoError(t, err)

	ctx := registry.ContextWithLease(context.Background(), lease)
	assert.Same(t, lease, ClaimLease(ctx))
	assert.Nil(t, ClaimLease(ctx), "a lease is claimed only once")

	lease.Release()
}

func TestMode_String(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "sync", ModeSync.String())
	assert.Equal(t, "async", ModeAsync.String())
	assert.Equal(t, "unknown", Mode(9).String())
}
