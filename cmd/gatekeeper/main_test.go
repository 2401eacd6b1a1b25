package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/gatekeeper/internal/config"
	"github.com/vyrodovalexey/gatekeeper/internal/dispatch"
	"github.com/vyrodovalexey/gatekeeper/internal/observability"
	"github.com/vyrodovalexey/gatekeeper/internal/registry"
	"github.com/vyrodovalexey/gatekeeper/internal/task"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Server.Address = "127.0.0.1:0"
	cfg.Admin.Address = "127.0.0.1:0"
	cfg.Server.DrainPeriod = 0
	cfg.Endpoints = []config.EndpointConfig{
		{Path: "/echo", Mode: config.ModeSync, Handler: "echo"},
		{Path: "/echo-async", Mode: config.ModeAsync, Handler: "echo"},
	}
	return cfg
}

func TestVersionCmd(t *testing.T) {
	t.Parallel()

	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"version", "--extended"})

	require.NoError(t, root.Execute())
	assert.Contains(t, out.String(), "gatekeeper "+version)
	assert.Contains(t, out.String(), "Commit: ")
	assert.Contains(t, out.String(), "Go: ")
}

func TestServeCmd_MissingConfig(t *testing.T) {
	t.Parallel()

	root := newRootCmd()
	root.SetArgs([]string{"serve", "--config", filepath.Join(t.TempDir(), "missing.yaml")})
	root.SetOut(io.Discard)

	err := root.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing.yaml")
}

func TestLoadConfig(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "gatekeeper.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  apiPrefix: /v1/test
endpoints:
  - path: /echo
    mode: sync
    handler: echo
`), 0o600))

	cfg, err := loadConfig(&rootOptions{configPath: path, logLevel: "debug", logFormat: "console"})
	require.NoError(t, err)
	assert.Equal(t, "/v1/test", cfg.Server.APIPrefix)
	assert.Equal(t, "debug", cfg.Observability.Logging.Level)
	assert.Equal(t, "console", cfg.Observability.Logging.Format)
	require.Len(t, cfg.Endpoints, 1)

	_, err = loadConfig(&rootOptions{configPath: path, logLevel: "chatty"})
	require.Error(t, err)
}

func TestBuildBinding(t *testing.T) {
	t.Parallel()

	b, err := buildBinding(config.EndpointConfig{
		Path:                  "/detect",
		Mode:                  config.ModeAsync,
		Handler:               "delay",
		Delay:                 config.Duration(time.Millisecond),
		MaxConcurrentRequests: registry.IntPtr(2),
		AcceptedContentTypes:  []string{"image/png"},
		MaxContentLength:      registry.Int64Ptr(1 << 20),
		RequestsPerSecond:     5,
		TraceName:             "detect",
		Timeout:               config.Duration(time.Second),
	})
	require.NoError(t, err)
	assert.Equal(t, dispatch.Async, b.Mode)
	assert.Equal(t, 2, *b.MaxConcurrentRequests)
	assert.Equal(t, []string{"image/png"}, b.AcceptedContentTypes)
	assert.Equal(t, time.Second, b.Timeout)
	assert.Equal(t, "detect", b.TraceName)
	assert.NotNil(t, b.Handler)

	b, err = buildBinding(config.EndpointConfig{Path: "/x", Mode: config.ModeSync, Handler: "fail"})
	require.NoError(t, err)
	assert.Equal(t, dispatch.Sync, b.Mode)

	_, err = buildBinding(config.EndpointConfig{Path: "/x", Mode: config.ModeSync, Handler: "shell"})
	require.Error(t, err)
}

func TestEchoHandler(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	resp, err := echoHandler(ctx, &dispatch.Request{Body: []byte("hi"), ContentType: "text/plain"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, "text/plain", resp.ContentType)
	assert.Equal(t, []byte("hi"), resp.Body)

	resp, err = echoHandler(ctx, &dispatch.Request{})
	require.NoError(t, err)
	assert.Equal(t, "application/octet-stream", resp.ContentType)

	tasks := task.NewMemoryManager()
	rec, err := tasks.AddTask(ctx, "/echo")
	require.NoError(t, err)

	resp, err = echoHandler(ctx, &dispatch.Request{Body: []byte("abc"), TaskID: rec.ID, Tasks: tasks})
	require.NoError(t, err)
	assert.Nil(t, resp)

	got, err := tasks.GetTaskStatus(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCompleted, got.Status)
	assert.Equal(t, "echoed 3 bytes", got.Message)
}

func TestDelayHandler(t *testing.T) {
	t.Parallel()

	h := delayHandler(time.Hour)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := h(ctx, &dispatch.Request{})
	assert.True(t, errors.Is(err, context.DeadlineExceeded))

	resp, err := delayHandler(time.Millisecond)(context.Background(), &dispatch.Request{Body: []byte("x")})
	require.NoError(t, err)
	assert.Equal(t, []byte("x"), resp.Body)
}

func TestFailHandler(t *testing.T) {
	t.Parallel()

	_, err := failHandler(context.Background(), &dispatch.Request{})
	assert.ErrorIs(t, err, errSimulatedFailure)
}

func TestNewTaskStore_Memory(t *testing.T) {
	t.Parallel()

	cfg := config.DefaultConfig().Tasks
	store, err := newTaskStore(context.Background(), cfg, observability.NopLogger())
	require.NoError(t, err)

	_, isBreaker := store.manager.(*task.BreakerManager)
	assert.True(t, isBreaker)
	require.NotNil(t, store.check)
	assert.NoError(t, store.check(context.Background()))
	assert.NoError(t, store.close())

	cfg.Breaker.Enabled = false
	store, err = newTaskStore(context.Background(), cfg, observability.NopLogger())
	require.NoError(t, err)
	_, isMemory := store.manager.(*task.MemoryManager)
	assert.True(t, isMemory)
	assert.Nil(t, store.check)
}

func TestNewTaskStore_Redis(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	cfg := config.DefaultConfig().Tasks
	cfg.Backend = config.TaskBackendRedis
	cfg.Redis.URL = "redis://" + mr.Addr() + "/0"

	ctx := context.Background()
	store, err := newTaskStore(ctx, cfg, observability.NopLogger())
	require.NoError(t, err)
	defer func() { _ = store.close() }()

	rec, err := store.manager.AddTask(ctx, "/detect")
	require.NoError(t, err)
	assert.True(t, mr.Exists(cfg.Redis.Prefix+rec.ID))
	assert.NoError(t, store.check(ctx))

	mr.Close()
	assert.Error(t, store.check(ctx))
}

func TestApplication_Lifecycle(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	cfg := testConfig()
	app, err := newApplication(ctx, cfg, observability.NopLogger())
	require.NoError(t, err)
	require.NotNil(t, app.metrics)
	require.Len(t, app.service.Dispatcher().Endpoints(), 2)

	require.NoError(t, app.service.Start(ctx))

	base := "http://" + app.service.Addr() + cfg.Server.APIPrefix
	resp, err := http.Post(base+"/echo", "text/plain", strings.NewReader("ping"))
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ping", string(body))

	resp, err = http.Post(base+"/echo-async", "text/plain", strings.NewReader("ping"))
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	id := strings.TrimPrefix(string(body), "TaskId: ")

	assert.Eventually(t, func() bool {
		rec, err := app.service.Tasks().GetTaskStatus(ctx, id)
		return err == nil && rec.Status == task.StatusCompleted
	}, 2*time.Second, 10*time.Millisecond)

	resp, err = http.Get("http://" + app.service.AdminAddr() + "/metrics")
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.Contains(t, string(body), "gatekeeper_build_info")

	require.NoError(t, app.shutdown(ctx))
	assert.True(t, app.service.IsDraining())
}

func TestNewApplication_BadEndpoint(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Endpoints = append(cfg.Endpoints, config.EndpointConfig{Path: "/x", Mode: config.ModeSync, Handler: "nope"})

	_, err := newApplication(context.Background(), cfg, observability.NopLogger())
	require.Error(t, err)
}

func TestRun_StopsOnCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- run(ctx, testConfig(), observability.NopLogger())
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("run did not return after cancel")
	}
}
