package service

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/gatekeeper/internal/config"
	"github.com/vyrodovalexey/gatekeeper/internal/dispatch"
	"github.com/vyrodovalexey/gatekeeper/internal/health"
	"github.com/vyrodovalexey/gatekeeper/internal/observability"
	"github.com/vyrodovalexey/gatekeeper/internal/registry"
	"github.com/vyrodovalexey/gatekeeper/internal/task"
	"github.com/vyrodovalexey/gatekeeper/internal/util"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const testPrefix = "/v1/detector"

func newTestService(t *testing.T, opts ...Option) *Service {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Server.APIPrefix = testPrefix
	cfg.Workers.Count = 2
	cfg.Workers.QueueSize = 8

	s, err := New(cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Pool().Stop(ctx)
	})
	return s
}

func do(t *testing.T, h http.Handler, method, path, contentType, body string) *httptest.ResponseRecorder {
	t.Helper()

	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func echo(_ context.Context, req *dispatch.Request) (*dispatch.Response, error) {
	return dispatch.Text(http.StatusOK, string(req.Body)), nil
}

func TestNew_RequiresConfig(t *testing.T) {
	t.Parallel()

	_, err := New(nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, util.ErrInvalidInput))
}

func TestService_Liveness(t *testing.T) {
	t.Parallel()

	s := newTestService(t)

	w := do(t, s.Handler(), http.MethodGet, testPrefix+"/", "", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, health.LivenessBody, w.Body.String())
	assert.NotEmpty(t, w.Header().Get(dispatch.HeaderXRequestID))
}

func TestService_SyncEndpoint(t *testing.T) {
	t.Parallel()

	s := newTestService(t)
	_, err := s.Dispatcher().Register(dispatch.Binding{
		Path:                 "/echo",
		Mode:                 dispatch.Sync,
		Handler:              echo,
		AcceptedContentTypes: []string{"text/plain"},
		MaxContentLength:     registry.Int64Ptr(16),
	})
	require.NoError(t, err)

	w := do(t, s.Handler(), http.MethodPost, testPrefix+"/echo", "text/plain", "hello")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "hello", w.Body.String())

	w = do(t, s.Handler(), http.MethodPost, testPrefix+"/echo", "application/json", `{}`)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = do(t, s.Handler(), http.MethodPost, testPrefix+"/echo", "text/plain", strings.Repeat("x", 17))
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)

	assert.Equal(t, int64(0), s.Registry().InFlight(testPrefix+"/echo"))
}

func TestService_AsyncFailureMarksTask(t *testing.T) {
	t.Parallel()

	s := newTestService(t)
	_, err := s.Dispatcher().Register(dispatch.Binding{
		Path: "/detect",
		Mode: dispatch.Async,
		Handler: func(context.Context, *dispatch.Request) (*dispatch.Response, error) {
			return nil, errors.New("model crashed")
		},
	})
	require.NoError(t, err)

	w := do(t, s.Handler(), http.MethodPost, testPrefix+"/detect", "application/json", `{}`)
	require.Equal(t, http.StatusOK, w.Code)
	require.True(t, strings.HasPrefix(w.Body.String(), "TaskId: "))
	id := strings.TrimPrefix(w.Body.String(), "TaskId: ")

	assert.Eventually(t, func() bool {
		rec, err := s.Tasks().GetTaskStatus(context.Background(), id)
		return err == nil && rec.Status == task.StatusFailed
	}, 2*time.Second, 10*time.Millisecond)

	w = do(t, s.Handler(), http.MethodGet, testPrefix+"/task/"+id, "", "")
	require.Equal(t, http.StatusOK, w.Code)
	var rec task.Record
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rec))
	assert.Equal(t, id, rec.ID)
	assert.Equal(t, task.FailureMessage, rec.Message)
	assert.Equal(t, testPrefix+"/detect", rec.Endpoint)

	assert.Eventually(t, func() bool {
		return s.Registry().InFlight(testPrefix+"/detect") == 0
	}, time.Second, 10*time.Millisecond)
}

func TestService_UnknownTask(t *testing.T) {
	t.Parallel()

	s := newTestService(t)
	w := do(t, s.Handler(), http.MethodGet, testPrefix+"/task/missing", "", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestService_CapacityExceeded(t *testing.T) {
	t.Parallel()

	s := newTestService(t)
	release := make(chan struct{})
	_, err := s.Dispatcher().Register(dispatch.Binding{
		Path:                  "/slow",
		Mode:                  dispatch.Sync,
		MaxConcurrentRequests: registry.IntPtr(1),
		Handler: func(context.Context, *dispatch.Request) (*dispatch.Response, error) {
			<-release
			return dispatch.Text(http.StatusOK, "done"), nil
		},
	})
	require.NoError(t, err)

	path := testPrefix + "/slow"
	var wg sync.WaitGroup
	wg.Add(1)
	var first *httptest.ResponseRecorder
	go func() {
		defer wg.Done()
		first = do(t, s.Handler(), http.MethodPost, path, "text/plain", "a")
	}()

	require.Eventually(t, func() bool {
		return s.Registry().InFlight(path) == 1
	}, time.Second, 5*time.Millisecond)

	w := do(t, s.Handler(), http.MethodPost, path, "text/plain", "b")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))

	close(release)
	wg.Wait()
	assert.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, int64(0), s.Registry().InFlight(path))
}

func TestService_DrainRejectsEverything(t *testing.T) {
	t.Parallel()

	s := newTestService(t)
	_, err := s.Dispatcher().Register(dispatch.Binding{Path: "/echo", Mode: dispatch.Sync, Handler: echo})
	require.NoError(t, err)

	assert.True(t, s.Drain("test"))
	assert.False(t, s.Drain("again"))
	assert.True(t, s.IsDraining())

	for _, path := range []string{testPrefix + "/", testPrefix + "/echo", "/not/routed"} {
		w := do(t, s.Handler(), http.MethodPost, path, "text/plain", "x")
		assert.Equal(t, http.StatusServiceUnavailable, w.Code, path)
	}
}

func TestService_DrainRejectsNearMissPaths(t *testing.T) {
	t.Parallel()

	s := newTestService(t)
	_, err := s.Dispatcher().Register(dispatch.Binding{Path: "/echo", Mode: dispatch.Sync, Handler: echo})
	require.NoError(t, err)

	// Trailing-slash variants are plain 404s while serving.
	w := do(t, s.Handler(), http.MethodGet, testPrefix, "", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Empty(t, w.Header().Get("Location"))

	w = do(t, s.Handler(), http.MethodPost, testPrefix+"/echo/", "text/plain", "x")
	assert.Equal(t, http.StatusNotFound, w.Code)

	s.Drain("test")

	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, testPrefix},
		{http.MethodPost, testPrefix + "/echo/"},
		{http.MethodGet, testPrefix + "/task/abc/"},
		{http.MethodGet, strings.ToUpper(testPrefix) + "/ECHO"},
	} {
		w := do(t, s.Handler(), tc.method, tc.path, "text/plain", "x")
		assert.Equal(t, http.StatusServiceUnavailable, w.Code, tc.path)
		assert.Empty(t, w.Header().Get("Location"), tc.path)
	}
}

func TestService_AdminHandler(t *testing.T) {
	t.Parallel()

	metrics := observability.NewMetrics("svctest")
	s := newTestService(t, WithMetrics(metrics), WithVersion("1.2.3"))
	s.RegisterReadinessCheck("store", func(context.Context) error { return nil })

	_, err := s.Dispatcher().Register(dispatch.Binding{Path: "/echo", Mode: dispatch.Sync, Handler: echo})
	require.NoError(t, err)
	w := do(t, s.Handler(), http.MethodPost, testPrefix+"/echo", "text/plain", "hi")
	require.Equal(t, http.StatusOK, w.Code)

	admin := s.AdminHandler()
	require.NotNil(t, admin)

	w = do(t, admin, http.MethodGet, "/metrics", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "svctest_admission_decisions_total")

	w = do(t, admin, http.MethodGet, "/ready", "", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "1.2.3")

	s.Drain("test")
	w = do(t, admin, http.MethodGet, "/ready", "", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	w = do(t, admin, http.MethodGet, "/live", "", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestService_AdminDisabled(t *testing.T) {
	t.Parallel()

	cfg := config.DefaultConfig()
	cfg.Admin.Enabled = false
	s, err := New(cfg)
	require.NoError(t, err)

	assert.Nil(t, s.AdminHandler())
	assert.Empty(t, s.AdminAddr())
}

func TestService_StartStop(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Server.Address = "127.0.0.1:0"
	cfg.Admin.Address = "127.0.0.1:0"

	s, err := New(cfg)
	require.NoError(t, err)
	assert.Equal(t, StateStopped, s.State())

	ctx := context.Background()
	require.NoError(t, s.Start(ctx))
	assert.Equal(t, StateRunning, s.State())
	require.Error(t, s.Start(ctx))

	resp, err := http.Get("http://" + s.Addr() + config.DefaultAPIPrefix + "/")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, health.LivenessBody, string(body))

	resp, err = http.Get("http://" + s.AdminAddr() + "/ready")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(stopCtx))
	assert.Equal(t, StateStopped, s.State())
	assert.True(t, s.IsDraining())
	require.Error(t, s.Stop(stopCtx))
}

func TestState_String(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "stopped", StateStopped.String())
	assert.Equal(t, "starting", StateStarting.String())
	assert.Equal(t, "running", StateRunning.String())
	assert.Equal(t, "stopping", StateStopping.String())
	assert.Equal(t, "unknown", State(42).String())
}
