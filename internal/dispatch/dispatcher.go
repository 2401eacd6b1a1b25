// Package dispatch binds endpoint handlers to routes and runs them in sync
// or async mode through the execution engine.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"

	"github.com/vyrodovalexey/gatekeeper/internal/execution"
	"github.com/vyrodovalexey/gatekeeper/internal/observability"
	"github.com/vyrodovalexey/gatekeeper/internal/registry"
	"github.com/vyrodovalexey/gatekeeper/internal/task"
	"github.com/vyrodovalexey/gatekeeper/internal/util"
	"github.com/vyrodovalexey/gatekeeper/internal/worker"
)

// HeaderXRequestID is the X-Request-ID header name.
const HeaderXRequestID = "X-Request-ID"

// Submitter queues async jobs.
type Submitter interface {
	Submit(job worker.Job) error
}

// Dispatcher registers endpoints on a gin router.
type Dispatcher struct {
	router   gin.IRoutes
	prefix   string
	registry *registry.Registry
	engine   *execution.Engine
	pool     Submitter
	tasks    task.Manager
	logger   observability.Logger

	mu        sync.Mutex
	endpoints map[string]*Endpoint
}

// Option is a functional option for configuring the dispatcher.
type Option func(*Dispatcher)

// WithPrefix sets the path prefix joined to every binding path.
func WithPrefix(prefix string) Option {
	return func(d *Dispatcher) {
		d.prefix = prefix
	}
}

// WithLogger sets the logger for the dispatcher.
func WithLogger(logger observability.Logger) Option {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// WithPool sets the async job submitter.
func WithPool(pool Submitter) Option {
	return func(d *Dispatcher) {
		d.pool = pool
	}
}

// WithTaskManager sets the task store used by async endpoints.
func WithTaskManager(m task.Manager) Option {
	return func(d *Dispatcher) {
		d.tasks = m
	}
}

// New creates a dispatcher adding routes to router.
func New(
	router gin.IRoutes,
	reg *registry.Registry,
	engine *execution.Engine,
	opts ...Option,
) *Dispatcher {
	d := &Dispatcher{
		router:    router,
		registry:  reg,
		engine:    engine,
		logger:    observability.NopLogger(),
		endpoints: make(map[string]*Endpoint),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// JoinPath joins prefix and path into a clean absolute route path.
func JoinPath(prefix, path string) string {
	prefix = strings.TrimRight(prefix, "/")
	if path == "" || path == "/" {
		if prefix == "" {
			return "/"
		}
		return prefix + "/"
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	if prefix != "" && !strings.HasPrefix(prefix, "/") {
		prefix = "/" + prefix
	}
	return prefix + path
}

// Register validates b, records its admission rules and adds its routes.
func (d *Dispatcher) Register(b Binding) (*Endpoint, error) {
	if err := d.validate(b); err != nil {
		return nil, err
	}

	full := JoinPath(d.prefix, b.Path)
	methods := b.Methods
	if len(methods) == 0 {
		methods = []string{http.MethodPost}
	}
	b.Methods = methods

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.endpoints[full]; exists {
		return nil, fmt.Errorf("endpoint %s already registered: %w", full, util.ErrInvalidInput)
	}

	d.registry.Register(full, registry.EndpointConfig{
		MaxConcurrentRequests: b.MaxConcurrentRequests,
		AcceptedContentTypes:  b.AcceptedContentTypes,
		MaxContentLength:      b.MaxContentLength,
		RequestsPerSecond:     b.RequestsPerSecond,
		Burst:                 b.Burst,
	})

	ep := &Endpoint{FullPath: full, Binding: b}
	handler := d.handle(ep)
	for _, m := range methods {
		d.router.Handle(strings.ToUpper(m), full, handler)
	}
	d.endpoints[full] = ep

	d.logger.Info("endpoint registered",
		observability.String("path", full),
		observability.String("mode", b.Mode.String()),
		observability.Strings("methods", methods),
	)
	return ep, nil
}

// MustRegister is like Register but panics on error.
func (d *Dispatcher) MustRegister(b Binding) *Endpoint {
	ep, err := d.Register(b)
	if err != nil {
		panic(err)
	}
	return ep
}

// Endpoints returns the registered endpoints ordered by path.
func (d *Dispatcher) Endpoints() []*Endpoint {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]*Endpoint, 0, len(d.endpoints))
	for _, ep := range d.endpoints {
		out = append(out, ep)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FullPath < out[j].FullPath })
	return out
}

func (d *Dispatcher) validate(b Binding) error {
	verr := util.NewValidationError("invalid endpoint binding")
	if b.Path == "" {
		verr.AddField("path", "required")
	}
	if strings.ContainsAny(b.Path, ":*") {
		verr.AddField("path", "path parameters are not supported")
	}
	if b.Handler == nil {
		verr.AddField("handler", "required")
	}
	if b.Mode != Sync && b.Mode != Async {
		verr.AddField("mode", "must be sync or async")
	}
	if b.Mode == Async && (d.pool == nil || d.tasks == nil) {
		verr.AddField("mode", "async endpoints need a worker pool and a task manager")
	}
	if b.MaxConcurrentRequests != nil && *b.MaxConcurrentRequests < 0 {
		verr.AddField("maxConcurrentRequests", "must not be negative")
	}
	if b.MaxContentLength != nil && *b.MaxContentLength < 0 {
		verr.AddField("maxContentLength", "must not be negative")
	}
	if b.RequestsPerSecond < 0 {
		verr.AddField("requestsPerSecond", "must not be negative")
	}
	if verr.HasErrors() {
		return fmt.Errorf("%w: %w", util.ErrInvalidInput, verr)
	}
	return nil
}

func (d *Dispatcher) handle(ep *Endpoint) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()

		// The slot stays owned here until an executor takes it over.
		lease := execution.ClaimLease(ctx)
		owned := true
		defer func() {
			if owned {
				lease.Release()
			}
		}()

		req, err := d.snapshot(c)
		if err != nil {
			d.writeError(c, err)
			return
		}

		if ep.Binding.Adapter != nil {
			if err := ep.Binding.Adapter(ctx, req); err != nil {
				d.logger.WithContext(ctx).Debug("request adapter rejected request",
					observability.String("path", ep.FullPath),
					observability.Error(err),
				)
				d.writeError(c, util.NewRejectionErrorWithCause(
					util.ErrInvalidInput, http.StatusBadRequest, "request could not be processed", err))
				return
			}
		}

		if ep.Binding.Mode == Async {
			if d.runAsync(c, ep, req, lease) {
				owned = false
			}
			return
		}

		owned = false
		d.runSync(c, ep, req, lease)
	}
}

func (d *Dispatcher) snapshot(c *gin.Context) (*Request, error) {
	var body []byte
	if c.Request.Body != nil {
		var err error
		body, err = io.ReadAll(c.Request.Body)
		if err != nil {
			var maxErr *http.MaxBytesError
			if errors.Is(err, util.ErrPayloadTooLarge) || errors.As(err, &maxErr) {
				return nil, util.NewRejectionErrorWithCause(
					util.ErrPayloadTooLarge, http.StatusRequestEntityTooLarge,
					"request body exceeds the endpoint limit", err)
			}
			return nil, util.NewRejectionErrorWithCause(
				util.ErrInvalidInput, http.StatusBadRequest, "request body could not be read", err)
		}
	}

	params := make(map[string]string, len(c.Params))
	for _, p := range c.Params {
		params[p.Key] = p.Value
	}

	requestID := util.RequestIDFromContext(c.Request.Context())
	if requestID == "" {
		requestID = c.GetHeader(HeaderXRequestID)
	}

	return &Request{
		Method:      c.Request.Method,
		Path:        c.Request.URL.Path,
		Header:      c.Request.Header.Clone(),
		Query:       c.Request.URL.Query(),
		Params:      params,
		Body:        body,
		ContentType: c.ContentType(),
		RemoteAddr:  c.ClientIP(),
		RequestID:   requestID,
		Values:      make(map[string]any),
	}, nil
}

func (d *Dispatcher) runSync(c *gin.Context, ep *Endpoint, req *Request, lease *registry.Lease) {
	var resp *Response
	err := d.engine.Execute(c.Request.Context(), execution.Invocation{
		Path:      ep.FullPath,
		Mode:      Sync,
		TraceName: ep.Binding.TraceName,
		Timeout:   ep.Binding.Timeout,
		Lease:     lease,
		Call: func(ctx context.Context) error {
			r, err := ep.Binding.Handler(ctx, req)
			resp = r
			return err
		},
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal server error",
			"message": "the request could not be processed",
		})
		return
	}

	writeResponse(c, resp)
}

// runAsync creates the task, queues the handler and answers with the task
// id. It reports whether the job (and with it the lease) was handed off.
func (d *Dispatcher) runAsync(c *gin.Context, ep *Endpoint, req *Request, lease *registry.Lease) bool {
	ctx := c.Request.Context()
	logger := d.logger.WithContext(ctx)

	rec, err := d.tasks.AddTask(ctx, ep.FullPath)
	if err != nil {
		logger.Error("failed to create task",
			observability.String("path", ep.FullPath),
			observability.Error(err),
		)
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "task store unavailable",
			"message": "please try again later",
		})
		return false
	}

	req.TaskID = rec.ID
	req.Tasks = d.tasks
	jobCtx := context.WithoutCancel(ctx)

	job := func() {
		_ = d.engine.Execute(jobCtx, execution.Invocation{
			Path:      ep.FullPath,
			Mode:      Async,
			TraceName: ep.Binding.TraceName,
			TaskID:    rec.ID,
			Timeout:   ep.Binding.Timeout,
			Lease:     lease,
			Call: func(ctx context.Context) error {
				_, err := ep.Binding.Handler(ctx, req)
				return err
			},
		})
	}

	if err := d.pool.Submit(job); err != nil {
		logger.Warn("async job not queued",
			observability.String("path", ep.FullPath),
			observability.String("task_id", rec.ID),
			observability.Error(err),
		)
		if failErr := d.tasks.FailTask(jobCtx, rec.ID, task.FailureMessage); failErr != nil {
			logger.Error("failed to mark task as failed",
				observability.String("task_id", rec.ID),
				observability.Error(failErr),
			)
		}
		d.writeError(c, util.NewRejectionErrorWithCause(
			util.ErrQueueFull, http.StatusServiceUnavailable, "server busy, retry later", err))
		return false
	}

	c.String(http.StatusOK, "TaskId: %s", rec.ID)
	return true
}

func writeResponse(c *gin.Context, resp *Response) {
	if resp == nil {
		c.Status(http.StatusOK)
		return
	}

	for k, values := range resp.Header {
		for _, v := range values {
			c.Writer.Header().Add(k, v)
		}
	}

	status := resp.Status
	if status == 0 {
		status = http.StatusOK
	}
	contentType := resp.ContentType
	if contentType == "" {
		contentType = c.Writer.Header().Get("Content-Type")
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	c.Data(status, contentType, resp.Body)
}

func (d *Dispatcher) writeError(c *gin.Context, err error) {
	status := util.StatusCode(err)
	reason := http.StatusText(status)
	message := reason

	var rejection *util.RejectionError
	if errors.As(err, &rejection) {
		reason = rejection.Reason.Error()
		message = rejection.Message
	}

	c.AbortWithStatusJSON(status, gin.H{
		"error":   reason,
		"message": message,
	})
}
