package service

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vyrodovalexey/gatekeeper/internal/observability"
)

// Timeouts are the http.Server timeouts of a listener.
type Timeouts struct {
	Read  time.Duration
	Write time.Duration
	Idle  time.Duration
}

// Listener serves one handler on one TCP address.
type Listener struct {
	name     string
	address  string
	handler  http.Handler
	timeouts Timeouts
	logger   observability.Logger

	mu      sync.Mutex
	server  *http.Server
	ln      net.Listener
	running atomic.Bool
}

// ListenerOption is a functional option for configuring a listener.
type ListenerOption func(*Listener)

// WithListenerLogger sets the logger for the listener.
func WithListenerLogger(logger observability.Logger) ListenerOption {
	return func(l *Listener) {
		l.logger = logger
	}
}

// WithTimeouts sets the server timeouts. Zero values keep the defaults.
func WithTimeouts(t Timeouts) ListenerOption {
	return func(l *Listener) {
		if t.Read > 0 {
			l.timeouts.Read = t.Read
		}
		if t.Write > 0 {
			l.timeouts.Write = t.Write
		}
		if t.Idle > 0 {
			l.timeouts.Idle = t.Idle
		}
	}
}

// NewListener creates a listener. Use ":0" to bind an ephemeral port.
func NewListener(name, address string, handler http.Handler, opts ...ListenerOption) *Listener {
	l := &Listener{
		name:    name,
		address: address,
		handler: handler,
		timeouts: Timeouts{
			Read:  30 * time.Second,
			Write: 60 * time.Second,
			Idle:  120 * time.Second,
		},
		logger: observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Name returns the listener name.
func (l *Listener) Name() string {
	return l.name
}

// Addr returns the bound address once started, else the configured one.
func (l *Listener) Addr() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ln != nil {
		return l.ln.Addr().String()
	}
	return l.address
}

// Start binds the address and serves in the background.
func (l *Listener) Start(ctx context.Context) error {
	if l.running.Load() {
		return fmt.Errorf("listener %s is already running", l.name)
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", l.address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", l.address, err)
	}

	server := &http.Server{
		Handler:           l.handler,
		ReadTimeout:       l.timeouts.Read,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      l.timeouts.Write,
		IdleTimeout:       l.timeouts.Idle,
		MaxHeaderBytes:    1 << 20,
	}

	l.mu.Lock()
	l.server = server
	l.ln = ln
	l.mu.Unlock()
	l.running.Store(true)

	l.logger.Info("listener started",
		observability.String("name", l.name),
		observability.String("address", ln.Addr().String()),
	)

	go l.serve(server, ln)
	return nil
}

func (l *Listener) serve(server *http.Server, ln net.Listener) {
	if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		l.logger.Error("listener error",
			observability.String("name", l.name),
			observability.Error(err),
		)
	}
	l.running.Store(false)
}

// Stop stops accepting connections and waits for active requests until
// ctx expires, after which remaining connections are closed.
func (l *Listener) Stop(ctx context.Context) error {
	l.mu.Lock()
	server := l.server
	l.mu.Unlock()
	if server == nil {
		return nil
	}

	l.logger.Info("stopping listener", observability.String("name", l.name))

	if err := server.Shutdown(ctx); err != nil {
		if closeErr := server.Close(); closeErr != nil {
			return fmt.Errorf("failed to close listener %s: %w", l.name, closeErr)
		}
		return fmt.Errorf("failed to shutdown listener %s gracefully: %w", l.name, err)
	}

	l.running.Store(false)
	l.logger.Info("listener stopped", observability.String("name", l.name))
	return nil
}

// IsRunning reports whether the listener is serving.
func (l *Listener) IsRunning() bool {
	return l.running.Load()
}
