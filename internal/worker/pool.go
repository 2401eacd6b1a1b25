// Package worker runs async endpoint invocations on a fixed set of
// goroutines fed by a bounded queue.
package worker

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/vyrodovalexey/gatekeeper/internal/observability"
	"github.com/vyrodovalexey/gatekeeper/internal/util"
)

// Defaults used when the pool is created with non-positive sizes.
const (
	DefaultWorkers   = 8
	DefaultQueueSize = 128
)

// Job is one unit of async work.
type Job func()

// Recorder receives pool utilization updates.
type Recorder interface {
	SetWorkerQueueDepth(n int)
	SetWorkerActive(n int64)
	RecordWorkerRejected()
}

// Pool is a fixed-size worker pool. Submit never blocks.
type Pool struct {
	jobs     chan Job
	workers  int
	logger   observability.Logger
	recorder Recorder

	mu      sync.RWMutex
	stopped bool

	wg     sync.WaitGroup
	active atomic.Int64
	done   chan struct{}
}

// Option is a functional option for configuring the pool.
type Option func(*Pool)

// WithLogger sets the logger for the pool.
func WithLogger(logger observability.Logger) Option {
	return func(p *Pool) {
		p.logger = logger
	}
}

// WithRecorder sets the metrics recorder for the pool.
func WithRecorder(r Recorder) Option {
	return func(p *Pool) {
		p.recorder = r
	}
}

// NewPool starts workers goroutines reading from a queue of queueSize.
func NewPool(workers, queueSize int, opts ...Option) *Pool {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if queueSize < 0 {
		queueSize = DefaultQueueSize
	}

	p := &Pool{
		jobs:    make(chan Job, queueSize),
		workers: workers,
		logger:  observability.NopLogger(),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}

	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.run(i)
	}
	go func() {
		p.wg.Wait()
		close(p.done)
	}()

	p.logger.Info("worker pool started",
		observability.Int("workers", workers),
		observability.Int("queue_size", queueSize),
	)
	return p
}

// Submit enqueues job. It returns ErrQueueFull when the queue has no room
// and ErrPoolStopped after Stop was called.
func (p *Pool) Submit(job Job) error {
	if job == nil {
		return fmt.Errorf("nil job: %w", util.ErrInvalidInput)
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.stopped {
		return util.ErrPoolStopped
	}

	select {
	case p.jobs <- job:
		p.reportQueue()
		return nil
	default:
		if p.recorder != nil {
			p.recorder.RecordWorkerRejected()
		}
		return util.ErrQueueFull
	}
}

// Stop closes the queue and waits until every queued and running job has
// finished or ctx is done.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.stopped {
		p.stopped = true
		close(p.jobs)
	}
	p.mu.Unlock()

	select {
	case <-p.done:
		p.logger.Info("worker pool stopped")
		return nil
	case <-ctx.Done():
		p.logger.Warn("worker pool stop timed out",
			observability.Int("queued", len(p.jobs)),
			observability.Int64("active", p.active.Load()),
		)
		return fmt.Errorf("stopping worker pool: %w", ctx.Err())
	}
}

// Pending returns the number of queued jobs.
func (p *Pool) Pending() int {
	return len(p.jobs)
}

// Active returns the number of running jobs.
func (p *Pool) Active() int64 {
	return p.active.Load()
}

// Workers returns the number of worker goroutines.
func (p *Pool) Workers() int {
	return p.workers
}

func (p *Pool) run(id int) {
	defer p.wg.Done()
	for job := range p.jobs {
		p.reportQueue()
		p.execute(id, job)
	}
}

func (p *Pool) execute(id int, job Job) {
	n := p.active.Add(1)
	if p.recorder != nil {
		p.recorder.SetWorkerActive(n)
	}
	defer func() {
		n := p.active.Add(-1)
		if p.recorder != nil {
			p.recorder.SetWorkerActive(n)
		}
		if r := recover(); r != nil {
			p.logger.Error("async job panicked",
				observability.Int("worker", id),
				observability.Any("panic", r),
				observability.ByteString("stack", debug.Stack()),
			)
		}
	}()
	job()
}

func (p *Pool) reportQueue() {
	if p.recorder != nil {
		p.recorder.SetWorkerQueueDepth(len(p.jobs))
	}
}
