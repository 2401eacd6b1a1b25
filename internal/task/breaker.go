package task

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"

	"github.com/vyrodovalexey/gatekeeper/internal/observability"
	"github.com/vyrodovalexey/gatekeeper/internal/util"
)

// BreakerStateFunc is called when the breaker changes state.
type BreakerStateFunc func(name string, from, to gobreaker.State)

// BreakerManager guards a Manager with a circuit breaker so an unavailable
// task store fails fast instead of stalling request handling.
type BreakerManager struct {
	next          Manager
	cb            *gobreaker.CircuitBreaker
	logger        observability.Logger
	stateCallback BreakerStateFunc
}

// BreakerOption is a functional option for configuring the breaker.
type BreakerOption func(*BreakerManager)

// WithBreakerLogger sets the logger for the breaker.
func WithBreakerLogger(logger observability.Logger) BreakerOption {
	return func(b *BreakerManager) {
		b.logger = logger
	}
}

// WithBreakerStateCallback sets a callback for breaker state changes.
func WithBreakerStateCallback(fn BreakerStateFunc) BreakerOption {
	return func(b *BreakerManager) {
		b.stateCallback = fn
	}
}

// NewBreakerManager wraps next. The breaker opens once at least threshold
// calls were made in an interval and half of them failed; it probes again
// after timeout.
func NewBreakerManager(
	next Manager,
	name string,
	threshold int,
	timeout time.Duration,
	opts ...BreakerOption,
) *BreakerManager {
	b := &BreakerManager{
		next:   next,
		logger: observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(b)
	}

	thresholdU32 := safeIntToUint32(threshold)

	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    timeout,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= thresholdU32 && failureRatio >= 0.5
		},
		IsSuccessful: func(err error) bool {
			return err == nil ||
				errors.Is(err, util.ErrNotFound) ||
				errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			b.logger.Warn("task store circuit breaker state change",
				observability.String("name", name),
				observability.String("from", from.String()),
				observability.String("to", to.String()),
			)
			if b.stateCallback != nil {
				b.stateCallback(name, from, to)
			}
		},
	})

	return b
}

// safeIntToUint32 safely converts int to uint32.
func safeIntToUint32(n int) uint32 {
	if n < 0 {
		return 0
	}
	if n > int(^uint32(0)) {
		return ^uint32(0)
	}
	return uint32(n) //nolint:gosec // bounds checked above
}

// State returns the current breaker state.
func (b *BreakerManager) State() gobreaker.State {
	return b.cb.State()
}

// AddTask implements Manager.
func (b *BreakerManager) AddTask(ctx context.Context, endpoint string) (*Record, error) {
	res, err := b.cb.Execute(func() (interface{}, error) {
		return b.next.AddTask(ctx, endpoint)
	})
	if err != nil {
		return nil, b.wrap(err)
	}
	return res.(*Record), nil
}

// UpdateTaskStatus implements Manager.
func (b *BreakerManager) UpdateTaskStatus(ctx context.Context, id string, status Status, message string) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, b.next.UpdateTaskStatus(ctx, id, status, message)
	})
	return b.wrap(err)
}

// CompleteTask implements Manager.
func (b *BreakerManager) CompleteTask(ctx context.Context, id, message string) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, b.next.CompleteTask(ctx, id, message)
	})
	return b.wrap(err)
}

// FailTask implements Manager.
func (b *BreakerManager) FailTask(ctx context.Context, id, message string) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, b.next.FailTask(ctx, id, message)
	})
	return b.wrap(err)
}

// GetTaskStatus implements Manager.
func (b *BreakerManager) GetTaskStatus(ctx context.Context, id string) (*Record, error) {
	res, err := b.cb.Execute(func() (interface{}, error) {
		return b.next.GetTaskStatus(ctx, id)
	})
	if err != nil {
		return nil, b.wrap(err)
	}
	return res.(*Record), nil
}

func (b *BreakerManager) wrap(err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("task store unavailable: %w", err)
	}
	return err
}
