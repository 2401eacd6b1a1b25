// Package shutdown holds the process-wide draining flag.
package shutdown

import (
	"sync/atomic"

	"github.com/vyrodovalexey/gatekeeper/internal/observability"
)

// State is the lifecycle state of the process.
type State int32

const (
	// StateAccepting means new requests are admitted.
	StateAccepting State = iota
	// StateDraining means new requests are rejected while in-flight ones finish.
	StateDraining
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateAccepting:
		return "accepting"
	case StateDraining:
		return "draining"
	default:
		return "unknown"
	}
}

// Controller flips the process from accepting to draining exactly once.
type Controller struct {
	draining atomic.Bool
	logger   observability.Logger
}

// NewController creates a controller in the accepting state.
func NewController(logger observability.Logger) *Controller {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Controller{logger: logger}
}

// Drain moves the controller to the draining state. It returns true only
// for the call that performed the transition.
func (c *Controller) Drain(reason string) bool {
	if !c.draining.CompareAndSwap(false, true) {
		return false
	}
	c.logger.Info("draining started, rejecting new requests",
		observability.String("reason", reason),
	)
	return true
}

// IsDraining reports whether new requests must be rejected.
func (c *Controller) IsDraining() bool {
	return c.draining.Load()
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	if c.draining.Load() {
		return StateDraining
	}
	return StateAccepting
}
