package registry

import (
	"context"
	"sync"
	"sync/atomic"
)

// Lease is a reserved in-flight slot of one endpoint. It is claimed by at
// most one executor and released at most once.
type Lease struct {
	registry *Registry
	path     string
	claimed  atomic.Bool
	once     sync.Once
}

func newLease(r *Registry, path string) *Lease {
	return &Lease{registry: r, path: path}
}

// Path returns the endpoint path the slot belongs to.
func (l *Lease) Path() string {
	return l.path
}

// Claim transfers ownership of the slot to the caller. Only the first call
// returns true.
func (l *Lease) Claim() bool {
	return l.claimed.CompareAndSwap(false, true)
}

// Claimed reports whether an executor has taken ownership.
func (l *Lease) Claimed() bool {
	return l.claimed.Load()
}

// Release returns the slot to the registry. Calls after the first are no-ops.
func (l *Lease) Release() {
	if l == nil {
		return
	}
	l.once.Do(func() {
		_, _ = l.registry.Decrement(l.path)
	})
}

type leaseKey struct{}

// ContextWithLease stores l in ctx.
func ContextWithLease(ctx context.Context, l *Lease) context.Context {
	return context.WithValue(ctx, leaseKey{}, l)
}

// LeaseFromContext returns the lease stored in ctx, or nil.
func LeaseFromContext(ctx context.Context) *Lease {
	l, _ := ctx.Value(leaseKey{}).(*Lease)
	return l
}
