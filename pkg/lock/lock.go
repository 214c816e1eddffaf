// Package lock serialises hard restarts of the monitored unit across doctor
// replicas.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNotAcquired indicates that the restart lock is held by another doctor.
var ErrNotAcquired = errors.New("lock: not acquired")

// Holder describes the doctor holding the restart lock.
type Holder struct {
	Instance   string
	PID        int
	Unit       string
	AcquiredAt time.Time
}

func (h Holder) String() string {
	if h.Instance == "" {
		return "an unknown doctor"
	}
	if h.AcquiredAt.IsZero() {
		return h.Instance
	}
	return fmt.Sprintf("%s since %s", h.Instance, h.AcquiredAt.UTC().Format(time.RFC3339))
}

// HeldError is returned by Acquire when another doctor holds the lock.
type HeldError struct {
	Holder Holder
}

func (e *HeldError) Error() string {
	return fmt.Sprintf("restart lock held by %s", e.Holder)
}

// Is allows errors.Is(err, ErrNotAcquired).
func (e *HeldError) Is(target error) bool { return target == ErrNotAcquired }

// Manager hands out the restart lock.
type Manager interface {
	Acquire(ctx context.Context) (Lease, error)
}

// Lease is a held restart lock.
type Lease interface {
	Release(ctx context.Context) error
}

// LeaseFunc adapts a function to the Lease interface.
type LeaseFunc func(ctx context.Context) error

// Release implements Lease.
func (f LeaseFunc) Release(ctx context.Context) error {
	if f == nil {
		return nil
	}
	return f(ctx)
}

// NoopManager grants the lock immediately. A single doctor uses it when no
// etcd cluster is configured.
type NoopManager struct{}

// NewNoopManager constructs a manager that always grants the lock.
func NewNoopManager() *NoopManager { return &NoopManager{} }

// Acquire implements Manager. It only fails when ctx is already done.
func (*NoopManager) Acquire(ctx context.Context) (Lease, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return LeaseFunc(nil), nil
}

var (
	_ Manager = (*NoopManager)(nil)
	_ Lease   = LeaseFunc(nil)
)
