package cooldown

import (
	"context"
	"sync"
	"time"
)

// MemoryManager keeps the cooldown window in process memory for a doctor
// running without etcd. The window is lost when the doctor restarts.
type MemoryManager struct {
	mu       sync.Mutex
	instance string
	unit     string
	now      func() time.Time
	started  time.Time
	expires  time.Time
}

// NewMemoryManager builds an in-process cooldown manager.
func NewMemoryManager(instance, unit string, clock func() time.Time) *MemoryManager {
	if clock == nil {
		clock = time.Now
	}
	return &MemoryManager{instance: instance, unit: unit, now: clock}
}

// Status implements Manager.
func (m *MemoryManager) Status(ctx context.Context) (Status, error) {
	if err := ctx.Err(); err != nil {
		return Status{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if !now.Before(m.expires) {
		return Status{}, nil
	}
	return Status{
		Active:    true,
		Instance:  m.instance,
		Unit:      m.unit,
		StartedAt: m.started,
		ExpiresAt: m.expires,
		Remaining: m.expires.Sub(now),
	}, nil
}

// Start implements Manager.
func (m *MemoryManager) Start(ctx context.Context, duration time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if duration <= 0 {
		m.started, m.expires = time.Time{}, time.Time{}
		return nil
	}
	m.started = m.now()
	m.expires = m.started.Add(duration)
	return nil
}

// Close implements Manager.
func (*MemoryManager) Close() error { return nil }

var _ Manager = (*MemoryManager)(nil)
