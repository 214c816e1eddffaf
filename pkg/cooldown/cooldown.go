// Package cooldown tracks the quiet period that follows a hard restart of the
// monitored unit.
package cooldown

import (
	"context"
	"fmt"
	"time"
)

// Status describes the cooldown window opened by the most recent restart.
type Status struct {
	Active bool
	// Instance is the doctor that restarted the unit.
	Instance  string
	Unit      string
	StartedAt time.Time
	ExpiresAt time.Time
	Remaining time.Duration
}

func (s Status) String() string {
	if !s.Active {
		return "no restart cooldown"
	}
	by := s.Instance
	if by == "" {
		by = "an unknown doctor"
	}
	return fmt.Sprintf("cooldown started by %s active for another %s", by, s.Remaining.Round(time.Second))
}

// Manager reads and opens restart cooldown windows.
type Manager interface {
	// Status reports the current window. An inactive window is the zero Status.
	Status(ctx context.Context) (Status, error)
	// Start opens a window of the given length, replacing any active one. A
	// non-positive duration clears the window.
	Start(ctx context.Context, duration time.Duration) error
	// Close releases resources. Calling it more than once is safe.
	Close() error
}
