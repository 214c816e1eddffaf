package statusboard

import (
	"context"
	"time"
)

// Entry is the last tick published by one doctor instance.
type Entry struct {
	Instance     string
	TickID       string
	Result       string
	HealthStatus string
	ErrorCount   *int
	Action       string
	Detail       string
	ReportedAt   time.Time
}

// Board shares the latest tick of every doctor instance watching a service so
// operators can see all replicas from one place.
type Board interface {
	// Publish replaces the local instance's entry.
	Publish(ctx context.Context, entry Entry) error
	// List returns the entries of every instance, ordered by instance name.
	List(ctx context.Context) ([]Entry, error)
}
