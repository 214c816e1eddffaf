package lock

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/3morii74/Hybrid-AIOps-for-Autonomous-Reliability-in-Cloud-Native-Systems/internal/testutil"
)

func newTestManager(t *testing.T, endpoints []string, instance string, clock func() time.Time) *EtcdManager {
	t.Helper()
	manager, err := NewEtcdManager(EtcdManagerOptions{
		Endpoints: endpoints,
		Namespace: "doctor",
		LockKey:   "/restart/lock",
		TTL:       3 * time.Second,
		Instance:  instance,
		Unit:      "patient",
		Clock:     clock,
	})
	if err != nil {
		t.Fatalf("failed to create restart lock: %v", err)
	}
	t.Cleanup(func() { _ = manager.Close() })
	return manager
}

func TestEtcdManagerAcquireAndRelease(t *testing.T) {
	cluster := testutil.StartEmbeddedEtcd(t)
	manager := newTestManager(t, cluster.Endpoints, "doctor-a", nil)

	lease, err := manager.Acquire(context.Background())
	if err != nil {
		t.Fatalf("expected acquire to succeed, got %v", err)
	}
	if err := lease.Release(context.Background()); err != nil {
		t.Fatalf("expected release to succeed, got %v", err)
	}
	if keys := cluster.Keys(t, "/doctor/restart/lock/"); len(keys) != 0 {
		t.Fatalf("expected release to remove the lock key, got %v", keys)
	}
}

func TestEtcdManagerContentionNamesHolder(t *testing.T) {
	cluster := testutil.StartEmbeddedEtcd(t)
	acquiredAt := time.Date(2024, 5, 1, 9, 30, 0, 0, time.UTC)
	first := newTestManager(t, cluster.Endpoints, "doctor-a", func() time.Time { return acquiredAt })
	second := newTestManager(t, cluster.Endpoints, "doctor-b", nil)

	lease, err := first.Acquire(context.Background())
	if err != nil {
		t.Fatalf("expected first acquire to succeed, got %v", err)
	}

	_, err = second.Acquire(context.Background())
	if !errors.Is(err, ErrNotAcquired) {
		t.Fatalf("expected ErrNotAcquired while the lock is held, got %v", err)
	}
	var held *HeldError
	if !errors.As(err, &held) {
		t.Fatalf("expected *HeldError, got %T", err)
	}
	if held.Holder.Instance != "doctor-a" || held.Holder.Unit != "patient" || !held.Holder.AcquiredAt.Equal(acquiredAt) {
		t.Fatalf("unexpected holder: %+v", held.Holder)
	}

	if err := lease.Release(context.Background()); err != nil {
		t.Fatalf("expected release to succeed, got %v", err)
	}
	holder, err := second.Holder(context.Background())
	if err != nil {
		t.Fatalf("unexpected holder error: %v", err)
	}
	if holder != (Holder{}) {
		t.Fatalf("expected no holder after release, got %+v", holder)
	}

	lease, err = second.Acquire(context.Background())
	if err != nil {
		t.Fatalf("expected acquire after release to succeed, got %v", err)
	}
	if err := lease.Release(context.Background()); err != nil {
		t.Fatalf("expected release to succeed, got %v", err)
	}
}

func TestEtcdManagerAnnotatesLockKey(t *testing.T) {
	cluster := testutil.StartEmbeddedEtcd(t)
	manager := newTestManager(t, cluster.Endpoints, "doctor-a", nil)

	lease, err := manager.Acquire(context.Background())
	if err != nil {
		t.Fatalf("expected acquire to succeed, got %v", err)
	}
	defer lease.Release(context.Background())

	keys := cluster.Keys(t, "/doctor/restart/lock/")
	if len(keys) != 1 {
		t.Fatalf("expected one lock key, got %v", keys)
	}
	for _, value := range keys {
		var record holderRecord
		if err := json.Unmarshal([]byte(value), &record); err != nil {
			t.Fatalf("lock value is not a holder record: %v", err)
		}
		if record.Instance != "doctor-a" || record.PID <= 0 {
			t.Fatalf("unexpected holder record: %+v", record)
		}
	}
}

func TestEtcdManagerAcquireContextCancelled(t *testing.T) {
	cluster := testutil.StartEmbeddedEtcd(t)
	manager := newTestManager(t, cluster.Endpoints, "doctor-a", nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := manager.Acquire(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestEtcdManagerAcquireHonoursDeadlineWhenEtcdDown(t *testing.T) {
	cluster := testutil.StartEmbeddedEtcd(t)
	manager := newTestManager(t, cluster.Endpoints, "doctor-a", nil)
	cluster.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := manager.Acquire(ctx)
	if err == nil {
		t.Fatal("expected acquire to fail with etcd down")
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("acquire should stop at the deadline; took %s", elapsed)
	}
}

func TestNewEtcdManagerValidatesOptions(t *testing.T) {
	cases := map[string]EtcdManagerOptions{
		"no endpoints": {LockKey: "/restart/lock", TTL: time.Second, Instance: "doctor-a"},
		"no key":       {Endpoints: []string{"127.0.0.1:2379"}, TTL: time.Second, Instance: "doctor-a"},
		"no ttl":       {Endpoints: []string{"127.0.0.1:2379"}, LockKey: "/restart/lock", Instance: "doctor-a"},
		"no instance":  {Endpoints: []string{"127.0.0.1:2379"}, LockKey: "/restart/lock", TTL: time.Second},
	}
	for name, opts := range cases {
		if _, err := NewEtcdManager(opts); err == nil {
			t.Fatalf("%s: expected options to be rejected", name)
		}
	}
}
