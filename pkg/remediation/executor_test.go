package remediation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3morii74/Hybrid-AIOps-for-Autonomous-Reliability-in-Cloud-Native-Systems/internal/testutil"
	"github.com/3morii74/Hybrid-AIOps-for-Autonomous-Reliability-in-Cloud-Native-Systems/pkg/cooldown"
	"github.com/3morii74/Hybrid-AIOps-for-Autonomous-Reliability-in-Cloud-Native-Systems/pkg/lock"
	"github.com/3morii74/Hybrid-AIOps-for-Autonomous-Reliability-in-Cloud-Native-Systems/pkg/observability"
	"github.com/3morii74/Hybrid-AIOps-for-Autonomous-Reliability-in-Cloud-Native-Systems/pkg/oracle"
)

type stubHealer struct {
	calls  int
	detail string
	err    error
}

func (h *stubHealer) Heal(context.Context) (string, error) {
	h.calls++
	return h.detail, h.err
}

type stubRestarter struct {
	calls   int
	detail  string
	err     error
	errs    []error
	ctxErrs []error
}

func (r *stubRestarter) Mechanism() string { return "stub" }

func (r *stubRestarter) Restart(ctx context.Context) (string, error) {
	r.calls++
	r.ctxErrs = append(r.ctxErrs, ctx.Err())
	if len(r.errs) > 0 {
		err := r.errs[0]
		r.errs = r.errs[1:]
		return r.detail, err
	}
	return r.detail, r.err
}

type capture struct {
	mu      sync.Mutex
	events  []observability.Event
	metrics []observability.Metric
}

func (c *capture) reporter() observability.Reporter {
	return observability.ReporterFuncs{
		OnEvent: func(_ context.Context, e observability.Event) {
			c.mu.Lock()
			defer c.mu.Unlock()
			c.events = append(c.events, e)
		},
		OnMetric: func(m observability.Metric) {
			c.mu.Lock()
			defer c.mu.Unlock()
			c.metrics = append(c.metrics, m)
		},
	}
}

func (c *capture) metric(name string) []observability.Metric {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []observability.Metric
	for _, m := range c.metrics {
		if m.Name == name {
			out = append(out, m)
		}
	}
	return out
}

func TestExecuteNoneHasNoEffect(t *testing.T) {
	healer := &stubHealer{}
	restarter := &stubRestarter{}
	rec := &capture{}
	exec, err := NewExecutor(healer, restarter, WithReporter(rec.reporter()))
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		out := exec.Execute(context.Background(), oracle.None, "system is healthy")
		assert.True(t, out.Succeeded)
		assert.Equal(t, oracle.None, out.Action)
	}
	assert.Zero(t, healer.calls)
	assert.Zero(t, restarter.calls)
	assert.Empty(t, rec.events)
	assert.Empty(t, rec.metrics)
}

func TestExecuteResetErrors(t *testing.T) {
	healer := &stubHealer{detail: "errors reset (previous_error_count=6)"}
	rec := &capture{}
	exec, err := NewExecutor(healer, &stubRestarter{}, WithReporter(rec.reporter()))
	require.NoError(t, err)

	out := exec.Execute(context.Background(), oracle.ResetErrors, "error count (6) >= 5")
	assert.True(t, out.Succeeded)
	assert.Equal(t, "errors reset (previous_error_count=6)", out.Detail)
	assert.Equal(t, 1, healer.calls)

	counters := rec.metric("remediations_total")
	require.Len(t, counters, 1)
	assert.Equal(t, map[string]string{"action": "reset_errors", "result": "success"}, counters[0].Labels)
	require.Len(t, rec.events, 1)
	assert.Equal(t, "error count (6) >= 5", rec.events[0].Fields["reason"])
}

func TestExecuteResetErrorsFailure(t *testing.T) {
	healer := &stubHealer{err: errors.New("heal endpoint returned HTTP 500: boom")}
	rec := &capture{}
	exec, err := NewExecutor(healer, &stubRestarter{}, WithReporter(rec.reporter()))
	require.NoError(t, err)

	out := exec.Execute(context.Background(), oracle.ResetErrors, "")
	assert.False(t, out.Succeeded)
	assert.Contains(t, out.Detail, "HTTP 500")
	assert.Equal(t, 1, healer.calls, "failures are not retried")
	require.Len(t, rec.events, 1)
	assert.Equal(t, observability.LevelError, rec.events[0].Level)
}

func TestExecuteRestartWaitsToSettle(t *testing.T) {
	restarter := &stubRestarter{detail: "container patient-app restarted via docker"}
	var slept []time.Duration
	exec, err := NewExecutor(&stubHealer{}, restarter,
		WithSettleDelay(3*time.Second),
		WithSleepFunc(func(d time.Duration) { slept = append(slept, d) }),
	)
	require.NoError(t, err)

	out := exec.Execute(context.Background(), oracle.RestartUnit, "error count (12) >= 10")
	assert.True(t, out.Succeeded)
	assert.Equal(t, "container patient-app restarted via docker", out.Detail)
	assert.Equal(t, []time.Duration{3 * time.Second}, slept)
	assert.Equal(t, "stub", exec.Mechanism())
}

func TestExecuteRestartFailureSkipsSettle(t *testing.T) {
	restarter := &stubRestarter{err: errors.New("no restart mechanism available: environment is unknown")}
	slept := 0
	exec, err := NewExecutor(&stubHealer{}, restarter, WithSleepFunc(func(time.Duration) { slept++ }))
	require.NoError(t, err)

	out := exec.Execute(context.Background(), oracle.RestartUnit, "")
	assert.False(t, out.Succeeded)
	assert.False(t, out.Suppressed)
	assert.Contains(t, out.Detail, "no restart mechanism")
	assert.Zero(t, slept)
}

func TestExecuteRestartUnknownEnvironment(t *testing.T) {
	exec, err := NewExecutor(&stubHealer{}, nil)
	require.NoError(t, err)
	out := exec.Execute(context.Background(), oracle.RestartUnit, "")
	assert.False(t, out.Succeeded)
	assert.Equal(t, "none", exec.Mechanism())
}

func TestExecuteRestartSuppressedByCooldown(t *testing.T) {
	restarter := &stubRestarter{detail: "ok"}
	rec := &capture{}
	guard := NewRestartGuard(WithCooldown(cooldown.NewMemoryManager("doctor-a", "patient", nil), time.Hour))
	exec, err := NewExecutor(&stubHealer{}, restarter,
		WithRestartGuard(guard),
		WithSettleDelay(0),
		WithReporter(rec.reporter()),
	)
	require.NoError(t, err)

	first := exec.Execute(context.Background(), oracle.RestartUnit, "")
	require.True(t, first.Succeeded)

	second := exec.Execute(context.Background(), oracle.RestartUnit, "")
	assert.False(t, second.Succeeded)
	assert.True(t, second.Suppressed)
	assert.Equal(t, "suppressed", second.Result())
	assert.Equal(t, 1, restarter.calls)

	guardMetrics := rec.metric("restart_guard_total")
	require.Len(t, guardMetrics, 2)
	assert.Equal(t, "admitted", guardMetrics[0].Labels["result"])
	assert.Equal(t, "cooldown", guardMetrics[1].Labels["result"])
}

func TestExecuteDryRun(t *testing.T) {
	healer := &stubHealer{}
	restarter := &stubRestarter{}
	exec, err := NewExecutor(healer, restarter, WithDryRun(true))
	require.NoError(t, err)

	for _, action := range []oracle.Action{oracle.ResetErrors, oracle.RestartUnit} {
		out := exec.Execute(context.Background(), action, "")
		assert.True(t, out.Succeeded)
		assert.Contains(t, out.Detail, "dry run")
	}
	assert.Zero(t, healer.calls)
	assert.Zero(t, restarter.calls)
}

func TestExecuteSettleInterruptedByContext(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	exec, err := NewExecutor(&stubHealer{}, &stubRestarter{detail: "ok"},
		WithSettleDelay(time.Hour),
		WithSleepFunc(func(time.Duration) { <-block }),
	)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	out := exec.Execute(ctx, oracle.RestartUnit, "")
	assert.True(t, out.Succeeded, "the restart itself completed")
	assert.Contains(t, out.Detail, "settle wait interrupted")
}

func TestExecuteRestartIgnoresCancellationUntilSettle(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	restarter := &stubRestarter{detail: "ok"}
	exec, err := NewExecutor(&stubHealer{}, restarter,
		WithSettleDelay(time.Hour),
		WithSleepFunc(func(time.Duration) { <-block }),
	)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out := exec.Execute(ctx, oracle.RestartUnit, "")
	assert.True(t, out.Succeeded)
	require.Len(t, restarter.ctxErrs, 1)
	assert.NoError(t, restarter.ctxErrs[0], "the restart must not see shutdown")
	assert.Contains(t, out.Detail, "settle wait interrupted")
}

func TestExecuteFailedRestartKeepsHourlyBudget(t *testing.T) {
	restarter := &stubRestarter{detail: "ok", errs: []error{errors.New("daemon unreachable")}}
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	guard := NewRestartGuard(WithHourlyLimit(1), WithGuardClock(func() time.Time { return now }))
	exec, err := NewExecutor(&stubHealer{}, restarter, WithRestartGuard(guard), WithSettleDelay(0))
	require.NoError(t, err)

	first := exec.Execute(context.Background(), oracle.RestartUnit, "")
	assert.False(t, first.Succeeded)
	assert.False(t, first.Suppressed)

	now = now.Add(10 * time.Second)
	second := exec.Execute(context.Background(), oracle.RestartUnit, "")
	assert.True(t, second.Succeeded, "a failed restart must not use up the hourly limit: %s", second.Detail)

	now = now.Add(10 * time.Second)
	third := exec.Execute(context.Background(), oracle.RestartUnit, "")
	assert.True(t, third.Suppressed)
	assert.Contains(t, third.Detail, CauseRateLimited)
	assert.Equal(t, 2, restarter.calls)
}

func TestExecuteReportsLockReleaseFailureWhenSuppressed(t *testing.T) {
	locker := &stubLocker{releaseErr: errors.New("etcd unavailable")}
	cd := cooldown.NewMemoryManager("doctor-a", "patient", nil)
	require.NoError(t, cd.Start(context.Background(), time.Hour))
	rec := &capture{}
	exec, err := NewExecutor(&stubHealer{}, &stubRestarter{},
		WithRestartGuard(NewRestartGuard(WithLock(locker), WithCooldown(cd, time.Hour))),
		WithReporter(rec.reporter()),
	)
	require.NoError(t, err)

	out := exec.Execute(context.Background(), oracle.RestartUnit, "")
	assert.True(t, out.Suppressed)
	assert.Equal(t, 1, locker.released)

	var names []string
	for _, e := range rec.events {
		names = append(names, e.Event)
	}
	assert.Contains(t, names, "restart_lock_release_failed")
}

func TestExecuteRestartBoundedWhenEtcdUnreachable(t *testing.T) {
	cluster := testutil.StartEmbeddedEtcd(t)
	locker, err := lock.NewEtcdManager(lock.EtcdManagerOptions{
		Endpoints:   cluster.Endpoints,
		DialTimeout: time.Second,
		Namespace:   "doctor",
		LockKey:     "/restart/lock",
		TTL:         5 * time.Second,
		Instance:    "doctor-a",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = locker.Close() })
	cluster.Stop()

	restarter := &stubRestarter{detail: "ok"}
	exec, err := NewExecutor(&stubHealer{}, restarter,
		WithRestartGuard(NewRestartGuard(WithLock(locker))),
		WithGuardTimeout(time.Second),
		WithSettleDelay(0),
	)
	require.NoError(t, err)

	done := make(chan Outcome, 1)
	go func() { done <- exec.Execute(context.Background(), oracle.RestartUnit, "") }()
	select {
	case out := <-done:
		assert.False(t, out.Succeeded)
		assert.False(t, out.Suppressed)
		assert.Zero(t, restarter.calls)
	case <-time.After(15 * time.Second):
		t.Fatal("restart still waiting on the lock with etcd down")
	}
}

func TestNewExecutorRequiresHealer(t *testing.T) {
	_, err := NewExecutor(nil, nil)
	assert.Error(t, err)
}
