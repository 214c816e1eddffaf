package remediation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/3morii74/Hybrid-AIOps-for-Autonomous-Reliability-in-Cloud-Native-Systems/pkg/observability"
	"github.com/3morii74/Hybrid-AIOps-for-Autonomous-Reliability-in-Cloud-Native-Systems/pkg/oracle"
)

const (
	// DefaultSettleDelay is how long the executor waits after a successful restart.
	DefaultSettleDelay = 3 * time.Second
	// DefaultGuardTimeout bounds each restart guard step.
	DefaultGuardTimeout = 10 * time.Second
)

// Outcome is the result of executing one action.
type Outcome struct {
	Action     oracle.Action
	Succeeded  bool
	Suppressed bool
	Detail     string
	Duration   time.Duration
}

// Result returns the metric label describing the outcome.
func (o Outcome) Result() string {
	switch {
	case o.Suppressed:
		return "suppressed"
	case o.Succeeded:
		return "success"
	default:
		return "failure"
	}
}

// Fields returns the outcome as structured log fields.
func (o Outcome) Fields() map[string]interface{} {
	return map[string]interface{}{
		"action":      o.Action.String(),
		"succeeded":   o.Succeeded,
		"suppressed":  o.Suppressed,
		"detail":      o.Detail,
		"duration_ms": o.Duration.Milliseconds(),
	}
}

// Executor applies remediation actions to the monitored unit.
type Executor struct {
	healer    Healer
	restarter Restarter
	guard     *RestartGuard
	guardWait time.Duration
	settle    time.Duration
	dryRun    bool
	reporter  observability.Reporter
	sleepFn   func(time.Duration)
	now       func() time.Time
}

// Option customises an Executor.
type Option func(*Executor)

// WithRestartGuard sets the guard consulted before every hard restart.
func WithRestartGuard(g *RestartGuard) Option {
	return func(e *Executor) {
		if g != nil {
			e.guard = g
		}
	}
}

// WithGuardTimeout bounds admission and commit against the restart guard.
func WithGuardTimeout(d time.Duration) Option {
	return func(e *Executor) {
		if d > 0 {
			e.guardWait = d
		}
	}
}

// WithSettleDelay overrides the wait after a successful restart.
func WithSettleDelay(d time.Duration) Option {
	return func(e *Executor) {
		if d >= 0 {
			e.settle = d
		}
	}
}

// WithDryRun reports actions without applying them.
func WithDryRun(enabled bool) Option {
	return func(e *Executor) {
		e.dryRun = enabled
	}
}

// WithReporter sets the reporter used for remediation events and metrics.
func WithReporter(r observability.Reporter) Option {
	return func(e *Executor) {
		if r != nil {
			e.reporter = r
		}
	}
}

// WithSleepFunc overrides the sleep used for the settle delay.
func WithSleepFunc(fn func(time.Duration)) Option {
	return func(e *Executor) {
		if fn != nil {
			e.sleepFn = fn
		}
	}
}

// WithClock overrides the clock used to measure action duration.
func WithClock(now func() time.Time) Option {
	return func(e *Executor) {
		if now != nil {
			e.now = now
		}
	}
}

// NewExecutor builds an executor from a healer and a restarter.
func NewExecutor(healer Healer, restarter Restarter, opts ...Option) (*Executor, error) {
	if healer == nil {
		return nil, errors.New("executor requires a healer")
	}
	if restarter == nil {
		restarter = UnavailableRestarter{}
	}
	e := &Executor{
		healer:    healer,
		restarter: restarter,
		guard:     NewRestartGuard(),
		guardWait: DefaultGuardTimeout,
		settle:    DefaultSettleDelay,
		reporter:  observability.NoopReporter{},
		sleepFn:   time.Sleep,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Mechanism names the hard restart mechanism in use.
func (e *Executor) Mechanism() string { return e.restarter.Mechanism() }

// Execute applies action. None is a no-op without external effects. Failures
// are reported in the Outcome and never retried. The action itself ignores
// cancellation of ctx and is bounded by its own timeouts; only the settle
// wait after a restart ends early when ctx is done.
func (e *Executor) Execute(ctx context.Context, action oracle.Action, reason string) Outcome {
	if ctx == nil {
		ctx = context.Background()
	}
	if action == oracle.None {
		return Outcome{Action: oracle.None, Succeeded: true, Detail: "no action"}
	}

	start := e.now()
	actionCtx := context.WithoutCancel(ctx)
	var out Outcome
	switch {
	case !action.Valid():
		out = Outcome{Action: action, Detail: fmt.Sprintf("unsupported action %s", action)}
	case e.dryRun:
		out = Outcome{Action: action, Succeeded: true, Detail: "dry run: " + action.String() + " not applied"}
	case action == oracle.ResetErrors:
		out = e.softHeal(actionCtx)
	default:
		out = e.hardRestart(actionCtx, ctx)
	}
	out.Duration = e.now().Sub(start)
	e.record(ctx, out, reason)
	return out
}

func (e *Executor) softHeal(ctx context.Context) Outcome {
	detail, err := e.healer.Heal(ctx)
	if err != nil {
		return Outcome{Action: oracle.ResetErrors, Detail: err.Error()}
	}
	return Outcome{Action: oracle.ResetErrors, Succeeded: true, Detail: detail}
}

// hardRestart runs the restart on ctx and waits for it to settle on settleCtx.
// The restart lock is held until the settle wait ends.
func (e *Executor) hardRestart(ctx, settleCtx context.Context) Outcome {
	admitCtx, cancel := context.WithTimeout(ctx, e.guardWait)
	admission, err := e.guard.Admit(admitCtx)
	cancel()
	if err != nil {
		e.reportRelease(ctx, err)
		var suppressed *SuppressedError
		if errors.As(err, &suppressed) {
			e.recordGuard(suppressed.Cause)
			return Outcome{Action: oracle.RestartUnit, Suppressed: true, Detail: suppressed.Error()}
		}
		e.recordGuard("error")
		return Outcome{Action: oracle.RestartUnit, Detail: err.Error()}
	}
	e.recordGuard("admitted")
	defer func() {
		e.reportRelease(ctx, admission.Release())
	}()

	detail, err := e.restarter.Restart(ctx)
	if err != nil {
		return Outcome{Action: oracle.RestartUnit, Detail: err.Error()}
	}
	commitCtx, cancel := context.WithTimeout(ctx, e.guardWait)
	defer cancel()
	if err := admission.Commit(commitCtx); err != nil {
		detail += "; " + err.Error()
	}
	if e.settle > 0 {
		if err := e.sleepWithContext(settleCtx, e.settle); err != nil {
			detail += "; settle wait interrupted"
		}
	}
	return Outcome{Action: oracle.RestartUnit, Succeeded: true, Detail: detail}
}

func (e *Executor) reportRelease(ctx context.Context, err error) {
	var releaseErr *LockReleaseError
	if !errors.As(err, &releaseErr) {
		return
	}
	e.reporter.RecordEvent(ctx, observability.Event{
		Level:     observability.LevelWarn,
		Component: "remediation",
		Event:     "restart_lock_release_failed",
		Message:   releaseErr.Error(),
	})
}

func (e *Executor) sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	done := make(chan struct{})
	go func() {
		e.sleepFn(d)
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

func (e *Executor) recordGuard(result string) {
	e.reporter.RecordMetric(observability.Metric{
		Name:        "restart_guard_total",
		Type:        observability.MetricCounter,
		Value:       1,
		Labels:      map[string]string{"result": result},
		Description: "Number of hard restart admissions grouped by result.",
	})
}

func (e *Executor) record(ctx context.Context, out Outcome, reason string) {
	labels := map[string]string{"action": out.Action.String(), "result": out.Result()}
	e.reporter.RecordMetric(observability.Metric{
		Name:        "remediations_total",
		Type:        observability.MetricCounter,
		Value:       1,
		Labels:      labels,
		Description: "Number of remediation actions grouped by action and result.",
	})
	e.reporter.RecordMetric(observability.Metric{
		Name:        "remediation_seconds",
		Type:        observability.MetricHistogram,
		Value:       out.Duration.Seconds(),
		Labels:      labels,
		Description: "Duration of remediation actions.",
		Unit:        "seconds",
	})

	level := observability.LevelInfo
	switch out.Result() {
	case "suppressed":
		level = observability.LevelWarn
	case "failure":
		level = observability.LevelError
	}
	fields := out.Fields()
	fields["reason"] = reason
	if out.Action == oracle.RestartUnit {
		fields["mechanism"] = e.restarter.Mechanism()
	}
	if e.dryRun {
		fields["dry_run"] = true
	}
	e.reporter.RecordEvent(ctx, observability.Event{
		Level:     level,
		Component: "remediation",
		Event:     "remediation",
		Message:   out.Detail,
		Fields:    fields,
	})
}
