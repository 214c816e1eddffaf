package doctor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"github.com/3morii74/Hybrid-AIOps-for-Autonomous-Reliability-in-Cloud-Native-Systems/pkg/health"
	"github.com/3morii74/Hybrid-AIOps-for-Autonomous-Reliability-in-Cloud-Native-Systems/pkg/observability"
	"github.com/3morii74/Hybrid-AIOps-for-Autonomous-Reliability-in-Cloud-Native-Systems/pkg/oracle"
	"github.com/3morii74/Hybrid-AIOps-for-Autonomous-Reliability-in-Cloud-Native-Systems/pkg/remediation"
)

// DefaultInterval is the pause between ticks when none is configured.
const DefaultInterval = 5 * time.Second

// DefaultHistorySize bounds the tick history when none is configured.
const DefaultHistorySize = 64

// Executor applies a decided action to the monitored unit. An action already
// dispatched must run to completion even when ctx is cancelled.
type Executor interface {
	Execute(ctx context.Context, action oracle.Action, reason string) remediation.Outcome
}

// Tick results, used as metric labels.
const (
	ResultHealthy    = "healthy"
	ResultNoData     = "no_data"
	ResultRemediated = "remediated"
	ResultFailed     = "remediation_failed"
	ResultSuppressed = "suppressed"
	ResultPanic      = "panic"
)

// TickResult describes one fetch, decide and act cycle.
type TickResult struct {
	ID        string
	StartedAt time.Time
	Duration  time.Duration
	Sample    health.Sample
	Decision  oracle.Decision
	// Outcome is nil when no action was executed.
	Outcome *remediation.Outcome
	// Err is set when the tick panicked; the tick is then treated as a no-op.
	Err error
}

// Result summarises the tick for metrics.
func (r TickResult) Result() string {
	switch {
	case r.Err != nil:
		return ResultPanic
	case r.Outcome != nil && r.Outcome.Suppressed:
		return ResultSuppressed
	case r.Outcome != nil && !r.Outcome.Succeeded:
		return ResultFailed
	case r.Outcome != nil:
		return ResultRemediated
	case !r.Sample.HasData():
		return ResultNoData
	default:
		return ResultHealthy
	}
}

// Doctor periodically checks the monitored service and remediates it.
type Doctor struct {
	fetcher  health.Fetcher
	oracle   oracle.Oracle
	executor Executor
	interval time.Duration
	sleep    func(time.Duration)
	tickHook func(TickResult)
	reporter observability.Reporter
	history  *History
	now      func() time.Time
	newID    func() string
	banner   map[string]interface{}
}

// Option customises a Doctor.
type Option func(*Doctor)

// WithInterval sets the pause between ticks.
func WithInterval(interval time.Duration) Option {
	return func(d *Doctor) {
		d.interval = interval
	}
}

// WithSleepFunc overrides the sleep implementation between ticks.
func WithSleepFunc(fn func(time.Duration)) Option {
	return func(d *Doctor) {
		d.sleep = fn
	}
}

// WithTickHook registers a callback invoked after every tick.
func WithTickHook(fn func(TickResult)) Option {
	return func(d *Doctor) {
		d.tickHook = fn
	}
}

// WithReporter sets the reporter receiving tick events and metrics.
func WithReporter(r observability.Reporter) Option {
	return func(d *Doctor) {
		if r != nil {
			d.reporter = r
		}
	}
}

// WithHistorySize bounds the number of ticks retained in History.
func WithHistorySize(n int) Option {
	return func(d *Doctor) {
		d.history = NewHistory(n)
	}
}

// WithClock overrides the time source.
func WithClock(fn func() time.Time) Option {
	return func(d *Doctor) {
		if fn != nil {
			d.now = fn
		}
	}
}

// WithIDGenerator overrides how tick identifiers are generated.
func WithIDGenerator(fn func() string) Option {
	return func(d *Doctor) {
		if fn != nil {
			d.newID = fn
		}
	}
}

// WithStartupFields adds fields to the event emitted when Run starts.
func WithStartupFields(fields map[string]interface{}) Option {
	return func(d *Doctor) {
		d.banner = fields
	}
}

// New assembles a Doctor from its three collaborators.
func New(fetcher health.Fetcher, decider oracle.Oracle, executor Executor, opts ...Option) (*Doctor, error) {
	if fetcher == nil {
		return nil, errors.New("doctor requires a health fetcher")
	}
	if decider == nil {
		return nil, errors.New("doctor requires a decision oracle")
	}
	if executor == nil {
		return nil, errors.New("doctor requires an action executor")
	}

	d := &Doctor{
		fetcher:  fetcher,
		oracle:   decider,
		executor: executor,
		interval: DefaultInterval,
		sleep:    time.Sleep,
		reporter: observability.NoopReporter{},
		now:      time.Now,
		newID:    func() string { return uuid.NewString() },
	}
	for _, opt := range opts {
		opt(d)
	}

	if d.sleep == nil {
		d.sleep = time.Sleep
	}
	if d.interval <= 0 {
		d.interval = DefaultInterval
	}
	if d.history == nil {
		d.history = NewHistory(DefaultHistorySize)
	}
	return d, nil
}

// History returns the bounded tick history.
func (d *Doctor) History() *History { return d.history }

// Run executes ticks until ctx is cancelled and returns the context error.
// An action in flight when ctx is cancelled runs to completion.
func (d *Doctor) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	d.recordStart(ctx)
	ticks := 0
	defer func() {
		d.reporter.RecordEvent(context.Background(), observability.Event{
			Level:  observability.LevelInfo,
			Event:  "doctor_stopped",
			Fields: map[string]interface{}{"ticks": ticks},
		})
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		d.Tick(ctx)
		ticks++

		if err := d.sleepWithContext(ctx, d.interval); err != nil {
			return err
		}
	}
}

// Tick runs a single fetch, decide and act cycle. It never panics; a panic
// inside the cycle is recovered, reported and the tick is treated as a no-op.
func (d *Doctor) Tick(ctx context.Context) (res TickResult) {
	if ctx == nil {
		ctx = context.Background()
	}
	res = TickResult{ID: d.newID(), StartedAt: d.now()}

	defer func() {
		if rec := recover(); rec != nil {
			res.Err = fmt.Errorf("tick panicked: %v", rec)
			res.Decision = oracle.Decision{Action: oracle.None, Reason: "tick failed"}
			res.Outcome = nil
			d.recordPanic(ctx, res.ID, rec)
		}
		res.Duration = d.now().Sub(res.StartedAt)
		d.history.Add(res)
		d.reporter.RecordMetric(observability.Metric{
			Name:        "ticks_total",
			Type:        observability.MetricCounter,
			Value:       1,
			Labels:      map[string]string{"result": res.Result()},
			Description: "Number of doctor ticks grouped by result.",
		})
		if d.tickHook != nil {
			d.tickHook(res)
		}
	}()

	fetchStart := d.now()
	res.Sample = d.fetcher.Fetch(ctx)
	d.recordFetch(ctx, res.ID, res.Sample, d.now().Sub(fetchStart))

	res.Decision = d.oracle.Decide(ctx, res.Sample)
	d.recordDecision(ctx, res.ID, res.Decision)

	if res.Decision.Action == oracle.None {
		return res
	}

	out := d.executor.Execute(ctx, res.Decision.Action, res.Decision.Reason)
	res.Outcome = &out
	return res
}

func (d *Doctor) sleepWithContext(ctx context.Context, dur time.Duration) error {
	if dur <= 0 {
		return nil
	}
	done := make(chan struct{})
	go func() {
		d.sleep(dur)
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

func (d *Doctor) recordStart(ctx context.Context) {
	fields := map[string]interface{}{
		"oracle":       d.oracle.Name(),
		"interval_sec": d.interval.Seconds(),
	}
	for k, v := range d.banner {
		fields[k] = v
	}
	d.reporter.RecordEvent(ctx, observability.Event{
		Level:   observability.LevelInfo,
		Event:   "doctor_started",
		Message: "self-healing doctor started",
		Fields:  fields,
	})
}

func (d *Doctor) recordFetch(ctx context.Context, tickID string, sample health.Sample, duration time.Duration) {
	result := "ok"
	if !sample.HasData() {
		result = "no_data"
	}
	d.reporter.RecordMetric(observability.Metric{
		Name:        "health_fetch_seconds",
		Type:        observability.MetricHistogram,
		Value:       duration.Seconds(),
		Labels:      map[string]string{"result": result},
		Description: "Duration of health fetches.",
		Unit:        "seconds",
	})

	report, ok := sample.Report()
	if !ok {
		fields := map[string]interface{}{"tick_id": tickID, "duration_ms": duration.Milliseconds()}
		if err := sample.Err(); err != nil {
			fields["error"] = err.Error()
		}
		d.reporter.RecordEvent(ctx, observability.Event{
			Level:     observability.LevelWarn,
			Component: "health",
			Event:     "health_unavailable",
			Fields:    fields,
		})
		return
	}

	for _, gauge := range []struct {
		name, description string
		value             int
	}{
		{"service_error_count", "Error count last reported by the monitored service.", report.ErrorCount},
		{"service_cpu_usage_percent", "CPU usage last reported by the monitored service.", report.CPUUsagePct},
		{"service_memory_usage_percent", "Memory usage last reported by the monitored service.", report.MemoryUsagePct},
	} {
		d.reporter.RecordMetric(observability.Metric{
			Name:        gauge.name,
			Type:        observability.MetricGauge,
			Value:       float64(gauge.value),
			Description: gauge.description,
		})
	}

	fields := report.Fields()
	fields["tick_id"] = tickID
	fields["duration_ms"] = duration.Milliseconds()
	d.reporter.RecordEvent(ctx, observability.Event{
		Level:     observability.LevelInfo,
		Component: "health",
		Event:     "health_report",
		Fields:    fields,
	})
}

func (d *Doctor) recordDecision(ctx context.Context, tickID string, decision oracle.Decision) {
	d.reporter.RecordMetric(observability.Metric{
		Name:        "decisions_total",
		Type:        observability.MetricCounter,
		Value:       1,
		Labels:      map[string]string{"oracle": d.oracle.Name(), "action": decision.Action.String()},
		Description: "Number of oracle decisions grouped by oracle and action.",
	})

	level := observability.LevelDebug
	if decision.Action != oracle.None {
		level = observability.LevelInfo
	}
	fields := decision.Fields()
	fields["tick_id"] = tickID
	fields["oracle"] = d.oracle.Name()
	d.reporter.RecordEvent(ctx, observability.Event{
		Level:     level,
		Component: "oracle",
		Event:     "decision",
		Message:   decision.Reason,
		Fields:    fields,
	})
}

func (d *Doctor) recordPanic(ctx context.Context, tickID string, rec interface{}) {
	d.reporter.RecordMetric(observability.Metric{
		Name:        "tick_panics_total",
		Type:        observability.MetricCounter,
		Value:       1,
		Description: "Number of ticks that panicked and were recovered.",
	})
	d.reporter.RecordEvent(ctx, observability.Event{
		Level:   observability.LevelError,
		Event:   "tick_panic",
		Message: fmt.Sprint(rec),
		Fields: map[string]interface{}{
			"tick_id": tickID,
			"stack":   string(debug.Stack()),
		},
	})
}
