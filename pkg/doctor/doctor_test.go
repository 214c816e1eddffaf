package doctor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3morii74/Hybrid-AIOps-for-Autonomous-Reliability-in-Cloud-Native-Systems/pkg/health"
	"github.com/3morii74/Hybrid-AIOps-for-Autonomous-Reliability-in-Cloud-Native-Systems/pkg/observability"
	"github.com/3morii74/Hybrid-AIOps-for-Autonomous-Reliability-in-Cloud-Native-Systems/pkg/oracle"
	"github.com/3morii74/Hybrid-AIOps-for-Autonomous-Reliability-in-Cloud-Native-Systems/pkg/remediation"
)

type fakeFetcher struct {
	mu      sync.Mutex
	samples []health.Sample
	idx     int
	calls   int
}

func (f *fakeFetcher) Fetch(context.Context) health.Sample {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.samples) == 0 {
		return health.NoData(errors.New("no samples"))
	}
	if f.idx >= len(f.samples) {
		return f.samples[len(f.samples)-1]
	}
	s := f.samples[f.idx]
	f.idx++
	return s
}

type fakeExecutor struct {
	mu      sync.Mutex
	actions []oracle.Action
	outcome func(oracle.Action) remediation.Outcome
}

func (f *fakeExecutor) Execute(_ context.Context, action oracle.Action, _ string) remediation.Outcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.actions = append(f.actions, action)
	if f.outcome != nil {
		return f.outcome(action)
	}
	return remediation.Outcome{Action: action, Succeeded: true}
}

type panicOracle struct{}

func (panicOracle) Name() string { return "panic" }

func (panicOracle) Decide(context.Context, health.Sample) oracle.Decision {
	panic("model exploded")
}

func observed(errorCount int) health.Sample {
	return health.Observed(health.Report{
		Status:         health.StatusHealthy,
		CPUUsagePct:    10,
		MemoryUsagePct: 20,
		ErrorCount:     errorCount,
		UptimeSeconds:  60,
	})
}

func thresholdOracle(t *testing.T) oracle.Oracle {
	t.Helper()
	o, err := oracle.NewThreshold(oracle.DefaultSoftThreshold, oracle.DefaultCriticalThreshold)
	require.NoError(t, err)
	return o
}

func TestNewValidatesCollaborators(t *testing.T) {
	_, err := New(nil, thresholdOracle(t), &fakeExecutor{})
	assert.Error(t, err, "missing fetcher")
	_, err = New(&fakeFetcher{}, nil, &fakeExecutor{})
	assert.Error(t, err, "missing oracle")
	_, err = New(&fakeFetcher{}, thresholdOracle(t), nil)
	assert.Error(t, err, "missing executor")
}

func TestTickDoesNotCarryDecisionsAcrossTicks(t *testing.T) {
	fetcher := &fakeFetcher{samples: []health.Sample{
		observed(12),
		health.NoData(errors.New("connection refused")),
		observed(0),
	}}
	executor := &fakeExecutor{}
	d, err := New(fetcher, thresholdOracle(t), executor)
	require.NoError(t, err)

	first := d.Tick(context.Background())
	second := d.Tick(context.Background())
	third := d.Tick(context.Background())

	assert.Equal(t, oracle.RestartUnit, first.Decision.Action)
	assert.Equal(t, oracle.None, second.Decision.Action)
	assert.Nil(t, second.Outcome, "no action after NoData")
	assert.Equal(t, oracle.None, third.Decision.Action)
	assert.Equal(t, []oracle.Action{oracle.RestartUnit}, executor.actions)
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, []string{ResultRemediated, ResultNoData, ResultHealthy},
		[]string{first.Result(), second.Result(), third.Result()})
	assert.Equal(t, 3, d.History().Len())
}

func TestTickRecoversFromPanic(t *testing.T) {
	var panics int
	reporter := observability.ReporterFuncs{
		OnMetric: func(m observability.Metric) {
			if m.Name == "tick_panics_total" {
				panics++
			}
		},
	}
	executor := &fakeExecutor{}
	d, err := New(&fakeFetcher{samples: []health.Sample{observed(50)}}, panicOracle{}, executor, WithReporter(reporter))
	require.NoError(t, err)

	res := d.Tick(context.Background())
	assert.Error(t, res.Err)
	assert.Equal(t, oracle.None, res.Decision.Action)
	assert.Nil(t, res.Outcome)
	assert.Equal(t, ResultPanic, res.Result())
	assert.Equal(t, 1, panics)
	assert.Empty(t, executor.actions)
}

func TestTickReportsOutcomeStates(t *testing.T) {
	cases := map[string]struct {
		outcome remediation.Outcome
		want    string
	}{
		"failed":     {remediation.Outcome{Succeeded: false, Detail: "boom"}, ResultFailed},
		"suppressed": {remediation.Outcome{Suppressed: true}, ResultSuppressed},
		"remediated": {remediation.Outcome{Succeeded: true}, ResultRemediated},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			executor := &fakeExecutor{outcome: func(a oracle.Action) remediation.Outcome {
				out := tc.outcome
				out.Action = a
				return out
			}}
			d, err := New(&fakeFetcher{samples: []health.Sample{observed(7)}}, thresholdOracle(t), executor)
			require.NoError(t, err)
			assert.Equal(t, tc.want, d.Tick(context.Background()).Result())
		})
	}
}

func TestRunStopsOnCancellation(t *testing.T) {
	fetcher := &fakeFetcher{samples: []health.Sample{observed(0)}}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var ticks int
	d, err := New(fetcher, thresholdOracle(t), &fakeExecutor{},
		WithInterval(time.Second),
		WithSleepFunc(func(time.Duration) {}),
		WithTickHook(func(TickResult) {
			ticks++
			if ticks == 3 {
				cancel()
			}
		}),
	)
	require.NoError(t, err)

	err = d.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.GreaterOrEqual(t, ticks, 3)
}

func TestRunInterruptsSleep(t *testing.T) {
	block := make(chan struct{})
	defer close(block)

	ctx, cancel := context.WithCancel(context.Background())
	d, err := New(&fakeFetcher{samples: []health.Sample{observed(0)}}, thresholdOracle(t), &fakeExecutor{},
		WithInterval(time.Hour),
		WithSleepFunc(func(time.Duration) { <-block }),
		WithTickHook(func(TickResult) { cancel() }),
	)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("run did not return after cancellation")
	}
}

func TestActionDispatchedAfterCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	executor := &fakeExecutor{}
	fetcher := &fakeFetcher{samples: []health.Sample{observed(11)}}
	d, err := New(&cancellingFetcher{inner: fetcher, cancel: cancel}, thresholdOracle(t), executor)
	require.NoError(t, err)

	res := d.Tick(ctx)
	require.NotNil(t, res.Outcome)
	assert.True(t, res.Outcome.Succeeded)
	assert.Equal(t, []oracle.Action{oracle.RestartUnit}, executor.actions,
		"a decision made before shutdown is still handed to the executor")
}

type cancellingFetcher struct {
	inner  health.Fetcher
	cancel context.CancelFunc
}

func (c *cancellingFetcher) Fetch(ctx context.Context) health.Sample {
	s := c.inner.Fetch(ctx)
	c.cancel()
	return s
}

func TestRunEmitsLifecycleEvents(t *testing.T) {
	var mu sync.Mutex
	var events []observability.Event
	reporter := observability.ReporterFuncs{OnEvent: func(_ context.Context, e observability.Event) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, e)
	}}

	ctx, cancel := context.WithCancel(context.Background())
	d, err := New(&fakeFetcher{samples: []health.Sample{observed(0)}}, thresholdOracle(t), &fakeExecutor{},
		WithReporter(reporter),
		WithSleepFunc(func(time.Duration) {}),
		WithStartupFields(map[string]interface{}{"target_url": "http://patient:5000"}),
		WithIDGenerator(func() string { return "tick-1" }),
		WithTickHook(func(TickResult) { cancel() }),
	)
	require.NoError(t, err)
	_ = d.Run(ctx)

	mu.Lock()
	defer mu.Unlock()
	names := make([]string, 0, len(events))
	for _, e := range events {
		names = append(names, e.Event)
	}
	require.Equal(t, []string{"doctor_started", "health_report", "decision", "doctor_stopped"}, names)
	assert.Equal(t, "http://patient:5000", events[0].Fields["target_url"])
	assert.Equal(t, "threshold", events[0].Fields["oracle"])
	assert.Equal(t, "tick-1", events[1].Fields["tick_id"])
}

func TestTickPublishesServiceGauges(t *testing.T) {
	var (
		mu     sync.Mutex
		gauges = map[string]float64{}
	)
	reporter := observability.ReporterFuncs{
		OnMetric: func(m observability.Metric) {
			if m.Type != observability.MetricGauge {
				return
			}
			mu.Lock()
			gauges[m.Name] = m.Value
			mu.Unlock()
		},
	}
	fetcher := &fakeFetcher{samples: []health.Sample{observed(3), health.NoData(errors.New("timeout"))}}
	d, err := New(fetcher, thresholdOracle(t), &fakeExecutor{}, WithReporter(reporter))
	require.NoError(t, err)

	d.Tick(context.Background())
	d.Tick(context.Background())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, map[string]float64{
		"service_error_count":          3,
		"service_cpu_usage_percent":    10,
		"service_memory_usage_percent": 20,
	}, gauges)
}
