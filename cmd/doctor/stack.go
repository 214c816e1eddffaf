package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"golang.org/x/time/rate"
	"k8s.io/client-go/kubernetes"

	"github.com/3morii74/Hybrid-AIOps-for-Autonomous-Reliability-in-Cloud-Native-Systems/pkg/config"
	"github.com/3morii74/Hybrid-AIOps-for-Autonomous-Reliability-in-Cloud-Native-Systems/pkg/cooldown"
	"github.com/3morii74/Hybrid-AIOps-for-Autonomous-Reliability-in-Cloud-Native-Systems/pkg/doctor"
	"github.com/3morii74/Hybrid-AIOps-for-Autonomous-Reliability-in-Cloud-Native-Systems/pkg/environment"
	"github.com/3morii74/Hybrid-AIOps-for-Autonomous-Reliability-in-Cloud-Native-Systems/pkg/health"
	"github.com/3morii74/Hybrid-AIOps-for-Autonomous-Reliability-in-Cloud-Native-Systems/pkg/lock"
	"github.com/3morii74/Hybrid-AIOps-for-Autonomous-Reliability-in-Cloud-Native-Systems/pkg/observability"
	"github.com/3morii74/Hybrid-AIOps-for-Autonomous-Reliability-in-Cloud-Native-Systems/pkg/oracle"
	"github.com/3morii74/Hybrid-AIOps-for-Autonomous-Reliability-in-Cloud-Native-Systems/pkg/remediation"
	"github.com/3morii74/Hybrid-AIOps-for-Autonomous-Reliability-in-Cloud-Native-Systems/pkg/statusboard"
	"github.com/3morii74/Hybrid-AIOps-for-Autonomous-Reliability-in-Cloud-Native-Systems/pkg/version"
)

// stackDeps lets tests replace the pieces that touch the host.
type stackDeps struct {
	detector   *environment.Detector
	kubeClient kubernetes.Interface
	runner     remediation.CommandRunner
	board      statusboard.Board
}

const (
	statusPublishTimeout = 2 * time.Second
	// statusWarnInterval spaces out repeated status_publish_failed warnings.
	statusWarnInterval = time.Minute
)

// stack is the fully wired doctor and the resources it owns.
type stack struct {
	cfg       *config.Config
	reporter  *observability.StructuredReporter
	collector *observability.PrometheusCollector
	detection environment.Detection
	selection oracle.Selection
	executor  *remediation.Executor
	board     statusboard.Board
	doctor    *doctor.Doctor

	publishWarnings *rate.Limiter
	publishDropped  int
	closers   []func() error
}

func buildStack(ctx context.Context, cfg *config.Config, stderr io.Writer, deps stackDeps) (*stack, error) {
	st := &stack{cfg: cfg}

	logger, err := buildLogger(cfg, stderr)
	if err != nil {
		return nil, err
	}
	if zl, ok := logger.(*observability.ZapLogger); ok {
		st.closers = append(st.closers, zl.Sync)
	}
	var metrics observability.MetricsCollector
	if cfg.Metrics.Enabled {
		st.collector = observability.NewPrometheusCollector()
		metrics = st.collector
	}
	st.reporter = observability.NewStructuredReporter(cfg.InstanceName, logger, metrics)

	fetcher, err := health.NewClient(cfg.TargetURL, health.WithTimeout(cfg.FetchTimeout()))
	if err != nil {
		st.Close()
		return nil, err
	}

	st.selection, err = selectOracle(ctx, cfg, st.reporter.ForComponent("oracle"))
	if err != nil {
		st.Close()
		return nil, err
	}
	if st.selection.FallbackCause != nil {
		st.warn(ctx, "learned_oracle_unavailable", st.selection.FallbackCause)
	}

	detector := deps.detector
	if detector == nil {
		detector = newDetector(cfg)
	}
	st.detection = detector.Detect(ctx)

	restarter, err := remediation.SelectRestarter(st.detection, remediation.RestarterOptions{
		Namespace:         environment.Namespace(cfg.Unit.Namespace, environment.ServiceAccountDir),
		PodSelector:       cfg.Unit.PodSelector,
		Kubeconfig:        cfg.Unit.Kubeconfig,
		Container:         cfg.Unit.ContainerName,
		Runtime:           cfg.Unit.Runtime,
		KubernetesTimeout: cfg.KubernetesRestartTimeout(),
		ContainerTimeout:  cfg.ContainerRestartTimeout(),
		Runner:            deps.runner,
		KubeClient:        deps.kubeClient,
	})
	if err != nil {
		st.warn(ctx, "restart_mechanism_unavailable", err)
	}

	healer, err := remediation.NewSoftHealer(cfg.TargetURL,
		remediation.WithHealTimeout(cfg.HealTimeout()),
		remediation.WithHealToken(cfg.HealToken),
	)
	if err != nil {
		st.Close()
		return nil, err
	}

	guard, err := st.buildGuard(restarter.Mechanism())
	if err != nil {
		st.Close()
		return nil, err
	}

	st.executor, err = remediation.NewExecutor(healer, restarter,
		remediation.WithRestartGuard(guard),
		remediation.WithGuardTimeout(cfg.CoordinationTimeout()),
		remediation.WithSettleDelay(cfg.SettleDelay()),
		remediation.WithDryRun(cfg.DryRun),
		remediation.WithReporter(st.reporter),
	)
	if err != nil {
		st.Close()
		return nil, err
	}

	doctorOpts := []doctor.Option{
		doctor.WithInterval(cfg.CheckInterval()),
		doctor.WithHistorySize(cfg.HistorySize),
		doctor.WithReporter(st.reporter),
		doctor.WithStartupFields(st.bannerFields()),
	}
	st.board = deps.board
	if st.board == nil && cfg.CoordinationEnabled() {
		board, err := openStatusBoard(cfg, cfg.InstanceName)
		if err != nil {
			st.Close()
			return nil, err
		}
		st.closers = append(st.closers, board.Close)
		st.board = board
	}
	if st.board != nil {
		doctorOpts = append(doctorOpts, doctor.WithTickHook(st.publishTick))
	}

	st.doctor, err = doctor.New(fetcher, st.selection.Oracle, st.executor, doctorOpts...)
	if err != nil {
		st.Close()
		return nil, err
	}
	return st, nil
}

func buildLogger(cfg *config.Config, stderr io.Writer) (observability.Logger, error) {
	level := observability.ParseLevel(cfg.Logging.Level)
	switch cfg.Logging.Backend {
	case config.LogBackendZap:
		logger, err := observability.NewProductionZapLogger(level)
		if err != nil {
			return nil, fmt.Errorf("build zap logger: %w", err)
		}
		return logger, nil
	default:
		return observability.NewJSONLogger(stderr).WithLevel(level), nil
	}
}

func selectOracle(ctx context.Context, cfg *config.Config, reporter observability.Reporter) (oracle.Selection, error) {
	var predictor oracle.Predictor
	if url := strings.TrimSpace(cfg.Oracle.PredictorURL); url != "" {
		p, err := oracle.NewHTTPPredictor(url, cfg.OracleTimeout(), nil)
		if err != nil {
			return oracle.Selection{}, err
		}
		predictor = p
	}
	if reporter == nil {
		reporter = observability.NoopReporter{}
	}
	onError := func(err error) {
		reporter.RecordEvent(ctx, observability.Event{
			Level:   observability.LevelWarn,
			Event:   "decision_error",
			Message: err.Error(),
		})
	}
	return oracle.Select(ctx, oracle.Mode(cfg.Oracle.Mode), predictor, cfg.Thresholds.Soft, cfg.Thresholds.Critical,
		oracle.WithErrorHandler(onError))
}

func newDetector(cfg *config.Config) *environment.Detector {
	var opts []environment.Option
	if cfg.Unit.Runtime != "" {
		opts = append(opts, environment.WithRuntimeIndicator(environment.NewRuntimeIndicator(cfg.Unit.Runtime)))
	}
	switch cfg.Unit.Environment {
	case config.EnvironmentKubernetes:
		opts = append(opts, environment.WithForcedEnvironment(environment.KubernetesPod))
	case config.EnvironmentContainer:
		opts = append(opts, environment.WithForcedEnvironment(environment.ContainerRuntime))
	case config.EnvironmentNone:
		opts = append(opts, environment.WithForcedEnvironment(environment.Unknown))
	}
	return environment.NewDetector(opts...)
}

func (st *stack) buildGuard(mechanism string) (*remediation.RestartGuard, error) {
	cfg := st.cfg
	opts := []remediation.GuardOption{remediation.WithHourlyLimit(cfg.Restart.MaxPerHour)}

	unit := cfg.Unit.ContainerName
	if mechanism == "kubernetes" {
		unit = cfg.Unit.PodSelector
	}

	if !cfg.CoordinationEnabled() {
		opts = append(opts, remediation.WithCooldown(cooldown.NewMemoryManager(cfg.InstanceName, unit, nil), cfg.RestartCooldown()))
		return remediation.NewRestartGuard(opts...), nil
	}

	locker, err := lock.NewEtcdManager(lock.EtcdManagerOptions{
		Endpoints: cfg.Coordination.EtcdEndpoints,
		LockKey:   cfg.Coordination.LockKey,
		Namespace: cfg.Coordination.EtcdNamespace,
		TTL:       cfg.LockTTL(),
		Instance:  cfg.InstanceName,
		Unit:      unit,
	})
	if err != nil {
		return nil, fmt.Errorf("build restart lock: %w", err)
	}
	st.closers = append(st.closers, locker.Close)

	cd, err := cooldown.NewEtcdManager(cooldown.EtcdManagerOptions{
		Endpoints: cfg.Coordination.EtcdEndpoints,
		Namespace: cfg.Coordination.EtcdNamespace,
		Key:       cfg.Coordination.CooldownKey,
		Instance:  cfg.InstanceName,
		Unit:      unit,
	})
	if err != nil {
		return nil, fmt.Errorf("build restart cooldown: %w", err)
	}
	st.closers = append(st.closers, cd.Close)

	opts = append(opts, remediation.WithLock(locker), remediation.WithCooldown(cd, cfg.RestartCooldown()))
	return remediation.NewRestartGuard(opts...), nil
}

func openStatusBoard(cfg *config.Config, instance string) (*statusboard.EtcdBoard, error) {
	board, err := statusboard.NewEtcdBoard(statusboard.EtcdBoardOptions{
		Endpoints: cfg.Coordination.EtcdEndpoints,
		Namespace: cfg.Coordination.EtcdNamespace,
		Prefix:    cfg.Coordination.StatusPrefix,
		Instance:  instance,
		TTL:       cfg.StatusTTL(),
	})
	if err != nil {
		return nil, fmt.Errorf("build status board: %w", err)
	}
	return board, nil
}

// publishTick shares a finished tick on the status board. Failures are
// reported and never interrupt the loop.
func (st *stack) publishTick(res doctor.TickResult) {
	entry := statusboard.Entry{
		Instance: st.cfg.InstanceName,
		TickID:   res.ID,
		Result:   res.Result(),
	}
	if report, ok := res.Sample.Report(); ok {
		errorCount := report.ErrorCount
		entry.HealthStatus = string(report.Status)
		entry.ErrorCount = &errorCount
	}
	if res.Outcome != nil {
		entry.Action = res.Outcome.Action.String()
		entry.Detail = res.Outcome.Detail
	}

	ctx, cancel := context.WithTimeout(context.Background(), statusPublishTimeout)
	defer cancel()
	if err := st.board.Publish(ctx, entry); err != nil {
		st.publishFailed(ctx, err)
	}
}

func (st *stack) bannerFields() map[string]interface{} {
	cfg := st.cfg
	fields := map[string]interface{}{
		"version":            version.Version,
		"target_url":         cfg.TargetURL,
		"environment":        st.detection.Environment.String(),
		"restart_mechanism":  st.executor.Mechanism(),
		"soft_threshold":     cfg.Thresholds.Soft,
		"critical_threshold": cfg.Thresholds.Critical,
		"dry_run":            cfg.DryRun,
		"coordination":       cfg.CoordinationEnabled(),
	}
	switch st.detection.Environment {
	case environment.KubernetesPod:
		fields["pod_selector"] = cfg.Unit.PodSelector
	case environment.ContainerRuntime:
		fields["container"] = cfg.Unit.ContainerName
		fields["runtime"] = st.detection.RuntimeBinary
	}
	return fields
}

// publishFailed counts every failed publish but warns at most once per
// statusWarnInterval, so an etcd outage does not flood the log.
func (st *stack) publishFailed(ctx context.Context, err error) {
	st.reporter.RecordMetric(observability.Metric{
		Name:        "status_publish_failures_total",
		Type:        observability.MetricCounter,
		Value:       1,
		Description: "Number of ticks that could not be published to the status board.",
	})
	if st.publishWarnings == nil {
		st.publishWarnings = rate.NewLimiter(rate.Every(statusWarnInterval), 1)
	}
	if !st.publishWarnings.Allow() {
		st.publishDropped++
		return
	}
	st.reporter.RecordEvent(ctx, observability.Event{
		Level:   observability.LevelWarn,
		Event:   "status_publish_failed",
		Message: err.Error(),
		Fields:  map[string]interface{}{"suppressed_warnings": st.publishDropped},
	})
	st.publishDropped = 0
}

func (st *stack) warn(ctx context.Context, event string, err error) {
	st.reporter.RecordEvent(ctx, observability.Event{
		Level:   observability.LevelWarn,
		Event:   event,
		Message: err.Error(),
	})
}

// Close releases coordination clients and flushes the logger.
func (st *stack) Close() {
	for i := len(st.closers) - 1; i >= 0; i-- {
		_ = st.closers[i]()
	}
	st.closers = nil
}
