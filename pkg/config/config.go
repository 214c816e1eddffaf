package config

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const DefaultConfigPath = "/etc/doctor/config.yaml"

// Oracle modes.
const (
	OracleAuto      = "auto"
	OracleLearned   = "learned"
	OracleThreshold = "threshold"
)

// Execution environment overrides.
const (
	EnvironmentAuto       = "auto"
	EnvironmentKubernetes = "kubernetes"
	EnvironmentContainer  = "container"
	EnvironmentNone       = "none"
)

// Logging backends.
const (
	LogBackendJSON = "json"
	LogBackendZap  = "zap"
)

// Config represents the runtime configuration for the doctor daemon. It is
// captured once at startup and never mutated afterwards.
type Config struct {
	InstanceName     string             `yaml:"instance_name"`
	TargetURL        string             `yaml:"target_url"`
	CheckIntervalSec int                `yaml:"check_interval_sec"`
	FetchTimeoutSec  int                `yaml:"fetch_timeout_sec"`
	HealTimeoutSec   int                `yaml:"heal_timeout_sec"`
	HealToken        string             `yaml:"heal_token"`
	Thresholds       ThresholdConfig    `yaml:"thresholds"`
	Oracle           OracleConfig       `yaml:"oracle"`
	Unit             UnitConfig         `yaml:"unit"`
	Restart          RestartConfig      `yaml:"restart"`
	Coordination     CoordinationConfig `yaml:"coordination"`
	HistorySize      int                `yaml:"history_size"`
	Logging          LoggingConfig      `yaml:"logging"`
	Metrics          MetricsConfig      `yaml:"metrics"`
	DryRun           bool               `yaml:"dry_run"`
}

// ThresholdConfig holds the error-count thresholds of the rule-based oracle.
type ThresholdConfig struct {
	Soft     int `yaml:"soft"`
	Critical int `yaml:"critical"`
}

// OracleConfig selects the decision policy.
type OracleConfig struct {
	Mode         string `yaml:"mode"`
	PredictorURL string `yaml:"predictor_url"`
	TimeoutSec   int    `yaml:"timeout_sec"`
}

// UnitConfig identifies the execution unit running the monitored service.
type UnitConfig struct {
	ContainerName string `yaml:"container_name"`
	Runtime       string `yaml:"runtime"`
	PodSelector   string `yaml:"pod_selector"`
	Namespace     string `yaml:"namespace"`
	Kubeconfig    string `yaml:"kubeconfig"`
	Environment   string `yaml:"environment"`
}

// RestartConfig bounds hard restarts.
type RestartConfig struct {
	KubernetesTimeoutSec int `yaml:"kubernetes_timeout_sec"`
	ContainerTimeoutSec  int `yaml:"container_timeout_sec"`
	SettleDelaySec       int `yaml:"settle_delay_sec"`
	CooldownSec          int `yaml:"cooldown_sec"`
	MaxPerHour           int `yaml:"max_per_hour"`
}

// CoordinationConfig enables etcd-backed restart coordination between doctor replicas.
type CoordinationConfig struct {
	EtcdEndpoints []string `yaml:"etcd_endpoints"`
	EtcdNamespace string   `yaml:"etcd_namespace"`
	LockKey       string   `yaml:"lock_key"`
	LockTTLSec    int      `yaml:"lock_ttl_sec"`
	TimeoutSec    int      `yaml:"timeout_sec"`
	CooldownKey   string   `yaml:"cooldown_key"`
	StatusPrefix  string   `yaml:"status_prefix"`
	StatusTTLSec  int      `yaml:"status_ttl_sec"`
}

// LoggingConfig selects the event sink.
type LoggingConfig struct {
	Backend string `yaml:"backend"`
	Level   string `yaml:"level"`
}

// MetricsConfig defines observability exposure options.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// ValidationError aggregates multiple configuration validation failures.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid configuration: %s", strings.Join(e.Problems, "; "))
}

func (e *ValidationError) Is(target error) bool {
	var other *ValidationError
	return errors.As(target, &other)
}

// Load reads, parses, and validates a configuration from disk.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()
	return decode(f)
}

func decode(r io.Reader) (*Config, error) {
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)

	var cfg Config
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks for semantic correctness in the configuration.
func (c *Config) Validate() error {
	problems := make([]string, 0)

	if strings.TrimSpace(c.TargetURL) == "" {
		problems = append(problems, "target_url is required")
	} else if u, err := url.Parse(c.TargetURL); err != nil || u.Scheme == "" || u.Host == "" {
		problems = append(problems, fmt.Sprintf("target_url %q must be an absolute http(s) URL", c.TargetURL))
	}
	if c.CheckIntervalSec <= 0 {
		problems = append(problems, "check_interval_sec must be greater than zero")
	}
	if c.FetchTimeoutSec <= 0 {
		problems = append(problems, "fetch_timeout_sec must be greater than zero")
	}
	if c.HealTimeoutSec <= 0 {
		problems = append(problems, "heal_timeout_sec must be greater than zero")
	}
	// Thresholds only block startup when they are the sole policy; otherwise
	// oracle selection decides whether a learned oracle can stand in for them.
	if c.Oracle.Mode == OracleThreshold {
		problems = append(problems, c.Thresholds.validate()...)
	}
	problems = append(problems, c.Oracle.validate()...)
	problems = append(problems, c.Unit.validate()...)

	if c.Restart.KubernetesTimeoutSec <= 0 {
		problems = append(problems, "restart.kubernetes_timeout_sec must be greater than zero")
	}
	if c.Restart.ContainerTimeoutSec <= 0 {
		problems = append(problems, "restart.container_timeout_sec must be greater than zero")
	}
	if c.Restart.SettleDelaySec < 0 {
		problems = append(problems, "restart.settle_delay_sec must be non-negative")
	}
	if c.Restart.CooldownSec < 0 {
		problems = append(problems, "restart.cooldown_sec must be non-negative")
	}
	if c.Restart.MaxPerHour < 0 {
		problems = append(problems, "restart.max_per_hour must be non-negative")
	}

	if len(c.Coordination.EtcdEndpoints) > 0 {
		if strings.TrimSpace(c.Coordination.LockKey) == "" {
			problems = append(problems, "coordination.lock_key is required when etcd_endpoints are set")
		}
		if c.Coordination.LockTTLSec <= 0 {
			problems = append(problems, "coordination.lock_ttl_sec must be greater than zero")
		}
		if c.Coordination.TimeoutSec < 0 {
			problems = append(problems, "coordination.timeout_sec must be non-negative")
		}
		if strings.TrimSpace(c.Coordination.CooldownKey) == "" {
			problems = append(problems, "coordination.cooldown_key is required when etcd_endpoints are set")
		}
		if c.Coordination.StatusTTLSec < 0 {
			problems = append(problems, "coordination.status_ttl_sec must be non-negative")
		}
	}

	if c.HistorySize < 0 {
		problems = append(problems, "history_size must be non-negative")
	}
	switch c.Logging.Backend {
	case LogBackendJSON, LogBackendZap:
	default:
		problems = append(problems, fmt.Sprintf("logging.backend %q is not supported", c.Logging.Backend))
	}
	if c.Metrics.Enabled && strings.TrimSpace(c.Metrics.Listen) == "" {
		problems = append(problems, "metrics.listen must be set when metrics.enabled is true")
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.InstanceName) == "" {
		if host, err := os.Hostname(); err == nil {
			c.InstanceName = host
		} else {
			c.InstanceName = "doctor"
		}
	}
	c.TargetURL = strings.TrimRight(strings.TrimSpace(c.TargetURL), "/")
	if c.CheckIntervalSec == 0 {
		c.CheckIntervalSec = 5
	}
	if c.FetchTimeoutSec == 0 {
		c.FetchTimeoutSec = 5
	}
	if c.HealTimeoutSec == 0 {
		c.HealTimeoutSec = 5
	}
	if c.Thresholds.Soft == 0 {
		c.Thresholds.Soft = 5
	}
	if c.Thresholds.Critical == 0 {
		c.Thresholds.Critical = 10
	}
	if c.Oracle.Mode == "" {
		c.Oracle.Mode = OracleAuto
	}
	if c.Oracle.TimeoutSec == 0 {
		c.Oracle.TimeoutSec = 2
	}
	if c.Unit.ContainerName == "" {
		c.Unit.ContainerName = "patient-app"
	}
	if c.Unit.PodSelector == "" {
		c.Unit.PodSelector = "app=patient-app"
	}
	if c.Unit.Namespace == "" {
		c.Unit.Namespace = os.Getenv("NAMESPACE")
	}
	if c.Unit.Environment == "" {
		c.Unit.Environment = EnvironmentAuto
	}
	if c.Restart.KubernetesTimeoutSec == 0 {
		c.Restart.KubernetesTimeoutSec = 15
	}
	if c.Restart.ContainerTimeoutSec == 0 {
		c.Restart.ContainerTimeoutSec = 30
	}
	if c.Restart.SettleDelaySec == 0 {
		c.Restart.SettleDelaySec = 3
	}
	if c.Coordination.EtcdNamespace == "" {
		c.Coordination.EtcdNamespace = "doctor"
	}
	if c.Coordination.LockKey == "" {
		c.Coordination.LockKey = "/restart/lock"
	}
	if c.Coordination.LockTTLSec == 0 {
		c.Coordination.LockTTLSec = 30
	}
	if c.Coordination.TimeoutSec == 0 {
		c.Coordination.TimeoutSec = 5
	}
	if c.Coordination.CooldownKey == "" {
		c.Coordination.CooldownKey = "/restart/cooldown"
	}
	if c.Coordination.StatusPrefix == "" {
		c.Coordination.StatusPrefix = "/instances"
	}
	if c.HistorySize == 0 {
		c.HistorySize = 64
	}
	if c.Logging.Backend == "" {
		c.Logging.Backend = LogBackendJSON
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Metrics.Listen == "" {
		c.Metrics.Listen = "127.0.0.1:9090"
	}
}

func (t ThresholdConfig) validate() []string {
	problems := make([]string, 0)
	if t.Soft <= 0 {
		problems = append(problems, "thresholds.soft must be greater than zero")
	}
	if t.Critical <= 0 {
		problems = append(problems, "thresholds.critical must be greater than zero")
	}
	if t.Soft > 0 && t.Critical > 0 && t.Critical < t.Soft {
		problems = append(problems, "thresholds.critical must be greater than or equal to thresholds.soft")
	}
	return problems
}

func (o OracleConfig) validate() []string {
	problems := make([]string, 0)
	switch o.Mode {
	case OracleAuto, OracleThreshold:
	case OracleLearned:
		if strings.TrimSpace(o.PredictorURL) == "" {
			problems = append(problems, "oracle.predictor_url is required when oracle.mode is learned")
		}
	default:
		problems = append(problems, fmt.Sprintf("oracle.mode %q is not supported", o.Mode))
	}
	if o.TimeoutSec <= 0 {
		problems = append(problems, "oracle.timeout_sec must be greater than zero")
	}
	return problems
}

func (u UnitConfig) validate() []string {
	problems := make([]string, 0)
	switch u.Environment {
	case EnvironmentAuto, EnvironmentKubernetes, EnvironmentContainer, EnvironmentNone:
	default:
		problems = append(problems, fmt.Sprintf("unit.environment %q is not supported", u.Environment))
	}
	switch u.Runtime {
	case "", "docker", "podman":
	default:
		problems = append(problems, fmt.Sprintf("unit.runtime %q is not supported", u.Runtime))
	}
	if strings.TrimSpace(u.ContainerName) == "" {
		problems = append(problems, "unit.container_name is required")
	}
	if strings.TrimSpace(u.PodSelector) == "" {
		problems = append(problems, "unit.pod_selector is required")
	}
	return problems
}

// ThresholdsUsable reports whether the rule-based oracle can be built from
// this configuration.
func (c *Config) ThresholdsUsable() bool {
	return len(c.Thresholds.validate()) == 0
}

// CheckInterval returns how long the doctor sleeps between ticks.
func (c *Config) CheckInterval() time.Duration {
	return time.Duration(c.CheckIntervalSec) * time.Second
}

// FetchTimeout bounds a single health fetch.
func (c *Config) FetchTimeout() time.Duration {
	return time.Duration(c.FetchTimeoutSec) * time.Second
}

// HealTimeout bounds the soft-heal request.
func (c *Config) HealTimeout() time.Duration {
	return time.Duration(c.HealTimeoutSec) * time.Second
}

// OracleTimeout bounds a single prediction request.
func (c *Config) OracleTimeout() time.Duration {
	return time.Duration(c.Oracle.TimeoutSec) * time.Second
}

// KubernetesRestartTimeout bounds pod deletion.
func (c *Config) KubernetesRestartTimeout() time.Duration {
	return time.Duration(c.Restart.KubernetesTimeoutSec) * time.Second
}

// ContainerRestartTimeout bounds the container runtime restart command.
func (c *Config) ContainerRestartTimeout() time.Duration {
	return time.Duration(c.Restart.ContainerTimeoutSec) * time.Second
}

// SettleDelay is the pause after a successful hard restart.
func (c *Config) SettleDelay() time.Duration {
	return time.Duration(c.Restart.SettleDelaySec) * time.Second
}

// RestartCooldown returns the configured minimum spacing between hard restarts.
func (c *Config) RestartCooldown() time.Duration {
	if c == nil {
		return 0
	}
	return time.Duration(c.Restart.CooldownSec) * time.Second
}

// LockTTL returns the etcd restart lock TTL as a duration.
func (c *Config) LockTTL() time.Duration {
	return time.Duration(c.Coordination.LockTTLSec) * time.Second
}

// CoordinationTimeout bounds each restart guard step against etcd.
func (c *Config) CoordinationTimeout() time.Duration {
	return time.Duration(c.Coordination.TimeoutSec) * time.Second
}

// StatusTTL returns how long a published instance status outlives its last tick.
func (c *Config) StatusTTL() time.Duration {
	return time.Duration(c.Coordination.StatusTTLSec) * time.Second
}

// CoordinationEnabled reports whether restart coordination goes through etcd.
func (c *Config) CoordinationEnabled() bool {
	return len(c.Coordination.EtcdEndpoints) > 0
}

// Overrides carries command-line settings that take precedence over the file.
type Overrides struct {
	TargetURL        string
	CheckIntervalSec int
	DryRun           bool
}

// Apply merges the overrides into the configuration and re-validates it.
func (c *Config) Apply(o Overrides) error {
	if target := strings.TrimSpace(o.TargetURL); target != "" {
		c.TargetURL = strings.TrimRight(target, "/")
	}
	if o.CheckIntervalSec != 0 {
		c.CheckIntervalSec = o.CheckIntervalSec
	}
	if o.DryRun {
		c.DryRun = true
	}
	return c.Validate()
}
