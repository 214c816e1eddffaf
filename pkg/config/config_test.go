package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDecodeValidConfig(t *testing.T) {
	yaml := `instance_name: doctor-a
target_url: http://patient:5000/
check_interval_sec: 7
thresholds:
  soft: 3
  critical: 8
unit:
  container_name: patient
  pod_selector: app=patient
  namespace: apps
`

	cfg, err := decode(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("decode returned error: %v", err)
	}

	if cfg.InstanceName != "doctor-a" {
		t.Fatalf("unexpected instance name: %s", cfg.InstanceName)
	}
	if cfg.TargetURL != "http://patient:5000" {
		t.Fatalf("expected trailing slash to be trimmed, got %s", cfg.TargetURL)
	}
	if cfg.CheckInterval() != 7*time.Second {
		t.Fatalf("expected interval 7s, got %s", cfg.CheckInterval())
	}
	if cfg.Thresholds.Soft != 3 || cfg.Thresholds.Critical != 8 {
		t.Fatalf("unexpected thresholds: %+v", cfg.Thresholds)
	}
	if cfg.FetchTimeout() != 5*time.Second {
		t.Fatalf("expected default fetch timeout 5s, got %s", cfg.FetchTimeout())
	}
	if cfg.KubernetesRestartTimeout() != 15*time.Second {
		t.Fatalf("expected default kubernetes timeout 15s, got %s", cfg.KubernetesRestartTimeout())
	}
	if cfg.ContainerRestartTimeout() != 30*time.Second {
		t.Fatalf("expected default container timeout 30s, got %s", cfg.ContainerRestartTimeout())
	}
	if cfg.SettleDelay() != 3*time.Second {
		t.Fatalf("expected default settle delay 3s, got %s", cfg.SettleDelay())
	}
	if cfg.RestartCooldown() != 0 {
		t.Fatalf("expected cooldown disabled by default, got %s", cfg.RestartCooldown())
	}
	if cfg.Oracle.Mode != OracleAuto {
		t.Fatalf("expected oracle mode auto, got %s", cfg.Oracle.Mode)
	}
	if cfg.CoordinationEnabled() {
		t.Fatal("expected coordination to be disabled without etcd endpoints")
	}
	if cfg.CoordinationTimeout() != 5*time.Second {
		t.Fatalf("expected default coordination timeout 5s, got %s", cfg.CoordinationTimeout())
	}
}

func TestDecodeAppliesThresholdDefaults(t *testing.T) {
	cfg, err := decode(strings.NewReader("target_url: http://localhost:5000\n"))
	if err != nil {
		t.Fatalf("decode returned error: %v", err)
	}
	if cfg.Thresholds.Soft != 5 || cfg.Thresholds.Critical != 10 {
		t.Fatalf("expected default thresholds 5/10, got %+v", cfg.Thresholds)
	}
	if !cfg.ThresholdsUsable() {
		t.Fatal("expected default thresholds to be usable")
	}
}

func TestDecodeRejectsUnknownFields(t *testing.T) {
	_, err := decode(strings.NewReader("target_url: http://localhost:5000\nerror_threshold: 5\n"))
	if err == nil {
		t.Fatal("expected unknown field to be rejected")
	}
}

func TestValidateDetectsMissingFields(t *testing.T) {
	yaml := `target_url: ""
oracle:
  mode: learned
logging:
  backend: syslog
`
	_, err := decode(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected validation error, got nil")
	}
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %T", err)
	}
	joined := strings.Join(verr.Problems, "\n")
	for _, want := range []string{"target_url is required", "oracle.predictor_url", "logging.backend"} {
		if !strings.Contains(joined, want) {
			t.Fatalf("expected problem mentioning %q, got %v", want, verr.Problems)
		}
	}
}

func TestThresholdsOnlyFatalForThresholdMode(t *testing.T) {
	cfg := Config{}
	cfg.TargetURL = "http://localhost:5000"
	cfg.applyDefaults()
	cfg.Thresholds = ThresholdConfig{Soft: 10, Critical: 5}

	cfg.Oracle.Mode = OracleAuto
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected auto mode to defer threshold problems, got %v", err)
	}
	if cfg.ThresholdsUsable() {
		t.Fatal("expected inverted thresholds to be unusable")
	}

	cfg.Oracle.Mode = OracleThreshold
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected threshold mode to reject inverted thresholds")
	}
}

func TestCoordinationValidation(t *testing.T) {
	cfg := Config{}
	cfg.TargetURL = "http://localhost:5000"
	cfg.applyDefaults()
	cfg.Coordination.EtcdEndpoints = []string{"127.0.0.1:2379"}
	cfg.Coordination.LockTTLSec = -1
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected negative lock ttl to be rejected")
	}

	cfg.Coordination.LockTTLSec = 30
	cfg.Coordination.TimeoutSec = -1
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected negative coordination timeout to be rejected")
	}
}

func TestLoadFromDisk(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("target_url: https://patient.example\n"), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load returned error: %v", err)
	}
	if cfg.TargetURL != "https://patient.example" {
		t.Fatalf("unexpected target url: %s", cfg.TargetURL)
	}

	if _, err := Load(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestApplyOverrides(t *testing.T) {
	cfg, err := decode(strings.NewReader("target_url: http://localhost:5000\n"))
	if err != nil {
		t.Fatalf("decode returned error: %v", err)
	}

	if err := cfg.Apply(Overrides{TargetURL: "http://patient:8080/", CheckIntervalSec: 2, DryRun: true}); err != nil {
		t.Fatalf("apply returned error: %v", err)
	}
	if cfg.TargetURL != "http://patient:8080" || cfg.CheckInterval() != 2*time.Second || !cfg.DryRun {
		t.Fatalf("overrides not applied: %+v", cfg)
	}

	if err := cfg.Apply(Overrides{CheckIntervalSec: -1}); err == nil {
		t.Fatal("expected invalid override to be rejected")
	}
}
