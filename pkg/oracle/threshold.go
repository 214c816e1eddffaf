package oracle

import (
	"context"
	"fmt"

	"github.com/3morii74/Hybrid-AIOps-for-Autonomous-Reliability-in-Cloud-Native-Systems/pkg/health"
)

// Default error-count thresholds.
const (
	DefaultSoftThreshold     = 5
	DefaultCriticalThreshold = 10
)

// Threshold is the deterministic rule-based oracle. Only the error count
// drives its decisions; CPU and memory are informational.
type Threshold struct {
	soft     int
	critical int
}

// NewThreshold validates and builds a rule-based oracle.
func NewThreshold(soft, critical int) (*Threshold, error) {
	if soft <= 0 || critical <= 0 {
		return nil, fmt.Errorf("thresholds must be positive (soft=%d, critical=%d)", soft, critical)
	}
	if critical < soft {
		return nil, fmt.Errorf("critical threshold %d is below soft threshold %d", critical, soft)
	}
	return &Threshold{soft: soft, critical: critical}, nil
}

// Name implements Oracle.
func (t *Threshold) Name() string { return "threshold" }

// Soft returns the soft-heal threshold.
func (t *Threshold) Soft() int { return t.soft }

// Critical returns the restart threshold.
func (t *Threshold) Critical() int { return t.critical }

// Decide implements Oracle.
func (t *Threshold) Decide(_ context.Context, sample health.Sample) Decision {
	report, ok := sample.Report()
	if !ok {
		return noDataDecision()
	}
	return t.decide(report.ErrorCount)
}

func (t *Threshold) decide(errorCount int) Decision {
	switch {
	case errorCount >= t.critical:
		return Decision{Action: RestartUnit, Reason: fmt.Sprintf("error count (%d) >= %d", errorCount, t.critical)}
	case errorCount >= t.soft:
		return Decision{Action: ResetErrors, Reason: fmt.Sprintf("error count (%d) >= %d", errorCount, t.soft)}
	default:
		return Decision{Action: None, Reason: "system is healthy"}
	}
}

var _ Oracle = (*Threshold)(nil)
