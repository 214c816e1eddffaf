package oracle

import (
	"context"
	"errors"

	"github.com/3morii74/Hybrid-AIOps-for-Autonomous-Reliability-in-Cloud-Native-Systems/pkg/health"
)

// Reasons shared by every oracle.
const (
	ReasonNoData        = "no health data available"
	ReasonDecisionError = "decision error"
)

var (
	// ErrPredictorUnavailable is returned when a learned oracle cannot reach its predictor at construction.
	ErrPredictorUnavailable = errors.New("oracle: predictor unavailable")
	// ErrNoDecisionPolicy means neither a learned oracle nor valid thresholds are available.
	ErrNoDecisionPolicy = errors.New("oracle: no usable decision policy")
)

// Oracle maps a health sample onto a Decision. Decide never fails: internal
// errors degrade to a None decision.
type Oracle interface {
	Name() string
	Decide(ctx context.Context, sample health.Sample) Decision
}

func noDataDecision() Decision {
	return Decision{Action: None, Reason: ReasonNoData}
}
