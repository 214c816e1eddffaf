package oracle

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/3morii74/Hybrid-AIOps-for-Autonomous-Reliability-in-Cloud-Native-Systems/pkg/health"
)

// Learned delegates decisions to an external Predictor.
type Learned struct {
	predictor Predictor
	now       func() time.Time
	onError   func(error)
}

// LearnedOption customises a Learned oracle.
type LearnedOption func(*Learned)

// WithClock overrides the clock used to derive hour_of_day.
func WithClock(fn func() time.Time) LearnedOption {
	return func(l *Learned) {
		if fn != nil {
			l.now = fn
		}
	}
}

// WithErrorHandler registers a callback for predictor failures.
func WithErrorHandler(fn func(error)) LearnedOption {
	return func(l *Learned) {
		l.onError = fn
	}
}

// NewLearned builds a learned oracle. When the predictor is nil or its ping
// fails, ErrPredictorUnavailable is returned so the caller can select the
// rule-based oracle for the whole process lifetime.
func NewLearned(ctx context.Context, predictor Predictor, opts ...LearnedOption) (*Learned, error) {
	if predictor == nil {
		return nil, ErrPredictorUnavailable
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if pinger, ok := predictor.(Pinger); ok {
		if err := pinger.Ping(ctx); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrPredictorUnavailable, err)
		}
	}

	l := &Learned{predictor: predictor, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Name implements Oracle.
func (l *Learned) Name() string { return "learned" }

// Decide implements Oracle.
func (l *Learned) Decide(ctx context.Context, sample health.Sample) (decision Decision) {
	report, ok := sample.Report()
	if !ok {
		return noDataDecision()
	}
	if ctx == nil {
		ctx = context.Background()
	}

	defer func() {
		if r := recover(); r != nil {
			l.fail(fmt.Errorf("predictor panic: %v", r))
			decision = Decision{Action: None, Reason: ReasonDecisionError}
		}
	}()

	prediction, err := l.predictor.Predict(ctx, Features{
		CPUUsage:    report.CPUUsagePct,
		MemoryUsage: report.MemoryUsagePct,
		ErrorCount:  report.ErrorCount,
		Uptime:      report.UptimeSeconds,
		HourOfDay:   l.now().Hour(),
	})
	if err != nil {
		l.fail(err)
		return Decision{Action: None, Reason: ReasonDecisionError}
	}

	action, err := ParseAction(prediction.RecommendedAction)
	if err != nil {
		l.fail(fmt.Errorf("malformed prediction: %w", err))
		return Decision{Action: None, Reason: ReasonDecisionError}
	}
	if math.IsNaN(prediction.Confidence) || prediction.Confidence < 0 || prediction.Confidence > 1 {
		l.fail(fmt.Errorf("malformed prediction: confidence %v outside [0,1]", prediction.Confidence))
		return Decision{Action: None, Reason: ReasonDecisionError}
	}

	confidence := prediction.Confidence
	return Decision{
		Action:     action,
		Reason:     fmt.Sprintf("predicted %s (confidence %.2f%%)", action, confidence*100),
		Confidence: &confidence,
	}
}

func (l *Learned) fail(err error) {
	if l.onError != nil {
		l.onError(err)
	}
}

var _ Oracle = (*Learned)(nil)
