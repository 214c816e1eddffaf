package oracle

import (
	"context"
	"errors"
	"fmt"
)

// Mode selects how the oracle is chosen at startup.
type Mode string

const (
	ModeAuto      Mode = "auto"
	ModeLearned   Mode = "learned"
	ModeThreshold Mode = "threshold"
)

// Selection records which oracle was chosen and why.
type Selection struct {
	Oracle Oracle
	// FallbackCause is set when a learned oracle was requested but the
	// threshold oracle was selected instead.
	FallbackCause error
}

// Select picks the oracle once for the process lifetime. It fails with
// ErrNoDecisionPolicy only when no oracle at all can be built.
func Select(ctx context.Context, mode Mode, predictor Predictor, soft, critical int, opts ...LearnedOption) (Selection, error) {
	switch mode {
	case ModeThreshold:
		t, err := NewThreshold(soft, critical)
		if err != nil {
			return Selection{}, fmt.Errorf("%w: %v", ErrNoDecisionPolicy, err)
		}
		return Selection{Oracle: t}, nil
	case ModeAuto, ModeLearned, "":
	default:
		return Selection{}, fmt.Errorf("unsupported oracle mode %q", mode)
	}

	learned, learnErr := NewLearned(ctx, predictor, opts...)
	if learnErr == nil {
		return Selection{Oracle: learned}, nil
	}
	if !errors.Is(learnErr, ErrPredictorUnavailable) {
		return Selection{}, learnErr
	}

	t, err := NewThreshold(soft, critical)
	if err != nil {
		return Selection{}, fmt.Errorf("%w: %v; thresholds: %v", ErrNoDecisionPolicy, learnErr, err)
	}
	return Selection{Oracle: t, FallbackCause: learnErr}, nil
}
