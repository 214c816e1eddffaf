package oracle

import "fmt"

// Action is a remediation the doctor may apply. Actions are totally ordered
// by severity: None < ResetErrors < RestartUnit.
type Action int

const (
	None Action = iota
	ResetErrors
	RestartUnit
)

// Wire names used by the predictor contract.
const (
	wireNone    = "no_action"
	wireReset   = "reset_errors"
	wireRestart = "restart_service"
)

// String returns the wire name of the action.
func (a Action) String() string {
	switch a {
	case None:
		return wireNone
	case ResetErrors:
		return wireReset
	case RestartUnit:
		return wireRestart
	default:
		return fmt.Sprintf("action(%d)", int(a))
	}
}

// Severity returns the action's rank in the severity order.
func (a Action) Severity() int { return int(a) }

// MoreSevereThan reports whether a ranks strictly above b.
func (a Action) MoreSevereThan(b Action) bool { return a.Severity() > b.Severity() }

// Valid reports whether a is a known action.
func (a Action) Valid() bool { return a >= None && a <= RestartUnit }

// ParseAction maps a predictor wire name onto an Action.
func ParseAction(name string) (Action, error) {
	switch name {
	case wireNone:
		return None, nil
	case wireReset:
		return ResetErrors, nil
	case wireRestart:
		return RestartUnit, nil
	default:
		return None, fmt.Errorf("unknown action %q", name)
	}
}

// Decision is an oracle's recommendation for one tick.
type Decision struct {
	Action Action
	Reason string
	// Confidence is nil for rule-based decisions.
	Confidence *float64
}

// Fields renders the decision for structured events.
func (d Decision) Fields() map[string]interface{} {
	fields := map[string]interface{}{
		"action": d.Action.String(),
		"reason": d.Reason,
	}
	if d.Confidence != nil {
		fields["confidence"] = *d.Confidence
	}
	return fields
}
