package core

import (
	"errors"
	"fmt"
)

// ErrEmptyExecutionResult signals a handler that returned success but
// produced no execution messages. The dispatcher treats this as a
// failure so the turn never ends with a silent action.
var ErrEmptyExecutionResult = errors.New("handler produced no execution messages")

// PlanParseError wraps a planner output that could not be recovered
// into a valid action list.
type PlanParseError struct {
	Raw string
	Err error
}

func (e *PlanParseError) Error() string {
	return fmt.Sprintf("plan parse failed: %v", e.Err)
}

func (e *PlanParseError) Unwrap() error { return e.Err }

// MissingSlotsError signals an action dispatched without its required
// slots. The slot names are surfaced to the user in the failure segment.
type MissingSlotsError struct {
	Intent Intent
	Slots  []string
}

func (e *MissingSlotsError) Error() string {
	return fmt.Sprintf("%s is missing required fields: %v", e.Intent, e.Slots)
}
