package models

import (
	"fmt"
	"time"
)

// LevelState represents whether a hedge level may fire
type LevelState string

const (
	LevelArmed LevelState = "armed" // Level may fire once loss crosses its threshold
	LevelFired LevelState = "fired" // Level has fired and waits for a reversal exit
)

// Level transition conditions
const (
	CondHedgeEntered  = "hedge_entered"
	CondManualAdded   = "manual_addition"
	CondReversalExit  = "reversal_exit"
	CondForcedExit    = "forced_exit"
	CondOperatorEntry = "operator_entry"
)

// LevelTransition defines valid level state transitions
type LevelTransition struct {
	From        LevelState
	To          LevelState
	Condition   string
	Description string
}

// ValidLevelTransitions lists every transition a level trigger may take
var ValidLevelTransitions = []LevelTransition{
	{LevelArmed, LevelFired, CondHedgeEntered, "Loss crossed the level threshold and a hedge was opened"},
	{LevelArmed, LevelFired, CondOperatorEntry, "Operator forced a hedge at this level"},
	{LevelArmed, LevelFired, CondManualAdded, "Hedge opened outside the bot was adopted at this level"},
	{LevelFired, LevelArmed, CondReversalExit, "Loss retraced and the hedge was closed"},
	{LevelFired, LevelArmed, CondForcedExit, "Operator closed the hedge"},
}

// LevelTrigger is the edge-trigger latch for one hedge level
type LevelTrigger struct {
	transitionTime  time.Time
	state           LevelState
	lastCondition   string
	Level           int
	ThresholdPct    float64
	transitionCount int
	completed       bool
}

// NewLevelTrigger creates an armed trigger
func NewLevelTrigger(level int, thresholdPct float64) *LevelTrigger {
	return &LevelTrigger{
		Level:        level,
		ThresholdPct: thresholdPct,
		state:        LevelArmed,
	}
}

// State returns the current state
func (t *LevelTrigger) State() LevelState {
	return t.state
}

// Armed reports whether the level may fire
func (t *LevelTrigger) Armed() bool {
	return t.state == LevelArmed && !t.completed
}

// Completed reports whether the level was retired for the rest of the straddle
func (t *LevelTrigger) Completed() bool {
	return t.completed
}

// Satisfied reports whether the level no longer blocks higher levels
func (t *LevelTrigger) Satisfied() bool {
	return t.state == LevelFired || t.completed
}

// TransitionCount returns how many transitions the trigger has taken
func (t *LevelTrigger) TransitionCount() int {
	return t.transitionCount
}

// LastCondition returns the condition of the latest transition
func (t *LevelTrigger) LastCondition() string {
	return t.lastCondition
}

// IsValidTransition checks if a transition is valid
func (t *LevelTrigger) IsValidTransition(to LevelState, condition string) error {
	if t.completed {
		return fmt.Errorf("%w: level %d is completed", ErrInvalidTransition, t.Level)
	}
	for _, tr := range ValidLevelTransitions {
		if tr.From == t.state && tr.To == to && tr.Condition == condition {
			return nil
		}
	}
	return fmt.Errorf("%w: level %d from %s to %s with condition '%s'",
		ErrInvalidTransition, t.Level, t.state, to, condition)
}

// Transition moves the trigger to a new state
func (t *LevelTrigger) Transition(to LevelState, condition string, at time.Time) error {
	if err := t.IsValidTransition(to, condition); err != nil {
		return err
	}
	t.state = to
	t.lastCondition = condition
	t.transitionTime = at
	t.transitionCount++
	return nil
}

// Complete retires the level; it never fires again on this leg
func (t *LevelTrigger) Complete(at time.Time) {
	t.completed = true
	t.transitionTime = at
}

// Copy creates a copy of the trigger
func (t *LevelTrigger) Copy() *LevelTrigger {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
