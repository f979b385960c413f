package minithread

import (
	"fmt"

	margerr "github.com/odvcencio/margin/pkg/errors"
)

// VisualState is the panel state of a mini-thread.
type VisualState string

const (
	StateClosed    VisualState = "closed"
	StateOpen      VisualState = "open"
	StateMinimized VisualState = "minimized"
	StateMaximized VisualState = "maximized"
)

// transitions maps each state to the states reachable from it. Closing is
// allowed from anywhere open; a closed panel can only reopen.
var transitions = map[VisualState][]VisualState{
	StateClosed:    {StateOpen},
	StateOpen:      {StateMinimized, StateMaximized, StateClosed},
	StateMinimized: {StateOpen, StateMaximized, StateClosed},
	StateMaximized: {StateOpen, StateMinimized, StateClosed},
}

// Valid reports whether s is a known visual state.
func (s VisualState) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// CanTransition reports whether the state machine allows moving to next.
func (s VisualState) CanTransition(next VisualState) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// checkTransition returns a typed error for a disallowed move.
func checkTransition(from, to VisualState) error {
	if !to.Valid() {
		return margerr.New(margerr.ErrCodeInvalidInput, fmt.Sprintf("unknown visual state %q", to))
	}
	if from == to {
		return nil
	}
	if !from.CanTransition(to) {
		return margerr.New(margerr.ErrCodeInvalidInput,
			fmt.Sprintf("cannot move panel from %s to %s", from, to))
	}
	return nil
}
