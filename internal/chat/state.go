package chat

import (
	"fmt"
	"slices"
)

// State is the lifecycle state of a chat view.
type State string

const (
	Idle    State = "idle"
	Loading State = "loading"
	Ready   State = "ready"
	Cleared State = "cleared"
)

// validTransitions defines allowed state transitions. Staying in the same
// state is always allowed.
var validTransitions = map[State][]State{
	Idle:    {Loading},
	Loading: {Ready, Cleared, Idle},
	Ready:   {Loading, Cleared, Idle},
	Cleared: {Loading, Idle},
}

func checkTransition(from, to State) error {
	if from == to || slices.Contains(validTransitions[from], to) {
		return nil
	}
	return fmt.Errorf("invalid transition from %s to %s", from, to)
}
