package allocation

// transitions is the approval workflow. Anything not listed is invalid;
// REJECTED, COMPLETED and CANCELLED are terminal and never overwritten.
var transitions = map[State][]State{
	StatePending:  {StateApproved, StateRejected},
	StateApproved: {StateActive, StateCancelled},
	StateActive:   {StateCompleted, StateCancelled},
}

// CanTransition reports whether from -> to is a legal lifecycle step.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether s permits no further transitions.
func Terminal(s State) bool {
	return len(transitions[s]) == 0
}

// ValidState reports whether s is a known lifecycle state.
func ValidState(s State) bool {
	switch s {
	case StatePending, StateApproved, StateActive, StateCompleted, StateCancelled, StateRejected:
		return true
	}
	return false
}
