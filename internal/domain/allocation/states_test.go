package allocation

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	allowed := []struct{ from, to State }{
		{StatePending, StateApproved},
		{StatePending, StateRejected},
		{StateApproved, StateActive},
		{StateApproved, StateCancelled},
		{StateActive, StateCompleted},
		{StateActive, StateCancelled},
	}
	for _, tr := range allowed {
		require.True(t, CanTransition(tr.from, tr.to), "%s -> %s should be allowed", tr.from, tr.to)
	}

	denied := []struct{ from, to State }{
		{StatePending, StateActive},
		{StatePending, StateCompleted},
		{StatePending, StateCancelled},
		{StateApproved, StateCompleted},
		{StateApproved, StatePending},
		{StateApproved, StateRejected},
		{StateActive, StateApproved},
		{StateCompleted, StateActive},
		{StateCompleted, StateCancelled},
		{StateCancelled, StateApproved},
		{StateRejected, StateApproved},
	}
	for _, tr := range denied {
		require.False(t, CanTransition(tr.from, tr.to), "%s -> %s should be denied", tr.from, tr.to)
	}
}

func TestTerminal(t *testing.T) {
	require.True(t, Terminal(StateCompleted))
	require.True(t, Terminal(StateCancelled))
	require.True(t, Terminal(StateRejected))
	require.False(t, Terminal(StatePending))
	require.False(t, Terminal(StateApproved))
	require.False(t, Terminal(StateActive))
}

func TestValidState(t *testing.T) {
	for _, s := range []State{StatePending, StateApproved, StateActive, StateCompleted, StateCancelled, StateRejected} {
		require.True(t, ValidState(s))
	}
	require.False(t, ValidState(State("PAUSED")))
	require.False(t, ValidState(State("")))
}
