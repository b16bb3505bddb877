package runs_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/5TFG4/Weaver-sub000/internal/domain/runs"
)

func TestStatusTransitions(t *testing.T) {
	cases := []struct {
		from, to runs.Status
		ok       bool
	}{
		{runs.StatusPending, runs.StatusRunning, true},
		// A run can be stopped before it ever starts.
		{runs.StatusPending, runs.StatusStopped, true},
		{runs.StatusPending, runs.StatusCompleted, false},
		{runs.StatusPending, runs.StatusFailed, false},
		{runs.StatusRunning, runs.StatusStopped, true},
		{runs.StatusRunning, runs.StatusCompleted, true},
		{runs.StatusRunning, runs.StatusFailed, true},
		{runs.StatusRunning, runs.StatusPending, false},
		{runs.StatusStopped, runs.StatusRunning, false},
		{runs.StatusCompleted, runs.StatusRunning, false},
		{runs.StatusFailed, runs.StatusRunning, false},
	}
	for _, tc := range cases {
		require.Equal(t, tc.ok, tc.from.CanTransition(tc.to),
			"%s -> %s", tc.from, tc.to)
	}
}

func TestTerminalStatuses(t *testing.T) {
	require.False(t, runs.StatusPending.Terminal())
	require.False(t, runs.StatusRunning.Terminal())
	require.True(t, runs.StatusStopped.Terminal())
	require.True(t, runs.StatusCompleted.Terminal())
	require.True(t, runs.StatusFailed.Terminal())
}
