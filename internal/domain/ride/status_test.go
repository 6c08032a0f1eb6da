package ride

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseStatus(t *testing.T) {
	tests := []struct {
		in      string
		want    Status
		wantErr bool
	}{
		{"REQUESTED", StatusRequested, false},
		{" searching ", StatusSearching, false},
		{"accepted", StatusAccepted, false},
		{"DRIVER_ARRIVING", StatusAccepted, false},
		{"IN_PROGRESS", StatusInProgress, false},
		{"completed", StatusCompleted, false},
		{"CANCELLED", StatusCancelled, false},
		{"", "", true},
		{"TELEPORTING", "", true},
	}

	for _, tt := range tests {
		got, err := ParseStatus(tt.in)
		if tt.wantErr {
			assert.Error(t, err, "input %q", tt.in)
			continue
		}
		require.NoError(t, err, "input %q", tt.in)
		assert.Equal(t, tt.want, got, "input %q", tt.in)
	}
}

func TestCanTransitionTo(t *testing.T) {
	// forward chain
	assert.True(t, StatusRequested.CanTransitionTo(StatusSearching))
	assert.True(t, StatusSearching.CanTransitionTo(StatusAccepted))
	assert.True(t, StatusAccepted.CanTransitionTo(StatusArrived))
	assert.True(t, StatusArrived.CanTransitionTo(StatusInProgress))
	assert.True(t, StatusInProgress.CanTransitionTo(StatusCompleted))

	// cancel from any non-terminal state
	for _, s := range []Status{StatusRequested, StatusSearching, StatusAccepted, StatusArrived, StatusInProgress} {
		assert.True(t, s.CanTransitionTo(StatusCancelled), "cancel from %s", s)
	}

	// regressions and skips
	assert.False(t, StatusAccepted.CanTransitionTo(StatusSearching))
	assert.False(t, StatusSearching.CanTransitionTo(StatusInProgress))
	assert.False(t, StatusInProgress.CanTransitionTo(StatusRequested))

	// terminal states never move
	assert.False(t, StatusCompleted.CanTransitionTo(StatusCancelled))
	assert.False(t, StatusCancelled.CanTransitionTo(StatusRequested))
}

func TestBefore(t *testing.T) {
	assert.True(t, StatusSearching.Before(StatusAccepted))
	assert.False(t, StatusAccepted.Before(StatusSearching))
	assert.False(t, StatusCompleted.Before(StatusCancelled), "terminal states share a rank")
}

func TestTerminal(t *testing.T) {
	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusCancelled.Terminal())
	assert.False(t, StatusInProgress.Terminal())
}
