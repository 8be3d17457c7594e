package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransitionGraph(t *testing.T) {
	tests := []struct {
		name    string
		from    CallStatus
		to      CallStatus
		allowed bool
	}{
		{"pending to dialing", CallStatusPending, CallStatusDialing, true},
		{"pending to failed", CallStatusPending, CallStatusFailed, true},
		{"pending to answered", CallStatusPending, CallStatusAnswered, false},
		{"dialing to ringing", CallStatusDialing, CallStatusRinging, true},
		{"dialing skips ringing", CallStatusDialing, CallStatusAnswered, true},
		{"dialing to busy", CallStatusDialing, CallStatusBusy, true},
		{"dialing to no answer", CallStatusDialing, CallStatusNoAnswer, true},
		{"dialing to completed", CallStatusDialing, CallStatusCompleted, false},
		{"ringing to answered", CallStatusRinging, CallStatusAnswered, true},
		{"ringing back to dialing", CallStatusRinging, CallStatusDialing, false},
		{"answered to completed", CallStatusAnswered, CallStatusCompleted, true},
		{"answered to failed", CallStatusAnswered, CallStatusFailed, true},
		{"answered to ringing", CallStatusAnswered, CallStatusRinging, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, reason := CanTransition(tt.from, tt.to, false)
			assert.Equal(t, tt.allowed, ok)
			if !tt.allowed {
				assert.NotEmpty(t, reason)
			}
		})
	}
}

func TestCanTransitionIdempotent(t *testing.T) {
	for _, status := range []CallStatus{
		CallStatusPending, CallStatusDialing, CallStatusRinging, CallStatusAnswered,
		CallStatusBusy, CallStatusNoAnswer, CallStatusFailed, CallStatusCompleted,
	} {
		ok, _ := CanTransition(status, status, false)
		assert.True(t, ok, "same-state transition must be valid for %s", status)
	}
}

func TestTerminalStatesRejectAll(t *testing.T) {
	terminals := []CallStatus{CallStatusBusy, CallStatusNoAnswer, CallStatusFailed, CallStatusCompleted}
	targets := []CallStatus{CallStatusPending, CallStatusDialing, CallStatusRinging, CallStatusAnswered, CallStatusCompleted}

	for _, from := range terminals {
		assert.True(t, IsTerminalState(from))
		for _, to := range targets {
			if from == to {
				continue
			}
			ok, reason := CanTransition(from, to, false)
			assert.False(t, ok, "%s -> %s must be rejected", from, to)
			assert.Contains(t, reason, "terminal")
		}
	}
}

func TestTerminalOverride(t *testing.T) {
	// Administrative override only relaxes the terminal check, the graph
	// still applies.
	ok, _ := CanTransition(CallStatusFailed, CallStatusPending, true)
	assert.False(t, ok)

	// Completed is unreachable from Busy even with override
	ok, _ = CanTransition(CallStatusBusy, CallStatusCompleted, true)
	assert.False(t, ok)
}

func TestIsTerminalState(t *testing.T) {
	assert.False(t, IsTerminalState(CallStatusPending))
	assert.False(t, IsTerminalState(CallStatusDialing))
	assert.False(t, IsTerminalState(CallStatusRinging))
	assert.False(t, IsTerminalState(CallStatusAnswered))
	assert.True(t, IsTerminalState(CallStatusCompleted))
}
