package models

import (
	"fmt"
	"sort"
)

// validTransitions defines the call lifecycle graph. Same-state transitions
// are always allowed (idempotent) and are not listed.
var validTransitions = map[CallStatus]map[CallStatus]bool{
	CallStatusPending: {
		CallStatusDialing: true,
		CallStatusFailed:  true,
	},
	CallStatusDialing: {
		CallStatusRinging:  true,
		CallStatusAnswered: true, // some carriers skip the ringing indication
		CallStatusBusy:     true,
		CallStatusNoAnswer: true,
		CallStatusFailed:   true,
	},
	CallStatusRinging: {
		CallStatusAnswered: true,
		CallStatusNoAnswer: true,
		CallStatusBusy:     true,
		CallStatusFailed:   true,
	},
	CallStatusAnswered: {
		CallStatusCompleted: true,
		CallStatusFailed:    true,
	},
	CallStatusBusy:      {},
	CallStatusNoAnswer:  {},
	CallStatusFailed:    {},
	CallStatusCompleted: {},
}

// IsTerminalState reports whether a status has no outgoing transitions
func IsTerminalState(status CallStatus) bool {
	switch status {
	case CallStatusBusy, CallStatusNoAnswer, CallStatusFailed, CallStatusCompleted:
		return true
	}
	return false
}

// CanTransition checks whether current→next is a legal transition.
// allowTerminalOverride skips only the terminal-state check; the transition
// graph still applies, and terminal states have no outgoing edges, so no
// transition out of a terminal state is permitted even with the override.
func CanTransition(current, next CallStatus, allowTerminalOverride bool) (bool, string) {
	if current == next {
		return true, ""
	}

	if IsTerminalState(current) && !allowTerminalOverride {
		return false, fmt.Sprintf("cannot transition from terminal state %s", current)
	}

	if validTransitions[current][next] {
		return true, ""
	}

	return false, fmt.Sprintf("invalid transition: %s -> %s (valid: %v)",
		current, next, ValidNextStates(current))
}

// ValidNextStates returns the outgoing set for a status, sorted for stable logs
func ValidNextStates(status CallStatus) []CallStatus {
	targets := validTransitions[status]
	out := make([]CallStatus, 0, len(targets))
	for s := range targets {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
