package task

import "strings"

// Status is a task lifecycle state.
type Status string

const (
	// StatusPending indicates the task was created but not yet dispatched.
	StatusPending Status = "pending"
	// StatusRunning indicates an agent run is in progress.
	StatusRunning Status = "running"
	// StatusPaused indicates the agent run is suspended.
	StatusPaused Status = "paused"
	// StatusReview indicates generated changes await human approval or discard.
	StatusReview Status = "review"
	// StatusCompleted indicates changes were approved and merged back.
	StatusCompleted Status = "completed"
	// StatusFailed indicates the agent run errored out.
	StatusFailed Status = "failed"
	// StatusStopped indicates the task was halted or its changes discarded.
	StatusStopped Status = "stopped"
)

var allowedTransitions = map[Status]map[Status]struct{}{
	StatusPending: {
		StatusRunning: {},
		StatusStopped: {},
	},
	StatusRunning: {
		StatusPaused:  {},
		StatusReview:  {},
		StatusFailed:  {},
		StatusStopped: {},
	},
	StatusPaused: {
		StatusRunning: {},
		StatusStopped: {},
	},
	StatusReview: {
		// Feedback re-dispatches the agent without leaving review first; the
		// execution subsystem moves the task back to running on restart.
		StatusRunning:   {},
		StatusCompleted: {},
		StatusStopped:   {},
	},
}

// ParseStatus normalizes a stored status string.
func ParseStatus(value string) (Status, bool) {
	status := Status(strings.ToLower(strings.TrimSpace(value)))
	switch status {
	case StatusPending, StatusRunning, StatusPaused, StatusReview,
		StatusCompleted, StatusFailed, StatusStopped:
		return status, true
	default:
		return "", false
	}
}

// CanTransitionTo reports whether the lifecycle permits moving to next.
func (s Status) CanTransitionTo(next Status) bool {
	targets, ok := allowedTransitions[s]
	if !ok {
		return false
	}
	_, ok = targets[next]
	return ok
}

// Terminal reports whether the status has no outgoing transitions.
func (s Status) Terminal() bool {
	return len(allowedTransitions[s]) == 0
}
