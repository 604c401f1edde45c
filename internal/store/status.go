package store

import "strings"

// Outbound task status values, ordered sent < queued < running < terminal.
const (
	StatusSent      = "sent"
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
	StatusTimeout   = "timeout"
)

// Task source values.
const (
	SourceLocal  = "local"
	SourceRemote = "remote"
)

func statusRank(status string) (int, bool) {
	switch status {
	case StatusSent:
		return 0, true
	case StatusQueued:
		return 1, true
	case StatusRunning:
		return 2, true
	case StatusCompleted, StatusFailed, StatusCancelled, StatusTimeout:
		return 3, true
	default:
		return 0, false
	}
}

// StatusAdvances reports whether moving from one status to another is a
// forward transition. Regressions and terminal-to-terminal moves are
// rejected; the Hub may deliver frames out of order and those updates are
// simply discarded.
func StatusAdvances(from, to string) bool {
	if from == to {
		return false
	}
	toRank, ok := statusRank(to)
	if !ok {
		return false
	}
	fromRank, ok := statusRank(from)
	if !ok {
		return true
	}
	return toRank > fromRank
}

// IsTerminal reports whether the status ends a task's lifecycle.
func IsTerminal(status string) bool {
	switch status {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusTimeout:
		return true
	default:
		return false
	}
}

// StatusForResult derives the terminal status of a result payload.
func StatusForResult(success bool, errMsg string) string {
	if success {
		return StatusCompleted
	}
	lower := strings.ToLower(errMsg)
	switch {
	case strings.Contains(lower, "cancelled"), strings.Contains(lower, "session deleted"):
		return StatusCancelled
	case strings.Contains(lower, "timed out"):
		return StatusTimeout
	default:
		return StatusFailed
	}
}
