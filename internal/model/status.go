package model

import "fmt"

// Status is the state of a queue entry.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// AllStatuses lists every queue status.
var AllStatuses = []Status{
	StatusQueued,
	StatusProcessing,
	StatusCompleted,
	StatusFailed,
	StatusCancelled,
}

var terminalStatuses = map[Status]bool{
	StatusCompleted: true,
	StatusFailed:    true,
	StatusCancelled: true,
}

var validTransitions = map[Status]map[Status]bool{
	StatusQueued: {
		StatusProcessing: true,
		StatusCancelled:  true,
	},
	StatusProcessing: {
		StatusCompleted: true,
		StatusFailed:    true,
		StatusCancelled: true,
	},
}

// ParseStatus converts s to a Status, rejecting unknown values.
func ParseStatus(s string) (Status, error) {
	for _, st := range AllStatuses {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown queue status %q", s)
}

// IsTerminal reports whether no further transition leaves s.
func (s Status) IsTerminal() bool {
	return terminalStatuses[s]
}

// OccupiesKey reports whether an entry in state s blocks another enqueue for
// the same (content, platform) pair.
func (s Status) OccupiesKey() bool {
	return s == StatusQueued || s == StatusProcessing || s == StatusCompleted
}

// CanTransition reports whether from -> to is an edge of the state machine.
func CanTransition(from, to Status) bool {
	return validTransitions[from][to]
}

// ValidateTransition returns an error when from -> to is not allowed.
func ValidateTransition(from, to Status) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("invalid queue transition: %s -> %s", from, to)
	}
	return nil
}
