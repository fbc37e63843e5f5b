package models

import (
	"errors"
	"fmt"
)

// Status represents the lifecycle state of a queue item.
type Status string

const (
	StatusPending              Status = "pending"
	StatusProcessing           Status = "processing"
	StatusAwaitingConfirmation Status = "awaiting_confirmation"
	StatusCompleted            Status = "completed"
	StatusFailed               Status = "failed"
)

// ErrIllegalTransition is returned when a status change is not in the
// transition table. It signals a fatal condition, never a retryable one.
var ErrIllegalTransition = errors.New("illegal status transition")

var terminalStatuses = map[Status]bool{
	StatusCompleted: true,
	StatusFailed:    true,
}

// Item status transitions: pending → processing → terminal or parked.
// failed → pending is the manual-retry path and resets the attempt counter.
var validItemTransitions = map[Status]map[Status]bool{
	StatusPending: {
		StatusProcessing: true,
	},
	StatusProcessing: {
		StatusCompleted:            true,
		StatusFailed:               true,
		StatusAwaitingConfirmation: true,
		StatusPending:              true, // connectivity lost mid-flight, retry re-queue, or crash recovery
	},
	StatusAwaitingConfirmation: {
		StatusPending: true, // transcript confirmed or corrected
	},
	StatusFailed: {
		StatusPending: true, // manual retry
	},
}

// Valid reports whether s is a known item status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusAwaitingConfirmation, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// IsTerminal reports whether s ends automatic processing. Terminal items are
// never picked up by the queue processor again; failed items leave the state
// only through an explicit manual retry.
func IsTerminal(s Status) bool {
	return terminalStatuses[s]
}

// ValidateTransition checks a status change against the transition table.
func ValidateTransition(from, to Status) error {
	allowed, ok := validItemTransitions[from]
	if !ok {
		return fmt.Errorf("%w: no transitions out of %q", ErrIllegalTransition, from)
	}
	if !allowed[to] {
		return fmt.Errorf("%w: %q to %q", ErrIllegalTransition, from, to)
	}
	return nil
}
