package campaign

import (
	"errors"
	"fmt"
)

type Status string

const (
	StatusCreated        Status = "CREATED"
	StatusWarmedUp       Status = "WARMED_UP"
	StatusExecutingSync  Status = "EXECUTING_SYNC"
	StatusExecutingAsync Status = "EXECUTING_ASYNC"
	StatusCompleted      Status = "COMPLETED"
	StatusFailed         Status = "FAILED"
	StatusDryRunComplete Status = "DRY_RUN_COMPLETE"
)

var ErrInvalidTransition = errors.New("invalid status transition")

// TransitionError reports a refused status change.
type TransitionError struct {
	ID   string
	From Status
	To   Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s: campaign %s: %s -> %s", ErrInvalidTransition, e.ID, e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusDryRunComplete:
		return true
	default:
		return false
	}
}

// Successful reports whether the campaign outputs can be joined.
func (s Status) Successful() bool {
	return s == StatusCompleted || s == StatusDryRunComplete
}

// allowed lists the transitions out of each status. Statuses only move
// forward, a campaign never returns to CREATED or WARMED_UP.
var allowed = map[Status][]Status{
	StatusCreated:        {StatusWarmedUp, StatusFailed},
	StatusWarmedUp:       {StatusExecutingSync, StatusExecutingAsync, StatusDryRunComplete, StatusFailed},
	StatusExecutingSync:  {StatusCompleted, StatusFailed},
	StatusExecutingAsync: {StatusCompleted, StatusFailed},
}

// CanTransition reports whether a campaign may move from s to next.
func (s Status) CanTransition(next Status) bool {
	for _, to := range allowed[s] {
		if to == next {
			return true
		}
	}
	return false
}

