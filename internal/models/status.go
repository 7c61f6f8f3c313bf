package models

import "fmt"

type Status string

const (
	StatusPending           Status = "pending"
	StatusSent              Status = "sent"
	StatusFailed            Status = "failed"
	StatusPermanentlyFailed Status = "permanently_failed"
)

// AllStatuses lists every lifecycle state in declaration order.
var AllStatuses = []Status{StatusPending, StatusSent, StatusFailed, StatusPermanentlyFailed}

func ParseStatus(raw string) (Status, error) {
	s := Status(raw)
	if !s.Valid() {
		return "", &ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", raw)}
	}
	return s, nil
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusSent, StatusFailed, StatusPermanentlyFailed:
		return true
	}
	return false
}

// Terminal reports whether no automatic transition leaves s.
func (s Status) Terminal() bool {
	return s == StatusSent || s == StatusPermanentlyFailed
}

// CanTransitionTo reports whether the lifecycle allows moving from s to next.
//
//	pending -> sent | failed
//	failed  -> failed (escalation retry) | sent (escalation success)
//	        | permanently_failed | pending (manual requeue)
func (s Status) CanTransitionTo(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusSent || next == StatusFailed
	case StatusFailed:
		return next == StatusFailed || next == StatusSent ||
			next == StatusPermanentlyFailed || next == StatusPending
	default:
		return false
	}
}
