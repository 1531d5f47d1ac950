package opportunity

import (
	"errors"
	"fmt"
	"time"
)

// Status is the lifecycle state of an opportunity.
type Status string

const (
	StatusPending   Status = "pending"
	StatusResponded Status = "responded"
	StatusDismissed Status = "dismissed"
	StatusExpired   Status = "expired"
)

// ErrInvalidTransition is returned when a status change is not allowed.
var ErrInvalidTransition = errors.New("invalid status transition")

// IsValid reports whether s is a known status.
func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusResponded, StatusDismissed, StatusExpired:
		return true
	}
	return false
}

// IsTerminal reports whether no further transition is possible from s.
func (s Status) IsTerminal() bool {
	return s != StatusPending
}

// IsReapable reports whether rows in s are subject to hard deletion.
// Responded opportunities are retained indefinitely.
func (s Status) IsReapable() bool {
	return s == StatusExpired || s == StatusDismissed
}

// transitions lists the allowed targets per source status.
var transitions = map[Status][]Status{
	StatusPending: {StatusResponded, StatusDismissed, StatusExpired},
}

// CanTransition reports whether an opportunity may move from one status to another.
func CanTransition(from, to Status) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Transition moves the opportunity to status to at now.
func (o *Opportunity) Transition(to Status, now time.Time) error {
	if !CanTransition(o.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, o.Status, to)
	}
	o.Status = to
	o.UpdatedAt = now
	return nil
}

// ExpiresAt computes the deadline of an opportunity discovered at discoveredAt.
func ExpiresAt(discoveredAt time.Time, ttl time.Duration) time.Time {
	return discoveredAt.Add(ttl)
}
