package api

import (
	"maps"
	"time"
)

// Status represents the lifecycle state of a session.
type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusAbandoned Status = "abandoned"
)

// Terminal reports whether no further transitions are allowed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusAbandoned
}

// DefaultVariant is assigned to sessions of journeys that declare no variants.
const DefaultVariant = "control"

// Session is one user's progress through a bound journey version.
type Session struct {
	ID             string
	JourneyID      string
	JourneyVersion int
	UserID         string

	CurrentStep string
	Status      Status

	// Variant is assigned once at creation and never changes.
	Variant string

	StartedAt      time.Time
	LastActivityAt time.Time
	// StepEnteredAt is when the session arrived at CurrentStep.
	StepEnteredAt time.Time

	// Data accumulates everything submitted by completed steps.
	Data map[string]any

	// Revision increments on every applied transition and backs the
	// optimistic concurrency check.
	Revision int64
}

// Clone returns a copy that shares no mutable state with s.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	c.Data = maps.Clone(s.Data)
	if c.Data == nil {
		c.Data = map[string]any{}
	}
	return &c
}

// SessionListOptions controls how sessions are listed.
// Zero values mean "no filter" for that field.
type SessionListOptions struct {
	JourneyID string
	UserID    string
	Status    Status

	// IdleSince, if non-zero, keeps only sessions whose last activity is
	// strictly before it.
	IdleSince time.Time
}
