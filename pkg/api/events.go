package api

import "time"

// EventKind identifies a session history event.
type EventKind string

const (
	EventStarted       EventKind = "started"
	EventStepEntered   EventKind = "step_entered"
	EventStepCompleted EventKind = "step_completed"
	EventBranchTaken   EventKind = "branch_taken"
	EventAbandoned     EventKind = "abandoned"
	EventCompleted     EventKind = "completed"
)

// Payload keys written by the engine.
const (
	PayloadData      = "data"
	PayloadDwellMS   = "dwell_ms"
	PayloadRule      = "rule"
	PayloadMatched   = "matched"
	PayloadTarget    = "target"
	PayloadReason    = "reason"
	PayloadEntry     = "entry"
	PayloadElapsedMS = "elapsed_ms"
	PayloadAtStep    = "at_step"
)

// Event is an immutable record of a session-level or step-level transition.
//
// Seq is strictly increasing per session, starting at 1, without gaps.
// Position is the event's place in the global append order; it is assigned
// by the event log and used as a cursor by feed readers.
type Event struct {
	Position  int64
	SessionID string
	Seq       int64
	Kind      EventKind

	// StepID is empty for session-level events (started, abandoned, completed).
	StepID string
	At     time.Time

	JourneyID      string
	JourneyVersion int
	Variant        string

	Payload map[string]any
}
