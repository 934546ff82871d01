package api

import (
	"context"
	"iter"
	"time"
)

// Engine is the inbound interface of the journey core. All calls are
// request-driven; the engine runs no background goroutines.
type Engine interface {
	// Publish validates and stores a new journey version. A zero Version is
	// assigned latest+1. Publishing an existing version fails with
	// ErrVersionPublished; an invalid definition fails with *ValidationError
	// and nothing is stored.
	Publish(ctx context.Context, j Journey) (Journey, error)

	// GetJourney returns a published version; version 0 means the latest.
	GetJourney(ctx context.Context, journeyID string, version int) (Journey, error)

	// Start returns the user's session for the latest version of the journey,
	// creating it at the entry step if none exists. Calling Start twice for
	// the same (journey, user) returns the same session.
	Start(ctx context.Context, journeyID, userID string) (*Session, error)

	// CompleteStep closes the session's current step with the submitted data
	// and advances it. Rejections are returned as *StepError.
	CompleteStep(ctx context.Context, sessionID, stepID string, data map[string]any) (*Session, error)

	// Abandon marks an active session abandoned. Abandoning a session that
	// already completed or was abandoned is a no-op.
	Abandon(ctx context.Context, sessionID, reason string) (*Session, error)

	// GetSession looks up a session by id.
	GetSession(ctx context.Context, sessionID string) (*Session, error)

	// ListSessions returns sessions matching the options.
	ListSessions(ctx context.Context, opts SessionListOptions) ([]*Session, error)

	// Events yields one session's history in sequence order.
	Events(ctx context.Context, sessionID string) iter.Seq2[Event, error]

	// Feed yields events across all sessions after the given global position,
	// in append order. Restarting from the last seen Position never skips or
	// repeats an event.
	Feed(ctx context.Context, after int64) iter.Seq2[Event, error]

	// Stats summarises a journey across all its versions.
	Stats(ctx context.Context, journeyID string) (JourneyStats, error)

	// CompareVariants returns Stats partitioned by session variant.
	CompareVariants(ctx context.Context, journeyID string) (map[string]JourneyStats, error)
}

// VariantAssigner picks the A/B tag of a new session.
type VariantAssigner interface {
	Assign(j Journey, userID string) string
}

// VariantAssignerFunc adapts a function to VariantAssigner.
type VariantAssignerFunc func(j Journey, userID string) string

func (f VariantAssignerFunc) Assign(j Journey, userID string) string { return f(j, userID) }

// ConflictRetry controls how the engine retries a transition that lost an
// optimistic concurrency race. MaxAttempts includes the first attempt:
//
//	MaxAttempts = 1 => no retries
//	MaxAttempts = 4 => initial attempt + up to 3 retries
//
// InitialBackoff is the delay before the first retry. It grows by
// BackoffMultiplier per retry (default 2.0) and is capped by MaxBackoff
// when that is positive. A zero InitialBackoff retries immediately.
type ConflictRetry struct {
	MaxAttempts       int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64
}

// DefaultConflictRetry retries a lost race three times without sleeping.
var DefaultConflictRetry = ConflictRetry{MaxAttempts: 4}

// Delay returns how long to wait before the given retry (1 for the first
// retry after the initial attempt).
func (r ConflictRetry) Delay(retry int) time.Duration {
	if retry < 1 || r.InitialBackoff <= 0 {
		return 0
	}
	m := r.BackoffMultiplier
	if m <= 0 {
		m = 2.0
	}
	d := float64(r.InitialBackoff)
	for i := 1; i < retry; i++ {
		d *= m
		if r.MaxBackoff > 0 && d >= float64(r.MaxBackoff) {
			return r.MaxBackoff
		}
	}
	if r.MaxBackoff > 0 && time.Duration(d) > r.MaxBackoff {
		return r.MaxBackoff
	}
	return time.Duration(d)
}
