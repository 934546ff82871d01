package persistence

import (
	"context"
	"iter"
	"time"

	"github.com/petrijr/trailhead/pkg/api"
)

// JourneyStore holds published journey versions. It is insert-only: a
// version, once saved, is never replaced.
type JourneyStore interface {
	// SaveJourney stores a new version. It fails with api.ErrVersionPublished
	// if the (id, version) pair already exists.
	SaveJourney(ctx context.Context, j api.Journey) error
	GetJourney(ctx context.Context, id string, version int) (api.Journey, error)
	// LatestJourney returns the highest published version.
	LatestJourney(ctx context.Context, id string) (api.Journey, error)
	ListVersions(ctx context.Context, id string) ([]int, error)
}

// SessionFilter is used to select sessions from the store.
// Empty string / zero values mean "no filter" for that field.
type SessionFilter struct {
	JourneyID string
	UserID    string
	Status    api.Status
	IdleSince time.Time
}

// Transition is a compare-and-swap write on a session. It applies only if
// the session is still at FromStep with FromRevision.
type Transition struct {
	SessionID    string
	FromStep     string
	FromRevision int64

	ToStep string
	Status api.Status
	// DataPatch is merged into the session's collected data.
	DataPatch map[string]any
	At        time.Time
	// Entered marks ToStep as freshly entered, resetting StepEnteredAt.
	Entered bool
	// Events are appended to the session's trail in the same atomic write,
	// or not at all when the compare-and-swap fails.
	Events []api.Event
}

// SessionStore holds one mutable progress record per (journey version, user).
// Implementations own the EventLog their sessions' events go to: session
// writes and their events commit together.
type SessionStore interface {
	// CreateSession inserts sess and appends events unless a session for
	// the same journey id, version and user exists, in which case the
	// existing one is returned with created=false and nothing is appended.
	CreateSession(ctx context.Context, sess *api.Session, events []api.Event) (stored *api.Session, created bool, err error)
	GetSession(ctx context.Context, id string) (*api.Session, error)
	// ApplyTransition fails with api.ErrConflict when the session is no
	// longer at tr.FromStep / tr.FromRevision.
	ApplyTransition(ctx context.Context, tr Transition) (*api.Session, error)
	ListSessions(ctx context.Context, filter SessionFilter) ([]*api.Session, error)
}

// ScanOptions selects a window of the global event stream.
type ScanOptions struct {
	// JourneyID, if set, keeps only events of that journey.
	JourneyID string
	// After is an exclusive global position cursor.
	After int64
	// Limit caps the number of events yielded; zero means unbounded.
	Limit int
}

// EventLog is the append-only history of session transitions.
//
// Positions are dense and become visible in order: once a reader has seen
// position p, every position below p is visible too.
type EventLog interface {
	// Append assigns the next per-session Seq and a global Position and
	// returns the stored event.
	Append(ctx context.Context, ev api.Event) (api.Event, error)
	// Read yields a session's events in Seq order. Ranging again restarts
	// from the beginning.
	Read(ctx context.Context, sessionID string) iter.Seq2[api.Event, error]
	// Scan yields events in global Position order.
	Scan(ctx context.Context, opts ScanOptions) iter.Seq2[api.Event, error]
}

func (f SessionFilter) matches(s *api.Session) bool {
	if f.JourneyID != "" && s.JourneyID != f.JourneyID {
		return false
	}
	if f.UserID != "" && s.UserID != f.UserID {
		return false
	}
	if f.Status != "" && s.Status != f.Status {
		return false
	}
	if !f.IdleSince.IsZero() && !s.LastActivityAt.Before(f.IdleSince) {
		return false
	}
	return true
}

func (o ScanOptions) matches(ev api.Event) bool {
	return ev.Position > o.After && (o.JourneyID == "" || ev.JourneyID == o.JourneyID)
}

// apply mutates sess according to tr. Callers have already checked the
// compare-and-swap condition.
func (tr Transition) apply(sess *api.Session) {
	if sess.Data == nil {
		sess.Data = map[string]any{}
	}
	for k, v := range tr.DataPatch {
		sess.Data[k] = v
	}
	if tr.ToStep != "" {
		sess.CurrentStep = tr.ToStep
	}
	if tr.Status != "" {
		sess.Status = tr.Status
	}
	if tr.Entered {
		sess.StepEnteredAt = tr.At
	}
	sess.LastActivityAt = tr.At
	sess.Revision++
}
