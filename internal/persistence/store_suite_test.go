package persistence

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/petrijr/trailhead/pkg/api"
)

// StoreSuite exercises the SessionStore and EventLog contracts. Each backend
// provides a fresh Persistence per test through newBackend.
type StoreSuite struct {
	suite.Suite
	newBackend func() Persistence

	p   Persistence
	ctx context.Context
}

func (s *StoreSuite) SetupTest() {
	s.ctx = context.Background()
	s.p = s.newBackend()
}

var testEpoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func newSession(id, journeyID string, version int, userID string) *api.Session {
	return &api.Session{
		ID:             id,
		JourneyID:      journeyID,
		JourneyVersion: version,
		UserID:         userID,
		CurrentStep:    "welcome",
		Status:         api.StatusActive,
		Variant:        api.DefaultVariant,
		StartedAt:      testEpoch,
		LastActivityAt: testEpoch,
		StepEnteredAt:  testEpoch,
		Data:           map[string]any{},
	}
}

func (s *StoreSuite) TestCreateSessionIsIdempotentPerUser() {
	first, created, err := s.p.Sessions.CreateSession(s.ctx, newSession("s-1", "onboarding", 1, "u1"), nil)
	s.Require().NoError(err)
	s.True(created)
	s.Equal("s-1", first.ID)

	again, created, err := s.p.Sessions.CreateSession(s.ctx, newSession("s-2", "onboarding", 1, "u1"), nil)
	s.Require().NoError(err)
	s.False(created)
	s.Equal("s-1", again.ID)

	other, created, err := s.p.Sessions.CreateSession(s.ctx, newSession("s-3", "onboarding", 2, "u1"), nil)
	s.Require().NoError(err)
	s.True(created)
	s.Equal("s-3", other.ID)
}

func (s *StoreSuite) TestGetSessionNotFound() {
	_, err := s.p.Sessions.GetSession(s.ctx, "missing")
	s.ErrorIs(err, api.ErrSessionNotFound)
}

func (s *StoreSuite) TestApplyTransitionMergesDataAndBumpsRevision() {
	_, _, err := s.p.Sessions.CreateSession(s.ctx, newSession("s-1", "onboarding", 1, "u1"), nil)
	s.Require().NoError(err)

	at := testEpoch.Add(time.Minute)
	got, err := s.p.Sessions.ApplyTransition(s.ctx, Transition{
		SessionID:    "s-1",
		FromStep:     "welcome",
		FromRevision: 0,
		ToStep:       "profile",
		DataPatch:    map[string]any{"name": "Jo"},
		At:           at,
		Entered:      true,
	})
	s.Require().NoError(err)
	s.Equal("profile", got.CurrentStep)
	s.Equal(int64(1), got.Revision)
	s.Equal("Jo", got.Data["name"])
	s.True(got.StepEnteredAt.Equal(at))

	reread, err := s.p.Sessions.GetSession(s.ctx, "s-1")
	s.Require().NoError(err)
	s.Equal("profile", reread.CurrentStep)
	s.Equal(int64(1), reread.Revision)
	s.Equal("Jo", reread.Data["name"])
	s.True(reread.LastActivityAt.Equal(at))
}

func (s *StoreSuite) TestApplyTransitionDetectsConflict() {
	_, _, err := s.p.Sessions.CreateSession(s.ctx, newSession("s-1", "onboarding", 1, "u1"), nil)
	s.Require().NoError(err)

	tr := Transition{SessionID: "s-1", FromStep: "welcome", ToStep: "profile", At: testEpoch, Entered: true}
	_, err = s.p.Sessions.ApplyTransition(s.ctx, tr)
	s.Require().NoError(err)

	_, err = s.p.Sessions.ApplyTransition(s.ctx, tr)
	s.ErrorIs(err, api.ErrConflict)

	// Right step, stale revision.
	_, err = s.p.Sessions.ApplyTransition(s.ctx, Transition{SessionID: "s-1", FromStep: "profile", FromRevision: 0, ToStep: "done", At: testEpoch})
	s.ErrorIs(err, api.ErrConflict)
}

func (s *StoreSuite) TestApplyTransitionExactlyOneConcurrentWinner() {
	_, _, err := s.p.Sessions.CreateSession(s.ctx, newSession("s-1", "onboarding", 1, "u1"), nil)
	s.Require().NoError(err)

	var wins, conflicts atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.p.Sessions.ApplyTransition(s.ctx, Transition{
				SessionID: "s-1", FromStep: "welcome", ToStep: "profile", At: testEpoch,
			})
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, api.ErrConflict):
				conflicts.Add(1)
			default:
				s.Failf("unexpected error", "%v", err)
			}
		}()
	}
	wg.Wait()

	s.Equal(int32(1), wins.Load())
	s.Equal(int32(7), conflicts.Load())
}

func (s *StoreSuite) TestListSessionsFilters() {
	a := newSession("s-a", "onboarding", 1, "u1")
	b := newSession("s-b", "onboarding", 1, "u2")
	b.StartedAt = testEpoch.Add(time.Second)
	b.LastActivityAt = testEpoch.Add(time.Hour)
	c := newSession("s-c", "billing", 1, "u1")
	for _, sess := range []*api.Session{a, b, c} {
		_, _, err := s.p.Sessions.CreateSession(s.ctx, sess, nil)
		s.Require().NoError(err)
	}
	_, err := s.p.Sessions.ApplyTransition(s.ctx, Transition{SessionID: "s-c", FromStep: "welcome", Status: api.StatusAbandoned, At: testEpoch})
	s.Require().NoError(err)

	all, err := s.p.Sessions.ListSessions(s.ctx, SessionFilter{JourneyID: "onboarding"})
	s.Require().NoError(err)
	s.Equal([]string{"s-a", "s-b"}, sessionIDs(all))

	mine, err := s.p.Sessions.ListSessions(s.ctx, SessionFilter{UserID: "u1", Status: api.StatusActive})
	s.Require().NoError(err)
	s.Equal([]string{"s-a"}, sessionIDs(mine))

	idle, err := s.p.Sessions.ListSessions(s.ctx, SessionFilter{JourneyID: "onboarding", IdleSince: testEpoch.Add(time.Minute)})
	s.Require().NoError(err)
	s.Equal([]string{"s-a"}, sessionIDs(idle))
}

func sessionIDs(list []*api.Session) []string {
	out := make([]string, len(list))
	for i, sess := range list {
		out[i] = sess.ID
	}
	return out
}

func (s *StoreSuite) TestJourneyVersionsAreInsertOnly() {
	j := api.Journey{ID: "onboarding", Version: 1, Entry: "welcome", Steps: []api.Step{{ID: "welcome", Kind: api.StepMessage}}, PublishedAt: testEpoch}
	s.Require().NoError(s.p.Journeys.SaveJourney(s.ctx, j))
	s.ErrorIs(s.p.Journeys.SaveJourney(s.ctx, j), api.ErrVersionPublished)

	j2 := j
	j2.Version = 2
	j2.Steps = []api.Step{
		{ID: "welcome", Kind: api.StepMessage, Next: "wait"},
		{ID: "wait", Kind: api.StepWait, Wait: &api.WaitSpec{MinDuration: time.Hour, Event: "verified"}},
	}
	s.Require().NoError(s.p.Journeys.SaveJourney(s.ctx, j2))

	latest, err := s.p.Journeys.LatestJourney(s.ctx, "onboarding")
	s.Require().NoError(err)
	s.Equal(2, latest.Version)
	s.Equal(time.Hour, latest.Steps[1].Wait.MinDuration)

	versions, err := s.p.Journeys.ListVersions(s.ctx, "onboarding")
	s.Require().NoError(err)
	s.Equal([]int{1, 2}, versions)

	_, err = s.p.Journeys.GetJourney(s.ctx, "onboarding", 3)
	s.ErrorIs(err, api.ErrJourneyNotFound)
}

func (s *StoreSuite) TestEventSequencesAreDensePerSession() {
	for i := 0; i < 3; i++ {
		for _, sid := range []string{"s-1", "s-2"} {
			_, err := s.p.Events.Append(s.ctx, api.Event{
				SessionID: sid,
				Kind:      api.EventStepEntered,
				StepID:    fmt.Sprintf("step-%d", i),
				At:        testEpoch.Add(time.Duration(i) * time.Second),
				JourneyID: "onboarding",
				Variant:   api.DefaultVariant,
				Payload:   map[string]any{"i": i},
			})
			s.Require().NoError(err)
		}
	}

	var seqs []int64
	var steps []string
	for ev, err := range s.p.Events.Read(s.ctx, "s-2") {
		s.Require().NoError(err)
		s.Equal("s-2", ev.SessionID)
		seqs = append(seqs, ev.Seq)
		steps = append(steps, ev.StepID)
	}
	s.Equal([]int64{1, 2, 3}, seqs)
	s.Equal([]string{"step-0", "step-1", "step-2"}, steps)
}

func (s *StoreSuite) TestConcurrentAppendsKeepSequenceGapFree() {
	const writers = 10
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.p.Events.Append(s.ctx, api.Event{SessionID: "s-1", Kind: api.EventStepEntered, At: testEpoch, JourneyID: "onboarding"})
			s.NoError(err)
		}()
	}
	wg.Wait()

	var seqs []int64
	for ev, err := range s.p.Events.Read(s.ctx, "s-1") {
		s.Require().NoError(err)
		seqs = append(seqs, ev.Seq)
	}
	s.Require().Len(seqs, writers)
	for i, seq := range seqs {
		s.Equal(int64(i+1), seq)
	}
}

func (s *StoreSuite) TestScanIsRestartableFromPosition() {
	journeys := []string{"onboarding", "billing", "onboarding", "onboarding"}
	for i, jid := range journeys {
		_, err := s.p.Events.Append(s.ctx, api.Event{
			SessionID: fmt.Sprintf("s-%d", i),
			Kind:      api.EventStarted,
			At:        testEpoch,
			JourneyID: jid,
		})
		s.Require().NoError(err)
	}

	var first []api.Event
	for ev, err := range s.p.Events.Scan(s.ctx, ScanOptions{JourneyID: "onboarding", Limit: 2}) {
		s.Require().NoError(err)
		first = append(first, ev)
	}
	s.Require().Len(first, 2)
	s.Less(first[0].Position, first[1].Position)

	var rest []api.Event
	for ev, err := range s.p.Events.Scan(s.ctx, ScanOptions{JourneyID: "onboarding", After: first[1].Position}) {
		s.Require().NoError(err)
		rest = append(rest, ev)
	}
	s.Require().Len(rest, 1)
	s.Equal("s-3", rest[0].SessionID)

	count := 0
	for _, err := range s.p.Events.Scan(s.ctx, ScanOptions{}) {
		s.Require().NoError(err)
		count++
	}
	s.Equal(len(journeys), count)
}

// trailOf builds count events for sess.
func trailOf(sess *api.Session, kind api.EventKind, count int) []api.Event {
	out := make([]api.Event, count)
	for i := range out {
		out[i] = api.Event{
			SessionID: sess.ID,
			Kind:      kind,
			StepID:    fmt.Sprintf("step-%d", i),
			At:        testEpoch,
			JourneyID: sess.JourneyID,
			Variant:   sess.Variant,
		}
	}
	return out
}

func (s *StoreSuite) readKinds(sessionID string) []api.EventKind {
	var kinds []api.EventKind
	for ev, err := range s.p.Events.Read(s.ctx, sessionID) {
		s.Require().NoError(err)
		kinds = append(kinds, ev.Kind)
	}
	return kinds
}

func (s *StoreSuite) TestCreateSessionAppendsEventsOnlyWhenCreated() {
	sess := newSession("s-1", "onboarding", 1, "u1")
	_, created, err := s.p.Sessions.CreateSession(s.ctx, sess, []api.Event{
		{SessionID: "s-1", Kind: api.EventStarted, At: testEpoch, JourneyID: "onboarding"},
		{SessionID: "s-1", Kind: api.EventStepEntered, StepID: "welcome", At: testEpoch, JourneyID: "onboarding"},
	})
	s.Require().NoError(err)
	s.True(created)

	dup := newSession("s-2", "onboarding", 1, "u1")
	_, created, err = s.p.Sessions.CreateSession(s.ctx, dup, trailOf(dup, api.EventStarted, 1))
	s.Require().NoError(err)
	s.False(created)

	s.Equal([]api.EventKind{api.EventStarted, api.EventStepEntered}, s.readKinds("s-1"))
	s.Empty(s.readKinds("s-2"))
}

func (s *StoreSuite) TestTransitionEventsCommitWithTheTransition() {
	sess := newSession("s-1", "onboarding", 1, "u1")
	_, _, err := s.p.Sessions.CreateSession(s.ctx, sess, trailOf(sess, api.EventStarted, 1))
	s.Require().NoError(err)

	tr := Transition{
		SessionID: "s-1", FromStep: "welcome", ToStep: "profile", At: testEpoch, Entered: true,
		Events: trailOf(sess, api.EventStepCompleted, 2),
	}
	_, err = s.p.Sessions.ApplyTransition(s.ctx, tr)
	s.Require().NoError(err)

	// The losing side of the compare-and-swap leaves no events behind.
	_, err = s.p.Sessions.ApplyTransition(s.ctx, tr)
	s.Require().ErrorIs(err, api.ErrConflict)

	var seqs []int64
	for ev, err := range s.p.Events.Read(s.ctx, "s-1") {
		s.Require().NoError(err)
		seqs = append(seqs, ev.Seq)
	}
	s.Equal([]int64{1, 2, 3}, seqs)
}

func (s *StoreSuite) TestConcurrentTransitionsKeepPositionsDense() {
	const sessions = 6
	for i := 0; i < sessions; i++ {
		sess := newSession(fmt.Sprintf("s-%d", i), "onboarding", 1, fmt.Sprintf("u%d", i))
		_, _, err := s.p.Sessions.CreateSession(s.ctx, sess, trailOf(sess, api.EventStarted, 1))
		s.Require().NoError(err)
	}

	var wg sync.WaitGroup
	for i := 0; i < sessions; i++ {
		for w := 0; w < 3; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				sess := newSession(fmt.Sprintf("s-%d", i), "onboarding", 1, "")
				_, err := s.p.Sessions.ApplyTransition(s.ctx, Transition{
					SessionID: sess.ID, FromStep: "welcome", ToStep: "profile", At: testEpoch,
					Events: trailOf(sess, api.EventStepCompleted, 2),
				})
				if err != nil && !errors.Is(err, api.ErrConflict) {
					s.Failf("unexpected error", "%v", err)
				}
			}()
		}
	}
	wg.Wait()

	var positions []int64
	for ev, err := range s.p.Events.Scan(s.ctx, ScanOptions{}) {
		s.Require().NoError(err)
		positions = append(positions, ev.Position)
	}
	// One started event per session plus one winning pair each.
	s.Require().Len(positions, sessions*3)
	for i, pos := range positions {
		s.Equal(int64(i+1), pos)
	}
}
