package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/petrijr/trailhead/internal/persistence"
	"github.com/petrijr/trailhead/pkg/api"
)

// fakeClock is a manually advanced time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestEngine(t *testing.T, clock *fakeClock) api.Engine {
	t.Helper()
	return NewEngineWithConfig(Config{
		Persistence: persistence.NewInMemory(),
		Now:         clock.Now,
	})
}

// profileJourney is welcome -> profile_setup(form, required=[name]) -> done.
func profileJourney() api.Journey {
	return api.Journey{
		ID:    "onboarding",
		Name:  "Onboarding",
		Entry: "welcome",
		Steps: []api.Step{
			{ID: "welcome", Kind: api.StepMessage, Next: "profile_setup"},
			{ID: "profile_setup", Kind: api.StepForm, Next: "done", Form: &api.FormSpec{Required: []string{"name"}}},
			{ID: "done", Kind: api.StepMessage},
		},
	}
}

func mustPublish(t *testing.T, e api.Engine, j api.Journey) api.Journey {
	t.Helper()
	published, err := e.Publish(context.Background(), j)
	if err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	return published
}

type eventSummary struct {
	Kind api.EventKind
	Step string
}

func collectEvents(t *testing.T, e api.Engine, sessionID string) []api.Event {
	t.Helper()
	var out []api.Event
	for ev, err := range e.Events(context.Background(), sessionID) {
		if err != nil {
			t.Fatalf("Events failed: %v", err)
		}
		out = append(out, ev)
	}
	return out
}

func summarize(events []api.Event) []eventSummary {
	out := make([]eventSummary, len(events))
	for i, ev := range events {
		out[i] = eventSummary{ev.Kind, ev.StepID}
	}
	return out
}

func assertTrail(t *testing.T, got []api.Event, want []eventSummary) {
	t.Helper()
	sum := summarize(got)
	if len(sum) != len(want) {
		t.Fatalf("expected %d events %v, got %d: %v", len(want), want, len(sum), sum)
	}
	for i := range want {
		if sum[i] != want[i] {
			t.Fatalf("event %d: expected %v, got %v (trail %v)", i, want[i], sum[i], sum)
		}
	}
}

func TestProfileSetupScenario(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	e := newTestEngine(t, clock)
	mustPublish(t, e, profileJourney())

	sess, err := e.Start(ctx, "onboarding", "u1")
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if sess.CurrentStep != "welcome" || sess.Status != api.StatusActive {
		t.Fatalf("expected active session at welcome, got %s/%s", sess.Status, sess.CurrentStep)
	}

	clock.Advance(10 * time.Second)
	sess, err = e.CompleteStep(ctx, sess.ID, "welcome", map[string]any{})
	if err != nil {
		t.Fatalf("CompleteStep(welcome) failed: %v", err)
	}
	if sess.CurrentStep != "profile_setup" {
		t.Fatalf("expected profile_setup, got %s", sess.CurrentStep)
	}

	_, err = e.CompleteStep(ctx, sess.ID, "profile_setup", map[string]any{})
	if !errors.Is(err, api.ErrMissingFields) {
		t.Fatalf("expected missing fields error, got %v", err)
	}
	se, ok := api.AsStepError(err)
	if !ok || len(se.Fields) != 1 || se.Fields[0] != "name" {
		t.Fatalf("expected missing field name, got %+v", se)
	}

	unchanged, err := e.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if unchanged.CurrentStep != "profile_setup" || unchanged.Revision != sess.Revision {
		t.Fatalf("rejected completion must not change the session: %+v", unchanged)
	}

	clock.Advance(20 * time.Second)
	sess, err = e.CompleteStep(ctx, sess.ID, "profile_setup", map[string]any{"name": "Jo"})
	if err != nil {
		t.Fatalf("CompleteStep(profile_setup) failed: %v", err)
	}
	if sess.CurrentStep != "done" || sess.Status != api.StatusCompleted {
		t.Fatalf("expected completed at done, got %s/%s", sess.Status, sess.CurrentStep)
	}
	if sess.Data["name"] != "Jo" {
		t.Fatalf("expected collected name, got %v", sess.Data)
	}

	events := collectEvents(t, e, sess.ID)
	assertTrail(t, events, []eventSummary{
		{api.EventStarted, ""},
		{api.EventStepEntered, "welcome"},
		{api.EventStepCompleted, "welcome"},
		{api.EventStepEntered, "profile_setup"},
		{api.EventStepCompleted, "profile_setup"},
		{api.EventStepEntered, "done"},
		{api.EventCompleted, ""},
	})
	for i, ev := range events {
		if ev.Seq != int64(i+1) {
			t.Fatalf("event %d has seq %d", i, ev.Seq)
		}
	}

	stats, err := e.Stats(ctx, "onboarding")
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.TotalStarted != 1 || stats.TotalCompleted != 1 || stats.CompletionRate != 1.0 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if stats.AvgCompletionTime != 30*time.Second {
		t.Fatalf("expected 30s completion time, got %v", stats.AvgCompletionTime)
	}
	profile, _ := stats.Step("profile_setup")
	if profile.AvgTimeInStep != 20*time.Second {
		t.Fatalf("expected 20s in profile_setup, got %v", profile.AvgTimeInStep)
	}
}

func roleJourney() api.Journey {
	return api.Journey{
		ID:    "roles",
		Entry: "ask_role",
		Steps: []api.Step{
			{ID: "ask_role", Kind: api.StepForm, Next: "route", Form: &api.FormSpec{Required: []string{"role"}}},
			{ID: "route", Kind: api.StepBranch, Branch: &api.BranchSpec{
				Rules: []api.Rule{{
					When:   []api.Predicate{{Field: "role", Op: api.OpEq, Value: "admin"}},
					Target: "admin_path",
				}},
				Fallback: "fallback_path",
			}},
			{ID: "admin_path", Kind: api.StepTour, Next: "end"},
			{ID: "fallback_path", Kind: api.StepVideo, Next: "end"},
			{ID: "end", Kind: api.StepMessage},
		},
	}
}

func TestBranchRoutesByCollectedData(t *testing.T) {
	cases := []struct {
		role    string
		target  string
		rule    int
		matched bool
	}{
		{"admin", "admin_path", 0, true},
		{"member", "fallback_path", -1, false},
	}
	for _, tc := range cases {
		t.Run(tc.role, func(t *testing.T) {
			ctx := context.Background()
			e := newTestEngine(t, newFakeClock())
			mustPublish(t, e, roleJourney())

			sess, err := e.Start(ctx, "roles", "u-"+tc.role)
			if err != nil {
				t.Fatalf("Start failed: %v", err)
			}
			sess, err = e.CompleteStep(ctx, sess.ID, "ask_role", map[string]any{"role": tc.role})
			if err != nil {
				t.Fatalf("CompleteStep failed: %v", err)
			}
			if sess.CurrentStep != tc.target {
				t.Fatalf("expected %s, got %s", tc.target, sess.CurrentStep)
			}

			events := collectEvents(t, e, sess.ID)
			assertTrail(t, events, []eventSummary{
				{api.EventStarted, ""},
				{api.EventStepEntered, "ask_role"},
				{api.EventStepCompleted, "ask_role"},
				{api.EventStepEntered, "route"},
				{api.EventStepCompleted, "route"},
				{api.EventBranchTaken, "route"},
				{api.EventStepEntered, tc.target},
			})
			taken := events[5].Payload
			if taken[api.PayloadTarget] != tc.target || taken[api.PayloadRule] != tc.rule || taken[api.PayloadMatched] != tc.matched {
				t.Fatalf("unexpected branch_taken payload: %v", taken)
			}
		})
	}
}

func TestStartIsIdempotentPerUser(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, newFakeClock())
	mustPublish(t, e, profileJourney())

	first, err := e.Start(ctx, "onboarding", "u1")
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	second, err := e.Start(ctx, "onboarding", "u1")
	if err != nil {
		t.Fatalf("second Start failed: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("expected same session, got %s and %s", first.ID, second.ID)
	}
	if n := len(collectEvents(t, e, first.ID)); n != 2 {
		t.Fatalf("expected started + step_entered only once, got %d events", n)
	}

	// An active session stays bound to its version after v2 ships.
	mustPublish(t, e, profileJourney())
	third, err := e.Start(ctx, "onboarding", "u1")
	if err != nil {
		t.Fatalf("third Start failed: %v", err)
	}
	if third.ID != first.ID || third.JourneyVersion != 1 {
		t.Fatalf("expected the v1 session, got %s v%d", third.ID, third.JourneyVersion)
	}

	other, err := e.Start(ctx, "onboarding", "u2")
	if err != nil {
		t.Fatalf("Start for u2 failed: %v", err)
	}
	if other.JourneyVersion != 2 {
		t.Fatalf("new sessions bind to the latest version, got v%d", other.JourneyVersion)
	}
}

func TestStartUnknownJourney(t *testing.T) {
	e := newTestEngine(t, newFakeClock())
	if _, err := e.Start(context.Background(), "nope", "u1"); !errors.Is(err, api.ErrJourneyNotFound) {
		t.Fatalf("expected ErrJourneyNotFound, got %v", err)
	}
}

func TestCompleteStepRejections(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	e := newTestEngine(t, clock)
	mustPublish(t, e, api.Journey{
		ID:    "setup",
		Entry: "connect",
		Steps: []api.Step{
			{ID: "connect", Kind: api.StepTask, Next: "settle", Task: &api.TaskSpec{Criteria: "integration_connected"}},
			{ID: "settle", Kind: api.StepWait, Next: "done", Wait: &api.WaitSpec{MinDuration: time.Hour, Event: "data_synced"}},
			{ID: "done", Kind: api.StepMessage},
		},
	})

	sess, err := e.Start(ctx, "setup", "u1")
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	if _, err := e.CompleteStep(ctx, sess.ID, "settle", nil); !errors.Is(err, api.ErrStaleStep) {
		t.Fatalf("expected stale step, got %v", err)
	}
	if _, err := e.CompleteStep(ctx, sess.ID, "connect", map[string]any{"integration_connected": false}); !errors.Is(err, api.ErrCriteriaUnmet) {
		t.Fatalf("expected criteria unmet, got %v", err)
	}
	if _, err := e.CompleteStep(ctx, sess.ID, "connect", map[string]any{"integration_connected": true}); err != nil {
		t.Fatalf("CompleteStep(connect) failed: %v", err)
	}

	clock.Advance(30 * time.Minute)
	if _, err := e.CompleteStep(ctx, sess.ID, "settle", nil); !errors.Is(err, api.ErrNotReady) {
		t.Fatalf("expected not ready, got %v", err)
	}
	clock.Advance(30 * time.Minute)
	sess, err = e.CompleteStep(ctx, sess.ID, "settle", nil)
	if err != nil {
		t.Fatalf("CompleteStep(settle) after min duration failed: %v", err)
	}
	if sess.Status != api.StatusCompleted {
		t.Fatalf("expected completed, got %s", sess.Status)
	}

	if _, err := e.CompleteStep(ctx, sess.ID, "done", nil); !errors.Is(err, api.ErrSessionInactive) {
		t.Fatalf("expected session inactive, got %v", err)
	}
	if _, err := e.CompleteStep(ctx, "missing", "connect", nil); !errors.Is(err, api.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestWaitStepAdvancesOnEventToken(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, newFakeClock())
	mustPublish(t, e, api.Journey{
		ID:    "verify",
		Entry: "await_email",
		Steps: []api.Step{
			{ID: "await_email", Kind: api.StepWait, Next: "done", Wait: &api.WaitSpec{Event: "email_verified"}},
			{ID: "done", Kind: api.StepMessage},
		},
	})

	sess, _ := e.Start(ctx, "verify", "u1")
	sess, err := e.CompleteStep(ctx, sess.ID, "await_email", map[string]any{"email_verified": "yes"})
	if err != nil {
		t.Fatalf("CompleteStep failed: %v", err)
	}
	if sess.Status != api.StatusCompleted {
		t.Fatalf("expected completed, got %s", sess.Status)
	}
}

func TestAbandonIsIdempotent(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, newFakeClock())
	mustPublish(t, e, profileJourney())

	sess, _ := e.Start(ctx, "onboarding", "u1")
	abandoned, err := e.Abandon(ctx, sess.ID, "user_closed")
	if err != nil {
		t.Fatalf("Abandon failed: %v", err)
	}
	if abandoned.Status != api.StatusAbandoned || abandoned.CurrentStep != "welcome" {
		t.Fatalf("unexpected abandoned session: %+v", abandoned)
	}

	again, err := e.Abandon(ctx, sess.ID, "again")
	if err != nil {
		t.Fatalf("second Abandon failed: %v", err)
	}
	if again.Status != api.StatusAbandoned {
		t.Fatalf("expected abandoned, got %s", again.Status)
	}

	events := collectEvents(t, e, sess.ID)
	assertTrail(t, events, []eventSummary{
		{api.EventStarted, ""},
		{api.EventStepEntered, "welcome"},
		{api.EventAbandoned, ""},
	})
	if events[2].Payload[api.PayloadReason] != "user_closed" || events[2].Payload[api.PayloadAtStep] != "welcome" {
		t.Fatalf("unexpected abandoned payload: %v", events[2].Payload)
	}

	if _, err := e.CompleteStep(ctx, sess.ID, "welcome", nil); !errors.Is(err, api.ErrSessionInactive) {
		t.Fatalf("expected session inactive after abandon, got %v", err)
	}

	stats, err := e.Stats(ctx, "onboarding")
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.TotalAbandoned != 1 || stats.CompletionRate != 0 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestPublishVersioning(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, newFakeClock())

	v1 := mustPublish(t, e, profileJourney())
	if v1.Version != 1 || v1.PublishedAt.IsZero() {
		t.Fatalf("expected v1 with publish time, got v%d at %v", v1.Version, v1.PublishedAt)
	}

	again := profileJourney()
	again.Version = 1
	if _, err := e.Publish(ctx, again); !errors.Is(err, api.ErrVersionPublished) {
		t.Fatalf("expected ErrVersionPublished, got %v", err)
	}

	skip := profileJourney()
	skip.Version = 5
	if _, err := e.Publish(ctx, skip); err == nil {
		t.Fatal("expected error publishing a non-consecutive version")
	}

	v2 := mustPublish(t, e, profileJourney())
	if v2.Version != 2 {
		t.Fatalf("expected v2, got v%d", v2.Version)
	}

	latest, err := e.GetJourney(ctx, "onboarding", 0)
	if err != nil || latest.Version != 2 {
		t.Fatalf("expected latest v2, got v%d (%v)", latest.Version, err)
	}
	first, err := e.GetJourney(ctx, "onboarding", 1)
	if err != nil || first.Version != 1 {
		t.Fatalf("expected v1, got v%d (%v)", first.Version, err)
	}
}

func TestPublishRejectsInvalidJourney(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, newFakeClock())

	bad := profileJourney()
	bad.Steps[0].Next = "nowhere"
	_, err := e.Publish(ctx, bad)

	var verr *api.ValidationError
	if !errors.As(err, &verr) || !verr.Has(api.ProblemDanglingReference) {
		t.Fatalf("expected dangling reference, got %v", err)
	}
	if _, err := e.GetJourney(ctx, "onboarding", 0); !errors.Is(err, api.ErrJourneyNotFound) {
		t.Fatalf("invalid journey must not be stored, got %v", err)
	}
}

func TestStatsBeforeAnySession(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, newFakeClock())
	mustPublish(t, e, profileJourney())

	stats, err := e.Stats(ctx, "onboarding")
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.TotalStarted != 0 || stats.CompletionRate != 0 {
		t.Fatalf("expected empty stats, got %+v", stats)
	}

	if _, err := e.Stats(ctx, "unknown"); !errors.Is(err, api.ErrJourneyNotFound) {
		t.Fatalf("expected ErrJourneyNotFound, got %v", err)
	}
}

func TestFeedIsRestartable(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, newFakeClock())
	mustPublish(t, e, profileJourney())

	a, _ := e.Start(ctx, "onboarding", "a")
	b, _ := e.Start(ctx, "onboarding", "b")
	if _, err := e.CompleteStep(ctx, a.ID, "welcome", nil); err != nil {
		t.Fatalf("CompleteStep failed: %v", err)
	}

	var all []api.Event
	for ev, err := range e.Feed(ctx, 0) {
		if err != nil {
			t.Fatalf("Feed failed: %v", err)
		}
		all = append(all, ev)
	}
	if len(all) != 6 {
		t.Fatalf("expected 6 events, got %d", len(all))
	}
	if all[2].SessionID != b.ID {
		t.Fatalf("feed must follow append order, got %s at position 3", all[2].SessionID)
	}

	var tail []api.Event
	for ev, err := range e.Feed(ctx, all[3].Position) {
		if err != nil {
			t.Fatalf("Feed failed: %v", err)
		}
		tail = append(tail, ev)
	}
	if len(tail) != 2 || tail[0].Position != all[4].Position {
		t.Fatalf("expected to resume after position %d, got %v", all[3].Position, summarize(tail))
	}
}

func TestListSessions(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	e := newTestEngine(t, clock)
	mustPublish(t, e, profileJourney())

	a, _ := e.Start(ctx, "onboarding", "a")
	clock.Advance(time.Hour)
	b, _ := e.Start(ctx, "onboarding", "b")
	if _, err := e.Abandon(ctx, b.ID, "test"); err != nil {
		t.Fatalf("Abandon failed: %v", err)
	}

	active, err := e.ListSessions(ctx, api.SessionListOptions{JourneyID: "onboarding", Status: api.StatusActive})
	if err != nil {
		t.Fatalf("ListSessions failed: %v", err)
	}
	if len(active) != 1 || active[0].ID != a.ID {
		t.Fatalf("expected only %s active, got %v", a.ID, active)
	}

	idle, err := e.ListSessions(ctx, api.SessionListOptions{IdleSince: clock.Now()})
	if err != nil {
		t.Fatalf("ListSessions failed: %v", err)
	}
	if len(idle) != 1 || idle[0].ID != a.ID {
		t.Fatalf("expected %s idle, got %v", a.ID, idle)
	}
}
