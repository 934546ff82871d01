package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/petrijr/trailhead/internal/analytics"
	"github.com/petrijr/trailhead/internal/graph"
	"github.com/petrijr/trailhead/internal/persistence"
	"github.com/petrijr/trailhead/pkg/api"
)

// engineImpl is a synchronous, request-driven engine. It starts no
// goroutines of its own; all state lives in the configured stores.
type engineImpl struct {
	journeys persistence.JourneyStore
	sessions persistence.SessionStore
	events   persistence.EventLog

	stats    *analytics.Aggregator
	observer api.Observer
	assigner api.VariantAssigner
	retry    api.ConflictRetry

	now   func() time.Time
	newID func() string

	locks stripedLock
}

// Config describes how to construct an engineImpl.
// External callers usually use the helper functions instead.
type Config struct {
	Persistence persistence.Persistence
	Observer    api.Observer

	// Assigner picks a new session's variant. Defaults to a weighted hash
	// of journey and user id.
	Assigner api.VariantAssigner

	// ConflictRetry defaults to api.DefaultConflictRetry.
	ConflictRetry api.ConflictRetry

	// Now and NewID default to time.Now and random UUIDs.
	Now   func() time.Time
	NewID func() string
}

func NewInMemoryEngine() api.Engine {
	return NewEngine(persistence.NewInMemory())
}

func NewSQLiteEngine(db *sql.DB) (api.Engine, error) {
	p, err := persistence.NewSQL(db, persistence.DialectSQLite)
	if err != nil {
		return nil, err
	}
	return NewEngine(p), nil
}

func NewPostgresEngine(db *sql.DB) (api.Engine, error) {
	p, err := persistence.NewSQL(db, persistence.DialectPostgres)
	if err != nil {
		return nil, err
	}
	return NewEngine(p), nil
}

// NewRedisEngine creates an engine that keeps all state in Redis under the
// "trailhead:" prefix.
func NewRedisEngine(client *redis.Client) api.Engine {
	return NewEngine(persistence.NewRedis(client, "trailhead:"))
}

// NewEngineWithConfig creates a new Engine using the given configuration.
func NewEngineWithConfig(cfg Config) api.Engine {
	obs := cfg.Observer
	if obs == nil {
		obs = api.NoopObserver{}
	}
	assigner := cfg.Assigner
	if assigner == nil {
		assigner = HashAssigner()
	}
	retry := cfg.ConflictRetry
	if retry.MaxAttempts <= 0 {
		retry.MaxAttempts = api.DefaultConflictRetry.MaxAttempts
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	newID := cfg.NewID
	if newID == nil {
		newID = uuid.NewString
	}
	return &engineImpl{
		journeys: cfg.Persistence.Journeys,
		sessions: cfg.Persistence.Sessions,
		events:   cfg.Persistence.Events,
		stats:    analytics.NewAggregator(cfg.Persistence.Events),
		observer: obs,
		assigner: assigner,
		retry:    retry,
		now:      now,
		newID:    newID,
	}
}

// NewEngine returns an Engine over p with default settings.
func NewEngine(p persistence.Persistence) api.Engine {
	return NewEngineWithConfig(Config{
		Persistence: p,
	})
}

func (e *engineImpl) Publish(ctx context.Context, j api.Journey) (api.Journey, error) {
	latest := 0
	versions, err := e.journeys.ListVersions(ctx, j.ID)
	if err != nil {
		return api.Journey{}, err
	}
	if n := len(versions); n > 0 {
		latest = versions[n-1]
	}

	switch {
	case j.Version == 0:
		j.Version = latest + 1
	case j.Version <= latest:
		return api.Journey{}, fmt.Errorf("journey %s v%d: %w", j.ID, j.Version, api.ErrVersionPublished)
	case j.Version != latest+1:
		return api.Journey{}, fmt.Errorf("journey %s: version %d does not follow latest version %d", j.ID, j.Version, latest)
	}

	if err := graph.Validate(j); err != nil {
		return api.Journey{}, err
	}

	j.PublishedAt = e.now()
	if err := e.journeys.SaveJourney(ctx, j); err != nil {
		if errors.Is(err, api.ErrVersionPublished) {
			return api.Journey{}, fmt.Errorf("journey %s v%d: %w", j.ID, j.Version, err)
		}
		return api.Journey{}, err
	}
	return j, nil
}

func (e *engineImpl) GetJourney(ctx context.Context, journeyID string, version int) (api.Journey, error) {
	if version == 0 {
		return e.journeys.LatestJourney(ctx, journeyID)
	}
	return e.journeys.GetJourney(ctx, journeyID, version)
}

func (e *engineImpl) Start(ctx context.Context, journeyID, userID string) (*api.Session, error) {
	if journeyID == "" || userID == "" {
		return nil, errors.New("journey id and user id are required")
	}

	// A user keeps their active session even after a newer version ships.
	active, err := e.sessions.ListSessions(ctx, persistence.SessionFilter{
		JourneyID: journeyID,
		UserID:    userID,
		Status:    api.StatusActive,
	})
	if err != nil {
		return nil, err
	}
	if len(active) > 0 {
		return newest(active), nil
	}

	j, err := e.journeys.LatestJourney(ctx, journeyID)
	if err != nil {
		return nil, err
	}

	now := e.now()
	variant := e.assigner.Assign(j, userID)
	env := graph.Env{Data: map[string]any{}, Variant: variant}
	rest, hops, err := settle(j, j.Entry, env)
	if err != nil {
		return nil, err
	}
	restStep, _ := j.Step(rest)

	sess := &api.Session{
		ID:             e.newID(),
		JourneyID:      j.ID,
		JourneyVersion: j.Version,
		UserID:         userID,
		CurrentStep:    rest,
		Status:         api.StatusActive,
		Variant:        variant,
		StartedAt:      now,
		LastActivityAt: now,
		StepEnteredAt:  now,
		Data:           map[string]any{},
	}
	if restStep.Terminal() {
		sess.Status = api.StatusCompleted
	}

	t := newTrail(sess, now)
	t.emit(api.EventStarted, "", map[string]any{api.PayloadEntry: j.Entry})
	t.enter(j.Entry, hops, rest, restStep.Terminal(), 0)

	stored, created, err := e.sessions.CreateSession(ctx, sess, t.events)
	if err != nil {
		return nil, err
	}
	if !created {
		return stored, nil
	}

	e.observer.OnSessionStarted(ctx, stored)
	e.notifyHops(ctx, stored, hops)
	if stored.Status == api.StatusCompleted {
		e.observer.OnSessionCompleted(ctx, stored)
	}
	return stored, nil
}

func (e *engineImpl) CompleteStep(ctx context.Context, sessionID, stepID string, data map[string]any) (*api.Session, error) {
	unlock := e.locks.lock(sessionID)
	defer unlock()

	var result *api.Session
	err := e.withConflictRetry(ctx, sessionID, func() (bool, error) {
		updated, retry, err := e.tryComplete(ctx, sessionID, stepID, data)
		result = updated
		return retry, err
	})
	if err == nil {
		return result, nil
	}
	if errors.Is(err, api.ErrConflict) {
		err = &api.StepError{Code: api.StepConflict, SessionID: sessionID, StepID: stepID, Err: err}
	}
	if _, ok := api.AsStepError(err); ok {
		e.observer.OnStepRejected(ctx, sessionID, stepID, err)
	}
	return nil, err
}

// tryComplete makes one attempt. It returns retry=true when the transition
// lost an optimistic concurrency race.
func (e *engineImpl) tryComplete(ctx context.Context, sessionID, stepID string, data map[string]any) (*api.Session, bool, error) {
	sess, err := e.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return nil, false, err
	}
	reject := func(code api.StepErrorCode, fields []string) error {
		return &api.StepError{
			Code:        code,
			SessionID:   sessionID,
			StepID:      stepID,
			CurrentStep: sess.CurrentStep,
			Fields:      fields,
		}
	}

	if sess.Status.Terminal() {
		return nil, false, reject(api.StepSessionInactive, nil)
	}
	if sess.CurrentStep != stepID {
		return nil, false, reject(api.StepStale, nil)
	}

	j, err := e.journeys.GetJourney(ctx, sess.JourneyID, sess.JourneyVersion)
	if err != nil {
		return nil, false, err
	}
	step, ok := j.Step(stepID)
	if !ok {
		return nil, false, reject(api.StepUnknown, nil)
	}

	now := e.now()
	if unmet := graph.CheckCompletion(step, data, sess.StepEnteredAt, now); unmet != nil {
		return nil, false, reject(unmet.Code, unmet.Fields)
	}

	merged := sess.Clone().Data
	for k, v := range data {
		merged[k] = v
	}
	env := graph.Env{Data: merged, Variant: sess.Variant, Elapsed: now.Sub(sess.StartedAt)}

	next := graph.ResolveNext(step, env).Target
	rest, hops, err := settle(j, next, env)
	if err != nil {
		return nil, false, err
	}
	restStep, _ := j.Step(rest)
	terminal := restStep.Terminal()

	dwell := now.Sub(sess.StepEnteredAt)
	t := newTrail(sess, now)
	t.emit(api.EventStepCompleted, stepID, map[string]any{
		api.PayloadData:    payloadData(data),
		api.PayloadDwellMS: dwell.Milliseconds(),
	})
	t.enter(next, hops, rest, terminal, now.Sub(sess.StartedAt))

	tr := persistence.Transition{
		SessionID:    sessionID,
		FromStep:     stepID,
		FromRevision: sess.Revision,
		ToStep:       rest,
		Status:       api.StatusActive,
		DataPatch:    data,
		At:           now,
		Entered:      true,
		Events:       t.events,
	}
	if terminal {
		tr.Status = api.StatusCompleted
	}

	updated, err := e.sessions.ApplyTransition(ctx, tr)
	if err != nil {
		return nil, errors.Is(err, api.ErrConflict), err
	}

	e.observer.OnStepCompleted(ctx, updated, stepID, dwell)
	e.notifyHops(ctx, updated, hops)
	if terminal {
		e.observer.OnSessionCompleted(ctx, updated)
	}
	return updated, false, nil
}

func (e *engineImpl) Abandon(ctx context.Context, sessionID, reason string) (*api.Session, error) {
	unlock := e.locks.lock(sessionID)
	defer unlock()

	var result *api.Session
	err := e.withConflictRetry(ctx, sessionID, func() (bool, error) {
		sess, err := e.sessions.GetSession(ctx, sessionID)
		if err != nil {
			return false, err
		}
		if sess.Status.Terminal() {
			result = sess
			return false, nil
		}

		now := e.now()
		t := newTrail(sess, now)
		t.emit(api.EventAbandoned, "", map[string]any{
			api.PayloadReason:    reason,
			api.PayloadAtStep:    sess.CurrentStep,
			api.PayloadElapsedMS: now.Sub(sess.StartedAt).Milliseconds(),
		})

		updated, err := e.sessions.ApplyTransition(ctx, persistence.Transition{
			SessionID:    sessionID,
			FromStep:     sess.CurrentStep,
			FromRevision: sess.Revision,
			Status:       api.StatusAbandoned,
			At:           now,
			Events:       t.events,
		})
		if err != nil {
			return errors.Is(err, api.ErrConflict), err
		}
		e.observer.OnSessionAbandoned(ctx, updated, reason)
		result = updated
		return false, nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (e *engineImpl) GetSession(ctx context.Context, sessionID string) (*api.Session, error) {
	return e.sessions.GetSession(ctx, sessionID)
}

func (e *engineImpl) ListSessions(ctx context.Context, opts api.SessionListOptions) ([]*api.Session, error) {
	return e.sessions.ListSessions(ctx, persistence.SessionFilter{
		JourneyID: opts.JourneyID,
		UserID:    opts.UserID,
		Status:    opts.Status,
		IdleSince: opts.IdleSince,
	})
}

func (e *engineImpl) Events(ctx context.Context, sessionID string) iter.Seq2[api.Event, error] {
	return e.events.Read(ctx, sessionID)
}

func (e *engineImpl) Feed(ctx context.Context, after int64) iter.Seq2[api.Event, error] {
	return e.events.Scan(ctx, persistence.ScanOptions{After: after})
}

func (e *engineImpl) Stats(ctx context.Context, journeyID string) (api.JourneyStats, error) {
	if _, err := e.journeys.LatestJourney(ctx, journeyID); err != nil {
		return api.JourneyStats{}, err
	}
	return e.stats.Stats(ctx, journeyID)
}

func (e *engineImpl) CompareVariants(ctx context.Context, journeyID string) (map[string]api.JourneyStats, error) {
	j, err := e.journeys.LatestJourney(ctx, journeyID)
	if err != nil {
		return nil, err
	}
	out, err := e.stats.CompareVariants(ctx, journeyID)
	if err != nil {
		return nil, err
	}
	// Declared variants nobody landed in yet still get a row.
	declared := j.Variants
	if len(declared) == 0 {
		declared = []api.Variant{{Name: api.DefaultVariant}}
	}
	for _, v := range declared {
		if _, ok := out[v.Name]; !ok {
			out[v.Name] = api.JourneyStats{JourneyID: journeyID, PerStep: []api.StepStats{}}
		}
	}
	return out, nil
}

// withConflictRetry runs attempt until it succeeds, fails for a reason other
// than a lost race, or the retry policy is exhausted.
func (e *engineImpl) withConflictRetry(ctx context.Context, sessionID string, attempt func() (bool, error)) error {
	var lastErr error
	for n := 1; n <= e.retry.MaxAttempts; n++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		retry, err := attempt()
		if err == nil || !retry {
			return err
		}
		lastErr = err
		if n == e.retry.MaxAttempts {
			break
		}
		e.observer.OnConflict(ctx, sessionID, n)

		if delay := e.retry.Delay(n); delay > 0 {
			t := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			case <-t.C:
			}
		}
	}
	return lastErr
}

func (e *engineImpl) notifyHops(ctx context.Context, sess *api.Session, hops []hop) {
	for _, h := range hops {
		e.observer.OnBranchTaken(ctx, sess, h.stepID, h.res.Target, h.res.Rule)
	}
}

// newest prefers the session bound to the highest journey version.
func newest(list []*api.Session) *api.Session {
	best := list[0]
	for _, s := range list[1:] {
		if s.JourneyVersion > best.JourneyVersion {
			best = s
		}
	}
	return best
}

// payloadData keeps event payloads independent of the caller's map.
func payloadData(data map[string]any) map[string]any {
	out := make(map[string]any, len(data))
	for k, v := range data {
		out[k] = v
	}
	return out
}
