package api

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Observer receives callbacks from the journey engine for logging and metrics.
//
// Implementations should be fast and non-blocking; heavy work should be done
// asynchronously so as not to delay step completion.
type Observer interface {
	// OnSessionStarted is called once when a session is created.
	OnSessionStarted(ctx context.Context, sess *Session)

	// OnStepCompleted is called after a step closed and the session advanced.
	// dwell is the time the session spent in the step.
	OnStepCompleted(ctx context.Context, sess *Session, stepID string, dwell time.Duration)

	// OnBranchTaken is called when a branch step routed the session.
	// rule is the matching rule index, or -1 for the fallback.
	OnBranchTaken(ctx context.Context, sess *Session, stepID, target string, rule int)

	// OnStepRejected is called when CompleteStep fails with a *StepError.
	OnStepRejected(ctx context.Context, sessionID, stepID string, err error)

	// OnConflict is called each time a transition lost an optimistic
	// concurrency race and is about to be retried.
	OnConflict(ctx context.Context, sessionID string, attempt int)

	// OnSessionCompleted is called when a session reaches a terminal step.
	OnSessionCompleted(ctx context.Context, sess *Session)

	// OnSessionAbandoned is called when an active session is abandoned.
	OnSessionAbandoned(ctx context.Context, sess *Session, reason string)
}

// NoopObserver is an Observer that does nothing.
// It is used as the default when no observer is configured.
type NoopObserver struct{}

func (NoopObserver) OnSessionStarted(ctx context.Context, sess *Session) {}
func (NoopObserver) OnStepCompleted(ctx context.Context, sess *Session, stepID string, dwell time.Duration) {
}
func (NoopObserver) OnBranchTaken(ctx context.Context, sess *Session, stepID, target string, rule int) {
}
func (NoopObserver) OnStepRejected(ctx context.Context, sessionID, stepID string, err error) {}
func (NoopObserver) OnConflict(ctx context.Context, sessionID string, attempt int)            {}
func (NoopObserver) OnSessionCompleted(ctx context.Context, sess *Session)                     {}
func (NoopObserver) OnSessionAbandoned(ctx context.Context, sess *Session, reason string)      {}

// CompositeObserver fans out events to multiple observers.
type CompositeObserver struct {
	observers []Observer
}

// NewCompositeObserver creates an Observer that forwards events to each
// non-nil observer in obs.
func NewCompositeObserver(obs ...Observer) Observer {
	filtered := make([]Observer, 0, len(obs))
	for _, o := range obs {
		if o != nil {
			filtered = append(filtered, o)
		}
	}
	if len(filtered) == 0 {
		return NoopObserver{}
	}
	if len(filtered) == 1 {
		return filtered[0]
	}
	return &CompositeObserver{observers: filtered}
}

func (c *CompositeObserver) OnSessionStarted(ctx context.Context, sess *Session) {
	for _, o := range c.observers {
		o.OnSessionStarted(ctx, sess)
	}
}

func (c *CompositeObserver) OnStepCompleted(ctx context.Context, sess *Session, stepID string, dwell time.Duration) {
	for _, o := range c.observers {
		o.OnStepCompleted(ctx, sess, stepID, dwell)
	}
}

func (c *CompositeObserver) OnBranchTaken(ctx context.Context, sess *Session, stepID, target string, rule int) {
	for _, o := range c.observers {
		o.OnBranchTaken(ctx, sess, stepID, target, rule)
	}
}

func (c *CompositeObserver) OnStepRejected(ctx context.Context, sessionID, stepID string, err error) {
	for _, o := range c.observers {
		o.OnStepRejected(ctx, sessionID, stepID, err)
	}
}

func (c *CompositeObserver) OnConflict(ctx context.Context, sessionID string, attempt int) {
	for _, o := range c.observers {
		o.OnConflict(ctx, sessionID, attempt)
	}
}

func (c *CompositeObserver) OnSessionCompleted(ctx context.Context, sess *Session) {
	for _, o := range c.observers {
		o.OnSessionCompleted(ctx, sess)
	}
}

func (c *CompositeObserver) OnSessionAbandoned(ctx context.Context, sess *Session, reason string) {
	for _, o := range c.observers {
		o.OnSessionAbandoned(ctx, sess, reason)
	}
}

// LoggingObserver writes structured logs using log/slog.
type LoggingObserver struct {
	Logger *slog.Logger
}

// NewLoggingObserver creates an Observer that logs session / step lifecycle
// events using the provided slog.Logger. If logger is nil, slog.Default()
// is used.
func NewLoggingObserver(logger *slog.Logger) Observer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingObserver{Logger: logger}
}

func (o *LoggingObserver) OnSessionStarted(ctx context.Context, sess *Session) {
	o.Logger.InfoContext(ctx, "session_started",
		slog.String("journey", sess.JourneyID),
		slog.Int("version", sess.JourneyVersion),
		slog.String("session_id", sess.ID),
		slog.String("user_id", sess.UserID),
		slog.String("variant", sess.Variant),
	)
}

func (o *LoggingObserver) OnStepCompleted(ctx context.Context, sess *Session, stepID string, dwell time.Duration) {
	o.Logger.DebugContext(ctx, "step_completed",
		slog.String("journey", sess.JourneyID),
		slog.String("session_id", sess.ID),
		slog.String("step", stepID),
		slog.String("next", sess.CurrentStep),
		slog.Duration("dwell", dwell),
	)
}

func (o *LoggingObserver) OnBranchTaken(ctx context.Context, sess *Session, stepID, target string, rule int) {
	o.Logger.DebugContext(ctx, "branch_taken",
		slog.String("journey", sess.JourneyID),
		slog.String("session_id", sess.ID),
		slog.String("step", stepID),
		slog.String("target", target),
		slog.Int("rule", rule),
	)
}

func (o *LoggingObserver) OnStepRejected(ctx context.Context, sessionID, stepID string, err error) {
	o.Logger.WarnContext(ctx, "step_rejected",
		slog.String("session_id", sessionID),
		slog.String("step", stepID),
		slog.Any("error", err),
	)
}

func (o *LoggingObserver) OnConflict(ctx context.Context, sessionID string, attempt int) {
	o.Logger.DebugContext(ctx, "transition_conflict",
		slog.String("session_id", sessionID),
		slog.Int("attempt", attempt),
	)
}

func (o *LoggingObserver) OnSessionCompleted(ctx context.Context, sess *Session) {
	o.Logger.InfoContext(ctx, "session_completed",
		slog.String("journey", sess.JourneyID),
		slog.String("session_id", sess.ID),
		slog.Duration("elapsed", sess.LastActivityAt.Sub(sess.StartedAt)),
	)
}

func (o *LoggingObserver) OnSessionAbandoned(ctx context.Context, sess *Session, reason string) {
	o.Logger.InfoContext(ctx, "session_abandoned",
		slog.String("journey", sess.JourneyID),
		slog.String("session_id", sess.ID),
		slog.String("step", sess.CurrentStep),
		slog.String("reason", reason),
	)
}

// BasicMetrics collects simple counters and aggregate step dwell time.
// It implements Observer, and can be combined with LoggingObserver via
// NewCompositeObserver.
type BasicMetrics struct {
	NoopObserver

	sessionsStarted   atomic.Int64
	sessionsCompleted atomic.Int64
	sessionsAbandoned atomic.Int64
	stepsCompleted    atomic.Int64
	stepsRejected     atomic.Int64
	conflicts         atomic.Int64
	totalDwell        atomic.Int64 // nanoseconds
}

// BasicMetricsSnapshot is an immutable snapshot of BasicMetrics.
type BasicMetricsSnapshot struct {
	SessionsStarted   int64
	SessionsCompleted int64
	SessionsAbandoned int64
	ActiveSessions    int64

	StepsCompleted int64
	StepsRejected  int64
	Conflicts      int64
	AvgStepDwell   time.Duration
}

func (m *BasicMetrics) OnSessionStarted(ctx context.Context, sess *Session) {
	m.sessionsStarted.Add(1)
}

func (m *BasicMetrics) OnSessionCompleted(ctx context.Context, sess *Session) {
	m.sessionsCompleted.Add(1)
}

func (m *BasicMetrics) OnSessionAbandoned(ctx context.Context, sess *Session, reason string) {
	m.sessionsAbandoned.Add(1)
}

func (m *BasicMetrics) OnStepCompleted(ctx context.Context, sess *Session, stepID string, dwell time.Duration) {
	m.stepsCompleted.Add(1)
	m.totalDwell.Add(dwell.Nanoseconds())
}

func (m *BasicMetrics) OnStepRejected(ctx context.Context, sessionID, stepID string, err error) {
	m.stepsRejected.Add(1)
}

func (m *BasicMetrics) OnConflict(ctx context.Context, sessionID string, attempt int) {
	m.conflicts.Add(1)
}

// Snapshot returns a snapshot of the current metrics.
func (m *BasicMetrics) Snapshot() BasicMetricsSnapshot {
	started := m.sessionsStarted.Load()
	completed := m.sessionsCompleted.Load()
	abandoned := m.sessionsAbandoned.Load()
	steps := m.stepsCompleted.Load()
	totalNs := m.totalDwell.Load()

	var avg time.Duration
	if steps > 0 {
		avg = time.Duration(totalNs / steps)
	}

	return BasicMetricsSnapshot{
		SessionsStarted:   started,
		SessionsCompleted: completed,
		SessionsAbandoned: abandoned,
		ActiveSessions:    started - completed - abandoned,
		StepsCompleted:    steps,
		StepsRejected:     m.stepsRejected.Load(),
		Conflicts:         m.conflicts.Load(),
		AvgStepDwell:      avg,
	}
}
