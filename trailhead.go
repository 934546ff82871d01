package trailhead

import (
	"context"
	"database/sql"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/petrijr/trailhead/internal/engine"
	"github.com/petrijr/trailhead/internal/persistence"
	"github.com/petrijr/trailhead/pkg/api"
)

// Re-export key types so users don't need to dig into pkg/api.

type (
	Engine               = api.Engine
	Journey              = api.Journey
	Step                 = api.Step
	StepKind             = api.StepKind
	Variant              = api.Variant
	Rule                 = api.Rule
	Predicate            = api.Predicate
	Operator             = api.Operator
	Session              = api.Session
	SessionListOptions   = api.SessionListOptions
	Status               = api.Status
	Event                = api.Event
	EventKind            = api.EventKind
	JourneyStats         = api.JourneyStats
	StepStats            = api.StepStats
	ValidationError      = api.ValidationError
	StepError            = api.StepError
	ConflictRetry        = api.ConflictRetry
	VariantAssigner      = api.VariantAssigner
	VariantAssignerFunc  = api.VariantAssignerFunc
	Observer             = api.Observer
	LoggingObserver      = api.LoggingObserver
	BasicMetrics         = api.BasicMetrics
	BasicMetricsSnapshot = api.BasicMetricsSnapshot
	CompositeObserver    = api.CompositeObserver
	NoopObserver         = api.NoopObserver
)

// Re-export common observer helpers.

var (
	NewLoggingObserver   = api.NewLoggingObserver
	NewCompositeObserver = api.NewCompositeObserver
)

// Re-export status values and step kinds for convenience.

const (
	StatusActive    = api.StatusActive
	StatusCompleted = api.StatusCompleted
	StatusAbandoned = api.StatusAbandoned

	StepMessage = api.StepMessage
	StepForm    = api.StepForm
	StepTour    = api.StepTour
	StepTask    = api.StepTask
	StepVideo   = api.StepVideo
	StepBranch  = api.StepBranch
	StepWait    = api.StepWait

	OpEq      = api.OpEq
	OpNe      = api.OpNe
	OpGt      = api.OpGt
	OpGte     = api.OpGte
	OpLt      = api.OpLt
	OpLte     = api.OpLte
	OpIn      = api.OpIn
	OpExists  = api.OpExists
	OpMissing = api.OpMissing
)

// Options customise an engine. The zero value gives the defaults used by
// the plain constructors.
type Options struct {
	Observer Observer
	Assigner VariantAssigner

	// ConflictRetry defaults to three immediate retries.
	ConflictRetry ConflictRetry

	// Now overrides the clock, mostly for tests.
	Now func() time.Time

	// RedisPrefix namespaces Redis keys. Defaults to "trailhead:".
	RedisPrefix string
}

func (o Options) engine(p persistence.Persistence) Engine {
	return engine.NewEngineWithConfig(engine.Config{
		Persistence:   p,
		Observer:      o.Observer,
		Assigner:      o.Assigner,
		ConflictRetry: o.ConflictRetry,
		Now:           o.Now,
	})
}

// Engine constructors
// These wrap the internal/engine package so external callers
// never need to import internal packages.

// NewInMemoryEngine returns an Engine backed entirely by in-memory stores.
func NewInMemoryEngine() Engine {
	return engine.NewInMemoryEngine()
}

// NewInMemoryEngineWithOptions returns an in-memory Engine configured by opts.
func NewInMemoryEngineWithOptions(opts Options) Engine {
	return opts.engine(persistence.NewInMemory())
}

// NewSQLiteEngine returns an Engine that keeps journeys, sessions and
// events in a SQLite database, creating its tables if needed.
func NewSQLiteEngine(db *sql.DB) (Engine, error) {
	return engine.NewSQLiteEngine(db)
}

// NewSQLiteEngineWithOptions returns a SQLite-backed Engine configured by opts.
func NewSQLiteEngineWithOptions(db *sql.DB, opts Options) (Engine, error) {
	p, err := persistence.NewSQL(db, persistence.DialectSQLite)
	if err != nil {
		return nil, err
	}
	return opts.engine(p), nil
}

// NewPostgresEngine returns an Engine that persists everything in PostgreSQL.
func NewPostgresEngine(db *sql.DB) (Engine, error) {
	return engine.NewPostgresEngine(db)
}

// NewPostgresEngineWithOptions returns a Postgres-backed Engine configured by opts.
func NewPostgresEngineWithOptions(db *sql.DB, opts Options) (Engine, error) {
	p, err := persistence.NewSQL(db, persistence.DialectPostgres)
	if err != nil {
		return nil, err
	}
	return opts.engine(p), nil
}

// NewRedisEngine returns an Engine that persists everything in Redis.
func NewRedisEngine(client *redis.Client) Engine {
	return engine.NewRedisEngine(client)
}

// NewRedisEngineWithOptions returns a Redis-backed Engine configured by opts.
func NewRedisEngineWithOptions(client *redis.Client, opts Options) Engine {
	prefix := opts.RedisPrefix
	if prefix == "" {
		prefix = "trailhead:"
	}
	return opts.engine(persistence.NewRedis(client, prefix))
}

// HashAssigner splits users across a journey's variants by weight, using a
// stable hash of journey and user id.
func HashAssigner() VariantAssigner {
	return engine.HashAssigner()
}

// Convenience helpers that just forward to the underlying Engine.

// Start begins or resumes the user's session on the latest journey version.
func Start(ctx context.Context, eng Engine, journeyID, userID string) (*Session, error) {
	return eng.Start(ctx, journeyID, userID)
}

// CompleteStep submits data for the session's current step.
func CompleteStep(ctx context.Context, eng Engine, sessionID, stepID string, data map[string]any) (*Session, error) {
	return eng.CompleteStep(ctx, sessionID, stepID, data)
}

// Abandon marks an active session abandoned.
func Abandon(ctx context.Context, eng Engine, sessionID, reason string) (*Session, error) {
	return eng.Abandon(ctx, sessionID, reason)
}

// Stats summarises a journey from its event log.
func Stats(ctx context.Context, eng Engine, journeyID string) (JourneyStats, error) {
	return eng.Stats(ctx, journeyID)
}
