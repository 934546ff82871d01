package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/petrijr/trailhead/pkg/api"
)

// ReasonIdleTimeout is recorded on sessions abandoned by a sweep.
const ReasonIdleTimeout = "idle_timeout"

// Config tunes a Sweeper. Zero values fall back to defaults.
type Config struct {
	// JourneyID restricts the sweep to one journey.
	JourneyID string

	// Logger receives one line per pass. Defaults to slog.Default().
	Logger *slog.Logger

	// Now is the clock used to compute the idle cutoff.
	Now func() time.Time
}

// Sweeper abandons active sessions that have been idle for too long.
type Sweeper struct {
	engine api.Engine
	idle   time.Duration
	cfg    Config
}

// NewSweeper creates a Sweeper with default settings.
func NewSweeper(engine api.Engine, idle time.Duration) *Sweeper {
	return NewSweeperWithConfig(engine, idle, Config{})
}

// NewSweeperWithConfig creates a Sweeper with explicit settings.
func NewSweeperWithConfig(engine api.Engine, idle time.Duration, cfg Config) *Sweeper {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Sweeper{engine: engine, idle: idle, cfg: cfg}
}

// SweepOnce abandons every active session whose last activity is older
// than the idle threshold and returns how many it abandoned. A failure on
// one session does not stop the pass; the errors are joined.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	if s.idle <= 0 {
		return 0, fmt.Errorf("sweep: idle threshold must be positive, got %v", s.idle)
	}
	cutoff := s.cfg.Now().Add(-s.idle)

	idle, err := s.engine.ListSessions(ctx, api.SessionListOptions{
		JourneyID: s.cfg.JourneyID,
		Status:    api.StatusActive,
		IdleSince: cutoff,
	})
	if err != nil {
		return 0, fmt.Errorf("sweep: list sessions: %w", err)
	}

	var (
		abandoned int
		errs      []error
	)
	for _, sess := range idle {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		after, err := s.engine.Abandon(ctx, sess.ID, ReasonIdleTimeout)
		if err != nil {
			errs = append(errs, fmt.Errorf("abandon %s: %w", sess.ID, err))
			continue
		}
		// A concurrent completion may have won the race.
		if after.Status == api.StatusAbandoned {
			abandoned++
		}
	}

	s.cfg.Logger.InfoContext(ctx, "sweep finished",
		slog.String("journey_id", s.cfg.JourneyID),
		slog.Time("cutoff", cutoff),
		slog.Int("idle", len(idle)),
		slog.Int("abandoned", abandoned),
		slog.Int("errors", len(errs)),
	)
	return abandoned, errors.Join(errs...)
}

// Run calls SweepOnce every interval until ctx is cancelled. Errors from
// a pass are logged and the loop continues. Run returns ctx.Err().
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("sweep: interval must be positive, got %v", interval)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := s.SweepOnce(ctx); err != nil && ctx.Err() == nil {
			s.cfg.Logger.WarnContext(ctx, "sweep failed", slog.Any("error", err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
