package trailhead

import (
	"database/sql"
	"time"

	"github.com/petrijr/trailhead/pkg/worker"
)

// Bundle wires together an Engine and a Sweeper that abandons the engine's
// idle sessions.
type Bundle struct {
	Engine  Engine
	Sweeper *worker.Sweeper
}

// NewSQLiteBundle constructs a durable Engine plus Sweeper sharing the same
// SQLite database.
//
// Typical usage:
//
//	db, _ := sql.Open("sqlite", "file:trailhead.db?_pragma=journal_mode(WAL)")
//	bundle, err := trailhead.NewSQLiteBundle(db, 7*24*time.Hour, trailhead.Options{})
//	// publish journeys on bundle.Engine
//	go bundle.Sweeper.Run(ctx, time.Hour)
func NewSQLiteBundle(db *sql.DB, idle time.Duration, opts Options) (*Bundle, error) {
	eng, err := NewSQLiteEngineWithOptions(db, opts)
	if err != nil {
		return nil, err
	}
	return &Bundle{
		Engine:  eng,
		Sweeper: worker.NewSweeperWithConfig(eng, idle, worker.Config{Now: opts.Now}),
	}, nil
}
