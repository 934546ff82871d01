package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"strings"

	"github.com/bytedance/sonic"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	_ "modernc.org/sqlite"

	"github.com/petrijr/trailhead/internal/config"
	"github.com/petrijr/trailhead/internal/engine"
	"github.com/petrijr/trailhead/internal/persistence"
	"github.com/petrijr/trailhead/pkg/api"
)

// app is the state shared by one command invocation.
type app struct {
	out, errOut io.Writer

	envFile string
	store   string

	cfg    config.Config
	logger *slog.Logger

	eng     api.Engine
	closers []func() error
}

func newRootCmd(out, errOut io.Writer) *cobra.Command {
	a := &app{out: out, errOut: errOut}

	root := &cobra.Command{
		Use:   "trailhead",
		Short: "Onboarding journey engine",
		Long: `trailhead publishes onboarding journeys, drives user sessions through them
and reports funnel analytics from the event log.

Settings are read from TRAILHEAD_* environment variables, optionally loaded
from a .env file.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init()
		},
	}
	root.SetOut(out)
	root.SetErr(errOut)

	root.PersistentFlags().StringVar(&a.envFile, "env-file", ".env", "dotenv file to load before reading the environment")
	root.PersistentFlags().StringVar(&a.store, "store", "", "override TRAILHEAD_STORE (memory, sqlite, postgres, redis)")

	root.AddCommand(
		a.validateCmd(),
		a.publishCmd(),
		a.exportCmd(),
		a.startCmd(),
		a.completeCmd(),
		a.abandonCmd(),
		a.sessionCmd(),
		a.sessionsCmd(),
		a.eventsCmd(),
		a.feedCmd(),
		a.statsCmd(),
		a.sweepCmd(),
	)
	return root
}

func (a *app) init() error {
	// A missing .env is normal; a malformed one is not.
	if err := godotenv.Load(a.envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load %s: %w", a.envFile, err)
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if a.store != "" {
		cfg.Store = config.Store(a.store)
		if err := cfg.Validate(); err != nil {
			return err
		}
	}
	a.cfg = cfg

	level, _ := cfg.SlogLevel()
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.LogFormat, "json") {
		a.logger = slog.New(slog.NewJSONHandler(a.errOut, opts))
	} else {
		a.logger = slog.New(slog.NewTextHandler(a.errOut, opts))
	}
	return nil
}

// engine opens the configured backend on first use.
func (a *app) engine(ctx context.Context) (api.Engine, error) {
	if a.eng != nil {
		return a.eng, nil
	}
	p, err := a.persistence(ctx)
	if err != nil {
		return nil, err
	}
	a.eng = engine.NewEngineWithConfig(engine.Config{
		Persistence:   p,
		Observer:      api.NewLoggingObserver(a.logger),
		ConflictRetry: a.cfg.ConflictRetry(),
	})
	return a.eng, nil
}

func (a *app) persistence(ctx context.Context) (persistence.Persistence, error) {
	switch a.cfg.Store {
	case config.StoreMemory:
		a.logger.Warn("using the in-memory store; nothing outlives this command")
		return persistence.NewInMemory(), nil

	case config.StoreSQLite:
		db, err := sql.Open("sqlite", a.cfg.SQLiteDSN)
		if err != nil {
			return persistence.Persistence{}, fmt.Errorf("open sqlite: %w", err)
		}
		// SQLite serialises writers.
		db.SetMaxOpenConns(1)
		a.closers = append(a.closers, db.Close)
		return persistence.NewSQL(db, persistence.DialectSQLite)

	case config.StorePostgres:
		db, err := sql.Open("pgx", a.cfg.PostgresDSN)
		if err != nil {
			return persistence.Persistence{}, fmt.Errorf("open postgres: %w", err)
		}
		a.closers = append(a.closers, db.Close)
		if err := db.PingContext(ctx); err != nil {
			return persistence.Persistence{}, fmt.Errorf("ping postgres: %w", err)
		}
		return persistence.NewSQL(db, persistence.DialectPostgres)

	case config.StoreRedis:
		client := redis.NewClient(&redis.Options{Addr: a.cfg.RedisAddr})
		a.closers = append(a.closers, client.Close)
		if err := client.Ping(ctx).Err(); err != nil {
			return persistence.Persistence{}, fmt.Errorf("ping redis: %w", err)
		}
		return persistence.NewRedis(client, a.cfg.RedisPrefix), nil
	}
	return persistence.Persistence{}, fmt.Errorf("unknown store %q", a.cfg.Store)
}

// withEngine adapts fn into a RunE that opens the backend first and always
// releases it afterwards.
func (a *app) withEngine(fn func(cmd *cobra.Command, args []string, eng api.Engine) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) (err error) {
		defer func() { err = errors.Join(err, a.close()) }()
		eng, err := a.engine(cmd.Context())
		if err != nil {
			return err
		}
		return fn(cmd, args, eng)
	}
}

func (a *app) close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	a.eng = nil
	return errors.Join(errs...)
}

var output = sonic.Config{SortMapKeys: true, EscapeHTML: false}.Froze()

// printJSON writes v as indented JSON.
func (a *app) printJSON(v any) error {
	data, err := output.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(a.out, string(data))
	return err
}
