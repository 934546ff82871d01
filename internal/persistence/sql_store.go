package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/petrijr/trailhead/pkg/api"
)

// SQLStore is a JourneyStore and SessionStore backed by database/sql.
//
// It expects an *sql.DB opened with a driver matching the dialect. The caller
// is responsible for importing the driver, e.g.:
//
//	import _ "modernc.org/sqlite"
//	import _ "github.com/jackc/pgx/v5/stdlib"
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	events  *SQLEventLog
}

// Ensure SQLStore implements the interfaces.
var _ JourneyStore = (*SQLStore)(nil)

var _ SessionStore = (*SQLStore)(nil)

// NewSQLStore initializes the session and event schema for the given dialect.
func NewSQLStore(db *sql.DB, dialect Dialect) (*SQLStore, error) {
	s := &SQLStore{db: db, dialect: dialect}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("init %s schema: %w", dialect, err)
	}
	events, err := newSQLEventLog(db, dialect)
	if err != nil {
		return nil, err
	}
	s.events = events
	return s, nil
}

// Events returns the log that session writes append to, in the same
// transaction as the session row.
func (s *SQLStore) Events() *SQLEventLog {
	return s.events
}

func (s *SQLStore) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS journeys (
			journey_id TEXT NOT NULL,
			version INTEGER NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			definition ` + s.dialect.blob() + ` NOT NULL,
			published_at BIGINT NOT NULL,
			PRIMARY KEY (journey_id, version)
		)`,
		`CREATE TABLE IF NOT EXISTS journey_sessions (
			id TEXT PRIMARY KEY,
			journey_id TEXT NOT NULL,
			journey_version INTEGER NOT NULL,
			user_id TEXT NOT NULL,
			current_step TEXT NOT NULL,
			status TEXT NOT NULL,
			variant TEXT NOT NULL DEFAULT '',
			started_at BIGINT NOT NULL,
			last_activity_at BIGINT NOT NULL,
			step_entered_at BIGINT NOT NULL,
			data ` + s.dialect.blob() + `,
			revision BIGINT NOT NULL DEFAULT 0,
			UNIQUE (journey_id, journey_version, user_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_journey_sessions_journey ON journey_sessions(journey_id, status)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLStore) q(query string) string { return s.dialect.rebind(query) }

func (s *SQLStore) SaveJourney(ctx context.Context, j api.Journey) error {
	def, err := EncodeValue(j)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.q(`
		INSERT INTO journeys (journey_id, version, name, definition, published_at)
		VALUES (?, ?, ?, ?, ?)`),
		j.ID, j.Version, j.Name, def, j.PublishedAt.UnixNano(),
	)
	if isUniqueViolation(err) {
		return api.ErrVersionPublished
	}
	return err
}

func (s *SQLStore) GetJourney(ctx context.Context, id string, version int) (api.Journey, error) {
	row := s.db.QueryRowContext(ctx, s.q(`
		SELECT definition FROM journeys WHERE journey_id = ? AND version = ?`), id, version)
	return scanJourney(row)
}

func (s *SQLStore) LatestJourney(ctx context.Context, id string) (api.Journey, error) {
	row := s.db.QueryRowContext(ctx, s.q(`
		SELECT definition FROM journeys WHERE journey_id = ?
		ORDER BY version DESC LIMIT 1`), id)
	return scanJourney(row)
}

func scanJourney(row *sql.Row) (api.Journey, error) {
	var def []byte
	if err := row.Scan(&def); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return api.Journey{}, api.ErrJourneyNotFound
		}
		return api.Journey{}, err
	}
	return DecodeValue[api.Journey](def)
}

func (s *SQLStore) ListVersions(ctx context.Context, id string) ([]int, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT version FROM journeys WHERE journey_id = ? ORDER BY version ASC`), id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

const sessionColumns = `id, journey_id, journey_version, user_id, current_step, status, variant,
	started_at, last_activity_at, step_entered_at, data, revision`

func (s *SQLStore) CreateSession(ctx context.Context, sess *api.Session, events []api.Event) (*api.Session, bool, error) {
	data, err := EncodeValue(sess.Data)
	if err != nil {
		return nil, false, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, s.q(`
		INSERT INTO journey_sessions (`+sessionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (journey_id, journey_version, user_id) DO NOTHING`),
		sess.ID,
		sess.JourneyID,
		sess.JourneyVersion,
		sess.UserID,
		sess.CurrentStep,
		string(sess.Status),
		sess.Variant,
		sess.StartedAt.UnixNano(),
		sess.LastActivityAt.UnixNano(),
		sess.StepEnteredAt.UnixNano(),
		data,
		sess.Revision,
	)
	if err != nil {
		return nil, false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, false, err
	}
	created := affected == 1
	if created {
		if _, err := s.events.appendTx(ctx, tx, events); err != nil {
			return nil, false, err
		}
	}

	row := tx.QueryRowContext(ctx, s.q(`
		SELECT `+sessionColumns+` FROM journey_sessions
		WHERE journey_id = ? AND journey_version = ? AND user_id = ?`),
		sess.JourneyID, sess.JourneyVersion, sess.UserID,
	)
	stored, err := scanSession(row)
	if err != nil {
		return nil, false, err
	}
	if err := tx.Commit(); err != nil {
		return nil, false, err
	}
	return stored, created, nil
}

func (s *SQLStore) GetSession(ctx context.Context, id string) (*api.Session, error) {
	row := s.db.QueryRowContext(ctx, s.q(`
		SELECT `+sessionColumns+` FROM journey_sessions WHERE id = ?`), id)
	return scanSession(row)
}

// ApplyTransition performs the compare-and-swap as a conditional UPDATE on
// current_step and revision, so it holds across processes sharing the
// database. The transition's events are inserted in the same transaction.
func (s *SQLStore) ApplyTransition(ctx context.Context, tr Transition) (*api.Session, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, s.q(`
		SELECT `+sessionColumns+` FROM journey_sessions WHERE id = ?`), tr.SessionID)
	sess, err := scanSession(row)
	if err != nil {
		return nil, err
	}
	if sess.CurrentStep != tr.FromStep || sess.Revision != tr.FromRevision {
		return nil, api.ErrConflict
	}

	tr.apply(sess)
	data, err := EncodeValue(sess.Data)
	if err != nil {
		return nil, err
	}

	res, err := tx.ExecContext(ctx, s.q(`
		UPDATE journey_sessions
		SET current_step = ?, status = ?, last_activity_at = ?, step_entered_at = ?, data = ?, revision = ?
		WHERE id = ? AND current_step = ? AND revision = ?`),
		sess.CurrentStep,
		string(sess.Status),
		sess.LastActivityAt.UnixNano(),
		sess.StepEnteredAt.UnixNano(),
		data,
		sess.Revision,
		tr.SessionID,
		tr.FromStep,
		tr.FromRevision,
	)
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, api.ErrConflict
	}
	if _, err := s.events.appendTx(ctx, tx, tr.Events); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return sess, nil
}

func (s *SQLStore) ListSessions(ctx context.Context, filter SessionFilter) ([]*api.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM journey_sessions`
	var args []any
	var clauses []string

	if filter.JourneyID != "" {
		clauses = append(clauses, "journey_id = ?")
		args = append(args, filter.JourneyID)
	}
	if filter.UserID != "" {
		clauses = append(clauses, "user_id = ?")
		args = append(args, filter.UserID)
	}
	if filter.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, string(filter.Status))
	}
	if !filter.IdleSince.IsZero() {
		clauses = append(clauses, "last_activity_at < ?")
		args = append(args, filter.IdleSince.UnixNano())
	}
	if len(clauses) > 0 {
		query = query + " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY started_at ASC, id ASC"

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []*api.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*api.Session, error) {
	var (
		sess                       api.Session
		status                     string
		started, activity, entered int64
		data                       []byte
	)
	err := row.Scan(
		&sess.ID,
		&sess.JourneyID,
		&sess.JourneyVersion,
		&sess.UserID,
		&sess.CurrentStep,
		&status,
		&sess.Variant,
		&started,
		&activity,
		&entered,
		&data,
		&sess.Revision,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, api.ErrSessionNotFound
		}
		return nil, err
	}

	sess.Status = api.Status(status)
	sess.StartedAt = time.Unix(0, started)
	sess.LastActivityAt = time.Unix(0, activity)
	sess.StepEnteredAt = time.Unix(0, entered)

	sess.Data, err = DecodeValue[map[string]any](data)
	if err != nil {
		return nil, err
	}
	if sess.Data == nil {
		sess.Data = map[string]any{}
	}
	return &sess, nil
}
