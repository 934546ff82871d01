package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"iter"
	"time"

	"github.com/petrijr/trailhead/pkg/api"
)

// readPageSize is how many rows an iterator fetches per query.
const readPageSize = 256

// SQLEventLog stores session events in SQLite or PostgreSQL.
//
// Positions come from a single counter row that every writing transaction
// updates before inserting. The row lock is held until commit, so positions
// are dense and commit in order even across processes.
type SQLEventLog struct {
	db      *sql.DB
	dialect Dialect
}

// Ensure SQLEventLog implements the interfaces.
var _ EventLog = (*SQLEventLog)(nil)

func newSQLEventLog(db *sql.DB, dialect Dialect) (*SQLEventLog, error) {
	l := &SQLEventLog{db: db, dialect: dialect}
	if err := l.initSchema(); err != nil {
		return nil, fmt.Errorf("init %s event schema: %w", dialect, err)
	}
	return l, nil
}

func (l *SQLEventLog) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS session_events (
			pos BIGINT PRIMARY KEY,
			session_id TEXT NOT NULL,
			seq BIGINT NOT NULL,
			kind TEXT NOT NULL,
			step_id TEXT NOT NULL DEFAULT '',
			at BIGINT NOT NULL,
			journey_id TEXT NOT NULL,
			journey_version INTEGER NOT NULL DEFAULT 0,
			variant TEXT NOT NULL DEFAULT '',
			payload ` + l.dialect.blob() + `,
			UNIQUE (session_id, seq)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_session_events_journey ON session_events(journey_id, pos)`,
		`CREATE TABLE IF NOT EXISTS event_positions (
			id INTEGER PRIMARY KEY,
			last_pos BIGINT NOT NULL
		)`,
		`INSERT INTO event_positions (id, last_pos) VALUES (1, 0) ON CONFLICT (id) DO NOTHING`,
	}
	for _, stmt := range stmts {
		if _, err := l.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (l *SQLEventLog) q(query string) string { return l.dialect.rebind(query) }

func (l *SQLEventLog) Append(ctx context.Context, ev api.Event) (api.Event, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return api.Event{}, err
	}
	defer func() { _ = tx.Rollback() }()

	stored, err := l.appendTx(ctx, tx, []api.Event{ev})
	if err != nil {
		return api.Event{}, err
	}
	if err := tx.Commit(); err != nil {
		return api.Event{}, err
	}
	return stored[0], nil
}

// appendTx numbers and inserts events inside the caller's transaction.
func (l *SQLEventLog) appendTx(ctx context.Context, tx *sql.Tx, events []api.Event) ([]api.Event, error) {
	if len(events) == 0 {
		return nil, nil
	}

	var last int64
	if err := tx.QueryRowContext(ctx, l.q(`
		UPDATE event_positions SET last_pos = last_pos + ? WHERE id = 1 RETURNING last_pos`), len(events)).Scan(&last); err != nil {
		return nil, fmt.Errorf("reserve event positions: %w", err)
	}
	next := last - int64(len(events)) + 1

	seqs := make(map[string]int64)
	out := make([]api.Event, len(events))
	for i, ev := range events {
		if ev.At.IsZero() {
			ev.At = time.Now()
		}
		seq, ok := seqs[ev.SessionID]
		if !ok {
			if err := tx.QueryRowContext(ctx, l.q(`
				SELECT COALESCE(MAX(seq), 0) FROM session_events WHERE session_id = ?`), ev.SessionID).Scan(&seq); err != nil {
				return nil, err
			}
		}
		seq++
		seqs[ev.SessionID] = seq
		ev.Seq = seq
		ev.Position = next + int64(i)

		payload, err := EncodeValue(ev.Payload)
		if err != nil {
			return nil, err
		}
		if _, err := tx.ExecContext(ctx, l.q(`
			INSERT INTO session_events (pos, session_id, seq, kind, step_id, at, journey_id, journey_version, variant, payload)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
			ev.Position,
			ev.SessionID,
			ev.Seq,
			string(ev.Kind),
			ev.StepID,
			ev.At.UnixNano(),
			ev.JourneyID,
			ev.JourneyVersion,
			ev.Variant,
			payload,
		); err != nil {
			return nil, fmt.Errorf("insert %s event: %w", ev.Kind, err)
		}
		out[i] = ev
	}
	return out, nil
}

const eventColumns = `pos, session_id, seq, kind, step_id, at, journey_id, journey_version, variant, payload`

func (l *SQLEventLog) Read(ctx context.Context, sessionID string) iter.Seq2[api.Event, error] {
	return l.paged(ctx, 0, func(cursor int64) (*sql.Rows, error) {
		return l.db.QueryContext(ctx, l.q(`
			SELECT `+eventColumns+` FROM session_events
			WHERE session_id = ? AND seq > ?
			ORDER BY seq ASC LIMIT ?`), sessionID, cursor, readPageSize)
	}, func(ev api.Event) int64 { return ev.Seq })
}

func (l *SQLEventLog) Scan(ctx context.Context, opts ScanOptions) iter.Seq2[api.Event, error] {
	return l.paged(ctx, opts.Limit, func(cursor int64) (*sql.Rows, error) {
		if opts.JourneyID != "" {
			return l.db.QueryContext(ctx, l.q(`
				SELECT `+eventColumns+` FROM session_events
				WHERE journey_id = ? AND pos > ?
				ORDER BY pos ASC LIMIT ?`), opts.JourneyID, max(cursor, opts.After), readPageSize)
		}
		return l.db.QueryContext(ctx, l.q(`
			SELECT `+eventColumns+` FROM session_events
			WHERE pos > ?
			ORDER BY pos ASC LIMIT ?`), max(cursor, opts.After), readPageSize)
	}, func(ev api.Event) int64 { return ev.Position })
}

// paged turns a keyset-paginated query into a lazy iterator. Each page is
// fully read and closed before yielding, so a consumer that stops early
// never holds a connection open.
func (l *SQLEventLog) paged(
	ctx context.Context,
	limit int,
	query func(cursor int64) (*sql.Rows, error),
	key func(api.Event) int64,
) iter.Seq2[api.Event, error] {
	return func(yield func(api.Event, error) bool) {
		var cursor int64
		emitted := 0
		for {
			rows, err := query(cursor)
			if err != nil {
				yield(api.Event{}, err)
				return
			}
			page, err := scanEvents(rows)
			if err != nil {
				yield(api.Event{}, err)
				return
			}
			for _, ev := range page {
				if limit > 0 && emitted >= limit {
					return
				}
				emitted++
				if !yield(ev, nil) {
					return
				}
				cursor = key(ev)
			}
			if len(page) < readPageSize {
				return
			}
		}
	}
}

func scanEvents(rows *sql.Rows) ([]api.Event, error) {
	defer rows.Close()

	var out []api.Event
	for rows.Next() {
		var (
			ev      api.Event
			kind    string
			atN     int64
			payload []byte
		)
		if err := rows.Scan(&ev.Position, &ev.SessionID, &ev.Seq, &kind, &ev.StepID, &atN,
			&ev.JourneyID, &ev.JourneyVersion, &ev.Variant, &payload); err != nil {
			return nil, err
		}
		ev.Kind = api.EventKind(kind)
		ev.At = time.Unix(0, atN)

		p, err := DecodeValue[map[string]any](payload)
		if err != nil {
			return nil, err
		}
		ev.Payload = p
		out = append(out, ev)
	}
	return out, rows.Err()
}
