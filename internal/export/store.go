// Package export persists finished sessions: a SQLite store for the
// indexing pipeline and line oriented writers for files and pipes.
package export

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/phuslu/log"
	_ "modernc.org/sqlite" // SQLite driver registration

	"github.com/yew011/etwpilot-sub000/internal/event"
	"github.com/yew011/etwpilot-sub000/internal/logger"
	"github.com/yew011/etwpilot-sub000/internal/session"
)

// ErrNotFound is returned when a stored session doesn't exist.
var ErrNotFound = errors.New("stored session not found")

// SessionRecord is the stored summary of one finished session.
type SessionRecord struct {
	ID           int64         `json:"id" yaml:"id"`
	Name         string        `json:"name" yaml:"name"`
	Label        string        `json:"label" yaml:"label"`
	Providers    []string      `json:"providers" yaml:"providers"`
	State        string        `json:"state" yaml:"state"`
	Reason       string        `json:"reason" yaml:"reason"`
	Events       uint64        `json:"events" yaml:"events"`
	Bytes        uint64        `json:"bytes" yaml:"bytes"`
	Buffers      uint64        `json:"buffers" yaml:"buffers"`
	BufferErrors uint64        `json:"buffer_errors" yaml:"buffer_errors"`
	Dropped      uint64        `json:"dropped" yaml:"dropped"`
	Elapsed      time.Duration `json:"elapsed" yaml:"elapsed"`
	Err          string        `json:"error,omitempty" yaml:"error,omitempty"`
	SavedAt      time.Time     `json:"saved_at" yaml:"saved_at"`
}

// NewSessionRecord summarizes a session from its parameters, final stats
// and the error it ended with.
func NewSessionRecord(label string, params session.Parameters, st session.Stats, err error) SessionRecord {
	rec := SessionRecord{
		Name:         st.Name,
		Label:        label,
		Providers:    params.Providers,
		State:        st.State.String(),
		Reason:       st.Reason.String(),
		Events:       st.Events,
		Bytes:        st.Bytes,
		Buffers:      st.Buffers,
		BufferErrors: st.BufferErrors,
		Dropped:      st.Dropped,
		Elapsed:      st.Elapsed,
	}
	if err != nil {
		rec.Err = err.Error()
	}
	return rec
}

// Store keeps sessions and their events in a SQLite database.
type Store struct {
	db  *sql.DB
	mu  sync.Mutex // serializes writers
	log log.Logger
}

// Open opens or creates a store at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := createTables(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating tables: %w", err)
	}
	return &Store{db: db, log: logger.NewLoggerWithContext("export")}, nil
}

func createTables(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			id            INTEGER PRIMARY KEY AUTOINCREMENT,
			name          TEXT NOT NULL,
			label         TEXT NOT NULL,
			providers     TEXT NOT NULL,
			state         TEXT NOT NULL,
			reason        TEXT NOT NULL,
			events        INTEGER NOT NULL,
			bytes         INTEGER NOT NULL,
			buffers       INTEGER NOT NULL,
			buffer_errors INTEGER NOT NULL,
			dropped       INTEGER NOT NULL,
			elapsed_ns    INTEGER NOT NULL,
			error         TEXT NOT NULL,
			saved_at      TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS events (
			session_id    INTEGER NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			seq           INTEGER NOT NULL,
			provider_id   TEXT NOT NULL,
			provider_name TEXT NOT NULL,
			event_id      INTEGER NOT NULL,
			version       INTEGER NOT NULL,
			level         INTEGER NOT NULL,
			opcode        INTEGER NOT NULL,
			keywords      INTEGER NOT NULL,
			process_id    INTEGER NOT NULL,
			thread_id     INTEGER NOT NULL,
			activity_id   TEXT NOT NULL,
			user_sid      TEXT NOT NULL,
			ts            TEXT NOT NULL,
			payload       TEXT NOT NULL,
			stack         TEXT NOT NULL,
			PRIMARY KEY (session_id, seq)
		);
		CREATE INDEX IF NOT EXISTS idx_events_provider ON events(provider_id, event_id);
		CREATE INDEX IF NOT EXISTS idx_events_pid ON events(process_id);
	`)
	return err
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveSession stores rec and its events in one transaction and returns the
// new session id.
func (s *Store) SaveSession(ctx context.Context, rec SessionRecord, events []*event.Event) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	providers, err := json.Marshal(rec.Providers)
	if err != nil {
		return 0, fmt.Errorf("marshaling providers: %w", err)
	}
	if rec.SavedAt.IsZero() {
		rec.SavedAt = time.Now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO sessions (name, label, providers, state, reason, events, bytes,
			buffers, buffer_errors, dropped, elapsed_ns, error, saved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.Name, rec.Label, string(providers), rec.State, rec.Reason,
		int64(rec.Events), int64(rec.Bytes), int64(rec.Buffers), int64(rec.BufferErrors),
		int64(rec.Dropped), int64(rec.Elapsed), rec.Err, rec.SavedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("inserting session: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("reading session id: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO events (session_id, seq, provider_id, provider_name, event_id, version,
			level, opcode, keywords, process_id, thread_id, activity_id, user_sid, ts,
			payload, stack)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return 0, fmt.Errorf("preparing event insert: %w", err)
	}
	defer stmt.Close()

	for i, ev := range events {
		payload, err := json.Marshal(ev.Payload)
		if err != nil {
			return 0, fmt.Errorf("marshaling payload of event %d: %w", i, err)
		}
		stack, err := json.Marshal(ev.Stack)
		if err != nil {
			return 0, fmt.Errorf("marshaling stack of event %d: %w", i, err)
		}
		// keywords are a bit mask; SQLite integers are signed.
		_, err = stmt.ExecContext(ctx, id, i, ev.ProviderID.String(), ev.ProviderName,
			ev.EventID, ev.Version, ev.Level, ev.Opcode, int64(ev.Keywords), ev.ProcessID,
			ev.ThreadID, ev.ActivityID.String(), ev.UserSID,
			ev.Timestamp.UTC().Format(time.RFC3339Nano), string(payload), string(stack))
		if err != nil {
			return 0, fmt.Errorf("inserting event %d: %w", i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing session: %w", err)
	}
	s.log.Debug().Int64("id", id).Str("label", rec.Label).Int("events", len(events)).Msg("Session stored")
	return id, nil
}

const sessionColumns = `id, name, label, providers, state, reason, events, bytes, buffers,
	buffer_errors, dropped, elapsed_ns, error, saved_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (SessionRecord, error) {
	var (
		rec                                           SessionRecord
		providers, savedAt                            string
		events, bytes, buffers, bufErrs, dropped, dur int64
	)
	err := row.Scan(&rec.ID, &rec.Name, &rec.Label, &providers, &rec.State, &rec.Reason,
		&events, &bytes, &buffers, &bufErrs, &dropped, &dur, &rec.Err, &savedAt)
	if err != nil {
		return rec, err
	}
	if err := json.Unmarshal([]byte(providers), &rec.Providers); err != nil {
		return rec, fmt.Errorf("decoding providers of session %d: %w", rec.ID, err)
	}
	rec.Events, rec.Bytes, rec.Buffers = uint64(events), uint64(bytes), uint64(buffers)
	rec.BufferErrors, rec.Dropped = uint64(bufErrs), uint64(dropped)
	rec.Elapsed = time.Duration(dur)
	rec.SavedAt, _ = time.Parse(time.RFC3339Nano, savedAt)
	return rec, nil
}

// Session returns the stored session with the given id.
func (s *Store) Session(ctx context.Context, id int64) (SessionRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	rec, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return rec, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	if err != nil {
		return rec, fmt.Errorf("scanning session: %w", err)
	}
	return rec, nil
}

// ListSessions returns all stored sessions, oldest first.
func (s *Store) ListSessions(ctx context.Context) ([]SessionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+sessionColumns+` FROM sessions ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("querying sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionRecord
	for rows.Next() {
		rec, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning session: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// DeleteSession removes a session and its events.
func (s *Store) DeleteSession(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM events WHERE session_id = ?`, id); err != nil {
		return fmt.Errorf("deleting events: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	return tx.Commit()
}

// Events returns up to limit events of a stored session in capture order;
// limit <= 0 returns all of them. Payload values come back as the JSON
// types they were stored as: numbers are float64, byte slices are base64
// strings.
func (s *Store) Events(ctx context.Context, sessionID int64, limit int) ([]*event.Event, error) {
	q := `SELECT provider_id, provider_name, event_id, version, level, opcode, keywords,
		process_id, thread_id, activity_id, user_sid, ts, payload, stack
		FROM events WHERE session_id = ? ORDER BY seq`
	args := []any{sessionID}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}
	defer rows.Close()

	var out []*event.Event
	for rows.Next() {
		var (
			ev                         event.Event
			providerID, activityID, ts string
			payload, stack             string
			keywords                   int64
		)
		err := rows.Scan(&providerID, &ev.ProviderName, &ev.EventID, &ev.Version, &ev.Level,
			&ev.Opcode, &keywords, &ev.ProcessID, &ev.ThreadID, &activityID, &ev.UserSID, &ts,
			&payload, &stack)
		if err != nil {
			return nil, fmt.Errorf("scanning event: %w", err)
		}
		ev.Keywords = uint64(keywords)
		ev.ProviderID, _ = uuid.Parse(providerID)
		ev.ActivityID, _ = uuid.Parse(activityID)
		ev.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		if err := json.Unmarshal([]byte(payload), &ev.Payload); err != nil {
			return nil, fmt.Errorf("decoding payload: %w", err)
		}
		if err := json.Unmarshal([]byte(stack), &ev.Stack); err != nil {
			return nil, fmt.Errorf("decoding stack: %w", err)
		}
		out = append(out, &ev)
	}
	return out, rows.Err()
}
