// Package sqlite persists events, sessions, and queue items in a single
// WAL-mode database file. It is the one concrete implementation of the
// storage contracts; nothing above it knows about SQL.
package sqlite

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/dosetap/dt/internal/dose"
	"github.com/dosetap/dt/internal/queue"
)

// Store wraps the database handle.
type Store struct {
	conn *sql.DB
}

// Open opens the DB at path, creates the directory if needed, runs
// migrations, and assigns the device identity on first open.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	conn, err := sql.Open("sqlite3", path+"?_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, err
	}
	if err := migrate(conn); err != nil {
		conn.Close()
		return nil, err
	}
	return &Store{conn: conn}, nil
}

// Close releases the database handle.
func (s *Store) Close() error { return s.conn.Close() }

func migrate(conn *sql.DB) error {
	if _, err := conn.Exec(schema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	// Device row is a singleton; INSERT OR IGNORE keeps reopen idempotent.
	_, err := conn.Exec(
		`INSERT OR IGNORE INTO device (id, device_id, seq) VALUES (1, ?, 0)`,
		uuid.NewString(),
	)
	if err != nil {
		return fmt.Errorf("migrate device: %w", err)
	}
	return nil
}

const schema = `
PRAGMA journal_mode=WAL;

CREATE TABLE IF NOT EXISTS events (
  event_id TEXT PRIMARY KEY,
  session_key TEXT NOT NULL,
  type TEXT NOT NULL,
  subtype TEXT NOT NULL DEFAULT '',
  occurred_at REAL NOT NULL,
  local_offset INTEGER NOT NULL,
  meta_json TEXT,
  pending INTEGER NOT NULL DEFAULT 1,
  flagged INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_events_session ON events(session_key, occurred_at);
CREATE INDEX IF NOT EXISTS idx_events_occurred ON events(occurred_at);

CREATE TABLE IF NOT EXISTS sessions (
  session_key TEXT PRIMARY KEY,
  dose1_at REAL,
  dose2_at REAL,
  dose2_skipped INTEGER NOT NULL DEFAULT 0,
  snooze_count INTEGER NOT NULL DEFAULT 0,
  archived INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS queue_items (
  idempotency_key TEXT PRIMARY KEY,
  seq INTEGER NOT NULL,
  event_json TEXT NOT NULL,
  attempt INTEGER NOT NULL DEFAULT 0,
  next_attempt_at REAL NOT NULL,
  state TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_queue_seq ON queue_items(seq);

CREATE TABLE IF NOT EXISTS device (
  id INTEGER PRIMARY KEY CHECK (id = 1),
  device_id TEXT NOT NULL,
  seq INTEGER NOT NULL
);
`

// DeviceID returns the stable per-device identifier.
func (s *Store) DeviceID() (string, error) {
	var id string
	if err := s.conn.QueryRow(`SELECT device_id FROM device WHERE id = 1`).Scan(&id); err != nil {
		return "", fmt.Errorf("load device id: %w", err)
	}
	return id, nil
}

// --- dose.Storage ---

// AppendEvent stores ev. INSERT OR IGNORE makes re-appending the same event
// id a no-op.
func (s *Store) AppendEvent(sessionKey string, ev dose.Event) error {
	metaJSON, err := json.Marshal(ev.Meta)
	if err != nil {
		return err
	}
	_, err = s.conn.Exec(`
		INSERT OR IGNORE INTO events
		  (event_id, session_key, type, subtype, occurred_at, local_offset, meta_json, pending, flagged)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, sessionKey, ev.Type.String(), string(ev.Subtype),
		toSec(ev.OccurredAt), ev.LocalOffset, string(metaJSON),
		boolInt(ev.Pending), boolInt(ev.Flagged),
	)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// ListEvents returns the session's events in insertion order.
func (s *Store) ListEvents(sessionKey string) ([]dose.Event, error) {
	rows, err := s.conn.Query(`
		SELECT event_id, type, subtype, occurred_at, local_offset, meta_json, pending, flagged
		FROM events WHERE session_key = ? ORDER BY occurred_at, event_id`, sessionKey)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

// RecentEvents returns up to n most recent events, newest first.
func (s *Store) RecentEvents(n int) ([]dose.Event, error) {
	rows, err := s.conn.Query(`
		SELECT event_id, type, subtype, occurred_at, local_offset, meta_json, pending, flagged
		FROM events ORDER BY occurred_at DESC LIMIT ?`, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

// MarkDelivered clears the pending flag once the queue confirms dispatch.
func (s *Store) MarkDelivered(eventID string) error {
	_, err := s.conn.Exec(`UPDATE events SET pending = 0 WHERE event_id = ?`, eventID)
	return err
}

// UpsertSession writes the session row. Events travel separately through
// AppendEvent.
func (s *Store) UpsertSession(sess *dose.Session) error {
	_, err := s.conn.Exec(`
		INSERT INTO sessions (session_key, dose1_at, dose2_at, dose2_skipped, snooze_count)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(session_key) DO UPDATE SET
		  dose1_at = excluded.dose1_at,
		  dose2_at = excluded.dose2_at,
		  dose2_skipped = excluded.dose2_skipped,
		  snooze_count = excluded.snooze_count`,
		sess.Key, toSecPtr(sess.Dose1At), toSecPtr(sess.Dose2At),
		boolInt(sess.Dose2Skipped), sess.SnoozeCount,
	)
	if err != nil {
		return fmt.Errorf("upsert session %s: %w", sess.Key, err)
	}
	return nil
}

// LoadOpenSession returns the newest unarchived session with its events, or
// nil when there is none.
func (s *Store) LoadOpenSession() (*dose.Session, error) {
	row := s.conn.QueryRow(`
		SELECT session_key, dose1_at, dose2_at, dose2_skipped, snooze_count
		FROM sessions WHERE archived = 0 ORDER BY session_key DESC LIMIT 1`)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	sess.Events, err = s.ListEvents(sess.Key)
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// ArchiveSession moves a session out of "current".
func (s *Store) ArchiveSession(sessionKey string) error {
	_, err := s.conn.Exec(`UPDATE sessions SET archived = 1 WHERE session_key = ?`, sessionKey)
	return err
}

// ListSessions returns up to n most recent sessions, newest first, events
// included.
func (s *Store) ListSessions(n int) ([]*dose.Session, error) {
	rows, err := s.conn.Query(`
		SELECT session_key, dose1_at, dose2_at, dose2_skipped, snooze_count
		FROM sessions ORDER BY session_key DESC LIMIT ?`, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*dose.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, sess := range out {
		if sess.Events, err = s.ListEvents(sess.Key); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// EventsBefore returns delivered events older than cutoff, oldest first.
func (s *Store) EventsBefore(cutoff time.Time) ([]dose.Event, error) {
	rows, err := s.conn.Query(`
		SELECT event_id, type, subtype, occurred_at, local_offset, meta_json, pending, flagged
		FROM events WHERE occurred_at < ? AND pending = 0 ORDER BY occurred_at`, toSec(cutoff))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

// DeleteEventsBefore removes delivered events older than cutoff. Pending
// events stay: they are still owed to the queue.
func (s *Store) DeleteEventsBefore(cutoff time.Time) (int64, error) {
	res, err := s.conn.Exec(`DELETE FROM events WHERE occurred_at < ? AND pending = 0`, toSec(cutoff))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// --- queue.Store ---

// SaveItem inserts or replaces the queue row for the item's key.
func (s *Store) SaveItem(it queue.Item) error {
	evJSON, err := json.Marshal(it.Event)
	if err != nil {
		return err
	}
	_, err = s.conn.Exec(`
		INSERT INTO queue_items (idempotency_key, seq, event_json, attempt, next_attempt_at, state)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(idempotency_key) DO UPDATE SET
		  attempt = excluded.attempt,
		  next_attempt_at = excluded.next_attempt_at,
		  state = excluded.state`,
		it.IdempotencyKey, it.Seq, string(evJSON), it.Attempt, toSec(it.NextAttemptAt), it.State.String(),
	)
	if err != nil {
		return fmt.Errorf("save queue item: %w", err)
	}
	return nil
}

// DeleteItem removes the row; deleting a missing key is a no-op.
func (s *Store) DeleteItem(idempotencyKey string) error {
	_, err := s.conn.Exec(`DELETE FROM queue_items WHERE idempotency_key = ?`, idempotencyKey)
	return err
}

// ListItems returns all persisted items ordered by seq.
func (s *Store) ListItems() ([]queue.Item, error) {
	rows, err := s.conn.Query(`
		SELECT idempotency_key, seq, event_json, attempt, next_attempt_at, state
		FROM queue_items ORDER BY seq`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []queue.Item
	for rows.Next() {
		var it queue.Item
		var evJSON, state string
		var nextAt float64
		if err := rows.Scan(&it.IdempotencyKey, &it.Seq, &evJSON, &it.Attempt, &nextAt, &state); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(evJSON), &it.Event); err != nil {
			return nil, fmt.Errorf("parse queued event: %w", err)
		}
		it.NextAttemptAt = fromSec(nextAt)
		if it.State, err = queue.ParseState(state); err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

// NextSeq atomically advances and returns the per-device sequence.
func (s *Store) NextSeq() (int64, error) {
	tx, err := s.conn.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	if _, err := tx.Exec(`UPDATE device SET seq = seq + 1 WHERE id = 1`); err != nil {
		return 0, err
	}
	var seq int64
	if err := tx.QueryRow(`SELECT seq FROM device WHERE id = 1`).Scan(&seq); err != nil {
		return 0, err
	}
	return seq, tx.Commit()
}

// --- row helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(r rowScanner) (*dose.Session, error) {
	var sess dose.Session
	var d1, d2 sql.NullFloat64
	var skipped int
	if err := r.Scan(&sess.Key, &d1, &d2, &skipped, &sess.SnoozeCount); err != nil {
		return nil, err
	}
	if d1.Valid {
		t := fromSec(d1.Float64)
		sess.Dose1At = &t
	}
	if d2.Valid {
		t := fromSec(d2.Float64)
		sess.Dose2At = &t
	}
	sess.Dose2Skipped = skipped != 0
	return &sess, nil
}

func scanEvents(rows *sql.Rows) ([]dose.Event, error) {
	var out []dose.Event
	for rows.Next() {
		var ev dose.Event
		var typ, subtype, metaJSON string
		var occurred float64
		var pending, flagged int
		if err := rows.Scan(&ev.ID, &typ, &subtype, &occurred, &ev.LocalOffset, &metaJSON, &pending, &flagged); err != nil {
			return nil, err
		}
		t, err := dose.ParseType(typ)
		if err != nil {
			return nil, err
		}
		ev.Type = t
		ev.Subtype = dose.Subtype(subtype)
		ev.OccurredAt = fromSec(occurred)
		ev.Pending = pending != 0
		ev.Flagged = flagged != 0
		if metaJSON != "" && metaJSON != "null" {
			if err := json.Unmarshal([]byte(metaJSON), &ev.Meta); err != nil {
				return nil, fmt.Errorf("parse event meta: %w", err)
			}
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func toSec(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

func toSecPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return toSec(*t)
}

// fromSec splits whole seconds off before scaling so second-precision
// instants round-trip exactly through the REAL column.
func fromSec(sec float64) time.Time {
	s := int64(sec)
	ns := int64(math.Round((sec - float64(s)) * 1e9))
	return time.Unix(s, ns).UTC()
}
