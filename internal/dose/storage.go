package dose

import (
	"errors"
	"time"
)

// ErrNotFound is returned by Storage lookups for missing rows.
var ErrNotFound = errors.New("not found")

// Storage is the narrow persistence contract the core depends on. The engine
// behind it (sqlite in this repo) is an adapter detail.
type Storage interface {
	// AppendEvent stores ev under its session key. Appending the same event
	// id twice is a no-op, not an error.
	AppendEvent(sessionKey string, ev Event) error
	// ListEvents returns the session's events in insertion order.
	ListEvents(sessionKey string) ([]Event, error)
	// RecentEvents returns up to n most recent events, newest first.
	RecentEvents(n int) ([]Event, error)
	// MarkDelivered clears the pending flag once the event is durably
	// dispatched.
	MarkDelivered(eventID string) error
	UpsertSession(s *Session) error
	// LoadOpenSession returns the newest unarchived session with its events,
	// or nil when none exists.
	LoadOpenSession() (*Session, error)
	// ArchiveSession moves a session out of "current".
	ArchiveSession(sessionKey string) error
	// ListSessions returns up to n most recent sessions, newest first,
	// events included.
	ListSessions(n int) ([]*Session, error)
	// EventsBefore returns delivered events older than cutoff, oldest first.
	EventsBefore(cutoff time.Time) ([]Event, error)
	// DeleteEventsBefore removes delivered events older than cutoff and
	// returns how many were removed. Pending events are never pruned.
	DeleteEventsBefore(cutoff time.Time) (int64, error)
}
