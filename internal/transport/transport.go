// Package transport carries queue items to the remote endpoint. Backends
// classify every result into one of four outcomes; the queue decides what to
// do with each.
package transport

import (
	"context"
	"time"

	"github.com/dosetap/dt/internal/dose"
)

// Outcome of one delivery attempt.
type Outcome int

const (
	// Delivered: the endpoint accepted the item as a new record.
	Delivered Outcome = iota
	// Duplicate: the endpoint has already seen this idempotency key.
	// Treated identically to Delivered by callers.
	Duplicate
	// Transient: worth retrying with backoff.
	Transient
	// Permanent: the item will never be accepted (malformed payload,
	// rejected key). The queue drops it with a logged error.
	Permanent
)

func (o Outcome) String() string {
	switch o {
	case Delivered:
		return "delivered"
	case Duplicate:
		return "duplicate"
	case Transient:
		return "transient"
	case Permanent:
		return "permanent"
	}
	return "unknown"
}

// Item is the dispatched payload. Nothing beyond these fields is prescribed
// on the wire.
type Item struct {
	IdempotencyKey     string    `json:"idempotency_key"`
	EventType          string    `json:"event_type"`
	Subtype            string    `json:"subtype,omitempty"`
	OccurredAtUTC      time.Time `json:"occurred_at_utc"`
	LocalOffsetSeconds int       `json:"local_offset_seconds"`
	Metadata           dose.Meta `json:"metadata,omitempty"`
}

// FromEvent builds the wire item for ev under key. A clamp violation rides
// along as metadata so the server-side audit trail keeps the flag.
func FromEvent(key string, ev dose.Event) Item {
	it := Item{
		IdempotencyKey:     key,
		EventType:          ev.Type.String(),
		Subtype:            string(ev.Subtype),
		OccurredAtUTC:      ev.OccurredAt.UTC(),
		LocalOffsetSeconds: ev.LocalOffset,
		Metadata:           append(dose.Meta(nil), ev.Meta...),
	}
	if ev.Flagged {
		it.Metadata.Set("validation", "out_of_window")
	}
	return it
}

// Transport sends one item and classifies the result. err is non-nil only for
// Transient and Permanent, carrying detail for logs.
type Transport interface {
	Send(ctx context.Context, it Item) (Outcome, error)
}
