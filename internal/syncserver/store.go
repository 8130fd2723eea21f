package syncserver

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dosetap/dt/internal/dose"
)

// EventRecord is one accepted event row.
type EventRecord struct {
	IdempotencyKey     string
	EventType          string
	Subtype            string
	OccurredAt         time.Time
	LocalOffsetSeconds int
	Metadata           dose.Meta
}

// Store persists accepted events. InsertEvent reports false when the
// idempotency key has been seen before.
type Store interface {
	InsertEvent(ctx context.Context, rec EventRecord) (bool, error)
	Ready(ctx context.Context) error
}

const schema = `
CREATE TABLE IF NOT EXISTS dose_events (
    idempotency_key      TEXT PRIMARY KEY,
    event_type           TEXT NOT NULL,
    subtype              TEXT NOT NULL DEFAULT '',
    occurred_at          TIMESTAMPTZ NOT NULL,
    local_offset_seconds INTEGER NOT NULL DEFAULT 0,
    metadata             JSONB,
    received_at          TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_dose_events_occurred ON dose_events (occurred_at);
`

// PG is the postgres-backed store.
type PG struct {
	pool *pgxpool.Pool
}

// OpenPG connects, verifies the connection, and applies the schema.
func OpenPG(ctx context.Context, dsn string) (*PG, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &PG{pool: pool}, nil
}

// Close releases the pool.
func (p *PG) Close() { p.pool.Close() }

// InsertEvent implements Store with ON CONFLICT DO NOTHING so replays of the
// same key are cheap no-ops.
func (p *PG) InsertEvent(ctx context.Context, rec EventRecord) (bool, error) {
	var meta any
	if len(rec.Metadata) > 0 {
		b, err := json.Marshal(rec.Metadata)
		if err != nil {
			return false, fmt.Errorf("marshal metadata: %w", err)
		}
		meta = string(b)
	}
	ct, err := p.pool.Exec(ctx, `
		INSERT INTO dose_events
		    (idempotency_key, event_type, subtype, occurred_at, local_offset_seconds, metadata)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb)
		ON CONFLICT (idempotency_key) DO NOTHING`,
		rec.IdempotencyKey, rec.EventType, rec.Subtype,
		rec.OccurredAt.UTC(), rec.LocalOffsetSeconds, meta)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() == 1, nil
}

// Ready implements Store.
func (p *PG) Ready(ctx context.Context) error {
	return p.pool.Ping(ctx)
}
