// Package queue is the durable, ordered, retrying delivery pipeline between
// the orchestrator and the remote endpoint. Items survive restarts through
// the Store, dispatch strictly FIFO, and carry idempotency keys so a retried
// send can never double-count.
package queue

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/dosetap/dt/internal/clock"
	"github.com/dosetap/dt/internal/dose"
	"github.com/dosetap/dt/internal/transport"
)

// State of a queue item. Transitions are one-directional except
// inFlight→queued on transient failure.
type State int

const (
	StateStaged State = iota
	StateQueued
	StateInFlight
	StateDelivered
	StateDroppedOverflow
)

func (s State) String() string {
	switch s {
	case StateStaged:
		return "staged"
	case StateQueued:
		return "queued"
	case StateInFlight:
		return "in_flight"
	case StateDelivered:
		return "delivered"
	case StateDroppedOverflow:
		return "dropped_overflow"
	}
	return "unknown"
}

// ParseState maps the stored name back to a State.
func ParseState(s string) (State, error) {
	for st := StateStaged; st <= StateDroppedOverflow; st++ {
		if st.String() == s {
			return st, nil
		}
	}
	return 0, fmt.Errorf("unknown queue state %q", s)
}

// Item is one pending delivery.
type Item struct {
	Event          dose.Event
	IdempotencyKey string
	Seq            int64
	Attempt        int
	NextAttemptAt  time.Time
	State          State
}

// Store persists queue items across restarts. Implemented by the sqlite
// adapter.
type Store interface {
	SaveItem(it Item) error
	DeleteItem(idempotencyKey string) error
	// ListItems returns all persisted items ordered by Seq.
	ListItems() ([]Item, error)
	// NextSeq returns the next value of the monotonically increasing
	// per-device sequence.
	NextSeq() (int64, error)
}

// Options tune the queue. Zero values pick the defaults.
type Options struct {
	MaxDepth   int // bounded depth; oldest unsent item dropped when full
	StallAfter int // consecutive failed attempts before a StalledWarning
	// OnAlert receives OverflowAlert and StalledWarning values. Data loss is
	// never silent: when nil, alerts go to the log.
	OnAlert func(error)
	// OnDelivered runs after an item is durably dispatched.
	OnDelivered func(eventID string)
}

const (
	defaultMaxDepth   = 500
	defaultStallAfter = 8
)

// Queue owns the in-memory FIFO mirror of the Store. The mutex bounds
// strictly in-memory bookkeeping; transport calls and store writes happen
// outside it.
type Queue struct {
	clk      clock.Clock
	store    Store
	tr       transport.Transport
	deviceID string
	opts     Options

	mu      sync.Mutex
	items   []Item
	stalled bool
}

// New builds a queue. Call Rebuild before the first Drain to recover
// persisted items.
func New(clk clock.Clock, store Store, tr transport.Transport, deviceID string, opts Options) *Queue {
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = defaultMaxDepth
	}
	if opts.StallAfter <= 0 {
		opts.StallAfter = defaultStallAfter
	}
	return &Queue{clk: clk, store: store, tr: tr, deviceID: deviceID, opts: opts}
}

// Rebuild loads persisted items, resetting any that were in flight when the
// process died back to queued.
func (q *Queue) Rebuild() error {
	items, err := q.store.ListItems()
	if err != nil {
		return fmt.Errorf("rebuild queue: %w", err)
	}
	for i := range items {
		if items[i].State == StateInFlight || items[i].State == StateStaged {
			items[i].State = StateQueued
		}
	}
	q.mu.Lock()
	q.items = items
	q.mu.Unlock()
	return nil
}

// Depth returns the number of undelivered items.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Enqueue assigns the idempotency key, persists the item, and appends it
// FIFO. When the queue is full the oldest unsent item is dropped and exactly
// one OverflowAlert is raised.
func (q *Queue) Enqueue(ev dose.Event) (string, error) {
	seq, err := q.store.NextSeq()
	if err != nil {
		return "", fmt.Errorf("next device seq: %w", err)
	}
	it := Item{
		Event:          ev,
		IdempotencyKey: IdempotencyKey(q.deviceID, seq, ev),
		Seq:            seq,
		State:          StateQueued,
		NextAttemptAt:  q.clk.Now(),
	}

	var dropped *Item
	q.mu.Lock()
	if len(q.items) >= q.opts.MaxDepth {
		for i := range q.items {
			if q.items[i].State == StateQueued {
				d := q.items[i]
				d.State = StateDroppedOverflow
				dropped = &d
				q.items = append(q.items[:i], q.items[i+1:]...)
				break
			}
		}
	}
	q.items = append(q.items, it)
	q.mu.Unlock()

	if dropped != nil {
		if err := q.store.DeleteItem(dropped.IdempotencyKey); err != nil {
			log.Printf("[queue] delete overflowed item: %v", err)
		}
		q.alert(&OverflowAlert{
			DroppedKey: dropped.IdempotencyKey,
			EventID:    dropped.Event.ID,
			Depth:      q.opts.MaxDepth,
		})
	}
	if err := q.store.SaveItem(it); err != nil {
		return "", fmt.Errorf("persist queue item: %w", err)
	}
	return it.IdempotencyKey, nil
}

// Drain dispatches due items once, in FIFO order with a single item in
// flight, and returns how many were delivered. A transient failure at the
// head stops the pass: per-device ordering is preserved by never sending
// around a backing-off item.
func (q *Queue) Drain(ctx context.Context) (int, error) {
	delivered := 0
	for {
		if err := ctx.Err(); err != nil {
			return delivered, err
		}
		q.mu.Lock()
		if len(q.items) == 0 {
			q.mu.Unlock()
			return delivered, nil
		}
		head := &q.items[0]
		if head.State != StateQueued || head.NextAttemptAt.After(q.clk.Now()) {
			q.mu.Unlock()
			return delivered, nil
		}
		head.State = StateInFlight
		it := *head
		q.mu.Unlock()

		outcome, err := q.tr.Send(ctx, transport.FromEvent(it.IdempotencyKey, it.Event))

		switch outcome {
		case transport.Delivered, transport.Duplicate:
			q.complete(it)
			delivered++
		case transport.Permanent:
			log.Printf("[queue] dropping item %s after permanent failure: %v", it.IdempotencyKey, err)
			q.remove(it.IdempotencyKey)
			if derr := q.store.DeleteItem(it.IdempotencyKey); derr != nil {
				log.Printf("[queue] delete failed item: %v", derr)
			}
		case transport.Transient:
			q.reschedule(it, err)
			return delivered, nil
		}
	}
}

// Run drains on a poll cadence until ctx is cancelled. This is the only
// place the queue blocks; it runs as the daemon's background task.
func (q *Queue) Run(ctx context.Context, poll time.Duration) {
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		if n, err := q.Drain(ctx); err != nil {
			return
		} else if n > 0 {
			log.Printf("[queue] delivered %d item(s)", n)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (q *Queue) complete(it Item) {
	q.remove(it.IdempotencyKey)
	q.mu.Lock()
	q.stalled = false
	q.mu.Unlock()
	if err := q.store.DeleteItem(it.IdempotencyKey); err != nil {
		log.Printf("[queue] delete delivered item: %v", err)
	}
	if q.opts.OnDelivered != nil {
		q.opts.OnDelivered(it.Event.ID)
	}
}

func (q *Queue) reschedule(it Item, cause error) {
	it.Attempt++
	it.NextAttemptAt = q.clk.Now().Add(Backoff(it.Attempt))
	it.State = StateQueued

	var stallNow bool
	q.mu.Lock()
	for i := range q.items {
		if q.items[i].IdempotencyKey == it.IdempotencyKey {
			q.items[i] = it
			break
		}
	}
	if it.Attempt >= q.opts.StallAfter && !q.stalled {
		q.stalled = true
		stallNow = true
	}
	q.mu.Unlock()

	log.Printf("[queue] transient failure on %s (attempt %d): %v", it.IdempotencyKey, it.Attempt, cause)
	if stallNow {
		q.alert(&StalledWarning{Key: it.IdempotencyKey, Attempts: it.Attempt})
	}
	if err := q.store.SaveItem(it); err != nil {
		log.Printf("[queue] persist rescheduled item: %v", err)
	}
}

func (q *Queue) remove(idempotencyKey string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range q.items {
		if q.items[i].IdempotencyKey == idempotencyKey {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return
		}
	}
}

func (q *Queue) alert(err error) {
	if q.opts.OnAlert != nil {
		q.opts.OnAlert(err)
		return
	}
	log.Printf("[queue] alert: %v", err)
}

// Backoff returns the retry delay for the given attempt number (1-based):
// 1s, 2s, 5s, then a 10s cap, each with ±15% jitter.
func Backoff(attempt int) time.Duration {
	var base time.Duration
	switch {
	case attempt <= 1:
		base = time.Second
	case attempt == 2:
		base = 2 * time.Second
	case attempt == 3:
		base = 5 * time.Second
	default:
		base = 10 * time.Second
	}
	jitter := time.Duration((rand.Float64()*2 - 1) * 0.15 * float64(base))
	return base + jitter
}
