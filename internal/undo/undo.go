// Package undo holds a staged action for a short window during which it can
// still be cancelled. Once the window elapses the action is irrevocable, even
// if its network write has not completed yet.
package undo

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/dosetap/dt/internal/clock"
	"github.com/dosetap/dt/internal/dose"
)

// Controller stages events and auto-finalizes them through the scheduler.
type Controller struct {
	clk    clock.Clock
	sched  clock.Scheduler
	window time.Duration

	mu  sync.Mutex
	seq int64
}

// Handle identifies one staged action. Exactly one of cancel/finalize ever
// runs per handle; the resolved flag serializes the race.
type Handle struct {
	ID    string
	Event dose.Event

	mu       sync.Mutex
	resolved bool
}

// New returns a controller finalizing after window.
func New(clk clock.Clock, sched clock.Scheduler, window time.Duration) *Controller {
	return &Controller{clk: clk, sched: sched, window: window}
}

// Window returns the configured undo window.
func (c *Controller) Window() time.Duration { return c.window }

// Stage registers ev and arms the finalize timer. onFinalize runs exactly
// once, after the window elapses, unless Cancel wins first. It may fire late
// (process suspend); the deadline is evaluated on resume.
func (c *Controller) Stage(ev dose.Event, onFinalize func(dose.Event)) *Handle {
	c.mu.Lock()
	c.seq++
	h := &Handle{ID: fmt.Sprintf("undo-%d", c.seq), Event: ev}
	c.mu.Unlock()

	c.sched.Schedule(h.ID, c.clk.Now().Add(c.window), func() {
		h.mu.Lock()
		if h.resolved {
			h.mu.Unlock()
			return
		}
		h.resolved = true
		h.mu.Unlock()
		onFinalize(ev)
	})
	return h
}

// Cancel stops the staged action. Returns true iff cancellation won: the
// finalize callback will never run and the event never reaches the queue.
// A cancel arriving after finalize has begun is a no-op: the action already
// completed legitimately, so this is logged, never surfaced as an error.
func (c *Controller) Cancel(h *Handle) bool {
	h.mu.Lock()
	if h.resolved {
		h.mu.Unlock()
		log.Printf("[undo] cancel after finalize on %s: no-op", h.ID)
		return false
	}
	h.resolved = true
	h.mu.Unlock()
	c.sched.Cancel(h.ID)
	return true
}
