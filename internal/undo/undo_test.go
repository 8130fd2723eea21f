package undo

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dosetap/dt/internal/clock"
	"github.com/dosetap/dt/internal/dose"
)

var start = time.Date(2025, 6, 10, 22, 0, 0, 0, time.UTC)

func TestFinalizeAfterWindow(t *testing.T) {
	fc := clock.NewFake(start, time.UTC)
	c := New(fc, fc, 5*time.Second)

	var finalized []string
	c.Stage(dose.Event{ID: "ev-1"}, func(ev dose.Event) { finalized = append(finalized, ev.ID) })

	fc.Advance(4 * time.Second)
	assert.Empty(t, finalized, "must not finalize inside the window")

	fc.Advance(2 * time.Second)
	assert.Equal(t, []string{"ev-1"}, finalized)

	// Timer is gone; more time passing must not re-finalize.
	fc.Advance(time.Minute)
	assert.Len(t, finalized, 1)
}

func TestCancelInsideWindow(t *testing.T) {
	fc := clock.NewFake(start, time.UTC)
	c := New(fc, fc, 5*time.Second)

	finalized := 0
	h := c.Stage(dose.Event{ID: "ev-1"}, func(dose.Event) { finalized++ })

	// 4.9s in: cancel must win, the event never dispatches.
	fc.Advance(4900 * time.Millisecond)
	require.True(t, c.Cancel(h))

	fc.Advance(time.Minute)
	assert.Zero(t, finalized, "cancelled event must never reach the queue")
}

func TestCancelAfterWindowIsNoOp(t *testing.T) {
	fc := clock.NewFake(start, time.UTC)
	c := New(fc, fc, 5*time.Second)

	finalized := 0
	h := c.Stage(dose.Event{ID: "ev-1"}, func(dose.Event) { finalized++ })

	// 5.1s in: finalize already ran; cancel reports false and retracts nothing.
	fc.Advance(5100 * time.Millisecond)
	assert.False(t, c.Cancel(h))
	assert.Equal(t, 1, finalized)
}

func TestCancelFinalizeRaceResolvesOnce(t *testing.T) {
	fc := clock.NewFake(start, time.UTC)
	c := New(fc, fc, 5*time.Second)

	var mu sync.Mutex
	finalized := 0
	h := c.Stage(dose.Event{ID: "ev-1"}, func(dose.Event) {
		mu.Lock()
		finalized++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	cancelled := false
	wg.Add(2)
	go func() {
		defer wg.Done()
		cancelled = c.Cancel(h)
	}()
	go func() {
		defer wg.Done()
		fc.Advance(6 * time.Second)
	}()
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if cancelled {
		assert.Zero(t, finalized, "cancel won, finalize must not run")
	} else {
		assert.Equal(t, 1, finalized, "finalize won exactly once")
	}
}

func TestHandlesAreIndependent(t *testing.T) {
	fc := clock.NewFake(start, time.UTC)
	c := New(fc, fc, 5*time.Second)

	var finalized []string
	h1 := c.Stage(dose.Event{ID: "a"}, func(ev dose.Event) { finalized = append(finalized, ev.ID) })
	c.Stage(dose.Event{ID: "b"}, func(ev dose.Event) { finalized = append(finalized, ev.ID) })

	require.True(t, c.Cancel(h1))
	fc.Advance(10 * time.Second)
	assert.Equal(t, []string{"b"}, finalized)
}
