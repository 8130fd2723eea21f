package clock

import (
	"sort"
	"sync"
	"time"
)

// FakeClock is a settable clock plus a virtual-time scheduler for tests.
// Advance moves the clock forward and fires due timers in deadline order,
// so timing behavior is fully deterministic without wall-clock sleeps.
type FakeClock struct {
	mu     sync.Mutex
	now    time.Time
	loc    *time.Location
	timers map[string]*fakeTimer
}

type fakeTimer struct {
	id string
	at time.Time
	fn func()
}

// NewFake returns a FakeClock pinned at now, observing loc.
func NewFake(now time.Time, loc *time.Location) *FakeClock {
	if loc == nil {
		loc = time.UTC
	}
	return &FakeClock{now: now, loc: loc, timers: make(map[string]*fakeTimer)}
}

func (f *FakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *FakeClock) Location() *time.Location {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loc
}

// SetLocation changes the observed timezone (travel fixture).
func (f *FakeClock) SetLocation(loc *time.Location) {
	f.mu.Lock()
	f.loc = loc
	f.mu.Unlock()
}

// Schedule implements Scheduler. Replaces any pending timer with the same id.
func (f *FakeClock) Schedule(id string, at time.Time, fn func()) {
	f.mu.Lock()
	f.timers[id] = &fakeTimer{id: id, at: at, fn: fn}
	f.mu.Unlock()
}

// Cancel implements Scheduler.
func (f *FakeClock) Cancel(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.timers[id]
	delete(f.timers, id)
	return ok
}

// Advance moves virtual time forward by d, firing each due timer exactly once
// in deadline order. Callbacks run without the clock lock held and may
// schedule or cancel further timers.
func (f *FakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	target := f.now.Add(d)
	f.mu.Unlock()
	for {
		f.mu.Lock()
		var due []*fakeTimer
		for _, t := range f.timers {
			if !t.at.After(target) {
				due = append(due, t)
			}
		}
		if len(due) == 0 {
			f.now = target
			f.mu.Unlock()
			return
		}
		sort.Slice(due, func(i, j int) bool { return due[i].at.Before(due[j].at) })
		next := due[0]
		delete(f.timers, next.id)
		if next.at.After(f.now) {
			f.now = next.at
		}
		f.mu.Unlock()
		next.fn()
	}
}

// PendingTimers returns the number of armed timers.
func (f *FakeClock) PendingTimers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.timers)
}
