// Package ratelimit gates event logging with a per-type cooldown so a jittery
// finger or a stuck button cannot spam the journal.
package ratelimit

import (
	"sync"
	"time"

	"github.com/dosetap/dt/internal/clock"
	"github.com/dosetap/dt/internal/dose"
)

// Key identifies a cooldown bucket. Ancillary events cool down per subtype.
type Key struct {
	Type    dose.Type
	Subtype dose.Subtype
}

// Cooldown returns the fixed cooldown for a bucket. The switch is the single
// place a new event kind gets its entry.
func Cooldown(k Key) time.Duration {
	switch k.Type {
	case dose.TypeDose1, dose.TypeDose2, dose.TypeSkip:
		return 5 * time.Minute
	case dose.TypeSnooze:
		return 5 * time.Minute
	case dose.TypeAncillary:
		switch k.Subtype {
		case dose.SubLightsOut, dose.SubFinalWake:
			return time.Hour
		case dose.SubPreSleepLog, dose.SubMorningCheckIn:
			return 30 * time.Minute
		case dose.SubSleepSummary:
			return time.Hour
		case dose.SubBathroom, dose.SubSnack:
			return time.Minute
		}
		// Unknown future subtype: the conservative high-frequency default.
		return time.Minute
	}
	return time.Minute
}

// Limiter tracks the last allowed instant per bucket. Entries are process
// lifetime only; Seed rebuilds them from persisted history on startup so a
// restart does not reset cooldowns. Instants come from the injected clock:
// with the system clock they carry a monotonic reading, so wall-clock changes
// cannot defeat a cooldown in-process.
type Limiter struct {
	mu   sync.Mutex
	clk  clock.Clock
	last map[Key]time.Time
}

// New returns an empty limiter on clk.
func New(clk clock.Clock) *Limiter {
	return &Limiter{clk: clk, last: make(map[Key]time.Time)}
}

// Allow reports whether an event of this bucket may be logged now, and on
// success records now as the bucket's last allowed instant. On refusal the
// caller must not create the event.
func (l *Limiter) Allow(k Key) bool {
	now := l.clk.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	if at, ok := l.last[k]; ok && now.Sub(at) < Cooldown(k) {
		return false
	}
	l.last[k] = now
	return true
}

// Remaining returns how long until the bucket's cooldown elapses; zero when
// the bucket is free.
func (l *Limiter) Remaining(k Key) time.Duration {
	now := l.clk.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	at, ok := l.last[k]
	if !ok {
		return 0
	}
	rem := Cooldown(k) - now.Sub(at)
	if rem < 0 {
		return 0
	}
	return rem
}

// Forget clears a bucket. Used when a staged event is undone: the action
// never happened, so it must not burn the cooldown.
func (l *Limiter) Forget(k Key) {
	l.mu.Lock()
	delete(l.last, k)
	l.mu.Unlock()
}

// Seed replays persisted events into the limiter, keeping the newest instant
// per bucket. UTC timestamps from storage lack a monotonic reading; this is a
// best-effort carry-over across restarts.
func (l *Limiter) Seed(events []dose.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, ev := range events {
		k := Key{Type: ev.Type, Subtype: ev.Subtype}
		if at, ok := l.last[k]; !ok || ev.OccurredAt.After(at) {
			l.last[k] = ev.OccurredAt
		}
	}
}
