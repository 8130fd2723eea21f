package clock

import (
	"sync"
	"time"
)

// SystemScheduler runs callbacks on real timers via time.AfterFunc.
type SystemScheduler struct {
	mu     sync.Mutex
	timers map[string]*time.Timer
}

// NewSystemScheduler returns an empty scheduler.
func NewSystemScheduler() *SystemScheduler {
	return &SystemScheduler{timers: make(map[string]*time.Timer)}
}

// Schedule arms a timer for id at the given instant, replacing any existing
// timer with the same id. A deadline already in the past fires immediately
// (AfterFunc with non-positive duration), which covers resume-after-suspend.
func (s *SystemScheduler) Schedule(id string, at time.Time, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[id]; ok {
		t.Stop()
	}
	d := time.Until(at)
	s.timers[id] = time.AfterFunc(d, func() {
		s.mu.Lock()
		delete(s.timers, id)
		s.mu.Unlock()
		fn()
	})
}

// Cancel stops the timer for id. Returns false if no timer is pending
// (never armed, already fired, or already cancelled).
func (s *SystemScheduler) Cancel(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.timers[id]
	if !ok {
		return false
	}
	delete(s.timers, id)
	return t.Stop()
}
