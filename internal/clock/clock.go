// Package clock abstracts time and timer scheduling so dose logic can run
// against a fake clock in tests.
package clock

import "time"

// Clock returns the current instant and the observer's calendar rules.
type Clock interface {
	Now() time.Time
	Location() *time.Location
}

// SystemClock reads the real wall clock. Now() carries a monotonic reading,
// so durations computed from it survive wall-clock adjustments.
type SystemClock struct{}

func (SystemClock) Now() time.Time           { return time.Now() }
func (SystemClock) Location() *time.Location { return time.Local }

// Scheduler is an arena of pending timers keyed by id. Scheduling an id that
// already exists replaces the previous timer. Callbacks must tolerate firing
// late: a timer whose deadline passed while the process was suspended fires
// on the next evaluation, exactly once.
type Scheduler interface {
	Schedule(id string, at time.Time, fn func())
	Cancel(id string) bool
}
