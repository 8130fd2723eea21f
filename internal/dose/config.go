package dose

import (
	"fmt"
	"time"
)

// Hard safety clamp. These are compile-time constants on purpose: no config
// surface may widen or narrow the dose-2 window in a deployed build.
const (
	MinOffset = 150 * time.Minute
	MaxOffset = 240 * time.Minute
	NearClose = 15 * time.Minute
)

// ValidTargets are the discrete reminder targets a user may pick.
var ValidTargets = []time.Duration{
	165 * time.Minute,
	180 * time.Minute,
	195 * time.Minute,
	210 * time.Minute,
	225 * time.Minute,
}

// Config holds the adjustable dosing tunables. Immutable after load.
type Config struct {
	TargetOffset time.Duration // reminder target after dose 1
	SnoozeStep   time.Duration // reminder shift per snooze
	MaxSnoozes   int
	UndoWindow   time.Duration // staged-action cancellation window
	RolloverHour int           // local hour at which a new night begins
}

// DefaultConfig returns the shipped tunables.
func DefaultConfig() Config {
	return Config{
		TargetOffset: 165 * time.Minute,
		SnoozeStep:   10 * time.Minute,
		MaxSnoozes:   3,
		UndoWindow:   5 * time.Second,
		RolloverHour: 18,
	}
}

// Validate rejects out-of-range tunables.
func (c Config) Validate() error {
	ok := false
	for _, t := range ValidTargets {
		if c.TargetOffset == t {
			ok = true
			break
		}
	}
	if !ok {
		return fmt.Errorf("target offset %s not in valid set", c.TargetOffset)
	}
	if c.SnoozeStep <= 0 {
		return fmt.Errorf("snooze step must be positive, got %s", c.SnoozeStep)
	}
	if c.MaxSnoozes < 0 {
		return fmt.Errorf("max snoozes must be non-negative, got %d", c.MaxSnoozes)
	}
	if c.UndoWindow < 3*time.Second || c.UndoWindow > 10*time.Second {
		return fmt.Errorf("undo window %s outside [3s,10s]", c.UndoWindow)
	}
	if c.RolloverHour < 0 || c.RolloverHour > 23 {
		return fmt.Errorf("rollover hour %d outside [0,23]", c.RolloverHour)
	}
	return nil
}
