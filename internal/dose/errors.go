package dose

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrSessionClosed   = errors.New("session already resolved")
	ErrNoDose1         = errors.New("no dose 1 recorded for this session")
	ErrDose1Recorded   = errors.New("dose 1 already recorded for this session")
	ErrSnoozeBudget    = errors.New("snooze budget exhausted")
	ErrSnoozeNearClose = errors.New("snooze unavailable near window close")
	ErrWindowNotOpen   = errors.New("dose-2 window not yet open")
)

// ValidationError marks a dose-2 timestamp outside the hard clamp. The event
// is still recorded for audit, flagged; it is never silently corrected.
type ValidationError struct {
	Offset time.Duration // actual dose1→dose2 offset
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("dose 2 offset %s outside window [%s, %s]", e.Offset, MinOffset, MaxOffset)
}

// RateLimitedError is recoverable: retry after Remaining elapses.
type RateLimitedError struct {
	Type      Type
	Subtype   Subtype
	Remaining time.Duration
}

func (e *RateLimitedError) Error() string {
	name := e.Type.String()
	if e.Subtype != SubNone {
		name += "/" + string(e.Subtype)
	}
	return fmt.Sprintf("%s rate limited, %s cooldown remaining", name, e.Remaining.Round(time.Second))
}
