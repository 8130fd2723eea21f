// Package timing computes the dosing-window phase and the actions that are
// legal at a given instant. All arithmetic runs on UTC instants; local time
// is for display only and never feeds the clamp.
package timing

import (
	"time"

	"github.com/dosetap/dt/internal/dose"
)

// Phase of the dose-2 window.
type Phase int

const (
	PhaseNoDose1 Phase = iota
	PhaseBeforeWindow
	PhaseActive
	PhaseNearClose
	PhaseClosed
	PhaseCompleted
	// PhaseFinalizing is transitional: a dose-2 or skip action is staged and
	// being durably committed.
	PhaseFinalizing
)

func (p Phase) String() string {
	switch p {
	case PhaseNoDose1:
		return "no dose 1"
	case PhaseBeforeWindow:
		return "before window"
	case PhaseActive:
		return "active"
	case PhaseNearClose:
		return "near close"
	case PhaseClosed:
		return "closed"
	case PhaseCompleted:
		return "completed"
	case PhaseFinalizing:
		return "finalizing"
	}
	return "unknown"
}

// Action is the single primary thing the caller should surface.
type Action int

const (
	ActionNone Action = iota
	ActionTakeDose1
	ActionWait
	ActionTakeDose2
	ActionAcknowledge
)

func (a Action) String() string {
	switch a {
	case ActionTakeDose1:
		return "take dose 1"
	case ActionWait:
		return "wait"
	case ActionTakeDose2:
		return "take dose 2"
	case ActionAcknowledge:
		return "acknowledge"
	}
	return "none"
}

// Snapshot is the state machine's answer for one instant.
type Snapshot struct {
	Phase         Phase
	TimeElapsed   time.Duration // since dose 1, zero when none recorded
	TimeRemaining time.Duration // until the hard close, zero once past or resolved
	PrimaryAction Action
	SnoozeEnabled bool
	SkipEnabled   bool
}

// Advance evaluates the session at now. Pure: it never mutates sess.
//
// Snoozing reflects only into reminder cadence (see RemindAt); the hard clamp
// dose1At+MaxOffset is immutable, and within NearClose of it snooze is
// force-disabled regardless of remaining budget.
func Advance(sess *dose.Session, now time.Time, cfg dose.Config) Snapshot {
	if sess == nil || sess.Dose1At == nil {
		return Snapshot{Phase: PhaseNoDose1, PrimaryAction: ActionTakeDose1}
	}
	d1 := sess.Dose1At.UTC()
	elapsed := now.Sub(d1)

	if sess.Closed() {
		return Snapshot{Phase: PhaseCompleted, TimeElapsed: elapsed}
	}

	closeAt := d1.Add(dose.MaxOffset)
	switch {
	case elapsed < dose.MinOffset:
		return Snapshot{
			Phase:         PhaseBeforeWindow,
			TimeElapsed:   elapsed,
			TimeRemaining: closeAt.Sub(now),
			PrimaryAction: ActionWait,
		}
	case elapsed < dose.MaxOffset-dose.NearClose:
		return Snapshot{
			Phase:         PhaseActive,
			TimeElapsed:   elapsed,
			TimeRemaining: closeAt.Sub(now),
			PrimaryAction: ActionTakeDose2,
			SnoozeEnabled: sess.SnoozeCount < cfg.MaxSnoozes,
			SkipEnabled:   true,
		}
	case elapsed < dose.MaxOffset:
		return Snapshot{
			Phase:         PhaseNearClose,
			TimeElapsed:   elapsed,
			TimeRemaining: closeAt.Sub(now),
			PrimaryAction: ActionTakeDose2,
			SkipEnabled:   true,
		}
	}
	// Window expired unattended: only acknowledgment / skip-after-fact.
	return Snapshot{
		Phase:         PhaseClosed,
		TimeElapsed:   elapsed,
		PrimaryAction: ActionAcknowledge,
		SkipEnabled:   true,
	}
}

// CheckDose2Offset flags a dose-2 instant outside the clamp. The caller
// records the event regardless; nothing is silently corrected.
func CheckDose2Offset(dose1At, at time.Time) *dose.ValidationError {
	off := at.Sub(dose1At)
	if off < dose.MinOffset || off > dose.MaxOffset {
		return &dose.ValidationError{Offset: off}
	}
	return nil
}

// RemindAt returns the next reminder instant: the configured target shifted
// by accumulated snoozes, capped at the hard close.
func RemindAt(sess *dose.Session, cfg dose.Config) time.Time {
	if sess == nil || sess.Dose1At == nil {
		return time.Time{}
	}
	d1 := sess.Dose1At.UTC()
	at := d1.Add(cfg.TargetOffset + time.Duration(sess.SnoozeCount)*cfg.SnoozeStep)
	if hardClose := d1.Add(dose.MaxOffset); at.After(hardClose) {
		return hardClose
	}
	return at
}
