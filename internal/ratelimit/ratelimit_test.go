package ratelimit

import (
	"testing"
	"time"

	"github.com/dosetap/dt/internal/clock"
	"github.com/dosetap/dt/internal/dose"
)

var start = time.Date(2025, 6, 10, 22, 0, 0, 0, time.UTC)

func TestAllowThenCooldown(t *testing.T) {
	fc := clock.NewFake(start, time.UTC)
	l := New(fc)
	k := Key{Type: dose.TypeAncillary, Subtype: dose.SubBathroom}

	if !l.Allow(k) {
		t.Fatal("first event should be allowed")
	}
	if l.Allow(k) {
		t.Fatal("second event within cooldown should be refused")
	}
	if rem := l.Remaining(k); rem <= 0 {
		t.Errorf("Remaining = %s, want > 0 during cooldown", rem)
	}

	fc.Advance(Cooldown(k))
	if !l.Allow(k) {
		t.Fatal("event after cooldown should be allowed")
	}
	if rem := l.Remaining(Key{Type: dose.TypeSnooze}); rem != 0 {
		t.Errorf("untouched bucket Remaining = %s, want 0", rem)
	}
}

func TestBucketsAreIndependent(t *testing.T) {
	fc := clock.NewFake(start, time.UTC)
	l := New(fc)

	if !l.Allow(Key{Type: dose.TypeAncillary, Subtype: dose.SubBathroom}) {
		t.Fatal("bathroom refused")
	}
	if !l.Allow(Key{Type: dose.TypeAncillary, Subtype: dose.SubSnack}) {
		t.Fatal("snack bucket must not share bathroom's cooldown")
	}
	if !l.Allow(Key{Type: dose.TypeDose1}) {
		t.Fatal("dose1 bucket must not share ancillary cooldowns")
	}
}

func TestForgetReopensBucket(t *testing.T) {
	fc := clock.NewFake(start, time.UTC)
	l := New(fc)
	k := Key{Type: dose.TypeSnooze}

	if !l.Allow(k) {
		t.Fatal("first snooze refused")
	}
	l.Forget(k)
	if !l.Allow(k) {
		t.Fatal("undone action must not burn the cooldown")
	}
}

func TestSeedFromHistory(t *testing.T) {
	fc := clock.NewFake(start, time.UTC)
	l := New(fc)

	// Lights-out logged 30 minutes ago; its 1h cooldown is still running.
	l.Seed([]dose.Event{
		{Type: dose.TypeAncillary, Subtype: dose.SubLightsOut, OccurredAt: start.Add(-90 * time.Minute)},
		{Type: dose.TypeAncillary, Subtype: dose.SubLightsOut, OccurredAt: start.Add(-30 * time.Minute)},
		{Type: dose.TypeAncillary, Subtype: dose.SubBathroom, OccurredAt: start.Add(-2 * time.Minute)},
	})

	if l.Allow(Key{Type: dose.TypeAncillary, Subtype: dose.SubLightsOut}) {
		t.Error("seeded lights-out cooldown ignored (newest instant must win)")
	}
	if !l.Allow(Key{Type: dose.TypeAncillary, Subtype: dose.SubBathroom}) {
		t.Error("bathroom cooldown (60s) elapsed long ago, should allow")
	}
}

func TestCooldownTableCoversKnownSubtypes(t *testing.T) {
	subs := []dose.Subtype{
		dose.SubLightsOut, dose.SubFinalWake, dose.SubBathroom, dose.SubSnack,
		dose.SubPreSleepLog, dose.SubMorningCheckIn, dose.SubSleepSummary,
	}
	for _, s := range subs {
		if Cooldown(Key{Type: dose.TypeAncillary, Subtype: s}) <= 0 {
			t.Errorf("subtype %s has no positive cooldown", s)
		}
	}
	if Cooldown(Key{Type: dose.TypeAncillary, Subtype: "future_thing"}) <= 0 {
		t.Error("unknown subtype must fall back to a positive default")
	}
}
