package dose

import (
	"encoding/json"
	"testing"
	"time"
)

func TestMetaPreservesOrder(t *testing.T) {
	var m Meta
	m.Set("b", "2")
	m.Set("a", "1")
	m.Set("b", "22")

	if len(m) != 2 {
		t.Fatalf("len = %d, want 2", len(m))
	}
	if m[0].K != "b" || m[0].V != "22" {
		t.Errorf("m[0] = %+v, want b=22 (set replaces in place)", m[0])
	}
	if m[1].K != "a" {
		t.Errorf("m[1] = %+v, want a first inserted second", m[1])
	}
	if v, ok := m.Get("a"); !ok || v != "1" {
		t.Errorf("Get(a) = %q,%v", v, ok)
	}
	if _, ok := m.Get("missing"); ok {
		t.Error("Get(missing) should report absent")
	}
}

func TestEventJSONRoundTrip(t *testing.T) {
	at := time.Date(2025, 6, 10, 22, 0, 0, 123456789, time.UTC)
	ev := Event{
		ID:          "ev-1",
		Type:        TypeDose2,
		OccurredAt:  at,
		LocalOffset: -4 * 3600,
		Meta:        Meta{{K: "offset_min", V: "151"}},
		Pending:     true,
		Flagged:     true,
	}
	b, err := json.Marshal(ev)
	if err != nil {
		t.Fatal(err)
	}
	var back Event
	if err := json.Unmarshal(b, &back); err != nil {
		t.Fatal(err)
	}
	if back.Type != TypeDose2 || !back.OccurredAt.Equal(at) || back.LocalOffset != ev.LocalOffset {
		t.Errorf("round trip mismatch: %+v", back)
	}
	if !back.Flagged || !back.Pending {
		t.Error("flags lost in round trip")
	}
	if v, _ := back.Meta.Get("offset_min"); v != "151" {
		t.Error("metadata lost in round trip")
	}
}

func TestParseTypeRejectsUnknown(t *testing.T) {
	for _, typ := range []Type{TypeDose1, TypeDose2, TypeSnooze, TypeSkip, TypeAncillary} {
		got, err := ParseType(typ.String())
		if err != nil || got != typ {
			t.Errorf("ParseType(%s) = %v, %v", typ, got, err)
		}
	}
	if _, err := ParseType("lights_out"); err == nil {
		t.Error("subtype name must not parse as a type")
	}
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}

	bad := cfg
	bad.TargetOffset = 170 * time.Minute
	if err := bad.Validate(); err == nil {
		t.Error("off-grid target accepted")
	}

	bad = cfg
	bad.UndoWindow = 2 * time.Second
	if err := bad.Validate(); err == nil {
		t.Error("undo window below 3s accepted")
	}
	bad.UndoWindow = 11 * time.Second
	if err := bad.Validate(); err == nil {
		t.Error("undo window above 10s accepted")
	}

	bad = cfg
	bad.RolloverHour = 24
	if err := bad.Validate(); err == nil {
		t.Error("rollover hour 24 accepted")
	}
}
