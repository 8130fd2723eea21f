// Package dose defines the domain model for the twice-nightly regimen:
// events, sessions, the dosing config, and the storage contract.
package dose

import (
	"fmt"
	"time"
)

// Type is the closed set of event kinds. Keeping it a tagged enum (not free
// strings) lets switches over it be checked for missing cases.
type Type int

const (
	TypeDose1 Type = iota
	TypeDose2
	TypeSnooze
	TypeSkip
	TypeAncillary
)

func (t Type) String() string {
	switch t {
	case TypeDose1:
		return "dose1"
	case TypeDose2:
		return "dose2"
	case TypeSnooze:
		return "snooze"
	case TypeSkip:
		return "skip"
	case TypeAncillary:
		return "ancillary"
	}
	return fmt.Sprintf("type(%d)", int(t))
}

// ParseType maps the wire/storage name back to a Type.
func ParseType(s string) (Type, error) {
	switch s {
	case "dose1":
		return TypeDose1, nil
	case "dose2":
		return TypeDose2, nil
	case "snooze":
		return TypeSnooze, nil
	case "skip":
		return TypeSkip, nil
	case "ancillary":
		return TypeAncillary, nil
	}
	return 0, fmt.Errorf("unknown event type %q", s)
}

// Subtype refines TypeAncillary. New subtypes are added here; the rate
// limiter's cooldown table switches over these values.
type Subtype string

const (
	SubNone           Subtype = ""
	SubLightsOut      Subtype = "lights_out"
	SubFinalWake      Subtype = "final_wake"
	SubBathroom       Subtype = "bathroom"
	SubSnack          Subtype = "snack"
	SubPreSleepLog    Subtype = "pre_sleep_log"
	SubMorningCheckIn Subtype = "morning_check_in"
	SubSleepSummary   Subtype = "sleep_summary"
)

// MetaPair is one metadata entry. Metadata is an ordered list, not a map:
// insertion order is preserved and participates in the event content hash.
type MetaPair struct {
	K string `json:"k"`
	V string `json:"v"`
}

// Meta is ordered event metadata.
type Meta []MetaPair

// Get returns the value for key k and whether it was present.
func (m Meta) Get(k string) (string, bool) {
	for _, p := range m {
		if p.K == k {
			return p.V, true
		}
	}
	return "", false
}

// Set replaces the value for k in place, or appends a new pair.
func (m *Meta) Set(k, v string) {
	for i := range *m {
		if (*m)[i].K == k {
			(*m)[i].V = v
			return
		}
	}
	*m = append(*m, MetaPair{K: k, V: v})
}

// Event is one user action. Append-only: once durably dispatched it is never
// mutated, only pruned by retention.
type Event struct {
	ID          string
	Type        Type
	Subtype     Subtype
	OccurredAt  time.Time // UTC
	LocalOffset int       // seconds east of UTC at occurrence
	Meta        Meta
	Pending     bool
	Flagged     bool // dose-2 recorded outside the clamp
}

// Clone returns a deep copy (metadata included).
func (e Event) Clone() Event {
	out := e
	out.Meta = append(Meta(nil), e.Meta...)
	return out
}
