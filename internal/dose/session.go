package dose

import "time"

// SessionKey buckets an instant into the night it belongs to. The instant is
// converted to wall-clock time in loc; before rolloverHour it still counts as
// the previous calendar day's night (a 1:30 AM dose 2 belongs to the prior
// evening). Real timezone rules are used, so DST shifts and travel change the
// bucketing without touching recorded UTC instants. Pure and total.
func SessionKey(at time.Time, loc *time.Location, rolloverHour int) string {
	local := at.In(loc)
	if local.Hour() < rolloverHour {
		local = local.AddDate(0, 0, -1)
	}
	return local.Format("2006-01-02")
}

// Session is the derived per-night state. One writer (the orchestrator)
// mutates it; everyone else works on snapshot copies.
type Session struct {
	Key          string
	Dose1At      *time.Time
	Dose2At      *time.Time
	Dose2Skipped bool
	SnoozeCount  int
	Events       []Event
}

// Closed reports whether dose 2 was resolved (taken or skipped). A closed
// session accepts no further dose1/dose2/snooze events; ancillary logging
// may still occur.
func (s *Session) Closed() bool {
	return s.Dose2At != nil || s.Dose2Skipped
}

// Clone returns a consistent snapshot copy.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	out := &Session{
		Key:          s.Key,
		Dose2Skipped: s.Dose2Skipped,
		SnoozeCount:  s.SnoozeCount,
	}
	if s.Dose1At != nil {
		t := *s.Dose1At
		out.Dose1At = &t
	}
	if s.Dose2At != nil {
		t := *s.Dose2At
		out.Dose2At = &t
	}
	out.Events = make([]Event, 0, len(s.Events))
	for _, e := range s.Events {
		out.Events = append(out.Events, e.Clone())
	}
	return out
}

// unixUTC builds a UTC instant from unix seconds plus nanos.
func unixUTC(sec int64, nanos int) time.Time {
	return time.Unix(sec, int64(nanos)).UTC()
}
