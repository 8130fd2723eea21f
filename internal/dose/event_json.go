package dose

import "encoding/json"

// eventJSON is the serialized shape; Type travels as its string name so the
// stored form stays readable and stable across enum reordering.
type eventJSON struct {
	ID          string  `json:"id"`
	Type        string  `json:"type"`
	Subtype     Subtype `json:"subtype,omitempty"`
	OccurredAt  int64   `json:"occurred_at_unix"`
	Nanos       int     `json:"occurred_at_nanos,omitempty"`
	LocalOffset int     `json:"local_offset"`
	Meta        Meta    `json:"meta,omitempty"`
	Pending     bool    `json:"pending"`
	Flagged     bool    `json:"flagged,omitempty"`
}

func (e Event) MarshalJSON() ([]byte, error) {
	return json.Marshal(eventJSON{
		ID:          e.ID,
		Type:        e.Type.String(),
		Subtype:     e.Subtype,
		OccurredAt:  e.OccurredAt.Unix(),
		Nanos:       e.OccurredAt.Nanosecond(),
		LocalOffset: e.LocalOffset,
		Meta:        e.Meta,
		Pending:     e.Pending,
		Flagged:     e.Flagged,
	})
}

func (e *Event) UnmarshalJSON(b []byte) error {
	var raw eventJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	typ, err := ParseType(raw.Type)
	if err != nil {
		return err
	}
	e.ID = raw.ID
	e.Type = typ
	e.Subtype = raw.Subtype
	e.OccurredAt = unixUTC(raw.OccurredAt, raw.Nanos)
	e.LocalOffset = raw.LocalOffset
	e.Meta = raw.Meta
	e.Pending = raw.Pending
	e.Flagged = raw.Flagged
	return nil
}
