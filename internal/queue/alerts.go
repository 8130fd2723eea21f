package queue

import "fmt"

// OverflowAlert reports that the bounded queue dropped its oldest unsent
// item. This is a data-loss event and must reach the caller.
type OverflowAlert struct {
	DroppedKey string
	EventID    string
	Depth      int
}

func (e *OverflowAlert) Error() string {
	return fmt.Sprintf("queue full (depth %d): dropped oldest unsent item %s (event %s)", e.Depth, e.DroppedKey, e.EventID)
}

// StalledWarning reports that the head item exhausted the retry ceiling. The
// item stays queued and replayable; delivery will keep being attempted.
type StalledWarning struct {
	Key      string
	Attempts int
}

func (e *StalledWarning) Error() string {
	return fmt.Sprintf("delivery stalled: item %s failed %d consecutive attempts", e.Key, e.Attempts)
}
