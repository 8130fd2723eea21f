package sqlite

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dosetap/dt/internal/dose"
	"github.com/dosetap/dt/internal/queue"
)

var t0 = time.Date(2025, 6, 10, 22, 0, 0, 0, time.UTC)

func openTest(t *testing.T) *Store {
	t.Helper()
	st, err := Open(filepath.Join(t.TempDir(), "dt.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func TestOpenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dt.db")
	st1, err := Open(path)
	require.NoError(t, err)
	id1, err := st1.DeviceID()
	require.NoError(t, err)
	require.NotEmpty(t, id1)
	require.NoError(t, st1.Close())

	st2, err := Open(path)
	require.NoError(t, err)
	defer st2.Close()
	id2, err := st2.DeviceID()
	require.NoError(t, err)
	assert.Equal(t, id1, id2, "device id must survive reopen")
}

func TestAppendAndListEvents(t *testing.T) {
	st := openTest(t)
	ev := dose.Event{
		ID:          "ev-1",
		Type:        dose.TypeDose1,
		OccurredAt:  t0,
		LocalOffset: -14400,
		Meta:        dose.Meta{{K: "source", V: "cli"}, {K: "note", V: "with dinner"}},
		Pending:     true,
	}
	require.NoError(t, st.AppendEvent("2025-06-10", ev))
	// Re-append is a no-op, not an error.
	require.NoError(t, st.AppendEvent("2025-06-10", ev))

	evs, err := st.ListEvents("2025-06-10")
	require.NoError(t, err)
	require.Len(t, evs, 1)
	got := evs[0]
	assert.Equal(t, ev.ID, got.ID)
	assert.Equal(t, dose.TypeDose1, got.Type)
	assert.True(t, got.OccurredAt.Equal(t0))
	assert.Equal(t, -14400, got.LocalOffset)
	assert.Equal(t, ev.Meta, got.Meta, "metadata order must survive storage")
	assert.True(t, got.Pending)
}

func TestMarkDelivered(t *testing.T) {
	st := openTest(t)
	ev := dose.Event{ID: "ev-1", Type: dose.TypeSnooze, OccurredAt: t0, Pending: true}
	require.NoError(t, st.AppendEvent("2025-06-10", ev))
	require.NoError(t, st.MarkDelivered("ev-1"))

	evs, err := st.ListEvents("2025-06-10")
	require.NoError(t, err)
	assert.False(t, evs[0].Pending)
}

func TestSessionRoundTripAndOpenSelection(t *testing.T) {
	st := openTest(t)
	require.NoError(t, st.UpsertSession(&dose.Session{Key: "2025-06-09", Dose2Skipped: true}))

	d1 := t0
	sess := &dose.Session{Key: "2025-06-10", Dose1At: &d1, SnoozeCount: 2}
	require.NoError(t, st.UpsertSession(sess))
	require.NoError(t, st.AppendEvent("2025-06-10", dose.Event{ID: "e1", Type: dose.TypeDose1, OccurredAt: t0}))

	open, err := st.LoadOpenSession()
	require.NoError(t, err)
	require.NotNil(t, open)
	assert.Equal(t, "2025-06-10", open.Key, "newest unarchived session wins")
	require.NotNil(t, open.Dose1At)
	assert.True(t, open.Dose1At.Equal(d1))
	assert.Equal(t, 2, open.SnoozeCount)
	assert.Len(t, open.Events, 1)

	// Update in place.
	d2 := t0.Add(165 * time.Minute)
	sess.Dose2At = &d2
	require.NoError(t, st.UpsertSession(sess))
	open, err = st.LoadOpenSession()
	require.NoError(t, err)
	require.NotNil(t, open.Dose2At)
	assert.True(t, open.Dose2At.Equal(d2))

	// Archive both; no open session remains.
	require.NoError(t, st.ArchiveSession("2025-06-10"))
	require.NoError(t, st.ArchiveSession("2025-06-09"))
	open, err = st.LoadOpenSession()
	require.NoError(t, err)
	assert.Nil(t, open)
}

func TestListSessionsNewestFirst(t *testing.T) {
	st := openTest(t)
	for _, key := range []string{"2025-06-08", "2025-06-10", "2025-06-09"} {
		require.NoError(t, st.UpsertSession(&dose.Session{Key: key}))
	}
	sessions, err := st.ListSessions(2)
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, "2025-06-10", sessions[0].Key)
	assert.Equal(t, "2025-06-09", sessions[1].Key)
}

func TestQueueItemLifecycle(t *testing.T) {
	st := openTest(t)
	seq, err := st.NextSeq()
	require.NoError(t, err)
	assert.Equal(t, int64(1), seq)
	seq, err = st.NextSeq()
	require.NoError(t, err)
	assert.Equal(t, int64(2), seq, "sequence must be monotonic")

	ev := dose.Event{ID: "ev-1", Type: dose.TypeDose2, OccurredAt: t0, Pending: true, Flagged: true}
	it := queue.Item{
		Event:          ev,
		IdempotencyKey: "key-1",
		Seq:            seq,
		Attempt:        1,
		NextAttemptAt:  t0.Add(2 * time.Second),
		State:          queue.StateQueued,
	}
	require.NoError(t, st.SaveItem(it))

	// Save again with bumped attempt: upsert, not duplicate.
	it.Attempt = 2
	require.NoError(t, st.SaveItem(it))

	items, err := st.ListItems()
	require.NoError(t, err)
	require.Len(t, items, 1)
	got := items[0]
	assert.Equal(t, "key-1", got.IdempotencyKey)
	assert.Equal(t, 2, got.Attempt)
	assert.Equal(t, queue.StateQueued, got.State)
	assert.Equal(t, "ev-1", got.Event.ID)
	assert.True(t, got.Event.Flagged)
	assert.True(t, got.NextAttemptAt.Equal(t0.Add(2*time.Second)))

	require.NoError(t, st.DeleteItem("key-1"))
	require.NoError(t, st.DeleteItem("key-1"), "deleting a missing key is a no-op")
	items, err = st.ListItems()
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestListItemsOrderedBySeq(t *testing.T) {
	st := openTest(t)
	for i, key := range []string{"c", "a", "b"} {
		require.NoError(t, st.SaveItem(queue.Item{
			Event:          dose.Event{ID: key, Type: dose.TypeSnooze, OccurredAt: t0},
			IdempotencyKey: key,
			Seq:            int64(3 - i),
			NextAttemptAt:  t0,
			State:          queue.StateQueued,
		}))
	}
	items, err := st.ListItems()
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.Equal(t, int64(1), items[0].Seq)
	assert.Equal(t, int64(3), items[2].Seq)
}

func TestRetentionQueries(t *testing.T) {
	st := openTest(t)
	old := dose.Event{ID: "old", Type: dose.TypeDose1, OccurredAt: t0.AddDate(-2, 0, 0)}
	oldPending := dose.Event{ID: "old-pending", Type: dose.TypeDose2, OccurredAt: t0.AddDate(-2, 0, 0), Pending: true}
	fresh := dose.Event{ID: "fresh", Type: dose.TypeDose1, OccurredAt: t0}
	for _, ev := range []dose.Event{old, oldPending, fresh} {
		require.NoError(t, st.AppendEvent("some-night", ev))
	}

	cutoff := t0.AddDate(-1, 0, 0)
	evs, err := st.EventsBefore(cutoff)
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, "old", evs[0].ID, "pending events are not prunable")

	n, err := st.DeleteEventsBefore(cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	left, err := st.ListEvents("some-night")
	require.NoError(t, err)
	assert.Len(t, left, 2)
}

func TestRecentEventsNewestFirst(t *testing.T) {
	st := openTest(t)
	for i := 0; i < 5; i++ {
		require.NoError(t, st.AppendEvent("night", dose.Event{
			ID:         string(rune('a' + i)),
			Type:       dose.TypeAncillary,
			Subtype:    dose.SubBathroom,
			OccurredAt: t0.Add(time.Duration(i) * time.Minute),
		}))
	}
	evs, err := st.RecentEvents(3)
	require.NoError(t, err)
	require.Len(t, evs, 3)
	assert.Equal(t, "e", evs[0].ID)
	assert.Equal(t, "c", evs[2].ID)
}
