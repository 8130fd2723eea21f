package queue_test

// End-to-end coverage of the delivery pipeline: events enqueued through a
// sqlite-backed queue, sealed into envelopes by the folder transport, and
// recovered after a process restart.

import (
	"context"
	"crypto/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dosetap/dt/internal/clock"
	"github.com/dosetap/dt/internal/dose"
	"github.com/dosetap/dt/internal/queue"
	"github.com/dosetap/dt/internal/sqlite"
	"github.com/dosetap/dt/internal/transport"
)

func openStore(t *testing.T, path string) *sqlite.Store {
	t.Helper()
	st, err := sqlite.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func nightEvent(id string, typ dose.Type, at time.Time) dose.Event {
	return dose.Event{
		ID:          id,
		Type:        typ,
		OccurredAt:  at,
		LocalOffset: -14400,
		Meta:        dose.Meta{{K: "source", V: "cli"}},
		Pending:     true,
	}
}

func TestSealedDeliveryThroughFolder(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "dt.db")
	outbox := t.TempDir()
	st := openStore(t, dbPath)
	deviceID, err := st.DeviceID()
	require.NoError(t, err)

	key := make([]byte, 32)
	_, err = rand.Read(key)
	require.NoError(t, err)

	tr := transport.NewFolder(outbox, deviceID, key)
	q := queue.New(clock.SystemClock{}, st, tr, deviceID, queue.Options{})
	require.NoError(t, q.Rebuild())

	t0 := time.Date(2025, 6, 11, 2, 0, 0, 0, time.UTC)
	idemKey, err := q.Enqueue(nightEvent("ev-1", dose.TypeDose1, t0))
	require.NoError(t, err)

	n, err := q.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Zero(t, q.Depth())

	// The envelope on disk opens with the right key and matches the event.
	path := filepath.Join(outbox, "devices", deviceID, "events", idemKey+".dtevt")
	raw, err := os.ReadFile(path)
	require.NoError(t, err)

	hdr, it, err := transport.DecodeEnvelope(raw, key)
	require.NoError(t, err)
	assert.Equal(t, deviceID, hdr.DeviceID)
	assert.Equal(t, idemKey, it.IdempotencyKey)
	assert.Equal(t, "dose1", it.EventType)
	assert.True(t, it.OccurredAtUTC.Equal(t0))

	// The wrong key must not open it.
	wrong := make([]byte, 32)
	_, _, err = transport.DecodeEnvelope(raw, wrong)
	require.Error(t, err)

	// Replaying the same item is a duplicate, not a second file.
	require.NoError(t, st.SaveItem(queue.Item{
		Event:          nightEvent("ev-1", dose.TypeDose1, t0),
		IdempotencyKey: idemKey,
		Seq:            99,
		NextAttemptAt:  t0,
		State:          queue.StateQueued,
	}))
	require.NoError(t, q.Rebuild())
	n, err = q.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n, "duplicate completes without error")
}

func TestQueueSurvivesRestart(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "dt.db")
	outbox := t.TempDir()

	t0 := time.Date(2025, 6, 11, 2, 0, 0, 0, time.UTC)
	var deviceID string
	var keys []string

	// First process: enqueue three events offline, deliver none.
	{
		st := openStore(t, dbPath)
		var err error
		deviceID, err = st.DeviceID()
		require.NoError(t, err)

		q := queue.New(clock.SystemClock{}, st, nil, deviceID, queue.Options{})
		require.NoError(t, q.Rebuild())
		for i, typ := range []dose.Type{dose.TypeDose1, dose.TypeSnooze, dose.TypeDose2} {
			k, err := q.Enqueue(nightEvent(string(rune('a'+i)), typ, t0.Add(time.Duration(i)*time.Minute)))
			require.NoError(t, err)
			keys = append(keys, k)
		}
		assert.Equal(t, 3, q.Depth())
	}

	// Second process: rebuild from the same db and drain to a folder.
	st := openStore(t, dbPath)
	tr := transport.NewFolder(outbox, deviceID, nil)
	q := queue.New(clock.SystemClock{}, st, tr, deviceID, queue.Options{})
	require.NoError(t, q.Rebuild())
	assert.Equal(t, 3, q.Depth())

	n, err := q.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	// All three envelopes landed, in their original identity.
	for _, k := range keys {
		path := filepath.Join(outbox, "devices", deviceID, "events", k+".dtevt")
		_, err := os.Stat(path)
		assert.NoError(t, err, "missing envelope for %s", k)
	}

	// Nothing left persisted.
	items, err := st.ListItems()
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestRestartPreservesOrder(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "dt.db")
	st := openStore(t, dbPath)
	deviceID, err := st.DeviceID()
	require.NoError(t, err)

	q := queue.New(clock.SystemClock{}, st, nil, deviceID, queue.Options{})
	require.NoError(t, q.Rebuild())

	t0 := time.Date(2025, 6, 11, 2, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		_, err := q.Enqueue(nightEvent(string(rune('a'+i)), dose.TypeAncillary, t0.Add(time.Duration(i)*time.Second)))
		require.NoError(t, err)
	}

	items, err := st.ListItems()
	require.NoError(t, err)
	require.Len(t, items, 5)
	for i := 1; i < len(items); i++ {
		assert.Greater(t, items[i].Seq, items[i-1].Seq, "persisted order must follow enqueue order")
	}
	assert.Equal(t, "a", items[0].Event.ID)
	assert.Equal(t, "e", items[4].Event.ID)
}
