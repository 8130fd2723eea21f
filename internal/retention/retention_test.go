package retention

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dosetap/dt/internal/dose"
)

type fakeStore struct {
	events     []dose.Event
	failDelete bool
}

func (f *fakeStore) EventsBefore(cutoff time.Time) ([]dose.Event, error) {
	var out []dose.Event
	for _, ev := range f.events {
		if !ev.Pending && ev.OccurredAt.Before(cutoff) {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (f *fakeStore) DeleteEventsBefore(cutoff time.Time) (int64, error) {
	if f.failDelete {
		return 0, errors.New("disk on fire")
	}
	var kept []dose.Event
	var n int64
	for _, ev := range f.events {
		if !ev.Pending && ev.OccurredAt.Before(cutoff) {
			n++
			continue
		}
		kept = append(kept, ev)
	}
	f.events = kept
	return n, nil
}

var now = time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

func oldEvent(id string, age time.Duration, pending bool) dose.Event {
	return dose.Event{
		ID:         id,
		Type:       dose.TypeDose1,
		OccurredAt: now.Add(-age),
		Meta:       dose.Meta{{K: "source", V: "cli"}},
		Pending:    pending,
	}
}

func TestPruneDeletesOnlyOldDelivered(t *testing.T) {
	st := &fakeStore{events: []dose.Event{
		oldEvent("ancient", 400*24*time.Hour, false),
		oldEvent("ancient-pending", 400*24*time.Hour, true),
		oldEvent("fresh", 24*time.Hour, false),
	}}

	n, err := PruneEvents(st, Options{RetentionDays: 365, Now: now})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	require.Len(t, st.events, 2)
	assert.Equal(t, "ancient-pending", st.events[0].ID)
	assert.Equal(t, "fresh", st.events[1].ID)
}

func TestPruneDisabledByZeroRetention(t *testing.T) {
	st := &fakeStore{events: []dose.Event{oldEvent("ancient", 400*24*time.Hour, false)}}
	n, err := PruneEvents(st, Options{RetentionDays: 0, Now: now})
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Len(t, st.events, 1)
}

func TestPruneArchivesBeforeDeleting(t *testing.T) {
	dir := t.TempDir()
	ev := oldEvent("ancient", 400*24*time.Hour, false)
	st := &fakeStore{events: []dose.Event{ev}}

	n, err := PruneEvents(st, Options{RetentionDays: 365, ArchiveDir: dir, Now: now})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	// Exactly one sharded archive file, decodable back to the batch.
	var paths []string
	err = filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err == nil && !d.IsDir() {
			paths = append(paths, path)
		}
		return err
	})
	require.NoError(t, err)
	require.Len(t, paths, 1)
	assert.Equal(t, ".dtarc", filepath.Ext(paths[0]))

	got, err := ReadArchive(paths[0])
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, ev.ID, got[0].ID)
	assert.True(t, got[0].OccurredAt.Equal(ev.OccurredAt))
	assert.Equal(t, ev.Meta, got[0].Meta)
}

func TestPruneArchiveFailureKeepsEvents(t *testing.T) {
	// Archive dir is a file, so MkdirAll fails.
	dir := filepath.Join(t.TempDir(), "blocked")
	require.NoError(t, os.WriteFile(dir, []byte("x"), 0o644))

	st := &fakeStore{events: []dose.Event{oldEvent("ancient", 400*24*time.Hour, false)}}
	_, err := PruneEvents(st, Options{RetentionDays: 365, ArchiveDir: dir, Now: now})
	require.Error(t, err)
	assert.Len(t, st.events, 1, "a failed archive must not lose events")
}

func TestArchiveDedupesSameBatch(t *testing.T) {
	dir := t.TempDir()
	evs := []dose.Event{oldEvent("a", time.Hour, false)}

	p1, err := archiveBatch(dir, evs)
	require.NoError(t, err)
	p2, err := archiveBatch(dir, evs)
	require.NoError(t, err)
	assert.Equal(t, p1, p2)
}

func TestReadArchiveRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.dtarc")
	require.NoError(t, os.WriteFile(path, []byte("not zstd"), 0o644))
	_, err := ReadArchive(path)
	require.Error(t, err)
}
