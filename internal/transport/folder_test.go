package transport

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFolderTransportDeliverThenDuplicate(t *testing.T) {
	dir := t.TempDir()
	tr := NewFolder(dir, "device-1", nil)
	it := testItem()

	out, err := tr.Send(context.Background(), it)
	require.NoError(t, err)
	assert.Equal(t, Delivered, out)

	// The dropped object decodes back to the item.
	raw, err := os.ReadFile(filepath.Join(dir, "devices", "device-1", "events", it.IdempotencyKey+".dtevt"))
	require.NoError(t, err)
	_, back, err := DecodeEnvelope(raw, nil)
	require.NoError(t, err)
	assert.Equal(t, it, back)

	// Same key again: duplicate, not a rewrite.
	out, err = tr.Send(context.Background(), it)
	require.NoError(t, err)
	assert.Equal(t, Duplicate, out)
}

func TestFolderTransportSealed(t *testing.T) {
	dir := t.TempDir()
	k := testKey(t)
	tr := NewFolder(dir, "device-1", k)
	it := testItem()

	out, err := tr.Send(context.Background(), it)
	require.NoError(t, err)
	assert.Equal(t, Delivered, out)

	raw, err := os.ReadFile(filepath.Join(dir, "devices", "device-1", "events", it.IdempotencyKey+".dtevt"))
	require.NoError(t, err)
	h, back, err := DecodeEnvelope(raw, k)
	require.NoError(t, err)
	assert.NotEmpty(t, h.Crypto.WrappedKey)
	assert.Equal(t, it, back)
}

func TestFolderTransportCancelledContext(t *testing.T) {
	tr := NewFolder(t.TempDir(), "device-1", nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out, err := tr.Send(ctx, testItem())
	assert.Equal(t, Transient, out)
	assert.Error(t, err)
}

func TestFolderTransportNoPartialsLeftBehind(t *testing.T) {
	dir := t.TempDir()
	tr := NewFolder(dir, "device-1", nil)
	_, err := tr.Send(context.Background(), testItem())
	require.NoError(t, err)

	entries, err := os.ReadDir(filepath.Join(dir, "tmp"))
	require.NoError(t, err)
	assert.Empty(t, entries, "tmp dir should be drained after rename")
}
