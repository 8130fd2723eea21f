package transport

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
)

// FolderTransport drops envelopes into a local directory: tmp write, fsync,
// rename. Used by tests and air-gapped setups where a courier directory (or
// a synced folder) stands in for the network.
type FolderTransport struct {
	root     string
	deviceID string
	kMaster  []byte
}

// NewFolder returns a transport rooted at dir.
func NewFolder(root, deviceID string, kMaster []byte) *FolderTransport {
	return &FolderTransport{root: root, deviceID: deviceID, kMaster: kMaster}
}

func (t *FolderTransport) path(idempotencyKey string) string {
	return filepath.Join(t.root, "devices", t.deviceID, "events", idempotencyKey+".dtevt")
}

// Send implements Transport. An existing object for the key is a Duplicate.
func (t *FolderTransport) Send(ctx context.Context, it Item) (Outcome, error) {
	if err := ctx.Err(); err != nil {
		return Transient, err
	}
	final := t.path(it.IdempotencyKey)
	if _, err := os.Stat(final); err == nil {
		return Duplicate, nil
	}

	raw, err := EncodeEnvelope(it, t.deviceID, t.kMaster)
	if err != nil {
		return Permanent, fmt.Errorf("encode envelope: %w", err)
	}

	tmpDir := filepath.Join(t.root, "tmp")
	if err := os.MkdirAll(tmpDir, 0755); err != nil {
		return Transient, err
	}
	if err := os.MkdirAll(filepath.Dir(final), 0755); err != nil {
		return Transient, err
	}
	b := make([]byte, 8)
	rand.Read(b)
	tmp := filepath.Join(tmpDir, hex.EncodeToString(b)+".partial")

	fh, err := os.Create(tmp)
	if err != nil {
		return Transient, err
	}
	if _, err := fh.Write(raw); err != nil {
		fh.Close()
		os.Remove(tmp)
		return Transient, err
	}
	if err := fh.Sync(); err != nil {
		fh.Close()
		os.Remove(tmp)
		return Transient, err
	}
	if err := fh.Close(); err != nil {
		os.Remove(tmp)
		return Transient, err
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return Transient, fmt.Errorf("atomic rename: %w", err)
	}
	return Delivered, nil
}
