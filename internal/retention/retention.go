// Package retention prunes delivered events past the retention horizon,
// optionally archiving each pruned batch to disk first.
package retention

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/dosetap/dt/internal/dose"
)

// Store is the slice of event storage pruning needs. Undelivered events are
// never returned and never deleted, regardless of age.
type Store interface {
	EventsBefore(cutoff time.Time) ([]dose.Event, error)
	DeleteEventsBefore(cutoff time.Time) (int64, error)
}

// Options controls a prune pass.
type Options struct {
	RetentionDays int
	ArchiveDir    string // when set, pruned batches are archived before deletion
	Now           time.Time
}

// PruneEvents deletes delivered events older than RetentionDays. When an
// archive dir is configured the batch is written there first and a failed
// archive aborts the pass, so nothing is lost. Returns count deleted.
func PruneEvents(st Store, opts Options) (int64, error) {
	if opts.RetentionDays <= 0 {
		return 0, nil
	}
	now := opts.Now
	if now.IsZero() {
		now = time.Now()
	}
	cutoff := now.AddDate(0, 0, -opts.RetentionDays)

	evs, err := st.EventsBefore(cutoff)
	if err != nil {
		return 0, fmt.Errorf("list prunable events: %w", err)
	}
	if len(evs) == 0 {
		return 0, nil
	}

	if opts.ArchiveDir != "" {
		path, err := archiveBatch(opts.ArchiveDir, evs)
		if err != nil {
			return 0, fmt.Errorf("archive before prune: %w", err)
		}
		log.Printf("[retention] archived %d events to %s", len(evs), path)
	}

	n, err := st.DeleteEventsBefore(cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete pruned events: %w", err)
	}
	return n, nil
}

// archiveBatch writes the batch as zstd-compressed JSON, content-addressed by
// sha256 so a re-run of the same batch dedupes. Returns the archive path.
func archiveBatch(dir string, evs []dose.Event) (string, error) {
	raw, err := json.Marshal(evs)
	if err != nil {
		return "", err
	}
	h := sha256.Sum256(raw)
	sum := hex.EncodeToString(h[:])

	subDir := filepath.Join(dir, sum[:2])
	if err := os.MkdirAll(subDir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(subDir, sum+".dtarc")
	if _, err := os.Stat(path); err == nil {
		return path, nil
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return "", err
	}
	compressed := enc.EncodeAll(raw, nil)
	enc.Close()

	tmp := path + ".partial"
	f, err := os.Create(tmp)
	if err != nil {
		return "", err
	}
	if _, err := f.Write(compressed); err != nil {
		f.Close()
		os.Remove(tmp)
		return "", err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return "", err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", err
	}
	return path, nil
}

// ReadArchive decodes an archive file back into events.
func ReadArchive(path string) ([]dose.Event, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	defer dec.Close()
	raw, err := dec.DecodeAll(b, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress archive: %w", err)
	}
	var evs []dose.Event
	if err := json.Unmarshal(raw, &evs); err != nil {
		return nil, fmt.Errorf("decode archive: %w", err)
	}
	return evs, nil
}
