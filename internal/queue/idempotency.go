package queue

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"

	"github.com/dosetap/dt/internal/dose"
)

// IdempotencyKey derives the stable delivery key:
// sha256(deviceID \x00 seq \x00 contentHash(event)), hex-encoded. The device
// sequence makes retried sends of the same event collide server-side while
// distinct events, even byte-identical ones, never share a key.
func IdempotencyKey(deviceID string, seq int64, ev dose.Event) string {
	h := sha256.New()
	h.Write([]byte(deviceID))
	h.Write([]byte{0})
	var seqBuf [8]byte
	binary.BigEndian.PutUint64(seqBuf[:], uint64(seq))
	h.Write(seqBuf[:])
	h.Write([]byte{0})
	h.Write([]byte(ContentHash(ev)))
	return hex.EncodeToString(h.Sum(nil))
}

// ContentHash digests the event's delivered content: id, type, subtype, UTC
// instant, local offset, and metadata in insertion order. The pending and
// flagged markers are deliberately excluded; they are bookkeeping, not
// content.
func ContentHash(ev dose.Event) string {
	h := sha256.New()
	h.Write([]byte(ev.ID))
	h.Write([]byte{0})
	h.Write([]byte(ev.Type.String()))
	h.Write([]byte{0})
	h.Write([]byte(ev.Subtype))
	h.Write([]byte{0})
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(ev.OccurredAt.UTC().UnixNano()))
	h.Write(buf[:])
	binary.BigEndian.PutUint64(buf[:], uint64(int64(ev.LocalOffset)))
	h.Write(buf[:])
	for _, p := range ev.Meta {
		h.Write([]byte{0})
		h.Write([]byte(p.K))
		h.Write([]byte{1})
		h.Write([]byte(p.V))
	}
	return hex.EncodeToString(h.Sum(nil))
}
