package transport

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"golang.org/x/crypto/chacha20poly1305"
)

// Object wire format: 4-byte big-endian header length | header JSON | body.
// Body is the zstd-compressed item JSON, optionally sealed with
// XChaCha20-Poly1305 under a per-object key wrapped by the device master key.
// The header bytes are the AEAD associated data.

const (
	Magic   = "DTOBJ"
	Version = 0

	KeySize   = 32
	NonceSize = 24 // XChaCha20-Poly1305
)

// Header describes one envelope.
type Header struct {
	Magic          string    `json:"magic"`
	Version        int       `json:"version"`
	DeviceID       string    `json:"device_id"`
	IdempotencyKey string    `json:"idempotency_key"`
	Crypto         CryptoEnv `json:"crypto,omitempty"`
}

// CryptoEnv is empty for plaintext envelopes.
type CryptoEnv struct {
	NonceHex   string `json:"nonce_hex,omitempty"`
	WrappedKey string `json:"wrapped_key,omitempty"`
}

// EncodeEnvelope serializes it into a .dtevt object. When kMaster is non-nil
// the body is sealed; a 32-byte key is required.
func EncodeEnvelope(it Item, deviceID string, kMaster []byte) ([]byte, error) {
	plain, err := json.Marshal(it)
	if err != nil {
		return nil, err
	}
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, err
	}
	compressed := enc.EncodeAll(plain, nil)
	enc.Close()

	h := Header{Magic: Magic, Version: Version, DeviceID: deviceID, IdempotencyKey: it.IdempotencyKey}
	if kMaster == nil {
		headerBytes, err := json.Marshal(h)
		if err != nil {
			return nil, err
		}
		return marshalObject(headerBytes, compressed), nil
	}

	if len(kMaster) != KeySize {
		return nil, fmt.Errorf("master key must be %d bytes", KeySize)
	}
	kObj := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, kObj); err != nil {
		return nil, err
	}
	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	wrapped, err := wrapKey(kMaster, kObj)
	if err != nil {
		return nil, err
	}
	h.Crypto = CryptoEnv{
		NonceHex:   hex.EncodeToString(nonce),
		WrappedKey: hex.EncodeToString(wrapped),
	}
	headerBytes, err := json.Marshal(h)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(kObj)
	if err != nil {
		return nil, err
	}
	body := aead.Seal(nil, nonce, compressed, headerBytes)
	return marshalObject(headerBytes, body), nil
}

// DecodeEnvelope parses and, when sealed, decrypts an envelope.
func DecodeEnvelope(raw, kMaster []byte) (*Header, Item, error) {
	var it Item
	h, body, err := decodeObject(raw)
	if err != nil {
		return nil, it, err
	}
	compressed := body
	if h.Crypto.NonceHex != "" {
		if kMaster == nil {
			return nil, it, fmt.Errorf("envelope is sealed, no master key")
		}
		headerBytes, err := json.Marshal(h)
		if err != nil {
			return nil, it, err
		}
		nonce, err := hex.DecodeString(h.Crypto.NonceHex)
		if err != nil {
			return nil, it, fmt.Errorf("nonce: %w", err)
		}
		wrapped, err := hex.DecodeString(h.Crypto.WrappedKey)
		if err != nil {
			return nil, it, fmt.Errorf("wrapped key: %w", err)
		}
		kObj, err := unwrapKey(kMaster, wrapped)
		if err != nil {
			return nil, it, err
		}
		aead, err := chacha20poly1305.NewX(kObj)
		if err != nil {
			return nil, it, err
		}
		compressed, err = aead.Open(nil, nonce, body, headerBytes)
		if err != nil {
			return nil, it, fmt.Errorf("open body: %w", err)
		}
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, it, err
	}
	defer dec.Close()
	plain, err := dec.DecodeAll(compressed, nil)
	if err != nil {
		return nil, it, fmt.Errorf("decompress body: %w", err)
	}
	if err := json.Unmarshal(plain, &it); err != nil {
		return nil, it, fmt.Errorf("parse item: %w", err)
	}
	return h, it, nil
}

func marshalObject(header, body []byte) []byte {
	buf := make([]byte, 4, 4+len(header)+len(body))
	binary.BigEndian.PutUint32(buf[:4], uint32(len(header)))
	buf = append(buf, header...)
	return append(buf, body...)
}

func decodeObject(raw []byte) (*Header, []byte, error) {
	if len(raw) < 4 {
		return nil, nil, fmt.Errorf("object too short")
	}
	headerLen := binary.BigEndian.Uint32(raw[:4])
	if headerLen > 1024*1024 {
		return nil, nil, fmt.Errorf("header too long")
	}
	if len(raw) < 4+int(headerLen) {
		return nil, nil, fmt.Errorf("truncated object")
	}
	var h Header
	if err := json.Unmarshal(raw[4:4+headerLen], &h); err != nil {
		return nil, nil, fmt.Errorf("parse header: %w", err)
	}
	if h.Magic != Magic || h.Version != Version {
		return nil, nil, fmt.Errorf("invalid magic/version")
	}
	return &h, raw[4+headerLen:], nil
}

// wrapKey seals kObj with kMaster. Returns nonce|sealed.
func wrapKey(kMaster, kObj []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(kMaster)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return append(nonce, aead.Seal(nil, nonce, kObj, nil)...), nil
}

func unwrapKey(kMaster, wrapped []byte) ([]byte, error) {
	if len(kMaster) != KeySize {
		return nil, fmt.Errorf("master key must be %d bytes", KeySize)
	}
	if len(wrapped) < NonceSize+KeySize+16 {
		return nil, fmt.Errorf("wrapped key too short")
	}
	aead, err := chacha20poly1305.NewX(kMaster)
	if err != nil {
		return nil, err
	}
	kObj, err := aead.Open(nil, wrapped[:NonceSize], wrapped[NonceSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("unwrap key: %w", err)
	}
	if len(kObj) != KeySize {
		return nil, fmt.Errorf("unwrapped key wrong size")
	}
	return kObj, nil
}
