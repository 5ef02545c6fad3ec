package ledger

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"time"
)

// HashSize is the length in bytes of block hashes (SHA-256).
const HashSize = sha256.Size

// Hash is a SHA-256 block digest.
type Hash [HashSize]byte

// GenesisSentinel is the previous-hash of block 0 and the head of an empty
// chain.
var GenesisSentinel = Hash{}

// String returns the lowercase hex encoding of h.
func (h Hash) String() string { return hex.EncodeToString(h[:]) }

// Short returns the first 12 hex characters, for log lines.
func (h Hash) Short() string { return h.String()[:12] }

// IsZero reports whether h is the genesis sentinel.
func (h Hash) IsZero() bool { return h == GenesisSentinel }

// MarshalText implements encoding.TextMarshaler.
func (h Hash) MarshalText() ([]byte, error) { return []byte(h.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (h *Hash) UnmarshalText(b []byte) error {
	parsed, err := ParseHash(string(b))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// ParseHash decodes a 64-character hex string.
func ParseHash(s string) (Hash, error) {
	var h Hash
	b, err := hex.DecodeString(s)
	if err != nil {
		return h, fmt.Errorf("parse hash: %w", err)
	}
	if len(b) != HashSize {
		return h, fmt.Errorf("parse hash: want %d bytes, got %d", HashSize, len(b))
	}
	copy(h[:], b)
	return h, nil
}

// HashFromBytes copies a 32-byte slice into a Hash.
func HashFromBytes(b []byte) (Hash, error) {
	var h Hash
	if len(b) != HashSize {
		return h, fmt.Errorf("hash: want %d bytes, got %d", HashSize, len(b))
	}
	copy(h[:], b)
	return h, nil
}

// Block is an immutable, hash-sealed group of one or more events.
type Block struct {
	Index        uint64    `json:"index"`
	PreviousHash Hash      `json:"previous_hash"`
	Events       []Event   `json:"events"`
	SealedAt     time.Time `json:"sealed_at"`
	Hash         Hash      `json:"hash"`
}

// References reports whether any event in b is about recordID.
func (b *Block) References(recordID string) bool {
	for _, e := range b.Events {
		if e.RecordID == recordID {
			return true
		}
	}
	return false
}

// Seal builds a block at index on top of previousHash and computes its hash.
// Events keep their submission order. Sealing does no work search; its cost
// is linear in the encoded size of the events.
func Seal(events []Event, previousHash Hash, index uint64, sealedAt time.Time) (*Block, error) {
	if len(events) == 0 {
		return nil, ErrEmptyBlock
	}
	b := &Block{
		Index:        index,
		PreviousHash: previousHash,
		Events:       make([]Event, len(events)),
		SealedAt:     time.Unix(0, sealedAt.UnixNano()).UTC(),
	}
	copy(b.Events, events)

	h, err := ComputeHash(b)
	if err != nil {
		return nil, err
	}
	b.Hash = h
	return b, nil
}

// ComputeHash recomputes the digest of b from its content, ignoring b.Hash:
//
//	index (8, BE) ‖ previousHash (32) ‖ eventCount (4, BE) ‖ events… ‖ sealedAt (8, BE, unix ns)
func ComputeHash(b *Block) (Hash, error) {
	if len(b.Events) == 0 {
		return Hash{}, ErrEmptyBlock
	}
	h := sha256.New()

	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], b.Index)
	h.Write(buf[:])
	h.Write(b.PreviousHash[:])
	binary.BigEndian.PutUint32(buf[:4], uint32(len(b.Events)))
	h.Write(buf[:4])

	for i, e := range b.Events {
		enc, err := EncodeEvent(e)
		if err != nil {
			return Hash{}, fmt.Errorf("event %d: %w", i, err)
		}
		h.Write(enc)
	}

	binary.BigEndian.PutUint64(buf[:], uint64(b.SealedAt.UnixNano()))
	h.Write(buf[:])

	var out Hash
	copy(out[:], h.Sum(nil))
	return out, nil
}
