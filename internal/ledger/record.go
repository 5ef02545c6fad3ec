package ledger

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

// Fixed-width parts of a persisted block record.
const (
	recordHeaderSize = 8 + HashSize + 4
	recordTrailer    = 8 + HashSize
)

// MarshalBlock serialises b in the persisted record layout:
//
//	index u64 ‖ previousHash [32] ‖ eventCount u32 ‖ (len u32 ‖ event)* ‖ sealedAt u64 ‖ hash [32]
//
// Events are stored in their canonical encoding. All integers are big-endian.
func MarshalBlock(b *Block) ([]byte, error) {
	if len(b.Events) == 0 {
		return nil, ErrEmptyBlock
	}
	encoded := make([][]byte, len(b.Events))
	size := recordHeaderSize + recordTrailer
	for i, e := range b.Events {
		enc, err := EncodeEvent(e)
		if err != nil {
			return nil, fmt.Errorf("event %d: %w", i, err)
		}
		encoded[i] = enc
		size += 4 + len(enc)
	}

	out := make([]byte, 0, size)
	out = binary.BigEndian.AppendUint64(out, b.Index)
	out = append(out, b.PreviousHash[:]...)
	out = binary.BigEndian.AppendUint32(out, uint32(len(encoded)))
	for _, enc := range encoded {
		out = binary.BigEndian.AppendUint32(out, uint32(len(enc)))
		out = append(out, enc...)
	}
	out = binary.BigEndian.AppendUint64(out, uint64(b.SealedAt.UnixNano()))
	out = append(out, b.Hash[:]...)
	return out, nil
}

var errShortRecord = errors.New("record truncated")

// UnmarshalBlock parses a record produced by MarshalBlock.
func UnmarshalBlock(data []byte) (*Block, error) {
	if len(data) < recordHeaderSize+recordTrailer {
		return nil, errShortRecord
	}
	b := &Block{Index: binary.BigEndian.Uint64(data[:8])}
	copy(b.PreviousHash[:], data[8:8+HashSize])
	count := binary.BigEndian.Uint32(data[8+HashSize : recordHeaderSize])
	if count == 0 {
		return nil, ErrEmptyBlock
	}

	rest := data[recordHeaderSize:]
	events := make([]Event, 0, min(int(count), 1024))
	for i := uint32(0); i < count; i++ {
		if len(rest) < 4 {
			return nil, errShortRecord
		}
		n := binary.BigEndian.Uint32(rest[:4])
		rest = rest[4:]
		if uint64(len(rest)) < uint64(n) {
			return nil, errShortRecord
		}
		e, err := DecodeEvent(rest[:n])
		if err != nil {
			return nil, fmt.Errorf("event %d: %w", i, err)
		}
		events = append(events, e)
		rest = rest[n:]
	}
	if len(rest) != recordTrailer {
		return nil, fmt.Errorf("record trailer: want %d bytes, got %d", recordTrailer, len(rest))
	}
	b.Events = events
	b.SealedAt = time.Unix(0, int64(binary.BigEndian.Uint64(rest[:8]))).UTC()
	copy(b.Hash[:], rest[8:])
	return b, nil
}

// EncodeEvents returns the canonical encodings of b's events concatenated with
// u32 length prefixes, the middle section of the record layout.
func EncodeEvents(events []Event) ([]byte, error) {
	var out []byte
	for i, e := range events {
		enc, err := EncodeEvent(e)
		if err != nil {
			return nil, fmt.Errorf("event %d: %w", i, err)
		}
		out = binary.BigEndian.AppendUint32(out, uint32(len(enc)))
		out = append(out, enc...)
	}
	return out, nil
}

// DecodeEvents is the inverse of EncodeEvents.
func DecodeEvents(data []byte, count int) ([]Event, error) {
	events := make([]Event, 0, count)
	for len(data) > 0 {
		if len(data) < 4 {
			return nil, errShortRecord
		}
		n := binary.BigEndian.Uint32(data[:4])
		data = data[4:]
		if uint64(len(data)) < uint64(n) {
			return nil, errShortRecord
		}
		e, err := DecodeEvent(data[:n])
		if err != nil {
			return nil, err
		}
		events = append(events, e)
		data = data[n:]
	}
	if len(events) != count {
		return nil, fmt.Errorf("event count: want %d, got %d", count, len(events))
	}
	return events, nil
}
