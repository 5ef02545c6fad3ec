// Package store provides the Chain Store backends for the ledger: in-memory,
// LevelDB, PostgreSQL, and a bigcache read-through decorator, plus a Redis
// record index.
package store

import (
	"context"
	"sync"

	"github.com/jmerrifield20/medledger/internal/ledger"
)

// MemoryStore is an in-memory, thread-safe ledger.Store. Blocks are kept in
// their persisted binary form so reads go through the same decoding path as
// the durable backends. It is useful for tests and single-process dev runs.
type MemoryStore struct {
	mu         sync.RWMutex
	records    [][]byte
	head       ledger.Hash
	checkpoint *ledger.Checkpoint
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{head: ledger.GenesisSentinel}
}

// Append implements ledger.Store.
func (m *MemoryStore) Append(_ context.Context, b *ledger.Block) (uint64, error) {
	rec, err := ledger.MarshalBlock(b)
	if err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	n := uint64(len(m.records))
	if b.Index != n || b.PreviousHash != m.head {
		return 0, &ledger.OutOfOrderError{WantIndex: n, GotIndex: b.Index, WantPrev: m.head, GotPrev: b.PreviousHash}
	}
	m.records = append(m.records, rec)
	m.head = b.Hash
	return b.Index, nil
}

// Get implements ledger.Store.
func (m *MemoryStore) Get(_ context.Context, index uint64) (*ledger.Block, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getLocked(index)
}

func (m *MemoryStore) getLocked(index uint64) (*ledger.Block, error) {
	n := uint64(len(m.records))
	if index >= n {
		return nil, &ledger.NotFoundError{Index: index, Length: n}
	}
	b, err := ledger.UnmarshalBlock(m.records[index])
	if err != nil {
		return nil, &ledger.CorruptRecordError{Index: index, Err: err}
	}
	return b, nil
}

// Len implements ledger.Store.
func (m *MemoryStore) Len(_ context.Context) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return uint64(len(m.records)), nil
}

// Head implements ledger.Store.
func (m *MemoryStore) Head(_ context.Context) (ledger.Hash, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.head, nil
}

// Tail implements ledger.Store.
func (m *MemoryStore) Tail(ctx context.Context, n int) ([]*ledger.Block, error) {
	if n <= 0 {
		return []*ledger.Block{}, nil
	}
	m.mu.RLock()
	length := uint64(len(m.records))
	m.mu.RUnlock()

	var from uint64
	if uint64(n) < length {
		from = length - uint64(n)
	}
	out := make([]*ledger.Block, 0, length-from)
	err := m.Range(ctx, from, length, func(b *ledger.Block) error {
		out = append(out, b)
		return nil
	})
	return out, err
}

// Range implements ledger.Store.
func (m *MemoryStore) Range(ctx context.Context, from, to uint64, fn func(*ledger.Block) error) error {
	for i := from; i < to; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		m.mu.RLock()
		b, err := m.getLocked(i)
		m.mu.RUnlock()
		if err != nil {
			return err
		}
		if err := fn(b); err != nil {
			return err
		}
	}
	return nil
}

// Checkpoint implements ledger.Store.
func (m *MemoryStore) Checkpoint(_ context.Context) (*ledger.Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.checkpoint == nil {
		return nil, nil
	}
	cp := *m.checkpoint
	return &cp, nil
}

// SaveCheckpoint implements ledger.Store.
func (m *MemoryStore) SaveCheckpoint(_ context.Context, cp ledger.Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkpoint = &cp
	return nil
}

// Close implements ledger.Store.
func (m *MemoryStore) Close() error { return nil }

// Tamper rewrites the persisted record at index out-of-band, bypassing every
// append check, the way an attacker with storage access would. It exists for
// fault-injection tests and incident drills.
func (m *MemoryStore) Tamper(index uint64, mutate func(rec []byte) []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if index >= uint64(len(m.records)) {
		return
	}
	cp := make([]byte, len(m.records[index]))
	copy(cp, m.records[index])
	m.records[index] = mutate(cp)
}
