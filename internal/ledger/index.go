package ledger

import (
	"context"
	"sort"
	"sync"
)

// Index is the secondary lookup structure derived from the chain: record id to
// the ascending block indices that reference it, and event id to the block
// that absorbed it. It is a rebuildable cache, never a source of truth.
type Index interface {
	// Add indexes b. Blocks must be added in index order.
	Add(ctx context.Context, b *Block) error

	// Records returns the ascending block indices referencing recordID.
	Records(ctx context.Context, recordID string) ([]uint64, error)

	// Event returns the index of the block holding eventID.
	Event(ctx context.Context, eventID string) (uint64, bool, error)

	// Watermark returns how many leading blocks have been indexed.
	Watermark(ctx context.Context) (uint64, error)

	// Reset drops all indexed data.
	Reset(ctx context.Context) error
}

// MemoryIndex is an in-process Index.
type MemoryIndex struct {
	mu        sync.RWMutex
	records   map[string][]uint64
	events    map[string]uint64
	watermark uint64
}

// NewMemoryIndex returns an empty MemoryIndex.
func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{
		records: make(map[string][]uint64),
		events:  make(map[string]uint64),
	}
}

// Add implements Index.
func (x *MemoryIndex) Add(_ context.Context, b *Block) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	seen := make(map[string]bool, len(b.Events))
	for _, e := range b.Events {
		if _, dup := x.events[e.EventID]; !dup {
			x.events[e.EventID] = b.Index
		}
		if seen[e.RecordID] {
			continue
		}
		seen[e.RecordID] = true
		x.records[e.RecordID] = insertSorted(x.records[e.RecordID], b.Index)
	}
	if b.Index+1 > x.watermark {
		x.watermark = b.Index + 1
	}
	return nil
}

// Records implements Index.
func (x *MemoryIndex) Records(_ context.Context, recordID string) ([]uint64, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	idx := x.records[recordID]
	out := make([]uint64, len(idx))
	copy(out, idx)
	return out, nil
}

// Event implements Index.
func (x *MemoryIndex) Event(_ context.Context, eventID string) (uint64, bool, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	i, ok := x.events[eventID]
	return i, ok, nil
}

// Watermark implements Index.
func (x *MemoryIndex) Watermark(_ context.Context) (uint64, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.watermark, nil
}

// Reset implements Index.
func (x *MemoryIndex) Reset(_ context.Context) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.records = make(map[string][]uint64)
	x.events = make(map[string]uint64)
	x.watermark = 0
	return nil
}

// insertSorted appends v keeping s ascending and duplicate-free. Appends in
// chain order hit the fast path.
func insertSorted(s []uint64, v uint64) []uint64 {
	n := len(s)
	if n == 0 || s[n-1] < v {
		return append(s, v)
	}
	i := sort.Search(n, func(i int) bool { return s[i] >= v })
	if i < n && s[i] == v {
		return s
	}
	s = append(s, 0)
	copy(s[i+1:], s[i:])
	s[i] = v
	return s
}
