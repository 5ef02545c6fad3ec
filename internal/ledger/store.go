package ledger

import (
	"context"
	"time"
)

// Store is the durable, append-only sequence of sealed blocks. It is the
// single source of truth for the chain.
//
// Implementations live in internal/store: MemoryStore, LevelDBStore,
// PostgresStore, and the CachedStore read-through decorator.
type Store interface {
	// Append persists b and advances the head. It fails with *OutOfOrderError
	// unless b.Index equals the current length and b.PreviousHash equals the
	// current head. The block is durable before Append returns nil; on error
	// the length is unchanged.
	Append(ctx context.Context, b *Block) (uint64, error)

	// Get returns the block at index or a *NotFoundError.
	Get(ctx context.Context, index uint64) (*Block, error)

	// Len returns the number of committed blocks.
	Len(ctx context.Context) (uint64, error)

	// Head returns the hash of the last block, or GenesisSentinel when empty.
	Head(ctx context.Context) (Hash, error)

	// Tail returns up to n of the most recent blocks, oldest first.
	Tail(ctx context.Context, n int) ([]*Block, error)

	// Range calls fn for every block in [from, to) in index order, reading the
	// backing storage directly. It stops at the first error returned by fn or
	// when ctx is done. Undecodable records surface as *CorruptRecordError.
	Range(ctx context.Context, from, to uint64, fn func(*Block) error) error

	// Checkpoint returns the last administrator-asserted checkpoint, or nil.
	Checkpoint(ctx context.Context) (*Checkpoint, error)

	// SaveCheckpoint replaces the stored checkpoint.
	SaveCheckpoint(ctx context.Context, cp Checkpoint) error

	Close() error
}

// Checkpoint records that an administrator vouches for the chain up to and
// including Index, whose hash was Hash at the time of the assertion.
type Checkpoint struct {
	Index      uint64    `json:"index"`
	Hash       Hash      `json:"hash"`
	AssertedBy string    `json:"asserted_by"`
	AssertedAt time.Time `json:"asserted_at"`
}
