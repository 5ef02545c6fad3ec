package archive

import (
	"context"
	"errors"

	"github.com/jmerrifield20/medledger/internal/ledger"
)

var errReadOnly = errors.New("archive: read-only")

type slot struct {
	b   *ledger.Block
	err error
}

// archiveStore is a read-only ledger.Store over the slots of an archive, in
// file order. Slot i is expected to hold block i; the verifier reports any
// disagreement as an index gap.
type archiveStore struct {
	slots []slot
}

func (s *archiveStore) Append(context.Context, *ledger.Block) (uint64, error) {
	return 0, errReadOnly
}

func (s *archiveStore) Get(_ context.Context, index uint64) (*ledger.Block, error) {
	if index >= uint64(len(s.slots)) {
		return nil, &ledger.NotFoundError{Index: index, Length: uint64(len(s.slots))}
	}
	sl := s.slots[index]
	return sl.b, sl.err
}

func (s *archiveStore) Len(context.Context) (uint64, error) { return uint64(len(s.slots)), nil }

func (s *archiveStore) Head(context.Context) (ledger.Hash, error) {
	for i := len(s.slots) - 1; i >= 0; i-- {
		if s.slots[i].b != nil {
			return s.slots[i].b.Hash, nil
		}
	}
	return ledger.GenesisSentinel, nil
}

func (s *archiveStore) Tail(ctx context.Context, n int) ([]*ledger.Block, error) {
	length := uint64(len(s.slots))
	var from uint64
	if n >= 0 && uint64(n) < length {
		from = length - uint64(n)
	}
	var out []*ledger.Block
	err := s.Range(ctx, from, length, func(b *ledger.Block) error {
		out = append(out, b)
		return nil
	})
	return out, err
}

func (s *archiveStore) Range(ctx context.Context, from, to uint64, fn func(*ledger.Block) error) error {
	to = min(to, uint64(len(s.slots)))
	for i := from; i < to; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		sl := s.slots[i]
		if sl.err != nil {
			return sl.err
		}
		if err := fn(sl.b); err != nil {
			return err
		}
	}
	return nil
}

func (s *archiveStore) Checkpoint(context.Context) (*ledger.Checkpoint, error) { return nil, nil }

func (s *archiveStore) SaveCheckpoint(context.Context, ledger.Checkpoint) error { return errReadOnly }

func (s *archiveStore) Close() error { return nil }
