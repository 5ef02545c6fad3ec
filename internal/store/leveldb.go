package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
	"go.uber.org/zap"

	"github.com/jmerrifield20/medledger/internal/ledger"
)

var (
	blockPrefix   = []byte("b:")
	keyLength     = []byte("meta:length")
	keyHead       = []byte("meta:head")
	keyCheckpoint = []byte("meta:checkpoint")
)

func blockKey(index uint64) []byte {
	k := make([]byte, len(blockPrefix)+8)
	copy(k, blockPrefix)
	binary.BigEndian.PutUint64(k[len(blockPrefix):], index)
	return k
}

func indexFromKey(k []byte) (uint64, bool) {
	if len(k) != len(blockPrefix)+8 {
		return 0, false
	}
	return binary.BigEndian.Uint64(k[len(blockPrefix):]), true
}

// LevelDBStore persists blocks in a LevelDB database. Each block lives under
// a big-endian index key so iteration follows chain order. An append writes
// the block, the new length and the new head in one synced batch, so a crash
// leaves either the old chain or the new one.
type LevelDBStore struct {
	db       *leveldb.DB
	logger   *zap.Logger
	readOnly bool

	mu     sync.RWMutex
	length uint64
	head   ledger.Hash
}

// OpenLevelDB opens (or creates) the store at path. A read-only store refuses
// appends and is used for offline verification.
func OpenLevelDB(path string, readOnly bool, logger *zap.Logger) (*LevelDBStore, error) {
	db, err := leveldb.OpenFile(path, &opt.Options{
		ReadOnly:       readOnly,
		ErrorIfMissing: readOnly,
	})
	if err != nil {
		return nil, ledger.IOError("open leveldb", err)
	}
	s := &LevelDBStore{db: db, logger: logger, readOnly: readOnly, head: ledger.GenesisSentinel}
	if err := s.loadMeta(); err != nil {
		db.Close()
		return nil, err
	}
	logger.Info("leveldb store opened",
		zap.String("path", path),
		zap.Uint64("blocks", s.length),
		zap.Bool("read_only", readOnly),
	)
	return s, nil
}

func (s *LevelDBStore) loadMeta() error {
	raw, err := s.db.Get(keyLength, nil)
	switch {
	case errors.Is(err, leveldb.ErrNotFound):
		return nil
	case err != nil:
		return ledger.IOError("read length", err)
	case len(raw) != 8:
		return fmt.Errorf("leveldb: malformed length record (%d bytes)", len(raw))
	}
	s.length = binary.BigEndian.Uint64(raw)

	raw, err = s.db.Get(keyHead, nil)
	if err != nil {
		return ledger.IOError("read head", err)
	}
	h, err := ledger.HashFromBytes(raw)
	if err != nil {
		return fmt.Errorf("leveldb: malformed head record: %w", err)
	}
	s.head = h
	return nil
}

// Append implements ledger.Store.
func (s *LevelDBStore) Append(_ context.Context, b *ledger.Block) (uint64, error) {
	if s.readOnly {
		return 0, ledger.IOError("append", errors.New("store opened read-only"))
	}
	rec, err := ledger.MarshalBlock(b)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if b.Index != s.length || b.PreviousHash != s.head {
		return 0, &ledger.OutOfOrderError{WantIndex: s.length, GotIndex: b.Index, WantPrev: s.head, GotPrev: b.PreviousHash}
	}

	var n [8]byte
	binary.BigEndian.PutUint64(n[:], b.Index+1)
	batch := new(leveldb.Batch)
	batch.Put(blockKey(b.Index), rec)
	batch.Put(keyLength, n[:])
	batch.Put(keyHead, b.Hash[:])
	if err := s.db.Write(batch, &opt.WriteOptions{Sync: true}); err != nil {
		return 0, ledger.IOError("append", err)
	}

	s.length = b.Index + 1
	s.head = b.Hash
	return b.Index, nil
}

// Get implements ledger.Store.
func (s *LevelDBStore) Get(_ context.Context, index uint64) (*ledger.Block, error) {
	s.mu.RLock()
	length := s.length
	s.mu.RUnlock()
	if index >= length {
		return nil, &ledger.NotFoundError{Index: index, Length: length}
	}

	raw, err := s.db.Get(blockKey(index), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, &ledger.NotFoundError{Index: index, Length: length}
	}
	if err != nil {
		return nil, ledger.IOError("get", err)
	}
	b, err := ledger.UnmarshalBlock(raw)
	if err != nil {
		return nil, &ledger.CorruptRecordError{Index: index, Err: err}
	}
	return b, nil
}

// Len implements ledger.Store.
func (s *LevelDBStore) Len(_ context.Context) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.length, nil
}

// Head implements ledger.Store.
func (s *LevelDBStore) Head(_ context.Context) (ledger.Hash, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.head, nil
}

// Tail implements ledger.Store.
func (s *LevelDBStore) Tail(ctx context.Context, n int) ([]*ledger.Block, error) {
	if n <= 0 {
		return []*ledger.Block{}, nil
	}
	length, _ := s.Len(ctx)
	var from uint64
	if uint64(n) < length {
		from = length - uint64(n)
	}
	out := make([]*ledger.Block, 0, length-from)
	err := s.Range(ctx, from, length, func(b *ledger.Block) error {
		out = append(out, b)
		return nil
	})
	return out, err
}

// Range implements ledger.Store. A missing key inside the range is reported
// as a *ledger.NotFoundError for that slot.
func (s *LevelDBStore) Range(ctx context.Context, from, to uint64, fn func(*ledger.Block) error) error {
	if from >= to {
		return nil
	}
	s.mu.RLock()
	length := s.length
	s.mu.RUnlock()

	it := s.db.NewIterator(&util.Range{Start: blockKey(from), Limit: blockKey(to)}, nil)
	defer it.Release()

	next := from
	for it.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		idx, ok := indexFromKey(it.Key())
		if !ok {
			continue
		}
		if idx != next {
			return &ledger.NotFoundError{Index: next, Length: length}
		}
		b, err := ledger.UnmarshalBlock(it.Value())
		if err != nil {
			return &ledger.CorruptRecordError{Index: idx, Err: err}
		}
		if err := fn(b); err != nil {
			return err
		}
		next++
	}
	if err := it.Error(); err != nil {
		return ledger.IOError("iterate", err)
	}
	if next < to {
		return &ledger.NotFoundError{Index: next, Length: length}
	}
	return nil
}

// Checkpoint implements ledger.Store.
func (s *LevelDBStore) Checkpoint(_ context.Context) (*ledger.Checkpoint, error) {
	raw, err := s.db.Get(keyCheckpoint, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, ledger.IOError("read checkpoint", err)
	}
	var cp ledger.Checkpoint
	if err := json.Unmarshal(raw, &cp); err != nil {
		return nil, fmt.Errorf("decode checkpoint: %w", err)
	}
	return &cp, nil
}

// SaveCheckpoint implements ledger.Store.
func (s *LevelDBStore) SaveCheckpoint(_ context.Context, cp ledger.Checkpoint) error {
	if s.readOnly {
		return ledger.IOError("save checkpoint", errors.New("store opened read-only"))
	}
	raw, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	if err := s.db.Put(keyCheckpoint, raw, &opt.WriteOptions{Sync: true}); err != nil {
		return ledger.IOError("save checkpoint", err)
	}
	return nil
}

// Close implements ledger.Store.
func (s *LevelDBStore) Close() error {
	return s.db.Close()
}
