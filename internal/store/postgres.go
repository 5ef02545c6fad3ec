package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/jmerrifield20/medledger/internal/ledger"
)

// advisoryLockKey serialises appends across every ledger instance sharing
// the database. The value is arbitrary but must be the same everywhere.
const advisoryLockKey = int64(7_340_112_209)

// PostgresStore persists blocks in the ledger_blocks table. Events are stored
// in their canonical encoding so rows hash exactly as they were sealed.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresStore creates a PostgresStore backed by pool. The schema comes
// from migrations/.
func NewPostgresStore(pool *pgxpool.Pool, logger *zap.Logger) *PostgresStore {
	return &PostgresStore{pool: pool, logger: logger}
}

// Append implements ledger.Store. It takes a transaction-scoped advisory
// lock, re-reads the tail inside the transaction and rejects the block with
// *ledger.OutOfOrderError if another writer got there first.
func (s *PostgresStore) Append(ctx context.Context, b *ledger.Block) (uint64, error) {
	events, err := ledger.EncodeEvents(b.Events)
	if err != nil {
		return 0, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, ledger.IOError("begin tx", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", advisoryLockKey); err != nil {
		return 0, ledger.IOError("acquire advisory lock", err)
	}

	length, head, err := tail(ctx, tx)
	if err != nil {
		return 0, err
	}
	if b.Index != length || b.PreviousHash != head {
		return 0, &ledger.OutOfOrderError{WantIndex: length, GotIndex: b.Index, WantPrev: head, GotPrev: b.PreviousHash}
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO ledger_blocks (idx, prev_hash, event_count, events, sealed_at, hash)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		int64(b.Index), b.PreviousHash[:], int32(len(b.Events)), events,
		b.SealedAt.UnixNano(), b.Hash[:],
	); err != nil {
		return 0, ledger.IOError("insert block", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, ledger.IOError("commit block", err)
	}

	s.logger.Debug("block persisted", zap.Uint64("idx", b.Index))
	return b.Index, nil
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func tail(ctx context.Context, q querier) (uint64, ledger.Hash, error) {
	var (
		idx  int64
		hash []byte
	)
	err := q.QueryRow(ctx, "SELECT idx, hash FROM ledger_blocks ORDER BY idx DESC LIMIT 1").Scan(&idx, &hash)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ledger.GenesisSentinel, nil
	}
	if err != nil {
		return 0, ledger.Hash{}, ledger.IOError("read tail", err)
	}
	h, err := ledger.HashFromBytes(hash)
	if err != nil {
		return 0, ledger.Hash{}, &ledger.CorruptRecordError{Index: uint64(idx), Err: err}
	}
	return uint64(idx) + 1, h, nil
}

const selectBlock = `SELECT idx, prev_hash, event_count, events, sealed_at, hash FROM ledger_blocks`

func scanBlock(row pgx.Row) (*ledger.Block, error) {
	var (
		idx      int64
		prev     []byte
		count    int32
		events   []byte
		sealedAt int64
		hash     []byte
	)
	if err := row.Scan(&idx, &prev, &count, &events, &sealedAt, &hash); err != nil {
		return nil, err
	}
	b := &ledger.Block{Index: uint64(idx), SealedAt: time.Unix(0, sealedAt).UTC()}
	var err error
	if b.PreviousHash, err = ledger.HashFromBytes(prev); err != nil {
		return nil, &ledger.CorruptRecordError{Index: b.Index, Err: err}
	}
	if b.Hash, err = ledger.HashFromBytes(hash); err != nil {
		return nil, &ledger.CorruptRecordError{Index: b.Index, Err: err}
	}
	if count <= 0 {
		return nil, &ledger.CorruptRecordError{Index: b.Index, Err: ledger.ErrEmptyBlock}
	}
	if b.Events, err = ledger.DecodeEvents(events, int(count)); err != nil {
		return nil, &ledger.CorruptRecordError{Index: b.Index, Err: err}
	}
	return b, nil
}

// Get implements ledger.Store.
func (s *PostgresStore) Get(ctx context.Context, index uint64) (*ledger.Block, error) {
	b, err := scanBlock(s.pool.QueryRow(ctx, selectBlock+" WHERE idx = $1", int64(index)))
	if errors.Is(err, pgx.ErrNoRows) {
		n, _ := s.Len(ctx)
		return nil, &ledger.NotFoundError{Index: index, Length: n}
	}
	var cre *ledger.CorruptRecordError
	if err != nil && !errors.As(err, &cre) {
		return nil, ledger.IOError(fmt.Sprintf("get block %d", index), err)
	}
	return b, err
}

// Len implements ledger.Store.
func (s *PostgresStore) Len(ctx context.Context) (uint64, error) {
	n, _, err := tail(ctx, s.pool)
	return n, err
}

// Head implements ledger.Store.
func (s *PostgresStore) Head(ctx context.Context) (ledger.Hash, error) {
	_, h, err := tail(ctx, s.pool)
	return h, err
}

// Tail implements ledger.Store.
func (s *PostgresStore) Tail(ctx context.Context, n int) ([]*ledger.Block, error) {
	if n <= 0 {
		return []*ledger.Block{}, nil
	}
	length, err := s.Len(ctx)
	if err != nil {
		return nil, err
	}
	var from uint64
	if uint64(n) < length {
		from = length - uint64(n)
	}
	out := make([]*ledger.Block, 0, length-from)
	err = s.Range(ctx, from, length, func(b *ledger.Block) error {
		out = append(out, b)
		return nil
	})
	return out, err
}

// Range implements ledger.Store. Rows are streamed in index order; a missing
// idx inside the range is reported as a *ledger.NotFoundError for that slot.
func (s *PostgresStore) Range(ctx context.Context, from, to uint64, fn func(*ledger.Block) error) error {
	if from >= to {
		return nil
	}
	rows, err := s.pool.Query(ctx,
		selectBlock+" WHERE idx >= $1 AND idx < $2 ORDER BY idx ASC", int64(from), int64(to))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return ledger.IOError("query blocks", err)
	}
	defer rows.Close()

	next := from
	for rows.Next() {
		b, err := scanBlock(rows)
		if err != nil {
			var cre *ledger.CorruptRecordError
			if errors.As(err, &cre) {
				return err
			}
			return ledger.IOError("scan block", err)
		}
		if b.Index != next {
			return &ledger.NotFoundError{Index: next, Length: to}
		}
		if err := fn(b); err != nil {
			return err
		}
		next++
	}
	if err := rows.Err(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return ledger.IOError("iterate blocks", err)
	}
	if next < to {
		return &ledger.NotFoundError{Index: next, Length: to}
	}
	return nil
}

// Checkpoint implements ledger.Store.
func (s *PostgresStore) Checkpoint(ctx context.Context) (*ledger.Checkpoint, error) {
	var (
		idx  int64
		hash []byte
		cp   ledger.Checkpoint
	)
	err := s.pool.QueryRow(ctx,
		`SELECT idx, hash, asserted_by, asserted_at FROM ledger_checkpoints
		 ORDER BY id DESC LIMIT 1`,
	).Scan(&idx, &hash, &cp.AssertedBy, &cp.AssertedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, ledger.IOError("read checkpoint", err)
	}
	cp.Index = uint64(idx)
	if cp.Hash, err = ledger.HashFromBytes(hash); err != nil {
		return nil, fmt.Errorf("decode checkpoint: %w", err)
	}
	cp.AssertedAt = cp.AssertedAt.UTC()
	return &cp, nil
}

// SaveCheckpoint implements ledger.Store. Checkpoints are appended, never
// updated, so the assertion history stays auditable.
func (s *PostgresStore) SaveCheckpoint(ctx context.Context, cp ledger.Checkpoint) error {
	if _, err := s.pool.Exec(ctx,
		`INSERT INTO ledger_checkpoints (idx, hash, asserted_by, asserted_at) VALUES ($1, $2, $3, $4)`,
		int64(cp.Index), cp.Hash[:], cp.AssertedBy, cp.AssertedAt,
	); err != nil {
		return ledger.IOError("save checkpoint", err)
	}
	return nil
}

// Close implements ledger.Store. The pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }
