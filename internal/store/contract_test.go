package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmerrifield20/medledger/internal/ledger"
)

var epoch = time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC)

func sealNext(t *testing.T, s ledger.Store, events ...ledger.Event) *ledger.Block {
	t.Helper()
	ctx := context.Background()
	n, err := s.Len(ctx)
	require.NoError(t, err)
	head, err := s.Head(ctx)
	require.NoError(t, err)
	if len(events) == 0 {
		events = []ledger.Event{{
			EventID:    fmt.Sprintf("e%d", n),
			Kind:       ledger.KindAdmission,
			RecordID:   fmt.Sprintf("p%d", n%2),
			Action:     ledger.ActionCreate,
			OccurredAt: epoch,
			Payload:    ledger.Payload{"roomId": fmt.Sprintf("R-%d", n)},
		}}
	}
	b, err := ledger.Seal(events, head, n, epoch.Add(time.Duration(n)*time.Minute))
	require.NoError(t, err)
	idx, err := s.Append(ctx, b)
	require.NoError(t, err)
	require.Equal(t, n, idx)
	return b
}

// testStoreContract exercises the ledger.Store contract against a fresh,
// empty store.
func testStoreContract(t *testing.T, s ledger.Store) {
	ctx := context.Background()

	t.Run("empty", func(t *testing.T) {
		n, err := s.Len(ctx)
		require.NoError(t, err)
		assert.Zero(t, n)
		head, err := s.Head(ctx)
		require.NoError(t, err)
		assert.Equal(t, ledger.GenesisSentinel, head)
		_, err = s.Get(ctx, 0)
		assert.ErrorIs(t, err, ledger.ErrNotFound)
		cp, err := s.Checkpoint(ctx)
		require.NoError(t, err)
		assert.Nil(t, cp)
	})

	var sealed []*ledger.Block
	t.Run("append", func(t *testing.T) {
		for i := 0; i < 5; i++ {
			sealed = append(sealed, sealNext(t, s))
		}
		n, err := s.Len(ctx)
		require.NoError(t, err)
		assert.Equal(t, uint64(5), n)
		head, err := s.Head(ctx)
		require.NoError(t, err)
		assert.Equal(t, sealed[4].Hash, head)
	})

	t.Run("out of order", func(t *testing.T) {
		stale, err := ledger.Seal(sealed[0].Events, sealed[3].Hash, 4, epoch)
		require.NoError(t, err)
		_, err = s.Append(ctx, stale)
		var ooo *ledger.OutOfOrderError
		require.ErrorAs(t, err, &ooo)
		assert.Equal(t, uint64(5), ooo.WantIndex)

		wrongPrev, err := ledger.Seal(sealed[0].Events, sealed[3].Hash, 5, epoch)
		require.NoError(t, err)
		_, err = s.Append(ctx, wrongPrev)
		assert.ErrorIs(t, err, ledger.ErrOutOfOrder)

		n, _ := s.Len(ctx)
		assert.Equal(t, uint64(5), n, "rejected appends leave the length unchanged")
	})

	t.Run("get", func(t *testing.T) {
		for _, want := range sealed {
			got, err := s.Get(ctx, want.Index)
			require.NoError(t, err)
			assert.Equal(t, want.Hash, got.Hash)
			assert.Equal(t, want.PreviousHash, got.PreviousHash)
			assert.True(t, want.SealedAt.Equal(got.SealedAt))
			require.Len(t, got.Events, 1)
			assert.Equal(t, want.Events[0].EventID, got.Events[0].EventID)
		}
		_, err := s.Get(ctx, 5)
		var nf *ledger.NotFoundError
		require.ErrorAs(t, err, &nf)
		assert.Equal(t, uint64(5), nf.Index)
	})

	t.Run("tail", func(t *testing.T) {
		tail, err := s.Tail(ctx, 2)
		require.NoError(t, err)
		require.Len(t, tail, 2)
		assert.Equal(t, uint64(3), tail[0].Index)
		assert.Equal(t, uint64(4), tail[1].Index)

		all, err := s.Tail(ctx, 50)
		require.NoError(t, err)
		assert.Len(t, all, 5)

		none, err := s.Tail(ctx, 0)
		require.NoError(t, err)
		assert.Empty(t, none)
	})

	t.Run("range", func(t *testing.T) {
		var got []uint64
		err := s.Range(ctx, 1, 4, func(b *ledger.Block) error {
			got = append(got, b.Index)
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, []uint64{1, 2, 3}, got)

		stop := fmt.Errorf("stop")
		calls := 0
		err = s.Range(ctx, 0, 5, func(*ledger.Block) error {
			calls++
			return stop
		})
		assert.ErrorIs(t, err, stop)
		assert.Equal(t, 1, calls)

		cctx, cancel := context.WithCancel(ctx)
		cancel()
		err = s.Range(cctx, 0, 5, func(*ledger.Block) error { return nil })
		assert.ErrorIs(t, err, context.Canceled)
	})

	t.Run("verifies", func(t *testing.T) {
		rep, err := ledger.Verify(ctx, s, ledger.Options{})
		require.NoError(t, err)
		assert.True(t, rep.Passed())
		assert.Equal(t, uint64(5), rep.Checked)
	})

	t.Run("checkpoint", func(t *testing.T) {
		cp := ledger.Checkpoint{Index: 2, Hash: sealed[2].Hash, AssertedBy: "admin", AssertedAt: epoch}
		require.NoError(t, s.SaveCheckpoint(ctx, cp))
		got, err := s.Checkpoint(ctx)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, cp.Index, got.Index)
		assert.Equal(t, cp.Hash, got.Hash)
		assert.Equal(t, "admin", got.AssertedBy)
		assert.True(t, cp.AssertedAt.Equal(got.AssertedAt))

		cp2 := ledger.Checkpoint{Index: 4, Hash: sealed[4].Hash, AssertedBy: "admin2", AssertedAt: epoch.Add(time.Hour)}
		require.NoError(t, s.SaveCheckpoint(ctx, cp2))
		got, err = s.Checkpoint(ctx)
		require.NoError(t, err)
		assert.Equal(t, uint64(4), got.Index)
	})
}
