package ledger

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSealEmpty(t *testing.T) {
	_, err := Seal(nil, GenesisSentinel, 0, t0)
	assert.True(t, errors.Is(err, ErrEmptyBlock))
}

func TestSealIsDeterministic(t *testing.T) {
	ev := []Event{sampleEvent()}
	a, err := Seal(ev, GenesisSentinel, 0, t0)
	require.NoError(t, err)
	b, err := Seal(ev, GenesisSentinel, 0, t0)
	require.NoError(t, err)
	assert.Equal(t, a.Hash, b.Hash)
	assert.False(t, a.Hash.IsZero())

	h, err := ComputeHash(a)
	require.NoError(t, err)
	assert.Equal(t, a.Hash, h)
}

func TestSealHashCoversHeader(t *testing.T) {
	ev := []Event{sampleEvent()}
	base, err := Seal(ev, GenesisSentinel, 0, t0)
	require.NoError(t, err)

	other := sampleEvent()
	other.EventID = "e2"

	variants := map[string]func() (*Block, error){
		"index":     func() (*Block, error) { return Seal(ev, GenesisSentinel, 1, t0) },
		"prev hash": func() (*Block, error) { return Seal(ev, Hash{1}, 0, t0) },
		"sealed at": func() (*Block, error) { return Seal(ev, GenesisSentinel, 0, t0.Add(time.Nanosecond)) },
		"events":    func() (*Block, error) { return Seal([]Event{other}, GenesisSentinel, 0, t0) },
		"count":     func() (*Block, error) { return Seal([]Event{ev[0], other}, GenesisSentinel, 0, t0) },
	}
	for name, seal := range variants {
		t.Run(name, func(t *testing.T) {
			b, err := seal()
			require.NoError(t, err)
			assert.NotEqual(t, base.Hash, b.Hash)
		})
	}
}

func TestSealCopiesEvents(t *testing.T) {
	ev := []Event{sampleEvent()}
	b, err := Seal(ev, GenesisSentinel, 0, t0)
	require.NoError(t, err)
	ev[0].RecordID = "changed"
	assert.Equal(t, "p42", b.Events[0].RecordID)
}

func TestBlockRecordRoundTrip(t *testing.T) {
	second := sampleEvent()
	second.EventID, second.Kind = "e2", KindAdmission
	second.Payload = Payload{"roomId": "ICU-3"}

	b, err := Seal([]Event{sampleEvent(), second}, Hash{0xab}, 7, t0)
	require.NoError(t, err)

	rec, err := MarshalBlock(b)
	require.NoError(t, err)
	got, err := UnmarshalBlock(rec)
	require.NoError(t, err)

	assert.Equal(t, b.Index, got.Index)
	assert.Equal(t, b.PreviousHash, got.PreviousHash)
	assert.Equal(t, b.Hash, got.Hash)
	assert.True(t, b.SealedAt.Equal(got.SealedAt))
	require.Len(t, got.Events, 2)

	h, err := ComputeHash(got)
	require.NoError(t, err)
	assert.Equal(t, b.Hash, h, "decoded block must re-hash to the sealed hash")
}

func TestUnmarshalBlockRejectsDamage(t *testing.T) {
	b, err := Seal([]Event{sampleEvent()}, GenesisSentinel, 0, t0)
	require.NoError(t, err)
	rec, err := MarshalBlock(b)
	require.NoError(t, err)

	_, err = UnmarshalBlock(rec[:len(rec)-1])
	assert.Error(t, err, "truncated")

	_, err = UnmarshalBlock(append(rec, 0))
	assert.Error(t, err, "trailing garbage")

	_, err = UnmarshalBlock(rec[:10])
	assert.Error(t, err, "short header")
}

func TestEncodeDecodeEvents(t *testing.T) {
	second := sampleEvent()
	second.EventID = "e2"
	data, err := EncodeEvents([]Event{sampleEvent(), second})
	require.NoError(t, err)

	got, err := DecodeEvents(data, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "e2", got[1].EventID)

	_, err = DecodeEvents(data, 3)
	assert.Error(t, err)
}

func TestHashText(t *testing.T) {
	h := Hash{0xde, 0xad, 0xbe, 0xef}
	txt, err := h.MarshalText()
	require.NoError(t, err)
	assert.Len(t, txt, 64)

	var back Hash
	require.NoError(t, back.UnmarshalText(txt))
	assert.Equal(t, h, back)
	assert.Equal(t, "deadbeef0000", h.Short())

	_, err = ParseHash("abc")
	assert.Error(t, err)
}

func TestMemoryIndex(t *testing.T) {
	ctx := t.Context()
	idx := NewMemoryIndex()

	mk := func(i uint64, records ...string) *Block {
		b := &Block{Index: i}
		for n, r := range records {
			b.Events = append(b.Events, Event{EventID: r + "-" + string(rune('a'+n)) + "-" + string(rune('0'+i)), RecordID: r})
		}
		return b
	}
	require.NoError(t, idx.Add(ctx, mk(0, "p1")))
	require.NoError(t, idx.Add(ctx, mk(1, "p2", "p1", "p1")))
	require.NoError(t, idx.Add(ctx, mk(2, "p2")))

	got, err := idx.Records(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, []uint64{0, 1}, got)

	got, err = idx.Records(ctx, "p2")
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 2}, got)

	wm, err := idx.Watermark(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), wm)

	i, ok, err := idx.Event(ctx, "p2-a-1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, uint64(1), i)

	require.NoError(t, idx.Reset(ctx))
	wm, _ = idx.Watermark(ctx)
	assert.Zero(t, wm)
}

func TestInsertSorted(t *testing.T) {
	s := insertSorted(nil, 5)
	s = insertSorted(s, 9)
	s = insertSorted(s, 1)
	s = insertSorted(s, 5)
	s = insertSorted(s, 7)
	assert.Equal(t, []uint64{1, 5, 7, 9}, s)
}
