package archive

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jmerrifield20/medledger/internal/ledger"
	"github.com/jmerrifield20/medledger/internal/store"
)

var epoch = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

func chain(t *testing.T, n int) *store.MemoryStore {
	t.Helper()
	ctx := context.Background()
	ms := store.NewMemoryStore()
	prev := ledger.GenesisSentinel
	for i := 0; i < n; i++ {
		b, err := ledger.Seal([]ledger.Event{{
			EventID:    fmt.Sprintf("e%d", i),
			Kind:       ledger.KindPrescription,
			RecordID:   "p1",
			Action:     ledger.ActionCreate,
			Payload:    ledger.Payload{"medicationCode": "RX-1", "refills": uint64(i + 1)},
			OccurredAt: epoch,
		}}, prev, uint64(i), epoch.Add(time.Duration(i)*time.Second))
		require.NoError(t, err)
		_, err = ms.Append(ctx, b)
		require.NoError(t, err)
		prev = b.Hash
	}
	return ms
}

// rewriteLines applies edit to the decoded lines of an archive and returns
// the re-encoded archive. edit returns false to drop a line.
func rewriteLines(t *testing.T, data []byte, edit func(i int, ln *Line) bool) []byte {
	t.Helper()
	var out bytes.Buffer
	enc := json.NewEncoder(&out)
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(nil, maxLineBytes)
	for i := 0; sc.Scan(); i++ {
		var ln Line
		require.NoError(t, json.Unmarshal(sc.Bytes(), &ln))
		if edit(i, &ln) {
			require.NoError(t, enc.Encode(ln))
		}
	}
	return out.Bytes()
}

func TestWriteAndVerify(t *testing.T) {
	ctx := context.Background()
	ms := chain(t, 5)

	var buf bytes.Buffer
	m, err := Write(ctx, &buf, ms, 0, 5)
	require.NoError(t, err)
	assert.Equal(t, Format, m.Format)
	assert.Equal(t, uint64(5), m.Count)
	head, _ := ms.Head(ctx)
	assert.Equal(t, head, m.LastHash)
	assert.Equal(t, int64(buf.Len()), m.Bytes)

	sum, err := Checksum(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, m.SHA256, sum)
	assert.Equal(t, 5, strings.Count(buf.String(), "\n"))

	rep, err := Verify(ctx, bytes.NewReader(buf.Bytes()), ledger.Options{})
	require.NoError(t, err)
	assert.True(t, rep.Passed())
	assert.Equal(t, uint64(5), rep.Checked)
}

func TestReadRebuildsExactBlocks(t *testing.T) {
	ctx := context.Background()
	ms := chain(t, 3)
	var buf bytes.Buffer
	_, err := Write(ctx, &buf, ms, 1, 3)
	require.NoError(t, err)

	var got []*ledger.Block
	require.NoError(t, Read(&buf, func(b *ledger.Block, err error) error {
		require.NoError(t, err)
		got = append(got, b)
		return nil
	}))
	require.Len(t, got, 2)
	orig, _ := ms.Get(ctx, 1)
	assert.Equal(t, orig.Hash, got[0].Hash)
	// Integer payload values survive exactly because blocks come from the record.
	assert.Equal(t, uint64(2), got[0].Events[0].Payload["refills"])
}

func TestVerifyDetectsArchiveTampering(t *testing.T) {
	ctx := context.Background()
	var buf bytes.Buffer
	_, err := Write(ctx, &buf, chain(t, 5), 0, 5)
	require.NoError(t, err)
	data := buf.Bytes()

	tests := []struct {
		name   string
		edit   func(i int, ln *Line) bool
		index  uint64
		reason ledger.FailureReason
	}{
		{
			name: "record byte flipped",
			edit: func(i int, ln *Line) bool {
				if i == 2 {
					ln.Record[len(ln.Record)-33] ^= 0x01
				}
				return true
			},
			index: 2, reason: ledger.HashMismatch,
		},
		{
			name: "record truncated",
			edit: func(i int, ln *Line) bool {
				if i == 3 {
					ln.Record = ln.Record[:10]
				}
				return true
			},
			index: 3, reason: ledger.HashMismatch,
		},
		{
			name:  "line dropped",
			edit:  func(i int, ln *Line) bool { return i != 1 },
			index: 1, reason: ledger.IndexGap,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rep, err := Verify(ctx, bytes.NewReader(rewriteLines(t, data, tt.edit)), ledger.Options{})
			require.NoError(t, err)
			require.NotNil(t, rep.FirstFailureIndex)
			assert.Equal(t, tt.index, *rep.FirstFailureIndex)
			assert.Equal(t, tt.reason, rep.Reason)
		})
	}
}

func TestReadRejectsGarbage(t *testing.T) {
	err := Read(strings.NewReader("{not json}\n"), func(*ledger.Block, error) error { return nil })
	assert.Error(t, err)
}

type mockS3Client struct {
	puts map[string][]byte
	meta map[string]map[string]string
	fail bool
}

func (m *mockS3Client) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if m.fail {
		return nil, fmt.Errorf("access denied")
	}
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	m.puts[*in.Key] = body
	m.meta[*in.Key] = in.Metadata
	return &s3.PutObjectOutput{}, nil
}

func TestS3Export(t *testing.T) {
	ctx := context.Background()
	mock := &mockS3Client{puts: map[string][]byte{}, meta: map[string]map[string]string{}}
	exp, err := NewS3Exporter(mock, "audit-bucket", "ledger/", zap.NewNop())
	require.NoError(t, err)
	exp.timeNow = func() time.Time { return epoch }

	key, m, err := exp.Export(ctx, chain(t, 4), 0, 4)
	require.NoError(t, err)
	assert.Equal(t, "ledger/chain-000000000000-000000000004-20260301T080000Z.ndjson", key)
	assert.Equal(t, uint64(4), m.Count)

	body := mock.puts[key]
	require.NotEmpty(t, body)
	sum, _ := Checksum(bytes.NewReader(body))
	assert.Equal(t, m.SHA256, sum)
	assert.Equal(t, m.SHA256, mock.meta[key]["sha256"])

	var uploaded Manifest
	require.NoError(t, json.Unmarshal(mock.puts[key+".manifest.json"], &uploaded))
	assert.Equal(t, m.LastHash, uploaded.LastHash)

	rep, err := Verify(ctx, bytes.NewReader(body), ledger.Options{})
	require.NoError(t, err)
	assert.True(t, rep.Passed())
}

func TestS3ExportErrors(t *testing.T) {
	_, err := NewS3Exporter(nil, "b", "", zap.NewNop())
	assert.Error(t, err)
	_, err = NewS3Exporter(&mockS3Client{}, "", "", zap.NewNop())
	assert.Error(t, err)

	exp, err := NewS3Exporter(&mockS3Client{fail: true}, "b", "", zap.NewNop())
	require.NoError(t, err)
	_, _, err = exp.Export(context.Background(), chain(t, 1), 0, 1)
	assert.ErrorContains(t, err, "access denied")
}
