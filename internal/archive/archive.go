// Package archive exports the chain as newline-delimited JSON for off-site
// audit copies and verifies such exports offline.
//
// Each line carries the readable block plus its exact persisted record, so
// an archive re-verifies bit for bit without access to the original store.
package archive

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/jmerrifield20/medledger/internal/ledger"
)

// Format names the archive line layout.
const Format = "medledger-ndjson/1"

// maxLineBytes bounds a single archived block.
const maxLineBytes = 64 << 20

// Source streams blocks [from, to). ledger.Store satisfies it.
type Source interface {
	Range(ctx context.Context, from, to uint64, fn func(*ledger.Block) error) error
}

// Line is one archived block.
type Line struct {
	Index        uint64         `json:"index"`
	PreviousHash ledger.Hash    `json:"previous_hash"`
	Hash         ledger.Hash    `json:"hash"`
	SealedAt     time.Time      `json:"sealed_at"`
	Events       []ledger.Event `json:"events"`
	Record       []byte         `json:"record"`
}

// Manifest describes a finished export.
type Manifest struct {
	Format     string      `json:"format"`
	From       uint64      `json:"from"`
	Count      uint64      `json:"count"`
	LastHash   ledger.Hash `json:"last_hash"`
	SHA256     string      `json:"sha256"`
	Bytes      int64       `json:"bytes"`
	ExportedAt time.Time   `json:"exported_at"`
}

// Write streams blocks [from, to) of src to w and returns the manifest.
func Write(ctx context.Context, w io.Writer, src Source, from, to uint64) (*Manifest, error) {
	digest := sha256.New()
	cw := &countingWriter{w: io.MultiWriter(w, digest)}
	bw := bufio.NewWriter(cw)
	enc := json.NewEncoder(bw)

	m := &Manifest{Format: Format, From: from}
	err := src.Range(ctx, from, to, func(b *ledger.Block) error {
		rec, err := ledger.MarshalBlock(b)
		if err != nil {
			return fmt.Errorf("archive block %d: %w", b.Index, err)
		}
		if err := enc.Encode(Line{
			Index:        b.Index,
			PreviousHash: b.PreviousHash,
			Hash:         b.Hash,
			SealedAt:     b.SealedAt,
			Events:       b.Events,
			Record:       rec,
		}); err != nil {
			return fmt.Errorf("write block %d: %w", b.Index, err)
		}
		m.Count++
		m.LastHash = b.Hash
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := bw.Flush(); err != nil {
		return nil, fmt.Errorf("flush archive: %w", err)
	}
	m.SHA256 = hex.EncodeToString(digest.Sum(nil))
	m.Bytes = cw.n
	m.ExportedAt = time.Now().UTC()
	return m, nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// Read decodes an archive and calls fn with each block rebuilt from its
// persisted record. A record that no longer decodes, or disagrees with its
// line's index or hash, yields a *ledger.CorruptRecordError for that block.
func Read(r io.Reader, fn func(*ledger.Block, error) error) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64<<10), maxLineBytes)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		if len(sc.Bytes()) == 0 {
			continue
		}
		var ln Line
		if err := json.Unmarshal(sc.Bytes(), &ln); err != nil {
			return fmt.Errorf("archive line %d: %w", lineNo, err)
		}
		b, err := ledger.UnmarshalBlock(ln.Record)
		switch {
		case err != nil:
			err = &ledger.CorruptRecordError{Index: ln.Index, Err: err}
		case b.Index != ln.Index || b.Hash != ln.Hash:
			err = &ledger.CorruptRecordError{Index: ln.Index, Err: errors.New("record disagrees with line header")}
		}
		if err != nil {
			b = nil
		}
		if err := fn(b, err); err != nil {
			return err
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("read archive: %w", err)
	}
	return nil
}

// Verify re-verifies an archive that starts at block 0. The checks are the
// same as for a live store.
func Verify(ctx context.Context, r io.Reader, opts ledger.Options) (*ledger.Report, error) {
	s := &archiveStore{}
	err := Read(r, func(b *ledger.Block, err error) error {
		if err != nil {
			var cre *ledger.CorruptRecordError
			if errors.As(err, &cre) {
				s.slots = append(s.slots, slot{err: err})
				return nil
			}
			return err
		}
		s.slots = append(s.slots, slot{b: b})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ledger.Verify(ctx, s, opts)
}

// Checksum returns the hex SHA-256 of r, for comparing with a manifest.
func Checksum(r io.Reader) (string, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
