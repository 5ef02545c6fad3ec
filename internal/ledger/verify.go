package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// FailureReason classifies the first mismatch found by Verify.
type FailureReason int

const (
	ReasonNone FailureReason = iota
	// HashMismatch: the block's recomputed hash differs from its stored hash,
	// or the stored record can no longer be decoded.
	HashMismatch
	// LinkMismatch: the block's previous hash differs from the recomputed
	// hash of its predecessor (or the sentinel/anchor at the start).
	LinkMismatch
	// IndexGap: a block is missing or carries an index other than its slot.
	IndexGap
)

var reasonNames = map[FailureReason]string{
	ReasonNone:   "",
	HashMismatch: "HashMismatch",
	LinkMismatch: "LinkMismatch",
	IndexGap:     "IndexGap",
}

func (r FailureReason) String() string {
	if s, ok := reasonNames[r]; ok {
		return s
	}
	return fmt.Sprintf("FailureReason(%d)", int(r))
}

// MarshalText implements encoding.TextMarshaler.
func (r FailureReason) MarshalText() ([]byte, error) { return []byte(r.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (r *FailureReason) UnmarshalText(b []byte) error {
	for k, v := range reasonNames {
		if v == string(b) {
			*r = k
			return nil
		}
	}
	return fmt.Errorf("unknown failure reason %q", b)
}

// Options bounds a verification run.
type Options struct {
	// From is the first block checked.
	From uint64
	// To is the last block checked, inclusive. Nil means the last block of
	// the snapshot.
	To *uint64
	// Length is the chain length snapshot to verify against. Zero means
	// read it from the store when the run starts.
	Length uint64
	// Anchor is the trusted hash of block From-1, typically an
	// administrator-asserted checkpoint. When nil and From > 0 the
	// predecessor is recomputed from the store.
	Anchor *Hash
	// OnBlock, if set, is called after each block passes.
	OnBlock func(index uint64)
}

// Report is the outcome of a verification run. A report with Complete set to
// false covers only the scanned prefix and must not be read as a pass.
type Report struct {
	Valid             bool          `json:"valid"`
	Complete          bool          `json:"complete"`
	FirstFailureIndex *uint64       `json:"first_failure_index,omitempty"`
	Reason            FailureReason `json:"reason,omitempty"`
	From              uint64        `json:"from"`
	To                uint64        `json:"to"`
	Length            uint64        `json:"length"`
	Checked           uint64        `json:"checked"`
	Anchored          bool          `json:"anchored"`
	StartedAt         time.Time     `json:"started_at"`
	Duration          time.Duration `json:"duration_ns"`
}

// Passed reports whether the whole requested range was scanned cleanly.
func (r *Report) Passed() bool { return r.Valid && r.Complete }

// Err returns a *ChainCorruptionError for a failed report, nil otherwise.
func (r *Report) Err() error {
	if r.Valid || r.FirstFailureIndex == nil {
		return nil
	}
	return &ChainCorruptionError{Index: *r.FirstFailureIndex, Reason: r.Reason}
}

func (r *Report) fail(index uint64, reason FailureReason) {
	i := index
	r.Valid = false
	r.FirstFailureIndex = &i
	r.Reason = reason
}

// errStopScan ends a Range walk after the first failure.
var errStopScan = errors.New("stop scan")

// Verify walks blocks in index order, recomputing each block's hash from its
// stored content and checking each link against the recomputed hash of the
// predecessor. It stops at the first failure and never repairs anything.
//
// Cancelling ctx returns the report computed so far with Complete false and a
// nil error. Storage failures return the partial report and the error.
func Verify(ctx context.Context, s Store, opts Options) (*Report, error) {
	rep := &Report{Valid: true, From: opts.From, StartedAt: time.Now().UTC()}
	defer func() { rep.Duration = time.Since(rep.StartedAt) }()

	length := opts.Length
	if length == 0 {
		n, err := s.Len(ctx)
		if err != nil {
			return rep, IOError("verify: length", err)
		}
		length = n
	}
	rep.Length = length

	if length == 0 {
		rep.Complete = true
		return rep, nil
	}
	to := length - 1
	if opts.To != nil {
		to = *opts.To
	}
	rep.To = to
	if to >= length {
		return rep, &NotFoundError{Index: to, Length: length}
	}
	if opts.From > to {
		return rep, fmt.Errorf("verify: range start %d after end %d", opts.From, to)
	}

	prev := GenesisSentinel
	switch {
	case opts.Anchor != nil:
		prev = *opts.Anchor
		rep.Anchored = true
	case opts.From > 0:
		// Range, unlike Get, is never served from a read cache.
		var b *Block
		err := s.Range(ctx, opts.From-1, opts.From, func(blk *Block) error {
			b = blk
			return nil
		})
		if err == nil && b == nil {
			err = &NotFoundError{Index: opts.From - 1, Length: length}
		}
		if err != nil {
			if classify(err, rep) {
				return rep, nil
			}
			return rep, err
		}
		if b.Index != opts.From-1 {
			rep.fail(opts.From-1, IndexGap)
			rep.Complete = true
			return rep, nil
		}
		h, err := ComputeHash(b)
		if err != nil || h != b.Hash {
			rep.fail(opts.From-1, HashMismatch)
			rep.Complete = true
			return rep, nil
		}
		prev = h
	}

	next := opts.From
	err := s.Range(ctx, opts.From, to+1, func(b *Block) error {
		if b.Index != next {
			rep.fail(next, IndexGap)
			return errStopScan
		}
		h, err := ComputeHash(b)
		if err != nil || h != b.Hash {
			rep.fail(b.Index, HashMismatch)
			return errStopScan
		}
		if b.PreviousHash != prev {
			rep.fail(b.Index, LinkMismatch)
			return errStopScan
		}
		prev = h
		next++
		rep.Checked++
		if opts.OnBlock != nil {
			opts.OnBlock(b.Index)
		}
		return nil
	})

	switch {
	case err == nil:
		if next <= to {
			// The store ended the walk early without reporting why.
			rep.fail(next, IndexGap)
		}
		rep.Complete = true
	case errors.Is(err, errStopScan):
		rep.Complete = true
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		rep.Complete = false
	default:
		if !classify(err, rep) {
			return rep, err
		}
	}
	return rep, nil
}

// classify turns store errors that are themselves findings into report
// failures. It reports whether err was consumed.
func classify(err error, rep *Report) bool {
	var cre *CorruptRecordError
	if errors.As(err, &cre) {
		rep.fail(cre.Index, HashMismatch)
		rep.Complete = true
		return true
	}
	var nf *NotFoundError
	if errors.As(err, &nf) {
		rep.fail(nf.Index, IndexGap)
		rep.Complete = true
		return true
	}
	return false
}
