package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/jmerrifield20/medledger/internal/tracing"
)

// State is the lifecycle state of a Service.
type State int32

const (
	StateUninitialized State = iota
	StateLoading
	StateReady
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *State) UnmarshalText(b []byte) error {
	for st := StateUninitialized; st <= StateFailed; st++ {
		if st.String() == string(b) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown state %q", b)
}

// Receipt acknowledges a recorded event.
type Receipt struct {
	EventID    string `json:"event_id"`
	BlockIndex uint64 `json:"block_index"`
	BlockHash  Hash   `json:"block_hash"`
	Duplicate  bool   `json:"duplicate"`
}

// Alarm is the standing corruption alarm raised by a failed verification.
// It is never cleared by the service; clearing it is an operator decision.
type Alarm struct {
	Index      uint64        `json:"index"`
	Reason     FailureReason `json:"reason"`
	DetectedAt time.Time     `json:"detected_at"`
}

// Stats is the chain summary shown on the dashboard and ledger view.
type Stats struct {
	TotalBlocks      uint64      `json:"total_blocks"`
	HeadHash         Hash        `json:"head_hash"`
	LastSealedAt     *time.Time  `json:"last_sealed_at,omitempty"`
	State            State       `json:"state"`
	Alarm            *Alarm      `json:"alarm,omitempty"`
	LastVerification *Report     `json:"last_verification,omitempty"`
	Checkpoint       *Checkpoint `json:"checkpoint,omitempty"`
}

// Notifier is told once when a verification first finds corruption.
type Notifier interface {
	CorruptionDetected(ctx context.Context, rep *Report)
}

// Option configures a Service.
type Option func(*Service)

// WithIndex replaces the default in-memory record index.
func WithIndex(idx Index) Option { return func(s *Service) { s.index = idx } }

// WithClock overrides the wall clock used for sealing and defaults.
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// WithNotifier registers a corruption notifier.
func WithNotifier(n Notifier) Option { return func(s *Service) { s.notifier = n } }

// view is the chain state visible to readers. It is replaced wholesale after
// each append so readers never see a length without its head.
type view struct {
	length       uint64
	head         Hash
	lastSealedAt time.Time
	// headDamage is set when the head record cannot be read; nothing can be
	// sealed on top of it.
	headDamage *ChainCorruptionError
}

// Service is the single owner of chain mutation. Appends are serialised by
// one writer lock; reads work from the atomically published view and never
// take that lock.
type Service struct {
	store    Store
	index    Index
	logger   *zap.Logger
	now      func() time.Time
	notifier Notifier

	state   atomic.Int32
	ready   chan struct{}
	loadErr error

	mu        sync.Mutex  // writer path
	indexLags atomic.Bool // a committed block missed the index

	view atomic.Pointer[view]

	alarmMu    sync.RWMutex
	alarm      *Alarm
	lastReport *Report
}

// NewService returns an uninitialised Service over store. Call Load before
// use.
func NewService(store Store, logger *zap.Logger, opts ...Option) *Service {
	s := &Service{
		store:  store,
		index:  NewMemoryIndex(),
		logger: logger,
		now:    time.Now,
		ready:  make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	s.view.Store(&view{head: GenesisSentinel})
	return s
}

// State returns the current lifecycle state without blocking.
func (s *Service) State() State { return State(s.state.Load()) }

// Ready returns a channel closed once loading has finished, successfully or
// not.
func (s *Service) Ready() <-chan struct{} { return s.ready }

// Load reads the chain from the store and rebuilds the record index from its
// watermark. It moves the service from Uninitialized through Loading to
// Ready, or to Failed on error.
func (s *Service) Load(ctx context.Context) (err error) {
	if !s.state.CompareAndSwap(int32(StateUninitialized), int32(StateLoading)) {
		return fmt.Errorf("ledger: load called in state %s", s.State())
	}
	ctx, end := tracing.StartSpan(ctx, "ledger.load")
	defer func() { end(err) }()

	started := time.Now()
	var corrupt *ChainCorruptionError
	v, err := s.readStoreView(ctx)
	if err == nil {
		corrupt, err = s.catchUpIndex(ctx, v.length)
	}
	if err != nil {
		s.loadErr = err
		s.state.Store(int32(StateFailed))
		close(s.ready)
		s.logger.Error("ledger load failed", zap.Error(err))
		return err
	}

	s.view.Store(v)
	s.state.Store(int32(StateReady))
	close(s.ready)
	s.logger.Info("ledger ready",
		zap.Uint64("blocks", v.length),
		zap.String("head", v.head.Short()),
		zap.Duration("took", time.Since(started)),
	)
	if corrupt == nil {
		corrupt = v.headDamage
	}
	if corrupt != nil {
		s.raiseFinding(ctx, corrupt, v.length)
	}
	return nil
}

// raiseFinding raises the standing alarm for damage found while reading the
// chain outside a verification run.
func (s *Service) raiseFinding(ctx context.Context, f *ChainCorruptionError, length uint64) {
	rep := &Report{
		Valid:     true,
		Complete:  true,
		From:      f.Index,
		To:        f.Index,
		Length:    length,
		StartedAt: s.now().UTC(),
	}
	rep.fail(f.Index, f.Reason)
	s.observe(ctx, rep)
}

func (s *Service) readStoreView(ctx context.Context) (*view, error) {
	n, err := s.store.Len(ctx)
	if err != nil {
		return nil, IOError("load: length", err)
	}
	v := &view{length: n, head: GenesisSentinel}
	if n == 0 {
		return v, nil
	}
	last, err := s.store.Get(ctx, n-1)
	if f := unreadable(err, n-1, n); f != nil {
		s.logger.Error("head block is unreadable", zap.Uint64("index", n-1), zap.Error(err))
		v.headDamage = f
		return v, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load: read head block: %w", err)
	}
	v.head = last.Hash
	v.lastSealedAt = last.SealedAt
	return v, nil
}

// catchUpIndex feeds blocks [watermark, length) into the index. An index
// that claims more blocks than the store holds is stale and rebuilt.
// Undecodable or missing records are skipped; the first one is returned so
// the caller can raise the alarm.
func (s *Service) catchUpIndex(ctx context.Context, length uint64) (*ChainCorruptionError, error) {
	wm, err := s.index.Watermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("index watermark: %w", err)
	}
	if wm > length {
		s.logger.Warn("record index ahead of chain, rebuilding",
			zap.Uint64("watermark", wm), zap.Uint64("blocks", length))
		if err := s.index.Reset(ctx); err != nil {
			return nil, fmt.Errorf("index reset: %w", err)
		}
		wm = 0
	}
	if wm == length {
		return nil, nil
	}

	var first *ChainCorruptionError
	next := wm
	for next < length {
		err := s.store.Range(ctx, next, length, func(b *Block) error {
			if err := s.index.Add(ctx, b); err != nil {
				return err
			}
			next = b.Index + 1
			return nil
		})
		if f := unreadable(err, next, length); f != nil {
			s.logger.Error("skipping unreadable block while indexing", zap.Uint64("index", f.Index), zap.Error(err))
			if first == nil {
				first = f
			}
			next = f.Index + 1
			continue
		}
		if err != nil {
			return first, fmt.Errorf("index rebuild from %d: %w", next, err)
		}
		break
	}
	s.logger.Info("record index caught up", zap.Uint64("from", wm), zap.Uint64("to", length))
	return first, nil
}

// unreadable classifies a Range error at or after next as chain damage.
func unreadable(err error, next, length uint64) *ChainCorruptionError {
	var cre *CorruptRecordError
	if errors.As(err, &cre) && cre.Index >= next && cre.Index < length {
		return &ChainCorruptionError{Index: cre.Index, Reason: HashMismatch}
	}
	var nf *NotFoundError
	if errors.As(err, &nf) && nf.Index >= next && nf.Index < length {
		return &ChainCorruptionError{Index: nf.Index, Reason: IndexGap}
	}
	return nil
}

// adoptStoreHeadLocked re-reads the shared store's head after another writer
// advanced it, indexes the foreign blocks and publishes the new view.
// Callers hold mu.
func (s *Service) adoptStoreHeadLocked(ctx context.Context) error {
	nv, err := s.readStoreView(ctx)
	if err != nil {
		return err
	}
	corrupt, err := s.catchUpIndex(ctx, nv.length)
	if err != nil {
		return err
	}
	s.indexLags.Store(false)
	s.view.Store(nv)
	if corrupt == nil {
		corrupt = nv.headDamage
	}
	if corrupt != nil {
		s.raiseFinding(ctx, corrupt, nv.length)
	}
	return nil
}

// ensureIndexed catches the index up if an earlier write left it behind.
// Readers only take the writer lock in that case.
func (s *Service) ensureIndexed(ctx context.Context) error {
	if !s.indexLags.Load() {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.catchUpLocked(ctx)
}

// catchUpLocked clears an index lag left by a failed index write. Callers
// hold mu.
func (s *Service) catchUpLocked(ctx context.Context) error {
	if !s.indexLags.Load() {
		return nil
	}
	length := s.view.Load().length
	corrupt, err := s.catchUpIndex(ctx, length)
	if err != nil {
		return err
	}
	s.indexLags.Store(false)
	if corrupt != nil {
		s.raiseFinding(ctx, corrupt, length)
	}
	return nil
}

// waitReady blocks queries until loading has finished or ctx is done.
func (s *Service) waitReady(ctx context.Context) error {
	switch s.State() {
	case StateReady:
		return nil
	case StateFailed:
		return fmt.Errorf("%w: %v", ErrNotReady, s.loadErr)
	}
	select {
	case <-s.ready:
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrNotReady, ctx.Err())
	}
	if s.State() != StateReady {
		return fmt.Errorf("%w: %v", ErrNotReady, s.loadErr)
	}
	return nil
}

// RecordEvent validates e and seals it into a new block. An EventID already
// on the chain returns the block that holds it with Duplicate set instead of
// sealing again. A zero OccurredAt is filled with the acceptance time.
func (s *Service) RecordEvent(ctx context.Context, e Event) (rc Receipt, err error) {
	if s.State() != StateReady {
		return Receipt{}, ErrNotReady
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = s.now().UTC()
	}
	if err := e.Validate(); err != nil {
		return Receipt{}, err
	}

	ctx, end := tracing.StartSpan(ctx, "ledger.record_event",
		attribute.String("event.kind", string(e.Kind)),
		attribute.String("event.action", string(e.Action)),
	)
	defer func() { end(err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	rcs, b, err := s.sealLocked(ctx, []Event{e})
	if err != nil {
		return Receipt{}, err
	}
	if b != nil {
		tracing.SetAttributes(ctx, attribute.Int64("block.index", int64(b.Index)))
	}
	return rcs[0], nil
}

// RecordBatch seals every event of events not already on the chain into a
// single block, keeping submission order. Receipts follow the input order.
// Repeating an EventID inside one batch is a validation error.
func (s *Service) RecordBatch(ctx context.Context, events []Event) (rcs []Receipt, err error) {
	if s.State() != StateReady {
		return nil, ErrNotReady
	}
	if len(events) == 0 {
		return nil, &ValidationError{Field: "events", Message: "batch is empty"}
	}
	now := s.now().UTC()
	batch := make([]Event, len(events))
	seen := make(map[string]bool, len(events))
	for i, e := range events {
		if e.OccurredAt.IsZero() {
			e.OccurredAt = now
		}
		if err := e.Validate(); err != nil {
			return nil, fmt.Errorf("events[%d]: %w", i, err)
		}
		if seen[e.EventID] {
			return nil, &ValidationError{Field: fmt.Sprintf("events[%d].event_id", i), Message: "repeated within batch"}
		}
		seen[e.EventID] = true
		batch[i] = e
	}

	ctx, end := tracing.StartSpan(ctx, "ledger.record_batch", attribute.Int("batch.size", len(batch)))
	defer func() { end(err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	rcs, _, err = s.sealLocked(ctx, batch)
	if err != nil {
		return nil, err
	}
	return rcs, nil
}

// sealLocked answers events already on the chain with their existing
// receipts and seals the rest into one block. When another writer advanced a
// shared store first, it adopts that head and retries once, looking the
// events up again so none is sealed twice. The block is nil when every event
// was a duplicate. Callers hold mu.
func (s *Service) sealLocked(ctx context.Context, events []Event) ([]Receipt, *Block, error) {
	for attempt := 0; ; attempt++ {
		rcs := make([]Receipt, len(events))
		fresh := make([]Event, 0, len(events))
		freshPos := make([]int, 0, len(events))
		for i, e := range events {
			rc, ok, err := s.lookupLocked(ctx, e.EventID)
			if err != nil {
				return nil, nil, err
			}
			if ok {
				rcs[i] = rc
				continue
			}
			fresh = append(fresh, e)
			freshPos = append(freshPos, i)
		}
		if len(fresh) == 0 {
			return rcs, nil, nil
		}

		b, err := s.appendLocked(ctx, fresh)
		if errors.Is(err, ErrOutOfOrder) && attempt == 0 {
			s.logger.Warn("append out of order, re-reading head", zap.Error(err))
			if err := s.adoptStoreHeadLocked(ctx); err != nil {
				return nil, nil, err
			}
			continue
		}
		if err != nil {
			return nil, nil, err
		}
		for _, i := range freshPos {
			rcs[i] = Receipt{EventID: events[i].EventID, BlockIndex: b.Index, BlockHash: b.Hash}
		}
		return rcs, b, nil
	}
}

// lookupLocked resolves an already-recorded event id. Callers hold mu.
func (s *Service) lookupLocked(ctx context.Context, eventID string) (Receipt, bool, error) {
	if err := s.catchUpLocked(ctx); err != nil {
		return Receipt{}, false, err
	}
	idx, ok, err := s.index.Event(ctx, eventID)
	if err != nil {
		return Receipt{}, false, fmt.Errorf("index lookup: %w", err)
	}
	if !ok || idx >= s.view.Load().length {
		return Receipt{}, false, nil
	}
	rc := Receipt{EventID: eventID, BlockIndex: idx, Duplicate: true}
	if b, err := s.store.Get(ctx, idx); err == nil {
		rc.BlockHash = b.Hash
	}
	return rc, true, nil
}

// appendLocked seals events on top of the published head, persists the
// block, indexes it and publishes the new view. An out-of-order append is
// returned unwrapped for sealLocked to retry. Callers hold mu.
func (s *Service) appendLocked(ctx context.Context, events []Event) (*Block, error) {
	v := s.view.Load()
	if v.headDamage != nil {
		return nil, v.headDamage
	}
	b, err := Seal(events, v.head, v.length, s.now())
	if err != nil {
		return nil, err
	}

	if _, err := s.store.Append(ctx, b); err != nil {
		if errors.Is(err, ErrOutOfOrder) {
			return nil, err
		}
		return nil, IOError("append", err)
	}

	if err := s.index.Add(ctx, b); err != nil {
		// The block is committed; the index is a cache and catches up later.
		s.indexLags.Store(true)
		s.logger.Error("record index update failed", zap.Uint64("index", b.Index), zap.Error(err))
	}
	s.view.Store(&view{length: b.Index + 1, head: b.Hash, lastSealedAt: b.SealedAt})

	s.logger.Debug("block sealed",
		zap.Uint64("index", b.Index),
		zap.Int("events", len(b.Events)),
		zap.String("hash", b.Hash.Short()),
	)
	return b, nil
}

// History returns every block whose events reference recordID, oldest first.
func (s *Service) History(ctx context.Context, recordID string) ([]*Block, error) {
	if err := s.waitReady(ctx); err != nil {
		return nil, err
	}
	if recordID == "" {
		return nil, &ValidationError{Field: "record_id", Message: "is required"}
	}
	length := s.view.Load().length
	if err := s.ensureIndexed(ctx); err != nil {
		s.logger.Warn("record index behind chain, scanning", zap.Error(err))
		return s.scanHistory(ctx, recordID, length)
	}

	idx, err := s.index.Records(ctx, recordID)
	if err != nil {
		return nil, fmt.Errorf("index lookup: %w", err)
	}
	out := make([]*Block, 0, len(idx))
	for _, i := range idx {
		if i >= length {
			break
		}
		b, err := s.store.Get(ctx, i)
		if err != nil {
			return nil, err
		}
		if !b.References(recordID) {
			s.logger.Warn("record index entry does not match block",
				zap.String("record_id", recordID), zap.Uint64("index", i))
			continue
		}
		out = append(out, b)
	}
	return out, nil
}

// scanHistory answers History from the store when the index cannot.
func (s *Service) scanHistory(ctx context.Context, recordID string, length uint64) ([]*Block, error) {
	out := []*Block{}
	err := s.store.Range(ctx, 0, length, func(b *Block) error {
		if b.References(recordID) {
			out = append(out, b)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Block returns the block at index.
func (s *Service) Block(ctx context.Context, index uint64) (*Block, error) {
	if err := s.waitReady(ctx); err != nil {
		return nil, err
	}
	if length := s.view.Load().length; index >= length {
		return nil, &NotFoundError{Index: index, Length: length}
	}
	return s.store.Get(ctx, index)
}

// Blocks returns up to limit blocks starting at from.
func (s *Service) Blocks(ctx context.Context, from uint64, limit int) ([]*Block, error) {
	if err := s.waitReady(ctx); err != nil {
		return nil, err
	}
	length := s.view.Load().length
	if limit <= 0 || from >= length {
		return []*Block{}, nil
	}
	to := min(from+uint64(limit), length)
	out := make([]*Block, 0, to-from)
	err := s.store.Range(ctx, from, to, func(b *Block) error {
		out = append(out, b)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Tail returns the n most recent blocks, oldest first.
func (s *Service) Tail(ctx context.Context, n int) ([]*Block, error) {
	if err := s.waitReady(ctx); err != nil {
		return nil, err
	}
	length := s.view.Load().length
	if n <= 0 {
		return []*Block{}, nil
	}
	var from uint64
	if uint64(n) < length {
		from = length - uint64(n)
	}
	return s.Blocks(ctx, from, n)
}

// Stats summarises the chain.
func (s *Service) Stats(ctx context.Context) (Stats, error) {
	if err := s.waitReady(ctx); err != nil {
		return Stats{State: s.State()}, err
	}
	v := s.view.Load()
	st := Stats{
		TotalBlocks: v.length,
		HeadHash:    v.head,
		State:       s.State(),
	}
	if v.length > 0 {
		t := v.lastSealedAt
		st.LastSealedAt = &t
	}
	st.Alarm, st.LastVerification = s.Alarm()

	cp, err := s.store.Checkpoint(ctx)
	if err != nil {
		s.logger.Warn("read checkpoint failed", zap.Error(err))
	}
	st.Checkpoint = cp
	return st, nil
}

// Alarm returns the standing corruption alarm, if any, and the most recent
// verification report.
func (s *Service) Alarm() (*Alarm, *Report) {
	s.alarmMu.RLock()
	defer s.alarmMu.RUnlock()
	var a *Alarm
	if s.alarm != nil {
		cp := *s.alarm
		a = &cp
	}
	return a, s.lastReport
}

// VerifyChain verifies from the checkpoint, if one is set, to the head of
// the chain as published when the call starts.
func (s *Service) VerifyChain(ctx context.Context) (rep *Report, err error) {
	if err := s.waitReady(ctx); err != nil {
		return nil, err
	}
	ctx, end := tracing.StartSpan(ctx, "ledger.verify_chain")
	defer func() { end(err) }()

	length := s.view.Load().length
	if length == 0 {
		rep = &Report{Valid: true, Complete: true, StartedAt: s.now().UTC()}
		s.observe(ctx, rep)
		return rep, nil
	}

	opts := Options{Length: length}
	cp, err := s.store.Checkpoint(ctx)
	if err != nil {
		return nil, IOError("read checkpoint", err)
	}
	if cp != nil && cp.Index < length {
		if cp.Index+1 == length {
			rep = &Report{Valid: true, Complete: true, From: length, To: length - 1,
				Length: length, Anchored: true, StartedAt: s.now().UTC()}
			s.observe(ctx, rep)
			return rep, nil
		}
		opts.From = cp.Index + 1
		anchor := cp.Hash
		opts.Anchor = &anchor
	}

	rep, err = Verify(ctx, s.store, opts)
	if err != nil {
		return rep, err
	}
	s.observe(ctx, rep)
	return rep, nil
}

// VerifyRange verifies blocks from through to, inclusive.
func (s *Service) VerifyRange(ctx context.Context, from, to uint64) (rep *Report, err error) {
	if err := s.waitReady(ctx); err != nil {
		return nil, err
	}
	ctx, end := tracing.StartSpan(ctx, "ledger.verify_range",
		attribute.Int64("verify.from", int64(from)), attribute.Int64("verify.to", int64(to)))
	defer func() { end(err) }()

	length := s.view.Load().length
	if length == 0 || to >= length {
		return nil, &NotFoundError{Index: to, Length: length}
	}
	rep, err = Verify(ctx, s.store, Options{From: from, To: &to, Length: length})
	if err != nil {
		return rep, err
	}
	s.observe(ctx, rep)
	return rep, nil
}

// observe records rep and raises the standing alarm on the first failure.
func (s *Service) observe(ctx context.Context, rep *Report) {
	fields := []zap.Field{
		zap.Bool("valid", rep.Valid),
		zap.Bool("complete", rep.Complete),
		zap.Uint64("from", rep.From),
		zap.Uint64("checked", rep.Checked),
		zap.Duration("took", rep.Duration),
	}

	s.alarmMu.Lock()
	s.lastReport = rep
	raised := false
	if !rep.Valid && rep.FirstFailureIndex != nil && s.alarm == nil {
		s.alarm = &Alarm{Index: *rep.FirstFailureIndex, Reason: rep.Reason, DetectedAt: s.now().UTC()}
		raised = true
	}
	s.alarmMu.Unlock()

	switch {
	case !rep.Valid:
		s.logger.Error("chain verification failed",
			append(fields, zap.Uint64("index", *rep.FirstFailureIndex), zap.Stringer("reason", rep.Reason))...)
		if raised && s.notifier != nil {
			s.notifier.CorruptionDetected(ctx, rep)
		}
	case !rep.Complete:
		s.logger.Warn("chain verification incomplete", fields...)
	default:
		s.logger.Debug("chain verification passed", fields...)
	}
}

// SetCheckpoint records an administrator's assertion that blocks 0..index
// are trusted. Later VerifyChain runs start after it. A checkpoint at or
// beyond a standing corruption alarm is refused.
func (s *Service) SetCheckpoint(ctx context.Context, index uint64, assertedBy string) (*Checkpoint, error) {
	if err := s.waitReady(ctx); err != nil {
		return nil, err
	}
	if assertedBy == "" {
		return nil, &ValidationError{Field: "asserted_by", Message: "is required"}
	}
	if a, _ := s.Alarm(); a != nil && a.Index <= index {
		return nil, fmt.Errorf("refusing checkpoint at %d: %w", index,
			&ChainCorruptionError{Index: a.Index, Reason: a.Reason})
	}
	b, err := s.Block(ctx, index)
	if err != nil {
		return nil, err
	}
	cp := Checkpoint{Index: index, Hash: b.Hash, AssertedBy: assertedBy, AssertedAt: s.now().UTC()}
	if err := s.store.SaveCheckpoint(ctx, cp); err != nil {
		return nil, IOError("save checkpoint", err)
	}
	s.logger.Info("checkpoint asserted",
		zap.Uint64("index", index),
		zap.String("hash", cp.Hash.Short()),
		zap.String("asserted_by", assertedBy),
	)
	return &cp, nil
}

// Checkpoint returns the current checkpoint, or nil if none was asserted.
func (s *Service) Checkpoint(ctx context.Context) (*Checkpoint, error) {
	if err := s.waitReady(ctx); err != nil {
		return nil, err
	}
	cp, err := s.store.Checkpoint(ctx)
	if err != nil {
		return nil, IOError("read checkpoint", err)
	}
	return cp, nil
}
