package ledger

import (
	"errors"
	"fmt"
)

var (
	// ErrEmptyBlock is returned by Seal when given zero events. Reaching it
	// from the Service indicates an internal bug.
	ErrEmptyBlock = errors.New("ledger: block must contain at least one event")

	// ErrNotReady is returned by write operations while the Service is still
	// loading the chain or has failed to load it.
	ErrNotReady = errors.New("ledger: service not ready")

	// ErrNotFound is matched by every NotFoundError.
	ErrNotFound = errors.New("ledger: not found")

	// ErrOutOfOrder is matched by every OutOfOrderError.
	ErrOutOfOrder = errors.New("ledger: append out of order")

	// ErrStorageIO is matched by every StorageIOError.
	ErrStorageIO = errors.New("ledger: storage i/o failure")

	// ErrChainCorrupted is matched by every ChainCorruptionError.
	ErrChainCorrupted = errors.New("ledger: chain corrupted")
)

// ValidationError reports a malformed or incomplete event. Such events are
// rejected before sealing and never enter the chain.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid event: " + e.Message
	}
	return fmt.Sprintf("invalid event: %s: %s", e.Field, e.Message)
}

// EncodingError reports an event that cannot be canonically encoded.
type EncodingError struct {
	Field string
	Err   error
}

func (e *EncodingError) Error() string {
	return fmt.Sprintf("canonical encoding: %s: %v", e.Field, e.Err)
}

func (e *EncodingError) Unwrap() error { return e.Err }

// NotFoundError reports a block index outside the chain.
type NotFoundError struct {
	Index  uint64
	Length uint64
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("block %d not found (chain length %d)", e.Index, e.Length)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// OutOfOrderError is returned by Store.Append when the block does not extend
// the current head. Callers re-read the head and re-seal.
type OutOfOrderError struct {
	WantIndex uint64
	GotIndex  uint64
	WantPrev  Hash
	GotPrev   Hash
}

func (e *OutOfOrderError) Error() string {
	if e.WantIndex != e.GotIndex {
		return fmt.Sprintf("append out of order: want index %d, got %d", e.WantIndex, e.GotIndex)
	}
	return fmt.Sprintf("append out of order at index %d: previous hash %s does not match head %s",
		e.GotIndex, e.GotPrev.Short(), e.WantPrev.Short())
}

func (e *OutOfOrderError) Is(target error) bool { return target == ErrOutOfOrder }

// StorageIOError wraps a durable-write or read failure. A failed append
// leaves the chain length unchanged.
type StorageIOError struct {
	Op  string
	Err error
}

func (e *StorageIOError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageIOError) Unwrap() error { return e.Err }

func (e *StorageIOError) Is(target error) bool { return target == ErrStorageIO }

// ChainCorruptionError is raised when verification finds a mismatch. It is
// never retriable and the chain is never repaired automatically.
type ChainCorruptionError struct {
	Index  uint64
	Reason FailureReason
}

func (e *ChainCorruptionError) Error() string {
	return fmt.Sprintf("chain corrupted at block %d: %s", e.Index, e.Reason)
}

func (e *ChainCorruptionError) Is(target error) bool { return target == ErrChainCorrupted }

// IOError wraps err as a StorageIOError for op. Nil stays nil.
func IOError(op string, err error) error {
	if err == nil {
		return nil
	}
	var sio *StorageIOError
	if errors.As(err, &sio) {
		return err
	}
	return &StorageIOError{Op: op, Err: err}
}

// CorruptRecordError reports a persisted block record that can no longer be
// decoded. The Verifier treats it as a hash mismatch at Index.
type CorruptRecordError struct {
	Index uint64
	Err   error
}

func (e *CorruptRecordError) Error() string {
	return fmt.Sprintf("block %d: corrupt record: %v", e.Index, e.Err)
}

func (e *CorruptRecordError) Unwrap() error { return e.Err }
