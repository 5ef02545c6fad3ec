// Package ledger implements the tamper-evident clinical event ledger: an
// append-only chain of SHA-256 sealed blocks of canonical CBOR-encoded events.
//
// Writes go through Service, the single owner of chain mutation. Blocks are
// persisted by a Store (see internal/store) and looked up by record id through
// a rebuildable Index. Verify recomputes every hash and link and reports the
// first mismatch; it never repairs the chain.
package ledger
