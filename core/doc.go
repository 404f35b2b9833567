// Package core defines the shared domain types of the memory store:
// entries, owner scopes, lifecycle states, access records and the error
// kinds every component reports.
//
// A memory entry is one immutable version of a (owner_type, owner_id, key)
// identity. Versions start at 1 and increase by exactly one per successful
// write. Identity uniqueness holds only over Active entries; superseded,
// expired and invalidated versions are retained as bounded history.
//
// Components built on these types:
//   - store: versioned entry storage with optimistic concurrency
//   - index: embedding similarity search over active entries
//   - retention: TTL expiry and importance-ranked eviction
//   - syncer: cross-agent delta propagation and conflict resolution
//   - audit: append-only access logging and importance recalculation
package core
