// Package kv provides the SQLite-backed transactional key-value store the
// coordination core is built on.
//
// The store exposes four primitives:
//
//   - Point reads that return a value together with its revision token.
//   - Multi-key conditional commits: every check names a key and the revision
//     it was read at (0 for "must not exist"), and the whole commit applies
//     atomically or fails with ErrCommitConflict.
//   - Ordered prefix scans with an opaque continuation cursor.
//   - Per-key change notification and an at-least-once delayed message queue.
//
// Revisions are per-key counters bumped on every committed mutation. They are
// the only cross-operation synchronization primitive in the system; callers
// that mutate based on a prior read wrap the read-transform-commit cycle in
// Update, which retries a bounded number of times on revision conflicts.
//
// The database runs in WAL mode with a busy timeout, and the pool is pinned
// to a single connection so conditional commits serialize instead of
// surfacing SQLITE_BUSY to callers.
package kv
