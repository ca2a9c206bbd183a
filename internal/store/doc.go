// Package store provides the segmented append-only log.
//
// Each scope has exactly one writer and a sequence of segment files under
// segments/<scope>/. Only the newest segment of a scope is active; rotation
// closes it by entry count, byte size or age, and closed segments are
// optionally compressed with zstd. Entries fetched from peers to satisfy
// cross-scope parents live in a separate import log under imports/.
//
// # Ordering
//
//   - Timestamps are strictly increasing within a scope; an append at or
//     below the last timestamp fails with OrderingViolation and is never
//     written.
//   - Appending an entry already stored is a no-op.
//   - Entries are verified before they are written.
//
// # Index
//
// A SQLite index maps entry ids to (segment, offset) and holds per-segment
// statistics. It is derived data: a missing or corrupt index is rebuilt by
// scanning the segment files.
//
//   - WAL mode, synchronous=NORMAL, busy_timeout=5000, foreign_keys=ON
//   - A single connection; scope locks serialize writers.
package store
