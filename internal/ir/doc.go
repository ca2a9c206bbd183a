// Package ir defines the log entry model shared by every other package:
// IR values, canonical JSON, content hashing, the closed payload union,
// time-map snapshots, signing and the substrate error kinds.
//
// ir imports nothing internal. Key constraints:
//   - no floats anywhere; numbers are int64
//   - an entry's ID is its content hash, computed over canonical JSON
//   - timestamps are per-scope logical clocks, never wall-clock time
package ir
