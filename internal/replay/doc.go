// Package replay reconstructs scope state from the log.
//
// Effects go through the same handler.Registry the pipeline used, resolved
// by the exact name@version recorded on each effect entry. Facts feed a time
// map projection and events an audit trail; neither touches program state.
//
// Replay is a pure function of the log. Running it twice gives the same
// state hash and the same derived-proposal hashes, and resuming from a
// Checkpoint gives the same result as starting from genesis. A checkpoint is
// only a cache and is verified against the log before use.
package replay
