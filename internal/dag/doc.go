// Package dag tracks causal ancestry and the externally observed fact state.
//
// Graph links entries to their parents. An entry can only be linked once all
// of its parents are linked, so the graph never holds a dangling edge; a
// missing parent surfaces as MissingAncestor and the caller retries after the
// ancestor has been fetched. Subscribe lets parked invocations wait for a
// specific ancestor.
//
// TimeMap holds the latest version of every fact seen on this node.
// Proposals snapshot it; application validates the snapshot against it.
//
// TotalOrder gives any set of entries a single deterministic order:
// topological by parent edges, ties broken by (timestamp, id).
package dag
