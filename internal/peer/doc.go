// Package peer moves log entries between nodes.
//
// DataProvider is the read-only query surface a node offers its peers:
// the latest fact by id, a sealed log segment, facts of a domain in a time
// range, and single entries by reference. Local answers from a store;
// Handler serves a DataProvider over HTTP and Client consumes one.
//
// Resolver is the consumer side of ancestor resolution. It fetches missing
// entries and their ancestors, verifies content address and signature, and
// imports them in causal order so waiting invocations can resume. Nothing is
// trusted because of where it came from.
package peer
