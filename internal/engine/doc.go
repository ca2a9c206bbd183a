// Package engine implements the causalog invocation pipeline.
//
// The engine receives proposals, validates them, applies them through the
// target scope's handler and writes the outcome to the log: the effect when
// it applies, a Failure event when it does not. Effects derived by a handler
// become new proposals to their own targets.
//
// ARCHITECTURE:
//
// Per-Scope Writers:
// Each target scope has one writer goroutine. It owns the scope's program
// state and is the only code appending to the scope's log, so timestamps and
// state transitions of a scope are produced in one order. Writers for
// different scopes run concurrently.
//
// Invocation Lifecycle:
//
//	Created -> Validating -> Applying -> Completed
//	               |             |
//	               |             +------> Failed
//	               +-> Waiting --+ (ancestors linked: back to Validating)
//	               |             + (deadline passed: Failed)
//	               +------------------> Failed
//
// Validation runs, in order: derivation depth, routing, payload schema,
// causal parents, time map, authorization. The time map is checked once per
// chain: derived proposals inherit the snapshot their source was applied
// under and are not rejected as stale. An invocation whose parents are
// not linked locally waits for them, optionally asking an AncestorResolver
// to fetch them, and resumes without being resubmitted. Later proposals from
// the same origin to the same target wait behind it.
//
// Every failure is written as a Failure event in the target scope, naming
// the proposal hash and the error kind, so rejected work is as auditable as
// applied work.
//
// Logical Clock:
// Entries are stamped with Clock.Next after witnessing the scope's last
// stored timestamp. Wall-clock time is used only for wait deadlines.
//
// Replay Agreement:
// Writers rebuild their state with the replay package and the same handler
// registry, and derived proposals get ids and hashes that depend only on the
// applied entry. Replaying a scope therefore reproduces both the state and
// the derived proposals the pipeline produced.
package engine
