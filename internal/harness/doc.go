// Package harness runs YAML scenarios against a real engine.
//
// A scenario is a list of steps executed in order against a fresh node
// (and, when a step names it, a second "remote" node). Steps record facts,
// take time-map snapshots, advance the logical clock, submit proposals,
// pull entries from the remote node and await outcomes. After the steps,
// assertions are checked against the local log and replayed state.
//
// # Scenario Format
//
//	name: ethereum_stale_price
//	description: "A swap built on a superseded price is rejected"
//	steps:
//	  - record: {as: f1, scope: "actor:oracle", fact: {domain: ethereum, type: price, id: F1, value: {price: 2900}}}
//	  - snapshot: {as: view, target: "program:amm", domains: [ethereum]}
//	  - advance: 49
//	  - record: {as: f2, scope: "actor:oracle", fact: {domain: ethereum, type: price, id: F1, value: {price: 3100}}}
//	  - submit:
//	      as: swap
//	      origin: "gateway:bob"
//	      effect: {kind: Deposit, target: "program:amm", resource: ETH, amount: 5}
//	      time_map: view
//	    expect: {state: Failed, error_kind: StaleObservation}
//	assertions:
//	  - type: log_contains
//	    scope: "program:amm"
//	    entry: Event
//	    kind: Failure
//
// # Assertion Types
//
//   - log_contains: an entry of the scope matches entry type, kind and error kind
//   - log_count: exactly count entries of the scope match
//   - log_order: the scope's entry kinds appear in the given order
//   - final_state: replayed state of the scope contains expect (subset match)
//   - depends_on: the entry labelled from causally depends on the entry labelled to
//
// # Deterministic Traces
//
// Both nodes start their clocks at zero and sign with a fixed seed, and
// submitted proposals use their step label as invocation id. A scenario
// whose steps are awaited in turn therefore produces the same log every
// run, and its trace can be compared against a golden file.
package harness
