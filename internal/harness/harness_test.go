package harness

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/causalog/internal/engine"
	"github.com/roach88/causalog/internal/ir"
)

func TestScenarios(t *testing.T) {
	scenarios, err := LoadDir("testdata/scenarios")
	require.NoError(t, err)
	require.Len(t, scenarios, 4)

	for _, sc := range scenarios {
		t.Run(sc.Name, func(t *testing.T) {
			result, err := RunWithGolden(t, sc)
			require.NoError(t, err)
			assert.True(t, result.Pass, "errors: %v", result.Errors)
		})
	}
}

func TestRun_WaitingResumeOutcomes(t *testing.T) {
	sc, err := LoadScenario("testdata/scenarios/waiting_resume.yaml")
	require.NoError(t, err)

	result, err := Run(context.Background(), sc)
	require.NoError(t, err)
	require.True(t, result.Pass, "errors: %v", result.Errors)

	require.Len(t, result.Outcomes, 2, "awaits update the submit outcome")
	for _, o := range result.Outcomes {
		assert.Equal(t, engine.StateCompleted, o.State, o.Label)
	}
	amm := result.State[ir.ProgramScope("amm")]
	assert.Equal(t, ir.IRInt(15), amm.Object("balances")["ETH"])
	_, imported := result.State[ir.ActorScope("oracle")]
	assert.False(t, imported, "pulled entries are not local scopes")
}

func TestRun_ExpectMismatchIsReported(t *testing.T) {
	sc, err := ParseScenario([]byte(`
name: wrong_expectation
description: "Expects a stale swap to succeed"
steps:
  - record: {as: f1, scope: "actor:oracle", fact: {domain: ethereum, type: price, id: F1, value: {price: 1}}}
  - snapshot: {as: view, target: "program:amm"}
  - record: {as: f2, scope: "actor:oracle", fact: {domain: ethereum, type: price, id: F1, value: {price: 2}}}
  - submit:
      as: swap
      origin: "gateway:bob"
      effect: {kind: Deposit, target: "program:amm", resource: ETH, amount: 1}
      time_map: view
    expect: {state: Completed}
assertions:
  - type: log_count
    scope: "program:amm"
    entry: Effect
    count: 1
`))
	require.NoError(t, err)

	result, err := Run(context.Background(), sc)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 2)
	assert.Contains(t, result.Errors[0], "steps[3]: swap: expected state Completed, got Failed")
	assert.Contains(t, result.Errors[1], "Assertion failed: log_count")
	assert.Equal(t, []Outcome{{
		Label:     "swap",
		State:     engine.StateFailed,
		ErrorKind: ir.KindStaleObservation,
		Reason:    result.Outcomes[0].Reason,
	}}, result.Outcomes)
}

func TestRun_DerivationDepthBound(t *testing.T) {
	sc, err := ParseScenario([]byte(`
name: depth_bound
description: "A gateway callback chain is cut by a tight depth bound"
max_depth: 1
steps:
  - submit:
      as: invoke
      origin: "actor:alice"
      effect: {kind: Invoke, target: "gateway:alice", resource: ETH, amount: 3, args: {program: "program:amm"}}
    expect: {state: Completed}
assertions:
  - type: log_contains
    scope: "gateway:alice"
    entry: Event
    kind: Failure
    error_kind: PayloadError
`))
	require.NoError(t, err)

	result, err := Run(context.Background(), sc)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
	assert.Equal(t, "3 gateway:alice Event Failure error=PayloadError parents=program:amm@2", result.Trace[2].String())
}

func TestParseScenario_Invalid(t *testing.T) {
	const head = "name: n\ndescription: d\n"
	tests := []struct {
		name   string
		yaml   string
		errMsg string
	}{
		{"no name", "description: d\nsteps: [{advance: 1}]\n", "name is required"},
		{"no steps", head, "steps list is required"},
		{"unknown field", head + "steps: [{advance: 1}]\nassertion: []\n", "field assertion not found"},
		{"two actions", head + "steps: [{advance: 1, await: x}]\n", "exactly one action"},
		{"undefined label", head + "steps: [{await: x}]\n", `label "x" used before it is defined`},
		{"wrong label kind", head + `steps:
  - record: {as: f1, scope: "actor:o", fact: {domain: d, type: t, id: i}}
  - await: f1
`, `label "f1" is a entry`},
		{"duplicate label", head + `steps:
  - snapshot: {as: s, target: "program:a"}
  - snapshot: {as: s, target: "program:a"}
`, "defined twice"},
		{"bad scope", head + "steps: [{snapshot: {as: s, target: nowhere}}]\n", "snapshot.target"},
		{"bad node", head + `steps:
  - record: {as: f1, node: far, scope: "actor:o", fact: {domain: d, type: t, id: i}}
`, `unknown node "far"`},
		{"bad expect state", head + `steps:
  - submit: {as: p, origin: "program:a", effect: {kind: Deposit, target: "program:b"}}
    expect: {state: Applying}
`, "state must be Waiting, Completed or Failed"},
		{"error kind without failure", head + `steps:
  - submit: {as: p, origin: "program:a", effect: {kind: Deposit, target: "program:b"}}
    expect: {state: Completed, error_kind: PayloadError}
`, "error_kind requires state Failed"},
		{"expect on advance", head + "steps: [{advance: 1, expect: {state: Completed}}]\n", "expect applies to submit and await only"},
		{"bad policy", head + "policy: {mode: sometimes}\nsteps: [{advance: 1}]\n", "policy"},
		{"unknown assertion", head + "steps: [{advance: 1}]\nassertions: [{type: vibes}]\n", "unknown assertion type"},
		{"depends_on snapshot", head + `steps:
  - snapshot: {as: s, target: "program:a"}
assertions: [{type: depends_on, from: s, to: s}]
`, "depends_on needs entry or invocation labels"},
		{"final_state without expect", head + "steps: [{advance: 1}]\nassertions: [{type: final_state, scope: \"program:a\"}]\n", "expect is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseScenario([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestLoadScenario_MissingFile(t *testing.T) {
	_, err := LoadScenario("testdata/scenarios/nope.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read scenario file")
}

func TestConvertToIRValue(t *testing.T) {
	v, err := convertToIRValue(map[string]any{
		"n":    3,
		"f":    4.0,
		"s":    "x",
		"b":    true,
		"list": []any{1, "a"},
	})
	require.NoError(t, err)
	assert.Equal(t, ir.IRObject{
		"n":    ir.IRInt(3),
		"f":    ir.IRInt(4),
		"s":    ir.IRString("x"),
		"b":    ir.IRBool(true),
		"list": ir.IRArray{ir.IRInt(1), ir.IRString("a")},
	}, v)

	_, err = convertToIRValue(1.5)
	assert.ErrorContains(t, err, "fractional")
	_, err = convertToIRValue(map[string]any{"k": nil})
	assert.ErrorContains(t, err, `field "k": null values`)
}
