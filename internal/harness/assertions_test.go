package harness

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/causalog/internal/dag"
	"github.com/roach88/causalog/internal/ir"
	"github.com/roach88/causalog/internal/testutil"
)

var sampleTrace = []TraceEvent{
	{Timestamp: 1, Scope: "gateway:alice", Type: ir.EntryEffect, Kind: "Invoke"},
	{Timestamp: 2, Scope: "program:amm", Type: ir.EntryEffect, Kind: "Deposit", Parents: []string{"gateway:alice@1"}},
	{Timestamp: 3, Scope: "gateway:alice", Type: ir.EntryEffect, Kind: "Callback", Parents: []string{"program:amm@2"}},
	{Timestamp: 4, Scope: "program:amm", Type: ir.EntryEvent, Kind: "Failure", ErrorKind: ir.KindPayload},
}

func TestTraceEvent_String(t *testing.T) {
	assert.Equal(t, "2 program:amm Effect Deposit parents=gateway:alice@1", sampleTrace[1].String())
	assert.Equal(t, "4 program:amm Event Failure error=PayloadError", sampleTrace[3].String())
}

func TestAssertLogContains(t *testing.T) {
	require.NoError(t, assertLogContains(sampleTrace, Assertion{Scope: "program:amm", Kind: "Failure", ErrorKind: "PayloadError"}))

	err := assertLogContains(sampleTrace, Assertion{Type: AssertLogContains, Scope: "program:amm", Kind: "Failure", ErrorKind: "StaleObservation"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Expected: program:amm Failure error=StaleObservation")
	assert.Contains(t, err.Error(), "[4] 4 program:amm Event Failure")
}

func TestAssertLogCount(t *testing.T) {
	require.NoError(t, assertLogCount(sampleTrace, Assertion{Scope: "gateway:alice", Entry: "Effect", Count: 2}))
	require.NoError(t, assertLogCount(sampleTrace, Assertion{Scope: "program:zzz", Count: 0}))

	err := assertLogCount(sampleTrace, Assertion{Scope: "program:amm", Entry: "Effect", Count: 2})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Actual: 1 entries")
}

func TestAssertLogOrder(t *testing.T) {
	require.NoError(t, assertLogOrder(sampleTrace, Assertion{Scope: "gateway:alice", Kinds: []string{"Invoke", "Callback"}}))
	require.NoError(t, assertLogOrder(sampleTrace, Assertion{Scope: "program:amm", Kinds: []string{"Deposit", "Failure"}}))

	err := assertLogOrder(sampleTrace, Assertion{Scope: "gateway:alice", Kinds: []string{"Callback", "Invoke"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing Invoke after [Callback]")
}

func TestAssertFinalState(t *testing.T) {
	states := map[ir.Scope]ir.IRObject{
		"program:amm": {
			"balances": ir.IRObject{"ETH": ir.IRInt(10), "USDC": ir.IRInt(3)},
			"applied":  ir.IRInt(1),
		},
	}
	require.NoError(t, assertFinalState(states, Assertion{Scope: "program:amm", Expect: map[string]any{
		"balances": map[string]any{"ETH": 10},
	}}))

	err := assertFinalState(states, Assertion{Scope: "program:amm", Expect: map[string]any{"applied": 2}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "program:amm.applied = 2")
	assert.Contains(t, err.Error(), "program:amm.applied = 1")

	err = assertFinalState(states, Assertion{Scope: "program:amm", Expect: map[string]any{"missing": true}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "<absent>")

	err = assertFinalState(states, Assertion{Scope: "program:other", Expect: map[string]any{"x": 1}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "scope has no local entries")
}

func TestAssertDependsOn(t *testing.T) {
	g := dag.NewGraph(nil)
	f1 := testutil.FactEntry(t, 2900, 1)
	d1 := testutil.DepositEntry(t, ir.ProgramScope("amm"), 5, 2, f1.Ref())
	require.NoError(t, g.Link(f1))
	require.NoError(t, g.Link(d1))

	labels := map[string]ir.EntryRef{"f1": f1.Ref(), "d1": d1.Ref()}
	actx := &AssertionContext{Graph: g, Ref: func(l string) (ir.EntryRef, bool) {
		ref, ok := labels[l]
		return ref, ok
	}}

	require.NoError(t, assertDependsOn(actx, Assertion{From: "d1", To: "f1"}))
	require.Error(t, assertDependsOn(actx, Assertion{From: "f1", To: "d1"}))
	assert.ErrorContains(t, assertDependsOn(actx, Assertion{From: "zz", To: "f1"}), `label "zz" has no entry`)
}

func TestEvaluateAssertions(t *testing.T) {
	result := NewResult()
	result.Trace = sampleTrace
	errs := EvaluateAssertions(result, []Assertion{
		{Type: AssertLogCount, Scope: "gateway:alice", Count: 2},
		{Type: AssertDependsOn, From: "a", To: "b"},
		{Type: "bogus"},
	}, nil)
	require.Len(t, errs, 2)
	assert.Contains(t, errs[0], "depends_on requires a graph")
	assert.Contains(t, errs[1], `unknown assertion type "bogus"`)
}
