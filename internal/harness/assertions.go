package harness

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/roach88/causalog/internal/dag"
	"github.com/roach88/causalog/internal/ir"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string
	Expected string
	Actual   string
	Trace    []TraceEvent
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)
	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for i, event := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] %s\n", i+1, event)
		}
	}
	return buf.String()
}

// AssertionContext provides what assertions need beyond the trace.
type AssertionContext struct {
	Graph *dag.Graph
	// Ref resolves an entry or invocation label.
	Ref func(label string) (ir.EntryRef, bool)
}

// matches reports whether event satisfies the assertion's filters.
func (a Assertion) matches(event TraceEvent) bool {
	if string(event.Scope) != a.Scope {
		return false
	}
	if a.Entry != "" && string(event.Type) != a.Entry {
		return false
	}
	if a.Kind != "" && event.Kind != a.Kind {
		return false
	}
	return a.ErrorKind == "" || string(event.ErrorKind) == a.ErrorKind
}

func (a Assertion) describe() string {
	parts := []string{a.Scope}
	if a.Entry != "" {
		parts = append(parts, a.Entry)
	}
	if a.Kind != "" {
		parts = append(parts, a.Kind)
	}
	if a.ErrorKind != "" {
		parts = append(parts, "error="+a.ErrorKind)
	}
	return strings.Join(parts, " ")
}

func assertLogContains(trace []TraceEvent, a Assertion) error {
	for _, event := range trace {
		if a.matches(event) {
			return nil
		}
	}
	return &AssertionError{
		Type:     AssertLogContains,
		Expected: a.describe(),
		Actual:   "not found in trace",
		Trace:    trace,
	}
}

func assertLogCount(trace []TraceEvent, a Assertion) error {
	count := 0
	for _, event := range trace {
		if a.matches(event) {
			count++
		}
	}
	if count != a.Count {
		return &AssertionError{
			Type:     AssertLogCount,
			Expected: fmt.Sprintf("%d entries matching %s", a.Count, a.describe()),
			Actual:   fmt.Sprintf("%d entries", count),
			Trace:    trace,
		}
	}
	return nil
}

// assertLogOrder checks that the scope's entry kinds appear in order.
// Other entries may appear in between.
func assertLogOrder(trace []TraceEvent, a Assertion) error {
	next := 0
	for _, event := range trace {
		if next < len(a.Kinds) && string(event.Scope) == a.Scope && event.Kind == a.Kinds[next] {
			next++
		}
	}
	if next < len(a.Kinds) {
		return &AssertionError{
			Type:     AssertLogOrder,
			Expected: fmt.Sprintf("%s kinds in order: %v", a.Scope, a.Kinds),
			Actual:   fmt.Sprintf("missing %s after %v", a.Kinds[next], a.Kinds[:next]),
			Trace:    trace,
		}
	}
	return nil
}

func assertFinalState(states map[ir.Scope]ir.IRObject, a Assertion) error {
	state, ok := states[ir.Scope(a.Scope)]
	if !ok {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("state of %s", a.Scope),
			Actual:   "scope has no local entries",
		}
	}
	expected, err := convertArgsToIRObject(a.Expect)
	if err != nil {
		return fmt.Errorf("final_state expect: %w", err)
	}
	for _, key := range expected.SortedKeys() {
		if !stateMatches(state[key], expected[key]) {
			return &AssertionError{
				Type:     AssertFinalState,
				Expected: fmt.Sprintf("%s.%s = %s", a.Scope, key, render(expected[key])),
				Actual:   fmt.Sprintf("%s.%s = %s", a.Scope, key, render(state[key])),
			}
		}
	}
	return nil
}

func assertDependsOn(actx *AssertionContext, a Assertion) error {
	from, ok := actx.Ref(a.From)
	if !ok {
		return fmt.Errorf("depends_on: label %q has no entry", a.From)
	}
	to, ok := actx.Ref(a.To)
	if !ok {
		return fmt.Errorf("depends_on: label %q has no entry", a.To)
	}
	if !actx.Graph.DependsOn(from, to) {
		return &AssertionError{
			Type:     AssertDependsOn,
			Expected: fmt.Sprintf("%s (%s) depends on %s (%s)", a.From, from, a.To, to),
			Actual:   "no causal path",
		}
	}
	return nil
}

// stateMatches compares with subset semantics for objects: keys absent from
// expected are ignored at every level.
func stateMatches(actual, expected ir.IRValue) bool {
	exp, ok := expected.(ir.IRObject)
	if !ok {
		return reflect.DeepEqual(actual, expected)
	}
	act, ok := actual.(ir.IRObject)
	if !ok {
		return false
	}
	for k, v := range exp {
		if !stateMatches(act[k], v) {
			return false
		}
	}
	return true
}

func render(v ir.IRValue) string {
	if v == nil {
		return "<absent>"
	}
	data, err := ir.MarshalIRValue(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}

// EvaluateAssertions evaluates all assertions against the result.
// Returns a slice of error messages for failed assertions.
func EvaluateAssertions(result *Result, assertions []Assertion, actx *AssertionContext) []string {
	var errs []string
	for i, a := range assertions {
		var err error
		switch a.Type {
		case AssertLogContains:
			err = assertLogContains(result.Trace, a)
		case AssertLogCount:
			err = assertLogCount(result.Trace, a)
		case AssertLogOrder:
			err = assertLogOrder(result.Trace, a)
		case AssertFinalState:
			err = assertFinalState(result.State, a)
		case AssertDependsOn:
			if actx == nil || actx.Graph == nil {
				err = fmt.Errorf("assertion[%d]: depends_on requires a graph", i)
			} else {
				err = assertDependsOn(actx, a)
			}
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, a.Type)
		}
		if err != nil {
			errs = append(errs, err.Error())
		}
	}
	return errs
}
