package harness

import (
	"fmt"
	"strings"

	"github.com/roach88/causalog/internal/engine"
	"github.com/roach88/causalog/internal/ir"
)

// TraceEvent is one local log entry in total order.
type TraceEvent struct {
	Timestamp uint64       `json:"ts"`
	Scope     ir.Scope     `json:"scope"`
	Type      ir.EntryType `json:"type"`
	Kind      string       `json:"kind"`
	ErrorKind ir.Kind      `json:"error_kind,omitempty"`
	// Parents are rendered scope@timestamp so traces do not depend on
	// content hashes.
	Parents []string `json:"parents,omitempty"`
}

// String renders the event as one trace line.
func (e TraceEvent) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d %s %s %s", e.Timestamp, e.Scope, e.Type, e.Kind)
	if e.ErrorKind != "" {
		fmt.Fprintf(&b, " error=%s", e.ErrorKind)
	}
	if len(e.Parents) > 0 {
		fmt.Fprintf(&b, " parents=%s", strings.Join(e.Parents, ","))
	}
	return b.String()
}

// Outcome is the last observed status of a submitted proposal.
type Outcome struct {
	Label     string       `json:"label"`
	State     engine.State `json:"state"`
	ErrorKind ir.Kind      `json:"error_kind,omitempty"`
	Reason    string       `json:"reason,omitempty"`
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true when every expect clause and assertion held.
	Pass bool `json:"pass"`

	// Trace holds the local node's entries in causal total order.
	Trace []TraceEvent `json:"trace"`

	Outcomes []Outcome `json:"outcomes"`

	Errors []string `json:"errors,omitempty"`

	// State holds replayed state for every scope written locally.
	State map[ir.Scope]ir.IRObject `json:"state,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:     true,
		Trace:    []TraceEvent{},
		Outcomes: []Outcome{},
		Errors:   []string{},
		State:    make(map[ir.Scope]ir.IRObject),
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// TraceText renders the trace one event per line.
func (r *Result) TraceText() string {
	var b strings.Builder
	for _, e := range r.Trace {
		b.WriteString(e.String())
		b.WriteByte('\n')
	}
	return b.String()
}
