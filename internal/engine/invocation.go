package engine

import (
	"context"
	"slices"

	"go.opentelemetry.io/otel/trace"

	"github.com/roach88/causalog/internal/dag"
	"github.com/roach88/causalog/internal/ir"
)

// Proposal asks the engine to apply an effect to its target scope.
type Proposal struct {
	// ID names the invocation. Generated when empty.
	ID      string
	Origin  ir.Scope
	Effect  *ir.Effect
	Parents []ir.EntryRef
}

// State is an invocation's position in the pipeline.
type State string

const (
	StateCreated    State = "Created"
	StateValidating State = "Validating"
	StateApplying   State = "Applying"
	// StateWaiting: parked until its ancestors are linked, or queued behind
	// a parked invocation from the same origin.
	StateWaiting   State = "Waiting"
	StateCompleted State = "Completed"
	StateFailed    State = "Failed"
)

// Terminal reports whether s is Completed or Failed.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Status is a point-in-time view of an invocation.
type Status struct {
	ID           string   `json:"id"`
	ProposalHash string   `json:"proposal_hash"`
	State        State    `json:"state"`
	Origin       ir.Scope `json:"origin"`
	Target       ir.Scope `json:"target"`
	Depth        int      `json:"depth"`

	// Entry is the applied effect when Completed and the Failure event when
	// Failed.
	Entry *ir.EntryRef `json:"entry,omitempty"`

	ErrorKind ir.Kind        `json:"error_kind,omitempty"`
	Reason    string         `json:"reason,omitempty"`
	Missing   []ir.EntryRef  `json:"missing,omitempty"`
	Stale     []ir.StaleFact `json:"stale,omitempty"`

	// Derived lists the ids of invocations derived from this one.
	Derived []string    `json:"derived,omitempty"`
	Result  ir.IRObject `json:"result,omitempty"`
}

func (s Status) clone() Status {
	c := s
	if s.Entry != nil {
		ref := *s.Entry
		c.Entry = &ref
	}
	c.Missing = slices.Clone(s.Missing)
	c.Stale = slices.Clone(s.Stale)
	c.Derived = slices.Clone(s.Derived)
	c.Result = s.Result.Clone()
	return c
}

// invocation is the engine's record of one proposal. Status fields are
// guarded by Engine.mu; the rest is immutable after Submit.
type invocation struct {
	id      string
	hash    string
	origin  ir.Scope
	effect  *ir.Effect
	parents []ir.EntryRef
	depth   int
	link    trace.Link

	status Status
	done   chan struct{}
}

func (inv *invocation) target() ir.Scope { return inv.effect.Target }

func (inv *invocation) proposal() Proposal {
	return Proposal{ID: inv.id, Origin: inv.origin, Effect: inv.effect, Parents: inv.parents}
}

// Authorizer decides whether a validated proposal may be applied. A non-nil
// error rejects it; errors that carry no kind are recorded as
// AuthorizationError.
type Authorizer interface {
	Authorize(ctx context.Context, p Proposal) error
}

// AuthorizerFunc adapts a function to Authorizer.
type AuthorizerFunc func(ctx context.Context, p Proposal) error

func (f AuthorizerFunc) Authorize(ctx context.Context, p Proposal) error { return f(ctx, p) }

// AllowAll authorizes every proposal.
var AllowAll Authorizer = AuthorizerFunc(func(context.Context, Proposal) error { return nil })

// AncestorResolver fetches missing ancestors from elsewhere. Resolve should
// import each entry it finds and link it into the graph; the engine resumes
// parked invocations when the graph links their parents, not when Resolve
// returns.
type AncestorResolver interface {
	Resolve(ctx context.Context, refs []ir.EntryRef) error
}

// checkRoute enforces who may address whom:
//
//	actor   -> its own gateway
//	gateway -> programs
//	program -> programs, gateways (callbacks)
//
// Actor scopes take no effects.
func checkRoute(origin, target ir.Scope) error {
	if origin == "" {
		return routeError(origin, target, "proposal has no origin")
	}
	if origin.Validate() != nil {
		return routeError(origin, target, "malformed origin")
	}
	switch target.Kind() {
	case ir.ScopeActor:
		return routeError(origin, target, "actor scopes accept no effects")
	case ir.ScopeGateway:
		switch origin.Kind() {
		case ir.ScopeActor:
			if origin.Name() != target.Name() {
				return routeError(origin, target, "actors address their own gateway")
			}
			return nil
		case ir.ScopeProgram:
			return nil
		}
		return routeError(origin, target, "gateways are addressed by their actor or by programs")
	case ir.ScopeProgram:
		if origin.Kind() == ir.ScopeActor {
			return routeError(origin, target, "actors address programs through their gateway")
		}
		return nil
	}
	return routeError(origin, target, "unknown scope kind")
}

// staleDetails renders tolerated or rejected observations for an event.
func staleDetails(stale []ir.StaleFact) ir.IRArray {
	out := make(ir.IRArray, 0, len(stale))
	for _, s := range stale {
		out = append(out, ir.IRObject{
			"domain":   ir.IRString(s.Domain),
			"fact_id":  ir.IRString(s.FactID),
			"observed": ir.IRInt(int64(s.Observed)),
			"current":  ir.IRInt(int64(s.Current)),
		})
	}
	return out
}

func refDetails(refs []ir.EntryRef) ir.IRArray {
	out := make(ir.IRArray, 0, len(refs))
	for _, r := range refs {
		out = append(out, ir.IRObject{"scope": ir.IRString(r.Scope), "id": ir.IRString(r.ID)})
	}
	return out
}

// defaultPolicy is used when no stale policy is configured.
var defaultPolicy = dag.StalePolicy{Mode: dag.StaleReject}
