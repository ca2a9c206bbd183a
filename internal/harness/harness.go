package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/roach88/causalog/internal/dag"
	"github.com/roach88/causalog/internal/engine"
	"github.com/roach88/causalog/internal/handler"
	"github.com/roach88/causalog/internal/ir"
	"github.com/roach88/causalog/internal/peer"
	"github.com/roach88/causalog/internal/replay"
	"github.com/roach88/causalog/internal/store"
)

// Seed is the key seed of both scenario nodes.
var Seed = []byte("causalog-harness-seed-0123456789")

// DefaultStepTimeout bounds each await.
const DefaultStepTimeout = 10 * time.Second

type config struct {
	logger  *slog.Logger
	dir     string
	timeout time.Duration
	engine  []engine.Option
}

// Option configures Run.
type Option func(*config)

// WithLogger sets the logger for both nodes. Logs are discarded by default.
func WithLogger(l *slog.Logger) Option {
	return func(c *config) { c.logger = l }
}

// WithDir places node stores under dir instead of a temporary directory
// that is removed afterwards.
func WithDir(dir string) Option {
	return func(c *config) { c.dir = dir }
}

// WithStepTimeout bounds each await.
func WithStepTimeout(d time.Duration) Option {
	return func(c *config) { c.timeout = d }
}

// WithEngineOptions sets base engine options for both nodes, such as those
// built from a node configuration. The harness keys, logger and clock, and
// the scenario's own settings, take precedence.
func WithEngineOptions(opts ...engine.Option) Option {
	return func(c *config) { c.engine = append(c.engine, opts...) }
}

// node is one store and the engine writing to it.
type node struct {
	st  *store.Store
	eng *engine.Engine
}

func (n *node) close() error {
	return errors.Join(n.eng.Close(), n.st.Close())
}

// Harness executes one scenario.
type Harness struct {
	sc     *Scenario
	cfg    config
	log    *slog.Logger
	keys   *ir.KeyRing
	local  *node
	remote *node
	res    *peer.Resolver

	entries  map[string]ir.EntryRef
	snaps    map[string]ir.TimeMapSnapshot
	statuses map[string]engine.Status
	result   *Result
}

// Run executes a scenario against fresh nodes and returns the result.
// Expect and assertion mismatches are reported in Result.Errors; the error
// return is for scenarios that could not be executed at all.
//
// Execution flow:
// 1. Open the local node (and the remote node if a step uses it)
// 2. Execute steps in order, checking expect clauses
// 3. Collect the local trace and replay every local scope
// 4. Evaluate assertions
func Run(ctx context.Context, scenario *Scenario, opts ...Option) (*Result, error) {
	cfg := config{timeout: DefaultStepTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	dir := cfg.dir
	if dir == "" {
		tmp, err := os.MkdirTemp("", "causalog-harness-*")
		if err != nil {
			return nil, err
		}
		defer os.RemoveAll(tmp)
		dir = tmp
	}

	h := &Harness{
		sc:       scenario,
		cfg:      cfg,
		log:      cfg.logger.With("scenario", scenario.Name),
		keys:     ir.NewKeyRing(Seed),
		entries:  make(map[string]ir.EntryRef),
		snaps:    make(map[string]ir.TimeMapSnapshot),
		statuses: make(map[string]engine.Status),
		result:   NewResult(),
	}

	local, err := h.openNode(ctx, filepath.Join(dir, NodeLocal))
	if err != nil {
		return nil, fmt.Errorf("failed to open local node: %w", err)
	}
	h.local = local
	defer local.close()

	if scenario.usesRemote() {
		remote, err := h.openNode(ctx, filepath.Join(dir, NodeRemote))
		if err != nil {
			return nil, fmt.Errorf("failed to open remote node: %w", err)
		}
		h.remote = remote
		defer remote.close()
		h.res = peer.NewResolver(local.st, local.eng.Graph(),
			[]peer.DataProvider{peer.NewLocal(remote.st)},
			peer.WithTimeMap(local.eng.TimeMap()),
			peer.WithKeyRing(h.keys),
			peer.WithLogger(h.log),
		)
	}

	for i, step := range scenario.Steps {
		if err := h.execute(ctx, i, step); err != nil {
			return nil, fmt.Errorf("steps[%d]: %w", i, err)
		}
	}

	if err := h.collect(ctx); err != nil {
		return nil, err
	}
	for _, msg := range EvaluateAssertions(h.result, scenario.Assertions, h.assertionContext()) {
		h.result.AddError(msg)
	}
	return h.result, nil
}

func (s *Scenario) usesRemote() bool {
	for _, step := range s.Steps {
		if step.Record != nil && step.Record.Node == NodeRemote {
			return true
		}
	}
	return false
}

func (h *Harness) openNode(ctx context.Context, dir string) (*node, error) {
	st, err := store.Open(dir, store.WithFsync(false), store.WithLogger(h.log))
	if err != nil {
		return nil, err
	}
	opts := append([]engine.Option(nil), h.cfg.engine...)
	opts = append(opts,
		engine.WithLogger(h.log),
		engine.WithKeyRing(h.keys),
		engine.WithClock(engine.NewClockAt(0)),
	)
	if p := h.sc.Policy; p != nil {
		opts = append(opts, engine.WithStalePolicy(dag.StalePolicy{Mode: dag.StaleMode(p.Mode), MaxTicks: p.MaxTicks}))
	}
	if h.sc.WaitTimeout > 0 {
		opts = append(opts, engine.WithWaitTimeout(h.sc.WaitTimeout))
	}
	if h.sc.MaxDepth > 0 {
		opts = append(opts, engine.WithMaxDerivationDepth(h.sc.MaxDepth))
	}
	eng, err := engine.New(ctx, st, handler.NewDefaultRegistry(), opts...)
	if err != nil {
		st.Close()
		return nil, err
	}
	return &node{st: st, eng: eng}, nil
}

func (h *Harness) execute(ctx context.Context, i int, step Step) error {
	switch {
	case step.Record != nil:
		return h.record(ctx, step.Record)
	case step.Snapshot != nil:
		s := step.Snapshot
		h.snaps[s.As] = h.local.eng.Snapshot(ir.Scope(s.Target), s.Domains...)
		return nil
	case step.Advance > 0:
		c := h.local.eng.Clock()
		c.Witness(c.Current() + step.Advance)
		return nil
	case step.Submit != nil:
		if err := h.submit(ctx, step.Submit); err != nil {
			return err
		}
		return h.check(ctx, i, step.Submit.As, step.Expect)
	case len(step.Sync) > 0:
		refs := make([]ir.EntryRef, 0, len(step.Sync))
		for _, l := range step.Sync {
			refs = append(refs, h.entries[l])
		}
		if h.res == nil {
			return fmt.Errorf("sync without a remote node")
		}
		return h.res.Resolve(ctx, refs)
	case step.Await != "":
		return h.check(ctx, i, step.Await, step.Expect)
	}
	return fmt.Errorf("empty step")
}

func (h *Harness) record(ctx context.Context, r *RecordStep) error {
	n := h.local
	if r.Node == NodeRemote {
		n = h.remote
	}
	value, err := convertArgsToIRObject(r.Fact.Value)
	if err != nil {
		return fmt.Errorf("fact value: %w", err)
	}
	observer := r.Fact.Observer
	if observer == "" {
		observer = r.Scope
	}
	parents, err := h.refs(r.Parents)
	if err != nil {
		return err
	}
	e, err := n.eng.Record(ctx, ir.Scope(r.Scope), &ir.Fact{
		Domain:   r.Fact.Domain,
		FactType: r.Fact.Type,
		FactID:   r.Fact.ID,
		Value:    value,
		Proof:    r.Fact.Proof,
		Observer: observer,
	}, parents)
	if err != nil {
		return err
	}
	h.entries[r.As] = e.Ref()
	h.log.Info("recorded", "label", r.As, "scope", e.Scope, "ts", e.Timestamp)
	return nil
}

func (h *Harness) submit(ctx context.Context, s *SubmitStep) error {
	args, err := convertArgsToIRObject(s.Effect.Args)
	if err != nil {
		return fmt.Errorf("effect args: %w", err)
	}
	target := ir.Scope(s.Effect.Target)
	tm := ir.NewTimeMapSnapshot(target, 0)
	if s.TimeMap != "" {
		tm = h.snaps[s.TimeMap]
	}
	parents, err := h.refs(s.Parents)
	if err != nil {
		return err
	}
	_, err = h.local.eng.Submit(ctx, engine.Proposal{
		ID:     s.As,
		Origin: ir.Scope(s.Origin),
		Effect: &ir.Effect{
			Kind:     ir.EffectKind(s.Effect.Kind),
			Target:   target,
			Resource: s.Effect.Resource,
			Amount:   s.Effect.Amount,
			Args:     args,
			TimeMap:  tm,
		},
		Parents: parents,
	})
	return err
}

// refs resolves labels to entry references. An invocation label stands for
// the entry its invocation wrote.
func (h *Harness) refs(labels []string) ([]ir.EntryRef, error) {
	out := make([]ir.EntryRef, 0, len(labels))
	for _, l := range labels {
		ref, ok := h.ref(l)
		if !ok {
			return nil, fmt.Errorf("label %q has no entry", l)
		}
		out = append(out, ref)
	}
	return out, nil
}

func (h *Harness) ref(label string) (ir.EntryRef, bool) {
	if ref, ok := h.entries[label]; ok {
		return ref, true
	}
	if st, ok := h.statuses[label]; ok && st.Entry != nil {
		return *st.Entry, true
	}
	return ir.EntryRef{}, false
}

// check waits for the invocation's expected state and compares the
// outcome. Without an expectation it awaits completion and checks nothing.
func (h *Harness) check(ctx context.Context, i int, label string, expect *ExpectClause) error {
	var (
		st  engine.Status
		err error
	)
	if expect != nil && engine.State(expect.State) == engine.StateWaiting {
		st, err = h.waitFor(ctx, label, engine.StateWaiting)
	} else {
		st, err = h.awaitAll(ctx, label)
	}
	if err != nil {
		return err
	}
	h.statuses[label] = st
	h.setOutcome(label, st)
	h.log.Info("outcome", "label", label, "state", st.State, "kind", st.ErrorKind)

	if expect == nil {
		return nil
	}
	if string(st.State) != expect.State {
		h.result.AddError(fmt.Sprintf("steps[%d]: %s: expected state %s, got %s (%s)", i, label, expect.State, st.State, st.Reason))
		return nil
	}
	if expect.ErrorKind != "" && string(st.ErrorKind) != expect.ErrorKind {
		h.result.AddError(fmt.Sprintf("steps[%d]: %s: expected error kind %s, got %s", i, label, expect.ErrorKind, st.ErrorKind))
	}
	if expect.Reason != "" && !strings.Contains(st.Reason, expect.Reason) {
		h.result.AddError(fmt.Sprintf("steps[%d]: %s: reason %q does not contain %q", i, label, st.Reason, expect.Reason))
	}
	return nil
}

// awaitAll waits for id and, transitively, every invocation derived from
// it, so the next step sees a quiet node.
func (h *Harness) awaitAll(ctx context.Context, id string) (engine.Status, error) {
	actx, cancel := context.WithTimeout(ctx, h.cfg.timeout)
	defer cancel()
	st, err := h.local.eng.Await(actx, id)
	if err != nil {
		return st, fmt.Errorf("await %s: %w", id, err)
	}
	for _, d := range st.Derived {
		if _, err := h.awaitAll(ctx, d); err != nil {
			return st, err
		}
	}
	return st, nil
}

func (h *Harness) waitFor(ctx context.Context, id string, want engine.State) (engine.Status, error) {
	deadline := time.Now().Add(h.cfg.timeout)
	ticker := time.NewTicker(2 * time.Millisecond)
	defer ticker.Stop()
	for {
		st, err := h.local.eng.Status(id)
		if err != nil {
			return st, err
		}
		if st.State == want || st.State.Terminal() || time.Now().After(deadline) {
			return st, nil
		}
		select {
		case <-ctx.Done():
			return st, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (h *Harness) setOutcome(label string, st engine.Status) {
	o := Outcome{Label: label, State: st.State, ErrorKind: st.ErrorKind, Reason: st.Reason}
	for i := range h.result.Outcomes {
		if h.result.Outcomes[i].Label == label {
			h.result.Outcomes[i] = o
			return
		}
	}
	h.result.Outcomes = append(h.result.Outcomes, o)
}

// collect builds the trace from the local node's own entries and replays
// every local scope.
func (h *Harness) collect(ctx context.Context) error {
	scopes, err := h.local.st.Scopes(ctx)
	if err != nil {
		return err
	}
	var all []ir.LogEntry
	known := make(map[ir.EntryRef]uint64)
	rp := replay.New(h.local.st, h.local.eng.Registry(), replay.WithLogger(h.log))
	for _, scope := range scopes {
		entries, err := h.local.st.ReadRange(ctx, scope, 0, 0).Collect()
		if err != nil {
			return err
		}
		for _, e := range entries {
			known[e.Ref()] = e.Timestamp
		}
		all = append(all, entries...)

		res, err := rp.Run(ctx, scope, replay.Options{})
		if err != nil {
			return fmt.Errorf("replay %s: %w", scope, err)
		}
		h.result.State[scope] = res.State
	}

	for _, e := range dag.TotalOrder(all) {
		ev := TraceEvent{
			Timestamp: e.Timestamp,
			Scope:     e.Scope,
			Type:      e.Type,
			Kind:      e.Payload.PayloadKind(),
		}
		if event, ok := e.Payload.(*ir.Event); ok {
			ev.ErrorKind = event.ErrorKind
		}
		for _, p := range e.Parents {
			ts, ok := known[p]
			if !ok {
				imported, err := h.local.st.GetByID(ctx, p.ID)
				if err != nil {
					return err
				}
				if imported != nil {
					ts = imported.Timestamp
				}
			}
			ev.Parents = append(ev.Parents, fmt.Sprintf("%s@%d", p.Scope, ts))
		}
		h.result.Trace = append(h.result.Trace, ev)
	}
	return nil
}

func (h *Harness) assertionContext() *AssertionContext {
	return &AssertionContext{
		Graph: h.local.eng.Graph(),
		Ref:   h.ref,
	}
}

// convertArgsToIRObject converts a YAML-decoded map to ir.IRObject.
func convertArgsToIRObject(args map[string]any) (ir.IRObject, error) {
	if args == nil {
		return ir.IRObject{}, nil
	}
	result := make(ir.IRObject, len(args))
	for key, val := range args {
		irVal, err := convertToIRValue(val)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", key, err)
		}
		result[key] = irVal
	}
	return result, nil
}

// convertToIRValue converts a YAML-decoded value to an IRValue. Nulls and
// fractional numbers have no canonical form and are rejected.
func convertToIRValue(val any) (ir.IRValue, error) {
	switch v := val.(type) {
	case nil:
		return nil, fmt.Errorf("null values are not allowed in payloads")
	case string:
		return ir.IRString(v), nil
	case int:
		return ir.IRInt(int64(v)), nil
	case int64:
		return ir.IRInt(v), nil
	case uint64:
		if v > 1<<63-1 {
			return nil, fmt.Errorf("integer %d out of range", v)
		}
		return ir.IRInt(int64(v)), nil
	case float64:
		if v == float64(int64(v)) {
			return ir.IRInt(int64(v)), nil
		}
		return nil, fmt.Errorf("fractional numbers are not allowed in payloads: %v", v)
	case bool:
		return ir.IRBool(v), nil
	case []any:
		arr := make(ir.IRArray, len(v))
		for i, elem := range v {
			irElem, err := convertToIRValue(elem)
			if err != nil {
				return nil, fmt.Errorf("array[%d]: %w", i, err)
			}
			arr[i] = irElem
		}
		return arr, nil
	case map[string]any:
		return convertArgsToIRObject(v)
	default:
		return nil, fmt.Errorf("unsupported type %T", val)
	}
}
