package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/roach88/causalog/internal/dag"
	"github.com/roach88/causalog/internal/handler"
	"github.com/roach88/causalog/internal/ir"
	"github.com/roach88/causalog/internal/replay"
	"github.com/roach88/causalog/internal/schema"
	"github.com/roach88/causalog/internal/store"
	"github.com/roach88/causalog/internal/telemetry"
)

// DefaultWaitTimeout bounds how long an invocation stays parked on missing
// ancestors before it fails with MissingAncestor.
const DefaultWaitTimeout = 30 * time.Second

// Parked invocations ask the resolver again after a backoff that doubles up
// to maxResolveBackoff.
const (
	DefaultResolveBackoff = 250 * time.Millisecond
	maxResolveBackoff     = 5 * time.Second
)

// Engine is the invocation pipeline.
//
// Each target scope has one writer goroutine that owns the scope's program
// state and is the only code that appends to the scope's log. Proposals are
// queued to the writer of their target and processed in arrival order.
// Derived effects are submitted to their own target's writer, so a chain
// that crosses scopes never holds two writers at once.
//
// Thread-safety model:
//   - Submit, Record, Deploy, Status, Await: safe from any goroutine
//   - Program state: touched only by the owning scope writer
//   - Close: stops accepting work, drains queued events, then returns
type Engine struct {
	store    *store.Store
	graph    *dag.Graph
	tm       *dag.TimeMap
	registry *handler.Registry
	schema   *schema.Validator
	replayer *replay.Engine
	cps      *replay.CheckpointStore
	keys     *ir.KeyRing
	clock    *Clock
	ids      IDGenerator
	auth     Authorizer
	resolver AncestorResolver
	policy   dag.StalePolicy
	wait     time.Duration
	backoff  time.Duration
	maxDepth int
	log      *slog.Logger
	metrics  *telemetry.Metrics
	tracer   trace.Tracer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	closed  bool
	writers map[ir.Scope]*scopeWriter
	invs    map[string]*invocation
}

// Option allows configuration of engine parameters.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// WithMetrics records pipeline measurements on m.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithClock sets the logical clock. Tests use NewClockAt for predictable
// timestamps.
func WithClock(c *Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithIDGenerator sets the generator for proposals submitted without an id.
func WithIDGenerator(g IDGenerator) Option {
	return func(e *Engine) { e.ids = g }
}

// WithKeyRing signs written entries with the key of their scope.
func WithKeyRing(k *ir.KeyRing) Option {
	return func(e *Engine) { e.keys = k }
}

// WithSchema sets the payload validator.
func WithSchema(v *schema.Validator) Option {
	return func(e *Engine) { e.schema = v }
}

// WithAuthorizer sets the authorization verdict. Default: AllowAll.
func WithAuthorizer(a Authorizer) Option {
	return func(e *Engine) { e.auth = a }
}

// WithResolver sets where missing ancestors are fetched from.
func WithResolver(r AncestorResolver) Option {
	return func(e *Engine) { e.resolver = r }
}

// WithStalePolicy sets how superseded observations are treated.
// Default: reject.
func WithStalePolicy(p dag.StalePolicy) Option {
	return func(e *Engine) { e.policy = p }
}

// WithWaitTimeout bounds how long an invocation may stay parked.
func WithWaitTimeout(d time.Duration) Option {
	return func(e *Engine) { e.wait = d }
}

// WithMaxDerivationDepth bounds chains of derived proposals.
// Use WithMaxDerivationDepth(2) for testing the bound.
func WithMaxDerivationDepth(n int) Option {
	return func(e *Engine) { e.maxDepth = n }
}

// WithGraph shares a causal graph with other components, such as a peer
// resolver linking fetched ancestors. The graph must already hold the
// store's entries (see dag.Load); New loads the store only into a graph it
// creates itself.
func WithGraph(g *dag.Graph, tm *dag.TimeMap) Option {
	return func(e *Engine) { e.graph, e.tm = g, tm }
}

// WithCheckpoints lets writers start from the newest checkpoint of their
// scope instead of replaying from genesis.
func WithCheckpoints(cps *replay.CheckpointStore) Option {
	return func(e *Engine) { e.cps = cps }
}

// WithResolveBackoff sets the first delay between resolver attempts for a
// parked invocation.
func WithResolveBackoff(d time.Duration) Option {
	return func(e *Engine) { e.backoff = d }
}

// New creates an Engine over st. Program state is rebuilt lazily per scope
// by replaying the scope's log through reg, the same registry replays use.
func New(ctx context.Context, st *store.Store, reg *handler.Registry, opts ...Option) (*Engine, error) {
	e := &Engine{
		store:    st,
		registry: reg,
		clock:    NewClock(),
		ids:      UUIDv7Generator{},
		auth:     AllowAll,
		policy:   defaultPolicy,
		wait:     DefaultWaitTimeout,
		backoff:  DefaultResolveBackoff,
		maxDepth: DefaultMaxDerivationDepth,
		log:      slog.Default(),
		tracer:   telemetry.Tracer(),
		writers:  make(map[ir.Scope]*scopeWriter),
		invs:     make(map[string]*invocation),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.log = e.log.With("component", "engine")
	if e.backoff <= 0 {
		e.backoff = DefaultResolveBackoff
	}
	if err := e.policy.Validate(); err != nil {
		return nil, err
	}
	if e.schema == nil {
		v, err := schema.New()
		if err != nil {
			return nil, err
		}
		e.schema = v
	}
	if e.graph == nil {
		e.graph = dag.NewGraph(e.log)
		e.tm = dag.NewTimeMap(e.log)
		if _, err := dag.Load(ctx, st, e.graph, e.tm); err != nil {
			return nil, fmt.Errorf("load graph: %w", err)
		}
	} else if e.tm == nil {
		e.tm = dag.NewTimeMap(e.log)
	}

	scopes, err := st.Scopes(ctx)
	if err != nil {
		return nil, err
	}
	for _, s := range scopes {
		e.clock.Witness(st.LastTimestamp(s))
	}

	e.replayer = replay.New(st, reg, replay.WithLogger(e.log), replay.WithMetrics(e.metrics))
	e.ctx, e.cancel = context.WithCancel(context.Background())
	e.log.Info("engine started", "scopes", len(scopes), "clock", e.clock.Current(), "policy", e.policy.Mode)
	return e, nil
}

// Graph returns the causal graph the engine links entries into.
func (e *Engine) Graph() *dag.Graph { return e.graph }

// TimeMap returns the node's time map.
func (e *Engine) TimeMap() *dag.TimeMap { return e.tm }

// Registry returns the handler registry.
func (e *Engine) Registry() *handler.Registry { return e.registry }

// Clock returns the logical clock.
func (e *Engine) Clock() *Clock { return e.clock }

// Snapshot captures the current time map for a proposal to target, limited
// to domains when any are given.
func (e *Engine) Snapshot(target ir.Scope, domains ...string) ir.TimeMapSnapshot {
	return e.tm.Snapshot(target, domains...)
}

// Submit accepts a proposal and returns its invocation id. The proposal is
// processed asynchronously; use Status or Await for the outcome. Only
// proposals without a valid target are rejected here, since a Failure event
// needs a scope to be written to.
func (e *Engine) Submit(ctx context.Context, p Proposal) (string, error) {
	if p.Effect == nil {
		return "", ir.Errorf(ir.KindPayload, "proposal has no effect")
	}
	if err := p.Effect.Target.Validate(); err != nil {
		return "", err
	}
	id := p.ID
	if id == "" {
		id = e.ids.Generate()
	}
	eff := cloneEffect(p.Effect)
	eff.Origin = p.Origin
	eff.Handler = ""
	inv, err := e.newInvocation(id, p.Origin, eff, p.Parents, 0)
	if err != nil {
		return "", err
	}
	inv.link = trace.LinkFromContext(ctx)
	if err := e.enqueue(inv); err != nil {
		return "", err
	}
	e.log.Debug("proposal submitted", "id", id, "origin", p.Origin, "target", eff.Target, "effect", eff.Kind)
	return id, nil
}

func (e *Engine) newInvocation(id string, origin ir.Scope, eff *ir.Effect, parents []ir.EntryRef, depth int) (*invocation, error) {
	parents = ir.NormalizeParents(parents)
	h, err := ir.ProposalHash(id, origin, eff, parents)
	if err != nil {
		return nil, err
	}
	inv := &invocation{
		id:      id,
		hash:    h,
		origin:  origin,
		effect:  eff,
		parents: parents,
		depth:   depth,
		done:    make(chan struct{}),
		status: Status{
			ID:           id,
			ProposalHash: h,
			State:        StateCreated,
			Origin:       origin,
			Target:       eff.Target,
			Depth:        depth,
		},
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrClosed
	}
	if _, ok := e.invs[id]; ok {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateInvocation, id)
	}
	e.invs[id] = inv
	return inv, nil
}

// enqueue hands inv to its target's writer.
func (e *Engine) enqueue(inv *invocation) error {
	w, err := e.writer(inv.target())
	if err == nil && w.queue.Enqueue(Event{Type: EventTypeProposal, Invocation: inv}) {
		return nil
	}
	e.abandon(inv, "engine closed before the proposal was queued")
	return ErrClosed
}

// abandon ends an invocation that never reached a writer. No Failure event
// is written since no writer owns its scope any more.
func (e *Engine) abandon(inv *invocation, reason string) {
	e.finish(inv, func(s *Status) {
		s.State = StateFailed
		s.Reason = reason
	})
}

// writer returns the writer of scope, starting it on first use.
func (e *Engine) writer(scope ir.Scope) (*scopeWriter, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrClosed
	}
	w, ok := e.writers[scope]
	if !ok {
		w = newScopeWriter(e, scope)
		e.writers[scope] = w
		e.wg.Add(1)
		go w.run()
	}
	return w, nil
}

// Status returns the current status of invocation id.
func (e *Engine) Status(id string) (Status, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	inv, ok := e.invs[id]
	if !ok {
		return Status{}, fmt.Errorf("%w: %s", ErrUnknownInvocation, id)
	}
	return inv.status.clone(), nil
}

// Await blocks until invocation id is Completed or Failed, or ctx ends.
func (e *Engine) Await(ctx context.Context, id string) (Status, error) {
	e.mu.Lock()
	inv, ok := e.invs[id]
	e.mu.Unlock()
	if !ok {
		return Status{}, fmt.Errorf("%w: %s", ErrUnknownInvocation, id)
	}
	select {
	case <-inv.done:
		return e.Status(id)
	case <-ctx.Done():
		st, _ := e.Status(id)
		return st, ctx.Err()
	}
}

// update changes inv's status under the engine lock.
func (e *Engine) update(inv *invocation, fn func(*Status)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	fn(&inv.status)
}

// finish applies a terminal status and releases Await callers.
func (e *Engine) finish(inv *invocation, fn func(*Status)) {
	e.mu.Lock()
	if inv.status.State.Terminal() {
		e.mu.Unlock()
		return
	}
	fn(&inv.status)
	st := inv.status
	e.mu.Unlock()
	close(inv.done)
	e.metrics.RecordInvocation(context.Background(), inv.target(), string(st.State), st.ErrorKind)
}

// Record writes a fact or event to scope and returns the stored entry.
// Records skip the proposal pipeline: they go through payload validation and
// must have every parent linked, but are never parked.
func (e *Engine) Record(ctx context.Context, scope ir.Scope, p ir.Payload, parents []ir.EntryRef) (ir.LogEntry, error) {
	if p == nil {
		return ir.LogEntry{}, ir.Errorf(ir.KindPayload, "missing payload")
	}
	if _, ok := p.(*ir.Effect); ok {
		return ir.LogEntry{}, ir.Errorf(ir.KindPayload, "effects must be submitted as proposals")
	}
	if err := scope.Validate(); err != nil {
		return ir.LogEntry{}, err
	}
	w, err := e.writer(scope)
	if err != nil {
		return ir.LogEntry{}, err
	}
	req := &recordRequest{ctx: ctx, payload: p, parents: parents, reply: make(chan recordReply, 1)}
	if !w.queue.Enqueue(Event{Type: EventTypeRecord, Record: req}) {
		return ir.LogEntry{}, ErrClosed
	}
	select {
	case r := <-req.reply:
		return r.entry, r.err
	case <-ctx.Done():
		return ir.LogEntry{}, ctx.Err()
	}
}

// Deploy registers a handler version for scope and records the change in
// the scope's log: Deployment for a new handler name, Upgrade for a newer
// version of the bound one.
func (e *Engine) Deploy(ctx context.Context, scope ir.Scope, name, version string, t handler.Transition) (handler.Handler, error) {
	kind := ir.EventDeployment
	var from string
	if prior, err := e.registry.Resolve(scope); err == nil && prior.Name == name {
		kind = ir.EventUpgrade
		from = prior.ID()
	}
	h, err := e.registry.Register(scope, name, version, t)
	if err != nil {
		return handler.Handler{}, err
	}
	details := ir.IRObject{"handler": ir.IRString(h.ID())}
	if from != "" {
		details["from"] = ir.IRString(from)
	}
	ev := &ir.Event{Kind: kind, Subject: h.ID(), Details: details}
	if _, err := e.Record(ctx, scope, ev, nil); err != nil {
		return h, fmt.Errorf("record %s: %w", kind, err)
	}
	e.log.Info("handler deployed", "scope", scope, "handler", h.ID(), "event", kind)
	return h, nil
}

// Close stops accepting work, cancels pending waits, lets every writer
// drain its queue, and waits for them. Invocations still parked are failed
// with a Failure event.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	writers := make([]*scopeWriter, 0, len(e.writers))
	for _, w := range e.writers {
		writers = append(writers, w)
	}
	e.mu.Unlock()

	e.cancel()
	for _, w := range writers {
		w.queue.Close()
	}
	e.wg.Wait()
	e.log.Info("engine stopped", "scopes", len(writers))
	return nil
}

// nextTimestamp stamps the next entry of scope.
func (e *Engine) nextTimestamp(scope ir.Scope) uint64 {
	e.clock.Witness(e.store.LastTimestamp(scope))
	return e.clock.Next()
}

// write builds, signs, appends and links an entry. Callers are scope writers.
func (e *Engine) write(ctx context.Context, scope ir.Scope, p ir.Payload, parents []ir.EntryRef) (ir.LogEntry, error) {
	entry, err := ir.NewEntry(p.EntryType(), p, parents, e.nextTimestamp(scope), scope)
	if err != nil {
		return ir.LogEntry{}, err
	}
	signer, err := e.keys.Signer(scope)
	if err != nil {
		return ir.LogEntry{}, fmt.Errorf("signer for %s: %w", scope, err)
	}
	if signer != nil {
		if entry, err = entry.Sign(signer); err != nil {
			return ir.LogEntry{}, err
		}
	}
	start := time.Now()
	if _, err := e.store.Append(ctx, entry); err != nil {
		return ir.LogEntry{}, err
	}
	e.metrics.RecordAppend(ctx, entry.Type, time.Since(start))
	if err := e.graph.Link(entry); err != nil {
		// Parents were checked before writing; only failure events with
		// unresolvable parents get here, and those are filtered too.
		e.log.Warn("written entry not linked", "scope", scope, "entry_id", entry.ID, "error", err)
	}
	e.tm.Observe(entry)
	return entry, nil
}

func (e *Engine) span(ctx context.Context, name string, inv *invocation) (context.Context, trace.Span) {
	opts := []trace.SpanStartOption{trace.WithAttributes(
		attribute.String("causalog.invocation", inv.id),
		attribute.String("causalog.origin", string(inv.origin)),
		attribute.String("causalog.target", string(inv.target())),
		attribute.String("causalog.effect", string(inv.effect.Kind)),
	)}
	if inv.link.SpanContext.IsValid() {
		opts = append(opts, trace.WithLinks(inv.link))
	}
	return e.tracer.Start(ctx, name, opts...)
}

func cloneEffect(eff *ir.Effect) *ir.Effect {
	c := *eff
	c.Args = eff.Args.Clone()
	if c.Args == nil {
		c.Args = ir.IRObject{}
	}
	c.TimeMap.Observations = append([]ir.Observation(nil), eff.TimeMap.Observations...)
	return &c
}

var errDeadline = errors.New("deadline exceeded")
