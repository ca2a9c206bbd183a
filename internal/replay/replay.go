package replay

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/roach88/causalog/internal/dag"
	"github.com/roach88/causalog/internal/handler"
	"github.com/roach88/causalog/internal/ir"
	"github.com/roach88/causalog/internal/store"
	"github.com/roach88/causalog/internal/telemetry"
)

// Source is the log a replay reads. *store.Store satisfies it.
type Source interface {
	ReadRangeAfter(ctx context.Context, scope ir.Scope, after, end uint64) *store.Iterator
	GetByID(ctx context.Context, id string) (*ir.LogEntry, error)
}

// Engine replays scope logs through the handler registry.
type Engine struct {
	src      Source
	registry *handler.Registry
	log      *slog.Logger
	metrics  *telemetry.Metrics
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// WithMetrics records replayed entries on m.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// New returns a replay engine over src using the same registry the pipeline
// applies effects with.
func New(src Source, registry *handler.Registry, opts ...Option) *Engine {
	e := &Engine{src: src, registry: registry, log: slog.Default()}
	for _, opt := range opts {
		opt(e)
	}
	e.log = e.log.With("component", "replay")
	return e
}

// Filter restricts which transitions a replay emits. Program state is always
// computed from every effect; the filter never changes the outcome.
type Filter struct {
	// From and To bound entry timestamps, inclusive. Zero means unbounded.
	// Replay stops once it passes To.
	From, To uint64
	// Types limits emitted entries to these types.
	Types []ir.EntryType
	// Resource matches effects moving this resource.
	Resource string
	// Domain matches facts of this domain and effects whose time map
	// observed it.
	Domain string
}

// Match reports whether e passes the filter.
func (f Filter) Match(e ir.LogEntry) bool {
	if f.From != 0 && e.Timestamp < f.From {
		return false
	}
	if f.To != 0 && e.Timestamp > f.To {
		return false
	}
	if len(f.Types) > 0 && !slices.Contains(f.Types, e.Type) {
		return false
	}
	if f.Resource != "" {
		eff, ok := e.Payload.(*ir.Effect)
		if !ok || eff.Resource != f.Resource {
			return false
		}
	}
	if f.Domain != "" {
		switch p := e.Payload.(type) {
		case *ir.Fact:
			if p.Domain != f.Domain {
				return false
			}
		case *ir.Effect:
			if !slices.Contains(p.TimeMap.Domains(), f.Domain) {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// Options configures one replay.
type Options struct {
	// From resumes after a checkpoint instead of genesis.
	From      *Checkpoint
	Filter    Filter
	Observers []Observer
}

// Transition is one replayed entry and the state after it.
type Transition struct {
	Entry     ir.LogEntry
	State     ir.IRObject
	StateHash string
	// Result is the handler result for effects.
	Result ir.IRObject
	// Derived holds the proposal hashes of effects derived from this entry.
	Derived []string
}

// AuditRecord is the audit-trail projection of an Event entry.
type AuditRecord struct {
	Timestamp uint64
	EntryID   string
	Kind      ir.EventKind
	Subject   string
	ErrorKind ir.Kind
	Reason    string
}

// Counts tallies replayed entries.
type Counts struct {
	Entries  int
	Effects  int
	Facts    int
	Events   int
	Failures int
}

// Replay returns a lazy iterator over the transitions of scope. It reads
// entries as it goes; Close releases the underlying store iterator.
func (r *Engine) Replay(ctx context.Context, scope ir.Scope, opts Options) *Iterator {
	return &Iterator{
		r:      r,
		ctx:    ctx,
		scope:  scope,
		opts:   opts,
		state:  ir.IRObject{},
		tm:     dag.NewTimeMap(r.log),
		notify: newNotifier(r.log, opts.Observers),
	}
}

// Iterator walks a replay.
//
//	it := engine.Replay(ctx, scope, replay.Options{})
//	defer it.Close()
//	for it.Next() {
//	    t := it.Transition()
//	}
//	if err := it.Err(); err != nil { ... }
type Iterator struct {
	r      *Engine
	ctx    context.Context
	scope  ir.Scope
	opts   Options
	notify *notifier

	src     *store.Iterator
	state   ir.IRObject
	tm      *dag.TimeMap
	last    ir.LogEntry
	cur     Transition
	counts  Counts
	derived []string
	audit   []AuditRecord

	started bool
	done    bool
	err     error
}

// Next advances to the next emitted transition.
func (it *Iterator) Next() bool {
	if it.done {
		return false
	}
	if !it.started {
		it.started = true
		if err := it.start(); err != nil {
			it.fail(err)
			return false
		}
	}
	for it.src.Next() {
		e := it.src.Entry()
		if to := it.opts.Filter.To; to != 0 && e.Timestamp > to {
			break
		}
		t, err := it.step(e)
		if err != nil {
			it.fail(err)
			return false
		}
		if it.opts.Filter.Match(e) {
			it.cur = t
			it.notify.entry(t)
			return true
		}
	}
	if err := it.src.Err(); err != nil {
		it.fail(fmt.Errorf("read %s: %w", it.scope, err))
		return false
	}
	it.finish()
	return false
}

func (it *Iterator) start() error {
	var after uint64
	if cp := it.opts.From; cp != nil {
		if cp.Scope != it.scope {
			return fmt.Errorf("checkpoint of %s cannot resume %s", cp.Scope, it.scope)
		}
		if err := cp.verify(it.ctx, it.r.src); err != nil {
			return err
		}
		it.state = cp.State.Clone()
		if it.state == nil {
			it.state = ir.IRObject{}
		}
		it.tm.Restore(ir.NewTimeMapSnapshot(it.scope, cp.Tick, cp.Facts...))
		it.counts = cp.Counts
		it.last = ir.LogEntry{ID: cp.EntryID, Timestamp: cp.Timestamp, Scope: cp.Scope}
		after = cp.Timestamp
	}
	it.src = it.r.src.ReadRangeAfter(it.ctx, it.scope, after, 0)
	it.notify.start(it.scope, after)
	it.r.log.Debug("replay started", "scope", it.scope, "after", after)
	return nil
}

// step applies one entry. Only effects change program state.
func (it *Iterator) step(e ir.LogEntry) (Transition, error) {
	if err := ir.Verify(e); err != nil {
		return Transition{}, err
	}
	t := Transition{Entry: e}
	switch p := e.Payload.(type) {
	case *ir.Effect:
		h, err := it.r.registry.ResolveID(it.scope, p.Handler)
		if err != nil {
			return Transition{}, fmt.Errorf("replay %s: %w", e.Ref(), err)
		}
		out, err := handler.Apply(h, it.state, p)
		if err != nil {
			return Transition{}, fmt.Errorf("replay %s diverged: %w", e.Ref(), err)
		}
		derivs, err := handler.Derive(e, out.Derived)
		if err != nil {
			return Transition{}, err
		}
		for _, d := range derivs {
			t.Derived = append(t.Derived, d.Hash)
		}
		it.derived = append(it.derived, t.Derived...)
		it.state = out.State
		t.Result = out.Result
		it.counts.Effects++
	case *ir.Fact:
		it.tm.Observe(e)
		it.counts.Facts++
	case *ir.Event:
		it.audit = append(it.audit, AuditRecord{
			Timestamp: e.Timestamp,
			EntryID:   e.ID,
			Kind:      p.Kind,
			Subject:   p.Subject,
			ErrorKind: p.ErrorKind,
			Reason:    p.Reason,
		})
		it.counts.Events++
		if p.Kind == ir.EventFailure {
			it.counts.Failures++
		}
	default:
		return Transition{}, ir.Errorf(ir.KindPayload, "unknown payload %T", e.Payload)
	}
	it.counts.Entries++
	it.last = e
	h, err := ir.StateHash(it.state)
	if err != nil {
		return Transition{}, err
	}
	t.State = it.state.Clone()
	t.StateHash = h
	it.r.metrics.RecordReplayed(it.ctx, e.Type)
	return t, nil
}

func (it *Iterator) fail(err error) {
	it.err = err
	it.r.log.Error("replay failed", "scope", it.scope, "error", err)
	it.finish()
}

func (it *Iterator) finish() {
	if it.done {
		return
	}
	it.done = true
	if it.src != nil {
		it.src.Close()
	}
	it.notify.end(it.summary())
}

// Transition returns the current transition.
func (it *Iterator) Transition() Transition { return it.cur }

// Err returns the error that stopped the replay, if any.
func (it *Iterator) Err() error { return it.err }

// Close stops the replay early.
func (it *Iterator) Close() error {
	it.finish()
	return nil
}

// State returns the program state after the last replayed entry.
func (it *Iterator) State() ir.IRObject { return it.state }

// TimeMap returns the fact projection built from the scope's Fact entries.
func (it *Iterator) TimeMap() *dag.TimeMap { return it.tm }

// Audit returns the audit trail built from the scope's Event entries.
func (it *Iterator) Audit() []AuditRecord { return it.audit }

// Checkpoint captures the replay position. Resuming a replay from it gives
// the same outcome as continuing this one.
func (it *Iterator) Checkpoint() (Checkpoint, error) {
	if it.last.ID == "" {
		return Checkpoint{}, fmt.Errorf("no entry replayed yet for %s", it.scope)
	}
	h, err := ir.StateHash(it.state)
	if err != nil {
		return Checkpoint{}, err
	}
	snap := it.tm.Snapshot(it.scope)
	return Checkpoint{
		Scope:     it.scope,
		Timestamp: it.last.Timestamp,
		EntryID:   it.last.ID,
		State:     it.state.Clone(),
		StateHash: h,
		Tick:      snap.Tick,
		Facts:     snap.Observations,
		Counts:    it.counts,
	}, nil
}

func (it *Iterator) summary() Summary {
	h, _ := ir.StateHash(it.state)
	return Summary{
		Scope:     it.scope,
		Last:      it.last.Timestamp,
		LastID:    it.last.ID,
		StateHash: h,
		Counts:    it.counts,
		Err:       it.err,
	}
}

// Result is the outcome of Run.
type Result struct {
	Scope     ir.Scope
	State     ir.IRObject
	StateHash string
	// Last is the timestamp of the last replayed entry.
	Last   uint64
	LastID string
	// Derived lists derived-proposal hashes in log order.
	Derived []string
	Audit   []AuditRecord
	Counts  Counts
}

// Run drains a replay of scope and returns its final state.
func (r *Engine) Run(ctx context.Context, scope ir.Scope, opts Options) (Result, error) {
	it := r.Replay(ctx, scope, opts)
	defer it.Close()
	for it.Next() {
	}
	if err := it.Err(); err != nil {
		return Result{}, err
	}
	s := it.summary()
	return Result{
		Scope:     scope,
		State:     it.state,
		StateHash: s.StateHash,
		Last:      s.Last,
		LastID:    s.LastID,
		Derived:   it.derived,
		Audit:     it.audit,
		Counts:    it.counts,
	}, nil
}
