package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/causalog/internal/handler"
	"github.com/roach88/causalog/internal/ir"
	"github.com/roach88/causalog/internal/replay"
	"github.com/roach88/causalog/internal/telemetry"
)

type recordRequest struct {
	ctx     context.Context
	payload ir.Payload
	parents []ir.EntryRef
	reply   chan recordReply
}

type recordReply struct {
	entry ir.LogEntry
	err   error
}

// scopeWriter is the single writer of one scope. Everything below run is
// called only from its goroutine.
type scopeWriter struct {
	e     *Engine
	scope ir.Scope
	queue *eventQueue
	log   *slog.Logger

	state   ir.IRObject
	initErr error

	// parked holds invocations waiting on ancestors, by id. heads maps an
	// origin to its parked invocation; later proposals from that origin
	// queue in blocked behind it so outbox order holds.
	parked  map[string]*invocation
	heads   map[ir.Scope]*invocation
	blocked map[ir.Scope][]*invocation
}

func newScopeWriter(e *Engine, scope ir.Scope) *scopeWriter {
	return &scopeWriter{
		e:       e,
		scope:   scope,
		queue:   newEventQueue(),
		log:     e.log.With("scope", scope),
		parked:  make(map[string]*invocation),
		heads:   make(map[ir.Scope]*invocation),
		blocked: make(map[ir.Scope][]*invocation),
	}
}

// run is the writer loop. It returns once the queue is closed and drained.
func (w *scopeWriter) run() {
	defer w.e.wg.Done()
	w.init()

	for {
		ev, ok := w.queue.TryDequeue()
		if ok {
			w.process(ev)
			continue
		}
		<-w.queue.Wait()
		// The signal channel closes when the queue is closed, so this
		// wakes immediately once Close was called.
		if w.queue.Closed() && w.queue.Len() == 0 {
			w.shutdown()
			return
		}
	}
}

// init rebuilds program state from the log, starting at the newest valid
// checkpoint when a checkpoint store is configured.
func (w *scopeWriter) init() {
	ctx := context.Background()
	var opts replay.Options
	if cps := w.e.cps; cps != nil {
		cp, err := cps.Latest(w.scope)
		if err != nil {
			w.log.Warn("checkpoint unavailable, replaying from genesis", "error", err)
		}
		opts.From = cp
	}
	res, err := w.e.replayer.Run(ctx, w.scope, opts)
	if err != nil && opts.From != nil {
		w.log.Warn("checkpoint rejected, replaying from genesis", "error", err)
		res, err = w.e.replayer.Run(ctx, w.scope, replay.Options{})
	}
	if err != nil {
		w.initErr = fmt.Errorf("rebuild %s state: %w", w.scope, err)
		w.log.Error("writer cannot rebuild state", "error", err)
		return
	}
	w.state = res.State
	w.log.Debug("writer started", "entries", res.Counts.Entries, "state_hash", res.StateHash)
}

func (w *scopeWriter) process(ev Event) {
	switch ev.Type {
	case EventTypeProposal:
		inv := ev.Invocation
		if _, ok := w.heads[inv.origin]; ok {
			w.blocked[inv.origin] = append(w.blocked[inv.origin], inv)
			w.update(inv, func(s *Status) {
				s.State = StateWaiting
				s.Reason = "queued behind a parked invocation from " + string(inv.origin)
			})
			return
		}
		w.validate(inv)

	case EventTypeResume:
		inv := ev.Invocation
		if !w.unpark(inv) {
			return
		}
		w.log.Debug("resuming invocation", "id", inv.id)
		w.validate(inv)
		w.drain(inv.origin)

	case EventTypeExpire:
		inv := ev.Invocation
		if !w.unpark(inv) {
			return
		}
		st, _ := w.e.Status(inv.id)
		err := ir.NewMissingAncestor(w.scope, "", st.Missing)
		err.Err = errDeadline
		w.fail(inv, err)
		w.drain(inv.origin)

	case EventTypeRecord:
		entry, err := w.record(ev.Record)
		ev.Record.reply <- recordReply{entry: entry, err: err}

	default:
		w.log.Error("unknown event type", "type", ev.Type)
	}
}

// validate runs the checks in order: derivation depth, routing, payload
// schema, causal parents, time map, authorization. Any failure writes a
// Failure event. Missing parents park the invocation instead. The time map
// is checked only for submitted proposals.
func (w *scopeWriter) validate(inv *invocation) {
	ctx, span := w.e.span(context.Background(), "engine.validate", inv)
	defer span.End()
	w.update(inv, func(s *Status) {
		s.State = StateValidating
		s.Reason = ""
		s.Missing = nil
	})

	if w.initErr != nil {
		w.fail(inv, w.initErr)
		return
	}
	if err := checkDepth(inv, w.e.maxDepth); err != nil {
		w.fail(inv, err)
		return
	}
	if err := checkRoute(inv.origin, inv.target()); err != nil {
		w.fail(inv, err)
		return
	}
	if err := w.e.schema.ValidatePayload(inv.effect); err != nil {
		w.fail(inv, err)
		return
	}
	if missing := w.e.graph.Missing(inv.parents); len(missing) > 0 {
		w.park(inv, missing)
		return
	}
	// A derived proposal carries the snapshot its source was validated
	// against, and the source is already applied.
	var stale []ir.StaleFact
	if inv.depth == 0 {
		var err error
		stale, err = w.e.tm.Validate(inv.effect.TimeMap, w.e.policy)
		if err != nil {
			w.update(inv, func(s *Status) { s.Stale = stale })
			w.fail(inv, err)
			return
		}
	}
	if err := w.e.auth.Authorize(ctx, inv.proposal()); err != nil {
		w.fail(inv, asKind(ir.KindAuthorization, w.scope, err))
		return
	}
	w.apply(ctx, inv, stale)
}

func (w *scopeWriter) update(inv *invocation, fn func(*Status)) { w.e.update(inv, fn) }

// apply runs the scope's handler and, if it succeeds, writes the effect,
// adopts the new state and submits the derived proposals. Nothing changes
// when any step fails.
func (w *scopeWriter) apply(ctx context.Context, inv *invocation, stale []ir.StaleFact) {
	ctx, span := w.e.span(ctx, "engine.apply", inv)
	defer span.End()
	w.update(inv, func(s *Status) { s.State = StateApplying })

	h, err := w.e.registry.Resolve(w.scope)
	if err != nil {
		telemetry.Failed(span, err)
		w.fail(inv, err)
		return
	}
	out, err := handler.Apply(h, w.state, inv.effect)
	if err != nil {
		telemetry.Failed(span, err)
		w.fail(inv, err)
		return
	}
	eff := cloneEffect(inv.effect)
	eff.Handler = h.ID()
	entry, err := w.e.write(ctx, w.scope, eff, inv.parents)
	if err != nil {
		telemetry.Failed(span, err)
		w.fail(inv, err)
		return
	}
	w.state = out.State

	derivs, err := handler.Derive(entry, out.Derived)
	if err != nil {
		// The effect is already applied; only its follow-ups are lost.
		w.log.Error("derive failed", "id", inv.id, "entry_id", entry.ID, "error", err)
	}
	derived := make([]string, 0, len(derivs))
	for _, d := range derivs {
		child, err := w.e.newInvocation(d.ID, d.Origin, d.Effect, d.Parents, inv.depth+1)
		if err != nil {
			w.log.Error("derived proposal dropped", "id", d.ID, "error", err)
			continue
		}
		child.link = inv.link
		if err := w.e.enqueue(child); err != nil {
			w.log.Warn("derived proposal not queued", "id", d.ID, "error", err)
		}
		derived = append(derived, d.ID)
	}

	if len(stale) > 0 {
		ev := &ir.Event{
			Kind:    ir.EventStaleTolerated,
			Subject: entry.ID,
			Reason:  fmt.Sprintf("%d superseded observation(s) tolerated", len(stale)),
			Details: ir.IRObject{"stale": staleDetails(stale), "invocation": ir.IRString(inv.id)},
		}
		if _, err := w.e.write(ctx, w.scope, ev, []ir.EntryRef{entry.Ref()}); err != nil {
			w.log.Error("stale tolerance not recorded", "entry_id", entry.ID, "error", err)
		}
	}

	ref := entry.Ref()
	w.e.finish(inv, func(s *Status) {
		s.State = StateCompleted
		s.Entry = &ref
		s.Stale = stale
		s.Derived = derived
		s.Result = out.Result.Clone()
	})
	w.log.Info("invocation completed",
		"id", inv.id,
		"origin", inv.origin,
		"effect", inv.effect.Kind,
		"entry_id", entry.ID,
		"ts", entry.Timestamp,
		"derived", len(derived),
	)
}

// fail writes the Failure event for inv and marks it Failed. The event's
// parents are the proposal's parents that are linked locally.
func (w *scopeWriter) fail(inv *invocation, cause error) {
	ctx := context.Background()
	kind := failureKind(cause)
	details := ir.IRObject{
		"invocation": ir.IRString(inv.id),
		"origin":     ir.IRString(inv.origin),
		"effect":     ir.IRString(inv.effect.Kind),
	}
	var ierr *ir.Error
	if !errors.As(cause, &ierr) {
		ierr = nil
	}
	if ierr != nil && len(ierr.Missing) > 0 {
		details["missing"] = refDetails(ierr.Missing)
	}
	st, _ := w.e.Status(inv.id)
	if len(st.Stale) > 0 {
		details["stale"] = staleDetails(st.Stale)
	}

	var parents []ir.EntryRef
	for _, p := range inv.parents {
		if w.e.graph.Linked(p) {
			parents = append(parents, p)
		}
	}
	ev := &ir.Event{
		Kind:      ir.EventFailure,
		Subject:   inv.hash,
		ErrorKind: kind,
		Reason:    cause.Error(),
		Details:   details,
	}
	entry, err := w.e.write(ctx, w.scope, ev, parents)
	w.e.finish(inv, func(s *Status) {
		s.State = StateFailed
		s.ErrorKind = kind
		s.Reason = cause.Error()
		if ierr != nil && len(ierr.Missing) > 0 {
			s.Missing = ierr.Missing
		}
		if err == nil {
			ref := entry.Ref()
			s.Entry = &ref
		}
	})
	if err != nil {
		w.log.Error("failure event not written", "id", inv.id, "cause", cause, "error", err)
		return
	}
	w.log.Warn("invocation failed",
		"id", inv.id,
		"origin", inv.origin,
		"error_kind", kind,
		"reason", cause.Error(),
		"entry_id", entry.ID,
	)
}

// park moves inv to Waiting until every missing ref is linked or the wait
// deadline passes. The resolver, if any, is asked to fetch them until they
// arrive.
func (w *scopeWriter) park(inv *invocation, missing []ir.EntryRef) {
	w.parked[inv.id] = inv
	w.heads[inv.origin] = inv
	w.update(inv, func(s *Status) {
		s.State = StateWaiting
		s.Missing = missing
		s.Reason = fmt.Sprintf("awaiting %d ancestor(s)", len(missing))
	})
	w.e.metrics.Parked(context.Background(), 1)
	w.log.Info("invocation waiting", "id", inv.id, "missing", len(missing))

	e := w.e
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ctx, cancel := context.WithTimeout(e.ctx, e.wait)
		defer cancel()
		if e.resolver != nil {
			e.wg.Add(1)
			go func() {
				defer e.wg.Done()
				w.fetch(ctx, inv, missing)
			}()
		}
		for _, ref := range missing {
			select {
			case <-e.graph.Subscribe(ref):
			case <-ctx.Done():
				if e.ctx.Err() != nil {
					return // engine closing; shutdown fails the invocation
				}
				w.queue.Enqueue(Event{Type: EventTypeExpire, Invocation: inv})
				return
			}
		}
		w.queue.Enqueue(Event{Type: EventTypeResume, Invocation: inv})
	}()
}

// fetch asks the resolver for the refs of missing that are still unlinked,
// backing off between attempts, until all are linked or ctx ends.
func (w *scopeWriter) fetch(ctx context.Context, inv *invocation, missing []ir.EntryRef) {
	e := w.e
	delay := e.backoff
	for attempt := 1; ; attempt++ {
		pending := e.graph.Missing(missing)
		if len(pending) == 0 {
			return
		}
		err := e.resolver.Resolve(ctx, pending)
		if len(e.graph.Missing(missing)) == 0 {
			return
		}
		if ctx.Err() != nil {
			return
		}
		w.log.Warn("ancestor resolution incomplete", "id", inv.id, "attempt", attempt, "retry_in", delay, "error", err)
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
		delay = min(delay*2, maxResolveBackoff)
	}
}

// unpark removes inv from the parked set. It reports false for an
// invocation that is no longer parked.
func (w *scopeWriter) unpark(inv *invocation) bool {
	if _, ok := w.parked[inv.id]; !ok {
		return false
	}
	delete(w.parked, inv.id)
	if w.heads[inv.origin] == inv {
		delete(w.heads, inv.origin)
	}
	w.e.metrics.Parked(context.Background(), -1)
	return true
}

// drain validates invocations queued behind origin's head until one of
// them parks again or none remain.
func (w *scopeWriter) drain(origin ir.Scope) {
	for {
		if _, ok := w.heads[origin]; ok {
			return
		}
		q := w.blocked[origin]
		if len(q) == 0 {
			delete(w.blocked, origin)
			return
		}
		next := q[0]
		q[0] = nil
		w.blocked[origin] = q[1:]
		w.validate(next)
	}
}

// record writes a fact or event directly.
func (w *scopeWriter) record(req *recordRequest) (ir.LogEntry, error) {
	if err := req.ctx.Err(); err != nil {
		return ir.LogEntry{}, err
	}
	if err := w.e.schema.ValidatePayload(req.payload); err != nil {
		return ir.LogEntry{}, err
	}
	parents := ir.NormalizeParents(req.parents)
	if missing := w.e.graph.Missing(parents); len(missing) > 0 {
		return ir.LogEntry{}, ir.NewMissingAncestor(w.scope, "", missing)
	}
	entry, err := w.e.write(req.ctx, w.scope, req.payload, parents)
	if err != nil {
		return ir.LogEntry{}, err
	}
	w.log.Debug("recorded", "type", entry.Type, "kind", req.payload.PayloadKind(), "entry_id", entry.ID, "ts", entry.Timestamp)
	return entry, nil
}

// shutdown fails everything still parked or queued behind a parked head.
func (w *scopeWriter) shutdown() {
	for origin, q := range w.blocked {
		for _, inv := range q {
			w.fail(inv, ir.Errorf(ir.KindMissingAncestor, "engine closed while queued behind a parked invocation"))
		}
		delete(w.blocked, origin)
	}
	for _, inv := range w.parked {
		st, _ := w.e.Status(inv.id)
		err := ir.NewMissingAncestor(w.scope, "", st.Missing)
		err.Message = "engine closed while waiting on ancestors"
		w.unpark(inv)
		w.fail(inv, err)
	}
	w.log.Debug("writer stopped")
}
