package peer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/causalog/internal/dag"
	"github.com/roach88/causalog/internal/ir"
	"github.com/roach88/causalog/internal/store"
)

// Resolver defaults.
const (
	// DefaultFetchLimit bounds how many entries one Resolve call may fetch.
	DefaultFetchLimit = 1024

	// DefaultRetries is how often a failed query to one peer is repeated
	// before the next peer is asked.
	DefaultRetries    = 2
	DefaultRetryDelay = 100 * time.Millisecond
)

// Resolver fetches missing ancestors from peers, verifies them, imports them
// into the local store and links them into the graph. It satisfies the
// engine's AncestorResolver.
type Resolver struct {
	st    *store.Store
	graph *dag.Graph
	tm    *dag.TimeMap
	keys  *ir.KeyRing
	peers []DataProvider
	limit int
	log   *slog.Logger

	retries int
	delay   time.Duration
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithTimeMap feeds imported facts to tm.
func WithTimeMap(tm *dag.TimeMap) ResolverOption {
	return func(r *Resolver) { r.tm = tm }
}

// WithKeyRing rejects entries not signed by their scope's pinned key.
func WithKeyRing(k *ir.KeyRing) ResolverOption {
	return func(r *Resolver) { r.keys = k }
}

// WithLogger sets the resolver logger.
func WithLogger(l *slog.Logger) ResolverOption {
	return func(r *Resolver) { r.log = l }
}

// WithFetchLimit bounds entries fetched per Resolve call.
func WithFetchLimit(n int) ResolverOption {
	return func(r *Resolver) { r.limit = n }
}

// WithRetries sets how often a peer query that fails is repeated, waiting
// delay before the first retry and doubling it after each one. Peers that
// answer "not found" or send entries that fail verification are not retried.
func WithRetries(n int, delay time.Duration) ResolverOption {
	return func(r *Resolver) { r.retries, r.delay = n, delay }
}

// NewResolver returns a resolver asking peers in order.
func NewResolver(st *store.Store, g *dag.Graph, peers []DataProvider, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		st:    st,
		graph: g,
		peers: peers,
		limit: DefaultFetchLimit,
		log:   slog.Default(),

		retries: DefaultRetries,
		delay:   DefaultRetryDelay,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.log = r.log.With("component", "resolver")
	return r
}

// Resolve fetches refs and any of their ancestors the graph lacks. Entries
// that fail verification are discarded and the next peer is asked. Refs no
// peer could supply are reported as MissingAncestor.
func (r *Resolver) Resolve(ctx context.Context, refs []ir.EntryRef) error {
	fetched := make(map[ir.EntryRef]ir.LogEntry)
	var (
		errs       []error
		unresolved []ir.EntryRef
	)
	queue := append([]ir.EntryRef(nil), refs...)
	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		ref := queue[0]
		queue = queue[1:]
		if _, ok := fetched[ref]; ok || r.graph.Linked(ref) {
			continue
		}
		if len(fetched) >= r.limit {
			errs = append(errs, fmt.Errorf("fetch limit %d reached", r.limit))
			break
		}

		e, err := r.fetch(ctx, ref)
		if err != nil {
			errs = append(errs, err)
		}
		if e == nil {
			unresolved = append(unresolved, ref)
			continue
		}
		fetched[ref] = *e
		queue = append(queue, e.Parents...)
	}

	entries := make([]ir.LogEntry, 0, len(fetched))
	for _, e := range fetched {
		entries = append(entries, e)
	}
	for _, e := range dag.TotalOrder(entries) {
		if err := r.install(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	if len(unresolved) > 0 {
		errs = append(errs, ir.NewMissingAncestor("", "", ir.NormalizeParents(unresolved)))
	}
	if len(fetched) > 0 {
		r.log.Debug("resolved ancestors", "requested", len(refs), "fetched", len(fetched), "unresolved", len(unresolved))
	}
	return errors.Join(errs...)
}

// fetch asks each peer for ref until one returns an entry that verifies.
func (r *Resolver) fetch(ctx context.Context, ref ir.EntryRef) (*ir.LogEntry, error) {
	var errs []error
	for _, p := range r.peers {
		e, err := r.query(ctx, p, ref)
		if err != nil {
			r.log.Warn("peer query failed", "ref", ref.String(), "error", err)
			errs = append(errs, err)
			continue
		}
		if e == nil {
			continue
		}
		if err := r.verify(ref, *e); err != nil {
			r.log.Warn("discarding unverifiable entry", "ref", ref.String(), "error", err)
			errs = append(errs, err)
			continue
		}
		return e, nil
	}
	return nil, errors.Join(errs...)
}

// query asks p for ref, repeating the query while it fails and retries
// remain.
func (r *Resolver) query(ctx context.Context, p DataProvider, ref ir.EntryRef) (*ir.LogEntry, error) {
	delay := r.delay
	for attempt := 0; ; attempt++ {
		e, err := p.QueryEntry(ctx, ref)
		if err == nil || attempt >= r.retries || ctx.Err() != nil {
			return e, err
		}
		r.log.Debug("retrying peer query", "ref", ref.String(), "attempt", attempt+1, "error", err)
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, err
		case <-t.C:
		}
		delay *= 2
	}
}

func (r *Resolver) verify(ref ir.EntryRef, e ir.LogEntry) error {
	if err := ir.Verify(e); err != nil {
		return err
	}
	if e.Ref() != ref {
		return &ir.Error{
			Kind:    ir.KindIntegrity,
			Message: fmt.Sprintf("asked for %s, got %s", ref, e.Ref()),
			Scope:   ref.Scope,
			EntryID: ref.ID,
		}
	}
	return r.keys.Check(e)
}

func (r *Resolver) install(ctx context.Context, e ir.LogEntry) error {
	if _, err := r.st.Import(ctx, e); err != nil {
		return fmt.Errorf("import %s: %w", e.Ref(), err)
	}
	if err := r.graph.Link(e); err != nil {
		return err
	}
	if r.tm != nil {
		r.tm.Observe(e)
	}
	return nil
}
