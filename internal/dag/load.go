package dag

import (
	"context"
	"fmt"

	"github.com/roach88/causalog/internal/ir"
)

// EntrySource enumerates stored entries. *store.Store satisfies it.
type EntrySource interface {
	Scan(ctx context.Context, fn func(ir.LogEntry) error) error
}

// LoadResult summarizes a Load.
type LoadResult struct {
	Entries int
	Facts   int
	// Unlinked lists entries whose ancestry is not available locally.
	Unlinked []ir.EntryRef
}

// Load rebuilds g and tm from every entry in src. Entries are linked in
// causal order; an entry whose parents were never stored stays unlinked and
// is reported, since a peer may still supply the ancestor.
func Load(ctx context.Context, src EntrySource, g *Graph, tm *TimeMap) (LoadResult, error) {
	var entries []ir.LogEntry
	if err := src.Scan(ctx, func(e ir.LogEntry) error {
		entries = append(entries, e)
		return nil
	}); err != nil {
		return LoadResult{}, fmt.Errorf("scan entries: %w", err)
	}

	var res LoadResult
	for _, e := range TotalOrder(entries) {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		res.Entries++
		if tm.Observe(e) {
			res.Facts++
		}
		if err := g.Link(e); err != nil {
			if !ir.IsMissingAncestor(err) {
				return res, err
			}
			res.Unlinked = append(res.Unlinked, e.Ref())
		}
	}
	if len(res.Unlinked) > 0 {
		g.log.Warn("entries with unresolved ancestry", "count", len(res.Unlinked))
	}
	g.log.Info("loaded graph", "entries", res.Entries, "linked", g.Len(), "facts", res.Facts)
	return res, nil
}
