package peer

import (
	"context"

	"github.com/roach88/causalog/internal/ir"
	"github.com/roach88/causalog/internal/store"
)

// TimeRange bounds entry timestamps, inclusive. To == 0 means no upper bound.
type TimeRange struct {
	From uint64 `json:"from"`
	To   uint64 `json:"to"`
}

// SegmentData is a segment's metadata and the entries it holds.
type SegmentData struct {
	Segment store.Segment
	Entries []ir.LogEntry
}

// DataProvider answers the read-only queries peers exchange. A query that
// finds nothing returns nil and a nil error.
type DataProvider interface {
	// QueryFact returns the newest version of a fact.
	QueryFact(ctx context.Context, factID string) (*ir.LogEntry, error)
	QueryLogSegment(ctx context.Context, segmentID string) (*SegmentData, error)
	// QueryFactRange returns a domain's fact entries within r, ordered by
	// (timestamp, id).
	QueryFactRange(ctx context.Context, domain string, r TimeRange) ([]ir.LogEntry, error)
	QueryEntry(ctx context.Context, ref ir.EntryRef) (*ir.LogEntry, error)
}

// Local serves queries from this node's store.
type Local struct {
	st *store.Store
}

// NewLocal returns a provider over st.
func NewLocal(st *store.Store) *Local {
	return &Local{st: st}
}

func (l *Local) QueryFact(ctx context.Context, factID string) (*ir.LogEntry, error) {
	return l.st.LatestFact(ctx, factID)
}

// QueryLogSegment serves segments this node wrote. Segments holding
// imported entries belong to other writers and are not served.
func (l *Local) QueryLogSegment(ctx context.Context, segmentID string) (*SegmentData, error) {
	seg, err := l.st.Segment(ctx, segmentID)
	if err != nil || seg == nil || seg.Imported {
		return nil, err
	}
	data := &SegmentData{Segment: *seg}
	if seg.Entries == 0 {
		return data, nil
	}
	entries, err := l.st.ReadRange(ctx, seg.Scope, seg.FirstTS, seg.LastTS).Collect()
	if err != nil {
		return nil, err
	}
	data.Entries = entries
	return data, nil
}

func (l *Local) QueryFactRange(ctx context.Context, domain string, r TimeRange) ([]ir.LogEntry, error) {
	return l.st.FactRange(ctx, domain, r.From, r.To)
}

// QueryEntry returns the entry only if it belongs to ref's scope.
func (l *Local) QueryEntry(ctx context.Context, ref ir.EntryRef) (*ir.LogEntry, error) {
	e, err := l.st.GetByID(ctx, ref.ID)
	if err != nil || e == nil || e.Scope != ref.Scope {
		return nil, err
	}
	return e, nil
}
