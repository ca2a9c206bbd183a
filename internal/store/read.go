package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"

	"github.com/roach88/causalog/internal/ir"
)

// pageSize bounds how many index rows an iterator holds at once.
const pageSize = 256

// GetByID returns the entry with the given id from any scope, including the
// import log. It returns nil, nil when the id is unknown.
func (s *Store) GetByID(ctx context.Context, id string) (*ir.LogEntry, error) {
	var segID string
	var pos int64
	err := s.db.QueryRowContext(ctx, `SELECT segment_id, pos FROM entries WHERE id = ?`, id).Scan(&segID, &pos)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup entry %s: %w", id, err)
	}
	e, err := s.load(ctx, segID, pos)
	if err != nil {
		return nil, err
	}
	if e.ID != id {
		return nil, &ir.Error{Kind: ir.KindIntegrity, Message: "index points at a different entry", EntryID: id}
	}
	return &e, nil
}

// Has reports whether an entry with the given id is stored.
func (s *Store) Has(ctx context.Context, id string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM entries WHERE id = ?`, id).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("lookup entry %s: %w", id, err)
	}
	return n > 0, nil
}

// LastTimestamp returns the timestamp of the scope's last appended entry, or
// zero when the scope is empty.
func (s *Store) LastTimestamp(scope ir.Scope) uint64 {
	sl := s.scopeLog(scope)
	sl.mu.Lock()
	defer sl.mu.Unlock()
	return sl.lastTS
}

// Scopes lists every scope with locally written entries.
func (s *Store) Scopes(ctx context.Context) ([]ir.Scope, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT scope FROM segments WHERE imported = 0 ORDER BY scope`)
	if err != nil {
		return nil, fmt.Errorf("query scopes: %w", err)
	}
	defer rows.Close()
	var out []ir.Scope
	for rows.Next() {
		var sc string
		if err := rows.Scan(&sc); err != nil {
			return nil, err
		}
		out = append(out, ir.Scope(sc))
	}
	return out, rows.Err()
}

// ReadRange returns the scope's entries with start <= timestamp <= end in
// append order. end == 0 means no upper bound. The iterator sees the scope as
// of this call; later appends are not returned.
func (s *Store) ReadRange(ctx context.Context, scope ir.Scope, start, end uint64) *Iterator {
	after := uint64(0)
	if start > 0 {
		after = start - 1
	}
	return s.ReadRangeAfter(ctx, scope, after, end)
}

// ReadRangeAfter resumes a range strictly after the given timestamp, usually
// Iterator.Last of an earlier iterator.
func (s *Store) ReadRangeAfter(ctx context.Context, scope ir.Scope, after, end uint64) *Iterator {
	hw := s.LastTimestamp(scope)
	if end == 0 || end > hw {
		end = hw
	}
	return &Iterator{
		ctx:    ctx,
		s:      s,
		scope:  scope,
		cursor: after,
		end:    end,
		last:   after,
	}
}

// Iterator walks entries of one scope lazily in timestamp order.
//
//	it := st.ReadRange(ctx, scope, 1, 0)
//	defer it.Close()
//	for it.Next() {
//		e := it.Entry()
//	}
//	if err := it.Err(); err != nil { ... }
type Iterator struct {
	ctx    context.Context
	s      *Store
	scope  ir.Scope
	cursor uint64
	end    uint64

	page  []indexRow
	pos   int
	done  bool
	entry ir.LogEntry
	last  uint64
	err   error
}

type indexRow struct {
	ts        uint64
	segmentID string
	pos       int64
}

// Next advances to the next entry.
func (it *Iterator) Next() bool {
	if it.err != nil {
		return false
	}
	if it.pos >= len(it.page) {
		if it.done || it.cursor >= it.end {
			return false
		}
		if err := it.fetch(); err != nil {
			it.err = err
			return false
		}
		if len(it.page) == 0 {
			it.done = true
			return false
		}
	}
	row := it.page[it.pos]
	it.pos++
	e, err := it.s.load(it.ctx, row.segmentID, row.pos)
	if err != nil {
		it.err = err
		return false
	}
	it.entry = e
	it.last = e.Timestamp
	return true
}

func (it *Iterator) fetch() error {
	if err := it.ctx.Err(); err != nil {
		return err
	}
	end := it.end
	if end > math.MaxInt64 {
		end = math.MaxInt64
	}
	rows, err := it.s.db.QueryContext(it.ctx, `
		SELECT ts, segment_id, pos FROM entries
		WHERE scope = ? AND imported = 0 AND ts > ? AND ts <= ?
		ORDER BY ts ASC
		LIMIT ?
	`, string(it.scope), int64(it.cursor), int64(end), pageSize)
	if err != nil {
		return fmt.Errorf("query range: %w", err)
	}
	defer rows.Close()
	it.page = it.page[:0]
	it.pos = 0
	for rows.Next() {
		var r indexRow
		var ts int64
		if err := rows.Scan(&ts, &r.segmentID, &r.pos); err != nil {
			return err
		}
		r.ts = uint64(ts)
		it.page = append(it.page, r)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	if n := len(it.page); n > 0 {
		it.cursor = it.page[n-1].ts
	}
	if len(it.page) < pageSize {
		it.done = true
	}
	return nil
}

// Entry returns the current entry.
func (it *Iterator) Entry() ir.LogEntry { return it.entry }

// Last returns the timestamp of the last entry returned, for ReadRangeAfter.
func (it *Iterator) Last() uint64 { return it.last }

// Err returns the first error encountered.
func (it *Iterator) Err() error { return it.err }

// Close releases the iterator.
func (it *Iterator) Close() error {
	it.page = nil
	it.done = true
	return nil
}

// Collect drains the iterator.
func (it *Iterator) Collect() ([]ir.LogEntry, error) {
	defer it.Close()
	var out []ir.LogEntry
	for it.Next() {
		out = append(out, it.Entry())
	}
	return out, it.Err()
}

// Scan calls fn for every stored entry, local and imported, ordered by
// (timestamp, id). Returning an error from fn stops the scan.
func (s *Store) Scan(ctx context.Context, fn func(ir.LogEntry) error) error {
	var lastTS int64
	lastID := ""
	for {
		rows, err := s.db.QueryContext(ctx, `
			SELECT id, ts, segment_id, pos FROM entries
			WHERE ts > ? OR (ts = ? AND id > ?)
			ORDER BY ts ASC, id ASC
			LIMIT ?
		`, lastTS, lastTS, lastID, pageSize)
		if err != nil {
			return fmt.Errorf("scan entries: %w", err)
		}
		type row struct {
			id    string
			ts    int64
			segID string
			pos   int64
		}
		var page []row
		for rows.Next() {
			var r row
			if err := rows.Scan(&r.id, &r.ts, &r.segID, &r.pos); err != nil {
				rows.Close()
				return err
			}
			page = append(page, r)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		for _, r := range page {
			e, err := s.load(ctx, r.segID, r.pos)
			if err != nil {
				return err
			}
			if err := fn(e); err != nil {
				return err
			}
			lastTS, lastID = r.ts, r.id
		}
		if len(page) < pageSize {
			return nil
		}
	}
}

// LatestFact returns the most recent fact entry with the given fact id, or
// nil when none is stored. Recency is (timestamp, id).
func (s *Store) LatestFact(ctx context.Context, factID string) (*ir.LogEntry, error) {
	var segID string
	var pos int64
	err := s.db.QueryRowContext(ctx, `
		SELECT segment_id, pos FROM entries
		WHERE fact_id = ?
		ORDER BY ts DESC, id DESC
		LIMIT 1
	`, factID).Scan(&segID, &pos)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query fact %s: %w", factID, err)
	}
	e, err := s.load(ctx, segID, pos)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// FactRange returns fact entries of a domain with from <= timestamp <= to,
// ordered by (timestamp, id). to == 0 means no upper bound.
func (s *Store) FactRange(ctx context.Context, domain string, from, to uint64) ([]ir.LogEntry, error) {
	upper := int64(math.MaxInt64)
	if to > 0 && to < math.MaxInt64 {
		upper = int64(to)
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT segment_id, pos FROM entries
		WHERE domain = ? AND ts >= ? AND ts <= ?
		ORDER BY ts ASC, id ASC
	`, domain, int64(from), upper)
	if err != nil {
		return nil, fmt.Errorf("query facts: %w", err)
	}
	type loc struct {
		segID string
		pos   int64
	}
	var locs []loc
	for rows.Next() {
		var l loc
		if err := rows.Scan(&l.segID, &l.pos); err != nil {
			rows.Close()
			return nil, err
		}
		locs = append(locs, l)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	out := make([]ir.LogEntry, 0, len(locs))
	for _, l := range locs {
		e, err := s.load(ctx, l.segID, l.pos)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// load reads and decodes one record. A segment may be compressed or archived
// between the index lookup and the read; the path is re-resolved once.
func (s *Store) load(ctx context.Context, segmentID string, pos int64) (ir.LogEntry, error) {
	var data []byte
	var err error
	for attempt := 0; attempt < 2; attempt++ {
		var path string
		var compressed bool
		if err = s.db.QueryRowContext(ctx,
			`SELECT path, compressed FROM segments WHERE id = ?`, segmentID).Scan(&path, &compressed); err != nil {
			return ir.LogEntry{}, fmt.Errorf("lookup segment %s: %w", segmentID, err)
		}
		if compressed {
			data, err = s.compressedRecord(segmentID, path, pos)
		} else {
			data, err = readRecordFile(path, pos)
		}
		if !errors.Is(err, fs.ErrNotExist) {
			break
		}
	}
	if err != nil {
		return ir.LogEntry{}, fmt.Errorf("read segment %s: %w", segmentID, err)
	}
	e, err := ir.UnmarshalEntry(data)
	if err != nil {
		return ir.LogEntry{}, err
	}
	return e, nil
}

// compressedRecord serves reads from the most recently decompressed segment.
func (s *Store) compressedRecord(segmentID, path string, pos int64) ([]byte, error) {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	if s.cacheID != segmentID {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		data, err := s.dec.DecodeAll(raw, nil)
		if err != nil {
			return nil, fmt.Errorf("decompress: %w", err)
		}
		s.cacheID, s.cache = segmentID, data
	}
	return recordAt(s.cache, pos)
}
