package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/roach88/causalog/internal/ir"
)

type segmentFile struct {
	path       string
	compressed bool
	header     segmentHeader
	records    []scannedRecord
	size       int64
}

// RebuildIndex discards the index and rebuilds it from segment files.
func (s *Store) RebuildIndex(ctx context.Context) error {
	s.mu.Lock()
	logs := make([]*scopeLog, 0, len(s.scopes))
	for _, sl := range s.scopes {
		logs = append(logs, sl)
	}
	s.mu.Unlock()
	for _, sl := range logs {
		sl.mu.Lock()
		if sl.active != nil {
			sl.active.close()
			sl.active = nil
		}
	}
	defer func() {
		for _, sl := range logs {
			sl.mu.Unlock()
		}
	}()

	if err := s.rebuild(ctx); err != nil {
		return err
	}
	return s.recover(ctx)
}

// rebuild scans every segment file and repopulates the index in one
// transaction. Entries failing verification abort the rebuild.
func (s *Store) rebuild(ctx context.Context) error {
	start := time.Now()
	files, err := s.collectSegments()
	if err != nil {
		return err
	}

	// The highest uncompressed segment of each log is the active one.
	type logKey struct {
		scope    ir.Scope
		imported bool
	}
	last := make(map[logKey]int64)
	for _, f := range files {
		k := logKey{f.header.Scope, f.header.Imported}
		if f.header.Seq > last[k] {
			last[k] = f.header.Seq
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM entries`); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM segments`); err != nil {
		return err
	}

	total := 0
	for _, f := range files {
		state := "closed"
		if !f.compressed && f.header.Seq == last[logKey{f.header.Scope, f.header.Imported}] {
			state = "active"
		}
		w := &segmentWriter{header: f.header, size: f.size, count: len(f.records)}
		for _, rec := range f.records {
			if err := ir.Verify(rec.entry); err != nil {
				return fmt.Errorf("segment %s offset %d: %w", f.header.ID, rec.offset, err)
			}
			if w.firstTS == 0 {
				w.firstTS = rec.entry.Timestamp
			}
			w.lastTS = rec.entry.Timestamp
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO segments (id, scope, seq, path, state, compressed, imported, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, f.header.ID, string(f.header.Scope), f.header.Seq, f.path, state, f.compressed, f.header.Imported, f.header.Created); err != nil {
			return fmt.Errorf("register segment %s: %w", f.header.ID, err)
		}
		for _, rec := range f.records {
			if _, err := insertEntry(ctx, tx, rec.entry, f.header.ID, rec.offset, f.header.Imported); err != nil {
				return err
			}
		}
		if err := updateSegmentStats(ctx, tx, w); err != nil {
			return err
		}
		total += len(f.records)
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	s.log.Info("rebuilt index", "segments", len(files), "entries", total, "duration", time.Since(start))
	return nil
}

// collectSegments reads every segment under segments/ and imports/, ordered
// by (scope, imported, seq).
func (s *Store) collectSegments() ([]segmentFile, error) {
	var dirs []string
	scopeDirs, err := os.ReadDir(filepath.Join(s.dir, segmentsDir))
	if err != nil {
		return nil, fmt.Errorf("list segments: %w", err)
	}
	for _, d := range scopeDirs {
		if d.IsDir() {
			dirs = append(dirs, filepath.Join(s.dir, segmentsDir, d.Name()))
		}
	}
	dirs = append(dirs, filepath.Join(s.dir, importsDir))

	var files []segmentFile
	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", dir, err)
		}
		names := make(map[string]bool, len(entries))
		for _, e := range entries {
			names[e.Name()] = true
		}
		for _, e := range entries {
			name := e.Name()
			path := filepath.Join(dir, name)
			switch {
			case strings.HasSuffix(name, ".seg.zst"):
				f, err := s.loadCompressed(path)
				if err != nil {
					return nil, err
				}
				files = append(files, f)
			case strings.HasSuffix(name, ".seg"):
				if names[name+".zst"] {
					// Compression finished but the original was not yet removed.
					_ = os.Remove(path)
					continue
				}
				h, records, end, err := scanSegmentFile(path)
				if err != nil {
					return nil, err
				}
				files = append(files, segmentFile{path: path, header: h, records: records, size: end})
			case strings.HasSuffix(name, ".tmp"):
				_ = os.Remove(path)
			}
		}
	}
	sort.Slice(files, func(i, j int) bool {
		a, b := files[i].header, files[j].header
		if a.Scope != b.Scope {
			return a.Scope < b.Scope
		}
		if a.Imported != b.Imported {
			return !a.Imported
		}
		return a.Seq < b.Seq
	})
	return files, nil
}

func (s *Store) loadCompressed(path string) (segmentFile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return segmentFile{}, err
	}
	data, err := s.dec.DecodeAll(raw, nil)
	if err != nil {
		return segmentFile{}, fmt.Errorf("decompress %s: %w", path, err)
	}
	h, records, end, err := scanSegmentBytes(data)
	if err != nil {
		return segmentFile{}, err
	}
	if end != int64(len(data)) {
		return segmentFile{}, &ir.Error{
			Kind:    ir.KindIntegrity,
			Message: fmt.Sprintf("closed segment %s has trailing garbage", h.ID),
		}
	}
	return segmentFile{path: path, compressed: true, header: h, records: records, size: end}, nil
}

func unixNano(n int64) time.Time { return time.Unix(0, n) }
