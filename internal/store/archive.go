package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/roach88/causalog/internal/ir"
)

// Segment describes one segment file.
type Segment struct {
	ID         string   `json:"id" yaml:"id"`
	Scope      ir.Scope `json:"scope" yaml:"scope"`
	Seq        int64    `json:"seq" yaml:"seq"`
	Path       string   `json:"path" yaml:"path"`
	State      string   `json:"state" yaml:"state"`
	Compressed bool     `json:"compressed" yaml:"compressed"`
	Imported   bool     `json:"imported" yaml:"imported"`
	Entries    int      `json:"entries" yaml:"entries"`
	Bytes      int64    `json:"bytes" yaml:"bytes"`
	FirstTS    uint64   `json:"first_ts" yaml:"first_ts"`
	LastTS     uint64   `json:"last_ts" yaml:"last_ts"`
	CreatedAt  int64    `json:"created_at" yaml:"created_at"`
}

const segmentColumns = `id, scope, seq, path, state, compressed, imported, entry_count, byte_size, first_ts, last_ts, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSegmentRow(r rowScanner) (Segment, error) {
	var seg Segment
	var scope string
	var first, last int64
	err := r.Scan(&seg.ID, &scope, &seg.Seq, &seg.Path, &seg.State, &seg.Compressed,
		&seg.Imported, &seg.Entries, &seg.Bytes, &first, &last, &seg.CreatedAt)
	if err != nil {
		return Segment{}, err
	}
	seg.Scope = ir.Scope(scope)
	seg.FirstTS, seg.LastTS = uint64(first), uint64(last)
	return seg, nil
}

// Segment returns the segment with the given id, or nil when unknown.
func (s *Store) Segment(ctx context.Context, id string) (*Segment, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+segmentColumns+` FROM segments WHERE id = ?`, id)
	seg, err := scanSegmentRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup segment %s: %w", id, err)
	}
	return &seg, nil
}

// Segments lists a scope's local segments in sequence order.
func (s *Store) Segments(ctx context.Context, scope ir.Scope) ([]Segment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+segmentColumns+` FROM segments WHERE scope = ? AND imported = 0 ORDER BY seq`, string(scope))
	if err != nil {
		return nil, fmt.Errorf("query segments: %w", err)
	}
	defer rows.Close()
	var out []Segment
	for rows.Next() {
		seg, err := scanSegmentRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, seg)
	}
	return out, rows.Err()
}

// Archive moves a closed segment file into dstDir. The segment keeps its id
// and its entries stay readable from the new location.
func (s *Store) Archive(ctx context.Context, segmentID, dstDir string) (string, error) {
	seg, err := s.Segment(ctx, segmentID)
	if err != nil {
		return "", err
	}
	if seg == nil {
		return "", fmt.Errorf("segment %s not found", segmentID)
	}
	if seg.State == "active" {
		return "", fmt.Errorf("segment %s is active; rotate it first", segmentID)
	}

	scopeKey := seg.Scope
	if seg.Imported {
		scopeKey = importScope
	}
	sl := s.scopeLog(scopeKey)
	sl.mu.Lock()
	defer sl.mu.Unlock()

	if err := os.MkdirAll(dstDir, 0o755); err != nil {
		return "", fmt.Errorf("create archive dir: %w", err)
	}
	dst := filepath.Join(dstDir, segmentID+filepath.Ext(seg.Path))
	if seg.Compressed {
		dst = filepath.Join(dstDir, segmentID+".seg.zst")
	}
	if err := moveFile(seg.Path, dst); err != nil {
		return "", fmt.Errorf("archive segment %s: %w", segmentID, err)
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE segments SET path = ?, state = 'archived' WHERE id = ?`, dst, segmentID); err != nil {
		return "", fmt.Errorf("archive segment %s: %w", segmentID, err)
	}
	s.log.Info("archived segment", "segment", segmentID, "path", dst)
	return dst, nil
}

// moveFile renames, falling back to copy+remove across filesystems.
func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Remove(src)
}
