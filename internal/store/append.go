package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/roach88/causalog/internal/ir"
)

// AppendResult describes a successful append.
type AppendResult struct {
	SegmentID string
	Offset    int64
	// Duplicate is set when the identical entry was already stored; nothing
	// was written.
	Duplicate bool
}

// Append durably writes e to its scope's active segment.
//
// The entry is verified before anything is written: an IntegrityError or
// PayloadError means nothing was persisted. Appending an entry whose id is
// already stored is a no-op. Otherwise e.Timestamp must exceed the scope's
// last timestamp or the append fails with OrderingViolation. The entry is
// visible to readers only after the record is written (and fsynced, when
// enabled) and indexed.
func (s *Store) Append(ctx context.Context, e ir.LogEntry) (AppendResult, error) {
	if err := ir.Verify(e); err != nil {
		return AppendResult{}, err
	}
	if err := s.opts.KeyRing.Check(e); err != nil {
		return AppendResult{}, err
	}

	sl := s.scopeLog(e.Scope)
	sl.mu.Lock()
	defer sl.mu.Unlock()

	if dup, res, err := s.lookupDuplicate(ctx, e.ID); err != nil || dup {
		return res, err
	}
	if e.Timestamp <= sl.lastTS {
		return AppendResult{}, &ir.Error{
			Kind:    ir.KindOrdering,
			Message: fmt.Sprintf("timestamp %d not after %d", e.Timestamp, sl.lastTS),
			Scope:   e.Scope,
			EntryID: e.ID,
		}
	}

	res, err := s.write(ctx, sl, e)
	if err != nil {
		return AppendResult{}, err
	}
	sl.lastTS = e.Timestamp
	s.log.Debug("appended", "scope", e.Scope, "entry_id", e.ID, "ts", e.Timestamp, "type", e.Type)

	if s.shouldRotate(sl.active) {
		if err := s.rotateLocked(ctx, sl); err != nil {
			// The entry is durable; a failed rotation is retried on the next append.
			s.log.Warn("rotation failed", "scope", e.Scope, "error", err)
		}
	}
	return res, nil
}

// Import stores a verified entry fetched from a peer. Imported entries are
// resolvable by id but do not appear in ReadRange of their scope, since this
// node is not that scope's writer.
func (s *Store) Import(ctx context.Context, e ir.LogEntry) (AppendResult, error) {
	if err := ir.Verify(e); err != nil {
		return AppendResult{}, err
	}
	if err := s.opts.KeyRing.Check(e); err != nil {
		return AppendResult{}, err
	}
	sl := s.scopeLog(importScope)
	sl.mu.Lock()
	defer sl.mu.Unlock()

	if dup, res, err := s.lookupDuplicate(ctx, e.ID); err != nil || dup {
		return res, err
	}
	res, err := s.write(ctx, sl, e)
	if err != nil {
		return AppendResult{}, err
	}
	s.log.Debug("imported", "scope", e.Scope, "entry_id", e.ID)
	if s.shouldRotate(sl.active) {
		if err := s.rotateLocked(ctx, sl); err != nil {
			s.log.Warn("rotation failed", "scope", importScope, "error", err)
		}
	}
	return res, nil
}

func (s *Store) lookupDuplicate(ctx context.Context, id string) (bool, AppendResult, error) {
	var res AppendResult
	err := s.db.QueryRowContext(ctx, `SELECT segment_id, pos FROM entries WHERE id = ?`, id).
		Scan(&res.SegmentID, &res.Offset)
	if errors.Is(err, sql.ErrNoRows) {
		return false, AppendResult{}, nil
	}
	if err != nil {
		return false, AppendResult{}, fmt.Errorf("lookup entry: %w", err)
	}
	res.Duplicate = true
	return true, res, nil
}

// write appends the record and indexes it. Caller holds sl.mu.
func (s *Store) write(ctx context.Context, sl *scopeLog, e ir.LogEntry) (AppendResult, error) {
	if sl.active == nil {
		if err := s.openNewSegment(ctx, sl); err != nil {
			return AppendResult{}, err
		}
	}
	w := sl.active
	data, err := ir.MarshalEntry(e)
	if err != nil {
		return AppendResult{}, fmt.Errorf("encode entry: %w", err)
	}
	prevSize, prevCount, prevFirst, prevLast := w.size, w.count, w.firstTS, w.lastTS

	offset, err := w.append(data, s.opts.Fsync)
	if err != nil {
		return AppendResult{}, err
	}
	w.count++
	if w.firstTS == 0 {
		w.firstTS = e.Timestamp
	}
	w.lastTS = e.Timestamp

	if err := s.indexRecord(ctx, w, e, offset); err != nil {
		// Never leave an unindexed record behind: a later rebuild would
		// surface an entry the caller was told failed.
		if terr := w.truncate(prevSize); terr != nil {
			s.log.Error("failed to roll back record", "segment", w.header.ID, "error", terr)
		}
		w.count, w.firstTS, w.lastTS = prevCount, prevFirst, prevLast
		return AppendResult{}, err
	}
	return AppendResult{SegmentID: w.header.ID, Offset: offset}, nil
}

func (s *Store) indexRecord(ctx context.Context, w *segmentWriter, e ir.LogEntry, offset int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin index tx: %w", err)
	}
	defer tx.Rollback()
	if _, err := insertEntry(ctx, tx, e, w.header.ID, offset, w.header.Imported); err != nil {
		return err
	}
	if err := updateSegmentStats(ctx, tx, w); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) openNewSegment(ctx context.Context, sl *scopeLog) error {
	dir := s.scopeDir(sl.scope)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create scope dir: %w", err)
	}
	seq := sl.lastSeq + 1
	h := segmentHeader{
		ID:       uuid.Must(uuid.NewV7()).String(),
		Scope:    sl.scope,
		Seq:      seq,
		Imported: sl.imported,
		Created:  s.opts.Now().UnixNano(),
	}
	path := filepath.Join(dir, fmt.Sprintf("%010d.seg", seq))
	w, err := createSegment(path, h)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO segments (id, scope, seq, path, state, imported, byte_size, created_at)
		VALUES (?, ?, ?, ?, 'active', ?, ?, ?)
	`, h.ID, string(h.Scope), seq, path, h.Imported, w.size, h.Created)
	if err != nil {
		w.close()
		_ = os.Remove(path)
		return fmt.Errorf("register segment: %w", err)
	}
	sl.active = w
	sl.lastSeq = seq
	s.log.Info("opened segment", "scope", sl.scope, "segment", h.ID, "seq", seq)
	return nil
}

func (s *Store) shouldRotate(w *segmentWriter) bool {
	if w == nil || w.count == 0 {
		return false
	}
	o := s.opts
	switch {
	case o.MaxEntries > 0 && w.count >= o.MaxEntries:
		return true
	case o.MaxBytes > 0 && w.size >= o.MaxBytes:
		return true
	case o.MaxAge > 0 && s.opts.Now().Sub(unixNano(w.created)) >= o.MaxAge:
		return true
	}
	return false
}

// Rotate closes the scope's active segment. The next append opens a new one.
// It returns the closed segment id, or "" when there was nothing to close.
func (s *Store) Rotate(ctx context.Context, scope ir.Scope) (string, error) {
	sl := s.scopeLog(scope)
	sl.mu.Lock()
	defer sl.mu.Unlock()
	if sl.active == nil || sl.active.count == 0 {
		return "", nil
	}
	id := sl.active.header.ID
	if err := s.rotateLocked(ctx, sl); err != nil {
		return "", err
	}
	return id, nil
}

// rotateLocked closes the active segment and optionally compresses it.
// Entries stay readable throughout: the index row is only repointed after
// the compressed file is durable.
func (s *Store) rotateLocked(ctx context.Context, sl *scopeLog) error {
	w := sl.active
	if w == nil {
		return nil
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("sync segment: %w", err)
	}
	if err := w.close(); err != nil {
		return fmt.Errorf("close segment: %w", err)
	}
	sl.active = nil
	if _, err := s.db.ExecContext(ctx,
		`UPDATE segments SET state = 'closed' WHERE id = ?`, w.header.ID); err != nil {
		return fmt.Errorf("close segment %s: %w", w.header.ID, err)
	}
	s.log.Info("rotated segment", "scope", sl.scope, "segment", w.header.ID, "entries", w.count, "bytes", w.size)

	if s.opts.Compress {
		if err := s.compress(ctx, w.header.ID, w.path); err != nil {
			return fmt.Errorf("compress segment %s: %w", w.header.ID, err)
		}
	}
	return nil
}

// compress replaces a closed segment file with its zstd form.
func (s *Store) compress(ctx context.Context, id, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	zpath := path + ".zst"
	tmp := zpath + ".tmp"
	if err := writeFileSync(tmp, s.enc.EncodeAll(raw, nil)); err != nil {
		return err
	}
	if err := os.Rename(tmp, zpath); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE segments SET path = ?, compressed = 1 WHERE id = ?`, zpath, id); err != nil {
		_ = os.Remove(zpath)
		return err
	}
	return os.Remove(path)
}

func writeFileSync(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
