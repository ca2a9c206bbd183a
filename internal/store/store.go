package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	_ "github.com/mattn/go-sqlite3"

	"github.com/roach88/causalog/internal/ir"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 1 - segments/entries index with fact columns
const currentSchemaVersion = 1

const (
	indexFile   = "index.db"
	segmentsDir = "segments"
	importsDir  = "imports"

	// importScope is the pseudo-scope owning the import log.
	importScope = ir.Scope("~imports")
)

// Default rotation thresholds.
const (
	DefaultMaxEntries = 10000
	DefaultMaxBytes   = 10 << 20
	DefaultMaxAge     = 24 * time.Hour
)

// Options configures a Store.
type Options struct {
	MaxEntries int
	MaxBytes   int64
	MaxAge     time.Duration
	Compress   bool
	Fsync      bool
	KeyRing    *ir.KeyRing
	Logger     *slog.Logger
	Now        func() time.Time
}

// Option configures a Store.
type Option func(*Options)

// WithRotation sets the rotation thresholds. Zero disables a criterion.
func WithRotation(maxEntries int, maxBytes int64, maxAge time.Duration) Option {
	return func(o *Options) {
		o.MaxEntries = maxEntries
		o.MaxBytes = maxBytes
		o.MaxAge = maxAge
	}
}

// WithCompression enables zstd compression of closed segments.
func WithCompression(enabled bool) Option {
	return func(o *Options) { o.Compress = enabled }
}

// WithFsync controls whether each append is fsynced before it is indexed.
func WithFsync(enabled bool) Option {
	return func(o *Options) { o.Fsync = enabled }
}

// WithKeyRing enforces scope ownership on append.
func WithKeyRing(k *ir.KeyRing) Option {
	return func(o *Options) { o.KeyRing = k }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Options) { o.Logger = l }
}

// WithClock sets the wall clock used for age-based rotation only.
func WithClock(now func() time.Time) Option {
	return func(o *Options) { o.Now = now }
}

// Store is the segmented append-only log.
//
// Segment files are the source of truth. The SQLite index maps entry ids to
// (segment, offset) and is rebuilt by a linear scan whenever it is missing or
// fails its integrity check.
type Store struct {
	dir  string
	db   *sql.DB
	opts Options
	log  *slog.Logger

	mu     sync.Mutex
	scopes map[ir.Scope]*scopeLog

	enc *zstd.Encoder
	dec *zstd.Decoder

	cacheMu sync.Mutex
	cacheID string
	cache   []byte
}

// scopeLog is the single-writer state of one scope.
type scopeLog struct {
	mu       sync.Mutex
	scope    ir.Scope
	imported bool
	active   *segmentWriter
	lastTS   uint64
	lastSeq  int64
}

// Open creates or opens a store rooted at dir.
func Open(dir string, opts ...Option) (*Store, error) {
	o := Options{
		MaxEntries: DefaultMaxEntries,
		MaxBytes:   DefaultMaxBytes,
		MaxAge:     DefaultMaxAge,
		Compress:   true,
		Fsync:      true,
		Now:        time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Now == nil {
		o.Now = time.Now
	}

	for _, d := range []string{dir, filepath.Join(dir, segmentsDir), filepath.Join(dir, importsDir)} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("init zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("init zstd decoder: %w", err)
	}

	s := &Store{
		dir:    dir,
		opts:   o,
		log:    o.Logger.With("component", "store"),
		scopes: make(map[ir.Scope]*scopeLog),
		enc:    enc,
		dec:    dec,
	}

	fresh, err := s.openIndex()
	if err != nil {
		s.Close()
		return nil, err
	}
	ctx := context.Background()
	if fresh {
		if err := s.rebuild(ctx); err != nil {
			s.Close()
			return nil, fmt.Errorf("rebuild index: %w", err)
		}
	}
	if err := s.recover(ctx); err != nil {
		s.Close()
		return nil, fmt.Errorf("recover active segments: %w", err)
	}
	return s, nil
}

// openIndex opens index.db, discarding it if it fails its integrity check.
// It reports whether the index is new and must be rebuilt from segments.
func (s *Store) openIndex() (bool, error) {
	path := filepath.Join(s.dir, indexFile)
	_, statErr := os.Stat(path)
	fresh := errors.Is(statErr, os.ErrNotExist)

	db, err := openDB(path)
	if err == nil {
		var result string
		if qerr := db.QueryRow("PRAGMA quick_check").Scan(&result); qerr != nil || result != "ok" {
			s.log.Warn("index failed integrity check, rebuilding", "result", result, "error", qerr)
			db.Close()
			err = fmt.Errorf("index corrupt")
		}
	}
	if err != nil {
		for _, suffix := range []string{"", "-wal", "-shm"} {
			_ = os.Remove(path + suffix)
		}
		fresh = true
		if db, err = openDB(path); err != nil {
			return false, err
		}
	}

	version, err := applySchema(db)
	if err != nil {
		db.Close()
		return false, fmt.Errorf("failed to apply schema: %w", err)
	}
	s.db = db
	return fresh || version == 0, nil
}

func openDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open index: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to index: %w", err)
	}
	// SQLite allows one writer; a single connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}
	return db, nil
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	return nil
}

// applySchema creates tables and returns the user_version found before it ran.
func applySchema(db *sql.DB) (int, error) {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return 0, fmt.Errorf("get user_version: %w", err)
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		return 0, fmt.Errorf("failed to execute schema: %w", err)
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return 0, fmt.Errorf("set user_version: %w", err)
	}
	return version, nil
}

// Close closes open segments and the index.
func (s *Store) Close() error {
	var errs []error
	s.mu.Lock()
	for _, sl := range s.scopes {
		sl.mu.Lock()
		if sl.active != nil {
			errs = append(errs, sl.active.close())
			sl.active = nil
		}
		sl.mu.Unlock()
	}
	s.mu.Unlock()
	if s.db != nil {
		errs = append(errs, s.db.Close())
		s.db = nil
	}
	if s.enc != nil {
		errs = append(errs, s.enc.Close())
		s.enc = nil
	}
	if s.dec != nil {
		s.dec.Close()
		s.dec = nil
	}
	return errors.Join(errs...)
}

// Dir returns the store root.
func (s *Store) Dir() string { return s.dir }

func (s *Store) scopeLog(scope ir.Scope) *scopeLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	sl, ok := s.scopes[scope]
	if !ok {
		sl = &scopeLog{scope: scope, imported: scope == importScope}
		s.scopes[scope] = sl
	}
	return sl
}

func (s *Store) scopeDir(scope ir.Scope) string {
	if scope == importScope {
		return filepath.Join(s.dir, importsDir)
	}
	return filepath.Join(s.dir, segmentsDir, url.QueryEscape(string(scope)))
}

// recover reopens active segments, truncates torn tails, indexes any durable
// records the index missed, and loads per-scope high-water marks.
func (s *Store) recover(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, `SELECT id, scope, imported, path FROM segments WHERE state = 'active'`)
	if err != nil {
		return fmt.Errorf("query active segments: %w", err)
	}
	type active struct {
		id, scope, path string
		imported        bool
	}
	var actives []active
	for rows.Next() {
		var a active
		if err := rows.Scan(&a.id, &a.scope, &a.imported, &a.path); err != nil {
			rows.Close()
			return err
		}
		actives = append(actives, a)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, a := range actives {
		w, records, err := openSegmentForAppend(a.path)
		if err != nil {
			return err
		}
		scope := ir.Scope(a.scope)
		if a.imported {
			scope = importScope
		}
		if err := s.indexMissing(ctx, w, records); err != nil {
			w.close()
			return err
		}
		sl := s.scopeLog(scope)
		sl.active = w
	}

	hw, err := s.db.QueryContext(ctx, `
		SELECT scope, imported, MAX(seq), MAX(last_ts) FROM segments GROUP BY scope, imported`)
	if err != nil {
		return fmt.Errorf("query high-water marks: %w", err)
	}
	defer hw.Close()
	for hw.Next() {
		var scope string
		var imported bool
		var seq int64
		var last int64
		if err := hw.Scan(&scope, &imported, &seq, &last); err != nil {
			return err
		}
		key := ir.Scope(scope)
		if imported {
			key = importScope
		}
		sl := s.scopeLog(key)
		sl.lastSeq = seq
		if !imported {
			sl.lastTS = uint64(last)
		}
	}
	return hw.Err()
}

// indexMissing indexes records of an active segment absent from the index.
func (s *Store) indexMissing(ctx context.Context, w *segmentWriter, records []scannedRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	added := 0
	for _, rec := range records {
		res, err := insertEntry(ctx, tx, rec.entry, w.header.ID, rec.offset, w.header.Imported)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n > 0 {
			added++
		}
	}
	if err := updateSegmentStats(ctx, tx, w); err != nil {
		return err
	}
	if added > 0 {
		s.log.Info("indexed unacknowledged records", "segment", w.header.ID, "count", added)
	}
	return tx.Commit()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertEntry(ctx context.Context, db execer, e ir.LogEntry, segmentID string, offset int64, imported bool) (sql.Result, error) {
	var domain, factID sql.NullString
	if f, ok := e.Payload.(*ir.Fact); ok {
		domain = sql.NullString{String: f.Domain, Valid: true}
		factID = sql.NullString{String: f.FactID, Valid: true}
	}
	res, err := db.ExecContext(ctx, `
		INSERT INTO entries (id, scope, ts, type, segment_id, pos, imported, domain, fact_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, e.ID, string(e.Scope), int64(e.Timestamp), string(e.Type), segmentID, offset, imported, domain, factID)
	if err != nil {
		return nil, fmt.Errorf("index entry %s: %w", e.ID, err)
	}
	return res, nil
}

func updateSegmentStats(ctx context.Context, db execer, w *segmentWriter) error {
	_, err := db.ExecContext(ctx, `
		UPDATE segments SET entry_count = ?, byte_size = ?, first_ts = ?, last_ts = ?
		WHERE id = ?
	`, w.count, w.size, int64(w.firstTS), int64(w.lastTS), w.header.ID)
	if err != nil {
		return fmt.Errorf("update segment %s: %w", w.header.ID, err)
	}
	return nil
}
