package replay

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/roach88/causalog/internal/ir"
)

// Checkpoint is a cached projection of a replay at one entry. It is never a
// source of truth: resuming from it verifies the anchoring entry is still in
// the log and that the state matches its hash.
type Checkpoint struct {
	Scope     ir.Scope         `json:"scope"`
	Timestamp uint64           `json:"timestamp"`
	EntryID   string           `json:"entry_id"`
	State     ir.IRObject      `json:"state"`
	StateHash string           `json:"state_hash"`
	Tick      uint64           `json:"tick"`
	Facts     []ir.Observation `json:"facts"`
	Counts    Counts           `json:"counts"`
}

func (cp *Checkpoint) verify(ctx context.Context, src Source) error {
	h, err := ir.StateHash(cp.State)
	if err != nil {
		return err
	}
	if h != cp.StateHash {
		return &ir.Error{Kind: ir.KindIntegrity, Message: "checkpoint state does not match its hash", Scope: cp.Scope, EntryID: cp.EntryID}
	}
	e, err := src.GetByID(ctx, cp.EntryID)
	if err != nil {
		return fmt.Errorf("checkpoint anchor: %w", err)
	}
	if e == nil || e.Scope != cp.Scope || e.Timestamp != cp.Timestamp {
		return &ir.Error{Kind: ir.KindIntegrity, Message: "checkpoint anchor is not in the log", Scope: cp.Scope, EntryID: cp.EntryID}
	}
	return nil
}

var checkpointsBucket = []byte("checkpoints")

// CheckpointStore persists checkpoints in a bbolt file, one nested bucket
// per scope keyed by big-endian timestamp.
type CheckpointStore struct {
	db *bolt.DB
}

// OpenCheckpoints opens or creates the checkpoint file at path.
func OpenCheckpoints(path string) (*CheckpointStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open checkpoints: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(checkpointsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create checkpoint bucket: %w", err)
	}
	return &CheckpointStore{db: db}, nil
}

// Close closes the file.
func (s *CheckpointStore) Close() error {
	return s.db.Close()
}

func tsKey(ts uint64) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], ts)
	return k[:]
}

// Save stores cp, replacing any checkpoint of the same scope and timestamp.
func (s *CheckpointStore) Save(cp Checkpoint) error {
	if cp.EntryID == "" || cp.StateHash == "" {
		return errors.New("checkpoint missing anchor or state hash")
	}
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.Bucket(checkpointsBucket).CreateBucketIfNotExists([]byte(cp.Scope))
		if err != nil {
			return err
		}
		return b.Put(tsKey(cp.Timestamp), data)
	})
}

// Latest returns the newest checkpoint of scope, or nil.
func (s *CheckpointStore) Latest(scope ir.Scope) (*Checkpoint, error) {
	return s.At(scope, 0)
}

// At returns the newest checkpoint of scope at or before ts (any when ts is
// zero), or nil.
func (s *CheckpointStore) At(scope ir.Scope, ts uint64) (*Checkpoint, error) {
	var cp *Checkpoint
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(checkpointsBucket).Bucket([]byte(scope))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		var k, v []byte
		if ts == 0 {
			k, v = c.Last()
		} else {
			k, v = c.Seek(tsKey(ts))
			if k == nil || binary.BigEndian.Uint64(k) > ts {
				k, v = c.Prev()
			}
		}
		if k == nil {
			return nil
		}
		cp = new(Checkpoint)
		return json.Unmarshal(v, cp)
	})
	if err != nil {
		return nil, fmt.Errorf("read checkpoint %s: %w", scope, err)
	}
	return cp, nil
}

// List returns the checkpoints of scope, oldest first.
func (s *CheckpointStore) List(scope ir.Scope) ([]Checkpoint, error) {
	var out []Checkpoint
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(checkpointsBucket).Bucket([]byte(scope))
		if b == nil {
			return nil
		}
		return b.ForEach(func(_, v []byte) error {
			var cp Checkpoint
			if err := json.Unmarshal(v, &cp); err != nil {
				return err
			}
			out = append(out, cp)
			return nil
		})
	})
	return out, err
}

// Prune deletes all but the newest keep checkpoints of scope.
func (s *CheckpointStore) Prune(scope ir.Scope, keep int) (int, error) {
	removed := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(checkpointsBucket).Bucket([]byte(scope))
		if b == nil {
			return nil
		}
		var keys [][]byte
		c := b.Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			keys = append(keys, append([]byte(nil), k...))
		}
		for len(keys) > keep {
			if err := b.Delete(keys[0]); err != nil {
				return err
			}
			keys = keys[1:]
			removed++
		}
		return nil
	})
	return removed, err
}
