// Package checkpoint implements the durable, versioned CheckpointStore
// (§4.4) on top of go.etcd.io/bbolt, an embedded transactional
// key/value store. bbolt's transactions give the required
// write-temp-then-rename-style atomicity natively: every Put runs
// inside one bbolt.Update transaction, so a crash mid-write never
// leaves a readable partial blob (§8.3).
package checkpoint

import (
	"encoding/binary"
	"encoding/json"
	"time"

	"go.etcd.io/bbolt"

	"github.com/lesleslie/mahavishnu/internal/errs"
)

// DefaultMaxSize is the default per-checkpoint size cap (§4.4).
const DefaultMaxSize = 4 << 20 // 4 MiB

var rootBucket = []byte("checkpoints")

// Record is one stored checkpoint.
type Record struct {
	WorkflowID string
	Step       string
	Blob       []byte
	Version    uint64
	CreatedAt  time.Time
}

// Store is the durable checkpoint backend.
type Store struct {
	db      *bbolt.DB
	maxSize int
}

// Config holds Store tunables (§6 storage config).
type Config struct {
	Path    string
	MaxSize int // bytes; 0 uses DefaultMaxSize
}

// Open opens (creating if absent) the bbolt-backed checkpoint database.
func Open(cfg Config) (*Store, error) {
	db, err := bbolt.Open(cfg.Path, 0o600, &bbolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, errs.Wrap(errs.Internal, err, "open checkpoint store at %q", cfg.Path)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, e := tx.CreateBucketIfNotExists(rootBucket)
		return e
	}); err != nil {
		_ = db.Close()
		return nil, errs.Wrap(errs.Internal, err, "initialize checkpoint buckets")
	}
	maxSize := cfg.MaxSize
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	return &Store{db: db, maxSize: maxSize}, nil
}

// Close releases the underlying database file.
func (s *Store) Close() error { return s.db.Close() }

type envelope struct {
	Step      string    `json:"step"`
	Blob      []byte    `json:"blob"`
	CreatedAt time.Time `json:"created_at"`
}

// Put writes a new checkpoint for workflowID, returning the version it
// was assigned. baseVersion must equal the workflow's current latest
// version (0 if none exists yet, i.e. the first checkpoint); a stale
// baseVersion — another writer committed in between — fails with
// Conflict and must be retried after a fresh GetLatest (§4.4,
// §8's optimistic concurrency rule).
func (s *Store) Put(workflowID, step string, blob []byte, baseVersion uint64) (uint64, error) {
	if len(blob) > s.maxSize {
		return 0, errs.New(errs.Invalid, "checkpoint blob %d bytes exceeds cap %d", len(blob), s.maxSize).
			With("workflow_id", workflowID)
	}

	var newVersion uint64
	err := s.db.Update(func(tx *bbolt.Tx) error {
		root := tx.Bucket(rootBucket)
		wfBucket, err := root.CreateBucketIfNotExists([]byte(workflowID))
		if err != nil {
			return err
		}

		latest, _, ok := latestInBucket(wfBucket)
		current := uint64(0)
		if ok {
			current = latest
		}
		if current != baseVersion {
			return errs.New(errs.Conflict, "checkpoint version conflict: have %d, expected base %d", current, baseVersion).
				With("workflow_id", workflowID)
		}

		newVersion = current + 1
		env := envelope{Step: step, Blob: blob, CreatedAt: time.Now().UTC()}
		raw, err := json.Marshal(env)
		if err != nil {
			return errs.Wrap(errs.Internal, err, "marshal checkpoint envelope")
		}
		return wfBucket.Put(versionKey(newVersion), raw)
	})
	if err != nil {
		return 0, err
	}
	return newVersion, nil
}

// GetLatest returns the highest-versioned checkpoint for workflowID.
// ok is false when no checkpoint exists.
func (s *Store) GetLatest(workflowID string) (rec Record, ok bool, err error) {
	err = s.db.View(func(tx *bbolt.Tx) error {
		root := tx.Bucket(rootBucket)
		wfBucket := root.Bucket([]byte(workflowID))
		if wfBucket == nil {
			return nil
		}
		version, raw, found := latestInBucket(wfBucket)
		if !found {
			return nil
		}
		var env envelope
		if uerr := json.Unmarshal(raw, &env); uerr != nil {
			return errs.Wrap(errs.Internal, uerr, "decode checkpoint envelope")
		}
		rec = Record{WorkflowID: workflowID, Step: env.Step, Blob: env.Blob, Version: version, CreatedAt: env.CreatedAt}
		ok = true
		return nil
	})
	return rec, ok, err
}

// Delete removes every checkpoint for workflowID (called on workflow
// success, §4.9 step 4; also used by GC for TTL expiry).
func (s *Store) Delete(workflowID string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		root := tx.Bucket(rootBucket)
		if root.Bucket([]byte(workflowID)) == nil {
			return nil
		}
		return root.DeleteBucket([]byte(workflowID))
	})
}

// ListFilter narrows List results.
type ListFilter struct {
	OlderThan time.Time // zero value matches everything
}

// Summary describes one workflow's checkpoint state for GC/admin use.
type Summary struct {
	WorkflowID     string
	LatestVersion  uint64
	LatestStep     string
	LatestWrittenAt time.Time
}

// List enumerates workflows with at least one checkpoint, optionally
// filtered by the age of their newest checkpoint.
func (s *Store) List(filter ListFilter) ([]Summary, error) {
	var out []Summary
	err := s.db.View(func(tx *bbolt.Tx) error {
		root := tx.Bucket(rootBucket)
		return root.ForEach(func(name, v []byte) error {
			if v != nil {
				// Not a nested (per-workflow) bucket entry.
				return nil
			}
			wfBucket := root.Bucket(name)
			version, raw, found := latestInBucket(wfBucket)
			if !found {
				return nil
			}
			var env envelope
			if err := json.Unmarshal(raw, &env); err != nil {
				return err
			}
			if !filter.OlderThan.IsZero() && !env.CreatedAt.Before(filter.OlderThan) {
				return nil
			}
			out = append(out, Summary{
				WorkflowID:      string(name),
				LatestVersion:   version,
				LatestStep:      env.Step,
				LatestWrittenAt: env.CreatedAt,
			})
			return nil
		})
	})
	return out, err
}

// GCExpired deletes all checkpoints whose newest entry predates cutoff,
// implementing the operator-configured retention TTL for failed/
// cancelled workflows (§4.4). It returns the deleted workflow ids.
func (s *Store) GCExpired(cutoff time.Time) ([]string, error) {
	expired, err := s.List(ListFilter{OlderThan: cutoff})
	if err != nil {
		return nil, err
	}
	var deleted []string
	for _, summary := range expired {
		if err := s.Delete(summary.WorkflowID); err != nil {
			return deleted, err
		}
		deleted = append(deleted, summary.WorkflowID)
	}
	return deleted, nil
}

func versionKey(v uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return buf
}

func versionFromKey(k []byte) uint64 {
	return binary.BigEndian.Uint64(k)
}

func latestInBucket(b *bbolt.Bucket) (uint64, []byte, bool) {
	c := b.Cursor()
	k, v := c.Last()
	if k == nil {
		return 0, nil, false
	}
	return versionFromKey(k), v, true
}
