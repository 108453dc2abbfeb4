// Package store provides the durable system of record for tasks,
// attempts, checkpoints, errors, and audit records. It is backed by an
// embedded badger database; every component persists through it.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/mgiraud/papermill/internal/task"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// Config configures the store.
type Config struct {
	// Dir is the database directory. Ignored when InMemory is set.
	Dir string

	// InMemory runs badger without disk persistence. Used by tests and
	// by `papermill process` one-shot runs.
	InMemory bool

	// NoSync disables the fsync on every commit. On-disk stores sync by
	// default so a successful Put of a terminal task survives a process
	// crash.
	NoSync bool

	Logger *slog.Logger
}

// Store is the badger-backed system of record.
type Store struct {
	db     *badger.DB
	logger *slog.Logger
}

// Open opens (or creates) the store.
func Open(cfg Config) (*Store, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "store")

	opts := badger.DefaultOptions(cfg.Dir)
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts = opts.WithSyncWrites(!cfg.InMemory && !cfg.NoSync)
	opts = opts.WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	return &Store{db: db, logger: logger}, nil
}

// Close releases the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// PutTask upserts the task record and its attempt records in one
// transaction. The write is atomic: either the full record lands or
// nothing does.
func (s *Store) PutTask(ctx context.Context, t *task.Task) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	snap := t.Snapshot()
	return s.putSnapshot(snap)
}

// PutSnapshot upserts an already-taken task snapshot.
func (s *Store) PutSnapshot(ctx context.Context, snap task.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.putSnapshot(snap)
}

func (s *Store) putSnapshot(snap task.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal task %s: %w", snap.ID, err)
	}

	return s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(taskKey(snap.ID), data); err != nil {
			return err
		}
		for _, a := range snap.Attempts {
			ad, err := json.Marshal(a)
			if err != nil {
				return fmt.Errorf("failed to marshal attempt %s: %w", a.ID, err)
			}
			if err := txn.Set(attemptKey(snap.ID, a.ID), ad); err != nil {
				return err
			}
		}
		for i, e := range snap.Errors {
			ed, err := json.Marshal(e)
			if err != nil {
				return fmt.Errorf("failed to marshal error record: %w", err)
			}
			if err := txn.Set(errorKey(snap.ID, i), ed); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetTask returns the task snapshot for the given id.
func (s *Store) GetTask(ctx context.Context, id string) (task.Snapshot, error) {
	var snap task.Snapshot
	if err := ctx.Err(); err != nil {
		return snap, err
	}

	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(taskKey(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("task %s: %w", id, ErrNotFound)
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &snap)
		})
	})
	return snap, err
}

// Filter narrows ListTasks results.
type Filter struct {
	Status task.Status // empty matches all
	Since  time.Time   // match added_at >= Since when non-zero
	Until  time.Time   // match added_at < Until when non-zero
	Limit  int         // 0 means no limit
	Offset int
}

// ListTasks returns task snapshots matching the filter, ordered by
// added_at ascending.
func (s *Store) ListTasks(ctx context.Context, f Filter) ([]task.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var all []task.Snapshot
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(taskPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			key := string(it.Item().Key())
			if !isTaskRecordKey(key) {
				continue
			}
			var snap task.Snapshot
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &snap)
			}); err != nil {
				return err
			}
			if f.Status != "" && snap.Status != f.Status {
				continue
			}
			if !f.Since.IsZero() && snap.AddedAt.Before(f.Since) {
				continue
			}
			if !f.Until.IsZero() && !snap.AddedAt.Before(f.Until) {
				continue
			}
			all = append(all, snap)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sortByAddedAt(all)

	if f.Offset > 0 {
		if f.Offset >= len(all) {
			return nil, nil
		}
		all = all[f.Offset:]
	}
	if f.Limit > 0 && len(all) > f.Limit {
		all = all[:f.Limit]
	}
	return all, nil
}

// DeleteTask removes the task and every associated record (attempts,
// checkpoint, errors).
func (s *Store) DeleteTask(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	// Collect keys first; badger forbids deleting while iterating the
	// same transaction's pending writes.
	var keys [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(taskSubtree(id))
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	})
	if err != nil {
		return err
	}

	return s.db.Update(func(txn *badger.Txn) error {
		for _, k := range keys {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

func sortByAddedAt(snaps []task.Snapshot) {
	sort.Slice(snaps, func(i, j int) bool {
		return snaps[i].AddedAt.Before(snaps[j].AddedAt)
	})
}
