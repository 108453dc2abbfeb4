package store

import (
	"context"

	"github.com/dgraph-io/badger/v4"
)

// PutChunk persists one indexed text chunk under its task's subtree, so
// the cascade delete of the task covers it.
func (s *Store) PutChunk(ctx context.Context, taskID, chunkID string, v any) error {
	return s.putJSON(ctx, chunkKey(taskID, chunkID), v)
}

// GetChunk loads one chunk into out.
func (s *Store) GetChunk(ctx context.Context, taskID, chunkID string, out any) error {
	return s.getJSON(ctx, chunkKey(taskID, chunkID), out)
}

// ListChunkIDs returns the ids of a task's persisted chunks.
func (s *Store) ListChunkIDs(ctx context.Context, taskID string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	prefix := chunkPrefix(taskID)
	var ids []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			ids = append(ids, string(it.Item().Key()[len(prefix):]))
		}
		return nil
	})
	return ids, err
}
