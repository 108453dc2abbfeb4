package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/mgiraud/papermill/internal/task"
)

// PutCheckpoint writes the latest checkpoint for a task, replacing any
// previous one. Older checkpoints are compacted away by construction:
// only checkpoint.latest exists.
func (s *Store) PutCheckpoint(ctx context.Context, cp task.Checkpoint) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if cp.TaskID == "" {
		return fmt.Errorf("checkpoint missing task id")
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}

	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(checkpointKey(cp.TaskID), data)
	})
	if err != nil {
		return err
	}

	s.logger.Debug("checkpoint written",
		"task_id", cp.TaskID,
		"attempt_id", cp.AttemptID,
		"page", cp.CurrentPage,
		"total", cp.TotalPages,
	)
	return nil
}

// LatestCheckpoint returns the newest checkpoint for a task.
// The boolean is false when no checkpoint exists.
func (s *Store) LatestCheckpoint(ctx context.Context, taskID string) (task.Checkpoint, bool, error) {
	var cp task.Checkpoint
	if err := ctx.Err(); err != nil {
		return cp, false, err
	}

	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(checkpointKey(taskID))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &cp)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return cp, false, nil
	}
	if err != nil {
		return cp, false, err
	}
	return cp, true, nil
}

// DeleteCheckpoint removes a task's checkpoint. Called once the task is
// terminal; the checkpoint must survive restarts until then.
func (s *Store) DeleteCheckpoint(ctx context.Context, taskID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		err := txn.Delete(checkpointKey(taskID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		return err
	})
}
