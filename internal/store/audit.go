package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
)

// PutSample persists an audit sample record under samples/<id>.
func (s *Store) PutSample(ctx context.Context, id string, v any) error {
	return s.putJSON(ctx, sampleKey(id), v)
}

// PutValidation persists a validation report under validations/<id>.
func (s *Store) PutValidation(ctx context.Context, id string, v any) error {
	return s.putJSON(ctx, validationKey(id), v)
}

// GetValidation loads a validation report into out.
func (s *Store) GetValidation(ctx context.Context, id string, out any) error {
	return s.getJSON(ctx, validationKey(id), out)
}

// ListSampleIDs returns the ids of all persisted audit samples.
func (s *Store) ListSampleIDs(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var ids []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(samplePrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			ids = append(ids, string(it.Item().Key()[len(samplePrefix):]))
		}
		return nil
	})
	return ids, err
}

// ListValidationIDs returns the ids of all persisted validation
// reports.
func (s *Store) ListValidationIDs(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var ids []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(validationPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			ids = append(ids, string(it.Item().Key()[len(validationPrefix):]))
		}
		return nil
	})
	return ids, err
}

func (s *Store) putJSON(ctx context.Context, key []byte, v any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal record %s: %w", key, err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, data)
	})
}

func (s *Store) getJSON(ctx context.Context, key []byte, out any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("%s: %w", key, ErrNotFound)
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, out)
		})
	})
}
