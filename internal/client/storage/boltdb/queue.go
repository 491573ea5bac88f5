package boltdb

import (
	"context"
	"encoding/json"
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/iudanet/statesync/internal/client/storage"
	"github.com/iudanet/statesync/internal/models"
)

// SaveQueue rewrites the persisted offline queue as a single JSON array
// under a versioned key
func (s *Storage) SaveQueue(ctx context.Context, ops []*models.QueuedOperation) error {
	if s.db == nil {
		return storage.ErrStorageClosed
	}

	// Сериализуем очередь целиком в JSON
	if ops == nil {
		ops = []*models.QueuedOperation{}
	}
	data, err := json.Marshal(ops)
	if err != nil {
		return fmt.Errorf("failed to marshal queue: %w", err)
	}

	err = s.db.Update(func(tx *bbolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists(bucketQueue)
		if err != nil {
			return fmt.Errorf("failed to create bucket: %w", err)
		}

		if err := bucket.Put(keyQueue, data); err != nil {
			return fmt.Errorf("failed to save queue: %w", err)
		}

		return nil
	})

	if err != nil {
		return fmt.Errorf("transaction failed: %w", err)
	}

	return nil
}

// LoadQueue returns the persisted offline queue.
// Returns an empty slice when nothing was saved yet
func (s *Storage) LoadQueue(ctx context.Context) ([]*models.QueuedOperation, error) {
	if s.db == nil {
		return nil, storage.ErrStorageClosed
	}

	var ops []*models.QueuedOperation

	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketQueue)
		if bucket == nil {
			// Нет bucket - возвращаем пустую очередь
			return nil
		}

		data := bucket.Get(keyQueue)
		if data == nil {
			return nil
		}

		if err := json.Unmarshal(data, &ops); err != nil {
			return fmt.Errorf("failed to unmarshal queue: %w", err)
		}

		return nil
	})

	if err != nil {
		return nil, fmt.Errorf("failed to load queue: %w", err)
	}

	return ops, nil
}
