package boltdb

import (
	"context"
	"encoding/json"
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/iudanet/statesync/internal/client/storage"
	"github.com/iudanet/statesync/pkg/protocol"
)

// SaveSnapshot rewrites the persisted state snapshot
func (s *Storage) SaveSnapshot(ctx context.Context, snap *protocol.Snapshot) error {
	if s.db == nil {
		return storage.ErrStorageClosed
	}

	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	err = s.db.Update(func(tx *bbolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists(bucketState)
		if err != nil {
			return fmt.Errorf("failed to create bucket: %w", err)
		}

		if err := bucket.Put(keySnapshot, data); err != nil {
			return fmt.Errorf("failed to save snapshot: %w", err)
		}

		return nil
	})

	if err != nil {
		return fmt.Errorf("transaction failed: %w", err)
	}

	return nil
}

// LoadSnapshot returns the persisted state snapshot.
// Returns storage.ErrSnapshotNotFound when nothing was saved yet
func (s *Storage) LoadSnapshot(ctx context.Context) (*protocol.Snapshot, error) {
	if s.db == nil {
		return nil, storage.ErrStorageClosed
	}

	var snap *protocol.Snapshot

	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketState)
		if bucket == nil {
			return storage.ErrSnapshotNotFound
		}

		data := bucket.Get(keySnapshot)
		if data == nil {
			return storage.ErrSnapshotNotFound
		}

		// Десериализуем
		snap = &protocol.Snapshot{}
		if err := json.Unmarshal(data, snap); err != nil {
			return fmt.Errorf("failed to unmarshal snapshot: %w", err)
		}

		return nil
	})

	if err != nil {
		return nil, err
	}

	return snap, nil
}
