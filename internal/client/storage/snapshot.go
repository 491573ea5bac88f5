package storage

import (
	"context"

	"github.com/iudanet/statesync/pkg/protocol"
)

//go:generate moq -out snapshot_mock.go . SnapshotStorage

// SnapshotStorage интерфейс durable-хранилища снимка состояния.
// Снимок сохраняется при отключении и восстанавливается при старте,
// чтобы клиент начинал не с пустого состояния.
type SnapshotStorage interface {
	// SaveSnapshot перезаписывает сохранённый снимок
	SaveSnapshot(ctx context.Context, snap *protocol.Snapshot) error

	// LoadSnapshot возвращает сохранённый снимок.
	// Возвращает ErrSnapshotNotFound, если снимка нет.
	LoadSnapshot(ctx context.Context) (*protocol.Snapshot, error)
}
