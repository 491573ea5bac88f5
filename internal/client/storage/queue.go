package storage

import (
	"context"

	"github.com/iudanet/statesync/internal/models"
)

//go:generate moq -out queue_mock.go . QueueStorage

// QueueStorage интерфейс durable-хранилища offline-очереди.
// Очередь сериализуется целиком при каждом изменении, чтобы
// пережить падение или перезапуск клиента.
type QueueStorage interface {
	// SaveQueue перезаписывает сохранённую очередь
	SaveQueue(ctx context.Context, ops []*models.QueuedOperation) error

	// LoadQueue возвращает сохранённую очередь (пустую, если записей нет)
	LoadQueue(ctx context.Context) ([]*models.QueuedOperation, error)
}
