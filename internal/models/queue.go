package models

import "github.com/iudanet/statesync/pkg/protocol"

// QueueStatus статус операции в offline-очереди.
type QueueStatus string

// Статусы операций в очереди
const (
	StatusPending    QueueStatus = "pending"
	StatusProcessing QueueStatus = "processing"
	StatusCompleted  QueueStatus = "completed"
	StatusFailed     QueueStatus = "failed"
	StatusCancelled  QueueStatus = "cancelled"
)

// QueuedOperation оборачивает операцию, ожидающую отправки на сервер.
// Сериализуется в durable-хранилище при каждом изменении очереди,
// чтобы пережить падение или перезапуск клиента.
type QueuedOperation struct {
	Operation     *protocol.Operation `json:"operation"`
	Status        QueueStatus         `json:"status"`
	Error         string              `json:"error,omitempty"`       // текст последней ошибки
	Priority      int                 `json:"priority"`              // больший приоритет отправляется раньше
	Attempts      int                 `json:"attempts"`              // количество сделанных попыток
	MaxAttempts   int                 `json:"maxAttempts"`           // предел попыток
	CreatedAt     int64               `json:"createdAt"`             // миллисекунды с эпохи
	LastAttemptAt int64               `json:"lastAttemptAt"`         // время последней попытки
}

// Retryable возвращает true, если операцию ещё можно попробовать отправить.
func (q *QueuedOperation) Retryable() bool {
	switch q.Status {
	case StatusPending:
		return true
	case StatusFailed:
		return q.Attempts < q.MaxAttempts
	}
	return false
}

// Exhausted возвращает true, если попытки исчерпаны.
func (q *QueuedOperation) Exhausted() bool {
	return q.Status == StatusFailed && q.Attempts >= q.MaxAttempts
}

// Clone создает глубокую копию записи очереди.
func (q *QueuedOperation) Clone() *QueuedOperation {
	clone := *q
	if q.Operation != nil {
		clone.Operation = q.Operation.Clone()
	}
	return &clone
}
