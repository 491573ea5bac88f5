package conn

import (
	"github.com/iudanet/statesync/internal/models"
)

// EventType тип события менеджера соединения.
type EventType string

// События, доставляемые подписчикам
const (
	// EventStateChanged изменилось состояние соединения
	EventStateChanged EventType = "state_changed"

	// EventSyncCompleted получен и применён ответ синхронизации
	EventSyncCompleted EventType = "sync_completed"

	// EventConflict сервер сообщил о конкурентных операциях.
	// Разрешение уже выполнено CRDT; событие только наблюдается.
	EventConflict EventType = "conflict"

	// EventQueueExhausted попытки отправки операции исчерпаны
	EventQueueExhausted EventType = "queue_exhausted"

	// EventBufferStalled из причинного буфера вытеснены застрявшие
	// операции; выполняется повторная синхронизация
	EventBufferStalled EventType = "buffer_stalled"

	// EventError получено сообщение об ошибке или произошла
	// локальная ошибка обработки
	EventError EventType = "error"
)

// Event событие менеджера соединения. Заполнены только поля,
// относящиеся к типу события.
type Event struct {
	Err       error
	Operation *models.QueuedOperation // для EventQueueExhausted
	Type      EventType
	State     ConnState // для EventStateChanged
	Key       string    // для EventConflict
	Applied   int       // для EventSyncCompleted: применено операций
}

// EventFunc обработчик событий менеджера.
type EventFunc func(Event)
