package protocol

import (
	"github.com/google/uuid"
)

// OperationType определяет тип операции над репликой.
type OperationType string

// Типы операций
const (
	OpInsert    OperationType = "insert"
	OpUpdate    OperationType = "update"
	OpDelete    OperationType = "delete"
	OpSet       OperationType = "set"
	OpIncrement OperationType = "increment"
	OpDecrement OperationType = "decrement"
)

// Operation представляет одну мутацию реплицированного состояния.
// Операции создаются локальной репликой и доставляются всем остальным.
type Operation struct {
	ID          string        `json:"id"`          // уникальный идентификатор операции (UUID)
	Type        OperationType `json:"type"`        // тип операции
	Key         string        `json:"key"`         // логический ключ
	Value       any           `json:"value"`       // значение (для счетчиков - величина изменения)
	DeviceID    string        `json:"deviceId"`    // устройство, создавшее операцию
	Timestamp   int64         `json:"timestamp"`   // миллисекунды с эпохи, строго монотонные
	VectorClock VectorClock   `json:"vectorClock"` // причинная история на момент создания
}

// NewOperation создает операцию от имени deviceID поверх часов prior.
// Инвариант: компонент vectorClock[deviceID] ровно на единицу больше
// последнего значения создателя; остальные компоненты наследуются без изменений.
// Часы prior не изменяются.
func NewOperation(opType OperationType, key string, value any, deviceID string, prior VectorClock, timestamp int64) *Operation {
	clock := prior.Copy()
	clock.Increment(deviceID)

	return &Operation{
		ID:          uuid.New().String(),
		Type:        opType,
		Key:         key,
		Value:       value,
		DeviceID:    deviceID,
		Timestamp:   timestamp,
		VectorClock: clock,
	}
}

// HappensBefore возвращает true, если операция причинно предшествует other.
func (op *Operation) HappensBefore(other *Operation) bool {
	return op.VectorClock.HappensBefore(other.VectorClock)
}

// ConcurrentWith возвращает true, если операции причинно не связаны.
// Конкурентные операции над одним ключом - это конфликт,
// разрешаемый детерминированно на уровне CRDT.
func (op *Operation) ConcurrentWith(other *Operation) bool {
	return op.VectorClock.ConcurrentWith(other.VectorClock)
}

// Clone создает глубокую копию операции (Value копируется по ссылке).
func (op *Operation) Clone() *Operation {
	clone := *op
	clone.VectorClock = op.VectorClock.Copy()
	return &clone
}

func validOperationType(t OperationType) bool {
	switch t {
	case OpInsert, OpUpdate, OpDelete, OpSet, OpIncrement, OpDecrement:
		return true
	}
	return false
}
