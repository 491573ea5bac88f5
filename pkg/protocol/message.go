package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Version текущая версия протокола, записывается в metadata каждого сообщения.
const Version = "1.0"

// MessageType определяет тип сообщения протокола.
type MessageType string

// Типы сообщений
const (
	MsgConnect         MessageType = "connect"
	MsgConnectAck      MessageType = "connect_ack"
	MsgDisconnect      MessageType = "disconnect"
	MsgPing            MessageType = "ping"
	MsgPong            MessageType = "pong"
	MsgSyncRequest     MessageType = "sync_request"
	MsgSyncResponse    MessageType = "sync_response"
	MsgOperation       MessageType = "operation"
	MsgBatchOperation  MessageType = "batch_operation"
	MsgOperationAck    MessageType = "operation_ack"
	MsgConflict        MessageType = "conflict"
	MsgMerge           MessageType = "merge"
	MsgSnapshotRequest MessageType = "snapshot_request"
	MsgSnapshot        MessageType = "snapshot"
	MsgError           MessageType = "error"
	MsgRetry           MessageType = "retry"
)

// Metadata служебные поля, обязательные для каждого сообщения.
type Metadata struct {
	Timestamp int64  `json:"timestamp"` // миллисекунды с эпохи
	Version   string `json:"version"`   // версия протокола
}

// Message конверт протокола. Payload интерпретируется согласно Type.
type Message struct {
	ID       string          `json:"id"`
	Type     MessageType     `json:"type"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	Metadata Metadata        `json:"metadata"`
}

// ConnectPayload рукопожатие: клиент представляется серверу.
type ConnectPayload struct {
	DeviceID    string      `json:"deviceId"`
	VectorClock VectorClock `json:"vectorClock"`
	Timestamp   int64       `json:"timestamp"`
}

// SyncRequestPayload запрос дельты: сервер вычисляет операции,
// которых не хватает клиенту, по его векторным часам.
type SyncRequestPayload struct {
	DeviceID    string      `json:"deviceId"`
	VectorClock VectorClock `json:"vectorClock"`
}

// SyncResponsePayload ответ на SyncRequest.
type SyncResponsePayload struct {
	Operations []*Operation `json:"operations"`
	Snapshot   *Snapshot    `json:"snapshot,omitempty"`
}

// SnapshotRequestPayload запрос полного снимка состояния.
type SnapshotRequestPayload struct {
	DeviceID string `json:"deviceId"`
}

// SnapshotPayload полный снимок состояния реплики.
type SnapshotPayload struct {
	Snapshot *Snapshot `json:"snapshot"`
}

// BatchPayload пакет операций, накопленных политикой батчинга.
type BatchPayload struct {
	Operations []*Operation `json:"operations"`
}

// AckPayload подтверждение применения операции.
type AckPayload struct {
	OperationID string `json:"operationId"`
}

// ConflictPayload уведомление о конкурентных операциях над одним ключом.
// Разрешение конфликта остается за CRDT; сообщение только наблюдается.
type ConflictPayload struct {
	Key        string       `json:"key"`
	Operations []*Operation `json:"operations"`
}

// ErrorPayload описание ошибки, переданное пиру.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewMessage создает сообщение заданного типа с сериализованным payload.
// payload может быть nil (ping/pong не несут данных).
func NewMessage(msgType MessageType, payload any) (*Message, error) {
	msg := &Message{
		ID:   uuid.New().String(),
		Type: msgType,
		Metadata: Metadata{
			Timestamp: time.Now().UnixMilli(),
			Version:   Version,
		},
	}

	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal payload: %w", err)
		}
		msg.Payload = data
	}

	return msg, nil
}

// Encode сериализует сообщение для передачи по транспорту.
func (m *Message) Encode() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}
	return data, nil
}

// DecodePayload десериализует payload сообщения в dst.
func (m *Message) DecodePayload(dst any) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("%w: empty payload for %s", ErrInvalidMessage, m.Type)
	}
	if err := json.Unmarshal(m.Payload, dst); err != nil {
		return fmt.Errorf("failed to unmarshal %s payload: %w", m.Type, err)
	}
	return nil
}

// ParseMessage десериализует и валидирует сообщение в один шаг.
// Невалидные сообщения отбрасываются до какой-либо обработки.
func ParseMessage(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if err := ValidateMessage(&msg); err != nil {
		return nil, err
	}
	return &msg, nil
}
