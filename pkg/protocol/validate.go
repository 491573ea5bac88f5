package protocol

import (
	"errors"
	"fmt"
)

// Ошибки валидации протокола
var (
	ErrInvalidMessage   = errors.New("invalid message")
	ErrInvalidOperation = errors.New("invalid operation")
)

func validMessageType(t MessageType) bool {
	switch t {
	case MsgConnect, MsgConnectAck, MsgDisconnect, MsgPing, MsgPong,
		MsgSyncRequest, MsgSyncResponse, MsgOperation, MsgBatchOperation,
		MsgOperationAck, MsgConflict, MsgMerge, MsgSnapshotRequest,
		MsgSnapshot, MsgError, MsgRetry:
		return true
	}
	return false
}

// ValidateMessage проверяет структурную корректность сообщения.
// Сообщения без id, типа или metadata, а также с неизвестным типом
// отклоняются до обработки.
func ValidateMessage(msg *Message) error {
	if msg == nil {
		return fmt.Errorf("%w: nil message", ErrInvalidMessage)
	}
	if msg.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidMessage)
	}
	if msg.Type == "" {
		return fmt.Errorf("%w: missing type", ErrInvalidMessage)
	}
	if !validMessageType(msg.Type) {
		return fmt.Errorf("%w: unknown type %q", ErrInvalidMessage, msg.Type)
	}
	if msg.Metadata.Timestamp == 0 {
		return fmt.Errorf("%w: missing metadata timestamp", ErrInvalidMessage)
	}
	return nil
}

// ValidateOperation проверяет структурную корректность операции.
// Невалидная операция никогда не достигает CRDT-хранилища.
func ValidateOperation(op *Operation) error {
	if op == nil {
		return fmt.Errorf("%w: nil operation", ErrInvalidOperation)
	}
	if op.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidOperation)
	}
	if op.Type == "" {
		return fmt.Errorf("%w: missing type", ErrInvalidOperation)
	}
	if !validOperationType(op.Type) {
		return fmt.Errorf("%w: unknown type %q", ErrInvalidOperation, op.Type)
	}
	if op.Key == "" {
		return fmt.Errorf("%w: missing key", ErrInvalidOperation)
	}
	if op.DeviceID == "" {
		return fmt.Errorf("%w: missing device id", ErrInvalidOperation)
	}
	if op.Timestamp == 0 {
		return fmt.Errorf("%w: missing timestamp", ErrInvalidOperation)
	}
	if len(op.VectorClock) == 0 {
		return fmt.Errorf("%w: missing vector clock", ErrInvalidOperation)
	}
	return nil
}
