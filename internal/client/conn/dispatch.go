package conn

import (
	"context"
	"fmt"
	"time"

	"github.com/iudanet/statesync/pkg/protocol"
)

// Set записывает значение ключа и доставляет операцию согласно
// политике батчинга. В офлайне операция попадает в очередь.
func (m *Manager) Set(ctx context.Context, key string, value any) error {
	op, err := m.store.Set(key, value)
	if err != nil {
		return err
	}
	return m.route(ctx, op)
}

// Delete удаляет ключ.
func (m *Manager) Delete(ctx context.Context, key string) error {
	op, err := m.store.Delete(key)
	if err != nil {
		return err
	}
	return m.route(ctx, op)
}

// Increment увеличивает счётчик ключа на amount.
func (m *Manager) Increment(ctx context.Context, key string, amount int64) error {
	op, err := m.store.Increment(key, amount)
	if err != nil {
		return err
	}
	return m.route(ctx, op)
}

// Decrement уменьшает счётчик ключа на amount.
func (m *Manager) Decrement(ctx context.Context, key string, amount int64) error {
	op, err := m.store.Decrement(key, amount)
	if err != nil {
		return err
	}
	return m.route(ctx, op)
}

// route доставляет локальную операцию: очередь в офлайне, немедленная
// отправка в режиме Realtime, накопление в Batched/Manual. Часы операции
// отмечаются в причинном буфере, чтобы зависящие от неё удалённые
// операции не застревали.
func (m *Manager) route(ctx context.Context, op *protocol.Operation) error {
	m.applyReleased(m.buffer.Observe(op.VectorClock))

	if m.State() != StateConnected {
		return m.queue.Enqueue(ctx, op, 0)
	}

	switch m.cfg.BatchMode {
	case BatchRealtime:
		if err := m.sendOperation(ctx, op); err != nil {
			// Неудачная отправка не теряет операцию
			m.logger.Warn("send failed, operation queued", "op_id", op.ID, "error", err)
			return m.queue.Enqueue(ctx, op, 0)
		}
		return nil
	default:
		m.mu.Lock()
		m.batch = append(m.batch, op)
		m.mu.Unlock()
		return nil
	}
}

// Flush отправляет накопленный батч одним BatchOperation сообщением.
// В офлайне батч перекладывается в очередь.
func (m *Manager) Flush(ctx context.Context) error {
	m.mu.Lock()
	batch := m.batch
	m.batch = nil
	m.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	if m.State() != StateConnected {
		for _, op := range batch {
			if err := m.queue.Enqueue(ctx, op, 0); err != nil {
				return err
			}
		}
		return nil
	}

	msg, err := protocol.NewMessage(protocol.MsgBatchOperation, protocol.BatchPayload{Operations: batch})
	if err != nil {
		return err
	}
	if err := m.transport.Send(ctx, msg); err != nil {
		for _, op := range batch {
			_ = m.queue.Enqueue(ctx, op, 0)
		}
		return fmt.Errorf("failed to send batch: %w", err)
	}

	m.logger.Debug("batch flushed", "operations", len(batch))

	return nil
}

// sendOperation отправляет одну операцию сообщением Operation.
func (m *Manager) sendOperation(ctx context.Context, op *protocol.Operation) error {
	msg, err := protocol.NewMessage(protocol.MsgOperation, op)
	if err != nil {
		return err
	}
	return m.transport.Send(ctx, msg)
}

// sendSyncRequest запрашивает у сервера операции, которых не хватает
// локальной реплике, передавая её векторные часы.
func (m *Manager) sendSyncRequest(ctx context.Context) error {
	msg, err := protocol.NewMessage(protocol.MsgSyncRequest, protocol.SyncRequestPayload{
		DeviceID:    m.store.DeviceID(),
		VectorClock: m.store.Clock(),
	})
	if err != nil {
		return err
	}
	return m.transport.Send(ctx, msg)
}

// dispatch обрабатывает входящее сообщение по типу. Ошибки обработки
// логируются и доставляются подписчикам, но никогда не роняют клиент.
func (m *Manager) dispatch(ctx context.Context, msg *protocol.Message) {
	switch msg.Type {
	case protocol.MsgOperation:
		var op protocol.Operation
		if err := msg.DecodePayload(&op); err != nil {
			m.handleDispatchError(msg, err)
			return
		}
		m.handleOperations(ctx, []*protocol.Operation{&op})

	case protocol.MsgBatchOperation:
		var payload protocol.BatchPayload
		if err := msg.DecodePayload(&payload); err != nil {
			m.handleDispatchError(msg, err)
			return
		}
		m.handleOperations(ctx, payload.Operations)

	case protocol.MsgSyncResponse:
		var payload protocol.SyncResponsePayload
		if err := msg.DecodePayload(&payload); err != nil {
			m.handleDispatchError(msg, err)
			return
		}
		applied := m.applyThroughBuffer(payload.Operations)
		if payload.Snapshot != nil {
			if err := m.store.Merge(payload.Snapshot); err != nil {
				m.handleDispatchError(msg, err)
				return
			}
			m.applyReleased(m.buffer.Observe(payload.Snapshot.VectorClock))
		}
		m.logger.Info("sync response applied",
			"operations", len(payload.Operations),
			"applied", applied,
			"with_snapshot", payload.Snapshot != nil)
		m.emit(Event{Type: EventSyncCompleted, Applied: applied})

	case protocol.MsgSyncRequest:
		// Пир догоняет: отдаём операции, которых у него нет
		var payload protocol.SyncRequestPayload
		if err := msg.DecodePayload(&payload); err != nil {
			m.handleDispatchError(msg, err)
			return
		}
		m.replySyncResponse(ctx, payload.VectorClock)

	case protocol.MsgSnapshot:
		var payload protocol.SnapshotPayload
		if err := msg.DecodePayload(&payload); err != nil {
			m.handleDispatchError(msg, err)
			return
		}
		if payload.Snapshot == nil {
			m.handleDispatchError(msg, fmt.Errorf("snapshot message without snapshot"))
			return
		}
		if err := m.store.RestoreSnapshot(payload.Snapshot); err != nil {
			m.handleDispatchError(msg, err)
			return
		}
		m.applyReleased(m.buffer.Observe(payload.Snapshot.VectorClock))

	case protocol.MsgSnapshotRequest:
		m.replySnapshot(ctx)

	case protocol.MsgPing:
		if pong, err := protocol.NewMessage(protocol.MsgPong, nil); err == nil {
			if err := m.transport.Send(ctx, pong); err != nil {
				m.logger.Warn("failed to send pong", "error", err)
			}
		}

	case protocol.MsgPong:
		m.mu.Lock()
		if !m.pingSentAt.IsZero() {
			m.latency = time.Since(m.pingSentAt)
		}
		latency := m.latency
		m.mu.Unlock()
		m.logger.Debug("pong received", "latency", latency)

	case protocol.MsgConflict, protocol.MsgMerge:
		// Наблюдение конкурентных правок; разрешение уже сделано CRDT
		var payload protocol.ConflictPayload
		if err := msg.DecodePayload(&payload); err != nil {
			m.handleDispatchError(msg, err)
			return
		}
		m.logger.Info("concurrent operations reported",
			"key", payload.Key,
			"operations", len(payload.Operations))
		m.emit(Event{Type: EventConflict, Key: payload.Key})

	case protocol.MsgError:
		var payload protocol.ErrorPayload
		if err := msg.DecodePayload(&payload); err != nil {
			m.handleDispatchError(msg, err)
			return
		}
		m.logger.Error("server reported error", "code", payload.Code, "message", payload.Message)
		m.emit(Event{Type: EventError, Err: fmt.Errorf("server error %s: %s", payload.Code, payload.Message)})

	case protocol.MsgRetry:
		// Сервер просит повторить недоставленное
		go func() {
			if err := m.queue.Drain(ctx, m.sendOperation); err != nil {
				m.logger.Warn("retry drain failed", "error", err)
			}
		}()

	case protocol.MsgDisconnect:
		// Пир завершает сессию штатно; переподключения не будет
		m.logger.Info("peer requested disconnect")
		if err := m.Disconnect(context.WithoutCancel(ctx)); err != nil {
			m.logger.Warn("failed to disconnect", "error", err)
		}

	case protocol.MsgOperationAck:
		var payload protocol.AckPayload
		if err := msg.DecodePayload(&payload); err == nil {
			m.logger.Debug("operation acknowledged", "op_id", payload.OperationID)
		}

	default:
		m.logger.Debug("message ignored", "type", msg.Type)
	}
}

// handleOperations проводит входящие операции через причинный буфер,
// применяет готовые и подтверждает каждую полученную.
func (m *Manager) handleOperations(ctx context.Context, ops []*protocol.Operation) {
	for _, op := range ops {
		if err := protocol.ValidateOperation(op); err != nil {
			// Невалидная операция не достигает хранилища;
			// отправителю возвращается Error
			m.logger.Warn("invalid operation rejected", "error", err)
			m.replyError(ctx, "invalid_operation", err.Error())
			continue
		}

		m.applyThroughBuffer([]*protocol.Operation{op})
		m.replyAck(ctx, op.ID)
	}
}

// applyThroughBuffer добавляет операции в причинный буфер и применяет
// всё, что буфер выпустил. Возвращает количество применённых операций.
func (m *Manager) applyThroughBuffer(ops []*protocol.Operation) int {
	applied := 0
	for _, op := range ops {
		applied += m.applyReleased(m.buffer.Add(op))
	}
	return applied
}

// applyReleased применяет выпущенные буфером операции к хранилищу.
func (m *Manager) applyReleased(ops []*protocol.Operation) int {
	applied := 0
	for _, op := range ops {
		if err := m.store.ApplyOperation(op); err != nil {
			m.logger.Error("failed to apply operation", "op_id", op.ID, "error", err)
			m.emit(Event{Type: EventError, Err: err})
			continue
		}
		applied++
	}
	return applied
}

// replyAck подтверждает получение операции.
func (m *Manager) replyAck(ctx context.Context, opID string) {
	msg, err := protocol.NewMessage(protocol.MsgOperationAck, protocol.AckPayload{OperationID: opID})
	if err != nil {
		return
	}
	if err := m.transport.Send(ctx, msg); err != nil {
		m.logger.Warn("failed to send ack", "op_id", opID, "error", err)
	}
}

// replyError отправляет пиру сообщение об ошибке.
func (m *Manager) replyError(ctx context.Context, code, message string) {
	msg, err := protocol.NewMessage(protocol.MsgError, protocol.ErrorPayload{Code: code, Message: message})
	if err != nil {
		return
	}
	if err := m.transport.Send(ctx, msg); err != nil {
		m.logger.Warn("failed to send error reply", "error", err)
	}
}

// replySyncResponse отдаёт пиру операции, которых нет в его часах.
func (m *Manager) replySyncResponse(ctx context.Context, peerClock protocol.VectorClock) {
	ops := m.store.OperationsSince(peerClock)
	msg, err := protocol.NewMessage(protocol.MsgSyncResponse, protocol.SyncResponsePayload{Operations: ops})
	if err != nil {
		return
	}
	if err := m.transport.Send(ctx, msg); err != nil {
		m.logger.Warn("failed to send sync response", "error", err)
	}
}

// replySnapshot отдаёт пиру полный снимок состояния.
func (m *Manager) replySnapshot(ctx context.Context) {
	msg, err := protocol.NewMessage(protocol.MsgSnapshot, protocol.SnapshotPayload{Snapshot: m.store.Snapshot()})
	if err != nil {
		return
	}
	if err := m.transport.Send(ctx, msg); err != nil {
		m.logger.Warn("failed to send snapshot", "error", err)
	}
}

// handleDispatchError логирует ошибку обработки сообщения и уведомляет
// подписчиков. Ошибки обработки никогда не прерывают цикл чтения.
func (m *Manager) handleDispatchError(msg *protocol.Message, err error) {
	m.logger.Warn("failed to handle message", "type", msg.Type, "error", err)
	m.emit(Event{Type: EventError, Err: err})
}
