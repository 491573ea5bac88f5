package conn

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iudanet/statesync/internal/client/queue"
	"github.com/iudanet/statesync/internal/client/state"
	"github.com/iudanet/statesync/internal/client/storage"
	"github.com/iudanet/statesync/internal/models"
	"github.com/iudanet/statesync/pkg/protocol"
)

// harness играет роль сервера: записывает отправленные клиентом
// сообщения и подаёт входящие через inbox. На Connect автоматически
// отвечает ConnectAck, чтобы рукопожатие проходило.
type harness struct {
	transport *TransportMock
	inbox     chan *protocol.Message
	sent      []*protocol.Message
	mu        sync.Mutex
}

func (h *harness) push(t *testing.T, msgType protocol.MessageType, payload any) {
	t.Helper()
	msg, err := protocol.NewMessage(msgType, payload)
	require.NoError(t, err)
	h.inbox <- msg
}

func (h *harness) sentByType(msgType protocol.MessageType) []*protocol.Message {
	h.mu.Lock()
	defer h.mu.Unlock()

	var out []*protocol.Message
	for _, msg := range h.sent {
		if msg.Type == msgType {
			out = append(out, msg)
		}
	}
	return out
}

func newTestManager(t *testing.T, cfg Config) (*Manager, *harness) {
	t.Helper()

	h := &harness{inbox: make(chan *protocol.Message, 16)}
	h.transport = &TransportMock{
		ConnectFunc: func(ctx context.Context) error { return nil },
		SendFunc: func(ctx context.Context, msg *protocol.Message) error {
			h.mu.Lock()
			h.sent = append(h.sent, msg)
			h.mu.Unlock()
			if msg.Type == protocol.MsgConnect {
				if ack, err := protocol.NewMessage(protocol.MsgConnectAck, nil); err == nil {
					h.inbox <- ack
				}
			}
			return nil
		},
		ReceiveFunc: func(ctx context.Context) (*protocol.Message, error) {
			select {
			case msg := <-h.inbox:
				return msg, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
		CloseFunc: func(code int, reason string) error { return nil },
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := state.New("device-a", logger)
	queueStorage := &storage.QueueStorageMock{
		SaveQueueFunc: func(ctx context.Context, ops []*models.QueuedOperation) error { return nil },
		LoadQueueFunc: func(ctx context.Context) ([]*models.QueuedOperation, error) { return nil, nil },
	}
	q := queue.New(queueStorage, queue.Config{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		MaxDelay:    5 * time.Millisecond,
	}, logger)

	return New(h.transport, store, q, nil, cfg, logger), h
}

// remoteOp собирает валидную операцию удалённого устройства с заданным
// значением его компоненты векторных часов.
func remoteOp(deviceID string, seq int64, key string, value any) *protocol.Operation {
	return &protocol.Operation{
		ID:          deviceID + "-" + key + "-" + time.Now().String(),
		Type:        protocol.OpSet,
		Key:         key,
		Value:       value,
		DeviceID:    deviceID,
		Timestamp:   time.Now().UnixMilli(),
		VectorClock: protocol.VectorClock{deviceID: seq},
	}
}

func TestManager_ConnectHandshake(t *testing.T) {
	m, h := newTestManager(t, Config{})
	ctx := context.Background()

	require.NoError(t, m.Connect(ctx))
	assert.Equal(t, StateConnected, m.State())

	// Рукопожатие несёт идентификатор устройства и часы
	connects := h.sentByType(protocol.MsgConnect)
	require.Len(t, connects, 1)

	var payload protocol.ConnectPayload
	require.NoError(t, connects[0].DecodePayload(&payload))
	assert.Equal(t, "device-a", payload.DeviceID)

	// После подключения клиент запрашивает дельту
	assert.Eventually(t, func() bool {
		return len(h.sentByType(protocol.MsgSyncRequest)) == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, m.Disconnect(ctx))
}

func TestManager_ConnectIdempotent(t *testing.T) {
	m, h := newTestManager(t, Config{})
	ctx := context.Background()

	require.NoError(t, m.Connect(ctx))
	require.NoError(t, m.Connect(ctx))

	assert.Len(t, h.transport.ConnectCalls(), 1)

	require.NoError(t, m.Disconnect(ctx))
}

func TestManager_DispatchOperation(t *testing.T) {
	m, h := newTestManager(t, Config{})
	ctx := context.Background()

	require.NoError(t, m.Connect(ctx))

	h.push(t, protocol.MsgOperation, remoteOp("device-b", 1, "theme", "dark"))

	assert.Eventually(t, func() bool {
		v, ok := m.Store().Get("theme")
		return ok && v == "dark"
	}, time.Second, 5*time.Millisecond)

	// Каждая полученная операция подтверждается
	assert.Eventually(t, func() bool {
		return len(h.sentByType(protocol.MsgOperationAck)) == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, m.Disconnect(ctx))
}

func TestManager_CausalGating(t *testing.T) {
	m, h := newTestManager(t, Config{})
	ctx := context.Background()

	require.NoError(t, m.Connect(ctx))

	// Вторая операция устройства приходит раньше первой
	gapped := remoteOp("device-b", 2, "b", "second")
	h.push(t, protocol.MsgOperation, gapped)

	// Операция с пробелом буферизуется, но подтверждается
	assert.Eventually(t, func() bool {
		return len(h.sentByType(protocol.MsgOperationAck)) == 1
	}, time.Second, 5*time.Millisecond)
	_, ok := m.Store().Get("b")
	assert.False(t, ok)

	h.push(t, protocol.MsgOperation, remoteOp("device-b", 1, "a", "first"))

	// Прибытие недостающей операции выпускает обе
	assert.Eventually(t, func() bool {
		_, okA := m.Store().Get("a")
		_, okB := m.Store().Get("b")
		return okA && okB
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, m.Disconnect(ctx))
}

func TestManager_SyncResponseApplied(t *testing.T) {
	m, h := newTestManager(t, Config{})
	ctx := context.Background()

	var mu sync.Mutex
	var events []Event
	m.Subscribe(func(ev Event) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	})

	require.NoError(t, m.Connect(ctx))

	h.push(t, protocol.MsgSyncResponse, protocol.SyncResponsePayload{
		Operations: []*protocol.Operation{
			remoteOp("device-b", 1, "x", "7"),
			remoteOp("device-c", 1, "y", "8"),
		},
	})

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, ev := range events {
			if ev.Type == EventSyncCompleted && ev.Applied == 2 {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, m.Disconnect(ctx))
}

func TestManager_OfflineMutationsQueued(t *testing.T) {
	m, _ := newTestManager(t, Config{})
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "font", "mono"))
	require.NoError(t, m.Increment(ctx, "visits", 1))

	assert.Equal(t, 2, m.queue.Len())

	// Локальное состояние применяется сразу, без сети
	v, ok := m.Store().Get("font")
	require.True(t, ok)
	assert.Equal(t, "mono", v)
}

func TestManager_OfflineReplayOnConnect(t *testing.T) {
	m, h := newTestManager(t, Config{})
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "a", "1"))
	require.NoError(t, m.Set(ctx, "b", "2"))
	require.Equal(t, 2, m.queue.Len())

	require.NoError(t, m.Connect(ctx))

	assert.Eventually(t, func() bool {
		return len(h.sentByType(protocol.MsgOperation)) == 2 && m.queue.Len() == 0
	}, time.Second, 5*time.Millisecond)

	// Дельта запрашивается после опустошения очереди
	assert.Eventually(t, func() bool {
		return len(h.sentByType(protocol.MsgSyncRequest)) == 1
	}, time.Second, 5*time.Millisecond)

	h.mu.Lock()
	lastOp, syncIdx := -1, -1
	for i, msg := range h.sent {
		switch msg.Type {
		case protocol.MsgOperation:
			lastOp = i
		case protocol.MsgSyncRequest:
			syncIdx = i
		}
	}
	h.mu.Unlock()
	assert.Less(t, lastOp, syncIdx)

	require.NoError(t, m.Disconnect(ctx))
}

func TestManager_ManualBatchFlush(t *testing.T) {
	m, h := newTestManager(t, Config{BatchMode: BatchManual})
	ctx := context.Background()

	require.NoError(t, m.Connect(ctx))

	require.NoError(t, m.Set(ctx, "a", "1"))
	require.NoError(t, m.Set(ctx, "b", "2"))
	assert.Empty(t, h.sentByType(protocol.MsgOperation))
	assert.Empty(t, h.sentByType(protocol.MsgBatchOperation))

	require.NoError(t, m.Flush(ctx))

	batches := h.sentByType(protocol.MsgBatchOperation)
	require.Len(t, batches, 1)

	var payload protocol.BatchPayload
	require.NoError(t, batches[0].DecodePayload(&payload))
	assert.Len(t, payload.Operations, 2)

	// Повторный Flush пустого батча ничего не шлёт
	require.NoError(t, m.Flush(ctx))
	assert.Len(t, h.sentByType(protocol.MsgBatchOperation), 1)

	require.NoError(t, m.Disconnect(ctx))
}

func TestManager_ReconnectExhausted(t *testing.T) {
	m, h := newTestManager(t, Config{
		MaxReconnectAttempts: 3,
		ReconnectBaseDelay:   time.Millisecond,
		ReconnectMaxDelay:    5 * time.Millisecond,
	})
	h.transport.ConnectFunc = func(ctx context.Context) error {
		return errors.New("connection refused")
	}

	err := m.Connect(context.Background())
	require.Error(t, err)

	assert.Eventually(t, func() bool {
		return m.State() == StateFailed
	}, time.Second, 5*time.Millisecond)

	// Первая попытка Connect плюс MaxReconnectAttempts переподключений
	assert.Len(t, h.transport.ConnectCalls(), 4)
}

func TestManager_DisconnectNormalClosure(t *testing.T) {
	m, h := newTestManager(t, Config{})
	ctx := context.Background()

	require.NoError(t, m.Connect(ctx))
	require.NoError(t, m.Disconnect(ctx))

	assert.Equal(t, StateDisconnected, m.State())

	closes := h.transport.CloseCalls()
	require.Len(t, closes, 1)
	assert.Equal(t, 1000, closes[0].Code)

	// После штатного закрытия переподключение не запускается
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, StateDisconnected, m.State())
	assert.Len(t, h.transport.ConnectCalls(), 1)
}

func TestManager_PeerSyncRequest(t *testing.T) {
	m, h := newTestManager(t, Config{})
	ctx := context.Background()

	require.NoError(t, m.Connect(ctx))

	_, err := m.Store().Set("shared", "value")
	require.NoError(t, err)

	h.push(t, protocol.MsgSyncRequest, protocol.SyncRequestPayload{
		DeviceID:    "device-b",
		VectorClock: protocol.NewVectorClock(),
	})

	assert.Eventually(t, func() bool {
		responses := h.sentByType(protocol.MsgSyncResponse)
		if len(responses) != 1 {
			return false
		}
		var payload protocol.SyncResponsePayload
		if err := responses[0].DecodePayload(&payload); err != nil {
			return false
		}
		return len(payload.Operations) == 1 && payload.Operations[0].Key == "shared"
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, m.Disconnect(ctx))
}
