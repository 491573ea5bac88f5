package causal

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iudanet/statesync/pkg/protocol"
)

func newTestBuffer(t *testing.T) *Buffer {
	t.Helper()
	return New(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

// makeOp создает операцию с заданными часами без участия Store.
func makeOp(deviceID string, clock protocol.VectorClock) *protocol.Operation {
	op := protocol.NewOperation(protocol.OpSet, "k", "v", deviceID, clock, 1)
	return op
}

func TestBuffer_ReadyOperationReleased(t *testing.T) {
	buffer := newTestBuffer(t)

	op := makeOp("device-a", protocol.NewVectorClock()) // {device-a: 1}

	released := buffer.Add(op)
	require.Len(t, released, 1)
	assert.Equal(t, op.ID, released[0].ID)
	assert.Equal(t, int64(1), buffer.Clock()["device-a"])
	assert.Zero(t, buffer.PendingCount())
}

func TestBuffer_GapBuffered(t *testing.T) {
	buffer := newTestBuffer(t)

	first := makeOp("device-a", protocol.NewVectorClock())  // {a:1}
	second := makeOp("device-a", first.VectorClock)         // {a:2}

	// Вторая операция пришла раньше первой - задерживается
	released := buffer.Add(second)
	assert.Empty(t, released)
	assert.Equal(t, 1, buffer.PendingCount())

	// Первая пришла - обе выпускаются в правильном порядке
	released = buffer.Add(first)
	require.Len(t, released, 2)
	assert.Equal(t, first.ID, released[0].ID)
	assert.Equal(t, second.ID, released[1].ID)
	assert.Zero(t, buffer.PendingCount())
	assert.Equal(t, int64(2), buffer.Clock()["device-a"])
}

func TestBuffer_CrossDeviceDependency(t *testing.T) {
	buffer := newTestBuffer(t)

	// Операция device-b, созданная после просмотра {a:1}
	opA := makeOp("device-a", protocol.NewVectorClock())   // {a:1}
	opB := makeOp("device-b", opA.VectorClock)             // {a:1, b:1}

	// opB зависит от opA - задерживается
	released := buffer.Add(opB)
	assert.Empty(t, released)

	released = buffer.Add(opA)
	require.Len(t, released, 2)
	assert.Equal(t, opA.ID, released[0].ID)
	assert.Equal(t, opB.ID, released[1].ID)
}

func TestBuffer_CascadingRelease(t *testing.T) {
	buffer := newTestBuffer(t)

	// Цепочка из трех операций одного устройства, прибывшая в обратном порядке
	op1 := makeOp("device-a", protocol.NewVectorClock())
	op2 := makeOp("device-a", op1.VectorClock)
	op3 := makeOp("device-a", op2.VectorClock)

	assert.Empty(t, buffer.Add(op3))
	assert.Empty(t, buffer.Add(op2))
	assert.Equal(t, 2, buffer.PendingCount())

	released := buffer.Add(op1)
	require.Len(t, released, 3)
	assert.Equal(t, op1.ID, released[0].ID)
	assert.Equal(t, op2.ID, released[1].ID)
	assert.Equal(t, op3.ID, released[2].ID)
}

func TestBuffer_DuplicateDelivery(t *testing.T) {
	buffer := newTestBuffer(t)

	op := makeOp("device-a", protocol.NewVectorClock())
	require.Len(t, buffer.Add(op), 1)

	// Повторная доставка уже выпущенной операции отбрасывается:
	// повторное применение инкремента задвоило бы счётчик
	released := buffer.Add(op)
	assert.Empty(t, released)
	assert.Zero(t, buffer.PendingCount())
	assert.Equal(t, int64(1), buffer.Clock()["device-a"])
}

func TestBuffer_DuplicateWhileGappedReleasedOnce(t *testing.T) {
	buffer := newTestBuffer(t)

	op1 := makeOp("device-a", protocol.NewVectorClock()) // {a:1}
	op2 := makeOp("device-a", op1.VectorClock)           // {a:2}

	// Операция с пробелом доставлена дважды до прибытия предшественника
	assert.Empty(t, buffer.Add(op2))
	assert.Empty(t, buffer.Add(op2))
	assert.Equal(t, 2, buffer.PendingCount())

	released := buffer.Add(op1)
	require.Len(t, released, 2)
	assert.Equal(t, op1.ID, released[0].ID)
	assert.Equal(t, op2.ID, released[1].ID)
	assert.Zero(t, buffer.PendingCount())
}

func TestBuffer_ObserveReleasesDependents(t *testing.T) {
	buffer := newTestBuffer(t)

	// Удалённая операция зависит от локальной {a:1}, прошедшей мимо буфера
	local := makeOp("device-a", protocol.NewVectorClock()) // {a:1}
	remote := makeOp("device-b", local.VectorClock)        // {a:1, b:1}

	assert.Empty(t, buffer.Add(remote))
	assert.Equal(t, 1, buffer.PendingCount())

	released := buffer.Observe(local.VectorClock)
	require.Len(t, released, 1)
	assert.Equal(t, remote.ID, released[0].ID)
	assert.Zero(t, buffer.PendingCount())
}

func TestBuffer_Evict(t *testing.T) {
	buffer := newTestBuffer(t)

	current := time.Now()
	buffer.now = func() time.Time { return current }

	op1 := makeOp("device-a", protocol.NewVectorClock())
	op2 := makeOp("device-a", op1.VectorClock)
	op3 := makeOp("device-a", op2.VectorClock)

	// op2/op3 ждут op1, который никогда не придёт
	buffer.Add(op2)

	current = current.Add(time.Minute)
	buffer.Add(op3)

	// Через две минуты op2 устарела, op3 ещё нет
	current = current.Add(90 * time.Second)
	evicted := buffer.Evict(2 * time.Minute)
	require.Len(t, evicted, 1)
	assert.Equal(t, op2.ID, evicted[0].ID)
	assert.Equal(t, 1, buffer.PendingCount())
}
