package causal

import (
	"log/slog"
	"sync"
	"time"

	"github.com/iudanet/statesync/pkg/protocol"
)

// pendingOp операция, ожидающая своих причинных предшественников.
type pendingOp struct {
	op      *protocol.Operation
	addedAt time.Time
}

// Buffer задерживает входящие операции до готовности их причинных
// зависимостей и выпускает их в правильном порядке. Гарантирует
// FIFO-доставку операций одного устройства и причинный порядок
// между устройствами.
type Buffer struct {
	clock   protocol.VectorClock // всё уже выпущенное
	pending []pendingOp
	now     func() time.Time
	logger  *slog.Logger
	mu      sync.Mutex
}

// New создает пустой буфер.
func New(logger *slog.Logger) *Buffer {
	return &Buffer{
		clock:  protocol.NewVectorClock(),
		now:    time.Now,
		logger: logger,
	}
}

// isReady проверяет причинную готовность операции: для собственного
// компонента устройства ожидается localClock[device]+1, для остальных -
// не больше localClock[device]. Операция готова, если ни один компонент
// не превышает ожидаемое значение.
func (b *Buffer) isReady(op *protocol.Operation) bool {
	for device, counter := range op.VectorClock {
		expected := b.clock[device]
		if device == op.DeviceID {
			expected++
		}
		if counter > expected {
			return false
		}
	}
	return true
}

// Add принимает операцию. Если она причинно готова, возвращает её вместе
// со всеми операциями из буфера, ставшими готовыми каскадно (в порядке
// выпуска). Иначе операция откладывается и возвращается пустой срез.
func (b *Buffer) Add(op *protocol.Operation) []*protocol.Operation {
	b.mu.Lock()
	defer b.mu.Unlock()

	// Повторная доставка уже выпущенной операции отбрасывается:
	// re-apply инкремента задвоил бы счётчик
	if op.VectorClock[op.DeviceID] <= b.clock[op.DeviceID] {
		b.logger.Debug("duplicate operation dropped",
			"op_id", op.ID,
			"device_id", op.DeviceID)
		return nil
	}

	if !b.isReady(op) {
		b.pending = append(b.pending, pendingOp{op: op, addedAt: b.now()})
		b.logger.Debug("operation buffered",
			"op_id", op.ID,
			"device_id", op.DeviceID,
			"pending", len(b.pending))
		return nil
	}

	b.clock.Merge(op.VectorClock)

	return append([]*protocol.Operation{op}, b.releaseLocked()...)
}

// Observe отмечает часы как уже выпущенные, не доставляя операцию:
// локальные мутации и восстановленный снимок проходят мимо буфера,
// но их компоненты должны учитываться при проверке готовности.
// Возвращает отложенные операции, ставшие готовыми каскадно.
func (b *Buffer) Observe(clock protocol.VectorClock) []*protocol.Operation {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.clock.Merge(clock)

	return b.releaseLocked()
}

// releaseLocked выпускает из отложенных всё, что стало готовым.
// Проход повторяется, пока есть прогресс. Вызывается под мьютексом.
func (b *Buffer) releaseLocked() []*protocol.Operation {
	var released []*protocol.Operation
	for {
		progress := false
		remaining := b.pending[:0]
		for _, p := range b.pending {
			// Дубликат, выпущенный в этом же проходе, отбрасывается
			if p.op.VectorClock[p.op.DeviceID] <= b.clock[p.op.DeviceID] {
				progress = true
				continue
			}
			if b.isReady(p.op) {
				b.clock.Merge(p.op.VectorClock)
				released = append(released, p.op)
				progress = true
			} else {
				remaining = append(remaining, p)
			}
		}
		b.pending = remaining
		if !progress {
			break
		}
	}
	return released
}

// Clock возвращает копию часов всего выпущенного.
func (b *Buffer) Clock() protocol.VectorClock {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.clock.Copy()
}

// PendingCount возвращает количество отложенных операций.
func (b *Buffer) PendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return len(b.pending)
}

// Evict удаляет операции, ожидающие дольше olderThan, и возвращает их.
// Навсегда потерянный причинный предшественник иначе заблокировал бы
// всех своих потомков; вызывающая сторона должна запросить повторную
// синхронизацию, чтобы закрыть пробел.
func (b *Buffer) Evict(olderThan time.Duration) []*protocol.Operation {
	b.mu.Lock()
	defer b.mu.Unlock()

	cutoff := b.now().Add(-olderThan)

	var evicted []*protocol.Operation
	remaining := b.pending[:0]
	for _, p := range b.pending {
		if p.addedAt.Before(cutoff) {
			evicted = append(evicted, p.op)
		} else {
			remaining = append(remaining, p)
		}
	}
	b.pending = remaining

	if len(evicted) > 0 {
		b.logger.Warn("evicted stalled operations from causal buffer",
			"count", len(evicted),
			"older_than", olderThan)
	}

	return evicted
}
