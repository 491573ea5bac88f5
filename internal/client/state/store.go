package state

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/iudanet/statesync/internal/crdt"
	"github.com/iudanet/statesync/pkg/protocol"
)

// defaultLogLimit размер журнала операций по умолчанию.
const defaultLogLimit = 1000

// SubscribeFunc вызывается после применения операции к ключу.
// value - значение ключа после мутации (nil для удалённого ключа).
type SubscribeFunc func(key string, value any)

// Store владеет реплицированным состоянием одной клиентской сессии:
// LWW-множество для значений, PN-счётчики, векторные часы и ограниченный
// журнал операций для догоняющей синхронизации пиров. Создается один раз
// на сессию; заменяется целиком только через RestoreSnapshot.
type Store struct {
	deviceID  string
	clock     protocol.VectorClock
	wall      *crdt.MonotonicClock
	set       *crdt.LWWElementSet
	counters  map[string]*crdt.PNCounter
	log       []*protocol.Operation
	logLimit  int
	subs      map[string]map[int]SubscribeFunc
	wildcards map[int]SubscribeFunc
	nextSubID int
	logger    *slog.Logger
	mu        sync.RWMutex
}

// New создает пустое состояние для устройства deviceID.
func New(deviceID string, logger *slog.Logger) *Store {
	return NewWithLogLimit(deviceID, defaultLogLimit, logger)
}

// NewWithLogLimit создает состояние с заданным размером журнала операций.
func NewWithLogLimit(deviceID string, logLimit int, logger *slog.Logger) *Store {
	return &Store{
		deviceID:  deviceID,
		clock:     protocol.NewVectorClock(),
		wall:      crdt.NewMonotonicClock(),
		set:       crdt.NewLWWElementSet(),
		counters:  make(map[string]*crdt.PNCounter),
		logLimit:  logLimit,
		subs:      make(map[string]map[int]SubscribeFunc),
		wildcards: make(map[int]SubscribeFunc),
		logger:    logger,
	}
}

// DeviceID возвращает идентификатор устройства этой реплики.
func (s *Store) DeviceID() string {
	return s.deviceID
}

// Clock возвращает копию текущих векторных часов.
func (s *Store) Clock() protocol.VectorClock {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.clock.Copy()
}

// Set записывает значение ключа и возвращает созданную операцию
// для отправки остальным репликам.
func (s *Store) Set(key string, value any) (*protocol.Operation, error) {
	return s.mutate(protocol.OpSet, key, value)
}

// Delete удаляет ключ.
func (s *Store) Delete(key string) (*protocol.Operation, error) {
	return s.mutate(protocol.OpDelete, key, nil)
}

// Increment увеличивает счётчик ключа на amount.
func (s *Store) Increment(key string, amount int64) (*protocol.Operation, error) {
	return s.mutate(protocol.OpIncrement, key, amount)
}

// Decrement уменьшает счётчик ключа на amount.
func (s *Store) Decrement(key string, amount int64) (*protocol.Operation, error) {
	return s.mutate(protocol.OpDecrement, key, amount)
}

// mutate создает локальную операцию и сразу применяет её к состоянию.
func (s *Store) mutate(opType protocol.OperationType, key string, value any) (*protocol.Operation, error) {
	s.mu.Lock()
	op := protocol.NewOperation(opType, key, value, s.deviceID, s.clock, s.wall.Now())
	// Отклонённая операция не должна продвигать собственный компонент:
	// пропущенный номер навсегда заблокировал бы причинные буферы пиров
	if err := protocol.ValidateOperation(op); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	// Часы продвигаются вместе с созданием операции, чтобы следующая
	// локальная операция увидела уже увеличенный собственный компонент.
	s.clock.Merge(op.VectorClock)
	s.mu.Unlock()

	if err := s.ApplyOperation(op); err != nil {
		return nil, err
	}

	return op, nil
}

// Get возвращает значение ключа. Если для ключа существует счётчик,
// возвращается его значение, иначе - значение из LWW-множества.
func (s *Store) Get(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.get(key)
}

func (s *Store) get(key string) (any, bool) {
	if counter, ok := s.counters[key]; ok {
		return counter.Value(), true
	}
	return s.set.Get(key)
}

// Has возвращает true, если ключ присутствует в состоянии.
func (s *Store) Has(key string) bool {
	_, ok := s.Get(key)
	return ok
}

// Keys возвращает все присутствующие ключи (значения и счётчики).
func (s *Store) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := s.set.Keys()
	for key := range s.counters {
		if !s.set.Contains(key) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	return keys
}

// ApplyOperation применяет операцию (локальную или удалённую) к состоянию:
// валидирует, вливает векторные часы, выполняет мутацию, дописывает журнал
// и синхронно уведомляет подписчиков значением после мутации.
func (s *Store) ApplyOperation(op *protocol.Operation) error {
	if err := protocol.ValidateOperation(op); err != nil {
		return fmt.Errorf("failed to apply operation: %w", err)
	}

	// Чужие timestamp подтягивают локальные часы вперёд
	s.wall.Observe(op.Timestamp)

	s.mu.Lock()
	s.clock.Merge(op.VectorClock)

	switch op.Type {
	case protocol.OpSet, protocol.OpInsert, protocol.OpUpdate:
		s.set.Add(op.Key, op.Value, op.Timestamp, op.DeviceID)
	case protocol.OpDelete:
		s.set.Remove(op.Key, op.Timestamp, op.DeviceID)
	case protocol.OpIncrement, protocol.OpDecrement:
		amount, ok := numericValue(op.Value)
		if !ok {
			s.mu.Unlock()
			return fmt.Errorf("%w: non-numeric counter amount %v", protocol.ErrInvalidOperation, op.Value)
		}
		counter, exists := s.counters[op.Key]
		if !exists {
			counter = crdt.NewPNCounter()
			s.counters[op.Key] = counter
		}
		if op.Type == protocol.OpIncrement {
			counter.Increment(op.DeviceID, amount)
		} else {
			counter.Decrement(op.DeviceID, amount)
		}
	}

	s.appendLog(op)
	value, _ := s.get(op.Key)
	subscribers := s.collectSubscribers(op.Key)
	s.mu.Unlock()

	s.logger.Debug("operation applied",
		"op_id", op.ID,
		"type", op.Type,
		"key", op.Key,
		"device_id", op.DeviceID)

	for _, fn := range subscribers {
		fn(op.Key, value)
	}

	return nil
}

// appendLog дописывает операцию в журнал, отрезая самые старые записи.
func (s *Store) appendLog(op *protocol.Operation) {
	s.log = append(s.log, op)
	if len(s.log) > s.logLimit {
		s.log = s.log[len(s.log)-s.logLimit:]
	}
}

// collectSubscribers возвращает подписчиков ключа и wildcard-подписчиков
// в стабильном порядке регистрации.
func (s *Store) collectSubscribers(key string) []SubscribeFunc {
	ids := make([]int, 0, len(s.subs[key])+len(s.wildcards))
	byID := make(map[int]SubscribeFunc, cap(ids))

	for id, fn := range s.subs[key] {
		ids = append(ids, id)
		byID[id] = fn
	}
	for id, fn := range s.wildcards {
		ids = append(ids, id)
		byID[id] = fn
	}
	sort.Ints(ids)

	result := make([]SubscribeFunc, 0, len(ids))
	for _, id := range ids {
		result = append(result, byID[id])
	}

	return result
}

// Subscribe регистрирует подписчика на изменения ключа.
// Возвращает функцию отписки. Подписчики вызываются в порядке регистрации.
func (s *Store) Subscribe(key string, fn SubscribeFunc) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextSubID
	s.nextSubID++

	if s.subs[key] == nil {
		s.subs[key] = make(map[int]SubscribeFunc)
	}
	s.subs[key][id] = fn

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs[key], id)
	}
}

// SubscribeAll регистрирует подписчика на изменения любого ключа.
func (s *Store) SubscribeAll(fn SubscribeFunc) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextSubID
	s.nextSubID++
	s.wildcards[id] = fn

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.wildcards, id)
	}
}

// OperationsSince возвращает операции журнала, у которых хотя бы один
// компонент векторных часов превышает переданные часы.
// Используется для догоняющей синхронизации пира.
func (s *Store) OperationsSince(clock protocol.VectorClock) []*protocol.Operation {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*protocol.Operation
	for _, op := range s.log {
		if !clock.Dominates(op.VectorClock) {
			result = append(result, op)
		}
	}

	return result
}

// numericValue приводит значение операции счётчика к int64.
// После прохода через JSON числа приходят как float64.
func numericValue(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case float64:
		return int64(n), true
	case float32:
		return int64(n), true
	}
	return 0, false
}
