package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/iudanet/statesync/internal/client/storage"
	"github.com/iudanet/statesync/internal/models"
	"github.com/iudanet/statesync/pkg/protocol"
)

// Параметры очереди по умолчанию
const (
	DefaultCapacity    = 1000
	DefaultMaxAttempts = 5
	DefaultBaseDelay   = time.Second
	DefaultMaxDelay    = 30 * time.Second
	DefaultBatchSize   = 50
)

// State состояние очереди в целом.
type State string

// Состояния очереди
const (
	StateReady      State = "ready"
	StateProcessing State = "processing"
	StatePaused     State = "paused"
	StateDraining   State = "draining"
)

// Handler отправляет операцию на сервер. Ошибка означает неудачную попытку.
type Handler func(ctx context.Context, op *protocol.Operation) error

// ExhaustedFunc вызывается, когда попытки отправки операции исчерпаны.
type ExhaustedFunc func(op *models.QueuedOperation)

// Config параметры offline-очереди.
type Config struct {
	Capacity    int           // максимум записей в очереди
	MaxAttempts int           // предел попыток на операцию
	BaseDelay   time.Duration // начальная задержка повтора
	MaxDelay    time.Duration // потолок задержки повтора
	BatchSize   int           // размер пакета при Drain
}

// withDefaults заполняет нулевые поля значениями по умолчанию.
func (c Config) withDefaults() Config {
	if c.Capacity <= 0 {
		c.Capacity = DefaultCapacity
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = DefaultBaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = DefaultMaxDelay
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	return c
}

// Queue хранит исходящие операции, пока клиент отключён, и отправляет их
// с экспоненциальным backoff после восстановления соединения. Каждая
// мутация очереди немедленно сериализуется в durable-хранилище, чтобы
// падение клиента не потеряло операции.
type Queue struct {
	items       []*models.QueuedOperation
	state       State
	cfg         Config
	storage     storage.QueueStorage
	onExhausted ExhaustedFunc
	now         func() int64
	logger      *slog.Logger
	mu          sync.Mutex
}

// New создает очередь поверх durable-хранилища.
func New(store storage.QueueStorage, cfg Config, logger *slog.Logger) *Queue {
	return &Queue{
		state:   StateReady,
		cfg:     cfg.withDefaults(),
		storage: store,
		now:     func() int64 { return time.Now().UnixMilli() },
		logger:  logger,
	}
}

// SetExhaustedHandler регистрирует обработчик исчерпанных операций.
// Исчерпанная операция остаётся в очереди в статусе Failed и больше
// не повторяется; событие - единственный сигнал о ней.
func (q *Queue) SetExhaustedHandler(fn ExhaustedFunc) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.onExhausted = fn
}

// State возвращает текущее состояние очереди.
func (q *Queue) State() State {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.state
}

// Len возвращает количество записей в очереди.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.items)
}

// Load восстанавливает очередь из durable-хранилища после перезапуска.
// Записи, застрявшие в статусе Processing (падение во время отправки),
// сбрасываются в Pending и будут отправлены заново.
func (q *Queue) Load(ctx context.Context) error {
	items, err := q.storage.LoadQueue(ctx)
	if err != nil {
		return fmt.Errorf("failed to load queue: %w", err)
	}

	recovered := 0
	for _, item := range items {
		if item.Status == models.StatusProcessing {
			item.Status = models.StatusPending
			recovered++
		}
	}

	q.mu.Lock()
	q.items = items
	q.sortLocked()
	q.mu.Unlock()

	if recovered > 0 {
		q.logger.Info("recovered in-flight operations after restart", "count", recovered)
	}

	return nil
}

// Enqueue добавляет операцию в очередь с заданным приоритетом.
// При переполнении вытесняется старейшая завершённая или исчерпанная
// запись, а если таких нет - старейшая ожидающая.
func (q *Queue) Enqueue(ctx context.Context, op *protocol.Operation, priority int) error {
	if err := protocol.ValidateOperation(op); err != nil {
		return fmt.Errorf("failed to enqueue: %w", err)
	}

	q.mu.Lock()

	if len(q.items) >= q.cfg.Capacity {
		q.evictLocked()
	}

	item := &models.QueuedOperation{
		Operation:   op,
		Status:      models.StatusPending,
		Priority:    priority,
		MaxAttempts: q.cfg.MaxAttempts,
		CreatedAt:   q.now(),
	}
	q.items = append(q.items, item)
	q.sortLocked()

	q.mu.Unlock()

	q.logger.Debug("operation enqueued",
		"op_id", op.ID,
		"priority", priority,
		"queue_len", q.Len())

	return q.persist(ctx)
}

// evictLocked освобождает место под новую запись.
func (q *Queue) evictLocked() {
	// Сначала ищем старейшую запись, не подлежащую отправке
	victim := -1
	for i, item := range q.items {
		if item.Status == models.StatusCompleted || item.Status == models.StatusCancelled || item.Exhausted() {
			if victim == -1 || item.CreatedAt < q.items[victim].CreatedAt {
				victim = i
			}
		}
	}

	// Иначе - старейшую ожидающую
	if victim == -1 {
		for i, item := range q.items {
			if item.Status == models.StatusPending {
				if victim == -1 || item.CreatedAt < q.items[victim].CreatedAt {
					victim = i
				}
			}
		}
	}

	if victim == -1 {
		// Всё в обработке; вытесняем старейшую запись
		victim = 0
	}

	evicted := q.items[victim]
	q.items = append(q.items[:victim], q.items[victim+1:]...)
	q.logger.Warn("queue at capacity, evicted operation",
		"op_id", evicted.Operation.ID,
		"status", evicted.Status)
}

// sortLocked упорядочивает очередь: приоритет по убыванию,
// при равном приоритете - время создания по возрастанию.
func (q *Queue) sortLocked() {
	sort.SliceStable(q.items, func(i, j int) bool {
		if q.items[i].Priority != q.items[j].Priority {
			return q.items[i].Priority > q.items[j].Priority
		}
		return q.items[i].CreatedAt < q.items[j].CreatedAt
	})
}

// Batch возвращает до n записей, готовых к (повторной) отправке,
// в порядке приоритета.
func (q *Queue) Batch(n int) []*models.QueuedOperation {
	q.mu.Lock()
	defer q.mu.Unlock()

	var batch []*models.QueuedOperation
	for _, item := range q.items {
		if len(batch) >= n {
			break
		}
		if item.Retryable() {
			batch = append(batch, item)
		}
	}

	return batch
}

// Process отправляет одну запись через handler, повторяя с экспоненциальным
// backoff (min(BaseDelay*2^(attempts-1), MaxDelay)) до MaxAttempts попыток.
// Успех удаляет запись из очереди; исчерпание оставляет её в статусе Failed
// и вызывает обработчик исчерпания. Каждая смена статуса сохраняется.
func (q *Queue) Process(ctx context.Context, item *models.QueuedOperation, handler Handler) error {
	if item.Attempts >= item.MaxAttempts {
		return fmt.Errorf("operation %s already exhausted", item.Operation.ID)
	}

	backoff := retry.WithMaxRetries(
		uint64(item.MaxAttempts-item.Attempts-1),
		retry.WithCappedDuration(q.cfg.MaxDelay, retry.NewExponential(q.cfg.BaseDelay)),
	)

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		q.mu.Lock()
		item.Status = models.StatusProcessing
		item.Attempts++
		item.LastAttemptAt = q.now()
		q.mu.Unlock()
		_ = q.persist(ctx)

		if err := handler(ctx, item.Operation); err != nil {
			q.mu.Lock()
			item.Status = models.StatusFailed
			item.Error = err.Error()
			q.mu.Unlock()
			_ = q.persist(ctx)

			q.logger.Warn("operation send failed",
				"op_id", item.Operation.ID,
				"attempt", item.Attempts,
				"max_attempts", item.MaxAttempts,
				"error", err)

			return retry.RetryableError(err)
		}

		q.complete(ctx, item)
		return nil
	})

	if err != nil {
		// Отмена контекста - не исчерпание: запись продолжит с места
		// остановки при следующем подключении
		if ctx.Err() != nil {
			return ctx.Err()
		}

		// Попытки исчерпаны: запись остаётся Failed, событие вместо повторов
		q.logger.Error("operation retries exhausted",
			"op_id", item.Operation.ID,
			"attempts", item.Attempts)

		q.mu.Lock()
		fn := q.onExhausted
		q.mu.Unlock()
		if fn != nil {
			fn(item)
		}

		return fmt.Errorf("operation %s exhausted after %d attempts: %w", item.Operation.ID, item.Attempts, err)
	}

	return nil
}

// complete помечает запись завершённой и удаляет её из очереди.
func (q *Queue) complete(ctx context.Context, item *models.QueuedOperation) {
	q.mu.Lock()
	item.Status = models.StatusCompleted
	for i, existing := range q.items {
		if existing == item {
			q.items = append(q.items[:i], q.items[i+1:]...)
			break
		}
	}
	q.mu.Unlock()
	_ = q.persist(ctx)

	q.logger.Debug("operation completed", "op_id", item.Operation.ID)
}

// Drain отправляет все готовые записи пакетами, пока очередь не опустеет
// или контекст не будет отменён. Исчерпанные операции пропускаются.
func (q *Queue) Drain(ctx context.Context, handler Handler) error {
	q.mu.Lock()
	if q.state == StatePaused {
		q.mu.Unlock()
		return nil
	}
	q.state = StateDraining
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		if q.state == StateDraining {
			q.state = StateReady
		}
		q.mu.Unlock()
	}()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		batch := q.Batch(q.cfg.BatchSize)
		if len(batch) == 0 {
			return nil
		}

		for _, item := range batch {
			if err := ctx.Err(); err != nil {
				return err
			}
			// Ошибка исчерпания не прерывает остальную очередь
			_ = q.Process(ctx, item, handler)
		}
	}
}

// Pause приостанавливает обработку очереди.
func (q *Queue) Pause() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.state = StatePaused
}

// Resume возобновляет обработку очереди.
func (q *Queue) Resume() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.state == StatePaused {
		q.state = StateReady
	}
}

// persist сериализует очередь в durable-хранилище.
func (q *Queue) persist(ctx context.Context) error {
	q.mu.Lock()
	items := make([]*models.QueuedOperation, len(q.items))
	copy(items, q.items)
	q.mu.Unlock()

	if err := q.storage.SaveQueue(ctx, items); err != nil {
		q.logger.Error("failed to persist queue", "error", err)
		return fmt.Errorf("failed to persist queue: %w", err)
	}

	return nil
}
