package conn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/iudanet/statesync/internal/client/causal"
	"github.com/iudanet/statesync/internal/client/queue"
	"github.com/iudanet/statesync/internal/client/state"
	"github.com/iudanet/statesync/internal/client/storage"
	"github.com/iudanet/statesync/internal/models"
	"github.com/iudanet/statesync/pkg/protocol"
)

// ConnState состояние соединения.
type ConnState string

// Состояния соединения
const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateReconnecting ConnState = "reconnecting"
	StateFailed       ConnState = "failed"
)

// BatchMode политика отправки локальных мутаций.
type BatchMode string

// Политики батчинга
const (
	// BatchRealtime каждая мутация отправляется немедленно
	BatchRealtime BatchMode = "realtime"

	// BatchBatched мутации накапливаются и отправляются раз в BatchInterval
	BatchBatched BatchMode = "batched"

	// BatchManual ничего не отправляется до явного вызова Flush
	BatchManual BatchMode = "manual"
)

// Параметры менеджера по умолчанию
const (
	DefaultPingInterval         = 30 * time.Second
	DefaultBatchInterval        = 500 * time.Millisecond
	DefaultMaxReconnectAttempts = 10
	DefaultReconnectBaseDelay   = time.Second
	DefaultReconnectMaxDelay    = 30 * time.Second
	DefaultStallTimeout         = 2 * time.Minute
)

// Config параметры менеджера соединения.
type Config struct {
	BatchMode            BatchMode     // политика отправки (по умолчанию realtime)
	PingInterval         time.Duration // период heartbeat
	BatchInterval        time.Duration // период отправки батча
	MaxReconnectAttempts int           // предел попыток переподключения
	ReconnectBaseDelay   time.Duration // начальная задержка переподключения
	ReconnectMaxDelay    time.Duration // потолок задержки переподключения
	StallTimeout         time.Duration // возраст вытеснения из причинного буфера
}

// withDefaults заполняет нулевые поля значениями по умолчанию.
func (c Config) withDefaults() Config {
	if c.BatchMode == "" {
		c.BatchMode = BatchRealtime
	}
	if c.PingInterval <= 0 {
		c.PingInterval = DefaultPingInterval
	}
	if c.BatchInterval <= 0 {
		c.BatchInterval = DefaultBatchInterval
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if c.ReconnectBaseDelay <= 0 {
		c.ReconnectBaseDelay = DefaultReconnectBaseDelay
	}
	if c.ReconnectMaxDelay <= 0 {
		c.ReconnectMaxDelay = DefaultReconnectMaxDelay
	}
	if c.StallTimeout <= 0 {
		c.StallTimeout = DefaultStallTimeout
	}
	return c
}

// Manager владеет транспортом и оркеструет движок синхронизации:
// рукопожатие, heartbeat, переподключение с backoff, батчинг исходящих
// операций, причинную доставку входящих и offline-очередь. Публичный API
// синхронизации для слоя отображения - только через Manager и подписки Store.
type Manager struct {
	cfg       Config
	transport Transport
	store     *state.Store
	buffer    *causal.Buffer
	queue     *queue.Queue
	snapshots storage.SnapshotStorage // может быть nil
	logger    *slog.Logger

	connState  ConnState
	generation int // растет при каждом подключении/отключении; защищает от устаревших колбэков
	cancelLoop context.CancelFunc
	batch      []*protocol.Operation
	subs       map[int]EventFunc
	nextSubID  int
	pingSentAt time.Time
	latency    time.Duration
	mu         sync.Mutex
}

// New создает менеджер соединения. snapshots может быть nil -
// тогда снимок состояния при отключении не сохраняется.
func New(
	transport Transport,
	store *state.Store,
	opQueue *queue.Queue,
	snapshots storage.SnapshotStorage,
	cfg Config,
	logger *slog.Logger,
) *Manager {
	m := &Manager{
		cfg:       cfg.withDefaults(),
		transport: transport,
		store:     store,
		buffer:    causal.New(logger),
		queue:     opQueue,
		snapshots: snapshots,
		logger:    logger,
		connState: StateDisconnected,
		subs:      make(map[int]EventFunc),
	}

	opQueue.SetExhaustedHandler(func(op *models.QueuedOperation) {
		m.emit(Event{Type: EventQueueExhausted, Operation: op})
	})

	return m
}

// Store возвращает хранилище состояния для чтения и подписок.
func (m *Manager) Store() *state.Store {
	return m.store
}

// State возвращает текущее состояние соединения.
func (m *Manager) State() ConnState {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.connState
}

// Latency возвращает последнее измеренное время ping/pong.
func (m *Manager) Latency() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.latency
}

// Subscribe регистрирует обработчик событий менеджера.
// Возвращает функцию отписки. Обработчики вызываются в порядке регистрации.
func (m *Manager) Subscribe(fn EventFunc) func() {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextSubID
	m.nextSubID++
	m.subs[id] = fn

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subs, id)
	}
}

// emit доставляет событие подписчикам в порядке регистрации.
func (m *Manager) emit(ev Event) {
	m.mu.Lock()
	ids := make([]int, 0, len(m.subs))
	for id := range m.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]EventFunc, 0, len(ids))
	for _, id := range ids {
		fns = append(fns, m.subs[id])
	}
	m.mu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}

// setState переводит соединение в новое состояние и уведомляет подписчиков.
func (m *Manager) setState(s ConnState) {
	m.mu.Lock()
	if m.connState == s {
		m.mu.Unlock()
		return
	}
	m.connState = s
	m.mu.Unlock()

	m.logger.Info("connection state changed", "state", s)
	m.emit(Event{Type: EventStateChanged, State: s})
}

// Connect устанавливает соединение и запускает движок синхронизации.
// При неудаче первой попытки запускается фоновое переподключение с
// backoff; ошибка возвращается вызывающему для информации.
// Из состояния Failed выход только через новый явный вызов Connect.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.connState == StateConnected || m.connState == StateConnecting {
		m.mu.Unlock()
		return nil
	}
	m.connState = StateConnecting
	m.mu.Unlock()
	m.emit(Event{Type: EventStateChanged, State: StateConnecting})

	if err := m.dial(ctx); err != nil {
		m.setState(StateReconnecting)
		go m.reconnectLoop(context.WithoutCancel(ctx))
		return fmt.Errorf("failed to connect: %w", err)
	}

	return nil
}

// dial выполняет одну попытку: соединение, рукопожатие, запуск циклов.
func (m *Manager) dial(ctx context.Context) error {
	if err := m.transport.Connect(ctx); err != nil {
		return err
	}

	if err := m.handshake(ctx); err != nil {
		_ = m.transport.Close(1002, "handshake failed")
		return err
	}

	m.onConnected(ctx)

	return nil
}

// handshake отправляет Connect и ждёт ConnectAck.
func (m *Manager) handshake(ctx context.Context) error {
	msg, err := protocol.NewMessage(protocol.MsgConnect, protocol.ConnectPayload{
		DeviceID:    m.store.DeviceID(),
		VectorClock: m.store.Clock(),
		Timestamp:   time.Now().UnixMilli(),
	})
	if err != nil {
		return err
	}
	if err := m.transport.Send(ctx, msg); err != nil {
		return fmt.Errorf("failed to send handshake: %w", err)
	}

	reply, err := m.transport.Receive(ctx)
	if err != nil {
		return fmt.Errorf("failed to receive handshake reply: %w", err)
	}
	if reply.Type != protocol.MsgConnectAck {
		return fmt.Errorf("unexpected handshake reply type %q", reply.Type)
	}

	return nil
}

// onConnected запускает циклы чтения, heartbeat и батчинга,
// затем опустошает offline-очередь и запрашивает дельту у сервера.
func (m *Manager) onConnected(ctx context.Context) {
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	m.mu.Lock()
	m.generation++
	gen := m.generation
	m.cancelLoop = cancel
	m.connState = StateConnected
	m.mu.Unlock()

	m.logger.Info("connected", "device_id", m.store.DeviceID())
	m.emit(Event{Type: EventStateChanged, State: StateConnected})

	go m.readLoop(loopCtx, gen)
	go m.heartbeatLoop(loopCtx)
	if m.cfg.BatchMode == BatchBatched {
		go m.batchLoop(loopCtx)
	}

	go func() {
		// Сначала накопленные офлайн операции, затем запрос дельты
		if err := m.queue.Drain(loopCtx, m.sendOperation); err != nil && !errors.Is(err, context.Canceled) {
			m.logger.Warn("queue drain interrupted", "error", err)
		}
		if err := m.sendSyncRequest(loopCtx); err != nil {
			m.logger.Warn("failed to send sync request", "error", err)
		}
	}()
}

// readLoop читает входящие сообщения до ошибки транспорта.
// Обработка последовательная: порядок доставки сохраняется.
func (m *Manager) readLoop(ctx context.Context, gen int) {
	for {
		msg, err := m.transport.Receive(ctx)
		if err != nil {
			m.handleReadError(ctx, gen, err)
			return
		}
		m.dispatch(ctx, msg)
	}
}

// handleReadError реагирует на обрыв чтения: штатное закрытие переводит
// в Disconnected, любой другой обрыв запускает переподключение.
func (m *Manager) handleReadError(ctx context.Context, gen int, err error) {
	m.mu.Lock()
	if gen != m.generation || m.connState != StateConnected {
		// Устаревший цикл или уже отключены явно
		m.mu.Unlock()
		return
	}
	cancel := m.cancelLoop
	m.cancelLoop = nil
	m.generation++
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	if errors.Is(err, ErrNormalClosure) {
		m.logger.Info("connection closed by peer")
		m.saveSnapshot(context.WithoutCancel(ctx))
		m.setState(StateDisconnected)
		return
	}

	m.logger.Warn("connection lost", "error", err)
	m.setState(StateReconnecting)
	go m.reconnectLoop(context.WithoutCancel(ctx))
}

// reconnectLoop пытается восстановить соединение с экспоненциальным
// backoff. После исчерпания попыток соединение переходит в Failed;
// дальнейшие попытки - только через явный Connect.
func (m *Manager) reconnectLoop(ctx context.Context) {
	attempt := 0
	backoff := retry.WithMaxRetries(
		uint64(m.cfg.MaxReconnectAttempts-1),
		retry.WithCappedDuration(m.cfg.ReconnectMaxDelay, retry.NewExponential(m.cfg.ReconnectBaseDelay)),
	)

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		if m.State() != StateReconnecting && m.State() != StateConnecting {
			// Отключение или подключение произошло параллельно
			return nil
		}

		attempt++
		m.logger.Info("reconnect attempt",
			"attempt", attempt,
			"max_attempts", m.cfg.MaxReconnectAttempts)

		if err := m.dial(ctx); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})

	if err != nil {
		m.logger.Error("reconnect attempts exhausted", "attempts", attempt)
		m.setState(StateFailed)
		m.emit(Event{Type: EventError, Err: fmt.Errorf("reconnect failed after %d attempts: %w", attempt, err)})
	}
}

// heartbeatLoop шлёт Ping каждые PingInterval и вытесняет застрявшие
// операции из причинного буфера.
func (m *Manager) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			msg, err := protocol.NewMessage(protocol.MsgPing, nil)
			if err != nil {
				continue
			}
			m.mu.Lock()
			m.pingSentAt = time.Now()
			m.mu.Unlock()
			if err := m.transport.Send(ctx, msg); err != nil {
				m.logger.Warn("failed to send ping", "error", err)
			}

			m.evictStalled(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// evictStalled убирает из буфера операции с навсегда потерянными
// предшественниками и запрашивает повторную синхронизацию пробела.
func (m *Manager) evictStalled(ctx context.Context) {
	evicted := m.buffer.Evict(m.cfg.StallTimeout)
	if len(evicted) == 0 {
		return
	}

	m.emit(Event{Type: EventBufferStalled, Applied: len(evicted)})
	if err := m.sendSyncRequest(ctx); err != nil {
		m.logger.Warn("failed to request resync after stall", "error", err)
	}
}

// batchLoop периодически отправляет накопленный батч.
func (m *Manager) batchLoop(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.BatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := m.Flush(ctx); err != nil {
				m.logger.Warn("failed to flush batch", "error", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

// Disconnect штатно закрывает соединение (код 1000) и останавливает
// все таймеры. Переподключение не выполняется.
func (m *Manager) Disconnect(ctx context.Context) error {
	m.mu.Lock()
	cancel := m.cancelLoop
	m.cancelLoop = nil
	m.generation++
	wasConnected := m.connState == StateConnected
	m.connState = StateDisconnected
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	m.emit(Event{Type: EventStateChanged, State: StateDisconnected})

	if wasConnected {
		m.saveSnapshot(ctx)
		if err := m.transport.Close(1000, "client disconnect"); err != nil {
			return fmt.Errorf("failed to close transport: %w", err)
		}
	}

	return nil
}

// saveSnapshot сохраняет снимок состояния в durable-хранилище.
func (m *Manager) saveSnapshot(ctx context.Context) {
	if m.snapshots == nil {
		return
	}
	if err := m.snapshots.SaveSnapshot(ctx, m.store.Snapshot()); err != nil {
		m.logger.Warn("failed to persist state snapshot", "error", err)
	}
}

// RestoreState загружает сохранённый снимок состояния, если он есть.
// Вызывается один раз при старте клиента до подключения.
func (m *Manager) RestoreState(ctx context.Context) error {
	if m.snapshots == nil {
		return nil
	}

	snap, err := m.snapshots.LoadSnapshot(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrSnapshotNotFound) {
			return nil
		}
		return fmt.Errorf("failed to load state snapshot: %w", err)
	}

	if err := m.store.RestoreSnapshot(snap); err != nil {
		return err
	}

	// Восстановленные часы считаются выпущенными: входящие операции,
	// ссылающиеся на нашу прошлую историю, не должны застревать в буфере
	m.buffer.Observe(m.store.Clock())

	return nil
}
