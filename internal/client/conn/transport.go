package conn

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/iudanet/statesync/pkg/protocol"
)

//go:generate moq -out transport_mock.go . Transport

// ErrNormalClosure соединение закрыто штатно (код 1000).
// После штатного закрытия переподключение не выполняется.
var ErrNormalClosure = errors.New("connection closed normally")

// Transport абстрагирует постоянное двунаправленное соединение с сервером.
// Реализация по умолчанию - websocket; интерфейс позволяет подменять
// транспорт в тестах.
type Transport interface {
	// Connect устанавливает соединение
	Connect(ctx context.Context) error

	// Send отправляет сообщение
	Send(ctx context.Context, msg *protocol.Message) error

	// Receive блокируется до следующего входящего сообщения.
	// Возвращает ErrNormalClosure при штатном закрытии соединения.
	Receive(ctx context.Context) (*protocol.Message, error)

	// Close закрывает соединение с заданным кодом
	Close(code int, reason string) error
}

// WebsocketTransport реализует Transport поверх gorilla/websocket.
// Указатель на соединение защищён мьютексом: Close из одной горутины
// конкурирует с Receive цикла чтения.
type WebsocketTransport struct {
	url     string
	conn    *websocket.Conn
	connMu  sync.Mutex
	writeMu sync.Mutex // websocket допускает только одного писателя
}

// NewWebsocketTransport создает транспорт для заданного ws:// URL.
func NewWebsocketTransport(url string) *WebsocketTransport {
	return &WebsocketTransport{url: url}
}

// current возвращает текущее соединение или nil.
func (t *WebsocketTransport) current() *websocket.Conn {
	t.connMu.Lock()
	defer t.connMu.Unlock()

	return t.conn
}

// Connect устанавливает websocket-соединение.
func (t *WebsocketTransport) Connect(ctx context.Context) error {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, t.url, nil)
	if err != nil {
		return fmt.Errorf("failed to dial %s: %w", t.url, err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	t.connMu.Lock()
	t.conn = conn
	t.connMu.Unlock()

	return nil
}

// Send сериализует и отправляет сообщение.
func (t *WebsocketTransport) Send(ctx context.Context, msg *protocol.Message) error {
	conn := t.current()
	if conn == nil {
		return fmt.Errorf("transport is not connected")
	}

	data, err := msg.Encode()
	if err != nil {
		return err
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(deadline)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}

	return nil
}

// Receive читает и валидирует следующее сообщение. Конкурентный Close
// закрывает соединение и разблокирует чтение ошибкой.
func (t *WebsocketTransport) Receive(ctx context.Context) (*protocol.Message, error) {
	conn := t.current()
	if conn == nil {
		return nil, fmt.Errorf("transport is not connected")
	}

	_, data, err := conn.ReadMessage()
	if err != nil {
		if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
			return nil, ErrNormalClosure
		}
		return nil, fmt.Errorf("failed to read message: %w", err)
	}

	return protocol.ParseMessage(data)
}

// Close отправляет close-фрейм с заданным кодом и закрывает соединение.
func (t *WebsocketTransport) Close(code int, reason string) error {
	t.connMu.Lock()
	conn := t.conn
	t.conn = nil
	t.connMu.Unlock()

	if conn == nil {
		return nil
	}

	t.writeMu.Lock()
	_ = conn.WriteMessage(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
	)
	t.writeMu.Unlock()

	return conn.Close()
}
