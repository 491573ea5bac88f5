// Package relay реализует сервер разработки: websocket-хаб без
// собственного состояния, пересылающий сообщения протокола между
// подключенными устройствами. Операции подтверждаются отправителю и
// транслируются остальным; запросы синхронизации и снимков пересылаются
// пирам, которые отвечают из собственных реплик.
package relay

import (
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/iudanet/statesync/pkg/protocol"
)

const sendBufferSize = 64

// client одно подключенное устройство.
type client struct {
	deviceID string
	conn     *websocket.Conn
	send     chan []byte
}

// Relay раздаёт websocket-подключения и пересылает сообщения.
type Relay struct {
	upgrader websocket.Upgrader
	clients  map[*client]struct{}
	logger   *slog.Logger
	mu       sync.Mutex
}

// New создает пустой хаб.
func New(logger *slog.Logger) *Relay {
	return &Relay{
		upgrader: websocket.Upgrader{
			// Сервер разработки: происхождение не проверяется
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[*client]struct{}),
		logger:  logger,
	}
}

// ServeHTTP поднимает websocket и обслуживает устройство до отключения.
func (r *Relay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	c, err := r.handshake(conn)
	if err != nil {
		r.logger.Warn("handshake failed", "error", err)
		_ = conn.Close()
		return
	}

	r.register(c)
	r.logger.Info("device connected", "device_id", c.deviceID, "clients", r.clientCount())

	go c.writePump()
	r.readPump(c)

	r.unregister(c)
	r.logger.Info("device disconnected", "device_id", c.deviceID, "clients", r.clientCount())
}

// handshake ждёт Connect первым сообщением и отвечает ConnectAck.
func (r *Relay) handshake(conn *websocket.Conn) (*client, error) {
	_, data, err := conn.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("failed to read handshake: %w", err)
	}

	msg, err := protocol.ParseMessage(data)
	if err != nil {
		return nil, fmt.Errorf("invalid handshake message: %w", err)
	}
	if msg.Type != protocol.MsgConnect {
		return nil, fmt.Errorf("expected connect, got %q", msg.Type)
	}

	var payload protocol.ConnectPayload
	if err := msg.DecodePayload(&payload); err != nil {
		return nil, fmt.Errorf("invalid connect payload: %w", err)
	}
	if payload.DeviceID == "" {
		return nil, fmt.Errorf("connect without device id")
	}

	ack, err := protocol.NewMessage(protocol.MsgConnectAck, nil)
	if err != nil {
		return nil, err
	}
	data, err = ack.Encode()
	if err != nil {
		return nil, err
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return nil, fmt.Errorf("failed to send connect ack: %w", err)
	}

	return &client{
		deviceID: payload.DeviceID,
		conn:     conn,
		send:     make(chan []byte, sendBufferSize),
	}, nil
}

// readPump обрабатывает входящие сообщения устройства до ошибки чтения.
func (r *Relay) readPump(c *client) {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				r.logger.Debug("read failed", "device_id", c.deviceID, "error", err)
			}
			return
		}

		msg, err := protocol.ParseMessage(data)
		if err != nil {
			r.logger.Warn("invalid message dropped", "device_id", c.deviceID, "error", err)
			r.replyError(c, "invalid_message", err.Error())
			continue
		}

		switch msg.Type {
		case protocol.MsgPing:
			if pong, err := protocol.NewMessage(protocol.MsgPong, nil); err == nil {
				r.deliver(c, pong)
			}

		case protocol.MsgPong:
			// Ответ на ping устройства; хаб свои не шлёт

		case protocol.MsgOperation:
			var op protocol.Operation
			if err := msg.DecodePayload(&op); err != nil {
				r.replyError(c, "invalid_operation", err.Error())
				continue
			}
			r.ack(c, op.ID)
			r.broadcast(c, data)

		case protocol.MsgBatchOperation:
			var payload protocol.BatchPayload
			if err := msg.DecodePayload(&payload); err != nil {
				r.replyError(c, "invalid_batch", err.Error())
				continue
			}
			for _, op := range payload.Operations {
				r.ack(c, op.ID)
			}
			r.broadcast(c, data)

		default:
			// Sync/Snapshot/Conflict и прочее: пиры отвечают сами
			r.broadcast(c, data)
		}
	}
}

// writePump сериализует запись в соединение устройства.
func (c *client) writePump() {
	for data := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return
		}
	}
}

// deliver ставит сообщение в очередь отправки устройству.
// Переполненная очередь означает отставшее устройство; сообщение
// отбрасывается, устройство догонит через sync_request.
func (r *Relay) deliver(c *client, msg *protocol.Message) {
	data, err := msg.Encode()
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
		r.logger.Warn("send queue full, message dropped", "device_id", c.deviceID)
	}
}

// ack подтверждает операцию отправителю.
func (r *Relay) ack(c *client, opID string) {
	msg, err := protocol.NewMessage(protocol.MsgOperationAck, protocol.AckPayload{OperationID: opID})
	if err != nil {
		return
	}
	r.deliver(c, msg)
}

// replyError отправляет устройству сообщение об ошибке.
func (r *Relay) replyError(c *client, code, message string) {
	msg, err := protocol.NewMessage(protocol.MsgError, protocol.ErrorPayload{Code: code, Message: message})
	if err != nil {
		return
	}
	r.deliver(c, msg)
}

// broadcast пересылает сырые данные всем устройствам, кроме отправителя.
// Мьютекс удерживается на время записи в каналы: unregister закрывает
// канал под тем же мьютексом, отправка в закрытый канал исключена.
func (r *Relay) broadcast(from *client, data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for c := range r.clients {
		if c == from {
			continue
		}
		select {
		case c.send <- data:
		default:
			r.logger.Warn("send queue full, message dropped", "device_id", c.deviceID)
		}
	}
}

func (r *Relay) register(c *client) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.clients[c] = struct{}{}
}

func (r *Relay) unregister(c *client) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.clients[c]; !ok {
		return
	}
	delete(r.clients, c)
	close(c.send)
	_ = c.conn.Close()
}

func (r *Relay) clientCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.clients)
}
