package websocket

import (
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Client - одно WebSocket-соединение пользователя
type Client struct {
	ID     string
	UserID uint

	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	// mu защищает send от отправки после закрытия
	mu     sync.Mutex
	closed bool
}

func newClient(hub *Hub, conn *websocket.Conn, userID uint) *Client {
	return &Client{
		ID:     uuid.NewString(),
		UserID: userID,
		hub:    hub,
		conn:   conn,
		send:   make(chan []byte, hub.clientCfg.SendBuffer),
	}
}

// enqueue возвращает false, если очередь заполнена или закрыта
func (c *Client) enqueue(payload []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

// closeSend закрывает очередь; повторный вызов ничего не делает
func (c *Client) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// readPump читает входящие сообщения. Клиент ничего не присылает кроме pong и close,
// поэтому содержимое отбрасывается.
func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	cfg := c.hub.clientCfg
	c.conn.SetReadLimit(cfg.MaxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(cfg.PongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(cfg.PongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("[Client] Неожиданное закрытие %s (user=%d): %v", c.ID, c.UserID, err)
			}
			return
		}
	}
}

// writePump отправляет события из очереди и пинги
func (c *Client) writePump() {
	cfg := c.hub.clientCfg
	ticker := time.NewTicker(cfg.PingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(cfg.WriteWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Printf("[Client] Ошибка записи %s: %v", c.ID, err)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(cfg.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
