package websocket

import (
	"bytes"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second    // время на запись одного сообщения
	pongWait       = 60 * time.Second    // максимальное время ожидания PONG
	pingPeriod     = (pongWait * 9) / 10 // как часто слать PING
	maxMessageSize = 4096                // максимальный размер входящего сообщения
)

var (
	newline = []byte{'\n'}
	space   = []byte{' '}
)

// Client представляет одно WebSocket-соединение сессии
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte   // исходящие сообщения, Hub его не закрывает
	done   chan struct{} // закрывается Hub'ом при отключении
	once   sync.Once
	Token  string // токен сессии, по нему Hub адресует сообщения
	UserID string
}

// NewClient создает нового WebSocket клиента
func NewClient(hub *Hub, conn *websocket.Conn, token, userID string) *Client {
	return &Client{
		hub:    hub,
		conn:   conn,
		send:   make(chan []byte, 256),
		done:   make(chan struct{}),
		Token:  token,
		UserID: userID,
	}
}

// SendJSON кладёт сообщение в очередь клиента; false, если очередь полна
func (c *Client) SendJSON(messageType string, payload interface{}) bool {
	data, err := NewMessage(messageType, payload)
	if err != nil {
		return false
	}
	return c.enqueue(data)
}

// SendError отправляет сообщение об ошибке
func (c *Client) SendError(message, draft string) {
	data, err := NewErrorMessage(message, draft)
	if err != nil {
		return
	}
	c.enqueue(data)
}

func (c *Client) enqueue(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// Done закрыт, когда Hub отключил клиента
func (c *Client) Done() <-chan struct{} { return c.done }

func (c *Client) close() {
	c.once.Do(func() { close(c.done) })
}

// ReadPump читает команды из WebSocket и вызывает handler для каждой
func (c *Client) ReadPump(handler func(c *Client, msg ClientMessage)) {
	log := c.hub.log.WithField("user_id", c.UserID)
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
		log.Debug("WebSocket закрыт")
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.WithError(err).Warn("WebSocket неожиданно закрыт")
			}
			break
		}

		// Очищаем переносы строк
		raw = bytes.TrimSpace(bytes.Replace(raw, newline, space, -1))

		var msg ClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.SendError("formato de mensaje inválido", "")
			continue
		}
		if handler != nil {
			handler(c, msg)
		}
	}
}

// WritePump пишет из канала send в WebSocket и держит соединение живым ping/pong'ом.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			// одно сообщение на кадр: клиент разбирает каждый кадр как JSON
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-c.done:
			if !c.drain() {
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// drain дописывает то, что уже лежит в очереди; false при ошибке записи
func (c *Client) drain() bool {
	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return false
			}
		default:
			return true
		}
	}
}
