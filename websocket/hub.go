package websocket

import (
	"github.com/sirupsen/logrus"

	"github.com/egor/planmovil/metrics"
)

// targeted - сообщение для всех соединений одной сессии
type targeted struct {
	token string
	data  []byte
}

// kick - принудительное отключение всех соединений сессии
type kick struct {
	token  string
	reason string
}

// Hub обрабатывает WebSocket соединения
type Hub struct {
	log logrus.FieldLogger

	// Зарегистрированные клиенты, сгруппированные по токену сессии
	clients map[string]map[*Client]bool

	broadcast  chan []byte
	direct     chan targeted
	register   chan *Client
	unregister chan *Client
	kick       chan kick
	quit       chan struct{}
}

// NewHub создает новый Hub
func NewHub(log logrus.FieldLogger) *Hub {
	return &Hub{
		log:        log.WithField("component", "ws-hub"),
		clients:    make(map[string]map[*Client]bool),
		broadcast:  make(chan []byte, 16),
		direct:     make(chan targeted, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		kick:       make(chan kick, 16),
		quit:       make(chan struct{}),
	}
}

// Run запускает Hub; возвращается после Stop
func (h *Hub) Run() {
	for {
		select {
		case <-h.quit:
			for _, set := range h.clients {
				for c := range set {
					h.drop(c)
				}
			}
			return
		case client := <-h.register:
			set := h.clients[client.Token]
			if set == nil {
				set = make(map[*Client]bool)
				h.clients[client.Token] = set
			}
			set[client] = true
			metrics.WebsocketConnected()
			h.log.WithField("user_id", client.UserID).Debugf("клиент подключился, всего сессий: %d", len(h.clients))
		case client := <-h.unregister:
			if h.clients[client.Token][client] {
				h.drop(client)
				h.log.WithField("user_id", client.UserID).Debug("клиент отключился")
			}
		case message := <-h.broadcast:
			for _, set := range h.clients {
				for client := range set {
					h.deliver(client, message)
				}
			}
		case m := <-h.direct:
			for client := range h.clients[m.token] {
				h.deliver(client, m.data)
			}
		case k := <-h.kick:
			h.disconnect(k)
		}
	}
}

// deliver не блокирует Hub: клиент с переполненной очередью отключается
func (h *Hub) deliver(c *Client, data []byte) {
	select {
	case c.send <- data:
	default:
		h.log.WithField("user_id", c.UserID).Warn("очередь клиента переполнена, отключаем")
		h.drop(c)
	}
}

func (h *Hub) drop(c *Client) {
	set := h.clients[c.Token]
	if !set[c] {
		return
	}
	delete(set, c)
	if len(set) == 0 {
		delete(h.clients, c.Token)
	}
	c.close()
	metrics.WebsocketDisconnected()
}

// disconnect сообщает клиентам сессии причину и отключает их
func (h *Hub) disconnect(k kick) {
	set := h.clients[k.token]
	if len(set) == 0 {
		return
	}
	n := len(set)
	data, err := NewErrorMessage(k.reason, "")
	for client := range set {
		if err == nil {
			client.enqueue(data)
		}
		h.drop(client)
	}
	h.log.WithField("connections", n).Info("сессия отключена: " + k.reason)
}

// Stop останавливает Run и закрывает все соединения
func (h *Hub) Stop() {
	select {
	case <-h.quit:
	default:
		close(h.quit)
	}
}

// Register подключает клиента к Hub
func (h *Hub) Register(c *Client) {
	select {
	case h.register <- c:
	case <-h.quit:
	}
}

func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.quit:
	}
}

// Broadcast отправляет сообщение всем подключенным клиентам
func (h *Hub) Broadcast(messageType string, payload interface{}) {
	data, err := NewMessage(messageType, payload)
	if err != nil {
		h.log.WithError(err).Error("ошибка при маршализации сообщения")
		return
	}
	select {
	case h.broadcast <- data:
	case <-h.quit:
	}
}

// Disconnect закрывает все соединения сессии token, отправив им reason
func (h *Hub) Disconnect(token, reason string) {
	select {
	case h.kick <- kick{token: token, reason: reason}:
	case <-h.quit:
	}
}

// PublishTo отправляет сообщение всем соединениям сессии token
func (h *Hub) PublishTo(token, messageType string, payload interface{}) {
	data, err := NewMessage(messageType, payload)
	if err != nil {
		h.log.WithError(err).Error("ошибка при маршализации сообщения")
		return
	}
	select {
	case h.direct <- targeted{token: token, data: data}:
	case <-h.quit:
	}
}
