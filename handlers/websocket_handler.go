package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	gorilla "github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/egor/planmovil/chat"
	"github.com/egor/planmovil/middleware"
	"github.com/egor/planmovil/session"
	"github.com/egor/planmovil/websocket"
)

// время на обработку одной команды клиента
const commandTimeout = 15 * time.Second

func (h *Handlers) upgrader() *gorilla.Upgrader {
	return &gorilla.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
}

// checkOrigin проверяет, разрешен ли Origin для подключения
func (h *Handlers) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		// Разрешаем локальные подключения без Origin
		host := r.Host
		return strings.HasPrefix(host, "localhost:") || strings.HasPrefix(host, "127.0.0.1:")
	}
	for _, allowed := range h.origins {
		if allowed == origin {
			return true
		}
	}
	if h.allowAllOrigins {
		h.log.WithField("origin", origin).Warn("ВНИМАНИЕ: origin разрешён (ALLOW_ALL_ORIGINS=true)")
		return true
	}
	h.log.WithField("origin", origin).Warn("отклонен origin")
	return false
}

// ServeWs открывает WebSocket сессии. Токен передаётся в ?token=, так как
// браузер не умеет слать заголовки при апгрейде.
func (h *Handlers) ServeWs(c *gin.Context) {
	token := middleware.BearerToken(c)
	w, err := h.reg.Resolve(c.Request.Context(), token)
	if err != nil {
		h.fail(c, err)
		return
	}

	conn, err := h.upgrader().Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade сам ответил клиенту
		h.log.WithError(err).Warn("ошибка апгрейда соединения")
		return
	}

	client := websocket.NewClient(h.hub, conn, token, w.Identity.UserID())
	h.hub.Register(client)

	// первичный снимок идет через Hub после регистрации, в одной очереди
	// с изменениями, поэтому не может прийти позже более свежего
	w.Replay()

	go client.WritePump()
	go client.ReadPump(func(cl *websocket.Client, msg websocket.ClientMessage) {
		h.handleCommand(w, cl, msg)
	})

	h.log.WithField("user_id", client.UserID).Info("WebSocket клиент подключен")
}

// handleCommand выполняет команду клиента над чатом его сессии. Результат
// приходит снимком messages; клиенту отправляется только ошибка.
func (h *Handlers) handleCommand(w *session.Workspace, cl *websocket.Client, msg websocket.ClientMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	var err error
	switch msg.Type {
	case websocket.TypeOpenChat:
		_, err = w.Chat.Open(ctx, msg.ContractID)
	case websocket.TypeSendMessage:
		_, err = w.Chat.Send(ctx, msg.ContractID, msg.Body)
	case websocket.TypeMarkAsRead:
		if msg.ContractID != 0 {
			err = w.Chat.MarkReadIn(ctx, msg.ContractID)
		} else {
			err = w.Chat.MarkRead(ctx)
		}
	case websocket.TypeCloseChat:
		w.Chat.Close()
	default:
		cl.SendError("tipo de mensaje desconocido: "+msg.Type, "")
		return
	}
	if err == nil {
		return
	}

	h.log.WithError(err).WithFields(logrus.Fields{
		"type":        msg.Type,
		"contract_id": msg.ContractID,
	}).Debug("команда WebSocket отклонена")
	var de *chat.DraftError
	if errors.As(err, &de) {
		cl.SendError(de.Error(), de.Draft)
		return
	}
	cl.SendError(err.Error(), "")
}
