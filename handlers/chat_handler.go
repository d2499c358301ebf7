package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/egor/planmovil/middleware"
)

// OpenChat открывает чат договора: возвращает историю и подписывает
// сессию на новые сообщения (они приходят по WebSocket)
func (h *Handlers) OpenChat(c *gin.Context) {
	id, valid := h.idParam(c, "contractId")
	if !valid {
		return
	}
	msgs, err := middleware.Workspace(c).Chat.Open(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	ok(c, http.StatusOK, msgs)
}

// SendMessage отправляет сообщение в чат договора. При ошибке текст
// возвращается в поле draft.
func (h *Handlers) SendMessage(c *gin.Context) {
	id, valid := h.idParam(c, "contractId")
	if !valid {
		return
	}
	var req struct {
		Mensaje string `json:"mensaje"`
	}
	if !h.bind(c, &req) {
		return
	}
	msg, err := middleware.Workspace(c).Chat.Send(c.Request.Context(), id, req.Mensaje)
	if err != nil {
		h.fail(c, err)
		return
	}
	if msg == nil {
		// пустое сообщение молча игнорируется
		ok(c, http.StatusOK, nil)
		return
	}
	ok(c, http.StatusCreated, msg)
}

func (h *Handlers) MarkChatRead(c *gin.Context) {
	id, valid := h.idParam(c, "contractId")
	if !valid {
		return
	}
	if err := middleware.Workspace(c).Chat.MarkReadIn(c.Request.Context(), id); err != nil {
		h.fail(c, err)
		return
	}
	ok(c, http.StatusOK, nil)
}

func (h *Handlers) UnreadCount(c *gin.Context) {
	id, valid := h.idParam(c, "contractId")
	if !valid {
		return
	}
	n, err := middleware.Workspace(c).Chat.UnreadCount(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	ok(c, http.StatusOK, gin.H{"unread": n})
}

// CloseChat снимает подписку открытого чата
func (h *Handlers) CloseChat(c *gin.Context) {
	middleware.Workspace(c).Chat.Close()
	ok(c, http.StatusOK, nil)
}
