// Package handlers - HTTP и WebSocket поверхность сервиса поверх
// workspace'ов сессий.
package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/egor/planmovil/chat"
	"github.com/egor/planmovil/gateway"
	"github.com/egor/planmovil/identity"
	"github.com/egor/planmovil/middleware"
	"github.com/egor/planmovil/models"
	"github.com/egor/planmovil/session"
	"github.com/egor/planmovil/websocket"
)

// Handlers держит зависимости обработчиков
type Handlers struct {
	reg *session.Registry
	hub *websocket.Hub
	log logrus.FieldLogger

	origins         []string
	allowAllOrigins bool
	maxImageSize    int64
}

// Options - параметры HTTP слоя из конфигурации
type Options struct {
	AllowedOrigins  []string
	AllowAllOrigins bool
	// MaxImageSize - предел размера загружаемой картинки, байт
	MaxImageSize int64
}

const defaultMaxImageSize = 5 << 20

func New(reg *session.Registry, hub *websocket.Hub, opts Options, log logrus.FieldLogger) *Handlers {
	if opts.MaxImageSize <= 0 {
		opts.MaxImageSize = defaultMaxImageSize
	}
	return &Handlers{
		reg:             reg,
		hub:             hub,
		log:             log.WithField("component", "handlers"),
		origins:         opts.AllowedOrigins,
		allowAllOrigins: opts.AllowAllOrigins,
		maxImageSize:    opts.MaxImageSize,
	}
}

// statusFor сопоставляет ошибку доменного слоя с HTTP статусом и
// маршрутом клиента для перенаправления
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, models.ErrValidation):
		return http.StatusBadRequest, ""
	case errors.Is(err, models.ErrNotAuthenticated), errors.Is(err, identity.ErrNoProfile):
		return http.StatusUnauthorized, middleware.LoginRedirect
	case errors.Is(err, models.ErrForbidden), errors.Is(err, models.ErrTransitionForbidden):
		return http.StatusForbidden, middleware.HomeRedirect
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound, ""
	case errors.Is(err, models.ErrActiveContract),
		errors.Is(err, models.ErrConflict),
		errors.Is(err, models.ErrInvalidTransition):
		return http.StatusConflict, ""
	case errors.Is(err, models.ErrPlanInactive):
		return http.StatusUnprocessableEntity, ""
	}

	var ge *gateway.Error
	if errors.As(err, &ge) && ge.StatusCode >= 400 && ge.StatusCode < 500 {
		if ge.StatusCode == http.StatusForbidden {
			return ge.StatusCode, middleware.HomeRedirect
		}
		return ge.StatusCode, ""
	}
	return http.StatusBadGateway, ""
}

func (h *Handlers) fail(c *gin.Context, err error) {
	status, redirect := statusFor(err)
	res := models.Fail(err)
	res.Redirect = redirect

	var de *chat.DraftError
	if errors.As(err, &de) {
		res.Draft = de.Draft
	}

	entry := h.log.WithError(err).WithField("path", c.FullPath())
	if status >= 500 {
		entry.Error("ошибка обработки запроса")
	} else {
		entry.Debug("запрос отклонён")
	}
	c.AbortWithStatusJSON(status, res)
}

func ok(c *gin.Context, status int, data interface{}) {
	c.JSON(status, models.OK(data))
}

// bind разбирает JSON тело; ошибка разбора считается ошибкой валидации
func (h *Handlers) bind(c *gin.Context, v interface{}) bool {
	if err := c.ShouldBindJSON(v); err != nil {
		h.fail(c, validationError(err))
		return false
	}
	return true
}

func validationError(err error) error {
	return fmt.Errorf("%w: %v", models.ErrValidation, err)
}

func (h *Handlers) idParam(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		h.fail(c, fmt.Errorf("%w: identificador inválido", models.ErrValidation))
		return 0, false
	}
	return id, true
}
