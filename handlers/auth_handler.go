package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/egor/planmovil/middleware"
	"github.com/egor/planmovil/models"
	"github.com/egor/planmovil/session"
)

// authResponse - ответ на вход и регистрацию
type authResponse struct {
	Token        string          `json:"token,omitempty"`
	RefreshToken string          `json:"refresh_token,omitempty"`
	ExpiresAt    int64           `json:"expires_at,omitempty"`
	Profile      *models.Profile `json:"profile,omitempty"`
	// ConfirmEmail: backend ждёт подтверждения почты, сессии ещё нет
	ConfirmEmail bool `json:"confirm_email,omitempty"`
}

func sessionResponse(w *session.Workspace) authResponse {
	res := authResponse{Token: w.Token, Profile: w.Identity.CurrentProfile()}
	if s := w.Identity.Session(); s != nil {
		res.RefreshToken = s.RefreshToken
		res.ExpiresAt = s.ExpiresAt
	}
	return res
}

// Register обрабатывает регистрацию потребителя
func (h *Handlers) Register(c *gin.Context) {
	var in models.RegisterInput
	if !h.bind(c, &in) {
		return
	}

	w, _, err := h.reg.Register(c.Request.Context(), in)
	if err != nil {
		h.fail(c, err)
		return
	}
	if w == nil {
		ok(c, http.StatusCreated, authResponse{ConfirmEmail: true})
		return
	}
	res := models.OK(sessionResponse(w))
	res.Redirect = middleware.HomeRedirect
	c.JSON(http.StatusCreated, res)
}

// Login обрабатывает вход по email и паролю
func (h *Handlers) Login(c *gin.Context) {
	var req struct {
		Email    string `json:"email" binding:"required,email"`
		Password string `json:"password" binding:"required"`
	}
	if !h.bind(c, &req) {
		return
	}

	w, err := h.reg.Login(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		h.log.WithError(err).WithField("email", req.Email).Info("неудачный вход")
		h.fail(c, err)
		return
	}
	res := models.OK(sessionResponse(w))
	res.Redirect = middleware.HomeRedirect
	c.JSON(http.StatusOK, res)
}

// Logout закрывает сессию. Локальное состояние очищается даже при ошибке backend'а.
func (h *Handlers) Logout(c *gin.Context) {
	if err := h.reg.Logout(c.Request.Context(), middleware.Token(c)); err != nil {
		h.log.WithError(err).Warn("выход: backend вернул ошибку")
	}
	res := models.OK(nil)
	res.Redirect = middleware.LoginRedirect
	c.JSON(http.StatusOK, res)
}

// GetProfile возвращает профиль текущего пользователя
func (h *Handlers) GetProfile(c *gin.Context) {
	w := middleware.Workspace(c)
	ok(c, http.StatusOK, w.Identity.CurrentProfile())
}

// UpdateProfile меняет имя и телефон владельца
func (h *Handlers) UpdateProfile(c *gin.Context) {
	var patch models.ProfilePatch
	if !h.bind(c, &patch) {
		return
	}
	p, err := middleware.Workspace(c).Identity.UpdateProfile(c.Request.Context(), patch)
	if err != nil {
		h.fail(c, err)
		return
	}
	ok(c, http.StatusOK, p)
}

// ChangeUserRole - асесор меняет роль другого пользователя
func (h *Handlers) ChangeUserRole(c *gin.Context) {
	var req struct {
		Rol models.Role `json:"rol" binding:"required"`
	}
	if !h.bind(c, &req) {
		return
	}
	if err := middleware.Workspace(c).Identity.ChangeUserRole(c.Request.Context(), c.Param("userId"), req.Rol); err != nil {
		h.fail(c, err)
		return
	}
	ok(c, http.StatusOK, nil)
}
