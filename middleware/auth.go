package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/egor/planmovil/identity"
	"github.com/egor/planmovil/models"
	"github.com/egor/planmovil/session"
)

const (
	workspaceKey = "workspace"
	tokenKey     = "token"

	// маршруты клиента, куда отправлять пользователя при отказе
	LoginRedirect = "/login"
	HomeRedirect  = "/tabs"
)

// BearerToken достаёт токен из заголовка Authorization, а для WebSocket
// из параметра ?token=
func BearerToken(c *gin.Context) string {
	if h := c.GetHeader("Authorization"); h != "" {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	return c.Query("token")
}

// Authenticate находит workspace сессии по токену и кладёт его в контекст
func Authenticate(reg *session.Registry, log logrus.FieldLogger) gin.HandlerFunc {
	log = log.WithField("component", "auth")
	return func(c *gin.Context) {
		token := BearerToken(c)
		if token == "" {
			abortUnauthenticated(c, models.ErrNotAuthenticated)
			return
		}

		w, err := reg.Resolve(c.Request.Context(), token)
		if err != nil {
			switch {
			case errors.Is(err, models.ErrNotAuthenticated), errors.Is(err, identity.ErrNoProfile):
				abortUnauthenticated(c, err)
			default:
				log.WithError(err).Warn("не удалось восстановить сессию")
				c.AbortWithStatusJSON(http.StatusBadGateway, models.Fail(err))
			}
			return
		}

		c.Set(workspaceKey, w)
		c.Set(tokenKey, token)
		c.Next()
	}
}

// RequireRole пропускает только пользователей с одной из ролей.
// Ставится после Authenticate.
func RequireRole(roles ...models.Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		w := Workspace(c)
		if w == nil || !w.Identity.IsAuthenticated() {
			abortUnauthenticated(c, models.ErrNotAuthenticated)
			return
		}
		for _, r := range roles {
			if w.Identity.HasRole(r) {
				c.Next()
				return
			}
		}
		res := models.Fail(models.ErrForbidden)
		res.Redirect = HomeRedirect
		c.AbortWithStatusJSON(http.StatusForbidden, res)
	}
}

// Workspace возвращает workspace, положенный Authenticate
func Workspace(c *gin.Context) *session.Workspace {
	v, ok := c.Get(workspaceKey)
	if !ok {
		return nil
	}
	w, _ := v.(*session.Workspace)
	return w
}

// Token возвращает токен текущего запроса
func Token(c *gin.Context) string {
	return c.GetString(tokenKey)
}

func abortUnauthenticated(c *gin.Context, err error) {
	res := models.Fail(err)
	res.Redirect = LoginRedirect
	c.AbortWithStatusJSON(http.StatusUnauthorized, res)
}
