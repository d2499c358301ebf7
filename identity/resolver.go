// Package identity связывает сессию backend'а с профилем пользователя и его ролью.
package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/golang-jwt/jwt/v4"
	"github.com/sirupsen/logrus"

	"github.com/egor/planmovil/gateway"
	"github.com/egor/planmovil/metrics"
	"github.com/egor/planmovil/models"
	"github.com/egor/planmovil/observable"
)

// Principal - то, что менеджерам нужно знать о текущем пользователе
type Principal interface {
	UserID() string
	CurrentRole() models.Role
	IsAuthenticated() bool
}

// Anonymous - гость без сессии (публичный каталог)
var Anonymous Principal = anonymous{}

type anonymous struct{}

func (anonymous) UserID() string           { return "" }
func (anonymous) CurrentRole() models.Role { return "" }
func (anonymous) IsAuthenticated() bool    { return false }

// ErrNoProfile - сессия есть, а строки в perfiles нет
var ErrNoProfile = errors.New("perfil de usuario no encontrado")

// Resolver держит текущую сессию и опубликованный профиль
type Resolver struct {
	base gateway.Gateway
	log  logrus.FieldLogger

	mu      sync.RWMutex
	session *gateway.Session
	gw      gateway.Gateway
	ch      gateway.Channel

	profile *observable.Value[*models.Profile]
}

var _ Principal = (*Resolver)(nil)

func New(base gateway.Gateway, log logrus.FieldLogger) *Resolver {
	return &Resolver{
		base:    base,
		gw:      base,
		log:     log.WithField("component", "identity"),
		profile: observable.New[*models.Profile](nil),
	}
}

// Profile - опубликованный профиль (nil, если его нет)
func (r *Resolver) Profile() observable.Reader[*models.Profile] { return r.profile }

// Gateway - backend, привязанный к токену текущей сессии
func (r *Resolver) Gateway() gateway.Gateway {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.gw
}

func (r *Resolver) Session() *gateway.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.session
}

func (r *Resolver) CurrentProfile() *models.Profile { return r.profile.Get() }

func (r *Resolver) UserID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.session == nil {
		return ""
	}
	return r.session.User.ID
}

// IsAuthenticated - есть и сессия, и профиль
func (r *Resolver) IsAuthenticated() bool {
	return r.Session() != nil && r.profile.Get() != nil
}

func (r *Resolver) CurrentRole() models.Role {
	if p := r.profile.Get(); p != nil {
		return p.Rol
	}
	return ""
}

func (r *Resolver) HasRole(role models.Role) bool {
	return r.CurrentRole() == role
}

// SetSession переключает резолвер на сессию s (nil - выход) и загружает профиль.
// Профиль отслеживается подпиской на свою строку perfiles.
func (r *Resolver) SetSession(ctx context.Context, s *gateway.Session) (*models.Profile, error) {
	r.mu.Lock()
	if r.ch != nil {
		if err := r.ch.Unsubscribe(); err != nil {
			r.log.WithError(err).Warn("не удалось отписаться от профиля")
		}
		r.ch = nil
	}
	r.session = s
	if s == nil {
		r.gw = r.base
		r.mu.Unlock()
		r.profile.Set(nil)
		return nil, nil
	}
	r.gw = r.base.WithToken(s.AccessToken)
	gw := r.gw
	r.mu.Unlock()

	p, err := r.Reload(ctx)
	if err != nil {
		return nil, err
	}

	ch, err := gw.Subscribe(ctx, "perfil_"+s.User.ID, gateway.ChangeFilter{
		Event:  gateway.EventAll,
		Table:  gateway.TableProfiles,
		Filter: "user_id=eq." + s.User.ID,
	}, func(gateway.ChangeEvent) {
		if _, err := r.Reload(context.Background()); err != nil {
			r.log.WithError(err).Warn("перезагрузка профиля по событию")
		}
	})
	if err != nil {
		// realtime не критичен: профиль уже загружен
		r.log.WithError(err).Warn("подписка на профиль не удалась")
		return p, nil
	}
	r.mu.Lock()
	if r.session == s {
		r.ch = ch
		ch = nil
	}
	r.mu.Unlock()
	if ch != nil {
		_ = ch.Unsubscribe()
	}
	return p, nil
}

// Reload перечитывает профиль текущей сессии
func (r *Resolver) Reload(ctx context.Context) (*models.Profile, error) {
	r.mu.RLock()
	s, gw := r.session, r.gw
	r.mu.RUnlock()
	if s == nil {
		r.profile.Set(nil)
		return nil, nil
	}

	var rows []models.Profile
	err := gateway.SelectInto(ctx, gw, gateway.TableProfiles,
		gateway.Query{}.Where(gateway.Eq("user_id", s.User.ID)).Take(1), &rows)
	metrics.RecordReload("identity", err)
	if err != nil {
		return nil, fmt.Errorf("load profile: %w", err)
	}
	if len(rows) == 0 {
		r.profile.Set(nil)
		return nil, nil
	}
	p := rows[0]
	r.profile.Set(&p)
	return &p, nil
}

// Register создаёт пользователя auth и его профиль. Если профиль записать не
// удалось, пользователь auth удаляется. Пустой AccessToken в ответе означает,
// что backend ждёт подтверждения email, и сессия не открывается.
func (r *Resolver) Register(ctx context.Context, in models.RegisterInput) (*gateway.Session, error) {
	in.Email = strings.TrimSpace(in.Email)
	in.Nombre = strings.TrimSpace(in.Nombre)
	if err := models.Validate(in); err != nil {
		return nil, err
	}

	s, err := r.base.SignUp(ctx, in.Email, in.Password)
	if err != nil {
		return nil, fmt.Errorf("sign up: %w", err)
	}
	log := r.log.WithField("user_id", s.User.ID)

	writer := r.base
	if s.AccessToken != "" {
		writer = r.base.WithToken(s.AccessToken)
	}
	row := map[string]interface{}{
		"user_id": s.User.ID,
		"nombre":  in.Nombre,
		"rol":     models.RoleConsumer,
		"email":   in.Email,
	}
	if in.Telefono != nil && strings.TrimSpace(*in.Telefono) != "" {
		row["telefono"] = strings.TrimSpace(*in.Telefono)
	}
	if err := gateway.InsertInto(ctx, writer, gateway.TableProfiles, row, nil); err != nil {
		log.WithError(err).Error("профиль не создан, удаляем пользователя auth")
		if derr := r.base.DeleteUser(ctx, s.User.ID); derr != nil {
			log.WithError(derr).Error("компенсация не удалась: пользователь auth остался без профиля")
		}
		return nil, fmt.Errorf("create profile: %w", err)
	}
	log.Info("пользователь зарегистрирован")

	if s.AccessToken == "" {
		return s, nil
	}
	if _, err := r.SetSession(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}

// Login открывает сессию. Без профиля вход не считается успешным.
func (r *Resolver) Login(ctx context.Context, email, password string) (*gateway.Session, error) {
	s, err := r.base.SignInWithPassword(ctx, strings.TrimSpace(email), password)
	if err != nil {
		return nil, fmt.Errorf("sign in: %w", err)
	}
	p, err := r.SetSession(ctx, s)
	if err != nil {
		return nil, err
	}
	if p == nil {
		r.log.WithField("user_id", s.User.ID).Warn("вход без профиля")
		_ = r.Logout(ctx)
		return nil, ErrNoProfile
	}
	return s, nil
}

// Restore поднимает сессию по ранее выданному токену
func (r *Resolver) Restore(ctx context.Context, token string) (*gateway.Session, error) {
	u, err := r.base.GetUser(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("restore session: %w", err)
	}
	s := &gateway.Session{AccessToken: token, User: *u, ExpiresAt: tokenExpiry(token)}
	if _, err := r.SetSession(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}

// tokenExpiry читает exp из JWT без проверки подписи: токен уже принят
// backend'ом через GetUser. Для непрозрачных токенов возвращает 0.
func tokenExpiry(token string) int64 {
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return 0
	}
	if claims.ExpiresAt == nil {
		return 0
	}
	return claims.ExpiresAt.Unix()
}

// Logout закрывает сессию на backend'е. Локальное состояние сбрасывается в любом случае.
func (r *Resolver) Logout(ctx context.Context) error {
	s := r.Session()
	var err error
	if s != nil && s.AccessToken != "" {
		if err = r.base.SignOut(ctx, s.AccessToken); err != nil {
			r.log.WithError(err).Warn("sign out")
		}
	}
	_, _ = r.SetSession(ctx, nil)
	return err
}

// UpdateProfile меняет имя и телефон владельца профиля
func (r *Resolver) UpdateProfile(ctx context.Context, patch models.ProfilePatch) (*models.Profile, error) {
	if !r.IsAuthenticated() {
		return nil, models.ErrNotAuthenticated
	}
	if err := models.Validate(patch); err != nil {
		return nil, err
	}
	if patch.Nombre == nil && patch.Telefono == nil {
		return r.CurrentProfile(), nil
	}
	if err := gateway.UpdateInto(ctx, r.Gateway(), gateway.TableProfiles,
		[]gateway.Filter{gateway.Eq("user_id", r.UserID())}, patch, nil); err != nil {
		return nil, fmt.Errorf("update profile: %w", err)
	}
	return r.Reload(ctx)
}

// ChangeUserRole - администрирование ролей, доступно только асесору
func (r *Resolver) ChangeUserRole(ctx context.Context, userID string, role models.Role) error {
	if !r.IsAuthenticated() {
		return models.ErrNotAuthenticated
	}
	if !r.HasRole(models.RoleAdvisor) {
		return models.ErrForbidden
	}
	if !role.Valid() {
		return fmt.Errorf("%w: rol %q", models.ErrValidation, role)
	}

	var updated []models.Profile
	if err := gateway.UpdateInto(ctx, r.Gateway(), gateway.TableProfiles,
		[]gateway.Filter{gateway.Eq("user_id", userID)},
		map[string]interface{}{"rol": role}, &updated); err != nil {
		return fmt.Errorf("change role: %w", err)
	}
	if len(updated) == 0 {
		return models.ErrNotFound
	}
	r.log.WithFields(logrus.Fields{"user_id": userID, "rol": role}).Info("роль изменена")

	if userID == r.UserID() {
		_, err := r.Reload(ctx)
		return err
	}
	return nil
}

// Close снимает подписку на профиль
func (r *Resolver) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ch != nil {
		_ = r.ch.Unsubscribe()
		r.ch = nil
	}
}
