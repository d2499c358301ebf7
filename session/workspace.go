// Package session - корень композиции: на каждую открытую сессию
// создаётся Workspace со своими менеджерами, привязанными к токену.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/egor/planmovil/catalog"
	"github.com/egor/planmovil/chat"
	"github.com/egor/planmovil/contracts"
	"github.com/egor/planmovil/identity"
	"github.com/egor/planmovil/models"
	"github.com/egor/planmovil/websocket"
)

// Publisher доставляет снимки состояния клиентам сессии
type Publisher interface {
	PublishTo(token, messageType string, payload interface{})
}

type nopPublisher struct{}

func (nopPublisher) PublishTo(string, string, interface{}) {}

// disconnecter - Publisher, который умеет закрыть соединения сессии
type disconnecter interface {
	Disconnect(token, reason string)
}

// Workspace - менеджеры одной сессии
type Workspace struct {
	Token     string
	Identity  *identity.Resolver
	Catalog   *catalog.Store
	Contracts *contracts.Manager
	Chat      *chat.Manager

	log logrus.FieldLogger
	pub Publisher

	mu        sync.Mutex
	role      models.Role
	cancels   []func()
	closed    bool
	expiresAt time.Time // нулевое значение: срок неизвестен
	checkedAt time.Time // последняя проверка токена на backend'е
}

func newWorkspace(ctx context.Context, token string, id *identity.Resolver, pub Publisher, log logrus.FieldLogger, now time.Time) (*Workspace, error) {
	gw := id.Gateway()
	log = log.WithField("user_id", id.UserID())
	w := &Workspace{
		Token:     token,
		Identity:  id,
		Catalog:   catalog.New(gw, id, log),
		Contracts: contracts.New(gw, id, log),
		Chat:      chat.New(gw, id, log),
		log:       log,
		pub:       pub,
		role:      id.CurrentRole(),
		checkedAt: now,
	}
	if s := id.Session(); s != nil && s.ExpiresAt > 0 {
		w.expiresAt = time.Unix(s.ExpiresAt, 0)
	}
	if err := w.Catalog.Start(ctx); err != nil {
		w.Close()
		return nil, fmt.Errorf("start catalog: %w", err)
	}
	if err := w.Contracts.Start(ctx); err != nil {
		w.Close()
		return nil, fmt.Errorf("start contracts: %w", err)
	}

	w.cancels = append(w.cancels,
		id.Profile().Subscribe(func(p *models.Profile) {
			pub.PublishTo(token, websocket.TypeProfile, p)
			w.onProfile(p)
		}),
		w.Catalog.Plans().Subscribe(func(plans []models.Plan) {
			pub.PublishTo(token, websocket.TypePlans, plans)
		}),
		w.Contracts.Contracts().Subscribe(func(list []models.Contract) {
			pub.PublishTo(token, websocket.TypeContracts, list)
		}),
		w.Chat.Messages().Subscribe(func(msgs []models.ChatMessage) {
			pub.PublishTo(token, websocket.TypeMessages, msgs)
		}),
	)
	return w, nil
}

// Replay заново публикует текущее состояние сессии. Снимки идут в общем
// порядке рассылки, поэтому не обгоняют и не затирают более свежие.
func (w *Workspace) Replay() {
	w.Identity.Profile().Replay(func(p *models.Profile) {
		w.pub.PublishTo(w.Token, websocket.TypeProfile, p)
	})
	w.Catalog.Plans().Replay(func(plans []models.Plan) {
		w.pub.PublishTo(w.Token, websocket.TypePlans, plans)
	})
	w.Contracts.Contracts().Replay(func(list []models.Contract) {
		w.pub.PublishTo(w.Token, websocket.TypeContracts, list)
	})
	if w.Chat.Current() != 0 {
		w.Chat.Messages().Replay(func(msgs []models.ChatMessage) {
			w.pub.PublishTo(w.Token, websocket.TypeMessages, msgs)
		})
	}
}

// ExpiresAt - срок действия токена; нулевое значение, если неизвестен
func (w *Workspace) ExpiresAt() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.expiresAt
}

func (w *Workspace) expired(now time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return !w.expiresAt.IsZero() && !now.Before(w.expiresAt)
}

// due - пора ли снова проверить токен на backend'е
func (w *Workspace) due(now time.Time, interval time.Duration) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return now.Sub(w.checkedAt) >= interval
}

func (w *Workspace) markChecked(now time.Time) {
	w.mu.Lock()
	w.checkedAt = now
	w.mu.Unlock()
}

// onProfile перезапускает подписку договоров при смене роли: фильтр
// подписки зависит от того, потребитель это или асесор
func (w *Workspace) onProfile(p *models.Profile) {
	if p == nil {
		return
	}
	w.mu.Lock()
	if w.closed || w.role == p.Rol || w.Contracts == nil {
		w.mu.Unlock()
		return
	}
	w.role = p.Rol
	w.mu.Unlock()

	w.log.WithField("rol", p.Rol).Info("роль сменилась, перезапускаем договоры")
	w.Contracts.Close()
	if err := w.Contracts.Start(context.Background()); err != nil {
		w.log.WithError(err).Warn("перезапуск договоров")
	}
}

// Close снимает все подписки сессии
func (w *Workspace) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	cancels := w.cancels
	w.cancels = nil
	w.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	w.Chat.Close()
	w.Contracts.Close()
	w.Catalog.Close()
	w.Identity.Close()
}
