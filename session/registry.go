package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/egor/planmovil/catalog"
	"github.com/egor/planmovil/gateway"
	"github.com/egor/planmovil/identity"
	"github.com/egor/planmovil/metrics"
	"github.com/egor/planmovil/models"
)

// DefaultRevalidateInterval - как часто токен открытой сессии
// перепроверяется на backend'е
const DefaultRevalidateInterval = time.Minute

// Причины отключения, которые видит клиент
const (
	reasonExpired = "sesión expirada"
	reasonRevoked = "sesión revocada"
	reasonLogout  = "sesión cerrada"
)

// Registry сопоставляет токены доступа с рабочими пространствами.
// Workspace живет, пока токен действителен: истекшие и отозванные
// сессии вытесняются при Resolve и фоновой проверкой Run.
type Registry struct {
	base gateway.Gateway
	pub  Publisher
	log  logrus.FieldLogger

	now        func() time.Time
	revalidate time.Duration

	public *catalog.Store

	mu         sync.Mutex
	workspaces map[string]*Workspace
}

func NewRegistry(base gateway.Gateway, pub Publisher, log logrus.FieldLogger) *Registry {
	if pub == nil {
		pub = nopPublisher{}
	}
	log = log.WithField("component", "session")
	return &Registry{
		base:       base,
		pub:        pub,
		log:        log,
		now:        time.Now,
		revalidate: DefaultRevalidateInterval,
		public:     catalog.New(base, identity.Anonymous, log),
		workspaces: make(map[string]*Workspace),
	}
}

// Start загружает публичный каталог и подписывается на его изменения
func (r *Registry) Start(ctx context.Context) error {
	return r.public.Start(ctx)
}

// Public - каталог для анонимных запросов
func (r *Registry) Public() *catalog.Store { return r.public }

func (r *Registry) newResolver() *identity.Resolver {
	return identity.New(r.base, r.log)
}

// Login открывает сессию и её workspace
func (r *Registry) Login(ctx context.Context, email, password string) (*Workspace, error) {
	id := r.newResolver()
	s, err := id.Login(ctx, email, password)
	if err != nil {
		id.Close()
		return nil, err
	}
	return r.open(ctx, s.AccessToken, id)
}

// Register регистрирует потребителя. Если backend требует подтверждения
// email, сессии нет и workspace равен nil.
func (r *Registry) Register(ctx context.Context, in models.RegisterInput) (*Workspace, *gateway.Session, error) {
	id := r.newResolver()
	s, err := id.Register(ctx, in)
	if err != nil {
		id.Close()
		return nil, nil, err
	}
	if s.AccessToken == "" {
		id.Close()
		return nil, s, nil
	}
	w, err := r.open(ctx, s.AccessToken, id)
	if err != nil {
		return nil, nil, err
	}
	return w, s, nil
}

// Resolve возвращает workspace по токену, восстанавливая сессию при необходимости.
// Истекший или отозванный токен дает ErrNotAuthenticated.
func (r *Registry) Resolve(ctx context.Context, token string) (*Workspace, error) {
	if token == "" {
		return nil, models.ErrNotAuthenticated
	}
	r.mu.Lock()
	w, ok := r.workspaces[token]
	r.mu.Unlock()
	if ok {
		if err := r.check(ctx, w); err != nil {
			return nil, err
		}
		return w, nil
	}

	id := r.newResolver()
	if _, err := id.Restore(ctx, token); err != nil {
		id.Close()
		if gateway.IsUnauthorized(err) {
			return nil, models.ErrNotAuthenticated
		}
		return nil, err
	}
	if !id.IsAuthenticated() {
		id.Close()
		return nil, identity.ErrNoProfile
	}
	return r.open(ctx, token, id)
}

// check проверяет срок токена и, если пора, его статус на backend'е.
// Недоступный backend не закрывает сессию: проверка повторится позже.
func (r *Registry) check(ctx context.Context, w *Workspace) error {
	now := r.now()
	if w.expired(now) {
		r.evict(w, reasonExpired)
		return models.ErrNotAuthenticated
	}
	if !w.due(now, r.revalidate) {
		return nil
	}
	if _, err := r.base.GetUser(ctx, w.Token); err != nil {
		if gateway.IsUnauthorized(err) {
			r.evict(w, reasonRevoked)
			return models.ErrNotAuthenticated
		}
		r.log.WithError(err).WithField("user_id", w.Identity.UserID()).Warn("не удалось перепроверить сессию")
		return nil
	}
	w.markChecked(now)
	return nil
}

// evict закрывает workspace и соединения его сессии
func (r *Registry) evict(w *Workspace, reason string) {
	r.mu.Lock()
	if r.workspaces[w.Token] == w {
		delete(r.workspaces, w.Token)
	}
	n := len(r.workspaces)
	r.mu.Unlock()
	metrics.SetWorkspaces(n)

	r.disconnect(w.Token, reason)
	w.Close()
	r.log.WithFields(logrus.Fields{"user_id": w.Identity.UserID(), "reason": reason}).Info("сессия закрыта")
}

func (r *Registry) disconnect(token, reason string) {
	if d, ok := r.pub.(disconnecter); ok {
		d.Disconnect(token, reason)
	}
}

// Sweep проверяет все открытые сессии и возвращает число вытесненных
func (r *Registry) Sweep(ctx context.Context) int {
	r.mu.Lock()
	all := make([]*Workspace, 0, len(r.workspaces))
	for _, w := range r.workspaces {
		all = append(all, w)
	}
	r.mu.Unlock()

	evicted := 0
	for _, w := range all {
		if ctx.Err() != nil {
			break
		}
		if errors.Is(r.check(ctx, w), models.ErrNotAuthenticated) {
			evicted++
		}
	}
	if evicted > 0 {
		r.log.WithField("evicted", evicted).Info("проверка сессий")
	}
	return evicted
}

// Run периодически вызывает Sweep; возвращается при отмене ctx
func (r *Registry) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultRevalidateInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

func (r *Registry) open(ctx context.Context, token string, id *identity.Resolver) (*Workspace, error) {
	w, err := newWorkspace(ctx, token, id, r.pub, r.log, r.now())
	if err != nil {
		id.Close()
		return nil, fmt.Errorf("open workspace: %w", err)
	}

	r.mu.Lock()
	if existing, ok := r.workspaces[token]; ok {
		// параллельный запрос с тем же токеном успел раньше
		r.mu.Unlock()
		w.Close()
		return existing, nil
	}
	r.workspaces[token] = w
	n := len(r.workspaces)
	r.mu.Unlock()

	metrics.SetWorkspaces(n)
	r.log.WithField("user_id", id.UserID()).Info("сессия открыта")
	return w, nil
}

// Logout закрывает сессию на backend'е и её workspace
func (r *Registry) Logout(ctx context.Context, token string) error {
	r.mu.Lock()
	w, ok := r.workspaces[token]
	delete(r.workspaces, token)
	n := len(r.workspaces)
	r.mu.Unlock()
	metrics.SetWorkspaces(n)

	if !ok {
		return r.base.SignOut(ctx, token)
	}
	r.disconnect(token, reasonLogout)
	err := w.Identity.Logout(ctx)
	w.Close()
	return err
}

// Len - число открытых workspace
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.workspaces)
}

// Close закрывает все workspace и публичный каталог
func (r *Registry) Close() {
	r.mu.Lock()
	all := r.workspaces
	r.workspaces = make(map[string]*Workspace)
	r.mu.Unlock()

	for _, w := range all {
		w.Close()
	}
	r.public.Close()
	metrics.SetWorkspaces(0)
}
