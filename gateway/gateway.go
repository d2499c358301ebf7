// Package gateway описывает контракт Backend Gateway: аутентификация,
// CRUD по строкам таблиц, realtime-события об изменениях и объектное
// хранилище. Реализации лежат в подпакетах supabase, postgres и memory.
package gateway

import (
	"context"
	"encoding/json"
	"time"
)

// Таблицы backend'а
const (
	TableProfiles  = "perfiles"
	TablePlans     = "planes_moviles"
	TableContracts = "contrataciones"
	TableMessages  = "mensajes_chat"
)

// User - пользователь сервиса аутентификации
type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// Session - выданная сессия. AccessToken пуст, если backend требует
// подтверждения email перед входом.
type Session struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	ExpiresAt    int64  `json:"expires_at,omitempty"`
	User         User   `json:"user"`
}

// Auth - операции аутентификации
type Auth interface {
	SignUp(ctx context.Context, email, password string) (*Session, error)
	SignInWithPassword(ctx context.Context, email, password string) (*Session, error)
	SignOut(ctx context.Context, accessToken string) error
	// GetUser восстанавливает пользователя по токену
	GetUser(ctx context.Context, accessToken string) (*User, error)
	// DeleteUser - привилегированное удаление (компенсация неудачной регистрации)
	DeleteUser(ctx context.Context, userID string) error
}

// Rows - построчный CRUD. Все методы возвращают JSON-массив строк.
type Rows interface {
	Select(ctx context.Context, table string, q Query) ([]byte, error)
	Insert(ctx context.Context, table string, row interface{}) ([]byte, error)
	Update(ctx context.Context, table string, filters []Filter, patch interface{}) ([]byte, error)
	Delete(ctx context.Context, table string, filters []Filter) error
}

// События изменений
const (
	EventAll    = "*"
	EventInsert = "INSERT"
	EventUpdate = "UPDATE"
	EventDelete = "DELETE"
)

// ChangeFilter - на какие изменения подписываемся.
// Filter в формате PostgREST: "contratacion_id=eq.42".
type ChangeFilter struct {
	Event  string
	Table  string
	Filter string
}

// ChangeEvent - одно изменение строки
type ChangeEvent struct {
	Type            string          `json:"type"`
	Table           string          `json:"table"`
	Record          json.RawMessage `json:"record,omitempty"`
	OldRecord       json.RawMessage `json:"old_record,omitempty"`
	CommitTimestamp time.Time       `json:"commit_timestamp"`
}

// Handler вызывается асинхронно для каждого события
type Handler func(ev ChangeEvent)

// Channel - активная подписка
type Channel interface {
	Name() string
	Unsubscribe() error
}

// Realtime - подписки на изменения. Ошибки канала после подписки
// только логируются реализацией.
type Realtime interface {
	Subscribe(ctx context.Context, name string, filter ChangeFilter, h Handler) (Channel, error)
}

// UploadOptions - параметры загрузки объекта
type UploadOptions struct {
	Upsert      bool
	ContentType string
}

// Storage - объектное хранилище
type Storage interface {
	Upload(ctx context.Context, bucket, path string, data []byte, opts UploadOptions) error
	PublicURL(bucket, path string) string
	Remove(ctx context.Context, bucket string, paths ...string) error
}

// Gateway - полный контракт backend'а
type Gateway interface {
	Auth
	Rows
	Realtime
	Storage
	// WithToken возвращает представление gateway, привязанное к токену сессии
	WithToken(accessToken string) Gateway
	Close() error
}
