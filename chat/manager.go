// Package chat - переписка по договору. В каждый момент открыт один чат
// с одной realtime-подпиской.
package chat

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/egor/planmovil/gateway"
	"github.com/egor/planmovil/identity"
	"github.com/egor/planmovil/metrics"
	"github.com/egor/planmovil/models"
	"github.com/egor/planmovil/observable"
)

// DraftError - отправка не удалась, Draft содержит текст сообщения
type DraftError struct {
	Draft string
	Err   error
}

func (e *DraftError) Error() string { return e.Err.Error() }
func (e *DraftError) Unwrap() error { return e.Err }

type Manager struct {
	gw  gateway.Gateway
	who identity.Principal
	log logrus.FieldLogger

	mu      sync.Mutex
	current int64
	ch      gateway.Channel

	messages *observable.Value[[]models.ChatMessage]
}

func New(gw gateway.Gateway, who identity.Principal, log logrus.FieldLogger) *Manager {
	return &Manager{
		gw:       gw,
		who:      who,
		log:      log.WithField("component", "chat"),
		messages: observable.New[[]models.ChatMessage](nil),
	}
}

// Messages - сообщения открытого чата в порядке создания
func (m *Manager) Messages() observable.Reader[[]models.ChatMessage] { return m.messages }

// Current - id открытого договора, 0 если чат закрыт
func (m *Manager) Current() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// checkAccess: писать и читать чат может владелец договора или асесор
func (m *Manager) checkAccess(ctx context.Context, contractID int64) error {
	if !m.who.IsAuthenticated() {
		return models.ErrNotAuthenticated
	}
	var rows []struct {
		UsuarioID string `json:"usuario_id"`
	}
	if err := gateway.SelectInto(ctx, m.gw, gateway.TableContracts,
		gateway.Query{}.Where(gateway.Eq("id", contractID)).Take(1), &rows); err != nil {
		return fmt.Errorf("get contract %d: %w", contractID, err)
	}
	if len(rows) == 0 {
		return models.ErrNotFound
	}
	if rows[0].UsuarioID != m.who.UserID() && m.who.CurrentRole() != models.RoleAdvisor {
		return models.ErrForbidden
	}
	return nil
}

// Open закрывает предыдущий чат и подписывается на новые сообщения договора
func (m *Manager) Open(ctx context.Context, contractID int64) ([]models.ChatMessage, error) {
	if err := m.checkAccess(ctx, contractID); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.closeLocked()
	m.current = contractID
	ch, err := m.gw.Subscribe(ctx, "chat_"+strconv.FormatInt(contractID, 10), gateway.ChangeFilter{
		Event:  gateway.EventInsert,
		Table:  gateway.TableMessages,
		Filter: "contratacion_id=eq." + strconv.FormatInt(contractID, 10),
	}, func(gateway.ChangeEvent) {
		if _, err := m.reload(context.Background(), contractID); err != nil {
			m.log.WithError(err).WithField("contract_id", contractID).Warn("перезагрузка чата")
		}
	})
	if err != nil {
		m.current = 0
		m.mu.Unlock()
		return nil, fmt.Errorf("subscribe chat %d: %w", contractID, err)
	}
	m.ch = ch
	m.mu.Unlock()

	return m.reload(ctx, contractID)
}

// reload публикует сообщения, только если contractID всё ещё открыт
func (m *Manager) reload(ctx context.Context, contractID int64) ([]models.ChatMessage, error) {
	list, err := m.list(ctx, contractID)
	metrics.RecordReload("chat", err)
	if err != nil {
		return nil, err
	}
	if m.Current() == contractID {
		m.messages.Set(list)
	}
	return list, nil
}

func (m *Manager) list(ctx context.Context, contractID int64) ([]models.ChatMessage, error) {
	var list []models.ChatMessage
	q := gateway.Query{}.Where(gateway.Eq("contratacion_id", contractID)).OrderBy("created_at", false)
	if err := gateway.SelectInto(ctx, m.gw, gateway.TableMessages, q, &list); err != nil {
		return nil, fmt.Errorf("list messages %d: %w", contractID, err)
	}
	return list, nil
}

// Close снимает подписку и очищает сообщения
func (m *Manager) Close() {
	m.mu.Lock()
	m.closeLocked()
	m.mu.Unlock()
	m.messages.Set(nil)
}

func (m *Manager) closeLocked() {
	if m.ch != nil {
		if err := m.ch.Unsubscribe(); err != nil {
			m.log.WithError(err).Warn("отписка от чата")
		}
		m.ch = nil
	}
	m.current = 0
}

// Send отправляет сообщение от имени текущего пользователя. Пустой текст
// игнорируется без обращения к backend'у. При ошибке возвращается *DraftError.
func (m *Manager) Send(ctx context.Context, contractID int64, body string) (*models.ChatMessage, error) {
	text := strings.TrimSpace(body)
	if text == "" {
		return nil, nil
	}
	if err := m.checkAccess(ctx, contractID); err != nil {
		return nil, &DraftError{Draft: body, Err: err}
	}

	row := models.ChatMessageRow{
		ContratacionID: contractID,
		EmisorID:       m.who.UserID(),
		Mensaje:        text,
	}
	var created []models.ChatMessage
	if err := gateway.InsertInto(ctx, m.gw, gateway.TableMessages, row, &created); err != nil {
		m.log.WithError(err).WithField("contract_id", contractID).Warn("сообщение не отправлено")
		return nil, &DraftError{Draft: body, Err: fmt.Errorf("send message: %w", err)}
	}
	if len(created) == 0 {
		return nil, &DraftError{Draft: body, Err: fmt.Errorf("send message: backend returned no row")}
	}
	return &created[0], nil
}

func unreadFilters(contractID int64, me string) []gateway.Filter {
	return []gateway.Filter{
		gateway.Eq("contratacion_id", contractID),
		gateway.Neq("emisor_id", me),
		gateway.Eq("leido", false),
	}
}

// MarkRead помечает прочитанными чужие сообщения открытого чата
func (m *Manager) MarkRead(ctx context.Context) error {
	id := m.Current()
	if id == 0 {
		return nil
	}
	return m.markRead(ctx, id)
}

// MarkReadIn - то же для произвольного договора с проверкой доступа
func (m *Manager) MarkReadIn(ctx context.Context, contractID int64) error {
	if err := m.checkAccess(ctx, contractID); err != nil {
		return err
	}
	return m.markRead(ctx, contractID)
}

func (m *Manager) markRead(ctx context.Context, contractID int64) error {
	if !m.who.IsAuthenticated() {
		return models.ErrNotAuthenticated
	}
	if err := gateway.UpdateInto(ctx, m.gw, gateway.TableMessages,
		unreadFilters(contractID, m.who.UserID()),
		map[string]interface{}{"leido": true}, nil); err != nil {
		m.log.WithError(err).WithField("contract_id", contractID).Warn("не удалось отметить прочитанным")
		return fmt.Errorf("mark read: %w", err)
	}
	if m.Current() == contractID {
		_, _ = m.reload(ctx, contractID)
	}
	return nil
}

// UnreadCount - число непрочитанных чужих сообщений в договоре
func (m *Manager) UnreadCount(ctx context.Context, contractID int64) (int, error) {
	if err := m.checkAccess(ctx, contractID); err != nil {
		return 0, err
	}
	var rows []struct {
		ID int64 `json:"id"`
	}
	if err := gateway.SelectInto(ctx, m.gw, gateway.TableMessages,
		gateway.Query{Filters: unreadFilters(contractID, m.who.UserID())}, &rows); err != nil {
		return 0, fmt.Errorf("unread count: %w", err)
	}
	return len(rows), nil
}

// History - сообщения договора без открытия подписки
func (m *Manager) History(ctx context.Context, contractID int64) ([]models.ChatMessage, error) {
	if err := m.checkAccess(ctx, contractID); err != nil {
		return nil, err
	}
	return m.list(ctx, contractID)
}
