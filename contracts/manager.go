// Package contracts управляет жизненным циклом договоров (contrataciones):
// создание, переходы статусов по таблице models.Transitions и кеш,
// который перезагружается по realtime-событиям.
package contracts

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/egor/planmovil/gateway"
	"github.com/egor/planmovil/identity"
	"github.com/egor/planmovil/metrics"
	"github.com/egor/planmovil/models"
	"github.com/egor/planmovil/observable"
)

const channelName = "contrataciones_changes"

// Manager держит договоры, видимые текущему пользователю:
// свои для потребителя, все для асесора
type Manager struct {
	gw  gateway.Gateway
	who identity.Principal
	log logrus.FieldLogger

	mu sync.Mutex
	ch gateway.Channel

	contracts *observable.Value[[]models.Contract]
}

func New(gw gateway.Gateway, who identity.Principal, log logrus.FieldLogger) *Manager {
	return &Manager{
		gw:        gw,
		who:       who,
		log:       log.WithField("component", "contracts"),
		contracts: observable.New[[]models.Contract](nil),
	}
}

// Contracts - опубликованный список, новые первыми
func (m *Manager) Contracts() observable.Reader[[]models.Contract] { return m.contracts }

// Start подписывается на изменения contrataciones и загружает кеш
func (m *Manager) Start(ctx context.Context) error {
	f := gateway.ChangeFilter{Event: gateway.EventAll, Table: gateway.TableContracts}
	if m.who.CurrentRole() == models.RoleConsumer {
		f.Filter = "usuario_id=eq." + m.who.UserID()
	}

	m.mu.Lock()
	if m.ch == nil {
		ch, err := m.gw.Subscribe(ctx, channelName, f, m.onChange)
		if err != nil {
			m.mu.Unlock()
			return fmt.Errorf("subscribe contracts: %w", err)
		}
		m.ch = ch
	}
	m.mu.Unlock()

	_, err := m.Reload(ctx)
	return err
}

func (m *Manager) onChange(ev gateway.ChangeEvent) {
	if _, err := m.Reload(context.Background()); err != nil {
		m.log.WithError(err).WithField("event", ev.Type).Warn("перезагрузка договоров")
	}
}

func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ch != nil {
		if err := m.ch.Unsubscribe(); err != nil {
			m.log.WithError(err).Warn("отписка от договоров")
		}
		m.ch = nil
	}
}

// Reload перечитывает договоры согласно роли и публикует их
func (m *Manager) Reload(ctx context.Context) ([]models.Contract, error) {
	var (
		list []models.Contract
		err  error
	)
	switch {
	case !m.who.IsAuthenticated():
	case m.who.CurrentRole() == models.RoleAdvisor:
		list, err = m.query(ctx, gateway.Query{})
	default:
		list, err = m.query(ctx, gateway.Query{}.Where(gateway.Eq("usuario_id", m.who.UserID())))
	}
	metrics.RecordReload("contracts", err)
	if err != nil {
		return nil, err
	}
	m.contracts.Set(list)
	return list, nil
}

// query выбирает договоры (новые первыми) и подтягивает планы вторым запросом
func (m *Manager) query(ctx context.Context, q gateway.Query) ([]models.Contract, error) {
	var list []models.Contract
	if err := gateway.SelectInto(ctx, m.gw, gateway.TableContracts, q.OrderBy("fecha", true), &list); err != nil {
		return nil, fmt.Errorf("select contracts: %w", err)
	}
	if err := m.attachPlans(ctx, list); err != nil {
		return nil, err
	}
	return list, nil
}

func (m *Manager) attachPlans(ctx context.Context, list []models.Contract) error {
	if len(list) == 0 {
		return nil
	}
	seen := make(map[int64]bool)
	var ids []interface{}
	for _, c := range list {
		if !seen[c.PlanID] {
			seen[c.PlanID] = true
			ids = append(ids, c.PlanID)
		}
	}
	var plans []models.Plan
	if err := gateway.SelectInto(ctx, m.gw, gateway.TablePlans,
		gateway.Query{}.Where(gateway.In("id", ids...)), &plans); err != nil {
		return fmt.Errorf("select contract plans: %w", err)
	}
	byID := make(map[int64]*models.Plan, len(plans))
	for i := range plans {
		byID[plans[i].ID] = &plans[i]
	}
	// план мог быть удалён: договор остаётся без снимка
	for i := range list {
		list[i].Plan = byID[list[i].PlanID]
	}
	return nil
}

func (m *Manager) requireRole(role models.Role) error {
	if !m.who.IsAuthenticated() {
		return models.ErrNotAuthenticated
	}
	if m.who.CurrentRole() != role {
		return models.ErrForbidden
	}
	return nil
}

// Create оформляет договор текущего потребителя на активный план
func (m *Manager) Create(ctx context.Context, planID int64, notes *string) (*models.Contract, error) {
	if err := m.requireRole(models.RoleConsumer); err != nil {
		return nil, err
	}

	var plans []models.Plan
	if err := gateway.SelectInto(ctx, m.gw, gateway.TablePlans,
		gateway.Query{}.Where(gateway.Eq("id", planID)).Take(1), &plans); err != nil {
		return nil, fmt.Errorf("get plan %d: %w", planID, err)
	}
	if len(plans) == 0 {
		return nil, models.ErrNotFound
	}
	if !plans[0].Activo {
		return nil, models.ErrPlanInactive
	}

	// предварительная проверка; гонку закрывает уникальный индекс
	active, _, err := m.HasActiveContract(ctx)
	if err != nil {
		return nil, err
	}
	if active {
		return nil, models.ErrActiveContract
	}

	row := models.ContractRow{
		UsuarioID: m.who.UserID(),
		PlanID:    planID,
		Estado:    models.StatusPending,
		Notas:     notes,
	}
	var created []models.Contract
	if err := gateway.InsertInto(ctx, m.gw, gateway.TableContracts, row, &created); err != nil {
		if gateway.IsUniqueViolation(err) {
			return nil, models.ErrActiveContract
		}
		return nil, fmt.Errorf("create contract: %w", err)
	}
	if len(created) == 0 {
		return nil, fmt.Errorf("create contract: backend returned no row")
	}
	c := created[0]
	c.Plan = &plans[0]
	m.log.WithFields(logrus.Fields{"contract_id": c.ID, "plan_id": planID, "user_id": row.UsuarioID}).
		Info("договор создан")

	m.contracts.Update(func(cur []models.Contract) []models.Contract {
		return append([]models.Contract{c}, cur...)
	})
	return &c, nil
}

// ListMine - договоры текущего пользователя, новые первыми
func (m *Manager) ListMine(ctx context.Context) ([]models.Contract, error) {
	if !m.who.IsAuthenticated() {
		return nil, models.ErrNotAuthenticated
	}
	return m.query(ctx, gateway.Query{}.Where(gateway.Eq("usuario_id", m.who.UserID())))
}

// ListAll - все договоры (асесор), опционально с фильтром по статусу
func (m *Manager) ListAll(ctx context.Context, status *models.ContractStatus) ([]models.Contract, error) {
	if err := m.requireRole(models.RoleAdvisor); err != nil {
		return nil, err
	}
	q := gateway.Query{}
	if status != nil {
		if !status.Valid() {
			return nil, fmt.Errorf("%w: estado %q", models.ErrValidation, *status)
		}
		q = q.Where(gateway.Eq("estado", *status))
	}
	return m.query(ctx, q)
}

// Get возвращает договор владельцу или асесору
func (m *Manager) Get(ctx context.Context, id int64) (*models.Contract, error) {
	if !m.who.IsAuthenticated() {
		return nil, models.ErrNotAuthenticated
	}
	list, err := m.query(ctx, gateway.Query{}.Where(gateway.Eq("id", id)).Take(1))
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, models.ErrNotFound
	}
	c := list[0]
	if c.UsuarioID != m.who.UserID() && m.who.CurrentRole() != models.RoleAdvisor {
		return nil, models.ErrForbidden
	}
	return &c, nil
}

// Transition переводит договор в статус to. Запись идёт с условием на
// прежний статус: если его успели изменить, возвращается ErrConflict.
func (m *Manager) Transition(ctx context.Context, id int64, to models.ContractStatus) (*models.Contract, error) {
	if !to.Valid() {
		return nil, fmt.Errorf("%w: estado %q", models.ErrValidation, to)
	}
	cur, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	isOwner := cur.UsuarioID == m.who.UserID()
	if err := models.CheckTransition(cur.Estado, to, m.who.CurrentRole(), isOwner); err != nil {
		return nil, err
	}

	var updated []models.Contract
	if err := gateway.UpdateInto(ctx, m.gw, gateway.TableContracts,
		[]gateway.Filter{gateway.Eq("id", id), gateway.Eq("estado", cur.Estado)},
		map[string]interface{}{"estado": to}, &updated); err != nil {
		return nil, fmt.Errorf("update contract %d: %w", id, err)
	}
	if len(updated) == 0 {
		return nil, models.ErrConflict
	}
	c := updated[0]
	c.Plan = cur.Plan
	m.log.WithFields(logrus.Fields{"contract_id": id, "from": cur.Estado, "to": to}).Info("статус договора изменён")

	m.replace(c)
	return &c, nil
}

// Cancel - отмена договора владельцем
func (m *Manager) Cancel(ctx context.Context, id int64) (*models.Contract, error) {
	return m.Transition(ctx, id, models.StatusCancelled)
}

// HasActiveContract ищет последний договор потребителя в статусе pendiente/aceptado
func (m *Manager) HasActiveContract(ctx context.Context) (bool, *models.Contract, error) {
	if !m.who.IsAuthenticated() {
		return false, nil, nil
	}
	list, err := m.query(ctx, gateway.Query{}.
		Where(
			gateway.Eq("usuario_id", m.who.UserID()),
			gateway.In("estado", models.StatusPending, models.StatusAccepted),
		).
		Take(1))
	if err != nil {
		return false, nil, err
	}
	if len(list) == 0 {
		return false, nil, nil
	}
	return true, &list[0], nil
}

// AlreadyContracted - есть ли у потребителя активный договор на этот план
func (m *Manager) AlreadyContracted(ctx context.Context, planID int64) (bool, error) {
	if !m.who.IsAuthenticated() {
		return false, nil
	}
	var rows []struct {
		ID int64 `json:"id"`
	}
	err := gateway.SelectInto(ctx, m.gw, gateway.TableContracts, gateway.Query{}.
		Where(
			gateway.Eq("usuario_id", m.who.UserID()),
			gateway.Eq("plan_id", planID),
			gateway.In("estado", models.StatusPending, models.StatusAccepted),
		).
		Take(1), &rows)
	if err != nil {
		return false, fmt.Errorf("check contracted plan: %w", err)
	}
	return len(rows) > 0, nil
}

// UpdateNotes меняет только notas. nil очищает заметку.
func (m *Manager) UpdateNotes(ctx context.Context, id int64, notes *string) (*models.Contract, error) {
	cur, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	var updated []models.Contract
	if err := gateway.UpdateInto(ctx, m.gw, gateway.TableContracts,
		[]gateway.Filter{gateway.Eq("id", id)},
		map[string]interface{}{"notas": notes}, &updated); err != nil {
		return nil, fmt.Errorf("update contract notes %d: %w", id, err)
	}
	if len(updated) == 0 {
		return nil, models.ErrNotFound
	}
	c := updated[0]
	c.Plan = cur.Plan
	m.replace(c)
	return &c, nil
}

func (m *Manager) replace(c models.Contract) {
	m.contracts.Update(func(cur []models.Contract) []models.Contract {
		out := make([]models.Contract, len(cur))
		for i, x := range cur {
			if x.ID == c.ID {
				x = c
			}
			out[i] = x
		}
		return out
	})
}
