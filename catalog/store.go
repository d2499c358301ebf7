// Package catalog - каталог тарифных планов с кешем, который
// перезагружается по realtime-событиям planes_moviles.
package catalog

import (
	"context"
	"fmt"
	"mime"
	"net/url"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/egor/planmovil/gateway"
	"github.com/egor/planmovil/identity"
	"github.com/egor/planmovil/metrics"
	"github.com/egor/planmovil/models"
	"github.com/egor/planmovil/observable"
)

const (
	// ImageBucket - бакет с картинками планов
	ImageBucket = "planes-imagenes"
	imageDir    = "planes"
	channelName = "planes_moviles_changes"
)

// Store кеширует активные планы (новые первыми)
type Store struct {
	gw  gateway.Gateway
	who identity.Principal
	log logrus.FieldLogger
	now func() time.Time

	mu sync.Mutex
	ch gateway.Channel

	plans *observable.Value[[]models.Plan]
}

func New(gw gateway.Gateway, who identity.Principal, log logrus.FieldLogger) *Store {
	return &Store{
		gw:    gw,
		who:   who,
		log:   log.WithField("component", "catalog"),
		now:   time.Now,
		plans: observable.New[[]models.Plan](nil),
	}
}

// Plans - опубликованный список активных планов
func (s *Store) Plans() observable.Reader[[]models.Plan] { return s.plans }

// Start подписывается на изменения таблицы и загружает кеш
func (s *Store) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.ch == nil {
		ch, err := s.gw.Subscribe(ctx, channelName, gateway.ChangeFilter{
			Event: gateway.EventAll,
			Table: gateway.TablePlans,
		}, s.onChange)
		if err != nil {
			s.mu.Unlock()
			return fmt.Errorf("subscribe plans: %w", err)
		}
		s.ch = ch
	}
	s.mu.Unlock()

	_, err := s.Reload(ctx)
	return err
}

func (s *Store) onChange(ev gateway.ChangeEvent) {
	if _, err := s.Reload(context.Background()); err != nil {
		s.log.WithError(err).WithField("event", ev.Type).Warn("перезагрузка каталога")
	}
}

// Close снимает подписку
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ch != nil {
		if err := s.ch.Unsubscribe(); err != nil {
			s.log.WithError(err).Warn("отписка от каталога")
		}
		s.ch = nil
	}
}

// Reload перечитывает активные планы и публикует их
func (s *Store) Reload(ctx context.Context) ([]models.Plan, error) {
	plans, err := s.ListActive(ctx)
	metrics.RecordReload("catalog", err)
	if err != nil {
		return nil, err
	}
	s.plans.Set(plans)
	return plans, nil
}

// ListActive - активные планы, новые первыми
func (s *Store) ListActive(ctx context.Context) ([]models.Plan, error) {
	var plans []models.Plan
	q := gateway.Query{}.Where(gateway.Eq("activo", true)).OrderBy("created_at", true)
	if err := gateway.SelectInto(ctx, s.gw, gateway.TablePlans, q, &plans); err != nil {
		return nil, fmt.Errorf("list active plans: %w", err)
	}
	return plans, nil
}

// ListAll - все планы по убыванию id; неактивные только по запросу
func (s *Store) ListAll(ctx context.Context, includeInactive bool) ([]models.Plan, error) {
	q := gateway.Query{}.OrderBy("id", true)
	if !includeInactive {
		q = q.Where(gateway.Eq("activo", true))
	}
	var plans []models.Plan
	if err := gateway.SelectInto(ctx, s.gw, gateway.TablePlans, q, &plans); err != nil {
		return nil, fmt.Errorf("list plans: %w", err)
	}
	return plans, nil
}

func (s *Store) Get(ctx context.Context, id int64) (*models.Plan, error) {
	var plans []models.Plan
	q := gateway.Query{}.Where(gateway.Eq("id", id)).Take(1)
	if err := gateway.SelectInto(ctx, s.gw, gateway.TablePlans, q, &plans); err != nil {
		return nil, fmt.Errorf("get plan %d: %w", id, err)
	}
	if len(plans) == 0 {
		return nil, models.ErrNotFound
	}
	return &plans[0], nil
}

func (s *Store) requireAdvisor() error {
	if !s.who.IsAuthenticated() {
		return models.ErrNotAuthenticated
	}
	if s.who.CurrentRole() != models.RoleAdvisor {
		return models.ErrForbidden
	}
	return nil
}

// Create добавляет план. created_by по умолчанию - текущий асесор.
func (s *Store) Create(ctx context.Context, in models.PlanInput) (*models.Plan, error) {
	if err := s.requireAdvisor(); err != nil {
		return nil, err
	}
	in.Nombre = strings.TrimSpace(in.Nombre)
	if err := models.Validate(in); err != nil {
		return nil, err
	}
	if in.CreatedBy == nil {
		uid := s.who.UserID()
		in.CreatedBy = &uid
	}

	var created []models.Plan
	if err := gateway.InsertInto(ctx, s.gw, gateway.TablePlans, in, &created); err != nil {
		return nil, fmt.Errorf("create plan: %w", err)
	}
	if len(created) == 0 {
		return nil, fmt.Errorf("create plan: backend returned no row")
	}
	p := created[0]
	s.log.WithField("plan_id", p.ID).Info("план создан")

	if p.Activo {
		s.plans.Update(func(cur []models.Plan) []models.Plan {
			return append([]models.Plan{p}, cur...)
		})
	}
	return &p, nil
}

// Update применяет частичное изменение
func (s *Store) Update(ctx context.Context, id int64, patch models.PlanPatch) (*models.Plan, error) {
	if err := s.requireAdvisor(); err != nil {
		return nil, err
	}
	if patch.Empty() {
		return nil, fmt.Errorf("%w: no hay cambios", models.ErrValidation)
	}
	if err := models.Validate(patch); err != nil {
		return nil, err
	}

	var updated []models.Plan
	if err := gateway.UpdateInto(ctx, s.gw, gateway.TablePlans,
		[]gateway.Filter{gateway.Eq("id", id)}, patch, &updated); err != nil {
		return nil, fmt.Errorf("update plan %d: %w", id, err)
	}
	if len(updated) == 0 {
		return nil, models.ErrNotFound
	}

	s.plans.Update(func(cur []models.Plan) []models.Plan {
		return withPlan(cur, updated[0])
	})
	return &updated[0], nil
}

// withPlan заменяет план в витрине по id. Неактивный план убирается,
// вновь активированный встает на место по created_at, новые первыми.
func withPlan(cur []models.Plan, p models.Plan) []models.Plan {
	out := make([]models.Plan, 0, len(cur)+1)
	for _, x := range cur {
		if x.ID != p.ID {
			out = append(out, x)
		}
	}
	if !p.Activo {
		return out
	}
	i := sort.Search(len(out), func(i int) bool {
		return !out[i].CreatedAt.After(p.CreatedAt)
	})
	out = append(out, models.Plan{})
	copy(out[i+1:], out[i:])
	out[i] = p
	return out
}

// SetActive включает или снимает план с витрины (мягкое удаление)
func (s *Store) SetActive(ctx context.Context, id int64, active bool) (*models.Plan, error) {
	return s.Update(ctx, id, models.PlanPatch{Activo: &active})
}

// Delete удаляет план навсегда. Договоры с этим планом не проверяются.
func (s *Store) Delete(ctx context.Context, id int64) error {
	if err := s.requireAdvisor(); err != nil {
		return err
	}
	if err := s.gw.Delete(ctx, gateway.TablePlans, []gateway.Filter{gateway.Eq("id", id)}); err != nil {
		return fmt.Errorf("delete plan %d: %w", id, err)
	}
	s.log.WithField("plan_id", id).Info("план удалён")

	s.plans.Update(func(cur []models.Plan) []models.Plan {
		out := make([]models.Plan, 0, len(cur))
		for _, p := range cur {
			if p.ID != id {
				out = append(out, p)
			}
		}
		return out
	})
	return nil
}

// ImagePath - путь объекта planes/<planID>-<unixmillis>.<ext>
func ImagePath(planID int64, filename string, at time.Time) string {
	ext := strings.TrimPrefix(strings.ToLower(path.Ext(filename)), ".")
	if ext == "" {
		ext = "bin"
	}
	return fmt.Sprintf("%s/%d-%d.%s", imageDir, planID, at.UnixMilli(), ext)
}

// UploadImage кладёт картинку в бакет (с перезаписью) и возвращает публичный URL
func (s *Store) UploadImage(ctx context.Context, data []byte, filename string, planID int64) (string, error) {
	if err := s.requireAdvisor(); err != nil {
		return "", err
	}
	if len(data) == 0 {
		return "", fmt.Errorf("%w: imagen vacía", models.ErrValidation)
	}
	p := ImagePath(planID, filename, s.now())
	ct := mime.TypeByExtension(path.Ext(p))
	if ct == "" {
		ct = "application/octet-stream"
	}
	if err := s.gw.Upload(ctx, ImageBucket, p, data, gateway.UploadOptions{Upsert: true, ContentType: ct}); err != nil {
		return "", fmt.Errorf("upload image: %w", err)
	}
	return s.gw.PublicURL(ImageBucket, p), nil
}

// ObjectPath извлекает путь объекта из публичного URL: всё после сегмента бакета
func ObjectPath(imageURL string) (string, error) {
	u, err := url.Parse(imageURL)
	if err != nil {
		return "", fmt.Errorf("%w: url de imagen inválida", models.ErrValidation)
	}
	segs := strings.Split(strings.Trim(u.Path, "/"), "/")
	for i, seg := range segs {
		if seg == ImageBucket && i+1 < len(segs) {
			return strings.Join(segs[i+1:], "/"), nil
		}
	}
	return "", fmt.Errorf("%w: la url no pertenece al bucket %s", models.ErrValidation, ImageBucket)
}

// DeleteImage удаляет объект по публичному URL
func (s *Store) DeleteImage(ctx context.Context, imageURL string) error {
	if err := s.requireAdvisor(); err != nil {
		return err
	}
	p, err := ObjectPath(imageURL)
	if err != nil {
		return err
	}
	if err := s.gw.Remove(ctx, ImageBucket, p); err != nil {
		return fmt.Errorf("delete image: %w", err)
	}
	return nil
}
