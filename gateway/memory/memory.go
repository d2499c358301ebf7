// Package memory - backend gateway в памяти процесса. Используется в тестах
// и в режиме GATEWAY=memory. Умеет считать вызовы и подставлять ошибки.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/egor/planmovil/gateway"
)

const timeLayout = "2006-01-02T15:04:05.000000Z07:00"

type user struct {
	id       string
	email    string
	password string
}

type store struct {
	mu sync.Mutex

	tables  map[string][]map[string]interface{}
	seq     map[string]int64
	users   map[string]*user // email -> user
	tokens  map[string]string
	objects map[string][]byte

	channels map[int]*channel
	chSeq    int

	calls    map[string]int
	failures map[string][]error

	last time.Time
}

// Gateway - представление хранилища, привязанное (или нет) к токену
type Gateway struct {
	s       *store
	token   string
	baseURL string
}

var _ gateway.Gateway = (*Gateway)(nil)

// New создает пустой backend. baseURL нужен только для публичных URL объектов.
func New(baseURL string) *Gateway {
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	return &Gateway{
		baseURL: strings.TrimRight(baseURL, "/"),
		s: &store{
			tables:   make(map[string][]map[string]interface{}),
			seq:      make(map[string]int64),
			users:    make(map[string]*user),
			tokens:   make(map[string]string),
			objects:  make(map[string][]byte),
			channels: make(map[int]*channel),
			calls:    make(map[string]int),
			failures: make(map[string][]error),
		},
	}
}

func (g *Gateway) WithToken(token string) gateway.Gateway {
	return &Gateway{s: g.s, token: token, baseURL: g.baseURL}
}

// Token возвращает токен, к которому привязано представление
func (g *Gateway) Token() string { return g.token }

func (g *Gateway) Close() error { return nil }

// ─────────────────────────────── учёт вызовов

func key(op, table string) string { return op + ":" + table }

// FailNext заставляет следующий вызов op над table вернуть err.
// op: select, insert, update, delete, signup, signin, signout, get_user,
// delete_user, subscribe, upload, remove. Для auth table = "auth".
func (g *Gateway) FailNext(op, table string, err error) {
	g.s.mu.Lock()
	defer g.s.mu.Unlock()
	k := key(op, table)
	g.s.failures[k] = append(g.s.failures[k], err)
}

// Calls - сколько раз вызывался op над table
func (g *Gateway) Calls(op, table string) int {
	g.s.mu.Lock()
	defer g.s.mu.Unlock()
	return g.s.calls[key(op, table)]
}

// TotalCalls - общее число вызовов backend'а
func (g *Gateway) TotalCalls() int {
	g.s.mu.Lock()
	defer g.s.mu.Unlock()
	n := 0
	for _, c := range g.s.calls {
		n += c
	}
	return n
}

// hit вызывается под блокировкой
func (s *store) hit(op, table string) error {
	k := key(op, table)
	s.calls[k]++
	if q := s.failures[k]; len(q) > 0 {
		err := q[0]
		s.failures[k] = q[1:]
		return err
	}
	return nil
}

// now возвращает строго возрастающее время, чтобы сортировка по created_at была однозначной
func (s *store) now() string {
	t := time.Now().UTC().Truncate(time.Microsecond)
	if !t.After(s.last) {
		t = s.last.Add(time.Microsecond)
	}
	s.last = t
	return t.Format(timeLayout)
}

// ─────────────────────────────── auth

func (g *Gateway) SignUp(ctx context.Context, email, password string) (*gateway.Session, error) {
	s := g.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.hit("signup", "auth"); err != nil {
		return nil, err
	}
	email = strings.ToLower(strings.TrimSpace(email))
	if _, ok := s.users[email]; ok {
		return nil, &gateway.Error{Code: "user_already_exists", Message: "User already registered", StatusCode: 422}
	}
	u := &user{id: uuid.NewString(), email: email, password: password}
	s.users[email] = u
	return s.issue(u), nil
}

func (g *Gateway) SignInWithPassword(ctx context.Context, email, password string) (*gateway.Session, error) {
	s := g.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.hit("signin", "auth"); err != nil {
		return nil, err
	}
	u, ok := s.users[strings.ToLower(strings.TrimSpace(email))]
	if !ok || u.password != password {
		return nil, &gateway.Error{Code: "invalid_credentials", Message: "Invalid login credentials", StatusCode: 400}
	}
	return s.issue(u), nil
}

func (s *store) issue(u *user) *gateway.Session {
	token := uuid.NewString()
	s.tokens[token] = u.id
	return &gateway.Session{
		AccessToken: token,
		ExpiresAt:   time.Now().Add(time.Hour).Unix(),
		User:        gateway.User{ID: u.id, Email: u.email},
	}
}

func (g *Gateway) SignOut(ctx context.Context, token string) error {
	s := g.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.hit("signout", "auth"); err != nil {
		return err
	}
	delete(s.tokens, token)
	return nil
}

func (g *Gateway) GetUser(ctx context.Context, token string) (*gateway.User, error) {
	s := g.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.hit("get_user", "auth"); err != nil {
		return nil, err
	}
	id, ok := s.tokens[token]
	if !ok {
		return nil, &gateway.Error{Code: "bad_jwt", Message: "invalid JWT", StatusCode: 401}
	}
	for _, u := range s.users {
		if u.id == id {
			return &gateway.User{ID: u.id, Email: u.email}, nil
		}
	}
	return nil, &gateway.Error{Code: "user_not_found", Message: "User not found", StatusCode: 404}
}

func (g *Gateway) DeleteUser(ctx context.Context, userID string) error {
	s := g.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.hit("delete_user", "auth"); err != nil {
		return err
	}
	for email, u := range s.users {
		if u.id == userID {
			delete(s.users, email)
		}
	}
	for tok, id := range s.tokens {
		if id == userID {
			delete(s.tokens, tok)
		}
	}
	return nil
}

// HasUser - есть ли пользователь с таким id (для проверки компенсации)
func (g *Gateway) HasUser(userID string) bool {
	g.s.mu.Lock()
	defer g.s.mu.Unlock()
	for _, u := range g.s.users {
		if u.id == userID {
			return true
		}
	}
	return false
}

// ─────────────────────────────── rows

func (g *Gateway) Select(ctx context.Context, table string, q gateway.Query) ([]byte, error) {
	s := g.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.hit("select", table); err != nil {
		return nil, err
	}

	var out []map[string]interface{}
	for _, row := range s.tables[table] {
		if matchAll(row, q.Filters) {
			out = append(out, row)
		}
	}
	if len(q.Order) > 0 {
		sort.SliceStable(out, func(i, j int) bool {
			for _, o := range q.Order {
				c := compare(out[i][o.Column], out[j][o.Column])
				if c == 0 {
					continue
				}
				if o.Desc {
					return c > 0
				}
				return c < 0
			}
			return false
		})
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return marshalRows(out)
}

func (g *Gateway) Insert(ctx context.Context, table string, row interface{}) ([]byte, error) {
	s := g.s
	s.mu.Lock()
	if err := s.hit("insert", table); err != nil {
		s.mu.Unlock()
		return nil, err
	}

	rec, err := toRow(row)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.applyDefaults(table, rec)
	if err := s.checkUnique(table, rec, nil); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.tables[table] = append(s.tables[table], rec)
	ev := s.event(gateway.EventInsert, table, rec, nil)
	s.mu.Unlock()

	s.emit(ev)
	return marshalRows([]map[string]interface{}{rec})
}

func (g *Gateway) Update(ctx context.Context, table string, filters []gateway.Filter, patch interface{}) ([]byte, error) {
	s := g.s
	s.mu.Lock()
	if err := s.hit("update", table); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	changes, err := toRow(patch)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}

	var (
		updated []map[string]interface{}
		events  []gateway.ChangeEvent
	)
	rows := s.tables[table]
	for i, row := range rows {
		if !matchAll(row, filters) {
			continue
		}
		next := make(map[string]interface{}, len(row))
		for k, v := range row {
			next[k] = v
		}
		for k, v := range changes {
			next[k] = v
		}
		if err := s.checkUnique(table, next, row); err != nil {
			s.mu.Unlock()
			return nil, err
		}
		rows[i] = next
		updated = append(updated, next)
		events = append(events, s.event(gateway.EventUpdate, table, next, row))
	}
	s.mu.Unlock()

	for _, ev := range events {
		s.emit(ev)
	}
	return marshalRows(updated)
}

func (g *Gateway) Delete(ctx context.Context, table string, filters []gateway.Filter) error {
	s := g.s
	s.mu.Lock()
	if err := s.hit("delete", table); err != nil {
		s.mu.Unlock()
		return err
	}
	var (
		kept   []map[string]interface{}
		events []gateway.ChangeEvent
	)
	for _, row := range s.tables[table] {
		if matchAll(row, filters) {
			events = append(events, s.event(gateway.EventDelete, table, nil, row))
			continue
		}
		kept = append(kept, row)
	}
	s.tables[table] = kept
	s.mu.Unlock()

	for _, ev := range events {
		s.emit(ev)
	}
	return nil
}

func (s *store) applyDefaults(table string, rec map[string]interface{}) {
	setDefault := func(k string, v interface{}) {
		if cur, ok := rec[k]; !ok || cur == nil {
			rec[k] = v
		}
	}
	if table == gateway.TableProfiles {
		setDefault("id", uuid.NewString())
	} else if _, ok := rec["id"]; !ok {
		s.seq[table]++
		rec["id"] = json.Number(fmt.Sprint(s.seq[table]))
	}
	switch table {
	case gateway.TablePlans:
		setDefault("activo", true)
		setDefault("created_at", s.now())
	case gateway.TableContracts:
		setDefault("estado", "pendiente")
		setDefault("fecha", s.now())
	case gateway.TableMessages:
		setDefault("leido", false)
		setDefault("created_at", s.now())
	default:
		setDefault("created_at", s.now())
	}
}

// checkUnique повторяет ограничения схемы Postgres:
// один профиль на пользователя и один активный договор на потребителя
func (s *store) checkUnique(table string, rec, self map[string]interface{}) error {
	dup := func(detail string) error {
		return &gateway.Error{
			Code:       gateway.CodeUniqueViolation,
			Message:    "duplicate key value violates unique constraint",
			Details:    detail,
			StatusCode: 409,
		}
	}
	for _, other := range s.tables[table] {
		if sameRow(other, self) {
			continue
		}
		switch table {
		case gateway.TableProfiles:
			if gateway.FormatValue(other["user_id"]) == gateway.FormatValue(rec["user_id"]) {
				return dup("Key (user_id) already exists.")
			}
		case gateway.TableContracts:
			if isActive(rec) && isActive(other) &&
				gateway.FormatValue(other["usuario_id"]) == gateway.FormatValue(rec["usuario_id"]) {
				return dup("Key (usuario_id) already has an active contract.")
			}
		}
	}
	return nil
}

func sameRow(a, b map[string]interface{}) bool {
	if b == nil {
		return false
	}
	return gateway.FormatValue(a["id"]) == gateway.FormatValue(b["id"])
}

func isActive(row map[string]interface{}) bool {
	st := gateway.FormatValue(row["estado"])
	return st == "pendiente" || st == "aceptado"
}

func matchAll(row map[string]interface{}, filters []gateway.Filter) bool {
	for _, f := range filters {
		if !f.Match(row) {
			return false
		}
	}
	return true
}

func compare(a, b interface{}) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	}
	if an, ok := a.(json.Number); ok {
		if bn, ok := b.(json.Number); ok {
			af, _ := an.Float64()
			bf, _ := bn.Float64()
			switch {
			case af < bf:
				return -1
			case af > bf:
				return 1
			}
			return 0
		}
	}
	if ab, ok := a.(bool); ok {
		if bb, ok := b.(bool); ok {
			switch {
			case ab == bb:
				return 0
			case !ab:
				return -1
			}
			return 1
		}
	}
	return strings.Compare(gateway.FormatValue(a), gateway.FormatValue(b))
}

func toRow(v interface{}) (map[string]interface{}, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode row: %w", err)
	}
	row, err := gateway.DecodeRow(raw)
	if err != nil {
		return nil, &gateway.Error{Code: "PGRST102", Message: "row must be a JSON object", StatusCode: 400}
	}
	return row, nil
}

func marshalRows(rows []map[string]interface{}) ([]byte, error) {
	if rows == nil {
		rows = []map[string]interface{}{}
	}
	return json.Marshal(rows)
}
