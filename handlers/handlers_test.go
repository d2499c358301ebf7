package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	gorilla "github.com/gorilla/websocket"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/egor/planmovil/catalog"
	"github.com/egor/planmovil/chat"
	"github.com/egor/planmovil/gateway"
	"github.com/egor/planmovil/gateway/memory"
	"github.com/egor/planmovil/models"
	"github.com/egor/planmovil/session"
	"github.com/egor/planmovil/websocket"
)

type env struct {
	t  *testing.T
	gw *memory.Gateway
	r  *gin.Engine
	h  *Handlers
}

type response struct {
	Success  bool            `json:"success"`
	Data     json.RawMessage `json:"data"`
	Error    string          `json:"error"`
	Redirect string          `json:"redirect"`
	Draft    string          `json:"draft"`
}

func newEnv(t *testing.T) *env {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger, _ := test.NewNullLogger()

	gw := memory.New("")
	hub := websocket.NewHub(logger)
	go hub.Run()
	t.Cleanup(hub.Stop)

	reg := session.NewRegistry(gw, hub, logger)
	require.NoError(t, reg.Start(context.Background()))
	t.Cleanup(reg.Close)

	h := New(reg, hub, Options{AllowedOrigins: []string{"http://localhost:8100"}}, logger)
	r := gin.New()
	h.Routes(r)
	return &env{t: t, gw: gw, r: r, h: h}
}

func (e *env) do(method, path, token string, body interface{}) (int, response) {
	e.t.Helper()
	var rd *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(e.t, err)
		rd = bytes.NewReader(raw)
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	return e.serve(req, token)
}

func (e *env) serve(req *http.Request, token string) (int, response) {
	e.t.Helper()
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	e.r.ServeHTTP(w, req)

	var res response
	if w.Body.Len() > 0 {
		require.NoError(e.t, json.Unmarshal(w.Body.Bytes(), &res), w.Body.String())
	}
	return w.Code, res
}

func (e *env) register(email string) (token, userID string) {
	e.t.Helper()
	code, res := e.do(http.MethodPost, "/api/auth/register", "", models.RegisterInput{
		Email: email, Password: "secreto1", Nombre: "Ana",
	})
	require.Equal(e.t, http.StatusCreated, code, res.Error)
	var auth authResponse
	require.NoError(e.t, json.Unmarshal(res.Data, &auth))
	require.NotEmpty(e.t, auth.Token)
	require.NotNil(e.t, auth.Profile)
	return auth.Token, auth.Profile.UserID
}

// advisor регистрирует пользователя и повышает его до асесора напрямую в backend'е
func (e *env) advisor(email string) string {
	e.t.Helper()
	token, uid := e.register(email)
	_, err := e.gw.Update(context.Background(), gateway.TableProfiles,
		[]gateway.Filter{gateway.Eq("user_id", uid)},
		map[string]interface{}{"rol": models.RoleAdvisor})
	require.NoError(e.t, err)
	assert.Eventually(e.t, func() bool {
		_, res := e.do(http.MethodGet, "/api/profile", token, nil)
		var p models.Profile
		return json.Unmarshal(res.Data, &p) == nil && p.Rol == models.RoleAdvisor
	}, time.Second, 5*time.Millisecond)
	return token
}

func (e *env) createPlan(token, name string) models.Plan {
	e.t.Helper()
	code, res := e.do(http.MethodPost, "/api/advisor/plans", token, models.PlanInput{
		Nombre: name, Precio: 15, Segmento: "Postpago", PublicoObjetivo: "General",
		Datos: "10 GB", Minutos: "300", SMS: "100", Velocidad: "4G", RedesSociales: "Incluidas",
	})
	require.Equal(e.t, http.StatusCreated, code, res.Error)
	var p models.Plan
	require.NoError(e.t, json.Unmarshal(res.Data, &p))
	return p
}

func TestRegisterAndProfile(t *testing.T) {
	e := newEnv(t)
	token, _ := e.register("ana@example.com")

	code, res := e.do(http.MethodGet, "/api/profile", token, nil)
	require.Equal(t, http.StatusOK, code)
	var p models.Profile
	require.NoError(t, json.Unmarshal(res.Data, &p))
	assert.Equal(t, "Ana", p.Nombre)
	assert.Equal(t, models.RoleConsumer, p.Rol)

	phone := "5551234567"
	code, res = e.do(http.MethodPut, "/api/profile", token, models.ProfilePatch{Telefono: &phone})
	require.Equal(t, http.StatusOK, code, res.Error)
	require.NoError(t, json.Unmarshal(res.Data, &p))
	require.NotNil(t, p.Telefono)
	assert.Equal(t, phone, *p.Telefono)
}

func TestRegisterValidation(t *testing.T) {
	e := newEnv(t)
	code, res := e.do(http.MethodPost, "/api/auth/register", "", models.RegisterInput{
		Email: "no-es-email", Password: "123", Nombre: "A",
	})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.False(t, res.Success)
}

func TestLoginAndLogout(t *testing.T) {
	e := newEnv(t)
	e.register("ana@example.com")

	code, _ := e.do(http.MethodPost, "/api/auth/login", "", gin.H{"email": "ana@example.com", "password": "mal"})
	assert.Equal(t, http.StatusBadRequest, code)

	code, res := e.do(http.MethodPost, "/api/auth/login", "", gin.H{"email": "ana@example.com", "password": "secreto1"})
	require.Equal(t, http.StatusOK, code, res.Error)
	assert.Equal(t, "/tabs", res.Redirect)
	var auth authResponse
	require.NoError(t, json.Unmarshal(res.Data, &auth))

	code, res = e.do(http.MethodPost, "/api/auth/logout", auth.Token, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "/login", res.Redirect)

	code, res = e.do(http.MethodGet, "/api/profile", auth.Token, nil)
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Equal(t, "/login", res.Redirect)
}

func TestRouteGuards(t *testing.T) {
	e := newEnv(t)

	code, res := e.do(http.MethodGet, "/api/contracts/mine", "", nil)
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Equal(t, "/login", res.Redirect)

	token, _ := e.register("ana@example.com")
	code, res = e.do(http.MethodGet, "/api/advisor/contracts", token, nil)
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, "/tabs", res.Redirect)

	staff := e.advisor("asesor@example.com")
	code, _ = e.do(http.MethodGet, "/api/contracts/mine", staff, nil)
	assert.Equal(t, http.StatusForbidden, code)
	code, _ = e.do(http.MethodGet, "/api/advisor/contracts", staff, nil)
	assert.Equal(t, http.StatusOK, code)
}

func TestPublicCatalog(t *testing.T) {
	e := newEnv(t)
	staff := e.advisor("asesor@example.com")
	p := e.createPlan(staff, "Plan Joven")

	assert.Eventually(t, func() bool {
		_, res := e.do(http.MethodGet, "/api/plans", "", nil)
		var plans []models.Plan
		return json.Unmarshal(res.Data, &plans) == nil && len(plans) == 1 && plans[0].ID == p.ID
	}, time.Second, 5*time.Millisecond)

	code, _ := e.do(http.MethodGet, fmt.Sprintf("/api/plans/%d", p.ID), "", nil)
	assert.Equal(t, http.StatusOK, code)
	code, _ = e.do(http.MethodGet, "/api/plans/999", "", nil)
	assert.Equal(t, http.StatusNotFound, code)
	code, _ = e.do(http.MethodGet, "/api/plans/abc", "", nil)
	assert.Equal(t, http.StatusBadRequest, code)

	// снятый с витрины план пропадает из публичного списка
	code, _ = e.do(http.MethodPatch, fmt.Sprintf("/api/advisor/plans/%d/active", p.ID), staff, gin.H{"activo": false})
	require.Equal(t, http.StatusOK, code)
	assert.Eventually(t, func() bool {
		_, res := e.do(http.MethodGet, "/api/plans", "", nil)
		return string(res.Data) == "[]"
	}, time.Second, 5*time.Millisecond)
}

func TestContractLifecycle(t *testing.T) {
	e := newEnv(t)
	staff := e.advisor("asesor@example.com")
	p := e.createPlan(staff, "Plan Joven")
	token, _ := e.register("luis@example.com")

	code, res := e.do(http.MethodPost, "/api/contracts", token, gin.H{"plan_id": p.ID})
	require.Equal(t, http.StatusCreated, code, res.Error)
	var c models.Contract
	require.NoError(t, json.Unmarshal(res.Data, &c))
	assert.Equal(t, models.StatusPending, c.Estado)

	// второй активный договор запрещён
	code, _ = e.do(http.MethodPost, "/api/contracts", token, gin.H{"plan_id": p.ID})
	assert.Equal(t, http.StatusConflict, code)

	code, res = e.do(http.MethodGet, fmt.Sprintf("/api/plans/%d/contracted", p.ID), token, nil)
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"contracted":true}`, string(res.Data))

	code, res = e.do(http.MethodGet, "/api/contracts/active", token, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(res.Data), `"active":true`)

	// потребитель не может принять свой договор
	path := fmt.Sprintf("/api/contracts/%d/transition", c.ID)
	code, res = e.do(http.MethodPost, path, token, gin.H{"estado": models.StatusAccepted})
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, "/tabs", res.Redirect)

	code, res = e.do(http.MethodPost, fmt.Sprintf("/api/advisor/contracts/%d/status", c.ID), staff, gin.H{"estado": models.StatusAccepted})
	require.Equal(t, http.StatusOK, code, res.Error)

	notes := "llamar el lunes"
	code, res = e.do(http.MethodPut, fmt.Sprintf("/api/advisor/contracts/%d/notes", c.ID), staff, gin.H{"notas": notes})
	require.Equal(t, http.StatusOK, code, res.Error)
	require.NoError(t, json.Unmarshal(res.Data, &c))
	require.NotNil(t, c.Notas)
	assert.Equal(t, notes, *c.Notas)

	code, _ = e.do(http.MethodPost, fmt.Sprintf("/api/advisor/contracts/%d/status", c.ID), staff, gin.H{"estado": models.StatusAccepted})
	assert.Equal(t, http.StatusConflict, code)

	code, res = e.do(http.MethodPost, fmt.Sprintf("/api/contracts/%d/cancel", c.ID), token, nil)
	require.Equal(t, http.StatusOK, code, res.Error)
	require.NoError(t, json.Unmarshal(res.Data, &c))
	assert.Equal(t, models.StatusCancelled, c.Estado)

	code, res = e.do(http.MethodGet, "/api/advisor/contracts?estado=cancelado", staff, nil)
	require.Equal(t, http.StatusOK, code)
	var list []models.Contract
	require.NoError(t, json.Unmarshal(res.Data, &list))
	assert.Len(t, list, 1)

	code, _ = e.do(http.MethodGet, "/api/advisor/contracts?estado=desconocido", staff, nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestContractOnInactivePlan(t *testing.T) {
	e := newEnv(t)
	staff := e.advisor("asesor@example.com")
	p := e.createPlan(staff, "Plan Joven")
	code, _ := e.do(http.MethodPatch, fmt.Sprintf("/api/advisor/plans/%d/active", p.ID), staff, gin.H{"activo": false})
	require.Equal(t, http.StatusOK, code)

	token, _ := e.register("luis@example.com")
	code, _ = e.do(http.MethodPost, "/api/contracts", token, gin.H{"plan_id": p.ID})
	assert.Equal(t, http.StatusUnprocessableEntity, code)
}

func TestChatRoutes(t *testing.T) {
	e := newEnv(t)
	staff := e.advisor("asesor@example.com")
	p := e.createPlan(staff, "Plan Joven")
	token, _ := e.register("luis@example.com")

	code, res := e.do(http.MethodPost, "/api/contracts", token, gin.H{"plan_id": p.ID})
	require.Equal(t, http.StatusCreated, code, res.Error)
	var c models.Contract
	require.NoError(t, json.Unmarshal(res.Data, &c))
	chatPath := fmt.Sprintf("/api/chat/%d", c.ID)

	code, _ = e.do(http.MethodPost, chatPath+"/messages", token, gin.H{"mensaje": "   "})
	assert.Equal(t, http.StatusOK, code)
	assert.Zero(t, e.gw.Calls("insert", gateway.TableMessages))

	code, res = e.do(http.MethodPost, chatPath+"/messages", token, gin.H{"mensaje": "hola"})
	require.Equal(t, http.StatusCreated, code, res.Error)

	code, res = e.do(http.MethodGet, chatPath+"/unread", staff, nil)
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"unread":1}`, string(res.Data))

	code, res = e.do(http.MethodGet, chatPath+"/messages", staff, nil)
	require.Equal(t, http.StatusOK, code)
	var msgs []models.ChatMessage
	require.NoError(t, json.Unmarshal(res.Data, &msgs))
	require.Len(t, msgs, 1)
	assert.Equal(t, "hola", msgs[0].Mensaje)

	code, _ = e.do(http.MethodPost, chatPath+"/read", staff, nil)
	require.Equal(t, http.StatusOK, code)
	_, res = e.do(http.MethodGet, chatPath+"/unread", staff, nil)
	assert.JSONEq(t, `{"unread":0}`, string(res.Data))

	code, _ = e.do(http.MethodDelete, "/api/chat", staff, nil)
	assert.Equal(t, http.StatusOK, code)

	// чужой чат: текст возвращается черновиком
	other, _ := e.register("eva@example.com")
	code, res = e.do(http.MethodPost, chatPath+"/messages", other, gin.H{"mensaje": "hola"})
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, "hola", res.Draft)
}

func TestUploadPlanImage(t *testing.T) {
	e := newEnv(t)
	staff := e.advisor("asesor@example.com")
	p := e.createPlan(staff, "Plan Joven")

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("imagen", "foto.png")
	require.NoError(t, err)
	_, err = fw.Write([]byte("png-bytes"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, fmt.Sprintf("/api/advisor/plans/%d/image", p.ID), &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	code, res := e.serve(req, staff)
	require.Equal(t, http.StatusOK, code, res.Error)

	var updated models.Plan
	require.NoError(t, json.Unmarshal(res.Data, &updated))
	require.NotNil(t, updated.ImagenURL)
	assert.Contains(t, *updated.ImagenURL, catalog.ImageBucket+"/planes/")
	assert.Equal(t, 1, e.gw.Objects(catalog.ImageBucket))

	code, res = e.do(http.MethodDelete, "/api/advisor/plans/image", staff, gin.H{"url": *updated.ImagenURL})
	require.Equal(t, http.StatusOK, code, res.Error)
	assert.Zero(t, e.gw.Objects(catalog.ImageBucket))
}

func TestChangeUserRole(t *testing.T) {
	e := newEnv(t)
	staff := e.advisor("asesor@example.com")
	token, uid := e.register("luis@example.com")

	code, _ := e.do(http.MethodPut, "/api/advisor/profiles/"+uid+"/role", staff, gin.H{"rol": "superusuario"})
	assert.Equal(t, http.StatusBadRequest, code)

	code, res := e.do(http.MethodPut, "/api/advisor/profiles/"+uid+"/role", staff, gin.H{"rol": models.RoleAdvisor})
	require.Equal(t, http.StatusOK, code, res.Error)
	assert.Eventually(t, func() bool {
		code, _ := e.do(http.MethodGet, "/api/advisor/contracts", token, nil)
		return code == http.StatusOK
	}, time.Second, 5*time.Millisecond)
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err      error
		status   int
		redirect string
	}{
		{fmt.Errorf("%w: x", models.ErrValidation), http.StatusBadRequest, ""},
		{models.ErrNotAuthenticated, http.StatusUnauthorized, "/login"},
		{models.ErrForbidden, http.StatusForbidden, "/tabs"},
		{models.ErrTransitionForbidden, http.StatusForbidden, "/tabs"},
		{models.ErrNotFound, http.StatusNotFound, ""},
		{models.ErrActiveContract, http.StatusConflict, ""},
		{models.ErrConflict, http.StatusConflict, ""},
		{models.ErrInvalidTransition, http.StatusConflict, ""},
		{models.ErrPlanInactive, http.StatusUnprocessableEntity, ""},
		{&chat.DraftError{Draft: "x", Err: models.ErrNotFound}, http.StatusNotFound, ""},
		{&gateway.Error{Code: "PGRST102", StatusCode: 400}, http.StatusBadRequest, ""},
		{errors.New("connection reset"), http.StatusBadGateway, ""},
	}
	for _, tc := range cases {
		status, redirect := statusFor(tc.err)
		assert.Equal(t, tc.status, status, tc.err.Error())
		assert.Equal(t, tc.redirect, redirect, tc.err.Error())
	}
}

func TestCheckOrigin(t *testing.T) {
	e := newEnv(t)
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	req.Header.Set("Origin", "http://localhost:8100")
	assert.True(t, e.h.checkOrigin(req))

	req.Header.Set("Origin", "https://evil.example")
	assert.False(t, e.h.checkOrigin(req))

	e.h.allowAllOrigins = true
	assert.True(t, e.h.checkOrigin(req))

	req = httptest.NewRequest(http.MethodGet, "/ws", nil)
	req.Host = "localhost:8080"
	assert.True(t, e.h.checkOrigin(req))
	req.Host = "api.example.com"
	assert.False(t, e.h.checkOrigin(req))
}

func TestWebsocketRequiresSession(t *testing.T) {
	e := newEnv(t)
	code, res := e.do(http.MethodGet, "/ws?token=desconocido", "", nil)
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.True(t, strings.HasPrefix(res.Redirect, "/login"))
}

func TestWebsocketPushesSnapshots(t *testing.T) {
	e := newEnv(t)
	staff := e.advisor("asesor@example.com")
	p := e.createPlan(staff, "Plan Joven")
	token, _ := e.register("luis@example.com")
	code, res := e.do(http.MethodPost, "/api/contracts", token, gin.H{"plan_id": p.ID})
	require.Equal(t, http.StatusCreated, code, res.Error)
	var c models.Contract
	require.NoError(t, json.Unmarshal(res.Data, &c))

	srv := httptest.NewServer(e.r)
	t.Cleanup(srv.Close)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?token=" + token
	conn, _, err := gorilla.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	next := func(want string) websocket.WebSocketMessage {
		t.Helper()
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		for {
			var m websocket.WebSocketMessage
			require.NoError(t, conn.ReadJSON(&m))
			if m.Type == want {
				return m
			}
		}
	}

	next(websocket.TypeProfile)
	m := next(websocket.TypeContracts)
	assert.Contains(t, string(m.Payload), `"estado":"pendiente"`)

	require.NoError(t, conn.WriteJSON(websocket.ClientMessage{Type: websocket.TypeOpenChat, ContractID: c.ID}))
	next(websocket.TypeMessages)
	require.NoError(t, conn.WriteJSON(websocket.ClientMessage{Type: websocket.TypeSendMessage, ContractID: c.ID, Body: "hola"}))
	// первый снимок может прийти до вставки
	for m := next(websocket.TypeMessages); !strings.Contains(string(m.Payload), `"mensaje":"hola"`); {
		m = next(websocket.TypeMessages)
	}

	require.NoError(t, conn.WriteJSON(websocket.ClientMessage{Type: websocket.TypeSendMessage, ContractID: 999, Body: "perdido"}))
	m = next(websocket.TypeError)
	assert.Contains(t, string(m.Payload), `"draft":"perdido"`)
}

func TestWebsocketClosedOnLogout(t *testing.T) {
	e := newEnv(t)
	token, _ := e.register("luis@example.com")

	srv := httptest.NewServer(e.r)
	t.Cleanup(srv.Close)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?token=" + token
	conn, _, err := gorilla.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var m websocket.WebSocketMessage
	require.NoError(t, conn.ReadJSON(&m))

	code, _ := e.do(http.MethodPost, "/api/auth/logout", token, nil)
	require.Equal(t, http.StatusOK, code)

	var reason string
	for {
		var m websocket.WebSocketMessage
		if err := conn.ReadJSON(&m); err != nil {
			assert.True(t, gorilla.IsCloseError(err, gorilla.CloseNormalClosure, gorilla.CloseNoStatusReceived),
				"ожидалось закрытие, получено %v", err)
			break
		}
		if m.Type == websocket.TypeError {
			reason = string(m.Payload)
		}
	}
	assert.Contains(t, reason, "sesión cerrada")

	code, _ = e.do(http.MethodGet, "/api/profile", token, nil)
	assert.Equal(t, http.StatusUnauthorized, code)
}
