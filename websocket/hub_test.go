package websocket

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newHub(t *testing.T) *Hub {
	t.Helper()
	logger, _ := test.NewNullLogger()
	h := NewHub(logger)
	go h.Run()
	t.Cleanup(h.Stop)
	return h
}

func receive(t *testing.T, c *Client) WebSocketMessage {
	t.Helper()
	select {
	case raw := <-c.send:
		var m WebSocketMessage
		require.NoError(t, json.Unmarshal(raw, &m))
		return m
	case <-time.After(time.Second):
		t.Fatal("сообщение не пришло")
	}
	return WebSocketMessage{}
}

func waitDone(t *testing.T, c *Client) {
	t.Helper()
	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatal("клиент не отключен")
	}
}

func TestPublishToTargetsSession(t *testing.T) {
	h := newHub(t)
	a1 := NewClient(h, nil, "tok-a", "u1")
	a2 := NewClient(h, nil, "tok-a", "u1")
	b := NewClient(h, nil, "tok-b", "u2")
	h.Register(a1)
	h.Register(a2)
	h.Register(b)

	h.PublishTo("tok-a", TypePlans, []int{1, 2})

	for _, c := range []*Client{a1, a2} {
		m := receive(t, c)
		assert.Equal(t, TypePlans, m.Type)
		assert.JSONEq(t, `[1,2]`, string(m.Payload))
	}
	h.Broadcast(TypeProfile, nil)
	assert.Equal(t, TypeProfile, receive(t, b).Type)
}

func TestUnregisterStopsQueue(t *testing.T) {
	h := newHub(t)
	c := NewClient(h, nil, "tok", "u1")
	h.Register(c)
	h.Unregister(c)

	waitDone(t, c)
	assert.False(t, c.SendJSON(TypePlans, nil))
}

func TestSendRacingDropIsSafe(t *testing.T) {
	h := newHub(t)
	c := NewClient(h, nil, "tok", "u1")
	h.Register(c)

	stop := make(chan struct{})
	sent := make(chan struct{})
	go func() {
		defer close(sent)
		for {
			select {
			case <-stop:
				return
			default:
				c.SendJSON(TypePlans, 1)
				c.SendError("fallo", "")
			}
		}
	}()
	go func() {
		// читатель, чтобы очередь не переполнялась
		for {
			select {
			case <-c.send:
			case <-stop:
				return
			}
		}
	}()

	h.Unregister(c)
	waitDone(t, c)
	close(stop)
	<-sent
	assert.False(t, c.SendJSON(TypePlans, 1))
}

func TestSlowClientDropped(t *testing.T) {
	h := newHub(t)
	c := NewClient(h, nil, "tok", "u1")
	// очередь без буфера: неблокирующая доставка всегда упирается в "переполнение"
	c.send = make(chan []byte)
	h.Register(c)

	h.PublishTo("tok", TypePlans, 1)

	waitDone(t, c)
	assert.False(t, c.SendJSON(TypePlans, 1))
}

func TestDisconnectSendsReasonAndDrops(t *testing.T) {
	h := newHub(t)
	a1 := NewClient(h, nil, "tok-a", "u1")
	a2 := NewClient(h, nil, "tok-a", "u1")
	b := NewClient(h, nil, "tok-b", "u2")
	h.Register(a1)
	h.Register(a2)
	h.Register(b)

	h.Disconnect("tok-a", "sesión expirada")

	for _, c := range []*Client{a1, a2} {
		waitDone(t, c)
		m := receive(t, c)
		assert.Equal(t, TypeError, m.Type)
		assert.JSONEq(t, `{"error":"sesión expirada"}`, string(m.Payload))
	}
	select {
	case <-b.Done():
		t.Fatal("чужая сессия отключена")
	default:
	}
	h.PublishTo("tok-b", TypePlans, 1)
	assert.Equal(t, TypePlans, receive(t, b).Type)
}

func TestErrorMessageCarriesDraft(t *testing.T) {
	raw, err := NewErrorMessage("sin permisos", "hola")
	require.NoError(t, err)
	var m WebSocketMessage
	require.NoError(t, json.Unmarshal(raw, &m))
	assert.Equal(t, TypeError, m.Type)
	assert.JSONEq(t, `{"error":"sin permisos","draft":"hola"}`, string(m.Payload))
}
