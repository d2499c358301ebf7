package supabase

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/egor/planmovil/gateway"
)

const (
	heartbeatPeriod = 30 * time.Second
	rtWriteWait     = 10 * time.Second
)

// phxMessage - кадр протокола Phoenix Channels
type phxMessage struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Ref     *string         `json:"ref"`
	JoinRef *string         `json:"join_ref,omitempty"`
}

type changeData struct {
	Type            string          `json:"type"`
	Table           string          `json:"table"`
	Record          json.RawMessage `json:"record"`
	OldRecord       json.RawMessage `json:"old_record"`
	CommitTimestamp string          `json:"commit_timestamp"`
}

// realtime - одно websocket-соединение на процесс, каналы мультиплексируются по topic
type realtime struct {
	url string
	log logrus.FieldLogger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	conn     *websocket.Conn
	ref      int
	seq      int
	channels map[string]*rtChannel
	closed   bool
}

type rtChannel struct {
	rt      *realtime
	name    string
	topic   string
	filter  gateway.ChangeFilter
	handler gateway.Handler
	token   string
	joinRef string
}

func newRealtime(baseURL, apiKey string, log logrus.FieldLogger) *realtime {
	wsURL := baseURL
	switch {
	case strings.HasPrefix(wsURL, "https://"):
		wsURL = "wss://" + strings.TrimPrefix(wsURL, "https://")
	case strings.HasPrefix(wsURL, "http://"):
		wsURL = "ws://" + strings.TrimPrefix(wsURL, "http://")
	}
	wsURL += "/realtime/v1/websocket?apikey=" + url.QueryEscape(apiKey) + "&vsn=1.0.0"

	ctx, cancel := context.WithCancel(context.Background())
	return &realtime{
		url:      wsURL,
		log:      log.WithField("subsystem", "realtime"),
		ctx:      ctx,
		cancel:   cancel,
		channels: make(map[string]*rtChannel),
	}
}

func (c *Client) Subscribe(ctx context.Context, name string, f gateway.ChangeFilter, h gateway.Handler) (gateway.Channel, error) {
	if f.Table == "" {
		return nil, fmt.Errorf("realtime subscription %q without table", name)
	}
	if _, err := gateway.ParseFilter(f.Filter); err != nil {
		return nil, err
	}
	ch, err := c.rt.subscribe(ctx, name, f, h, c.bearer())
	if err != nil {
		return nil, err
	}
	return ch, nil
}

func (r *realtime) subscribe(ctx context.Context, name string, f gateway.ChangeFilter, h gateway.Handler, token string) (*rtChannel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, fmt.Errorf("realtime client closed")
	}
	if r.conn == nil {
		if err := r.dialLocked(ctx); err != nil {
			return nil, err
		}
	}

	// несколько рабочих пространств могут подписаться на одно имя канала
	r.seq++
	ch := &rtChannel{
		rt:      r,
		name:    name,
		topic:   fmt.Sprintf("realtime:%s-%d", name, r.seq),
		filter:  f,
		handler: h,
		token:   token,
	}
	if err := r.joinLocked(ch); err != nil {
		return nil, err
	}
	r.channels[ch.topic] = ch
	return ch, nil
}

func (ch *rtChannel) Name() string { return ch.name }

func (ch *rtChannel) Unsubscribe() error {
	r := ch.rt
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.channels[ch.topic]; !ok {
		return nil
	}
	delete(r.channels, ch.topic)
	if r.conn == nil {
		return nil
	}
	return r.writeLocked(phxMessage{
		Topic:   ch.topic,
		Event:   "phx_leave",
		Payload: json.RawMessage(`{}`),
		Ref:     r.nextRefLocked(),
		JoinRef: &ch.joinRef,
	})
}

func (r *realtime) nextRefLocked() *string {
	r.ref++
	s := strconv.Itoa(r.ref)
	return &s
}

func (r *realtime) joinLocked(ch *rtChannel) error {
	event := ch.filter.Event
	if event == "" {
		event = gateway.EventAll
	}
	change := map[string]string{
		"event":  event,
		"schema": "public",
		"table":  ch.filter.Table,
	}
	if ch.filter.Filter != "" {
		change["filter"] = ch.filter.Filter
	}
	payload, _ := json.Marshal(map[string]interface{}{
		"config": map[string]interface{}{
			"broadcast":        map[string]bool{"self": false},
			"presence":         map[string]string{"key": ""},
			"postgres_changes": []map[string]string{change},
		},
		"access_token": ch.token,
	})

	ref := r.nextRefLocked()
	ch.joinRef = *ref
	if err := r.writeLocked(phxMessage{Topic: ch.topic, Event: "phx_join", Payload: payload, Ref: ref, JoinRef: ref}); err != nil {
		return fmt.Errorf("join %s: %w", ch.name, err)
	}
	return nil
}

func (r *realtime) writeLocked(msg phxMessage) error {
	if r.conn == nil {
		return fmt.Errorf("realtime not connected")
	}
	_ = r.conn.SetWriteDeadline(time.Now().Add(rtWriteWait))
	return r.conn.WriteJSON(msg)
}

func (r *realtime) dialLocked(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, r.url, nil)
	if err != nil {
		return fmt.Errorf("realtime dial: %w", err)
	}
	r.conn = conn
	stop := make(chan struct{})
	go r.readLoop(conn, stop)
	go r.heartbeat(conn, stop)
	r.log.Debug("realtime подключен")
	return nil
}

func (r *realtime) readLoop(conn *websocket.Conn, stop chan struct{}) {
	defer close(stop)
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			r.mu.Lock()
			lost := !r.closed && r.conn == conn
			if lost {
				r.conn = nil
			}
			r.mu.Unlock()
			conn.Close()
			if lost {
				r.log.WithError(err).Warn("realtime соединение потеряно, переподключаемся")
				go r.reconnect()
			}
			return
		}
		var msg phxMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			r.log.WithError(err).Debug("realtime: некорректный кадр")
			continue
		}
		r.dispatch(msg)
	}
}

func (r *realtime) dispatch(msg phxMessage) {
	switch msg.Event {
	case "postgres_changes":
		var p struct {
			Data changeData `json:"data"`
		}
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			r.log.WithError(err).Warn("realtime: не удалось разобрать postgres_changes")
			return
		}
		r.mu.Lock()
		ch := r.channels[msg.Topic]
		r.mu.Unlock()
		if ch == nil {
			return
		}
		ev := gateway.ChangeEvent{
			Type:      p.Data.Type,
			Table:     p.Data.Table,
			Record:    p.Data.Record,
			OldRecord: p.Data.OldRecord,
		}
		if ts, err := time.Parse(time.RFC3339Nano, p.Data.CommitTimestamp); err == nil {
			ev.CommitTimestamp = ts
		}
		go ch.handler(ev)
	case "phx_reply":
		var p struct {
			Status   string          `json:"status"`
			Response json.RawMessage `json:"response"`
		}
		if err := json.Unmarshal(msg.Payload, &p); err == nil && p.Status != "ok" {
			r.log.WithFields(logrus.Fields{"topic": msg.Topic, "response": string(p.Response)}).
				Warn("realtime: канал отклонён")
		}
	case "phx_error", "phx_close":
		r.log.WithField("topic", msg.Topic).Warn("realtime: ошибка канала")
	}
}

func (r *realtime) heartbeat(conn *websocket.Conn, stop chan struct{}) {
	ticker := time.NewTicker(heartbeatPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.mu.Lock()
			if r.conn == conn {
				err := r.writeLocked(phxMessage{Topic: "phoenix", Event: "heartbeat", Payload: json.RawMessage(`{}`), Ref: r.nextRefLocked()})
				if err != nil {
					r.log.WithError(err).Debug("realtime heartbeat")
				}
			}
			r.mu.Unlock()
		}
	}
}

// reconnect переподключается с экспоненциальной задержкой и заново входит во все каналы
func (r *realtime) reconnect() {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 0

	err := backoff.Retry(func() error {
		r.mu.Lock()
		defer r.mu.Unlock()
		if r.closed {
			return backoff.Permanent(fmt.Errorf("realtime client closed"))
		}
		if r.conn != nil {
			return nil
		}
		ctx, cancel := context.WithTimeout(r.ctx, 10*time.Second)
		defer cancel()
		if err := r.dialLocked(ctx); err != nil {
			r.log.WithError(err).Debug("realtime: повторное подключение не удалось")
			return err
		}
		for _, ch := range r.channels {
			if err := r.joinLocked(ch); err != nil {
				r.log.WithError(err).WithField("channel", ch.name).Warn("realtime: не удалось войти в канал")
			}
		}
		return nil
	}, backoff.WithContext(b, r.ctx))
	if err != nil {
		r.log.WithError(err).Debug("realtime: переподключение остановлено")
		return
	}
	r.log.Info("realtime переподключен")
}

func (r *realtime) close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	r.cancel()
	r.channels = make(map[string]*rtChannel)
	if r.conn == nil {
		return nil
	}
	_ = r.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	err := r.conn.Close()
	r.conn = nil
	return err
}
