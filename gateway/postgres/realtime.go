package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/sirupsen/logrus"

	"github.com/egor/planmovil/gateway"
)

// listener держит одно выделенное соединение pgx с LISTEN и раздаёт
// уведомления подпискам
type listener struct {
	dsn string
	log logrus.FieldLogger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	subs    map[int]*pgChannel
	seq     int
	started bool
}

type pgChannel struct {
	l       *listener
	id      int
	name    string
	filter  gateway.ChangeFilter
	handler gateway.Handler
}

func (c *pgChannel) Name() string { return c.name }

func (c *pgChannel) Unsubscribe() error {
	c.l.mu.Lock()
	defer c.l.mu.Unlock()
	delete(c.l.subs, c.id)
	return nil
}

func newListener(dsn string, log logrus.FieldLogger) *listener {
	ctx, cancel := context.WithCancel(context.Background())
	return &listener{
		dsn:    dsn,
		log:    log.WithField("subsystem", "listen"),
		ctx:    ctx,
		cancel: cancel,
		subs:   make(map[int]*pgChannel),
	}
}

func (g *Gateway) Subscribe(ctx context.Context, name string, f gateway.ChangeFilter, h gateway.Handler) (gateway.Channel, error) {
	if err := checkTable(f.Table); err != nil {
		return nil, err
	}
	if _, err := gateway.ParseFilter(f.Filter); err != nil {
		return nil, err
	}
	return g.l.subscribe(name, f, h), nil
}

func (l *listener) subscribe(name string, f gateway.ChangeFilter, h gateway.Handler) *pgChannel {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.seq++
	ch := &pgChannel{l: l, id: l.seq, name: name, filter: f, handler: h}
	l.subs[ch.id] = ch

	// без DSN (тесты на sqlmock) уведомления приходят только через dispatch
	if !l.started && l.dsn != "" {
		l.started = true
		go l.run()
	}
	return ch
}

// run слушает канал до закрытия gateway, переподключаясь с экспоненциальной задержкой
func (l *listener) run() {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 0

	err := backoff.RetryNotify(func() error {
		err := l.listenOnce()
		if l.ctx.Err() != nil {
			return backoff.Permanent(l.ctx.Err())
		}
		return err
	}, backoff.WithContext(b, l.ctx), func(err error, next time.Duration) {
		l.log.WithError(err).WithField("retry_in", next).Warn("LISTEN прерван, переподключаемся")
	})
	if err != nil && l.ctx.Err() == nil {
		l.log.WithError(err).Error("LISTEN остановлен")
	}
}

func (l *listener) listenOnce() error {
	conn, err := pgx.Connect(l.ctx, l.dsn)
	if err != nil {
		return fmt.Errorf("listen connect: %w", err)
	}
	defer conn.Close(context.Background())

	if _, err := conn.Exec(l.ctx, "LISTEN "+notifyChannel); err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	l.log.Debug("LISTEN активен")

	for {
		n, err := conn.WaitForNotification(l.ctx)
		if err != nil {
			return fmt.Errorf("wait for notification: %w", err)
		}
		l.dispatch(n.Payload)
	}
}

// dispatch разбирает payload триггера planmovil_notify и вызывает подходящие обработчики
func (l *listener) dispatch(payload string) {
	var ev gateway.ChangeEvent
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		l.log.WithError(err).Warn("некорректное уведомление")
		return
	}
	if string(ev.Record) == "null" {
		ev.Record = nil
	}
	if string(ev.OldRecord) == "null" {
		ev.OldRecord = nil
	}

	l.mu.Lock()
	var targets []gateway.Handler
	for _, ch := range l.subs {
		if ch.filter.Accepts(ev) {
			targets = append(targets, ch.handler)
		}
	}
	l.mu.Unlock()

	for _, h := range targets {
		go h(ev)
	}
}

func (l *listener) close() {
	l.cancel()
	l.mu.Lock()
	l.subs = make(map[int]*pgChannel)
	l.mu.Unlock()
}
