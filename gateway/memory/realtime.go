package memory

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/egor/planmovil/gateway"
)

type channel struct {
	s       *store
	id      int
	name    string
	filter  gateway.ChangeFilter
	handler gateway.Handler
}

func (c *channel) Name() string { return c.name }

func (c *channel) Unsubscribe() error {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	delete(c.s.channels, c.id)
	return nil
}

func (g *Gateway) Subscribe(ctx context.Context, name string, f gateway.ChangeFilter, h gateway.Handler) (gateway.Channel, error) {
	if _, err := gateway.ParseFilter(f.Filter); err != nil {
		return nil, err
	}
	s := g.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.hit("subscribe", f.Table); err != nil {
		return nil, err
	}
	s.chSeq++
	ch := &channel{s: s, id: s.chSeq, name: name, filter: f, handler: h}
	s.channels[ch.id] = ch
	return ch, nil
}

// ActiveChannels - имена открытых подписок (по одному на подписку)
func (g *Gateway) ActiveChannels() []string {
	g.s.mu.Lock()
	defer g.s.mu.Unlock()
	names := make([]string, 0, len(g.s.channels))
	for _, ch := range g.s.channels {
		names = append(names, ch.name)
	}
	sort.Strings(names)
	return names
}

// event вызывается под блокировкой
func (s *store) event(typ, table string, rec, old map[string]interface{}) gateway.ChangeEvent {
	ev := gateway.ChangeEvent{Type: typ, Table: table, CommitTimestamp: time.Now().UTC()}
	if rec != nil {
		ev.Record, _ = json.Marshal(rec)
	}
	if old != nil {
		ev.OldRecord, _ = json.Marshal(old)
	}
	return ev
}

// emit доставляет событие асинхронно, как это делает настоящий realtime
func (s *store) emit(ev gateway.ChangeEvent) {
	s.mu.Lock()
	var targets []gateway.Handler
	for _, ch := range s.channels {
		if ch.filter.Accepts(ev) {
			targets = append(targets, ch.handler)
		}
	}
	s.mu.Unlock()

	for _, h := range targets {
		go h(ev)
	}
}
