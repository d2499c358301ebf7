package gateway

import (
	"context"
	"time"

	"github.com/egor/planmovil/metrics"
)

// Instrument оборачивает gateway счётчиками вызовов Prometheus
func Instrument(g Gateway) Gateway {
	if _, ok := g.(*instrumented); ok {
		return g
	}
	return &instrumented{next: g}
}

type instrumented struct {
	next Gateway
}

func observe(op, table string, start time.Time, err error) {
	metrics.ObserveGatewayCall(op, table, err, time.Since(start))
}

func (g *instrumented) SignUp(ctx context.Context, email, password string) (*Session, error) {
	start := time.Now()
	s, err := g.next.SignUp(ctx, email, password)
	observe("signup", "auth", start, err)
	return s, err
}

func (g *instrumented) SignInWithPassword(ctx context.Context, email, password string) (*Session, error) {
	start := time.Now()
	s, err := g.next.SignInWithPassword(ctx, email, password)
	observe("signin", "auth", start, err)
	return s, err
}

func (g *instrumented) SignOut(ctx context.Context, token string) error {
	start := time.Now()
	err := g.next.SignOut(ctx, token)
	observe("signout", "auth", start, err)
	return err
}

func (g *instrumented) GetUser(ctx context.Context, token string) (*User, error) {
	start := time.Now()
	u, err := g.next.GetUser(ctx, token)
	observe("get_user", "auth", start, err)
	return u, err
}

func (g *instrumented) DeleteUser(ctx context.Context, userID string) error {
	start := time.Now()
	err := g.next.DeleteUser(ctx, userID)
	observe("delete_user", "auth", start, err)
	return err
}

func (g *instrumented) Select(ctx context.Context, table string, q Query) ([]byte, error) {
	start := time.Now()
	b, err := g.next.Select(ctx, table, q)
	observe("select", table, start, err)
	return b, err
}

func (g *instrumented) Insert(ctx context.Context, table string, row interface{}) ([]byte, error) {
	start := time.Now()
	b, err := g.next.Insert(ctx, table, row)
	observe("insert", table, start, err)
	return b, err
}

func (g *instrumented) Update(ctx context.Context, table string, filters []Filter, patch interface{}) ([]byte, error) {
	start := time.Now()
	b, err := g.next.Update(ctx, table, filters, patch)
	observe("update", table, start, err)
	return b, err
}

func (g *instrumented) Delete(ctx context.Context, table string, filters []Filter) error {
	start := time.Now()
	err := g.next.Delete(ctx, table, filters)
	observe("delete", table, start, err)
	return err
}

func (g *instrumented) Subscribe(ctx context.Context, name string, f ChangeFilter, h Handler) (Channel, error) {
	start := time.Now()
	ch, err := g.next.Subscribe(ctx, name, f, h)
	observe("subscribe", f.Table, start, err)
	return ch, err
}

func (g *instrumented) Upload(ctx context.Context, bucket, path string, data []byte, opts UploadOptions) error {
	start := time.Now()
	err := g.next.Upload(ctx, bucket, path, data, opts)
	observe("upload", bucket, start, err)
	return err
}

func (g *instrumented) PublicURL(bucket, path string) string {
	return g.next.PublicURL(bucket, path)
}

func (g *instrumented) Remove(ctx context.Context, bucket string, paths ...string) error {
	start := time.Now()
	err := g.next.Remove(ctx, bucket, paths...)
	observe("remove", bucket, start, err)
	return err
}

func (g *instrumented) WithToken(token string) Gateway {
	return &instrumented{next: g.next.WithToken(token)}
}

func (g *instrumented) Close() error { return g.next.Close() }
