// Package postgres - self-hosted backend gateway: строки и auth в PostgreSQL
// (database/sql + pgx), realtime через LISTEN/NOTIFY, объекты на локальном диске.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	// pgx-драйвер в режиме database/sql
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/sirupsen/logrus"

	"github.com/egor/planmovil/gateway"
)

const dbQueryTimeout = 5 * time.Second

// Config - параметры self-hosted backend'а
type Config struct {
	DSN           string
	JWTSecret     []byte
	TokenTTL      time.Duration
	StorageDir    string
	PublicBaseURL string
	Logger        logrus.FieldLogger
}

// Gateway реализует gateway.Gateway поверх PostgreSQL
type Gateway struct {
	db    *sql.DB
	cfg   Config
	log   logrus.FieldLogger
	token string
	view  bool

	l *listener
}

var _ gateway.Gateway = (*Gateway)(nil)

// BuildDSN собирает DSN из параметров PG_*
func BuildDSN(host, port, user, password, dbname, sslmode string) string {
	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		host, port, user, password, dbname, sslmode,
	)
}

// Open открывает пул соединений и проверяет подключение.
func Open(ctx context.Context, cfg Config) (*Gateway, error) {
	db, err := sql.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("sql.Open: %w", err)
	}

	// Параметры пула
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	// Проверяем подключение (тайм-аут 3 с)
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err = db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("db.Ping: %w", err)
	}

	g := New(db, cfg)
	g.log.Info("PostgreSQL подключен")
	return g, nil
}

// New оборачивает уже открытый *sql.DB (в тестах - sqlmock)
func New(db *sql.DB, cfg Config) *Gateway {
	if cfg.TokenTTL == 0 {
		cfg.TokenTTL = 24 * time.Hour
	}
	log := cfg.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	log = log.WithField("component", "postgres")
	return &Gateway{
		db:  db,
		cfg: cfg,
		log: log,
		l:   newListener(cfg.DSN, log),
	}
}

// DB отдает пул (для scripts/initdb)
func (g *Gateway) DB() *sql.DB { return g.db }

func (g *Gateway) WithToken(token string) gateway.Gateway {
	cp := *g
	cp.token = token
	cp.view = true
	return &cp
}

// Close останавливает LISTEN и закрывает пул. У представлений WithToken ничего не делает.
func (g *Gateway) Close() error {
	if g.view {
		return nil
	}
	g.l.close()
	return g.db.Close()
}

// Migrate применяет схему (идемпотентно)
func (g *Gateway) Migrate(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if _, err := g.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}
