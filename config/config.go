// Package config собирает настройки сервера из .env, окружения и флагов.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"github.com/egor/planmovil/gateway/postgres"
)

// Варианты GATEWAY
const (
	GatewaySupabase = "supabase"
	GatewayPostgres = "postgres"
	GatewayMemory   = "memory"
)

type Supabase struct {
	URL            string        `env:"SUPABASE_URL"`
	AnonKey        string        `env:"SUPABASE_ANON_KEY"`
	ServiceRoleKey string        `env:"SUPABASE_SERVICE_ROLE_KEY"`
	Timeout        time.Duration `env:"SUPABASE_TIMEOUT,default=10s"`
}

type Postgres struct {
	Host     string `env:"PG_HOST,default=localhost"`
	Port     string `env:"PG_PORT,default=5432"`
	User     string `env:"PG_USER,default=postgres"`
	Password string `env:"PG_PASSWORD"`
	Database string `env:"PG_DATABASE,default=planmovil"`
	SSLMode  string `env:"PG_SSL_MODE,default=disable"`

	JWTSecret     string        `env:"JWT_SECRET_KEY"`
	TokenTTL      time.Duration `env:"TOKEN_TTL,default=24h"`
	StorageDir    string        `env:"STORAGE_DIR,default=./storage"`
	PublicBaseURL string        `env:"PUBLIC_BASE_URL"`
}

// DSN для database/sql и LISTEN
func (p Postgres) DSN() string {
	return postgres.BuildDSN(p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode)
}

// Config - все настройки процесса
type Config struct {
	Port    string `env:"PORT,default=8080"`
	Gateway string `env:"GATEWAY,default=supabase"`

	Supabase Supabase
	Postgres Postgres

	FrontendURL              string `env:"FRONTEND_URL,default=http://localhost:8100"`
	AdditionalAllowedOrigins string `env:"ADDITIONAL_ALLOWED_ORIGINS"`
	AllowAllOrigins          bool   `env:"ALLOW_ALL_ORIGINS,default=false"`

	// SessionCheckInterval - период фоновой проверки открытых сессий
	SessionCheckInterval time.Duration `env:"SESSION_CHECK_INTERVAL,default=1m"`

	LogLevel  string `env:"LOG_LEVEL,default=info"`
	LogFormat string `env:"LOG_FORMAT,default=text"`

	// Addr задаётся только флагом --addr; пустой означает ":"+Port
	Addr string
}

// ListenAddr - адрес для http.Server
func (c *Config) ListenAddr() string {
	if c.Addr != "" {
		return c.Addr
	}
	return ":" + c.Port
}

// AllowedOrigins - FRONTEND_URL плюс ADDITIONAL_ALLOWED_ORIGINS через запятую
func (c *Config) AllowedOrigins() []string {
	var out []string
	if c.FrontendURL != "" {
		out = append(out, c.FrontendURL)
	}
	for _, o := range strings.Split(c.AdditionalAllowedOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}

// Load разбирает флаги, подгружает env-файл и декодирует окружение.
// Флаги имеют приоритет над окружением.
func Load(args []string) (*Config, error) {
	fs := pflag.NewFlagSet("planmovil", pflag.ContinueOnError)
	envFile := fs.String("env-file", ".env", "путь к .env (отсутствие файла не ошибка)")
	gw := fs.String("gateway", "", "backend gateway: supabase, postgres или memory")
	addr := fs.String("addr", "", "адрес HTTP-сервера (по умолчанию :$PORT)")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if err := godotenv.Load(*envFile); err != nil {
		// .env необязателен, но явно указанный файл должен существовать
		if fs.Changed("env-file") || !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", *envFile, err)
		}
	}

	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode environment: %w", err)
	}
	if fs.Changed("gateway") {
		cfg.Gateway = *gw
	}
	if fs.Changed("addr") {
		cfg.Addr = *addr
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate проверяет, что выбранный gateway полностью настроен
func (c *Config) Validate() error {
	switch c.Gateway {
	case GatewaySupabase:
		if c.Supabase.URL == "" || c.Supabase.AnonKey == "" {
			return errors.New("GATEWAY=supabase требует SUPABASE_URL и SUPABASE_ANON_KEY")
		}
	case GatewayPostgres:
		if c.Postgres.JWTSecret == "" {
			return errors.New("GATEWAY=postgres требует JWT_SECRET_KEY")
		}
	case GatewayMemory:
	default:
		return fmt.Errorf("неизвестный GATEWAY %q", c.Gateway)
	}
	return nil
}
