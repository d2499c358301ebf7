package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/egor/planmovil/config"
	"github.com/egor/planmovil/gateway"
	"github.com/egor/planmovil/gateway/memory"
	"github.com/egor/planmovil/gateway/postgres"
	"github.com/egor/planmovil/gateway/supabase"
	"github.com/egor/planmovil/handlers"
	"github.com/egor/planmovil/logging"
	"github.com/egor/planmovil/middleware"
	"github.com/egor/planmovil/session"
	"github.com/egor/planmovil/websocket"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Ошибка конфигурации: %v\n", err)
		os.Exit(2)
	}
	log := logging.New(cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Инициализация backend gateway
	gw, err := openGateway(ctx, cfg, log)
	if err != nil {
		log.WithError(err).Fatal("Ошибка подключения к backend")
	}
	defer gw.Close()

	// Инициализация WebSocket хаба
	hub := websocket.NewHub(log)
	go hub.Run()
	defer hub.Stop()

	reg := session.NewRegistry(gateway.Instrument(gw), hub, log)
	if err := reg.Start(ctx); err != nil {
		log.WithError(err).Fatal("Ошибка загрузки каталога")
	}
	defer reg.Close()
	// истекшие и отозванные сессии закрываются и без запросов клиента
	go reg.Run(ctx, cfg.SessionCheckInterval)

	if log.IsLevelEnabled(logrus.DebugLevel) {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.Logger(log))

	// Настройка CORS для взаимодействия с фронтендом
	corsCfg := cors.Config{
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if cfg.AllowAllOrigins {
		// с AllowCredentials "*" недопустим, поэтому отражаем Origin
		corsCfg.AllowOriginFunc = func(string) bool { return true }
	} else {
		corsCfg.AllowOrigins = cfg.AllowedOrigins()
	}
	r.Use(cors.New(corsCfg))

	if cfg.Gateway == config.GatewayPostgres {
		r.Static(postgres.PublicPrefix, cfg.Postgres.StorageDir)
	}

	h := handlers.New(reg, hub, handlers.Options{
		AllowedOrigins:  cfg.AllowedOrigins(),
		AllowAllOrigins: cfg.AllowAllOrigins,
	}, log)
	h.Routes(r)

	srv := &http.Server{
		Addr:              cfg.ListenAddr(),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.WithFields(logrus.Fields{"addr": srv.Addr, "gateway": cfg.Gateway}).Info("Сервер запущен")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("Ошибка запуска сервера")
		}
	}()

	<-ctx.Done()
	log.Info("Остановка сервера")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("Сервер остановлен с ошибкой")
	}
}

// openGateway создаёт backend по GATEWAY
func openGateway(ctx context.Context, cfg *config.Config, log logrus.FieldLogger) (gateway.Gateway, error) {
	switch cfg.Gateway {
	case config.GatewaySupabase:
		c, err := supabase.New(supabase.Config{
			URL:            cfg.Supabase.URL,
			AnonKey:        cfg.Supabase.AnonKey,
			ServiceRoleKey: cfg.Supabase.ServiceRoleKey,
			Timeout:        cfg.Supabase.Timeout,
			Logger:         log,
		})
		if err != nil {
			return nil, err
		}
		return c, nil
	case config.GatewayPostgres:
		base := cfg.Postgres.PublicBaseURL
		if base == "" {
			base = "http://localhost:" + cfg.Port
		}
		g, err := postgres.Open(ctx, postgres.Config{
			DSN:           cfg.Postgres.DSN(),
			JWTSecret:     []byte(cfg.Postgres.JWTSecret),
			TokenTTL:      cfg.Postgres.TokenTTL,
			StorageDir:    cfg.Postgres.StorageDir,
			PublicBaseURL: base,
			Logger:        log,
		})
		if err != nil {
			return nil, err
		}
		if err := g.Migrate(ctx); err != nil {
			g.Close()
			return nil, err
		}
		return g, nil
	case config.GatewayMemory:
		log.Warn("GATEWAY=memory: данные живут только в памяти процесса")
		return memory.New("http://localhost:" + cfg.Port), nil
	}
	return nil, fmt.Errorf("неизвестный GATEWAY %q", cfg.Gateway)
}
