// initdb применяет схему self-hosted backend'а и заводит учётную запись асесора.
//
//	go run ./scripts --advisor-email asesor@example.com --advisor-password secreto
package main

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/egor/planmovil/config"
	"github.com/egor/planmovil/gateway/postgres"
	"github.com/egor/planmovil/logging"
	"github.com/egor/planmovil/models"
)

type demoPlan struct {
	nombre, segmento, datos, minutos, velocidad string
	precio                                      float64
}

var demoPlans = []demoPlan{
	{"Plan Básico", "Prepago", "5 GB", "200 min", "4G", 9.99},
	{"Plan Joven", "Postpago", "20 GB", "Ilimitados", "4G+", 19.99},
	{"Plan Empresa", "Empresas", "Ilimitados", "Ilimitados", "5G", 49.99},
}

func main() {
	fs := pflag.NewFlagSet("initdb", pflag.ExitOnError)
	envFile := fs.String("env-file", ".env", "путь к .env")
	email := fs.String("advisor-email", os.Getenv("ADVISOR_EMAIL"), "email асесора")
	password := fs.String("advisor-password", os.Getenv("ADVISOR_PASSWORD"), "пароль асесора")
	name := fs.String("advisor-name", "Asesor Comercial", "имя асесора")
	withPlans := fs.Bool("demo-plans", false, "добавить демонстрационные планы, если каталог пуст")
	_ = fs.Parse(os.Args[1:])

	log := logging.New("info", "text")

	// Загружаем переменные окружения из .env файла
	if err := godotenv.Load(*envFile); err != nil {
		log.Info("Файл .env не найден, используем переменные окружения")
	}
	var pg config.Postgres
	if err := envdecode.Decode(&pg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		log.WithError(err).Fatal("Ошибка чтения окружения")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	g, err := postgres.Open(ctx, postgres.Config{DSN: pg.DSN(), Logger: log})
	if err != nil {
		log.WithError(err).Fatal("Ошибка подключения к базе данных")
	}
	defer g.Close()

	if err := g.Migrate(ctx); err != nil {
		log.WithError(err).Fatal("Ошибка применения схемы")
	}
	log.Info("Схема применена")

	if *email == "" || *password == "" {
		log.Warn("ADVISOR_EMAIL/ADVISOR_PASSWORD не заданы, асесор не создан")
	} else {
		userID, err := g.CreateUser(ctx, *email, *password)
		if err != nil {
			log.WithError(err).Fatal("Ошибка создания асесора")
		}
		_, err = g.DB().ExecContext(ctx, `
			INSERT INTO perfiles (user_id, nombre, rol, email) VALUES ($1, $2, $3, $4)
			ON CONFLICT (user_id) DO UPDATE SET rol = EXCLUDED.rol, nombre = EXCLUDED.nombre`,
			userID, *name, string(models.RoleAdvisor), *email,
		)
		if err != nil {
			log.WithError(err).Fatal("Ошибка создания профиля асесора")
		}
		log.WithField("user_id", userID).Info("Асесор создан")
	}

	if *withPlans {
		seedPlans(ctx, g, log)
	}
}

func seedPlans(ctx context.Context, g *postgres.Gateway, log logrus.FieldLogger) {
	var n int
	if err := g.DB().QueryRowContext(ctx, "SELECT count(*) FROM planes_moviles").Scan(&n); err != nil {
		log.WithError(err).Fatal("Ошибка подсчёта планов")
	}
	if n > 0 {
		log.Info("Каталог не пуст, демонстрационные планы пропущены")
		return
	}
	for _, p := range demoPlans {
		_, err := g.DB().ExecContext(ctx, `
			INSERT INTO planes_moviles (nombre, precio, segmento, publico_objetivo, datos, minutos, sms, velocidad, redes_sociales)
			VALUES ($1, $2, $3, 'General', $4, $5, 'Ilimitados', $6, 'Incluidas')`,
			p.nombre, p.precio, p.segmento, p.datos, p.minutos, p.velocidad,
		)
		if err != nil {
			log.WithError(err).WithField("plan", p.nombre).Fatal("Ошибка создания плана")
		}
	}
	log.Info("Демонстрационные планы добавлены")
}
