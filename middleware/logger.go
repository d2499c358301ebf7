package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/egor/planmovil/metrics"
)

// Logger создаёт middleware для логирования HTTP запросов
func Logger(log logrus.FieldLogger) gin.HandlerFunc {
	log = log.WithField("component", "http")
	return func(c *gin.Context) {
		startTime := time.Now()
		done := metrics.InFlight()

		c.Next()

		done()
		latency := time.Since(startTime)
		status := c.Writer.Status()

		// шаблон маршрута, чтобы id не раздували метки
		metrics.ObserveHTTP(c.Request.Method, c.FullPath(), status, latency)

		entry := log.WithFields(logrus.Fields{
			"status":    status,
			"latency":   latency,
			"client_ip": c.ClientIP(),
			"method":    c.Request.Method,
			"uri":       c.Request.RequestURI,
		})
		if len(c.Errors) > 0 {
			entry = entry.WithField("errors", c.Errors.String())
		}
		switch {
		case status >= 500:
			entry.Error("запрос")
		case status >= 400:
			entry.Warn("запрос")
		default:
			entry.Info("запрос")
		}
	}
}
