package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry - собственный реестр коллекторов приложения
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "planmovil",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "planmovil",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "planmovil",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10),
		},
		[]string{"method", "path"},
	)

	gatewayCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "planmovil",
			Subsystem: "gateway",
			Name:      "calls_total",
			Help:      "Backend gateway calls by operation, table and outcome.",
		},
		[]string{"op", "table", "outcome"},
	)

	gatewayDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "planmovil",
			Subsystem: "gateway",
			Name:      "call_duration_seconds",
			Help:      "Duration of backend gateway calls.",
			Buckets:   prometheus.ExponentialBuckets(0.002, 2, 12),
		},
		[]string{"op"},
	)

	realtimeReloads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "planmovil",
			Subsystem: "realtime",
			Name:      "reloads_total",
			Help:      "Cache reloads triggered by realtime change events.",
		},
		[]string{"manager", "outcome"},
	)

	wsClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "planmovil",
			Subsystem: "websocket",
			Name:      "clients",
			Help:      "Connected websocket clients.",
		},
	)

	workspaces = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "planmovil",
			Subsystem: "session",
			Name:      "workspaces",
			Help:      "Open per-user workspaces.",
		},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		gatewayCalls,
		gatewayDuration,
		realtimeReloads,
		wsClients,
		workspaces,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler отдает метрики в формате Prometheus
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// ObserveHTTP записывает один обработанный запрос. path - шаблон маршрута gin.
func ObserveHTTP(method, path string, status int, d time.Duration) {
	if path == "" {
		path = "unmatched"
	}
	httpRequests.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpDuration.WithLabelValues(method, path).Observe(d.Seconds())
}

// InFlight увеличивает счётчик активных запросов и возвращает функцию завершения
func InFlight() func() {
	httpInFlight.Inc()
	return httpInFlight.Dec
}

// ObserveGatewayCall записывает вызов backend gateway
func ObserveGatewayCall(op, table string, err error, d time.Duration) {
	gatewayCalls.WithLabelValues(op, table, outcome(err)).Inc()
	gatewayDuration.WithLabelValues(op).Observe(d.Seconds())
}

// RecordReload записывает перезагрузку кеша после realtime-события
func RecordReload(manager string, err error) {
	realtimeReloads.WithLabelValues(manager, outcome(err)).Inc()
}

func WebsocketConnected()    { wsClients.Inc() }
func WebsocketDisconnected() { wsClients.Dec() }

// SetWorkspaces выставляет число открытых рабочих пространств
func SetWorkspaces(n int) { workspaces.Set(float64(n)) }

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
