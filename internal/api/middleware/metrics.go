// metrics.go — Prometheus метрики image-host.
// HTTP-метрики собирает MetricsMiddleware, бизнес-метрики обновляются
// из сервисного слоя.
package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP метрики
var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ih_http_requests_total",
			Help: "Общее количество HTTP-запросов к image-host",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ih_http_request_duration_seconds",
			Help:    "Длительность HTTP-запросов к image-host в секундах",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

// Бизнес-метрики (экспортируются для обновления из сервисного слоя)
var (
	// ObjectsTotal — текущее количество объектов (gauge).
	ObjectsTotal = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ih_objects_total",
			Help: "Текущее количество объектов в хранилище",
		},
	)

	// StorageBytes — суммарный размер оригиналов (gauge).
	StorageBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ih_storage_bytes",
			Help: "Суммарный размер оригиналов в байтах",
		},
	)

	// OperationsTotal — общее количество операций с объектами.
	OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ih_operations_total",
			Help: "Общее количество операций с объектами",
		},
		[]string{"operation", "result"},
	)

	// UploadsTotal — завершённые попытки загрузки по результату.
	UploadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ih_uploads_total",
			Help: "Количество попыток загрузки по результату",
		},
		[]string{"result"},
	)

	// UploadAbortsTotal — прерванные загрузки по виду ошибки.
	UploadAbortsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ih_upload_aborts_total",
			Help: "Количество прерванных загрузок по виду ошибки",
		},
		[]string{"kind"},
	)

	// QuotaRejectionsTotal — отказы по квоте.
	QuotaRejectionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ih_quota_rejections_total",
			Help: "Количество загрузок, отклонённых по квоте",
		},
	)

	// AccountingFailuresTotal — ошибки учёта загрузки после сохранения.
	AccountingFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ih_accounting_failures_total",
			Help: "Количество загрузок, сохранённых без учёта в квоте",
		},
	)
)

// MetricsMiddleware возвращает HTTP middleware для сбора Prometheus метрик.
func MetricsMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			normalizedPath := normalizePath(r.URL.Path)

			wrapped := newStatusRecorder(w)
			next.ServeHTTP(wrapped, r)

			status := strconv.Itoa(wrapped.statusCode)
			httpRequestsTotal.WithLabelValues(r.Method, normalizedPath, status).Inc()
			httpRequestDuration.WithLabelValues(r.Method, normalizedPath).Observe(time.Since(start).Seconds())
		})
	}
}

// statusRecorder — обёртка для перехвата статус-кода и размера ответа.
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
	bytes      int
}

func newStatusRecorder(w http.ResponseWriter) *statusRecorder {
	return &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
}

func (rw *statusRecorder) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *statusRecorder) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytes += n
	return n, err
}

// Unwrap позволяет http.ResponseController получить доступ к оригинальному ResponseWriter.
func (rw *statusRecorder) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// normalizePath заменяет идентификаторы в пути на шаблоны, чтобы
// не раздувать кардинальность метрик.
// /api/v1/objects/V1StGXR8_Z5jdHi6B-myT → /api/v1/objects/{id}
func normalizePath(path string) string {
	parts := strings.Split(strings.Trim(path, "/"), "/")

	switch {
	case len(parts) == 2 && parts[0] == "go":
		return "/go/{code}"
	case len(parts) >= 2 && parts[0] == "objects":
		parts[1] = "{name}"
	case len(parts) >= 4 && parts[0] == "api" && parts[2] == "objects":
		parts[3] = "{id}"
	case len(parts) >= 5 && parts[0] == "api" && parts[2] == "admin" && parts[3] == "quota":
		parts[4] = "{owner}"
	}
	return "/" + strings.Join(parts, "/")
}
