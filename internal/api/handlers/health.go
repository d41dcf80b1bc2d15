// health.go — обработчики health endpoints для Kubernetes probes.
package handlers

import (
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/bigkaa/goartstore/image-host/internal/config"
)

const (
	statusOK       = "ok"
	statusFail     = "fail"
	statusDegraded = "degraded"
	serviceName    = "image-host"
)

// IndexReadinessChecker — интерфейс для проверки готовности индекса записей.
type IndexReadinessChecker interface {
	IsReady() bool
}

// ReadinessChecker — дополнительная проверка готовности (например, PostgreSQL).
type ReadinessChecker interface {
	Name() string
	CheckReady() (status string, message string)
}

// HealthHandler реализует health endpoints: /health/live, /health/ready.
type HealthHandler struct {
	version string
	// dataDir — директория артефактов (проверка записи)
	dataDir string
	// metadataDir — директория файлов записей (проверка записи)
	metadataDir string
	// walDir — директория журнала операций
	walDir string
	idx    IndexReadinessChecker
	extra  []ReadinessChecker
}

// NewHealthHandler создаёт обработчик health endpoints.
// Пустые директории и nil idx пропускаются при проверке.
func NewHealthHandler(dataDir, metadataDir, walDir string, idx IndexReadinessChecker, extra ...ReadinessChecker) *HealthHandler {
	return &HealthHandler{
		version:     config.Version,
		dataDir:     dataDir,
		metadataDir: metadataDir,
		walDir:      walDir,
		idx:         idx,
		extra:       extra,
	}
}

// HealthLive обрабатывает GET /health/live.
// Возвращает 200, если процесс жив. Не проверяет зависимости.
func (h *HealthHandler) HealthLive(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    statusOK,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"version":   h.version,
		"service":   serviceName,
	})
}

// HealthReady обрабатывает GET /health/ready.
// Проверяет: директории данных и записей, журнал, индекс, внешние зависимости.
// Недоступный журнал даёт degraded, остальные сбои — fail (503).
func (h *HealthHandler) HealthReady(w http.ResponseWriter, _ *http.Request) {
	overall := statusOK
	httpStatus := http.StatusOK
	fail := func() {
		overall = statusFail
		httpStatus = http.StatusServiceUnavailable
	}

	checks := map[string]any{}

	for name, dir := range map[string]string{"filesystem": h.dataDir, "metadata": h.metadataDir} {
		check := checkWritable(dir, "Директория недоступна для записи: ")
		checks[name] = check
		if check["status"] != statusOK {
			fail()
		}
	}

	walCheck := checkWritable(h.walDir, "Директория журнала недоступна для записи: ")
	checks["wal"] = walCheck
	if walCheck["status"] != statusOK && overall != statusFail {
		overall = statusDegraded
	}

	indexCheck := map[string]any{"status": statusOK}
	if h.idx != nil && !h.idx.IsReady() {
		indexCheck = map[string]any{"status": statusFail, "message": "Индекс не построен"}
		fail()
	}
	checks["index"] = indexCheck

	for _, c := range h.extra {
		status, message := c.CheckReady()
		checks[c.Name()] = map[string]any{"status": status, "message": message}
		if status != statusOK {
			fail()
		}
	}

	writeJSON(w, httpStatus, map[string]any{
		"status":    overall,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"version":   h.version,
		"service":   serviceName,
		"checks":    checks,
	})
}

// checkWritable проверяет доступность директории на запись.
func checkWritable(dir, failPrefix string) map[string]any {
	if dir == "" {
		return map[string]any{
			"status":  statusOK,
			"message": "Проверка не настроена",
		}
	}

	testFile := filepath.Join(dir, ".health_check")
	if err := os.WriteFile(testFile, []byte("ok"), 0o600); err != nil {
		return map[string]any{
			"status":  statusFail,
			"message": failPrefix + err.Error(),
		}
	}
	_ = os.Remove(testFile)

	return map[string]any{"status": statusOK}
}
