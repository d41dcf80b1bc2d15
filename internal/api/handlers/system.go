// system.go — обработчик GET /api/v1/info (информация об Image Host)
// и выдача встроенного OpenAPI документа.
// Публичные endpoints (без аутентификации) для мониторинга и клиентов.
package handlers

import (
	"net/http"

	"github.com/bigkaa/goartstore/image-host/internal/api/openapi"
	"github.com/bigkaa/goartstore/image-host/internal/config"
)

// ObjectStats — источник агрегатов по объектам.
type ObjectStats interface {
	IsReady() bool
	Count() int
	TotalSize() int64
}

// serviceInfo — ответ GET /api/v1/info.
type serviceInfo struct {
	ServiceID        string   `json:"service_id"`
	Version          string   `json:"version"`
	Status           string   `json:"status"`
	AuthMode         string   `json:"auth_mode"`
	QuotaBackend     string   `json:"quota_backend"`
	MaxFileSize      int64    `json:"max_file_size"`
	AllowedMIMETypes []string `json:"allowed_mime_types"`
	PreviewMaxWidth  int      `json:"preview_max_width"`
	PreviewMaxHeight int      `json:"preview_max_height"`
	ObjectsTotal     int      `json:"objects_total"`
	StorageBytes     int64    `json:"storage_bytes"`
	// Capacity — ёмкость файловой системы директории данных
	Capacity *capacityInfo `json:"capacity,omitempty"`
}

// capacityInfo — ёмкость диска в байтах.
type capacityInfo struct {
	TotalBytes     int64 `json:"total_bytes"`
	UsedBytes      int64 `json:"used_bytes"`
	AvailableBytes int64 `json:"available_bytes"`
}

// DiskUsageFunc возвращает total, used, available в байтах.
type DiskUsageFunc func() (total, used, available int64, err error)

// SystemHandler — обработчик системных endpoints.
type SystemHandler struct {
	cfg       *config.Config
	stats     ObjectStats
	diskUsage DiskUsageFunc
}

// NewSystemHandler создаёт обработчик системных endpoints.
// diskUsage может быть nil — тогда ёмкость не сообщается.
func NewSystemHandler(cfg *config.Config, stats ObjectStats, diskUsage DiskUsageFunc) *SystemHandler {
	return &SystemHandler{cfg: cfg, stats: stats, diskUsage: diskUsage}
}

// GetInfo обрабатывает GET /api/v1/info.
func (h *SystemHandler) GetInfo(w http.ResponseWriter, _ *http.Request) {
	status := "online"
	if !h.stats.IsReady() {
		status = "maintenance"
	}
	authMode := "anonymous"
	if h.cfg.AuthEnabled() {
		authMode = "jwt"
	}

	info := serviceInfo{
		ServiceID:        h.cfg.ServiceID,
		Version:          config.Version,
		Status:           status,
		AuthMode:         authMode,
		QuotaBackend:     h.cfg.QuotaBackend,
		MaxFileSize:      h.cfg.MaxFileSize,
		AllowedMIMETypes: h.cfg.AllowedMIMETypes,
		PreviewMaxWidth:  h.cfg.PreviewMaxWidth,
		PreviewMaxHeight: h.cfg.PreviewMaxHeight,
		ObjectsTotal:     h.stats.Count(),
		StorageBytes:     h.stats.TotalSize(),
	}
	if h.diskUsage != nil {
		if total, used, available, err := h.diskUsage(); err == nil {
			info.Capacity = &capacityInfo{TotalBytes: total, UsedBytes: used, AvailableBytes: available}
		}
	}

	writeJSON(w, http.StatusOK, info)
}

// GetOpenAPI обрабатывает GET /api/v1/openapi.yaml.
func (h *SystemHandler) GetOpenAPI(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(openapi.Spec())
}
