// handler.go — общие функции HTTP handlers: JSON-ответы, представление
// объекта и отображение ошибок сервисного слоя в HTTP-статусы.
package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	apierrors "github.com/bigkaa/goartstore/image-host/internal/api/errors"
	"github.com/bigkaa/goartstore/image-host/internal/domain/model"
	"github.com/bigkaa/goartstore/image-host/internal/service"
)

// objectView — представление объекта в API: запись плюс внешние ссылки.
type objectView struct {
	*model.ObjectRecord
	service.ObjectLinks
}

// objectListView — страница объектов.
type objectListView struct {
	Items    []objectView `json:"items"`
	Total    int          `json:"total"`
	Page     int          `json:"page"`
	PageSize int          `json:"page_size"`
}

// writeJSON записывает JSON-ответ.
func writeJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// writeServiceError отображает ошибку сервисного слоя в ответ.
// Клиент получает только Message, причина остаётся в логах.
func writeServiceError(w http.ResponseWriter, logger *slog.Logger, err error) {
	var svcErr *service.Error
	if !errors.As(err, &svcErr) {
		logger.Error("Необработанная ошибка", slog.String("error", err.Error()))
		apierrors.InternalError(w, "Внутренняя ошибка сервера")
		return
	}

	switch svcErr.Kind {
	case service.KindValidation:
		switch {
		case errors.Is(svcErr.Err, service.ErrFileTooLarge):
			apierrors.FileTooLarge(w, svcErr.Message)
		case errors.Is(svcErr.Err, service.ErrUnsupportedType):
			apierrors.UnsupportedMediaType(w, svcErr.Message)
		default:
			apierrors.ValidationError(w, svcErr.Message)
		}
	case service.KindQuotaExceeded:
		apierrors.QuotaExceeded(w, svcErr.Message)
	case service.KindNotFound:
		apierrors.NotFound(w, svcErr.Message)
	default:
		apierrors.InternalError(w, svcErr.Message)
	}
}
