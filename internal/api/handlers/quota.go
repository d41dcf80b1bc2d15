// quota.go — HTTP handlers квот: витрина планов, статистика владельца,
// административные операции над ledger.
package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/oapi-codegen/runtime"

	apierrors "github.com/bigkaa/goartstore/image-host/internal/api/errors"
	"github.com/bigkaa/goartstore/image-host/internal/api/middleware"
	"github.com/bigkaa/goartstore/image-host/internal/domain/model"
	"github.com/bigkaa/goartstore/image-host/internal/service"
)

// defaultEntriesLimit — размер страницы списка записей ledger по умолчанию.
const defaultEntriesLimit = 50

// QuotaHandler — обработчик endpoints квот.
type QuotaHandler struct {
	svc    *service.QuotaService
	logger *slog.Logger
}

// NewQuotaHandler создаёт обработчик квот.
func NewQuotaHandler(svc *service.QuotaService, logger *slog.Logger) *QuotaHandler {
	return &QuotaHandler{
		svc:    svc,
		logger: logger.With(slog.String("component", "quota_handler")),
	}
}

// Plans обрабатывает GET /api/v1/plans.
func (h *QuotaHandler) Plans(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.Plans())
}

// Usage обрабатывает GET /api/v1/quota — статистика вызывающего.
func (h *QuotaHandler) Usage(w http.ResponseWriter, r *http.Request) {
	owner := middleware.SubjectFromContext(r.Context())
	if owner == "" {
		apierrors.ValidationError(w, "Квоты доступны только аутентифицированным пользователям")
		return
	}

	usage, err := h.svc.Usage(r.Context(), owner)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, usage)
}

// entryListView — страница записей ledger.
type entryListView struct {
	Items  []*model.QuotaEntry `json:"items"`
	Total  int                 `json:"total"`
	Limit  int                 `json:"limit"`
	Offset int                 `json:"offset"`
}

// List обрабатывает GET /api/v1/admin/quota.
func (h *QuotaHandler) List(w http.ResponseWriter, r *http.Request) {
	limit, offset := defaultEntriesLimit, 0
	query := r.URL.Query()
	if err := runtime.BindQueryParameter("form", true, false, "limit", query, &limit); err != nil {
		apierrors.ValidationError(w, "Некорректный параметр limit")
		return
	}
	if err := runtime.BindQueryParameter("form", true, false, "offset", query, &offset); err != nil {
		apierrors.ValidationError(w, "Некорректный параметр offset")
		return
	}
	if limit < 0 || offset < 0 {
		apierrors.ValidationError(w, "Параметры limit и offset не могут быть отрицательными")
		return
	}

	entries, total, err := h.svc.ListEntries(r.Context(), limit, offset)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	if entries == nil {
		entries = []*model.QuotaEntry{}
	}
	writeJSON(w, http.StatusOK, entryListView{Items: entries, Total: total, Limit: limit, Offset: offset})
}

// setPlanRequest — тело PUT /api/v1/admin/quota/{owner}/plan.
type setPlanRequest struct {
	Plan        model.Plan `json:"plan"`
	CustomLimit *int       `json:"custom_limit"`
}

// SetPlan обрабатывает PUT /api/v1/admin/quota/{owner}/plan.
func (h *QuotaHandler) SetPlan(w http.ResponseWriter, r *http.Request) {
	var req setPlanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierrors.ValidationError(w, "Некорректный JSON")
		return
	}

	entry, err := h.svc.SetPlan(r.Context(), chi.URLParam(r, "owner"), req.Plan, req.CustomLimit)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

// setLimitRequest — тело PUT /api/v1/admin/quota/{owner}/limit.
type setLimitRequest struct {
	Limit *int `json:"limit"`
}

// SetLimit обрабатывает PUT /api/v1/admin/quota/{owner}/limit.
// Отрицательный лимит означает «без ограничений».
func (h *QuotaHandler) SetLimit(w http.ResponseWriter, r *http.Request) {
	var req setLimitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierrors.ValidationError(w, "Некорректный JSON")
		return
	}
	if req.Limit == nil {
		apierrors.ValidationError(w, "Поле 'limit' обязательно")
		return
	}

	entry, err := h.svc.AdminSetLimit(r.Context(), chi.URLParam(r, "owner"), *req.Limit)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

// Reset обрабатывает POST /api/v1/admin/quota/{owner}/reset.
func (h *QuotaHandler) Reset(w http.ResponseWriter, r *http.Request) {
	entry, err := h.svc.AdminResetUsage(r.Context(), chi.URLParam(r, "owner"))
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}
