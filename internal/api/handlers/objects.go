// objects.go — HTTP handlers операций над объектами:
// загрузка, выборка, получение, изменение тегов/описания, удаление.
package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/oapi-codegen/runtime"

	apierrors "github.com/bigkaa/goartstore/image-host/internal/api/errors"
	"github.com/bigkaa/goartstore/image-host/internal/api/middleware"
	"github.com/bigkaa/goartstore/image-host/internal/domain/model"
	"github.com/bigkaa/goartstore/image-host/internal/service"
)

// multipartOverhead — запас на заголовки и текстовые поля multipart-формы.
const multipartOverhead = 1 << 20

// multipartMemory — объём формы, хранимый в памяти при разборе.
const multipartMemory = 32 << 20

// ObjectsHandler — обработчик endpoints /api/v1/objects.
type ObjectsHandler struct {
	svc         *service.ObjectService
	maxFileSize int64
	logger      *slog.Logger
}

// NewObjectsHandler создаёт обработчик объектов.
// maxFileSize ограничивает тело запроса загрузки.
func NewObjectsHandler(svc *service.ObjectService, maxFileSize int64, logger *slog.Logger) *ObjectsHandler {
	return &ObjectsHandler{
		svc:         svc,
		maxFileSize: maxFileSize,
		logger:      logger.With(slog.String("component", "objects_handler")),
	}
}

// Upload обрабатывает POST /api/v1/objects.
// Multipart form: file (обязательно), description (опционально),
// tags (опционально, JSON-массив или список через запятую).
func (h *ObjectsHandler) Upload(w http.ResponseWriter, r *http.Request) {
	limit := h.maxFileSize + multipartOverhead
	if r.ContentLength > limit {
		apierrors.FileTooLarge(w, fmt.Sprintf("Размер файла превышает %d байт", h.maxFileSize))
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, limit)

	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			apierrors.FileTooLarge(w, fmt.Sprintf("Размер файла превышает %d байт", h.maxFileSize))
			return
		}
		apierrors.ValidationError(w, "Ошибка разбора multipart-формы")
		return
	}
	defer func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}()

	file, header, err := r.FormFile("file")
	if err != nil {
		apierrors.ValidationError(w, "Поле 'file' обязательно")
		return
	}
	defer file.Close()

	tags, err := parseTags(r.FormValue("tags"))
	if err != nil {
		apierrors.ValidationError(w, err.Error())
		return
	}

	result, err := h.svc.Upload(r.Context(), service.UploadParams{
		Reader:       file,
		OriginalName: header.Filename,
		ContentType:  header.Header.Get("Content-Type"),
		Size:         header.Size,
		OwnerID:      middleware.SubjectFromContext(r.Context()),
		Privileged:   middleware.IsPrivileged(r.Context()),
		Tags:         tags,
		Description:  r.FormValue("description"),
	})
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusCreated, objectView{ObjectRecord: result.Record, ObjectLinks: result.ObjectLinks})
}

// List обрабатывает GET /api/v1/objects.
// Параметры: search, tags (повторяемый или через запятую), owner, page, pageSize.
func (h *ObjectsHandler) List(w http.ResponseWriter, r *http.Request) {
	var (
		params service.ListParams
		tags   []string
	)
	query := r.URL.Query()

	binds := []struct {
		name string
		dest any
	}{
		{"search", &params.Search},
		{"tags", &tags},
		{"owner", &params.OwnerID},
		{"page", &params.Page},
		{"pageSize", &params.PageSize},
	}
	for _, b := range binds {
		if err := runtime.BindQueryParameter("form", true, false, b.name, query, b.dest); err != nil {
			apierrors.ValidationError(w, fmt.Sprintf("Некорректный параметр %s", b.name))
			return
		}
	}
	for _, t := range tags {
		params.Tags = append(params.Tags, splitList(t)...)
	}

	result := h.svc.List(params)

	resp := objectListView{
		Items:    make([]objectView, 0, len(result.Items)),
		Total:    result.Total,
		Page:     result.Page,
		PageSize: result.PageSize,
	}
	for _, rec := range result.Items {
		resp.Items = append(resp.Items, objectView{ObjectRecord: rec, ObjectLinks: h.svc.Links(rec)})
	}

	writeJSON(w, http.StatusOK, resp)
}

// Get обрабатывает GET /api/v1/objects/{id}.
func (h *ObjectsHandler) Get(w http.ResponseWriter, r *http.Request) {
	rec, err := h.svc.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, objectView{ObjectRecord: rec, ObjectLinks: h.svc.Links(rec)})
}

// updateRequest — тело PATCH /api/v1/objects/{id}.
type updateRequest struct {
	Tags        *[]string `json:"tags"`
	Description *string   `json:"description"`
}

// Update обрабатывает PATCH /api/v1/objects/{id}.
// Изменять объект может владелец или привилегированный вызывающий.
func (h *ObjectsHandler) Update(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req updateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierrors.ValidationError(w, "Некорректный JSON")
		return
	}
	if req.Tags == nil && req.Description == nil {
		apierrors.ValidationError(w, "Необходимо указать хотя бы одно поле для обновления (description или tags)")
		return
	}

	rec, err := h.svc.Get(id)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	if !canModify(r, rec) {
		apierrors.Forbidden(w, "Изменять объект может только владелец")
		return
	}

	updated, err := h.svc.Update(id, service.UpdateParams{Tags: req.Tags, Description: req.Description})
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, objectView{ObjectRecord: updated, ObjectLinks: h.svc.Links(updated)})
}

// Delete обрабатывает DELETE /api/v1/objects/{id}.
// Удаление отсутствующего объекта успешно (204).
func (h *ObjectsHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	rec, err := h.svc.Get(id)
	switch {
	case errors.Is(err, service.ErrNotFound):
		w.WriteHeader(http.StatusNoContent)
		return
	case err != nil:
		writeServiceError(w, h.logger, err)
		return
	}
	if !canModify(r, rec) {
		apierrors.Forbidden(w, "Удалять объект может только владелец")
		return
	}

	if err := h.svc.Delete(r.Context(), id); err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// canModify: владелец объекта или привилегированный вызывающий.
func canModify(r *http.Request, rec *model.ObjectRecord) bool {
	if middleware.IsPrivileged(r.Context()) {
		return true
	}
	return rec.Owner() == middleware.SubjectFromContext(r.Context())
}

// parseTags разбирает поле tags формы загрузки:
// JSON-массив строк или список через запятую.
func parseTags(raw string) ([]string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	if strings.HasPrefix(raw, "[") {
		var tags []string
		if err := json.Unmarshal([]byte(raw), &tags); err != nil {
			return nil, errors.New("поле 'tags' должно быть JSON-массивом строк")
		}
		return tags, nil
	}
	return splitList(raw), nil
}

// splitList делит строку по запятым, отбрасывая пустые элементы.
func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
