// files.go — публичная выдача артефактов и редирект по короткому коду.
// Без аутентификации: ссылки на изображения раздаются третьим лицам.
package handlers

import (
	"fmt"
	"log/slog"
	"mime"
	"net/http"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/bigkaa/goartstore/image-host/internal/api/errors"
	"github.com/bigkaa/goartstore/image-host/internal/domain/model"
	"github.com/bigkaa/goartstore/image-host/internal/service"
)

// FilesHandler — обработчик выдачи оригиналов, превью и коротких ссылок.
type FilesHandler struct {
	svc    *service.ObjectService
	logger *slog.Logger
}

// NewFilesHandler создаёт обработчик выдачи файлов.
func NewFilesHandler(svc *service.ObjectService, logger *slog.Logger) *FilesHandler {
	return &FilesHandler{
		svc:    svc,
		logger: logger.With(slog.String("component", "files_handler")),
	}
}

// Original обрабатывает GET /objects/{name}.
// Поддерживает Range requests (206) и ETag (If-None-Match → 304).
func (h *FilesHandler) Original(w http.ResponseWriter, r *http.Request) {
	art, err := h.svc.OpenOriginal(chi.URLParam(r, "name"))
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	defer art.File.Close()

	w.Header().Set("ETag", fmt.Sprintf("%q", art.Record.Checksum))
	h.serve(w, r, art, art.Record.OriginalName)
}

// Preview обрабатывает GET /objects/{name}/preview.
func (h *FilesHandler) Preview(w http.ResponseWriter, r *http.Request) {
	art, err := h.svc.OpenPreview(chi.URLParam(r, "name"))
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	defer art.File.Close()

	// ETag превью производен от хэша оригинала.
	w.Header().Set("ETag", fmt.Sprintf("%q", art.Record.Checksum+"-preview"))
	h.serve(w, r, art, "preview_"+model.StoredNameFor(art.Record.ID, art.MimeType))
}

func (h *FilesHandler) serve(w http.ResponseWriter, r *http.Request, art *service.Artifact, filename string) {
	stat, err := art.File.Stat()
	if err != nil {
		h.logger.Error("Ошибка stat артефакта",
			slog.String("object_id", art.Record.ID),
			slog.String("error", err.Error()),
		)
		apierrors.InternalError(w, "Ошибка чтения артефакта")
		return
	}

	w.Header().Set("Content-Type", art.MimeType)
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	w.Header().Set("Content-Disposition", mime.FormatMediaType("inline", map[string]string{"filename": filename}))

	http.ServeContent(w, r, filename, stat.ModTime(), art.File)
}

// Redirect обрабатывает GET /go/{code}: 302 на прямую ссылку оригинала.
func (h *FilesHandler) Redirect(w http.ResponseWriter, r *http.Request) {
	rec, err := h.svc.ResolveShortCode(chi.URLParam(r, "code"))
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	http.Redirect(w, r, h.svc.Links(rec).DirectURL, http.StatusFound)
}
