// retrieval.go — чтение объектов: запись, список, короткий код, артефакты.
package service

import (
	"errors"
	"log/slog"
	"os"

	"github.com/bigkaa/goartstore/image-host/internal/api/middleware"
	"github.com/bigkaa/goartstore/image-host/internal/domain/model"
	"github.com/bigkaa/goartstore/image-host/internal/storage/blobstore"
	"github.com/bigkaa/goartstore/image-host/internal/storage/index"
	"github.com/bigkaa/goartstore/image-host/internal/storage/metastore"
)

// ListParams — параметры выборки.
type ListParams struct {
	Search  string
	Tags    []string
	OwnerID string
	// Page — номер страницы с 1
	Page int
	// PageSize — размер страницы (по умолчанию 20, максимум 100)
	PageSize int
}

// ListResult — страница объектов.
type ListResult struct {
	Items    []*model.ObjectRecord
	Total    int
	Page     int
	PageSize int
}

// Artifact — открытый артефакт для отдачи клиенту.
// Вызывающий обязан закрыть File.
type Artifact struct {
	File     *os.File
	MimeType string
	Record   *model.ObjectRecord
}

// Get возвращает запись объекта.
func (s *ObjectService) Get(id string) (*model.ObjectRecord, error) {
	rec, err := s.meta.Get(id)
	if err != nil {
		if errors.Is(err, metastore.ErrNotFound) {
			return nil, notFoundError(err, "Объект %s не найден", id)
		}
		return nil, persistenceError(err, "Ошибка чтения метаданных")
	}
	return rec, nil
}

// List возвращает страницу объектов: поиск, фильтр по тегам,
// сортировка по дате создания (новые первыми).
func (s *ObjectService) List(p ListParams) *ListResult {
	if p.Page < 1 {
		p.Page = 1
	}
	switch {
	case p.PageSize <= 0:
		p.PageSize = DefaultPageSize
	case p.PageSize > MaxPageSize:
		p.PageSize = MaxPageSize
	}

	items, total := s.meta.List(index.Filter{
		Search:  p.Search,
		Tags:    p.Tags,
		OwnerID: p.OwnerID,
	}, p.Page, p.PageSize)

	return &ListResult{Items: items, Total: total, Page: p.Page, PageSize: p.PageSize}
}

// ResolveShortCode возвращает объект по короткому коду.
func (s *ObjectService) ResolveShortCode(code string) (*model.ObjectRecord, error) {
	rec, err := s.meta.FindByShortCode(code)
	if err != nil {
		if errors.Is(err, metastore.ErrNotFound) {
			return nil, notFoundError(err, "Короткая ссылка %s не найдена", code)
		}
		return nil, persistenceError(err, "Ошибка чтения метаданных")
	}
	return rec, nil
}

// OpenOriginal открывает оригинал по имени хранения или идентификатору.
func (s *ObjectService) OpenOriginal(name string) (*Artifact, error) {
	return s.open(name, model.KindOriginal)
}

// OpenPreview открывает превью по имени хранения или идентификатору.
func (s *ObjectService) OpenPreview(name string) (*Artifact, error) {
	return s.open(name, model.KindPreview)
}

func (s *ObjectService) open(name string, kind model.ArtifactKind) (*Artifact, error) {
	id := model.IDFromStoredName(name)
	rec, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	if kind == model.KindPreview && !rec.HasPreview {
		return nil, notFoundError(nil, "У объекта %s нет превью", id)
	}

	f, err := s.blobs.Open(id, kind)
	if err != nil {
		if errors.Is(err, blobstore.ErrNotFound) {
			s.logger.Warn("Артефакт отсутствует на диске",
				slog.String("object_id", id),
				slog.String("kind", string(kind)),
			)
			return nil, notFoundError(err, "Артефакт объекта %s не найден", id)
		}
		return nil, persistenceError(err, "Ошибка чтения артефакта")
	}

	mimeType := rec.MimeType
	if kind == model.KindPreview {
		mimeType = rec.PreviewMimeType
	}
	middleware.OperationsTotal.WithLabelValues("download_"+string(kind), "success").Inc()
	return &Artifact{File: f, MimeType: mimeType, Record: rec}, nil
}
