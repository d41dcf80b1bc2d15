// mutate.go — изменение и удаление объектов.
package service

import (
	"context"
	"errors"
	"log/slog"

	"github.com/bigkaa/goartstore/image-host/internal/api/middleware"
	"github.com/bigkaa/goartstore/image-host/internal/domain/model"
	"github.com/bigkaa/goartstore/image-host/internal/storage/metastore"
	"github.com/bigkaa/goartstore/image-host/internal/storage/wal"
)

// UpdateParams — изменяемые поля объекта. nil — поле не меняется.
type UpdateParams struct {
	Tags        *[]string
	Description *string
}

// Update изменяет теги и описание. Артефакты не затрагиваются.
func (s *ObjectService) Update(id string, p UpdateParams) (*model.ObjectRecord, error) {
	var (
		tags        []string
		description string
		err         error
	)
	if p.Tags != nil {
		if tags, err = normalizeTags(*p.Tags); err != nil {
			return nil, err
		}
	}
	if p.Description != nil {
		if description, err = normalizeDescription(*p.Description); err != nil {
			return nil, err
		}
	}

	rec, err := s.meta.Update(id, func(rec *model.ObjectRecord) error {
		if p.Tags != nil {
			rec.Tags = tags
		}
		if p.Description != nil {
			rec.Description = description
		}
		return nil
	})
	if err != nil {
		middleware.OperationsTotal.WithLabelValues("update", "error").Inc()
		if errors.Is(err, metastore.ErrNotFound) {
			return nil, notFoundError(err, "Объект %s не найден", id)
		}
		s.logger.Error("Ошибка обновления метаданных",
			slog.String("object_id", id),
			slog.String("error", err.Error()),
		)
		return nil, persistenceError(err, "Ошибка обновления метаданных")
	}

	middleware.OperationsTotal.WithLabelValues("update", "success").Inc()
	s.logger.Info("Метаданные объекта обновлены", slog.String("object_id", id))
	return rec, nil
}

// Delete удаляет превью, оригинал и запись объекта под журналом.
// Каждый шаг терпим к отсутствию данных, поэтому удаление
// несуществующего объекта успешно. При ошибке запись журнала
// остаётся pending и удаление завершается при восстановлении.
func (s *ObjectService) Delete(_ context.Context, id string) error {
	logger := s.logger.With(slog.String("object_id", id))

	entry, err := s.journal.Begin(wal.OpObjectDelete, wal.Intent{ObjectID: id})
	if err != nil {
		middleware.OperationsTotal.WithLabelValues("delete", "error").Inc()
		return persistenceError(err, "Ошибка открытия транзакции удаления")
	}

	if err := s.removeObject(id); err != nil {
		middleware.OperationsTotal.WithLabelValues("delete", "error").Inc()
		logger.Error("Ошибка удаления объекта", slog.String("error", err.Error()))
		return persistenceError(err, "Ошибка удаления объекта")
	}

	if err := s.journal.Commit(entry.TransactionID); err != nil {
		logger.Error("Ошибка коммита журнала (объект удалён)",
			slog.String("tx_id", entry.TransactionID),
			slog.String("error", err.Error()),
		)
	}

	s.refreshGauges()
	middleware.OperationsTotal.WithLabelValues("delete", "success").Inc()
	logger.Info("Объект удалён")
	return nil
}

// removeObject удаляет артефакты и запись: превью, оригинал, метаданные.
func (s *ObjectService) removeObject(id string) error {
	if err := s.blobs.Delete(id, model.KindPreview); err != nil {
		return err
	}
	if err := s.blobs.Delete(id, model.KindOriginal); err != nil {
		return err
	}
	return s.meta.Delete(id)
}
