// upload.go — загрузка объекта: проверка, квота, превью, запись, учёт.
package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/bigkaa/goartstore/image-host/internal/api/middleware"
	"github.com/bigkaa/goartstore/image-host/internal/domain/model"
	"github.com/bigkaa/goartstore/image-host/internal/domain/upload"
	"github.com/bigkaa/goartstore/image-host/internal/imaging"
	"github.com/bigkaa/goartstore/image-host/internal/quota"
	"github.com/bigkaa/goartstore/image-host/internal/storage/metastore"
	"github.com/bigkaa/goartstore/image-host/internal/storage/wal"
)

// UploadParams — параметры загрузки.
type UploadParams struct {
	// Reader — содержимое оригинала
	Reader io.Reader
	// OriginalName — имя файла, переданное клиентом
	OriginalName string
	// ContentType — заявленный MIME-тип
	ContentType string
	// Size — заявленный размер (0 — неизвестен)
	Size int64
	// OwnerID — владелец ("" — анонимная загрузка, квота не проверяется)
	OwnerID string
	// Privileged — загрузка без проверки и учёта квоты
	Privileged bool
	Tags       []string
	// Description — описание (опционально)
	Description string
}

// UploadResult — результат успешной загрузки.
type UploadResult struct {
	Record *model.ObjectRecord
	ObjectLinks
	// State — финальное состояние загрузки
	State upload.State
}

// validated — проверенные данные загрузки.
type validated struct {
	data        []byte
	mimeType    string
	name        string
	tags        []string
	description string
}

// Upload выполняет загрузку через конечный автомат:
// validating → quota_checking → deriving → persisting → accounting → done.
// Любая ошибка переводит загрузку в aborted; к этому моменту все
// записанные артефакты удалены, а резерв квоты возвращён.
// Учёт в квоте (accounting) не откатывает загрузку: ошибка логируется.
func (s *ObjectService) Upload(ctx context.Context, p UploadParams) (*UploadResult, error) {
	tr := upload.NewTracker()
	logger := s.logger.With(
		slog.String("owner_id", p.OwnerID),
		slog.Bool("privileged", p.Privileged),
	)

	// 1. validating
	in, err := s.validate(p)
	if err != nil {
		return nil, s.abort(tr, logger, err)
	}

	// 2. quota_checking
	s.advance(tr, logger, upload.StateQuotaChecking)
	reserved, err := s.reserve(ctx, p)
	if err != nil {
		return nil, s.abort(tr, logger, err)
	}

	// Дальше клиент не может прервать загрузку: иначе на диске
	// останутся частичные артефакты или неучтённый резерв.
	ctx = context.WithoutCancel(ctx)
	release := func() {
		if !reserved {
			return
		}
		if err := s.ledger.Release(ctx, p.OwnerID); err != nil {
			logger.Error("Ошибка возврата резерва квоты", slog.String("error", err.Error()))
		}
	}

	// 3. deriving
	s.advance(tr, logger, upload.StateDeriving)
	derived, err := s.pipeline.Derive(in.data)
	if err != nil {
		release()
		if errors.Is(err, imaging.ErrDecode) {
			return nil, s.abort(tr, logger, validationError(err, "Файл не является корректным изображением"))
		}
		return nil, s.abort(tr, logger, persistenceError(err, "Ошибка обработки изображения"))
	}
	if derived.MimeType != in.mimeType {
		release()
		return nil, s.abort(tr, logger, validationError(ErrTypeMismatch,
			"Содержимое файла (%s) не соответствует заявленному типу %s", derived.MimeType, in.mimeType))
	}

	// 4. persisting
	s.advance(tr, logger, upload.StatePersisting)
	rec, journalOpen, err := s.persist(in, derived, p.OwnerID, reserved, logger)
	if err != nil {
		// Незакрытая запись журнала остаётся восстановлению,
		// резерв вернёт оно же.
		if !journalOpen {
			release()
		}
		return nil, s.abort(tr, logger, err)
	}

	// 5. accounting
	s.advance(tr, logger, upload.StateAccounting)
	if reserved {
		if err := s.ledger.Commit(ctx, p.OwnerID); err != nil {
			middleware.AccountingFailuresTotal.Inc()
			logger.Error("Загрузка сохранена, но не учтена в квоте",
				slog.String("kind", string(KindAccounting)),
				slog.String("object_id", rec.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	// 6. done
	s.advance(tr, logger, upload.StateDone)
	s.refreshGauges()
	middleware.UploadsTotal.WithLabelValues("success").Inc()
	middleware.OperationsTotal.WithLabelValues("upload", "success").Inc()

	logger.Info("Объект загружен",
		slog.String("object_id", rec.ID),
		slog.String("short_code", rec.ShortCode),
		slog.String("mime_type", rec.MimeType),
		slog.Int64("size", rec.SizeBytes),
	)

	return &UploadResult{
		Record:      rec,
		ObjectLinks: s.Links(rec),
		State:       tr.Current(),
	}, nil
}

// validate читает оригинал и проверяет тип, размер и поля.
func (s *ObjectService) validate(p UploadParams) (*validated, error) {
	if p.Reader == nil {
		return nil, validationError(ErrEmptyFile, "Файл не передан")
	}

	mimeType := normalizeMIME(p.ContentType)
	if !s.allowed[mimeType] {
		return nil, validationError(ErrUnsupportedType, "Тип файла %q не поддерживается", mimeType)
	}

	if p.Size > s.cfg.MaxFileSize {
		return nil, validationError(ErrFileTooLarge,
			"Размер файла %d байт превышает максимум %d байт", p.Size, s.cfg.MaxFileSize)
	}

	// Читаем на байт больше лимита, чтобы обнаружить превышение
	// без доверия к заявленному размеру.
	data, err := io.ReadAll(io.LimitReader(p.Reader, s.cfg.MaxFileSize+1))
	if err != nil {
		return nil, validationError(err, "Ошибка чтения файла")
	}
	if int64(len(data)) > s.cfg.MaxFileSize {
		return nil, validationError(ErrFileTooLarge,
			"Размер файла превышает максимум %d байт", s.cfg.MaxFileSize)
	}
	if len(data) == 0 {
		return nil, validationError(ErrEmptyFile, "Пустой файл")
	}

	tags, err := normalizeTags(p.Tags)
	if err != nil {
		return nil, err
	}
	description, err := normalizeDescription(p.Description)
	if err != nil {
		return nil, err
	}

	return &validated{
		data:        data,
		mimeType:    mimeType,
		name:        sanitizeName(p.OriginalName),
		tags:        tags,
		description: description,
	}, nil
}

// reserve резервирует квоту для владельца. Привилегированные
// и анонимные загрузки квоту не затрагивают.
func (s *ObjectService) reserve(ctx context.Context, p UploadParams) (bool, error) {
	if p.Privileged || p.OwnerID == "" {
		return false, nil
	}

	err := s.ledger.Reserve(ctx, p.OwnerID)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, quota.ErrQuotaExceeded):
		middleware.QuotaRejectionsTotal.Inc()
		return false, &Error{
			Kind:    KindQuotaExceeded,
			Message: "Лимит загрузок исчерпан. Смените план подписки",
			Err:     err,
		}
	default:
		return false, persistenceError(err, "Ledger квот недоступен")
	}
}

// persist записывает оригинал, превью и запись метаданных под журналом.
// Загрузка успешна только после коммита журнала. При ошибке выполненные
// шаги отменяются и журнал откатывается; journalOpen сообщает, что откат
// журнала не удался и запись осталась pending.
func (s *ObjectService) persist(
	in *validated,
	derived *imaging.Derived,
	ownerID string,
	reserved bool,
	logger *slog.Logger,
) (rec *model.ObjectRecord, journalOpen bool, err error) {
	id, err := s.freeObjectID()
	if err != nil {
		return nil, false, err
	}
	logger = logger.With(slog.String("object_id", id))

	entry, err := s.journal.Begin(wal.OpObjectCreate, wal.Intent{
		ObjectID: id,
		OwnerID:  ownerID,
		Reserved: reserved,
	})
	if err != nil {
		return nil, false, persistenceError(err, "Ошибка открытия транзакции загрузки")
	}

	var undo compensation
	fail := func(err error, message string) (*model.ObjectRecord, bool, error) {
		undo.unwind(logger)
		open := false
		if rbErr := s.journal.Rollback(entry.TransactionID); rbErr != nil {
			open = true
			logger.Error("Ошибка отката журнала",
				slog.String("tx_id", entry.TransactionID),
				slog.String("error", rbErr.Error()),
			)
		}
		logger.Error(message, slog.String("error", err.Error()))
		return nil, open, persistenceError(err, message)
	}

	original, err := s.blobs.Put(id, model.KindOriginal, bytes.NewReader(in.data))
	if err != nil {
		return fail(err, "Ошибка сохранения оригинала")
	}
	undo.push("delete_original", func() error { return s.blobs.Delete(id, model.KindOriginal) })

	if _, err := s.blobs.Put(id, model.KindPreview, bytes.NewReader(derived.Preview)); err != nil {
		return fail(err, "Ошибка сохранения превью")
	}
	undo.push("delete_preview", func() error { return s.blobs.Delete(id, model.KindPreview) })

	width, height := derived.Width, derived.Height
	rec = &model.ObjectRecord{
		ID:              id,
		OriginalName:    in.name,
		StoredName:      model.StoredNameFor(id, in.mimeType),
		MimeType:        in.mimeType,
		SizeBytes:       original.Size,
		Checksum:        original.Checksum,
		Width:           &width,
		Height:          &height,
		HasPreview:      true,
		PreviewMimeType: derived.PreviewMimeType,
		CreatedAt:       s.now(),
		Tags:            in.tags,
		Description:     in.description,
	}
	if ownerID != "" {
		owner := ownerID
		rec.OwnerID = &owner
	}
	if rec.OriginalName == "" {
		rec.OriginalName = rec.StoredName
	}

	if err := s.createRecord(rec, logger); err != nil {
		return fail(err, "Ошибка записи метаданных")
	}
	undo.push("delete_record", func() error { return s.meta.Delete(id) })

	// Pending запись журнала при старте откатывает загрузку,
	// поэтому без коммита загрузка не подтверждается.
	if err := s.journal.Commit(entry.TransactionID); err != nil {
		return fail(err, "Ошибка коммита журнала загрузки")
	}
	return rec, false, nil
}

// freeObjectID возвращает идентификатор, не занятый существующим объектом.
func (s *ObjectService) freeObjectID() (string, error) {
	for range maxCollisionTries {
		id := s.ids.NewObjectID()
		if _, err := s.meta.Get(id); errors.Is(err, metastore.ErrNotFound) {
			return id, nil
		}
		s.logger.Warn("Коллизия идентификатора объекта", slog.String("object_id", id))
	}
	return "", persistenceError(nil, "Не удалось выбрать свободный идентификатор объекта")
}

// createRecord создаёт запись, перевыбирая короткий код при коллизии.
func (s *ObjectService) createRecord(rec *model.ObjectRecord, logger *slog.Logger) error {
	var err error
	for range maxCollisionTries {
		rec.ShortCode = s.ids.NewShortCode()
		err = s.meta.Create(rec)
		if !errors.Is(err, metastore.ErrShortCodeTaken) {
			return err
		}
		logger.Warn("Коллизия короткого кода", slog.String("short_code", rec.ShortCode))
	}
	return fmt.Errorf("короткий код не выбран за %d попыток: %w", maxCollisionTries, err)
}

// advance переводит трекер в следующее состояние штатного пути.
func (s *ObjectService) advance(tr *upload.Tracker, logger *slog.Logger, target upload.State) {
	if err := tr.Advance(target); err != nil {
		logger.Error("Недопустимый переход загрузки", slog.String("error", err.Error()))
	}
}

// abort переводит загрузку в aborted, пишет лог и метрики.
func (s *ObjectService) abort(tr *upload.Tracker, logger *slog.Logger, err error) error {
	from := tr.Abort()
	kind := KindOf(err)

	middleware.UploadsTotal.WithLabelValues("aborted").Inc()
	middleware.UploadAbortsTotal.WithLabelValues(string(kind)).Inc()
	middleware.OperationsTotal.WithLabelValues("upload", "error").Inc()

	level := slog.LevelWarn
	if kind == KindPersistence {
		level = slog.LevelError
	}
	logger.Log(context.Background(), level, "Загрузка прервана",
		slog.String("state", string(from)),
		slog.String("kind", string(kind)),
		slog.String("error", err.Error()),
	)
	return err
}
