// Пакет quota — Quota Ledger: учёт загрузок владельцев по тарифным планам.
//
// Загрузка проходит через резерв: Reserve атомарно проверяет лимит
// с учётом уже зарезервированных загрузок, Commit превращает резерв
// в учтённую загрузку, Release возвращает резерв при отмене.
// Поэтому две конкурентные загрузки на границе лимита не могут
// пройти обе.
package quota

import (
	"context"
	"errors"

	"github.com/bigkaa/goartstore/image-host/internal/domain/model"
)

var (
	// ErrNotFound — у владельца нет записи квоты
	ErrNotFound = errors.New("запись квоты не найдена")
	// ErrQuotaExceeded — лимит загрузок исчерпан или подписка неактивна
	ErrQuotaExceeded = errors.New("квота загрузок исчерпана")
	// ErrInvalidPlan — неизвестный тарифный план
	ErrInvalidPlan = errors.New("недопустимый тарифный план")
)

// Ledger — контракт хранилища квот.
// Реализации: FileLedger (файлы на диске) и repository.QuotaLedger (PostgreSQL).
type Ledger interface {
	// GetEntry возвращает текущую запись владельца или ErrNotFound.
	GetEntry(ctx context.Context, ownerID string) (*model.QuotaEntry, error)

	// IsUploadAllowed проверяет, разрешена ли ещё одна загрузка.
	// Владелец без записи получает бесплатный план, поэтому ему разрешено.
	IsUploadAllowed(ctx context.Context, ownerID string) (bool, error)

	// RecordUpload учитывает загрузку без предварительного резерва.
	// При исчерпанном лимите возвращает ErrQuotaExceeded и счётчик не меняет.
	RecordUpload(ctx context.Context, ownerID string) error

	// Reserve атомарно проверяет лимит и резервирует одну загрузку.
	// Создаёт запись бесплатного плана, если её нет.
	Reserve(ctx context.Context, ownerID string) error

	// Commit превращает резерв в учтённую загрузку.
	Commit(ctx context.Context, ownerID string) error

	// Release возвращает резерв. Без резерва ничего не делает.
	Release(ctx context.Context, ownerID string) error

	// SetPlan заменяет текущую запись новой: счётчики обнуляются,
	// начинается новый период. customLimit переопределяет лимит плана.
	SetPlan(ctx context.Context, ownerID string, plan model.Plan, customLimit *int) (*model.QuotaEntry, error)

	// AdminSetLimit устанавливает произвольный лимит (отрицательный — без ограничений).
	AdminSetLimit(ctx context.Context, ownerID string, limit int) (*model.QuotaEntry, error)

	// AdminResetUsage обнуляет счётчик учтённых загрузок.
	AdminResetUsage(ctx context.Context, ownerID string) (*model.QuotaEntry, error)

	// ListEntries возвращает страницу записей (по владельцу) и общее количество.
	ListEntries(ctx context.Context, limit, offset int) ([]*model.QuotaEntry, int, error)
}
