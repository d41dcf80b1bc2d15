// quota.go — сервис квот: планы, статистика, администрирование ledger.
package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/bigkaa/goartstore/image-host/internal/domain/model"
	"github.com/bigkaa/goartstore/image-host/internal/quota"
)

// QuotaService — операции с квотами поверх quota.Ledger.
type QuotaService struct {
	ledger    quota.Ledger
	catalogue *quota.Catalogue
	now       func() time.Time
	logger    *slog.Logger
}

// NewQuotaService создаёт сервис квот.
func NewQuotaService(ledger quota.Ledger, catalogue *quota.Catalogue, logger *slog.Logger) *QuotaService {
	return &QuotaService{
		ledger:    ledger,
		catalogue: catalogue,
		now:       func() time.Time { return time.Now().UTC() },
		logger:    logger.With(slog.String("component", "quota_service")),
	}
}

// Plans возвращает каталог тарифных планов.
func (s *QuotaService) Plans() []model.PlanConfig {
	return s.catalogue.Plans()
}

// Usage возвращает статистику использования квоты владельцем.
// Без записи в ledger статистика строится по бесплатному плану,
// сама запись при этом не создаётся.
func (s *QuotaService) Usage(ctx context.Context, ownerID string) (*model.QuotaUsage, error) {
	now := s.now()
	entry, err := s.ledger.GetEntry(ctx, ownerID)
	if errors.Is(err, quota.ErrNotFound) {
		entry, err = s.catalogue.NewEntry(ownerID, model.PlanFree, nil, now)
	}
	if err != nil {
		return nil, s.mapError(err, ownerID)
	}
	usage := model.UsageOf(entry, now)
	return &usage, nil
}

// Entry возвращает запись ledger владельца.
func (s *QuotaService) Entry(ctx context.Context, ownerID string) (*model.QuotaEntry, error) {
	entry, err := s.ledger.GetEntry(ctx, ownerID)
	if err != nil {
		return nil, s.mapError(err, ownerID)
	}
	return entry, nil
}

// SetPlan назначает владельцу план (опционально с собственным лимитом).
func (s *QuotaService) SetPlan(ctx context.Context, ownerID string, plan model.Plan, customLimit *int) (*model.QuotaEntry, error) {
	if !plan.Valid() {
		return nil, validationError(quota.ErrInvalidPlan, "Неизвестный план %q", plan)
	}
	entry, err := s.ledger.SetPlan(ctx, ownerID, plan, customLimit)
	if err != nil {
		return nil, s.mapError(err, ownerID)
	}
	s.logger.Info("Назначен план",
		slog.String("owner_id", ownerID),
		slog.String("plan", string(plan)),
	)
	return entry, nil
}

// AdminSetLimit устанавливает произвольный лимит (<0 — без ограничений).
func (s *QuotaService) AdminSetLimit(ctx context.Context, ownerID string, limit int) (*model.QuotaEntry, error) {
	entry, err := s.ledger.AdminSetLimit(ctx, ownerID, limit)
	if err != nil {
		return nil, s.mapError(err, ownerID)
	}
	s.logger.Info("Лимит квоты изменён",
		slog.String("owner_id", ownerID),
		slog.Int("limit", limit),
	)
	return entry, nil
}

// AdminResetUsage обнуляет счётчик загрузок владельца.
func (s *QuotaService) AdminResetUsage(ctx context.Context, ownerID string) (*model.QuotaEntry, error) {
	entry, err := s.ledger.AdminResetUsage(ctx, ownerID)
	if err != nil {
		return nil, s.mapError(err, ownerID)
	}
	s.logger.Info("Счётчик загрузок сброшен", slog.String("owner_id", ownerID))
	return entry, nil
}

// ListEntries возвращает страницу записей ledger и общее количество.
func (s *QuotaService) ListEntries(ctx context.Context, limit, offset int) ([]*model.QuotaEntry, int, error) {
	entries, total, err := s.ledger.ListEntries(ctx, limit, offset)
	if err != nil {
		return nil, 0, s.mapError(err, "")
	}
	return entries, total, nil
}

// mapError переводит ошибки ledger в таксономию сервиса.
func (s *QuotaService) mapError(err error, ownerID string) error {
	switch {
	case errors.Is(err, quota.ErrNotFound):
		return notFoundError(err, "Квота владельца %s не найдена", ownerID)
	case errors.Is(err, quota.ErrInvalidPlan):
		return validationError(err, "Неизвестный план")
	default:
		s.logger.Error("Ошибка ledger квот",
			slog.String("owner_id", ownerID),
			slog.String("error", err.Error()),
		)
		return persistenceError(err, "Ledger квот недоступен")
	}
}
