package repository

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bigkaa/goartstore/image-host/internal/domain/model"
	"github.com/bigkaa/goartstore/image-host/internal/quota"
)

// QuotaLedger — реализация quota.Ledger на PostgreSQL.
// Проверка лимита и изменение счётчиков выполняются одним условным
// UPDATE, поэтому конкурентные резервы не превышают лимит.
type QuotaLedger struct {
	db        DBTX
	tx        *TxRunner
	catalogue *quota.Catalogue
	now       func() time.Time
	logger    *slog.Logger
}

var _ quota.Ledger = (*QuotaLedger)(nil)

// NewQuotaLedger создаёт ledger поверх пула подключений.
func NewQuotaLedger(pool *pgxpool.Pool, catalogue *quota.Catalogue, logger *slog.Logger) *QuotaLedger {
	return &QuotaLedger{
		db:        pool,
		tx:        NewTxRunner(pool),
		catalogue: catalogue,
		now:       func() time.Time { return time.Now().UTC() },
		logger:    logger.With(slog.String("component", "quota_ledger")),
	}
}

const quotaColumns = `owner_id, plan, status, usage_count, reserved_count, usage_limit,
	period_start, period_end, created_at, updated_at`

// allowsUploadCond — условие «ещё одна загрузка допустима» ($2 — текущее время).
const allowsUploadCond = `status = 'active' AND period_end >= $2
	AND (usage_limit < 0 OR usage_count + reserved_count < usage_limit)`

func scanEntry(row pgx.Row) (*model.QuotaEntry, error) {
	e := &model.QuotaEntry{}
	err := row.Scan(
		&e.OwnerID, &e.Plan, &e.Status, &e.UsageCount, &e.Reserved, &e.UsageLimit,
		&e.PeriodStart, &e.PeriodEnd, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return e, nil
}

// GetEntry возвращает текущую запись владельца.
func (l *QuotaLedger) GetEntry(ctx context.Context, ownerID string) (*model.QuotaEntry, error) {
	query := fmt.Sprintf(`SELECT %s FROM quota_ledger WHERE owner_id = $1`, quotaColumns)

	e, err := scanEntry(l.db.QueryRow(ctx, query, ownerID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%s: %w", ownerID, quota.ErrNotFound)
		}
		return nil, fmt.Errorf("ошибка получения квоты: %w", err)
	}
	return e, nil
}

// IsUploadAllowed проверяет лимит без изменения записи.
func (l *QuotaLedger) IsUploadAllowed(ctx context.Context, ownerID string) (bool, error) {
	e, err := l.GetEntry(ctx, ownerID)
	if errors.Is(err, quota.ErrNotFound) {
		limit, err := l.catalogue.Limit(model.PlanFree)
		if err != nil {
			return false, err
		}
		return limit != 0, nil
	}
	if err != nil {
		return false, err
	}
	return e.AllowsUpload(l.now()), nil
}

// RecordUpload учитывает загрузку без резерва.
func (l *QuotaLedger) RecordUpload(ctx context.Context, ownerID string) error {
	return l.guardedIncrement(ctx, ownerID, "usage_count")
}

// Reserve резервирует одну загрузку.
func (l *QuotaLedger) Reserve(ctx context.Context, ownerID string) error {
	return l.guardedIncrement(ctx, ownerID, "reserved_count")
}

// guardedIncrement увеличивает column на 1, только если загрузка допустима.
func (l *QuotaLedger) guardedIncrement(ctx context.Context, ownerID, column string) error {
	if err := l.ensureEntry(ctx, ownerID); err != nil {
		return err
	}

	query := fmt.Sprintf(`
		UPDATE quota_ledger SET %[1]s = %[1]s + 1, updated_at = $2
		WHERE owner_id = $1 AND %[2]s`, column, allowsUploadCond)

	tag, err := l.db.Exec(ctx, query, ownerID, l.now())
	if err != nil {
		return fmt.Errorf("ошибка обновления квоты: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return quota.ErrQuotaExceeded
	}
	return nil
}

// Commit превращает резерв в учтённую загрузку.
func (l *QuotaLedger) Commit(ctx context.Context, ownerID string) error {
	tag, err := l.db.Exec(ctx, `
		UPDATE quota_ledger
		SET reserved_count = GREATEST(reserved_count - 1, 0),
		    usage_count = usage_count + 1,
		    updated_at = $2
		WHERE owner_id = $1`, ownerID, l.now())
	if err != nil {
		return fmt.Errorf("ошибка учёта загрузки: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s: %w", ownerID, quota.ErrNotFound)
	}
	return nil
}

// Release возвращает резерв. Отсутствие записи не является ошибкой.
func (l *QuotaLedger) Release(ctx context.Context, ownerID string) error {
	_, err := l.db.Exec(ctx, `
		UPDATE quota_ledger
		SET reserved_count = GREATEST(reserved_count - 1, 0), updated_at = $2
		WHERE owner_id = $1 AND reserved_count > 0`, ownerID, l.now())
	if err != nil {
		return fmt.Errorf("ошибка возврата резерва: %w", err)
	}
	return nil
}

// SetPlan заменяет текущую запись в транзакции: предыдущая копируется
// в quota_ledger_history, счётчики обнуляются, начинается новый период.
func (l *QuotaLedger) SetPlan(ctx context.Context, ownerID string, plan model.Plan, customLimit *int) (*model.QuotaEntry, error) {
	next, err := l.catalogue.NewEntry(ownerID, plan, customLimit, l.now())
	if err != nil {
		return nil, err
	}

	var result *model.QuotaEntry
	err = l.tx.RunInTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO quota_ledger_history
				(owner_id, plan, status, usage_count, usage_limit, period_start, period_end, superseded_at)
			SELECT owner_id, plan,
			       CASE WHEN status = 'active' THEN 'cancelled' ELSE status END,
			       usage_count, usage_limit, period_start, period_end, $2
			FROM quota_ledger WHERE owner_id = $1`, ownerID, next.UpdatedAt)
		if err != nil {
			return fmt.Errorf("ошибка сохранения истории квоты: %w", err)
		}

		query := fmt.Sprintf(`
			INSERT INTO quota_ledger
				(owner_id, plan, status, usage_count, reserved_count, usage_limit,
				 period_start, period_end, created_at, updated_at)
			VALUES ($1, $2, $3, 0, 0, $4, $5, $6, $7, $7)
			ON CONFLICT (owner_id) DO UPDATE SET
				plan = EXCLUDED.plan,
				status = EXCLUDED.status,
				usage_count = 0,
				reserved_count = 0,
				usage_limit = EXCLUDED.usage_limit,
				period_start = EXCLUDED.period_start,
				period_end = EXCLUDED.period_end,
				updated_at = EXCLUDED.updated_at
			RETURNING %s`, quotaColumns)

		result, err = scanEntry(tx.QueryRow(ctx, query,
			ownerID, next.Plan, next.Status, next.UsageLimit,
			next.PeriodStart, next.PeriodEnd, next.UpdatedAt,
		))
		if err != nil {
			return fmt.Errorf("ошибка записи квоты: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	l.logger.Info("План квоты изменён",
		slog.String("owner_id", ownerID),
		slog.String("plan", string(plan)),
		slog.Int("limit", result.UsageLimit),
	)
	return result, nil
}

// AdminSetLimit устанавливает произвольный лимит.
func (l *QuotaLedger) AdminSetLimit(ctx context.Context, ownerID string, limit int) (*model.QuotaEntry, error) {
	if err := l.ensureEntry(ctx, ownerID); err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`
		UPDATE quota_ledger SET usage_limit = $2, updated_at = $3
		WHERE owner_id = $1 RETURNING %s`, quotaColumns)

	e, err := scanEntry(l.db.QueryRow(ctx, query, ownerID, limit, l.now()))
	if err != nil {
		return nil, fmt.Errorf("ошибка изменения лимита: %w", err)
	}
	return e, nil
}

// AdminResetUsage обнуляет счётчик учтённых загрузок.
func (l *QuotaLedger) AdminResetUsage(ctx context.Context, ownerID string) (*model.QuotaEntry, error) {
	query := fmt.Sprintf(`
		UPDATE quota_ledger SET usage_count = 0, updated_at = $2
		WHERE owner_id = $1 RETURNING %s`, quotaColumns)

	e, err := scanEntry(l.db.QueryRow(ctx, query, ownerID, l.now()))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%s: %w", ownerID, quota.ErrNotFound)
		}
		return nil, fmt.Errorf("ошибка сброса счётчика: %w", err)
	}
	return e, nil
}

// ListEntries возвращает страницу записей по владельцу и общее количество.
func (l *QuotaLedger) ListEntries(ctx context.Context, limit, offset int) ([]*model.QuotaEntry, int, error) {
	var total int
	if err := l.db.QueryRow(ctx, `SELECT count(*) FROM quota_ledger`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("ошибка подсчёта квот: %w", err)
	}

	// NULL в LIMIT — без ограничения
	var limitArg *int
	if limit > 0 {
		limitArg = &limit
	}
	if offset < 0 {
		offset = 0
	}

	query := fmt.Sprintf(`SELECT %s FROM quota_ledger ORDER BY owner_id LIMIT $1 OFFSET $2`, quotaColumns)
	rows, err := l.db.Query(ctx, query, limitArg, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("ошибка получения списка квот: %w", err)
	}
	defer rows.Close()

	entries := make([]*model.QuotaEntry, 0)
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("ошибка чтения квоты: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("ошибка итерации квот: %w", err)
	}
	return entries, total, nil
}

// ensureEntry создаёт запись бесплатного плана, если её нет.
func (l *QuotaLedger) ensureEntry(ctx context.Context, ownerID string) error {
	free, err := l.catalogue.NewEntry(ownerID, model.PlanFree, nil, l.now())
	if err != nil {
		return err
	}
	tag, err := l.db.Exec(ctx, `
		INSERT INTO quota_ledger
			(owner_id, plan, status, usage_count, reserved_count, usage_limit,
			 period_start, period_end, created_at, updated_at)
		VALUES ($1, $2, $3, 0, 0, $4, $5, $6, $5, $5)
		ON CONFLICT (owner_id) DO NOTHING`,
		free.OwnerID, free.Plan, free.Status, free.UsageLimit, free.PeriodStart, free.PeriodEnd,
	)
	if err != nil {
		return fmt.Errorf("ошибка создания квоты: %w", err)
	}
	if tag.RowsAffected() > 0 {
		l.logger.Info("Создана запись бесплатного плана", slog.String("owner_id", ownerID))
	}
	return nil
}
