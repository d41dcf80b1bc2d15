// recovery.go — восстановление незавершённых операций при старте.
package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/bigkaa/goartstore/image-host/internal/storage/wal"
)

// RecoveryReport — итог восстановления.
type RecoveryReport struct {
	// Compensated — загрузки, артефакты которых удалены
	Compensated int
	// Completed — удаления, доведённые до конца
	Completed int
	// Failed — записи, которые не удалось обработать
	Failed int
}

// Recover обрабатывает pending записи журнала, оставшиеся после сбоя:
// незавершённая загрузка откатывается (артефакты и запись удаляются,
// резерв квоты возвращается), незавершённое удаление доводится до конца.
// Вызывается до начала приёма запросов.
func (s *ObjectService) Recover(ctx context.Context) (*RecoveryReport, error) {
	pending, err := s.journal.Pending()
	if err != nil {
		return nil, fmt.Errorf("чтение журнала: %w", err)
	}

	report := &RecoveryReport{}
	for _, entry := range pending {
		logger := s.logger.With(
			slog.String("tx_id", entry.TransactionID),
			slog.String("operation", string(entry.Operation)),
			slog.String("object_id", entry.ObjectID),
		)

		if err := s.removeObject(entry.ObjectID); err != nil {
			report.Failed++
			logger.Error("Ошибка восстановления операции", slog.String("error", err.Error()))
			continue
		}

		switch entry.Operation {
		case wal.OpObjectCreate:
			if entry.Reserved && entry.OwnerID != "" {
				if err := s.ledger.Release(ctx, entry.OwnerID); err != nil {
					logger.Error("Ошибка возврата резерва квоты", slog.String("error", err.Error()))
				}
			}
			if err := s.journal.Rollback(entry.TransactionID); err != nil {
				logger.Error("Ошибка отката журнала", slog.String("error", err.Error()))
			}
			report.Compensated++
			logger.Warn("Незавершённая загрузка откачена")
		default:
			if err := s.journal.Commit(entry.TransactionID); err != nil {
				logger.Error("Ошибка коммита журнала", slog.String("error", err.Error()))
			}
			report.Completed++
			logger.Info("Незавершённое удаление завершено")
		}
	}

	s.refreshGauges()
	return report, nil
}
