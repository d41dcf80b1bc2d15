package repository

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/bigkaa/goartstore/image-host/internal/database/dbtest"
	"github.com/bigkaa/goartstore/image-host/internal/domain/model"
	"github.com/bigkaa/goartstore/image-host/internal/quota"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// newOwner возвращает уникальный идентификатор владельца для подтеста.
func newOwner() string {
	return "user-" + uuid.NewString()
}

// TestQuotaLedger — все сценарии на одном контейнере PostgreSQL.
func TestQuotaLedger(t *testing.T) {
	pool := dbtest.SetupTestDB(t)
	ledger := NewQuotaLedger(pool, quota.NewCatalogue(nil, 0), testLogger())
	ctx := context.Background()

	t.Run("GetEntry_NotFound", func(t *testing.T) {
		_, err := ledger.GetEntry(ctx, newOwner())
		if !errors.Is(err, quota.ErrNotFound) {
			t.Fatalf("ожидалась ErrNotFound, получено: %v", err)
		}
	})

	t.Run("IsUploadAllowed_NoEntry", func(t *testing.T) {
		ok, err := ledger.IsUploadAllowed(ctx, newOwner())
		if err != nil {
			t.Fatalf("IsUploadAllowed: %v", err)
		}
		if !ok {
			t.Error("без записи загрузка по бесплатному плану должна быть разрешена")
		}
	})

	t.Run("ReserveCommit", func(t *testing.T) {
		owner := newOwner()
		if err := ledger.Reserve(ctx, owner); err != nil {
			t.Fatalf("Reserve: %v", err)
		}
		e, err := ledger.GetEntry(ctx, owner)
		if err != nil {
			t.Fatalf("GetEntry: %v", err)
		}
		if e.Plan != model.PlanFree || e.UsageLimit != 10 {
			t.Errorf("ожидался план free с лимитом 10, получено %s/%d", e.Plan, e.UsageLimit)
		}
		if e.Reserved != 1 || e.UsageCount != 0 {
			t.Errorf("после Reserve: reserved=%d usage=%d", e.Reserved, e.UsageCount)
		}

		if err := ledger.Commit(ctx, owner); err != nil {
			t.Fatalf("Commit: %v", err)
		}
		e, _ = ledger.GetEntry(ctx, owner)
		if e.Reserved != 0 || e.UsageCount != 1 {
			t.Errorf("после Commit: reserved=%d usage=%d", e.Reserved, e.UsageCount)
		}
	})

	t.Run("Commit_NoEntry", func(t *testing.T) {
		if err := ledger.Commit(ctx, newOwner()); !errors.Is(err, quota.ErrNotFound) {
			t.Errorf("ожидалась ErrNotFound, получено: %v", err)
		}
	})

	t.Run("Release", func(t *testing.T) {
		owner := newOwner()
		if err := ledger.Reserve(ctx, owner); err != nil {
			t.Fatalf("Reserve: %v", err)
		}
		if err := ledger.Release(ctx, owner); err != nil {
			t.Fatalf("Release: %v", err)
		}
		// Повторный Release не уводит счётчик в минус
		if err := ledger.Release(ctx, owner); err != nil {
			t.Fatalf("повторный Release: %v", err)
		}
		e, _ := ledger.GetEntry(ctx, owner)
		if e.Reserved != 0 || e.UsageCount != 0 {
			t.Errorf("после Release: reserved=%d usage=%d", e.Reserved, e.UsageCount)
		}
		if err := ledger.Release(ctx, newOwner()); err != nil {
			t.Errorf("Release без записи должен быть no-op: %v", err)
		}
	})

	t.Run("Reserve_Concurrent", func(t *testing.T) {
		owner := newOwner()
		if _, err := ledger.AdminSetLimit(ctx, owner, 5); err != nil {
			t.Fatalf("AdminSetLimit: %v", err)
		}
		for i := 0; i < 4; i++ {
			if err := ledger.RecordUpload(ctx, owner); err != nil {
				t.Fatalf("RecordUpload %d: %v", i, err)
			}
		}

		var (
			wg       sync.WaitGroup
			mu       sync.Mutex
			ok       int
			exceeded int
		)
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				err := ledger.Reserve(ctx, owner)
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					ok++
				case errors.Is(err, quota.ErrQuotaExceeded):
					exceeded++
				default:
					t.Errorf("неожиданная ошибка: %v", err)
				}
			}()
		}
		wg.Wait()

		if ok != 1 || exceeded != 9 {
			t.Errorf("ожидался 1 успешный резерв и 9 отказов, получено %d/%d", ok, exceeded)
		}
	})

	t.Run("RecordUpload_RefusesOverLimit", func(t *testing.T) {
		owner := newOwner()
		if _, err := ledger.AdminSetLimit(ctx, owner, 1); err != nil {
			t.Fatalf("AdminSetLimit: %v", err)
		}
		if err := ledger.RecordUpload(ctx, owner); err != nil {
			t.Fatalf("RecordUpload: %v", err)
		}
		if err := ledger.RecordUpload(ctx, owner); !errors.Is(err, quota.ErrQuotaExceeded) {
			t.Errorf("ожидалась ErrQuotaExceeded, получено: %v", err)
		}
		allowed, _ := ledger.IsUploadAllowed(ctx, owner)
		if allowed {
			t.Error("при исчерпанном лимите загрузка не должна быть разрешена")
		}
	})

	t.Run("Unlimited", func(t *testing.T) {
		owner := newOwner()
		if _, err := ledger.AdminSetLimit(ctx, owner, model.UnlimitedUsage); err != nil {
			t.Fatalf("AdminSetLimit: %v", err)
		}
		for i := 0; i < 25; i++ {
			if err := ledger.RecordUpload(ctx, owner); err != nil {
				t.Fatalf("RecordUpload %d: %v", i, err)
			}
		}
	})

	t.Run("SetPlan", func(t *testing.T) {
		owner := newOwner()
		if err := ledger.RecordUpload(ctx, owner); err != nil {
			t.Fatalf("RecordUpload: %v", err)
		}

		e, err := ledger.SetPlan(ctx, owner, model.PlanPro, nil)
		if err != nil {
			t.Fatalf("SetPlan: %v", err)
		}
		if e.Plan != model.PlanPro || e.UsageLimit != 500 || e.UsageCount != 0 {
			t.Errorf("после SetPlan: plan=%s limit=%d usage=%d", e.Plan, e.UsageLimit, e.UsageCount)
		}
		if e.Status != model.StatusActive {
			t.Errorf("ожидался статус active, получено %s", e.Status)
		}

		var status string
		err = pool.QueryRow(ctx,
			`SELECT status FROM quota_ledger_history WHERE owner_id = $1`, owner).Scan(&status)
		if err != nil {
			t.Fatalf("чтение истории: %v", err)
		}
		if status != string(model.StatusCancelled) {
			t.Errorf("предыдущая запись должна быть cancelled, получено %s", status)
		}

		custom := 42
		e, err = ledger.SetPlan(ctx, owner, model.PlanClassic, &custom)
		if err != nil {
			t.Fatalf("SetPlan с лимитом: %v", err)
		}
		if e.UsageLimit != 42 {
			t.Errorf("ожидался лимит 42, получено %d", e.UsageLimit)
		}

		if _, err := ledger.SetPlan(ctx, owner, model.Plan("gold"), nil); !errors.Is(err, quota.ErrInvalidPlan) {
			t.Errorf("ожидалась ErrInvalidPlan, получено: %v", err)
		}
	})

	t.Run("AdminResetUsage", func(t *testing.T) {
		if _, err := ledger.AdminResetUsage(ctx, newOwner()); !errors.Is(err, quota.ErrNotFound) {
			t.Errorf("ожидалась ErrNotFound, получено: %v", err)
		}

		owner := newOwner()
		_ = ledger.RecordUpload(ctx, owner)
		_ = ledger.RecordUpload(ctx, owner)
		e, err := ledger.AdminResetUsage(ctx, owner)
		if err != nil {
			t.Fatalf("AdminResetUsage: %v", err)
		}
		if e.UsageCount != 0 {
			t.Errorf("ожидался нулевой счётчик, получено %d", e.UsageCount)
		}
	})

	t.Run("ListEntries", func(t *testing.T) {
		_, total, err := ledger.ListEntries(ctx, 0, 0)
		if err != nil {
			t.Fatalf("ListEntries: %v", err)
		}
		if total == 0 {
			t.Fatal("ожидались записи от предыдущих подтестов")
		}
		page, pageTotal, err := ledger.ListEntries(ctx, 2, 1)
		if err != nil {
			t.Fatalf("ListEntries с лимитом: %v", err)
		}
		if pageTotal != total {
			t.Errorf("total не должен зависеть от страницы: %d != %d", pageTotal, total)
		}
		if len(page) > 2 {
			t.Errorf("ожидалось не более 2 записей, получено %d", len(page))
		}
	})
}
