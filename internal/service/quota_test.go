package service

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/bigkaa/goartstore/image-host/internal/domain/model"
	"github.com/bigkaa/goartstore/image-host/internal/quota"
)

func newQuotaService(t *testing.T) (*QuotaService, *quota.FileLedger) {
	t.Helper()
	catalogue := quota.NewCatalogue(nil, 0)
	ledger, err := quota.NewFileLedger(filepath.Join(t.TempDir(), "quota"), catalogue, testLogger())
	if err != nil {
		t.Fatalf("Ошибка создания ledger: %v", err)
	}
	return NewQuotaService(ledger, catalogue, testLogger()), ledger
}

func TestQuotaService_Plans(t *testing.T) {
	svc, _ := newQuotaService(t)
	plans := svc.Plans()
	if len(plans) != 4 || plans[0].ID != model.PlanFree || plans[3].ImageQuota != 2000 {
		t.Errorf("неожиданный каталог: %+v", plans)
	}
}

func TestQuotaService_UsageWithoutEntry(t *testing.T) {
	svc, ledger := newQuotaService(t)
	ctx := context.Background()

	usage, err := svc.Usage(ctx, "alice")
	if err != nil {
		t.Fatalf("Usage: %v", err)
	}
	if usage.Plan != model.PlanFree || usage.ImageQuota != 10 || usage.ImagesUploaded != 0 {
		t.Errorf("неожиданная статистика: %+v", usage)
	}
	if usage.DaysRemaining != 30 {
		t.Errorf("DaysRemaining: хотели 30, получили %d", usage.DaysRemaining)
	}
	if _, err := ledger.GetEntry(ctx, "alice"); !errors.Is(err, quota.ErrNotFound) {
		t.Error("чтение статистики не должно создавать запись")
	}
}

func TestQuotaService_UsagePercent(t *testing.T) {
	svc, ledger := newQuotaService(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := ledger.RecordUpload(ctx, "alice"); err != nil {
			t.Fatalf("RecordUpload: %v", err)
		}
	}
	usage, err := svc.Usage(ctx, "alice")
	if err != nil {
		t.Fatalf("Usage: %v", err)
	}
	if usage.ImagesUploaded != 3 || usage.QuotaUsagePercent != 30 {
		t.Errorf("неожиданная статистика: %+v", usage)
	}
}

func TestQuotaService_SetPlanAndAdmin(t *testing.T) {
	svc, _ := newQuotaService(t)
	ctx := context.Background()

	entry, err := svc.SetPlan(ctx, "alice", model.PlanClassic, nil)
	if err != nil {
		t.Fatalf("SetPlan: %v", err)
	}
	if entry.UsageLimit != 100 {
		t.Errorf("лимит classic: %d", entry.UsageLimit)
	}

	if _, err := svc.SetPlan(ctx, "alice", model.Plan("gold"), nil); KindOf(err) != KindValidation {
		t.Errorf("ожидалась validation_failure: %v", err)
	}

	entry, err = svc.AdminSetLimit(ctx, "alice", model.UnlimitedUsage)
	if err != nil {
		t.Fatalf("AdminSetLimit: %v", err)
	}
	if !entry.Unlimited() {
		t.Error("ожидался безлимитный план")
	}

	if _, err := svc.AdminResetUsage(ctx, "nobody"); !errors.Is(err, ErrNotFound) {
		t.Errorf("ожидалась not_found: %v", err)
	}

	entries, total, err := svc.ListEntries(ctx, 10, 0)
	if err != nil || total != 1 || len(entries) != 1 {
		t.Errorf("ListEntries: %d/%d, %v", len(entries), total, err)
	}
}

type unavailableLedger struct {
	quota.Ledger
}

func (unavailableLedger) GetEntry(context.Context, string) (*model.QuotaEntry, error) {
	return nil, errors.New("connection refused")
}

func TestQuotaService_LedgerFailure(t *testing.T) {
	svc := NewQuotaService(unavailableLedger{}, quota.NewCatalogue(nil, time.Hour), testLogger())
	_, err := svc.Usage(context.Background(), "alice")
	if KindOf(err) != KindPersistence {
		t.Errorf("ожидалась persistence_failure: %v", err)
	}
}
