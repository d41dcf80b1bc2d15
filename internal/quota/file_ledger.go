// file_ledger.go — Ledger на файлах: один JSON-файл на владельца
// (текущая запись + история замен). Имя файла — BLAKE3 от идентификатора
// владельца, сам идентификатор хранится внутри записи. Операции над одним владельцем
// сериализуются его мьютексом, файлы пишутся атомарно.
package quota

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/zeebo/blake3"

	"github.com/bigkaa/goartstore/image-host/internal/domain/model"
)

const ledgerSuffix = ".quota.json"

// ledgerFile — содержимое файла владельца.
type ledgerFile struct {
	Current *model.QuotaEntry  `json:"current"`
	History []model.QuotaEntry `json:"history,omitempty"`
}

// FileLedger — файловая реализация Ledger.
type FileLedger struct {
	dir       string
	catalogue *Catalogue
	locks     sync.Map // ownerID → *sync.Mutex
	now       func() time.Time
	logger    *slog.Logger
}

// NewFileLedger создаёт ledger в директории dir.
func NewFileLedger(dir string, catalogue *Catalogue, logger *slog.Logger) (*FileLedger, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("не удалось создать директорию квот %s: %w", dir, err)
	}
	return &FileLedger{
		dir:       dir,
		catalogue: catalogue,
		now:       func() time.Time { return time.Now().UTC() },
		logger:    logger.With(slog.String("component", "quota_ledger")),
	}, nil
}

// GetEntry возвращает текущую запись владельца.
func (l *FileLedger) GetEntry(_ context.Context, ownerID string) (*model.QuotaEntry, error) {
	unlock := l.lock(ownerID)
	defer unlock()

	f, err := l.read(ownerID)
	if err != nil {
		return nil, err
	}
	if f.Current == nil {
		return nil, fmt.Errorf("%s: %w", ownerID, ErrNotFound)
	}
	return f.Current, nil
}

// IsUploadAllowed проверяет лимит без изменения записи.
func (l *FileLedger) IsUploadAllowed(_ context.Context, ownerID string) (bool, error) {
	unlock := l.lock(ownerID)
	defer unlock()

	f, err := l.read(ownerID)
	if err != nil {
		return false, err
	}
	if f.Current == nil {
		limit, err := l.catalogue.Limit(model.PlanFree)
		if err != nil {
			return false, err
		}
		return limit != 0, nil
	}
	return f.Current.AllowsUpload(l.now()), nil
}

// RecordUpload учитывает загрузку без резерва.
func (l *FileLedger) RecordUpload(_ context.Context, ownerID string) error {
	_, err := l.mutate(ownerID, true, func(e *model.QuotaEntry, now time.Time) error {
		if !e.AllowsUpload(now) {
			return ErrQuotaExceeded
		}
		e.UsageCount++
		return nil
	})
	return err
}

// Reserve резервирует одну загрузку.
func (l *FileLedger) Reserve(_ context.Context, ownerID string) error {
	_, err := l.mutate(ownerID, true, func(e *model.QuotaEntry, now time.Time) error {
		if !e.AllowsUpload(now) {
			return ErrQuotaExceeded
		}
		e.Reserved++
		return nil
	})
	return err
}

// Commit превращает резерв в учтённую загрузку.
func (l *FileLedger) Commit(_ context.Context, ownerID string) error {
	_, err := l.mutate(ownerID, false, func(e *model.QuotaEntry, _ time.Time) error {
		if e.Reserved > 0 {
			e.Reserved--
		}
		e.UsageCount++
		return nil
	})
	return err
}

// Release возвращает резерв.
func (l *FileLedger) Release(_ context.Context, ownerID string) error {
	_, err := l.mutate(ownerID, false, func(e *model.QuotaEntry, _ time.Time) error {
		if e.Reserved > 0 {
			e.Reserved--
		}
		return nil
	})
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

// SetPlan заменяет текущую запись новой, старая уходит в историю.
func (l *FileLedger) SetPlan(_ context.Context, ownerID string, plan model.Plan, customLimit *int) (*model.QuotaEntry, error) {
	unlock := l.lock(ownerID)
	defer unlock()

	f, err := l.read(ownerID)
	if err != nil {
		return nil, err
	}

	now := l.now()
	next, err := l.catalogue.NewEntry(ownerID, plan, customLimit, now)
	if err != nil {
		return nil, err
	}
	if f.Current != nil {
		prev := *f.Current
		if prev.Status == model.StatusActive {
			prev.Status = model.StatusCancelled
		}
		prev.UpdatedAt = now
		f.History = append(f.History, prev)
		next.CreatedAt = f.Current.CreatedAt
	}
	f.Current = next

	if err := l.write(ownerID, f); err != nil {
		return nil, err
	}
	l.logger.Info("План квоты изменён",
		slog.String("owner_id", ownerID),
		slog.String("plan", string(plan)),
		slog.Int("limit", next.UsageLimit),
	)
	return next, nil
}

// AdminSetLimit устанавливает произвольный лимит.
func (l *FileLedger) AdminSetLimit(_ context.Context, ownerID string, limit int) (*model.QuotaEntry, error) {
	return l.mutate(ownerID, true, func(e *model.QuotaEntry, _ time.Time) error {
		e.UsageLimit = limit
		return nil
	})
}

// AdminResetUsage обнуляет счётчик учтённых загрузок.
func (l *FileLedger) AdminResetUsage(_ context.Context, ownerID string) (*model.QuotaEntry, error) {
	return l.mutate(ownerID, false, func(e *model.QuotaEntry, _ time.Time) error {
		e.UsageCount = 0
		return nil
	})
}

// ListEntries возвращает страницу текущих записей, отсортированных по владельцу.
func (l *FileLedger) ListEntries(_ context.Context, limit, offset int) ([]*model.QuotaEntry, int, error) {
	paths, err := filepath.Glob(filepath.Join(l.dir, "*"+ledgerSuffix))
	if err != nil {
		return nil, 0, fmt.Errorf("ошибка сканирования директории квот: %w", err)
	}

	entries := make([]*model.QuotaEntry, 0, len(paths))
	for _, path := range paths {
		f, err := readFile(path)
		if err != nil {
			l.logger.Warn("Повреждённый файл квоты пропущен",
				slog.String("file", filepath.Base(path)),
				slog.String("error", err.Error()),
			)
			continue
		}
		if f.Current != nil {
			entries = append(entries, f.Current)
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].OwnerID < entries[j].OwnerID })

	total := len(entries)
	if offset < 0 {
		offset = 0
	}
	if offset >= total {
		return []*model.QuotaEntry{}, total, nil
	}
	end := total
	if limit > 0 && offset+limit < total {
		end = offset + limit
	}
	return entries[offset:end], total, nil
}

// History возвращает заменённые записи владельца (старые первые).
func (l *FileLedger) History(ownerID string) ([]model.QuotaEntry, error) {
	unlock := l.lock(ownerID)
	defer unlock()

	f, err := l.read(ownerID)
	if err != nil {
		return nil, err
	}
	return f.History, nil
}

// mutate выполняет read-modify-write текущей записи под мьютексом владельца.
// create — создать запись бесплатного плана, если её нет; иначе ErrNotFound.
func (l *FileLedger) mutate(ownerID string, create bool, fn func(e *model.QuotaEntry, now time.Time) error) (*model.QuotaEntry, error) {
	if ownerID == "" {
		return nil, fmt.Errorf("пустой владелец: %w", ErrNotFound)
	}
	unlock := l.lock(ownerID)
	defer unlock()

	f, err := l.read(ownerID)
	if err != nil {
		return nil, err
	}

	now := l.now()
	if f.Current == nil {
		if !create {
			return nil, fmt.Errorf("%s: %w", ownerID, ErrNotFound)
		}
		entry, err := l.catalogue.NewEntry(ownerID, model.PlanFree, nil, now)
		if err != nil {
			return nil, err
		}
		f.Current = entry
		l.logger.Info("Создана запись бесплатного плана", slog.String("owner_id", ownerID))
	}

	next := *f.Current
	if err := fn(&next, now); err != nil {
		return nil, err
	}
	next.UpdatedAt = now
	f.Current = &next

	if err := l.write(ownerID, f); err != nil {
		return nil, err
	}
	result := next
	return &result, nil
}

func (l *FileLedger) lock(ownerID string) func() {
	v, _ := l.locks.LoadOrStore(ownerID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// path — ownerID приходит из токена и может быть любой длины,
// поэтому имя файла фиксированной длины.
func (l *FileLedger) path(ownerID string) string {
	sum := blake3.Sum256([]byte(ownerID))
	return filepath.Join(l.dir, hex.EncodeToString(sum[:])+ledgerSuffix)
}

func (l *FileLedger) read(ownerID string) (*ledgerFile, error) {
	f, err := readFile(l.path(ownerID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &ledgerFile{}, nil
		}
		return nil, err
	}
	return f, nil
}

func readFile(path string) (*ledgerFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f ledgerFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("ошибка десериализации %s: %w", filepath.Base(path), err)
	}
	return &f, nil
}

// write атомарно сохраняет файл владельца: temp → fsync → rename.
func (l *FileLedger) write(ownerID string, f *ledgerFile) error {
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("ошибка сериализации квоты: %w", err)
	}

	path := l.path(ownerID)
	tmp, err := os.CreateTemp(l.dir, strings.TrimSuffix(filepath.Base(path), ledgerSuffix)+".*.tmp")
	if err != nil {
		return fmt.Errorf("ошибка создания временного файла: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка записи квоты: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка fsync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка закрытия файла: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка атомарного переименования: %w", err)
	}
	return nil
}
