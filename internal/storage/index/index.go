// Пакет index — потокобезопасный in-memory индекс записей объектов.
//
// Индекс строится при старте из файлов записей (BuildFromDir)
// и обновляется синхронно при операциях записи (Add, Update, Remove).
// Хранит две проекции: id → запись и shortCode → id, поэтому
// выборка списков и разрешение коротких кодов не обращаются к диску.
//
// Не персистентный: при рестарте пересобирается из файлов записей.
package index

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/bigkaa/goartstore/image-host/internal/domain/model"
	"github.com/bigkaa/goartstore/image-host/internal/storage/attr"
)

var (
	// ErrAlreadyExists — объект с таким id уже есть в индексе
	ErrAlreadyExists = errors.New("объект с таким идентификатором уже существует")
	// ErrShortCodeTaken — короткий код уже занят другим объектом
	ErrShortCodeTaken = errors.New("короткий код уже занят")
	// ErrNotFound — объект не найден в индексе
	ErrNotFound = errors.New("объект не найден в индексе")
)

// Filter — параметры фильтрации списка.
type Filter struct {
	// Search — подстрока (без учёта регистра) в имени файла или описании
	Search string
	// Tags — объект должен иметь хотя бы один из тегов
	Tags []string
	// OwnerID — только объекты владельца ("" = все)
	OwnerID string
}

// Index — потокобезопасный in-memory индекс записей.
type Index struct {
	mu        sync.RWMutex
	byID      map[string]*model.ObjectRecord // id → запись
	byShort   map[string]string              // shortCode → id
	totalSize int64
	ready     bool
	logger    *slog.Logger
}

// New создаёт пустой индекс. Для заполнения вызовите BuildFromDir.
func New(logger *slog.Logger) *Index {
	return &Index{
		byID:    make(map[string]*model.ObjectRecord),
		byShort: make(map[string]string),
		logger:  logger.With(slog.String("component", "index")),
	}
}

// BuildFromDir строит индекс из файлов записей в указанной директории.
// Заменяет текущее содержимое индекса. Используется при старте
// и после reconciliation.
func (idx *Index) BuildFromDir(dir string) error {
	scan, err := attr.ScanDir(dir)
	if err != nil {
		return fmt.Errorf("ошибка сканирования директории %s: %w", dir, err)
	}

	byID := make(map[string]*model.ObjectRecord, len(scan.Records))
	byShort := make(map[string]string, len(scan.Records))
	var totalSize int64

	// Детерминированный порядок: при конфликте коротких кодов
	// код остаётся за более ранним объектом
	sort.Slice(scan.Records, func(i, j int) bool {
		return lessOldest(scan.Records[i], scan.Records[j])
	})
	for _, rec := range scan.Records {
		byID[rec.ID] = rec
		totalSize += rec.SizeBytes
		if owner, taken := byShort[rec.ShortCode]; taken {
			idx.logger.Warn("Конфликт коротких кодов в записях",
				slog.String("short_code", rec.ShortCode),
				slog.String("object_id", rec.ID),
				slog.String("owner_object_id", owner),
			)
			continue
		}
		byShort[rec.ShortCode] = rec.ID
	}

	for _, path := range scan.Invalid {
		idx.logger.Warn("Повреждённый файл записи пропущен",
			slog.String("record", attr.IDFromPath(path)),
		)
	}

	idx.mu.Lock()
	idx.byID = byID
	idx.byShort = byShort
	idx.totalSize = totalSize
	idx.ready = true
	idx.mu.Unlock()

	idx.logger.Info("Индекс объектов построен",
		slog.Int("objects", len(byID)),
		slog.Int("invalid", len(scan.Invalid)),
	)
	return nil
}

// IsReady возвращает true, если индекс построен.
func (idx *Index) IsReady() bool {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.ready
}

// Add добавляет запись. Не перезаписывает существующие объекты:
// занятый id даёт ErrAlreadyExists, занятый короткий код — ErrShortCodeTaken.
func (idx *Index) Add(rec *model.ObjectRecord) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if err := idx.checkFreeLocked(rec.ID, rec.ShortCode); err != nil {
		return err
	}
	idx.byID[rec.ID] = rec.Clone()
	idx.byShort[rec.ShortCode] = rec.ID
	idx.totalSize += rec.SizeBytes
	return nil
}

// CheckFree проверяет, что id и короткий код свободны.
func (idx *Index) CheckFree(id, shortCode string) error {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.checkFreeLocked(id, shortCode)
}

func (idx *Index) checkFreeLocked(id, shortCode string) error {
	if _, ok := idx.byID[id]; ok {
		return fmt.Errorf("%s: %w", id, ErrAlreadyExists)
	}
	if _, ok := idx.byShort[shortCode]; ok {
		return fmt.Errorf("%s: %w", shortCode, ErrShortCodeTaken)
	}
	return nil
}

// Update заменяет запись существующего объекта.
// Короткий код объекта не меняется.
func (idx *Index) Update(rec *model.ObjectRecord) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	old, ok := idx.byID[rec.ID]
	if !ok {
		return fmt.Errorf("%s: %w", rec.ID, ErrNotFound)
	}
	idx.totalSize += rec.SizeBytes - old.SizeBytes
	idx.byID[rec.ID] = rec.Clone()
	return nil
}

// Remove удаляет объект из индекса. Возвращает true, если объект был найден.
func (idx *Index) Remove(id string) bool {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	rec, ok := idx.byID[id]
	if !ok {
		return false
	}
	delete(idx.byID, id)
	if idx.byShort[rec.ShortCode] == id {
		delete(idx.byShort, rec.ShortCode)
	}
	idx.totalSize -= rec.SizeBytes
	return true
}

// Get возвращает копию записи или nil.
func (idx *Index) Get(id string) *model.ObjectRecord {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.byID[id].Clone()
}

// GetByShortCode возвращает копию записи по короткому коду или nil.
func (idx *Index) GetByShortCode(code string) *model.ObjectRecord {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	id, ok := idx.byShort[code]
	if !ok {
		return nil
	}
	return idx.byID[id].Clone()
}

// List возвращает страницу записей и общее количество после фильтрации.
// Порядок: поиск → любой из тегов → сортировка по CreatedAt (новые первые,
// при равенстве по id) → offset/limit. limit <= 0 — без ограничения.
func (idx *Index) List(f Filter, offset, limit int) ([]*model.ObjectRecord, int) {
	search := strings.ToLower(strings.TrimSpace(f.Search))

	idx.mu.RLock()
	filtered := make([]*model.ObjectRecord, 0, len(idx.byID))
	for _, rec := range idx.byID {
		if f.OwnerID != "" && rec.Owner() != f.OwnerID {
			continue
		}
		if search != "" && !matchesSearch(rec, search) {
			continue
		}
		if len(f.Tags) > 0 && !matchesAnyTag(rec, f.Tags) {
			continue
		}
		filtered = append(filtered, rec)
	}
	idx.mu.RUnlock()

	sort.Slice(filtered, func(i, j int) bool {
		a, b := filtered[i], filtered[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID < b.ID
	})

	total := len(filtered)
	if offset < 0 {
		offset = 0
	}
	if offset >= total {
		return []*model.ObjectRecord{}, total
	}
	end := total
	if limit > 0 && offset+limit < total {
		end = offset + limit
	}

	page := make([]*model.ObjectRecord, 0, end-offset)
	for _, rec := range filtered[offset:end] {
		page = append(page, rec.Clone())
	}
	return page, total
}

// Snapshot возвращает копии всех записей (для reconciliation).
func (idx *Index) Snapshot() []*model.ObjectRecord {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	result := make([]*model.ObjectRecord, 0, len(idx.byID))
	for _, rec := range idx.byID {
		result = append(result, rec.Clone())
	}
	return result
}

// Count возвращает количество объектов.
func (idx *Index) Count() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.byID)
}

// TotalSize возвращает суммарный размер оригиналов в байтах.
func (idx *Index) TotalSize() int64 {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.totalSize
}

func matchesSearch(rec *model.ObjectRecord, lowered string) bool {
	return strings.Contains(strings.ToLower(rec.OriginalName), lowered) ||
		strings.Contains(strings.ToLower(rec.Description), lowered)
}

func matchesAnyTag(rec *model.ObjectRecord, tags []string) bool {
	for _, tag := range tags {
		if rec.HasTag(tag) {
			return true
		}
	}
	return false
}

// lessOldest — порядок «старые первые», при равенстве по id.
func lessOldest(a, b *model.ObjectRecord) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}
