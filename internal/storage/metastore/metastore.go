// Пакет metastore — Metadata Store: записи объектов на диске + in-memory индекс.
// Файлы записей — источник истины, индекс — проекция для быстрых выборок.
// Все изменения сериализуются одним мьютексом: запись файла и обновление
// индекса выполняются вместе.
package metastore

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/bigkaa/goartstore/image-host/internal/domain/model"
	"github.com/bigkaa/goartstore/image-host/internal/storage/attr"
	"github.com/bigkaa/goartstore/image-host/internal/storage/index"
)

var (
	// ErrNotFound — запись не найдена
	ErrNotFound = errors.New("запись объекта не найдена")
	// ErrAlreadyExists — id занят
	ErrAlreadyExists = index.ErrAlreadyExists
	// ErrShortCodeTaken — короткий код занят
	ErrShortCodeTaken = index.ErrShortCodeTaken
)

// Mutator изменяет копию записи внутри Update.
// Изменения неизменяемых полей игнорируются.
type Mutator func(rec *model.ObjectRecord) error

// Store — хранилище метаданных объектов.
type Store struct {
	dir    string
	idx    *index.Index
	mu     sync.Mutex
	logger *slog.Logger
}

// New создаёт Store поверх директории записей и индекса.
// Индекс заполняется вызовом Rebuild.
func New(dir string, idx *index.Index, logger *slog.Logger) *Store {
	return &Store{
		dir:    dir,
		idx:    idx,
		logger: logger.With(slog.String("component", "metastore")),
	}
}

// Dir возвращает директорию файлов записей.
func (s *Store) Dir() string {
	return s.dir
}

// Rebuild пересобирает индекс из файлов записей.
func (s *Store) Rebuild() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.idx.BuildFromDir(s.dir)
}

// IsReady возвращает true, если индекс построен.
func (s *Store) IsReady() bool {
	return s.idx.IsReady()
}

// Create сохраняет новую запись. Существующие объекты не перезаписываются:
// занятый id — ErrAlreadyExists, занятый короткий код — ErrShortCodeTaken.
func (s *Store) Create(rec *model.ObjectRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.idx.CheckFree(rec.ID, rec.ShortCode); err != nil {
		return err
	}

	stored := rec.Clone()
	if stored.Tags == nil {
		stored.Tags = []string{}
	}
	if err := attr.Write(s.dir, stored); err != nil {
		return fmt.Errorf("запись метаданных %s: %w", rec.ID, err)
	}
	if err := s.idx.Add(stored); err != nil {
		// Под мьютексом недостижимо, но файл не должен остаться без индекса
		_ = attr.Delete(s.dir, rec.ID)
		return err
	}
	return nil
}

// Get возвращает запись по id.
func (s *Store) Get(id string) (*model.ObjectRecord, error) {
	rec := s.idx.Get(id)
	if rec == nil {
		return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return rec, nil
}

// FindByShortCode возвращает запись по короткому коду.
func (s *Store) FindByShortCode(code string) (*model.ObjectRecord, error) {
	rec := s.idx.GetByShortCode(code)
	if rec == nil {
		return nil, fmt.Errorf("короткий код %s: %w", code, ErrNotFound)
	}
	return rec, nil
}

// List возвращает страницу записей (page с 1) и общее количество после фильтрации.
func (s *Store) List(f index.Filter, page, pageSize int) ([]*model.ObjectRecord, int) {
	if page < 1 {
		page = 1
	}
	return s.idx.List(f, (page-1)*pageSize, pageSize)
}

// Update выполняет read-modify-write записи под мьютексом.
// ID, ShortCode, StoredName и CreatedAt сохраняются независимо от мутатора.
func (s *Store) Update(id string, mutate Mutator) (*model.ObjectRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current := s.idx.Get(id)
	if current == nil {
		return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
	}

	next := current.Clone()
	if err := mutate(next); err != nil {
		return nil, err
	}
	next.ID = current.ID
	next.ShortCode = current.ShortCode
	next.StoredName = current.StoredName
	next.CreatedAt = current.CreatedAt
	if next.Tags == nil {
		next.Tags = []string{}
	}

	if err := attr.Write(s.dir, next); err != nil {
		return nil, fmt.Errorf("запись метаданных %s: %w", id, err)
	}
	if err := s.idx.Update(next); err != nil {
		return nil, err
	}
	return next.Clone(), nil
}

// Delete удаляет запись. Отсутствие записи не является ошибкой.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := attr.Delete(s.dir, id); err != nil {
		return err
	}
	if s.idx.Remove(id) {
		s.logger.Debug("Запись удалена", slog.String("object_id", id))
	}
	return nil
}

// Snapshot возвращает копии всех записей.
func (s *Store) Snapshot() []*model.ObjectRecord {
	return s.idx.Snapshot()
}

// Count возвращает количество объектов.
func (s *Store) Count() int {
	return s.idx.Count()
}

// TotalSize возвращает суммарный размер оригиналов.
func (s *Store) TotalSize() int64 {
	return s.idx.TotalSize()
}
