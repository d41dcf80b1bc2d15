// Пакет blobstore — Object Store: бинарные артефакты объектов на локальном диске.
// Оригиналы и превью хранятся в отдельных поддиректориях под идентификатором
// объекта: {dataDir}/originals/{id}, {dataDir}/previews/{id}.
// Запись атомарная: temp файл → fsync → rename, BLAKE3 считается на лету.
package blobstore

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/zeebo/blake3"

	"github.com/bigkaa/goartstore/image-host/internal/domain/model"
)

// ErrNotFound — артефакт не найден.
var ErrNotFound = errors.New("артефакт не найден")

// ErrInvalidID — идентификатор непригоден для имени файла.
var ErrInvalidID = errors.New("недопустимый идентификатор артефакта")

// tmpSuffix — суффикс временных файлов незавершённой записи.
const tmpSuffix = ".tmp"

// dirs — поддиректория для каждого вида артефакта.
var dirs = map[model.ArtifactKind]string{
	model.KindOriginal: "originals",
	model.KindPreview:  "previews",
}

// Store — хранилище артефактов на локальной файловой системе.
type Store struct {
	dataDir string
}

// PutResult — результат записи артефакта.
type PutResult struct {
	Size     int64
	Checksum string
}

// BlobInfo — сведения об артефакте для reconciliation.
type BlobInfo struct {
	ID      string
	Size    int64
	ModTime time.Time
}

// New создаёт Store и поддиректории для всех видов артефактов.
func New(dataDir string) (*Store, error) {
	for _, sub := range dirs {
		dir := filepath.Join(dataDir, sub)
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("не удалось создать директорию %s: %w", dir, err)
		}
	}
	return &Store{dataDir: dataDir}, nil
}

// DataDir возвращает корневую директорию данных.
func (s *Store) DataDir() string {
	return s.dataDir
}

// Put записывает артефакт. Существующий артефакт с тем же id заменяется
// атомарно. При ошибке на диске не остаётся ни целевого, ни временного файла.
func (s *Store) Put(id string, kind model.ArtifactKind, r io.Reader) (*PutResult, error) {
	fullPath, err := s.path(id, kind)
	if err != nil {
		return nil, err
	}
	tmpPath := fullPath + tmpSuffix

	f, err := os.Create(tmpPath)
	if err != nil {
		return nil, fmt.Errorf("ошибка создания временного файла: %w", err)
	}

	hasher := blake3.New()
	size, err := io.Copy(f, io.TeeReader(r, hasher))
	if err != nil {
		f.Close()
		os.Remove(tmpPath)
		return nil, fmt.Errorf("ошибка записи %s %s: %w", kind, id, err)
	}

	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return nil, fmt.Errorf("ошибка fsync: %w", err)
	}

	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return nil, fmt.Errorf("ошибка закрытия файла: %w", err)
	}

	if err := os.Rename(tmpPath, fullPath); err != nil {
		os.Remove(tmpPath)
		return nil, fmt.Errorf("ошибка атомарного переименования: %w", err)
	}

	return &PutResult{
		Size:     size,
		Checksum: hex.EncodeToString(hasher.Sum(nil)),
	}, nil
}

// Get читает артефакт целиком.
func (s *Store) Get(id string, kind model.ArtifactKind) ([]byte, error) {
	f, err := s.Open(id, kind)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения %s %s: %w", kind, id, err)
	}
	return data, nil
}

// Open открывает артефакт для чтения (поддерживает Seek для Range-запросов).
// Вызывающий код обязан закрыть файл.
func (s *Store) Open(id string, kind model.ArtifactKind) (*os.File, error) {
	fullPath, err := s.path(id, kind)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
		}
		return nil, fmt.Errorf("ошибка открытия %s %s: %w", kind, id, err)
	}
	return f, nil
}

// Delete удаляет артефакт. Отсутствие артефакта не является ошибкой.
func (s *Store) Delete(id string, kind model.ArtifactKind) error {
	fullPath, err := s.path(id, kind)
	if err != nil {
		return err
	}

	if err := os.Remove(fullPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("ошибка удаления %s %s: %w", kind, id, err)
	}
	return nil
}

// Exists проверяет наличие артефакта.
func (s *Store) Exists(id string, kind model.ArtifactKind) bool {
	fullPath, err := s.path(id, kind)
	if err != nil {
		return false
	}
	_, err = os.Stat(fullPath)
	return err == nil
}

// Size возвращает размер артефакта.
func (s *Store) Size(id string, kind model.ArtifactKind) (int64, error) {
	fullPath, err := s.path(id, kind)
	if err != nil {
		return 0, err
	}
	info, err := os.Stat(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
		}
		return 0, fmt.Errorf("ошибка получения информации о %s %s: %w", kind, id, err)
	}
	return info.Size(), nil
}

// Checksum вычисляет BLAKE3 хэш существующего артефакта.
// Используется при reconciliation для проверки целостности.
func (s *Store) Checksum(id string, kind model.ArtifactKind) (string, error) {
	f, err := s.Open(id, kind)
	if err != nil {
		return "", err
	}
	defer f.Close()

	hasher := blake3.New()
	if _, err := io.Copy(hasher, f); err != nil {
		return "", fmt.Errorf("ошибка вычисления checksum %s %s: %w", kind, id, err)
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// List возвращает все артефакты заданного вида. Временные файлы пропускаются.
func (s *Store) List(kind model.ArtifactKind) ([]BlobInfo, error) {
	sub, ok := dirs[kind]
	if !ok {
		return nil, fmt.Errorf("неизвестный вид артефакта: %q", kind)
	}

	entries, err := os.ReadDir(filepath.Join(s.dataDir, sub))
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения директории %s: %w", sub, err)
	}

	result := make([]BlobInfo, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || strings.HasSuffix(e.Name(), tmpSuffix) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			// Файл мог быть удалён между ReadDir и Info
			continue
		}
		result = append(result, BlobInfo{
			ID:      e.Name(),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
	}
	return result, nil
}

// RemoveStaleTemp удаляет временные файлы, оставшиеся от прерванных записей,
// если они старше olderThan. Возвращает количество удалённых файлов.
func (s *Store) RemoveStaleTemp(olderThan time.Duration, now time.Time) (int, error) {
	removed := 0
	for _, sub := range dirs {
		dir := filepath.Join(s.dataDir, sub)
		entries, err := os.ReadDir(dir)
		if err != nil {
			return removed, fmt.Errorf("ошибка чтения директории %s: %w", sub, err)
		}
		for _, e := range entries {
			if e.IsDir() || !strings.HasSuffix(e.Name(), tmpSuffix) {
				continue
			}
			info, err := e.Info()
			if err != nil || now.Sub(info.ModTime()) < olderThan {
				continue
			}
			if err := os.Remove(filepath.Join(dir, e.Name())); err == nil {
				removed++
			}
		}
	}
	return removed, nil
}

// path строит путь к артефакту, проверяя идентификатор и вид.
func (s *Store) path(id string, kind model.ArtifactKind) (string, error) {
	sub, ok := dirs[kind]
	if !ok {
		return "", fmt.Errorf("неизвестный вид артефакта: %q", kind)
	}
	if !validID(id) {
		return "", fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return filepath.Join(s.dataDir, sub, id), nil
}

// validID — непустой идентификатор без разделителей пути и точек в начале.
func validID(id string) bool {
	if id == "" || strings.HasPrefix(id, ".") {
		return false
	}
	return !strings.ContainsAny(id, `/\`+"\x00")
}
