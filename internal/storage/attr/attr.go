// Пакет attr — чтение и запись файлов записей объектов ({id}.json).
// Файл записи — единственный источник истины для метаданных объекта,
// in-memory индекс строится из них при старте.
// Все операции записи выполняются атомарно: temp → fsync → rename.
package attr

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bigkaa/goartstore/image-host/internal/domain/model"
)

// RecordSuffix — суффикс файла записи.
const RecordSuffix = ".json"

// maxRecordFileSize — максимальный допустимый размер файла записи (64 КБ).
const maxRecordFileSize = 64 * 1024

// ErrNotFound — файл записи не найден.
var ErrNotFound = errors.New("запись не найдена")

// RecordPath возвращает путь к файлу записи объекта.
// Пример: ("/data/metadata", "V1StGXR8") → "/data/metadata/V1StGXR8.json"
func RecordPath(dir, id string) string {
	return filepath.Join(dir, id+RecordSuffix)
}

// IDFromPath возвращает идентификатор объекта из пути файла записи.
func IDFromPath(path string) string {
	return strings.TrimSuffix(filepath.Base(path), RecordSuffix)
}

// Write атомарно записывает запись объекта в {dir}/{id}.json.
// Паттерн: JSON → temp файл → fsync → atomic rename.
func Write(dir string, rec *model.ObjectRecord) error {
	if rec.ID == "" || strings.ContainsAny(rec.ID, `/\.`) {
		return fmt.Errorf("недопустимый идентификатор записи: %q", rec.ID)
	}

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("ошибка сериализации записи: %w", err)
	}

	if len(data) > maxRecordFileSize {
		return fmt.Errorf("размер записи (%d байт) превышает максимум (%d байт)", len(data), maxRecordFileSize)
	}

	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("не удалось создать директорию %s: %w", dir, err)
	}

	path := RecordPath(dir, rec.ID)
	tmpPath := path + ".tmp"

	f, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("ошибка создания временного файла: %w", err)
	}

	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка записи: %w", err)
	}

	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка fsync: %w", err)
	}

	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка закрытия файла: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка атомарного переименования: %w", err)
	}

	return nil
}

// Read читает и десериализует файл записи.
// Для отсутствующего файла возвращает ErrNotFound.
func Read(path string) (*model.ObjectRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s: %w", IDFromPath(path), ErrNotFound)
		}
		return nil, fmt.Errorf("ошибка чтения записи %s: %w", IDFromPath(path), err)
	}

	var rec model.ObjectRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("ошибка десериализации записи %s: %w", IDFromPath(path), err)
	}
	if rec.Tags == nil {
		rec.Tags = []string{}
	}

	return &rec, nil
}

// Delete удаляет файл записи. Возвращает nil, если файла уже нет.
func Delete(dir, id string) error {
	err := os.Remove(RecordPath(dir, id))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("ошибка удаления записи %s: %w", id, err)
	}
	return nil
}

// ScanResult — результат сканирования директории записей.
type ScanResult struct {
	Records []*model.ObjectRecord
	// Invalid — файлы, которые не удалось прочитать или разобрать
	Invalid []string
}

// ScanDir сканирует директорию и читает все файлы записей.
// Не рекурсивный. Отсутствующая директория — пустой результат.
func ScanDir(dir string) (*ScanResult, error) {
	pattern := filepath.Join(dir, "*"+RecordSuffix)
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("ошибка сканирования директории %s: %w", dir, err)
	}

	result := &ScanResult{Records: make([]*model.ObjectRecord, 0, len(matches))}
	for _, path := range matches {
		rec, err := Read(path)
		if err != nil || rec.ID != IDFromPath(path) {
			result.Invalid = append(result.Invalid, path)
			continue
		}
		result.Records = append(result.Records, rec)
	}

	return result, nil
}
