// Пакет model — доменные модели Image Host.
// ObjectRecord — единая структура метаданных изображения, используется
// как in-memory представление и как формат файла записи {id}.json на диске.
package model

import (
	"path"
	"strings"
	"time"
)

// ArtifactKind — вид бинарного артефакта объекта.
type ArtifactKind string

const (
	// KindOriginal — исходный загруженный файл
	KindOriginal ArtifactKind = "original"
	// KindPreview — уменьшенная копия (превью)
	KindPreview ArtifactKind = "preview"
)

// Valid проверяет, что вид артефакта известен.
func (k ArtifactKind) Valid() bool {
	return k == KindOriginal || k == KindPreview
}

// ObjectRecord — метаданные одного загруженного изображения.
// Поля ID, ShortCode, StoredName и CreatedAt неизменяемы после создания.
type ObjectRecord struct {
	// ID — глобально уникальный идентификатор объекта (nanoid)
	ID string `json:"id"`

	// OwnerID — владелец объекта. nil для загрузок вне контекста
	// владельца (например, административное наполнение).
	OwnerID *string `json:"owner_id"`

	// OriginalName — имя файла при загрузке
	OriginalName string `json:"original_name"`

	// StoredName — публичное имя оригинала: {id}{ext}
	StoredName string `json:"stored_name"`

	// MimeType — MIME-тип оригинала
	MimeType string `json:"mime_type"`

	// SizeBytes — размер оригинала в байтах
	SizeBytes int64 `json:"size_bytes"`

	// Checksum — BLAKE3 хэш оригинала (hex)
	Checksum string `json:"checksum"`

	// Width, Height — размеры в пикселях. nil, если их не удалось определить.
	Width  *int `json:"width,omitempty"`
	Height *int `json:"height,omitempty"`

	// HasPreview — превью было успешно построено и сохранено
	HasPreview bool `json:"has_preview"`

	// PreviewMimeType — MIME-тип превью (не совпадает с оригиналом)
	PreviewMimeType string `json:"preview_mime_type,omitempty"`

	// CreatedAt — время загрузки (UTC)
	CreatedAt time.Time `json:"created_at"`

	// ShortCode — уникальный короткий код для редиректа
	ShortCode string `json:"short_code"`

	// Tags — теги (изменяемые, могут быть пустыми)
	Tags []string `json:"tags"`

	// Description — описание (изменяемое, может быть пустым)
	Description string `json:"description"`
}

// Clone возвращает глубокую копию записи.
func (r *ObjectRecord) Clone() *ObjectRecord {
	if r == nil {
		return nil
	}
	c := *r
	if r.OwnerID != nil {
		owner := *r.OwnerID
		c.OwnerID = &owner
	}
	if r.Width != nil {
		w := *r.Width
		c.Width = &w
	}
	if r.Height != nil {
		h := *r.Height
		c.Height = &h
	}
	c.Tags = make([]string, len(r.Tags))
	copy(c.Tags, r.Tags)
	return &c
}

// Owner возвращает владельца или пустую строку.
func (r *ObjectRecord) Owner() string {
	if r.OwnerID == nil {
		return ""
	}
	return *r.OwnerID
}

// HasTag проверяет наличие тега (точное совпадение).
func (r *ObjectRecord) HasTag(tag string) bool {
	for _, t := range r.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// mimeExtensions — расширение публичного имени по MIME-типу.
var mimeExtensions = map[string]string{
	"image/jpeg": ".jpg",
	"image/png":  ".png",
	"image/gif":  ".gif",
	"image/webp": ".webp",
}

// ExtensionForMIME возвращает расширение файла для MIME-типа
// ("" для неизвестных типов).
func ExtensionForMIME(mimeType string) string {
	return mimeExtensions[strings.ToLower(mimeType)]
}

// StoredNameFor формирует публичное имя оригинала: {id}{ext}.
func StoredNameFor(id, mimeType string) string {
	return id + ExtensionForMIME(mimeType)
}

// IDFromStoredName извлекает идентификатор объекта из публичного имени.
// Идентификаторы не содержат точек, поэтому достаточно отрезать расширение.
// Пример: "V1StGXR8_Z5jdHi6B-myT.jpg" → "V1StGXR8_Z5jdHi6B-myT"
func IDFromStoredName(name string) string {
	name = path.Base(name)
	if i := strings.IndexByte(name, '.'); i >= 0 {
		return name[:i]
	}
	return name
}
