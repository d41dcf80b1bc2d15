// fields.go — нормализация и проверка полей запроса.
package service

import (
	"path"
	"strings"
	"unicode/utf8"
)

// normalizeMIME убирает параметры и приводит MIME-тип к нижнему регистру.
// "image/JPEG; charset=binary" → "image/jpeg".
func normalizeMIME(contentType string) string {
	if i := strings.IndexByte(contentType, ';'); i != -1 {
		contentType = contentType[:i]
	}
	return strings.ToLower(strings.TrimSpace(contentType))
}

// normalizeTags обрезает пробелы, отбрасывает пустые теги и дубликаты
// с сохранением порядка. Результат никогда не nil.
func normalizeTags(tags []string) ([]string, error) {
	result := make([]string, 0, len(tags))
	seen := make(map[string]bool, len(tags))
	for _, tag := range tags {
		tag = strings.TrimSpace(tag)
		if tag == "" || seen[tag] {
			continue
		}
		if utf8.RuneCountInString(tag) > MaxTagLength {
			return nil, validationError(nil, "Тег длиннее %d символов", MaxTagLength)
		}
		seen[tag] = true
		result = append(result, tag)
	}
	if len(result) > MaxTags {
		return nil, validationError(nil, "Не более %d тегов", MaxTags)
	}
	return result, nil
}

// normalizeDescription обрезает пробелы и проверяет длину описания.
func normalizeDescription(description string) (string, error) {
	description = strings.TrimSpace(description)
	if utf8.RuneCountInString(description) > MaxDescription {
		return "", validationError(nil, "Описание длиннее %d символов", MaxDescription)
	}
	return description, nil
}

// sanitizeName оставляет от имени файла только последний элемент пути.
func sanitizeName(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = path.Base(strings.TrimSpace(name))
	if name == "." || name == "/" {
		return ""
	}
	return name
}
