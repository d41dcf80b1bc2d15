// Пакет idgen — генерация идентификаторов объектов и коротких кодов.
// Используется URL-safe алфавит nanoid (A-Za-z0-9_-).
package idgen

import (
	"fmt"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

const (
	// ObjectIDLength — длина идентификатора объекта
	ObjectIDLength = 21
	// ShortCodeLength — длина короткого кода
	ShortCodeLength = 8
)

// Generator — генератор идентификаторов. Без состояния,
// безопасен для конкурентного использования.
type Generator struct{}

// New создаёт генератор.
func New() *Generator {
	return &Generator{}
}

// NewObjectID возвращает новый идентификатор объекта.
func (g *Generator) NewObjectID() string {
	return mustGenerate(ObjectIDLength)
}

// NewShortCode возвращает новый короткий код.
func (g *Generator) NewShortCode() string {
	return mustGenerate(ShortCodeLength)
}

// mustGenerate генерирует nanoid заданной длины.
// gonanoid.New возвращает ошибку только при сбое crypto/rand
// или некорректной длине, в обоих случаях продолжать нельзя.
func mustGenerate(size int) string {
	id, err := gonanoid.New(size)
	if err != nil {
		panic(fmt.Sprintf("генерация nanoid: %v", err))
	}
	return id
}

// IsValid проверяет, что строка состоит только из символов алфавита
// и имеет ожидаемую длину.
func IsValid(s string, length int) bool {
	if len(s) != length {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '_', c == '-':
		default:
			return false
		}
	}
	return true
}
