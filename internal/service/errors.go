// errors.go — таксономия ошибок сервисного слоя.
package service

import (
	"errors"
	"fmt"
)

// Kind — стабильный тег вида ошибки.
type Kind string

const (
	// KindValidation — некорректный запрос: тип, размер, содержимое, поля
	KindValidation Kind = "validation_failure"
	// KindQuotaExceeded — у владельца исчерпана квота загрузок
	KindQuotaExceeded Kind = "quota_exceeded"
	// KindNotFound — объект или артефакт не найден
	KindNotFound Kind = "not_found"
	// KindPersistence — ошибка записи или чтения хранилища
	KindPersistence Kind = "persistence_failure"
	// KindAccounting — загрузка сохранена, но не учтена в квоте
	KindAccounting Kind = "accounting_failure"
)

// Error — ошибка сервисного слоя.
// Message предназначено для клиента и не содержит путей хранилища,
// Err — исходная причина для логов.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is сопоставляет ошибку с sentinel-значениями ErrNotFound и т.п.
// по виду ошибки.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Message == "" && t.Err == nil && t.Kind == e.Kind
}

// Sentinel-значения для errors.Is.
var (
	ErrValidation    = &Error{Kind: KindValidation}
	ErrQuotaExceeded = &Error{Kind: KindQuotaExceeded}
	ErrNotFound      = &Error{Kind: KindNotFound}
	ErrPersistence   = &Error{Kind: KindPersistence}
	ErrAccounting    = &Error{Kind: KindAccounting}
)

// Причины ошибок валидации, по которым HTTP-слой выбирает статус.
var (
	ErrFileTooLarge    = errors.New("файл превышает допустимый размер")
	ErrUnsupportedType = errors.New("тип файла не поддерживается")
	ErrEmptyFile       = errors.New("пустой файл")
	ErrTypeMismatch    = errors.New("содержимое не соответствует заявленному типу")
)

// KindOf возвращает вид ошибки или "" для ошибок вне таксономии.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

func validationError(cause error, format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...), Err: cause}
}

func notFoundError(cause error, format string, args ...any) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf(format, args...), Err: cause}
}

func persistenceError(cause error, message string) *Error {
	return &Error{Kind: KindPersistence, Message: message, Err: cause}
}
