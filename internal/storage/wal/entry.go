// Пакет wal — файловый журнал намерений для операций над объектами.
// Перед записью артефактов открывается транзакция со статусом pending;
// после завершения она коммитится или откатывается. Транзакции,
// оставшиеся pending после падения процесса, обрабатываются при старте.
// Каждая транзакция — отдельный файл {tx_id}.wal.json в IH_WAL_DIR.
package wal

import (
	"time"
)

// OperationType — тип операции, записываемой в журнал.
type OperationType string

const (
	// OpObjectCreate — загрузка нового объекта (оригинал, превью, запись)
	OpObjectCreate OperationType = "object_create"
	// OpObjectDelete — удаление объекта
	OpObjectDelete OperationType = "object_delete"
)

// TransactionStatus — статус транзакции.
type TransactionStatus string

const (
	StatusPending    TransactionStatus = "pending"
	StatusCommitted  TransactionStatus = "committed"
	StatusRolledBack TransactionStatus = "rolled_back"
)

// Intent — что именно затрагивает операция.
type Intent struct {
	// ObjectID — идентификатор объекта
	ObjectID string `json:"object_id"`
	// OwnerID — владелец, за которым зарезервирована квота ("" — нет владельца)
	OwnerID string `json:"owner_id,omitempty"`
	// Reserved — для загрузки была зарезервирована квота.
	// При восстановлении резерв нужно вернуть.
	Reserved bool `json:"reserved,omitempty"`
}

// Entry — запись журнала. Хранится как JSON-файл {tx_id}.wal.json.
type Entry struct {
	TransactionID string            `json:"transaction_id"`
	Operation     OperationType     `json:"operation"`
	Status        TransactionStatus `json:"status"`
	Intent

	StartedAt time.Time `json:"started_at"`
	// CompletedAt — nil для pending транзакций
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// walFileName возвращает имя файла журнала для транзакции.
func walFileName(txID string) string {
	return txID + ".wal.json"
}
