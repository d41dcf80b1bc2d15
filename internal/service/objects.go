// Пакет service — бизнес-логика image-host.
// objects.go — сервис объектов: зависимости и общие помощники.
package service

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/bigkaa/goartstore/image-host/internal/api/middleware"
	"github.com/bigkaa/goartstore/image-host/internal/domain/model"
	"github.com/bigkaa/goartstore/image-host/internal/imaging"
	"github.com/bigkaa/goartstore/image-host/internal/quota"
	"github.com/bigkaa/goartstore/image-host/internal/storage/blobstore"
	"github.com/bigkaa/goartstore/image-host/internal/storage/index"
	"github.com/bigkaa/goartstore/image-host/internal/storage/metastore"
	"github.com/bigkaa/goartstore/image-host/internal/storage/wal"
)

// BlobStore — хранилище бинарных артефактов.
type BlobStore interface {
	Put(id string, kind model.ArtifactKind, r io.Reader) (*blobstore.PutResult, error)
	Open(id string, kind model.ArtifactKind) (*os.File, error)
	Delete(id string, kind model.ArtifactKind) error
}

// MetadataStore — хранилище записей объектов.
type MetadataStore interface {
	Create(rec *model.ObjectRecord) error
	Get(id string) (*model.ObjectRecord, error)
	FindByShortCode(code string) (*model.ObjectRecord, error)
	List(f index.Filter, page, pageSize int) ([]*model.ObjectRecord, int)
	Update(id string, mutate metastore.Mutator) (*model.ObjectRecord, error)
	Delete(id string) error
	Count() int
	TotalSize() int64
}

// Pipeline строит производные артефакты из оригинала.
type Pipeline interface {
	Derive(data []byte) (*imaging.Derived, error)
}

// IDGenerator — генератор идентификаторов объектов и коротких кодов.
type IDGenerator interface {
	NewObjectID() string
	NewShortCode() string
}

// Journal — журнал многошаговых операций для восстановления после сбоя.
type Journal interface {
	Begin(op wal.OperationType, intent wal.Intent) (*wal.Entry, error)
	Commit(txID string) error
	Rollback(txID string) error
	Pending() ([]*wal.Entry, error)
}

// Ограничения полей объекта.
const (
	MaxTags           = 20
	MaxTagLength      = 50
	MaxDescription    = 1000
	DefaultPageSize   = 20
	MaxPageSize       = 100
	maxCollisionTries = 5
)

// ObjectsConfig — параметры сервиса объектов.
type ObjectsConfig struct {
	// BaseURL — внешний адрес сервиса без завершающего "/"
	BaseURL string
	// MaxFileSize — максимальный размер оригинала в байтах
	MaxFileSize int64
	// AllowedMIMETypes — допустимые MIME-типы оригиналов
	AllowedMIMETypes []string
}

// ObjectService — оркестратор загрузки, чтения, изменения и удаления объектов.
type ObjectService struct {
	cfg      ObjectsConfig
	allowed  map[string]bool
	blobs    BlobStore
	meta     MetadataStore
	pipeline Pipeline
	ledger   quota.Ledger
	ids      IDGenerator
	journal  Journal
	now      func() time.Time
	logger   *slog.Logger
}

// NewObjectService создаёт сервис объектов.
func NewObjectService(
	cfg ObjectsConfig,
	blobs BlobStore,
	meta MetadataStore,
	pipeline Pipeline,
	ledger quota.Ledger,
	ids IDGenerator,
	journal Journal,
	logger *slog.Logger,
) *ObjectService {
	allowed := make(map[string]bool, len(cfg.AllowedMIMETypes))
	for _, m := range cfg.AllowedMIMETypes {
		allowed[strings.ToLower(strings.TrimSpace(m))] = true
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	return &ObjectService{
		cfg:      cfg,
		allowed:  allowed,
		blobs:    blobs,
		meta:     meta,
		pipeline: pipeline,
		ledger:   ledger,
		ids:      ids,
		journal:  journal,
		now:      func() time.Time { return time.Now().UTC() },
		logger:   logger.With(slog.String("component", "object_service")),
	}
}

// ObjectLinks — внешние адреса объекта.
type ObjectLinks struct {
	DirectURL  string `json:"url"`
	ShortURL   string `json:"short_url"`
	PreviewURL string `json:"preview_url,omitempty"`
}

// Links строит адреса объекта от BaseURL.
func (s *ObjectService) Links(rec *model.ObjectRecord) ObjectLinks {
	links := ObjectLinks{
		DirectURL: s.cfg.BaseURL + "/objects/" + rec.StoredName,
		ShortURL:  s.cfg.BaseURL + "/go/" + rec.ShortCode,
	}
	if rec.HasPreview {
		links.PreviewURL = links.DirectURL + "/preview"
	}
	return links
}

// refreshGauges обновляет метрики количества и объёма объектов.
func (s *ObjectService) refreshGauges() {
	middleware.ObjectsTotal.Set(float64(s.meta.Count()))
	middleware.StorageBytes.Set(float64(s.meta.TotalSize()))
}

// RefreshMetrics выставляет начальные значения метрик после старта.
func (s *ObjectService) RefreshMetrics() {
	s.refreshGauges()
}
