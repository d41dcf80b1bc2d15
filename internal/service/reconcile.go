// reconcile.go — сервис сверки (Reconciliation) артефактов и записей.
//
// Обнаруживает проблемы:
//   - orphaned_blob: оригинал без записи метаданных
//   - missing_original: запись без оригинала
//   - orphaned_preview: превью без записи
//   - missing_preview: запись с превью, но файла превью нет
//   - size_mismatch: размер оригинала не совпадает с записью
//   - checksum_mismatch: BLAKE3 оригинала не совпадает с записью
//
// Осиротевшие артефакты старше grace удаляются: более молодые могут
// принадлежать загрузке, которая ещё пишет запись. Запись без оригинала
// старше grace удаляется вместе с превью.
// Запускается периодически (IH_RECONCILE_INTERVAL) и по запросу.
package service

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/goartstore/image-host/internal/api/middleware"
	"github.com/bigkaa/goartstore/image-host/internal/domain/model"
	"github.com/bigkaa/goartstore/image-host/internal/storage/blobstore"
)

// Prometheus метрики Reconciliation
var (
	reconcileRunsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ih_reconcile_runs_total",
		Help: "Общее количество запусков reconciliation",
	})

	reconcileIssuesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ih_reconcile_issues_total",
		Help: "Общее количество проблем, обнаруженных reconciliation",
	}, []string{"type"})

	reconcileDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ih_reconcile_duration_seconds",
		Help:    "Длительность выполнения reconciliation в секундах",
		Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300},
	})
)

// IssueType — вид расхождения.
type IssueType string

const (
	IssueOrphanedBlob     IssueType = "orphaned_blob"
	IssueMissingOriginal  IssueType = "missing_original"
	IssueOrphanedPreview  IssueType = "orphaned_preview"
	IssueMissingPreview   IssueType = "missing_preview"
	IssueSizeMismatch     IssueType = "size_mismatch"
	IssueChecksumMismatch IssueType = "checksum_mismatch"
)

// ReconcileIssue — обнаруженное расхождение.
type ReconcileIssue struct {
	Type        IssueType `json:"type"`
	ObjectID    string    `json:"object_id"`
	Description string    `json:"description"`
	// Repaired — артефакт или запись удалены в ходе сверки
	Repaired bool `json:"repaired"`
}

// ReconcileSummary — счётчики по видам расхождений.
type ReconcileSummary struct {
	Ok                 int `json:"ok"`
	OrphanedBlobs      int `json:"orphaned_blobs"`
	MissingOriginals   int `json:"missing_originals"`
	OrphanedPreviews   int `json:"orphaned_previews"`
	MissingPreviews    int `json:"missing_previews"`
	SizeMismatches     int `json:"size_mismatches"`
	ChecksumMismatches int `json:"checksum_mismatches"`
	Repaired           int `json:"repaired"`
}

// ReconcileReport — результат сверки.
type ReconcileReport struct {
	StartedAt      time.Time        `json:"started_at"`
	CompletedAt    time.Time        `json:"completed_at"`
	ObjectsChecked int              `json:"objects_checked"`
	Issues         []ReconcileIssue `json:"issues"`
	Summary        ReconcileSummary `json:"summary"`
}

// ArtifactInspector — операции Object Store, нужные для сверки.
type ArtifactInspector interface {
	List(kind model.ArtifactKind) ([]blobstore.BlobInfo, error)
	Size(id string, kind model.ArtifactKind) (int64, error)
	Checksum(id string, kind model.ArtifactKind) (string, error)
	Exists(id string, kind model.ArtifactKind) bool
	Delete(id string, kind model.ArtifactKind) error
}

// RecordSource — операции Metadata Store, нужные для сверки.
type RecordSource interface {
	Rebuild() error
	Snapshot() []*model.ObjectRecord
	Delete(id string) error
	Count() int
	TotalSize() int64
}

// ReconcileService — сервис сверки хранилища.
type ReconcileService struct {
	blobs    ArtifactInspector
	meta     RecordSource
	interval time.Duration
	grace    time.Duration
	now      func() time.Time
	logger   *slog.Logger

	mu        sync.Mutex // защита от параллельного запуска
	inProcess bool
	cancel    context.CancelFunc
}

// NewReconcileService создаёт сервис reconciliation.
func NewReconcileService(
	blobs ArtifactInspector,
	meta RecordSource,
	interval, grace time.Duration,
	logger *slog.Logger,
) *ReconcileService {
	return &ReconcileService{
		blobs:    blobs,
		meta:     meta,
		interval: interval,
		grace:    grace,
		now:      func() time.Time { return time.Now().UTC() },
		logger:   logger.With(slog.String("component", "reconcile")),
	}
}

// Start запускает фоновую горутину reconciliation с периодическим тикером.
func (rs *ReconcileService) Start(ctx context.Context) {
	rsCtx, cancel := context.WithCancel(ctx)
	rs.cancel = cancel

	go rs.run(rsCtx)

	rs.logger.Info("Reconciliation запущена",
		slog.String("interval", rs.interval.String()),
	)
}

// Stop останавливает фоновый процесс reconciliation.
func (rs *ReconcileService) Stop() {
	if rs.cancel != nil {
		rs.cancel()
	}
	rs.logger.Info("Reconciliation остановлена")
}

// IsInProgress возвращает true, если reconciliation выполняется.
func (rs *ReconcileService) IsInProgress() bool {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.inProcess
}

func (rs *ReconcileService) run(ctx context.Context) {
	ticker := time.NewTicker(rs.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rs.RunOnce()
		}
	}
}

// RunOnce выполняет один цикл reconciliation.
// Если сверка уже выполняется, возвращает nil, true.
func (rs *ReconcileService) RunOnce() (*ReconcileReport, bool) {
	rs.mu.Lock()
	if rs.inProcess {
		rs.mu.Unlock()
		rs.logger.Warn("Reconciliation уже выполняется, пропуск")
		return nil, true
	}
	rs.inProcess = true
	rs.mu.Unlock()

	defer func() {
		rs.mu.Lock()
		rs.inProcess = false
		rs.mu.Unlock()
	}()

	report := &ReconcileReport{StartedAt: rs.now(), Issues: []ReconcileIssue{}}
	rs.logger.Info("Reconciliation начата")

	// Индекс пересобирается из файлов записей до сверки,
	// чтобы сравнивать артефакты с диском, а не с проекцией.
	if err := rs.meta.Rebuild(); err != nil {
		rs.logger.Error("Ошибка пересборки индекса", slog.String("error", err.Error()))
	}

	records := rs.meta.Snapshot()
	report.ObjectsChecked = len(records)
	report.Issues = append(report.Issues, rs.checkRecords(records)...)
	report.Issues = append(report.Issues, rs.checkOrphans(records, model.KindOriginal)...)
	report.Issues = append(report.Issues, rs.checkOrphans(records, model.KindPreview)...)

	report.Summary = summarize(report.Issues)
	report.Summary.Ok = report.ObjectsChecked - countObjectsWithIssues(report.Issues, records)
	report.CompletedAt = rs.now()

	reconcileRunsTotal.Inc()
	reconcileDurationSeconds.Observe(report.CompletedAt.Sub(report.StartedAt).Seconds())
	for _, issue := range report.Issues {
		reconcileIssuesTotal.WithLabelValues(string(issue.Type)).Inc()
	}
	middleware.ObjectsTotal.Set(float64(rs.meta.Count()))
	middleware.StorageBytes.Set(float64(rs.meta.TotalSize()))

	rs.logger.Info("Reconciliation завершена",
		slog.Int("objects_checked", report.ObjectsChecked),
		slog.Int("issues", len(report.Issues)),
		slog.Int("repaired", report.Summary.Repaired),
	)
	return report, false
}

// checkRecords проверяет для каждой записи наличие оригинала и превью,
// размер и контрольную сумму оригинала.
func (rs *ReconcileService) checkRecords(records []*model.ObjectRecord) []ReconcileIssue {
	var issues []ReconcileIssue
	now := rs.now()

	for _, rec := range records {
		if rec.HasPreview && !rs.blobs.Exists(rec.ID, model.KindPreview) {
			issues = append(issues, ReconcileIssue{
				Type:        IssueMissingPreview,
				ObjectID:    rec.ID,
				Description: "Запись указывает на превью, но файла превью нет",
			})
		}

		size, err := rs.blobs.Size(rec.ID, model.KindOriginal)
		if err != nil {
			issue := ReconcileIssue{
				Type:        IssueMissingOriginal,
				ObjectID:    rec.ID,
				Description: "Запись без оригинала",
			}
			if errors.Is(err, blobstore.ErrNotFound) && now.Sub(rec.CreatedAt) >= rs.grace {
				issue.Repaired = rs.dropRecord(rec.ID)
			}
			issues = append(issues, issue)
			continue
		}
		if size != rec.SizeBytes {
			issues = append(issues, ReconcileIssue{
				Type:        IssueSizeMismatch,
				ObjectID:    rec.ID,
				Description: "Размер оригинала не совпадает с записью",
			})
			continue // при другом размере checksum точно не совпадёт
		}

		if rec.Checksum == "" {
			continue
		}
		checksum, err := rs.blobs.Checksum(rec.ID, model.KindOriginal)
		if err != nil {
			rs.logger.Warn("Ошибка вычисления checksum",
				slog.String("object_id", rec.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if checksum != rec.Checksum {
			issues = append(issues, ReconcileIssue{
				Type:        IssueChecksumMismatch,
				ObjectID:    rec.ID,
				Description: "Checksum оригинала не совпадает с записью",
			})
		}
	}
	return issues
}

// dropRecord удаляет превью и запись объекта, оригинал которого утрачен.
func (rs *ReconcileService) dropRecord(id string) bool {
	if err := rs.blobs.Delete(id, model.KindPreview); err != nil {
		rs.logger.Error("Ошибка удаления превью объекта без оригинала",
			slog.String("object_id", id),
			slog.String("error", err.Error()),
		)
		return false
	}
	if err := rs.meta.Delete(id); err != nil {
		rs.logger.Error("Ошибка удаления записи без оригинала",
			slog.String("object_id", id),
			slog.String("error", err.Error()),
		)
		return false
	}
	rs.logger.Warn("Запись без оригинала удалена", slog.String("object_id", id))
	return true
}

// checkOrphans находит артефакты вида kind без записи и удаляет
// те, что старше grace.
func (rs *ReconcileService) checkOrphans(records []*model.ObjectRecord, kind model.ArtifactKind) []ReconcileIssue {
	known := make(map[string]bool, len(records))
	for _, rec := range records {
		known[rec.ID] = true
	}

	blobs, err := rs.blobs.List(kind)
	if err != nil {
		rs.logger.Error("Ошибка чтения артефактов",
			slog.String("kind", string(kind)),
			slog.String("error", err.Error()),
		)
		return nil
	}

	issueType, description := IssueOrphanedBlob, "Оригинал без записи метаданных"
	if kind == model.KindPreview {
		issueType, description = IssueOrphanedPreview, "Превью без записи метаданных"
	}

	now := rs.now()
	var issues []ReconcileIssue
	for _, b := range blobs {
		if known[b.ID] {
			continue
		}
		issue := ReconcileIssue{Type: issueType, ObjectID: b.ID, Description: description}
		if now.Sub(b.ModTime) >= rs.grace {
			if err := rs.blobs.Delete(b.ID, kind); err != nil {
				rs.logger.Error("Ошибка удаления осиротевшего артефакта",
					slog.String("object_id", b.ID),
					slog.String("kind", string(kind)),
					slog.String("error", err.Error()),
				)
			} else {
				issue.Repaired = true
				rs.logger.Warn("Осиротевший артефакт удалён",
					slog.String("object_id", b.ID),
					slog.String("kind", string(kind)),
				)
			}
		}
		issues = append(issues, issue)
	}
	return issues
}

func summarize(issues []ReconcileIssue) ReconcileSummary {
	var s ReconcileSummary
	for _, issue := range issues {
		switch issue.Type {
		case IssueOrphanedBlob:
			s.OrphanedBlobs++
		case IssueMissingOriginal:
			s.MissingOriginals++
		case IssueOrphanedPreview:
			s.OrphanedPreviews++
		case IssueMissingPreview:
			s.MissingPreviews++
		case IssueSizeMismatch:
			s.SizeMismatches++
		case IssueChecksumMismatch:
			s.ChecksumMismatches++
		}
		if issue.Repaired {
			s.Repaired++
		}
	}
	return s
}

// countObjectsWithIssues считает записи, у которых есть хотя бы одна проблема.
func countObjectsWithIssues(issues []ReconcileIssue, records []*model.ObjectRecord) int {
	known := make(map[string]bool, len(records))
	for _, rec := range records {
		known[rec.ID] = true
	}
	affected := make(map[string]bool)
	for _, issue := range issues {
		if known[issue.ObjectID] {
			affected[issue.ObjectID] = true
		}
	}
	return len(affected)
}
