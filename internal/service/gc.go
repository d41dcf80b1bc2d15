// gc.go — сервис фоновой очистки (Garbage Collection).
//
// GC выполняет две задачи:
//  1. Удаляет завершённые (committed / rolled_back) записи журнала
//  2. Удаляет временные файлы, оставшиеся от прерванных записей артефактов
//
// Запускается как горутина с периодическим тикером (IH_GC_INTERVAL).
package service

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus метрики GC
var (
	gcRunsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ih_gc_runs_total",
		Help: "Общее количество запусков GC",
	})

	gcRemovedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ih_gc_removed_total",
		Help: "Количество файлов, удалённых GC",
	}, []string{"type"})

	gcDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ih_gc_duration_seconds",
		Help:    "Длительность выполнения GC в секундах",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
	})
)

// JournalCleaner — очистка завершённых записей журнала.
type JournalCleaner interface {
	CleanFinished(olderThan time.Duration) (int, error)
}

// TempCleaner — очистка временных файлов хранилища.
type TempCleaner interface {
	RemoveStaleTemp(olderThan time.Duration, now time.Time) (int, error)
}

// GCResult — результат одного запуска GC.
type GCResult struct {
	// JournalRemoved — количество удалённых записей журнала
	JournalRemoved int
	// TempRemoved — количество удалённых временных файлов
	TempRemoved int
	// Errors — количество ошибок
	Errors int
	// Duration — длительность выполнения
	Duration time.Duration
}

// GCService — сервис фоновой очистки.
type GCService struct {
	journal  JournalCleaner
	blobs    TempCleaner
	interval time.Duration
	// retention — возраст, после которого запись или temp файл считаются брошенными
	retention time.Duration
	now       func() time.Time
	logger    *slog.Logger

	mu     sync.Mutex // защита от параллельного запуска RunOnce
	cancel context.CancelFunc
}

// NewGCService создаёт сервис GC. Записи журнала и временные файлы
// старше interval удаляются.
func NewGCService(
	journal JournalCleaner,
	blobs TempCleaner,
	interval time.Duration,
	logger *slog.Logger,
) *GCService {
	return &GCService{
		journal:   journal,
		blobs:     blobs,
		interval:  interval,
		retention: interval,
		now:       func() time.Time { return time.Now().UTC() },
		logger:    logger.With(slog.String("component", "gc")),
	}
}

// Start запускает фоновую горутину GC с периодическим тикером.
// Вызывается один раз при старте приложения.
func (gc *GCService) Start(ctx context.Context) {
	gcCtx, cancel := context.WithCancel(ctx)
	gc.cancel = cancel

	go gc.run(gcCtx)

	gc.logger.Info("GC запущен",
		slog.String("interval", gc.interval.String()),
	)
}

// Stop останавливает фоновый процесс GC.
func (gc *GCService) Stop() {
	if gc.cancel != nil {
		gc.cancel()
	}
	gc.logger.Info("GC остановлен")
}

func (gc *GCService) run(ctx context.Context) {
	// Первый запуск — сразу после старта
	gc.RunOnce()

	ticker := time.NewTicker(gc.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			gc.RunOnce()
		}
	}
}

// RunOnce выполняет один цикл GC.
// Потокобезопасен: использует mutex для защиты от параллельного запуска.
func (gc *GCService) RunOnce() *GCResult {
	gc.mu.Lock()
	defer gc.mu.Unlock()

	start := time.Now()
	result := &GCResult{}

	journalRemoved, err := gc.journal.CleanFinished(gc.retention)
	if err != nil {
		result.Errors++
		gc.logger.Error("GC: ошибка очистки журнала", slog.String("error", err.Error()))
	}
	result.JournalRemoved = journalRemoved

	tempRemoved, err := gc.blobs.RemoveStaleTemp(gc.retention, gc.now())
	if err != nil {
		result.Errors++
		gc.logger.Error("GC: ошибка очистки временных файлов", slog.String("error", err.Error()))
	}
	result.TempRemoved = tempRemoved

	result.Duration = time.Since(start)

	gcRunsTotal.Inc()
	gcRemovedTotal.WithLabelValues("journal").Add(float64(journalRemoved))
	gcRemovedTotal.WithLabelValues("temp").Add(float64(tempRemoved))
	gcDurationSeconds.Observe(result.Duration.Seconds())

	gc.logger.Info("GC завершён",
		slog.Int("journal_removed", result.JournalRemoved),
		slog.Int("temp_removed", result.TempRemoved),
		slog.Int("errors", result.Errors),
		slog.Duration("duration", result.Duration),
	)

	return result
}
