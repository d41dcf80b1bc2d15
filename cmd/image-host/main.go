// Точка входа Image Host — сервиса хранения и выдачи изображений.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/bigkaa/goartstore/image-host/internal/api/handlers"
	"github.com/bigkaa/goartstore/image-host/internal/api/middleware"
	"github.com/bigkaa/goartstore/image-host/internal/api/openapi"
	"github.com/bigkaa/goartstore/image-host/internal/config"
	"github.com/bigkaa/goartstore/image-host/internal/database"
	"github.com/bigkaa/goartstore/image-host/internal/idgen"
	"github.com/bigkaa/goartstore/image-host/internal/imaging"
	"github.com/bigkaa/goartstore/image-host/internal/quota"
	"github.com/bigkaa/goartstore/image-host/internal/repository"
	"github.com/bigkaa/goartstore/image-host/internal/server"
	"github.com/bigkaa/goartstore/image-host/internal/service"
	"github.com/bigkaa/goartstore/image-host/internal/storage/blobstore"
	"github.com/bigkaa/goartstore/image-host/internal/storage/index"
	"github.com/bigkaa/goartstore/image-host/internal/storage/metastore"
	"github.com/bigkaa/goartstore/image-host/internal/storage/wal"
)

func main() {
	// Загрузка конфигурации из переменных окружения
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Ошибка конфигурации: %v\n", err)
		os.Exit(1)
	}

	logger := config.SetupLogger(cfg)
	logger.Info("Image Host запускается",
		slog.String("service_id", cfg.ServiceID),
		slog.String("version", config.Version),
		slog.Int("port", cfg.Port),
		slog.String("quota_backend", cfg.QuotaBackend),
		slog.Bool("auth", cfg.AuthEnabled()),
	)

	if err := run(cfg, logger); err != nil {
		logger.Error("Image Host завершился с ошибкой", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("Image Host остановлен")
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx := context.Background()

	// --- Хранилища ---

	// 1. Хранилище артефактов
	blobs, err := blobstore.New(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("инициализация хранилища артефактов: %w", err)
	}

	// 2. Записи объектов + in-memory индекс
	if err := os.MkdirAll(cfg.MetadataDir, 0o750); err != nil {
		return fmt.Errorf("создание директории метаданных: %w", err)
	}
	meta := metastore.New(cfg.MetadataDir, index.New(logger), logger)
	if err := meta.Rebuild(); err != nil {
		return fmt.Errorf("построение индекса: %w", err)
	}

	// 3. Журнал намерений
	journal, err := wal.New(cfg.WALDir, logger)
	if err != nil {
		return fmt.Errorf("инициализация WAL: %w", err)
	}

	// 4. Ledger квот
	catalogue := quota.NewCatalogue(nil, cfg.QuotaPeriod)
	var (
		ledger    quota.Ledger
		pool      *pgxpool.Pool
		readiness []handlers.ReadinessChecker
	)
	switch cfg.QuotaBackend {
	case config.QuotaBackendPostgres:
		if err := database.Migrate(cfg, logger); err != nil {
			return fmt.Errorf("миграции БД: %w", err)
		}
		pool, err = database.Connect(ctx, cfg, logger)
		if err != nil {
			return fmt.Errorf("подключение к БД: %w", err)
		}
		defer pool.Close()
		ledger = repository.NewQuotaLedger(pool, catalogue, logger)
		readiness = append(readiness, database.NewReadinessChecker(pool))
	default:
		fileLedger, err := quota.NewFileLedger(cfg.QuotaDir, catalogue, logger)
		if err != nil {
			return fmt.Errorf("инициализация ledger квот: %w", err)
		}
		ledger = fileLedger
	}
	logger.Info("Ledger квот готов", slog.String("backend", cfg.QuotaBackend))

	// --- Сервисы ---

	pipeline := imaging.New(imaging.Options{
		MaxWidth:  cfg.PreviewMaxWidth,
		MaxHeight: cfg.PreviewMaxHeight,
		Quality:   cfg.PreviewQuality,
		MaxPixels: cfg.MaxPixels,
	})

	objects := service.NewObjectService(
		service.ObjectsConfig{
			BaseURL:          cfg.BaseURL,
			MaxFileSize:      cfg.MaxFileSize,
			AllowedMIMETypes: cfg.AllowedMIMETypes,
		},
		blobs, meta, pipeline, ledger, idgen.New(), journal, logger,
	)
	quotas := service.NewQuotaService(ledger, catalogue, logger)

	// Незавершённые операции прошлого запуска — до приёма запросов
	report, err := objects.Recover(ctx)
	if err != nil {
		return fmt.Errorf("восстановление по журналу: %w", err)
	}
	if report.Compensated+report.Completed+report.Failed > 0 {
		logger.Warn("Обработаны незавершённые операции",
			slog.Int("compensated", report.Compensated),
			slog.Int("completed", report.Completed),
			slog.Int("failed", report.Failed),
		)
	}
	objects.RefreshMetrics()

	// --- Фоновые процессы ---

	gcSvc := service.NewGCService(journal, blobs, cfg.GCInterval, logger)
	gcSvc.Start(ctx)
	defer gcSvc.Stop()

	reconcileSvc := service.NewReconcileService(blobs, meta, cfg.ReconcileInterval, cfg.ReconcileGrace, logger)
	reconcileSvc.Start(ctx)
	defer reconcileSvc.Stop()

	if dephealthSvc := startDephealth(ctx, cfg, pool, logger); dephealthSvc != nil {
		defer dephealthSvc.Stop()
	}

	// --- HTTP ---

	auth, err := buildAuth(cfg, logger)
	if err != nil {
		return err
	}

	validator, err := openapi.NewValidator(logger)
	if err != nil {
		return fmt.Errorf("загрузка OpenAPI документа: %w", err)
	}

	h := server.Handlers{
		Objects:     handlers.NewObjectsHandler(objects, cfg.MaxFileSize, logger),
		Files:       handlers.NewFilesHandler(objects, logger),
		Quota:       handlers.NewQuotaHandler(quotas, logger),
		Health:      handlers.NewHealthHandler(cfg.DataDir, cfg.MetadataDir, cfg.WALDir, meta, readiness...),
		System:      handlers.NewSystemHandler(cfg, meta, diskUsageFn(cfg.DataDir)),
		Maintenance: handlers.NewMaintenanceHandler(reconcileSvc),
	}

	srv := server.New(cfg, logger, h, auth, validator)
	return srv.Run()
}

// buildAuth возвращает JWT middleware, если задан JWKS endpoint,
// иначе анонимный режим.
func buildAuth(cfg *config.Config, logger *slog.Logger) (func(http.Handler) http.Handler, error) {
	if !cfg.AuthEnabled() {
		logger.Warn("IH_JWKS_URL не задан, запуск в анонимном режиме")
		return middleware.Anonymous(), nil
	}

	jwtAuth, err := middleware.NewJWTAuth(middleware.JWTAuthConfig{
		JWKSURL:         cfg.JWKSUrl,
		CACertPath:      cfg.CACertPath,
		TLSSkipVerify:   cfg.TLSSkipVerify,
		ClientTimeout:   cfg.JWKSClientTimeout,
		RefreshInterval: cfg.JWKSRefreshInterval,
		JWTLeeway:       cfg.JWTLeeway,
		PrivilegedRoles: cfg.PrivilegedRoles,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("инициализация JWT middleware: %w", err)
	}
	logger.Info("JWT аутентификация включена", slog.String("jwks_url", cfg.JWKSUrl))
	return jwtAuth.Middleware(), nil
}

// startDephealth запускает мониторинг зависимостей. Ошибки не фатальны:
// при их наличии сервис работает без мониторинга и возвращается nil.
func startDephealth(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool, logger *slog.Logger) *service.DephealthService {
	var db *sql.DB
	if pool != nil {
		db = stdlib.OpenDBFromPool(pool)
	}

	svc, err := service.NewDephealthService(service.DephealthConfig{
		ServiceID:     dephealthName(cfg),
		Group:         cfg.DephealthGroup,
		DB:            db,
		DBURL:         cfg.DatabaseURL("postgres"),
		JWKSURL:       cfg.JWKSUrl,
		TLSSkipVerify: cfg.TLSSkipVerify,
		CheckInterval: cfg.DephealthCheckInterval,
	}, logger)
	switch {
	case errors.Is(err, service.ErrNoDependencies):
		logger.Info("Внешних зависимостей нет, topologymetrics не запускается")
		return nil
	case err != nil:
		logger.Warn("topologymetrics недоступен, запуск без мониторинга зависимостей",
			slog.String("error", err.Error()),
		)
		return nil
	}

	if err := svc.Start(ctx); err != nil {
		logger.Warn("Ошибка запуска topologymetrics", slog.String("error", err.Error()))
		return nil
	}
	logger.Info("topologymetrics запущен",
		slog.String("check_interval", cfg.DephealthCheckInterval.String()),
	)
	return svc
}

// dephealthName — имя вершины графа: DEPHEALTH_NAME, имя владельца пода
// из hostname или IH_SERVICE_ID.
func dephealthName(cfg *config.Config) string {
	if cfg.DephealthName != "" {
		return cfg.DephealthName
	}
	if hostname, err := os.Hostname(); err == nil && hostname != "" {
		return parseOwnerName(hostname)
	}
	return cfg.ServiceID
}

// diskUsageFn возвращает функцию ёмкости диска для указанной директории.
func diskUsageFn(dir string) handlers.DiskUsageFunc {
	return func() (int64, int64, int64, error) {
		return getDiskUsage(dir)
	}
}
