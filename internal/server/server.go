// Пакет server — HTTP-сервер Image Host с TLS и graceful shutdown.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bigkaa/goartstore/image-host/internal/api/handlers"
	"github.com/bigkaa/goartstore/image-host/internal/api/middleware"
	"github.com/bigkaa/goartstore/image-host/internal/api/openapi"
	"github.com/bigkaa/goartstore/image-host/internal/config"
)

// Handlers — набор доменных обработчиков, монтируемых в router.
type Handlers struct {
	Objects     *handlers.ObjectsHandler
	Files       *handlers.FilesHandler
	Quota       *handlers.QuotaHandler
	Health      *handlers.HealthHandler
	System      *handlers.SystemHandler
	Maintenance *handlers.MaintenanceHandler
}

// Server — HTTP-сервер Image Host.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
	cfg        *config.Config
}

// New создаёт HTTP-сервер с настроенными routes и middleware.
// auth — middleware аутентификации (JWT или анонимный режим),
// validator может быть nil.
func New(cfg *config.Config, logger *slog.Logger, h Handlers, auth func(http.Handler) http.Handler, validator *openapi.Validator) *Server {
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      NewRouter(logger, h, auth, validator),
		ReadTimeout:  cfg.HTTPReadTimeout,
		WriteTimeout: cfg.HTTPWriteTimeout,
		IdleTimeout:  cfg.HTTPIdleTimeout,
	}

	if cfg.TLSEnabled() {
		srv.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	return &Server{
		httpServer: srv,
		logger:     logger,
		cfg:        cfg,
	}
}

// NewRouter строит chi router со всеми endpoints.
//
// Публичные: health, metrics, info, планы, выдача файлов, короткие ссылки.
// С аутентификацией: операции над объектами и собственная квота.
// Только привилегированные: администрирование квот и сверка.
func NewRouter(logger *slog.Logger, h Handlers, auth func(http.Handler) http.Handler, validator *openapi.Validator) http.Handler {
	router := chi.NewRouter()
	router.Use(middleware.RequestLogger(logger))
	router.Use(middleware.MetricsMiddleware())

	validate := func(r chi.Router) {
		if validator != nil {
			r.Use(validator.Middleware())
		}
	}

	router.Get("/health/live", h.Health.HealthLive)
	router.Get("/health/ready", h.Health.HealthReady)
	router.Handle("/metrics", promhttp.Handler())

	router.Group(func(r chi.Router) {
		validate(r)

		r.Get("/api/v1/info", h.System.GetInfo)
		r.Get("/api/v1/openapi.yaml", h.System.GetOpenAPI)
		r.Get("/api/v1/plans", h.Quota.Plans)

		r.Get("/go/{code}", h.Files.Redirect)
		r.Get("/objects/{name}", h.Files.Original)
		r.Get("/objects/{name}/preview", h.Files.Preview)
	})

	router.Group(func(r chi.Router) {
		r.Use(auth)
		validate(r)

		r.Post("/api/v1/objects", h.Objects.Upload)
		r.Get("/api/v1/objects", h.Objects.List)
		r.Get("/api/v1/objects/{id}", h.Objects.Get)
		r.Patch("/api/v1/objects/{id}", h.Objects.Update)
		r.Delete("/api/v1/objects/{id}", h.Objects.Delete)

		r.Get("/api/v1/quota", h.Quota.Usage)

		r.Group(func(r chi.Router) {
			r.Use(middleware.RequirePrivileged())

			r.Get("/api/v1/admin/quota", h.Quota.List)
			r.Put("/api/v1/admin/quota/{owner}/plan", h.Quota.SetPlan)
			r.Put("/api/v1/admin/quota/{owner}/limit", h.Quota.SetLimit)
			r.Post("/api/v1/admin/quota/{owner}/reset", h.Quota.Reset)

			r.Post("/api/v1/maintenance/reconcile", h.Maintenance.Reconcile)
		})
	})

	return router
}

// Run запускает сервер и ожидает сигнала завершения (SIGINT, SIGTERM).
// При получении сигнала выполняется graceful shutdown с таймаутом
// IH_SHUTDOWN_TIMEOUT.
func (s *Server) Run() error {
	errCh := make(chan error, 1)

	go func() {
		s.logger.Info("HTTP-сервер запущен",
			slog.String("addr", s.httpServer.Addr),
			slog.Bool("tls", s.cfg.TLSEnabled()),
		)

		var err error
		if s.cfg.TLSEnabled() {
			err = s.httpServer.ListenAndServeTLS(s.cfg.TLSCert, s.cfg.TLSKey)
		} else {
			err = s.httpServer.ListenAndServe()
		}

		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case sig := <-quit:
		s.logger.Info("Получен сигнал завершения", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("ошибка HTTP-сервера: %w", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	s.logger.Info("Выполняется graceful shutdown...")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("ошибка при graceful shutdown: %w", err)
	}

	s.logger.Info("HTTP-сервер остановлен")
	return nil
}
