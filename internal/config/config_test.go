package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// allKeys — все переменные, которые читает Load.
var allKeys = []string{
	"IH_ENV_FILE", "IH_PORT", "IH_SERVICE_ID", "IH_BASE_URL", "IH_DATA_DIR", "IH_WAL_DIR",
	"IH_METADATA_DIR", "IH_MAX_FILE_SIZE", "IH_ALLOWED_MIME_TYPES",
	"IH_PREVIEW_MAX_WIDTH", "IH_PREVIEW_MAX_HEIGHT", "IH_PREVIEW_QUALITY", "IH_MAX_PIXELS",
	"IH_QUOTA_BACKEND", "IH_QUOTA_DIR", "IH_QUOTA_PERIOD",
	"IH_DB_HOST", "IH_DB_PORT", "IH_DB_NAME", "IH_DB_USER", "IH_DB_PASSWORD", "IH_DB_SSL_MODE",
	"IH_JWKS_URL", "IH_CA_CERT_PATH", "IH_JWKS_CA_CERT", "IH_TLS_SKIP_VERIFY",
	"IH_HTTP_CLIENT_TIMEOUT", "IH_JWKS_CLIENT_TIMEOUT", "IH_JWKS_REFRESH_INTERVAL",
	"IH_JWT_LEEWAY", "IH_PRIVILEGED_ROLES", "IH_TLS_CERT", "IH_TLS_KEY",
	"IH_HTTP_READ_TIMEOUT", "IH_HTTP_WRITE_TIMEOUT", "IH_HTTP_IDLE_TIMEOUT",
	"IH_SHUTDOWN_TIMEOUT", "IH_LOG_LEVEL", "IH_LOG_FORMAT",
	"IH_GC_INTERVAL", "IH_RECONCILE_INTERVAL", "IH_RECONCILE_GRACE",
	"IH_DEPHEALTH_CHECK_INTERVAL", "IH_DEPHEALTH_GROUP", "DEPHEALTH_NAME",
}

// setupEnv очищает все переменные IH_* и устанавливает vars.
// Исходные значения восстанавливает t.Setenv.
func setupEnv(t *testing.T, vars map[string]string) {
	t.Helper()
	for _, k := range allKeys {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
	// .env в рабочей директории теста не должен влиять на результат
	t.Setenv("IH_ENV_FILE", filepath.Join(t.TempDir(), "absent.env"))
	for k, v := range vars {
		t.Setenv(k, v)
	}
}

// requiredEnvVars возвращает минимальный набор обязательных переменных.
func requiredEnvVars() map[string]string {
	return map[string]string{
		"IH_BASE_URL": "https://img.example.com/",
		"IH_DATA_DIR": "/tmp/data",
		"IH_WAL_DIR":  "/tmp/wal",
	}
}

func TestLoad_DefaultValues(t *testing.T) {
	setupEnv(t, requiredEnvVars())

	cfg, err := Load()
	if err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}

	if cfg.Port != 8347 {
		t.Errorf("Port: ожидалось 8347, получено %d", cfg.Port)
	}
	if cfg.BaseURL != "https://img.example.com" {
		t.Errorf("BaseURL: завершающий слэш должен отрезаться, получено %q", cfg.BaseURL)
	}
	if cfg.MetadataDir != "/tmp/data/metadata" || cfg.QuotaDir != "/tmp/data/quota" {
		t.Errorf("производные директории: %q, %q", cfg.MetadataDir, cfg.QuotaDir)
	}
	if cfg.MaxFileSize != 10*1024*1024 {
		t.Errorf("MaxFileSize: ожидалось 10 MiB, получено %d", cfg.MaxFileSize)
	}
	if len(cfg.AllowedMIMETypes) != 4 {
		t.Errorf("AllowedMIMETypes: ожидалось 4 типа, получено %v", cfg.AllowedMIMETypes)
	}
	if cfg.PreviewMaxWidth != 300 || cfg.PreviewMaxHeight != 300 || cfg.PreviewQuality != 80 {
		t.Errorf("превью: %dx%d q%d", cfg.PreviewMaxWidth, cfg.PreviewMaxHeight, cfg.PreviewQuality)
	}
	if cfg.QuotaBackend != QuotaBackendFile {
		t.Errorf("QuotaBackend: ожидалось file, получено %q", cfg.QuotaBackend)
	}
	if cfg.QuotaPeriod != 720*time.Hour {
		t.Errorf("QuotaPeriod: ожидалось 720h, получено %v", cfg.QuotaPeriod)
	}
	if cfg.AuthEnabled() {
		t.Error("без IH_JWKS_URL аутентификация должна быть выключена")
	}
	if cfg.TLSEnabled() {
		t.Error("без сертификата TLS должен быть выключен")
	}
	if len(cfg.PrivilegedRoles) != 2 || cfg.PrivilegedRoles[0] != "admin" {
		t.Errorf("PrivilegedRoles: %v", cfg.PrivilegedRoles)
	}
	if cfg.LogLevel != slog.LevelInfo || cfg.LogFormat != "json" {
		t.Errorf("логирование: %v %q", cfg.LogLevel, cfg.LogFormat)
	}
	if cfg.GCInterval != time.Hour || cfg.ReconcileInterval != 6*time.Hour || cfg.ReconcileGrace != time.Hour {
		t.Errorf("интервалы: gc=%v reconcile=%v grace=%v", cfg.GCInterval, cfg.ReconcileInterval, cfg.ReconcileGrace)
	}
	if cfg.ShutdownTimeout != 10*time.Second {
		t.Errorf("ShutdownTimeout: ожидалось 10s, получено %v", cfg.ShutdownTimeout)
	}
}

func TestLoad_CustomValues(t *testing.T) {
	vars := requiredEnvVars()
	vars["IH_PORT"] = "9000"
	vars["IH_ALLOWED_MIME_TYPES"] = "image/PNG, image/jpeg,"
	vars["IH_PREVIEW_QUALITY"] = "95"
	vars["IH_QUOTA_PERIOD"] = "24h"
	vars["IH_JWKS_URL"] = "https://auth.example.com/jwks"
	vars["IH_TLS_CERT"] = "/tmp/tls.crt"
	vars["IH_TLS_KEY"] = "/tmp/tls.key"
	vars["IH_LOG_FORMAT"] = "text"
	vars["IH_PRIVILEGED_ROLES"] = "root"
	setupEnv(t, vars)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}
	if cfg.Port != 9000 {
		t.Errorf("Port: ожидалось 9000, получено %d", cfg.Port)
	}
	if len(cfg.AllowedMIMETypes) != 2 || cfg.AllowedMIMETypes[0] != "image/png" {
		t.Errorf("AllowedMIMETypes: %v", cfg.AllowedMIMETypes)
	}
	if cfg.PreviewQuality != 95 || cfg.QuotaPeriod != 24*time.Hour {
		t.Errorf("PreviewQuality=%d QuotaPeriod=%v", cfg.PreviewQuality, cfg.QuotaPeriod)
	}
	if !cfg.AuthEnabled() || !cfg.TLSEnabled() {
		t.Error("аутентификация и TLS должны быть включены")
	}
	if len(cfg.PrivilegedRoles) != 1 || cfg.PrivilegedRoles[0] != "root" {
		t.Errorf("PrivilegedRoles: %v", cfg.PrivilegedRoles)
	}
}

func TestLoad_MissingRequiredVars(t *testing.T) {
	for _, key := range []string{"IH_BASE_URL", "IH_DATA_DIR", "IH_WAL_DIR"} {
		t.Run(key, func(t *testing.T) {
			vars := requiredEnvVars()
			delete(vars, key)
			setupEnv(t, vars)

			if _, err := Load(); err == nil {
				t.Errorf("ожидалась ошибка при отсутствии %s", key)
			}
		})
	}
}

func TestLoad_InvalidValues(t *testing.T) {
	tests := []struct {
		key, value string
	}{
		{"IH_PORT", "abc"},
		{"IH_PORT", "70000"},
		{"IH_BASE_URL", "img.example.com"},
		{"IH_BASE_URL", "ftp://img.example.com"},
		{"IH_MAX_FILE_SIZE", "0"},
		{"IH_PREVIEW_MAX_WIDTH", "-1"},
		{"IH_PREVIEW_QUALITY", "101"},
		{"IH_MAX_PIXELS", "0"},
		{"IH_QUOTA_BACKEND", "redis"},
		{"IH_QUOTA_PERIOD", "0s"},
		{"IH_TLS_SKIP_VERIFY", "maybe"},
		{"IH_GC_INTERVAL", "1 hour"},
		{"IH_LOG_LEVEL", "verbose"},
		{"IH_LOG_FORMAT", "xml"},
		{"IH_TLS_CERT", "/tmp/only-cert.crt"},
	}
	for _, tt := range tests {
		t.Run(tt.key+"="+tt.value, func(t *testing.T) {
			vars := requiredEnvVars()
			vars[tt.key] = tt.value
			setupEnv(t, vars)

			if _, err := Load(); err == nil {
				t.Errorf("ожидалась ошибка для %s=%q", tt.key, tt.value)
			}
		})
	}
}

func TestLoad_PostgresRequiresDB(t *testing.T) {
	vars := requiredEnvVars()
	vars["IH_QUOTA_BACKEND"] = "postgres"
	setupEnv(t, vars)

	if _, err := Load(); err == nil {
		t.Fatal("ожидалась ошибка без параметров БД")
	}

	vars["IH_DB_HOST"] = "db"
	vars["IH_DB_NAME"] = "imagehost"
	vars["IH_DB_USER"] = "ih"
	vars["IH_DB_PASSWORD"] = "p@ss"
	setupEnv(t, vars)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}
	if got := cfg.DatabaseURL("pgx5"); got != "pgx5://ih:p%40ss@db:5432/imagehost?sslmode=disable" {
		t.Errorf("DatabaseURL: %s", got)
	}
	if got := cfg.DatabaseDSN(); got != "host=db port=5432 dbname=imagehost user=ih password=p@ss sslmode=disable" {
		t.Errorf("DatabaseDSN: %s", got)
	}
}

// TestLoad_JWKSClientTimeoutFallback проверяет fallback таймаута JWKS на глобальный.
func TestLoad_JWKSClientTimeoutFallback(t *testing.T) {
	vars := requiredEnvVars()
	vars["IH_HTTP_CLIENT_TIMEOUT"] = "20s"
	setupEnv(t, vars)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}
	if cfg.JWKSClientTimeout != 20*time.Second {
		t.Errorf("JWKSClientTimeout: ожидалось 20s, получено %v", cfg.JWKSClientTimeout)
	}

	vars["IH_JWKS_CLIENT_TIMEOUT"] = "5s"
	setupEnv(t, vars)
	cfg, err = Load()
	if err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}
	if cfg.JWKSClientTimeout != 5*time.Second {
		t.Errorf("JWKSClientTimeout: ожидалось 5s, получено %v", cfg.JWKSClientTimeout)
	}
}

// TestLoad_DotEnv проверяет чтение .env без перекрытия окружения.
func TestLoad_DotEnv(t *testing.T) {
	envFile := filepath.Join(t.TempDir(), "test.env")
	content := "IH_DATA_DIR=/srv/images\nIH_WAL_DIR=/srv/wal\nIH_PORT=9100\n"
	if err := os.WriteFile(envFile, []byte(content), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	setupEnv(t, map[string]string{
		"IH_BASE_URL": "http://localhost:9100",
		"IH_PORT":     "9200",
	})
	t.Setenv("IH_ENV_FILE", envFile)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}
	if cfg.DataDir != "/srv/images" {
		t.Errorf("DataDir из .env: получено %q", cfg.DataDir)
	}
	if cfg.Port != 9200 {
		t.Errorf("окружение должно иметь приоритет над .env: Port=%d", cfg.Port)
	}
}

func TestSetupLogger(t *testing.T) {
	for _, format := range []string{"json", "text"} {
		t.Run(format, func(t *testing.T) {
			logger := SetupLogger(&Config{LogLevel: slog.LevelInfo, LogFormat: format})
			if logger == nil {
				t.Fatal("SetupLogger вернул nil")
			}
		})
	}
}
