// Пакет config — загрузка и валидация конфигурации Image Host
// из переменных окружения (префикс IH_). Перед чтением окружения
// подгружается необязательный .env файл; уже заданные переменные
// окружения он не перекрывает.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Версия приложения, задаётся при сборке через -ldflags.
var Version = "dev"

// Бэкенды Quota Ledger.
const (
	QuotaBackendFile     = "file"
	QuotaBackendPostgres = "postgres"
)

// defaultAllowedMIMETypes — допустимые типы загружаемых изображений.
var defaultAllowedMIMETypes = []string{"image/jpeg", "image/png", "image/gif", "image/webp"}

// Config содержит все параметры конфигурации Image Host.
type Config struct {
	// Порт HTTP-сервера
	Port int
	// Идентификатор экземпляра сервиса (для метрик и /info)
	ServiceID string
	// Публичный базовый URL, из него строятся прямые и короткие ссылки
	BaseURL string

	// Директория артефактов (originals/, previews/)
	DataDir string
	// Директория файлов записей объектов (по умолчанию {DataDir}/metadata)
	MetadataDir string
	// Директория журнала операций
	WALDir string

	// Максимальный размер загружаемого файла в байтах
	MaxFileSize int64
	// Допустимые MIME-типы оригиналов
	AllowedMIMETypes []string
	// Прямоугольник превью
	PreviewMaxWidth  int
	PreviewMaxHeight int
	// Качество JPEG превью (1..100)
	PreviewQuality int
	// Верхняя граница количества пикселей декодируемого изображения
	MaxPixels int64

	// Бэкенд квот: file или postgres
	QuotaBackend string
	// Директория файлового ledger (по умолчанию {DataDir}/quota)
	QuotaDir string
	// Длительность расчётного периода
	QuotaPeriod time.Duration

	// PostgreSQL (только для QuotaBackend=postgres)
	DBHost     string
	DBPort     int
	DBName     string
	DBUser     string
	DBPassword string
	DBSSLMode  string

	// URL JWKS endpoint. Пустое значение — анонимный режим (для разработки)
	JWKSUrl string
	// Путь к CA-сертификату для TLS-соединений с JWKS endpoint (опционально)
	CACertPath string
	// Пропуск проверки TLS-сертификата JWKS endpoint
	TLSSkipVerify bool
	// Глобальный таймаут HTTP-клиентов
	HTTPClientTimeout time.Duration
	// Таймаут клиента JWKS (по умолчанию равен HTTPClientTimeout)
	JWKSClientTimeout time.Duration
	// Интервал обновления ключей JWKS
	JWKSRefreshInterval time.Duration
	// Допуск расхождения часов при проверке exp/nbf
	JWTLeeway time.Duration
	// Роли, дающие обход квот и административный доступ
	PrivilegedRoles []string

	// TLS сервера (опционально, оба файла задаются вместе)
	TLSCert string
	TLSKey  string

	// Таймауты HTTP-сервера
	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration
	// Таймаут graceful shutdown HTTP-сервера
	ShutdownTimeout time.Duration

	// Уровень логирования (debug, info, warn, error)
	LogLevel slog.Level
	// Формат логов (json, text)
	LogFormat string

	// Интервал очистки журнала и временных файлов
	GCInterval time.Duration
	// Интервал автоматической сверки
	ReconcileInterval time.Duration
	// Минимальный возраст осиротевшего артефакта перед удалением
	ReconcileGrace time.Duration

	// Интервал проверки зависимостей topologymetrics
	DephealthCheckInterval time.Duration
	// Имя группы в метриках topologymetrics
	DephealthGroup string
	// Имя владельца пода для метки name в topologymetrics (DEPHEALTH_NAME)
	DephealthName string
}

// Load загружает конфигурацию: необязательный .env (путь в IH_ENV_FILE,
// по умолчанию ./.env), затем переменные окружения. Возвращает ошибку
// для отсутствующих обязательных и некорректных значений.
func Load() (*Config, error) {
	if err := loadDotEnv(getEnvDefault("IH_ENV_FILE", ".env")); err != nil {
		return nil, err
	}

	cfg := &Config{}
	var err error

	// IH_PORT — порт HTTP-сервера (по умолчанию 8347)
	cfg.Port, err = getEnvInt("IH_PORT", 8347)
	if err != nil {
		return nil, fmt.Errorf("IH_PORT: %w", err)
	}
	if cfg.Port < 1 || cfg.Port > 65535 {
		return nil, fmt.Errorf("IH_PORT: значение %d вне диапазона 1-65535", cfg.Port)
	}

	cfg.ServiceID = getEnvDefault("IH_SERVICE_ID", "image-host")

	// IH_BASE_URL — обязательный, абсолютный http(s) URL
	baseURL, err := getEnvRequired("IH_BASE_URL")
	if err != nil {
		return nil, err
	}
	u, err := url.Parse(baseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("IH_BASE_URL: ожидается абсолютный http(s) URL, получено %q", baseURL)
	}
	cfg.BaseURL = strings.TrimRight(baseURL, "/")

	cfg.DataDir, err = getEnvRequired("IH_DATA_DIR")
	if err != nil {
		return nil, err
	}
	cfg.WALDir, err = getEnvRequired("IH_WAL_DIR")
	if err != nil {
		return nil, err
	}
	cfg.MetadataDir = getEnvDefault("IH_METADATA_DIR", filepath.Join(cfg.DataDir, "metadata"))

	// IH_MAX_FILE_SIZE — по умолчанию 10 MiB
	cfg.MaxFileSize, err = getEnvInt64("IH_MAX_FILE_SIZE", 10*1024*1024)
	if err != nil {
		return nil, fmt.Errorf("IH_MAX_FILE_SIZE: %w", err)
	}
	if cfg.MaxFileSize <= 0 {
		return nil, fmt.Errorf("IH_MAX_FILE_SIZE: значение должно быть положительным")
	}

	cfg.AllowedMIMETypes = getEnvList("IH_ALLOWED_MIME_TYPES", defaultAllowedMIMETypes)
	for i, mt := range cfg.AllowedMIMETypes {
		cfg.AllowedMIMETypes[i] = strings.ToLower(mt)
	}

	if cfg.PreviewMaxWidth, err = getEnvPositiveInt("IH_PREVIEW_MAX_WIDTH", 300); err != nil {
		return nil, err
	}
	if cfg.PreviewMaxHeight, err = getEnvPositiveInt("IH_PREVIEW_MAX_HEIGHT", 300); err != nil {
		return nil, err
	}
	if cfg.PreviewQuality, err = getEnvPositiveInt("IH_PREVIEW_QUALITY", 80); err != nil {
		return nil, err
	}
	if cfg.PreviewQuality > 100 {
		return nil, fmt.Errorf("IH_PREVIEW_QUALITY: значение %d вне диапазона 1-100", cfg.PreviewQuality)
	}
	cfg.MaxPixels, err = getEnvInt64("IH_MAX_PIXELS", 50_000_000)
	if err != nil {
		return nil, fmt.Errorf("IH_MAX_PIXELS: %w", err)
	}
	if cfg.MaxPixels <= 0 {
		return nil, fmt.Errorf("IH_MAX_PIXELS: значение должно быть положительным")
	}

	// IH_QUOTA_BACKEND — file (по умолчанию) или postgres
	cfg.QuotaBackend = getEnvDefault("IH_QUOTA_BACKEND", QuotaBackendFile)
	if cfg.QuotaBackend != QuotaBackendFile && cfg.QuotaBackend != QuotaBackendPostgres {
		return nil, fmt.Errorf("IH_QUOTA_BACKEND: недопустимое значение %q, допустимые: file, postgres", cfg.QuotaBackend)
	}
	cfg.QuotaDir = getEnvDefault("IH_QUOTA_DIR", filepath.Join(cfg.DataDir, "quota"))
	if cfg.QuotaPeriod, err = getEnvDuration("IH_QUOTA_PERIOD", 720*time.Hour); err != nil {
		return nil, fmt.Errorf("IH_QUOTA_PERIOD: %w", err)
	}
	if cfg.QuotaPeriod <= 0 {
		return nil, fmt.Errorf("IH_QUOTA_PERIOD: значение должно быть положительным")
	}

	if err := loadDatabase(cfg); err != nil {
		return nil, err
	}

	// IH_JWKS_URL — пустое значение включает анонимный режим
	cfg.JWKSUrl = getEnvDefault("IH_JWKS_URL", "")
	cfg.CACertPath = getEnvDefault("IH_CA_CERT_PATH", getEnvDefault("IH_JWKS_CA_CERT", ""))
	if cfg.TLSSkipVerify, err = getEnvBool("IH_TLS_SKIP_VERIFY", false); err != nil {
		return nil, fmt.Errorf("IH_TLS_SKIP_VERIFY: %w", err)
	}
	if cfg.HTTPClientTimeout, err = getEnvDuration("IH_HTTP_CLIENT_TIMEOUT", 30*time.Second); err != nil {
		return nil, fmt.Errorf("IH_HTTP_CLIENT_TIMEOUT: %w", err)
	}
	if cfg.JWKSClientTimeout, err = getEnvDuration("IH_JWKS_CLIENT_TIMEOUT", cfg.HTTPClientTimeout); err != nil {
		return nil, fmt.Errorf("IH_JWKS_CLIENT_TIMEOUT: %w", err)
	}
	if cfg.JWKSRefreshInterval, err = getEnvDuration("IH_JWKS_REFRESH_INTERVAL", 15*time.Second); err != nil {
		return nil, fmt.Errorf("IH_JWKS_REFRESH_INTERVAL: %w", err)
	}
	if cfg.JWTLeeway, err = getEnvDuration("IH_JWT_LEEWAY", 5*time.Second); err != nil {
		return nil, fmt.Errorf("IH_JWT_LEEWAY: %w", err)
	}
	cfg.PrivilegedRoles = getEnvList("IH_PRIVILEGED_ROLES", []string{"admin", "manager"})

	// IH_TLS_CERT / IH_TLS_KEY — задаются парой
	cfg.TLSCert = getEnvDefault("IH_TLS_CERT", "")
	cfg.TLSKey = getEnvDefault("IH_TLS_KEY", "")
	if (cfg.TLSCert == "") != (cfg.TLSKey == "") {
		return nil, fmt.Errorf("IH_TLS_CERT и IH_TLS_KEY задаются только вместе")
	}

	if cfg.HTTPReadTimeout, err = getEnvDuration("IH_HTTP_READ_TIMEOUT", 30*time.Second); err != nil {
		return nil, fmt.Errorf("IH_HTTP_READ_TIMEOUT: %w", err)
	}
	if cfg.HTTPWriteTimeout, err = getEnvDuration("IH_HTTP_WRITE_TIMEOUT", 60*time.Second); err != nil {
		return nil, fmt.Errorf("IH_HTTP_WRITE_TIMEOUT: %w", err)
	}
	if cfg.HTTPIdleTimeout, err = getEnvDuration("IH_HTTP_IDLE_TIMEOUT", 120*time.Second); err != nil {
		return nil, fmt.Errorf("IH_HTTP_IDLE_TIMEOUT: %w", err)
	}
	if cfg.ShutdownTimeout, err = getEnvDuration("IH_SHUTDOWN_TIMEOUT", 10*time.Second); err != nil {
		return nil, fmt.Errorf("IH_SHUTDOWN_TIMEOUT: %w", err)
	}

	cfg.LogLevel, err = parseLogLevel(getEnvDefault("IH_LOG_LEVEL", "info"))
	if err != nil {
		return nil, fmt.Errorf("IH_LOG_LEVEL: %w", err)
	}
	cfg.LogFormat = getEnvDefault("IH_LOG_FORMAT", "json")
	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		return nil, fmt.Errorf("IH_LOG_FORMAT: недопустимое значение %q, допустимые: json, text", cfg.LogFormat)
	}

	if cfg.GCInterval, err = getEnvDuration("IH_GC_INTERVAL", time.Hour); err != nil {
		return nil, fmt.Errorf("IH_GC_INTERVAL: %w", err)
	}
	if cfg.ReconcileInterval, err = getEnvDuration("IH_RECONCILE_INTERVAL", 6*time.Hour); err != nil {
		return nil, fmt.Errorf("IH_RECONCILE_INTERVAL: %w", err)
	}
	if cfg.ReconcileGrace, err = getEnvDuration("IH_RECONCILE_GRACE", time.Hour); err != nil {
		return nil, fmt.Errorf("IH_RECONCILE_GRACE: %w", err)
	}

	if cfg.DephealthCheckInterval, err = getEnvDuration("IH_DEPHEALTH_CHECK_INTERVAL", 15*time.Second); err != nil {
		return nil, fmt.Errorf("IH_DEPHEALTH_CHECK_INTERVAL: %w", err)
	}
	cfg.DephealthGroup = getEnvDefault("IH_DEPHEALTH_GROUP", "image-host")
	cfg.DephealthName = getEnvDefault("DEPHEALTH_NAME", "")

	return cfg, nil
}

// loadDatabase читает параметры PostgreSQL. Для бэкенда postgres
// хост, имя базы и пользователь обязательны.
func loadDatabase(cfg *Config) error {
	var err error
	cfg.DBHost = getEnvDefault("IH_DB_HOST", "")
	if cfg.DBPort, err = getEnvInt("IH_DB_PORT", 5432); err != nil {
		return fmt.Errorf("IH_DB_PORT: %w", err)
	}
	cfg.DBName = getEnvDefault("IH_DB_NAME", "")
	cfg.DBUser = getEnvDefault("IH_DB_USER", "")
	cfg.DBPassword = getEnvDefault("IH_DB_PASSWORD", "")
	cfg.DBSSLMode = getEnvDefault("IH_DB_SSL_MODE", "disable")

	if cfg.QuotaBackend != QuotaBackendPostgres {
		return nil
	}
	for key, val := range map[string]string{
		"IH_DB_HOST": cfg.DBHost,
		"IH_DB_NAME": cfg.DBName,
		"IH_DB_USER": cfg.DBUser,
	} {
		if val == "" {
			return fmt.Errorf("%s: обязательна для IH_QUOTA_BACKEND=postgres", key)
		}
	}
	return nil
}

// DatabaseDSN возвращает строку подключения к PostgreSQL.
func (c *Config) DatabaseDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBName, c.DBUser, c.DBPassword, c.DBSSLMode,
	)
}

// DatabaseURL возвращает URL PostgreSQL (для golang-migrate и dephealth).
func (c *Config) DatabaseURL(scheme string) string {
	u := url.URL{
		Scheme:   scheme,
		User:     url.UserPassword(c.DBUser, c.DBPassword),
		Host:     fmt.Sprintf("%s:%d", c.DBHost, c.DBPort),
		Path:     "/" + c.DBName,
		RawQuery: "sslmode=" + url.QueryEscape(c.DBSSLMode),
	}
	return u.String()
}

// AuthEnabled возвращает true, если задан JWKS endpoint.
func (c *Config) AuthEnabled() bool {
	return c.JWKSUrl != ""
}

// TLSEnabled возвращает true, если заданы сертификат и ключ сервера.
func (c *Config) TLSEnabled() bool {
	return c.TLSCert != "" && c.TLSKey != ""
}

// SetupLogger настраивает глобальный slog-логгер на основе конфигурации.
func SetupLogger(cfg *Config) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// --- Вспомогательные функции ---

// loadDotEnv подгружает .env файл. Отсутствие файла не является ошибкой.
func loadDotEnv(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("ошибка чтения %s: %w", path, err)
	}
	return nil
}

// getEnvRequired возвращает значение переменной окружения или ошибку, если она не задана.
func getEnvRequired(key string) (string, error) {
	val := os.Getenv(key)
	if val == "" {
		return "", fmt.Errorf("%s: обязательная переменная окружения не задана", key)
	}
	return val, nil
}

// getEnvDefault возвращает значение переменной окружения или значение по умолчанию.
func getEnvDefault(key, defaultVal string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	return val
}

// getEnvList разбирает список через запятую. Пустые элементы отбрасываются.
func getEnvList(key string, defaultVal []string) []string {
	val := os.Getenv(key)
	if val == "" {
		result := make([]string, len(defaultVal))
		copy(result, defaultVal)
		return result
	}
	var result []string
	for _, part := range strings.Split(val, ",") {
		if part = strings.TrimSpace(part); part != "" {
			result = append(result, part)
		}
	}
	return result
}

// getEnvInt возвращает целочисленное значение переменной окружения или значение по умолчанию.
func getEnvInt(key string, defaultVal int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("некорректное целое число: %q", val)
	}
	return n, nil
}

// getEnvPositiveInt — getEnvInt с проверкой > 0; ошибка содержит имя переменной.
func getEnvPositiveInt(key string, defaultVal int) (int, error) {
	n, err := getEnvInt(key, defaultVal)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("%s: значение должно быть положительным, получено %d", key, n)
	}
	return n, nil
}

// getEnvInt64 возвращает int64 значение переменной окружения или значение по умолчанию.
func getEnvInt64(key string, defaultVal int64) (int64, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("некорректное целое число: %q", val)
	}
	return n, nil
}

// getEnvBool возвращает булево значение переменной окружения или значение по умолчанию.
func getEnvBool(key string, defaultVal bool) (bool, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return false, fmt.Errorf("некорректное булево значение: %q", val)
	}
	return b, nil
}

// getEnvDuration возвращает time.Duration из переменной окружения или значение по умолчанию.
func getEnvDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("некорректная длительность: %q (используйте формат Go: 30s, 1h, 6h)", val)
	}
	return d, nil
}

// parseLogLevel преобразует строку уровня логирования в slog.Level.
func parseLogLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("недопустимый уровень %q, допустимые: debug, info, warn, error", level)
	}
}
