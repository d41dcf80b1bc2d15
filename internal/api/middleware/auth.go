// auth.go — JWT middleware для аутентификации и авторизации.
// Использует RS256 + JWKS для валидации токенов внешнего провайдера.
// Claims: sub (subject), roles (массив строк) и realm_access.roles (Keycloak).
// Публичные endpoints (health, info, metrics, выдача файлов) — без аутентификации.
// При пустом JWKS URL сервис работает в анонимном режиме (Anonymous).
package middleware

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/MicahParks/jwkset"
	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"

	apierrors "github.com/bigkaa/goartstore/image-host/internal/api/errors"
)

// contextKey — тип для ключей контекста (избегаем коллизий).
type contextKey string

const (
	// ContextKeySubject — ключ для sub из JWT в контексте запроса.
	ContextKeySubject contextKey = "jwt_subject"
	// ContextKeyRoles — ключ для ролей из JWT в контексте запроса.
	ContextKeyRoles contextKey = "jwt_roles"
	// ContextKeyPrivileged — ключ признака привилегированного вызывающего.
	ContextKeyPrivileged contextKey = "privileged"
)

// Claims — структура JWT claims для Image Host.
// Поддерживает два формата ролей:
//   - Keycloak: "realm_access": {"roles": [...]}
//   - Кастомный: "roles" (массив строк)
type Claims struct {
	jwt.RegisteredClaims
	// RoleArray — кастомный claim (массив строк)
	RoleArray []string `json:"roles,omitempty"`
	// RealmAccess — роли realm в формате Keycloak
	RealmAccess *RealmAccess `json:"realm_access,omitempty"`
}

// RealmAccess — вложенный claim realm_access.
type RealmAccess struct {
	Roles []string `json:"roles"`
}

// Roles возвращает объединённый список ролей из обоих форматов без повторов.
func (c *Claims) Roles() []string {
	var result []string
	add := func(roles []string) {
		for _, r := range roles {
			if r != "" && !slices.Contains(result, r) {
				result = append(result, r)
			}
		}
	}
	add(c.RoleArray)
	if c.RealmAccess != nil {
		add(c.RealmAccess.Roles)
	}
	return result
}

// JWTAuth — middleware для JWT-аутентификации через JWKS.
type JWTAuth struct {
	jwks            keyfunc.Keyfunc
	jwtLeeway       time.Duration
	privilegedRoles []string
	logger          *slog.Logger
}

// JWTAuthConfig — параметры для создания JWT middleware.
type JWTAuthConfig struct {
	// URL JWKS endpoint
	JWKSURL string
	// Путь к CA-сертификату (опционально)
	CACertPath string
	// Пропускать проверку TLS-сертификатов
	TLSSkipVerify bool
	// Таймаут HTTP-клиента JWKS
	ClientTimeout time.Duration
	// Интервал обновления JWKS-ключей
	RefreshInterval time.Duration
	// Допустимое отклонение времени при проверке JWT
	JWTLeeway time.Duration
	// Роли, дающие обход квот и административный доступ
	PrivilegedRoles []string
}

// NewJWTAuth создаёт JWT middleware с JWKS из указанного URL.
// Все параметры (таймауты, TLS, интервалы) берутся из JWTAuthConfig.
func NewJWTAuth(authCfg JWTAuthConfig, logger *slog.Logger) (*JWTAuth, error) {
	httpClient, err := buildHTTPClient(authCfg)
	if err != nil {
		return nil, err
	}

	if authCfg.CACertPath != "" {
		logger.Info("CA-сертификат добавлен в пул доверия",
			slog.String("ca_cert", authCfg.CACertPath),
		)
	}

	// NoErrorReturnFirstHTTPReq позволяет стартовать, даже если JWKS endpoint
	// ещё недоступен.
	storage, err := jwkset.NewStorageFromHTTP(authCfg.JWKSURL, jwkset.HTTPClientStorageOptions{
		Client:                    httpClient,
		NoErrorReturnFirstHTTPReq: true,
		RefreshInterval:           authCfg.RefreshInterval,
		RefreshErrorHandler: func(_ context.Context, err error) {
			logger.Error("Ошибка обновления JWKS",
				slog.String("error", err.Error()),
				slog.String("url", authCfg.JWKSURL),
			)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("создание JWKS storage: %w", err)
	}

	k, err := keyfunc.New(keyfunc.Options{
		Storage: storage,
	})
	if err != nil {
		return nil, fmt.Errorf("создание keyfunc: %w", err)
	}

	return NewJWTAuthWithKeyfunc(k, authCfg.JWTLeeway, authCfg.PrivilegedRoles, logger), nil
}

// buildHTTPClient создаёт HTTP-клиент с настроенным TLS и таймаутом.
func buildHTTPClient(authCfg JWTAuthConfig) (*http.Client, error) {
	tlsConfig := &tls.Config{
		InsecureSkipVerify: authCfg.TLSSkipVerify, //nolint:gosec // настраивается через IH_TLS_SKIP_VERIFY
	}

	if authCfg.CACertPath != "" {
		caCert, err := os.ReadFile(authCfg.CACertPath)
		if err != nil {
			return nil, fmt.Errorf("загрузка CA-сертификата %s: %w", authCfg.CACertPath, err)
		}

		caCertPool, err := x509.SystemCertPool()
		if err != nil {
			caCertPool = x509.NewCertPool()
		}
		caCertPool.AppendCertsFromPEM(caCert)
		tlsConfig.RootCAs = caCertPool
	}

	return &http.Client{
		Timeout: authCfg.ClientTimeout,
		Transport: &http.Transport{
			TLSClientConfig: tlsConfig,
		},
	}, nil
}

// NewJWTAuthWithKeyfunc создаёт JWT middleware с предоставленной keyfunc.
// Используется в тестах для подстановки mock JWKS.
func NewJWTAuthWithKeyfunc(kf keyfunc.Keyfunc, jwtLeeway time.Duration, privilegedRoles []string, logger *slog.Logger) *JWTAuth {
	return &JWTAuth{
		jwks:            kf,
		jwtLeeway:       jwtLeeway,
		privilegedRoles: privilegedRoles,
		logger:          logger.With(slog.String("component", "jwt_auth")),
	}
}

// Middleware возвращает HTTP middleware для JWT-аутентификации.
// Извлекает Bearer token из заголовка Authorization, валидирует подпись (RS256),
// проверяет exp/nbf, помещает sub, роли и признак привилегий в контекст.
func (j *JWTAuth) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				apierrors.Unauthorized(w, "Отсутствует заголовок Authorization")
				return
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
				apierrors.Unauthorized(w, "Неверный формат Authorization: ожидается Bearer <token>")
				return
			}

			tokenString := parts[1]
			if tokenString == "" {
				apierrors.Unauthorized(w, "Пустой Bearer token")
				return
			}

			claims := &Claims{}
			token, err := jwt.ParseWithClaims(tokenString, claims, j.jwks.KeyfuncCtx(r.Context()),
				jwt.WithValidMethods([]string{"RS256"}),
				jwt.WithExpirationRequired(),
				jwt.WithLeeway(j.jwtLeeway),
			)
			if err != nil {
				j.logger.Debug("JWT валидация не пройдена",
					slog.String("error", err.Error()),
					slog.String("remote_addr", r.RemoteAddr),
				)
				apierrors.Unauthorized(w, "Невалидный или просроченный токен")
				return
			}

			if !token.Valid {
				apierrors.Unauthorized(w, "Невалидный токен")
				return
			}

			subject, err := claims.GetSubject()
			if err != nil || subject == "" {
				apierrors.Unauthorized(w, "Отсутствует sub в токене")
				return
			}

			roles := claims.Roles()
			ctx := withIdentity(r.Context(), subject, roles, j.isPrivileged(roles))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// isPrivileged проверяет пересечение ролей токена с привилегированными.
func (j *JWTAuth) isPrivileged(roles []string) bool {
	for _, r := range roles {
		if slices.Contains(j.privilegedRoles, r) {
			return true
		}
	}
	return false
}

// Anonymous возвращает middleware анонимного режима (JWKS не настроен).
// Запрос получает пустой subject и не считается привилегированным:
// загрузки идут без владельца, административные endpoints недоступны.
func Anonymous() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(withIdentity(r.Context(), "", nil, false)))
		})
	}
}

// RequirePrivileged возвращает middleware, пропускающий только
// привилегированных вызывающих. Иначе — 403 Forbidden.
// Должен использоваться ПОСЛЕ JWTAuth.Middleware() или Anonymous().
func RequirePrivileged() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !IsPrivileged(r.Context()) {
				apierrors.Forbidden(w, "Недостаточно прав: требуется привилегированная роль")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func withIdentity(ctx context.Context, subject string, roles []string, privileged bool) context.Context {
	ctx = context.WithValue(ctx, ContextKeySubject, subject)
	ctx = context.WithValue(ctx, ContextKeyRoles, roles)
	return context.WithValue(ctx, ContextKeyPrivileged, privileged)
}

// SubjectFromContext извлекает sub из контекста запроса.
// Возвращает пустую строку, если sub не найден (анонимный вызов).
func SubjectFromContext(ctx context.Context) string {
	subject, _ := ctx.Value(ContextKeySubject).(string)
	return subject
}

// RolesFromContext извлекает роли из контекста запроса.
// Возвращает nil, если роли не найдены.
func RolesFromContext(ctx context.Context) []string {
	roles, _ := ctx.Value(ContextKeyRoles).([]string)
	return roles
}

// IsPrivileged возвращает признак привилегированного вызывающего.
func IsPrivileged(ctx context.Context) bool {
	privileged, _ := ctx.Value(ContextKeyPrivileged).(bool)
	return privileged
}
