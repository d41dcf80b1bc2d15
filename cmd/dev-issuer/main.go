// dev-issuer — издатель JWT для локального окружения Image Host.
// Генерирует RSA ключевую пару при старте, отдаёт JWKS по GET /jwks
// и выпускает токены с ролями по POST /token. Формат claims совпадает
// с тем, что принимает auth middleware Image Host (roles и realm_access).
package main

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"math/big"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	keyID         = "dev-issuer-1"
	defaultTTL    = time.Hour
	issuerName    = "image-host-dev-issuer"
	minRSAKeySize = 2048
)

// issuerConfig — параметры из переменных окружения.
type issuerConfig struct {
	Port    string // ISSUER_PORT (default: 8081)
	KeySize int    // ISSUER_KEY_SIZE (default: 2048)
}

func loadConfig() issuerConfig {
	cfg := issuerConfig{Port: "8081", KeySize: minRSAKeySize}
	if v := os.Getenv("ISSUER_PORT"); v != "" {
		cfg.Port = v
	}
	if v := os.Getenv("ISSUER_KEY_SIZE"); v != "" {
		if size, err := strconv.Atoi(v); err == nil && size >= minRSAKeySize {
			cfg.KeySize = size
		}
	}
	return cfg
}

// jwk — открытый RSA ключ в формате RFC 7517.
type jwk struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Use string `json:"use"`
	Alg string `json:"alg"`
	N   string `json:"n"`
	E   string `json:"e"`
}

func buildJWKS(pub *rsa.PublicKey) ([]byte, error) {
	return json.Marshal(map[string][]jwk{
		"keys": {{
			Kty: "RSA",
			Kid: keyID,
			Use: "sig",
			Alg: "RS256",
			N:   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
			E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
		}},
	})
}

// tokenRequest — тело POST /token.
type tokenRequest struct {
	Sub        string   `json:"sub"`
	Roles      []string `json:"roles"`
	TTLSeconds int      `json:"ttl_seconds"`
	// Realm — класть роли в realm_access.roles (формат Keycloak)
	Realm bool `json:"realm"`
}

type realmAccess struct {
	Roles []string `json:"roles"`
}

type issuedClaims struct {
	jwt.RegisteredClaims
	Roles       []string     `json:"roles,omitempty"`
	RealmAccess *realmAccess `json:"realm_access,omitempty"`
}

type issuer struct {
	key    *rsa.PrivateKey
	jwks   []byte
	logger *slog.Logger
}

func (s *issuer) handleJWKS(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "public, max-age=300")
	_, _ = w.Write(s.jwks)
}

func (s *issuer) handleToken(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Некорректный JSON")
		return
	}
	if req.Sub == "" {
		writeError(w, http.StatusBadRequest, "Поле 'sub' обязательно")
		return
	}

	ttl := defaultTTL
	if req.TTLSeconds > 0 {
		ttl = time.Duration(req.TTLSeconds) * time.Second
	}
	now := time.Now()

	claims := issuedClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   req.Sub,
			Issuer:    issuerName,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	if req.Realm {
		claims.RealmAccess = &realmAccess{Roles: req.Roles}
	} else {
		claims.Roles = req.Roles
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = keyID
	signed, err := token.SignedString(s.key)
	if err != nil {
		s.logger.Error("Ошибка подписи JWT", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "Ошибка выпуска токена")
		return
	}

	s.logger.Info("Токен выпущен",
		slog.String("sub", req.Sub),
		slog.Any("roles", req.Roles),
		slog.Duration("ttl", ttl),
	)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"token": signed})
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{"code": "VALIDATION_ERROR", "message": message},
	})
}

func newRouter(s *issuer) http.Handler {
	r := chi.NewRouter()
	r.Get("/jwks", s.handleJWKS)
	r.Post("/token", s.handleToken)
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	return r
}

func main() {
	cfg := loadConfig()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	key, err := rsa.GenerateKey(rand.Reader, cfg.KeySize)
	if err != nil {
		logger.Error("Ошибка генерации RSA ключа", slog.String("error", err.Error()))
		os.Exit(1)
	}
	jwks, err := buildJWKS(&key.PublicKey)
	if err != nil {
		logger.Error("Ошибка сериализации JWKS", slog.String("error", err.Error()))
		os.Exit(1)
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           newRouter(&issuer{key: key, jwks: jwks, logger: logger}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	logger.Info("dev-issuer запущен", slog.String("addr", srv.Addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("Ошибка сервера", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
