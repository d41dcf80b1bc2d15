package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bigkaa/goartstore/image-host/internal/api/handlers"
	"github.com/bigkaa/goartstore/image-host/internal/api/middleware"
	"github.com/bigkaa/goartstore/image-host/internal/api/openapi"
	"github.com/bigkaa/goartstore/image-host/internal/config"
	"github.com/bigkaa/goartstore/image-host/internal/idgen"
	"github.com/bigkaa/goartstore/image-host/internal/imaging"
	"github.com/bigkaa/goartstore/image-host/internal/quota"
	"github.com/bigkaa/goartstore/image-host/internal/service"
	"github.com/bigkaa/goartstore/image-host/internal/storage/blobstore"
	"github.com/bigkaa/goartstore/image-host/internal/storage/index"
	"github.com/bigkaa/goartstore/image-host/internal/storage/metastore"
	"github.com/bigkaa/goartstore/image-host/internal/storage/wal"
)

const testBaseURL = "http://img.test"

// testAuth подставляет identity из заголовков X-Test-User / X-Test-Admin.
func testAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := context.WithValue(r.Context(), middleware.ContextKeySubject, r.Header.Get("X-Test-User"))
		ctx = context.WithValue(ctx, middleware.ContextKeyPrivileged, r.Header.Get("X-Test-Admin") == "1")
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// newTestRouter собирает router поверх настоящих хранилищ во временной директории.
func newTestRouter(t *testing.T) http.Handler {
	t.Helper()

	dir := t.TempDir()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	blobs, err := blobstore.New(filepath.Join(dir, "data"))
	if err != nil {
		t.Fatalf("blobstore.New: %v", err)
	}
	metaDir := filepath.Join(dir, "metadata")
	if err := os.MkdirAll(metaDir, 0o750); err != nil {
		t.Fatal(err)
	}
	meta := metastore.New(metaDir, index.New(logger), logger)
	if err := meta.Rebuild(); err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	journal, err := wal.New(filepath.Join(dir, "wal"), logger)
	if err != nil {
		t.Fatalf("wal.New: %v", err)
	}
	catalogue := quota.NewCatalogue(nil, 0)
	ledger, err := quota.NewFileLedger(filepath.Join(dir, "quota"), catalogue, logger)
	if err != nil {
		t.Fatalf("NewFileLedger: %v", err)
	}

	cfg := &config.Config{
		ServiceID:        "image-host",
		BaseURL:          testBaseURL,
		MaxFileSize:      1 << 20,
		AllowedMIMETypes: []string{"image/jpeg", "image/png", "image/gif", "image/webp"},
		QuotaBackend:     config.QuotaBackendFile,
	}

	objects := service.NewObjectService(
		service.ObjectsConfig{BaseURL: cfg.BaseURL, MaxFileSize: cfg.MaxFileSize, AllowedMIMETypes: cfg.AllowedMIMETypes},
		blobs, meta, imaging.New(imaging.DefaultOptions()), ledger, idgen.New(), journal, logger,
	)
	quotas := service.NewQuotaService(ledger, catalogue, logger)
	reconciler := service.NewReconcileService(blobs, meta, time.Hour, time.Hour, logger)

	validator, err := openapi.NewValidator(logger)
	if err != nil {
		t.Fatalf("NewValidator: %v", err)
	}

	h := Handlers{
		Objects:     handlers.NewObjectsHandler(objects, cfg.MaxFileSize, logger),
		Files:       handlers.NewFilesHandler(objects, logger),
		Quota:       handlers.NewQuotaHandler(quotas, logger),
		Health:      handlers.NewHealthHandler(blobs.DataDir(), metaDir, journal.Dir(), meta),
		System:      handlers.NewSystemHandler(cfg, meta, nil),
		Maintenance: handlers.NewMaintenanceHandler(reconciler),
	}
	return NewRouter(logger, h, testAuth, validator)
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 100, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

// uploadRequest строит multipart-запрос загрузки.
func uploadRequest(t *testing.T, user string, data []byte, contentType, tags, description string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	hdr := textproto.MIMEHeader{}
	hdr.Set("Content-Disposition", `form-data; name="file"; filename="photo.png"`)
	hdr.Set("Content-Type", contentType)
	part, err := mw.CreatePart(hdr)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := part.Write(data); err != nil {
		t.Fatal(err)
	}
	if tags != "" {
		_ = mw.WriteField("tags", tags)
	}
	if description != "" {
		_ = mw.WriteField("description", description)
	}
	if err := mw.Close(); err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/objects", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("X-Test-User", user)
	return req
}

func do(t *testing.T, h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("ответ не JSON: %v, тело: %s", err, rec.Body.String())
	}
	return out
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	body := decode(t, rec)
	e, _ := body["error"].(map[string]any)
	code, _ := e["code"].(string)
	return code
}

func jsonRequest(method, target, user string, admin bool, body string) *http.Request {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-Test-User", user)
	if admin {
		req.Header.Set("X-Test-Admin", "1")
	}
	return req
}

func TestUploadFetchAndRedirect(t *testing.T) {
	router := newTestRouter(t)
	data := pngBytes(t, 640, 480)

	rec := do(t, router, uploadRequest(t, "alice", data, "image/png", `["cats","sun"]`, "Кот на солнце"))
	if rec.Code != http.StatusCreated {
		t.Fatalf("ожидался статус 201, получен %d: %s", rec.Code, rec.Body.String())
	}
	obj := decode(t, rec)
	storedName, _ := obj["stored_name"].(string)
	url, _ := obj["url"].(string)
	code, _ := obj["short_code"].(string)
	if url != testBaseURL+"/objects/"+storedName {
		t.Errorf("неожиданная прямая ссылка: %q", url)
	}
	if obj["owner_id"] != "alice" {
		t.Errorf("ожидался owner_id=alice, получен %v", obj["owner_id"])
	}

	// Короткая ссылка → 302 на прямую
	rec = do(t, router, httptest.NewRequest(http.MethodGet, "/go/"+code, nil))
	if rec.Code != http.StatusFound {
		t.Fatalf("ожидался статус 302, получен %d", rec.Code)
	}
	if loc := rec.Header().Get("Location"); loc != url {
		t.Errorf("Location = %q, ожидался %q", loc, url)
	}

	// Оригинал байт в байт
	rec = do(t, router, httptest.NewRequest(http.MethodGet, "/objects/"+storedName, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("ожидался статус 200, получен %d", rec.Code)
	}
	if !bytes.Equal(rec.Body.Bytes(), data) {
		t.Error("байты оригинала не совпадают с загруженными")
	}
	if ct := rec.Header().Get("Content-Type"); ct != "image/png" {
		t.Errorf("Content-Type = %q", ct)
	}
	etag := rec.Header().Get("ETag")
	if etag == "" {
		t.Fatal("ETag не выставлен")
	}

	// Повтор с If-None-Match → 304
	req := httptest.NewRequest(http.MethodGet, "/objects/"+storedName, nil)
	req.Header.Set("If-None-Match", etag)
	if rec = do(t, router, req); rec.Code != http.StatusNotModified {
		t.Errorf("ожидался статус 304, получен %d", rec.Code)
	}

	// Превью — JPEG
	rec = do(t, router, httptest.NewRequest(http.MethodGet, "/objects/"+storedName+"/preview", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("ожидался статус 200 для превью, получен %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "image/jpeg" {
		t.Errorf("Content-Type превью = %q", ct)
	}

	// Неизвестный короткий код → 404
	rec = do(t, router, httptest.NewRequest(http.MethodGet, "/go/unknown1", nil))
	if rec.Code != http.StatusNotFound || errorCode(t, rec) != "NOT_FOUND" {
		t.Errorf("ожидался 404 NOT_FOUND, получен %d: %s", rec.Code, rec.Body.String())
	}
}

func TestUploadRejections(t *testing.T) {
	router := newTestRouter(t)

	rec := do(t, router, uploadRequest(t, "alice", []byte("%PDF-1.4"), "application/pdf", "", ""))
	if rec.Code != http.StatusUnsupportedMediaType {
		t.Errorf("ожидался статус 415, получен %d: %s", rec.Code, rec.Body.String())
	}

	rec = do(t, router, uploadRequest(t, "alice", pngBytes(t, 10, 10), "image/png", `["broken"`, ""))
	if rec.Code != http.StatusBadRequest || errorCode(t, rec) != "VALIDATION_ERROR" {
		t.Errorf("ожидался 400 VALIDATION_ERROR, получен %d: %s", rec.Code, rec.Body.String())
	}

	big := make([]byte, 3<<20)
	rec = do(t, router, uploadRequest(t, "alice", big, "image/png", "", ""))
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("ожидался статус 413, получен %d: %s", rec.Code, rec.Body.String())
	}
}

func TestListUpdateDelete(t *testing.T) {
	router := newTestRouter(t)

	var ids []string
	for i, tags := range []string{"cats", "dogs", "cats,sun"} {
		rec := do(t, router, uploadRequest(t, "alice", pngBytes(t, 20+i, 20), "image/png", tags, fmt.Sprintf("фото %d", i)))
		if rec.Code != http.StatusCreated {
			t.Fatalf("загрузка %d: статус %d: %s", i, rec.Code, rec.Body.String())
		}
		ids = append(ids, decode(t, rec)["id"].(string))
	}

	rec := do(t, router, jsonRequest(http.MethodGet, "/api/v1/objects?tags=cats&pageSize=10", "alice", false, ""))
	if rec.Code != http.StatusOK {
		t.Fatalf("ожидался статус 200, получен %d", rec.Code)
	}
	if total := decode(t, rec)["total"]; total != float64(2) {
		t.Errorf("ожидалось 2 объекта с тегом cats, получено %v", total)
	}

	rec = do(t, router, jsonRequest(http.MethodGet, "/api/v1/objects?page=abc", "alice", false, ""))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("ожидался статус 400 для page=abc, получен %d", rec.Code)
	}

	// Чужой объект изменить нельзя
	rec = do(t, router, jsonRequest(http.MethodPatch, "/api/v1/objects/"+ids[0], "mallory", false, `{"tags":["mine"]}`))
	if rec.Code != http.StatusForbidden {
		t.Errorf("ожидался статус 403, получен %d", rec.Code)
	}

	rec = do(t, router, jsonRequest(http.MethodPatch, "/api/v1/objects/"+ids[0], "alice", false, `{"description":"новое"}`))
	if rec.Code != http.StatusOK {
		t.Fatalf("ожидался статус 200, получен %d: %s", rec.Code, rec.Body.String())
	}
	if d := decode(t, rec)["description"]; d != "новое" {
		t.Errorf("описание не изменено: %v", d)
	}

	rec = do(t, router, jsonRequest(http.MethodPatch, "/api/v1/objects/"+ids[0], "alice", false, `{}`))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("ожидался статус 400 для пустого PATCH, получен %d", rec.Code)
	}

	// Привилегированный вызывающий удаляет чужой объект; повтор тоже успешен
	for i := 0; i < 2; i++ {
		rec = do(t, router, jsonRequest(http.MethodDelete, "/api/v1/objects/"+ids[1], "root", true, ""))
		if rec.Code != http.StatusNoContent {
			t.Errorf("удаление %d: ожидался статус 204, получен %d", i, rec.Code)
		}
	}
	rec = do(t, router, jsonRequest(http.MethodGet, "/api/v1/objects/"+ids[1], "alice", false, ""))
	if rec.Code != http.StatusNotFound {
		t.Errorf("ожидался статус 404 после удаления, получен %d", rec.Code)
	}
}

func TestQuotaAdministration(t *testing.T) {
	router := newTestRouter(t)

	// Без привилегий административные endpoints закрыты
	rec := do(t, router, jsonRequest(http.MethodPut, "/api/v1/admin/quota/bob/limit", "bob", false, `{"limit":1}`))
	if rec.Code != http.StatusForbidden || errorCode(t, rec) != "FORBIDDEN" {
		t.Fatalf("ожидался 403 FORBIDDEN, получен %d: %s", rec.Code, rec.Body.String())
	}

	rec = do(t, router, jsonRequest(http.MethodPut, "/api/v1/admin/quota/bob/limit", "root", true, `{"limit":1}`))
	if rec.Code != http.StatusOK {
		t.Fatalf("ожидался статус 200, получен %d: %s", rec.Code, rec.Body.String())
	}

	if rec = do(t, router, uploadRequest(t, "bob", pngBytes(t, 30, 30), "image/png", "", "")); rec.Code != http.StatusCreated {
		t.Fatalf("первая загрузка: статус %d: %s", rec.Code, rec.Body.String())
	}
	rec = do(t, router, uploadRequest(t, "bob", pngBytes(t, 31, 30), "image/png", "", ""))
	if rec.Code != http.StatusForbidden || errorCode(t, rec) != "QUOTA_EXCEEDED" {
		t.Fatalf("ожидался 403 QUOTA_EXCEEDED, получен %d: %s", rec.Code, rec.Body.String())
	}

	rec = do(t, router, jsonRequest(http.MethodGet, "/api/v1/quota", "bob", false, ""))
	if rec.Code != http.StatusOK {
		t.Fatalf("ожидался статус 200, получен %d", rec.Code)
	}
	usage := decode(t, rec)
	if usage["images_uploaded"] != float64(1) || usage["image_quota"] != float64(1) {
		t.Errorf("неожиданная статистика: %v", usage)
	}

	rec = do(t, router, jsonRequest(http.MethodPut, "/api/v1/admin/quota/bob/plan", "root", true, `{"plan":"gold"}`))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("ожидался статус 400 для неизвестного плана, получен %d", rec.Code)
	}

	rec = do(t, router, jsonRequest(http.MethodPost, "/api/v1/admin/quota/bob/reset", "root", true, ""))
	if rec.Code != http.StatusOK {
		t.Fatalf("ожидался статус 200, получен %d: %s", rec.Code, rec.Body.String())
	}
	if rec = do(t, router, uploadRequest(t, "bob", pngBytes(t, 32, 30), "image/png", "", "")); rec.Code != http.StatusCreated {
		t.Errorf("загрузка после сброса: статус %d: %s", rec.Code, rec.Body.String())
	}

	rec = do(t, router, jsonRequest(http.MethodGet, "/api/v1/admin/quota", "root", true, ""))
	if rec.Code != http.StatusOK {
		t.Fatalf("ожидался статус 200, получен %d", rec.Code)
	}
	if total := decode(t, rec)["total"]; total != float64(1) {
		t.Errorf("ожидалась 1 запись ledger, получено %v", total)
	}
}

func TestPublicEndpoints(t *testing.T) {
	router := newTestRouter(t)

	for _, path := range []string{"/health/live", "/health/ready", "/api/v1/info", "/api/v1/plans", "/api/v1/openapi.yaml", "/metrics"} {
		rec := do(t, router, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusOK {
			t.Errorf("%s: ожидался статус 200, получен %d", path, rec.Code)
		}
	}

	rec := do(t, router, httptest.NewRequest(http.MethodGet, "/api/v1/plans", nil))
	var plans []map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &plans); err != nil {
		t.Fatal(err)
	}
	if len(plans) != 4 {
		t.Errorf("ожидалось 4 плана, получено %d", len(plans))
	}

	rec = do(t, router, jsonRequest(http.MethodPost, "/api/v1/maintenance/reconcile", "root", true, ""))
	if rec.Code != http.StatusOK {
		t.Errorf("сверка: ожидался статус 200, получен %d", rec.Code)
	}
}
