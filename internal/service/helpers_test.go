package service

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/bigkaa/goartstore/image-host/internal/domain/model"
	"github.com/bigkaa/goartstore/image-host/internal/idgen"
	"github.com/bigkaa/goartstore/image-host/internal/imaging"
	"github.com/bigkaa/goartstore/image-host/internal/quota"
	"github.com/bigkaa/goartstore/image-host/internal/storage/blobstore"
	"github.com/bigkaa/goartstore/image-host/internal/storage/index"
	"github.com/bigkaa/goartstore/image-host/internal/storage/metastore"
	"github.com/bigkaa/goartstore/image-host/internal/storage/wal"
)

const testBaseURL = "https://img.example.com"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// testEnv — сервис объектов поверх настоящих хранилищ во временной директории.
type testEnv struct {
	dir     string
	svc     *ObjectService
	blobs   *blobstore.Store
	meta    *metastore.Store
	journal *wal.WAL
	ledger  *quota.FileLedger
}

// newTestEnv собирает окружение. wrap позволяет подменить Object Store
// (например, для внедрения ошибок записи).
func newTestEnv(t *testing.T, ids IDGenerator, wrap func(BlobStore) BlobStore) *testEnv {
	t.Helper()

	dir := t.TempDir()
	logger := testLogger()

	blobs, err := blobstore.New(filepath.Join(dir, "data"))
	if err != nil {
		t.Fatalf("Ошибка создания blobstore: %v", err)
	}
	metaDir := filepath.Join(dir, "metadata")
	if err := os.MkdirAll(metaDir, 0o750); err != nil {
		t.Fatalf("Ошибка создания директории метаданных: %v", err)
	}
	meta := metastore.New(metaDir, index.New(logger), logger)
	if err := meta.Rebuild(); err != nil {
		t.Fatalf("Ошибка построения индекса: %v", err)
	}
	journal, err := wal.New(filepath.Join(dir, "wal"), logger)
	if err != nil {
		t.Fatalf("Ошибка создания журнала: %v", err)
	}
	ledger, err := quota.NewFileLedger(filepath.Join(dir, "quota"), quota.NewCatalogue(nil, 0), logger)
	if err != nil {
		t.Fatalf("Ошибка создания ledger: %v", err)
	}

	if ids == nil {
		ids = idgen.New()
	}
	var store BlobStore = blobs
	if wrap != nil {
		store = wrap(blobs)
	}

	svc := NewObjectService(
		ObjectsConfig{
			BaseURL:          testBaseURL + "/",
			MaxFileSize:      1 << 20,
			AllowedMIMETypes: []string{"image/jpeg", "image/png", "image/gif", "image/webp"},
		},
		store, meta, imaging.New(imaging.DefaultOptions()), ledger, ids, journal, logger,
	)

	return &testEnv{dir: dir, svc: svc, blobs: blobs, meta: meta, journal: journal, ledger: ledger}
}

// pngBytes возвращает PNG заданного размера.
func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 200, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("Ошибка кодирования PNG: %v", err)
	}
	return buf.Bytes()
}

// pngUpload — параметры загрузки PNG владельцем owner.
func pngUpload(t *testing.T, owner string) UploadParams {
	t.Helper()
	data := pngBytes(t, 640, 480)
	return UploadParams{
		Reader:       bytes.NewReader(data),
		OriginalName: "photo.png",
		ContentType:  "image/png",
		Size:         int64(len(data)),
		OwnerID:      owner,
	}
}

// sequenceIDs выдаёт заранее заданные значения, затем делегирует idgen.
type sequenceIDs struct {
	mu     sync.Mutex
	ids    []string
	codes  []string
	random *idgen.Generator
}

func newSequenceIDs(ids, codes []string) *sequenceIDs {
	return &sequenceIDs{ids: ids, codes: codes, random: idgen.New()}
}

func (g *sequenceIDs) NewObjectID() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.ids) > 0 {
		id := g.ids[0]
		g.ids = g.ids[1:]
		return id
	}
	return g.random.NewObjectID()
}

func (g *sequenceIDs) NewShortCode() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.codes) > 0 {
		code := g.codes[0]
		g.codes = g.codes[1:]
		return code
	}
	return g.random.NewShortCode()
}

// failingBlobs — Object Store, отказывающий в записи артефактов вида failKind.
type failingBlobs struct {
	BlobStore
	failKind model.ArtifactKind
}

func (f *failingBlobs) Put(id string, kind model.ArtifactKind, r io.Reader) (*blobstore.PutResult, error) {
	if kind == f.failKind {
		return nil, errDiskFull
	}
	return f.BlobStore.Put(id, kind, r)
}

var errDiskFull = &os.PathError{Op: "write", Path: "/data/previews/x", Err: os.ErrPermission}

// countFiles возвращает количество файлов в директории (без поддиректорий).
func countFiles(t *testing.T, dir string) int {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("Ошибка чтения %s: %v", dir, err)
	}
	n := 0
	for _, e := range entries {
		if !e.IsDir() {
			n++
		}
	}
	return n
}
