package service

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bigkaa/goartstore/image-host/internal/storage/wal"
)

func TestGCRunOnce_NothingToClean(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	gc := NewGCService(env.journal, env.blobs, time.Hour, testLogger())
	result := gc.RunOnce()

	if result.JournalRemoved != 0 || result.TempRemoved != 0 || result.Errors != 0 {
		t.Errorf("неожиданный результат: %+v", result)
	}
}

func TestGCRunOnce_RemovesFinishedEntriesAndTemp(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	committed, _ := env.journal.Begin(wal.OpObjectCreate, wal.Intent{ObjectID: "a"})
	_ = env.journal.Commit(committed.TransactionID)
	rolledBack, _ := env.journal.Begin(wal.OpObjectCreate, wal.Intent{ObjectID: "b"})
	_ = env.journal.Rollback(rolledBack.TransactionID)
	pending, _ := env.journal.Begin(wal.OpObjectDelete, wal.Intent{ObjectID: "c"})

	tmp := filepath.Join(env.dir, "data", "originals", "x.tmp")
	if err := os.WriteFile(tmp, []byte("partial"), 0o640); err != nil {
		t.Fatalf("Ошибка создания temp файла: %v", err)
	}

	gc := NewGCService(env.journal, env.blobs, time.Hour, testLogger())
	gc.retention = 0

	result := gc.RunOnce()
	if result.JournalRemoved != 2 {
		t.Errorf("JournalRemoved: хотели 2, получили %d", result.JournalRemoved)
	}
	if result.TempRemoved != 1 {
		t.Errorf("TempRemoved: хотели 1, получили %d", result.TempRemoved)
	}
	if _, err := os.Stat(tmp); !os.IsNotExist(err) {
		t.Error("temp файл должен быть удалён")
	}

	left, _ := env.journal.Pending()
	if len(left) != 1 || left[0].TransactionID != pending.TransactionID {
		t.Error("pending запись не должна удаляться")
	}
}

func TestGCRunOnce_KeepsRecentEntries(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	entry, _ := env.journal.Begin(wal.OpObjectCreate, wal.Intent{ObjectID: "a"})
	_ = env.journal.Commit(entry.TransactionID)

	gc := NewGCService(env.journal, env.blobs, time.Hour, testLogger())
	if result := gc.RunOnce(); result.JournalRemoved != 0 {
		t.Errorf("свежая запись не должна удаляться: %+v", result)
	}
}

type brokenCleaner struct{}

func (brokenCleaner) CleanFinished(time.Duration) (int, error) {
	return 0, errors.New("журнал недоступен")
}

func (brokenCleaner) RemoveStaleTemp(time.Duration, time.Time) (int, error) {
	return 0, errors.New("диск недоступен")
}

func TestGCRunOnce_CountsErrors(t *testing.T) {
	gc := NewGCService(brokenCleaner{}, brokenCleaner{}, time.Hour, testLogger())
	if result := gc.RunOnce(); result.Errors != 2 {
		t.Errorf("Errors: хотели 2, получили %d", result.Errors)
	}
}

func TestGCStartStop(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	gc := NewGCService(env.journal, env.blobs, 50*time.Millisecond, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	gc.Start(ctx)
	time.Sleep(120 * time.Millisecond)
	gc.Stop()
}
