package idgen

import (
	"sync"
	"testing"
)

// TestGenerator_Lengths проверяет длины и алфавит.
func TestGenerator_Lengths(t *testing.T) {
	g := New()

	id := g.NewObjectID()
	if !IsValid(id, ObjectIDLength) {
		t.Errorf("NewObjectID: некорректный идентификатор %q", id)
	}

	code := g.NewShortCode()
	if !IsValid(code, ShortCodeLength) {
		t.Errorf("NewShortCode: некорректный код %q", code)
	}
}

// TestGenerator_ConcurrentUnique проверяет отсутствие повторов
// при конкурентной генерации.
func TestGenerator_ConcurrentUnique(t *testing.T) {
	g := New()
	const workers, perWorker = 8, 500

	var mu sync.Mutex
	seen := make(map[string]struct{}, workers*perWorker)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				id := g.NewObjectID()
				mu.Lock()
				seen[id] = struct{}{}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(seen) != workers*perWorker {
		t.Errorf("ожидалось %d уникальных идентификаторов, получено %d", workers*perWorker, len(seen))
	}
}

// TestIsValid проверяет отказ для посторонних символов.
func TestIsValid(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"abcdEFGH", true},
		{"ab_d-FG9", true},
		{"abc/EFGH", false},
		{"abc.EFGH", false},
		{"short", false},
	}
	for _, tt := range tests {
		if got := IsValid(tt.in, ShortCodeLength); got != tt.want {
			t.Errorf("IsValid(%q) = %v, ожидалось %v", tt.in, got, tt.want)
		}
	}
}
