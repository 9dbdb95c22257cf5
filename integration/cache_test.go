package integration

import (
	"context"
	"errors"
	"runtime"
	"testing"
	"time"

	"github.com/goliatone/go-integrations/core"
)

func TestEntityCache_OlderObservationDoesNotOverwrite(t *testing.T) {
	cache := NewEntityCache[string](core.CacheConfig{TTL: time.Minute, MaxEntries: 100})
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	if !cache.Put("item-1", "v2", t0.Add(time.Second)) {
		t.Fatalf("expected first write to be stored")
	}
	if cache.Put("item-1", "v1", t0) {
		t.Fatalf("expected stale write to be rejected")
	}
	if value, _ := cache.Get("item-1"); value != "v2" {
		t.Fatalf("expected newer value to win, got %q", value)
	}
	if !cache.Put("item-1", "v3", t0.Add(2*time.Second)) {
		t.Fatalf("expected newer write to replace")
	}
	if value, _ := cache.Get("item-1"); value != "v3" {
		t.Fatalf("expected v3, got %q", value)
	}
}

func TestEntityCache_GetOrFetch(t *testing.T) {
	cache := NewEntityCache[int](core.CacheConfig{TTL: time.Minute, MaxEntries: 10})
	fetches := 0
	fetch := func(context.Context) (int, error) {
		fetches++
		return 42, nil
	}
	for i := 0; i < 3; i++ {
		value, err := cache.GetOrFetch(context.Background(), "answer", fetch)
		if err != nil || value != 42 {
			t.Fatalf("unexpected %d %v", value, err)
		}
	}
	if fetches != 1 {
		t.Fatalf("expected a single fetch, got %d", fetches)
	}

	boom := errors.New("boom")
	if _, err := cache.GetOrFetch(context.Background(), "missing", func(context.Context) (int, error) { return 0, boom }); !errors.Is(err, boom) {
		t.Fatalf("expected fetch error, got %v", err)
	}
	if _, ok := cache.Get("missing"); ok {
		t.Fatalf("fetch errors must not be cached")
	}
}

func TestEntityCache_ClearAndDelete(t *testing.T) {
	cache := NewEntityCache[string](core.CacheConfig{})
	now := time.Now()
	cache.Put("a", "1", now)
	cache.Put("b", "2", now)
	cache.Delete("a")
	if _, ok := cache.Get("a"); ok {
		t.Fatalf("expected a to be deleted")
	}
	cache.Clear()
	if _, ok := cache.Get("b"); ok {
		t.Fatalf("expected cache to be empty after clear")
	}
	if cache.Len() != 0 {
		t.Fatalf("expected zero entries, got %d", cache.Len())
	}
}

func TestEntityCache_DoesNotLeakGoroutines(t *testing.T) {
	before := runtime.NumGoroutine()
	caches := make([]*EntityCache[string], 0, 50)
	for i := 0; i < 50; i++ {
		cache := NewEntityCache[string](core.CacheConfig{TTL: time.Minute, MaxEntries: 16})
		cache.Put("a", "1", time.Now())
		caches = append(caches, cache)
	}
	for round := 0; round < 200; round++ {
		caches[round%len(caches)].Clear()
	}
	if after := runtime.NumGoroutine(); after > before+5 {
		t.Fatalf("expected no goroutine growth, before=%d after=%d", before, after)
	}
	if caches[0].Len() != 0 {
		t.Fatalf("expected cleared cache to be empty")
	}
}
