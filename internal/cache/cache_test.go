package cache

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestMemoryCache_SetGet(t *testing.T) {
	c := NewMemoryCache(0)
	defer func() { _ = c.Close() }()

	c.Set("probe:field-7/ortho.tif", map[string]any{"width": 4096.0}, 5*time.Minute)

	val, found := c.Get("probe:field-7/ortho.tif")
	if !found {
		t.Fatal("expected value to be found")
	}
	probe, ok := val.(map[string]any)
	if !ok || probe["width"] != 4096.0 {
		t.Errorf("unexpected value: %v", val)
	}

	stats := c.Stats()
	if stats.Sets != 1 || stats.Hits != 1 || stats.CurrentSize != 1 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

func TestMemoryCache_GetMissing(t *testing.T) {
	c := NewMemoryCache(0)
	defer func() { _ = c.Close() }()

	if val, found := c.Get("nonexistent"); found || val != nil {
		t.Errorf("expected miss, got %v", val)
	}
	if stats := c.Stats(); stats.Misses != 1 {
		t.Errorf("expected 1 miss, got %d", stats.Misses)
	}
}

func TestMemoryCache_Expiry(t *testing.T) {
	c := NewMemoryCache(0)
	defer func() { _ = c.Close() }()

	c.Set("short", "lived", 20*time.Millisecond)

	if _, found := c.Get("short"); !found {
		t.Fatal("expected value before expiry")
	}
	time.Sleep(40 * time.Millisecond)
	if _, found := c.Get("short"); found {
		t.Error("expected value to be expired")
	}
}

func TestMemoryCache_JanitorEvicts(t *testing.T) {
	mc := NewMemoryCache(0).(*memoryCache)
	defer func() { _ = mc.Close() }()

	mc.Set("a", 1, 10*time.Millisecond)
	mc.Set("b", 2, time.Hour)
	time.Sleep(30 * time.Millisecond)

	if evicted := mc.deleteExpired(); evicted != 1 {
		t.Fatalf("expected 1 eviction, got %d", evicted)
	}
	stats := mc.Stats()
	if stats.Evictions != 1 || stats.CurrentSize != 1 {
		t.Errorf("unexpected stats after eviction: %+v", stats)
	}
}

func TestMemoryCache_DeleteAndClear(t *testing.T) {
	c := NewMemoryCache(0)
	defer func() { _ = c.Close() }()

	c.Set("k1", "v1", time.Hour)
	c.Set("k2", "v2", time.Hour)

	c.Delete("k1")
	if _, found := c.Get("k1"); found {
		t.Error("expected k1 to be deleted")
	}

	c.Clear()
	if stats := c.Stats(); stats.CurrentSize != 0 {
		t.Errorf("expected empty cache after clear, size=%d", stats.CurrentSize)
	}
}

func TestMemoryCache_Concurrent(t *testing.T) {
	c := NewMemoryCache(time.Minute)
	defer func() { _ = c.Close() }()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				key := fmt.Sprintf("plots:%d", j%7)
				c.Set(key, id, time.Minute)
				c.Get(key)
			}
		}(i)
	}
	wg.Wait()

	if stats := c.Stats(); stats.Sets != 1000 {
		t.Errorf("expected 1000 sets, got %d", stats.Sets)
	}
}

func TestNoOpCache(t *testing.T) {
	c := NewNoOpCache()

	c.Set("k", "v", time.Hour)
	if _, found := c.Get("k"); found {
		t.Error("noop cache must not store values")
	}
	if stats := c.Stats(); stats != (CacheStats{}) {
		t.Errorf("noop stats must stay zero: %+v", stats)
	}
	if err := c.Close(); err != nil {
		t.Errorf("noop close: %v", err)
	}
}

func BenchmarkMemoryCache_Get(b *testing.B) {
	c := NewMemoryCache(0)
	defer func() { _ = c.Close() }()
	c.Set("bench-key", "bench-value", time.Hour)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		c.Get("bench-key")
	}
}
