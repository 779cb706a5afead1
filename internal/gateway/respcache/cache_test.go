package respcache

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
)

func TestMemoryCacheStoreLookup(t *testing.T) {
	cache := NewMemory(500 * time.Millisecond)
	ctx := context.Background()

	entry := Entry{
		Status:  200,
		Headers: map[string]string{"Content-Type": "text/css"},
		Body:    []byte("body{}"),
	}
	if err := cache.Store(ctx, Key("v1", "abc"), entry); err != nil {
		t.Fatalf("store: %v", err)
	}

	got, ok, err := cache.Lookup(ctx, Key("v1", "abc"))
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if !ok {
		t.Fatalf("expected cache hit")
	}
	if got.Status != 200 || string(got.Body) != "body{}" || got.Headers["Content-Type"] != "text/css" {
		t.Fatalf("unexpected entry: %#v", got)
	}
	if got.ExpiresAt.IsZero() {
		t.Fatalf("expected default expiry to be applied")
	}

	size, err := cache.Size(ctx)
	if err != nil {
		t.Fatalf("size: %v", err)
	}
	if size != 1 {
		t.Fatalf("expected size 1, got %d", size)
	}

	if err := cache.DeletePrefix(ctx, VersionPrefix("v1")); err != nil {
		t.Fatalf("delete prefix: %v", err)
	}
	_, ok, err = cache.Lookup(ctx, Key("v1", "abc"))
	if err != nil {
		t.Fatalf("lookup after delete: %v", err)
	}
	if ok {
		t.Fatalf("expected delete to remove key")
	}

	if err := cache.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestMemoryCacheKeepsStaleEntries(t *testing.T) {
	cache := NewMemory(10 * time.Millisecond)
	ctx := context.Background()

	if err := cache.Store(ctx, "key", Entry{Status: 200, Body: []byte("body{}")}); err != nil {
		t.Fatalf("store: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	got, ok, err := cache.Lookup(ctx, "key")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if !ok {
		t.Fatalf("expected stale entry to remain retrievable")
	}
	if string(got.Body) != "body{}" {
		t.Fatalf("unexpected body: %q", got.Body)
	}
	if !got.Stale(time.Now()) {
		t.Fatalf("expected entry to report stale")
	}
}

func TestMemoryCacheDeleteExceptKeepsLiveGeneration(t *testing.T) {
	cache := NewMemory(time.Minute)
	ctx := context.Background()

	for _, key := range []string{Key("v1", "a"), Key("v1", "b"), Key("v2", "a"), "unrelated:key"} {
		if err := cache.Store(ctx, key, Entry{Status: 200}); err != nil {
			t.Fatalf("store %s: %v", key, err)
		}
	}

	if err := cache.DeleteExcept(ctx, BasePrefix, VersionPrefix("v2")); err != nil {
		t.Fatalf("delete except: %v", err)
	}

	for _, tc := range []struct {
		key  string
		want bool
	}{
		{Key("v1", "a"), false},
		{Key("v1", "b"), false},
		{Key("v2", "a"), true},
		{"unrelated:key", true},
	} {
		_, ok, err := cache.Lookup(ctx, tc.key)
		if err != nil {
			t.Fatalf("lookup %s: %v", tc.key, err)
		}
		if ok != tc.want {
			t.Fatalf("key %s: present=%v, want %v", tc.key, ok, tc.want)
		}
	}
}

func TestRedisCacheStoreLookup(t *testing.T) {
	server, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer server.Close()

	cache, err := NewRedis(RedisConfig{Address: server.Addr()})
	if err != nil {
		t.Fatalf("new redis: %v", err)
	}
	ctx := context.Background()

	entry := Entry{
		Status:   200,
		Headers:  map[string]string{"x-cache": "redis"},
		Body:     []byte(`{"ok":true}`),
		StoredAt: time.Now().UTC(),
	}
	entry.ExpiresAt = entry.StoredAt.Add(-time.Second)

	if err := cache.Store(ctx, Key("v1", "abc"), entry); err != nil {
		t.Fatalf("store: %v", err)
	}
	got, ok, err := cache.Lookup(ctx, Key("v1", "abc"))
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if !ok {
		t.Fatalf("expected redis cache hit")
	}
	if got.Status != 200 || got.Headers["x-cache"] != "redis" || string(got.Body) != `{"ok":true}` {
		t.Fatalf("unexpected entry: %#v", got)
	}

	// Entries carry no server-side expiry: past ExpiresAt they stay
	// retrievable and only a generation purge removes them.
	server.FastForward(time.Second)
	got, ok, err = cache.Lookup(ctx, Key("v1", "abc"))
	if err != nil {
		t.Fatalf("lookup after ttl: %v", err)
	}
	if !ok {
		t.Fatalf("expected stale redis entry to remain retrievable")
	}
	if !got.Stale(time.Now()) {
		t.Fatalf("expected entry to report stale")
	}

	if err := cache.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestRedisCacheDeleteExcept(t *testing.T) {
	server, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer server.Close()

	cache, err := NewRedis(RedisConfig{Address: server.Addr()})
	if err != nil {
		t.Fatalf("new redis: %v", err)
	}
	ctx := context.Background()

	stored := time.Now().UTC()
	entry := Entry{Status: 200, StoredAt: stored, ExpiresAt: stored.Add(time.Minute)}
	for _, key := range []string{Key("v1", "a"), Key("v1", "b"), Key("v2", "a")} {
		if err := cache.Store(ctx, key, entry); err != nil {
			t.Fatalf("store %s: %v", key, err)
		}
	}

	if err := cache.DeleteExcept(ctx, BasePrefix, VersionPrefix("v2")); err != nil {
		t.Fatalf("delete except: %v", err)
	}

	if _, ok, _ := cache.Lookup(ctx, Key("v1", "a")); ok {
		t.Fatalf("expected v1 entry to be purged")
	}
	if _, ok, _ := cache.Lookup(ctx, Key("v2", "a")); !ok {
		t.Fatalf("expected v2 entry to survive")
	}

	if err := cache.DeletePrefix(ctx, BasePrefix); err != nil {
		t.Fatalf("delete prefix: %v", err)
	}
	if _, ok, _ := cache.Lookup(ctx, Key("v2", "a")); ok {
		t.Fatalf("expected all generations to be purged")
	}

	if err := cache.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
}
