package offlinestore

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"
)

func writeFile(path string) error {
	return os.WriteFile(path, []byte("not a directory"), 0o600)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func openTestStore(t *testing.T, clock *fakeClock) Store {
	t.Helper()
	opts := Options{InMemory: true}
	if clock != nil {
		opts.now = clock.Now
	}
	store := Open(opts)
	if store.Availability() != AvailabilityAvailable {
		t.Fatalf("expected available store, got %s", store.Availability())
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestPutGetRoundTrip(t *testing.T) {
	store := openTestStore(t, nil)
	ctx := context.Background()

	payload := json.RawMessage(`{"ph":7.2,"hardness":180}`)
	if err := store.Put(ctx, "02139", payload); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, ok, err := store.Get(ctx, "02139")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !ok {
		t.Fatal("expected record")
	}
	if string(got) != string(payload) {
		t.Fatalf("unexpected payload: %s", got)
	}
}

func TestGetMissingKey(t *testing.T) {
	store := openTestStore(t, nil)
	_, ok, err := store.Get(context.Background(), "absent")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if ok {
		t.Fatal("expected absent record")
	}
}

func TestLastWriteWins(t *testing.T) {
	store := openTestStore(t, nil)
	ctx := context.Background()

	if err := store.Put(ctx, "k", json.RawMessage(`{"v":1}`)); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := store.Put(ctx, "k", json.RawMessage(`{"v":2}`)); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, ok, err := store.Get(ctx, "k")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if string(got) != `{"v":2}` {
		t.Fatalf("expected last write, got %s", got)
	}
}

func TestFreshnessWindow(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	store := openTestStore(t, clock)
	ctx := context.Background()

	if err := store.Put(ctx, "k", json.RawMessage(`{"v":1}`)); err != nil {
		t.Fatalf("put: %v", err)
	}

	clock.Advance(7*24*time.Hour - time.Minute)
	if _, ok, _ := store.Get(ctx, "k"); !ok {
		t.Fatal("expected record just inside the 7 day window")
	}

	clock.Advance(2 * time.Minute)
	if _, ok, _ := store.Get(ctx, "k"); ok {
		t.Fatal("expected stale record to behave as absent")
	}

	// A new write supersedes the stale record.
	if err := store.Put(ctx, "k", json.RawMessage(`{"v":2}`)); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, ok, _ := store.Get(ctx, "k")
	if !ok || string(got) != `{"v":2}` {
		t.Fatalf("expected refreshed record, ok=%v payload=%s", ok, got)
	}
}

func TestDeleteAll(t *testing.T) {
	store := openTestStore(t, nil)
	ctx := context.Background()

	for _, key := range []string{"a", "b", "c"} {
		if err := store.Put(ctx, key, json.RawMessage(`1`)); err != nil {
			t.Fatalf("put %s: %v", key, err)
		}
	}
	if err := store.DeleteAll(ctx); err != nil {
		t.Fatalf("delete all: %v", err)
	}
	for _, key := range []string{"a", "b", "c"} {
		if _, ok, _ := store.Get(ctx, key); ok {
			t.Fatalf("expected %s to be deleted", key)
		}
	}
}

func TestDegradedStoreNeverErrors(t *testing.T) {
	store := Disabled()
	ctx := context.Background()

	if store.Availability() != AvailabilityUnavailable {
		t.Fatalf("expected unavailable, got %s", store.Availability())
	}
	if err := store.Put(ctx, "k", json.RawMessage(`1`)); err != nil {
		t.Fatalf("degraded put must not error: %v", err)
	}
	if _, ok, err := store.Get(ctx, "k"); ok || err != nil {
		t.Fatalf("degraded get must be absent without error, ok=%v err=%v", ok, err)
	}
	if err := store.DeleteAll(ctx); err != nil {
		t.Fatalf("degraded delete all must not error: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("degraded close must not error: %v", err)
	}
}

func TestOpenFailureDegrades(t *testing.T) {
	// A file where a directory is expected makes badger open fail.
	dir := t.TempDir() + "/blocked"
	if err := writeFile(dir); err != nil {
		t.Fatalf("setup: %v", err)
	}
	store := Open(Options{Path: dir})
	defer store.Close()
	if store.Availability() != AvailabilityUnavailable {
		t.Fatalf("expected degraded store, got %s", store.Availability())
	}
}
