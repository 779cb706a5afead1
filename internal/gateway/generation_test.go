package gateway

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/clearflow/aquaedge/internal/gateway/respcache"
)

func entryFor(body string) respcache.Entry {
	return respcache.Entry{Status: 200, Body: []byte(body)}
}

func TestInstallThenActivateLifecycle(t *testing.T) {
	cache := respcache.NewMemory(time.Minute)
	gens := NewGenerations(cache, nil)
	ctx := context.Background()

	fetch := func(_ context.Context, path string) (respcache.Entry, error) {
		return entryFor("asset:" + path), nil
	}
	require.NoError(t, gens.Install(ctx, "v1", []string{"/a", "/b"}, fetch))
	require.Equal(t, StateInstalled, gens.State("v1"))
	require.Empty(t, gens.Current())

	require.NoError(t, gens.Activate(ctx, "v1"))
	require.Equal(t, StateActive, gens.State("v1"))
	require.Equal(t, "v1", gens.Current())

	key := respcache.Key("v1", respcache.Descriptor{Method: "GET", URL: "/a"}.Hash())
	_, ok, err := cache.Lookup(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestActivatePurgesOtherGenerations(t *testing.T) {
	cache := respcache.NewMemory(time.Minute)
	gens := NewGenerations(cache, nil)
	ctx := context.Background()

	fetch := func(_ context.Context, path string) (respcache.Entry, error) {
		return entryFor(path), nil
	}
	require.NoError(t, gens.Install(ctx, "v1", []string{"/a"}, fetch))
	require.NoError(t, gens.Activate(ctx, "v1"))
	require.NoError(t, gens.Install(ctx, "v2", []string{"/a"}, fetch))
	require.NoError(t, gens.Activate(ctx, "v2"))

	oldKey := respcache.Key("v1", respcache.Descriptor{Method: "GET", URL: "/a"}.Hash())
	_, ok, err := cache.Lookup(ctx, oldKey)
	require.NoError(t, err)
	require.False(t, ok, "old generation must be purged on activation")

	newKey := respcache.Key("v2", respcache.Descriptor{Method: "GET", URL: "/a"}.Hash())
	_, ok, err = cache.Lookup(ctx, newKey)
	require.NoError(t, err)
	require.True(t, ok)

	require.Equal(t, GenerationState(""), gens.State("v1"))
}

func TestInstallFailureDiscardsPartialGeneration(t *testing.T) {
	cache := respcache.NewMemory(time.Minute)
	gens := NewGenerations(cache, nil)
	ctx := context.Background()

	fetch := func(_ context.Context, path string) (respcache.Entry, error) {
		if path == "/b" {
			return respcache.Entry{}, errors.New("origin unreachable")
		}
		return entryFor(path), nil
	}
	require.Error(t, gens.Install(ctx, "v1", []string{"/a", "/b"}, fetch))
	require.Equal(t, GenerationState(""), gens.State("v1"))

	size, err := cache.Size(ctx)
	require.NoError(t, err)
	require.Zero(t, size, "partial precache must be discarded")
}

func TestInstallRejectsNon200Precache(t *testing.T) {
	cache := respcache.NewMemory(time.Minute)
	gens := NewGenerations(cache, nil)

	fetch := func(context.Context, string) (respcache.Entry, error) {
		return respcache.Entry{Status: 404}, nil
	}
	require.Error(t, gens.Install(context.Background(), "v1", []string{"/missing"}, fetch))
}

func TestGenerationVersion(t *testing.T) {
	now := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	require.Equal(t, "pinned", GenerationVersion("pinned", now))
	require.Equal(t, "20260314T092653.000", GenerationVersion("", now))
}
