package main

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/clearflow/aquaedge/internal/config"
	"github.com/clearflow/aquaedge/internal/offlinestore"
)

func TestReplayEndpointResolution(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Analysis.APIBase = "https://api.clearflow.test/v1/"
	cfg.Replay.Endpoint = "/api/analytics"
	require.Equal(t, "https://api.clearflow.test/v1/api/analytics", replayEndpoint(cfg))

	cfg.Replay.Endpoint = "https://sink.clearflow.test/ingest"
	require.Equal(t, "https://sink.clearflow.test/ingest", replayEndpoint(cfg))
}

func TestBuildOfflineStoreDisabled(t *testing.T) {
	store := buildOfflineStore(slog.Default(), config.OfflineConfig{Disabled: true})
	require.Equal(t, offlinestore.AvailabilityUnavailable, store.Availability())
	require.NoError(t, store.Close())
}

func TestBuildResponseCacheFallsBackToMemory(t *testing.T) {
	for _, backend := range []string{"", "memory", "carrier-pigeon"} {
		cache := buildResponseCache(slog.Default(), config.RespCacheConfig{
			Backend:    backend,
			TTLSeconds: 60,
		})
		require.NotNil(t, cache, backend)
	}

	// Redis backend with an unreachable address degrades to memory instead
	// of failing startup.
	cache := buildResponseCache(slog.Default(), config.RespCacheConfig{
		Backend:    "redis",
		TTLSeconds: 60,
		Redis:      config.RedisConfig{Address: "127.0.0.1:1"},
	})
	require.NotNil(t, cache)
}

func TestBuildFetcherWithBreaker(t *testing.T) {
	cfg := config.DefaultConfig().Analysis
	require.NotNil(t, buildFetcher(slog.Default(), nil, cfg))

	cfg.Breaker.Enabled = true
	require.NotNil(t, buildFetcher(slog.Default(), nil, cfg))
}

func TestLoadOfflinePageMisconfiguration(t *testing.T) {
	logger := slog.Default()
	require.Nil(t, loadOfflinePage(logger, config.GatewayConfig{}))
	require.Nil(t, loadOfflinePage(logger, config.GatewayConfig{OfflinePage: "offline.html"}))
	require.Nil(t, loadOfflinePage(logger, config.GatewayConfig{
		OfflinePage:     "offline.html",
		TemplatesFolder: t.TempDir(),
	}))
}
