// Package analysis orchestrates the memory cache, the offline store, and the
// resilient fetch client to answer "get analysis for key X". Lookup order is
// memory cache, then (offline only) the durable store, then the network, with
// deterministic fallback data when the network is unreachable.
package analysis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/clearflow/aquaedge/internal/fetch"
	"github.com/clearflow/aquaedge/internal/memcache"
	"github.com/clearflow/aquaedge/internal/metrics"
	"github.com/clearflow/aquaedge/internal/offlinestore"
)

// Source tags where a result came from so callers and telemetry can tell a
// live answer from a cached or fabricated one.
type Source string

const (
	SourceMemoryCache    Source = "memory_cache"
	SourceOfflineStorage Source = "offline_storage"
	SourceAPI            Source = "api"
	SourceFallbackData   Source = "fallback_data"
)

// ErrOfflineUnavailable is returned when the device is offline and no usable
// persistent record exists. There is no further fallback behind it.
var ErrOfflineUnavailable = errors.New("analysis: offline and no stored record")

// Result pairs an analysis payload with its serving source.
type Result struct {
	Payload json.RawMessage `json:"payload"`
	Source  Source          `json:"source"`
}

// Options wires the Service's collaborators.
type Options struct {
	Memory  *memcache.Cache
	Offline offlinestore.Store
	Fetcher fetch.JSONFetcher
	// Online reports the connectivity signal. Nil means always online.
	Online  func() bool
	APIBase string
	Logger  *slog.Logger
	Metrics *metrics.Recorder
}

// Service is the data access layer for analysis lookups.
type Service struct {
	memory  *memcache.Cache
	offline offlinestore.Store
	fetcher fetch.JSONFetcher
	online  func() bool
	apiBase string
	logger  *slog.Logger
	metrics *metrics.Recorder
}

// New constructs the service. Memory, Offline, and Fetcher are required.
func New(opts Options) (*Service, error) {
	if opts.Memory == nil {
		return nil, errors.New("analysis: memory cache required")
	}
	if opts.Offline == nil {
		return nil, errors.New("analysis: offline store required")
	}
	if opts.Fetcher == nil {
		return nil, errors.New("analysis: fetcher required")
	}
	online := opts.Online
	if online == nil {
		online = func() bool { return true }
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		memory:  opts.Memory,
		offline: opts.Offline,
		fetcher: opts.Fetcher,
		online:  online,
		apiBase: strings.TrimRight(opts.APIBase, "/"),
		logger:  logger.With(slog.String("agent", "analysis")),
		metrics: opts.Metrics,
	}, nil
}

type analysisRequest struct {
	Key string `json:"key"`
}

// Fetch answers an analysis lookup for key. First match wins:
//
//  1. Fresh memory cache entry, unless forceRefresh is set.
//  2. Offline: the durable store, or ErrOfflineUnavailable when empty.
//  3. The upstream endpoint, populating both caches best-effort on success.
//     Pure connectivity failures degrade to deterministic fallback data;
//     every other failure propagates.
func (s *Service) Fetch(ctx context.Context, key string, forceRefresh bool) (Result, error) {
	start := time.Now()

	if !forceRefresh {
		if payload, ok := s.memory.Lookup(key); ok {
			s.observeCache("memory", "lookup", metrics.CacheHit)
			return s.finish(SourceMemoryCache, payload, start), nil
		}
		s.observeCache("memory", "lookup", metrics.CacheMiss)
	}

	if !s.online() {
		payload, ok, err := s.offline.Get(ctx, key)
		if err != nil {
			s.observeCache("offline", "lookup", metrics.CacheError)
			s.logger.Warn("offline store lookup failed", slog.String("key", key), slog.Any("error", err))
		}
		if ok {
			s.observeCache("offline", "lookup", metrics.CacheHit)
			return s.finish(SourceOfflineStorage, payload, start), nil
		}
		s.observeCache("offline", "lookup", metrics.CacheMiss)
		s.observeAnalysis(string(SourceOfflineStorage), "unavailable", start)
		return Result{}, ErrOfflineUnavailable
	}

	payload, err := s.fetcher.FetchJSON(ctx, http.MethodPost, s.apiBase+"/water-analysis", analysisRequest{Key: key})
	if err != nil {
		if fetch.IsConnectivity(err) {
			s.logger.Warn("upstream unreachable, serving fallback data", slog.String("key", key), slog.Any("error", err))
			return s.finish(SourceFallbackData, Fallback(key), start), nil
		}
		s.observeAnalysis(string(SourceAPI), "error", start)
		return Result{}, fmt.Errorf("analysis: fetch %q: %w", key, err)
	}

	s.memory.Store(key, payload)
	s.observeCache("memory", "store", metrics.CacheStored)

	// Persistence is best-effort: a storage failure must not fail the lookup.
	if err := s.offline.Put(ctx, key, payload); err != nil {
		s.observeCache("offline", "store", metrics.CacheError)
		s.logger.Warn("offline store write failed", slog.String("key", key), slog.Any("error", err))
	} else {
		s.observeCache("offline", "store", metrics.CacheStored)
	}

	return s.finish(SourceAPI, payload, start), nil
}

// ClearCaches empties both the memory cache and the durable store.
func (s *Service) ClearCaches(ctx context.Context) error {
	s.memory.Clear()
	if err := s.offline.DeleteAll(ctx); err != nil {
		return fmt.Errorf("analysis: clear offline store: %w", err)
	}
	return nil
}

// StorageAvailability reports the durable store's capability state for health
// reporting.
func (s *Service) StorageAvailability() offlinestore.Availability {
	return s.offline.Availability()
}

func (s *Service) finish(source Source, payload json.RawMessage, start time.Time) Result {
	s.observeAnalysis(string(source), "ok", start)
	return Result{Payload: payload, Source: source}
}

func (s *Service) observeAnalysis(source, outcome string, start time.Time) {
	if s.metrics != nil {
		s.metrics.ObserveAnalysis(source, outcome, time.Since(start))
	}
}

func (s *Service) observeCache(layer, op string, result metrics.CacheResult) {
	if s.metrics != nil {
		s.metrics.ObserveCacheOp(layer, op, result)
	}
}
