package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/clearflow/aquaedge/internal/analysis"
	"github.com/clearflow/aquaedge/internal/config"
	"github.com/clearflow/aquaedge/internal/connectivity"
	"github.com/clearflow/aquaedge/internal/fetch"
	"github.com/clearflow/aquaedge/internal/gateway"
	"github.com/clearflow/aquaedge/internal/gateway/respcache"
	"github.com/clearflow/aquaedge/internal/logging"
	"github.com/clearflow/aquaedge/internal/memcache"
	"github.com/clearflow/aquaedge/internal/metrics"
	"github.com/clearflow/aquaedge/internal/offlinestore"
	"github.com/clearflow/aquaedge/internal/replay"
	"github.com/clearflow/aquaedge/internal/server"
	"github.com/clearflow/aquaedge/internal/templates"
)

func main() {
	var (
		configFile = flag.String("config", "", "path to server configuration file")
		envPrefix  = flag.String("env-prefix", "AQUAEDGE", "environment variable prefix")
	)
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var loader *config.Loader
	if *configFile != "" {
		loader = config.NewLoader(*envPrefix, *configFile)
	} else {
		loader = config.NewLoader(*envPrefix)
	}
	cfg, err := loader.Load(ctx)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger, err := logging.New(cfg.Server.Logging)
	if err != nil {
		log.Fatalf("failed to configure logger: %v", err)
	}

	promRegistry := prometheus.NewRegistry()
	recorder := metrics.NewRecorder(promRegistry)

	memory := memcache.New(cfg.Server.Cache.MemoryTTL(), cfg.Server.Cache.SweepInterval())
	defer memory.Close()

	offline := buildOfflineStore(logger, cfg.Server.Offline)
	defer func() { _ = offline.Close() }()

	monitor := connectivity.NewMonitor(connectivity.Options{
		ProbeURL: cfg.Connectivity.ProbeURL,
		Interval: time.Duration(cfg.Connectivity.IntervalSeconds) * time.Second,
		Logger:   logger,
	})
	defer monitor.Close()

	fetcher := buildFetcher(logger, recorder, cfg.Analysis)

	svc, err := analysis.New(analysis.Options{
		Memory:  memory,
		Offline: offline,
		Fetcher: fetcher,
		Online:  monitor.Online,
		APIBase: cfg.Analysis.APIBase,
		Logger:  logger,
		Metrics: recorder,
	})
	if err != nil {
		logger.Error("unable to construct analysis service", slog.Any("error", err))
		os.Exit(1)
	}

	queue, err := replay.OpenQueue(replay.QueueOptions{
		Path:    cfg.Replay.Path,
		Logger:  logger,
		Metrics: recorder,
	})
	if err != nil {
		logger.Error("unable to open replay queue", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = queue.Close() }()

	drainer := replay.NewDrainer(replay.DrainerOptions{
		Queue:     queue,
		Fetcher:   fetcher,
		Endpoint:  replayEndpoint(cfg),
		Recovered: monitor.Subscribe(),
		Interval:  time.Duration(cfg.Replay.IntervalSeconds) * time.Second,
		Logger:    logger,
	})
	go drainer.Run(ctx)

	var gw *gateway.Gateway
	var routesWatcher *config.RoutesWatcher
	if cfg.Gateway.Upstream != "" {
		gw, routesWatcher = buildGateway(ctx, logger, recorder, monitor, cfg.Gateway)
		if routesWatcher != nil {
			defer routesWatcher.Stop()
		}
	}

	handlerOpts := server.HandlerOptions{
		Analysis: svc,
		Queue:    queue,
		Status:   monitor,
		Metrics:  recorder.Handler(),
		Logger:   logger,
	}
	if gw != nil {
		handlerOpts.Gateway = gw
		handlerOpts.Generation = gw.Generation
	}

	srv, err := server.New(cfg, logger, server.NewHandler(handlerOpts))
	if err != nil {
		logger.Error("unable to construct server", slog.Any("error", err))
		os.Exit(1)
	}

	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("server terminated unexpectedly", slog.Any("error", err))
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger.Info("server shutdown complete")
}

func buildOfflineStore(logger *slog.Logger, cfg config.OfflineConfig) offlinestore.Store {
	if cfg.Disabled {
		logger.Info("offline storage disabled by configuration")
		return offlinestore.Disabled()
	}
	return offlinestore.Open(offlinestore.Options{
		Path:   cfg.Path,
		MaxAge: cfg.MaxAge(),
		Logger: logger,
	})
}

func buildFetcher(logger *slog.Logger, recorder *metrics.Recorder, cfg config.AnalysisConfig) fetch.JSONFetcher {
	client := fetch.New(fetch.Options{
		MaxAttempts:    cfg.MaxAttempts,
		AttemptTimeout: time.Duration(cfg.TimeoutSeconds) * time.Second,
		BackoffBase:    time.Duration(cfg.BackoffBaseMS) * time.Millisecond,
		Logger:         logger,
		Metrics:        recorder,
	})
	if !cfg.Breaker.Enabled {
		return client
	}
	logger.Info("upstream circuit breaker enabled",
		slog.Int("min_requests", cfg.Breaker.MinRequests))
	return fetch.NewBreaker(client, fetch.BreakerOptions{
		Name:        "analysis",
		MinRequests: cfg.Breaker.MinRequests,
		Interval:    time.Duration(cfg.Breaker.IntervalSeconds) * time.Second,
		Timeout:     time.Duration(cfg.Breaker.TimeoutSeconds) * time.Second,
		Logger:      logger,
	})
}

// replayEndpoint resolves the analytics endpoint against the analysis API base
// when the configured value is a bare path.
func replayEndpoint(cfg config.Config) string {
	endpoint := cfg.Replay.Endpoint
	if strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://") {
		return endpoint
	}
	return strings.TrimRight(cfg.Analysis.APIBase, "/") + endpoint
}

func buildGateway(ctx context.Context, logger *slog.Logger, recorder *metrics.Recorder, monitor *connectivity.Monitor, cfg config.GatewayConfig) (*gateway.Gateway, *config.RoutesWatcher) {
	upstream, err := url.Parse(cfg.Upstream)
	if err != nil {
		logger.Error("gateway upstream unparsable", slog.Any("error", err))
		os.Exit(1)
	}

	manifest := config.RouteManifest{}
	if cfg.RoutesFile != "" {
		manifest, err = config.LoadRouteManifest(cfg.RoutesFile)
		if err != nil {
			logger.Error("route manifest load failed", slog.Any("error", err))
			os.Exit(1)
		}
	}

	gw, err := gateway.New(ctx, gateway.Options{
		Upstream:    upstream,
		Manifest:    manifest,
		Cache:       buildResponseCache(logger, cfg.Cache),
		TTL:         time.Duration(cfg.Cache.TTLSeconds) * time.Second,
		OfflinePage: loadOfflinePage(logger, cfg),
		Monitor:     monitor,
		Logger:      logger,
		Metrics:     recorder,
	})
	if err != nil {
		logger.Error("gateway construction failed", slog.Any("error", err))
		os.Exit(1)
	}

	var watcher *config.RoutesWatcher
	if cfg.RoutesFile != "" {
		watcher, err = config.WatchRoutes(ctx, cfg.RoutesFile, func(manifest config.RouteManifest) {
			if err := gw.Reload(ctx, manifest); err != nil {
				logger.Error("gateway reload failed", slog.Any("error", err))
			}
		}, func(err error) {
			if err != nil {
				logger.Error("routes watcher error", slog.Any("error", err))
			}
		})
		if err != nil {
			logger.Error("routes watcher setup failed", slog.Any("error", err))
			watcher = nil
		}
	}
	return gw, watcher
}

func buildResponseCache(logger *slog.Logger, cfg config.RespCacheConfig) respcache.Cache {
	ttl := time.Duration(cfg.TTLSeconds) * time.Second
	switch backend := strings.TrimSpace(strings.ToLower(cfg.Backend)); backend {
	case "", "memory":
		logger.Info("using memory response cache", slog.Duration("ttl", ttl))
		return respcache.NewMemory(ttl)
	case "redis":
		redisCache, err := respcache.NewRedis(respcache.RedisConfig{
			Address:  cfg.Redis.Address,
			Username: cfg.Redis.Username,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			TLS: respcache.RedisTLSConfig{
				Enabled: cfg.Redis.TLS.Enabled,
				CAFile:  cfg.Redis.TLS.CAFile,
			},
		})
		if err != nil {
			logger.Error("redis response cache initialization failed", slog.Any("error", err))
			logger.Info("falling back to memory response cache")
			return respcache.NewMemory(ttl)
		}
		logger.Info("using redis response cache", slog.String("address", cfg.Redis.Address))
		return redisCache
	default:
		logger.Warn("unsupported response cache backend, defaulting to memory",
			slog.String("backend", cfg.Backend))
		return respcache.NewMemory(ttl)
	}
}

func loadOfflinePage(logger *slog.Logger, cfg config.GatewayConfig) *templates.Template {
	if cfg.OfflinePage == "" {
		return nil
	}
	folder := strings.TrimSpace(cfg.TemplatesFolder)
	if folder == "" {
		logger.Warn("offline page configured without a templates folder")
		return nil
	}
	sandbox, err := templates.NewSandbox(folder)
	if err != nil {
		logger.Warn("template sandbox setup failed",
			slog.String("templates_folder", folder),
			slog.Any("error", err))
		return nil
	}
	page, err := templates.NewRenderer(sandbox).CompileFile(cfg.OfflinePage)
	if err != nil {
		logger.Warn("offline page compile failed", slog.Any("error", err))
		return nil
	}
	return page
}
