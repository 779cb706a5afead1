package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Config holds every server-level option for the aquaedge edge service.
type Config struct {
	Server       ServerConfig       `koanf:"server"`
	Analysis     AnalysisConfig     `koanf:"analysis"`
	Gateway      GatewayConfig      `koanf:"gateway"`
	Replay       ReplayConfig       `koanf:"replay"`
	Connectivity ConnectivityConfig `koanf:"connectivity"`
}

// ServerConfig collects the bootstrap knobs owned by process lifecycle.
type ServerConfig struct {
	Listen  ListenConfig  `koanf:"listen"`
	Logging LoggingConfig `koanf:"logging"`
	Cache   CacheConfig   `koanf:"cache"`
	Offline OfflineConfig `koanf:"offline"`
}

// ListenConfig instructs the HTTP listener about bind address and port.
type ListenConfig struct {
	Address string `koanf:"address"`
	Port    int    `koanf:"port"`
}

// LoggingConfig expresses log level and format.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// CacheConfig tunes the in-memory analysis cache.
type CacheConfig struct {
	TTLSeconds   int `koanf:"ttlSeconds"`
	SweepSeconds int `koanf:"sweepSeconds"`
}

// OfflineConfig tunes the durable analysis record store.
type OfflineConfig struct {
	Path        string `koanf:"path"`
	MaxAgeHours int    `koanf:"maxAgeHours"`
	Disabled    bool   `koanf:"disabled"`
}

// AnalysisConfig describes the upstream analysis endpoint and the retry budget
// applied when calling it.
type AnalysisConfig struct {
	APIBase        string        `koanf:"apiBase"`
	TimeoutSeconds int           `koanf:"timeoutSeconds"`
	MaxAttempts    int           `koanf:"maxAttempts"`
	BackoffBaseMS  int           `koanf:"backoffBaseMs"`
	Breaker        BreakerConfig `koanf:"breaker"`
}

// BreakerConfig enables the optional circuit breaker in front of the upstream.
type BreakerConfig struct {
	Enabled         bool `koanf:"enabled"`
	MinRequests     int  `koanf:"minRequests"`
	IntervalSeconds int  `koanf:"intervalSeconds"`
	TimeoutSeconds  int  `koanf:"timeoutSeconds"`
}

// GatewayConfig wires the caching gateway in front of the site origin.
type GatewayConfig struct {
	Upstream        string          `koanf:"upstream"`
	RoutesFile      string          `koanf:"routesFile"`
	OfflinePage     string          `koanf:"offlinePage"`
	TemplatesFolder string          `koanf:"templatesFolder"`
	Cache           RespCacheConfig `koanf:"cache"`
}

// RespCacheConfig selects the response cache backend for the gateway.
type RespCacheConfig struct {
	Backend    string      `koanf:"backend"`
	TTLSeconds int         `koanf:"ttlSeconds"`
	Redis      RedisConfig `koanf:"redis"`
}

type RedisConfig struct {
	Address  string         `koanf:"address"`
	Username string         `koanf:"username"`
	Password string         `koanf:"password"`
	DB       int            `koanf:"db"`
	TLS      RedisTLSConfig `koanf:"tls"`
}

type RedisTLSConfig struct {
	Enabled bool   `koanf:"enabled"`
	CAFile  string `koanf:"caFile"`
}

// ReplayConfig controls the buffered analytics replay queue.
type ReplayConfig struct {
	Path            string `koanf:"path"`
	Endpoint        string `koanf:"endpoint"`
	IntervalSeconds int    `koanf:"intervalSeconds"`
}

// ConnectivityConfig configures the online/offline probe.
type ConnectivityConfig struct {
	ProbeURL        string `koanf:"probeUrl"`
	IntervalSeconds int    `koanf:"intervalSeconds"`
}

// DefaultConfig returns the baseline snapshot before files and environment
// overrides are applied. The numbers mirror the documented contract: 8s per
// fetch attempt, 3 attempts, 1s backoff base, 5m memory TTL with a 60s sweep,
// and a 7 day offline freshness window.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Listen:  ListenConfig{Address: "0.0.0.0", Port: 8080},
			Logging: LoggingConfig{Level: "info", Format: "json"},
			Cache:   CacheConfig{TTLSeconds: 300, SweepSeconds: 60},
			Offline: OfflineConfig{Path: "data/analysis", MaxAgeHours: 168},
		},
		Analysis: AnalysisConfig{
			TimeoutSeconds: 8,
			MaxAttempts:    3,
			BackoffBaseMS:  1000,
			Breaker: BreakerConfig{
				MinRequests:     10,
				IntervalSeconds: 60,
				TimeoutSeconds:  120,
			},
		},
		Gateway: GatewayConfig{
			Cache: RespCacheConfig{Backend: "memory", TTLSeconds: 3600},
		},
		Replay: ReplayConfig{
			Path:            "data/replay",
			Endpoint:        "/api/analytics",
			IntervalSeconds: 300,
		},
		Connectivity: ConnectivityConfig{IntervalSeconds: 30},
	}
}

// MemoryTTL converts the configured memory cache TTL into a duration.
func (c CacheConfig) MemoryTTL() time.Duration {
	return time.Duration(c.TTLSeconds) * time.Second
}

// SweepInterval converts the configured sweep cadence into a duration.
func (c CacheConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepSeconds) * time.Second
}

// MaxAge converts the offline freshness window into a duration.
func (c OfflineConfig) MaxAge() time.Duration {
	return time.Duration(c.MaxAgeHours) * time.Hour
}

// Validate rejects snapshots the runtime cannot safely operate on.
func (c Config) Validate() error {
	if c.Server.Listen.Port <= 0 || c.Server.Listen.Port > 65535 {
		return fmt.Errorf("config: listen port %d out of range", c.Server.Listen.Port)
	}
	if c.Server.Cache.TTLSeconds <= 0 {
		return errors.New("config: cache ttlSeconds must be positive")
	}
	if c.Server.Cache.SweepSeconds <= 0 {
		return errors.New("config: cache sweepSeconds must be positive")
	}
	if c.Server.Offline.MaxAgeHours <= 0 {
		return errors.New("config: offline maxAgeHours must be positive")
	}
	if c.Analysis.MaxAttempts <= 0 {
		return errors.New("config: analysis maxAttempts must be positive")
	}
	if c.Analysis.TimeoutSeconds <= 0 {
		return errors.New("config: analysis timeoutSeconds must be positive")
	}
	if c.Analysis.APIBase != "" {
		if _, err := url.Parse(c.Analysis.APIBase); err != nil {
			return fmt.Errorf("config: analysis apiBase: %w", err)
		}
	}
	if c.Gateway.Upstream != "" {
		parsed, err := url.Parse(c.Gateway.Upstream)
		if err != nil {
			return fmt.Errorf("config: gateway upstream: %w", err)
		}
		if parsed.Scheme == "" || parsed.Host == "" {
			return fmt.Errorf("config: gateway upstream %q must be absolute", c.Gateway.Upstream)
		}
	}
	switch backend := strings.TrimSpace(strings.ToLower(c.Gateway.Cache.Backend)); backend {
	case "", "memory":
	case "redis":
		if c.Gateway.Cache.Redis.Address == "" {
			return errors.New("config: gateway redis backend requires an address")
		}
	default:
		return fmt.Errorf("config: unsupported gateway cache backend %q", backend)
	}
	if c.Replay.IntervalSeconds <= 0 {
		return errors.New("config: replay intervalSeconds must be positive")
	}
	return nil
}
