package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Loader hydrates the runtime configuration while respecting env > file > default precedence.
type Loader struct {
	envPrefix string
	files     []string
}

// NewLoader prepares a config hydrator that honors the env-first contract before touching files or defaults.
func NewLoader(envPrefix string, files ...string) *Loader {
	return &Loader{
		envPrefix: envPrefix,
		files:     files,
	}
}

// Load assembles the effective snapshot so the lifecycle agent can make decisions using the documented precedence rules.
func (l *Loader) Load(ctx context.Context) (Config, error) {
	defaultCfg := DefaultConfig()
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(structToMap(defaultCfg), "."), nil); err != nil {
		return Config{}, fmt.Errorf("config: load defaults: %w", err)
	}

	for _, path := range l.files {
		if path == "" {
			continue
		}
		select {
		case <-ctx.Done():
			return Config{}, ctx.Err()
		default:
		}
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return Config{}, fmt.Errorf("config: file %s not found", path)
			}
			return Config{}, fmt.Errorf("config: stat %s: %w", path, err)
		}
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("config: load file %s: %w", path, err)
		}
	}

	if l.envPrefix != "" {
		canonical := map[string]string{
			"server.cache.ttlseconds":          "server.cache.ttlSeconds",
			"server.cache.sweepseconds":        "server.cache.sweepSeconds",
			"server.offline.maxagehours":       "server.offline.maxAgeHours",
			"analysis.apibase":                 "analysis.apiBase",
			"analysis.timeoutseconds":          "analysis.timeoutSeconds",
			"analysis.maxattempts":             "analysis.maxAttempts",
			"analysis.backoffbasems":           "analysis.backoffBaseMs",
			"analysis.breaker.minrequests":     "analysis.breaker.minRequests",
			"analysis.breaker.intervalseconds": "analysis.breaker.intervalSeconds",
			"analysis.breaker.timeoutseconds":  "analysis.breaker.timeoutSeconds",
			"gateway.routesfile":               "gateway.routesFile",
			"gateway.offlinepage":              "gateway.offlinePage",
			"gateway.templatesfolder":          "gateway.templatesFolder",
			"gateway.cache.ttlseconds":         "gateway.cache.ttlSeconds",
			"gateway.cache.redis.tls.cafile":   "gateway.cache.redis.tls.caFile",
			"replay.intervalseconds":           "replay.intervalSeconds",
			"connectivity.probeurl":            "connectivity.probeUrl",
			"connectivity.intervalseconds":     "connectivity.intervalSeconds",
		}
		transform := func(s string) string {
			// Double underscores signal a nested path (SERVER__LISTEN__PORT -> server.listen.port).
			key := strings.TrimPrefix(s, l.envPrefix+"_")
			key = strings.ReplaceAll(key, "__", ".")
			lower := strings.ToLower(key)
			if mapped, ok := canonical[lower]; ok {
				return mapped
			}
			// Single underscores are removed so LISTEN_PORT collapses into listenport when callers
			// choose not to use double underscores for object nesting.
			key = strings.ReplaceAll(key, "_", "")
			return strings.ToLower(key)
		}
		if err := k.Load(env.Provider(l.envPrefix, ".", transform), nil); err != nil {
			return Config{}, fmt.Errorf("config: load env: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// structToMap converts DefaultConfig into a map for the koanf confmap provider.
func structToMap(cfg Config) map[string]any {
	return map[string]any{
		"server": map[string]any{
			"listen": map[string]any{
				"address": cfg.Server.Listen.Address,
				"port":    cfg.Server.Listen.Port,
			},
			"logging": map[string]any{
				"level":  cfg.Server.Logging.Level,
				"format": cfg.Server.Logging.Format,
			},
			"cache": map[string]any{
				"ttlSeconds":   cfg.Server.Cache.TTLSeconds,
				"sweepSeconds": cfg.Server.Cache.SweepSeconds,
			},
			"offline": map[string]any{
				"path":        cfg.Server.Offline.Path,
				"maxAgeHours": cfg.Server.Offline.MaxAgeHours,
				"disabled":    cfg.Server.Offline.Disabled,
			},
		},
		"analysis": map[string]any{
			"apiBase":        cfg.Analysis.APIBase,
			"timeoutSeconds": cfg.Analysis.TimeoutSeconds,
			"maxAttempts":    cfg.Analysis.MaxAttempts,
			"backoffBaseMs":  cfg.Analysis.BackoffBaseMS,
			"breaker": map[string]any{
				"enabled":         cfg.Analysis.Breaker.Enabled,
				"minRequests":     cfg.Analysis.Breaker.MinRequests,
				"intervalSeconds": cfg.Analysis.Breaker.IntervalSeconds,
				"timeoutSeconds":  cfg.Analysis.Breaker.TimeoutSeconds,
			},
		},
		"gateway": map[string]any{
			"upstream":        cfg.Gateway.Upstream,
			"routesFile":      cfg.Gateway.RoutesFile,
			"offlinePage":     cfg.Gateway.OfflinePage,
			"templatesFolder": cfg.Gateway.TemplatesFolder,
			"cache": map[string]any{
				"backend":    cfg.Gateway.Cache.Backend,
				"ttlSeconds": cfg.Gateway.Cache.TTLSeconds,
				"redis": map[string]any{
					"address":  cfg.Gateway.Cache.Redis.Address,
					"username": cfg.Gateway.Cache.Redis.Username,
					"password": cfg.Gateway.Cache.Redis.Password,
					"db":       cfg.Gateway.Cache.Redis.DB,
					"tls": map[string]any{
						"enabled": cfg.Gateway.Cache.Redis.TLS.Enabled,
						"caFile":  cfg.Gateway.Cache.Redis.TLS.CAFile,
					},
				},
			},
		},
		"replay": map[string]any{
			"path":            cfg.Replay.Path,
			"endpoint":        cfg.Replay.Endpoint,
			"intervalSeconds": cfg.Replay.IntervalSeconds,
		},
		"connectivity": map[string]any{
			"probeUrl":        cfg.Connectivity.ProbeURL,
			"intervalSeconds": cfg.Connectivity.IntervalSeconds,
		},
	}
}
