package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/clearflow/aquaedge/internal/gateway/respcache"
)

// GenerationState tracks a cache generation through its lifecycle.
type GenerationState string

const (
	StateInstalling GenerationState = "installing"
	StateInstalled  GenerationState = "installed"
	StateActivating GenerationState = "activating"
	StateActive     GenerationState = "active"
)

// Generations manages versioned cache generations. At most one generation is
// active at a time and requests only ever read the active version.
type Generations struct {
	cache  respcache.Cache
	logger *slog.Logger

	mu      sync.RWMutex
	current string
	states  map[string]GenerationState
}

func NewGenerations(cache respcache.Cache, logger *slog.Logger) *Generations {
	if logger == nil {
		logger = slog.Default()
	}
	return &Generations{
		cache:  cache,
		logger: logger,
		states: make(map[string]GenerationState),
	}
}

// Current returns the active generation version, or "" before first activation.
func (g *Generations) Current() string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.current
}

// State reports the lifecycle state of a version.
func (g *Generations) State(version string) GenerationState {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.states[version]
}

// Install precaches the given paths into the version's key prefix. A single
// fetch failure aborts the install and discards the partial generation, so a
// generation is either fully installed or absent.
func (g *Generations) Install(ctx context.Context, version string, paths []string, fetch func(context.Context, string) (respcache.Entry, error)) error {
	g.setState(version, StateInstalling)

	for _, path := range paths {
		entry, err := fetch(ctx, path)
		if err == nil && entry.Status != 200 {
			err = fmt.Errorf("gateway: precache %s: status %d", path, entry.Status)
		}
		if err != nil {
			if purgeErr := g.cache.DeletePrefix(ctx, respcache.VersionPrefix(version)); purgeErr != nil {
				g.logger.Warn("partial generation purge failed",
					slog.String("version", version),
					slog.Any("error", purgeErr))
			}
			g.dropState(version)
			return fmt.Errorf("gateway: install generation %s: %w", version, err)
		}
		key := respcache.Key(version, respcache.Descriptor{Method: "GET", URL: path}.Hash())
		if err := g.cache.Store(ctx, key, entry); err != nil {
			g.dropState(version)
			return fmt.Errorf("gateway: install generation %s: store %s: %w", version, path, err)
		}
	}

	g.setState(version, StateInstalled)
	g.logger.Info("cache generation installed",
		slog.String("version", version),
		slog.Int("precached", len(paths)))
	return nil
}

// Activate makes the version current and purges every other generation. It
// returns only after the purge completes; callers observe either the old
// generation in full or the new one, never a half-purged mix.
func (g *Generations) Activate(ctx context.Context, version string) error {
	g.setState(version, StateActivating)

	g.mu.Lock()
	previous := g.current
	g.current = version
	g.mu.Unlock()

	if err := g.cache.DeleteExcept(ctx, respcache.BasePrefix, respcache.VersionPrefix(version)); err != nil {
		return fmt.Errorf("gateway: activate generation %s: %w", version, err)
	}

	g.mu.Lock()
	g.states[version] = StateActive
	for v := range g.states {
		if v != version {
			delete(g.states, v)
		}
	}
	g.mu.Unlock()

	g.logger.Info("cache generation activated",
		slog.String("version", version),
		slog.String("previous", previous))
	return nil
}

// GenerationVersion returns the explicit manifest version when pinned, or a
// timestamp-derived one otherwise.
func GenerationVersion(explicit string, now time.Time) string {
	if explicit != "" {
		return explicit
	}
	return now.UTC().Format("20060102T150405.000")
}

func (g *Generations) setState(version string, state GenerationState) {
	g.mu.Lock()
	g.states[version] = state
	g.mu.Unlock()
}

func (g *Generations) dropState(version string) {
	g.mu.Lock()
	delete(g.states, version)
	g.mu.Unlock()
}
