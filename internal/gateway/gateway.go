// Package gateway fronts the origin with an offline-aware caching reverse
// proxy. GET requests are classified into routing strategies and served from
// versioned cache generations when the origin is unreachable; everything else
// passes straight through.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/clearflow/aquaedge/internal/config"
	"github.com/clearflow/aquaedge/internal/connectivity"
	"github.com/clearflow/aquaedge/internal/expr"
	"github.com/clearflow/aquaedge/internal/gateway/respcache"
	"github.com/clearflow/aquaedge/internal/metrics"
	"github.com/clearflow/aquaedge/internal/templates"
)

const maxBodyBytes = 8 << 20

// httpDoer abstracts the HTTP client used for origin fetches.
type httpDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Options configures the gateway.
type Options struct {
	Upstream    *url.URL
	Manifest    config.RouteManifest
	Cache       respcache.Cache
	TTL         time.Duration
	OfflinePage *templates.Template
	Monitor     *connectivity.Monitor
	Client      httpDoer
	Logger      *slog.Logger
	Metrics     *metrics.Recorder

	now func() time.Time
}

// Gateway is the offline-aware caching handler.
type Gateway struct {
	upstream *url.URL
	proxy    http.Handler
	client   httpDoer
	cache    respcache.Cache
	gens     *Generations
	env      *expr.Environment
	offline  *templates.Template
	monitor  *connectivity.Monitor
	ttl      time.Duration
	logger   *slog.Logger
	metrics  *metrics.Recorder
	now      func() time.Time

	mu         sync.RWMutex
	classifier *Classifier
}

// New builds the gateway and installs+activates the first cache generation
// from the manifest.
func New(ctx context.Context, opts Options) (*Gateway, error) {
	if opts.Upstream == nil {
		return nil, errors.New("gateway: upstream required")
	}
	if opts.Cache == nil {
		return nil, errors.New("gateway: response cache required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	now := opts.now
	if now == nil {
		now = time.Now
	}

	env, err := expr.NewEnvironment()
	if err != nil {
		return nil, fmt.Errorf("gateway: %w", err)
	}

	g := &Gateway{
		upstream: opts.Upstream,
		proxy:    httputil.NewSingleHostReverseProxy(opts.Upstream),
		client:   client,
		cache:    opts.Cache,
		gens:     NewGenerations(opts.Cache, logger),
		env:      env,
		offline:  opts.OfflinePage,
		monitor:  opts.Monitor,
		ttl:      ttl,
		logger:   logger,
		metrics:  opts.Metrics,
		now:      now,
	}
	if err := g.Reload(ctx, opts.Manifest); err != nil {
		return nil, err
	}
	return g, nil
}

// Reload builds a classifier from the manifest, installs a fresh generation
// with its precache set, and activates it. On install failure the previous
// generation keeps serving.
func (g *Gateway) Reload(ctx context.Context, manifest config.RouteManifest) error {
	classifier, err := NewClassifier(manifest, g.env, g.logger)
	if err != nil {
		return err
	}

	version := GenerationVersion(manifest.Version, g.now())
	fetch := func(ctx context.Context, path string) (respcache.Entry, error) {
		entry, _, err := g.fetchOrigin(ctx, path, nil)
		return entry, err
	}
	if err := g.gens.Install(ctx, version, classifier.PrecachePaths(), fetch); err != nil {
		return err
	}
	if err := g.gens.Activate(ctx, version); err != nil {
		return err
	}

	g.mu.Lock()
	g.classifier = classifier
	g.mu.Unlock()
	return nil
}

// Generation exposes the active cache generation version.
func (g *Gateway) Generation() string { return g.gens.Current() }

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		g.proxy.ServeHTTP(w, r)
		return
	}

	start := g.now()
	g.mu.RLock()
	classifier := g.classifier
	g.mu.RUnlock()

	class := classifier.Classify(r, start)
	var outcome string
	switch class {
	case ClassStatic:
		outcome = g.serveStatic(w, r)
	case ClassAPI:
		outcome = g.serveAPI(w, r)
	default:
		outcome = g.serveGeneric(w, r)
	}
	if g.metrics != nil {
		g.metrics.ObserveGateway(string(class), outcome, g.now().Sub(start))
	}
}

// serveStatic is cache-first with stale-while-revalidate: a hit is served
// immediately, stale hits trigger a background refresh, and a miss goes to
// the network and populates the cache. A stale hit is still a hit; entries
// never age out of servability.
func (g *Gateway) serveStatic(w http.ResponseWriter, r *http.Request) string {
	key := g.keyFor(r)
	entry, ok, err := g.cache.Lookup(r.Context(), key)
	if err != nil {
		g.logger.Warn("response cache lookup failed", slog.Any("error", err))
	}
	if ok {
		if entry.Stale(g.now()) {
			go g.revalidate(r.URL.RequestURI(), r.Header, key)
		}
		serveEntry(w, entry, "hit")
		return "cache_hit"
	}

	fresh, storable, err := g.fetchOrigin(r.Context(), r.URL.RequestURI(), r.Header)
	if err != nil {
		return g.serveOffline(w, r)
	}
	if storable && fresh.Status == http.StatusOK {
		g.storeEntry(r.Context(), key, fresh)
	}
	serveEntry(w, fresh, "miss")
	return "network"
}

// serveAPI is network-first: 200 responses refresh the cache, failures fall
// back to the last cached response, and a double miss yields a synthetic
// offline JSON error.
func (g *Gateway) serveAPI(w http.ResponseWriter, r *http.Request) string {
	key := g.keyFor(r)
	fresh, storable, err := g.fetchOrigin(r.Context(), r.URL.RequestURI(), r.Header)
	if err == nil {
		if storable && fresh.Status == http.StatusOK {
			g.storeEntry(r.Context(), key, fresh)
		}
		serveEntry(w, fresh, "miss")
		return "network"
	}

	entry, ok, lookupErr := g.cache.Lookup(r.Context(), key)
	if lookupErr != nil {
		g.logger.Warn("response cache lookup failed", slog.Any("error", lookupErr))
	}
	if ok {
		serveEntry(w, entry, "stale")
		return "cache_hit"
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = io.WriteString(w, `{"error":"Offline","message":"API unavailable and no cached data"}`)
	return "offline_json"
}

// serveGeneric is network-first with cache fallback. Navigation requests that
// miss both layers get the rendered offline page; anything else gets 502.
func (g *Gateway) serveGeneric(w http.ResponseWriter, r *http.Request) string {
	key := g.keyFor(r)
	fresh, storable, err := g.fetchOrigin(r.Context(), r.URL.RequestURI(), r.Header)
	if err == nil {
		if storable && fresh.Status == http.StatusOK {
			g.storeEntry(r.Context(), key, fresh)
		}
		serveEntry(w, fresh, "miss")
		return "network"
	}

	entry, ok, lookupErr := g.cache.Lookup(r.Context(), key)
	if lookupErr != nil {
		g.logger.Warn("response cache lookup failed", slog.Any("error", lookupErr))
	}
	if ok {
		serveEntry(w, entry, "stale")
		return "cache_hit"
	}
	return g.serveOffline(w, r)
}

// serveOffline renders the offline page for navigations when one is
// configured; other requests get a plain 502.
func (g *Gateway) serveOffline(w http.ResponseWriter, r *http.Request) string {
	if g.offline != nil && isNavigation(r) {
		page, err := g.offline.Render(map[string]any{
			"Path":        r.URL.Path,
			"GeneratedAt": g.now().UTC().Format(time.RFC1123),
		})
		if err == nil {
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = io.WriteString(w, page)
			return "offline_page"
		}
		g.logger.Warn("offline page render failed", slog.Any("error", err))
	}
	http.Error(w, "upstream unreachable", http.StatusBadGateway)
	return "error"
}

// keyFor derives the versioned cache key for the request. Per-request headers
// stay out of the descriptor so identical navigations share an entry.
func (g *Gateway) keyFor(r *http.Request) string {
	d := respcache.Descriptor{Method: http.MethodGet, URL: r.URL.RequestURI()}
	return respcache.Key(g.gens.Current(), d.Hash())
}

// fetchOrigin performs a GET against the upstream and converts the response
// into a cache entry. The storable flag is false when the origin forbids
// caching via Cache-Control.
func (g *Gateway) fetchOrigin(ctx context.Context, requestURI string, hdr http.Header) (respcache.Entry, bool, error) {
	target, err := g.upstream.Parse(requestURI)
	if err != nil {
		return respcache.Entry{}, false, fmt.Errorf("gateway: resolve %s: %w", requestURI, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return respcache.Entry{}, false, fmt.Errorf("gateway: build request: %w", err)
	}
	for _, name := range []string{"Accept", "Accept-Language", "User-Agent"} {
		if v := hdr.Get(name); v != "" {
			req.Header.Set(name, v)
		}
	}

	resp, err := g.client.Do(req)
	if err != nil {
		if g.monitor != nil {
			g.monitor.SetOnline(false)
		}
		return respcache.Entry{}, false, fmt.Errorf("gateway: fetch %s: %w", requestURI, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if g.monitor != nil {
		g.monitor.SetOnline(true)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return respcache.Entry{}, false, fmt.Errorf("gateway: read %s: %w", requestURI, err)
	}

	stored := g.now().UTC()
	entry := respcache.Entry{
		Status:   resp.StatusCode,
		Headers:  flattenHeaders(resp.Header),
		Body:     body,
		StoredAt: stored,
	}

	ttl := g.ttl
	storable := true
	if cc := respcache.ParseCacheControl(resp.Header.Get("Cache-Control")); cc.TTL() != nil {
		directive := *cc.TTL()
		if directive <= 0 {
			storable = false
		} else if directive < ttl {
			ttl = directive
		}
	}
	entry.ExpiresAt = stored.Add(ttl)
	return entry, storable, nil
}

// revalidate refreshes a static entry in the background after it was served
// from cache. The request context is gone by then, so a fresh timeout governs
// the fetch.
func (g *Gateway) revalidate(requestURI string, hdr http.Header, key string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	entry, storable, err := g.fetchOrigin(ctx, requestURI, hdr)
	if err != nil {
		g.logger.Debug("background revalidation failed",
			slog.String("uri", requestURI),
			slog.Any("error", err))
		return
	}
	if storable && entry.Status == http.StatusOK {
		g.storeEntry(ctx, key, entry)
	}
}

func (g *Gateway) storeEntry(ctx context.Context, key string, entry respcache.Entry) {
	if err := g.cache.Store(ctx, key, entry); err != nil {
		g.logger.Warn("response cache store failed", slog.Any("error", err))
		if g.metrics != nil {
			g.metrics.ObserveCacheOp("response", "store", metrics.CacheError)
		}
		return
	}
	if g.metrics != nil {
		g.metrics.ObserveCacheOp("response", "store", metrics.CacheStored)
	}
}

func serveEntry(w http.ResponseWriter, entry respcache.Entry, cacheState string) {
	for name, value := range entry.Headers {
		w.Header().Set(name, value)
	}
	w.Header().Set("X-Cache", cacheState)
	status := entry.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = w.Write(entry.Body)
}

func isNavigation(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "text/html")
}

var hopByHop = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
	"Content-Length":      {},
}

func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for name, values := range h {
		if _, skip := hopByHop[name]; skip {
			continue
		}
		if len(values) > 0 {
			out[name] = values[0]
		}
	}
	return out
}
