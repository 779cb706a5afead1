package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	json "github.com/goccy/go-json"

	"github.com/clearflow/aquaedge/internal/analysis"
	"github.com/clearflow/aquaedge/internal/fetch"
	"github.com/clearflow/aquaedge/internal/offlinestore"
	"github.com/clearflow/aquaedge/internal/replay"
)

const maxRequestBody = 1 << 20

// AnalysisService is the surface the router needs from the data access layer.
type AnalysisService interface {
	Fetch(ctx context.Context, key string, forceRefresh bool) (analysis.Result, error)
	ClearCaches(ctx context.Context) error
	StorageAvailability() offlinestore.Availability
}

// EventQueue accepts analytics events for deferred replay.
type EventQueue interface {
	Enqueue(ctx context.Context, payload json.RawMessage) (replay.Event, error)
	Len(ctx context.Context) (int, error)
}

// ConnectivityStatus reports whether the origin is currently reachable.
type ConnectivityStatus interface {
	Online() bool
}

// HandlerOptions wires the router facade to its collaborators. Gateway is the
// fallback handler for every path the API surface does not claim.
type HandlerOptions struct {
	Analysis   AnalysisService
	Queue      EventQueue
	Status     ConnectivityStatus
	Gateway    http.Handler
	Metrics    http.Handler
	Generation func() string
	Logger     *slog.Logger
}

// NewHandler builds the HTTP routing facade: the analysis and analytics API,
// health and metrics endpoints, and the caching gateway for everything else.
func NewHandler(opts HandlerOptions) http.Handler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	h := &handler{opts: opts, logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/water-analysis", h.serveAnalysis)
	mux.HandleFunc("POST /api/cache/clear", h.serveCacheClear)
	mux.HandleFunc("POST /api/analytics", h.serveAnalytics)
	mux.HandleFunc("GET /healthz", h.serveHealth)
	if opts.Metrics != nil {
		mux.Handle("GET /metrics", opts.Metrics)
	}
	if opts.Gateway != nil {
		mux.Handle("/", opts.Gateway)
	} else {
		mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
			writeError(w, http.StatusServiceUnavailable, "gateway unavailable")
		})
	}
	return mux
}

type handler struct {
	opts   HandlerOptions
	logger *slog.Logger
}

type analysisRequest struct {
	Key string `json:"key"`
}

type analysisResponse struct {
	Key     string          `json:"key"`
	Source  string          `json:"source"`
	Payload json.RawMessage `json:"payload"`
}

func (h *handler) serveAnalysis(w http.ResponseWriter, r *http.Request) {
	if h.opts.Analysis == nil {
		writeError(w, http.StatusServiceUnavailable, "analysis unavailable")
		return
	}
	var req analysisRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Key == "" {
		writeError(w, http.StatusBadRequest, "key required")
		return
	}
	forceRefresh, _ := strconv.ParseBool(r.URL.Query().Get("forceRefresh"))

	result, err := h.opts.Analysis.Fetch(r.Context(), req.Key, forceRefresh)
	if err != nil {
		h.writeAnalysisError(w, req.Key, err)
		return
	}
	writeJSON(w, http.StatusOK, analysisResponse{
		Key:     req.Key,
		Source:  string(result.Source),
		Payload: result.Payload,
	})
}

func (h *handler) writeAnalysisError(w http.ResponseWriter, key string, err error) {
	h.logger.Warn("analysis request failed", slog.String("key", key), slog.Any("error", err))
	if errors.Is(err, analysis.ErrOfflineUnavailable) {
		writeError(w, http.StatusServiceUnavailable, "no offline data for key")
		return
	}
	var fetchErr *fetch.Error
	if errors.As(err, &fetchErr) {
		switch fetchErr.Kind {
		case fetch.KindTimeout:
			writeError(w, http.StatusGatewayTimeout, "upstream timed out")
		case fetch.KindConnectivity:
			writeError(w, http.StatusServiceUnavailable, "upstream unreachable")
		default:
			writeError(w, http.StatusBadGateway, "upstream error")
		}
		return
	}
	writeError(w, http.StatusInternalServerError, "internal error")
}

func (h *handler) serveCacheClear(w http.ResponseWriter, r *http.Request) {
	if h.opts.Analysis == nil {
		writeError(w, http.StatusServiceUnavailable, "analysis unavailable")
		return
	}
	if err := h.opts.Analysis.ClearCaches(r.Context()); err != nil {
		h.logger.Warn("cache clear failed", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "cache clear failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type analyticsResponse struct {
	ID     string `json:"id"`
	Queued int    `json:"queued"`
}

// serveAnalytics buffers the event durably; the replay drainer forwards it to
// the origin once connectivity allows.
func (h *handler) serveAnalytics(w http.ResponseWriter, r *http.Request) {
	if h.opts.Queue == nil {
		writeError(w, http.StatusServiceUnavailable, "analytics unavailable")
		return
	}
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body")
		return
	}
	if !json.Valid(payload) {
		writeError(w, http.StatusBadRequest, "event must be JSON")
		return
	}

	ev, err := h.opts.Queue.Enqueue(r.Context(), payload)
	if err != nil {
		h.logger.Error("analytics enqueue failed", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "enqueue failed")
		return
	}
	depth, err := h.opts.Queue.Len(r.Context())
	if err != nil {
		depth = -1
	}
	writeJSON(w, http.StatusAccepted, analyticsResponse{ID: ev.ID, Queued: depth})
}

type healthResponse struct {
	Status     string `json:"status"`
	Online     bool   `json:"online"`
	Storage    string `json:"storage"`
	Generation string `json:"generation,omitempty"`
	QueueDepth int    `json:"queueDepth"`
}

func (h *handler) serveHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", Online: true}
	if h.opts.Status != nil {
		resp.Online = h.opts.Status.Online()
	}
	if h.opts.Analysis != nil {
		resp.Storage = h.opts.Analysis.StorageAvailability().String()
	}
	if h.opts.Generation != nil {
		resp.Generation = h.opts.Generation()
	}
	if h.opts.Queue != nil {
		if depth, err := h.opts.Queue.Len(r.Context()); err == nil {
			resp.QueueDepth = depth
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func decodeBody(r *http.Request, out any) error {
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		return err
	}
	return json.Unmarshal(payload, out)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
