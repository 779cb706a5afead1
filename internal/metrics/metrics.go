package metrics

import (
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// FetchOutcome classifies a single upstream fetch attempt.
type FetchOutcome string

const (
	// FetchSuccess marks an attempt that returned a decodable 2xx response.
	FetchSuccess FetchOutcome = "success"
	// FetchHTTPError marks a non-2xx response.
	FetchHTTPError FetchOutcome = "http_error"
	// FetchTimeout marks an attempt aborted by the per-attempt deadline.
	FetchTimeout FetchOutcome = "timeout"
	// FetchConnectivity marks an attempt that never reached the network peer.
	FetchConnectivity FetchOutcome = "connectivity"
	// FetchDecode marks a malformed response body.
	FetchDecode FetchOutcome = "decode"
)

// CacheResult captures the result of a cache layer operation.
type CacheResult string

const (
	CacheHit    CacheResult = "hit"
	CacheMiss   CacheResult = "miss"
	CacheStored CacheResult = "stored"
	CacheError  CacheResult = "error"
)

// Recorder publishes Prometheus metrics for the edge runtime.
type Recorder struct {
	gatherer prometheus.Gatherer
	handler  http.Handler

	analysisRequests *prometheus.CounterVec
	analysisLatency  *prometheus.HistogramVec

	fetchAttempts *prometheus.CounterVec

	cacheOperations *prometheus.CounterVec

	gatewayRequests *prometheus.CounterVec
	gatewayLatency  *prometheus.HistogramVec

	replayEvents     *prometheus.CounterVec
	replayQueueDepth prometheus.Gauge
}

// NewRecorder constructs a Prometheus-backed Recorder. When reg is nil a dedicated
// registry is created so multiple recorders can coexist without conflicting with
// the global default registerer.
func NewRecorder(reg *prometheus.Registry) *Recorder {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	reg.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	analysisRequests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "aquaedge",
		Subsystem: "analysis",
		Name:      "requests_total",
		Help:      "Analysis lookups answered, labeled by serving source.",
	}, []string{"source", "outcome"})

	analysisLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "aquaedge",
		Subsystem: "analysis",
		Name:      "request_duration_seconds",
		Help:      "Latency distribution for completed analysis lookups.",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
	}, []string{"source"})

	fetchAttempts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "aquaedge",
		Subsystem: "fetch",
		Name:      "attempts_total",
		Help:      "Individual upstream fetch attempts by outcome.",
	}, []string{"outcome"})

	cacheOperations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "aquaedge",
		Subsystem: "cache",
		Name:      "operations_total",
		Help:      "Cache operations across the memory, offline, and response layers.",
	}, []string{"layer", "operation", "result"})

	gatewayRequests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "aquaedge",
		Subsystem: "gateway",
		Name:      "requests_total",
		Help:      "Requests intercepted by the gateway, labeled by class and strategy outcome.",
	}, []string{"class", "outcome"})

	gatewayLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "aquaedge",
		Subsystem: "gateway",
		Name:      "request_duration_seconds",
		Help:      "Latency distribution for gateway-served requests.",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
	}, []string{"class"})

	replayEvents := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "aquaedge",
		Subsystem: "replay",
		Name:      "events_total",
		Help:      "Buffered analytics events processed by the replay drainer.",
	}, []string{"result"})

	replayQueueDepth := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "aquaedge",
		Subsystem: "replay",
		Name:      "queue_depth",
		Help:      "Buffered analytics events awaiting replay.",
	})

	reg.MustRegister(analysisRequests, analysisLatency, fetchAttempts, cacheOperations, gatewayRequests, gatewayLatency, replayEvents, replayQueueDepth)

	handler := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})

	return &Recorder{
		gatherer:         reg,
		handler:          handler,
		analysisRequests: analysisRequests,
		analysisLatency:  analysisLatency,
		fetchAttempts:    fetchAttempts,
		cacheOperations:  cacheOperations,
		gatewayRequests:  gatewayRequests,
		gatewayLatency:   gatewayLatency,
		replayEvents:     replayEvents,
		replayQueueDepth: replayQueueDepth,
	}
}

// Handler exposes the Prometheus HTTP handler for the recorder's registry.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "metrics unavailable", http.StatusServiceUnavailable)
		})
	}
	return r.handler
}

// Gatherer returns the underlying Prometheus gatherer for tests and advanced
// integrations.
func (r *Recorder) Gatherer() prometheus.Gatherer {
	if r == nil {
		return prometheus.NewRegistry()
	}
	return r.gatherer
}

// ObserveAnalysis records the serving source and latency for a completed lookup.
func (r *Recorder) ObserveAnalysis(source, outcome string, duration time.Duration) {
	if r == nil {
		return
	}
	sourceLabel := normalizeLabel(source)
	r.analysisRequests.WithLabelValues(sourceLabel, normalizeLabel(outcome)).Inc()
	r.analysisLatency.WithLabelValues(sourceLabel).Observe(duration.Seconds())
}

// ObserveFetchAttempt records the outcome of one upstream fetch attempt.
func (r *Recorder) ObserveFetchAttempt(outcome FetchOutcome) {
	if r == nil {
		return
	}
	r.fetchAttempts.WithLabelValues(normalizeLabel(string(outcome))).Inc()
}

// ObserveCacheOp records a cache operation on one of the cache layers.
func (r *Recorder) ObserveCacheOp(layer, operation string, result CacheResult) {
	if r == nil {
		return
	}
	r.cacheOperations.WithLabelValues(normalizeLabel(layer), normalizeLabel(operation), normalizeLabel(string(result))).Inc()
}

// ObserveGateway records the class, outcome, and latency for a gateway request.
func (r *Recorder) ObserveGateway(class, outcome string, duration time.Duration) {
	if r == nil {
		return
	}
	classLabel := normalizeLabel(class)
	r.gatewayRequests.WithLabelValues(classLabel, normalizeLabel(outcome)).Inc()
	r.gatewayLatency.WithLabelValues(classLabel).Observe(duration.Seconds())
}

// ObserveReplay records the result of a single replayed event.
func (r *Recorder) ObserveReplay(result string) {
	if r == nil {
		return
	}
	r.replayEvents.WithLabelValues(normalizeLabel(result)).Inc()
}

// SetReplayQueueDepth publishes the number of events awaiting replay.
func (r *Recorder) SetReplayQueueDepth(depth int) {
	if r == nil {
		return
	}
	r.replayQueueDepth.Set(float64(depth))
}

func normalizeLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
