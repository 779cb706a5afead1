package server

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"github.com/clearflow/aquaedge/internal/analysis"
	"github.com/clearflow/aquaedge/internal/fetch"
	"github.com/clearflow/aquaedge/internal/offlinestore"
	"github.com/clearflow/aquaedge/internal/replay"
)

type stubAnalysis struct {
	result    analysis.Result
	err       error
	lastKey   string
	lastForce bool
	cleared   bool
}

func (s *stubAnalysis) Fetch(_ context.Context, key string, forceRefresh bool) (analysis.Result, error) {
	s.lastKey = key
	s.lastForce = forceRefresh
	return s.result, s.err
}

func (s *stubAnalysis) ClearCaches(context.Context) error {
	s.cleared = true
	return nil
}

func (s *stubAnalysis) StorageAvailability() offlinestore.Availability {
	return offlinestore.AvailabilityAvailable
}

type stubQueue struct {
	events []json.RawMessage
	err    error
}

func (q *stubQueue) Enqueue(_ context.Context, payload json.RawMessage) (replay.Event, error) {
	if q.err != nil {
		return replay.Event{}, q.err
	}
	q.events = append(q.events, payload)
	return replay.Event{ID: "evt-1", Payload: payload}, nil
}

func (q *stubQueue) Len(context.Context) (int, error) {
	return len(q.events), nil
}

type stubStatus struct{ online bool }

func (s stubStatus) Online() bool { return s.online }

func newTestHandler(svc *stubAnalysis, queue *stubQueue) http.Handler {
	return NewHandler(HandlerOptions{
		Analysis:   svc,
		Queue:      queue,
		Status:     stubStatus{online: true},
		Generation: func() string { return "v1" },
		Gateway: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("gateway"))
		}),
	})
}

func TestAnalysisEndpoint(t *testing.T) {
	svc := &stubAnalysis{result: analysis.Result{
		Payload: json.RawMessage(`{"ph":7.1}`),
		Source:  analysis.SourceAPI,
	}}
	h := newTestHandler(svc, &stubQueue{})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/water-analysis?forceRefresh=true",
		strings.NewReader(`{"key":"station-7"}`))
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "station-7", svc.lastKey)
	require.True(t, svc.lastForce)

	var resp analysisResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "api", resp.Source)
	require.JSONEq(t, `{"ph":7.1}`, string(resp.Payload))
}

func TestAnalysisEndpointValidation(t *testing.T) {
	h := newTestHandler(&stubAnalysis{}, &stubQueue{})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/water-analysis", strings.NewReader(`{}`)))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/water-analysis", strings.NewReader(`not json`)))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAnalysisErrorMapping(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"offline unavailable", analysis.ErrOfflineUnavailable, http.StatusServiceUnavailable},
		{"timeout", &fetch.Error{Kind: fetch.KindTimeout}, http.StatusGatewayTimeout},
		{"connectivity", &fetch.Error{Kind: fetch.KindConnectivity}, http.StatusServiceUnavailable},
		{"http", &fetch.Error{Kind: fetch.KindHTTP, Status: 500}, http.StatusBadGateway},
		{"unknown", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newTestHandler(&stubAnalysis{err: tc.err}, &stubQueue{})
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/water-analysis",
				strings.NewReader(`{"key":"k"}`)))
			require.Equal(t, tc.want, rec.Code)
			require.Contains(t, rec.Body.String(), "error")
		})
	}
}

func TestCacheClearEndpoint(t *testing.T) {
	svc := &stubAnalysis{}
	h := newTestHandler(svc, &stubQueue{})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/cache/clear", nil))
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.True(t, svc.cleared)
}

func TestAnalyticsEndpointQueuesEvent(t *testing.T) {
	queue := &stubQueue{}
	h := newTestHandler(&stubAnalysis{}, queue)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/analytics",
		strings.NewReader(`{"event":"page_view","path":"/dashboard"}`)))
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, queue.events, 1)

	var resp analyticsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "evt-1", resp.ID)
	require.Equal(t, 1, resp.Queued)
}

func TestAnalyticsEndpointRejectsBadJSON(t *testing.T) {
	queue := &stubQueue{}
	h := newTestHandler(&stubAnalysis{}, queue)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/analytics",
		strings.NewReader(`not json at all`)))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Empty(t, queue.events)
}

func TestHealthEndpoint(t *testing.T) {
	h := newTestHandler(&stubAnalysis{}, &stubQueue{})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp healthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "ok", resp.Status)
	require.True(t, resp.Online)
	require.Equal(t, "available", resp.Storage)
	require.Equal(t, "v1", resp.Generation)
}

func TestUnmatchedPathsFallThroughToGateway(t *testing.T) {
	h := newTestHandler(&stubAnalysis{}, &stubQueue{})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/dashboard", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "gateway", rec.Body.String())
}
