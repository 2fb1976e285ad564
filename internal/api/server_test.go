package api

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/multigroup-scraper/internal/metrics"
	"github.com/JakeFAU/multigroup-scraper/internal/scraper"
)

const testRunID = "0190f6a0-8f3c-7b6e-9a1d-4c2b0e5f7a11"

func TestServer_Healthz(t *testing.T) {
	t.Parallel()

	rec := serve(t, newTestServer(&fakeController{}), http.MethodGet, "/healthz")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestServer_ReadyzWithoutController(t *testing.T) {
	t.Parallel()

	server := NewServer(nil, nil, Options{Logger: zap.NewNop()})
	rec := serve(t, server, http.MethodGet, "/readyz")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = serve(t, server, http.MethodGet, "/v1/status")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServer_StatusReportsLiveCounters(t *testing.T) {
	t.Parallel()

	start := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	ctrl := &fakeController{
		runID: testRunID,
		status: scraper.Status{
			IsRunning:    true,
			ActiveGroups: 2,
			TotalGroups:  3,
			Stats: scraper.RunStatistics{
				TotalGroups:     3,
				ActiveGroups:    2,
				CompletedCycles: 1,
				TotalMessages:   5,
				StartTime:       &start,
				RuntimeSeconds:  12.5,
			},
		},
	}
	rec := serve(t, newTestServer(ctrl), http.MethodGet, "/v1/status")
	require.Equal(t, http.StatusOK, rec.Code)

	var payload struct {
		RunID        string                `json:"run_id"`
		IsRunning    bool                  `json:"is_running"`
		ActiveGroups int                   `json:"active_groups"`
		TotalGroups  int                   `json:"total_groups"`
		Stats        scraper.RunStatistics `json:"stats"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	assert.Equal(t, testRunID, payload.RunID)
	assert.True(t, payload.IsRunning)
	assert.Equal(t, 2, payload.ActiveGroups)
	assert.Equal(t, 3, payload.TotalGroups)
	assert.Equal(t, 5, payload.Stats.TotalMessages)
	assert.InDelta(t, 12.5, payload.Stats.RuntimeSeconds, 0)
}

func TestServer_StatsAndGroups(t *testing.T) {
	t.Parallel()

	ctrl := &fakeController{
		stats: scraper.RunStatistics{TotalGroups: 2, Errors: 1},
		groups: []scraper.GroupConfig{
			{Name: "Ops", SaveFile: "ops.json", ScrapeInterval: 60, Priority: scraper.PriorityHigh},
			{Name: "Sales", SaveFile: "sales.json", ScrapeInterval: 300, Priority: scraper.PriorityLow},
		},
	}
	server := newTestServer(ctrl)

	rec := serve(t, server, http.MethodGet, "/v1/stats")
	require.Equal(t, http.StatusOK, rec.Code)
	var stats scraper.RunStatistics
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, 1, stats.Errors)

	rec = serve(t, server, http.MethodGet, "/v1/groups")
	require.Equal(t, http.StatusOK, rec.Code)
	var groups struct {
		Groups []scraper.GroupConfig `json:"groups"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &groups))
	require.Len(t, groups.Groups, 2)
	assert.Equal(t, "Ops", groups.Groups[0].Name)
	assert.Equal(t, scraper.PriorityLow, groups.Groups[1].Priority)
}

func TestServer_StopWhileRunning(t *testing.T) {
	t.Parallel()

	ctrl := &fakeController{runID: testRunID, status: scraper.Status{IsRunning: true}}
	rec := serve(t, newTestServer(ctrl), http.MethodPost, "/v1/stop")
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.JSONEq(t, `{"stopping":true}`, rec.Body.String())
	require.Eventually(t, func() bool { return ctrl.Stops() == 1 }, time.Second, 5*time.Millisecond)
}

func TestServer_StopWhenIdle(t *testing.T) {
	t.Parallel()

	ctrl := &fakeController{}
	rec := serve(t, newTestServer(ctrl), http.MethodPost, "/v1/stop")
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.JSONEq(t, `{"stopping":false}`, rec.Body.String())
	assert.Zero(t, ctrl.Stops())
}

func TestServer_StopRejectsGet(t *testing.T) {
	t.Parallel()

	rec := serve(t, newTestServer(&fakeController{}), http.MethodGet, "/v1/stop")
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestServer_MetricsUsesRegistry(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	httpMetrics, err := metrics.NewHTTP(reg)
	require.NoError(t, err)
	server := NewServer(&fakeController{}, nil, Options{Gatherer: reg, HTTPMetrics: httpMetrics})

	serve(t, server, http.MethodGet, "/healthz")
	rec := serve(t, server, http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "multigroup_http_requests_total")
	assert.Contains(t, rec.Body.String(), `route="/healthz"`)
}

func TestServer_APIKeyMiddleware(t *testing.T) {
	t.Parallel()

	server := NewServer(&fakeController{}, nil, Options{APIKey: "secret"})

	rec := serve(t, server, http.MethodGet, "/healthz")
	require.Equal(t, http.StatusForbidden, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-API-Key", "secret")
	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = serve(t, server, http.MethodGet, "/healthz?api_key=secret")
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_RecoversFromPanickingController(t *testing.T) {
	t.Parallel()

	rec := serve(t, newTestServer(&fakeController{panics: true}), http.MethodGet, "/v1/stats")
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestRequestIDMiddlewareSetsHeader(t *testing.T) {
	t.Parallel()

	rec := serve(t, newTestServer(&fakeController{}), http.MethodGet, "/healthz")
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestResponseWriterHijackBehavior(t *testing.T) {
	t.Parallel()

	rw := &responseWriter{ResponseWriter: httptest.NewRecorder()}
	_, _, err := rw.Hijack()
	require.EqualError(t, err, "hijacker not supported")

	h := &hijackableRecorder{ResponseRecorder: httptest.NewRecorder()}
	rw = &responseWriter{ResponseWriter: h}
	conn, buf, err := rw.Hijack()
	require.NoError(t, err)
	require.NotNil(t, buf)
	require.NoError(t, conn.Close())
	require.NoError(t, h.CloseClient())
}

// --- helpers/fakes ---

type fakeController struct {
	mu     sync.Mutex
	runID  string
	status scraper.Status
	stats  scraper.RunStatistics
	groups []scraper.GroupConfig
	stops  int
	panics bool
}

func (f *fakeController) Status() scraper.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fakeController) Stats() scraper.RunStatistics {
	if f.panics {
		panic("stats exploded")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stats
}

func (f *fakeController) Groups() []scraper.GroupConfig {
	return f.groups
}

func (f *fakeController) RunID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.runID
}

func (f *fakeController) StopAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
}

func (f *fakeController) Stops() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stops
}

type hijackableRecorder struct {
	*httptest.ResponseRecorder
	client net.Conn
}

func (h *hijackableRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	server, client := net.Pipe()
	h.client = client
	return server, bufio.NewReadWriter(bufio.NewReader(client), bufio.NewWriter(client)), nil
}

func (h *hijackableRecorder) CloseClient() error {
	if h.client != nil {
		if err := h.client.Close(); err != nil {
			return fmt.Errorf("close hijacker client: %w", err)
		}
	}
	return nil
}

func newTestServer(ctrl Controller) *Server {
	return NewServer(ctrl, nil, Options{Logger: zap.NewNop(), Gatherer: prometheus.NewRegistry()})
}

func serve(t *testing.T, s *Server, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(method, target, nil))
	return rec
}
