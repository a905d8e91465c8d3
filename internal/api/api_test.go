package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubilitics/kubilitics-anomaly/internal/config"
	"github.com/kubilitics/kubilitics-anomaly/internal/db"
	"github.com/kubilitics/kubilitics-anomaly/internal/models"
	"github.com/kubilitics/kubilitics-anomaly/internal/pipeline"
	"github.com/kubilitics/kubilitics-anomaly/internal/report"
)

const (
	end     int64 = 1700011800
	shiftAt int64 = 1700006400
)

func newService(t *testing.T) *pipeline.Service {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.DataSources = []config.DataSource{{
		Name: "demo",
		Type: config.SourceSample,
		Sample: &config.SampleConfig{
			Items: []config.SampleItemConfig{
				{ItemID: 1, Host: "web-1", Name: "cpu", Shape: "sine", Base: 100, Amplitude: 10, Period: 86400, ShiftAt: shiftAt, Shift: 100},
				{ItemID: 2, Host: "web-1", Name: "mem", Shape: "sine", Base: 100, Amplitude: 10, Period: 86400},
				{ItemID: 3, Host: "web-2", Name: "disk", Shape: "flat", Base: 50},
				{ItemID: 4, Host: "web-2", Name: "cpu", Shape: "sine", Base: 200, Amplitude: 20, Period: 86400, ShiftAt: shiftAt, Shift: 200},
			},
		},
	}}
	store, err := db.Open(context.Background(), db.Config{Driver: db.DriverSQLite, DSN: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	svc, err := pipeline.NewService(cfg, store, nil, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })
	return svc
}

func newTestServer(t *testing.T, rate int) *Server {
	t.Helper()
	s := NewServer(config.ServerConfig{Listen: "127.0.0.1:0", RunRatePerMin: rate}, newService(t), nil)
	t.Cleanup(func() {
		if s.limiter != nil {
			s.limiter.Stop()
		}
	})
	return s
}

func doRequest(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader([]byte(body)))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)
	return rr
}

func runDemo(t *testing.T, s *Server) pipeline.Summary {
	t.Helper()
	rr := doRequest(t, s, http.MethodPost, "/api/v1/sources/demo/run", `{"end": 1700011800}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var sum pipeline.Summary
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &sum))
	return sum
}

func TestHealthz(t *testing.T) {
	s := newTestServer(t, 0)
	rr := doRequest(t, s, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, float64(1), body["sources"])
}

func TestListSources(t *testing.T) {
	s := newTestServer(t, 0)
	rr := doRequest(t, s, http.MethodGet, "/api/v1/sources", "")
	require.Equal(t, http.StatusOK, rr.Code)

	var sources []SourceInfo
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &sources))
	assert.Equal(t, []SourceInfo{{Name: "demo", Type: config.SourceSample}}, sources)
}

func TestUnknownSource(t *testing.T) {
	s := newTestServer(t, 0)
	assert.Equal(t, http.StatusNotFound, doRequest(t, s, http.MethodGet, "/api/v1/sources/nope/anomalies", "").Code)
	assert.Equal(t, http.StatusNotFound, doRequest(t, s, http.MethodPost, "/api/v1/sources/nope/run", "").Code)
}

func TestMethodNotAllowed(t *testing.T) {
	s := newTestServer(t, 0)
	assert.Equal(t, http.StatusMethodNotAllowed, doRequest(t, s, http.MethodGet, "/api/v1/sources/demo/run", "").Code)
}

func TestRunThenQueryAnomalies(t *testing.T) {
	s := newTestServer(t, 0)

	rr := doRequest(t, s, http.MethodGet, "/api/v1/sources/demo/anomalies", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var empty struct {
		Anomalies []models.Anomaly `json:"anomalies"`
		Total     int              `json:"total"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &empty))
	assert.Equal(t, 0, empty.Total)
	assert.Contains(t, rr.Body.String(), `"anomalies":[]`)

	sum := runDemo(t, s)
	assert.Equal(t, "demo", sum.Source)
	assert.Equal(t, []int64{1, 4}, sum.Confirmed)

	rr = doRequest(t, s, http.MethodGet, "/api/v1/sources/demo/anomalies", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var got struct {
		Source    string           `json:"source"`
		Anomalies []models.Anomaly `json:"anomalies"`
		Total     int              `json:"total"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &got))
	assert.Equal(t, "demo", got.Source)
	assert.Equal(t, 2, got.Total)
	assert.Equal(t, int64(1), got.Anomalies[0].ItemID)
	assert.Equal(t, int64(4), got.Anomalies[1].ItemID)

	rr = doRequest(t, s, http.MethodGet, "/api/v1/sources/demo/anomalies?cluster=1&limit=1", "")
	require.Equal(t, http.StatusOK, rr.Code)
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &got))
	assert.Equal(t, 1, got.Total)

	rr = doRequest(t, s, http.MethodGet, "/api/v1/sources/demo/anomalies?since=1800000000", "")
	require.Equal(t, http.StatusOK, rr.Code)
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &got))
	assert.Equal(t, 0, got.Total)
}

func TestAnomaliesReportView(t *testing.T) {
	s := newTestServer(t, 0)
	runDemo(t, s)

	rr := doRequest(t, s, http.MethodGet, "/api/v1/sources/demo/anomalies?view=report", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var rep report.Report
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &rep))
	assert.Equal(t, 2, rep.Total)
	require.Len(t, rep.Clusters, 1)
	assert.Equal(t, 2, rep.Clusters[0].Size)
	require.Len(t, rep.Clusters[0].Hosts, 2)
	assert.Equal(t, "web-1", rep.Clusters[0].Hosts[0].HostName)
	assert.Empty(t, rep.Noise)
}

func TestAnomaliesBadParams(t *testing.T) {
	s := newTestServer(t, 0)
	for _, path := range []string{
		"/api/v1/sources/demo/anomalies?since=yesterday",
		"/api/v1/sources/demo/anomalies?cluster=x",
		"/api/v1/sources/demo/anomalies?limit=-1",
		"/api/v1/sources/demo/anomalies?offset=z",
		"/api/v1/sources/demo/anomalies?view=chart",
	} {
		t.Run(path, func(t *testing.T) {
			assert.Equal(t, http.StatusBadRequest, doRequest(t, s, http.MethodGet, path, "").Code)
		})
	}
}

func TestRunBadBody(t *testing.T) {
	s := newTestServer(t, 0)
	rr := doRequest(t, s, http.MethodPost, "/api/v1/sources/demo/run", `{"end": "soon"}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, rr.Body.String(), "invalid request body")
}

func TestMetricsAfterRun(t *testing.T) {
	s := newTestServer(t, 0)
	runDemo(t, s)

	rr := doRequest(t, s, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "kubilitics_anomaly_runs_total")
	assert.Contains(t, rr.Body.String(), `kubilitics_anomaly_stage_items{source="demo",stage="discovered"} 4`)
}

func TestRunIsRateLimited(t *testing.T) {
	s := newTestServer(t, 1)
	assert.Equal(t, http.StatusNotFound, doRequest(t, s, http.MethodPost, "/api/v1/sources/nope/run", "").Code)

	rr := doRequest(t, s, http.MethodPost, "/api/v1/sources/nope/run", "")
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.Equal(t, "60", rr.Header().Get("Retry-After"))

	// reads are not limited
	assert.Equal(t, http.StatusOK, doRequest(t, s, http.MethodGet, "/api/v1/sources", "").Code)
}

func TestRateLimiterRefill(t *testing.T) {
	rl := NewRateLimiter(2)
	defer rl.Stop()
	now := time.Unix(1700000000, 0)
	rl.now = func() time.Time { return now }

	assert.True(t, rl.allow("a"))
	assert.True(t, rl.allow("a"))
	assert.False(t, rl.allow("a"))
	assert.True(t, rl.allow("b"), "clients have separate buckets")

	now = now.Add(30 * time.Second)
	assert.True(t, rl.allow("a"))
	assert.False(t, rl.allow("a"))

	now = now.Add(5 * time.Minute)
	assert.True(t, rl.allow("a"))
	assert.True(t, rl.allow("a"))
	assert.False(t, rl.allow("a"), "refill is capped at the per-minute rate")
}

func TestStartStop(t *testing.T) {
	s := newTestServer(t, 0)
	require.NoError(t, s.Start())
	assert.Error(t, s.Start())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
	assert.Error(t, s.Stop(ctx))
}

func TestSetServiceSwapsSources(t *testing.T) {
	s := newTestServer(t, 0)
	empty, err := pipeline.NewService(config.DefaultConfig(), nil, nil, nil, nil)
	require.NoError(t, err)
	s.SetService(empty)

	rr := doRequest(t, s, http.MethodGet, "/api/v1/sources", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `[]`, rr.Body.String())
	assert.Equal(t, http.StatusNotFound, doRequest(t, s, http.MethodGet, "/api/v1/sources/demo/anomalies", "").Code)
}
