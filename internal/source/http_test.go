package source

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubilitics/kubilitics-anomaly/internal/config"
	"github.com/kubilitics/kubilitics-anomaly/internal/models"
)

func newTestHTTPServer(t *testing.T, historyHits *int32) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/web-1/history.csv", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(historyHits, 1)
		_, _ = w.Write([]byte("itemid,clock,value\n1,0,1\n1,1800,3\n1,3600,10\n"))
	})
	mux.HandleFunc("/web-1/items.csv", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("itemid,item_name\n1,cpu\n"))
	})
	mux.HandleFunc("/db-1/history.csv", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(historyHits, 1)
		_, _ = w.Write([]byte("itemid,clock,value\n2,60,5\n"))
	})
	mux.HandleFunc("/broken/history.csv", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestHTTPSource(t *testing.T, baseURL string, groups []config.HostGroup) MetricSource {
	t.Helper()
	src, err := NewHTTP(config.DataSource{
		Name: "logs",
		HTTP: &config.HTTPConfig{
			BaseURL:        baseURL,
			TimeoutSec:     5,
			TrendsInterval: 3600,
			CacheTTLSec:    60,
			Groups:         groups,
		},
	}, nil)
	require.NoError(t, err)
	return src
}

var testHostGroups = []config.HostGroup{
	{Name: "web", Hosts: []string{"web-1"}},
	{Name: "backend", Hosts: []string{"web-1", "db-1"}},
}

func TestHTTPSeries(t *testing.T) {
	var hits int32
	srv := newTestHTTPServer(t, &hits)
	src := newTestHTTPSource(t, srv.URL, testHostGroups)
	ctx := context.Background()

	history, err := src.HistoryData(ctx, 0, 1800, nil)
	require.NoError(t, err)
	assert.Equal(t, []models.Sample{
		{ItemID: 1, Clock: 0, Value: 1},
		{ItemID: 1, Clock: 1800, Value: 3},
		{ItemID: 2, Clock: 60, Value: 5},
	}, history)

	trends, err := src.TrendsFullData(ctx, 0, 7200, nil)
	require.NoError(t, err)
	assert.Equal(t, []models.TrendSample{
		{ItemID: 1, Clock: 0, ValueMin: 1, ValueAvg: 2, ValueMax: 3},
		{ItemID: 1, Clock: 3600, ValueMin: 10, ValueAvg: 10, ValueMax: 10},
		{ItemID: 2, Clock: 0, ValueMin: 5, ValueAvg: 5, ValueMax: 5},
	}, trends)

	// one download per host, served from cache afterwards
	assert.Equal(t, int32(2), atomic.LoadInt32(&hits))

	src.(*HTTP).Invalidate()
	_, err = src.TrendsData(ctx, 0, 7200, []int64{2})
	require.NoError(t, err)
	assert.Equal(t, int32(4), atomic.LoadInt32(&hits))
}

func TestHTTPMetadata(t *testing.T) {
	var hits int32
	srv := newTestHTTPServer(t, &hits)
	src := newTestHTTPSource(t, srv.URL, testHostGroups)
	ctx := context.Background()

	groups, err := src.ClassifyByGroups(ctx, []int64{1, 2}, []string{"web", "backend"})
	require.NoError(t, err)
	assert.Equal(t, map[string][]int64{"web": {1}, "backend": {1, 2}}, groups)

	details, err := src.ItemDetails(ctx, []int64{1, 2})
	require.NoError(t, err)
	assert.Equal(t, models.ItemDetail{ItemID: 1, HostID: 1, HostName: "web-1", ItemName: "cpu"}, details[1])
	assert.Equal(t, models.ItemDetail{ItemID: 2, HostID: 2, HostName: "db-1"}, details[2])

	ids, err := src.ItemIDs(ctx, models.ItemFilter{HostNames: []string{"db-*"}})
	require.NoError(t, err)
	assert.Equal(t, []int64{2}, ids)

	require.NoError(t, src.Ping(ctx))
}

func TestHTTPServerError(t *testing.T) {
	var hits int32
	srv := newTestHTTPServer(t, &hits)
	src := newTestHTTPSource(t, srv.URL, []config.HostGroup{{Name: "bad", Hosts: []string{"broken"}}})

	_, err := src.HistoryData(context.Background(), 0, 100, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected status 500")
}

func TestHTTPRequiresBaseURL(t *testing.T) {
	_, err := NewHTTP(config.DataSource{Name: "logs", HTTP: &config.HTTPConfig{}}, nil)
	assert.Error(t, err)
}
