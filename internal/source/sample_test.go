package source

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubilitics/kubilitics-anomaly/internal/config"
	"github.com/kubilitics/kubilitics-anomaly/internal/models"
)

func testSampleConfig(seed int64) config.DataSource {
	return config.DataSource{
		Name: "demo",
		Type: config.SourceSample,
		Sample: &config.SampleConfig{
			Seed:          seed,
			TrendInterval: 3600,
			HistoryStep:   60,
			Items: []config.SampleItemConfig{
				{ItemID: 1, Host: "web-1", Name: "cpu", Group: "Linux", Shape: ShapeStep, Base: 100, ShiftAt: 6000, Shift: 30},
				{ItemID: 2, Host: "web-1", Name: "mem", Group: "Linux", Shape: ShapeSine, Base: 50, Amplitude: 10, Period: 3600, Noise: 1},
				{ItemID: 3, Host: "db-1", Name: "disk", Group: "DB", Shape: ShapeSpike, Base: 10, ShiftAt: 600, Period: 120, Shift: 90},
			},
		},
	}
}

func newTestSample(t *testing.T, seed int64) MetricSource {
	t.Helper()
	src, err := NewSample(testSampleConfig(seed), nil)
	require.NoError(t, err)
	return src
}

func valueAt(samples []models.Sample, clock int64) float64 {
	for _, s := range samples {
		if s.Clock == clock {
			return s.Value
		}
	}
	return -1
}

func TestSampleStepAndSpike(t *testing.T) {
	src := newTestSample(t, 1)
	ctx := context.Background()

	step, err := src.HistoryData(ctx, 0, 12000, []int64{1})
	require.NoError(t, err)
	assert.Len(t, step, 201)
	assert.Equal(t, 100.0, valueAt(step, 0))
	assert.Equal(t, 100.0, valueAt(step, 5940))
	assert.Equal(t, 130.0, valueAt(step, 6000))
	assert.Equal(t, 130.0, valueAt(step, 12000))

	spike, err := src.HistoryData(ctx, 540, 780, []int64{3})
	require.NoError(t, err)
	assert.Equal(t, 10.0, valueAt(spike, 540))
	assert.Equal(t, 100.0, valueAt(spike, 600))
	assert.Equal(t, 100.0, valueAt(spike, 660))
	assert.Equal(t, 10.0, valueAt(spike, 720))
}

func TestSampleHistoryAlignsToStep(t *testing.T) {
	src := newTestSample(t, 1)

	rows, err := src.HistoryData(context.Background(), 30, 150, []int64{1})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, int64(60), rows[0].Clock)
	assert.Equal(t, int64(120), rows[1].Clock)
}

func TestSampleTrendsAggregateHistory(t *testing.T) {
	src := newTestSample(t, 1)

	trends, err := src.TrendsFullData(context.Background(), 0, 10800, []int64{1})
	require.NoError(t, err)
	assert.Equal(t, []models.TrendSample{
		{ItemID: 1, Clock: 0, ValueMin: 100, ValueAvg: 100, ValueMax: 100},
		{ItemID: 1, Clock: 3600, ValueMin: 100, ValueAvg: 110, ValueMax: 130},
		{ItemID: 1, Clock: 7200, ValueMin: 130, ValueAvg: 130, ValueMax: 130},
	}, trends)

	open, err := src.TrendsFullData(context.Background(), 0, 10799, []int64{1})
	require.NoError(t, err)
	assert.Len(t, open, 2)

	avg, err := src.TrendsData(context.Background(), 1, 10800, []int64{1})
	require.NoError(t, err)
	require.Len(t, avg, 2)
	assert.Equal(t, int64(3600), avg[0].Clock)
	assert.Equal(t, 110.0, avg[0].Value)
}

func TestSampleIsDeterministic(t *testing.T) {
	ctx := context.Background()

	a, err := newTestSample(t, 42).HistoryData(ctx, 0, 3600, []int64{2})
	require.NoError(t, err)
	b, err := newTestSample(t, 42).HistoryData(ctx, 0, 3600, []int64{2})
	require.NoError(t, err)
	assert.Equal(t, a, b)

	c, err := newTestSample(t, 7).HistoryData(ctx, 0, 3600, []int64{2})
	require.NoError(t, err)
	assert.NotEqual(t, a, c)

	for _, s := range a {
		assert.InDelta(t, 50, s.Value, 11)
	}
}

func TestSampleMetadata(t *testing.T) {
	src := newTestSample(t, 1)
	ctx := context.Background()

	ids, err := src.ItemIDs(ctx, models.ItemFilter{GroupNames: []string{"Linux"}})
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2}, ids)

	hosts, err := src.ItemHostMap(ctx, []int64{1, 2, 3})
	require.NoError(t, err)
	assert.Equal(t, map[int64]int64{1: 1, 2: 1, 3: 2}, hosts)

	groups, err := src.ClassifyByGroups(ctx, []int64{1, 2, 3}, []string{"Linux", "DB"})
	require.NoError(t, err)
	assert.Equal(t, map[string][]int64{"Linux": {1, 2}, "DB": {3}}, groups)

	ids, err = src.CheckItemCondition(ctx, []int64{1, 2, 3}, "d*")
	require.NoError(t, err)
	assert.Equal(t, []int64{3}, ids)
}

func TestSampleDefinitionsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "defs.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`items:
  - itemid: 9
    host: cache-1
    name: hits
    group: Cache
    shape: walk
    base: 5
    amplitude: 2
    period: 600
`), 0o644))

	cfg := testSampleConfig(3)
	cfg.Sample.Definitions = path
	src, err := NewSample(cfg, nil)
	require.NoError(t, err)
	ctx := context.Background()

	ids, err := src.ItemIDs(ctx, models.ItemFilter{})
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3, 9}, ids)

	walk, err := src.HistoryData(ctx, 0, 6000, []int64{9})
	require.NoError(t, err)
	require.NotEmpty(t, walk)
	for _, s := range walk {
		assert.InDelta(t, 5, s.Value, 2)
	}
}

func TestSampleInvalidDefinitions(t *testing.T) {
	tests := []struct {
		name  string
		items []config.SampleItemConfig
	}{
		{name: "unknown shape", items: []config.SampleItemConfig{{ItemID: 1, Shape: "zigzag"}}},
		{name: "missing itemid", items: []config.SampleItemConfig{{Name: "x"}}},
		{name: "duplicate itemid", items: []config.SampleItemConfig{{ItemID: 1}, {ItemID: 1}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src, err := NewSample(config.DataSource{Name: "bad", Sample: &config.SampleConfig{Items: tt.items}}, nil)
			require.NoError(t, err)
			assert.Error(t, src.Ping(context.Background()))
		})
	}
}
