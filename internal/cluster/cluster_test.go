package cluster

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/kubilitics/kubilitics-anomaly/internal/config"
	"github.com/kubilitics/kubilitics-anomaly/internal/trendstats"
)

// spikes returns a 24 point series that is zero except for the given values.
func spikes(at map[int]float64) []float64 {
	out := make([]float64, 24)
	for i, v := range at {
		out[i] = v
	}
	return out
}

func flat(v float64) []float64 {
	out := make([]float64, 24)
	for i := range out {
		out[i] = v
	}
	return out
}

func testConfig() config.ClusteringConfig {
	return config.ClusteringConfig{
		JaccardEps:           0.1,
		MinSamples:           2,
		Sigma:                2,
		CorrEps:              0.4,
		DiffContributionRate: 0.5,
	}
}

// scenario: 1 and 2 spike at the same buckets with uncorrelated shapes, 3 and
// 4 are flat, 5 and 6 spike together elsewhere with identical shapes.
func scenario() Input {
	unit := trendstats.Stats{Mean: 0, Std: 1, Count: 100}
	return Input{
		Window: map[int64][]float64{
			1: spikes(map[int]float64{5: 10, 15: 10}),
			2: spikes(map[int]float64{5: 10, 15: -10}),
			3: flat(5),
			4: flat(7),
			5: spikes(map[int]float64{8: 10, 20: 10}),
			6: spikes(map[int]float64{8: 20, 20: 20}),
		},
		Baseline: map[int64]trendstats.Stats{
			1: unit, 2: unit, 5: unit, 6: unit,
			3: {Mean: 5, Std: 0, Count: 100},
			4: {Mean: 7, Std: 0, Count: 100},
		},
	}
}

func TestJaccardDistance(t *testing.T) {
	assert.Equal(t, 1.0, JaccardDistance([]bool{false, false}, []bool{false, false}))
	assert.Equal(t, 0.0, JaccardDistance([]bool{true, false}, []bool{true, false}))
	assert.InDelta(t, 2.0/3.0, JaccardDistance([]bool{true, true, false}, []bool{true, false, true}), 1e-12)
	assert.Equal(t, 0.5, JaccardDistance([]bool{true}, []bool{true, true}))
}

func TestCorrelationDistance(t *testing.T) {
	a := []float64{1, 2, 3, 4}
	assert.InDelta(t, 0, CorrelationDistance(a, []float64{2, 4, 6, 8}), 1e-12)
	assert.InDelta(t, 0, CorrelationDistance(a, []float64{4, 3, 2, 1}), 1e-12, "anti-correlation is a shape match")
	assert.Equal(t, 1.0, CorrelationDistance(a, []float64{3, 3, 3, 3}))
	assert.True(t, math.IsNaN(CorrelationDistance([]float64{1}, []float64{2})))
}

func TestIndicators(t *testing.T) {
	series := map[int64][]float64{
		1: {0, 3, -3, 1},
		2: {5, 5, 5, 5},
		3: {0, 0, 0, 0, 0, 0, 0, 0, 0, 100},
	}
	baseline := map[int64]trendstats.Stats{
		1: {Mean: 0, Std: 1},
		2: {Mean: 1, Std: 0},
	}
	ind := Indicators(series, baseline, 2)
	assert.Equal(t, []bool{false, true, true, false}, ind[1])
	assert.Equal(t, []bool{false, false, false, false}, ind[2], "zero std flags nothing")
	assert.True(t, ind[3][9], "missing baseline falls back to the series itself")
	assert.False(t, ind[3][0])
}

func TestNormalize(t *testing.T) {
	m := mat.NewSymDense(3, []float64{
		0, 2, math.NaN(),
		2, 0, 4,
		math.NaN(), 4, 0,
	})
	Normalize(m)
	assert.Equal(t, 0.5, m.At(0, 1))
	assert.Equal(t, 1.0, m.At(1, 2))
	assert.Equal(t, 1.0, m.At(0, 2), "NaN takes the largest distance")

	small := mat.NewSymDense(2, []float64{0.3, 0.5, 0.5, 0.3})
	Normalize(small)
	assert.Equal(t, 0.5, small.At(0, 1), "ranges within 1 are kept")
	assert.Equal(t, 0.0, small.At(0, 0))

	allNaN := mat.NewSymDense(2, []float64{math.NaN(), math.NaN(), math.NaN(), math.NaN()})
	Normalize(allNaN)
	assert.Equal(t, 1.0, allNaN.At(0, 1))
	assert.Equal(t, 0.0, allNaN.At(1, 1))
}

func TestDistanceMatrixSymmetryAndBounds(t *testing.T) {
	series := make(map[int64][]float64)
	for id := int64(1); id <= 6; id++ {
		values := make([]float64, 30)
		for i := range values {
			values[i] = math.Sin(float64(i)*float64(id)/3) * float64(id)
		}
		series[id] = values
	}
	series[7] = flat(2)
	ids := []int64{1, 2, 3, 4, 5, 6, 7}

	for _, m := range []*mat.SymDense{
		CorrelationMatrix(ids, series, 0.5),
		CorrelationMatrix(ids, series, 0),
		CorrelationMatrix(ids, series, 1),
		JaccardMatrix(ids, Indicators(series, nil, 1)),
	} {
		Normalize(m)
		for i := range ids {
			assert.Equal(t, 0.0, m.At(i, i))
			for j := range ids {
				assert.Equal(t, m.At(i, j), m.At(j, i))
				assert.GreaterOrEqual(t, m.At(i, j), 0.0)
				assert.LessOrEqual(t, m.At(i, j), 1.0)
			}
		}
	}
}

func TestDBSCAN(t *testing.T) {
	// 0-1-2 chain within eps, 3 isolated, 4 borders on 2 only.
	d := mat.NewSymDense(5, []float64{
		0, .1, .9, .9, .9,
		.1, 0, .1, .9, .9,
		.9, .1, 0, .9, .2,
		.9, .9, .9, 0, .9,
		.9, .9, .2, .9, 0,
	})
	assert.Equal(t, []int{0, 0, 0, Noise, Noise}, DBSCAN(d, 0.15, 2))
	assert.Equal(t, []int{0, 0, 0, Noise, 0}, DBSCAN(d, 0.25, 2))
	assert.Equal(t, []int{0, 1, 2, 3, 4}, DBSCAN(d, 0.05, 1))
}

func TestClusterTwoPhase(t *testing.T) {
	res, err := New(testConfig(), nil).Cluster(context.Background(), scenario())
	require.NoError(t, err)

	// Items 1 and 2 are deliberately not split into noise here: by default
	// shape noise inherits its event group id and gets a centroid.
	// TestClusterSubNoiseAsNoise covers the split.
	assert.Equal(t, map[int64]int{
		1: 0, 2: 0, // same timing, shapes disagree: keep the event group id
		3: Noise, 4: Noise,
		5: 2, 6: 2,
	}, res.Clusters)

	require.Len(t, res.Centroids, 2)
	assert.Equal(t, spikes(map[int]float64{5: 10, 15: 0}), res.Centroids[0])
	assert.Equal(t, spikes(map[int]float64{8: 15, 20: 15}), res.Centroids[2])
}

func TestClusterSubNoiseAsNoise(t *testing.T) {
	cfg := testConfig()
	cfg.SubNoiseAsNoise = true
	res, err := New(cfg, nil).Cluster(context.Background(), scenario())
	require.NoError(t, err)

	assert.Equal(t, map[int64]int{1: Noise, 2: Noise, 3: Noise, 4: Noise, 5: 2, 6: 2}, res.Clusters)
	assert.Equal(t, map[int][]int64{2: {5, 6}}, res.Members())
	assert.NotContains(t, res.Centroids, 0)
}

func TestClusterUsesLongSeriesForShape(t *testing.T) {
	in := scenario()
	// Same timing, and over the long series 1 and 2 move together.
	long := append(flat(0), spikes(map[int]float64{5: 10, 15: 10})...)
	for i := 0; i < 24; i++ {
		long[i] = float64(i % 6)
	}
	in.Series = map[int64][]float64{1: long, 2: long}

	res, err := New(testConfig(), nil).Cluster(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, res.Clusters[1], res.Clusters[2])
	assert.Greater(t, res.Clusters[1], 1, "shape match gets a sub-cluster id")
	assert.Len(t, res.Centroids[res.Clusters[1]], 48)
}

func TestClusterDeterministic(t *testing.T) {
	engine := New(testConfig(), nil)
	first, err := engine.Cluster(context.Background(), scenario())
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := engine.Cluster(context.Background(), scenario())
		require.NoError(t, err)
		assert.ElementsMatch(t, values(first.Members()), values(again.Members()))
	}
}

func values(m map[int][]int64) [][]int64 {
	out := make([][]int64, 0, len(m))
	for _, v := range m {
		out = append(out, v)
	}
	return out
}

func TestClusterTooFewItems(t *testing.T) {
	engine := New(testConfig(), nil)
	for _, window := range []map[int64][]float64{
		nil,
		{1: flat(1)},
		{1: flat(1), 2: nil},
	} {
		res, err := engine.Cluster(context.Background(), Input{Window: window})
		require.NoError(t, err)
		assert.Empty(t, res.Clusters)
		assert.Empty(t, res.Centroids)
	}
}

func TestClusterCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New(testConfig(), nil).Cluster(ctx, scenario())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCentroidRaggedVectors(t *testing.T) {
	assert.Equal(t, []float64{2, 3, 5}, Centroid([][]float64{{1, 2}, {3, 4, 5}}))
}
