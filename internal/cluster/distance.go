package cluster

import (
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/kubilitics/kubilitics-anomaly/internal/trendstats"
)

// Indicators binarizes each series into points lying more than sigma
// baseline standard deviations away from the baseline mean. Items without a
// baseline fall back to the statistics of their own series; a zero std
// yields an all-zero indicator.
func Indicators(series map[int64][]float64, baseline map[int64]trendstats.Stats, sigma float64) map[int64][]bool {
	out := make(map[int64][]bool, len(series))
	for id, values := range series {
		mean, std := 0.0, 0.0
		if s, ok := baseline[id]; ok {
			mean, std = s.Mean, s.Std
		} else if len(values) > 0 {
			mean, std = stat.PopMeanStdDev(values, nil)
		}
		ind := make([]bool, len(values))
		if std > 0 && !math.IsNaN(std) {
			for i, v := range values {
				ind[i] = math.Abs((v-mean)/std) > sigma
			}
		}
		out[id] = ind
	}
	return out
}

// JaccardDistance is 1 - |a∩b|/|a∪b| over the common prefix of a and b, or
// 1 when neither has a set point.
func JaccardDistance(a, b []bool) float64 {
	n := min(len(a), len(b))
	var inter, union int
	for i := 0; i < n; i++ {
		if a[i] && b[i] {
			inter++
		}
		if a[i] || b[i] {
			union++
		}
	}
	for _, rest := range [][]bool{a[n:], b[n:]} {
		for _, v := range rest {
			if v {
				union++
			}
		}
	}
	if union == 0 {
		return 1
	}
	return 1 - float64(inter)/float64(union)
}

// CorrelationDistance is 1 - |pearson(a, b)| over the common prefix. It is 1
// when either series is flat and NaN when fewer than two points overlap.
func CorrelationDistance(a, b []float64) float64 {
	n := min(len(a), len(b))
	if n < 2 {
		return math.NaN()
	}
	a, b = a[:n], b[:n]
	if stat.StdDev(a, nil) == 0 || stat.StdDev(b, nil) == 0 {
		return 1
	}
	return math.Max(0, 1-math.Abs(stat.Correlation(a, b, nil)))
}

// Diff returns the first differences of values.
func Diff(values []float64) []float64 {
	if len(values) < 2 {
		return nil
	}
	out := make([]float64, len(values)-1)
	for i := 1; i < len(values); i++ {
		out[i-1] = values[i] - values[i-1]
	}
	return out
}

// JaccardMatrix returns the pairwise event distance of ids, in ids order.
func JaccardMatrix(ids []int64, indicators map[int64][]bool) *mat.SymDense {
	m := mat.NewSymDense(len(ids), nil)
	for i := range ids {
		for j := i + 1; j < len(ids); j++ {
			m.SetSym(i, j, JaccardDistance(indicators[ids[i]], indicators[ids[j]]))
		}
	}
	return m
}

// CorrelationMatrix returns the pairwise shape distance of ids. diffRate
// weighs the distance of the differenced series against the raw one; 0
// compares raw series only and 1 differenced series only.
func CorrelationMatrix(ids []int64, series map[int64][]float64, diffRate float64) *mat.SymDense {
	var diffs map[int64][]float64
	if diffRate > 0 {
		diffs = make(map[int64][]float64, len(ids))
		for _, id := range ids {
			diffs[id] = Diff(series[id])
		}
	}

	m := mat.NewSymDense(len(ids), nil)
	for i := range ids {
		for j := i + 1; j < len(ids); j++ {
			var shape, shapeDiff float64
			if diffRate < 1 {
				shape = CorrelationDistance(series[ids[i]], series[ids[j]])
			}
			if diffRate > 0 {
				shapeDiff = CorrelationDistance(diffs[ids[i]], diffs[ids[j]])
			}
			m.SetSym(i, j, shapeDiff*diffRate+shape*(1-diffRate))
		}
	}
	return m
}

// Normalize min-max scales m in place when its range exceeds 1, replaces NaN
// cells with the largest observed distance (1 when there is none) and zeroes
// the diagonal.
func Normalize(m *mat.SymDense) {
	n := m.SymmetricDim()
	lo, hi := math.Inf(1), math.Inf(-1)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			v := m.At(i, j)
			if math.IsNaN(v) {
				continue
			}
			lo = math.Min(lo, v)
			hi = math.Max(hi, v)
		}
	}

	fill := 1.0
	if !math.IsInf(hi, -1) {
		if hi-lo > 1 {
			for i := 0; i < n; i++ {
				for j := i; j < n; j++ {
					m.SetSym(i, j, (m.At(i, j)-lo)/(hi-lo))
				}
			}
			hi = 1
		}
		fill = hi
	}

	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			if math.IsNaN(m.At(i, j)) {
				m.SetSym(i, j, fill)
			}
		}
		m.SetSym(i, i, 0)
	}
}
