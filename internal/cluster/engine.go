// Package cluster groups confirmed anomalies into clusters of items that
// misbehave together.
//
// Clustering runs in two phases. The first runs DBSCAN over the Jaccard
// distance of per-point anomaly indicators, grouping items whose anomalies
// happen at the same time. The second re-clusters every non-noise group on
// the correlation distance of the series, splitting it by shape.
package cluster

import (
	"context"
	"sort"

	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-anomaly/internal/config"
	"github.com/kubilitics/kubilitics-anomaly/internal/trendstats"
)

// Input is the data of one clustering pass.
type Input struct {
	// Window holds each candidate's history over the classification period.
	// Items without values are left out.
	Window map[int64][]float64
	// Series is the longer trend plus history series compared by shape and
	// averaged into centroids. Items missing here use their Window.
	Series map[int64][]float64
	// Baseline is the trend statistics the indicators are computed against.
	Baseline map[int64]trendstats.Stats
}

// Result maps every clustered item to its cluster id; Noise marks items
// grouped with nobody.
type Result struct {
	Clusters  map[int64]int
	Centroids map[int][]float64
}

// Members returns the sorted items of every non-noise cluster.
func (r Result) Members() map[int][]int64 {
	out := make(map[int][]int64)
	for id, c := range r.Clusters {
		if c == Noise {
			continue
		}
		out[c] = append(out[c], id)
	}
	for _, ids := range out {
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	}
	return out
}

// Engine runs the two-phase clustering.
type Engine struct {
	cfg    config.ClusteringConfig
	logger *zap.Logger
}

// New creates an Engine. A nil logger discards output.
func New(cfg config.ClusteringConfig, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{cfg: cfg, logger: logger.Named("cluster")}
}

// Cluster partitions the items of in. Fewer than two items yield an empty
// result.
func (e *Engine) Cluster(ctx context.Context, in Input) (Result, error) {
	res := Result{Clusters: map[int64]int{}, Centroids: map[int][]float64{}}

	ids := make([]int64, 0, len(in.Window))
	for id, values := range in.Window {
		if len(values) > 0 {
			ids = append(ids, id)
		}
	}
	if len(ids) < 2 {
		return res, nil
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	indicators := Indicators(in.Window, in.Baseline, e.cfg.Sigma)
	events := JaccardMatrix(ids, indicators)
	Normalize(events)
	labels := DBSCAN(events, e.cfg.JaccardEps, e.cfg.MinSamples)

	groups := make(map[int][]int64)
	maxID := Noise
	for i, id := range ids {
		res.Clusters[id] = labels[i]
		groups[labels[i]] = append(groups[labels[i]], id)
		maxID = max(maxID, labels[i])
	}

	series := make(map[int64][]float64, len(ids))
	for _, id := range ids {
		if s, ok := in.Series[id]; ok && len(s) > 0 {
			series[id] = s
		} else {
			series[id] = in.Window[id]
		}
	}

	order := make([]int, 0, len(groups))
	for label := range groups {
		order = append(order, label)
	}
	sort.Ints(order)

	for _, label := range order {
		group := groups[label]
		if label == Noise || len(group) < 2 {
			continue
		}
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}

		shapes := CorrelationMatrix(group, series, e.cfg.DiffContributionRate)
		Normalize(shapes)
		sub := DBSCAN(shapes, e.cfg.CorrEps, e.cfg.MinSamples)
		for i, id := range group {
			switch {
			case sub[i] != Noise:
				res.Clusters[id] = maxID + sub[i] + 1
			case e.cfg.SubNoiseAsNoise:
				res.Clusters[id] = Noise
			default:
				res.Clusters[id] = label
			}
		}
		for _, c := range res.Clusters {
			maxID = max(maxID, c)
		}
		e.logger.Debug("re-clustered event group",
			zap.Int("group", label),
			zap.Int("items", len(group)),
		)
	}

	for c, members := range res.Members() {
		vectors := make([][]float64, 0, len(members))
		for _, id := range members {
			vectors = append(vectors, series[id])
		}
		res.Centroids[c] = Centroid(vectors)
	}

	e.logger.Debug("clustered anomalies",
		zap.Int("items", len(ids)),
		zap.Int("clusters", len(res.Centroids)),
	)
	return res, nil
}

// Centroid is the elementwise mean of vectors. Positions beyond the end of
// a shorter vector average the vectors that reach them.
func Centroid(vectors [][]float64) []float64 {
	n := 0
	for _, v := range vectors {
		n = max(n, len(v))
	}
	sum := make([]float64, n)
	count := make([]int, n)
	for _, v := range vectors {
		for i, x := range v {
			sum[i] += x
			count[i]++
		}
	}
	for i := range sum {
		sum[i] /= float64(count[i])
	}
	return sum
}
