package detector

import (
	"math"
	"sort"

	"github.com/kubilitics/kubilitics-anomaly/internal/models"
	"github.com/kubilitics/kubilitics-anomaly/internal/trendstats"
)

// LevelScore describes how far an item's recent mean sits from its baseline.
type LevelScore struct {
	ItemID    int64
	Mean      float64
	TrendMean float64
	Std       float64
	Diff      float64 // |Mean - TrendMean|
	RelDiff   float64 // Diff / |TrendMean|
}

// HistoryMeans returns the mean value per item.
func HistoryMeans(samples []models.Sample) map[int64]float64 {
	sums := make(map[int64]float64)
	counts := make(map[int64]int)
	for _, s := range samples {
		sums[s.ItemID] += s.Value
		counts[s.ItemID]++
	}
	out := make(map[int64]float64, len(sums))
	for id, sum := range sums {
		out[id] = sum / float64(counts[id])
	}
	return out
}

// LevelShift is stage 1. An item is flagged when its baseline has more than
// minCount buckets, a positive std and a non-zero mean, and
//
//	|mean - trendMean| > lambda * std  and  |mean - trendMean| / |trendMean| > ignoreDiffRate
//
// Items missing from either map are skipped. Scores are returned ascending
// by item id.
func LevelShift(means map[int64]float64, baseline map[int64]trendstats.Stats, lambda, ignoreDiffRate float64, minCount int64) []LevelScore {
	var out []LevelScore
	for id, mean := range means {
		st, ok := baseline[id]
		if !ok || st.Count <= minCount || !usableStd(st.Std) || st.Mean == 0 || math.IsNaN(mean) {
			continue
		}
		diff := math.Abs(mean - st.Mean)
		if diff <= lambda*st.Std {
			continue
		}
		rel := diff / math.Abs(st.Mean)
		if rel <= ignoreDiffRate {
			continue
		}
		out = append(out, LevelScore{
			ItemID:    id,
			Mean:      mean,
			TrendMean: st.Mean,
			Std:       st.Std,
			Diff:      diff,
			RelDiff:   rel,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ItemID < out[j].ItemID })
	return out
}

// ScoreIDs returns the item ids of scores as a set.
func ScoreIDs(scores []LevelScore) models.ItemSet {
	set := make(models.ItemSet, len(scores))
	for _, s := range scores {
		set.Add(s.ItemID)
	}
	return set
}

func usableStd(std float64) bool {
	return std > 0 && !math.IsNaN(std) && !math.IsInf(std, 0)
}
