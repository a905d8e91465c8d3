// Package trendstats maintains per-item running (sum, sum of squares, count)
// aggregates over the long-term trend window.
//
// The window slides forward by adding the buckets that arrived since the last
// refresh and subtracting the buckets that fell out of it, so a refresh never
// rescans the whole trend retention for items it already knows.
package trendstats

import (
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/kubilitics/kubilitics-anomaly/internal/db"
	"github.com/kubilitics/kubilitics-anomaly/internal/models"
)

// Aggregate is the additive summary of a set of values.
type Aggregate struct {
	Sum    float64
	SqrSum float64
	Count  int64
}

// AggregateValues summarises values.
func AggregateValues(values []float64) Aggregate {
	if len(values) == 0 {
		return Aggregate{}
	}
	return Aggregate{
		Sum:    floats.Sum(values),
		SqrSum: floats.Dot(values, values),
		Count:  int64(len(values)),
	}
}

// AggregateByItem summarises samples per item.
func AggregateByItem(samples []models.Sample) map[int64]Aggregate {
	out := make(map[int64]Aggregate)
	for _, s := range samples {
		a := out[s.ItemID]
		a.Sum += s.Value
		a.SqrSum += s.Value * s.Value
		a.Count++
		out[s.ItemID] = a
	}
	return out
}

// Add returns a + b.
func (a Aggregate) Add(b Aggregate) Aggregate {
	return Aggregate{Sum: a.Sum + b.Sum, SqrSum: a.SqrSum + b.SqrSum, Count: a.Count + b.Count}
}

// Subtract returns a - b. A result with no remaining values is the zero
// aggregate.
func (a Aggregate) Subtract(b Aggregate) Aggregate {
	out := Aggregate{Sum: a.Sum - b.Sum, SqrSum: a.SqrSum - b.SqrSum, Count: a.Count - b.Count}
	if out.Count <= 0 {
		return Aggregate{}
	}
	return out
}

// MeanStd derives the population mean and standard deviation. Results that
// are not finite are reported as 0.
func (a Aggregate) MeanStd() (mean, std float64) {
	if a.Count <= 0 {
		return 0, 0
	}
	n := float64(a.Count)
	mean = a.Sum / n
	// abs guards against tiny negative variances from cancellation.
	std = math.Sqrt(math.Abs(a.SqrSum/n - mean*mean))
	return finite(mean), finite(std)
}

func finite(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}

// Stats is the derived view of an item's aggregate used by detection.
type Stats struct {
	ItemID int64
	Mean   float64
	Std    float64
	Count  int64
}

// Record converts an aggregate into its persisted form.
func Record(itemID int64, a Aggregate) db.TrendStatsRecord {
	mean, std := a.MeanStd()
	return db.TrendStatsRecord{
		ItemID: itemID,
		Sum:    a.Sum,
		SqrSum: a.SqrSum,
		Count:  a.Count,
		Mean:   mean,
		Std:    std,
	}
}

func fromRecord(r db.TrendStatsRecord) Aggregate {
	return Aggregate{Sum: r.Sum, SqrSum: r.SqrSum, Count: r.Count}
}
