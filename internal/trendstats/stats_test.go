package trendstats

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAggregateIncrementalEquivalence(t *testing.T) {
	a := []float64{1.5, 2, 8, -3, 4.25}
	b := []float64{10, 11, 9.5}
	all := append(append([]float64{}, a...), b...)

	aggA, aggB, aggAll := AggregateValues(a), AggregateValues(b), AggregateValues(all)

	sum := aggA.Add(aggB)
	assert.InDelta(t, aggAll.Sum, sum.Sum, 1e-9)
	assert.InDelta(t, aggAll.SqrSum, sum.SqrSum, 1e-9)
	assert.Equal(t, aggAll.Count, sum.Count)

	back := aggAll.Subtract(aggB)
	assert.InDelta(t, aggA.Sum, back.Sum, 1e-9)
	assert.InDelta(t, aggA.SqrSum, back.SqrSum, 1e-9)
	assert.Equal(t, aggA.Count, back.Count)

	meanA, stdA := aggA.MeanStd()
	meanBack, stdBack := back.MeanStd()
	assert.InDelta(t, meanA, meanBack, 1e-9)
	assert.InDelta(t, stdA, stdBack, 1e-9)
}

func TestAggregateMeanStd(t *testing.T) {
	tests := []struct {
		name     string
		agg      Aggregate
		wantMean float64
		wantStd  float64
	}{
		{name: "population std", agg: AggregateValues([]float64{2, 4, 4, 4, 5, 5, 7, 9}), wantMean: 5, wantStd: 2},
		{name: "constant series", agg: AggregateValues([]float64{3, 3, 3}), wantMean: 3, wantStd: 0},
		{name: "empty", agg: Aggregate{}, wantMean: 0, wantStd: 0},
		{name: "negative count", agg: Aggregate{Sum: 4, SqrSum: 8, Count: -1}, wantMean: 0, wantStd: 0},
		{name: "infinite sum", agg: Aggregate{Sum: math.Inf(1), SqrSum: 1, Count: 2}, wantMean: 0, wantStd: 0},
		{name: "cancellation below zero", agg: Aggregate{Sum: 30, SqrSum: 299.9999999, Count: 3}, wantMean: 10},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mean, std := tt.agg.MeanStd()
			assert.InDelta(t, tt.wantMean, mean, 1e-9)
			assert.InDelta(t, tt.wantStd, std, 1e-3)
			assert.False(t, math.IsNaN(std))
		})
	}
}

func TestSubtractToEmpty(t *testing.T) {
	a := AggregateValues([]float64{1, 2})
	assert.Equal(t, Aggregate{}, a.Subtract(a))
	assert.Equal(t, Aggregate{}, a.Subtract(AggregateValues([]float64{1, 2, 3})))
}
