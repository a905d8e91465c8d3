package detector

import (
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/kubilitics/kubilitics-anomaly/internal/models"
	"github.com/kubilitics/kubilitics-anomaly/internal/trendstats"
)

// Direction selects which side of a trend bucket a test looks at.
type Direction int

const (
	Up Direction = iota
	Down
)

func (d Direction) String() string {
	if d == Up {
		return "up"
	}
	return "down"
}

// peak returns the bucket max for Up and the bucket min for Down.
func (d Direction) peak(t models.TrendSample) float64 {
	if d == Up {
		return t.ValueMax
	}
	return t.ValueMin
}

// beyond reports whether v lies past threshold in direction d.
func (d Direction) beyond(v, threshold float64) bool {
	if d == Up {
		return v > threshold
	}
	return v < threshold
}

func (d Direction) sign() float64 {
	if d == Up {
		return 1
	}
	return -1
}

// TrendBaseline derives per-item stats from the avg of the trend rows, the
// way stage 1 does from stored aggregates. Used by stage 2 to re-test the
// level shift against the current trend window.
func TrendBaseline(trends map[int64][]models.TrendSample) map[int64]trendstats.Stats {
	out := make(map[int64]trendstats.Stats, len(trends))
	for id, rows := range trends {
		values := make([]float64, len(rows))
		for i, r := range rows {
			values[i] = r.ValueAvg
		}
		a := trendstats.AggregateValues(values)
		mean, std := a.MeanStd()
		out[id] = trendstats.Stats{ItemID: id, Mean: mean, Std: std, Count: a.Count}
	}
	return out
}

// DiffShift is the per-direction test of stage 2. It takes the sequence of
// bucket-to-bucket changes of the trend peaks (max for Up, min for Down),
// drops the zero changes, and compares the largest move of history away
// from its first value against mean + lambda*std of those changes (mean -
// lambda*std for Down). The move must also differ from the mean change by
// more than ignoreDiffRate relative to it.
//
// history and trends must be sorted by clock.
func DiffShift(history []models.Sample, trends []models.TrendSample, dir Direction, lambda, ignoreDiffRate float64) bool {
	if len(history) == 0 || len(trends) < 2 {
		return false
	}

	var diffs []float64
	for i := 1; i < len(trends); i++ {
		if d := dir.peak(trends[i]) - dir.peak(trends[i-1]); d != 0 {
			diffs = append(diffs, d)
		}
	}
	if len(diffs) < 2 {
		return false
	}
	mean, std := stat.MeanStdDev(diffs, nil)
	if !usableStd(std) || mean == 0 {
		return false
	}

	first := history[0].Value
	move := 0.0
	for _, s := range history {
		d := s.Value - first
		if dir.sign()*d > dir.sign()*move {
			move = d
		}
	}

	if !dir.beyond(move, mean+dir.sign()*lambda*std) {
		return false
	}
	return math.Abs(move-mean)/math.Abs(mean) > ignoreDiffRate
}
