package detector

import (
	"gonum.org/v1/gonum/stat"

	"github.com/kubilitics/kubilitics-anomaly/internal/models"
)

// DensityConfirmed is the per-direction test of stages 3 and 4.
//
// The trend peaks (max for Up, min for Down) give a baseline mean and std.
// At least validRate of the nBase base clocks must carry a history value
// beyond mean ± lambda*std, and the mean of history must lie beyond the
// local peak envelope of the trend peaks (see LocalPeak).
func DensityConfirmed(history []models.Sample, trends []models.TrendSample, nBase int, dir Direction, lambda, validRate float64, window int64) bool {
	if len(history) == 0 || len(trends) == 0 || nBase == 0 {
		return false
	}

	peaks := make([]float64, len(trends))
	for i, t := range trends {
		peaks[i] = dir.peak(t)
	}
	mean, std := stat.MeanStdDev(peaks, nil)
	if !usableStd(std) {
		return false
	}

	threshold := mean + dir.sign()*lambda*std
	values := make([]float64, len(history))
	count := 0
	for i, s := range history {
		values[i] = s.Value
		if dir.beyond(s.Value, threshold) {
			count++
		}
	}
	if float64(count)/float64(nBase) <= validRate {
		return false
	}

	envelope, ok := LocalPeak(trends, dir, window)
	if !ok {
		return true
	}
	return dir.beyond(stat.Mean(values, nil), envelope)
}

// LocalPeak walks back from the latest trend clock in half-window steps.
// At each step it averages the trend peaks with clock in (epoch-window,
// epoch] and keeps the running max (Up) or min (Down) of those averages.
// ok is false when no step saw any data.
func LocalPeak(trends []models.TrendSample, dir Direction, window int64) (peak float64, ok bool) {
	if len(trends) == 0 || window < 2 {
		return 0, false
	}
	half := window / 2
	first, last := trends[0].Clock, trends[len(trends)-1].Clock

	for epoch := last; epoch >= first; epoch -= half {
		sum, n := 0.0, 0
		for _, t := range trends {
			if t.Clock <= epoch && t.Clock > epoch-window {
				sum += dir.peak(t)
				n++
			}
		}
		if n == 0 {
			continue
		}
		if avg := sum / float64(n); !ok || dir.beyond(avg, peak) {
			peak = avg
			ok = true
		}
	}
	return peak, ok
}

// Density runs both tiers over one direction for every item and returns the
// confirmed ones. Tier 1 uses lambda3 over the full history window. Items it
// rejects are retried with lambda4 over the history at or after recentStart,
// measured against the base clocks in that range.
func Density(history map[int64][]models.Sample, trends map[int64][]models.TrendSample, baseClocks []int64, recentStart int64, p Params, dir Direction) models.ItemSet {
	confirmed := models.NewItemSet()
	nRecent := 0
	for _, c := range baseClocks {
		if c >= recentStart {
			nRecent++
		}
	}

	for id, rows := range trends {
		hist := history[id]
		if DensityConfirmed(hist, rows, len(baseClocks), dir, p.Lambda3, p.AnomalyValidCountRate, p.DensityWindow) {
			confirmed.Add(id)
			continue
		}
		var recent []models.Sample
		for _, s := range hist {
			if s.Clock >= recentStart {
				recent = append(recent, s)
			}
		}
		if DensityConfirmed(recent, rows, nRecent, dir, p.Lambda4, p.AnomalyValidCountRate, p.DensityWindow) {
			confirmed.Add(id)
		}
	}
	return confirmed
}
