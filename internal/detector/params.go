// Package detector implements the statistical cascade that turns trend
// statistics and recent history into a set of confirmed anomalous items.
//
// Every stage is a pure filter from one item set to a (possibly smaller) one.
// Items whose statistics are inapplicable (zero or undefined variance, zero
// mean on a relative test, no data) are dropped from the stage silently.
package detector

import "github.com/kubilitics/kubilitics-anomaly/internal/config"

// Params are the thresholds of the cascade.
type Params struct {
	// Lambda1 is the level-shift multiplier of stage 1.
	Lambda1 float64
	// Lambda2 is the diff multiplier of stage 2.
	Lambda2 float64
	// Lambda3 and Lambda4 are the density multipliers over the full and the
	// recent history window.
	Lambda3 float64
	Lambda4 float64

	// TrendsMinCount is the minimum number of trend buckets behind a baseline.
	TrendsMinCount int64
	// IgnoreDiffRate is the relative deviation below which shifts are ignored.
	IgnoreDiffRate float64
	// AnomalyValidCountRate is the fraction of base clocks that must be
	// anomalous for the density test to hold.
	AnomalyValidCountRate float64
	// DensityWindow is the width of the local peak window in seconds.
	DensityWindow int64
}

// ParamsFromConfig derives the cascade thresholds from detection settings.
func ParamsFromConfig(c config.DetectionConfig) Params {
	return Params{
		Lambda1:               c.Lambda1,
		Lambda2:               c.Lambda2,
		Lambda3:               c.Lambda3,
		Lambda4:               c.Lambda4,
		TrendsMinCount:        c.TrendsMinCount,
		IgnoreDiffRate:        c.IgnoreDiffRate,
		AnomalyValidCountRate: c.AnomalyValidCountRate,
		DensityWindow:         c.HistoryInterval * c.HistoryRetention,
	}
}
