package detector

import (
	"context"

	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-anomaly/internal/config"
	"github.com/kubilitics/kubilitics-anomaly/internal/models"
	"github.com/kubilitics/kubilitics-anomaly/internal/trendstats"
)

// Cascade runs the detection stages for one data source.
type Cascade struct {
	params  Params
	conds   []Condition
	checker ConditionChecker
	logger  *zap.Logger
}

// New builds a cascade. checker resolves the filters of conds and may be nil
// when conds is empty.
func New(params Params, conds []config.ItemCondition, checker ConditionChecker, logger *zap.Logger) (*Cascade, error) {
	compiled, err := CompileConditions(conds)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cascade{
		params:  params,
		conds:   compiled,
		checker: checker,
		logger:  logger.Named("detector"),
	}, nil
}

// Params returns the thresholds in use.
func (c *Cascade) Params() Params { return c.params }

// LevelShift runs stage 1 on recent history means against the maintained
// trend statistics, then applies the item conditions.
func (c *Cascade) LevelShift(ctx context.Context, means map[int64]float64, baseline map[int64]trendstats.Stats) (models.ItemSet, error) {
	p := c.params
	scores := LevelShift(means, baseline, p.Lambda1, p.IgnoreDiffRate, p.TrendsMinCount)
	if len(c.conds) > 0 && c.checker != nil {
		before := len(scores)
		var err error
		if scores, err = ApplyConditions(ctx, c.checker, c.conds, scores); err != nil {
			return nil, err
		}
		if dropped := before - len(scores); dropped > 0 {
			c.logger.Debug("item conditions dropped level-shift candidates", zap.Int("dropped", dropped))
		}
	}
	return ScoreIDs(scores), nil
}

// Batch is the data stages 2 to 4 need for one batch of stage-1 candidates.
type Batch struct {
	ItemIDs []int64
	// History is the normalized history of each item over the base clocks.
	History map[int64][]models.Sample
	// Trends are the trend buckets of the full trend window, by item.
	Trends map[int64][]models.TrendSample
	// BaseClocks is the history grid of the run.
	BaseClocks []int64
	// RecentStart is the first clock of the recent window used by stage 4.
	RecentStart int64
}

// Outcome lists the items surviving each stage of a batch.
type Outcome struct {
	Level     models.ItemSet
	Diff      models.ItemSet
	Confirmed models.ItemSet
}

// Confirm runs stages 2 to 4 over a batch. The level test is repeated
// against the current trend window, intersected with the diff test in either
// direction, and the survivors must pass the density test in either
// direction. Items with no history or no trends never survive.
func (c *Cascade) Confirm(b Batch) Outcome {
	p := c.params
	candidates := models.NewItemSet(b.ItemIDs...)

	history := make(map[int64][]models.Sample)
	trends := make(map[int64][]models.TrendSample)
	for id := range candidates {
		if len(b.History[id]) > 0 && len(b.Trends[id]) > 0 {
			history[id] = b.History[id]
			trends[id] = b.Trends[id]
		}
	}

	means := make(map[int64]float64, len(history))
	for id, rows := range history {
		sum := 0.0
		for _, r := range rows {
			sum += r.Value
		}
		means[id] = sum / float64(len(rows))
	}
	level := ScoreIDs(LevelShift(means, TrendBaseline(trends), p.Lambda1, p.IgnoreDiffRate, p.TrendsMinCount))

	diff := models.NewItemSet()
	for id := range level {
		if DiffShift(history[id], trends[id], Up, p.Lambda2, p.IgnoreDiffRate) ||
			DiffShift(history[id], trends[id], Down, p.Lambda2, p.IgnoreDiffRate) {
			diff.Add(id)
		}
	}

	survivors := make(map[int64][]models.TrendSample, len(diff))
	for id := range diff {
		survivors[id] = trends[id]
	}
	confirmed := models.Union(
		Density(history, survivors, b.BaseClocks, b.RecentStart, p, Up),
		Density(history, survivors, b.BaseClocks, b.RecentStart, p, Down),
	)

	c.logger.Debug("batch confirmed",
		zap.Int("candidates", candidates.Len()),
		zap.Int("level", level.Len()),
		zap.Int("diff", diff.Len()),
		zap.Int("confirmed", confirmed.Len()),
	)
	return Outcome{Level: level, Diff: diff, Confirmed: confirmed}
}
