package trendstats

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kubilitics/kubilitics-anomaly/internal/db"
	"github.com/kubilitics/kubilitics-anomaly/internal/models"
)

var (
	// ErrMissingDiffStart is returned when an incremental update is requested
	// without the epoch the new buckets start at.
	ErrMissingDiffStart = errors.New("trendstats: diff start epoch is required")

	// ErrInvalidWindow is returned for a window whose end precedes its start.
	ErrInvalidWindow = errors.New("trendstats: window end precedes start")
)

// TrendSource reads trend averages.
type TrendSource interface {
	TrendsData(ctx context.Context, start, end int64, itemIDs []int64) ([]models.Sample, error)
}

// Store persists trend statistics and their watermark.
type Store interface {
	GetTrendStats(ctx context.Context, source string, itemIDs []int64) ([]db.TrendStatsRecord, error)
	CommitTrendStats(ctx context.Context, source string, c db.TrendStatsCommit) error
	ResetTrendStats(ctx context.Context, source string) error
	GetWatermark(ctx context.Context, source, kind string) (*db.Watermark, error)
}

// Window is an inclusive epoch range.
type Window struct {
	Start int64
	End   int64
}

// Diff describes one incremental step. Buckets in [DiffStart, End] are added
// and buckets in [DropStart, NewStart) are subtracted.
type Diff struct {
	DiffStart int64
	End       int64
	DropStart int64
	NewStart  int64
}

// Options tunes batching.
type Options struct {
	BatchSize int
	Workers   int
}

// RefreshResult summarises a Refresh call.
type RefreshResult struct {
	Seeded        int          `json:"seeded"`
	Updated       int          `json:"updated"`
	Reinitialized bool         `json:"reinitialized"`
	Skipped       bool         `json:"skipped"`
	Watermark     db.Watermark `json:"watermark"`
}

// Maintainer keeps one data source's trend statistics current.
type Maintainer struct {
	source string
	trends TrendSource
	store  Store
	opts   Options
	logger *zap.Logger
}

// NewMaintainer creates a maintainer for the named data source.
func NewMaintainer(source string, trends TrendSource, store Store, opts Options, logger *zap.Logger) *Maintainer {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Maintainer{
		source: source,
		trends: trends,
		store:  store,
		opts:   opts,
		logger: logger.Named("trendstats").With(zap.String("source", source)),
	}
}

// Refresh brings the statistics up to window. Items already tracked receive
// an incremental diff against the stored watermark; items in itemIDs without
// statistics are seeded with a full aggregate. Records and the new watermark
// are committed in one transaction, so a diff is never applied twice.
func (m *Maintainer) Refresh(ctx context.Context, itemIDs []int64, window Window) (RefreshResult, error) {
	if window.End < window.Start {
		return RefreshResult{}, ErrInvalidWindow
	}

	wm, err := m.store.GetWatermark(ctx, m.source, db.WatermarkTrends)
	if err != nil {
		return RefreshResult{}, err
	}

	if wm == nil || window.Start > wm.End || window.Start < wm.Start {
		return m.reinitialize(ctx, itemIDs, window)
	}

	stored, err := m.store.GetTrendStats(ctx, m.source, nil)
	if err != nil {
		return RefreshResult{}, err
	}
	prev := make(map[int64]Aggregate, len(stored))
	for _, r := range stored {
		prev[r.ItemID] = fromRecord(r)
	}
	missing := make([]int64, 0)
	for _, id := range itemIDs {
		if _, ok := prev[id]; !ok {
			missing = append(missing, id)
		}
	}

	// Already covered: only seed items that joined since, over the stored window.
	if window.End <= wm.End {
		if len(missing) == 0 {
			return RefreshResult{Skipped: true, Watermark: *wm}, nil
		}
		seeded, err := m.seed(ctx, missing, Window{Start: wm.Start, End: wm.End})
		if err != nil {
			return RefreshResult{}, err
		}
		if err := m.store.CommitTrendStats(ctx, m.source, db.TrendStatsCommit{Records: seeded, Watermark: *wm}); err != nil {
			return RefreshResult{}, err
		}
		return RefreshResult{Seeded: len(seeded), Watermark: *wm}, nil
	}

	known := make([]int64, 0, len(prev))
	for _, r := range stored {
		known = append(known, r.ItemID)
	}
	diff := Diff{DiffStart: wm.End + 1, End: window.End, DropStart: wm.Start, NewStart: window.Start}

	updated, err := m.diffBatches(ctx, prev, known, diff)
	if err != nil {
		return RefreshResult{}, err
	}
	seeded, err := m.seed(ctx, missing, window)
	if err != nil {
		return RefreshResult{}, err
	}

	next := db.Watermark{Kind: db.WatermarkTrends, Start: window.Start, End: window.End}
	records := append(updated, seeded...)
	if err := m.store.CommitTrendStats(ctx, m.source, db.TrendStatsCommit{Records: records, Watermark: next}); err != nil {
		return RefreshResult{}, err
	}

	m.logger.Info("trend statistics updated",
		zap.Int("updated", len(updated)),
		zap.Int("seeded", len(seeded)),
		zap.Int64("diff_start", diff.DiffStart),
		zap.Int64("end", window.End),
	)
	return RefreshResult{Seeded: len(seeded), Updated: len(updated), Watermark: next}, nil
}

func (m *Maintainer) reinitialize(ctx context.Context, itemIDs []int64, window Window) (RefreshResult, error) {
	seeded, err := m.seed(ctx, itemIDs, window)
	if err != nil {
		return RefreshResult{}, err
	}
	next := db.Watermark{Kind: db.WatermarkTrends, Start: window.Start, End: window.End}
	if err := m.store.CommitTrendStats(ctx, m.source, db.TrendStatsCommit{Records: seeded, Watermark: next, Replace: true}); err != nil {
		return RefreshResult{}, err
	}
	m.logger.Info("trend statistics initialized",
		zap.Int("items", len(seeded)),
		zap.Int64("start", window.Start),
		zap.Int64("end", window.End),
	)
	return RefreshResult{Seeded: len(seeded), Reinitialized: true, Watermark: next}, nil
}

// Reset drops all statistics and the watermark of the source.
func (m *Maintainer) Reset(ctx context.Context) error {
	return m.store.ResetTrendStats(ctx, m.source)
}

// ApplyDiff returns prev advanced by d for itemIDs. Items with neither a
// previous aggregate nor new buckets are omitted.
func (m *Maintainer) ApplyDiff(ctx context.Context, prev map[int64]Aggregate, itemIDs []int64, d Diff) (map[int64]Aggregate, error) {
	if d.DiffStart == 0 {
		return nil, ErrMissingDiffStart
	}

	added := map[int64]Aggregate{}
	if d.DiffStart <= d.End {
		rows, err := m.trends.TrendsData(ctx, d.DiffStart, d.End, itemIDs)
		if err != nil {
			return nil, fmt.Errorf("read new trend buckets: %w", err)
		}
		added = AggregateByItem(rows)
	}

	removed := map[int64]Aggregate{}
	if d.DropStart > 0 && d.NewStart > d.DropStart {
		rows, err := m.trends.TrendsData(ctx, d.DropStart, d.NewStart-1, itemIDs)
		if err != nil {
			return nil, fmt.Errorf("read expired trend buckets: %w", err)
		}
		removed = AggregateByItem(rows)
	}

	out := make(map[int64]Aggregate, len(itemIDs))
	for _, id := range itemIDs {
		p, hasPrev := prev[id]
		a, hasNew := added[id]
		if !hasPrev && !hasNew {
			continue
		}
		out[id] = p.Add(a).Subtract(removed[id])
	}
	return out, nil
}

// Seed computes full aggregates over window for itemIDs.
func (m *Maintainer) Seed(ctx context.Context, itemIDs []int64, window Window) (map[int64]Aggregate, error) {
	rows, err := m.trends.TrendsData(ctx, window.Start, window.End, itemIDs)
	if err != nil {
		return nil, fmt.Errorf("read trend buckets: %w", err)
	}
	return AggregateByItem(rows), nil
}

func (m *Maintainer) diffBatches(ctx context.Context, prev map[int64]Aggregate, itemIDs []int64, d Diff) ([]db.TrendStatsRecord, error) {
	return m.forBatches(ctx, itemIDs, func(ctx context.Context, batch []int64) (map[int64]Aggregate, error) {
		return m.ApplyDiff(ctx, prev, batch, d)
	})
}

func (m *Maintainer) seed(ctx context.Context, itemIDs []int64, window Window) ([]db.TrendStatsRecord, error) {
	return m.forBatches(ctx, itemIDs, func(ctx context.Context, batch []int64) (map[int64]Aggregate, error) {
		return m.Seed(ctx, batch, window)
	})
}

// forBatches runs fn over batches of itemIDs on a bounded worker pool.
func (m *Maintainer) forBatches(ctx context.Context, itemIDs []int64, fn func(context.Context, []int64) (map[int64]Aggregate, error)) ([]db.TrendStatsRecord, error) {
	var (
		mu  sync.Mutex
		out []db.TrendStatsRecord
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.opts.Workers)
	for _, batch := range models.Batches(itemIDs, m.opts.BatchSize) {
		batch := batch
		g.Go(func() error {
			aggs, err := fn(gctx, batch)
			if err != nil {
				m.logger.Error("trend statistics batch failed",
					zap.Int64("batch_first_item", batch[0]),
					zap.Int("batch_size", len(batch)),
					zap.Error(err),
				)
				return err
			}
			recs := make([]db.TrendStatsRecord, 0, len(aggs))
			for _, id := range batch {
				if a, ok := aggs[id]; ok {
					recs = append(recs, Record(id, a))
				}
			}
			mu.Lock()
			out = append(out, recs...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// Stats returns derived statistics for itemIDs (all items when empty).
// Items without observations are omitted.
func (m *Maintainer) Stats(ctx context.Context, itemIDs []int64) (map[int64]Stats, error) {
	recs, err := m.store.GetTrendStats(ctx, m.source, itemIDs)
	if err != nil {
		return nil, err
	}
	out := make(map[int64]Stats, len(recs))
	for _, r := range recs {
		if r.Count <= 0 {
			continue
		}
		out[r.ItemID] = Stats{ItemID: r.ItemID, Mean: finite(r.Mean), Std: finite(r.Std), Count: r.Count}
	}
	return out, nil
}
