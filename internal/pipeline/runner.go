// Package pipeline runs detection for one data source end to end: trend
// statistics, history, the detection cascade, clustering and the anomaly
// ledger.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kubilitics/kubilitics-anomaly/internal/audit"
	"github.com/kubilitics/kubilitics-anomaly/internal/cluster"
	"github.com/kubilitics/kubilitics-anomaly/internal/config"
	"github.com/kubilitics/kubilitics-anomaly/internal/db"
	"github.com/kubilitics/kubilitics-anomaly/internal/detector"
	"github.com/kubilitics/kubilitics-anomaly/internal/ledger"
	"github.com/kubilitics/kubilitics-anomaly/internal/metrics"
	"github.com/kubilitics/kubilitics-anomaly/internal/models"
	"github.com/kubilitics/kubilitics-anomaly/internal/normalizer"
	"github.com/kubilitics/kubilitics-anomaly/internal/source"
	"github.com/kubilitics/kubilitics-anomaly/internal/trendstats"
)

// ErrRunInProgress is returned when a run is requested for a data source
// that is already running.
var ErrRunInProgress = errors.New("a run for this data source is already in progress")

// Options adjust a single run.
type Options struct {
	// Initialize drops trend statistics, history and their watermarks first.
	Initialize bool
	// SkipHistoryUpdate detects on the stored history without fetching.
	SkipHistoryUpdate bool
	// ItemIDs and MaxItemIDs override the data source item selection.
	ItemIDs    []int64
	MaxItemIDs int
}

// Windows are the epoch bounds of one run.
type Windows struct {
	End          int64 `json:"end"`
	HistoryStart int64 `json:"history_start"`
	RecentStart  int64 `json:"recent_start"`
	TrendStart   int64 `json:"trend_start"`
}

// WindowsFor derives the run windows ending at end.
func WindowsFor(det config.DetectionConfig, end int64) Windows {
	return Windows{
		End:          end,
		HistoryStart: end - det.HistoryRetention*det.HistoryInterval,
		RecentStart:  end - det.HistoryRecentRetention*det.HistoryInterval,
		TrendStart:   end - det.TrendRetention*det.TrendInterval,
	}
}

// Summary reports what a run did.
type Summary struct {
	Source     string                   `json:"source"`
	Windows    Windows                  `json:"windows"`
	Discovered int                      `json:"discovered"`
	Level      int                      `json:"level"`
	Diff       int                      `json:"diff"`
	Confirmed  []int64                  `json:"confirmed"`
	Active     int                      `json:"active"`
	Clusters   map[int64]int            `json:"clusters"`
	Stats      trendstats.RefreshResult `json:"stats"`
	History    HistoryResult            `json:"history"`
	Ledger     db.AnomalyChangeResult   `json:"ledger"`
	Anomalies  []models.Anomaly         `json:"anomalies"`
	Duration   time.Duration            `json:"duration"`
}

// Runner executes detection runs for one data source. Runs of the same
// Runner never overlap.
type Runner struct {
	ds      config.DataSource
	det     config.DetectionConfig
	src     source.MetricSource
	store   db.Store
	stats   *trendstats.Maintainer
	cascade *detector.Cascade
	engine  *cluster.Engine
	ledger  *ledger.Ledger
	audit   audit.Logger
	logger  *zap.Logger

	running sync.Mutex
	now     func() time.Time
}

// NewRunner wires a runner for ds. A nil audit logger records nothing.
func NewRunner(cfg *config.Config, ds config.DataSource, src source.MetricSource, store db.Store, auditLog audit.Logger, logger *zap.Logger) (*Runner, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if auditLog == nil {
		auditLog = audit.NewNoopLogger()
	}
	logger = logger.With(zap.String("source", ds.Name))

	cascade, err := detector.New(detector.ParamsFromConfig(cfg.Detection), ds.ItemConds, src, logger)
	if err != nil {
		return nil, fmt.Errorf("data source %s: %w", ds.Name, err)
	}

	return &Runner{
		ds:    ds,
		det:   cfg.Detection,
		src:   src,
		store: store,
		stats: trendstats.NewMaintainer(ds.Name, src, store, trendstats.Options{
			BatchSize: cfg.Detection.BatchSize,
			Workers:   cfg.Detection.Workers,
		}, logger),
		cascade: cascade,
		engine:  cluster.New(cfg.Clustering, logger),
		ledger:  ledger.New(ds.Name, store, logger),
		audit:   auditLog,
		logger:  logger.Named("pipeline"),
		now:     time.Now,
	}, nil
}

// Name returns the data source name.
func (r *Runner) Name() string { return r.ds.Name }

// Type returns the data source adapter type.
func (r *Runner) Type() string { return r.ds.Type }

// Source returns the metric source the runner reads from.
func (r *Runner) Source() source.MetricSource { return r.src }

// Ledger returns the anomaly ledger of the data source.
func (r *Runner) Ledger() *ledger.Ledger { return r.ledger }

// Run executes one detection run ending at end; zero means now.
func (r *Runner) Run(ctx context.Context, end int64, opts Options) (*Summary, error) {
	if !r.running.TryLock() {
		return nil, fmt.Errorf("data source %s: %w", r.ds.Name, ErrRunInProgress)
	}
	defer r.running.Unlock()

	if end == 0 {
		end = r.now().Unix()
	}
	if audit.GetCorrelationID(ctx) == "" {
		ctx = audit.WithCorrelationID(ctx, audit.GenerateCorrelationID())
	}
	started := r.now()
	_ = r.audit.LogRunStarted(ctx, r.ds.Name, end)

	sum, err := r.run(ctx, end, opts)
	elapsed := r.now().Sub(started)
	metrics.RunDuration.WithLabelValues(r.ds.Name).Observe(elapsed.Seconds())
	if err != nil {
		metrics.RunsTotal.WithLabelValues(r.ds.Name, "failure").Inc()
		_ = r.audit.LogRunFailed(ctx, r.ds.Name, end, err)
		r.logger.Error("detection run failed", zap.Int64("end", end), zap.Error(err))
		return nil, err
	}
	sum.Duration = elapsed
	metrics.RunsTotal.WithLabelValues(r.ds.Name, "success").Inc()
	_ = r.audit.LogRunCompleted(ctx, r.ds.Name, end, elapsed, map[string]interface{}{
		"discovered": sum.Discovered,
		"confirmed":  len(sum.Confirmed),
		"inserted":   sum.Ledger.Inserted,
		"refreshed":  sum.Ledger.Refreshed,
	})
	r.logger.Info("detection run completed",
		zap.Int64("end", end),
		zap.Int("discovered", sum.Discovered),
		zap.Int("level", sum.Level),
		zap.Int("diff", sum.Diff),
		zap.Int("confirmed", len(sum.Confirmed)),
		zap.Int("inserted", sum.Ledger.Inserted),
		zap.Int("refreshed", sum.Ledger.Refreshed),
		zap.Duration("duration", elapsed),
	)
	return sum, nil
}

func (r *Runner) run(ctx context.Context, end int64, opts Options) (*Summary, error) {
	w := WindowsFor(r.det, end)
	sum := &Summary{Source: r.ds.Name, Windows: w, Clusters: map[int64]int{}}

	if opts.Initialize {
		if err := r.reset(ctx); err != nil {
			return nil, err
		}
	}

	ids, err := r.discover(ctx, opts)
	if err != nil {
		return nil, err
	}
	sum.Discovered = len(ids)
	r.setStage("discovered", len(ids))

	if sum.Stats, err = r.refreshStats(ctx, ids, w); err != nil {
		return nil, err
	}
	baseline, err := r.stats.Stats(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("read trend statistics: %w", err)
	}
	metrics.TrendStatsItems.WithLabelValues(r.ds.Name).Set(float64(len(baseline)))

	level, err := r.levelShift(ctx, ids, baseline, w)
	if err != nil {
		return nil, err
	}
	sum.Level = level.Len()
	r.setStage("level", level.Len())

	active, err := r.ledger.ListActiveItemIDs(ctx)
	if err != nil {
		return nil, err
	}
	sum.Active = len(active)
	r.setStage("active", len(active))

	if !opts.SkipHistoryUpdate {
		tracked := models.Union(level, models.NewItemSet(active...))
		if sum.History, err = r.refreshHistory(ctx, tracked.Sorted(), w); err != nil {
			return nil, err
		}
		_ = r.audit.LogHistoryRefreshed(ctx, r.ds.Name, sum.History.Upserted, sum.History.Pruned)
	}

	diff, confirmed, err := r.confirm(ctx, level.Sorted(), w)
	if err != nil {
		return nil, err
	}
	sum.Diff = diff.Len()
	sum.Confirmed = confirmed.Sorted()
	r.setStage("diff", diff.Len())
	r.setStage("density", confirmed.Len())

	candidates := models.Union(confirmed, models.NewItemSet(active...))
	res, err := r.classify(ctx, candidates.Sorted(), baseline, w)
	if err != nil {
		return nil, err
	}
	sum.Clusters = res.Clusters
	metrics.Clusters.WithLabelValues(r.ds.Name).Set(float64(len(res.Centroids)))

	if sum.Anomalies, err = r.records(ctx, sum.Confirmed, res.Clusters, end); err != nil {
		return nil, err
	}

	backfill := make(map[int64]int)
	for _, id := range active {
		if c, ok := res.Clusters[id]; ok {
			backfill[id] = c
		}
	}
	changes := ledger.Changes{Insert: sum.Anomalies, Clusters: backfill}
	if r.det.AnomalyKeepSecs > 0 {
		changes.PruneBefore = end - r.det.AnomalyKeepSecs
	}
	if sum.Ledger, err = r.ledger.Commit(ctx, changes); err != nil {
		return nil, err
	}
	metrics.AnomaliesRecorded.WithLabelValues(r.ds.Name).Add(float64(sum.Ledger.Inserted))
	_ = r.audit.LogAnomaliesRecorded(ctx, r.ds.Name, sum.Ledger.Inserted, sum.Ledger.Updated)
	_ = r.audit.LogLedgerPruned(ctx, r.ds.Name, sum.Ledger.Pruned, changes.PruneBefore)

	return sum, nil
}

// RefreshStats only brings the trend statistics of the selected items up to
// end.
func (r *Runner) RefreshStats(ctx context.Context, end int64, opts Options) (trendstats.RefreshResult, error) {
	if !r.running.TryLock() {
		return trendstats.RefreshResult{}, fmt.Errorf("data source %s: %w", r.ds.Name, ErrRunInProgress)
	}
	defer r.running.Unlock()

	if end == 0 {
		end = r.now().Unix()
	}
	if opts.Initialize {
		if err := r.stats.Reset(ctx); err != nil {
			return trendstats.RefreshResult{}, err
		}
	}
	ids, err := r.discover(ctx, opts)
	if err != nil {
		return trendstats.RefreshResult{}, err
	}
	return r.refreshStats(ctx, ids, WindowsFor(r.det, end))
}

func (r *Runner) reset(ctx context.Context) error {
	if err := r.stats.Reset(ctx); err != nil {
		return fmt.Errorf("reset trend statistics: %w", err)
	}
	if err := r.store.ResetHistory(ctx, r.ds.Name); err != nil {
		return fmt.Errorf("reset history: %w", err)
	}
	r.logger.Info("detection state initialized")
	return nil
}

func (r *Runner) discover(ctx context.Context, opts Options) ([]int64, error) {
	filter := models.ItemFilter{
		ItemNames:  r.ds.ItemNames,
		HostNames:  r.ds.HostNames,
		GroupNames: r.ds.GroupNames,
		ItemIDs:    r.ds.ItemIDs,
		MaxItemIDs: r.ds.MaxItemIDs,
	}
	if len(opts.ItemIDs) > 0 {
		filter.ItemIDs = opts.ItemIDs
	}
	if opts.MaxItemIDs > 0 {
		filter.MaxItemIDs = opts.MaxItemIDs
	}
	ids, err := r.src.ItemIDs(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("discover items: %w", err)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (r *Runner) refreshStats(ctx context.Context, ids []int64, w Windows) (trendstats.RefreshResult, error) {
	res, err := r.stats.Refresh(ctx, ids, trendstats.Window{Start: w.TrendStart, End: w.End})
	if err != nil {
		return trendstats.RefreshResult{}, fmt.Errorf("refresh trend statistics: %w", err)
	}
	if !res.Skipped {
		_ = r.audit.LogStatsRefreshed(ctx, r.ds.Name, res.Seeded, res.Updated, res.Reinitialized)
	}
	return res, nil
}

// levelShift runs stage 1 over every discovered item, batch by batch.
func (r *Runner) levelShift(ctx context.Context, ids []int64, baseline map[int64]trendstats.Stats, w Windows) (models.ItemSet, error) {
	var mu sync.Mutex
	out := models.NewItemSet()
	err := r.forBatches(ctx, "level", ids, func(ctx context.Context, batch []int64) error {
		rows, err := r.src.HistoryData(ctx, w.HistoryStart, w.End, batch)
		if err != nil {
			return fmt.Errorf("stage level: read history: %w", err)
		}
		found, err := r.cascade.LevelShift(ctx, detector.HistoryMeans(rows), baseline)
		if err != nil {
			return fmt.Errorf("stage level: %w", err)
		}
		mu.Lock()
		out = models.Union(out, found)
		mu.Unlock()
		return nil
	})
	return out, err
}

// confirm runs stages 2 to 4 over the level-shift candidates.
func (r *Runner) confirm(ctx context.Context, ids []int64, w Windows) (diff, confirmed models.ItemSet, err error) {
	baseClocks := r.baseClocks(w.HistoryStart, w.End)
	var mu sync.Mutex
	diff, confirmed = models.NewItemSet(), models.NewItemSet()
	err = r.forBatches(ctx, "diff", ids, func(ctx context.Context, batch []int64) error {
		history, err := r.store.GetHistory(ctx, r.ds.Name, db.HistoryQuery{ItemIDs: batch, Start: w.HistoryStart, End: w.End})
		if err != nil {
			return fmt.Errorf("stage diff: read history: %w", err)
		}
		if len(history) == 0 {
			return nil
		}
		trends, err := r.src.TrendsFullData(ctx, w.TrendStart, w.End, batch)
		if err != nil {
			return fmt.Errorf("stage diff: read trends: %w", err)
		}
		out := r.cascade.Confirm(detector.Batch{
			ItemIDs:     batch,
			History:     models.GroupBySeries(history),
			Trends:      models.GroupTrends(trends),
			BaseClocks:  baseClocks,
			RecentStart: w.RecentStart,
		})
		mu.Lock()
		diff = models.Union(diff, out.Diff)
		confirmed = models.Union(confirmed, out.Confirmed)
		mu.Unlock()
		return nil
	})
	return diff, confirmed, err
}

// classify clusters ids on their stored history, prefixed by older trend
// averages for the shape comparison. Both parts are fitted onto fixed grids
// so every series lines up position by position.
func (r *Runner) classify(ctx context.Context, ids []int64, baseline map[int64]trendstats.Stats, w Windows) (cluster.Result, error) {
	if len(ids) < 2 {
		return cluster.Result{Clusters: map[int64]int{}, Centroids: map[int][]float64{}}, nil
	}
	history, err := r.store.GetHistory(ctx, r.ds.Name, db.HistoryQuery{ItemIDs: ids, Start: w.HistoryStart, End: w.End})
	if err != nil {
		return cluster.Result{}, fmt.Errorf("stage cluster: read history: %w", err)
	}
	trends, err := r.src.TrendsData(ctx, w.TrendStart, w.HistoryStart-1, ids)
	if err != nil {
		return cluster.Result{}, fmt.Errorf("stage cluster: read trends: %w", err)
	}

	trendGrid := r.trendClocks(w)
	window := valuesByItem(Normalize(history, r.baseClocks(w.HistoryStart, w.End)))
	prefixes := valuesByItem(Normalize(trends, trendGrid))
	series := make(map[int64][]float64, len(window))
	for id, values := range window {
		prefix, ok := prefixes[id]
		if !ok {
			// No closed trend bucket yet; hold the earliest observation.
			prefix = make([]float64, len(trendGrid))
			for i := range prefix {
				prefix[i] = values[0]
			}
		}
		series[id] = append(append(make([]float64, 0, len(prefix)+len(values)), prefix...), values...)
	}
	res, err := r.engine.Cluster(ctx, cluster.Input{Window: window, Series: series, Baseline: baseline})
	if err != nil {
		return cluster.Result{}, fmt.Errorf("stage cluster: %w", err)
	}
	return res, nil
}

// records builds the ledger rows of the newly confirmed items.
func (r *Runner) records(ctx context.Context, confirmed []int64, clusters map[int64]int, end int64) ([]models.Anomaly, error) {
	if len(confirmed) == 0 {
		return nil, nil
	}
	groups, err := r.src.ClassifyByGroups(ctx, confirmed, r.ds.GroupNames)
	if err != nil {
		return nil, fmt.Errorf("classify by groups: %w", err)
	}
	details, err := r.src.ItemDetails(ctx, confirmed)
	if err != nil {
		return nil, fmt.Errorf("item details: %w", err)
	}
	hosts, err := r.src.ItemHostMap(ctx, confirmed)
	if err != nil {
		return nil, fmt.Errorf("item hosts: %w", err)
	}
	return ledger.Records(ledger.RecordSet{
		Created:  end,
		Groups:   groups,
		Details:  details,
		HostIDs:  hosts,
		Clusters: clusters,
	}), nil
}

// forBatches runs fn over batches of ids on a worker pool bounded by the
// configured worker count. The first error cancels the remaining batches.
func (r *Runner) forBatches(ctx context.Context, stage string, ids []int64, fn func(context.Context, []int64) error) error {
	size := r.det.BatchSize
	if size <= 0 {
		size = 100
	}
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(max(r.det.Workers, 1))
	for _, batch := range models.Batches(ids, size) {
		batch := batch
		g.Go(func() error {
			if err := fn(ctx, batch); err != nil {
				r.logger.Error("stage batch failed",
					zap.String("stage", stage),
					zap.Int64("batch_first_item", batch[0]),
					zap.Int("batch_size", len(batch)),
					zap.Error(err),
				)
				return err
			}
			return nil
		})
	}
	return g.Wait()
}

func (r *Runner) baseClocks(start, end int64) []int64 {
	return normalizer.GetBaseClocks(start, end, r.det.HistoryInterval)
}

// trendClocks is the grid of trend buckets that closed between the trend
// window start and the history window start.
func (r *Runner) trendClocks(w Windows) []int64 {
	iv := r.det.TrendInterval
	if iv <= 0 {
		return nil
	}
	start := w.TrendStart
	if rem := start % iv; rem > 0 {
		start += iv - rem
	}
	return normalizer.GetBaseClocks(start, w.HistoryStart-1-iv, iv)
}

func (r *Runner) setStage(stage string, n int) {
	metrics.StageItems.WithLabelValues(r.ds.Name, stage).Set(float64(n))
}

func valuesByItem(rows []models.Sample) map[int64][]float64 {
	out := make(map[int64][]float64)
	for _, s := range rows {
		out[s.ItemID] = append(out[s.ItemID], s.Value)
	}
	return out
}
