package pipeline

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-anomaly/internal/db"
	"github.com/kubilitics/kubilitics-anomaly/internal/models"
	"github.com/kubilitics/kubilitics-anomaly/internal/normalizer"
)

// HistoryResult summarises a history refresh.
type HistoryResult struct {
	Items     int          `json:"items"`
	Upserted  int          `json:"upserted"`
	Pruned    int64        `json:"pruned"`
	Reset     bool         `json:"reset"`
	Watermark db.Watermark `json:"watermark"`
}

// refreshHistory brings the stored history of ids up to w.End. Items that
// already have stored rows only fetch the part after the history watermark;
// new items fetch the whole history window. Rows are normalized onto the
// base clock grid before they are stored. Rows older than the window and
// rows of items no longer tracked are dropped.
func (r *Runner) refreshHistory(ctx context.Context, ids []int64, w Windows) (HistoryResult, error) {
	res := HistoryResult{Items: len(ids)}

	wm, err := r.store.GetWatermark(ctx, r.ds.Name, db.WatermarkHistory)
	if err != nil {
		return res, fmt.Errorf("read history watermark: %w", err)
	}
	diffStart := w.HistoryStart
	if wm != nil {
		if w.HistoryStart > wm.End {
			if err := r.store.ResetHistory(ctx, r.ds.Name); err != nil {
				return res, fmt.Errorf("reset stale history: %w", err)
			}
			res.Reset = true
		} else {
			diffStart = wm.End + 1
		}
	}

	stored := models.NewItemSet()
	if !res.Reset {
		have, err := r.store.HistoryItemIDs(ctx, r.ds.Name)
		if err != nil {
			return res, fmt.Errorf("list history items: %w", err)
		}
		stored = models.NewItemSet(have...)
	}
	var existing, fresh []int64
	for _, id := range ids {
		if stored.Has(id) {
			existing = append(existing, id)
		} else {
			fresh = append(fresh, id)
		}
	}

	full := normalizer.GetBaseClocks(w.HistoryStart, w.End, r.det.HistoryInterval)
	for _, part := range []struct {
		ids  []int64
		grid []int64
	}{
		{existing, normalizer.GetBaseClocks(diffStart, w.End, r.det.HistoryInterval)},
		{fresh, full},
	} {
		n, err := r.upsertHistory(ctx, part.ids, part.grid)
		if err != nil {
			return res, err
		}
		res.Upserted += n
	}

	if len(full) > 0 {
		pruned, err := r.store.PruneHistory(ctx, r.ds.Name, full[0])
		if err != nil {
			return res, fmt.Errorf("prune history: %w", err)
		}
		res.Pruned += pruned
	}
	dropped, err := r.store.RetainHistoryItems(ctx, r.ds.Name, ids)
	if err != nil {
		return res, fmt.Errorf("retain history items: %w", err)
	}
	res.Pruned += dropped

	res.Watermark = db.Watermark{Kind: db.WatermarkHistory, Start: w.HistoryStart, End: w.End}
	if err := r.store.SetWatermark(ctx, r.ds.Name, res.Watermark); err != nil {
		return res, fmt.Errorf("write history watermark: %w", err)
	}

	r.logger.Debug("history refreshed",
		zap.Int("existing", len(existing)),
		zap.Int("fresh", len(fresh)),
		zap.Int("upserted", res.Upserted),
		zap.Int64("pruned", res.Pruned),
		zap.Int64("diff_start", diffStart),
	)
	return res, nil
}

// upsertHistory fetches raw history over grid for ids, normalizes it and
// stores it.
func (r *Runner) upsertHistory(ctx context.Context, ids []int64, grid []int64) (int, error) {
	if len(ids) == 0 || len(grid) == 0 {
		return 0, nil
	}
	var (
		mu    sync.Mutex
		total int
	)
	err := r.forBatches(ctx, "history", ids, func(ctx context.Context, batch []int64) error {
		raw, err := r.src.HistoryData(ctx, grid[0], grid[len(grid)-1], batch)
		if err != nil {
			return fmt.Errorf("read history: %w", err)
		}
		rows := Normalize(raw, grid)
		if len(rows) == 0 {
			return nil
		}
		n, err := r.store.UpsertHistory(ctx, r.ds.Name, rows)
		if err != nil {
			return fmt.Errorf("store history: %w", err)
		}
		mu.Lock()
		total += n
		mu.Unlock()
		return nil
	})
	return total, err
}

// Normalize fits each item's samples onto grid. Items without samples are
// left out.
func Normalize(samples []models.Sample, grid []int64) []models.Sample {
	var out []models.Sample
	series := models.GroupBySeries(samples)
	for _, id := range models.NewItemSet(keys(series)...).Sorted() {
		rows := series[id]
		sort.SliceStable(rows, func(i, j int) bool { return rows[i].Clock < rows[j].Clock })
		clocks := make([]int64, len(rows))
		values := make([]float64, len(rows))
		for i, s := range rows {
			clocks[i], values[i] = s.Clock, s.Value
		}
		for i, v := range normalizer.FitToBaseClocks(grid, clocks, values) {
			out = append(out, models.Sample{ItemID: id, Clock: grid[i], Value: v})
		}
	}
	return out
}

func keys[V any](m map[int64]V) []int64 {
	out := make([]int64, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
