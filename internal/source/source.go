// Package source adapts monitoring backends to the MetricSource capability
// consumed by the detection pipeline.
//
// Every adapter returns series rows sorted by (itemid, clock). A window with
// no data yields an empty slice, never an error.
package source

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-anomaly/internal/config"
	"github.com/kubilitics/kubilitics-anomaly/internal/models"
)

// AllGroup is the group name used when no host groups are configured.
const AllGroup = "all"

// ErrUnknownType is returned by New for an unregistered source type.
var ErrUnknownType = errors.New("unknown data source type")

// MetricSource reads series and item metadata from one monitoring backend.
type MetricSource interface {
	// Name returns the configured data source name.
	Name() string

	// HistoryData returns raw samples with start <= clock <= end.
	HistoryData(ctx context.Context, start, end int64, itemIDs []int64) ([]models.Sample, error)

	// TrendsData returns the avg value of trend buckets with start <= clock <= end.
	TrendsData(ctx context.Context, start, end int64, itemIDs []int64) ([]models.Sample, error)

	// TrendsFullData returns min/avg/max trend buckets with start <= clock <= end.
	TrendsFullData(ctx context.Context, start, end int64, itemIDs []int64) ([]models.TrendSample, error)

	// ItemIDs returns the items selected by filter.
	ItemIDs(ctx context.Context, filter models.ItemFilter) ([]int64, error)

	ItemHostMap(ctx context.Context, itemIDs []int64) (map[int64]int64, error)
	ItemDetails(ctx context.Context, itemIDs []int64) (map[int64]models.ItemDetail, error)

	// ClassifyByGroups maps each group name to its member items. With no
	// group names every item lands in AllGroup.
	ClassifyByGroups(ctx context.Context, itemIDs []int64, groupNames []string) (map[string][]int64, error)

	// CheckItemCondition returns the subset of itemIDs matching filter. An
	// empty filter matches everything.
	CheckItemCondition(ctx context.Context, itemIDs []int64, filter string) ([]int64, error)

	Ping(ctx context.Context) error
	Close() error
}

// Type identifies a source adapter.
type Type string

const (
	TypeZabbix Type = config.SourceZabbix
	TypeCSV    Type = config.SourceCSV
	TypeHTTP   Type = config.SourceHTTP
	TypeSample Type = config.SourceSample
)

// Factory builds an adapter from its data source configuration.
type Factory func(cfg config.DataSource, logger *zap.Logger) (MetricSource, error)

var (
	registryMu sync.RWMutex
	registry   = map[Type]Factory{
		TypeZabbix: NewZabbix,
		TypeCSV:    NewCSV,
		TypeHTTP:   NewHTTP,
		TypeSample: NewSample,
	}
)

// Register installs or replaces the factory for t.
func Register(t Type, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[t] = f
}

// New builds the adapter for cfg and wraps it with the configured retry policy.
func New(cfg config.DataSource, logger *zap.Logger) (MetricSource, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	registryMu.RLock()
	f, ok := registry[Type(cfg.Type)]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, cfg.Type)
	}

	src, err := f(cfg, logger.With(zap.String("source", cfg.Name)))
	if err != nil {
		return nil, fmt.Errorf("data source %s: %w", cfg.Name, err)
	}
	return WithRetry(src, RetryPolicyFromConfig(cfg.Retry), logger), nil
}

// ─── Helpers shared by adapters ───

func sortSamples(rows []models.Sample) {
	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].ItemID != rows[j].ItemID {
			return rows[i].ItemID < rows[j].ItemID
		}
		return rows[i].Clock < rows[j].Clock
	})
}

func sortTrends(rows []models.TrendSample) {
	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].ItemID != rows[j].ItemID {
			return rows[i].ItemID < rows[j].ItemID
		}
		return rows[i].Clock < rows[j].Clock
	})
}

// avgOnly projects full trend rows onto their avg value.
func avgOnly(rows []models.TrendSample) []models.Sample {
	out := make([]models.Sample, len(rows))
	for i, r := range rows {
		out[i] = models.Sample{ItemID: r.ItemID, Clock: r.Clock, Value: r.ValueAvg}
	}
	return out
}

// bucketTrends aggregates raw samples into min/avg/max buckets of width
// interval, each bucket stamped with its floored start clock.
func bucketTrends(samples []models.Sample, interval int64) []models.TrendSample {
	if interval <= 0 || len(samples) == 0 {
		return nil
	}
	type key struct{ item, clock int64 }
	type acc struct {
		min, max, sum float64
		n             int
	}
	buckets := make(map[key]*acc)
	for _, s := range samples {
		k := key{s.ItemID, s.Clock - s.Clock%interval}
		a, ok := buckets[k]
		if !ok {
			buckets[k] = &acc{min: s.Value, max: s.Value, sum: s.Value, n: 1}
			continue
		}
		if s.Value < a.min {
			a.min = s.Value
		}
		if s.Value > a.max {
			a.max = s.Value
		}
		a.sum += s.Value
		a.n++
	}
	out := make([]models.TrendSample, 0, len(buckets))
	for k, a := range buckets {
		out = append(out, models.TrendSample{
			ItemID:   k.item,
			Clock:    k.clock,
			ValueMin: a.min,
			ValueAvg: a.sum / float64(a.n),
			ValueMax: a.max,
		})
	}
	sortTrends(out)
	return out
}

// classifyByNames groups items by membership lookups keyed by group name.
func classifyByNames(itemIDs []int64, groupNames []string, members func(group string) models.ItemSet) map[string][]int64 {
	if len(groupNames) == 0 {
		return map[string][]int64{AllGroup: append([]int64(nil), itemIDs...)}
	}
	out := make(map[string][]int64)
	for _, g := range groupNames {
		set := members(g)
		var ids []int64
		for _, id := range itemIDs {
			if set.Has(id) {
				ids = append(ids, id)
			}
		}
		if len(ids) > 0 {
			out[g] = ids
		}
	}
	return out
}

func limitIDs(ids []int64, max int) []int64 {
	if max > 0 && len(ids) > max {
		return ids[:max]
	}
	return ids
}
