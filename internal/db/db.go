package db

import (
	"context"

	"github.com/kubilitics/kubilitics-anomaly/internal/models"
)

// Store is the persistence interface for detection state. Every operation is
// scoped by data-source name; sources never see each other's rows.
type Store interface {
	TrendStatsStore
	HistoryStore
	WatermarkStore
	AnomalyStore

	// Close releases database resources.
	Close() error

	// Ping verifies the connection is alive.
	Ping(ctx context.Context) error
}

// ─── Trend statistics store ───────────────────────────────────────────────────

// TrendStatsRecord is the running aggregate of one item's trend averages.
type TrendStatsRecord struct {
	ItemID int64   `json:"itemid" db:"itemid"`
	Sum    float64 `json:"sum" db:"sum"`
	SqrSum float64 `json:"sqr_sum" db:"sqr_sum"`
	Count  int64   `json:"cnt" db:"cnt"`
	Mean   float64 `json:"mean" db:"mean"`
	Std    float64 `json:"std" db:"std"`
}

// TrendStatsCommit is applied atomically: either the records and the
// watermark are both written or neither is.
type TrendStatsCommit struct {
	Records   []TrendStatsRecord
	Watermark Watermark
	// Replace drops every stored record of the source before writing.
	Replace bool
}

// TrendStatsStore persists per-item trend statistics.
type TrendStatsStore interface {
	// GetTrendStats returns the stored records for itemIDs, or every record
	// of the source when itemIDs is empty.
	GetTrendStats(ctx context.Context, source string, itemIDs []int64) ([]TrendStatsRecord, error)

	CommitTrendStats(ctx context.Context, source string, c TrendStatsCommit) error

	// ResetTrendStats removes all records and the trends watermark.
	ResetTrendStats(ctx context.Context, source string) error
}

// ─── History store ────────────────────────────────────────────────────────────

// HistoryQuery filters history rows. Zero bounds do not filter.
type HistoryQuery struct {
	ItemIDs []int64
	Start   int64
	End     int64
}

// HistoryStore persists normalized recent history.
type HistoryStore interface {
	// GetHistory returns rows ordered by itemid, clock.
	GetHistory(ctx context.Context, source string, q HistoryQuery) ([]models.Sample, error)

	// UpsertHistory writes rows keyed by (itemid, clock). When a key appears
	// more than once in rows the last occurrence wins.
	UpsertHistory(ctx context.Context, source string, rows []models.Sample) (int, error)

	// PruneHistory deletes rows with clock < before.
	PruneHistory(ctx context.Context, source string, before int64) (int64, error)

	// RetainHistoryItems deletes rows of every item not in keep.
	RetainHistoryItems(ctx context.Context, source string, keep []int64) (int64, error)

	// HistoryItemIDs returns the distinct items that have stored history.
	HistoryItemIDs(ctx context.Context, source string) ([]int64, error)

	// ResetHistory removes all rows and the history watermark.
	ResetHistory(ctx context.Context, source string) error
}

// ─── Watermark store ──────────────────────────────────────────────────────────

// Watermark kinds.
const (
	WatermarkTrends  = "trends"
	WatermarkHistory = "history"
)

// Watermark records the window a source's persisted state already covers.
type Watermark struct {
	Kind  string `json:"kind" db:"kind"`
	Start int64  `json:"startep" db:"startep"`
	End   int64  `json:"endep" db:"endep"`
}

// WatermarkStore persists coverage watermarks.
type WatermarkStore interface {
	// GetWatermark returns nil, nil when the kind was never recorded.
	GetWatermark(ctx context.Context, source, kind string) (*Watermark, error)

	SetWatermark(ctx context.Context, source string, wm Watermark) error
}

// ─── Anomaly store ────────────────────────────────────────────────────────────

// AnomalyQuery filters ledger rows.
type AnomalyQuery struct {
	ItemIDs   []int64
	ClusterID *int
	Since     int64
	Limit     int
	Offset    int
}

// AnomalyChanges is applied atomically by ApplyAnomalyChanges.
type AnomalyChanges struct {
	Insert      []models.Anomaly
	Clusters    map[int64]int
	PruneBefore int64
}

// AnomalyChangeResult reports what ApplyAnomalyChanges did.
type AnomalyChangeResult struct {
	Inserted  int   `json:"inserted"`
	Refreshed int   `json:"refreshed"`
	Updated   int   `json:"updated"`
	Pruned    int64 `json:"pruned"`
}

// AnomalyStore persists the anomaly ledger.
type AnomalyStore interface {
	// InsertAnomalies stores rows keyed by (itemid, group_name, clusterid).
	// A stored key is refreshed with the newer created, host and item
	// fields. Returns the number of new rows.
	InsertAnomalies(ctx context.Context, source string, recs []models.Anomaly) (int, error)

	// UpdateAnomalyClusters reassigns the cluster id of every row of each
	// mapped item. Returns the number of items touched.
	UpdateAnomalyClusters(ctx context.Context, source string, clusters map[int64]int) (int, error)

	// PruneAnomalies deletes rows with created < before.
	PruneAnomalies(ctx context.Context, source string, before int64) (int64, error)

	// ListAnomalyItemIDs returns the distinct items currently in the ledger.
	ListAnomalyItemIDs(ctx context.Context, source string) ([]int64, error)

	// QueryAnomalies returns rows ordered by clusterid, itemid, group_name.
	QueryAnomalies(ctx context.Context, source string, q AnomalyQuery) ([]models.Anomaly, error)

	ApplyAnomalyChanges(ctx context.Context, source string, ch AnomalyChanges) (AnomalyChangeResult, error)
}
