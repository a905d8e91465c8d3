// Package ledger records confirmed anomalies per data source and keeps
// their cluster assignment current across runs.
package ledger

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-anomaly/internal/db"
	"github.com/kubilitics/kubilitics-anomaly/internal/models"
)

// Store is the persistence the ledger needs.
type Store interface {
	InsertAnomalies(ctx context.Context, source string, recs []models.Anomaly) (int, error)
	UpdateAnomalyClusters(ctx context.Context, source string, clusters map[int64]int) (int, error)
	PruneAnomalies(ctx context.Context, source string, before int64) (int64, error)
	ListAnomalyItemIDs(ctx context.Context, source string) ([]int64, error)
	QueryAnomalies(ctx context.Context, source string, q db.AnomalyQuery) ([]models.Anomaly, error)
	ApplyAnomalyChanges(ctx context.Context, source string, ch db.AnomalyChanges) (db.AnomalyChangeResult, error)
}

// Ledger is the anomaly ledger of one data source.
type Ledger struct {
	source string
	store  Store
	logger *zap.Logger
}

// New returns the ledger of source.
func New(source string, store Store, logger *zap.Logger) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{source: source, store: store, logger: logger.Named("ledger")}
}

// Insert appends recs, keeping only the first record of each
// (itemid, group, cluster) key within recs. A key already stored is
// refreshed when the record is newer.
func (l *Ledger) Insert(ctx context.Context, recs []models.Anomaly) (int, error) {
	n, err := l.store.InsertAnomalies(ctx, l.source, Dedup(recs))
	if err != nil {
		return 0, fmt.Errorf("ledger %s: insert: %w", l.source, err)
	}
	return n, nil
}

// UpdateClusterID reassigns the cluster of every stored row of each mapped item.
func (l *Ledger) UpdateClusterID(ctx context.Context, clusters map[int64]int) (int, error) {
	n, err := l.store.UpdateAnomalyClusters(ctx, l.source, clusters)
	if err != nil {
		return 0, fmt.Errorf("ledger %s: update clusters: %w", l.source, err)
	}
	return n, nil
}

// PruneOlderThan deletes rows created before cutoff.
func (l *Ledger) PruneOlderThan(ctx context.Context, cutoff int64) (int64, error) {
	n, err := l.store.PruneAnomalies(ctx, l.source, cutoff)
	if err != nil {
		return 0, fmt.Errorf("ledger %s: prune: %w", l.source, err)
	}
	if n > 0 {
		l.logger.Debug("pruned anomalies", zap.Int64("rows", n), zap.Int64("before", cutoff))
	}
	return n, nil
}

// ListActiveItemIDs returns the distinct items currently in the ledger.
func (l *Ledger) ListActiveItemIDs(ctx context.Context) ([]int64, error) {
	ids, err := l.store.ListAnomalyItemIDs(ctx, l.source)
	if err != nil {
		return nil, fmt.Errorf("ledger %s: list items: %w", l.source, err)
	}
	return ids, nil
}

// Query returns stored rows matching q.
func (l *Ledger) Query(ctx context.Context, q db.AnomalyQuery) ([]models.Anomaly, error) {
	rows, err := l.store.QueryAnomalies(ctx, l.source, q)
	if err != nil {
		return nil, fmt.Errorf("ledger %s: query: %w", l.source, err)
	}
	return rows, nil
}

// Changes is the ledger write-back of one run.
type Changes struct {
	// Insert holds the rows of newly confirmed anomalies.
	Insert []models.Anomaly
	// Clusters reassigns the cluster of items already in the ledger.
	Clusters map[int64]int
	// PruneBefore drops rows created before it; zero keeps everything.
	PruneBefore int64
}

// Commit applies ch in one transaction.
func (l *Ledger) Commit(ctx context.Context, ch Changes) (db.AnomalyChangeResult, error) {
	res, err := l.store.ApplyAnomalyChanges(ctx, l.source, db.AnomalyChanges{
		Insert:      Dedup(ch.Insert),
		Clusters:    ch.Clusters,
		PruneBefore: ch.PruneBefore,
	})
	if err != nil {
		return db.AnomalyChangeResult{}, fmt.Errorf("ledger %s: commit: %w", l.source, err)
	}
	l.logger.Debug("ledger committed",
		zap.Int("inserted", res.Inserted),
		zap.Int("refreshed", res.Refreshed),
		zap.Int("updated", res.Updated),
		zap.Int64("pruned", res.Pruned),
	)
	return res, nil
}

// Dedup drops every record whose key was already seen earlier in recs.
func Dedup(recs []models.Anomaly) []models.Anomaly {
	seen := make(map[models.AnomalyKey]struct{}, len(recs))
	out := make([]models.Anomaly, 0, len(recs))
	for _, r := range recs {
		if _, ok := seen[r.Key()]; ok {
			continue
		}
		seen[r.Key()] = struct{}{}
		out = append(out, r)
	}
	return out
}

// RecordSet is what a run knows about its confirmed items.
type RecordSet struct {
	Created  int64
	Groups   map[string][]int64
	Details  map[int64]models.ItemDetail
	HostIDs  map[int64]int64
	Clusters map[int64]int
}

// Records expands rs into one row per (item, group) membership, groups in
// name order. Items without a cluster are noise; hosts fall back to the item
// details and then to -1.
func Records(rs RecordSet) []models.Anomaly {
	names := make([]string, 0, len(rs.Groups))
	for name := range rs.Groups {
		names = append(names, name)
	}
	sort.Strings(names)

	var out []models.Anomaly
	for _, name := range names {
		for _, id := range rs.Groups[name] {
			detail := rs.Details[id]
			hostID, ok := rs.HostIDs[id]
			if !ok {
				hostID = detail.HostID
				if hostID == 0 {
					hostID = -1
				}
			}
			clusterID, ok := rs.Clusters[id]
			if !ok {
				clusterID = models.NoiseClusterID
			}
			out = append(out, models.Anomaly{
				ItemID:    id,
				Created:   rs.Created,
				GroupName: name,
				HostID:    hostID,
				ClusterID: clusterID,
				HostName:  detail.HostName,
				ItemName:  detail.ItemName,
			})
		}
	}
	return Dedup(out)
}
