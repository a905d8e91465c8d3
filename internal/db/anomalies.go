package db

import (
	"context"
	"fmt"
	"sort"

	"github.com/jmoiron/sqlx"

	"github.com/kubilitics/kubilitics-anomaly/internal/models"
)

// ─── Anomaly ledger ───────────────────────────────────────────────────────────

const anomalyColumns = `itemid, created, group_name, hostid, clusterid, host_name, item_name`

func (s *sqlStore) InsertAnomalies(ctx context.Context, source string, recs []models.Anomaly) (int, error) {
	var n int
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		var err error
		n, _, err = insertAnomalies(ctx, tx, source, recs)
		return err
	})
	return n, err
}

func (s *sqlStore) UpdateAnomalyClusters(ctx context.Context, source string, clusters map[int64]int) (int, error) {
	var n int
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		var err error
		n, err = updateAnomalyClusters(ctx, tx, source, clusters)
		return err
	})
	return n, err
}

func (s *sqlStore) PruneAnomalies(ctx context.Context, source string, before int64) (int64, error) {
	return pruneAnomalies(ctx, s.db, source, before)
}

func (s *sqlStore) ListAnomalyItemIDs(ctx context.Context, source string) ([]int64, error) {
	var ids []int64
	if err := s.db.SelectContext(ctx, &ids, s.db.Rebind(`SELECT DISTINCT itemid FROM anomalies WHERE source = ? ORDER BY itemid`), source); err != nil {
		return nil, fmt.Errorf("select anomaly items: %w", err)
	}
	return ids, nil
}

func (s *sqlStore) QueryAnomalies(ctx context.Context, source string, q AnomalyQuery) ([]models.Anomaly, error) {
	query := `SELECT ` + anomalyColumns + ` FROM anomalies WHERE source = ?`
	args := []any{source}
	if len(q.ItemIDs) > 0 {
		query += ` AND itemid IN (?)`
		args = append(args, q.ItemIDs)
	}
	if q.ClusterID != nil {
		query += ` AND clusterid = ?`
		args = append(args, *q.ClusterID)
	}
	if q.Since > 0 {
		query += ` AND created >= ?`
		args = append(args, q.Since)
	}
	query += ` ORDER BY clusterid, itemid, group_name`
	if q.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d OFFSET %d`, q.Limit, q.Offset)
	}

	query, args, err := in(s.db, query, args...)
	if err != nil {
		return nil, err
	}
	var out []models.Anomaly
	if err := s.db.SelectContext(ctx, &out, query, args...); err != nil {
		return nil, fmt.Errorf("select anomalies: %w", err)
	}
	return out, nil
}

func (s *sqlStore) ApplyAnomalyChanges(ctx context.Context, source string, ch AnomalyChanges) (AnomalyChangeResult, error) {
	var res AnomalyChangeResult
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		var err error
		if res.Inserted, res.Refreshed, err = insertAnomalies(ctx, tx, source, ch.Insert); err != nil {
			return err
		}
		if res.Updated, err = updateAnomalyClusters(ctx, tx, source, ch.Clusters); err != nil {
			return err
		}
		if ch.PruneBefore > 0 {
			if res.Pruned, err = pruneAnomalies(ctx, tx, source, ch.PruneBefore); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return AnomalyChangeResult{}, err
	}
	return res, nil
}

// insertAnomalies stores recs under the unique index over (source, itemid,
// group_name, clusterid). A record whose key is already stored refreshes the
// row when it is newer, so an item confirmed again stays in the ledger for
// another retention period. Returns the rows inserted and the rows refreshed.
func insertAnomalies(ctx context.Context, tx *sqlx.Tx, source string, recs []models.Anomaly) (inserted, refreshed int, err error) {
	if len(recs) == 0 {
		return 0, 0, nil
	}
	ins, err := tx.PreparexContext(ctx, tx.Rebind(`
        INSERT INTO anomalies(source, `+anomalyColumns+`)
        VALUES(?,?,?,?,?,?,?,?)
        ON CONFLICT DO NOTHING
    `))
	if err != nil {
		return 0, 0, fmt.Errorf("prepare anomaly insert: %w", err)
	}
	defer ins.Close()
	upd, err := tx.PreparexContext(ctx, tx.Rebind(`
        UPDATE anomalies SET created = ?, hostid = ?, host_name = ?, item_name = ?
        WHERE source = ? AND itemid = ? AND group_name = ? AND clusterid = ? AND created < ?
    `))
	if err != nil {
		return 0, 0, fmt.Errorf("prepare anomaly refresh: %w", err)
	}
	defer upd.Close()

	for _, r := range recs {
		res, err := ins.ExecContext(ctx, source, r.ItemID, r.Created, r.GroupName, r.HostID, r.ClusterID, r.HostName, r.ItemName)
		if err != nil {
			return 0, 0, fmt.Errorf("insert anomaly %d: %w", r.ItemID, err)
		}
		if n := affected(res); n > 0 {
			inserted += int(n)
			continue
		}
		res, err = upd.ExecContext(ctx, r.Created, r.HostID, r.HostName, r.ItemName,
			source, r.ItemID, r.GroupName, r.ClusterID, r.Created)
		if err != nil {
			return 0, 0, fmt.Errorf("refresh anomaly %d: %w", r.ItemID, err)
		}
		refreshed += int(affected(res))
	}
	return inserted, refreshed, nil
}

// updateAnomalyClusters rewrites each item's rows with the new cluster id.
// Rows that collapse onto the same (group_name, clusterid) key are merged
// into the most recent one.
func updateAnomalyClusters(ctx context.Context, tx *sqlx.Tx, source string, clusters map[int64]int) (int, error) {
	if len(clusters) == 0 {
		return 0, nil
	}
	ids := make([]int64, 0, len(clusters))
	for id := range clusters {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	updated := 0
	for _, id := range ids {
		var rows []models.Anomaly
		err := tx.SelectContext(ctx, &rows, tx.Rebind(`SELECT `+anomalyColumns+` FROM anomalies
            WHERE source = ? AND itemid = ? ORDER BY created, group_name, clusterid`), source, id)
		if err != nil {
			return 0, fmt.Errorf("select anomaly %d: %w", id, err)
		}
		if len(rows) == 0 {
			continue
		}

		target := clusters[id]
		changed := false
		for _, r := range rows {
			if r.ClusterID != target {
				changed = true
				break
			}
		}
		if !changed {
			continue
		}

		if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM anomalies WHERE source = ? AND itemid = ?`), source, id); err != nil {
			return 0, fmt.Errorf("clear anomaly %d: %w", id, err)
		}
		for i := range rows {
			rows[i].ClusterID = target
		}
		if _, _, err := insertAnomalies(ctx, tx, source, rows); err != nil {
			return 0, err
		}
		updated++
	}
	return updated, nil
}

func pruneAnomalies(ctx context.Context, ext sqlx.ExtContext, source string, before int64) (int64, error) {
	res, err := ext.ExecContext(ctx, ext.Rebind(`DELETE FROM anomalies WHERE source = ? AND created < ?`), source, before)
	if err != nil {
		return 0, fmt.Errorf("prune anomalies: %w", err)
	}
	return affected(res), nil
}
