package db

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/kubilitics/kubilitics-anomaly/internal/models"
)

// ─── History ──────────────────────────────────────────────────────────────────

func (s *sqlStore) GetHistory(ctx context.Context, source string, q HistoryQuery) ([]models.Sample, error) {
	query := `SELECT itemid, clock, value FROM history WHERE source = ?`
	args := []any{source}
	if len(q.ItemIDs) > 0 {
		query += ` AND itemid IN (?)`
		args = append(args, q.ItemIDs)
	}
	if q.Start > 0 {
		query += ` AND clock >= ?`
		args = append(args, q.Start)
	}
	if q.End > 0 {
		query += ` AND clock <= ?`
		args = append(args, q.End)
	}
	query += ` ORDER BY itemid, clock`

	query, args, err := in(s.db, query, args...)
	if err != nil {
		return nil, err
	}
	var out []models.Sample
	if err := s.db.SelectContext(ctx, &out, query, args...); err != nil {
		return nil, fmt.Errorf("select history: %w", err)
	}
	return out, nil
}

// UpsertHistory collapses repeated (itemid, clock) keys before writing;
// PostgreSQL rejects an ON CONFLICT DO UPDATE that touches the same row twice
// in one statement.
func (s *sqlStore) UpsertHistory(ctx context.Context, source string, rows []models.Sample) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	type key struct{ item, clock int64 }
	last := make(map[key]int, len(rows))
	for i, r := range rows {
		last[key{r.ItemID, r.Clock}] = i
	}

	written := 0
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		stmt, err := tx.PreparexContext(ctx, tx.Rebind(`
            INSERT INTO history(source, itemid, clock, value) VALUES(?,?,?,?)
            ON CONFLICT(source, itemid, clock) DO UPDATE SET value = excluded.value
        `))
		if err != nil {
			return fmt.Errorf("prepare history upsert: %w", err)
		}
		defer stmt.Close()

		for i, r := range rows {
			if last[key{r.ItemID, r.Clock}] != i {
				continue
			}
			if _, err := stmt.ExecContext(ctx, source, r.ItemID, r.Clock, r.Value); err != nil {
				return fmt.Errorf("upsert history %d@%d: %w", r.ItemID, r.Clock, err)
			}
			written++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return written, nil
}

func (s *sqlStore) PruneHistory(ctx context.Context, source string, before int64) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM history WHERE source = ? AND clock < ?`), source, before)
	if err != nil {
		return 0, fmt.Errorf("prune history: %w", err)
	}
	return affected(res), nil
}

func (s *sqlStore) RetainHistoryItems(ctx context.Context, source string, keep []int64) (int64, error) {
	if len(keep) == 0 {
		res, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM history WHERE source = ?`), source)
		if err != nil {
			return 0, fmt.Errorf("clear history: %w", err)
		}
		return affected(res), nil
	}
	query, args, err := in(s.db, `DELETE FROM history WHERE source = ? AND itemid NOT IN (?)`, source, keep)
	if err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("retain history items: %w", err)
	}
	return affected(res), nil
}

func (s *sqlStore) HistoryItemIDs(ctx context.Context, source string) ([]int64, error) {
	var ids []int64
	if err := s.db.SelectContext(ctx, &ids, s.db.Rebind(`SELECT DISTINCT itemid FROM history WHERE source = ? ORDER BY itemid`), source); err != nil {
		return nil, fmt.Errorf("select history items: %w", err)
	}
	return ids, nil
}

func (s *sqlStore) ResetHistory(ctx context.Context, source string) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM history WHERE source = ?`), source); err != nil {
			return fmt.Errorf("clear history: %w", err)
		}
		return deleteWatermark(ctx, tx, source, WatermarkHistory)
	})
}
