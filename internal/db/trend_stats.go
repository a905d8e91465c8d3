package db

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// ─── Trend statistics ─────────────────────────────────────────────────────────

func (s *sqlStore) GetTrendStats(ctx context.Context, source string, itemIDs []int64) ([]TrendStatsRecord, error) {
	var (
		query string
		args  []any
		err   error
	)
	if len(itemIDs) == 0 {
		query = s.db.Rebind(`SELECT itemid, sum, sqr_sum, cnt, mean, std FROM trend_stats WHERE source = ? ORDER BY itemid`)
		args = []any{source}
	} else {
		query, args, err = in(s.db, `SELECT itemid, sum, sqr_sum, cnt, mean, std FROM trend_stats WHERE source = ? AND itemid IN (?) ORDER BY itemid`, source, itemIDs)
		if err != nil {
			return nil, err
		}
	}

	var out []TrendStatsRecord
	if err := s.db.SelectContext(ctx, &out, query, args...); err != nil {
		return nil, fmt.Errorf("select trend stats: %w", err)
	}
	return out, nil
}

func (s *sqlStore) CommitTrendStats(ctx context.Context, source string, c TrendStatsCommit) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		if c.Replace {
			if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM trend_stats WHERE source = ?`), source); err != nil {
				return fmt.Errorf("clear trend stats: %w", err)
			}
		}

		stmt, err := tx.PreparexContext(ctx, tx.Rebind(`
            INSERT INTO trend_stats(source, itemid, sum, sqr_sum, cnt, mean, std)
            VALUES(?,?,?,?,?,?,?)
            ON CONFLICT(source, itemid) DO UPDATE SET
                sum = excluded.sum,
                sqr_sum = excluded.sqr_sum,
                cnt = excluded.cnt,
                mean = excluded.mean,
                std = excluded.std
        `))
		if err != nil {
			return fmt.Errorf("prepare trend stats upsert: %w", err)
		}
		defer stmt.Close()

		for _, r := range c.Records {
			if _, err := stmt.ExecContext(ctx, source, r.ItemID, r.Sum, r.SqrSum, r.Count, r.Mean, r.Std); err != nil {
				return fmt.Errorf("upsert trend stats %d: %w", r.ItemID, err)
			}
		}

		wm := c.Watermark
		if wm.Kind == "" {
			wm.Kind = WatermarkTrends
		}
		return setWatermark(ctx, tx, source, wm)
	})
}

func (s *sqlStore) ResetTrendStats(ctx context.Context, source string) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM trend_stats WHERE source = ?`), source); err != nil {
			return fmt.Errorf("clear trend stats: %w", err)
		}
		return deleteWatermark(ctx, tx, source, WatermarkTrends)
	})
}

// ─── Watermarks ───────────────────────────────────────────────────────────────

func (s *sqlStore) GetWatermark(ctx context.Context, source, kind string) (*Watermark, error) {
	var wm []Watermark
	err := s.db.SelectContext(ctx, &wm,
		s.db.Rebind(`SELECT kind, startep, endep FROM watermarks WHERE source = ? AND kind = ?`), source, kind)
	if err != nil {
		return nil, fmt.Errorf("select watermark: %w", err)
	}
	if len(wm) == 0 {
		return nil, nil
	}
	return &wm[0], nil
}

func (s *sqlStore) SetWatermark(ctx context.Context, source string, wm Watermark) error {
	return setWatermark(ctx, s.db, source, wm)
}

func setWatermark(ctx context.Context, ext sqlx.ExtContext, source string, wm Watermark) error {
	_, err := ext.ExecContext(ctx, ext.Rebind(`
        INSERT INTO watermarks(source, kind, startep, endep) VALUES(?,?,?,?)
        ON CONFLICT(source, kind) DO UPDATE SET startep = excluded.startep, endep = excluded.endep
    `), source, wm.Kind, wm.Start, wm.End)
	if err != nil {
		return fmt.Errorf("set %s watermark: %w", wm.Kind, err)
	}
	return nil
}

func deleteWatermark(ctx context.Context, ext sqlx.ExtContext, source, kind string) error {
	_, err := ext.ExecContext(ctx, ext.Rebind(`DELETE FROM watermarks WHERE source = ? AND kind = ?`), source, kind)
	if err != nil {
		return fmt.Errorf("delete %s watermark: %w", kind, err)
	}
	return nil
}
