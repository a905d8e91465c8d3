package source

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-anomaly/internal/config"
	"github.com/kubilitics/kubilitics-anomaly/internal/models"
)

// Zabbix reads history, trends and item metadata straight from a Zabbix
// server database (MySQL or PostgreSQL).
type Zabbix struct {
	name    string
	db      *sqlx.DB
	driver  string
	version int
	logger  *zap.Logger

	mu         sync.Mutex
	groupTable string
}

// NewZabbix opens the Zabbix database described by cfg.Zabbix.
func NewZabbix(cfg config.DataSource, logger *zap.Logger) (MetricSource, error) {
	if cfg.Zabbix == nil {
		return nil, fmt.Errorf("zabbix block is required")
	}
	dsn := cfg.Zabbix.DSN
	if cfg.Zabbix.Driver == "mysql" {
		mcfg, err := mysql.ParseDSN(dsn)
		if err != nil {
			return nil, fmt.Errorf("invalid mysql dsn: %w", err)
		}
		if mcfg.Params == nil {
			mcfg.Params = map[string]string{}
		}
		// Zabbix tables are written constantly; dirty reads avoid lock waits
		mcfg.Params["transaction_isolation"] = "'READ-UNCOMMITTED'"
		dsn = mcfg.FormatDSN()
	}
	db, err := sqlx.Open(cfg.Zabbix.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open zabbix database: %w", err)
	}
	return newZabbixDB(cfg.Name, db, cfg.Zabbix.Version, logger), nil
}

func newZabbixDB(name string, db *sqlx.DB, version int, logger *zap.Logger) *Zabbix {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Zabbix{name: name, db: db, driver: db.DriverName(), version: version, logger: logger}
}

func (z *Zabbix) Name() string { return z.name }

// hostGroupTable returns "groups" for Zabbix 3.x and "hstgrp" otherwise,
// reading dbversion on first use when the version is not configured.
func (z *Zabbix) hostGroupTable(ctx context.Context) (string, error) {
	z.mu.Lock()
	defer z.mu.Unlock()
	if z.groupTable != "" {
		return z.groupTable, nil
	}

	version := z.version
	if version == 0 {
		var mandatory int64
		if err := z.db.GetContext(ctx, &mandatory, "SELECT mandatory FROM dbversion"); err != nil {
			return "", fmt.Errorf("read zabbix dbversion: %w", err)
		}
		// mandatory is encoded as MMmmpppp, e.g. 3040000 or 6000000
		version = int(mandatory / 1000000)
	}
	if version == 3 {
		z.groupTable = z.quote("groups")
	} else {
		z.groupTable = "hstgrp"
	}
	return z.groupTable, nil
}

func (z *Zabbix) quote(ident string) string {
	if z.driver == "mysql" {
		return "`" + ident + "`"
	}
	return `"` + ident + `"`
}

// selectIn expands IN (?) placeholders, rebinds for the driver and scans into dest.
func (z *Zabbix) selectIn(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	q, a, err := sqlx.In(query, args...)
	if err != nil {
		return err
	}
	return z.db.SelectContext(ctx, dest, z.db.Rebind(q), a...)
}

func (z *Zabbix) HistoryData(ctx context.Context, start, end int64, itemIDs []int64) ([]models.Sample, error) {
	query, args := unionQuery("itemid, clock, value", []string{"history", "history_uint"}, start, end, itemIDs)
	var out []models.Sample
	if err := z.selectIn(ctx, &out, query, args...); err != nil {
		return nil, fmt.Errorf("zabbix history: %w", err)
	}
	return out, nil
}

func (z *Zabbix) TrendsData(ctx context.Context, start, end int64, itemIDs []int64) ([]models.Sample, error) {
	query, args := unionQuery("itemid, clock, value_avg AS value", []string{"trends", "trends_uint"}, start, end, itemIDs)
	var out []models.Sample
	if err := z.selectIn(ctx, &out, query, args...); err != nil {
		return nil, fmt.Errorf("zabbix trends: %w", err)
	}
	return out, nil
}

func (z *Zabbix) TrendsFullData(ctx context.Context, start, end int64, itemIDs []int64) ([]models.TrendSample, error) {
	query, args := unionQuery("itemid, clock, value_min, value_avg, value_max", []string{"trends", "trends_uint"}, start, end, itemIDs)
	var out []models.TrendSample
	if err := z.selectIn(ctx, &out, query, args...); err != nil {
		return nil, fmt.Errorf("zabbix trends: %w", err)
	}
	return out, nil
}

// unionQuery selects columns from the float and unsigned tables of one
// resolution, ordered by (itemid, clock).
func unionQuery(columns string, tables []string, start, end int64, itemIDs []int64) (string, []interface{}) {
	var parts []string
	var args []interface{}
	for _, t := range tables {
		where := "clock BETWEEN ? AND ?"
		args = append(args, start, end)
		if len(itemIDs) > 0 {
			where += " AND itemid IN (?)"
			args = append(args, itemIDs)
		}
		parts = append(parts, fmt.Sprintf("SELECT %s FROM %s WHERE %s", columns, t, where))
	}
	return strings.Join(parts, " UNION ALL ") + " ORDER BY itemid, clock", args
}

// nameCondition renders name filters for column as one OR-ed predicate.
func nameCondition(column string, names []string) (string, []interface{}) {
	var conds []string
	var args []interface{}
	for _, n := range names {
		if isWildcard(n) {
			conds = append(conds, column+" LIKE ?")
			args = append(args, strings.ReplaceAll(n, "*", "%"))
			continue
		}
		conds = append(conds, "("+column+" = ? OR "+column+" LIKE ?)")
		args = append(args, n, n+"/%")
	}
	return "(" + strings.Join(conds, " OR ") + ")", args
}

func (z *Zabbix) ItemIDs(ctx context.Context, filter models.ItemFilter) ([]int64, error) {
	groups, err := z.hostGroupTable(ctx)
	if err != nil {
		return nil, err
	}

	var where []string
	var args []interface{}
	for _, f := range []struct {
		column string
		names  []string
	}{
		{"items.name", filter.ItemNames},
		{"hosts.name", filter.HostNames},
		{groups + ".name", filter.GroupNames},
	} {
		if len(f.names) == 0 {
			continue
		}
		cond, a := nameCondition(f.column, f.names)
		where = append(where, cond)
		args = append(args, a...)
	}
	if len(filter.ItemIDs) > 0 {
		where = append(where, "items.itemid IN (?)")
		args = append(args, filter.ItemIDs)
	}

	query := fmt.Sprintf(`SELECT DISTINCT items.itemid
		FROM hosts
		INNER JOIN items ON hosts.hostid = items.hostid
		INNER JOIN hosts_groups ON hosts_groups.hostid = hosts.hostid
		INNER JOIN %[1]s ON %[1]s.groupid = hosts_groups.groupid`, groups)
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY items.itemid"
	if filter.MaxItemIDs > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.MaxItemIDs)
	}

	var ids []int64
	if err := z.selectIn(ctx, &ids, query, args...); err != nil {
		return nil, fmt.Errorf("zabbix item ids: %w", err)
	}
	return ids, nil
}

func (z *Zabbix) ItemHostMap(ctx context.Context, itemIDs []int64) (map[int64]int64, error) {
	out := make(map[int64]int64, len(itemIDs))
	if len(itemIDs) == 0 {
		return out, nil
	}
	var rows []struct {
		ItemID int64 `db:"itemid"`
		HostID int64 `db:"hostid"`
	}
	if err := z.selectIn(ctx, &rows, "SELECT itemid, hostid FROM items WHERE itemid IN (?)", itemIDs); err != nil {
		return nil, fmt.Errorf("zabbix item hosts: %w", err)
	}
	for _, r := range rows {
		out[r.ItemID] = r.HostID
	}
	return out, nil
}

func (z *Zabbix) ItemDetails(ctx context.Context, itemIDs []int64) (map[int64]models.ItemDetail, error) {
	out := make(map[int64]models.ItemDetail, len(itemIDs))
	if len(itemIDs) == 0 {
		return out, nil
	}
	var rows []models.ItemDetail
	query := `SELECT items.itemid, hosts.hostid, hosts.name AS host_name, items.name AS item_name
		FROM items
		INNER JOIN hosts ON hosts.hostid = items.hostid
		WHERE items.itemid IN (?)`
	if err := z.selectIn(ctx, &rows, query, itemIDs); err != nil {
		return nil, fmt.Errorf("zabbix item details: %w", err)
	}
	for _, r := range rows {
		out[r.ItemID] = r
	}
	return out, nil
}

func (z *Zabbix) ClassifyByGroups(ctx context.Context, itemIDs []int64, groupNames []string) (map[string][]int64, error) {
	if len(groupNames) == 0 || len(itemIDs) == 0 {
		return map[string][]int64{AllGroup: append([]int64(nil), itemIDs...)}, nil
	}
	groups, err := z.hostGroupTable(ctx)
	if err != nil {
		return nil, err
	}

	out := make(map[string][]int64)
	for _, name := range groupNames {
		cond, args := nameCondition(groups+".name", []string{name})
		query := fmt.Sprintf(`SELECT DISTINCT items.itemid
			FROM items
			INNER JOIN hosts ON hosts.hostid = items.hostid
			INNER JOIN hosts_groups ON hosts_groups.hostid = hosts.hostid
			INNER JOIN %[1]s ON %[1]s.groupid = hosts_groups.groupid
			WHERE %[2]s AND items.itemid IN (?)
			ORDER BY items.itemid`, groups, cond)
		var ids []int64
		if err := z.selectIn(ctx, &ids, query, append(args, itemIDs)...); err != nil {
			return nil, fmt.Errorf("zabbix classify group %s: %w", name, err)
		}
		if len(ids) > 0 {
			out[name] = ids
		}
	}
	return out, nil
}

// CheckItemCondition treats filter as an SQL predicate over the items table.
// Filters come from operator configuration, never from API input.
func (z *Zabbix) CheckItemCondition(ctx context.Context, itemIDs []int64, filter string) ([]int64, error) {
	if filter == "" || len(itemIDs) == 0 {
		return append([]int64(nil), itemIDs...), nil
	}
	var ids []int64
	query := "SELECT itemid FROM items WHERE itemid IN (?) AND (" + filter + ") ORDER BY itemid"
	if err := z.selectIn(ctx, &ids, query, itemIDs); err != nil {
		return nil, fmt.Errorf("zabbix item condition %q: %w", filter, err)
	}
	return ids, nil
}

func (z *Zabbix) Ping(ctx context.Context) error { return z.db.PingContext(ctx) }

func (z *Zabbix) Close() error { return z.db.Close() }
