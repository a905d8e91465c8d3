package source

import (
	"context"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubilitics/kubilitics-anomaly/internal/models"
)

func newMockZabbix(t *testing.T, version int) (*Zabbix, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = mockDB.Close() })
	return newZabbixDB("zabbix-prod", sqlx.NewDb(mockDB, "mysql"), version, nil), mock
}

func TestUnionQuery(t *testing.T) {
	query, args := unionQuery("itemid, clock, value", []string{"history", "history_uint"}, 100, 200, []int64{1, 2})
	assert.Equal(t,
		"SELECT itemid, clock, value FROM history WHERE clock BETWEEN ? AND ? AND itemid IN (?)"+
			" UNION ALL SELECT itemid, clock, value FROM history_uint WHERE clock BETWEEN ? AND ? AND itemid IN (?)"+
			" ORDER BY itemid, clock",
		query)
	assert.Len(t, args, 6)

	query, args = unionQuery("itemid", []string{"trends"}, 1, 2, nil)
	assert.Equal(t, "SELECT itemid FROM trends WHERE clock BETWEEN ? AND ? ORDER BY itemid, clock", query)
	assert.Equal(t, []interface{}{int64(1), int64(2)}, args)
}

func TestNameCondition(t *testing.T) {
	cond, args := nameCondition("hosts.name", []string{"web-*", "Linux servers"})
	assert.Equal(t, "(hosts.name LIKE ? OR (hosts.name = ? OR hosts.name LIKE ?))", cond)
	assert.Equal(t, []interface{}{"web-%", "Linux servers", "Linux servers/%"}, args)
}

func TestZabbixHistoryData(t *testing.T) {
	z, mock := newMockZabbix(t, 5)

	expected := regexp.QuoteMeta(
		"SELECT itemid, clock, value FROM history WHERE clock BETWEEN ? AND ? AND itemid IN (?, ?)" +
			" UNION ALL SELECT itemid, clock, value FROM history_uint WHERE clock BETWEEN ? AND ? AND itemid IN (?, ?)" +
			" ORDER BY itemid, clock")
	mock.ExpectQuery(expected).
		WithArgs(100, 200, 1, 2, 100, 200, 1, 2).
		WillReturnRows(sqlmock.NewRows([]string{"itemid", "clock", "value"}).
			AddRow(1, 120, 0.5).
			AddRow(2, 180, 42.0))

	rows, err := z.HistoryData(context.Background(), 100, 200, []int64{1, 2})
	require.NoError(t, err)
	assert.Equal(t, []models.Sample{
		{ItemID: 1, Clock: 120, Value: 0.5},
		{ItemID: 2, Clock: 180, Value: 42},
	}, rows)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestZabbixTrendsFullData(t *testing.T) {
	z, mock := newMockZabbix(t, 5)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT itemid, clock, value_min, value_avg, value_max FROM trends WHERE")).
		WithArgs(0, 3600, 0, 3600).
		WillReturnRows(sqlmock.NewRows([]string{"itemid", "clock", "value_min", "value_avg", "value_max"}).
			AddRow(7, 0, 1.0, 2.0, 3.0))

	rows, err := z.TrendsFullData(context.Background(), 0, 3600, nil)
	require.NoError(t, err)
	assert.Equal(t, []models.TrendSample{{ItemID: 7, Clock: 0, ValueMin: 1, ValueAvg: 2, ValueMax: 3}}, rows)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestZabbixItemIDsDetectsLegacyGroupTable(t *testing.T) {
	z, mock := newMockZabbix(t, 0)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT mandatory FROM dbversion")).
		WillReturnRows(sqlmock.NewRows([]string{"mandatory"}).AddRow(3040000))
	mock.ExpectQuery("INNER JOIN `groups` ON `groups`.groupid = hosts_groups.groupid WHERE").
		WithArgs("Linux servers", "Linux servers/%", 11, 12).
		WillReturnRows(sqlmock.NewRows([]string{"itemid"}).AddRow(11))

	ids, err := z.ItemIDs(context.Background(), models.ItemFilter{
		GroupNames: []string{"Linux servers"},
		ItemIDs:    []int64{11, 12},
	})
	require.NoError(t, err)
	assert.Equal(t, []int64{11}, ids)

	// the group table is resolved once
	mock.ExpectQuery(regexp.QuoteMeta("LIMIT 5")).
		WillReturnRows(sqlmock.NewRows([]string{"itemid"}).AddRow(11).AddRow(12))
	ids, err = z.ItemIDs(context.Background(), models.ItemFilter{MaxItemIDs: 5})
	require.NoError(t, err)
	assert.Equal(t, []int64{11, 12}, ids)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestZabbixItemIDsCurrentGroupTable(t *testing.T) {
	z, mock := newMockZabbix(t, 6)

	mock.ExpectQuery(regexp.QuoteMeta("INNER JOIN hstgrp ON hstgrp.groupid = hosts_groups.groupid WHERE (items.name LIKE ?)")).
		WithArgs("vfs.fs.%").
		WillReturnRows(sqlmock.NewRows([]string{"itemid"}).AddRow(3))

	ids, err := z.ItemIDs(context.Background(), models.ItemFilter{ItemNames: []string{"vfs.fs.*"}})
	require.NoError(t, err)
	assert.Equal(t, []int64{3}, ids)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestZabbixClassifyByGroups(t *testing.T) {
	z, mock := newMockZabbix(t, 6)
	ctx := context.Background()

	all, err := z.ClassifyByGroups(ctx, []int64{1, 2}, nil)
	require.NoError(t, err)
	assert.Equal(t, map[string][]int64{AllGroup: {1, 2}}, all)

	mock.ExpectQuery(regexp.QuoteMeta("(hstgrp.name = ? OR hstgrp.name LIKE ?) AND items.itemid IN (?, ?)")).
		WithArgs("web", "web/%", 1, 2).
		WillReturnRows(sqlmock.NewRows([]string{"itemid"}).AddRow(1))
	mock.ExpectQuery(regexp.QuoteMeta("(hstgrp.name = ? OR hstgrp.name LIKE ?) AND items.itemid IN (?, ?)")).
		WithArgs("db", "db/%", 1, 2).
		WillReturnRows(sqlmock.NewRows([]string{"itemid"}))

	groups, err := z.ClassifyByGroups(ctx, []int64{1, 2}, []string{"web", "db"})
	require.NoError(t, err)
	assert.Equal(t, map[string][]int64{"web": {1}}, groups)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestZabbixCheckItemCondition(t *testing.T) {
	z, mock := newMockZabbix(t, 6)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT itemid FROM items WHERE itemid IN (?, ?, ?) AND (key_ LIKE 'vfs.fs%') ORDER BY itemid")).
		WithArgs(1, 2, 3).
		WillReturnRows(sqlmock.NewRows([]string{"itemid"}).AddRow(2))

	ids, err := z.CheckItemCondition(context.Background(), []int64{1, 2, 3}, "key_ LIKE 'vfs.fs%'")
	require.NoError(t, err)
	assert.Equal(t, []int64{2}, ids)

	ids, err = z.CheckItemCondition(context.Background(), []int64{1, 2, 3}, "")
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3}, ids)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestZabbixItemDetails(t *testing.T) {
	z, mock := newMockZabbix(t, 6)

	mock.ExpectQuery(regexp.QuoteMeta("hosts.name AS host_name, items.name AS item_name")).
		WithArgs(4).
		WillReturnRows(sqlmock.NewRows([]string{"itemid", "hostid", "host_name", "item_name"}).
			AddRow(4, 40, "db-1", "CPU load"))

	details, err := z.ItemDetails(context.Background(), []int64{4})
	require.NoError(t, err)
	assert.Equal(t, models.ItemDetail{ItemID: 4, HostID: 40, HostName: "db-1", ItemName: "CPU load"}, details[4])

	empty, err := z.ItemDetails(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, empty)
	assert.NoError(t, mock.ExpectationsWereMet())
}
