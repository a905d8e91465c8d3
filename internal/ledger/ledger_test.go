package ledger

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubilitics/kubilitics-anomaly/internal/db"
	"github.com/kubilitics/kubilitics-anomaly/internal/models"
)

func newLedger(t *testing.T) *Ledger {
	t.Helper()
	store, err := db.Open(context.Background(), db.Config{Driver: db.DriverSQLite, DSN: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return New("demo", store, nil)
}

func TestDedupKeepsFirst(t *testing.T) {
	recs := []models.Anomaly{
		{ItemID: 1, GroupName: "web", ClusterID: 0, HostName: "first"},
		{ItemID: 1, GroupName: "web", ClusterID: 0, HostName: "second"},
		{ItemID: 1, GroupName: "db", ClusterID: 0},
		{ItemID: 1, GroupName: "web", ClusterID: 1},
	}
	out := Dedup(recs)
	require.Len(t, out, 3)
	assert.Equal(t, "first", out[0].HostName)
}

func TestInsertIdenticalKeysStoresOneRow(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()

	rec := models.Anomaly{ItemID: 7, Created: 1000, GroupName: "all", ClusterID: 2}
	n, err := l.Insert(ctx, []models.Anomaly{rec, rec})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = l.Insert(ctx, []models.Anomaly{rec})
	require.NoError(t, err)
	assert.Equal(t, 0, n, "key already stored")

	rows, err := l.Query(ctx, db.AnomalyQuery{})
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestLedgerLifecycle(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()

	_, err := l.Insert(ctx, []models.Anomaly{
		{ItemID: 1, Created: 100, GroupName: "all", ClusterID: -1},
		{ItemID: 2, Created: 500, GroupName: "all", ClusterID: -1},
		{ItemID: 3, Created: 900, GroupName: "all", ClusterID: 0},
	})
	require.NoError(t, err)

	ids, err := l.ListActiveItemIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3}, ids)

	n, err := l.UpdateClusterID(ctx, map[int64]int{2: 0})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	zero := 0
	rows, err := l.Query(ctx, db.AnomalyQuery{ClusterID: &zero})
	require.NoError(t, err)
	assert.Len(t, rows, 2)

	pruned, err := l.PruneOlderThan(ctx, 500)
	require.NoError(t, err)
	assert.Equal(t, int64(1), pruned)

	ids, err = l.ListActiveItemIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{2, 3}, ids)
}

func TestCommit(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()

	_, err := l.Insert(ctx, []models.Anomaly{{ItemID: 1, Created: 100, GroupName: "all", ClusterID: -1}})
	require.NoError(t, err)

	dup := models.Anomaly{ItemID: 2, Created: 1000, GroupName: "all", ClusterID: 1}
	res, err := l.Commit(ctx, Changes{
		Insert:      []models.Anomaly{dup, dup},
		Clusters:    map[int64]int{1: 1},
		PruneBefore: 50,
	})
	require.NoError(t, err)
	assert.Equal(t, db.AnomalyChangeResult{Inserted: 1, Updated: 1, Pruned: 0}, res)

	one := 1
	rows, err := l.Query(ctx, db.AnomalyQuery{ClusterID: &one})
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestCommitKeepsReconfirmedItem(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()

	rec := models.Anomaly{ItemID: 7, Created: 1000, GroupName: "all", ClusterID: 1}
	_, err := l.Commit(ctx, Changes{Insert: []models.Anomaly{rec}, PruneBefore: 900})
	require.NoError(t, err)

	rec.Created = 1200
	res, err := l.Commit(ctx, Changes{Insert: []models.Anomaly{rec}, PruneBefore: 1100})
	require.NoError(t, err)
	assert.Equal(t, db.AnomalyChangeResult{Refreshed: 1}, res)

	ids, err := l.ListActiveItemIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{7}, ids)

	rows, err := l.Query(ctx, db.AnomalyQuery{})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(1200), rows[0].Created)
}

func TestRecords(t *testing.T) {
	recs := Records(RecordSet{
		Created: 1700000000,
		Groups: map[string][]int64{
			"web": {1, 2},
			"all": {1},
		},
		Details: map[int64]models.ItemDetail{
			1: {ItemID: 1, HostID: 10, HostName: "web-1", ItemName: "cpu"},
			2: {ItemID: 2, HostName: "web-2", ItemName: "mem"},
		},
		HostIDs:  map[int64]int64{1: 11},
		Clusters: map[int64]int{1: 3},
	})

	assert.Equal(t, []models.Anomaly{
		{ItemID: 1, Created: 1700000000, GroupName: "all", HostID: 11, ClusterID: 3, HostName: "web-1", ItemName: "cpu"},
		{ItemID: 1, Created: 1700000000, GroupName: "web", HostID: 11, ClusterID: 3, HostName: "web-1", ItemName: "cpu"},
		{ItemID: 2, Created: 1700000000, GroupName: "web", HostID: -1, ClusterID: models.NoiseClusterID, HostName: "web-2", ItemName: "mem"},
	}, recs)
}

type failingStore struct{ Store }

func (failingStore) ListAnomalyItemIDs(context.Context, string) ([]int64, error) {
	return nil, errors.New("disk full")
}

func TestErrorsNameTheSource(t *testing.T) {
	l := New("zbx", failingStore{}, nil)
	_, err := l.ListActiveItemIDs(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ledger zbx")
	assert.Contains(t, err.Error(), "disk full")
}
