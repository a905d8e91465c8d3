// Package models defines the row types shared by metric sources, the
// persistence layer and the detection pipeline.
//
// All timestamps are epoch seconds. Item ids are the monitoring system's
// native identifiers and are only unique within one data source.
package models

// Sample is one (itemid, clock, value) point of a history or trend series.
type Sample struct {
	ItemID int64   `json:"itemid" db:"itemid"`
	Clock  int64   `json:"clock" db:"clock"`
	Value  float64 `json:"value" db:"value"`
}

// TrendSample is one pre-aggregated trend bucket.
type TrendSample struct {
	ItemID   int64   `json:"itemid" db:"itemid"`
	Clock    int64   `json:"clock" db:"clock"`
	ValueMin float64 `json:"value_min" db:"value_min"`
	ValueAvg float64 `json:"value_avg" db:"value_avg"`
	ValueMax float64 `json:"value_max" db:"value_max"`
}

// ItemDetail is the metadata a source knows about one item.
type ItemDetail struct {
	ItemID   int64  `json:"itemid" db:"itemid"`
	HostID   int64  `json:"hostid" db:"hostid"`
	HostName string `json:"host_name" db:"host_name"`
	ItemName string `json:"item_name" db:"item_name"`
}

// ItemFilter selects items on a metric source. Empty slices do not filter.
type ItemFilter struct {
	ItemNames  []string
	HostNames  []string
	GroupNames []string
	ItemIDs    []int64
	MaxItemIDs int
}

// NoiseClusterID marks an anomaly that was not grouped with any other item.
const NoiseClusterID = -1

// Anomaly is one row of the anomaly ledger.
type Anomaly struct {
	ItemID    int64  `json:"itemid" db:"itemid"`
	Created   int64  `json:"created" db:"created"`
	GroupName string `json:"group_name" db:"group_name"`
	HostID    int64  `json:"hostid" db:"hostid"`
	ClusterID int    `json:"clusterid" db:"clusterid"`
	HostName  string `json:"host_name" db:"host_name"`
	ItemName  string `json:"item_name" db:"item_name"`
}

// AnomalyKey is the deduplication key of the ledger.
type AnomalyKey struct {
	ItemID    int64
	GroupName string
	ClusterID int
}

// Key returns the deduplication key of a.
func (a Anomaly) Key() AnomalyKey {
	return AnomalyKey{ItemID: a.ItemID, GroupName: a.GroupName, ClusterID: a.ClusterID}
}

// GroupBySeries splits samples into per-item slices, keeping input order.
func GroupBySeries(samples []Sample) map[int64][]Sample {
	out := make(map[int64][]Sample)
	for _, s := range samples {
		out[s.ItemID] = append(out[s.ItemID], s)
	}
	return out
}

// GroupTrends splits trend rows into per-item slices, keeping input order.
func GroupTrends(rows []TrendSample) map[int64][]TrendSample {
	out := make(map[int64][]TrendSample)
	for _, r := range rows {
		out[r.ItemID] = append(out[r.ItemID], r)
	}
	return out
}
