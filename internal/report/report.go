// Package report renders the active anomalies of a data source grouped by
// cluster and host.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"github.com/kubilitics/kubilitics-anomaly/internal/models"
)

// Member is one anomalous item.
type Member struct {
	ItemID   int64    `json:"itemid"`
	ItemName string   `json:"item_name"`
	Groups   []string `json:"groups"`
	Created  int64    `json:"created"`
}

// Host collects the members that live on one host.
type Host struct {
	HostID   int64    `json:"hostid"`
	HostName string   `json:"host_name"`
	Items    []Member `json:"items"`
}

// Cluster is a set of items that moved together.
type Cluster struct {
	ID        int    `json:"clusterid"`
	Size      int    `json:"size"`
	FirstSeen int64  `json:"first_seen"`
	LastSeen  int64  `json:"last_seen"`
	Hosts     []Host `json:"hosts"`
}

// Report is the grouped view of one data source's ledger.
type Report struct {
	Source   string    `json:"source"`
	Total    int       `json:"total"`
	Clusters []Cluster `json:"clusters"`
	Noise    []Host    `json:"noise"`
}

// Build groups rows into clusters and noise. Clusters are ordered by id,
// hosts by name then id, members by item id.
func Build(source string, rows []models.Anomaly) Report {
	rep := Report{Source: source, Total: len(rows), Clusters: []Cluster{}, Noise: []Host{}}

	byCluster := make(map[int][]models.Anomaly)
	for _, a := range rows {
		byCluster[a.ClusterID] = append(byCluster[a.ClusterID], a)
	}
	ids := make([]int, 0, len(byCluster))
	for id := range byCluster {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	for _, id := range ids {
		hosts, size := groupHosts(byCluster[id])
		if id == models.NoiseClusterID {
			rep.Noise = hosts
			continue
		}
		c := Cluster{ID: id, Size: size, Hosts: hosts}
		for i, a := range byCluster[id] {
			if i == 0 || a.Created < c.FirstSeen {
				c.FirstSeen = a.Created
			}
			if a.Created > c.LastSeen {
				c.LastSeen = a.Created
			}
		}
		rep.Clusters = append(rep.Clusters, c)
	}
	return rep
}

// MultiHost returns the clusters that span more than one host.
func (r Report) MultiHost() []Cluster {
	var out []Cluster
	for _, c := range r.Clusters {
		if len(c.Hosts) > 1 {
			out = append(out, c)
		}
	}
	return out
}

type hostKey struct {
	id   int64
	name string
}

func groupHosts(rows []models.Anomaly) ([]Host, int) {
	members := make(map[hostKey]map[int64]*Member)
	items := make(map[int64]struct{})
	for _, a := range rows {
		k := hostKey{a.HostID, a.HostName}
		if members[k] == nil {
			members[k] = make(map[int64]*Member)
		}
		m, ok := members[k][a.ItemID]
		if !ok {
			m = &Member{ItemID: a.ItemID, ItemName: a.ItemName, Created: a.Created}
			members[k][a.ItemID] = m
		}
		if a.Created < m.Created {
			m.Created = a.Created
		}
		if !contains(m.Groups, a.GroupName) {
			m.Groups = append(m.Groups, a.GroupName)
		}
		items[a.ItemID] = struct{}{}
	}

	hosts := make([]Host, 0, len(members))
	for k, byItem := range members {
		h := Host{HostID: k.id, HostName: k.name, Items: make([]Member, 0, len(byItem))}
		for _, m := range byItem {
			sort.Strings(m.Groups)
			h.Items = append(h.Items, *m)
		}
		sort.Slice(h.Items, func(i, j int) bool { return h.Items[i].ItemID < h.Items[j].ItemID })
		hosts = append(hosts, h)
	}
	sort.Slice(hosts, func(i, j int) bool {
		if hosts[i].HostName != hosts[j].HostName {
			return hosts[i].HostName < hosts[j].HostName
		}
		return hosts[i].HostID < hosts[j].HostID
	})
	return hosts, len(items)
}

func contains(s []string, v string) bool {
	for _, x := range s {
		if x == v {
			return true
		}
	}
	return false
}

// Write encodes reports as indented JSON.
func Write(w io.Writer, reports ...Report) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(reports); err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	return nil
}
