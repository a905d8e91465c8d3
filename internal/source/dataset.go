package source

import (
	"sort"

	"github.com/kubilitics/kubilitics-anomaly/internal/models"
)

// itemMeta is what file-backed sources know about an item.
type itemMeta struct {
	models.ItemDetail
	Groups []string
}

// dataset is an in-memory snapshot served by the file and HTTP adapters.
// history and trends are kept sorted by (itemid, clock).
type dataset struct {
	history []models.Sample
	trends  []models.TrendSample
	items   map[int64]itemMeta
}

func newDataset(history []models.Sample, trends []models.TrendSample, items map[int64]itemMeta) *dataset {
	sortSamples(history)
	sortTrends(trends)
	if items == nil {
		items = make(map[int64]itemMeta)
	}
	return &dataset{history: history, trends: trends, items: items}
}

func (d *dataset) historyRange(start, end int64, itemIDs []int64) []models.Sample {
	want := models.NewItemSet(itemIDs...)
	var out []models.Sample
	for _, s := range d.history {
		if s.Clock < start || s.Clock > end {
			continue
		}
		if len(itemIDs) > 0 && !want.Has(s.ItemID) {
			continue
		}
		out = append(out, s)
	}
	return out
}

func (d *dataset) trendRange(start, end int64, itemIDs []int64) []models.TrendSample {
	want := models.NewItemSet(itemIDs...)
	var out []models.TrendSample
	for _, t := range d.trends {
		if t.Clock < start || t.Clock > end {
			continue
		}
		if len(itemIDs) > 0 && !want.Has(t.ItemID) {
			continue
		}
		out = append(out, t)
	}
	return out
}

// allItemIDs returns every item seen in metadata or series, ascending.
func (d *dataset) allItemIDs() []int64 {
	set := models.NewItemSet()
	for id := range d.items {
		set.Add(id)
	}
	for _, s := range d.history {
		set.Add(s.ItemID)
	}
	for _, t := range d.trends {
		set.Add(t.ItemID)
	}
	return set.Sorted()
}

func (d *dataset) itemIDs(filter models.ItemFilter) ([]int64, error) {
	itemNames, err := newNameMatcher(filter.ItemNames)
	if err != nil {
		return nil, err
	}
	hostNames, err := newNameMatcher(filter.HostNames)
	if err != nil {
		return nil, err
	}
	groupNames, err := newNameMatcher(filter.GroupNames)
	if err != nil {
		return nil, err
	}
	byID := models.NewItemSet(filter.ItemIDs...)

	var out []int64
	for _, id := range d.allItemIDs() {
		if len(filter.ItemIDs) > 0 && !byID.Has(id) {
			continue
		}
		meta, known := d.items[id]
		if !itemNames.Empty() && (!known || !itemNames.Match(meta.ItemName)) {
			continue
		}
		if !hostNames.Empty() && (!known || !hostNames.Match(meta.HostName)) {
			continue
		}
		if !groupNames.Empty() && (!known || !anyMatch(groupNames, meta.Groups)) {
			continue
		}
		out = append(out, id)
	}
	return limitIDs(out, filter.MaxItemIDs), nil
}

func anyMatch(m *nameMatcher, names []string) bool {
	for _, n := range names {
		if m.Match(n) {
			return true
		}
	}
	return false
}

func (d *dataset) itemHostMap(itemIDs []int64) map[int64]int64 {
	out := make(map[int64]int64, len(itemIDs))
	for _, id := range itemIDs {
		if meta, ok := d.items[id]; ok {
			out[id] = meta.HostID
		}
	}
	return out
}

func (d *dataset) itemDetails(itemIDs []int64) map[int64]models.ItemDetail {
	out := make(map[int64]models.ItemDetail, len(itemIDs))
	for _, id := range itemIDs {
		if meta, ok := d.items[id]; ok {
			out[id] = meta.ItemDetail
		}
	}
	return out
}

func (d *dataset) classifyByGroups(itemIDs []int64, groupNames []string) (map[string][]int64, error) {
	matchers := make(map[string]*nameMatcher, len(groupNames))
	for _, g := range groupNames {
		m, err := newNameMatcher([]string{g})
		if err != nil {
			return nil, err
		}
		matchers[g] = m
	}
	return classifyByNames(itemIDs, groupNames, func(group string) models.ItemSet {
		set := models.NewItemSet()
		for id, meta := range d.items {
			if anyMatch(matchers[group], meta.Groups) {
				set.Add(id)
			}
		}
		return set
	}), nil
}

// checkItemCondition keeps the items whose name matches the filter pattern.
func (d *dataset) checkItemCondition(itemIDs []int64, filter string) ([]int64, error) {
	if filter == "" {
		return append([]int64(nil), itemIDs...), nil
	}
	m, err := newNameMatcher([]string{filter})
	if err != nil {
		return nil, err
	}
	var out []int64
	for _, id := range itemIDs {
		if meta, ok := d.items[id]; ok && m.Match(meta.ItemName) {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}
