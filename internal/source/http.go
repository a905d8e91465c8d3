package source

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-anomaly/internal/config"
	"github.com/kubilitics/kubilitics-anomaly/internal/models"
)

const (
	defaultHTTPTimeout        = 30 * time.Second
	defaultHTTPCacheTTL       = 5 * time.Minute
	defaultHTTPTrendsInterval = 10800

	datasetCacheKey = "dataset"
)

// HTTP reads per-host CSV exports over HTTP:
//
//	<base_url>/<host>/history.csv   itemid,clock,value
//	<base_url>/<host>/items.csv     itemid,item_name (optional)
//
// Hosts and their groups come from configuration. Trends are derived by
// bucketing history into trends_interval buckets. The downloaded snapshot is
// cached for cache_ttl_sec.
type HTTP struct {
	name     string
	client   *resty.Client
	groups   []config.HostGroup
	hosts    []string
	interval int64
	cache    *cache.Cache
	logger   *zap.Logger
}

// NewHTTP builds an HTTP adapter from cfg.HTTP.
func NewHTTP(cfg config.DataSource, logger *zap.Logger) (MetricSource, error) {
	if cfg.HTTP == nil || cfg.HTTP.BaseURL == "" {
		return nil, fmt.Errorf("http base_url is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	h := cfg.HTTP

	timeout := defaultHTTPTimeout
	if h.TimeoutSec > 0 {
		timeout = time.Duration(h.TimeoutSec) * time.Second
	}
	ttl := defaultHTTPCacheTTL
	if h.CacheTTLSec > 0 {
		ttl = time.Duration(h.CacheTTLSec) * time.Second
	}
	interval := h.TrendsInterval
	if interval <= 0 {
		interval = defaultHTTPTrendsInterval
	}

	seen := make(map[string]bool)
	var hosts []string
	for _, g := range h.Groups {
		for _, host := range g.Hosts {
			if !seen[host] {
				seen[host] = true
				hosts = append(hosts, host)
			}
		}
	}

	client := resty.New().
		SetBaseURL(strings.TrimRight(h.BaseURL, "/")).
		SetTimeout(timeout).
		SetHeader("Accept", "text/csv")

	return &HTTP{
		name:     cfg.Name,
		client:   client,
		groups:   h.Groups,
		hosts:    hosts,
		interval: interval,
		cache:    cache.New(ttl, 2*ttl),
		logger:   logger,
	}, nil
}

func (h *HTTP) Name() string { return h.name }

func (h *HTTP) load(ctx context.Context) (*dataset, error) {
	if cached, ok := h.cache.Get(datasetCacheKey); ok {
		return cached.(*dataset), nil
	}

	var history []models.Sample
	items := make(map[int64]itemMeta)
	for i, host := range h.hosts {
		hostID := int64(i + 1)
		var groups []string
		for _, g := range h.groups {
			for _, member := range g.Hosts {
				if member == host {
					groups = append(groups, g.Name)
				}
			}
		}

		body, err := h.fetch(ctx, host+"/history.csv", true)
		if err != nil {
			return nil, err
		}
		err = readCSV(bytes.NewReader(body), host+"/history.csv", []string{"itemid", "clock", "value"}, func(r csvRow) error {
			s, err := r.sample()
			if err != nil {
				return err
			}
			history = append(history, s)
			if _, ok := items[s.ItemID]; !ok {
				items[s.ItemID] = itemMeta{
					ItemDetail: models.ItemDetail{ItemID: s.ItemID, HostID: hostID, HostName: host},
					Groups:     groups,
				}
			}
			return nil
		})
		if err != nil {
			return nil, err
		}

		body, err = h.fetch(ctx, host+"/items.csv", false)
		if err != nil {
			return nil, err
		}
		if body == nil {
			continue
		}
		err = readCSV(bytes.NewReader(body), host+"/items.csv", []string{"itemid", "item_name"}, func(r csvRow) error {
			id, err := r.intCol("itemid")
			if err != nil {
				return err
			}
			meta, ok := items[id]
			if !ok {
				meta = itemMeta{
					ItemDetail: models.ItemDetail{ItemID: id, HostID: hostID, HostName: host},
					Groups:     groups,
				}
			}
			meta.ItemName = r.col("item_name")
			items[id] = meta
			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	data := newDataset(history, bucketTrends(history, h.interval), items)
	h.cache.SetDefault(datasetCacheKey, data)
	h.logger.Debug("loaded http data source",
		zap.Int("hosts", len(h.hosts)),
		zap.Int("history_rows", len(history)),
	)
	return data, nil
}

// fetch downloads path. A 404 on an optional file returns nil, nil.
func (h *HTTP) fetch(ctx context.Context, path string, required bool) ([]byte, error) {
	resp, err := h.client.R().SetContext(ctx).Get("/" + path)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", path, err)
	}
	if resp.StatusCode() == http.StatusNotFound && !required {
		return nil, nil
	}
	if resp.IsError() {
		return nil, fmt.Errorf("GET %s: unexpected status %d", path, resp.StatusCode())
	}
	return resp.Body(), nil
}

// Invalidate drops the cached snapshot so the next call downloads again.
func (h *HTTP) Invalidate() { h.cache.Flush() }

func (h *HTTP) HistoryData(ctx context.Context, start, end int64, itemIDs []int64) ([]models.Sample, error) {
	d, err := h.load(ctx)
	if err != nil {
		return nil, err
	}
	return d.historyRange(start, end, itemIDs), nil
}

func (h *HTTP) TrendsData(ctx context.Context, start, end int64, itemIDs []int64) ([]models.Sample, error) {
	d, err := h.load(ctx)
	if err != nil {
		return nil, err
	}
	return avgOnly(d.trendRange(start, end, itemIDs)), nil
}

func (h *HTTP) TrendsFullData(ctx context.Context, start, end int64, itemIDs []int64) ([]models.TrendSample, error) {
	d, err := h.load(ctx)
	if err != nil {
		return nil, err
	}
	return d.trendRange(start, end, itemIDs), nil
}

func (h *HTTP) ItemIDs(ctx context.Context, filter models.ItemFilter) ([]int64, error) {
	d, err := h.load(ctx)
	if err != nil {
		return nil, err
	}
	return d.itemIDs(filter)
}

func (h *HTTP) ItemHostMap(ctx context.Context, itemIDs []int64) (map[int64]int64, error) {
	d, err := h.load(ctx)
	if err != nil {
		return nil, err
	}
	return d.itemHostMap(itemIDs), nil
}

func (h *HTTP) ItemDetails(ctx context.Context, itemIDs []int64) (map[int64]models.ItemDetail, error) {
	d, err := h.load(ctx)
	if err != nil {
		return nil, err
	}
	return d.itemDetails(itemIDs), nil
}

func (h *HTTP) ClassifyByGroups(ctx context.Context, itemIDs []int64, groupNames []string) (map[string][]int64, error) {
	d, err := h.load(ctx)
	if err != nil {
		return nil, err
	}
	return d.classifyByGroups(itemIDs, groupNames)
}

func (h *HTTP) CheckItemCondition(ctx context.Context, itemIDs []int64, filter string) ([]int64, error) {
	d, err := h.load(ctx)
	if err != nil {
		return nil, err
	}
	return d.checkItemCondition(itemIDs, filter)
}

func (h *HTTP) Ping(ctx context.Context) error {
	resp, err := h.client.R().SetContext(ctx).Get("/")
	if err != nil {
		return err
	}
	if resp.StatusCode() >= http.StatusInternalServerError {
		return fmt.Errorf("unexpected status %d", resp.StatusCode())
	}
	return nil
}

func (h *HTTP) Close() error {
	h.cache.Flush()
	return nil
}
