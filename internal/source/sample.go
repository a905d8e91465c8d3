package source

import (
	"context"
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"math"
	"os"
	"sort"
	"sync"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/kubilitics/kubilitics-anomaly/internal/config"
	"github.com/kubilitics/kubilitics-anomaly/internal/models"
)

const (
	defaultSampleHistoryStep   = 60
	defaultSampleTrendInterval = 10800
	defaultSamplePeriod        = 3600
)

// Synthetic series shapes.
const (
	ShapeFlat  = "flat"
	ShapeSine  = "sine"
	ShapeStep  = "step"
	ShapeSpike = "spike"
	ShapeWalk  = "walk"
)

// sampleDefinitions is the layout of a definitions file.
type sampleDefinitions struct {
	Items []config.SampleItemConfig `yaml:"items"`
}

// Sample generates deterministic synthetic series. Every value is a pure
// function of (seed, itemid, clock), so two instances with the same
// configuration always agree and windows can be generated on demand.
//
// History points are emitted every history_step seconds; trend buckets
// aggregate the history points that fall into each trend_interval bucket.
// Like Zabbix trends, a bucket is reported only once it has closed, that is
// when bucket+trend_interval <= end.
type Sample struct {
	name     string
	seed     int64
	step     int64
	interval int64
	defsPath string
	inline   []config.SampleItemConfig
	logger   *zap.Logger

	once  sync.Once
	err   error
	items map[int64]config.SampleItemConfig
	meta  *dataset
}

// NewSample builds the synthetic adapter. Definitions files are read on
// first use.
func NewSample(cfg config.DataSource, logger *zap.Logger) (MetricSource, error) {
	if cfg.Sample == nil {
		return nil, fmt.Errorf("sample block is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	sc := cfg.Sample
	s := &Sample{
		name:     cfg.Name,
		seed:     sc.Seed,
		step:     sc.HistoryStep,
		interval: sc.TrendInterval,
		defsPath: sc.Definitions,
		inline:   sc.Items,
		logger:   logger,
	}
	if s.step <= 0 {
		s.step = defaultSampleHistoryStep
	}
	if s.interval <= 0 {
		s.interval = defaultSampleTrendInterval
	}
	return s, nil
}

func (s *Sample) Name() string { return s.name }

func (s *Sample) load() (*dataset, error) {
	s.once.Do(func() {
		defs := append([]config.SampleItemConfig(nil), s.inline...)
		if s.defsPath != "" {
			raw, err := os.ReadFile(s.defsPath)
			if err != nil {
				s.err = fmt.Errorf("read sample definitions: %w", err)
				return
			}
			var file sampleDefinitions
			if err := yaml.Unmarshal(raw, &file); err != nil {
				s.err = fmt.Errorf("parse sample definitions %s: %w", s.defsPath, err)
				return
			}
			defs = append(defs, file.Items...)
		}

		s.items = make(map[int64]config.SampleItemConfig, len(defs))
		hostIDs := make(map[string]int64)
		meta := make(map[int64]itemMeta, len(defs))
		for _, d := range defs {
			if d.ItemID <= 0 {
				s.err = fmt.Errorf("sample item %q: itemid must be positive", d.Name)
				return
			}
			if _, dup := s.items[d.ItemID]; dup {
				s.err = fmt.Errorf("sample item %d defined twice", d.ItemID)
				return
			}
			if d.Shape == "" {
				d.Shape = ShapeFlat
			}
			switch d.Shape {
			case ShapeFlat, ShapeSine, ShapeStep, ShapeSpike, ShapeWalk:
			default:
				s.err = fmt.Errorf("sample item %d: unknown shape %q", d.ItemID, d.Shape)
				return
			}
			if d.Period <= 0 {
				d.Period = defaultSamplePeriod
			}
			s.items[d.ItemID] = d

			hostID, ok := hostIDs[d.Host]
			if !ok {
				hostID = int64(len(hostIDs) + 1)
				hostIDs[d.Host] = hostID
			}
			m := itemMeta{ItemDetail: models.ItemDetail{
				ItemID:   d.ItemID,
				HostID:   hostID,
				HostName: d.Host,
				ItemName: d.Name,
			}}
			if d.Group != "" {
				m.Groups = []string{d.Group}
			}
			meta[d.ItemID] = m
		}
		s.meta = newDataset(nil, nil, meta)
		s.logger.Debug("loaded sample definitions", zap.Int("items", len(s.items)))
	})
	return s.meta, s.err
}

// selected returns the defined items among ids (all when ids is empty), ascending.
func (s *Sample) selected(ids []int64) []config.SampleItemConfig {
	var out []config.SampleItemConfig
	if len(ids) == 0 {
		for _, d := range s.items {
			out = append(out, d)
		}
	} else {
		for _, id := range models.NewItemSet(ids...).Sorted() {
			if d, ok := s.items[id]; ok {
				out = append(out, d)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ItemID < out[j].ItemID })
	return out
}

// Value returns the synthetic value of item at clock.
func (s *Sample) Value(item config.SampleItemConfig, clock int64) float64 {
	v := item.Base
	switch item.Shape {
	case ShapeSine:
		v += item.Amplitude * math.Sin(2*math.Pi*float64(floorMod(clock, item.Period))/float64(item.Period))
	case ShapeWalk:
		// value noise: interpolate between random knots one period apart
		k := clock - floorMod(clock, item.Period)
		frac := float64(clock-k) / float64(item.Period)
		a := s.unit(item.ItemID, k, 1)
		b := s.unit(item.ItemID, k+item.Period, 1)
		v += item.Amplitude * (a + (b-a)*frac)
	case ShapeSpike:
		if item.ShiftAt > 0 && clock >= item.ShiftAt && clock < item.ShiftAt+item.Period {
			v += item.Shift
		}
	}
	if item.Shape != ShapeSpike && item.ShiftAt > 0 && clock >= item.ShiftAt {
		v += item.Shift
	}
	if item.Noise > 0 {
		v += item.Noise * s.unit(item.ItemID, clock, 0)
	}
	return v
}

// unit hashes (seed, item, clock, salt) into [-1, 1).
func (s *Sample) unit(item, clock int64, salt uint64) float64 {
	h := fnv.New64a()
	var buf [32]byte
	binary.LittleEndian.PutUint64(buf[0:], uint64(s.seed))
	binary.LittleEndian.PutUint64(buf[8:], uint64(item))
	binary.LittleEndian.PutUint64(buf[16:], uint64(clock))
	binary.LittleEndian.PutUint64(buf[24:], salt)
	_, _ = h.Write(buf[:])
	return float64(h.Sum64()>>11)/float64(1<<53)*2 - 1
}

func floorMod(a, b int64) int64 {
	m := a % b
	if m < 0 {
		m += b
	}
	return m
}

// firstStep returns the first history clock >= start.
func (s *Sample) firstStep(start int64) int64 {
	if r := floorMod(start, s.step); r != 0 {
		return start + s.step - r
	}
	return start
}

func (s *Sample) HistoryData(ctx context.Context, start, end int64, itemIDs []int64) ([]models.Sample, error) {
	if _, err := s.load(); err != nil {
		return nil, err
	}
	var out []models.Sample
	for _, item := range s.selected(itemIDs) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for clock := s.firstStep(start); clock <= end; clock += s.step {
			out = append(out, models.Sample{ItemID: item.ItemID, Clock: clock, Value: s.Value(item, clock)})
		}
	}
	return out, nil
}

func (s *Sample) TrendsFullData(ctx context.Context, start, end int64, itemIDs []int64) ([]models.TrendSample, error) {
	if _, err := s.load(); err != nil {
		return nil, err
	}
	first := start - floorMod(start, s.interval)
	if first < start {
		first += s.interval
	}
	var out []models.TrendSample
	for _, item := range s.selected(itemIDs) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for bucket := first; bucket+s.interval <= end; bucket += s.interval {
			var points []models.Sample
			for clock := s.firstStep(bucket); clock < bucket+s.interval; clock += s.step {
				points = append(points, models.Sample{ItemID: item.ItemID, Clock: clock, Value: s.Value(item, clock)})
			}
			out = append(out, bucketTrends(points, s.interval)...)
		}
	}
	return out, nil
}

func (s *Sample) TrendsData(ctx context.Context, start, end int64, itemIDs []int64) ([]models.Sample, error) {
	rows, err := s.TrendsFullData(ctx, start, end, itemIDs)
	if err != nil {
		return nil, err
	}
	return avgOnly(rows), nil
}

func (s *Sample) ItemIDs(ctx context.Context, filter models.ItemFilter) ([]int64, error) {
	d, err := s.load()
	if err != nil {
		return nil, err
	}
	return d.itemIDs(filter)
}

func (s *Sample) ItemHostMap(ctx context.Context, itemIDs []int64) (map[int64]int64, error) {
	d, err := s.load()
	if err != nil {
		return nil, err
	}
	return d.itemHostMap(itemIDs), nil
}

func (s *Sample) ItemDetails(ctx context.Context, itemIDs []int64) (map[int64]models.ItemDetail, error) {
	d, err := s.load()
	if err != nil {
		return nil, err
	}
	return d.itemDetails(itemIDs), nil
}

func (s *Sample) ClassifyByGroups(ctx context.Context, itemIDs []int64, groupNames []string) (map[string][]int64, error) {
	d, err := s.load()
	if err != nil {
		return nil, err
	}
	return d.classifyByGroups(itemIDs, groupNames)
}

func (s *Sample) CheckItemCondition(ctx context.Context, itemIDs []int64, filter string) ([]int64, error) {
	d, err := s.load()
	if err != nil {
		return nil, err
	}
	return d.checkItemCondition(itemIDs, filter)
}

func (s *Sample) Ping(ctx context.Context) error {
	_, err := s.load()
	return err
}

func (s *Sample) Close() error { return nil }
