package source

import (
	"compress/gzip"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-anomaly/internal/config"
	"github.com/kubilitics/kubilitics-anomaly/internal/models"
)

// Files read from a CSV data directory.
const (
	HistoryFile = "history.csv.gz"
	TrendsFile  = "trends.csv.gz"
	ItemsFile   = "items.csv.gz"
)

// CSV serves exported series from gzipped CSV files in one directory:
//
//	history.csv.gz  itemid,clock,value
//	trends.csv.gz   itemid,clock,value_min,value_avg,value_max
//	items.csv.gz    itemid,hostid,host_name,item_name,group_name
//
// Files are read once on first use. An item listed on several rows of
// items.csv.gz belongs to every group named on them.
type CSV struct {
	name    string
	dataDir string
	logger  *zap.Logger

	mu   sync.Mutex
	data *dataset
}

// NewCSV builds a CSV adapter for cfg.CSV.DataDir.
func NewCSV(cfg config.DataSource, logger *zap.Logger) (MetricSource, error) {
	if cfg.CSV == nil || cfg.CSV.DataDir == "" {
		return nil, fmt.Errorf("csv data_dir is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CSV{name: cfg.Name, dataDir: cfg.CSV.DataDir, logger: logger}, nil
}

func (c *CSV) Name() string { return c.name }

func (c *CSV) load() (*dataset, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.data != nil {
		return c.data, nil
	}

	var history []models.Sample
	err := readGzipCSV(filepath.Join(c.dataDir, HistoryFile), []string{"itemid", "clock", "value"}, func(r csvRow) error {
		s, err := r.sample()
		if err != nil {
			return err
		}
		history = append(history, s)
		return nil
	})
	if err != nil {
		return nil, err
	}

	var trends []models.TrendSample
	err = readGzipCSV(filepath.Join(c.dataDir, TrendsFile), []string{"itemid", "clock", "value_min", "value_avg", "value_max"}, func(r csvRow) error {
		t, err := r.trend()
		if err != nil {
			return err
		}
		trends = append(trends, t)
		return nil
	})
	if err != nil {
		return nil, err
	}

	items := make(map[int64]itemMeta)
	err = readGzipCSV(filepath.Join(c.dataDir, ItemsFile), []string{"itemid", "hostid"}, func(r csvRow) error {
		id, err := r.intCol("itemid")
		if err != nil {
			return err
		}
		hostID, err := r.intCol("hostid")
		if err != nil {
			return err
		}
		meta := items[id]
		meta.ItemID = id
		meta.HostID = hostID
		meta.HostName = r.col("host_name")
		meta.ItemName = r.col("item_name")
		if g := r.col("group_name"); g != "" {
			meta.Groups = append(meta.Groups, g)
		}
		items[id] = meta
		return nil
	})
	if err != nil {
		return nil, err
	}

	c.logger.Debug("loaded csv data source",
		zap.String("data_dir", c.dataDir),
		zap.Int("history_rows", len(history)),
		zap.Int("trend_rows", len(trends)),
		zap.Int("items", len(items)),
	)
	c.data = newDataset(history, trends, items)
	return c.data, nil
}

func (c *CSV) HistoryData(ctx context.Context, start, end int64, itemIDs []int64) ([]models.Sample, error) {
	d, err := c.load()
	if err != nil {
		return nil, err
	}
	return d.historyRange(start, end, itemIDs), nil
}

func (c *CSV) TrendsData(ctx context.Context, start, end int64, itemIDs []int64) ([]models.Sample, error) {
	d, err := c.load()
	if err != nil {
		return nil, err
	}
	return avgOnly(d.trendRange(start, end, itemIDs)), nil
}

func (c *CSV) TrendsFullData(ctx context.Context, start, end int64, itemIDs []int64) ([]models.TrendSample, error) {
	d, err := c.load()
	if err != nil {
		return nil, err
	}
	return d.trendRange(start, end, itemIDs), nil
}

func (c *CSV) ItemIDs(ctx context.Context, filter models.ItemFilter) ([]int64, error) {
	d, err := c.load()
	if err != nil {
		return nil, err
	}
	return d.itemIDs(filter)
}

func (c *CSV) ItemHostMap(ctx context.Context, itemIDs []int64) (map[int64]int64, error) {
	d, err := c.load()
	if err != nil {
		return nil, err
	}
	return d.itemHostMap(itemIDs), nil
}

func (c *CSV) ItemDetails(ctx context.Context, itemIDs []int64) (map[int64]models.ItemDetail, error) {
	d, err := c.load()
	if err != nil {
		return nil, err
	}
	return d.itemDetails(itemIDs), nil
}

func (c *CSV) ClassifyByGroups(ctx context.Context, itemIDs []int64, groupNames []string) (map[string][]int64, error) {
	d, err := c.load()
	if err != nil {
		return nil, err
	}
	return d.classifyByGroups(itemIDs, groupNames)
}

func (c *CSV) CheckItemCondition(ctx context.Context, itemIDs []int64, filter string) ([]int64, error) {
	d, err := c.load()
	if err != nil {
		return nil, err
	}
	return d.checkItemCondition(itemIDs, filter)
}

func (c *CSV) Ping(ctx context.Context) error {
	info, err := os.Stat(c.dataDir)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", c.dataDir)
	}
	return nil
}

func (c *CSV) Close() error { return nil }

// ─── CSV decoding ───

// csvRow gives access to one record by header name.
type csvRow struct {
	index  map[string]int
	record []string
	line   int
}

func (r csvRow) col(col string) string {
	i, ok := r.index[col]
	if !ok || i >= len(r.record) {
		return ""
	}
	return strings.TrimSpace(r.record[i])
}

func (r csvRow) intCol(col string) (int64, error) {
	v, err := strconv.ParseInt(r.col(col), 10, 64)
	if err != nil {
		// clocks exported by pandas may carry a fractional part
		f, ferr := strconv.ParseFloat(r.col(col), 64)
		if ferr != nil {
			return 0, fmt.Errorf("line %d: column %s: %w", r.line, col, err)
		}
		return int64(f), nil
	}
	return v, nil
}

func (r csvRow) floatCol(col string) (float64, error) {
	v, err := strconv.ParseFloat(r.col(col), 64)
	if err != nil {
		return 0, fmt.Errorf("line %d: column %s: %w", r.line, col, err)
	}
	return v, nil
}

func (r csvRow) sample() (models.Sample, error) {
	var s models.Sample
	var err error
	if s.ItemID, err = r.intCol("itemid"); err != nil {
		return s, err
	}
	if s.Clock, err = r.intCol("clock"); err != nil {
		return s, err
	}
	s.Value, err = r.floatCol("value")
	return s, err
}

func (r csvRow) trend() (models.TrendSample, error) {
	var t models.TrendSample
	var err error
	if t.ItemID, err = r.intCol("itemid"); err != nil {
		return t, err
	}
	if t.Clock, err = r.intCol("clock"); err != nil {
		return t, err
	}
	if t.ValueMin, err = r.floatCol("value_min"); err != nil {
		return t, err
	}
	if t.ValueAvg, err = r.floatCol("value_avg"); err != nil {
		return t, err
	}
	t.ValueMax, err = r.floatCol("value_max")
	return t, err
}

// readGzipCSV streams a gzipped CSV file with a header row. A missing file
// is treated as empty.
func readGzipCSV(path string, required []string, fn func(csvRow) error) error {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	defer gz.Close()

	return readCSV(gz, path, required, fn)
}

func readCSV(r io.Reader, name string, required []string, fn func(csvRow) error) error {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	header, err := reader.Read()
	if err == io.EOF {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	index := make(map[string]int, len(header))
	for i, h := range header {
		index[strings.ToLower(strings.TrimSpace(h))] = i
	}
	for _, col := range required {
		if _, ok := index[col]; !ok {
			return fmt.Errorf("%s: missing column %q", name, col)
		}
	}

	line := 1
	for {
		record, err := reader.Read()
		if err == io.EOF {
			return nil
		}
		line++
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		if err := fn(csvRow{index: index, record: record, line: line}); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
}
