package config

import "context"

// Package config provides configuration management for kubilitics-anomaly.
//
// Responsibilities:
//   - Load configuration from YAML files and environment variables
//   - Validate configuration on startup
//   - Provide runtime access to all configuration
//   - Support configuration reloading while serving
//   - Establish reasonable defaults
//
// Configuration Sources (priority order, high to low):
//   1. CLI flags (highest priority)
//   2. Environment variables (KUBILITICS_ANOMALY_* prefix)
//   3. YAML config files (default: /etc/kubilitics/anomaly.yaml)
//   4. Built-in defaults (lowest priority)
//
// Configuration Structure:
//
//   logging:
//     level: info
//     format: json
//     file: ""
//   database:
//     type: sqlite | postgres
//     sqlite_path: kubilitics-anomaly.db
//   detection:
//     history_interval: 600
//     history_retention: 18
//     trend_interval: 10800
//     trend_retention: 112
//     lambda1: 3.0
//   clustering:
//     jaccard_eps: 0.1
//     corr_eps: 0.4
//   schedule:
//     cron: "*/10 * * * *"
//   server:
//     listen: ":9464"
//   data_sources:
//     - name: zabbix-prod
//       type: zabbix
//       zabbix:
//         driver: mysql
//         dsn: "zabbix:secret@tcp(db:3306)/zabbix"
//
// Data sources are independent: each carries its own stats, history,
// watermarks and anomaly ledger inside the shared store.

// Source types.
const (
	SourceZabbix = "zabbix"
	SourceCSV    = "csv"
	SourceHTTP   = "http"
	SourceSample = "sample"
)

// Database types.
const (
	DatabaseSQLite   = "sqlite"
	DatabasePostgres = "postgres"
)

// Config holds all configuration for kubilitics-anomaly.
type Config struct {
	Logging    LoggingConfig
	Audit      AuditConfig
	Database   DatabaseConfig
	Detection  DetectionConfig
	Clustering ClusteringConfig
	Schedule   ScheduleConfig
	Server     ServerConfig

	DataSources []DataSource
}

// LoggingConfig controls the application logger.
type LoggingConfig struct {
	Level      string
	Format     string
	File       string // empty logs to stderr
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// AuditConfig controls the run audit trail.
type AuditConfig struct {
	Enabled bool
	File    string
}

// DatabaseConfig selects and tunes the persistence store.
type DatabaseConfig struct {
	Type               string
	SQLitePath         string
	PostgresURL        string
	MaxOpenConns       int
	MaxIdleConns       int
	ConnMaxLifetimeSec int
}

// DetectionConfig holds the windows and thresholds of the detection cascade.
// Intervals are seconds; retentions are counts of intervals.
type DetectionConfig struct {
	BatchSize              int
	Workers                int
	HistoryInterval        int64
	HistoryRetention       int64
	HistoryRecentRetention int64
	TrendInterval          int64
	TrendRetention         int64
	TrendsMinCount         int64
	Lambda1                float64
	Lambda2                float64
	Lambda3                float64
	Lambda4                float64
	AnomalyValidCountRate  float64
	IgnoreDiffRate         float64
	AnomalyKeepSecs        int64
}

// ClusteringConfig holds the two-phase DBSCAN parameters.
type ClusteringConfig struct {
	JaccardEps           float64
	MinSamples           int
	Sigma                float64
	CorrEps              float64
	DiffContributionRate float64
	SubNoiseAsNoise      bool // sub-clustering noise becomes -1 instead of keeping its group id
}

// ScheduleConfig controls periodic runs in serve mode.
type ScheduleConfig struct {
	Cron string
}

// ServerConfig controls the HTTP API listener.
type ServerConfig struct {
	Listen string
	// RunRatePerMin bounds POST /run requests per client; 0 disables the limit.
	RunRatePerMin int
}

// DataSource describes one monitored metric source.
type DataSource struct {
	Name string `mapstructure:"name"`
	Type string `mapstructure:"type"`

	ItemNames  []string `mapstructure:"item_names"`
	HostNames  []string `mapstructure:"host_names"`
	GroupNames []string `mapstructure:"group_names"`
	ItemIDs    []int64  `mapstructure:"item_ids"`
	MaxItemIDs int      `mapstructure:"max_item_ids"`

	ItemConds []ItemCondition `mapstructure:"item_conds"`
	Retry     RetryConfig     `mapstructure:"retry"`

	Zabbix *ZabbixConfig `mapstructure:"zabbix"`
	CSV    *CSVConfig    `mapstructure:"csv"`
	HTTP   *HTTPConfig   `mapstructure:"http"`
	Sample *SampleConfig `mapstructure:"sample"`
}

// ItemCondition drops level-shift candidates that match Filter but for
// which Expr evaluates to false.
type ItemCondition struct {
	Filter string `mapstructure:"filter"`
	Expr   string `mapstructure:"expr"`
}

// RetryConfig is the backoff policy applied to source calls.
type RetryConfig struct {
	MaxAttempts       int `mapstructure:"max_attempts"`
	InitialIntervalMs int `mapstructure:"initial_interval_ms"`
	MaxIntervalMs     int `mapstructure:"max_interval_ms"`
}

// ZabbixConfig points at a Zabbix database.
type ZabbixConfig struct {
	Driver  string `mapstructure:"driver"` // mysql | postgres
	DSN     string `mapstructure:"dsn"`
	Version int    `mapstructure:"version"` // major version, 0 autodetects
}

// CSVConfig points at a directory of gzipped CSV exports.
type CSVConfig struct {
	DataDir string `mapstructure:"data_dir"`
}

// HTTPConfig points at hosts exposing history.csv files.
type HTTPConfig struct {
	BaseURL        string      `mapstructure:"base_url"`
	TimeoutSec     int         `mapstructure:"timeout_sec"`
	TrendsInterval int64       `mapstructure:"trends_interval"`
	CacheTTLSec    int         `mapstructure:"cache_ttl_sec"`
	Groups         []HostGroup `mapstructure:"groups"`
}

// HostGroup names a set of hosts.
type HostGroup struct {
	Name  string   `mapstructure:"name"`
	Hosts []string `mapstructure:"hosts"`
}

// SampleConfig drives the synthetic source.
type SampleConfig struct {
	Seed          int64              `mapstructure:"seed"`
	Definitions   string             `mapstructure:"definitions"`
	TrendInterval int64              `mapstructure:"trend_interval"`
	HistoryStep   int64              `mapstructure:"history_step"`
	Items         []SampleItemConfig `mapstructure:"items"`
}

// SampleItemConfig defines one synthetic series.
type SampleItemConfig struct {
	ItemID    int64   `mapstructure:"itemid" yaml:"itemid"`
	Host      string  `mapstructure:"host" yaml:"host"`
	Name      string  `mapstructure:"name" yaml:"name"`
	Group     string  `mapstructure:"group" yaml:"group"`
	Shape     string  `mapstructure:"shape" yaml:"shape"` // flat | sine | step | spike | walk
	Base      float64 `mapstructure:"base" yaml:"base"`
	Amplitude float64 `mapstructure:"amplitude" yaml:"amplitude"`
	Period    int64   `mapstructure:"period" yaml:"period"`
	Noise     float64 `mapstructure:"noise" yaml:"noise"`
	ShiftAt   int64   `mapstructure:"shift_at" yaml:"shift_at"` // epoch where step/spike begins
	Shift     float64 `mapstructure:"shift" yaml:"shift"`
}

// Source returns the data source named name.
func (c *Config) Source(name string) (DataSource, bool) {
	for _, ds := range c.DataSources {
		if ds.Name == name {
			return ds, true
		}
	}
	return DataSource{}, false
}

// ConfigManager defines the interface for configuration access.
type ConfigManager interface {
	// Load loads configuration from all sources.
	Load(ctx context.Context) error

	// Get returns the current configuration.
	Get(ctx context.Context) *Config

	// Validate validates configuration is correct and complete.
	Validate(ctx context.Context) error

	// Watch watches for configuration changes and reloads.
	Watch(ctx context.Context) <-chan Config

	// Reload reloads configuration from sources.
	Reload(ctx context.Context) error
}

// NewConfigManager creates a new configuration manager.
func NewConfigManager(configPath string) (ConfigManager, error) {
	mgr := &viperConfigManager{
		configPath: configPath,
		config:     DefaultConfig(),
		watchChan:  make(chan Config, 1),
	}
	return mgr, nil
}

// NewConfigManagerWithDefaults creates a config manager with default config path.
func NewConfigManagerWithDefaults() (ConfigManager, error) {
	return NewConfigManager(DefaultConfigPath)
}

// DefaultConfigPath is used when no --config flag is given.
const DefaultConfigPath = "/etc/kubilitics/anomaly.yaml"
