package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of environment overrides, e.g. KUBILITICS_ANOMALY_DATABASE_TYPE.
const EnvPrefix = "KUBILITICS_ANOMALY"

// viperConfigManager implements ConfigManager using Viper.
type viperConfigManager struct {
	configPath string

	mu        sync.RWMutex
	config    *Config
	viper     *viper.Viper
	watchChan chan Config
}

// Load loads configuration from all sources.
func (m *viperConfigManager) Load(ctx context.Context) error {
	m.viper = viper.New()

	m.viper.SetConfigFile(m.configPath)
	m.viper.SetConfigType("yaml")

	m.viper.SetEnvPrefix(EnvPrefix)
	m.viper.AutomaticEnv()
	m.viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	m.setDefaults()

	// A missing file is fine: defaults + env vars apply
	if err := m.viper.ReadInConfig(); err != nil && !isNotFound(err) {
		return fmt.Errorf("error reading config file: %w", err)
	}

	if err := m.unmarshalConfig(); err != nil {
		return fmt.Errorf("error unmarshaling config: %w", err)
	}

	m.applyEnvOverrides()

	return nil
}

// Get returns the current configuration.
func (m *viperConfigManager) Get(ctx context.Context) *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

// Validate validates configuration is correct and complete.
func (m *viperConfigManager) Validate(ctx context.Context) error {
	errs := m.Get(ctx).Validate()
	if len(errs) > 0 {
		var errMsgs []string
		for _, err := range errs {
			errMsgs = append(errMsgs, err.Error())
		}
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(errMsgs, "\n  - "))
	}
	return nil
}

// Watch watches for configuration changes and reloads. Invalid updates are
// not published.
func (m *viperConfigManager) Watch(ctx context.Context) <-chan Config {
	m.viper.WatchConfig()
	m.viper.OnConfigChange(func(e fsnotify.Event) {
		if err := m.unmarshalConfig(); err != nil {
			return
		}
		m.applyEnvOverrides()
		cfg := *m.Get(ctx)
		if len(cfg.Validate()) > 0 {
			return
		}
		select {
		case m.watchChan <- cfg:
		default:
			// Channel full, skip this update
		}
	})

	return m.watchChan
}

// Reload reloads configuration from sources.
func (m *viperConfigManager) Reload(ctx context.Context) error {
	if err := m.viper.ReadInConfig(); err != nil && !isNotFound(err) {
		return fmt.Errorf("error reading config file: %w", err)
	}

	if err := m.unmarshalConfig(); err != nil {
		return fmt.Errorf("error unmarshaling config: %w", err)
	}

	m.applyEnvOverrides()

	return nil
}

// setDefaults sets default values in viper.
func (m *viperConfigManager) setDefaults() {
	defaults := DefaultConfig()

	// Logging defaults
	m.viper.SetDefault("logging.level", defaults.Logging.Level)
	m.viper.SetDefault("logging.format", defaults.Logging.Format)
	m.viper.SetDefault("logging.file", defaults.Logging.File)
	m.viper.SetDefault("logging.max_size_mb", defaults.Logging.MaxSizeMB)
	m.viper.SetDefault("logging.max_backups", defaults.Logging.MaxBackups)
	m.viper.SetDefault("logging.max_age_days", defaults.Logging.MaxAgeDays)
	m.viper.SetDefault("logging.compress", defaults.Logging.Compress)

	// Audit defaults
	m.viper.SetDefault("audit.enabled", defaults.Audit.Enabled)
	m.viper.SetDefault("audit.file", defaults.Audit.File)

	// Database defaults
	m.viper.SetDefault("database.type", defaults.Database.Type)
	m.viper.SetDefault("database.sqlite_path", defaults.Database.SQLitePath)
	m.viper.SetDefault("database.postgres_url", defaults.Database.PostgresURL)
	m.viper.SetDefault("database.max_open_conns", defaults.Database.MaxOpenConns)
	m.viper.SetDefault("database.max_idle_conns", defaults.Database.MaxIdleConns)
	m.viper.SetDefault("database.conn_max_lifetime_sec", defaults.Database.ConnMaxLifetimeSec)

	// Detection defaults
	m.viper.SetDefault("detection.batch_size", defaults.Detection.BatchSize)
	m.viper.SetDefault("detection.workers", defaults.Detection.Workers)
	m.viper.SetDefault("detection.history_interval", defaults.Detection.HistoryInterval)
	m.viper.SetDefault("detection.history_retention", defaults.Detection.HistoryRetention)
	m.viper.SetDefault("detection.history_recent_retention", defaults.Detection.HistoryRecentRetention)
	m.viper.SetDefault("detection.trend_interval", defaults.Detection.TrendInterval)
	m.viper.SetDefault("detection.trend_retention", defaults.Detection.TrendRetention)
	m.viper.SetDefault("detection.trends_min_count", defaults.Detection.TrendsMinCount)
	m.viper.SetDefault("detection.lambda1", defaults.Detection.Lambda1)
	m.viper.SetDefault("detection.lambda2", defaults.Detection.Lambda2)
	m.viper.SetDefault("detection.lambda3", defaults.Detection.Lambda3)
	m.viper.SetDefault("detection.lambda4", defaults.Detection.Lambda4)
	m.viper.SetDefault("detection.anomaly_valid_count_rate", defaults.Detection.AnomalyValidCountRate)
	m.viper.SetDefault("detection.ignore_diff_rate", defaults.Detection.IgnoreDiffRate)
	m.viper.SetDefault("detection.anomaly_keep_secs", defaults.Detection.AnomalyKeepSecs)

	// Clustering defaults
	m.viper.SetDefault("clustering.jaccard_eps", defaults.Clustering.JaccardEps)
	m.viper.SetDefault("clustering.min_samples", defaults.Clustering.MinSamples)
	m.viper.SetDefault("clustering.sigma", defaults.Clustering.Sigma)
	m.viper.SetDefault("clustering.corr_eps", defaults.Clustering.CorrEps)
	m.viper.SetDefault("clustering.diff_contribution_rate", defaults.Clustering.DiffContributionRate)
	m.viper.SetDefault("clustering.sub_noise_as_noise", defaults.Clustering.SubNoiseAsNoise)

	m.viper.SetDefault("schedule.cron", defaults.Schedule.Cron)
	m.viper.SetDefault("server.listen", defaults.Server.Listen)
	m.viper.SetDefault("server.run_rate_per_min", defaults.Server.RunRatePerMin)
}

// unmarshalConfig unmarshals viper config into Config struct.
func (m *viperConfigManager) unmarshalConfig() error {
	cfg := &Config{}

	// Logging
	cfg.Logging.Level = m.viper.GetString("logging.level")
	cfg.Logging.Format = m.viper.GetString("logging.format")
	cfg.Logging.File = m.viper.GetString("logging.file")
	cfg.Logging.MaxSizeMB = m.viper.GetInt("logging.max_size_mb")
	cfg.Logging.MaxBackups = m.viper.GetInt("logging.max_backups")
	cfg.Logging.MaxAgeDays = m.viper.GetInt("logging.max_age_days")
	cfg.Logging.Compress = m.viper.GetBool("logging.compress")

	// Audit
	cfg.Audit.Enabled = m.viper.GetBool("audit.enabled")
	cfg.Audit.File = m.viper.GetString("audit.file")

	// Database
	cfg.Database.Type = m.viper.GetString("database.type")
	cfg.Database.SQLitePath = m.viper.GetString("database.sqlite_path")
	cfg.Database.PostgresURL = m.viper.GetString("database.postgres_url")
	cfg.Database.MaxOpenConns = m.viper.GetInt("database.max_open_conns")
	cfg.Database.MaxIdleConns = m.viper.GetInt("database.max_idle_conns")
	cfg.Database.ConnMaxLifetimeSec = m.viper.GetInt("database.conn_max_lifetime_sec")

	// Detection
	cfg.Detection.BatchSize = m.viper.GetInt("detection.batch_size")
	cfg.Detection.Workers = m.viper.GetInt("detection.workers")
	cfg.Detection.HistoryInterval = m.viper.GetInt64("detection.history_interval")
	cfg.Detection.HistoryRetention = m.viper.GetInt64("detection.history_retention")
	cfg.Detection.HistoryRecentRetention = m.viper.GetInt64("detection.history_recent_retention")
	cfg.Detection.TrendInterval = m.viper.GetInt64("detection.trend_interval")
	cfg.Detection.TrendRetention = m.viper.GetInt64("detection.trend_retention")
	cfg.Detection.TrendsMinCount = m.viper.GetInt64("detection.trends_min_count")
	cfg.Detection.Lambda1 = m.viper.GetFloat64("detection.lambda1")
	cfg.Detection.Lambda2 = m.viper.GetFloat64("detection.lambda2")
	cfg.Detection.Lambda3 = m.viper.GetFloat64("detection.lambda3")
	cfg.Detection.Lambda4 = m.viper.GetFloat64("detection.lambda4")
	cfg.Detection.AnomalyValidCountRate = m.viper.GetFloat64("detection.anomaly_valid_count_rate")
	cfg.Detection.IgnoreDiffRate = m.viper.GetFloat64("detection.ignore_diff_rate")
	cfg.Detection.AnomalyKeepSecs = m.viper.GetInt64("detection.anomaly_keep_secs")

	// Clustering
	cfg.Clustering.JaccardEps = m.viper.GetFloat64("clustering.jaccard_eps")
	cfg.Clustering.MinSamples = m.viper.GetInt("clustering.min_samples")
	cfg.Clustering.Sigma = m.viper.GetFloat64("clustering.sigma")
	cfg.Clustering.CorrEps = m.viper.GetFloat64("clustering.corr_eps")
	cfg.Clustering.DiffContributionRate = m.viper.GetFloat64("clustering.diff_contribution_rate")
	cfg.Clustering.SubNoiseAsNoise = m.viper.GetBool("clustering.sub_noise_as_noise")

	cfg.Schedule.Cron = m.viper.GetString("schedule.cron")
	cfg.Server.Listen = m.viper.GetString("server.listen")
	cfg.Server.RunRatePerMin = m.viper.GetInt("server.run_rate_per_min")

	// Data sources are a list of structs, decoded through mapstructure tags
	if err := m.viper.UnmarshalKey("data_sources", &cfg.DataSources); err != nil {
		return fmt.Errorf("data_sources: %w", err)
	}
	for i := range cfg.DataSources {
		if cfg.DataSources[i].Retry == (RetryConfig{}) {
			cfg.DataSources[i].Retry = DefaultRetry()
		}
	}

	m.mu.Lock()
	m.config = cfg
	m.mu.Unlock()
	return nil
}

// applyEnvOverrides applies environment variable overrides for credentials
// that are usually kept out of the config file.
func (m *viperConfigManager) applyEnvOverrides() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if url := os.Getenv("DATABASE_URL"); url != "" && m.config.Database.Type == DatabasePostgres && m.config.Database.PostgresURL == "" {
		m.config.Database.PostgresURL = url
	}

	// KUBILITICS_ANOMALY_ZABBIX_DSN_<NAME> overrides the DSN of source NAME
	for i := range m.config.DataSources {
		ds := &m.config.DataSources[i]
		if ds.Zabbix == nil {
			continue
		}
		key := EnvPrefix + "_ZABBIX_DSN_" + envName(ds.Name)
		if dsn := os.Getenv(key); dsn != "" {
			ds.Zabbix.DSN = dsn
		}
	}
}

func isNotFound(err error) bool {
	var notFound viper.ConfigFileNotFoundError
	return errors.As(err, &notFound) || os.IsNotExist(err)
}

func envName(name string) string {
	return strings.ToUpper(strings.NewReplacer("-", "_", ".", "_", " ", "_").Replace(name))
}
