package config

import (
	"fmt"
	"strings"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed for %s: %s", e.Field, e.Message)
}

// Validate validates the configuration and returns validation errors.
func (c *Config) Validate() []error {
	var errs []error
	add := func(field, format string, args ...interface{}) {
		errs = append(errs, &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	// Logging
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[strings.ToLower(c.Logging.Level)] {
		add("logging.level", "invalid log level %q, must be one of: debug, info, warn, error", c.Logging.Level)
	}
	if c.Logging.Format != "json" && c.Logging.Format != "console" {
		add("logging.format", "invalid log format %q, must be json or console", c.Logging.Format)
	}
	if c.Audit.Enabled && c.Audit.File == "" {
		add("audit.file", "file is required when audit is enabled")
	}

	// Database
	switch c.Database.Type {
	case DatabaseSQLite:
		if c.Database.SQLitePath == "" {
			add("database.sqlite_path", "sqlite_path is required when database type is sqlite")
		}
	case DatabasePostgres:
		if c.Database.PostgresURL == "" {
			add("database.postgres_url", "postgres_url is required when database type is postgres")
		}
	default:
		add("database.type", "invalid database type %q, must be sqlite or postgres", c.Database.Type)
	}

	errs = append(errs, c.Detection.validate()...)
	errs = append(errs, c.Clustering.validate()...)

	if c.Schedule.Cron == "" {
		add("schedule.cron", "cron expression is required")
	}
	if c.Server.Listen == "" {
		add("server.listen", "listen address is required")
	}
	if c.Server.RunRatePerMin < 0 {
		add("server.run_rate_per_min", "must not be negative")
	}

	seen := make(map[string]bool, len(c.DataSources))
	for i, ds := range c.DataSources {
		field := fmt.Sprintf("data_sources[%d]", i)
		if ds.Name == "" {
			add(field+".name", "name is required")
		} else if seen[ds.Name] {
			add(field+".name", "duplicate data source name %q", ds.Name)
		}
		seen[ds.Name] = true
		errs = append(errs, ds.validate(field)...)
	}

	return errs
}

func (d DetectionConfig) validate() []error {
	var errs []error
	positive := []struct {
		field string
		value int64
	}{
		{"detection.batch_size", int64(d.BatchSize)},
		{"detection.workers", int64(d.Workers)},
		{"detection.history_interval", d.HistoryInterval},
		{"detection.history_retention", d.HistoryRetention},
		{"detection.history_recent_retention", d.HistoryRecentRetention},
		{"detection.trend_interval", d.TrendInterval},
		{"detection.trend_retention", d.TrendRetention},
		{"detection.anomaly_keep_secs", d.AnomalyKeepSecs},
	}
	for _, p := range positive {
		if p.value <= 0 {
			errs = append(errs, &ValidationError{Field: p.field, Message: fmt.Sprintf("must be positive, got %d", p.value)})
		}
	}
	if d.HistoryRecentRetention > d.HistoryRetention {
		errs = append(errs, &ValidationError{
			Field:   "detection.history_recent_retention",
			Message: fmt.Sprintf("recent retention %d exceeds history retention %d", d.HistoryRecentRetention, d.HistoryRetention),
		})
	}
	if d.TrendsMinCount < 0 {
		errs = append(errs, &ValidationError{Field: "detection.trends_min_count", Message: "cannot be negative"})
	}
	for field, v := range map[string]float64{
		"detection.lambda1": d.Lambda1,
		"detection.lambda2": d.Lambda2,
		"detection.lambda3": d.Lambda3,
		"detection.lambda4": d.Lambda4,
	} {
		if v < 0 {
			errs = append(errs, &ValidationError{Field: field, Message: fmt.Sprintf("cannot be negative, got %g", v)})
		}
	}
	if d.AnomalyValidCountRate < 0 || d.AnomalyValidCountRate > 1 {
		errs = append(errs, &ValidationError{Field: "detection.anomaly_valid_count_rate", Message: fmt.Sprintf("must be within [0,1], got %g", d.AnomalyValidCountRate)})
	}
	if d.IgnoreDiffRate < 0 || d.IgnoreDiffRate > 1 {
		errs = append(errs, &ValidationError{Field: "detection.ignore_diff_rate", Message: fmt.Sprintf("must be within [0,1], got %g", d.IgnoreDiffRate)})
	}
	return errs
}

func (c ClusteringConfig) validate() []error {
	var errs []error
	if c.JaccardEps <= 0 || c.JaccardEps > 1 {
		errs = append(errs, &ValidationError{Field: "clustering.jaccard_eps", Message: fmt.Sprintf("must be within (0,1], got %g", c.JaccardEps)})
	}
	if c.CorrEps <= 0 || c.CorrEps > 1 {
		errs = append(errs, &ValidationError{Field: "clustering.corr_eps", Message: fmt.Sprintf("must be within (0,1], got %g", c.CorrEps)})
	}
	if c.MinSamples < 1 {
		errs = append(errs, &ValidationError{Field: "clustering.min_samples", Message: fmt.Sprintf("must be at least 1, got %d", c.MinSamples)})
	}
	if c.Sigma < 0 {
		errs = append(errs, &ValidationError{Field: "clustering.sigma", Message: "cannot be negative"})
	}
	if c.DiffContributionRate < 0 || c.DiffContributionRate > 1 {
		errs = append(errs, &ValidationError{Field: "clustering.diff_contribution_rate", Message: fmt.Sprintf("must be within [0,1], got %g", c.DiffContributionRate)})
	}
	return errs
}

func (ds DataSource) validate(field string) []error {
	var errs []error
	add := func(sub, msg string) {
		errs = append(errs, &ValidationError{Field: field + "." + sub, Message: msg})
	}

	switch ds.Type {
	case SourceZabbix:
		if ds.Zabbix == nil {
			add("zabbix", "zabbix block is required for type zabbix")
		} else {
			if ds.Zabbix.Driver != "mysql" && ds.Zabbix.Driver != "postgres" {
				add("zabbix.driver", fmt.Sprintf("invalid driver %q, must be mysql or postgres", ds.Zabbix.Driver))
			}
			if ds.Zabbix.DSN == "" {
				add("zabbix.dsn", "dsn is required")
			}
		}
	case SourceCSV:
		if ds.CSV == nil || ds.CSV.DataDir == "" {
			add("csv.data_dir", "data_dir is required for type csv")
		}
	case SourceHTTP:
		if ds.HTTP == nil {
			add("http", "http block is required for type http")
		} else {
			if ds.HTTP.BaseURL == "" {
				add("http.base_url", "base_url is required")
			}
			if ds.HTTP.TrendsInterval < 0 {
				add("http.trends_interval", "cannot be negative")
			}
		}
	case SourceSample:
		if ds.Sample == nil {
			add("sample", "sample block is required for type sample")
		} else if ds.Sample.Definitions == "" && len(ds.Sample.Items) == 0 {
			add("sample.items", "items or definitions file is required")
		}
	default:
		add("type", fmt.Sprintf("unknown data source type %q, must be one of: zabbix, csv, http, sample", ds.Type))
	}

	for i, cond := range ds.ItemConds {
		if cond.Filter == "" || cond.Expr == "" {
			add(fmt.Sprintf("item_conds[%d]", i), "filter and expr are required")
		}
	}
	if ds.MaxItemIDs < 0 {
		add("max_item_ids", "cannot be negative")
	}
	if ds.Retry.MaxAttempts < 0 || ds.Retry.InitialIntervalMs < 0 || ds.Retry.MaxIntervalMs < 0 {
		add("retry", "retry settings cannot be negative")
	}
	return errs
}
