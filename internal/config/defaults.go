package config

// DefaultConfig returns a configuration with all default values.
func DefaultConfig() *Config {
	cfg := &Config{}

	// Logging defaults
	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"
	cfg.Logging.File = ""
	cfg.Logging.MaxSizeMB = 100
	cfg.Logging.MaxBackups = 10
	cfg.Logging.MaxAgeDays = 30
	cfg.Logging.Compress = true

	// Audit defaults
	cfg.Audit.Enabled = false
	cfg.Audit.File = "logs/audit.log"

	// Database defaults
	cfg.Database.Type = DatabaseSQLite
	cfg.Database.SQLitePath = "kubilitics-anomaly.db"
	cfg.Database.PostgresURL = ""
	cfg.Database.MaxOpenConns = 25
	cfg.Database.MaxIdleConns = 5
	cfg.Database.ConnMaxLifetimeSec = 300

	// Detection defaults: 10 minute history over 3 hours, 3 hour trends over 14 days
	cfg.Detection.BatchSize = 100
	cfg.Detection.Workers = 4
	cfg.Detection.HistoryInterval = 600
	cfg.Detection.HistoryRetention = 18
	cfg.Detection.HistoryRecentRetention = 6
	cfg.Detection.TrendInterval = 10800
	cfg.Detection.TrendRetention = 112
	cfg.Detection.TrendsMinCount = 14
	cfg.Detection.Lambda1 = 3.0
	cfg.Detection.Lambda2 = 1.0
	cfg.Detection.Lambda3 = 2.0
	cfg.Detection.Lambda4 = 3.0
	cfg.Detection.AnomalyValidCountRate = 0.8
	cfg.Detection.IgnoreDiffRate = 0.1
	cfg.Detection.AnomalyKeepSecs = 86400

	// Clustering defaults
	cfg.Clustering.JaccardEps = 0.1
	cfg.Clustering.MinSamples = 2
	cfg.Clustering.Sigma = 2.0
	cfg.Clustering.CorrEps = 0.4
	cfg.Clustering.DiffContributionRate = 0.5
	cfg.Clustering.SubNoiseAsNoise = false

	cfg.Schedule.Cron = "*/10 * * * *"
	cfg.Server.Listen = ":9464"
	cfg.Server.RunRatePerMin = 6

	return cfg
}

// DefaultRetry is applied to data sources that leave retry unset.
func DefaultRetry() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		InitialIntervalMs: 500,
		MaxIntervalMs:     5000,
	}
}
