package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Anomaly detection metrics for production monitoring
var (
	// Run metrics
	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kubilitics_anomaly_runs_total",
			Help: "Total number of detection runs",
		},
		[]string{"source", "status"},
	)

	RunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kubilitics_anomaly_run_duration_seconds",
			Help:    "Detection run duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12), // 500ms to ~17min
		},
		[]string{"source"},
	)

	// StageItems is the number of items surviving each cascade stage of the last run.
	StageItems = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kubilitics_anomaly_stage_items",
			Help: "Items remaining after each detection stage in the last run",
		},
		[]string{"source", "stage"}, // stage: discovered/level/diff/density/active
	)

	AnomaliesRecorded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kubilitics_anomaly_anomalies_recorded_total",
			Help: "Total number of anomaly rows inserted into the ledger",
		},
		[]string{"source"},
	)

	Clusters = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kubilitics_anomaly_clusters",
			Help: "Number of clusters found in the last run",
		},
		[]string{"source"},
	)

	// Source metrics
	SourceRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kubilitics_anomaly_source_request_duration_seconds",
			Help:    "Metric source request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
		},
		[]string{"source", "operation"},
	)

	SourceRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kubilitics_anomaly_source_retries_total",
			Help: "Total number of retried metric source calls",
		},
		[]string{"source", "operation"},
	)

	TrendStatsItems = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kubilitics_anomaly_trend_stats_items",
			Help: "Items with maintained trend statistics",
		},
		[]string{"source"},
	)
)
