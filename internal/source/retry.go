package source

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-anomaly/internal/config"
	"github.com/kubilitics/kubilitics-anomaly/internal/metrics"
	"github.com/kubilitics/kubilitics-anomaly/internal/models"
)

// RetryPolicy bounds the exponential backoff applied to adapter calls.
type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// RetryPolicyFromConfig converts the config block, filling zero values from
// the defaults.
func RetryPolicyFromConfig(c config.RetryConfig) RetryPolicy {
	d := config.DefaultRetry()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.InitialIntervalMs <= 0 {
		c.InitialIntervalMs = d.InitialIntervalMs
	}
	if c.MaxIntervalMs <= 0 {
		c.MaxIntervalMs = d.MaxIntervalMs
	}
	return RetryPolicy{
		MaxAttempts:     c.MaxAttempts,
		InitialInterval: time.Duration(c.InitialIntervalMs) * time.Millisecond,
		MaxInterval:     time.Duration(c.MaxIntervalMs) * time.Millisecond,
	}
}

// retrying decorates a MetricSource with bounded retries, request timing
// and retry counters.
type retrying struct {
	inner  MetricSource
	policy RetryPolicy
	logger *zap.Logger
}

// WithRetry wraps src so every call is retried with exponential backoff.
// Calls that still fail after MaxAttempts return the last error.
func WithRetry(src MetricSource, policy RetryPolicy, logger *zap.Logger) MetricSource {
	if logger == nil {
		logger = zap.NewNop()
	}
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 1
	}
	return &retrying{inner: src, policy: policy, logger: logger}
}

func (r *retrying) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.policy.InitialInterval
	b.MaxInterval = r.policy.MaxInterval
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(r.policy.MaxAttempts-1)), ctx)
}

func call[T any](ctx context.Context, r *retrying, op string, fn func() (T, error)) (T, error) {
	timer := time.Now()
	defer func() {
		metrics.SourceRequestDuration.WithLabelValues(r.inner.Name(), op).Observe(time.Since(timer).Seconds())
	}()

	notify := func(err error, wait time.Duration) {
		metrics.SourceRetries.WithLabelValues(r.inner.Name(), op).Inc()
		r.logger.Warn("metric source call failed, retrying",
			zap.String("source", r.inner.Name()),
			zap.String("operation", op),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	}
	return backoff.RetryNotifyWithData(fn, r.backOff(ctx), notify)
}

func (r *retrying) Name() string { return r.inner.Name() }

func (r *retrying) HistoryData(ctx context.Context, start, end int64, itemIDs []int64) ([]models.Sample, error) {
	return call(ctx, r, "history", func() ([]models.Sample, error) {
		return r.inner.HistoryData(ctx, start, end, itemIDs)
	})
}

func (r *retrying) TrendsData(ctx context.Context, start, end int64, itemIDs []int64) ([]models.Sample, error) {
	return call(ctx, r, "trends", func() ([]models.Sample, error) {
		return r.inner.TrendsData(ctx, start, end, itemIDs)
	})
}

func (r *retrying) TrendsFullData(ctx context.Context, start, end int64, itemIDs []int64) ([]models.TrendSample, error) {
	return call(ctx, r, "trends_full", func() ([]models.TrendSample, error) {
		return r.inner.TrendsFullData(ctx, start, end, itemIDs)
	})
}

func (r *retrying) ItemIDs(ctx context.Context, filter models.ItemFilter) ([]int64, error) {
	return call(ctx, r, "item_ids", func() ([]int64, error) {
		return r.inner.ItemIDs(ctx, filter)
	})
}

func (r *retrying) ItemHostMap(ctx context.Context, itemIDs []int64) (map[int64]int64, error) {
	return call(ctx, r, "item_host_map", func() (map[int64]int64, error) {
		return r.inner.ItemHostMap(ctx, itemIDs)
	})
}

func (r *retrying) ItemDetails(ctx context.Context, itemIDs []int64) (map[int64]models.ItemDetail, error) {
	return call(ctx, r, "item_details", func() (map[int64]models.ItemDetail, error) {
		return r.inner.ItemDetails(ctx, itemIDs)
	})
}

func (r *retrying) ClassifyByGroups(ctx context.Context, itemIDs []int64, groupNames []string) (map[string][]int64, error) {
	return call(ctx, r, "classify_by_groups", func() (map[string][]int64, error) {
		return r.inner.ClassifyByGroups(ctx, itemIDs, groupNames)
	})
}

func (r *retrying) CheckItemCondition(ctx context.Context, itemIDs []int64, filter string) ([]int64, error) {
	return call(ctx, r, "check_item_condition", func() ([]int64, error) {
		return r.inner.CheckItemCondition(ctx, itemIDs, filter)
	})
}

func (r *retrying) Ping(ctx context.Context) error {
	_, err := call(ctx, r, "ping", func() (struct{}, error) {
		return struct{}{}, r.inner.Ping(ctx)
	})
	return err
}

func (r *retrying) Close() error { return r.inner.Close() }
