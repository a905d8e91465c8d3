package source

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-anomaly/internal/config"
	"github.com/kubilitics/kubilitics-anomaly/internal/models"
)

func TestNewUnknownType(t *testing.T) {
	_, err := New(config.DataSource{Name: "x", Type: "graphite"}, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownType))
}

func TestNewWrapsWithRetry(t *testing.T) {
	src, err := New(testSampleConfig(1), zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, "demo", src.Name())
	_, ok := src.(*retrying)
	assert.True(t, ok)
}

func TestRegisterOverridesFactory(t *testing.T) {
	const custom Type = "custom-test"
	Register(custom, func(cfg config.DataSource, logger *zap.Logger) (MetricSource, error) {
		return &flakySource{name: cfg.Name}, nil
	})

	src, err := New(config.DataSource{Name: "mine", Type: string(custom)}, nil)
	require.NoError(t, err)
	assert.Equal(t, "mine", src.Name())
}

func TestBucketTrends(t *testing.T) {
	rows := bucketTrends([]models.Sample{
		{ItemID: 2, Clock: 7300, Value: 4},
		{ItemID: 1, Clock: 10, Value: 3},
		{ItemID: 1, Clock: 3599, Value: 1},
		{ItemID: 1, Clock: 3600, Value: 8},
	}, 3600)

	assert.Equal(t, []models.TrendSample{
		{ItemID: 1, Clock: 0, ValueMin: 1, ValueAvg: 2, ValueMax: 3},
		{ItemID: 1, Clock: 3600, ValueMin: 8, ValueAvg: 8, ValueMax: 8},
		{ItemID: 2, Clock: 7200, ValueMin: 4, ValueAvg: 4, ValueMax: 4},
	}, rows)
	assert.Nil(t, bucketTrends(nil, 3600))
}

func TestNameMatcher(t *testing.T) {
	tests := []struct {
		patterns []string
		name     string
		want     bool
	}{
		{nil, "anything", true},
		{[]string{"Linux servers"}, "Linux servers", true},
		{[]string{"Linux servers"}, "Linux servers/prod", true},
		{[]string{"Linux servers"}, "Linux servers-old", false},
		{[]string{"web-*"}, "web-01", true},
		{[]string{"web-%"}, "web-01", true},
		{[]string{"web-*"}, "db-01", false},
		{[]string{"db-1", "cache-*"}, "cache-7", true},
	}

	for _, tt := range tests {
		m, err := newNameMatcher(tt.patterns)
		require.NoError(t, err)
		assert.Equal(t, tt.want, m.Match(tt.name), "%v ~ %q", tt.patterns, tt.name)
	}
}
