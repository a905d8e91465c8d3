package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubilitics/kubilitics-anomaly/internal/config"
	"github.com/kubilitics/kubilitics-anomaly/internal/report"
	"github.com/kubilitics/kubilitics-anomaly/internal/trendstats"
)

const end = "1700011800"

func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "anomaly.yaml")
	content := `
logging:
  level: error
database:
  sqlite_path: ` + filepath.Join(dir, "anomaly.db") + `
data_sources:
  - name: demo
    type: sample
    sample:
      items:
        - {itemid: 1, host: web-1, name: cpu, shape: sine, base: 100, amplitude: 10, period: 86400, shift_at: 1700006400, shift: 100}
        - {itemid: 2, host: web-1, name: mem, shape: sine, base: 100, amplitude: 10, period: 86400}
        - {itemid: 3, host: web-2, name: disk, shape: flat, base: 50}
        - {itemid: 4, host: web-2, name: cpu, shape: sine, base: 200, amplitude: 20, period: 86400, shift_at: 1700006400, shift: 200}
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	out := &bytes.Buffer{}
	root := NewRootCommandWithIO(out, out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "kubilitics-anomaly "+Version))

	out, err = execute(t, "--version")
	require.NoError(t, err)
	assert.Contains(t, out, "commit "+Commit)
}

func TestRunThenReport(t *testing.T) {
	cfg := writeConfig(t)

	out, err := execute(t, "-c", cfg, "run", "--end", end)
	require.NoError(t, err, out)
	var summaries map[string]struct {
		Source    string  `json:"source"`
		Confirmed []int64 `json:"confirmed"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &summaries))
	require.Contains(t, summaries, "demo")
	assert.Equal(t, []int64{1, 4}, summaries["demo"].Confirmed)

	reportPath := filepath.Join(t.TempDir(), "report.json")
	_, err = execute(t, "--config", cfg, "report", "--output", reportPath)
	require.NoError(t, err)

	data, err := os.ReadFile(reportPath)
	require.NoError(t, err)
	var reports []report.Report
	require.NoError(t, json.Unmarshal(data, &reports))
	require.Len(t, reports, 1)
	assert.Equal(t, "demo", reports[0].Source)
	assert.Equal(t, 2, reports[0].Total)
	require.Len(t, reports[0].Clusters, 1)
	assert.Len(t, reports[0].Clusters[0].Hosts, 2)
}

func TestRunItemOverride(t *testing.T) {
	cfg := writeConfig(t)
	out, err := execute(t, "-c", cfg, "run", "--end", end, "--items", "2,3")
	require.NoError(t, err, out)
	assert.Contains(t, out, `"confirmed": []`)
}

func TestStats(t *testing.T) {
	cfg := writeConfig(t)

	out, err := execute(t, "-c", cfg, "stats", "--end", end, "--source", "demo")
	require.NoError(t, err, out)
	var results map[string]trendstats.RefreshResult
	require.NoError(t, json.Unmarshal([]byte(out), &results))
	assert.Equal(t, 4, results["demo"].Seeded)

	out, err = execute(t, "-c", cfg, "stats", "--end", end)
	require.NoError(t, err, out)
	require.NoError(t, json.Unmarshal([]byte(out), &results))
	assert.True(t, results["demo"].Skipped, "watermark already covers the window")
}

func TestUnknownSource(t *testing.T) {
	cfg := writeConfig(t)
	_, err := execute(t, "-c", cfg, "run", "--source", "nope", "--end", end)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown data source "nope"`)
}

func TestInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("detection:\n  batch_size: -1\n"), 0o644))

	_, err := execute(t, "-c", path, "run")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "detection.batch_size")
}

func TestStoreConfig(t *testing.T) {
	c := config.DefaultConfig().Database
	got := storeConfig(c)
	assert.Equal(t, config.DatabaseSQLite, got.Driver)
	assert.Equal(t, c.SQLitePath, got.DSN)
	assert.Equal(t, int64(300), int64(got.ConnMaxLifetime.Seconds()))

	c.Type = config.DatabasePostgres
	c.PostgresURL = "postgres://anomaly@db/anomaly"
	assert.Equal(t, c.PostgresURL, storeConfig(c).DSN)
}
