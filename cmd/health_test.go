package main

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/crypto-pipeline/internal/config"
	"github.com/sells-group/crypto-pipeline/internal/model"
	"github.com/sells-group/crypto-pipeline/internal/monitoring"
	"github.com/sells-group/crypto-pipeline/internal/warehouse"
)

func sampleSnapshot() *monitoring.HealthSnapshot {
	latest := time.Date(2024, 5, 1, 11, 30, 0, 0, time.UTC)
	return &monitoring.HealthSnapshot{
		Timestamp:     time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		Status:        monitoring.StatusWarning,
		PipelineRuns:  []model.StageStatusCount{},
		DataFreshness: model.Freshness{LatestExtraction: &latest, RecordsLast24h: 5},
		Issues:        []string{monitoring.IssueNoRuns},
	}
}

func TestWriteFormatted_JSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeFormatted(&buf, "json", sampleSnapshot()))

	out := buf.String()
	assert.Contains(t, out, `"status": "warning"`)
	assert.Contains(t, out, `"records_last_24h": 5`)
	assert.Contains(t, out, `"No pipeline run data available"`)
}

func TestWriteFormatted_DefaultIsJSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeFormatted(&buf, "", map[string]int{"a": 1}))
	assert.JSONEq(t, `{"a":1}`, buf.String())
}

func TestWriteFormatted_YAML(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeFormatted(&buf, "yaml", sampleSnapshot()))

	var out map[string]any
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &out))
	assert.Equal(t, "warning", out["status"])

	fresh, ok := out["data_freshness"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 5, fresh["records_last_24h"])
}

func TestWriteFormatted_Unsupported(t *testing.T) {
	err := writeFormatted(&bytes.Buffer{}, "xml", sampleSnapshot())
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unsupported format "xml"`)
}

// useSQLite points the global config at a SQLite file for one test.
func useSQLite(t *testing.T, path string) {
	t.Helper()
	prev := cfg
	cfg = &config.Config{Database: config.DatabaseConfig{Driver: "sqlite", Path: path, BatchSize: 100}}
	t.Cleanup(func() { cfg = prev })
}

func TestRunHealth_UnreachableWarehousePrintsErrorSnapshot(t *testing.T) {
	useSQLite(t, filepath.Join(t.TempDir(), "missing", "warehouse.db"))

	var buf bytes.Buffer
	require.NoError(t, runHealth(context.Background(), &buf, "json"))

	var snap monitoring.HealthSnapshot
	require.NoError(t, json.Unmarshal(buf.Bytes(), &snap))
	assert.Equal(t, monitoring.StatusError, snap.Status)
	assert.NotEmpty(t, snap.Error)
	assert.False(t, snap.Timestamp.IsZero())
}

func TestRunHealth_DoesNotMigrate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "warehouse.db")
	useSQLite(t, path)

	var buf bytes.Buffer
	require.NoError(t, runHealth(context.Background(), &buf, "yaml"))

	var out map[string]any
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &out))
	assert.Equal(t, "error", out["status"])

	wh, err := warehouse.NewSQLite(path, 100)
	require.NoError(t, err)
	defer wh.Close() //nolint:errcheck
	_, err = wh.ListRuns(context.Background(), warehouse.RunFilter{Limit: 1})
	assert.Error(t, err, "health must not create the schema")
}

func TestErrorSnapshot(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	snap := monitoring.ErrorSnapshot(now, assert.AnError)

	assert.Equal(t, monitoring.StatusError, snap.Status)
	assert.Equal(t, assert.AnError.Error(), snap.Error)
	assert.Equal(t, now, snap.Timestamp)
	assert.NotNil(t, snap.PipelineRuns)
}
