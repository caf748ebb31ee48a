package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/sells-group/crypto-pipeline/internal/model"
)

func TestComputeRunStats(t *testing.T) {
	s := computeRunStats([]model.StageStatusCount{
		{Stage: model.StageExtract, Status: model.RunStatusSuccess, Count: 10},
		{Stage: model.StageExtract, Status: model.RunStatusFailed, Count: 2},
		{Stage: model.StageLoad, Status: model.RunStatusSuccess, Count: 9},
		{Stage: model.StageLoad, Status: model.RunStatusFailed, Count: 1},
		{Stage: model.StageLoad, Status: model.RunStatusRunning, Count: 1},
	})

	assert.Equal(t, int64(23), s.Total)
	assert.Equal(t, int64(3), s.Failed)
	assert.Equal(t, int64(10), s.Stages[model.StageExtract][model.RunStatusSuccess])
	assert.Equal(t, int64(1), s.Stages[model.StageLoad][model.RunStatusRunning])
}

func TestComputeRunStats_Empty(t *testing.T) {
	s := computeRunStats(nil)
	assert.Zero(t, s.Total)
	assert.Empty(t, s.Stages)
}

func TestFormatRunsList(t *testing.T) {
	started := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	done := started.Add(1500 * time.Millisecond)

	var buf bytes.Buffer
	formatRunsList(&buf, []model.PipelineRun{
		{RunID: "crypto_extract_20240501_120000_abcd1234", Stage: model.StageLoad, Status: model.RunStatusSuccess,
			RecordsProcessed: 5, StartedAt: started, CompletedAt: &done},
		{RunID: "crypto_extract_20240501_130000_ffff0000", Stage: model.StageExtract, Status: model.RunStatusRunning,
			StartedAt: started.Add(time.Hour)},
	})

	out := buf.String()
	lines := strings.Split(strings.TrimSpace(out), "\n")
	assert.Len(t, lines, 4)
	assert.Contains(t, lines[0], "RUN_ID")
	assert.Contains(t, lines[2], "crypto_extract_20240501_120000_abcd1234")
	assert.Contains(t, lines[2], "1.5s")
	assert.Contains(t, lines[3], "running")
	assert.Contains(t, lines[3], "-")
}

func TestFormatRunStats(t *testing.T) {
	var buf bytes.Buffer
	formatRunStats(&buf, computeRunStats([]model.StageStatusCount{
		{Stage: model.StageLoad, Status: model.RunStatusFailed, Count: 1},
		{Stage: model.StageExtract, Status: model.RunStatusSuccess, Count: 4},
	}), 24*time.Hour)

	out := buf.String()
	assert.Contains(t, out, "Stage rows:")
	assert.Contains(t, out, "extract:")
	assert.Contains(t, out, "success=4")
	assert.Less(t, strings.Index(out, "extract:"), strings.Index(out, "load:"))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcdefg...", truncate("abcdefghijklmnop", 10))
	assert.Equal(t, "", truncate("", 10))
}
