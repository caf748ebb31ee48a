package model

import "time"

// Stage names a phase of a pipeline run.
type Stage string

const (
	StageExtract Stage = "extract"
	StageLoad    Stage = "load"
)

// RunStatus represents the state of a pipeline stage.
type RunStatus string

const (
	RunStatusRunning RunStatus = "running"
	RunStatusSuccess RunStatus = "success"
	RunStatusFailed  RunStatus = "failed"
)

// IsTerminal reports whether the status ends a stage.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusSuccess || s == RunStatusFailed
}

// PipelineRun is a row in pipeline_runs. (RunID, Stage) is unique.
type PipelineRun struct {
	ID               string     `json:"id" yaml:"id"`
	RunID            string     `json:"run_id" yaml:"run_id"`
	Stage            Stage      `json:"stage" yaml:"stage"`
	Status           RunStatus  `json:"status" yaml:"status"`
	RecordsProcessed int        `json:"records_processed" yaml:"records_processed"`
	ErrorMessage     string     `json:"error_message,omitempty" yaml:"error_message,omitempty"`
	StartedAt        time.Time  `json:"started_at" yaml:"started_at"`
	CompletedAt      *time.Time `json:"completed_at,omitempty" yaml:"completed_at,omitempty"`
}

// RunLog is a stage status transition to be upserted into pipeline_runs.
// Nil StartedAt means "now". Nil CompletedAt means "now" for success and
// failed, and stays empty for running.
type RunLog struct {
	RunID            string
	Stage            Stage
	Status           RunStatus
	RecordsProcessed int
	ErrorMessage     *string
	StartedAt        *time.Time
	CompletedAt      *time.Time
}

// StageStatusCount is one group of the recent run-status aggregate.
type StageStatusCount struct {
	Stage  Stage     `json:"stage" yaml:"stage"`
	Status RunStatus `json:"status" yaml:"status"`
	Count  int64     `json:"count" yaml:"count"`
}
