package model

import "time"

// RunStatus represents the current state of a pipeline run.
type RunStatus string

const (
	RunStatusRunning  RunStatus = "running"
	RunStatusComplete RunStatus = "complete"
	RunStatusFailed   RunStatus = "failed"
)

// StageStatus represents the state of a single stage within a run.
type StageStatus string

const (
	StageStatusRunning  StageStatus = "running"
	StageStatusComplete StageStatus = "complete"
	StageStatusFailed   StageStatus = "failed"
)

// Stage names.
const (
	StageIngest   = "ingest"
	StageDerive   = "derive"
	StageEvaluate = "evaluate"
	StageWrite    = "write"
)

// RunCounters are the run-scoped counts every completed run reports, so that
// rejected, duplicate, censored and skipped items are never silently lost.
type RunCounters struct {
	BatchesLoaded  int64 `json:"batches_loaded"`
	BatchesFailed  int64 `json:"batches_failed"`
	Inserted       int64 `json:"inserted"`
	Duplicates     int64 `json:"duplicates"`
	Rejected       int64 `json:"rejected"`
	StateRows      int64 `json:"state_rows"`
	FeatureRows    int64 `json:"feature_rows"`
	CensoredRows   int64 `json:"censored_rows"`
	FoldsEvaluated int64 `json:"folds_evaluated"`
	FoldsSkipped   int64 `json:"folds_skipped"`
}

// Run is a single pipeline invocation.
type Run struct {
	ID          string      `json:"id"`
	Status      RunStatus   `json:"status"`
	Counters    RunCounters `json:"counters"`
	Error       string      `json:"error,omitempty"`
	StartedAt   time.Time   `json:"started_at"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
	Stages      []RunStage  `json:"stages,omitempty"`
}

// RunStage is one stage of a run.
type RunStage struct {
	ID          string         `json:"id"`
	RunID       string         `json:"run_id"`
	Name        string         `json:"name"`
	Status      StageStatus    `json:"status"`
	Result      map[string]any `json:"result,omitempty"`
	Error       string         `json:"error,omitempty"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}
