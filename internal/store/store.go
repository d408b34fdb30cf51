// Package store persists canonical records, derived tables and the run log.
package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/janus/internal/model"
	"github.com/sells-group/janus/internal/resilience"
)

// Table names shared by both backends.
const (
	TableEvents     = "canonical_events"
	TableBilling    = "canonical_billing"
	TableQuarantine = "quarantine"
	TableState      = "subscription_state"
	TableFeatures   = "feature_rows"
	TableRuns       = "runs"
	TableRunStages  = "run_stages"
)

// Tables lists every table reported by Stats, in display order.
var Tables = []string{TableEvents, TableBilling, TableQuarantine, TableState, TableFeatures, TableRuns}

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Status model.RunStatus `json:"status,omitempty"`
	Limit  int             `json:"limit,omitempty"`
	Offset int             `json:"offset,omitempty"`
}

// Stats is a point-in-time view of store contents.
type Stats struct {
	Tables          map[string]int64 `json:"tables"`
	LateEvents      int64            `json:"late_events"`
	LatestIngestion *time.Time       `json:"latest_ingestion,omitempty"`
}

// Store defines the persistence interface for the churn pipeline.
type Store interface {
	// Canonical records. Each commit is one transaction: canonical rows and
	// quarantine rows land together or not at all.
	CommitEvents(ctx context.Context, batch *model.EventBatch) (model.CommitResult, error)
	CommitBilling(ctx context.Context, batch *model.BillingBatch) (model.CommitResult, error)
	ScanEvents(ctx context.Context, days model.DayRange) ([]model.CanonicalEvent, error)
	EventsForUser(ctx context.Context, userID string) ([]model.CanonicalEvent, error)
	ScanBilling(ctx context.Context, through model.Day) ([]model.CanonicalBilling, error)
	ObservedRange(ctx context.Context) (model.DayRange, bool, error)
	ListQuarantine(ctx context.Context, batchID string) ([]model.Rejection, error)

	// Derived tables, replaced wholesale for a day range.
	ReplaceDerived(ctx context.Context, days model.DayRange, states []model.SubscriptionState, rows []model.FeatureRow) error
	LoadFeatureRows(ctx context.Context, days model.DayRange) ([]model.FeatureRow, error)

	// Run log
	CreateRun(ctx context.Context) (*model.Run, error)
	StartStage(ctx context.Context, runID, name string) (*model.RunStage, error)
	CompleteStage(ctx context.Context, stageID string, result map[string]any) error
	FailStage(ctx context.Context, stageID, errMsg string) error
	FinishRun(ctx context.Context, runID string, status model.RunStatus, counters model.RunCounters, errMsg string) error
	GetRun(ctx context.Context, runID string) (*model.Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error)

	// Lifecycle
	Stats(ctx context.Context) (*Stats, error)
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

// StorageError is a backend failure during a store operation. Whole batches
// and stages fail with it; nothing is partially committed.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// storageErr wraps err as a StorageError, additionally marking it transient
// when a retry of the whole operation may succeed.
func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	se := &StorageError{Op: op, Err: err}
	if resilience.IsTransient(err) {
		return resilience.NewTransientError(se, "")
	}
	return se
}

// ErrNotFound is returned when a run or stage does not exist.
var ErrNotFound = eris.New("store: not found")

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
