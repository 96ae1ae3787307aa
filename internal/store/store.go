// Package store persists batch runs, stage results, and consolidated
// classifications, with SQLite and PostgreSQL backends.
package store

import (
	"context"
	"time"

	"github.com/inboxops/triage-engine/internal/model"
)

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Status model.RunStatus `json:"status,omitempty"`
	Limit  int             `json:"limit,omitempty"`
	Offset int             `json:"offset,omitempty"`
}

// DLQEntry is a persistence write that could not be completed after retries.
// Entries are replayed by the next run's startup sweep.
type DLQEntry struct {
	ID           string    `json:"id"`
	RunID        string    `json:"run_id"`
	ItemID       string    `json:"item_id"`
	Payload      []byte    `json:"payload"`
	Error        string    `json:"error"`
	RetryCount   int       `json:"retry_count"`
	NextRetryAt  time.Time `json:"next_retry_at"`
	CreatedAt    time.Time `json:"created_at"`
	LastFailedAt time.Time `json:"last_failed_at"`
}

// Stats is a point-in-time snapshot of stored state, used by the monitoring
// collector and the status command.
type Stats struct {
	RunsByStatus    map[string]int `json:"runs_by_status"`
	ItemsTotal      int            `json:"items_total"`
	ByFinalPriority map[string]int `json:"by_final_priority"`
	DegradedResults int            `json:"degraded_results"`
	DeadLetters     int            `json:"dead_letters"`
}

// Store defines the persistence interface for the triage pipeline.
type Store interface {
	// Runs
	CreateRun(ctx context.Context, itemCount int) (*model.BatchRun, error)
	UpdateRunStatus(ctx context.Context, runID string, status model.RunStatus) error
	FinishRun(ctx context.Context, runID string, status model.RunStatus, summary *model.RunSummary) error
	GetRun(ctx context.Context, runID string) (*model.BatchRun, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]model.BatchRun, error)

	// Items
	InsertItems(ctx context.Context, runID string, items []model.Item) error
	FetchPendingItems(ctx context.Context, runID string, afterID string, limit int) ([]model.Item, string, error)

	// Results
	UpsertStageResult(ctx context.Context, runID string, res model.StageResult) error
	UpsertConsolidatedResult(ctx context.Context, runID string, res model.ConsolidatedResult) error
	GetConsolidatedResult(ctx context.Context, itemID string) (*model.ConsolidatedResult, error)
	ListStageResults(ctx context.Context, itemID string) ([]model.StageResult, error)

	// Dead letters
	EnqueueDLQ(ctx context.Context, entry DLQEntry) error
	DequeueDLQ(ctx context.Context, limit int) ([]DLQEntry, error)
	DeleteDLQ(ctx context.Context, id string) error

	// Monitoring
	Stats(ctx context.Context) (*Stats, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
