package model

import "time"

// RunStatus tracks a batch run through the pipeline state machine.
type RunStatus string

const (
	RunStatusIngesting     RunStatus = "ingesting"
	RunStatusStage1        RunStatus = "stage1"
	RunStatusFiltering     RunStatus = "filtering"
	RunStatusEscalating    RunStatus = "escalating"
	RunStatusConsolidating RunStatus = "consolidating"
	RunStatusPersisting    RunStatus = "persisting"
	RunStatusDone          RunStatus = "done"
	RunStatusFailed        RunStatus = "failed"
	RunStatusCanceled      RunStatus = "canceled"
)

// Terminal reports whether the status is an end state.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusDone, RunStatusFailed, RunStatusCanceled:
		return true
	}
	return false
}

// BatchRun records one pipeline execution over a batch of items.
type BatchRun struct {
	ID        string      `json:"id"`
	Status    RunStatus   `json:"status"`
	ItemCount int         `json:"item_count"`
	Summary   *RunSummary `json:"summary,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// RunSummary is the final accounting for a completed batch run.
type RunSummary struct {
	ItemsTotal     int    `json:"items_total"`
	Escalated      int    `json:"escalated"`
	Degraded       int    `json:"degraded"`
	TokensUsed     int64  `json:"tokens_used"`
	DurationMillis int64  `json:"duration_ms"`
	Error          string `json:"error,omitempty"`
}
