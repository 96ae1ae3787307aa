package model

import "time"

// ResultStatus marks whether a stage produced a usable analysis for an item.
type ResultStatus string

const (
	// ResultOK means the stage completed and its output is trustworthy.
	ResultOK ResultStatus = "ok"
	// ResultDegraded means the stage ran but its backend call timed out or
	// failed; the result carries no usable analysis and consolidation must
	// fall back to an earlier stage.
	ResultDegraded ResultStatus = "degraded"
	// ResultFailed means the stage could not run at all for this item.
	ResultFailed ResultStatus = "failed"
)

// StageResult is the output of one stage for one item. Exactly one StageResult
// exists per (item, stage) pair; it is never mutated after creation.
type StageResult struct {
	ItemID     string        `json:"item_id"`
	Stage      int           `json:"stage"`
	Priority   PriorityClass `json:"priority"`
	Confidence float64       `json:"confidence"`
	ModelUsed  string        `json:"model_used"`
	RawOutput  string        `json:"raw_output,omitempty"`
	Status     ResultStatus  `json:"status"`
	Error      string        `json:"error,omitempty"`
	ProducedAt time.Time     `json:"produced_at"`
}

// OK reports whether the result carries a usable analysis.
func (r StageResult) OK() bool {
	return r.Status == ResultOK
}

// ConsolidatedResult is the single authoritative record for an item after
// merging all stage results. It is upserted keyed by ItemID; reprocessing an
// item updates the record in place. HighestStageReached counts successful
// stages only; Degraded marks that at least one stage attempt carried no
// usable analysis.
type ConsolidatedResult struct {
	ItemID              string        `json:"item_id"`
	FinalPriority       PriorityClass `json:"final_priority"`
	FinalConfidence     float64       `json:"final_confidence"`
	FinalModelUsed      string        `json:"final_model_used"`
	HighestStageReached int           `json:"highest_stage_reached"`
	Degraded            bool          `json:"degraded,omitempty"`
	ConsolidatedAt      time.Time     `json:"consolidated_at"`
}
