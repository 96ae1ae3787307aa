// Package consolidate folds per-stage results into one final classification
// per item and keeps the persisted view current as later stages land.
package consolidate

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/inboxops/triage-engine/internal/model"
)

// Writer is the slice of the store the consolidator needs.
type Writer interface {
	UpsertStageResult(ctx context.Context, runID string, res model.StageResult) error
	UpsertConsolidatedResult(ctx context.Context, runID string, res model.ConsolidatedResult) error
}

// ErrNoUsableResult is returned when every stage result for an item is
// degraded or failed.
var ErrNoUsableResult = eris.New("consolidate: no usable stage result")

// Merge picks the final classification for an item: the successful result
// from the highest stage wins, and degraded results never override a
// successful one from an earlier stage.
func Merge(results []model.StageResult) (model.ConsolidatedResult, error) {
	var (
		winner   model.StageResult
		found    bool
		degraded bool
	)
	for _, r := range results {
		if r.Status != model.ResultOK {
			degraded = true
			continue
		}
		if !found || r.Stage > winner.Stage {
			winner = r
			found = true
		}
	}
	if !found {
		return model.ConsolidatedResult{}, ErrNoUsableResult
	}
	return model.ConsolidatedResult{
		ItemID:              winner.ItemID,
		FinalPriority:       winner.Priority,
		FinalConfidence:     winner.Confidence,
		FinalModelUsed:      winner.ModelUsed,
		HighestStageReached: winner.Stage,
		Degraded:            degraded,
		ConsolidatedAt:      time.Now().UTC(),
	}, nil
}

// Consolidator records stage results as they arrive and keeps the
// consolidated row for each item in sync. Updates for the same item are
// serialized; different items proceed concurrently.
type Consolidator struct {
	store Writer

	mu      sync.Mutex
	locks   map[string]*sync.Mutex
	results map[string][]model.StageResult
}

func New(store Writer) *Consolidator {
	return &Consolidator{
		store:   store,
		locks:   make(map[string]*sync.Mutex),
		results: make(map[string][]model.StageResult),
	}
}

func (c *Consolidator) itemLock(itemID string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.locks[itemID]
	if !ok {
		l = &sync.Mutex{}
		c.locks[itemID] = l
	}
	return l
}

// Record persists a stage result and refreshes the item's consolidated row.
// A stage 3 result arriving after the item was already consolidated from
// stage 1 updates the row in place.
func (c *Consolidator) Record(ctx context.Context, runID string, res model.StageResult) error {
	l := c.itemLock(res.ItemID)
	l.Lock()
	defer l.Unlock()

	if err := c.store.UpsertStageResult(ctx, runID, res); err != nil {
		return eris.Wrapf(err, "consolidate: persist stage %d result for %s", res.Stage, res.ItemID)
	}

	c.mu.Lock()
	c.results[res.ItemID] = append(c.results[res.ItemID], res)
	all := append([]model.StageResult(nil), c.results[res.ItemID]...)
	c.mu.Unlock()

	final, err := Merge(all)
	if err != nil {
		// Every result so far is degraded; keep the stage rows and wait
		// for a usable one.
		zap.L().Debug("consolidation deferred",
			zap.String("item", res.ItemID),
			zap.Int("stage", res.Stage))
		return nil
	}

	if err := c.store.UpsertConsolidatedResult(ctx, runID, final); err != nil {
		return eris.Wrapf(err, "consolidate: persist final result for %s", res.ItemID)
	}
	return nil
}

// Final returns the current consolidated view for an item, if any stage has
// produced a usable result.
func (c *Consolidator) Final(itemID string) (model.ConsolidatedResult, bool) {
	c.mu.Lock()
	all := append([]model.StageResult(nil), c.results[itemID]...)
	c.mu.Unlock()

	final, err := Merge(all)
	if err != nil {
		return model.ConsolidatedResult{}, false
	}
	return final, true
}

// Reset drops in-memory state for a finished run.
func (c *Consolidator) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.locks = make(map[string]*sync.Mutex)
	c.results = make(map[string][]model.StageResult)
}
