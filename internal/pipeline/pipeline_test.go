package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inboxops/triage-engine/internal/config"
	"github.com/inboxops/triage-engine/internal/model"
	"github.com/inboxops/triage-engine/internal/stage"
	"github.com/inboxops/triage-engine/internal/store"
)

type escCall struct {
	itemID string
	stage  int
}

// fakeEscalator scripts stage 2/3 outcomes per item.
type fakeEscalator struct {
	mu     sync.Mutex
	calls  []escCall
	fn     func(item model.Item, stageNum int) model.StageResult
	tokens int64
	block  chan struct{}
}

func (f *fakeEscalator) Process(ctx context.Context, _ model.ClientContext, item model.Item, stageNum int) model.StageResult {
	f.mu.Lock()
	f.calls = append(f.calls, escCall{itemID: item.ID, stage: stageNum})
	f.mu.Unlock()

	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return model.StageResult{
				ItemID: item.ID, Stage: stageNum, Status: model.ResultDegraded,
				ModelUsed: "none", Error: ctx.Err().Error(), ProducedAt: time.Now().UTC(),
			}
		}
	}

	f.mu.Lock()
	f.tokens += 10
	f.mu.Unlock()
	if f.fn != nil {
		return f.fn(item, stageNum)
	}
	return model.StageResult{
		ItemID: item.ID, Stage: stageNum, Priority: model.PriorityHigh,
		Confidence: 0.9, ModelUsed: "claude-haiku", Status: model.ResultOK,
		ProducedAt: time.Now().UTC(),
	}
}

func (f *fakeEscalator) TotalTokens() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tokens
}

func (f *fakeEscalator) callsFor(stageNum int) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []string
	for _, c := range f.calls {
		if c.stage == stageNum {
			ids = append(ids, c.itemID)
		}
	}
	return ids
}

// flakyStore lets tests inject persistence failures.
type flakyStore struct {
	store.Store
	mu        sync.Mutex
	failStage bool
}

func (f *flakyStore) setFailStage(v bool) {
	f.mu.Lock()
	f.failStage = v
	f.mu.Unlock()
}

func (f *flakyStore) UpsertStageResult(ctx context.Context, runID string, res model.StageResult) error {
	f.mu.Lock()
	fail := f.failStage
	f.mu.Unlock()
	if fail {
		return errors.New("disk full")
	}
	return f.Store.UpsertStageResult(ctx, runID, res)
}

func testConfig() *config.Config {
	return &config.Config{
		Pipeline: config.PipelineConfig{
			Stage1Threshold: 0.6,
			Stage2Threshold: 0.5,
			Workers:         2,
			PersistRetries:  2,
			PageSize:        2,
		},
	}
}

func newTestPipeline(t *testing.T, esc Escalator) (*Pipeline, store.Store) {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))

	return New(testConfig(), st, stage.NewTriage(nil), esc), st
}

func batchItem(id, content string) model.Item {
	return model.Item{ID: id, Content: content, ReceivedAt: time.Now().UTC()}
}

var testClient = model.ClientContext{UserID: "u1"}

func TestRunAllSettledByStage1(t *testing.T) {
	esc := &fakeEscalator{}
	p, st := newTestPipeline(t, esc)
	ctx := context.Background()

	items := []model.Item{
		batchItem("a", "URGENT: production outage"),
		batchItem("b", "weekly digest newsletter"),
	}

	run, err := p.Run(ctx, testClient, items)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusDone, run.Status)
	require.NotNil(t, run.Summary)
	assert.Equal(t, 2, run.Summary.ItemsTotal)
	assert.Zero(t, run.Summary.Escalated)
	assert.Zero(t, run.Summary.Degraded)
	assert.Empty(t, esc.calls)

	final, err := st.GetConsolidatedResult(ctx, "a")
	require.NoError(t, err)
	require.NotNil(t, final)
	assert.Equal(t, model.PriorityCritical, final.FinalPriority)
	assert.Equal(t, 1, final.HighestStageReached)
	assert.Equal(t, "pattern", final.FinalModelUsed)
}

func TestRunEscalatesLowConfidence(t *testing.T) {
	esc := &fakeEscalator{}
	p, st := newTestPipeline(t, esc)
	ctx := context.Background()

	items := []model.Item{
		batchItem("a", "URGENT: production outage"),
		batchItem("b", "quick question about the roadmap"),
	}

	run, err := p.Run(ctx, testClient, items)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusDone, run.Status)
	assert.Equal(t, 1, run.Summary.Escalated)
	assert.Equal(t, int64(10), run.Summary.TokensUsed)
	assert.Equal(t, []string{"b"}, esc.callsFor(2))
	assert.Empty(t, esc.callsFor(3))

	final, err := st.GetConsolidatedResult(ctx, "b")
	require.NoError(t, err)
	require.NotNil(t, final)
	assert.Equal(t, model.PriorityHigh, final.FinalPriority)
	assert.Equal(t, 2, final.HighestStageReached)
}

func TestRunStage3AfterAmbiguousStage2(t *testing.T) {
	esc := &fakeEscalator{fn: func(item model.Item, stageNum int) model.StageResult {
		res := model.StageResult{
			ItemID: item.ID, Stage: stageNum, ModelUsed: "claude-haiku",
			Status: model.ResultOK, ProducedAt: time.Now().UTC(),
		}
		if stageNum == 2 {
			res.Priority = model.PriorityMedium
			res.Confidence = 0.3
		} else {
			res.Priority = model.PriorityCritical
			res.Confidence = 0.95
			res.ModelUsed = "claude-sonnet"
		}
		return res
	}}
	p, st := newTestPipeline(t, esc)
	ctx := context.Background()

	_, err := p.Run(ctx, testClient, []model.Item{batchItem("b", "odd unclassifiable note")})
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, esc.callsFor(2))
	assert.Equal(t, []string{"b"}, esc.callsFor(3))

	final, err := st.GetConsolidatedResult(ctx, "b")
	require.NoError(t, err)
	require.NotNil(t, final)
	assert.Equal(t, model.PriorityCritical, final.FinalPriority)
	assert.Equal(t, 0.95, final.FinalConfidence)
	assert.Equal(t, 3, final.HighestStageReached)
	assert.Equal(t, "claude-sonnet", final.FinalModelUsed)
}

func TestRunDegradedEscalationKeepsStage1Result(t *testing.T) {
	esc := &fakeEscalator{fn: func(item model.Item, stageNum int) model.StageResult {
		return model.StageResult{
			ItemID: item.ID, Stage: stageNum, Status: model.ResultDegraded,
			ModelUsed: "none", Error: "request exceeded 20s", ProducedAt: time.Now().UTC(),
		}
	}}
	p, st := newTestPipeline(t, esc)
	ctx := context.Background()

	run, err := p.Run(ctx, testClient, []model.Item{batchItem("b", "misc unmatched text")})
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusDone, run.Status)
	assert.Equal(t, 1, run.Summary.Degraded)

	// Stage 1's classification survives; the degraded stage 2 attempt is
	// recorded but does not override it.
	final, err := st.GetConsolidatedResult(ctx, "b")
	require.NoError(t, err)
	require.NotNil(t, final)
	assert.Equal(t, 1, final.HighestStageReached)
	assert.True(t, final.Degraded)
	assert.Equal(t, model.PriorityMedium, final.FinalPriority)
	assert.Equal(t, "pattern", final.FinalModelUsed)

	results, err := st.ListStageResults(ctx, "b")
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, model.ResultDegraded, results[1].Status)
}

func TestRunCancellationStopsNewEscalations(t *testing.T) {
	esc := &fakeEscalator{block: make(chan struct{})}
	p, st := newTestPipeline(t, esc)

	ctx, cancel := context.WithCancel(context.Background())

	items := []model.Item{
		batchItem("e1", "unmatched one"),
		batchItem("e2", "unmatched two"),
		batchItem("e3", "unmatched three"),
		batchItem("e4", "unmatched four"),
	}

	done := make(chan *model.BatchRun, 1)
	go func() {
		run, _ := p.Run(ctx, testClient, items)
		done <- run
	}()

	// Let the first workers enter escalation, then cancel.
	time.Sleep(50 * time.Millisecond)
	cancel()

	run := <-done
	require.NotNil(t, run)
	assert.Equal(t, model.RunStatusCanceled, run.Status)

	// Only the in-flight escalations (bounded by the worker limit) ran;
	// the rest were never admitted.
	assert.LessOrEqual(t, len(esc.callsFor(2)), 2)

	// Stage 1 results for every item were persisted before cancellation.
	for _, it := range items {
		final, err := st.GetConsolidatedResult(context.Background(), it.ID)
		require.NoError(t, err)
		require.NotNil(t, final, it.ID)
		assert.Equal(t, 1, final.HighestStageReached)
	}
}

func TestRunPersistFailureDeadLetters(t *testing.T) {
	esc := &fakeEscalator{}
	base, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { base.Close() }) //nolint:errcheck
	require.NoError(t, base.Migrate(context.Background()))

	flaky := &flakyStore{Store: base}
	flaky.setFailStage(true)
	p := New(testConfig(), flaky, stage.NewTriage(nil), esc)

	run, err := p.Run(context.Background(), testClient, []model.Item{
		batchItem("a", "URGENT: broken"),
	})
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusDone, run.Status)

	// The failed write is parked in the dead letter queue, not lost.
	stats, err := base.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.DeadLetters)
}

func TestReplayRebuildsConsolidatedResult(t *testing.T) {
	esc := &fakeEscalator{}
	p, st := newTestPipeline(t, esc)
	ctx := context.Background()

	// A parked write whose consolidation never landed: the stage row is due
	// for replay but the item has no consolidated row.
	stale, err := st.CreateRun(ctx, 1)
	require.NoError(t, err)
	payload, err := json.Marshal(model.StageResult{
		ItemID: "lost", Stage: 1, Priority: model.PriorityCritical,
		Confidence: 0.95, ModelUsed: "pattern", Status: model.ResultOK,
		ProducedAt: time.Now().UTC(),
	})
	require.NoError(t, err)
	require.NoError(t, st.EnqueueDLQ(ctx, store.DLQEntry{
		RunID:       stale.ID,
		ItemID:      "lost",
		Payload:     payload,
		Error:       "disk full",
		NextRetryAt: time.Now().UTC().Add(-time.Minute),
	}))

	// The next healthy run's persistence sweep replays the entry.
	run, err := p.Run(ctx, testClient, []model.Item{
		batchItem("fresh", "URGENT: broken"),
	})
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusDone, run.Status)

	stats, err := st.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.DeadLetters)

	final, err := st.GetConsolidatedResult(ctx, "lost")
	require.NoError(t, err)
	require.NotNil(t, final)
	assert.Equal(t, model.PriorityCritical, final.FinalPriority)
	assert.Equal(t, 0.95, final.FinalConfidence)
	assert.Equal(t, 1, final.HighestStageReached)
}

func TestResumeProcessesPendingItems(t *testing.T) {
	esc := &fakeEscalator{}
	p, st := newTestPipeline(t, esc)
	ctx := context.Background()

	// A prior run ingested items but never consolidated them.
	stale, err := st.CreateRun(ctx, 3)
	require.NoError(t, err)
	require.NoError(t, st.InsertItems(ctx, stale.ID, []model.Item{
		batchItem("p1", "URGENT one"),
		batchItem("p2", "URGENT two"),
		batchItem("p3", "URGENT three"),
	}))

	run, err := p.Resume(ctx, testClient, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusDone, run.Status)
	assert.Equal(t, 3, run.Summary.ItemsTotal)

	for _, id := range []string{"p1", "p2", "p3"} {
		final, err := st.GetConsolidatedResult(ctx, id)
		require.NoError(t, err)
		require.NotNil(t, final, id)
	}
}

func TestResumeNothingPending(t *testing.T) {
	esc := &fakeEscalator{}
	p, st := newTestPipeline(t, esc)
	ctx := context.Background()

	run, err := st.CreateRun(ctx, 0)
	require.NoError(t, err)

	_, err = p.Resume(ctx, testClient, run.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no pending items")
}
