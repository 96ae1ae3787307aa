// Package pipeline orchestrates a batch run: ingest, rule triage, escalation
// through admission control, consolidation, and persistence.
package pipeline

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/inboxops/triage-engine/internal/config"
	"github.com/inboxops/triage-engine/internal/consolidate"
	"github.com/inboxops/triage-engine/internal/model"
	"github.com/inboxops/triage-engine/internal/resilience"
	"github.com/inboxops/triage-engine/internal/stage"
	"github.com/inboxops/triage-engine/internal/store"
)

// Escalator abstracts the model-backed stages. Satisfied by *stage.Escalator.
type Escalator interface {
	Process(ctx context.Context, client model.ClientContext, item model.Item, stage int) model.StageResult
	TotalTokens() int64
}

// Pipeline runs batches through the three-stage triage flow.
type Pipeline struct {
	cfg       *config.Config
	store     store.Store
	triage    *stage.Triage
	escalator Escalator
}

// New creates a Pipeline with all dependencies.
func New(cfg *config.Config, st store.Store, triage *stage.Triage, esc Escalator) *Pipeline {
	return &Pipeline{
		cfg:       cfg,
		store:     st,
		triage:    triage,
		escalator: esc,
	}
}

// Run executes the pipeline over a batch of items on behalf of one client.
// An error is returned only when the run itself cannot proceed; per-item
// escalation failures surface as degraded stage results, not errors.
func (p *Pipeline) Run(ctx context.Context, client model.ClientContext, items []model.Item) (*model.BatchRun, error) {
	log := zap.L().With(zap.String("client", client.Key()), zap.Int("items", len(items)))
	log.Info("pipeline: starting batch run")
	start := time.Now()

	run, err := p.store.CreateRun(ctx, len(items))
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: create run")
	}
	log = log.With(zap.String("run", run.ID))

	setStatus := func(status model.RunStatus) {
		run.Status = status
		if statusErr := p.store.UpdateRunStatus(ctx, run.ID, status); statusErr != nil {
			log.Warn("pipeline: failed to update status", zap.Error(statusErr))
		}
	}

	cons := consolidate.New(p.store)
	startTokens := p.escalator.TotalTokens()
	var degraded atomic.Int64

	record := func(res model.StageResult) {
		if res.Status != model.ResultOK {
			degraded.Add(1)
		}
		p.persist(ctx, run.ID, cons, res)
	}

	finish := func(status model.RunStatus, escalated int, runErr error) (*model.BatchRun, error) {
		summary := &model.RunSummary{
			ItemsTotal:     len(items),
			Escalated:      escalated,
			Degraded:       int(degraded.Load()),
			TokensUsed:     p.escalator.TotalTokens() - startTokens,
			DurationMillis: time.Since(start).Milliseconds(),
		}
		if runErr != nil {
			summary.Error = runErr.Error()
		}
		run.Status = status
		run.Summary = summary
		// Write the final record even if ctx was canceled.
		finishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := p.store.FinishRun(finishCtx, run.ID, status, summary); err != nil {
			log.Warn("pipeline: failed to finish run", zap.Error(err))
		}
		log.Info("pipeline: run finished",
			zap.String("status", string(status)),
			zap.Int("escalated", escalated),
			zap.Int("degraded", summary.Degraded),
			zap.Int64("tokens", summary.TokensUsed),
			zap.Int64("duration_ms", summary.DurationMillis))
		return run, runErr
	}

	// Ingest.
	if err := p.store.InsertItems(ctx, run.ID, items); err != nil {
		return finish(model.RunStatusFailed, 0, eris.Wrap(err, "pipeline: ingest items"))
	}

	// Stage 1: deterministic rule triage, then pick escalation candidates.
	setStatus(model.RunStatusStage1)
	settled, escalate := p.triage.ClassifyBatch(items, p.cfg.Pipeline.Stage1Threshold)

	setStatus(model.RunStatusFiltering)
	for _, res := range settled {
		record(res)
	}

	// Stages 2 and 3: bounded parallel escalation through admission control.
	if len(escalate) > 0 {
		setStatus(model.RunStatusEscalating)
		g, gCtx := errgroup.WithContext(ctx)
		g.SetLimit(p.workers())

		for _, item := range escalate {
			item := item
			g.Go(func() error {
				// After cancellation no new escalations are admitted;
				// already-recorded results stand.
				if gCtx.Err() != nil {
					return nil
				}
				res := p.escalator.Process(gCtx, client, item, 2)
				record(res)

				if res.OK() && res.Confidence < p.cfg.Pipeline.Stage2Threshold {
					if gCtx.Err() != nil {
						return nil
					}
					res3 := p.escalator.Process(gCtx, client, item, 3)
					record(res3)
				}
				return nil
			})
		}
		_ = g.Wait()
	}

	setStatus(model.RunStatusConsolidating)

	// Persistence sweep: replay any writes that dead-lettered earlier.
	setStatus(model.RunStatusPersisting)
	p.replayDeadLetters(ctx)

	if ctx.Err() != nil {
		return finish(model.RunStatusCanceled, len(escalate), nil)
	}
	return finish(model.RunStatusDone, len(escalate), nil)
}

func (p *Pipeline) workers() int {
	if p.cfg.Pipeline.Workers > 0 {
		return p.cfg.Pipeline.Workers
	}
	return 4
}

// persist records a stage result with retry; results that still cannot be
// written go to the dead letter queue rather than aborting the batch.
func (p *Pipeline) persist(ctx context.Context, runID string, cons *consolidate.Consolidator, res model.StageResult) {
	retries := p.cfg.Pipeline.PersistRetries
	if retries <= 0 {
		retries = 3
	}
	cfg := resilience.RetryConfig{
		MaxAttempts:    retries,
		InitialBackoff: 100 * time.Millisecond,
		ShouldRetry:    func(error) bool { return true },
		OnRetry:        resilience.RetryLogger("store", "persist result"),
	}

	err := resilience.Do(ctx, cfg, func(ctx context.Context) error {
		return cons.Record(ctx, runID, res)
	})
	if err == nil {
		return
	}

	failure := model.NewFailure(model.FailPersistence, 0, err)
	zap.L().Error("pipeline: persisting result failed, dead-lettering",
		zap.String("item", res.ItemID),
		zap.Int("stage", res.Stage),
		zap.Error(failure))

	payload, merr := json.Marshal(res)
	if merr != nil {
		zap.L().Error("pipeline: marshal dead letter", zap.Error(merr))
		return
	}
	entry := store.DLQEntry{
		RunID:       runID,
		ItemID:      res.ItemID,
		Payload:     payload,
		Error:       err.Error(),
		NextRetryAt: time.Now().UTC().Add(time.Minute),
	}
	if dlqErr := p.store.EnqueueDLQ(context.WithoutCancel(ctx), entry); dlqErr != nil {
		zap.L().Error("pipeline: enqueue dead letter", zap.Error(dlqErr))
	}
}

// replayDeadLetters retries due dead-lettered stage results. Entries that
// fail again stay queued with a bumped retry time.
func (p *Pipeline) replayDeadLetters(ctx context.Context) {
	entries, err := p.store.DequeueDLQ(ctx, 100)
	if err != nil {
		zap.L().Warn("pipeline: dequeue dead letters", zap.Error(err))
		return
	}
	if len(entries) == 0 {
		return
	}

	replayed := 0
	for _, entry := range entries {
		var res model.StageResult
		if err := json.Unmarshal(entry.Payload, &res); err != nil {
			zap.L().Error("pipeline: corrupt dead letter, dropping",
				zap.String("id", entry.ID), zap.Error(err))
			_ = p.store.DeleteDLQ(ctx, entry.ID)
			continue
		}
		err := p.store.UpsertStageResult(ctx, entry.RunID, res)
		if err == nil {
			// The original failure may have lost the consolidated row too;
			// rebuild it from every stage result now on record.
			err = p.reconsolidate(ctx, entry.RunID, res.ItemID)
		}
		if err != nil {
			entry.RetryCount++
			entry.Error = err.Error()
			entry.NextRetryAt = time.Now().UTC().Add(time.Duration(entry.RetryCount) * time.Minute)
			entry.LastFailedAt = time.Now().UTC()
			_ = p.store.EnqueueDLQ(ctx, entry)
			continue
		}
		_ = p.store.DeleteDLQ(ctx, entry.ID)
		replayed++
	}
	if replayed > 0 {
		zap.L().Info("pipeline: replayed dead letters", zap.Int("count", replayed))
	}
}

// reconsolidate re-merges an item's consolidated row from its persisted
// stage results.
func (p *Pipeline) reconsolidate(ctx context.Context, runID, itemID string) error {
	all, err := p.store.ListStageResults(ctx, itemID)
	if err != nil {
		return eris.Wrapf(err, "pipeline: list stage results for %s", itemID)
	}
	final, err := consolidate.Merge(all)
	if err != nil {
		// Nothing usable yet; the stage rows stand on their own.
		return nil
	}
	return p.store.UpsertConsolidatedResult(ctx, runID, final)
}

// Resume fetches items from an earlier run that never reached consolidation
// and runs them through the pipeline again as a new batch.
func (p *Pipeline) Resume(ctx context.Context, client model.ClientContext, runID string) (*model.BatchRun, error) {
	pageSize := p.cfg.Pipeline.PageSize
	if pageSize <= 0 {
		pageSize = 100
	}

	var pending []model.Item
	cursor := ""
	for {
		page, next, err := p.store.FetchPendingItems(ctx, runID, cursor, pageSize)
		if err != nil {
			return nil, eris.Wrapf(err, "pipeline: fetch pending for run %s", runID)
		}
		pending = append(pending, page...)
		if next == "" {
			break
		}
		cursor = next
	}

	if len(pending) == 0 {
		return nil, eris.Errorf("pipeline: run %s has no pending items", runID)
	}
	zap.L().Info("pipeline: resuming run",
		zap.String("source_run", runID),
		zap.Int("pending", len(pending)))
	return p.Run(ctx, client, pending)
}
