package stage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/inboxops/triage-engine/internal/model"
	"github.com/inboxops/triage-engine/internal/provider"
)

// Admitter funnels escalation requests through admission control. Satisfied
// by *admission.Queue.
type Admitter interface {
	Do(ctx context.Context, client model.ClientContext, req provider.Request) (*provider.Generation, error)
}

const stage2System = `You triage inbound business messages. Classify the message's priority as one of: critical, high, medium, low. Respond with a single JSON object: {"priority": "...", "confidence": 0.0-1.0, "reasoning": "..."}. No other text.`

const stage3System = `You are a senior triage analyst resolving ambiguous business messages. Weigh deadlines, financial exposure, and operational impact. Classify priority as one of: critical, high, medium, low. Respond with a single JSON object: {"priority": "...", "confidence": 0.0-1.0, "reasoning": "..."}. No other text.`

// EscalatorConfig controls the model-backed stages.
type EscalatorConfig struct {
	// RequestTimeout bounds a single escalation call, queue wait included.
	RequestTimeout time.Duration
	// Stage2Model and Stage3Model override the backend's default model per
	// stage. Empty means the backend decides.
	Stage2Model string
	Stage3Model string
	// Stage2MaxTokens and Stage3MaxTokens cap response sizes per stage.
	Stage2MaxTokens int
	Stage3MaxTokens int
}

func (c EscalatorConfig) withDefaults() EscalatorConfig {
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 20 * time.Second
	}
	if c.Stage2MaxTokens <= 0 {
		c.Stage2MaxTokens = 256
	}
	if c.Stage3MaxTokens <= 0 {
		c.Stage3MaxTokens = 1024
	}
	return c
}

// Escalator runs stages 2 and 3: one inference request per item, issued
// through admission control. Failures never abort the batch; they come back
// as degraded results.
type Escalator struct {
	queue  Admitter
	cfg    EscalatorConfig
	tokens atomic.Int64
}

func NewEscalator(queue Admitter, cfg EscalatorConfig) *Escalator {
	return &Escalator{queue: queue, cfg: cfg.withDefaults()}
}

// TotalTokens reports the cumulative token usage across all escalation calls.
func (e *Escalator) TotalTokens() int64 {
	return e.tokens.Load()
}

// modelVerdict is the JSON shape the escalation prompts ask for.
type modelVerdict struct {
	Priority   string  `json:"priority"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning"`
}

// Process runs one escalation call for an item at the given stage (2 or 3).
// The returned result is always usable: admission rejections, timeouts, and
// unparseable output yield a degraded result rather than an error.
func (e *Escalator) Process(ctx context.Context, client model.ClientContext, item model.Item, stage int) model.StageResult {
	res := model.StageResult{
		ItemID:     item.ID,
		Stage:      stage,
		ProducedAt: time.Now().UTC(),
	}

	req := provider.Request{
		Prompt:    buildPrompt(item),
		System:    stage2System,
		Model:     e.cfg.Stage2Model,
		MaxTokens: int64(e.cfg.Stage2MaxTokens),
	}
	if stage >= 3 {
		req.System = stage3System
		req.Model = e.cfg.Stage3Model
		req.MaxTokens = int64(e.cfg.Stage3MaxTokens)
	}

	callCtx, cancel := context.WithTimeout(ctx, e.cfg.RequestTimeout)
	defer cancel()

	gen, err := e.queue.Do(callCtx, client, req)
	if err != nil {
		if callCtx.Err() != nil && ctx.Err() == nil {
			err = model.NewFailure(model.FailStageTimeout, 0,
				fmt.Errorf("stage %d: request exceeded %s", stage, e.cfg.RequestTimeout))
		}
		zap.L().Warn("escalation degraded",
			zap.String("item", item.ID),
			zap.Int("stage", stage),
			zap.Error(err))
		return degraded(res, err)
	}

	e.tokens.Add(gen.TokensUsed)

	verdict, err := parseVerdict(gen.Text)
	if err != nil {
		zap.L().Warn("escalation output unparseable",
			zap.String("item", item.ID),
			zap.Int("stage", stage),
			zap.String("backend", gen.Backend),
			zap.Error(err))
		res.ModelUsed = gen.Model
		res.RawOutput = gen.Text
		return degraded(res, err)
	}

	res.Priority = model.ParsePriority(verdict.Priority)
	res.Confidence = clamp01(verdict.Confidence)
	res.ModelUsed = gen.Model
	res.RawOutput = gen.Text
	res.Status = model.ResultOK
	return res
}

func degraded(res model.StageResult, err error) model.StageResult {
	res.Status = model.ResultDegraded
	res.Error = err.Error()
	if res.ModelUsed == "" {
		res.ModelUsed = "none"
	}
	return res
}

func buildPrompt(item model.Item) string {
	var b strings.Builder
	b.WriteString("Message:\n")
	b.WriteString(item.Content)
	if len(item.Metadata) > 0 {
		b.WriteString("\n\nMetadata:\n")
		for k, v := range item.Metadata {
			fmt.Fprintf(&b, "%s: %s\n", k, v)
		}
	}
	return b.String()
}

// parseVerdict pulls the first JSON object out of the model's output. Models
// sometimes wrap the object in prose or code fences despite instructions.
func parseVerdict(text string) (modelVerdict, error) {
	var v modelVerdict
	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start < 0 || end <= start {
		return v, fmt.Errorf("stage: no JSON object in model output")
	}
	if err := json.Unmarshal([]byte(text[start:end+1]), &v); err != nil {
		return v, fmt.Errorf("stage: decode model output: %w", err)
	}
	if v.Priority == "" {
		return v, fmt.Errorf("stage: model output missing priority")
	}
	return v, nil
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}
