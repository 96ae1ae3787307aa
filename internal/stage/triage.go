package stage

import (
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/text/cases"

	"github.com/inboxops/triage-engine/internal/model"
)

// PatternModel is the ModelUsed marker for rule-based classifications.
const PatternModel = "pattern"

// Triage is the stage 1 processor. It is deterministic: the same item always
// yields the same result, and no inference backend is contacted.
type Triage struct {
	rules  *RuleSet
	folder cases.Caser

	// DeadlineWindow is the number of days within which a mentioned
	// deadline forces escalation.
	DeadlineWindow int
}

// NewTriage builds a stage 1 processor over the given rule table. A nil
// table uses the compiled-in defaults.
func NewTriage(rules *RuleSet) *Triage {
	if rules == nil {
		rules = DefaultRules()
	}
	return &Triage{
		rules:          rules,
		folder:         cases.Fold(),
		DeadlineWindow: 3,
	}
}

// Classify runs the rule table over a single item. Pattern rules are tried
// in order and the first match wins; workflow rules are consulted only when
// no pattern matched.
func (t *Triage) Classify(item model.Item) model.StageResult {
	res := model.StageResult{
		ItemID:     item.ID,
		Stage:      1,
		ModelUsed:  PatternModel,
		Status:     model.ResultOK,
		ProducedAt: time.Now().UTC(),
	}

	for _, p := range t.rules.Patterns {
		if p.re.MatchString(item.Content) {
			res.Priority = model.PriorityClass(p.Priority)
			res.Confidence = p.Confidence
			res.RawOutput = p.Name
			return res
		}
	}

	folded := t.folder.String(item.Content)
	for _, w := range t.rules.Workflows {
		for _, kw := range w.Keywords {
			if strings.Contains(folded, t.folder.String(kw)) {
				res.Priority = model.PriorityClass(w.Priority)
				res.Confidence = w.Confidence
				res.RawOutput = w.Name
				return res
			}
		}
	}

	// Nothing matched: a low-confidence Medium, which the threshold check
	// below will send to stage 2.
	res.Priority = model.PriorityMedium
	res.Confidence = 0.2
	res.RawOutput = "unmatched"
	return res
}

// NeedsEscalation reports whether a stage 1 result should be sent to stage 2:
// low-confidence classifications, workflow-rule matches, and items whose text
// mentions a deadline inside the window.
func (t *Triage) NeedsEscalation(item model.Item, res model.StageResult, threshold float64) bool {
	if res.Confidence < threshold {
		return true
	}
	for _, w := range t.rules.Workflows {
		if res.RawOutput == w.Name {
			return true
		}
	}
	if DaysUntilDeadline(item.Content) <= t.DeadlineWindow {
		return true
	}
	return false
}

// ClassifyBatch runs stage 1 over a batch and partitions the results into
// settled classifications and escalation candidates.
func (t *Triage) ClassifyBatch(items []model.Item, threshold float64) (settled []model.StageResult, escalate []model.Item) {
	settled = make([]model.StageResult, 0, len(items))
	for _, item := range items {
		res := t.Classify(item)
		settled = append(settled, res)
		if t.NeedsEscalation(item, res, threshold) {
			escalate = append(escalate, item)
		}
	}
	zap.L().Debug("stage 1 complete",
		zap.Int("items", len(items)),
		zap.Int("escalating", len(escalate)))
	return settled, escalate
}
