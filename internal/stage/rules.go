// Package stage implements the pipeline's stage processors: rule-based triage
// (stage 1) and model-backed escalation (stages 2 and 3).
package stage

import (
	"os"
	"regexp"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/inboxops/triage-engine/internal/model"
)

// PatternRule classifies an item by regular expression. Rules are evaluated
// in order; the first match wins.
type PatternRule struct {
	Name       string  `yaml:"name"`
	Pattern    string  `yaml:"pattern"`
	Priority   string  `yaml:"priority"`
	Confidence float64 `yaml:"confidence"`

	re *regexp.Regexp
}

// WorkflowRule classifies by workflow-type keywords. Workflow rules are
// evaluated only when no pattern rule matched, and additionally mark the item
// for escalation.
type WorkflowRule struct {
	Name       string   `yaml:"name"`
	Keywords   []string `yaml:"keywords"`
	Priority   string   `yaml:"priority"`
	Confidence float64  `yaml:"confidence"`
}

// RuleSet is the ordered triage rule table.
type RuleSet struct {
	Patterns  []PatternRule  `yaml:"patterns"`
	Workflows []WorkflowRule `yaml:"workflows"`
}

// defaultRulesYAML is the compiled-in rule table, used when no rules file is
// configured. The ordering is load-bearing: first match wins.
const defaultRulesYAML = `
patterns:
  - name: urgent_keyword
    pattern: '(?i)\b(urgent|asap|emergency|immediately)\b'
    priority: critical
    confidence: 0.95
  - name: outage_report
    pattern: '(?i)\b(outage|down|unreachable|data loss)\b'
    priority: critical
    confidence: 0.9
  - name: purchase_order
    pattern: '\bPO\d{8}\b'
    priority: high
    confidence: 0.9
  - name: invoice_reference
    pattern: '(?i)\binvoice\s*#?\d+\b'
    priority: high
    confidence: 0.85
  - name: unsubscribe_footer
    pattern: '(?i)\bunsubscribe\b'
    priority: low
    confidence: 0.8
  - name: newsletter
    pattern: '(?i)\b(newsletter|weekly digest|promotion)\b'
    priority: low
    confidence: 0.75
workflows:
  - name: contract_renewal
    keywords: [renewal, contract, expiry, expiration]
    priority: high
    confidence: 0.65
  - name: billing_dispute
    keywords: [refund, chargeback, overcharged, dispute]
    priority: high
    confidence: 0.6
  - name: account_access
    keywords: [password, locked out, login, access denied]
    priority: medium
    confidence: 0.6
`

// DefaultRules returns the compiled-in rule table.
func DefaultRules() *RuleSet {
	rs, err := parseRules([]byte(defaultRulesYAML))
	if err != nil {
		// The default table is a constant; a parse failure is a bug.
		panic(err)
	}
	return rs
}

// LoadRules reads a rule table from a YAML file.
func LoadRules(path string) (*RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "stage: read rules %s", path)
	}
	return parseRules(data)
}

// DefaultRulesYAML returns the compiled-in table as YAML, for writing a
// starter rules file.
func DefaultRulesYAML() string {
	return defaultRulesYAML
}

func parseRules(data []byte) (*RuleSet, error) {
	var rs RuleSet
	if err := yaml.Unmarshal(data, &rs); err != nil {
		return nil, eris.Wrap(err, "stage: parse rules")
	}

	for i := range rs.Patterns {
		p := &rs.Patterns[i]
		re, err := regexp.Compile(p.Pattern)
		if err != nil {
			return nil, eris.Wrapf(err, "stage: rule %s: compile pattern", p.Name)
		}
		p.re = re
		if !model.PriorityClass(p.Priority).Valid() {
			return nil, eris.Errorf("stage: rule %s: unknown priority %q", p.Name, p.Priority)
		}
	}
	for _, w := range rs.Workflows {
		if len(w.Keywords) == 0 {
			return nil, eris.Errorf("stage: workflow rule %s: no keywords", w.Name)
		}
		if !model.PriorityClass(w.Priority).Valid() {
			return nil, eris.Errorf("stage: workflow rule %s: unknown priority %q", w.Name, w.Priority)
		}
	}

	return &rs, nil
}

// deadlineRe extracts a "due in N days" style phrase. Best-effort text
// heuristic; accuracy is not guaranteed.
var deadlineRe = regexp.MustCompile(`(?i)\b(?:due|expires?|deadline|renew(?:s|al)?)\s+(?:is\s+)?in\s+(\d{1,4})\s+days?\b`)

// noDeadline is returned when no deadline phrase is found.
const noDeadline = 999

// DaysUntilDeadline extracts the number of days until a deadline mentioned in
// the text, or noDeadline (999) when no phrase matches.
func DaysUntilDeadline(text string) int {
	m := deadlineRe.FindStringSubmatch(text)
	if m == nil {
		return noDeadline
	}
	days := 0
	for _, c := range m[1] {
		days = days*10 + int(c-'0')
	}
	return days
}
