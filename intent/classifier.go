package intent

import (
	"fmt"
	"log/slog"

	"github.com/graphmed/bioquery/catalog"
)

// fallbackConfidence is reported when no classification rule matches and the
// pack's default task is selected.
const fallbackConfidence = 0.2

// Classification is the outcome of classifying one piece of text.
type Classification struct {
	Intent Intent
	// Fallback is true when no rule matched and the default task was
	// chosen. Callers may use this to prompt the user instead of executing.
	Fallback bool
	// Rule is the index of the matching rule, -1 on fallback.
	Rule int
}

// Classifier maps free text plus a pack's task catalog to a single selected
// task. Implementations must be pure: no side effects, no state carried
// between calls. The rule-based implementation below is the baseline; a
// learned classifier can be substituted without touching callers.
type Classifier interface {
	Classify(text string, pack *catalog.Pack, base Intent) Classification
}

// RuleClassifier evaluates the pack's ordered rule list top to bottom and
// selects the first matching rule's task. Ordering is the precedence
// mechanism: specific patterns (accession-bearing phrases) are declared
// before general ones (bare mentions of "dataset"), and there is no scoring
// or voting across rules.
type RuleClassifier struct {
	logger *slog.Logger
}

// NewRuleClassifier creates the baseline rule-driven classifier.
func NewRuleClassifier(logger *slog.Logger) *RuleClassifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &RuleClassifier{logger: logger}
}

// Classify selects a task for the text. The base intent supplies the pack
// name and any pre-bound slots (explicit form fields); those slots survive
// classification untouched.
func (c *RuleClassifier) Classify(text string, pack *catalog.Pack, base Intent) Classification {
	out := base.Clone()
	out.Pack = pack.Name
	if out.Slots == nil {
		out.Slots = make(Slots)
	}

	for i := range pack.Rules {
		rule := &pack.Rules[i]
		if rule.Regexp() == nil || !rule.Regexp().MatchString(text) {
			continue
		}

		task := pack.Task(rule.Task)
		out.Task = rule.Task
		out.Confidence = rule.Confidence
		out.Mode = task.Mode
		out.Graphs = append([]string(nil), task.Graphs...)
		out.Notes = append(out.Notes, fmt.Sprintf("rule %d matched for task %s", i, rule.Task))

		c.logger.Debug("Classified text",
			"task", rule.Task,
			"rule", i,
			"confidence", rule.Confidence)

		return Classification{Intent: out, Rule: i}
	}

	// No rule matched: fall back to the pack default at low confidence and
	// flag it so callers can decide whether to prompt the user.
	task := pack.Task(pack.DefaultTask)
	out.Task = pack.DefaultTask
	out.Confidence = fallbackConfidence
	out.Mode = task.Mode
	out.Graphs = append([]string(nil), task.Graphs...)
	out.Notes = append(out.Notes, fmt.Sprintf("no rule matched; fell back to %s", pack.DefaultTask))

	c.logger.Debug("Classification fell back to default task", "task", pack.DefaultTask)

	return Classification{Intent: out, Fallback: true, Rule: -1}
}
