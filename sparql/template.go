package sparql

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/graphmed/bioquery/catalog"
	"github.com/graphmed/bioquery/intent"
)

// Template marker syntax. Slot markers are resolved at compile time from the
// intent's slot map; step placeholders ({{step1.gene}}) are resolved earlier
// by the plan executor and must never reach the compiler.
var (
	slotMarkerPattern   = regexp.MustCompile(`\{\{slot:([\w]+)\}\}`)
	valuesMarkerPattern = regexp.MustCompile(`\{\{values:([\w]+)\}\}`)
	expandMarkerPattern = regexp.MustCompile(`\{\{expand:([\w]+)\}\}`)

	// PlaceholderPattern matches inter-step placeholder tokens of the exact
	// shape {{<step-id>.<field-name>}}.
	PlaceholderPattern = regexp.MustCompile(`\{\{([\w-]+)\.([\w]+)\}\}`)

	numericPattern = regexp.MustCompile(`^\d+$`)
)

// Compilation defaults applied to optional slots.
const (
	defaultLimit          = "50"
	defaultMinExperiments = "2"
)

// Direction classes in the Atlas vocabulary. The bare differential class is
// used when no direction was requested.
const (
	classUp       = "atlasterms:UpRegulated"
	classDown     = "atlasterms:DownRegulated"
	classAnyDelta = "atlasterms:DifferentialExpressionRatio"
)

// Compiler renders parameterized SPARQL queries from task templates and
// resolved slot maps. Compilation is pure: the same intent always yields the
// same query text, and a missing required slot is a compilation error rather
// than a runtime query failure.
type Compiler struct {
	pack *catalog.Pack
}

// NewCompiler creates a compiler bound to one pack.
func NewCompiler(pack *catalog.Pack) *Compiler {
	return &Compiler{pack: pack}
}

// Compile renders the query for a single-step task.
func (c *Compiler) Compile(in intent.Intent) (string, error) {
	task := c.pack.Task(in.Task)
	if task == nil {
		return "", fmt.Errorf("pack %s does not declare task %q", c.pack.Name, in.Task)
	}
	if task.Template == "" {
		return "", fmt.Errorf("task %s has no single-step template", in.Task)
	}
	return c.render(task, task.Template, in)
}

// CompileTemplate renders an explicit template under a task's slot rules.
// Used for plan steps, whose templates must already have all inter-step
// placeholders substituted.
func (c *Compiler) CompileTemplate(taskKind catalog.TaskKind, template string, in intent.Intent) (string, error) {
	task := c.pack.Task(taskKind)
	if task == nil {
		return "", fmt.Errorf("pack %s does not declare task %q", c.pack.Name, taskKind)
	}
	return c.render(task, template, in)
}

// render performs the shared compilation path: required-slot check, slot
// derivation, placeholder guard, and marker substitution.
func (c *Compiler) render(task *catalog.Task, template string, in intent.Intent) (string, error) {
	if missing := in.MissingSlots(task); len(missing) > 0 {
		return "", &MissingSlotError{Task: task.Kind.String(), Slots: missing}
	}

	// An unresolved inter-step placeholder in the template or in any slot
	// value is a plan-construction defect, not a valid query.
	if tok := PlaceholderPattern.FindString(template); tok != "" {
		return "", &UnresolvedPlaceholderError{Token: tok}
	}
	for _, name := range in.Slots.Names() {
		for _, v := range in.Slots[name].Values() {
			if tok := PlaceholderPattern.FindString(v); tok != "" {
				return "", &UnresolvedPlaceholderError{Token: tok}
			}
		}
	}

	slots, err := c.prepare(task, in)
	if err != nil {
		return "", err
	}

	return substitute(task, template, slots)
}

// prepare derives the compilation slot set from the intent: defaults for
// optional numeric slots and per-kind derived slots. Dispatch is over the
// closed TaskKind enum so a new task kind fails loudly here until handled.
func (c *Compiler) prepare(task *catalog.Task, in intent.Intent) (intent.Slots, error) {
	slots := in.Slots.Clone()

	switch task.Kind {
	case catalog.TaskExperimentGenes, catalog.TaskConditionGenes:
		slots.SetIfUnset("limit", intent.String(defaultLimit))
		deriveDirectionClass(slots)
	case catalog.TaskGeneAgreement:
		slots.SetIfUnset("limit", intent.String(defaultLimit))
		slots.SetIfUnset("min_experiments", intent.String(defaultMinExperiments))
		deriveDirectionClass(slots)
	case catalog.TaskGeneExpression, catalog.TaskDatasetSearch, catalog.TaskDrugDatasets:
		slots.SetIfUnset("limit", intent.String(defaultLimit))
	case catalog.TaskAnalyze:
		// Metadata lookup only; the job payload is built by the jobs client.
	default:
		return nil, fmt.Errorf("no compilation rule for task kind %q", task.Kind)
	}

	// Numeric slots feed LIMIT/HAVING clauses unquoted; reject anything that
	// is not a plain integer.
	for _, name := range []string{"limit", "min_experiments"} {
		if v, ok := slots[name]; ok && !numericPattern.MatchString(v.Scalar) {
			return nil, fmt.Errorf("slot %s must be numeric, got %q", name, v.Scalar)
		}
	}

	return slots, nil
}

// deriveDirectionClass maps the user-facing direction slot onto the Atlas
// expression-value class used in templates.
func deriveDirectionClass(slots intent.Slots) {
	switch slots["direction"].Scalar {
	case "up":
		slots["direction_class"] = intent.String(classUp)
	case "down":
		slots["direction_class"] = intent.String(classDown)
	default:
		slots["direction_class"] = intent.String(classAnyDelta)
	}
}

// substitute replaces all template markers from the slot map. Referencing an
// unbound slot is an error: templates only mention slots the task declares
// or the compiler derives.
func substitute(task *catalog.Task, template string, slots intent.Slots) (string, error) {
	var substErr error

	out := slotMarkerPattern.ReplaceAllStringFunc(template, func(marker string) string {
		name := slotMarkerPattern.FindStringSubmatch(marker)[1]
		v, ok := slots[name]
		if !ok || v.IsZero() {
			substErr = &MissingSlotError{Task: task.Kind.String(), Slots: []string{name}}
			return marker
		}
		return escapeLiteral(v.Scalar)
	})
	if substErr != nil {
		return "", substErr
	}

	out = valuesMarkerPattern.ReplaceAllStringFunc(out, func(marker string) string {
		name := valuesMarkerPattern.FindStringSubmatch(marker)[1]
		v, ok := slots[name]
		if !ok || len(v.Values()) == 0 {
			substErr = &MissingSlotError{Task: task.Kind.String(), Slots: []string{name}}
			return marker
		}
		return RenderTerms(v.Values())
	})
	if substErr != nil {
		return "", substErr
	}

	out = expandMarkerPattern.ReplaceAllStringFunc(out, func(marker string) string {
		name := expandMarkerPattern.FindStringSubmatch(marker)[1]
		if task.NoExpansion {
			return fmt.Sprintf("BIND(?root AS ?%s)", name)
		}
		// Descendant expansion: the matched class and everything below it.
		return fmt.Sprintf("?%s rdfs:subClassOf* ?root .", name)
	})

	return out, nil
}

// RenderTerms renders a value list as space-separated SPARQL terms for use
// inside a VALUES clause: IRIs become bracketed references, everything else
// a quoted literal. Rendering is deterministic and idempotent with respect
// to its input list.
func RenderTerms(values []string) string {
	terms := make([]string, 0, len(values))
	for _, v := range values {
		if isIRI(v) {
			terms = append(terms, "<"+v+">")
		} else {
			terms = append(terms, `"`+escapeLiteral(v)+`"`)
		}
	}
	return strings.Join(terms, " ")
}

func isIRI(v string) bool {
	return strings.HasPrefix(v, "http://") ||
		strings.HasPrefix(v, "https://") ||
		strings.HasPrefix(v, "urn:")
}

// escapeLiteral escapes a string for inclusion in a SPARQL string literal.
func escapeLiteral(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	s = strings.ReplaceAll(s, "\n", `\n`)
	s = strings.ReplaceAll(s, "\r", `\r`)
	return s
}
