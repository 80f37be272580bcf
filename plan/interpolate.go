package plan

import (
	"fmt"

	"github.com/graphmed/bioquery/intent"
	"github.com/graphmed/bioquery/sparql"
)

// resolveStep substitutes every {{<step-id>.<field>}} token in the step's
// template and slot values with values extracted from the upstream step's
// result. Substitution is deterministic and idempotent: resolving the same
// token against the same upstream result always yields the same text.
//
// A token whose upstream result carries zero matching bindings fails the
// step with ErrNoUpstreamData before any query is compiled, so a degenerate
// empty VALUES clause is never sent to an endpoint.
func resolveStep(p *Plan, step *Step) error {
	lookup := func(stepID, field string) ([]string, error) {
		if step.UsesResultsFrom == "" || stepID != step.UsesResultsFrom {
			return nil, fmt.Errorf("step %s references %s.%s but declares uses_results_from=%q",
				step.ID, stepID, field, step.UsesResultsFrom)
		}
		upstream := p.Step(stepID)
		if upstream == nil || upstream.Status != StatusDone || upstream.Result == nil {
			return nil, fmt.Errorf("step %s: upstream step %s has no result", step.ID, stepID)
		}
		if !upstream.Result.HasVar(field) {
			return nil, fmt.Errorf("step %s: upstream step %s does not bind variable %q", step.ID, stepID, field)
		}
		values := upstream.Result.Values(field)
		if len(values) == 0 {
			return nil, fmt.Errorf("%w: %s.%s has zero bindings", sparql.ErrNoUpstreamData, stepID, field)
		}
		return values, nil
	}

	resolved, err := substituteTokens(step.Template, lookup, renderTemplateValues)
	if err != nil {
		return err
	}
	step.Template = resolved

	for _, name := range step.Intent.Slots.Names() {
		v := step.Intent.Slots[name]
		if !v.IsList() {
			out, err := substituteSlotScalar(v.Scalar, lookup)
			if err != nil {
				return err
			}
			step.Intent.Slots[name] = out
			continue
		}
		list := make([]string, 0, len(v.List))
		for _, item := range v.List {
			out, err := substituteSlotScalar(item, lookup)
			if err != nil {
				return err
			}
			list = append(list, out.Values()...)
		}
		step.Intent.Slots[name] = intent.Strings(list...)
	}

	return nil
}

type lookupFunc func(stepID, field string) ([]string, error)

// renderTemplateValues renders resolved values for direct insertion into
// query text: a space-separated SPARQL term list suitable for VALUES.
func renderTemplateValues(values []string) string {
	return sparql.RenderTerms(values)
}

// substituteTokens replaces each placeholder token in text using the lookup.
func substituteTokens(text string, lookup lookupFunc, render func([]string) string) (string, error) {
	var substErr error
	out := sparql.PlaceholderPattern.ReplaceAllStringFunc(text, func(token string) string {
		if substErr != nil {
			return token
		}
		m := sparql.PlaceholderPattern.FindStringSubmatch(token)
		values, err := lookup(m[1], m[2])
		if err != nil {
			substErr = err
			return token
		}
		return render(values)
	})
	if substErr != nil {
		return "", substErr
	}
	return out, nil
}

// substituteSlotScalar resolves a slot value that is exactly one placeholder
// token into a list slot; tokens embedded in longer strings are rendered
// inline as term lists.
func substituteSlotScalar(value string, lookup lookupFunc) (intent.SlotValue, error) {
	if m := sparql.PlaceholderPattern.FindStringSubmatch(value); m != nil && m[0] == value {
		values, err := lookup(m[1], m[2])
		if err != nil {
			return intent.SlotValue{}, err
		}
		return intent.Strings(values...), nil
	}

	out, err := substituteTokens(value, lookup, renderTemplateValues)
	if err != nil {
		return intent.SlotValue{}, err
	}
	return intent.String(out), nil
}
