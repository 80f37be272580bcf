// Package refine implements the LLM-backed refinement passes: slot
// refinement for under-specified intents and the constrained query-fixing
// pass used by the execution client. Both are layered strictly on top of
// the deterministic paths - they fill gaps, never override.
package refine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/graphmed/bioquery/catalog"
	"github.com/graphmed/bioquery/intent"
	"github.com/graphmed/bioquery/llm"
	"github.com/graphmed/bioquery/model"
)

// completer is the subset of the LLM client used here.
// Extracted as an interface to enable testing with scripted responses.
type completer interface {
	Complete(ctx context.Context, req llm.Request) (*llm.Response, error)
}

// zero pins refinement calls to deterministic sampling.
var zero = 0.0

// Refiner fills intent slots the deterministic extractor left unset, using
// a response constrained to a fixed per-task JSON shape. Refinement is a
// non-fatal degradation path: any model or parse failure returns the
// original intent with an annotation and the pipeline continues on
// deterministic slots alone.
type Refiner struct {
	client completer
	logger *slog.Logger
}

// NewRefiner creates a slot refiner.
func NewRefiner(client completer, logger *slog.Logger) *Refiner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Refiner{client: client, logger: logger}
}

// Refine returns a new intent with unset slots filled from the model's
// constrained JSON response. Slots already bound by the deterministic path
// are never overwritten, even when the model produces a conflicting value.
func (r *Refiner) Refine(ctx context.Context, text string, in intent.Intent, task *catalog.Task) intent.Intent {
	if task == nil || !task.LLMAssistable {
		return in
	}
	if len(r.unsetSlots(in, task)) == 0 {
		return in
	}

	resp, err := r.client.Complete(ctx, llm.Request{
		Capability:  model.CapabilityRefinement.String(),
		Temperature: &zero,
		MaxTokens:   512,
		Messages: []llm.Message{
			{Role: "system", Content: r.systemPrompt(task)},
			{Role: "user", Content: text},
		},
	})
	if err != nil {
		r.logger.Warn("Slot refinement failed, continuing with deterministic slots",
			"task", task.Kind, "error", err)
		return in.WithNote(fmt.Sprintf("refinement degraded: %v", err))
	}

	raw := llm.ExtractJSON(resp.Content)
	if raw == "" {
		r.logger.Warn("Slot refinement returned no JSON", "task", task.Kind)
		return in.WithNote("refinement degraded: response contained no JSON object")
	}

	var fields map[string]any
	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		r.logger.Warn("Slot refinement returned invalid JSON", "task", task.Kind, "error", err)
		return in.WithNote(fmt.Sprintf("refinement degraded: %v", err))
	}

	out := in.Clone()
	merged := 0
	for name, value := range fields {
		def := task.Slot(name)
		if def == nil {
			// Fields outside the declared schema are discarded.
			continue
		}
		sv, ok := coerce(value, def.List)
		if !ok {
			r.logger.Debug("Discarding refinement field of wrong shape", "slot", name)
			continue
		}
		if out.Slots.SetIfUnset(name, sv) {
			merged++
		}
	}

	if merged > 0 {
		out.Notes = append(out.Notes, fmt.Sprintf("refinement bound %d slot(s) via %s", merged, resp.Model))
	}
	return out
}

// unsetSlots lists the declared slots the intent has not bound yet.
func (r *Refiner) unsetSlots(in intent.Intent, task *catalog.Task) []string {
	var unset []string
	for _, def := range task.Slots {
		if v, ok := in.Slots[def.Name]; !ok || v.IsZero() {
			unset = append(unset, def.Name)
		}
	}
	return unset
}

// systemPrompt describes the task's output schema. The shape is fixed per
// task: scalar slots are strings, list slots are arrays of strings, nothing
// else is accepted.
func (r *Refiner) systemPrompt(task *catalog.Task) string {
	var b strings.Builder
	b.WriteString("Extract query parameters from the user's question about gene expression data.\n")
	b.WriteString("Respond with a single JSON object and nothing else. Schema:\n{\n")
	for i, def := range task.Slots {
		if i > 0 {
			b.WriteString(",\n")
		}
		kind := "string"
		if def.List {
			kind = "array of strings"
		}
		fmt.Fprintf(&b, "  %q: %s", def.Name, kind)
		if def.Description != "" {
			fmt.Fprintf(&b, " // %s", def.Description)
		}
	}
	b.WriteString("\n}\n")
	b.WriteString("Omit any field you cannot determine from the question. Do not guess.")
	return b.String()
}

// coerce validates a decoded JSON field against the declared slot shape.
// Scalars must be strings; lists must be arrays of strings. Anything else
// is rejected rather than coerced.
func coerce(value any, list bool) (intent.SlotValue, bool) {
	if list {
		arr, ok := value.([]any)
		if !ok {
			return intent.SlotValue{}, false
		}
		items := make([]string, 0, len(arr))
		for _, item := range arr {
			s, ok := item.(string)
			if !ok || s == "" {
				return intent.SlotValue{}, false
			}
			items = append(items, s)
		}
		if len(items) == 0 {
			return intent.SlotValue{}, false
		}
		return intent.Strings(items...), true
	}

	s, ok := value.(string)
	if !ok || s == "" {
		return intent.SlotValue{}, false
	}
	return intent.String(s), true
}
