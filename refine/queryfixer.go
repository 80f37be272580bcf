package refine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/graphmed/bioquery/llm"
	"github.com/graphmed/bioquery/model"
)

// QueryFixer implements the sparql.Repairer contract: one constrained
// rewrite of a query the endpoint rejected. The execution client bounds
// invocation to a single attempt per query; the fixer itself never loops.
type QueryFixer struct {
	client completer
	logger *slog.Logger
}

// NewQueryFixer creates the LLM-backed query repairer.
func NewQueryFixer(client completer, logger *slog.Logger) *QueryFixer {
	if logger == nil {
		logger = slog.Default()
	}
	return &QueryFixer{client: client, logger: logger}
}

// RepairQuery asks the model to fix the rejected query and returns the
// rewritten text. The response is stripped of markdown fences and checked
// for a plausible query form; anything else is an error so the caller
// surfaces the original endpoint failure.
func (f *QueryFixer) RepairQuery(ctx context.Context, query, endpointError string) (string, error) {
	resp, err := f.client.Complete(ctx, llm.Request{
		Capability:  model.CapabilityRepair.String(),
		Temperature: &zero,
		MaxTokens:   2048,
		Messages: []llm.Message{
			{Role: "system", Content: "You fix broken SPARQL queries. Reply with only the corrected query text: no commentary, no markdown fences, no explanations."},
			{Role: "user", Content: fmt.Sprintf("The endpoint rejected this query:\n\n%s\n\nEndpoint error:\n%s\n\nReturn the corrected query.", query, endpointError)},
		},
	})
	if err != nil {
		return "", fmt.Errorf("repair completion: %w", err)
	}

	fixed := stripFences(resp.Content)
	if !looksLikeQuery(fixed) {
		return "", fmt.Errorf("repair response is not a query")
	}

	f.logger.Debug("Query repair produced rewrite", "model", resp.Model)
	return fixed, nil
}

// stripFences removes a surrounding markdown code fence if present.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```sparql")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// looksLikeQuery checks for a recognizable SPARQL query form.
func looksLikeQuery(s string) bool {
	upper := strings.ToUpper(s)
	for _, prefix := range []string{"PREFIX", "SELECT", "ASK", "CONSTRUCT", "DESCRIBE", "BASE"} {
		if strings.HasPrefix(upper, prefix) {
			return true
		}
	}
	return false
}
