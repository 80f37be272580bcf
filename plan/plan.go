// Package plan builds and executes multi-step query plans: ordered DAGs of
// query steps where earlier steps' results seed placeholders in later ones.
package plan

import (
	"fmt"
	"time"

	"github.com/graphmed/bioquery/intent"
	"github.com/graphmed/bioquery/sparql"
)

// Status is the lifecycle state of one step. Transitions are monotonic:
// pending -> running -> done|failed, or pending -> skipped when an upstream
// step fails. A step never runs twice.
type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusDone    Status = "done"
	StatusFailed  Status = "failed"
	StatusSkipped Status = "skipped"
)

// PlanStatus is the terminal state of a whole plan run.
type PlanStatus string

const (
	// PlanDone means every step reached done.
	PlanDone PlanStatus = "done"
	// PlanPartial means some steps completed but at least one failed or was
	// skipped.
	PlanPartial PlanStatus = "partial"
	// PlanFailed means no step produced a result.
	PlanFailed PlanStatus = "failed"
	// PlanCancelled means the run was cancelled; completed step results are
	// discarded rather than reported as partial output.
	PlanCancelled PlanStatus = "cancelled"
)

// Step is one node of a query plan.
type Step struct {
	// ID is unique within the plan and referenced by placeholder tokens.
	ID          string `json:"id"`
	Description string `json:"description"`

	// Intent carries the task and slot bindings the step compiles under.
	Intent intent.Intent `json:"intent"`

	// Template is the literal query template for this step, overriding
	// task-based generation. May contain {{<step-id>.<field>}} placeholders
	// that the executor resolves before compilation.
	Template string `json:"template,omitempty"`

	// DependsOn lists step IDs that must be done before this step runs.
	DependsOn []string `json:"depends_on,omitempty"`

	// UsesResultsFrom names the single upstream step whose result bindings
	// are available for placeholder interpolation.
	UsesResultsFrom string `json:"uses_results_from,omitempty"`

	// Graphs lists the target graph names for this step.
	Graphs []string `json:"graphs"`

	Status Status `json:"status"`
	Error  string `json:"error,omitempty"`

	// Execution record, populated by the executor.
	Compiled string         `json:"compiled_query,omitempty"`
	Executed string         `json:"executed_query,omitempty"`
	Endpoint string         `json:"endpoint,omitempty"`
	Result   *sparql.Result `json:"result,omitempty"`
}

// Plan is an ordered DAG of query steps for one user request. Plans are
// created per request and discarded after execution.
type Plan struct {
	ID        string    `json:"id"`
	Query     string    `json:"query"`
	CreatedAt time.Time `json:"created_at"`
	// Rationale explains the graph routing: why the steps target the graphs
	// they do.
	Rationale string  `json:"rationale"`
	Steps     []*Step `json:"steps"`
}

// Step returns the step with the given ID, or nil.
func (p *Plan) Step(id string) *Step {
	for _, s := range p.Steps {
		if s.ID == id {
			return s
		}
	}
	return nil
}

// Validate checks the structural invariants: unique step IDs, resolvable
// dependency references, an acyclic dependency graph, and root steps free of
// inter-step placeholders (they must be executable from user slots alone).
func (p *Plan) Validate() error {
	if len(p.Steps) == 0 {
		return fmt.Errorf("plan %s has no steps", p.ID)
	}

	ids := make(map[string]bool, len(p.Steps))
	for _, s := range p.Steps {
		if s.ID == "" {
			return fmt.Errorf("plan %s: step without id", p.ID)
		}
		if ids[s.ID] {
			return fmt.Errorf("plan %s: duplicate step id %q", p.ID, s.ID)
		}
		ids[s.ID] = true
	}

	for _, s := range p.Steps {
		for _, dep := range s.DependsOn {
			if !ids[dep] {
				return fmt.Errorf("plan %s: step %s depends on unknown step %q", p.ID, s.ID, dep)
			}
		}
		if s.UsesResultsFrom != "" && !ids[s.UsesResultsFrom] {
			return fmt.Errorf("plan %s: step %s uses results from unknown step %q", p.ID, s.ID, s.UsesResultsFrom)
		}
		if len(s.DependsOn) == 0 {
			if tok := sparql.PlaceholderPattern.FindString(s.Template); tok != "" {
				return fmt.Errorf("plan %s: root step %s contains placeholder %s", p.ID, s.ID, tok)
			}
		}
	}

	return p.checkAcyclic()
}

func (p *Plan) checkAcyclic() error {
	state := make(map[string]int, len(p.Steps)) // 0 unvisited, 1 visiting, 2 done
	var visit func(id string) error
	visit = func(id string) error {
		switch state[id] {
		case 1:
			return fmt.Errorf("plan %s: dependency cycle through step %q", p.ID, id)
		case 2:
			return nil
		}
		state[id] = 1
		for _, dep := range p.Step(id).DependsOn {
			if err := visit(dep); err != nil {
				return err
			}
		}
		state[id] = 2
		return nil
	}
	for _, s := range p.Steps {
		if err := visit(s.ID); err != nil {
			return err
		}
	}
	return nil
}
