package plan

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/graphmed/bioquery/catalog"
	"github.com/graphmed/bioquery/intent"
)

// Builder assembles query plans for multi-graph workflows: tasks where one
// graph's output identifiers seed filters against a second or third graph.
// The builder only produces the step DAG; placeholder tokens stay in the
// step templates for the executor to resolve.
type Builder struct {
	pack *catalog.Pack
}

// NewBuilder creates a plan builder bound to one pack.
func NewBuilder(pack *catalog.Pack) *Builder {
	return &Builder{pack: pack}
}

// Build constructs the plan for a multi-step task from its declared step
// templates. The intent's slots apply to every step; required-slot checking
// happens at per-step compile time so steps fed entirely by upstream
// bindings are not blocked.
func (b *Builder) Build(text string, in intent.Intent) (*Plan, error) {
	task := b.pack.Task(in.Task)
	if task == nil {
		return nil, fmt.Errorf("pack %s does not declare task %q", b.pack.Name, in.Task)
	}
	if len(task.Steps) == 0 {
		return nil, fmt.Errorf("task %s is not a multi-step task", in.Task)
	}

	p := &Plan{
		ID:        uuid.New().String(),
		Query:     text,
		CreatedAt: time.Now(),
		Rationale: rationale(task),
		Steps:     make([]*Step, 0, len(task.Steps)),
	}

	for i := range task.Steps {
		st := &task.Steps[i]
		stepIntent := in.Clone()
		stepIntent.Graphs = append([]string(nil), st.Graphs...)

		p.Steps = append(p.Steps, &Step{
			ID:              st.ID,
			Description:     st.Description,
			Intent:          stepIntent,
			Template:        st.Template,
			DependsOn:       append([]string(nil), st.DependsOn...),
			UsesResultsFrom: st.UsesResultsFrom,
			Graphs:          append([]string(nil), st.Graphs...),
			Status:          StatusPending,
		})
	}

	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// rationale summarizes the graph routing so callers can explain why the
// request fans out across the federation.
func rationale(task *catalog.Task) string {
	parts := make([]string, 0, len(task.Steps))
	for i := range task.Steps {
		st := &task.Steps[i]
		target := strings.Join(st.Graphs, ", ")
		if st.UsesResultsFrom == "" {
			parts = append(parts, fmt.Sprintf("%s queries %s from user slots", st.ID, target))
		} else {
			parts = append(parts, fmt.Sprintf("%s seeds %s with bindings from %s", st.ID, target, st.UsesResultsFrom))
		}
	}
	return fmt.Sprintf("task %s: %s", task.Kind, strings.Join(parts, "; "))
}
