// Package catalog defines the task catalog consumed by the classifier,
// compiler, and plan builder. A pack declares the tasks available for one
// knowledge-graph federation: task names, slot definitions, target graphs,
// classification rules, and SPARQL templates.
package catalog

import (
	"fmt"
	"regexp"
)

// TaskKind identifies a task in the closed catalog. Dispatch on TaskKind is
// exhaustive: pack files naming an unknown kind fail validation at load time
// rather than at query time.
type TaskKind string

const (
	// TaskExperimentGenes finds genes differentially expressed in a single
	// experiment, identified by accession.
	TaskExperimentGenes TaskKind = "experiment_genes"

	// TaskGeneAgreement finds genes that agree in direction across multiple
	// experiments.
	TaskGeneAgreement TaskKind = "gene_agreement"

	// TaskGeneExpression looks up expression evidence for named genes.
	TaskGeneExpression TaskKind = "gene_expression"

	// TaskDatasetSearch finds datasets matching a condition or tissue phrase.
	// This is the usual fallback task for unclassifiable text.
	TaskDatasetSearch TaskKind = "dataset_search"

	// TaskDrugDatasets resolves a drug name against the ontology graph, then
	// finds diseases and datasets linked to it. Always a multi-step plan.
	TaskDrugDatasets TaskKind = "drug_datasets"

	// TaskConditionGenes resolves a condition term to ontology identifiers,
	// then finds genes differentially expressed under those conditions.
	TaskConditionGenes TaskKind = "condition_genes"

	// TaskAnalyze submits a differential-expression analysis job to the
	// external statistical engine rather than querying a graph directly.
	TaskAnalyze TaskKind = "analyze"
)

// IsValid reports whether the kind is part of the closed catalog.
func (k TaskKind) IsValid() bool {
	switch k {
	case TaskExperimentGenes, TaskGeneAgreement, TaskGeneExpression,
		TaskDatasetSearch, TaskDrugDatasets, TaskConditionGenes, TaskAnalyze:
		return true
	}
	return false
}

// String returns the string form of the kind.
func (k TaskKind) String() string { return string(k) }

// MultiStep reports whether the task always compiles to a multi-step plan
// (one graph's output seeding a query against another).
func (k TaskKind) MultiStep() bool {
	return k == TaskDrugDatasets || k == TaskConditionGenes
}

// GraphMode selects how a compiled query is dispatched.
type GraphMode string

const (
	// ModeSingle sends the query to one endpoint.
	ModeSingle GraphMode = "single"

	// ModeFederated rewrites graph references into SERVICE clauses and sends
	// the query to the primary endpoint.
	ModeFederated GraphMode = "federated"
)

// SlotDef declares one named parameter of a task.
type SlotDef struct {
	Name     string `yaml:"name"`
	Required bool   `yaml:"required"`
	// List marks slots whose value is an ordered list of strings rather
	// than a scalar.
	List bool `yaml:"list"`
	// Description is surfaced in the refinement schema sent to the LLM.
	Description string `yaml:"description"`
}

// Task declares one task of a pack.
type Task struct {
	Kind        TaskKind  `yaml:"kind"`
	Description string    `yaml:"description"`
	Slots       []SlotDef `yaml:"slots"`
	Graphs      []string  `yaml:"graphs"`
	Mode        GraphMode `yaml:"mode"`
	// Template is the SPARQL template for single-step tasks. Multi-step
	// tasks declare per-step templates under Steps.
	Template string `yaml:"template"`
	// Steps holds the ordered step templates for multi-step tasks.
	Steps []StepTemplate `yaml:"steps"`
	// LLMAssistable enables the slot refiner for this task.
	LLMAssistable bool `yaml:"llm_assistable"`
	// NoExpansion disables the automatic ontology descendant expansion for
	// ontology-scoped identifier slots.
	NoExpansion bool `yaml:"no_expansion"`
}

// StepTemplate declares one step of a multi-step task: which graphs it runs
// against and which upstream step feeds its placeholders.
type StepTemplate struct {
	ID          string   `yaml:"id"`
	Description string   `yaml:"description"`
	Graphs      []string `yaml:"graphs"`
	Template    string   `yaml:"template"`
	DependsOn   []string `yaml:"depends_on"`
	// UsesResultsFrom names the single upstream step whose result bindings
	// are available for placeholder interpolation.
	UsesResultsFrom string `yaml:"uses_results_from"`
}

// Rule is one ordered classification rule. Rules are evaluated top to
// bottom; the first match wins.
type Rule struct {
	Pattern    string  `yaml:"pattern"`
	Task       TaskKind `yaml:"task"`
	Confidence float64 `yaml:"confidence"`

	re *regexp.Regexp
}

// Regexp returns the compiled pattern. Compile is called during pack
// validation, so this never returns nil for a validated pack.
func (r *Rule) Regexp() *regexp.Regexp { return r.re }

// Pack is one context pack: a task catalog bound to a set of named graph
// endpoints. Packs are read-only after loading.
type Pack struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	// DefaultTask is selected when no classification rule matches.
	DefaultTask TaskKind `yaml:"default_task"`
	// Graphs maps graph names to SPARQL endpoint URLs.
	Graphs map[string]string `yaml:"graphs"`
	Tasks  []Task            `yaml:"tasks"`
	Rules  []Rule            `yaml:"rules"`
}

// Task returns the task declaration for a kind, or nil if the pack does not
// declare it.
func (p *Pack) Task(kind TaskKind) *Task {
	for i := range p.Tasks {
		if p.Tasks[i].Kind == kind {
			return &p.Tasks[i]
		}
	}
	return nil
}

// Endpoint resolves a graph name to its endpoint URL.
func (p *Pack) Endpoint(graph string) (string, bool) {
	url, ok := p.Graphs[graph]
	return url, ok
}

// Endpoints resolves a list of graph names, preserving order.
func (p *Pack) Endpoints(graphs []string) ([]string, error) {
	urls := make([]string, 0, len(graphs))
	for _, g := range graphs {
		url, ok := p.Graphs[g]
		if !ok {
			return nil, fmt.Errorf("pack %s: unknown graph %q", p.Name, g)
		}
		urls = append(urls, url)
	}
	return urls, nil
}

// RequiredSlots returns the required slot names of a task.
func (t *Task) RequiredSlots() []string {
	var names []string
	for _, s := range t.Slots {
		if s.Required {
			names = append(names, s.Name)
		}
	}
	return names
}

// Slot returns the slot definition by name, or nil.
func (t *Task) Slot(name string) *SlotDef {
	for i := range t.Slots {
		if t.Slots[i].Name == name {
			return &t.Slots[i]
		}
	}
	return nil
}

// Validate checks structural consistency of a pack: known task kinds,
// compilable rule patterns, resolvable graph references, and acyclic step
// templates.
func (p *Pack) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("pack name is required")
	}
	if !p.DefaultTask.IsValid() {
		return fmt.Errorf("pack %s: invalid default task %q", p.Name, p.DefaultTask)
	}
	if p.Task(p.DefaultTask) == nil {
		return fmt.Errorf("pack %s: default task %q not declared", p.Name, p.DefaultTask)
	}

	seen := make(map[TaskKind]bool, len(p.Tasks))
	for i := range p.Tasks {
		t := &p.Tasks[i]
		if !t.Kind.IsValid() {
			return fmt.Errorf("pack %s: unknown task kind %q", p.Name, t.Kind)
		}
		if seen[t.Kind] {
			return fmt.Errorf("pack %s: duplicate task %q", p.Name, t.Kind)
		}
		seen[t.Kind] = true

		if err := p.validateTask(t); err != nil {
			return err
		}
	}

	for i := range p.Rules {
		r := &p.Rules[i]
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return fmt.Errorf("pack %s: rule %d: invalid pattern: %w", p.Name, i, err)
		}
		r.re = re
		if !r.Task.IsValid() {
			return fmt.Errorf("pack %s: rule %d: unknown task %q", p.Name, i, r.Task)
		}
		if p.Task(r.Task) == nil {
			return fmt.Errorf("pack %s: rule %d: task %q not declared", p.Name, i, r.Task)
		}
		if r.Confidence < 0 || r.Confidence > 1 {
			return fmt.Errorf("pack %s: rule %d: confidence must be in [0,1]", p.Name, i)
		}
	}

	return nil
}

func (p *Pack) validateTask(t *Task) error {
	if _, err := p.Endpoints(t.Graphs); err != nil {
		return fmt.Errorf("task %s: %w", t.Kind, err)
	}
	if t.Mode == "" {
		t.Mode = ModeSingle
	}
	if t.Mode != ModeSingle && t.Mode != ModeFederated {
		return fmt.Errorf("pack %s: task %s: invalid mode %q", p.Name, t.Kind, t.Mode)
	}

	if t.Kind.MultiStep() {
		if len(t.Steps) < 2 {
			return fmt.Errorf("pack %s: task %s: multi-step task needs at least 2 steps", p.Name, t.Kind)
		}
		return p.validateSteps(t)
	}

	if t.Template == "" {
		return fmt.Errorf("pack %s: task %s: template is required", p.Name, t.Kind)
	}
	return nil
}

// validateSteps checks step id uniqueness, dependency references, and
// acyclicity of the declared step graph.
func (p *Pack) validateSteps(t *Task) error {
	ids := make(map[string]bool, len(t.Steps))
	for _, s := range t.Steps {
		if s.ID == "" {
			return fmt.Errorf("pack %s: task %s: step id is required", p.Name, t.Kind)
		}
		if ids[s.ID] {
			return fmt.Errorf("pack %s: task %s: duplicate step id %q", p.Name, t.Kind, s.ID)
		}
		ids[s.ID] = true
		if s.Template == "" {
			return fmt.Errorf("pack %s: task %s: step %s: template is required", p.Name, t.Kind, s.ID)
		}
		if _, err := p.Endpoints(s.Graphs); err != nil {
			return fmt.Errorf("task %s: step %s: %w", t.Kind, s.ID, err)
		}
	}

	deps := make(map[string][]string, len(t.Steps))
	for _, s := range t.Steps {
		for _, d := range s.DependsOn {
			if !ids[d] {
				return fmt.Errorf("pack %s: task %s: step %s depends on unknown step %q", p.Name, t.Kind, s.ID, d)
			}
			deps[s.ID] = append(deps[s.ID], d)
		}
		if s.UsesResultsFrom != "" && !ids[s.UsesResultsFrom] {
			return fmt.Errorf("pack %s: task %s: step %s uses results from unknown step %q", p.Name, t.Kind, s.ID, s.UsesResultsFrom)
		}
	}

	// Kahn-style cycle check over the declared dependency edges.
	state := make(map[string]int, len(t.Steps)) // 0 unvisited, 1 visiting, 2 done
	var visit func(id string) error
	visit = func(id string) error {
		switch state[id] {
		case 1:
			return fmt.Errorf("pack %s: task %s: step dependency cycle through %q", p.Name, t.Kind, id)
		case 2:
			return nil
		}
		state[id] = 1
		for _, d := range deps[id] {
			if err := visit(d); err != nil {
				return err
			}
		}
		state[id] = 2
		return nil
	}
	for id := range ids {
		if err := visit(id); err != nil {
			return err
		}
	}
	return nil
}
