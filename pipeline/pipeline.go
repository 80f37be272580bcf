// Package pipeline wires the query-plan subsystem end to end: text goes in,
// classified intent comes out, and compiled queries run against the
// federation either as a single call or as a dependency-ordered plan.
// One pipeline run is created per user request; nothing persists between
// runs except the injected components.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/graphmed/bioquery/catalog"
	"github.com/graphmed/bioquery/intent"
	"github.com/graphmed/bioquery/jobs"
	"github.com/graphmed/bioquery/plan"
	"github.com/graphmed/bioquery/refine"
	"github.com/graphmed/bioquery/sparql"
)

// Pipeline orchestrates classification, slot extraction, optional
// refinement, compilation, and execution.
type Pipeline struct {
	packs      *catalog.Provider
	classifier intent.Classifier
	extractor  *intent.Extractor
	refiner    *refine.Refiner
	client     *sparql.Client
	jobs       *jobs.Client
	logger     *slog.Logger
	metrics    *Metrics

	stepTimeout time.Duration
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithClassifier overrides the default rule classifier.
func WithClassifier(c intent.Classifier) Option {
	return func(p *Pipeline) { p.classifier = c }
}

// WithRefiner enables LLM slot refinement.
func WithRefiner(r *refine.Refiner) Option {
	return func(p *Pipeline) { p.refiner = r }
}

// WithJobs enables the collaborator job client for analysis tasks.
func WithJobs(j *jobs.Client) Option {
	return func(p *Pipeline) { p.jobs = j }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) { p.logger = logger }
}

// WithMetrics sets the prometheus instruments.
func WithMetrics(m *Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithStepTimeout bounds each query execution.
func WithStepTimeout(d time.Duration) Option {
	return func(p *Pipeline) { p.stepTimeout = d }
}

// New creates a pipeline over a pack provider and execution client.
func New(packs *catalog.Provider, client *sparql.Client, opts ...Option) *Pipeline {
	p := &Pipeline{
		packs:       packs,
		client:      client,
		extractor:   intent.NewExtractor(),
		logger:      slog.Default(),
		stepTimeout: 60 * time.Second,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.classifier == nil {
		p.classifier = intent.NewRuleClassifier(p.logger)
	}
	return p
}

// AskRequest is one end-to-end pipeline request.
type AskRequest struct {
	Text string `json:"text"`
	Pack string `json:"pack,omitempty"`

	// Slots are explicit user-supplied bindings (form fields). They are
	// bound before classification and survive every later pass untouched.
	Slots map[string]any `json:"slots,omitempty"`

	// Debug includes executed query text and endpoint identity in the
	// response.
	Debug bool `json:"debug,omitempty"`

	// Repair enables the single query-repair pass.
	Repair bool `json:"repair,omitempty"`
}

// AskResponse is the outcome of one pipeline run.
type AskResponse struct {
	Intent   intent.Intent `json:"intent"`
	Fallback bool          `json:"fallback,omitempty"`

	// Result is set for single-step tasks.
	Result *sparql.Result `json:"result,omitempty"`

	// Plan is set for multi-step tasks, carrying per-step statuses and
	// results.
	Plan       *plan.Plan      `json:"plan,omitempty"`
	PlanStatus plan.PlanStatus `json:"plan_status,omitempty"`

	// JobID is set when the task submitted a collaborator job.
	JobID string `json:"job_id,omitempty"`

	// Debug capture, present only when requested.
	CompiledQuery string `json:"compiled_query,omitempty"`
	ExecutedQuery string `json:"executed_query,omitempty"`
	Endpoint      string `json:"endpoint,omitempty"`
}

// Classify runs slot extraction and intent classification over the text.
// The two passes are independent and pure; they run concurrently and their
// outputs merge into one intent, with explicit request slots always winning.
func (p *Pipeline) Classify(ctx context.Context, text, packName string, userSlots map[string]any) (intent.Classification, error) {
	pack, err := p.pack(packName)
	if err != nil {
		return intent.Classification{}, err
	}

	base := intent.New(pack.Name)
	for name, value := range userSlots {
		sv, ok := coerceSlot(value)
		if !ok {
			return intent.Classification{}, fmt.Errorf("slot %s: value must be a string or list of strings", name)
		}
		base.Slots[name] = sv
	}

	var (
		wg        sync.WaitGroup
		cls       intent.Classification
		extracted intent.Intent
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		cls = p.classifier.Classify(text, pack, base)
	}()
	go func() {
		defer wg.Done()
		extracted = p.extractor.Extract(text, base)
	}()
	wg.Wait()

	// Merge extracted slots into the classified intent. SetIfUnset keeps
	// the user-supplied bindings authoritative.
	merged := cls.Intent.Clone()
	for name, v := range extracted.Slots {
		merged.Slots.SetIfUnset(name, v)
	}
	cls.Intent = merged

	if cls.Fallback && p.metrics != nil {
		p.metrics.Fallbacks.Inc()
	}

	// Optional refinement, only for LLM-assistable tasks and only filling
	// slots the deterministic passes left unset.
	if p.refiner != nil {
		task := pack.Task(cls.Intent.Task)
		cls.Intent = p.refiner.Refine(ctx, text, cls.Intent, task)
	}

	return cls, nil
}

// Compile renders the query for an intent without executing it.
func (p *Pipeline) Compile(in intent.Intent) (string, error) {
	pack, err := p.pack(in.Pack)
	if err != nil {
		return "", err
	}
	return sparql.NewCompiler(pack).Compile(in)
}

// Execute dispatches a compiled query against the named graphs of a pack.
func (p *Pipeline) Execute(ctx context.Context, packName, query string, graphs []string, repair bool) (*sparql.ExecResult, error) {
	pack, err := p.pack(packName)
	if err != nil {
		return nil, err
	}
	endpoints, err := pack.Endpoints(graphs)
	if err != nil {
		return nil, err
	}
	return p.client.Execute(ctx, query, sparql.ExecOptions{
		Endpoints:      endpoints,
		GraphEndpoints: pack.Graphs,
		Timeout:        p.stepTimeout,
		Repair:         repair,
	})
}

// Ask runs the full pipeline for one request.
func (p *Pipeline) Ask(ctx context.Context, req AskRequest) (*AskResponse, error) {
	start := time.Now()

	cls, err := p.Classify(ctx, req.Text, req.Pack, req.Slots)
	if err != nil {
		return nil, err
	}
	in := cls.Intent

	pack, err := p.pack(in.Pack)
	if err != nil {
		return nil, err
	}
	task := pack.Task(in.Task)

	resp := &AskResponse{Intent: in, Fallback: cls.Fallback}

	defer func() {
		if p.metrics != nil {
			p.metrics.RunDuration.WithLabelValues(in.Task.String()).Observe(time.Since(start).Seconds())
		}
	}()

	switch {
	case in.Task == catalog.TaskAnalyze && p.jobs != nil:
		err = p.runAnalysis(ctx, in, task, resp)
	case in.Task.MultiStep():
		err = p.runPlan(ctx, pack, req, in, resp)
	default:
		err = p.runSingle(ctx, pack, req, in, resp)
	}

	if p.metrics != nil {
		status := "done"
		if err != nil {
			status = classifyFailure(err)
		} else if resp.PlanStatus != "" && resp.PlanStatus != plan.PlanDone {
			status = string(resp.PlanStatus)
		}
		p.metrics.RunsTotal.WithLabelValues(in.Task.String(), status).Inc()
	}
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// runSingle compiles and executes a one-step task.
func (p *Pipeline) runSingle(ctx context.Context, pack *catalog.Pack, req AskRequest, in intent.Intent, resp *AskResponse) error {
	compiled, err := sparql.NewCompiler(pack).Compile(in)
	if err != nil {
		return err
	}

	endpoints, err := pack.Endpoints(in.Graphs)
	if err != nil {
		return err
	}

	res, err := p.client.Execute(ctx, compiled, sparql.ExecOptions{
		Endpoints:      endpoints,
		GraphEndpoints: pack.Graphs,
		Timeout:        p.stepTimeout,
		Repair:         req.Repair,
	})
	if err != nil {
		return err
	}

	resp.Result = res.Result
	if req.Debug {
		resp.CompiledQuery = compiled
		resp.ExecutedQuery = res.ExecutedQuery
		resp.Endpoint = res.Endpoint
	}
	if p.metrics != nil && res.Repaired {
		p.metrics.RepairAttempts.WithLabelValues("success").Inc()
	}
	return nil
}

// runPlan builds and executes a multi-step plan.
func (p *Pipeline) runPlan(ctx context.Context, pack *catalog.Pack, req AskRequest, in intent.Intent, resp *AskResponse) error {
	qp, err := plan.NewBuilder(pack).Build(req.Text, in)
	if err != nil {
		return err
	}

	executor := plan.NewExecutor(pack, sparql.NewCompiler(pack), p.client, p.logger)
	status, err := executor.Run(ctx, qp, plan.RunOptions{
		Repair:      req.Repair,
		StepTimeout: p.stepTimeout,
	})

	if p.metrics != nil {
		for _, s := range qp.Steps {
			p.metrics.StepsTotal.WithLabelValues(string(s.Status)).Inc()
		}
	}

	resp.Plan = qp
	resp.PlanStatus = status
	if !req.Debug {
		for _, s := range qp.Steps {
			s.Compiled = ""
			s.Executed = ""
			s.Endpoint = ""
		}
	}

	if err != nil && status == plan.PlanCancelled {
		return err
	}
	return nil
}

// runAnalysis submits a differential-expression job to the statistical
// engine collaborator and returns its id for polling.
func (p *Pipeline) runAnalysis(ctx context.Context, in intent.Intent, task *catalog.Task, resp *AskResponse) error {
	if missing := in.MissingSlots(task); len(missing) > 0 {
		return &sparql.MissingSlotError{Task: task.Kind.String(), Slots: missing}
	}

	payload := map[string]string{
		"experiment_id": in.Slots["experiment_id"].Scalar,
		"contrast":      in.Slots["contrast"].Scalar,
	}
	jobID, err := p.jobs.Submit(ctx, jobs.KindDiffExp, payload)
	if err != nil {
		return err
	}
	resp.JobID = jobID
	return nil
}

// PollJob exposes collaborator job polling to the API surface.
func (p *Pipeline) PollJob(ctx context.Context, jobID string) (*jobs.JobStatus, error) {
	if p.jobs == nil {
		return nil, fmt.Errorf("no job collaborator configured")
	}
	return p.jobs.Poll(ctx, jobID)
}

// PackNames lists the loaded packs.
func (p *Pipeline) PackNames() []string {
	return p.packs.Names()
}

// pack resolves a pack name, defaulting to the embedded pack.
func (p *Pipeline) pack(name string) (*catalog.Pack, error) {
	if name == "" {
		name = "expression-atlas"
	}
	return p.packs.Get(name)
}

// classifyFailure buckets an error for the runs metric.
func classifyFailure(err error) string {
	switch {
	case errors.Is(err, sparql.ErrTimeout):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	default:
		return "error"
	}
}

// coerceSlot converts a request slot value into a SlotValue.
func coerceSlot(value any) (intent.SlotValue, bool) {
	switch v := value.(type) {
	case string:
		return intent.String(v), true
	case []string:
		return intent.Strings(v...), true
	case []any:
		items := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return intent.SlotValue{}, false
			}
			items = append(items, s)
		}
		return intent.Strings(items...), true
	}
	return intent.SlotValue{}, false
}
