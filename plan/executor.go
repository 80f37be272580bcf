package plan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/graphmed/bioquery/catalog"
	"github.com/graphmed/bioquery/sparql"
	"golang.org/x/sync/errgroup"
)

// defaultMaxParallel bounds how many independent sibling steps run at once.
const defaultMaxParallel = 4

// RunOptions controls one plan execution.
type RunOptions struct {
	// Repair enables the single query-repair pass on endpoint errors.
	Repair bool

	// StepTimeout bounds each step's query execution. Zero uses the
	// client default.
	StepTimeout time.Duration

	// MaxParallel bounds concurrent sibling dispatch. Zero uses the
	// executor default.
	MaxParallel int
}

// Executor runs a plan: it resolves dependencies, interpolates upstream
// results into pending steps, compiles and dispatches queries, and records
// per-step status. Step statuses are mutated exclusively by the executor;
// each goroutine owns exactly one step, and skip propagation happens between
// waves on the coordinating goroutine.
type Executor struct {
	pack     *catalog.Pack
	compiler *sparql.Compiler
	client   *sparql.Client
	logger   *slog.Logger
}

// NewExecutor creates a plan executor.
func NewExecutor(pack *catalog.Pack, compiler *sparql.Compiler, client *sparql.Client, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{pack: pack, compiler: compiler, client: client, logger: logger}
}

// Run executes the plan to a terminal state. Dependent steps strictly
// serialize; independent siblings are dispatched concurrently with no
// ordering guarantee. A failed step marks its transitive dependents skipped
// while unrelated branches continue. On cancellation no new step starts,
// in-flight calls abort with the context, and completed results are
// discarded: the terminal state is cancelled, not partially done.
func (e *Executor) Run(ctx context.Context, p *Plan, opts RunOptions) (PlanStatus, error) {
	if err := p.Validate(); err != nil {
		return PlanFailed, err
	}

	maxParallel := opts.MaxParallel
	if maxParallel <= 0 {
		maxParallel = defaultMaxParallel
	}

	for {
		if ctx.Err() != nil {
			return e.cancel(p), ctx.Err()
		}

		ready := e.readySteps(p)
		if len(ready) == 0 {
			break
		}

		var g errgroup.Group
		g.SetLimit(maxParallel)
		for _, step := range ready {
			step := step
			step.Status = StatusRunning
			g.Go(func() error {
				e.runStep(ctx, p, step, opts)
				return nil
			})
		}
		_ = g.Wait()

		if ctx.Err() != nil {
			return e.cancel(p), ctx.Err()
		}

		e.propagateSkips(p)
	}

	return e.terminalStatus(p), nil
}

// readySteps returns pending steps whose dependencies are all done.
func (e *Executor) readySteps(p *Plan) []*Step {
	var ready []*Step
	for _, s := range p.Steps {
		if s.Status != StatusPending {
			continue
		}
		ok := true
		for _, dep := range s.DependsOn {
			if p.Step(dep).Status != StatusDone {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, s)
		}
	}
	return ready
}

// propagateSkips marks pending steps skipped when any dependency failed or
// was itself skipped. Siblings on unaffected branches stay pending.
func (e *Executor) propagateSkips(p *Plan) {
	for changed := true; changed; {
		changed = false
		for _, s := range p.Steps {
			if s.Status != StatusPending {
				continue
			}
			for _, dep := range s.DependsOn {
				switch p.Step(dep).Status {
				case StatusFailed, StatusSkipped:
					s.Status = StatusSkipped
					s.Error = fmt.Sprintf("skipped: upstream step %s did not complete", dep)
					changed = true
				}
			}
		}
	}
}

// runStep takes one step from running to done or failed.
func (e *Executor) runStep(ctx context.Context, p *Plan, step *Step, opts RunOptions) {
	e.logger.Debug("Running plan step", "plan", p.ID, "step", step.ID)

	if err := resolveStep(p, step); err != nil {
		e.fail(step, err)
		return
	}

	compiled, err := e.compiler.CompileTemplate(step.Intent.Task, step.Template, step.Intent)
	if err != nil {
		e.fail(step, err)
		return
	}
	step.Compiled = compiled

	endpoints, err := e.pack.Endpoints(step.Graphs)
	if err != nil {
		e.fail(step, err)
		return
	}

	res, err := e.client.Execute(ctx, compiled, sparql.ExecOptions{
		Endpoints:      endpoints,
		GraphEndpoints: e.pack.Graphs,
		Timeout:        opts.StepTimeout,
		Repair:         opts.Repair,
	})
	if err != nil {
		e.fail(step, err)
		return
	}

	step.Executed = res.ExecutedQuery
	step.Endpoint = res.Endpoint
	step.Result = res.Result
	step.Status = StatusDone

	e.logger.Debug("Plan step done",
		"plan", p.ID,
		"step", step.ID,
		"rows", res.Result.Len(),
		"repaired", res.Repaired)
}

func (e *Executor) fail(step *Step, err error) {
	step.Status = StatusFailed
	step.Error = err.Error()
	if errors.Is(err, sparql.ErrNoUpstreamData) {
		step.Error = "no upstream data: " + err.Error()
	}
	e.logger.Warn("Plan step failed", "step", step.ID, "error", err)
}

// cancel discards completed results and returns the cancelled state.
func (e *Executor) cancel(p *Plan) PlanStatus {
	for _, s := range p.Steps {
		s.Result = nil
		if s.Status == StatusRunning {
			s.Status = StatusFailed
			s.Error = "cancelled"
		}
	}
	return PlanCancelled
}

// terminalStatus aggregates step states into the plan's terminal state.
func (e *Executor) terminalStatus(p *Plan) PlanStatus {
	var done, failed int
	for _, s := range p.Steps {
		switch s.Status {
		case StatusDone:
			done++
		case StatusFailed, StatusSkipped:
			failed++
		}
	}
	switch {
	case failed == 0:
		return PlanDone
	case done == 0:
		return PlanFailed
	default:
		return PlanPartial
	}
}
