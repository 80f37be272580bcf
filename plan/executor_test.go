package plan

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/graphmed/bioquery/catalog"
	"github.com/graphmed/bioquery/intent"
	"github.com/graphmed/bioquery/sparql"
)

// bindingServer returns a SPARQL results document with the given values bound
// to one variable, counting requests.
type bindingServer struct {
	srv   *httptest.Server
	calls atomic.Int32
	last  atomic.Value // string: last received query
}

func newBindingServer(t *testing.T, varName string, values ...string) *bindingServer {
	t.Helper()
	b := &bindingServer{}
	b.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b.calls.Add(1)
		require.NoError(t, r.ParseForm())
		b.last.Store(r.PostForm.Get("query"))

		bindings := make([]map[string]any, 0, len(values))
		for _, v := range values {
			bindings = append(bindings, map[string]any{
				varName: map[string]any{"type": "literal", "value": v},
			})
		}
		json.NewEncoder(w).Encode(map[string]any{
			"head":    map[string]any{"vars": []string{varName}},
			"results": map[string]any{"bindings": bindings},
		})
	}))
	t.Cleanup(b.srv.Close)
	return b
}

func newFailingServer(t *testing.T) *bindingServer {
	t.Helper()
	b := &bindingServer{}
	b.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b.calls.Add(1)
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	t.Cleanup(b.srv.Close)
	return b
}

// execPack declares the drug_datasets task over graph names bound to the
// given endpoints. Step templates come from the plans under test.
func execPack(graphs map[string]string) *catalog.Pack {
	return &catalog.Pack{
		Name:        "test",
		DefaultTask: catalog.TaskDrugDatasets,
		Graphs:      graphs,
		Tasks: []catalog.Task{
			{
				Kind:  catalog.TaskDrugDatasets,
				Slots: []catalog.SlotDef{{Name: "drug", Required: true}},
			},
		},
	}
}

func drugIntent() intent.Intent {
	in := intent.New("test")
	in.Task = catalog.TaskDrugDatasets
	in.Slots["drug"] = intent.String("methotrexate")
	return in
}

func runPlan(t *testing.T, pack *catalog.Pack, p *Plan) PlanStatus {
	t.Helper()
	e := NewExecutor(pack, sparql.NewCompiler(pack), sparql.NewClient(), nil)
	status, err := e.Run(context.Background(), p, RunOptions{})
	require.NoError(t, err)
	return status
}

func TestRunChainedSteps(t *testing.T) {
	upstream := newBindingServer(t, "drug", "http://example.org/chembl/CHEMBL34")
	downstream := newBindingServer(t, "disease", "http://example.org/efo/EFO_1")
	pack := execPack(map[string]string{
		"chembl":   upstream.srv.URL,
		"ontology": downstream.srv.URL,
	})

	p := &Plan{
		ID: "p1",
		Steps: []*Step{
			{ID: "step1", Status: StatusPending, Intent: drugIntent(), Graphs: []string{"chembl"},
				Template: `SELECT ?drug WHERE { ?drug rdfs:label "{{slot:drug}}" }`},
			{ID: "step2", Status: StatusPending, Intent: drugIntent(), Graphs: []string{"ontology"},
				DependsOn: []string{"step1"}, UsesResultsFrom: "step1",
				Template: "SELECT ?disease WHERE { VALUES ?drug { {{step1.drug}} } }"},
		},
	}

	status := runPlan(t, pack, p)

	assert.Equal(t, PlanDone, status)
	assert.Equal(t, StatusDone, p.Step("step1").Status)
	assert.Equal(t, StatusDone, p.Step("step2").Status)

	// The dependent step's dispatched query carries the upstream binding.
	sent := downstream.last.Load().(string)
	assert.Contains(t, sent, "<http://example.org/chembl/CHEMBL34>")
	assert.NotContains(t, sent, "{{")

	require.NotNil(t, p.Step("step2").Result)
	assert.Equal(t, []string{"http://example.org/efo/EFO_1"}, p.Step("step2").Result.Values("disease"))
}

func TestRunFailedStepSkipsDependents(t *testing.T) {
	bad := newFailingServer(t)
	good := newBindingServer(t, "disease", "x")
	pack := execPack(map[string]string{
		"chembl":   bad.srv.URL,
		"ontology": good.srv.URL,
	})

	p := &Plan{
		ID: "p1",
		Steps: []*Step{
			{ID: "step1", Status: StatusPending, Intent: drugIntent(), Graphs: []string{"chembl"},
				Template: "SELECT ?drug WHERE {}"},
			{ID: "step2", Status: StatusPending, Intent: drugIntent(), Graphs: []string{"ontology"},
				DependsOn: []string{"step1"}, UsesResultsFrom: "step1",
				Template: "SELECT ?d WHERE { VALUES ?drug { {{step1.drug}} } }"},
			{ID: "step3", Status: StatusPending, Intent: drugIntent(), Graphs: []string{"ontology"},
				DependsOn: []string{"step2"}, UsesResultsFrom: "step2",
				Template: "SELECT ?e WHERE { VALUES ?d { {{step2.d}} } }"},
		},
	}

	status := runPlan(t, pack, p)

	assert.Equal(t, PlanFailed, status)
	assert.Equal(t, StatusFailed, p.Step("step1").Status)

	// Skips propagate transitively; the skipped steps never dispatch.
	assert.Equal(t, StatusSkipped, p.Step("step2").Status)
	assert.Contains(t, p.Step("step2").Error, "upstream step step1 did not complete")
	assert.Equal(t, StatusSkipped, p.Step("step3").Status)
	assert.Equal(t, int32(0), good.calls.Load())
}

func TestRunIndependentBranchSurvivesFailure(t *testing.T) {
	bad := newFailingServer(t)
	good := newBindingServer(t, "gene", "TP53")
	pack := execPack(map[string]string{
		"chembl":   bad.srv.URL,
		"ontology": good.srv.URL,
	})

	p := &Plan{
		ID: "p1",
		Steps: []*Step{
			{ID: "left", Status: StatusPending, Intent: drugIntent(), Graphs: []string{"chembl"},
				Template: "SELECT ?drug WHERE {}"},
			{ID: "right", Status: StatusPending, Intent: drugIntent(), Graphs: []string{"ontology"},
				Template: "SELECT ?gene WHERE {}"},
		},
	}

	status := runPlan(t, pack, p)

	// One branch failed, the other completed: partial, with the completed
	// branch's result retrievable.
	assert.Equal(t, PlanPartial, status)
	assert.Equal(t, StatusFailed, p.Step("left").Status)
	assert.Equal(t, StatusDone, p.Step("right").Status)
	require.NotNil(t, p.Step("right").Result)
	assert.Equal(t, []string{"TP53"}, p.Step("right").Result.Values("gene"))
}

func TestRunZeroUpstreamBindings(t *testing.T) {
	empty := newBindingServer(t, "drug") // zero rows
	never := newBindingServer(t, "disease", "x")
	pack := execPack(map[string]string{
		"chembl":   empty.srv.URL,
		"ontology": never.srv.URL,
	})

	p := &Plan{
		ID: "p1",
		Steps: []*Step{
			{ID: "step1", Status: StatusPending, Intent: drugIntent(), Graphs: []string{"chembl"},
				Template: "SELECT ?drug WHERE {}"},
			{ID: "step2", Status: StatusPending, Intent: drugIntent(), Graphs: []string{"ontology"},
				DependsOn: []string{"step1"}, UsesResultsFrom: "step1",
				Template: "SELECT ?d WHERE { VALUES ?drug { {{step1.drug}} } }"},
		},
	}

	status := runPlan(t, pack, p)

	assert.Equal(t, PlanPartial, status)
	assert.Equal(t, StatusDone, p.Step("step1").Status)

	// The dependent step fails before dispatch rather than sending an empty
	// VALUES clause.
	assert.Equal(t, StatusFailed, p.Step("step2").Status)
	assert.Contains(t, p.Step("step2").Error, "no upstream data")
	assert.Equal(t, int32(0), never.calls.Load())
}

func TestRunCancelledDiscardsResults(t *testing.T) {
	good := newBindingServer(t, "gene", "TP53")
	pack := execPack(map[string]string{"ontology": good.srv.URL})

	p := &Plan{
		ID: "p1",
		Steps: []*Step{
			{ID: "only", Status: StatusPending, Intent: drugIntent(), Graphs: []string{"ontology"},
				Template: "SELECT ?gene WHERE {}"},
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	e := NewExecutor(pack, sparql.NewCompiler(pack), sparql.NewClient(), nil)
	status, err := e.Run(ctx, p, RunOptions{})

	require.Error(t, err)
	assert.Equal(t, PlanCancelled, status)
	assert.Nil(t, p.Step("only").Result)
	assert.Equal(t, int32(0), good.calls.Load())
}

func TestRunValidatesPlan(t *testing.T) {
	pack := execPack(map[string]string{})
	p := &Plan{ID: "p1"}

	e := NewExecutor(pack, sparql.NewCompiler(pack), sparql.NewClient(), nil)
	status, err := e.Run(context.Background(), p, RunOptions{})

	require.Error(t, err)
	assert.Equal(t, PlanFailed, status)
}
