package pipeline

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/graphmed/bioquery/catalog"
	"github.com/graphmed/bioquery/jobs"
	"github.com/graphmed/bioquery/llm"
	"github.com/graphmed/bioquery/plan"
	"github.com/graphmed/bioquery/refine"
	"github.com/graphmed/bioquery/sparql"
)

// term builds one typed binding cell.
func term(termType, value string) map[string]string {
	return map[string]string{"type": termType, "value": value}
}

// sparqlStub serves a fixed SPARQL result set.
func sparqlStub(rows ...map[string]map[string]string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		vars := map[string]bool{}
		for _, row := range rows {
			for k := range row {
				vars[k] = true
			}
		}
		head := make([]string, 0, len(vars))
		for v := range vars {
			head = append(head, v)
		}
		bindings := make([]map[string]any, 0, len(rows))
		for _, row := range rows {
			b := map[string]any{}
			for k, v := range row {
				b[k] = v
			}
			bindings = append(bindings, b)
		}
		w.Header().Set("Content-Type", "application/sparql-results+json")
		json.NewEncoder(w).Encode(map[string]any{
			"head":    map[string]any{"vars": head},
			"results": map[string]any{"bindings": bindings},
		})
	}
}

// newTestPipeline rewrites the default pack's graphs to per-graph stub
// servers and builds a pipeline over it. Graphs without a handler get an
// empty result stub.
func newTestPipeline(t *testing.T, handlers map[string]http.HandlerFunc, opts ...Option) *Pipeline {
	t.Helper()

	pack, err := catalog.DefaultPack()
	require.NoError(t, err)

	fallback := httptest.NewServer(sparqlStub())
	t.Cleanup(fallback.Close)

	for name := range pack.Graphs {
		if h, ok := handlers[name]; ok {
			srv := httptest.NewServer(h)
			t.Cleanup(srv.Close)
			pack.Graphs[name] = srv.URL
			continue
		}
		pack.Graphs[name] = fallback.URL
	}

	dir := t.TempDir()
	data, err := yaml.Marshal(pack)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "expression-atlas.yaml"), data, 0644))

	provider, err := catalog.NewProvider(dir)
	require.NoError(t, err)
	t.Cleanup(func() { provider.Close() })

	return New(provider, sparql.NewClient(), opts...)
}

func TestClassifyMergesConcurrentPasses(t *testing.T) {
	p := newTestPipeline(t, nil)

	cls, err := p.Classify(context.Background(),
		"differentially expressed genes in E-GEOD-76", "", nil)
	require.NoError(t, err)

	assert.Equal(t, catalog.TaskExperimentGenes, cls.Intent.Task)
	assert.False(t, cls.Fallback)
	assert.Equal(t, "E-GEOD-76", cls.Intent.Slots["experiment_id"].Scalar)
}

func TestClassifyUserSlotsWin(t *testing.T) {
	p := newTestPipeline(t, nil)

	cls, err := p.Classify(context.Background(),
		"differentially expressed genes in E-GEOD-76", "",
		map[string]any{
			"experiment_id": "E-MTAB-1066",
			"direction":     "down",
		})
	require.NoError(t, err)

	// Explicit bindings survive both classification and extraction.
	assert.Equal(t, "E-MTAB-1066", cls.Intent.Slots["experiment_id"].Scalar)
	assert.Equal(t, "down", cls.Intent.Slots["direction"].Scalar)
}

func TestClassifyListSlot(t *testing.T) {
	p := newTestPipeline(t, nil)

	cls, err := p.Classify(context.Background(), "expression of my genes", "",
		map[string]any{"genes": []any{"TP53", "BRCA1"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"TP53", "BRCA1"}, cls.Intent.Slots["genes"].List)
}

func TestClassifyRejectsBadSlotValue(t *testing.T) {
	p := newTestPipeline(t, nil)

	_, err := p.Classify(context.Background(), "q", "", map[string]any{"limit": 50})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "slot limit")
}

func TestClassifyUnknownPack(t *testing.T) {
	p := newTestPipeline(t, nil)

	_, err := p.Classify(context.Background(), "q", "no-such-pack", nil)
	require.Error(t, err)
}

// fixedCompleter satisfies the refine completer contract with a canned reply.
type fixedCompleter struct {
	content string
}

func (f fixedCompleter) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	return &llm.Response{Content: f.content, Model: "test"}, nil
}

func TestClassifyWithRefinerFillsGaps(t *testing.T) {
	refiner := refine.NewRefiner(fixedCompleter{content: `{"condition": "asthma", "limit": "10"}`}, nil)
	p := newTestPipeline(t, nil, WithRefiner(refiner))

	cls, err := p.Classify(context.Background(), "list interesting datasets", "", nil)
	require.NoError(t, err)

	assert.Equal(t, catalog.TaskDatasetSearch, cls.Intent.Task)
	assert.Equal(t, "asthma", cls.Intent.Slots["condition"].Scalar)
	assert.Equal(t, "10", cls.Intent.Slots["limit"].Scalar)
}

func TestAskSingleStep(t *testing.T) {
	p := newTestPipeline(t, map[string]http.HandlerFunc{
		"atlas": sparqlStub(
			map[string]map[string]string{
				"gene":      term("uri", "http://identifiers.org/ensembl/ENSG0000141510"),
				"geneLabel": term("literal", "TP53"),
				"pvalue":    term("literal", "0.0001"),
			},
		),
	})

	resp, err := p.Ask(context.Background(), AskRequest{
		Text: "differentially expressed genes in E-GEOD-76",
	})
	require.NoError(t, err)

	require.NotNil(t, resp.Result)
	assert.Equal(t, []string{"TP53"}, resp.Result.Values("geneLabel"))
	assert.Nil(t, resp.Plan)

	// Debug capture is opt-in.
	assert.Empty(t, resp.CompiledQuery)
	assert.Empty(t, resp.ExecutedQuery)
	assert.Empty(t, resp.Endpoint)
}

func TestAskDebugCapturesQueries(t *testing.T) {
	p := newTestPipeline(t, nil)

	resp, err := p.Ask(context.Background(), AskRequest{
		Text:  "differentially expressed genes in E-GEOD-76",
		Debug: true,
	})
	require.NoError(t, err)

	assert.Contains(t, resp.CompiledQuery, `"E-GEOD-76"`)
	assert.NotEmpty(t, resp.ExecutedQuery)
	assert.NotEmpty(t, resp.Endpoint)
}

func TestAskMissingRequiredSlot(t *testing.T) {
	p := newTestPipeline(t, nil)

	_, err := p.Ask(context.Background(), AskRequest{Text: "list the studies"})

	var missing *sparql.MissingSlotError
	require.ErrorAs(t, err, &missing)
	assert.Contains(t, missing.Slots, "condition")
}

func TestAskMultiStepDrugChain(t *testing.T) {
	p := newTestPipeline(t, map[string]http.HandlerFunc{
		"chembl": sparqlStub(
			map[string]map[string]string{
				"drug": term("uri", "http://rdf.ebi.ac.uk/resource/chembl/molecule/CHEMBL34"),
			},
		),
		"ontology": sparqlStub(
			map[string]map[string]string{
				"disease": term("uri", "http://www.ebi.ac.uk/efo/EFO_0000685"),
			},
		),
		"atlas": sparqlStub(
			map[string]map[string]string{
				"experiment": term("uri", "http://rdf.ebi.ac.uk/resource/atlas/E-GEOD-76"),
				"accession":  term("literal", "E-GEOD-76"),
				"title":      term("literal", "Rheumatoid arthritis synovium"),
			},
		),
	})

	resp, err := p.Ask(context.Background(), AskRequest{
		Text: "datasets for patients treated with methotrexate",
	})
	require.NoError(t, err)

	assert.Equal(t, catalog.TaskDrugDatasets, resp.Intent.Task)
	assert.Nil(t, resp.Result)
	require.NotNil(t, resp.Plan)
	assert.Equal(t, plan.PlanDone, resp.PlanStatus)

	require.Len(t, resp.Plan.Steps, 3)
	for _, s := range resp.Plan.Steps {
		assert.Equal(t, plan.StatusDone, s.Status)
		// Query capture is stripped without debug.
		assert.Empty(t, s.Compiled)
		assert.Empty(t, s.Executed)
		assert.Empty(t, s.Endpoint)
	}

	final := resp.Plan.Step("step3")
	require.NotNil(t, final.Result)
	assert.Equal(t, []string{"E-GEOD-76"}, final.Result.Values("accession"))
}

func TestAskMultiStepDebugKeepsStepQueries(t *testing.T) {
	p := newTestPipeline(t, map[string]http.HandlerFunc{
		"chembl": sparqlStub(
			map[string]map[string]string{
				"drug": term("uri", "http://rdf.ebi.ac.uk/resource/chembl/molecule/CHEMBL34"),
			},
		),
		"ontology": sparqlStub(
			map[string]map[string]string{
				"disease": term("uri", "http://www.ebi.ac.uk/efo/EFO_0000685"),
			},
		),
	})

	resp, err := p.Ask(context.Background(), AskRequest{
		Text:  "datasets for patients treated with methotrexate",
		Debug: true,
	})
	require.NoError(t, err)

	step2 := resp.Plan.Step("step2")
	assert.Contains(t, step2.Executed, "CHEMBL34")
	assert.NotEmpty(t, step2.Endpoint)
}

func TestAskMultiStepZeroUpstreamIsPartial(t *testing.T) {
	// The drug resolves to nothing; the chain degrades instead of erroring.
	p := newTestPipeline(t, nil)

	resp, err := p.Ask(context.Background(), AskRequest{
		Text: "datasets for patients treated with methotrexate",
	})
	require.NoError(t, err)

	assert.Equal(t, plan.PlanPartial, resp.PlanStatus)
	assert.Equal(t, plan.StatusDone, resp.Plan.Step("step1").Status)
	assert.Equal(t, plan.StatusFailed, resp.Plan.Step("step2").Status)
	assert.Equal(t, plan.StatusSkipped, resp.Plan.Step("step3").Status)
}

// startJobsCollaborator runs an in-process NATS server with a scripted
// diffexp responder.
func startJobsCollaborator(t *testing.T) (*jobs.Client, *map[string]string) {
	t.Helper()

	ns, err := natsserver.NewServer(&natsserver.Options{Port: -1, NoLog: true, NoSigs: true})
	require.NoError(t, err)
	go ns.Start()
	require.True(t, ns.ReadyForConnections(5*time.Second))
	t.Cleanup(func() {
		ns.Shutdown()
		ns.WaitForShutdown()
	})

	nc, err := nats.Connect(ns.ClientURL())
	require.NoError(t, err)
	t.Cleanup(nc.Close)

	payload := &map[string]string{}
	_, err = nc.Subscribe("jobs.submit.diffexp", func(msg *nats.Msg) {
		require.NoError(t, json.Unmarshal(msg.Data, payload))
		out, _ := json.Marshal(jobs.SubmitResponse{JobID: "job-7"})
		msg.Respond(out)
	})
	require.NoError(t, err)

	return jobs.NewClient(nc), payload
}

func TestAskAnalyzeSubmitsJob(t *testing.T) {
	client, payload := startJobsCollaborator(t)
	p := newTestPipeline(t, nil, WithJobs(client))

	resp, err := p.Ask(context.Background(), AskRequest{
		Text: "analyze E-GEOD-76 for differential expression",
	})
	require.NoError(t, err)

	assert.Equal(t, catalog.TaskAnalyze, resp.Intent.Task)
	assert.Equal(t, "job-7", resp.JobID)
	assert.Nil(t, resp.Result)
	assert.Equal(t, "E-GEOD-76", (*payload)["experiment_id"])
}

func TestAskAnalyzeWithoutCollaboratorRunsQuery(t *testing.T) {
	p := newTestPipeline(t, map[string]http.HandlerFunc{
		"atlas": sparqlStub(
			map[string]map[string]string{
				"experiment": term("uri", "http://rdf.ebi.ac.uk/resource/atlas/E-GEOD-76"),
				"analysis":   term("uri", "http://rdf.ebi.ac.uk/resource/atlas/E-GEOD-76/analysis"),
			},
		),
	})

	resp, err := p.Ask(context.Background(), AskRequest{
		Text: "analyze E-GEOD-76 for differential expression",
	})
	require.NoError(t, err)

	assert.Empty(t, resp.JobID)
	require.NotNil(t, resp.Result)
	assert.Equal(t, 1, resp.Result.Len())
}

func TestAskRecordsMetrics(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	p := newTestPipeline(t, nil, WithMetrics(m))

	_, err := p.Ask(context.Background(), AskRequest{
		Text: "differentially expressed genes in E-GEOD-76",
	})
	require.NoError(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.RunsTotal.WithLabelValues("experiment_genes", "done")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.Fallbacks))

	// A fallback classification that cannot compile counts as an error run.
	_, err = p.Ask(context.Background(), AskRequest{Text: "tell me something interesting"})
	require.Error(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Fallbacks))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RunsTotal.WithLabelValues("dataset_search", "error")))
}

func TestPollJobWithoutCollaborator(t *testing.T) {
	p := newTestPipeline(t, nil)

	_, err := p.PollJob(context.Background(), "job-7")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no job collaborator")
}

func TestPackNames(t *testing.T) {
	p := newTestPipeline(t, nil)
	assert.Contains(t, p.PackNames(), "expression-atlas")
}
