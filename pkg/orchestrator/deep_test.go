package orchestrator

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fathomlabs/fathom/pkg/events"
	"github.com/fathomlabs/fathom/pkg/jobs"
	"github.com/fathomlabs/fathom/pkg/models"
	"github.com/fathomlabs/fathom/pkg/search"
)

const analysisJSON = `{
	"coreQuestion": "which database fits the workload",
	"subQuestions": ["sub one", "sub two", "sub three", "sub four"],
	"domain": "databases",
	"outputType": "comparison"
}`

// progressRecorder captures every emitted phase payload in order.
type progressRecorder struct {
	payloads []events.PhasePayload
}

func (r *progressRecorder) record(p events.PhasePayload) {
	r.payloads = append(r.payloads, p)
}

func (r *progressRecorder) progressValues() []int {
	out := make([]int, 0, len(r.payloads))
	for _, p := range r.payloads {
		out = append(out, p.Progress)
	}
	return out
}

func (r *progressRecorder) phaseNames() []string {
	out := make([]string, 0, len(r.payloads))
	for _, p := range r.payloads {
		out = append(out, p.Phase)
	}
	return out
}

func startDeepJob(t *testing.T, f *orchestratorFixture, query string) jobs.Job {
	t.Helper()
	sessionID, err := f.orch.StartDeep(context.Background(), query)
	require.NoError(t, err)
	job, ok := f.registry.Claim(sessionID)
	require.True(t, ok)
	return job
}

func TestStartDeep(t *testing.T) {
	f := newFixture()

	sessionID, err := f.orch.StartDeep(context.Background(), "deep question")
	require.NoError(t, err)

	sess := f.store.session(t, sessionID)
	assert.Equal(t, models.ModeDeep, sess.mode)
	assert.Equal(t, models.StatusRunning, sess.status)

	// The pending job is claimable exactly once.
	job, ok := f.registry.Claim(sessionID)
	require.True(t, ok)
	assert.Equal(t, sessionID, job.SessionID)
	assert.Equal(t, "deep question", job.Query)
	_, ok = f.registry.Claim(sessionID)
	assert.False(t, ok)
}

func TestExecuteDeep_FullPipeline(t *testing.T) {
	f := newFixture()
	query := "compare postgres and cockroachdb for financial workloads"

	// Overlapping URLs across sub-searches: the root result for urlA must win.
	f.search.resultsByQuery[query] = []models.Source{
		src("Postgres overview", "https://a.example", 0.9),
		src("Cockroach overview", "https://b.example", 0.8),
	}
	f.search.resultsByQuery["sub one"] = []models.Source{
		src("Duplicate of A", "https://a.example", 0.2),
		src("Consistency deep dive", "https://c.example", 0.7),
	}
	f.search.resultsByQuery["sub three"] = []models.Source{
		src("Benchmark report", "https://d.example", 0.6),
	}

	f.llm.scripts = []llmScript{
		{content: analysisJSON, tokens: tok(100, 50)},
		{content: "extracted insights", tokens: tok(200, 100)},
		{content: "validated findings", tokens: tok(150, 75)},
		{content: "# Deep Report [1][4]", tokens: tok(500, 1000)},
	}

	job := startDeepJob(t, f, query)
	rec := &progressRecorder{}

	result, err := f.orch.ExecuteDeep(context.Background(), job, rec.record)
	require.NoError(t, err)

	// Result aggregates all four completions.
	assert.Equal(t, job.SessionID, result.SessionID)
	assert.Equal(t, models.ModeDeep, result.Mode)
	assert.Equal(t, "# Deep Report [1][4]", result.Report)
	assert.Equal(t, models.TokenUsage{Input: 950, Output: 1225, Total: 2175}, result.Tokens)
	assert.Positive(t, result.LatencyMs)

	// Citations follow deduped source order; the first occurrence of a URL wins.
	require.Len(t, result.Citations, 4)
	assert.Equal(t, models.Citation{ID: 1, Title: "Postgres overview", URL: "https://a.example", Relevance: 0.9}, result.Citations[0])
	assert.Equal(t, "https://d.example", result.Citations[3].URL)

	// Progress marches through all six phases in order.
	assert.Equal(t, []int{5, 15, 20, 30, 35, 50, 55, 65, 70, 85, 90, 100}, rec.progressValues())
	assert.Equal(t, []string{
		PhaseQueryAnalysis, PhaseQueryAnalysis,
		PhaseSourceDiscovery, PhaseSourceDiscovery,
		PhaseContentExtraction, PhaseContentExtraction,
		PhaseCrossValidation, PhaseCrossValidation,
		PhaseStructuredSynthesis, PhaseStructuredSynthesis,
		PhaseCitationLinking, PhaseCitationLinking,
	}, rec.phaseNames())
	assert.Equal(t, "Searching across 4 queries", rec.payloads[2].Message)
	assert.Equal(t, "Found 4 unique sources", rec.payloads[3].Message)
	assert.Equal(t, "Research complete", rec.payloads[11].Message)

	// Six phase rows with per-phase telemetry.
	phases := f.store.phases[job.SessionID]
	require.Len(t, phases, 6)
	assert.Equal(t, PhaseQueryAnalysis, phases[0].name)
	assert.Equal(t, int64(150), phases[0].tokensUsed)
	assert.Equal(t, "databases", phases[0].metadata["domain"])
	assert.Equal(t, 4, phases[0].metadata["subQuestions"])
	assert.Equal(t, PhaseSourceDiscovery, phases[1].name)
	assert.Equal(t, 4, phases[1].metadata["sourcesFound"])
	assert.Equal(t, 4, phases[1].metadata["queries"])
	assert.Equal(t, PhaseContentExtraction, phases[2].name)
	assert.Equal(t, int64(300), phases[2].tokensUsed)
	assert.Equal(t, PhaseCrossValidation, phases[3].name)
	assert.Equal(t, PhaseStructuredSynthesis, phases[4].name)
	assert.Equal(t, int64(1500), phases[4].tokensUsed)
	assert.Equal(t, PhaseCitationLinking, phases[5].name)
	assert.Equal(t, 4, phases[5].metadata["citations"])

	// Terminal state: completed session, persisted report, cached result.
	sess := f.store.session(t, job.SessionID)
	assert.Equal(t, models.StatusCompleted, sess.status)
	assert.Equal(t, int64(2175), sess.tokens)
	report, ok := f.store.reports[job.SessionID]
	require.True(t, ok)
	assert.Equal(t, "# Deep Report [1][4]", report.content)
	require.Len(t, report.citations, 4)
	hit, ok := f.orch.Lookup(query, models.ModeDeep)
	require.True(t, ok)
	assert.Equal(t, result.Report, hit.Report)

	// Search fan-out: root query plus the first three sub-questions, advanced depth.
	assert.Equal(t, []string{query, "sub one", "sub two", "sub three"}, f.search.queries)
	assert.Equal(t, deepMaxResults, f.search.lastOpts.MaxResults)
	assert.Equal(t, search.DepthAdvanced, f.search.lastOpts.Depth)

	// LLM call chain: analysis in JSON mode, then prompts that carry the
	// accumulated material forward.
	require.Len(t, f.llm.calls, 4)
	assert.Equal(t, queryAnalysisSystem, f.llm.calls[0].System)
	assert.True(t, f.llm.calls[0].JSONMode)
	assert.Equal(t, models.ModeDeep, f.llm.calls[0].Mode)
	assert.Equal(t, extractionSystem, f.llm.calls[1].System)
	assert.Contains(t, f.llm.calls[1].User, "[1] Postgres overview (https://a.example)")
	assert.NotContains(t, f.llm.calls[1].User, "Duplicate of A")
	assert.Equal(t, validationSystem, f.llm.calls[2].System)
	assert.Contains(t, f.llm.calls[2].User, "extracted insights")
	assert.Equal(t, deepSynthesisSystem, f.llm.calls[3].System)
	assert.Contains(t, f.llm.calls[3].User, query)
	assert.Contains(t, f.llm.calls[3].User, "extracted insights")
	assert.Contains(t, f.llm.calls[3].User, "validated findings")
	assert.Contains(t, f.llm.calls[3].User, "[4] Benchmark report (https://d.example)")
}

func TestExecuteDeep_AnalysisFallbackSearchesRootOnly(t *testing.T) {
	f := newFixture()
	query := "malformed analysis query"

	f.llm.scripts = []llmScript{
		{content: "definitely not json", tokens: tok(10, 5)},
		{content: "fallback report", tokens: tok(50, 50)},
	}

	job := startDeepJob(t, f, query)
	rec := &progressRecorder{}

	result, err := f.orch.ExecuteDeep(context.Background(), job, rec.record)
	require.NoError(t, err)

	// Fallback plan: the single sub-question equals the root query and is
	// skipped, so only the root query is searched.
	assert.Equal(t, []string{query}, f.search.queries)

	phases := f.store.phases[job.SessionID]
	require.GreaterOrEqual(t, len(phases), 1)
	assert.Equal(t, "general", phases[0].metadata["domain"])
	assert.Equal(t, 1, phases[0].metadata["subQuestions"])

	assert.Equal(t, "fallback report", result.Report)
}

func TestExecuteDeep_ZeroSourcesSkipsExtractionAndValidation(t *testing.T) {
	f := newFixture()
	query := "question with no search results"

	// Valid analysis, but every search comes back empty: only two LLM calls.
	f.llm.scripts = []llmScript{
		{content: analysisJSON, tokens: tok(10, 5)},
		{content: "report from general knowledge", tokens: tok(100, 200)},
	}

	job := startDeepJob(t, f, query)
	rec := &progressRecorder{}

	result, err := f.orch.ExecuteDeep(context.Background(), job, rec.record)
	require.NoError(t, err)

	// Extraction and validation never run without sources.
	assert.Equal(t, []int{5, 15, 20, 30, 70, 85, 90, 100}, rec.progressValues())
	require.Len(t, f.llm.calls, 2)
	assert.Contains(t, f.llm.calls[1].User, "No sources were found")

	phases := f.store.phases[job.SessionID]
	require.Len(t, phases, 4)
	assert.Equal(t, PhaseQueryAnalysis, phases[0].name)
	assert.Equal(t, PhaseSourceDiscovery, phases[1].name)
	assert.Equal(t, PhaseStructuredSynthesis, phases[2].name)
	assert.Equal(t, PhaseCitationLinking, phases[3].name)

	assert.NotNil(t, result.Citations)
	assert.Empty(t, result.Citations)
	assert.Equal(t, models.StatusCompleted, f.store.session(t, job.SessionID).status)
}

func TestExecuteDeep_LLMFailureMarksSessionFailed(t *testing.T) {
	f := newFixture()
	query := "failing extraction"

	f.search.resultsByQuery[query] = []models.Source{src("Only source", "https://only.example", 0.5)}
	f.llm.scripts = []llmScript{
		{content: analysisJSON, tokens: tok(10, 5)},
		{err: errors.New("extraction blew up")},
	}

	job := startDeepJob(t, f, query)
	rec := &progressRecorder{}

	_, err := f.orch.ExecuteDeep(context.Background(), job, rec.record)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "content extraction")

	assert.Equal(t, models.StatusFailed, f.store.session(t, job.SessionID).status)
	assert.Empty(t, f.store.reports)
	require.Len(t, f.store.errs, 1)
	assert.Contains(t, f.store.errs[0].message, "extraction blew up")
	require.NotNil(t, f.store.errs[0].sessionID)
	assert.Equal(t, job.SessionID, *f.store.errs[0].sessionID)

	// The stream saw progress up to the phase that failed, never completion.
	values := rec.progressValues()
	require.NotEmpty(t, values)
	assert.Equal(t, 35, values[len(values)-1])

	_, ok := f.orch.Lookup(query, models.ModeDeep)
	assert.False(t, ok)
}

func TestExecuteDeep_CancellationLeavesSessionRunning(t *testing.T) {
	f := newFixture()
	query := "client disconnects mid-run"

	f.search.resultsByQuery[query] = []models.Source{src("Only source", "https://only.example", 0.5)}

	ctx, cancel := context.WithCancel(context.Background())
	f.llm.scripts = []llmScript{
		{content: analysisJSON, tokens: tok(10, 5)},
		{onCall: cancel, err: context.Canceled},
	}

	job := startDeepJob(t, f, query)

	_, err := f.orch.ExecuteDeep(ctx, job, nil)
	require.ErrorIs(t, err, context.Canceled)

	// No terminal writes: still running, no report, no error entry. The
	// phase rows appended before the disconnect stay.
	assert.Equal(t, models.StatusRunning, f.store.session(t, job.SessionID).status)
	assert.Empty(t, f.store.reports)
	assert.Empty(t, f.store.errs)
	require.Len(t, f.store.phases[job.SessionID], 2)

	_, ok := f.orch.Lookup(query, models.ModeDeep)
	assert.False(t, ok)
}

func TestParseQueryAnalysis(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    queryAnalysis
	}{
		{
			name:    "valid",
			content: analysisJSON,
			want: queryAnalysis{
				CoreQuestion: "which database fits the workload",
				SubQuestions: []string{"sub one", "sub two", "sub three", "sub four"},
				Domain:       "databases",
				OutputType:   "comparison",
			},
		},
		{
			name:    "invalid json falls back to single-question plan",
			content: "here is my analysis: ...",
			want: queryAnalysis{
				CoreQuestion: "the query",
				SubQuestions: []string{"the query"},
				Domain:       "general",
				OutputType:   "analysis",
			},
		},
		{
			name:    "partial json gets field defaults",
			content: `{"coreQuestion": "just the core"}`,
			want: queryAnalysis{
				CoreQuestion: "just the core",
				SubQuestions: []string{"the query"},
				Domain:       "general",
				OutputType:   "analysis",
			},
		},
		{
			name:    "empty object",
			content: `{}`,
			want: queryAnalysis{
				CoreQuestion: "the query",
				SubQuestions: []string{"the query"},
				Domain:       "general",
				OutputType:   "analysis",
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, parseQueryAnalysis(tc.content, "the query"))
		})
	}
}

func TestSearchQueries(t *testing.T) {
	analysis := queryAnalysis{
		SubQuestions: []string{"", "root query", "  padded  ", "s2", "s3", "s4"},
	}

	queries := searchQueries("root query", analysis)

	// Blank and root-duplicate entries are skipped; the fan-out stops at
	// the root plus three sub-questions.
	assert.Equal(t, []string{"root query", "padded", "s2", "s3"}, queries)
}

func TestSearchQueries_NoSubQuestions(t *testing.T) {
	assert.Equal(t, []string{"root"}, searchQueries("root", queryAnalysis{}))
}

func TestDedupeSources(t *testing.T) {
	lists := [][]models.Source{
		{src("A", "https://a.example", 0.9), src("B", "https://b.example", 0.8)},
		{src("A again", "https://a.example", 0.1), src("C", "https://c.example", 0.7)},
		{src("B again", "https://b.example", 0.2), src("D", "https://d.example", 0.6)},
	}

	merged := dedupeSources(lists)

	require.Len(t, merged, 4)
	assert.Equal(t, "A", merged[0].Title)
	assert.Equal(t, "B", merged[1].Title)
	assert.Equal(t, "C", merged[2].Title)
	assert.Equal(t, "D", merged[3].Title)
}

func TestDedupeSources_Empty(t *testing.T) {
	merged := dedupeSources(nil)
	assert.NotNil(t, merged)
	assert.Empty(t, merged)
}
