// Package orchestrator runs research pipelines. It owns every session
// state transition: sessions are created running, accumulate phase rows
// while a pipeline executes, and end completed (with a report) or failed
// (with an error entry). Cancelled runs skip terminal writes entirely and
// leave the session running.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/fathomlabs/fathom/pkg/cache"
	"github.com/fathomlabs/fathom/pkg/jobs"
	"github.com/fathomlabs/fathom/pkg/llm"
	"github.com/fathomlabs/fathom/pkg/models"
	"github.com/fathomlabs/fathom/pkg/search"
)

// Pipeline phase names as persisted and streamed.
const (
	PhaseQuickSynthesis      = "quick_synthesis"
	PhaseQueryAnalysis       = "query_analysis"
	PhaseSourceDiscovery     = "source_discovery"
	PhaseContentExtraction   = "content_extraction"
	PhaseCrossValidation     = "cross_validation"
	PhaseStructuredSynthesis = "structured_synthesis"
	PhaseCitationLinking     = "citation_linking"
)

// Search fan-out limits.
const (
	standardMaxResults = 5 // single basic search in standard mode
	deepMaxResults     = 4 // per sub-query in deep mode
	maxSubQuestions    = 3 // sub-questions searched beyond the root query
)

// Completion tuning per call site.
const (
	tempAnalysis   = 0.1
	tempQuick      = 0.7
	tempStandard   = 0.5
	tempExtraction = 0.3
	tempValidation = 0.3
	tempSynthesis  = 0.5

	maxTokensAnalysis   = 500
	maxTokensQuick      = 1000
	maxTokensStandard   = 2000
	maxTokensExtraction = 1500
	maxTokensValidation = 1200
	maxTokensSynthesis  = 4000
)

// terminalWriteTimeout bounds the background writes that finish a session
// after its request context may already be gone.
const terminalWriteTimeout = 10 * time.Second

// Store is the persistence surface the pipelines drive. Implemented by
// *database.Store.
type Store interface {
	CreateSession(ctx context.Context, query string, mode models.Mode) (string, error)
	AppendPhase(ctx context.Context, sessionID, name string, durationMs, tokensUsed int64, metadata models.JSONMap) error
	WriteReport(ctx context.Context, sessionID, content string, citations []models.Citation) error
	CompleteSession(ctx context.Context, sessionID string, totalLatencyMs, totalTokens int64) error
	FailSession(ctx context.Context, sessionID string) error
	LogError(ctx context.Context, sessionID *string, message, stack string)
}

// LLMClient is the completion surface. Implemented by *llm.Client.
type LLMClient interface {
	Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error)
}

// SearchClient is the source discovery surface. Implemented by
// *search.Client. Searches degrade to empty results instead of failing.
type SearchClient interface {
	Search(ctx context.Context, query string, opts search.Options) []models.Source
	SearchMany(ctx context.Context, queries []string, opts search.Options) [][]models.Source
}

// Orchestrator coordinates research runs across the store, the LLM, the
// search provider, the result cache, and the pending deep-job registry.
type Orchestrator struct {
	store    Store
	llm      LLMClient
	search   SearchClient
	cache    *cache.Cache
	registry *jobs.Registry
	logger   *slog.Logger
}

// New creates an orchestrator.
func New(store Store, llmClient LLMClient, searchClient SearchClient, resultCache *cache.Cache, registry *jobs.Registry) *Orchestrator {
	return &Orchestrator{
		store:    store,
		llm:      llmClient,
		search:   searchClient,
		cache:    resultCache,
		registry: registry,
		logger:   slog.With("component", "orchestrator"),
	}
}

// Lookup consults the result cache for an earlier completed run of the
// same (query, mode).
func (o *Orchestrator) Lookup(query string, mode models.Mode) (models.ResearchResult, bool) {
	return o.cache.Get(query, mode)
}

// Run executes a quick or standard research query synchronously: create
// the session, run the mode's phases, persist the outcome, cache the
// result. Deep mode is rejected here; it goes through StartDeep and
// ExecuteDeep so results can stream.
func (o *Orchestrator) Run(ctx context.Context, query string, mode models.Mode) (*models.ResearchResult, error) {
	if mode == models.ModeDeep {
		return nil, errors.New("deep mode requires a streaming run")
	}

	start := time.Now()
	sessionID, err := o.store.CreateSession(ctx, query, mode)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	logger := o.logger.With("session_id", sessionID, "mode", mode)
	logger.Info("Research run starting", "query_chars", len(query))

	var result *models.ResearchResult
	switch mode {
	case models.ModeQuick:
		result, err = o.runQuick(ctx, sessionID, query)
	default:
		result, err = o.runStandard(ctx, sessionID, query)
	}
	if err != nil {
		return nil, o.finishFailed(ctx, logger, sessionID, err)
	}

	result.SessionID = sessionID
	result.Mode = mode
	result.LatencyMs = elapsedMs(start)

	if ctx.Err() != nil {
		logger.Info("Research run cancelled at the finish line; leaving session running")
		return nil, ctx.Err()
	}
	if err := o.finalize(query, mode, result); err != nil {
		return nil, o.finishFailed(ctx, logger, sessionID, err)
	}

	logger.Info("Research run completed",
		"latency_ms", result.LatencyMs,
		"total_tokens", result.Tokens.Total,
		"citations", len(result.Citations))
	return result, nil
}

// runQuick is the single-phase quick pipeline: one focused completion, no
// search, no citations.
func (o *Orchestrator) runQuick(ctx context.Context, sessionID, query string) (*models.ResearchResult, error) {
	phaseStart := time.Now()
	resp, err := o.llm.Chat(ctx, llm.ChatRequest{
		Mode:        models.ModeQuick,
		System:      quickSystem,
		User:        query,
		MaxTokens:   maxTokensQuick,
		Temperature: tempQuick,
	})
	if err != nil {
		return nil, fmt.Errorf("quick synthesis: %w", err)
	}

	if err := o.store.AppendPhase(ctx, sessionID, PhaseQuickSynthesis,
		time.Since(phaseStart).Milliseconds(), resp.Tokens.Total, nil); err != nil {
		return nil, fmt.Errorf("record quick synthesis: %w", err)
	}

	return &models.ResearchResult{
		Report:    resp.Content,
		Citations: []models.Citation{},
		Tokens:    resp.Tokens,
	}, nil
}

// runStandard is the two-phase standard pipeline: one basic search, one
// synthesis over the discovered sources.
func (o *Orchestrator) runStandard(ctx context.Context, sessionID, query string) (*models.ResearchResult, error) {
	// 1. Source discovery: search failures degrade to zero sources.
	phaseStart := time.Now()
	sources := o.search.Search(ctx, query, search.Options{
		MaxResults: standardMaxResults,
		Depth:      search.DepthBasic,
	})
	if err := o.store.AppendPhase(ctx, sessionID, PhaseSourceDiscovery,
		time.Since(phaseStart).Milliseconds(), 0,
		models.JSONMap{"sourcesFound": len(sources)}); err != nil {
		return nil, fmt.Errorf("record source discovery: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// 2. Structured synthesis over the numbered source list.
	phaseStart = time.Now()
	resp, err := o.llm.Chat(ctx, llm.ChatRequest{
		Mode:        models.ModeStandard,
		System:      standardSystem,
		User:        buildStandardUserPrompt(query, sources),
		MaxTokens:   maxTokensStandard,
		Temperature: tempStandard,
	})
	if err != nil {
		return nil, fmt.Errorf("structured synthesis: %w", err)
	}
	if err := o.store.AppendPhase(ctx, sessionID, PhaseStructuredSynthesis,
		time.Since(phaseStart).Milliseconds(), resp.Tokens.Total, nil); err != nil {
		return nil, fmt.Errorf("record structured synthesis: %w", err)
	}

	return &models.ResearchResult{
		Report:    resp.Content,
		Citations: citationsFromSources(sources),
		Tokens:    resp.Tokens,
	}, nil
}

// finalize persists the successful outcome and caches it. Runs on a
// background context; the request context may be cancelled right after
// the pipeline finishes. The cache insert happens only after persistence
// succeeds.
func (o *Orchestrator) finalize(query string, mode models.Mode, result *models.ResearchResult) error {
	ctx, cancel := context.WithTimeout(context.Background(), terminalWriteTimeout)
	defer cancel()

	if err := o.store.WriteReport(ctx, result.SessionID, result.Report, result.Citations); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	if err := o.store.CompleteSession(ctx, result.SessionID, result.LatencyMs, result.Tokens.Total); err != nil {
		return fmt.Errorf("complete session: %w", err)
	}

	o.cache.Set(query, mode, *result)
	return nil
}

// finishFailed resolves a pipeline error: cancellation leaves the session
// running and skips all terminal writes; anything else marks the session
// failed and records the cause with a stack.
func (o *Orchestrator) finishFailed(ctx context.Context, logger *slog.Logger, sessionID string, cause error) error {
	if ctx.Err() != nil {
		logger.Info("Research run cancelled; leaving session running")
		return ctx.Err()
	}

	logger.Error("Research run failed", "error", cause)
	o.failSession(sessionID, cause)
	return cause
}

// failSession marks the session failed and appends the error entry, both
// best-effort on a background context.
func (o *Orchestrator) failSession(sessionID string, cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), terminalWriteTimeout)
	defer cancel()

	if err := o.store.FailSession(ctx, sessionID); err != nil {
		o.logger.Error("Failed to mark session failed", "session_id", sessionID, "error", err)
	}
	o.store.LogError(ctx, &sessionID, cause.Error(), string(debug.Stack()))
}

// elapsedMs returns the run latency, never below 1ms: a completed run
// always reports positive latency even when the clock rounds down.
func elapsedMs(start time.Time) int64 {
	if ms := time.Since(start).Milliseconds(); ms > 0 {
		return ms
	}
	return 1
}

// citationsFromSources renumbers sources 1..N in discovery order; the
// relevance carries the provider's score. Always returns a non-nil slice
// so citations serialize as [] rather than null.
func citationsFromSources(sources []models.Source) []models.Citation {
	citations := make([]models.Citation, 0, len(sources))
	for i, src := range sources {
		citations = append(citations, models.Citation{
			ID:        i + 1,
			Title:     src.Title,
			URL:       src.URL,
			Relevance: src.Score,
		})
	}
	return citations
}
