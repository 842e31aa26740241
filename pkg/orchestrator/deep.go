package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/fathomlabs/fathom/pkg/events"
	"github.com/fathomlabs/fathom/pkg/jobs"
	"github.com/fathomlabs/fathom/pkg/llm"
	"github.com/fathomlabs/fathom/pkg/models"
	"github.com/fathomlabs/fathom/pkg/search"
)

// queryAnalysis is the decomposition produced by the first deep phase.
type queryAnalysis struct {
	CoreQuestion string   `json:"coreQuestion"`
	SubQuestions []string `json:"subQuestions"`
	Domain       string   `json:"domain"`
	OutputType   string   `json:"outputType"`
}

// StartDeep accepts a deep research request: it creates the session and
// registers a pending job for the stream endpoint to claim. The pipeline
// itself runs when the client connects to the stream.
func (o *Orchestrator) StartDeep(ctx context.Context, query string) (string, error) {
	sessionID, err := o.store.CreateSession(ctx, query, models.ModeDeep)
	if err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}

	o.registry.Add(sessionID, query)
	o.logger.Info("Deep research accepted", "session_id", sessionID, "query_chars", len(query))
	return sessionID, nil
}

// ExecuteDeep runs the six-phase pipeline for a claimed job on the
// caller's context. Progress events flow through the callback strictly in
// order; the callback must not be called again once ExecuteDeep returns.
//
// Cancellation (the streaming client disconnecting) aborts the pipeline
// at the next blocking call, skips every terminal write, and leaves the
// session running with whatever phase rows were already appended.
func (o *Orchestrator) ExecuteDeep(ctx context.Context, job jobs.Job, progress events.ProgressFunc) (*models.ResearchResult, error) {
	logger := o.logger.With("session_id", job.SessionID, "mode", models.ModeDeep)
	logger.Info("Deep research starting", "query_chars", len(job.Query))

	start := time.Now()
	result, err := o.runDeep(ctx, job, progress)
	if err != nil {
		return nil, o.finishFailed(ctx, logger, job.SessionID, err)
	}

	result.LatencyMs = elapsedMs(start)

	if ctx.Err() != nil {
		logger.Info("Deep research cancelled at the finish line; leaving session running")
		return nil, ctx.Err()
	}
	if err := o.finalize(job.Query, models.ModeDeep, result); err != nil {
		return nil, o.finishFailed(ctx, logger, job.SessionID, err)
	}

	logger.Info("Deep research completed",
		"latency_ms", result.LatencyMs,
		"total_tokens", result.Tokens.Total,
		"citations", len(result.Citations))
	return result, nil
}

func (o *Orchestrator) runDeep(ctx context.Context, job jobs.Job, progress events.ProgressFunc) (*models.ResearchResult, error) {
	sessionID, query := job.SessionID, job.Query

	emit := func(phase string, pct int, message string, data any) {
		if progress != nil {
			progress(events.NewPhasePayload(phase, pct, message, data))
		}
	}

	var tokens models.TokenUsage

	// ── Phase 1: query analysis ──
	emit(PhaseQueryAnalysis, 5, "Analyzing research query", nil)
	phaseStart := time.Now()
	resp, err := o.llm.Chat(ctx, llm.ChatRequest{
		Mode:        models.ModeDeep,
		System:      queryAnalysisSystem,
		User:        query,
		MaxTokens:   maxTokensAnalysis,
		Temperature: tempAnalysis,
		JSONMode:    true,
	})
	if err != nil {
		return nil, fmt.Errorf("query analysis: %w", err)
	}
	tokens.Add(resp.Tokens)
	analysis := parseQueryAnalysis(resp.Content, query)
	if err := o.store.AppendPhase(ctx, sessionID, PhaseQueryAnalysis,
		time.Since(phaseStart).Milliseconds(), resp.Tokens.Total,
		models.JSONMap{"domain": analysis.Domain, "subQuestions": len(analysis.SubQuestions)}); err != nil {
		return nil, fmt.Errorf("record query analysis: %w", err)
	}
	emit(PhaseQueryAnalysis, 15, "Query analysis complete",
		map[string]any{"subQuestions": len(analysis.SubQuestions), "domain": analysis.Domain})
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// ── Phase 2: source discovery ──
	queries := searchQueries(query, analysis)
	emit(PhaseSourceDiscovery, 20, fmt.Sprintf("Searching across %d queries", len(queries)), nil)
	phaseStart = time.Now()
	perQuery := o.search.SearchMany(ctx, queries, search.Options{
		MaxResults: deepMaxResults,
		Depth:      search.DepthAdvanced,
	})
	sources := dedupeSources(perQuery)
	if err := o.store.AppendPhase(ctx, sessionID, PhaseSourceDiscovery,
		time.Since(phaseStart).Milliseconds(), 0,
		models.JSONMap{"sourcesFound": len(sources), "queries": len(queries)}); err != nil {
		return nil, fmt.Errorf("record source discovery: %w", err)
	}
	emit(PhaseSourceDiscovery, 30, fmt.Sprintf("Found %d unique sources", len(sources)),
		map[string]any{"sourcesFound": len(sources)})
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// ── Phase 3: content extraction (skipped without sources) ──
	insights := ""
	if len(sources) > 0 {
		emit(PhaseContentExtraction, 35, "Extracting key insights from sources", nil)
		phaseStart = time.Now()
		resp, err = o.llm.Chat(ctx, llm.ChatRequest{
			Mode:        models.ModeDeep,
			System:      extractionSystem,
			User:        buildExtractionUserPrompt(query, sources),
			MaxTokens:   maxTokensExtraction,
			Temperature: tempExtraction,
		})
		if err != nil {
			return nil, fmt.Errorf("content extraction: %w", err)
		}
		tokens.Add(resp.Tokens)
		insights = resp.Content
		if err := o.store.AppendPhase(ctx, sessionID, PhaseContentExtraction,
			time.Since(phaseStart).Milliseconds(), resp.Tokens.Total,
			models.JSONMap{"sources": len(sources)}); err != nil {
			return nil, fmt.Errorf("record content extraction: %w", err)
		}
		emit(PhaseContentExtraction, 50, "Content extraction complete", nil)
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}

	// ── Phase 4: cross validation (needs extraction output) ──
	validation := ""
	if insights != "" {
		emit(PhaseCrossValidation, 55, "Cross-validating findings across sources", nil)
		phaseStart = time.Now()
		resp, err = o.llm.Chat(ctx, llm.ChatRequest{
			Mode:        models.ModeDeep,
			System:      validationSystem,
			User:        buildValidationUserPrompt(query, insights),
			MaxTokens:   maxTokensValidation,
			Temperature: tempValidation,
		})
		if err != nil {
			return nil, fmt.Errorf("cross validation: %w", err)
		}
		tokens.Add(resp.Tokens)
		validation = resp.Content
		if err := o.store.AppendPhase(ctx, sessionID, PhaseCrossValidation,
			time.Since(phaseStart).Milliseconds(), resp.Tokens.Total, nil); err != nil {
			return nil, fmt.Errorf("record cross validation: %w", err)
		}
		emit(PhaseCrossValidation, 65, "Cross-validation complete", nil)
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}

	// ── Phase 5: structured synthesis ──
	emit(PhaseStructuredSynthesis, 70, "Synthesizing research report", nil)
	phaseStart = time.Now()
	resp, err = o.llm.Chat(ctx, llm.ChatRequest{
		Mode:        models.ModeDeep,
		System:      deepSynthesisSystem,
		User:        buildDeepSynthesisUserPrompt(query, analysis, insights, validation, sources),
		MaxTokens:   maxTokensSynthesis,
		Temperature: tempSynthesis,
	})
	if err != nil {
		return nil, fmt.Errorf("structured synthesis: %w", err)
	}
	tokens.Add(resp.Tokens)
	report := resp.Content
	if err := o.store.AppendPhase(ctx, sessionID, PhaseStructuredSynthesis,
		time.Since(phaseStart).Milliseconds(), resp.Tokens.Total, nil); err != nil {
		return nil, fmt.Errorf("record structured synthesis: %w", err)
	}
	emit(PhaseStructuredSynthesis, 85, "Synthesis complete", nil)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// ── Phase 6: citation linking (pure transform, no LLM) ──
	emit(PhaseCitationLinking, 90, "Linking citations", nil)
	phaseStart = time.Now()
	citations := citationsFromSources(sources)
	if err := o.store.AppendPhase(ctx, sessionID, PhaseCitationLinking,
		time.Since(phaseStart).Milliseconds(), 0,
		models.JSONMap{"citations": len(citations)}); err != nil {
		return nil, fmt.Errorf("record citation linking: %w", err)
	}
	emit(PhaseCitationLinking, 100, "Research complete",
		map[string]any{"citations": len(citations)})

	return &models.ResearchResult{
		SessionID: sessionID,
		Mode:      models.ModeDeep,
		Report:    report,
		Citations: citations,
		Tokens:    tokens,
	}, nil
}

// parseQueryAnalysis decodes the analysis JSON, falling back to a
// single-question plan when the model's output is unusable.
func parseQueryAnalysis(content, query string) queryAnalysis {
	var qa queryAnalysis
	if err := json.Unmarshal([]byte(content), &qa); err != nil {
		return queryAnalysis{
			CoreQuestion: query,
			SubQuestions: []string{query},
			Domain:       "general",
			OutputType:   "analysis",
		}
	}
	if qa.CoreQuestion == "" {
		qa.CoreQuestion = query
	}
	if len(qa.SubQuestions) == 0 {
		qa.SubQuestions = []string{query}
	}
	if qa.Domain == "" {
		qa.Domain = "general"
	}
	if qa.OutputType == "" {
		qa.OutputType = "analysis"
	}
	return qa
}

// searchQueries builds the deep fan-out: the root query plus up to
// maxSubQuestions sub-questions. Blank sub-questions and exact repeats of
// the root query are skipped.
func searchQueries(query string, analysis queryAnalysis) []string {
	queries := []string{query}
	for _, q := range analysis.SubQuestions {
		if len(queries) == 1+maxSubQuestions {
			break
		}
		q = strings.TrimSpace(q)
		if q == "" || q == query {
			continue
		}
		queries = append(queries, q)
	}
	return queries
}

// dedupeSources flattens per-query result lists into one list with
// duplicate URLs removed. The first occurrence wins, so ordering follows
// query order and provider ranking.
func dedupeSources(lists [][]models.Source) []models.Source {
	seen := make(map[string]struct{})
	merged := make([]models.Source, 0)
	for _, list := range lists {
		for _, src := range list {
			if _, ok := seen[src.URL]; ok {
				continue
			}
			seen[src.URL] = struct{}{}
			merged = append(merged, src)
		}
	}
	return merged
}
