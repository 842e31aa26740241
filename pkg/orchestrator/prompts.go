package orchestrator

import (
	"fmt"
	"strings"

	"github.com/fathomlabs/fathom/pkg/models"
)

// System prompts for every LLM call the pipelines make. Kept as package
// constants so prompt wording is reviewed here, never assembled ad hoc at
// call sites.

const queryAnalysisSystem = `You are a research planning assistant. Analyze the research query and respond with a single JSON object containing exactly these keys:
- "coreQuestion": the central question being asked (string)
- "subQuestions": 2-4 focused sub-questions that together answer the core question (array of strings)
- "domain": the primary knowledge domain, for example "distributed systems" (string)
- "outputType": the most useful response form, one of "analysis", "comparison", "guide", "overview" (string)
Respond with the JSON object only.`

const quickSystem = `You are a research assistant producing concise briefings. Write a focused answer of roughly 300-500 words in markdown. Open with a short direct answer, develop it under clear headings, and close with 2-3 actionable recommendations.`

const standardSystem = `You are a research analyst producing structured reports. Write roughly 600-1000 words in markdown. Open with an executive summary, organize findings under headings, and use comparison tables where they clarify. When a numbered source list is provided, cite sources inline with [n] markers. Close with a decision framework the reader can apply.`

const extractionSystem = `You are a research assistant extracting insights from source material. For each numbered source, capture its key facts and data points, the perspective it takes, and how it bears on the research question. Keep each source's notes compact and preserve the [n] numbering.`

const validationSystem = `You are a research reviewer cross-checking findings. Compare the extracted insights across sources and produce three markdown sections: "Agreements" for claims multiple sources support, "Contradictions" for claims the sources dispute, and "Gaps" for parts of the research question the sources leave open. Reference sources by their [n] markers.`

const deepSynthesisSystem = `You are a senior research analyst producing comprehensive reports. Write roughly 1200-2000 words in markdown. Cite sources inline with [n] markers matching the numbered source list, include a trade-offs matrix where alternatives exist, cover failure modes and risks, and end with a "Key Decisions" section summarizing the judgment calls the reader must make.`

// maxSnippetChars bounds how much of each source snippet enters a prompt.
const maxSnippetChars = 500

// formatSourceList renders sources as a numbered block:
//
//	[1] Title (https://url)
//	snippet
//
// The numbering matches the citation IDs built from the same list.
func formatSourceList(sources []models.Source) string {
	var b strings.Builder
	for i, src := range sources {
		fmt.Fprintf(&b, "[%d] %s (%s)\n%s\n\n", i+1, src.Title, src.URL, truncateSnippet(src.Snippet))
	}
	return strings.TrimRight(b.String(), "\n")
}

func truncateSnippet(s string) string {
	runes := []rune(s)
	if len(runes) <= maxSnippetChars {
		return s
	}
	return string(runes[:maxSnippetChars])
}

func buildStandardUserPrompt(query string, sources []models.Source) string {
	if len(sources) == 0 {
		return "Research question: " + query + "\n\nNo sources were found; answer from general knowledge and say so."
	}
	return "Sources:\n\n" + formatSourceList(sources) + "\n\nResearch question: " + query
}

func buildExtractionUserPrompt(query string, sources []models.Source) string {
	return "Research question: " + query + "\n\nSources:\n\n" + formatSourceList(sources)
}

func buildValidationUserPrompt(query, insights string) string {
	return "Research question: " + query + "\n\nExtracted insights:\n\n" + insights
}

// buildDeepSynthesisUserPrompt assembles everything the pipeline learned.
// Sections for skipped phases are omitted rather than left empty.
func buildDeepSynthesisUserPrompt(query string, analysis queryAnalysis, insights, validation string, sources []models.Source) string {
	var b strings.Builder

	b.WriteString("Research question: " + query + "\n\n")
	b.WriteString("Core question: " + analysis.CoreQuestion + "\n")
	if len(analysis.SubQuestions) > 0 {
		b.WriteString("Sub-questions:\n")
		for _, q := range analysis.SubQuestions {
			b.WriteString("- " + q + "\n")
		}
	}
	fmt.Fprintf(&b, "Domain: %s\nExpected output: %s\n", analysis.Domain, analysis.OutputType)

	if insights != "" {
		b.WriteString("\nExtracted insights:\n\n" + insights + "\n")
	}
	if validation != "" {
		b.WriteString("\nCross-validation findings:\n\n" + validation + "\n")
	}
	if len(sources) > 0 {
		b.WriteString("\nSources:\n\n" + formatSourceList(sources) + "\n")
	} else {
		b.WriteString("\nNo sources were found; synthesize from general knowledge and say so in the report.\n")
	}

	return b.String()
}
