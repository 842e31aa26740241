package models

import (
	"time"
)

// Mode selects the orchestration strategy for a research session.
type Mode string

const (
	// ModeQuick is a single LLM call with no source discovery.
	ModeQuick Mode = "quick"
	// ModeStandard is one search pass followed by one synthesis call.
	ModeStandard Mode = "standard"
	// ModeDeep is the six-phase pipeline with streamed progress.
	ModeDeep Mode = "deep"
)

// ParseMode maps a request string to a Mode. An empty string selects
// ModeStandard; anything else unknown reports ok=false.
func ParseMode(s string) (Mode, bool) {
	switch Mode(s) {
	case ModeQuick, ModeStandard, ModeDeep:
		return Mode(s), true
	case "":
		return ModeStandard, true
	default:
		return "", false
	}
}

// Status is the lifecycle state of a session. Transitions are monotonic:
// pending → running → (completed | failed). Terminal states are final.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Session is one user-submitted research job and its aggregate telemetry.
// TotalLatencyMs and TotalTokens are set only when the session completes.
type Session struct {
	ID             string    `db:"id" json:"sessionId"`
	UserID         *string   `db:"user_id" json:"-"`
	Query          string    `db:"query" json:"query"`
	Mode           Mode      `db:"mode" json:"mode"`
	Status         Status    `db:"status" json:"status"`
	TotalLatencyMs *int64    `db:"total_latency_ms" json:"totalLatencyMs,omitempty"`
	TotalTokens    *int64    `db:"total_tokens" json:"totalTokens,omitempty"`
	CreatedAt      time.Time `db:"created_at" json:"createdAt"`
}

// Phase is one audited step of the orchestration pipeline. Phases are
// append-only and ordered by insertion within a session. TokensUsed is 0 for
// phases that make no LLM call.
type Phase struct {
	ID         string    `db:"id" json:"-"`
	SessionID  string    `db:"session_id" json:"-"`
	Name       string    `db:"name" json:"name"`
	DurationMs int64     `db:"duration_ms" json:"durationMs"`
	TokensUsed int64     `db:"tokens_used" json:"tokensUsed"`
	Metadata   JSONMap   `db:"metadata" json:"metadata,omitempty"`
	CreatedAt  time.Time `db:"created_at" json:"-"`
}

// Citation references one source from a report. IDs are consecutive starting
// at 1 within a report; Relevance is the provider score in [0,1].
type Citation struct {
	ID        int     `json:"id"`
	Title     string  `json:"title"`
	URL       string  `json:"url"`
	Relevance float64 `json:"relevance"`
}

// Report is the final markdown document produced for a session, at most one
// per session, written exactly once on successful completion.
type Report struct {
	ID        string    `db:"id"`
	SessionID string    `db:"session_id"`
	Content   string    `db:"content"`
	Citations Citations `db:"citations"`
	CreatedAt time.Time `db:"created_at"`
}

// TokenUsage is the input/output token breakdown of one or more LLM calls.
type TokenUsage struct {
	Input  int64 `json:"input"`
	Output int64 `json:"output"`
	Total  int64 `json:"total"`
}

// Add accumulates usage across pipeline phases.
func (t *TokenUsage) Add(u TokenUsage) {
	t.Input += u.Input
	t.Output += u.Output
	t.Total += u.Total
}

// ResearchResult is the completed payload of a research run. It is what the
// synchronous modes return, what the deep stream's terminal event carries,
// and what the cache stores.
type ResearchResult struct {
	SessionID string     `json:"sessionId"`
	Mode      Mode       `json:"mode"`
	Report    string     `json:"report"`
	Citations []Citation `json:"citations"`
	Tokens    TokenUsage `json:"tokens"`
	LatencyMs int64      `json:"latencyMs"`
}

// HistoryItem is the compact session listing returned by the history endpoint.
type HistoryItem struct {
	ID             string    `db:"id" json:"id"`
	Query          string    `db:"query" json:"query"`
	Mode           Mode      `db:"mode" json:"mode"`
	Status         Status    `db:"status" json:"status"`
	TotalLatencyMs *int64    `db:"total_latency_ms" json:"totalLatencyMs,omitempty"`
	TotalTokens    *int64    `db:"total_tokens" json:"totalTokens,omitempty"`
	CreatedAt      time.Time `db:"created_at" json:"createdAt"`
}

// Source is one web-search hit used for grounding and citation building.
// Score is provider relevance in [0,1]; higher is more relevant.
type Source struct {
	Title   string  `json:"title"`
	URL     string  `json:"url"`
	Snippet string  `json:"snippet"`
	Score   float64 `json:"score"`
}
