package api

import (
	"time"

	"github.com/fathomlabs/fathom/pkg/models"
)

// ResearchResponse is the synchronous result shape: POST /research for
// quick and standard modes, cache hits for any mode, and stream connects
// for already-completed sessions.
type ResearchResponse struct {
	SessionID string            `json:"sessionId"`
	Mode      models.Mode       `json:"mode"`
	Report    string            `json:"report"`
	Citations []models.Citation `json:"citations"`
	Tokens    models.TokenUsage `json:"tokens"`
	LatencyMs int64             `json:"latencyMs"`
	FromCache bool              `json:"fromCache"`
}

func researchResponse(result *models.ResearchResult, fromCache bool) ResearchResponse {
	citations := result.Citations
	if citations == nil {
		citations = []models.Citation{}
	}
	return ResearchResponse{
		SessionID: result.SessionID,
		Mode:      result.Mode,
		Report:    result.Report,
		Citations: citations,
		Tokens:    result.Tokens,
		LatencyMs: result.LatencyMs,
		FromCache: fromCache,
	}
}

// completedResponse rebuilds the synchronous result shape from persisted
// state, for stream connects that arrive after the session finished. The
// input/output token split is not persisted, so only the total survives.
func completedResponse(sess *models.Session, report *models.Report) ResearchResponse {
	resp := ResearchResponse{
		SessionID: sess.ID,
		Mode:      sess.Mode,
		Citations: []models.Citation{},
	}
	if report != nil {
		resp.Report = report.Content
		if report.Citations != nil {
			resp.Citations = []models.Citation(report.Citations)
		}
	}
	if sess.TotalLatencyMs != nil {
		resp.LatencyMs = *sess.TotalLatencyMs
	}
	if sess.TotalTokens != nil {
		resp.Tokens = models.TokenUsage{Total: *sess.TotalTokens}
	}
	return resp
}

// DeepAcceptedResponse acknowledges a deep session start; the result
// arrives over the session's SSE stream.
type DeepAcceptedResponse struct {
	SessionID string        `json:"sessionId"`
	Mode      models.Mode   `json:"mode"`
	Status    models.Status `json:"status"`
}

// PhaseView is the phase shape inside a session snapshot.
type PhaseView struct {
	Name       string         `json:"name"`
	DurationMs int64          `json:"durationMs"`
	TokensUsed int64          `json:"tokensUsed"`
	Metadata   models.JSONMap `json:"metadata,omitempty"`
}

// SessionResponse is the session snapshot returned by GET /research/:id.
// Report and Citations are present only once the session has completed.
type SessionResponse struct {
	SessionID      string            `json:"sessionId"`
	Query          string            `json:"query"`
	Mode           models.Mode       `json:"mode"`
	Status         models.Status     `json:"status"`
	CreatedAt      time.Time         `json:"createdAt"`
	TotalLatencyMs *int64            `json:"totalLatencyMs,omitempty"`
	TotalTokens    *int64            `json:"totalTokens,omitempty"`
	Report         *string           `json:"report,omitempty"`
	Citations      []models.Citation `json:"citations,omitempty"`
	Phases         []PhaseView       `json:"phases"`
}

func sessionResponse(sess *models.Session, report *models.Report, phases []models.Phase) SessionResponse {
	resp := SessionResponse{
		SessionID:      sess.ID,
		Query:          sess.Query,
		Mode:           sess.Mode,
		Status:         sess.Status,
		CreatedAt:      sess.CreatedAt,
		TotalLatencyMs: sess.TotalLatencyMs,
		TotalTokens:    sess.TotalTokens,
		Phases:         make([]PhaseView, 0, len(phases)),
	}
	if report != nil {
		resp.Report = &report.Content
		resp.Citations = []models.Citation(report.Citations)
		if resp.Citations == nil {
			resp.Citations = []models.Citation{}
		}
	}
	for _, p := range phases {
		resp.Phases = append(resp.Phases, PhaseView{
			Name:       p.Name,
			DurationMs: p.DurationMs,
			TokensUsed: p.TokensUsed,
			Metadata:   p.Metadata,
		})
	}
	return resp
}

// HistoryResponse is the paged session listing.
type HistoryResponse struct {
	Items  []models.HistoryItem `json:"items"`
	Total  int                  `json:"total"`
	Limit  int                  `json:"limit"`
	Offset int                  `json:"offset"`
}

// DeleteResponse acknowledges a session deletion.
type DeleteResponse struct {
	Deleted bool   `json:"deleted"`
	ID      string `json:"id"`
}

// HealthResponse is the liveness payload.
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}
