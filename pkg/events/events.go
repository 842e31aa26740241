// Package events defines the server-sent event vocabulary for research
// progress streaming.
//
// A deep research stream carries zero or more "phase" events followed by
// exactly one terminal event, either "complete" or "error". Comment
// frames (": ping") keep idle connections alive between phases and carry
// no payload.
package events

import (
	"time"

	"github.com/fathomlabs/fathom/pkg/models"
)

// Event names as they appear on the wire in the SSE "event:" field.
const (
	// EventPhase reports pipeline progress. Emitted on phase entry and exit.
	EventPhase = "phase"

	// EventComplete carries the final research result. Terminal.
	EventComplete = "complete"

	// EventError reports a terminal failure. Terminal.
	EventError = "error"
)

// ProgressFunc delivers phase events from a running pipeline to whoever
// is streaming them. Implementations may block until the event is
// written; the pipeline emits strictly in order.
type ProgressFunc func(PhasePayload)

// PhasePayload is the payload for "phase" events.
type PhasePayload struct {
	Phase     string `json:"phase"`          // pipeline phase name, e.g. "source_discovery"
	Progress  int    `json:"progress"`       // overall completion, 0-100
	Message   string `json:"message"`        // human-readable progress line
	Data      any    `json:"data,omitempty"` // optional phase detail (counts, names)
	Timestamp int64  `json:"timestamp"`      // unix milliseconds
}

// NewPhasePayload builds a phase event stamped with the current time.
func NewPhasePayload(phase string, progress int, message string, data any) PhasePayload {
	return PhasePayload{
		Phase:     phase,
		Progress:  progress,
		Message:   message,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
	}
}

// CompletePayload is the payload for "complete" events. It mirrors the
// synchronous research response so stream consumers and POST callers see
// the same result shape.
type CompletePayload struct {
	SessionID string            `json:"sessionId"`
	Report    string            `json:"report"`    // markdown report
	Citations []models.Citation `json:"citations"` // never null; empty when no sources
	Tokens    models.TokenUsage `json:"tokens"`
	LatencyMs int64             `json:"latencyMs"`
}

// CompleteFromResult builds the terminal payload for a finished run.
func CompleteFromResult(result *models.ResearchResult) CompletePayload {
	citations := result.Citations
	if citations == nil {
		citations = []models.Citation{}
	}
	return CompletePayload{
		SessionID: result.SessionID,
		Report:    result.Report,
		Citations: citations,
		Tokens:    result.Tokens,
		LatencyMs: result.LatencyMs,
	}
}

// ErrorPayload is the payload for "error" events.
type ErrorPayload struct {
	Message string `json:"message"` // terminal failure description
}
