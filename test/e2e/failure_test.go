package e2e

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fathomlabs/fathom/pkg/models"
)

// ────────────────────────────────────────────────────────────
// Provider Failure Propagation
// ────────────────────────────────────────────────────────────

func TestE2E_ProviderFailureFailsSession(t *testing.T) {
	app := NewTestApp(t)
	// 401 is non-retryable: the pipeline fails on the first attempt.
	app.Provider.Add(ProviderScriptEntry{Status: http.StatusUnauthorized, Message: "invalid api key"})

	resp := app.Research(t, "explain go channels", "quick", http.StatusInternalServerError)
	assert.Equal(t, "internal_error", resp["error"])
	assert.Contains(t, resp["message"], "provider returned 401")
	assert.Contains(t, resp["message"], "invalid api key")

	// The session is terminal-failed with the cause on record.
	items := app.GetHistory(t, "", http.StatusOK)["items"].([]any)
	require.Len(t, items, 1)
	item := items[0].(map[string]any)
	assert.Equal(t, "failed", item["status"])

	sessionID := item["id"].(string)
	sess, report := app.SessionState(t, sessionID)
	assert.Equal(t, models.StatusFailed, sess.Status)
	assert.Nil(t, sess.TotalTokens)
	assert.Nil(t, report)

	message, err := app.Store.LatestErrorMessage(context.Background(), sessionID)
	require.NoError(t, err)
	assert.Contains(t, message, "invalid api key")
}

func TestE2E_DeepFailureStreamsErrorFrame(t *testing.T) {
	app := NewTestApp(t)
	app.Search.SetDefault(
		models.Source{Title: "Raft paper", URL: "https://raft.github.io", Snippet: "Leader election", Score: 0.93},
	)
	app.Provider.AddText(deepAnalysisJSON)
	// Extraction dies on a non-retryable provider error.
	app.Provider.Add(ProviderScriptEntry{Status: http.StatusBadRequest, Message: "prompt rejected"})

	accepted := app.Research(t, "compare raft and paxos in depth", "deep", http.StatusAccepted)
	sessionID := accepted["sessionId"].(string)

	stream := app.OpenStream(t, sessionID)
	frames := stream.ReadUntilTerminal(t, 15*time.Second)

	// Progress through source discovery and into extraction, then the
	// terminal error frame.
	var progress []int
	for _, frame := range frames[:len(frames)-1] {
		progress = append(progress, decodePhase(t, frame).Progress)
	}
	assert.Equal(t, []int{5, 15, 20, 30, 35}, progress)

	payload := decodeError(t, frames[len(frames)-1])
	assert.Contains(t, payload.Message, "content extraction")
	assert.Contains(t, payload.Message, "prompt rejected")

	sess, report := app.SessionState(t, sessionID)
	assert.Equal(t, models.StatusFailed, sess.Status)
	assert.Nil(t, report)

	session := app.GetSession(t, sessionID, http.StatusOK)
	assert.Len(t, session["phases"].([]any), 2, "only the phases that finished were recorded")

	t.Run("reconnect replays the recorded failure", func(t *testing.T) {
		replay := app.OpenStream(t, sessionID)
		frame, ok := replay.Next(5 * time.Second)
		require.True(t, ok)
		assert.Equal(t, payload.Message, decodeError(t, frame).Message)
	})
}

// ────────────────────────────────────────────────────────────
// Provider Retry
// ────────────────────────────────────────────────────────────

func TestE2E_ProviderRetryRecovers(t *testing.T) {
	app := NewTestApp(t)
	// One 429, then success: the client retries after backoff and the
	// run completes as if nothing happened.
	app.Provider.Add(ProviderScriptEntry{Status: http.StatusTooManyRequests, Message: "slow down"})
	app.Provider.AddText("Recovered answer.")

	resp := app.Research(t, "explain go channels", "quick", http.StatusOK)
	assert.Equal(t, "Recovered answer.", resp["report"])
	assert.Equal(t, 2, app.Provider.CallCount())

	session := app.GetSession(t, resp["sessionId"].(string), http.StatusOK)
	assert.Equal(t, "completed", session["status"])
}
