package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fathomlabs/fathom/pkg/database"
	"github.com/fathomlabs/fathom/pkg/models"
)

// ────────────────────────────────────────────────────────────
// HTTP Client Helpers
// ────────────────────────────────────────────────────────────

// Research posts a research request and returns the parsed response.
// An empty mode is omitted from the request body.
func (app *TestApp) Research(t *testing.T, query, mode string, expectedStatus int) map[string]any {
	t.Helper()
	body := map[string]any{"query": query}
	if mode != "" {
		body["mode"] = mode
	}
	return app.postJSON(t, "/research", body, expectedStatus)
}

// PostResearchRaw posts a research request and returns the raw response.
// The caller owns the body. Used where status and headers vary per call,
// e.g. admission tests.
func (app *TestApp) PostResearchRaw(t *testing.T, body any) *http.Response {
	t.Helper()
	return app.postRaw(t, "/research", body)
}

// GetSession retrieves a session snapshot by ID.
func (app *TestApp) GetSession(t *testing.T, sessionID string, expectedStatus int) map[string]any {
	t.Helper()
	return app.getJSON(t, "/research/"+sessionID, expectedStatus)
}

// GetStreamJSON calls the stream endpoint expecting a plain JSON response,
// which is what completed sessions return instead of an event stream.
func (app *TestApp) GetStreamJSON(t *testing.T, sessionID string, expectedStatus int) map[string]any {
	t.Helper()
	return app.getJSON(t, "/research/"+sessionID+"/stream", expectedStatus)
}

// GetHistory calls GET /history with optional query params.
func (app *TestApp) GetHistory(t *testing.T, queryParams string, expectedStatus int) map[string]any {
	t.Helper()
	path := "/history"
	if queryParams != "" {
		path += "?" + queryParams
	}
	return app.getJSON(t, path, expectedStatus)
}

// DeleteHistory calls DELETE /history/:id.
func (app *TestApp) DeleteHistory(t *testing.T, sessionID string, expectedStatus int) map[string]any {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), http.MethodDelete, app.BaseURL+"/history/"+sessionID, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, expectedStatus, resp.StatusCode, "DELETE /history/%s: unexpected status", sessionID)
	var result map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	return result
}

// GetHealth calls GET /health.
func (app *TestApp) GetHealth(t *testing.T) map[string]any {
	t.Helper()
	return app.getJSON(t, "/health", http.StatusOK)
}

func (app *TestApp) postJSON(t *testing.T, path string, body any, expectedStatus int) map[string]any {
	t.Helper()
	resp := app.postRaw(t, path, body)
	defer func() { _ = resp.Body.Close() }()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, expectedStatus, resp.StatusCode, "POST %s: unexpected status (body: %s)", path, data)
	var result map[string]any
	require.NoError(t, json.Unmarshal(data, &result))
	return result
}

func (app *TestApp) postRaw(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, app.BaseURL+path, bytes.NewReader(data))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func (app *TestApp) getJSON(t *testing.T, path string, expectedStatus int) map[string]any {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, app.BaseURL+path, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, expectedStatus, resp.StatusCode, "GET %s: unexpected status", path)
	var result map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	return result
}

// ────────────────────────────────────────────────────────────
// DB State Helpers
// ────────────────────────────────────────────────────────────

// SessionState reads the session and its report straight from the store.
func (app *TestApp) SessionState(t *testing.T, sessionID string) (*models.Session, *models.Report) {
	t.Helper()
	sess, report, err := app.Store.GetSessionWithReport(context.Background(), sessionID)
	require.NoError(t, err)
	return sess, report
}

// SessionMissing asserts the session row no longer exists.
func (app *TestApp) SessionMissing(t *testing.T, sessionID string) {
	t.Helper()
	_, _, err := app.Store.GetSessionWithReport(context.Background(), sessionID)
	require.ErrorIs(t, err, database.ErrNotFound)
}

// CountSessions returns the number of session rows.
func (app *TestApp) CountSessions(t *testing.T) int {
	t.Helper()
	total, err := app.Store.CountHistory(context.Background())
	require.NoError(t, err)
	return total
}
