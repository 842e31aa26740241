package e2e

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/fathomlabs/fathom/pkg/models"
)

// ────────────────────────────────────────────────────────────
// Scripted LLM provider (OpenAI-compatible /chat/completions)
// ────────────────────────────────────────────────────────────

// defaultTokens is the usage reported when an entry does not set its own.
var defaultTokens = models.TokenUsage{Input: 80, Output: 40, Total: 120}

// ProviderScriptEntry defines a single scripted completion response.
type ProviderScriptEntry struct {
	// Response content (Text for 200s; Status+Message for provider errors)
	Text    string
	Tokens  models.TokenUsage // zero value → defaultTokens
	Status  int               // non-zero → respond with this HTTP status
	Message string            // provider error message for Status responses

	// Test control
	Delay               time.Duration   // hold the response this long (or until the caller goes away)
	BlockUntilCancelled bool            // block until the request context is cancelled, then drop the connection
	OnBlock             chan<- struct{} // notified when the entry starts blocking (Delay or BlockUntilCancelled)
	OnCancel            chan<- struct{} // notified when a blocked entry sees the request context die
}

// ProviderCall is one captured completion request.
type ProviderCall struct {
	Model    string
	System   string
	User     string
	JSONMode bool
}

// ScriptedProvider is an in-process chat completion server consumed by the
// real llm.Client. Entries are served in order; the pipelines call the
// provider in a deterministic sequence, so sequential dispatch is enough.
type ScriptedProvider struct {
	mu      sync.Mutex
	entries []ProviderScriptEntry
	index   int
	calls   []ProviderCall

	srv *httptest.Server
}

// NewScriptedProvider starts the provider server. Shutdown is registered
// via t.Cleanup.
func NewScriptedProvider(t *testing.T) *ScriptedProvider {
	t.Helper()
	p := &ScriptedProvider{}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /chat/completions", p.handleChatCompletions)
	p.srv = httptest.NewServer(mux)
	t.Cleanup(p.srv.Close)
	return p
}

// URL returns the provider base URL for llm.Config.
func (p *ScriptedProvider) URL() string {
	return p.srv.URL
}

// Add appends a script entry.
func (p *ScriptedProvider) Add(entry ProviderScriptEntry) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries = append(p.entries, entry)
}

// AddText appends a plain completion with default token usage.
func (p *ScriptedProvider) AddText(text string) {
	p.Add(ProviderScriptEntry{Text: text})
}

// CallCount returns the number of completion requests received.
func (p *ScriptedProvider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

// Calls returns a copy of the captured completion requests.
func (p *ScriptedProvider) Calls() []ProviderCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]ProviderCall(nil), p.calls...)
}

// Wire shapes of the chat completion protocol, as the client sends them.

type wireChatRequest struct {
	Model    string `json:"model"`
	Messages []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
	ResponseFormat *struct {
		Type string `json:"type"`
	} `json:"response_format"`
}

func (p *ScriptedProvider) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	var req wireChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		providerError(w, http.StatusBadRequest, "scripted provider: bad request body: "+err.Error())
		return
	}

	call := ProviderCall{Model: req.Model, JSONMode: req.ResponseFormat != nil && req.ResponseFormat.Type == "json_object"}
	for _, msg := range req.Messages {
		switch msg.Role {
		case "system":
			call.System = msg.Content
		case "user":
			call.User = msg.Content
		}
	}

	p.mu.Lock()
	p.calls = append(p.calls, call)
	var entry *ProviderScriptEntry
	if p.index < len(p.entries) {
		entry = &p.entries[p.index]
		p.index++
	}
	p.mu.Unlock()

	if entry == nil {
		// 400 is non-retryable for the client, so an exhausted script fails
		// the test immediately instead of burning through retry backoff.
		providerError(w, http.StatusBadRequest, "scripted provider: script exhausted")
		return
	}

	if entry.BlockUntilCancelled {
		if entry.OnBlock != nil {
			entry.OnBlock <- struct{}{}
		}
		<-r.Context().Done()
		if entry.OnCancel != nil {
			entry.OnCancel <- struct{}{}
		}
		return
	}

	if entry.Delay > 0 {
		if entry.OnBlock != nil {
			entry.OnBlock <- struct{}{}
		}
		select {
		case <-time.After(entry.Delay):
		case <-r.Context().Done():
			return
		}
	}

	if entry.Status != 0 {
		providerError(w, entry.Status, entry.Message)
		return
	}

	tokens := entry.Tokens
	if tokens == (models.TokenUsage{}) {
		tokens = defaultTokens
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"choices": []map[string]any{
			{"message": map[string]any{"role": "assistant", "content": entry.Text}},
		},
		"usage": map[string]any{
			"prompt_tokens":     tokens.Input,
			"completion_tokens": tokens.Output,
			"total_tokens":      tokens.Total,
		},
	})
}

func providerError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{"message": message},
	})
}

// ────────────────────────────────────────────────────────────
// Scripted search provider (Tavily-compatible /search)
// ────────────────────────────────────────────────────────────

// SearchCall is one captured search request.
type SearchCall struct {
	Query      string
	Depth      string
	MaxResults int
}

// ScriptedSearch is an in-process search server consumed by the real
// search.Client. Results are routed by query string because deep mode
// fans out concurrent searches whose arrival order is non-deterministic.
type ScriptedSearch struct {
	mu       sync.Mutex
	byQuery  map[string][]models.Source
	defaults []models.Source
	calls    []SearchCall

	srv *httptest.Server
}

// NewScriptedSearch starts the search server. Shutdown is registered via
// t.Cleanup.
func NewScriptedSearch(t *testing.T) *ScriptedSearch {
	t.Helper()
	s := &ScriptedSearch{byQuery: make(map[string][]models.Source)}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /search", s.handleSearch)
	s.srv = httptest.NewServer(mux)
	t.Cleanup(s.srv.Close)
	return s
}

// URL returns the search base URL for search.Config.
func (s *ScriptedSearch) URL() string {
	return s.srv.URL
}

// SetDefault sets the results returned for queries with no specific script.
func (s *ScriptedSearch) SetDefault(sources ...models.Source) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.defaults = sources
}

// SetResults sets the results for one exact query string.
func (s *ScriptedSearch) SetResults(query string, sources ...models.Source) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byQuery[query] = sources
}

// CallCount returns the number of search requests received.
func (s *ScriptedSearch) CallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

// Calls returns a copy of the captured search requests.
func (s *ScriptedSearch) Calls() []SearchCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]SearchCall(nil), s.calls...)
}

func (s *ScriptedSearch) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Query       string `json:"query"`
		MaxResults  int    `json:"max_results"`
		SearchDepth string `json:"search_depth"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	s.calls = append(s.calls, SearchCall{Query: req.Query, Depth: req.SearchDepth, MaxResults: req.MaxResults})
	sources, ok := s.byQuery[req.Query]
	if !ok {
		sources = s.defaults
	}
	s.mu.Unlock()

	results := make([]map[string]any, 0, len(sources))
	for _, src := range sources {
		results = append(results, map[string]any{
			"title":   src.Title,
			"url":     src.URL,
			"content": src.Snippet,
			"score":   src.Score,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"results": results})
}
