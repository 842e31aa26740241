// Package e2e provides end-to-end test infrastructure for the research
// service: a full HTTP server over a migrated test database, with the
// LLM and search providers replaced by scripted in-process servers.
package e2e

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fathomlabs/fathom/pkg/api"
	"github.com/fathomlabs/fathom/pkg/cache"
	"github.com/fathomlabs/fathom/pkg/database"
	"github.com/fathomlabs/fathom/pkg/jobs"
	"github.com/fathomlabs/fathom/pkg/llm"
	"github.com/fathomlabs/fathom/pkg/orchestrator"
	"github.com/fathomlabs/fathom/pkg/search"
	testdb "github.com/fathomlabs/fathom/test/database"
)

// Model names the test provider reports back in captured calls.
const (
	testModelEconomy = "eco-model"
	testModelDeep    = "deep-model"
)

// TestApp boots a complete research service instance for e2e testing.
type TestApp struct {
	// Real infrastructure
	DBClient *database.Client
	Store    *database.Store
	Cache    *cache.Cache
	Registry *jobs.Registry
	Server   *api.Server

	// Scripted providers
	Provider *ScriptedProvider
	Search   *ScriptedSearch

	// Runtime
	BaseURL string // e.g. "http://127.0.0.1:54321"

	t *testing.T
}

// testAppConfig holds options accumulated before creating the TestApp.
type testAppConfig struct {
	heartbeatInterval time.Duration
	searchConfigured  bool
}

// TestAppOption configures the test app.
type TestAppOption func(*testAppConfig)

// WithHeartbeatInterval shortens the SSE heartbeat cadence so tests can
// observe ping frames without waiting out the production interval.
func WithHeartbeatInterval(d time.Duration) TestAppOption {
	return func(c *testAppConfig) { c.heartbeatInterval = d }
}

// WithoutSearch builds the search client with no API key, exercising the
// degraded path where source discovery always yields zero sources.
func WithoutSearch() TestAppOption {
	return func(c *testAppConfig) { c.searchConfigured = false }
}

// NewTestApp creates and starts a full research service test instance.
// Shutdown is registered via t.Cleanup automatically.
func NewTestApp(t *testing.T, opts ...TestAppOption) *TestApp {
	t.Helper()

	tc := &testAppConfig{searchConfigured: true}
	for _, opt := range opts {
		opt(tc)
	}

	// 1. Database: per-test schema, migrated, cleaned up with the test.
	dbClient := testdb.NewTestClient(t)
	store := database.NewStore(dbClient.DB())

	// 2. Scripted providers behind real HTTP servers.
	provider := NewScriptedProvider(t)
	searchMock := NewScriptedSearch(t)

	// 3. Real protocol clients pointed at the mocks.
	llmClient := llm.NewClient(llm.Config{
		APIKey:       "test-key",
		BaseURL:      provider.URL(),
		ModelEconomy: testModelEconomy,
		ModelDeep:    testModelDeep,
	})
	searchKey := ""
	if tc.searchConfigured {
		searchKey = "test-key"
	}
	searchClient := search.NewClient(search.Config{
		APIKey:  searchKey,
		BaseURL: searchMock.URL(),
	})

	// 4. Orchestrator with a fresh cache and job registry.
	resultCache := cache.New()
	registry := jobs.NewRegistry()
	orch := orchestrator.New(store, llmClient, searchClient, resultCache, registry)

	// 5. HTTP server on a random port.
	server := api.NewServer(api.ServerConfig{}, store, orch, registry)
	if tc.heartbeatInterval > 0 {
		server.SetHeartbeatInterval(tc.heartbeatInterval)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	go func() {
		_ = server.StartWithListener(ln)
	}()

	t.Cleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		// DB and provider cleanup is registered by their constructors.
	})

	return &TestApp{
		DBClient: dbClient,
		Store:    store,
		Cache:    resultCache,
		Registry: registry,
		Server:   server,
		Provider: provider,
		Search:   searchMock,
		BaseURL:  fmt.Sprintf("http://%s", ln.Addr().String()),
		t:        t,
	}
}
