// fathom research server: accepts research queries over HTTP, runs
// LLM and web-search pipelines against them, and streams deep-mode
// progress to connected clients.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/fathomlabs/fathom/pkg/api"
	"github.com/fathomlabs/fathom/pkg/cache"
	"github.com/fathomlabs/fathom/pkg/cleanup"
	"github.com/fathomlabs/fathom/pkg/config"
	"github.com/fathomlabs/fathom/pkg/database"
	"github.com/fathomlabs/fathom/pkg/jobs"
	"github.com/fathomlabs/fathom/pkg/llm"
	"github.com/fathomlabs/fathom/pkg/orchestrator"
	"github.com/fathomlabs/fathom/pkg/search"
	"github.com/fathomlabs/fathom/pkg/version"
)

// cleanupInterval is how often in-memory state (cache, rate-limit
// windows, abandoned jobs) is swept.
const cleanupInterval = 5 * time.Minute

// httpShutdownTimeout bounds the drain of in-flight requests, including
// open streams, during shutdown.
const httpShutdownTimeout = 10 * time.Second

func main() {
	// Load .env from the working directory when present
	if err := godotenv.Load(); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment", "error", err)
	}

	// 1. Initialize configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	setupLogging(cfg)
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	slog.Info("Starting fathom",
		"version", version.Full(),
		"port", cfg.Port,
		"env", cfg.Env)

	ctx := context.Background()

	// 2. Connect to PostgreSQL and apply migrations
	dbClient, err := database.NewClient(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			slog.Error("Error closing database client", "error", err)
		}
	}()
	if hs, err := dbClient.Health(ctx); err == nil {
		slog.Info("Connected to PostgreSQL database",
			"ping_ms", hs.LatencyMs,
			"max_open_conns", hs.MaxOpenConns)
	}

	store := database.NewStore(dbClient.DB())

	// 3. Build the research collaborators
	llmClient := llm.NewClient(llm.Config{
		APIKey:       cfg.OpenAIAPIKey,
		BaseURL:      cfg.OpenAIBaseURL,
		ModelEconomy: cfg.ModelEconomy,
		ModelDeep:    cfg.ModelDeep,
	})
	if cfg.OpenAIAPIKey == "" {
		slog.Warn("OPENAI_API_KEY is not set; research runs will fail")
	}

	searchClient := search.NewClient(search.Config{
		APIKey:  cfg.TavilyAPIKey,
		BaseURL: cfg.TavilyBaseURL,
	})
	if cfg.TavilyAPIKey == "" {
		slog.Warn("TAVILY_API_KEY is not set; searches degrade to empty results")
	}

	resultCache := cache.New()
	registry := jobs.NewRegistry()
	orch := orchestrator.New(store, llmClient, searchClient, resultCache, registry)
	slog.Info("Orchestrator initialized",
		"model_economy", cfg.ModelEconomy,
		"model_deep", cfg.ModelDeep)

	// 4. Create HTTP server
	httpServer := api.NewServer(api.ServerConfig{
		Production: cfg.IsProduction(),
	}, store, orch, registry)

	// 5. Start cleanup service
	cleanupService := cleanup.NewService(cleanupInterval, resultCache, registry, httpServer.Limiters()...)
	cleanupService.Start(ctx)

	// 6. Start HTTP server (non-blocking)
	errCh := make(chan error, 1)
	go func() {
		addr := cfg.Addr()
		slog.Info("HTTP server listening", "addr", addr)
		if err := httpServer.Start(addr); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	slog.Info("fathom started successfully")

	// 7. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 8. Graceful shutdown: stop sweeps, then drain HTTP. Streaming runs
	// share their request contexts, so draining ends them too; the
	// database pool closes last via the deferred Close.
	cleanupService.Stop()

	httpShutdownCtx, cancel := context.WithTimeout(ctx, httpShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
}

// setupLogging installs the process-wide logger. Development logs at
// debug level to expose per-request lines and slow-query warnings.
func setupLogging(cfg *config.Config) {
	level := slog.LevelInfo
	if !cfg.IsProduction() {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})))
}
