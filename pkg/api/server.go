// Package api exposes the HTTP surface of the research service: request
// admission (rate limiting, validation), the research and history routes,
// and the SSE progress stream for deep sessions.
package api

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/fathomlabs/fathom/pkg/events"
	"github.com/fathomlabs/fathom/pkg/jobs"
	"github.com/fathomlabs/fathom/pkg/models"
	"github.com/fathomlabs/fathom/pkg/ratelimit"
)

// Admission limits per client IP over a one-minute sliding window.
const (
	researchRateLimit = 20 // POST /research
	historyRateLimit  = 60 // session reads, streams, history
	rateLimitWindow   = time.Minute
)

// maxBodyBytes caps request bodies at 1 MiB.
const maxBodyBytes = 1 << 20

// defaultHeartbeatInterval is how often idle SSE streams get a comment
// frame so proxies keep the connection open.
const defaultHeartbeatInterval = 15 * time.Second

// Server timeouts. WriteTimeout stays zero: SSE streams have no deadline.
const (
	readHeaderTimeout = 10 * time.Second
	idleTimeout       = 60 * time.Second
)

// Store is the persistence surface the handlers read. Implemented by
// *database.Store.
type Store interface {
	GetSessionWithReport(ctx context.Context, sessionID string) (*models.Session, *models.Report, error)
	ListPhases(ctx context.Context, sessionID string) ([]models.Phase, error)
	ListHistory(ctx context.Context, limit, offset int) ([]models.HistoryItem, error)
	CountHistory(ctx context.Context) (int, error)
	DeleteSession(ctx context.Context, sessionID string) (bool, error)
	LatestErrorMessage(ctx context.Context, sessionID string) (string, error)
	LogError(ctx context.Context, sessionID *string, message, stack string)
}

// Researcher is the orchestration surface. Implemented by
// *orchestrator.Orchestrator.
type Researcher interface {
	Lookup(query string, mode models.Mode) (models.ResearchResult, bool)
	Run(ctx context.Context, query string, mode models.Mode) (*models.ResearchResult, error)
	StartDeep(ctx context.Context, query string) (string, error)
	ExecuteDeep(ctx context.Context, job jobs.Job, progress events.ProgressFunc) (*models.ResearchResult, error)
}

// ServerConfig carries the deployment settings the HTTP layer cares about.
type ServerConfig struct {
	// Production suppresses stack traces in error logs.
	Production bool
}

// Server wires admission, routing, and streaming over the orchestrator
// and the store.
type Server struct {
	cfg        ServerConfig
	store      Store
	researcher Researcher
	registry   *jobs.Registry

	researchLimiter *ratelimit.Limiter
	historyLimiter  *ratelimit.Limiter

	heartbeatInterval time.Duration
	httpServer        *http.Server
	logger            *slog.Logger
}

// NewServer creates the HTTP server. The jobs registry must be the same
// instance the orchestrator registers deep jobs with.
func NewServer(cfg ServerConfig, store Store, researcher Researcher, registry *jobs.Registry) *Server {
	return &Server{
		cfg:               cfg,
		store:             store,
		researcher:        researcher,
		registry:          registry,
		researchLimiter:   ratelimit.New(researchRateLimit, rateLimitWindow),
		historyLimiter:    ratelimit.New(historyRateLimit, rateLimitWindow),
		heartbeatInterval: defaultHeartbeatInterval,
		logger:            slog.With("component", "api"),
	}
}

// Limiters exposes the admission limiters so the cleanup service can sweep
// idle client windows.
func (s *Server) Limiters() []*ratelimit.Limiter {
	return []*ratelimit.Limiter{s.researchLimiter, s.historyLimiter}
}

// SetHeartbeatInterval overrides the SSE heartbeat cadence (tests use a
// short interval to observe ping frames).
func (s *Server) SetHeartbeatInterval(d time.Duration) {
	s.heartbeatInterval = d
}

// Router builds the gin engine with the full middleware and route set.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(s.recovery())
	r.Use(corsAllowAll())
	r.Use(s.requestLogger())
	r.Use(bodyLimit(maxBodyBytes))

	r.GET("/health", s.handleHealth)

	r.POST("/research", s.rateLimit(s.researchLimiter), s.handleStartResearch)
	r.GET("/research/:id", s.rateLimit(s.historyLimiter), s.handleGetSession)
	r.GET("/research/:id/stream", s.rateLimit(s.historyLimiter), s.handleStreamSession)

	r.GET("/history", s.rateLimit(s.historyLimiter), s.handleListHistory)
	r.DELETE("/history/:id", s.rateLimit(s.historyLimiter), s.handleDeleteSession)

	return r
}

// corsAllowAll permits any origin. The service carries no browser
// credentials.
func corsAllowAll() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders:    []string{"Content-Type", "Cache-Control", "Last-Event-ID"},
		MaxAge:          12 * time.Hour,
	})
}

// Start listens on addr and serves until Shutdown. Blocks; returns
// http.ErrServerClosed after a graceful shutdown.
func (s *Server) Start(addr string) error {
	s.httpServer = s.newHTTPServer(addr)
	return s.httpServer.ListenAndServe()
}

// StartWithListener serves on an existing listener. Tests use this to bind
// a random free port before the server goroutine starts.
func (s *Server) StartWithListener(ln net.Listener) error {
	s.httpServer = s.newHTTPServer(ln.Addr().String())
	return s.httpServer.Serve(ln)
}

func (s *Server) newHTTPServer(addr string) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: readHeaderTimeout,
		IdleTimeout:       idleTimeout,
	}
}

// Shutdown stops accepting connections and waits for in-flight requests
// (including open streams) until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
