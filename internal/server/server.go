package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/praxis-crm/syncbridge/internal/auth"
	"github.com/praxis-crm/syncbridge/internal/model"
	"github.com/praxis-crm/syncbridge/internal/orchestrator"
	"github.com/praxis-crm/syncbridge/internal/ratelimit"
	recsync "github.com/praxis-crm/syncbridge/internal/sync"
)

// BackfillRunner runs one backfill chunk.
type BackfillRunner interface {
	Run(ctx context.Context, autoContinue bool) (*orchestrator.BackfillResult, error)
}

// BidirectionalRunner runs one bounded bidirectional pass.
type BidirectionalRunner interface {
	Run(ctx context.Context, params orchestrator.BidirectionalParams) (*orchestrator.BidirectionalResult, error)
}

// IDRepairRunner runs one id-repair chunk.
type IDRepairRunner interface {
	Run(ctx context.Context) (*orchestrator.IDRepairResult, error)
}

// DiagnosticRunner runs one diagnostic scan window.
type DiagnosticRunner interface {
	Run(ctx context.Context, params orchestrator.DiagnosticParams) (*orchestrator.DiagnosticResult, error)
}

// ConflictResolver settles a pending conflict with a human decision.
type ConflictResolver interface {
	Resolve(ctx context.Context, id uuid.UUID, choice recsync.Choice, custom *model.FieldValue) (*model.ConflictRow, error)
}

// ConflictStore is the read slice of the conflict ledger the list endpoint
// uses. storage.DB satisfies it.
type ConflictStore interface {
	ListConflicts(ctx context.Context, status string, limit int) ([]model.ConflictRow, error)
}

// Pinger reports database connectivity for the health endpoint.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server is the syncbridge HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds all dependencies and configuration for creating a Server.
type ServerConfig struct {
	// Required dependencies.
	DB        Pinger
	States    orchestrator.StateStore
	Conflicts ConflictStore
	Auth      *auth.Authenticator
	JWTMgr    *auth.JWTManager
	Logger    *slog.Logger

	// Orchestrators.
	Backfill      BackfillRunner
	Bidirectional BidirectionalRunner
	IDRepair      IDRepairRunner
	Diagnostic    DiagnosticRunner
	Resolver      ConflictResolver

	// Optional: live MailerLite rate-limit view for the status endpoint.
	Bucket *ratelimit.Bucket

	// Defaults applied when a bidirectional request omits its budgets.
	SyncMaxRecords  int
	SyncMaxDuration time.Duration

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := &handlers{
		db:                  cfg.DB,
		states:              cfg.States,
		conflicts:           cfg.Conflicts,
		jwtMgr:              cfg.JWTMgr,
		authn:               cfg.Auth,
		backfill:            cfg.Backfill,
		bidirectional:       cfg.Bidirectional,
		idRepair:            cfg.IDRepair,
		diagnostic:          cfg.Diagnostic,
		resolver:            cfg.Resolver,
		bucket:              cfg.Bucket,
		syncMaxRecords:      cfg.SyncMaxRecords,
		syncMaxDuration:     cfg.SyncMaxDuration,
		logger:              cfg.Logger,
		startedAt:           time.Now(),
		version:             cfg.Version,
		maxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	}

	mux := http.NewServeMux()

	// Token exchange (no auth required).
	mux.HandleFunc("POST /auth/token", h.handleAuthToken)

	// Orchestrator controls (admin-only; the service role passes too).
	adminOnly := requireRole(model.RoleAdmin)
	mux.Handle("POST /v1/sync/backfill", adminOnly(http.HandlerFunc(h.handleBackfill)))
	mux.Handle("POST /v1/sync/bidirectional", adminOnly(http.HandlerFunc(h.handleBidirectional)))
	mux.Handle("POST /v1/sync/id-repair", adminOnly(http.HandlerFunc(h.handleIDRepair)))
	mux.Handle("POST /v1/sync/diagnostic", adminOnly(http.HandlerFunc(h.handleDiagnostic)))
	mux.Handle("POST /v1/sync/pause", adminOnly(http.HandlerFunc(h.handlePause)))
	mux.Handle("POST /v1/sync/resume", adminOnly(http.HandlerFunc(h.handleResume)))

	// Read surface (operator+).
	readOnly := requireRole(model.RoleOperator)
	mux.Handle("GET /v1/sync/status", readOnly(http.HandlerFunc(h.handleSyncStatus)))
	mux.Handle("GET /v1/conflicts", readOnly(http.HandlerFunc(h.handleListConflicts)))

	// Conflict resolution mutates both stores (admin-only).
	mux.Handle("POST /v1/conflicts/{conflict_id}/resolve", adminOnly(http.HandlerFunc(h.handleResolveConflict)))

	// Health (no auth).
	mux.HandleFunc("GET /health", h.handleHealth)

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → auth → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = authMiddleware(cfg.Auth, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler: handler,
		logger:  cfg.Logger,
	}
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
