package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/praxis-crm/syncbridge/internal/auth"
	"github.com/praxis-crm/syncbridge/internal/model"
	"github.com/praxis-crm/syncbridge/internal/orchestrator"
	"github.com/praxis-crm/syncbridge/internal/ratelimit"
	"github.com/praxis-crm/syncbridge/internal/storage"
	recsync "github.com/praxis-crm/syncbridge/internal/sync"
)

type handlers struct {
	db                  Pinger
	states              orchestrator.StateStore
	conflicts           ConflictStore
	jwtMgr              *auth.JWTManager
	authn               *auth.Authenticator
	backfill            BackfillRunner
	bidirectional       BidirectionalRunner
	idRepair            IDRepairRunner
	diagnostic          DiagnosticRunner
	resolver            ConflictResolver
	bucket              *ratelimit.Bucket
	syncMaxRecords      int
	syncMaxDuration     time.Duration
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	maxRequestBodyBytes int64
}

// handleAuthToken handles POST /auth/token: exchanges the service API key
// for a short-lived operator or admin JWT.
func (h *handlers) handleAuthToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ServiceKey string `json:"service_key"`
		UserID     string `json:"user_id"`
		Role       string `json:"role"`
	}
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.ServiceKey == "" || req.UserID == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeBadRequest, "service_key and user_id are required")
		return
	}

	role := model.Role(req.Role)
	if req.Role == "" {
		role = model.RoleOperator
	}
	// Tokens are for humans; the service role stays key-only.
	if !role.Valid() || role == model.RoleService {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeBadRequest, "role must be admin or operator")
		return
	}

	p, err := h.authn.Authenticate(req.ServiceKey)
	if err != nil || !p.Service {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid service key")
		return
	}

	token, expiresAt, err := h.jwtMgr.IssueToken(req.UserID, role)
	if err != nil {
		h.logger.Error("issue token failed", "error", err, "user_id", req.UserID)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternal, "failed to issue token")
		return
	}

	writeJSON(w, r, http.StatusOK, map[string]any{
		"token":      token,
		"expires_at": expiresAt,
		"user_id":    req.UserID,
		"role":       role,
	})
}

// handleBackfill handles POST /v1/sync/backfill: runs one backfill chunk and
// returns the resume point.
func (h *handlers) handleBackfill(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AutoContinue bool `json:"autoContinue"`
	}
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	res, err := h.backfill.Run(r.Context(), req.AutoContinue)
	if err != nil {
		h.serverError(w, r, "backfill", err)
		return
	}
	writeJSON(w, r, http.StatusOK, res)
}

// handleBidirectional handles POST /v1/sync/bidirectional.
func (h *handlers) handleBidirectional(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Direction     string `json:"direction"`
		MaxRecords    int    `json:"maxRecords"`
		MaxDurationMs int    `json:"maxDurationMs"`
		DryRun        bool   `json:"dryRun"`
		Cursor        string `json:"cursor"`
	}
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	switch model.Direction(req.Direction) {
	case model.DirectionAToB, model.DirectionBToA, model.DirectionBoth, "":
	default:
		writeError(w, r, http.StatusBadRequest, model.ErrCodeBadRequest,
			"direction must be a_to_b, b_to_a or both")
		return
	}
	if req.MaxRecords < 0 || req.MaxDurationMs < 0 {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeBadRequest, "budgets must be non-negative")
		return
	}

	params := orchestrator.BidirectionalParams{
		Direction:   model.Direction(req.Direction),
		MaxRecords:  req.MaxRecords,
		MaxDuration: time.Duration(req.MaxDurationMs) * time.Millisecond,
		DryRun:      req.DryRun,
		Cursor:      req.Cursor,
	}
	if params.MaxRecords == 0 {
		params.MaxRecords = h.syncMaxRecords
	}
	if params.MaxDuration == 0 {
		params.MaxDuration = h.syncMaxDuration
	}

	res, err := h.bidirectional.Run(r.Context(), params)
	if err != nil {
		h.serverError(w, r, "bidirectional sync", err)
		return
	}
	writeJSON(w, r, http.StatusOK, res)
}

// handleIDRepair handles POST /v1/sync/id-repair.
func (h *handlers) handleIDRepair(w http.ResponseWriter, r *http.Request) {
	res, err := h.idRepair.Run(r.Context())
	if err != nil {
		h.serverError(w, r, "id repair", err)
		return
	}
	writeJSON(w, r, http.StatusOK, res)
}

// handleDiagnostic handles POST /v1/sync/diagnostic.
func (h *handlers) handleDiagnostic(w http.ResponseWriter, r *http.Request) {
	var req struct {
		BatchSize int `json:"batchSize"`
		Offset    int `json:"offset"`
	}
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.BatchSize < 0 || req.Offset < 0 {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeBadRequest, "batchSize and offset must be non-negative")
		return
	}

	res, err := h.diagnostic.Run(r.Context(), orchestrator.DiagnosticParams{
		BatchSize: req.BatchSize,
		Offset:    req.Offset,
	})
	if err != nil {
		h.serverError(w, r, "diagnostic", err)
		return
	}
	writeJSON(w, r, http.StatusOK, res)
}

// handlePause handles POST /v1/sync/pause.
func (h *handlers) handlePause(w http.ResponseWriter, r *http.Request) {
	h.setPaused(w, r, true)
}

// handleResume handles POST /v1/sync/resume.
func (h *handlers) handleResume(w http.ResponseWriter, r *http.Request) {
	h.setPaused(w, r, false)
}

func (h *handlers) setPaused(w http.ResponseWriter, r *http.Request, paused bool) {
	var req struct {
		Component string `json:"component"`
	}
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.Component == "" {
		req.Component = orchestrator.ComponentBackfill
	}
	switch req.Component {
	case orchestrator.ComponentBackfill, orchestrator.ComponentFullSync, orchestrator.ComponentIncrementalSync:
	default:
		writeError(w, r, http.StatusBadRequest, model.ErrCodeBadRequest,
			"component must be backfill, fullSync or incrementalSync")
		return
	}

	if err := orchestrator.SetPaused(r.Context(), h.states, req.Component, paused); err != nil {
		h.serverError(w, r, "set pause flag", err)
		return
	}

	h.logger.Info("pause flag changed", "component", req.Component, "paused", paused)
	writeJSON(w, r, http.StatusOK, map[string]any{
		"component": req.Component,
		"paused":    paused,
	})
}

// handleSyncStatus handles GET /v1/sync/status: the consolidated sync_status
// document plus the current rate-limit view.
func (h *handlers) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	doc, err := orchestrator.LoadSyncStatus(r.Context(), h.states)
	if err != nil {
		h.serverError(w, r, "load sync status", err)
		return
	}

	writeJSON(w, r, http.StatusOK, map[string]any{
		"sync":      doc,
		"rateLimit": h.rateLimitView(r.Context()),
	})
}

// rateLimitView prefers the live bucket; a service running without the
// MailerLite worker set falls back to the last persisted snapshot.
func (h *handlers) rateLimitView(ctx context.Context) *model.RateLimitStatus {
	if h.bucket != nil {
		s := h.bucket.Snapshot()
		return &s
	}
	var s model.RateLimitStatus
	if err := h.states.GetState(ctx, model.KeyRateLimitStatus, &s); err != nil {
		return nil
	}
	return &s
}

// handleListConflicts handles GET /v1/conflicts?status=&limit=.
func (h *handlers) handleListConflicts(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	switch status {
	case "", model.ConflictPending, model.ConflictResolved:
	default:
		writeError(w, r, http.StatusBadRequest, model.ErrCodeBadRequest, "status must be pending or resolved")
		return
	}

	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, 500)
	}

	rows, err := h.conflicts.ListConflicts(r.Context(), status, limit)
	if err != nil {
		h.serverError(w, r, "list conflicts", err)
		return
	}
	if rows == nil {
		rows = []model.ConflictRow{}
	}
	writeJSON(w, r, http.StatusOK, map[string]any{
		"conflicts": rows,
		"count":     len(rows),
	})
}

// handleResolveConflict handles POST /v1/conflicts/{conflict_id}/resolve.
func (h *handlers) handleResolveConflict(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("conflict_id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeBadRequest, "invalid conflict id")
		return
	}

	var req struct {
		Choice string            `json:"choice"`
		Value  *model.FieldValue `json:"value,omitempty"`
	}
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	// A nil value with choice "custom" clears the field on both sides.
	row, err := h.resolver.Resolve(r.Context(), id, recsync.Choice(req.Choice), req.Value)
	switch {
	case err == nil:
	case errors.Is(err, recsync.ErrBadChoice):
		writeError(w, r, http.StatusBadRequest, model.ErrCodeBadRequest, "choice must be a, b or custom")
		return
	case errors.Is(err, recsync.ErrAlreadyResolved):
		writeError(w, r, http.StatusConflict, model.ErrCodeConflictBusy, "conflict already resolved")
		return
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "conflict not found")
		return
	default:
		h.serverError(w, r, "resolve conflict", err)
		return
	}

	writeJSON(w, r, http.StatusOK, row)
}

// handleHealth handles GET /health.
func (h *handlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	pgStatus := "connected"
	status := "healthy"
	httpStatus := http.StatusOK

	if err := h.db.Ping(r.Context()); err != nil {
		pgStatus = "disconnected"
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}

	writeJSON(w, r, httpStatus, map[string]any{
		"status":         status,
		"postgres":       pgStatus,
		"version":        h.version,
		"uptime_seconds": int(time.Since(h.startedAt).Seconds()),
	})
}

func (h *handlers) serverError(w http.ResponseWriter, r *http.Request, op string, err error) {
	h.logger.Error(op+" failed", "error", err, "request_id", RequestIDFromContext(r.Context()))
	writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternal, op+" failed")
}
