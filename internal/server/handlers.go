package server

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/glassline-ai/mcpscope/internal/history"
	"github.com/glassline-ai/mcpscope/internal/hub"
	"github.com/glassline-ai/mcpscope/internal/model"
)

// WorkflowRunner executes one workflow run end to end. Satisfied by
// *workflow.Orchestrator; tests substitute fakes.
type WorkflowRunner interface {
	Execute(ctx context.Context, userMessage, apiKeyOverride string) *model.WorkflowResult
}

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	hub                 *hub.Hub
	runner              WorkflowRunner
	store               *history.Store
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	maxRequestBodyBytes int64
	workflowTimeout     time.Duration
	heartbeatInterval   time.Duration
	streamChannelBuffer int
}

// HandlersDeps holds all dependencies for constructing Handlers.
// Store may be nil (history disabled).
type HandlersDeps struct {
	Hub                 *hub.Hub
	Runner              WorkflowRunner
	Store               *history.Store
	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
	WorkflowTimeout     time.Duration
	HeartbeatInterval   time.Duration
	StreamChannelBuffer int
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	h := &Handlers{
		hub:                 d.Hub,
		runner:              d.Runner,
		store:               d.Store,
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
		workflowTimeout:     d.WorkflowTimeout,
		heartbeatInterval:   d.HeartbeatInterval,
		streamChannelBuffer: d.StreamChannelBuffer,
	}
	if h.heartbeatInterval <= 0 {
		h.heartbeatInterval = 30 * time.Second
	}
	if h.streamChannelBuffer <= 0 {
		h.streamChannelBuffer = 256
	}
	return h
}

// workflowResponse wraps a workflow result with the persisted run ID.
// run_id is omitted when history is disabled (Save returned uuid.Nil).
type workflowResponse struct {
	RunID uuid.UUID `json:"run_id,omitzero"`
	*model.WorkflowResult
}

// HandleWorkflow handles POST /api/workflow.
func (h *Handlers) HandleWorkflow(w http.ResponseWriter, r *http.Request) {
	var req model.WorkflowRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	ctx := r.Context()
	if h.workflowTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.workflowTimeout)
		defer cancel()
	}

	result := h.runner.Execute(ctx, req.Message, req.APIKey)

	// History is best-effort: a failed save is logged, never surfaced.
	// Use a fresh context so a cancelled request still records its run.
	saveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	runID, err := h.store.Save(saveCtx, req.Message, result)
	if err != nil {
		h.logger.Error("history: failed to save run", "error", err)
	}

	writeJSON(w, r, http.StatusOK, workflowResponse{RunID: runID, WorkflowResult: result})
}

// HandleEventBuffer handles GET /api/events/buffer: a JSON snapshot of the
// replay buffer for consumers that do not hold an event stream open.
func (h *Handlers) HandleEventBuffer(w http.ResponseWriter, r *http.Request) {
	events := h.hub.Snapshot()
	writeJSON(w, r, http.StatusOK, map[string]any{
		"session_id": h.hub.SessionID(),
		"count":      len(events),
		"events":     events,
	})
}

// HandleListRuns handles GET /api/runs.
func (h *Handlers) HandleListRuns(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "run history is disabled")
		return
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 500 {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "limit must be in 1..500")
			return
		}
		limit = n
	}

	runs, err := h.store.List(r.Context(), limit)
	if err != nil {
		h.logger.Error("history: failed to list runs", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to list runs")
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"runs": runs, "count": len(runs)})
}

// HandleGetRun handles GET /api/runs/{run_id}.
func (h *Handlers) HandleGetRun(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "run history is disabled")
		return
	}

	id, err := uuid.Parse(r.PathValue("run_id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid run id")
		return
	}

	run, err := h.store.Get(r.Context(), id)
	if errors.Is(err, sql.ErrNoRows) {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "run not found")
		return
	}
	if err != nil {
		h.logger.Error("history: failed to get run", "error", err, "run_id", id)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to get run")
		return
	}
	writeJSON(w, r, http.StatusOK, run)
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	// Buffer health: >50% capacity = high, >75% capacity = critical.
	bufDepth := h.hub.Len()
	bufStatus := "ok"
	capacity := h.hub.Capacity()
	if bufDepth > capacity*3/4 {
		bufStatus = "critical"
		status = "degraded"
	} else if bufDepth > capacity/2 {
		bufStatus = "high"
	}

	writeJSON(w, r, http.StatusOK, map[string]any{
		"status":         status,
		"version":        h.version,
		"session_id":     h.hub.SessionID(),
		"buffer_depth":   bufDepth,
		"buffer_status":  bufStatus,
		"subscribers":    h.hub.Subscribers(),
		"history":        h.store != nil,
		"uptime_seconds": int64(time.Since(h.startedAt).Seconds()),
	})
}
