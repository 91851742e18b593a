package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/glassline-ai/mcpscope/internal/history"
	"github.com/glassline-ai/mcpscope/internal/hub"
	"github.com/glassline-ai/mcpscope/internal/ratelimit"
)

// Server is the mcpscope HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds all dependencies and configuration for creating a Server.
// Optional fields (nil-safe): Store, Limiter.
type ServerConfig struct {
	// Required dependencies.
	Hub    *hub.Hub
	Runner WorkflowRunner
	Logger *slog.Logger

	// Optional dependencies (nil = disabled).
	Store   *history.Store
	Limiter ratelimit.Limiter

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64

	// Stream settings.
	HeartbeatInterval   time.Duration
	StreamChannelBuffer int

	// Workflow settings.
	WorkflowTimeout time.Duration
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		Hub:                 cfg.Hub,
		Runner:              cfg.Runner,
		Store:               cfg.Store,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		WorkflowTimeout:     cfg.WorkflowTimeout,
		HeartbeatInterval:   cfg.HeartbeatInterval,
		StreamChannelBuffer: cfg.StreamChannelBuffer,
	})

	// Request ID extractor for rate limit error responses.
	reqIDFunc := func(r *http.Request) string {
		return RequestIDFromContext(r.Context())
	}
	workflowRL := ratelimit.Middleware(cfg.Limiter, ratelimit.IPKeyFunc, reqIDFunc)

	mux := http.NewServeMux()

	// Workflow trigger (rate limited by IP — each run drives two inference
	// calls).
	mux.Handle("POST /api/workflow", workflowRL(http.HandlerFunc(h.HandleWorkflow)))

	// Event stream (no rate limit — long-lived connection).
	mux.HandleFunc("GET /api/events", h.HandleEvents)
	mux.HandleFunc("GET /api/events/buffer", h.HandleEventBuffer)

	// Run history.
	mux.HandleFunc("GET /api/runs", h.HandleListRuns)
	mux.HandleFunc("GET /api/runs/{run_id}", h.HandleGetRun)

	// Health (no rate limit).
	mux.HandleFunc("GET /health", h.HandleHealth)

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
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
		handler:  handler,
		handlers: h,
		logger:   cfg.Logger,
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
