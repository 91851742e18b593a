package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/glassline-ai/mcpscope/internal/config"
	"github.com/glassline-ai/mcpscope/internal/history"
	"github.com/glassline-ai/mcpscope/internal/hub"
	"github.com/glassline-ai/mcpscope/internal/llm"
	"github.com/glassline-ai/mcpscope/internal/mcpclient"
	"github.com/glassline-ai/mcpscope/internal/mcpdemo"
	"github.com/glassline-ai/mcpscope/internal/ratelimit"
	"github.com/glassline-ai/mcpscope/internal/server"
	"github.com/glassline-ai/mcpscope/internal/telemetry"
	"github.com/glassline-ai/mcpscope/internal/workflow"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context) error {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	}))
	slog.SetDefault(logger)

	slog.Info("mcpscope starting", "version", version, "port", cfg.Port, "log_level", cfg.LogLevel)

	// Initialize OpenTelemetry.
	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	// Create the event hub. One hub per process run; every workflow event
	// flows through it.
	eventHub := hub.New(cfg.EventBufferCapacity, logger)
	eventHub.RegisterMetrics()
	logger.Info("hub: session started",
		"session_id", eventHub.SessionID(), "capacity", eventHub.Capacity())

	// Create the MCP client: an embedded demo server by default, or a
	// streamable HTTP connection to an external server.
	var proto *mcpclient.Client
	switch cfg.MCPMode {
	case config.MCPModeInProcess:
		demo := mcpdemo.New(version, logger)
		proto, err = mcpclient.NewInProcess(demo.MCPServer(), version, logger)
		if err != nil {
			return fmt.Errorf("mcp client: %w", err)
		}
		logger.Info("mcp: in-process demo server")
	case config.MCPModeHTTP:
		proto, err = mcpclient.NewStreamableHTTP(cfg.MCPEndpoint, version, logger)
		if err != nil {
			return fmt.Errorf("mcp client: %w", err)
		}
		logger.Info("mcp: streamable http", "endpoint", cfg.MCPEndpoint)
	}
	defer func() { _ = proto.Close() }()

	// Create the inference client.
	llmClient := llm.New(llm.Config{
		APIKey:    cfg.AnthropicAPIKey,
		Model:     cfg.AnthropicModel,
		MaxTokens: cfg.MaxTokens,
		BaseURL:   cfg.AnthropicBaseURL,
		Timeout:   cfg.LLMTimeout,
	}, logger)

	// Open run history (empty path disables persistence).
	store, err := history.Open(cfg.HistoryPath)
	if err != nil {
		return fmt.Errorf("history: %w", err)
	}
	defer func() { _ = store.Close() }()
	if store != nil {
		logger.Info("history: enabled", "path", cfg.HistoryPath)
	} else {
		logger.Info("history: disabled")
	}

	// Create the workflow orchestrator.
	orch := workflow.New(eventHub, llmClient, proto, logger,
		workflow.WithToolParallelism(cfg.ToolParallelism))

	// Create rate limiter for workflow triggers.
	var limiter ratelimit.Limiter
	if cfg.RateLimitRPS > 0 {
		limiter = ratelimit.NewClientLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
		defer func() { _ = limiter.Close() }()
		logger.Info("rate limiting: in-process per client IP",
			"rps", cfg.RateLimitRPS, "burst", cfg.RateLimitBurst)
	} else {
		limiter = ratelimit.NoopLimiter{}
		logger.Info("rate limiting: disabled")
	}

	// Create and start HTTP server.
	srv := server.New(server.ServerConfig{
		Hub:                 eventHub,
		Runner:              orch,
		Store:               store,
		Limiter:             limiter,
		Logger:              logger,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		HeartbeatInterval:   cfg.HeartbeatInterval,
		StreamChannelBuffer: cfg.StreamChannelBuffer,
		WorkflowTimeout:     cfg.WorkflowTimeout,
	})

	// Start HTTP server in background.
	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Wait for shutdown signal or server error.
	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	// Graceful shutdown. Each phase gets its own timeout so early completion
	// doesn't steal budget from later phases. Order: (1) stop accepting new
	// HTTP requests and drain in-flight runs, (2) close the run store,
	// (3) flush telemetry (deferred).
	slog.Info("mcpscope shutting down")

	httpCtx, httpCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := srv.Shutdown(httpCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}
	httpCancel()

	return nil
}
