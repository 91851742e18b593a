// Package config loads and validates application configuration from environment variables.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// MCP transport modes.
const (
	MCPModeInProcess = "inprocess"
	MCPModeHTTP      = "http"
)

// Config holds all application configuration.
type Config struct {
	// Server settings.
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Event hub settings.
	EventBufferCapacity int
	// HeartbeatInterval is the idle keep-alive cadence on event streams.
	HeartbeatInterval time.Duration
	// StreamChannelBuffer is the per-subscriber delivery queue depth; a
	// subscriber that falls this far behind is disconnected.
	StreamChannelBuffer int

	// Inference settings.
	AnthropicAPIKey  string
	AnthropicModel   string
	AnthropicBaseURL string
	MaxTokens        int
	LLMTimeout       time.Duration

	// MCP settings. Mode is "inprocess" (embedded demo server) or "http"
	// (streamable HTTP client against Endpoint).
	MCPMode     string
	MCPEndpoint string

	// Workflow settings.
	ToolParallelism int
	WorkflowTimeout time.Duration

	// History settings. Empty path disables run persistence.
	HistoryPath string

	// Rate limit settings for POST /api/workflow, per client IP.
	RateLimitRPS   float64
	RateLimitBurst int

	// OTEL settings.
	OTELEndpoint string
	OTELInsecure bool
	ServiceName  string

	// Operational settings.
	LogLevel            string
	MaxRequestBodyBytes int64
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (Config, error) {
	cfg := Config{
		Port:                envInt("MCPSCOPE_PORT", 8080),
		ReadTimeout:         envDuration("MCPSCOPE_READ_TIMEOUT", 30*time.Second),
		WriteTimeout:        envDuration("MCPSCOPE_WRITE_TIMEOUT", 30*time.Second),
		EventBufferCapacity: envInt("MCPSCOPE_EVENT_BUFFER_CAPACITY", 1000),
		HeartbeatInterval:   envDuration("MCPSCOPE_HEARTBEAT_INTERVAL", 30*time.Second),
		StreamChannelBuffer: envInt("MCPSCOPE_STREAM_CHANNEL_BUFFER", 256),
		AnthropicAPIKey:     envStr("ANTHROPIC_API_KEY", ""),
		AnthropicModel:      envStr("MCPSCOPE_MODEL", "claude-sonnet-4-20250514"),
		AnthropicBaseURL:    envStr("MCPSCOPE_ANTHROPIC_BASE_URL", "https://api.anthropic.com"),
		MaxTokens:           envInt("MCPSCOPE_MAX_TOKENS", 4096),
		LLMTimeout:          envDuration("MCPSCOPE_LLM_TIMEOUT", 60*time.Second),
		MCPMode:             envStr("MCPSCOPE_MCP_MODE", MCPModeInProcess),
		MCPEndpoint:         envStr("MCPSCOPE_MCP_ENDPOINT", ""),
		ToolParallelism:     envInt("MCPSCOPE_TOOL_PARALLELISM", 4),
		WorkflowTimeout:     envDuration("MCPSCOPE_WORKFLOW_TIMEOUT", 5*time.Minute),
		HistoryPath:         envStrAllowEmpty("MCPSCOPE_HISTORY_PATH", "mcpscope.db"),
		RateLimitRPS:        envFloat("MCPSCOPE_RATE_LIMIT_RPS", 1),
		RateLimitBurst:      envInt("MCPSCOPE_RATE_LIMIT_BURST", 5),
		OTELEndpoint:        envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		OTELInsecure:        envBool("OTEL_EXPORTER_OTLP_INSECURE", false),
		ServiceName:         envStr("OTEL_SERVICE_NAME", "mcpscope"),
		LogLevel:            envStr("MCPSCOPE_LOG_LEVEL", "info"),
		MaxRequestBodyBytes: int64(envInt("MCPSCOPE_MAX_REQUEST_BODY_BYTES", 64*1024)),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// SlogLevel maps LogLevel to a slog level. Unknown values fall back to info.
func (c Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Validate checks that required configuration is present and coherent.
func (c Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("config: MCPSCOPE_PORT must be in 1..65535")
	}
	if c.EventBufferCapacity <= 0 {
		return fmt.Errorf("config: MCPSCOPE_EVENT_BUFFER_CAPACITY must be positive")
	}
	if c.StreamChannelBuffer <= 0 {
		return fmt.Errorf("config: MCPSCOPE_STREAM_CHANNEL_BUFFER must be positive")
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("config: MCPSCOPE_HEARTBEAT_INTERVAL must be positive")
	}
	if c.MaxTokens <= 0 {
		return fmt.Errorf("config: MCPSCOPE_MAX_TOKENS must be positive")
	}
	switch c.MCPMode {
	case MCPModeInProcess:
	case MCPModeHTTP:
		if c.MCPEndpoint == "" {
			return fmt.Errorf("config: MCPSCOPE_MCP_ENDPOINT is required when MCPSCOPE_MCP_MODE=http")
		}
	default:
		return fmt.Errorf("config: MCPSCOPE_MCP_MODE must be %q or %q", MCPModeInProcess, MCPModeHTTP)
	}
	if c.ToolParallelism <= 0 {
		return fmt.Errorf("config: MCPSCOPE_TOOL_PARALLELISM must be positive")
	}
	if c.MaxRequestBodyBytes <= 0 {
		return fmt.Errorf("config: MCPSCOPE_MAX_REQUEST_BODY_BYTES must be positive")
	}
	return nil
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

// envStrAllowEmpty distinguishes "unset" from "set to empty", so an empty
// value can act as an explicit off switch.
func envStrAllowEmpty(key, defaultVal string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func envBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}

func envFloat(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
