package model

import (
	"fmt"
	"time"
)

// MaxUserMessageLen bounds the workflow user message. Oversized messages
// would blow the inference context and the event buffer for no benefit.
const MaxUserMessageLen = 16 * 1024 // 16 KB

// WorkflowRequest is the request body for POST /api/workflow.
type WorkflowRequest struct {
	Message string `json:"message"`
	// APIKey optionally overrides the configured inference API key
	// for this run only. Never persisted, never echoed back.
	APIKey string `json:"api_key,omitempty"`
}

// Validate checks the workflow request fields.
func (r WorkflowRequest) Validate() error {
	if r.Message == "" {
		return fmt.Errorf("message is required")
	}
	if len(r.Message) > MaxUserMessageLen {
		return fmt.Errorf("message exceeds maximum length of %d bytes", MaxUserMessageLen)
	}
	return nil
}

// PhaseTimings holds per-phase wall-clock durations in milliseconds.
// Phases never entered report zero.
type PhaseTimings struct {
	Initialization int64 `json:"initialization"`
	Discovery      int64 `json:"discovery"`
	Selection      int64 `json:"selection"`
	Execution      int64 `json:"execution"`
	Synthesis      int64 `json:"synthesis"`
}

// Get returns the timing for a phase.
func (t PhaseTimings) Get(p Phase) int64 {
	switch p {
	case PhaseInitialization:
		return t.Initialization
	case PhaseDiscovery:
		return t.Discovery
	case PhaseSelection:
		return t.Selection
	case PhaseExecution:
		return t.Execution
	case PhaseSynthesis:
		return t.Synthesis
	}
	return 0
}

// Set records the timing for a phase.
func (t *PhaseTimings) Set(p Phase, ms int64) {
	switch p {
	case PhaseInitialization:
		t.Initialization = ms
	case PhaseDiscovery:
		t.Discovery = ms
	case PhaseSelection:
		t.Selection = ms
	case PhaseExecution:
		t.Execution = ms
	case PhaseSynthesis:
		t.Synthesis = ms
	}
}

// WorkflowMetadata is the metadata block of a workflow result.
type WorkflowMetadata struct {
	// ToolsUsed lists tool names in first-invocation order, regardless of
	// per-call outcome.
	ToolsUsed    []string     `json:"tools_used"`
	TotalTimeMs  int64        `json:"total_time_ms"`
	PhaseTimings PhaseTimings `json:"phase_timings"`
}

// WorkflowResult is the structured outcome of one workflow run.
// On failure FinalResponse is empty, Success is false, and Error carries a
// human-readable cause.
type WorkflowResult struct {
	FinalResponse string           `json:"final_response"`
	Success       bool             `json:"success"`
	Error         string           `json:"error,omitempty"`
	Metadata      WorkflowMetadata `json:"metadata"`
}

// Tool is one entry of the discovered tool catalog, in the shape both the
// protocol layer and the inference layer consume.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

// ToolResult is the outcome of a single tool invocation. IsError marks
// per-call failures that are forwarded to synthesis as data rather than
// failing the run.
type ToolResult struct {
	ToolName string `json:"tool_name"`
	// CallID ties the result back to the inference turn that requested it.
	CallID  string `json:"call_id"`
	Content string `json:"content"`
	IsError bool   `json:"is_error"`
}

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeInternalError = "INTERNAL_ERROR"
	ErrCodeRateLimited   = "RATE_LIMITED"
)
