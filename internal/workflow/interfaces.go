package workflow

import (
	"context"
	"encoding/json"

	"github.com/glassline-ai/mcpscope/internal/model"
)

// ToolCall is one tool invocation requested by the planning inference,
// in the order the model returned it.
type ToolCall struct {
	ID    string         `json:"id"`
	Name  string         `json:"name"`
	Input map[string]any `json:"input"`
}

// PlanningRequest is the input to the first inference.
type PlanningRequest struct {
	UserMessage string
	Tools       []model.Tool
	// APIKey optionally overrides the client's configured key for this call.
	APIKey string
}

// PlanningResult is the outcome of the first inference.
type PlanningResult struct {
	ToolCalls  []ToolCall
	Text       string
	StopReason string
	Usage      model.Usage
	// RawContent is the assistant turn's content blocks, replayed verbatim
	// into the synthesis conversation.
	RawContent json.RawMessage
}

// SynthesisRequest is the input to the second inference.
type SynthesisRequest struct {
	UserMessage     string
	PlanningContent json.RawMessage
	ToolResults     []model.ToolResult
	Tools           []model.Tool
	APIKey          string
}

// SynthesisResult is the outcome of the second inference.
type SynthesisResult struct {
	Text       string
	StopReason string
	Usage      model.Usage
}

// LLMClient is the inference collaborator. Implementations must be safe for
// concurrent use; the orchestrator calls it once per phase, but independent
// runs may overlap.
type LLMClient interface {
	Planning(ctx context.Context, req PlanningRequest) (*PlanningResult, error)
	Synthesis(ctx context.Context, req SynthesisRequest) (*SynthesisResult, error)
}

// ProtocolClient is the MCP collaborator the workflow initializes, discovers
// tools from, and invokes tools against.
type ProtocolClient interface {
	Connect(ctx context.Context) error
	IsConnected() bool
	ListTools(ctx context.Context) ([]model.Tool, error)
	// CallTool returns a ToolResult even for tool-level failures (IsError
	// set); a non-nil error means the call itself could not be made.
	CallTool(ctx context.Context, name string, args map[string]any) (*model.ToolResult, error)
}
