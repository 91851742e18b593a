// Package llm implements the inference collaborator against the Anthropic
// Messages API: a planning call that selects tools and a synthesis call that
// folds tool results into the final response.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/glassline-ai/mcpscope/internal/model"
	"github.com/glassline-ai/mcpscope/internal/workflow"
)

const (
	defaultBaseURL   = "https://api.anthropic.com"
	anthropicVersion = "2023-06-01"
	maxRetries       = 3
	initialDelay     = 1 * time.Second
)

// Client calls the Anthropic Messages API. It implements workflow.LLMClient.
type Client struct {
	apiKey    string
	model     string
	maxTokens int
	baseURL   string
	http      *http.Client
	logger    *slog.Logger
}

// Config holds Client settings. Model and MaxTokens must be set by the
// caller (internal/config supplies defaults).
type Config struct {
	APIKey    string
	Model     string
	MaxTokens int
	BaseURL   string // defaults to the public Anthropic endpoint
	Timeout   time.Duration
}

// New creates a Client.
func New(cfg Config, logger *slog.Logger) *Client {
	base := cfg.BaseURL
	if base == "" {
		base = defaultBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		apiKey:    cfg.APIKey,
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
		baseURL:   strings.TrimSuffix(base, "/") + "/v1/messages",
		http:      &http.Client{Timeout: timeout},
		logger:    logger,
	}
}

// Wire types for the Messages API.

type messagesRequest struct {
	Model     string    `json:"model"`
	MaxTokens int       `json:"max_tokens"`
	Messages  []message `json:"messages"`
	Tools     []toolDef `json:"tools,omitempty"`
}

type message struct {
	Role string `json:"role"`
	// Content is either a plain string or pre-built content blocks
	// (json.RawMessage / []toolResultBlock), marshalled as-is.
	Content any `json:"content"`
}

type toolDef struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

type toolResultBlock struct {
	Type      string `json:"type"`
	ToolUseID string `json:"tool_use_id"`
	Content   string `json:"content"`
	IsError   bool   `json:"is_error,omitempty"`
}

type messagesResponse struct {
	Content    json.RawMessage `json:"content"`
	StopReason string          `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

type contentBlock struct {
	Type  string         `json:"type"`
	Text  string         `json:"text,omitempty"`
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`
}

// Planning sends the user message plus the tool catalog and extracts the
// requested tool calls, in the order the model returned them.
func (c *Client) Planning(ctx context.Context, req workflow.PlanningRequest) (*workflow.PlanningResult, error) {
	resp, err := c.call(ctx, messagesRequest{
		Model:     c.model,
		MaxTokens: c.maxTokens,
		Messages:  []message{{Role: "user", Content: req.UserMessage}},
		Tools:     convertTools(req.Tools),
	}, req.APIKey)
	if err != nil {
		return nil, err
	}

	blocks, err := parseBlocks(resp.Content)
	if err != nil {
		return nil, err
	}

	result := &workflow.PlanningResult{
		StopReason: resp.StopReason,
		Usage:      model.Usage{InputTokens: resp.Usage.InputTokens, OutputTokens: resp.Usage.OutputTokens},
		RawContent: resp.Content,
	}
	for _, b := range blocks {
		switch b.Type {
		case "text":
			result.Text += b.Text
		case "tool_use":
			result.ToolCalls = append(result.ToolCalls, workflow.ToolCall{
				ID:    b.ID,
				Name:  b.Name,
				Input: b.Input,
			})
		}
	}
	return result, nil
}

// Synthesis replays the planning turn and the tool results and returns the
// final text response.
func (c *Client) Synthesis(ctx context.Context, req workflow.SynthesisRequest) (*workflow.SynthesisResult, error) {
	results := make([]toolResultBlock, len(req.ToolResults))
	for i, tr := range req.ToolResults {
		results[i] = toolResultBlock{
			Type:      "tool_result",
			ToolUseID: tr.CallID,
			Content:   tr.Content,
			IsError:   tr.IsError,
		}
	}

	resp, err := c.call(ctx, messagesRequest{
		Model:     c.model,
		MaxTokens: c.maxTokens,
		Messages: []message{
			{Role: "user", Content: req.UserMessage},
			{Role: "assistant", Content: req.PlanningContent},
			{Role: "user", Content: results},
		},
		Tools: convertTools(req.Tools),
	}, req.APIKey)
	if err != nil {
		return nil, err
	}

	blocks, err := parseBlocks(resp.Content)
	if err != nil {
		return nil, err
	}

	result := &workflow.SynthesisResult{
		StopReason: resp.StopReason,
		Usage:      model.Usage{InputTokens: resp.Usage.InputTokens, OutputTokens: resp.Usage.OutputTokens},
	}
	for _, b := range blocks {
		if b.Type == "text" {
			result.Text += b.Text
		}
	}
	return result, nil
}

// call performs one Messages API request with retry on 429/5xx.
// keyOverride, when non-empty, replaces the configured API key for this call.
func (c *Client) call(ctx context.Context, req messagesRequest, keyOverride string) (*messagesResponse, error) {
	key := c.apiKey
	if keyOverride != "" {
		key = keyOverride
	}
	if key == "" {
		return nil, fmt.Errorf("llm: no API key configured")
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("llm: marshal request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			delay := time.Duration(math.Pow(2, float64(attempt-1))) * initialDelay
			c.logger.Warn("llm: retrying request", "attempt", attempt, "delay", delay, "error", lastErr)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("llm: create request: %w", err)
		}
		httpReq.Header.Set("x-api-key", key)
		httpReq.Header.Set("anthropic-version", anthropicVersion)
		httpReq.Header.Set("Content-Type", "application/json")

		resp, err := c.http.Do(httpReq)
		if err != nil {
			lastErr = fmt.Errorf("llm: request failed: %w", err)
			continue
		}

		respBody, err := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("llm: read response: %w", err)
			continue
		}

		if resp.StatusCode != http.StatusOK {
			lastErr = fmt.Errorf("llm: API error (%d): %s", resp.StatusCode, truncateBody(respBody))
			if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
				continue
			}
			return nil, lastErr
		}

		var apiResp messagesResponse
		if err := json.Unmarshal(respBody, &apiResp); err != nil {
			return nil, fmt.Errorf("llm: decode response: %w", err)
		}
		return &apiResp, nil
	}

	return nil, fmt.Errorf("llm: max retries (%d) exceeded: %w", maxRetries, lastErr)
}

func parseBlocks(raw json.RawMessage) ([]contentBlock, error) {
	var blocks []contentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return nil, fmt.Errorf("llm: parse content blocks: %w", err)
	}
	if len(blocks) == 0 {
		return nil, fmt.Errorf("llm: empty response content")
	}
	return blocks, nil
}

// convertTools maps MCP tool schemas into the Messages API tool format.
func convertTools(tools []model.Tool) []toolDef {
	out := make([]toolDef, len(tools))
	for i, t := range tools {
		schema := t.InputSchema
		if schema == nil {
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		out[i] = toolDef{Name: t.Name, Description: t.Description, InputSchema: schema}
	}
	return out
}

func truncateBody(b []byte) string {
	const max = 512
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}
