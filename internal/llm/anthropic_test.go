package llm_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glassline-ai/mcpscope/internal/llm"
	"github.com/glassline-ai/mcpscope/internal/model"
	"github.com/glassline-ai/mcpscope/internal/workflow"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newClient(t *testing.T, handler http.HandlerFunc) *llm.Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return llm.New(llm.Config{
		APIKey:    "sk-test",
		Model:     "claude-sonnet-4-20250514",
		MaxTokens: 1024,
		BaseURL:   srv.URL,
	}, testLogger())
}

func messagesResponse(content string) string {
	return `{
		"content": ` + content + `,
		"stop_reason": "tool_use",
		"usage": {"input_tokens": 42, "output_tokens": 17}
	}`
}

func TestPlanningParsesToolUseBlocks(t *testing.T) {
	var gotReq map[string]any
	client := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "sk-test", r.Header.Get("x-api-key"))
		assert.Equal(t, "2023-06-01", r.Header.Get("anthropic-version"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &gotReq))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(messagesResponse(`[
			{"type": "text", "text": "I'll look that up."},
			{"type": "tool_use", "id": "toolu_01", "name": "search_documentation",
			 "input": {"query": "bucket naming"}}
		]`)))
	})

	res, err := client.Planning(context.Background(), workflow.PlanningRequest{
		UserMessage: "What are the S3 bucket naming rules?",
		Tools: []model.Tool{{
			Name:        "search_documentation",
			Description: "Search the docs",
			InputSchema: map[string]any{"type": "object"},
		}},
	})
	require.NoError(t, err)

	assert.Equal(t, "I'll look that up.", res.Text)
	assert.Equal(t, "tool_use", res.StopReason)
	assert.Equal(t, model.Usage{InputTokens: 42, OutputTokens: 17}, res.Usage)
	require.Len(t, res.ToolCalls, 1)
	assert.Equal(t, "toolu_01", res.ToolCalls[0].ID)
	assert.Equal(t, "search_documentation", res.ToolCalls[0].Name)
	assert.Equal(t, "bucket naming", res.ToolCalls[0].Input["query"])
	assert.NotEmpty(t, res.RawContent)

	// The request carried the tool catalog.
	tools, ok := gotReq["tools"].([]any)
	require.True(t, ok)
	require.Len(t, tools, 1)
	tool := tools[0].(map[string]any)
	assert.Equal(t, "search_documentation", tool["name"])
	assert.Contains(t, tool, "input_schema")
}

func TestPlanningWithoutToolUseReturnsTextOnly(t *testing.T) {
	client := newClient(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{
			"content": [{"type": "text", "text": "2+2 is 4."}],
			"stop_reason": "end_turn",
			"usage": {"input_tokens": 5, "output_tokens": 3}
		}`))
	})

	res, err := client.Planning(context.Background(), workflow.PlanningRequest{UserMessage: "what is 2+2"})
	require.NoError(t, err)
	assert.Empty(t, res.ToolCalls)
	assert.Equal(t, "2+2 is 4.", res.Text)
	assert.Equal(t, "end_turn", res.StopReason)
}

func TestSynthesisBuildsThreeTurnConversation(t *testing.T) {
	var gotReq struct {
		Messages []struct {
			Role    string          `json:"role"`
			Content json.RawMessage `json:"content"`
		} `json:"messages"`
	}
	client := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &gotReq))
		_, _ = w.Write([]byte(`{
			"content": [{"type": "text", "text": "Final answer."}],
			"stop_reason": "end_turn",
			"usage": {"input_tokens": 80, "output_tokens": 20}
		}`))
	})

	planning := json.RawMessage(`[{"type":"tool_use","id":"toolu_01","name":"search_documentation","input":{}}]`)
	res, err := client.Synthesis(context.Background(), workflow.SynthesisRequest{
		UserMessage:     "question",
		PlanningContent: planning,
		ToolResults: []model.ToolResult{
			{ToolName: "search_documentation", CallID: "toolu_01", Content: "doc text"},
			{ToolName: "get_weather", CallID: "toolu_02", Content: "upstream timeout", IsError: true},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "Final answer.", res.Text)

	require.Len(t, gotReq.Messages, 3)
	assert.Equal(t, "user", gotReq.Messages[0].Role)
	assert.Equal(t, "assistant", gotReq.Messages[1].Role)
	assert.JSONEq(t, string(planning), string(gotReq.Messages[1].Content))
	assert.Equal(t, "user", gotReq.Messages[2].Role)

	var blocks []map[string]any
	require.NoError(t, json.Unmarshal(gotReq.Messages[2].Content, &blocks))
	require.Len(t, blocks, 2)
	assert.Equal(t, "tool_result", blocks[0]["type"])
	assert.Equal(t, "toolu_01", blocks[0]["tool_use_id"])
	assert.NotContains(t, blocks[0], "is_error")
	assert.Equal(t, "toolu_02", blocks[1]["tool_use_id"])
	assert.Equal(t, true, blocks[1]["is_error"])
}

func TestCallRetriesOnServerError(t *testing.T) {
	var attempts atomic.Int32
	client := newClient(t, func(w http.ResponseWriter, _ *http.Request) {
		if attempts.Add(1) == 1 {
			http.Error(w, `{"error": "overloaded"}`, http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte(`{
			"content": [{"type": "text", "text": "recovered"}],
			"stop_reason": "end_turn",
			"usage": {"input_tokens": 1, "output_tokens": 1}
		}`))
	})

	res, err := client.Planning(context.Background(), workflow.PlanningRequest{UserMessage: "q"})
	require.NoError(t, err)
	assert.Equal(t, "recovered", res.Text)
	assert.Equal(t, int32(2), attempts.Load())
}

func TestCallDoesNotRetryClientErrors(t *testing.T) {
	var attempts atomic.Int32
	client := newClient(t, func(w http.ResponseWriter, _ *http.Request) {
		attempts.Add(1)
		http.Error(w, `{"error": "invalid_request"}`, http.StatusBadRequest)
	})

	_, err := client.Planning(context.Background(), workflow.PlanningRequest{UserMessage: "q"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
	assert.Equal(t, int32(1), attempts.Load())
}

func TestCallUsesPerRequestKeyOverride(t *testing.T) {
	client := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "sk-override", r.Header.Get("x-api-key"))
		_, _ = w.Write([]byte(`{
			"content": [{"type": "text", "text": "ok"}],
			"stop_reason": "end_turn",
			"usage": {"input_tokens": 1, "output_tokens": 1}
		}`))
	})

	_, err := client.Planning(context.Background(), workflow.PlanningRequest{
		UserMessage: "q",
		APIKey:      "sk-override",
	})
	require.NoError(t, err)
}

func TestCallRequiresAnAPIKey(t *testing.T) {
	client := llm.New(llm.Config{Model: "claude-sonnet-4-20250514", MaxTokens: 10}, testLogger())
	_, err := client.Planning(context.Background(), workflow.PlanningRequest{UserMessage: "q"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no API key")
}
