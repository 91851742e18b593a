// Package workflow drives the five-phase MCP host workflow: protocol
// initialization, tool discovery, model-driven tool selection, tool
// execution, and response synthesis. Every step is instrumented through the
// event hub so stream observers can replay the full exchange.
package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"

	"github.com/glassline-ai/mcpscope/internal/hub"
	"github.com/glassline-ai/mcpscope/internal/model"
	"github.com/glassline-ai/mcpscope/internal/telemetry"
)

// phaseDone is the terminal pseudo-phase a step returns to finish the run
// early (zero-tool short circuit) or normally.
const phaseDone model.Phase = "done"

var tracer = telemetry.Tracer("mcpscope/workflow")

// Orchestrator executes workflow runs against a hub and the two external
// collaborators. Safe for concurrent Execute calls; all per-run state lives
// in the run, never on the Orchestrator.
type Orchestrator struct {
	hub    *hub.Hub
	llm    LLMClient
	proto  ProtocolClient
	logger *slog.Logger

	// toolParallelism bounds concurrent tool calls during execution.
	// 1 preserves the strictly sequential behavior of the reference flow.
	toolParallelism int
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithToolParallelism sets the maximum number of concurrent tool calls in
// the execution phase. Results are reassembled in request order regardless.
func WithToolParallelism(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.toolParallelism = n
		}
	}
}

// New creates an Orchestrator.
func New(h *hub.Hub, llm LLMClient, proto ProtocolClient, logger *slog.Logger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		hub:             h,
		llm:             llm,
		proto:           proto,
		logger:          logger,
		toolParallelism: 1,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// run holds the ephemeral state of one workflow execution. Destroyed when
// Execute returns; never persisted by this package.
type run struct {
	o *Orchestrator

	userMessage string
	apiKey      string

	tools       []model.Tool
	planning    *PlanningResult
	toolResults []model.ToolResult
	toolsUsed   []string
	final       string

	timings model.PhaseTimings
}

// Execute performs one complete workflow run. The returned result is always
// non-nil: run-level failures are reported through Success=false and Error
// rather than an error return, so the transport layer has a single shape to
// serialize.
func (o *Orchestrator) Execute(ctx context.Context, userMessage, apiKeyOverride string) *model.WorkflowResult {
	r := &run{o: o, userMessage: userMessage, apiKey: apiKeyOverride}
	start := time.Now()

	r.console(model.ActorHostApp, "info", "workflow", fmt.Sprintf("workflow started: %q", truncate(userMessage, 120)), "")

	// Linear state machine: each step returns the next phase or phaseDone.
	steps := map[model.Phase]func(context.Context) (model.Phase, error){
		model.PhaseInitialization: r.stepInitialization,
		model.PhaseDiscovery:      r.stepDiscovery,
		model.PhaseSelection:      r.stepSelection,
		model.PhaseExecution:      r.stepExecution,
		model.PhaseSynthesis:      r.stepSynthesis,
	}

	state := model.PhaseInitialization
	var runErr error
	for state != phaseDone {
		next, err := r.enterPhase(ctx, state, steps[state])
		if err != nil {
			runErr = err
			break
		}
		state = next
	}

	total := time.Since(start).Milliseconds()
	result := &model.WorkflowResult{
		Metadata: model.WorkflowMetadata{
			ToolsUsed:    r.toolsUsed,
			TotalTimeMs:  total,
			PhaseTimings: r.timings,
		},
	}
	if result.Metadata.ToolsUsed == nil {
		result.Metadata.ToolsUsed = []string{}
	}

	if runErr != nil {
		result.Success = false
		result.Error = runErr.Error()
		r.console(model.ActorHostApp, "error", "workflow", "workflow failed: "+runErr.Error(), "")
		o.logger.Error("workflow: run failed", "error", runErr, "total_ms", total)
		return result
	}

	result.Success = true
	result.FinalResponse = r.final
	r.console(model.ActorHostApp, "info", "workflow",
		fmt.Sprintf("workflow complete (%d tool call(s), %d ms)", len(r.toolResults), total), "")
	o.logger.Info("workflow: run complete",
		"tools_used", r.toolsUsed, "total_ms", total)
	return result
}

// enterPhase wraps one step with cancellation checks, phase markers, timing
// capture, and an OTEL span. Entered phases always record at least 1ms so
// they are distinguishable from phases never reached.
func (r *run) enterPhase(ctx context.Context, phase model.Phase, step func(context.Context) (model.Phase, error)) (model.Phase, error) {
	if err := ctx.Err(); err != nil {
		return phaseDone, &CancelledError{Phase: string(phase), Err: err}
	}

	ctx, span := tracer.Start(ctx, "workflow."+string(phase))
	defer span.End()

	r.phaseMarker(phase, model.BoundaryStart, 0)
	start := time.Now()

	next, err := step(ctx)

	ms := time.Since(start).Milliseconds()
	if ms < 1 {
		ms = 1
	}
	r.timings.Set(phase, ms)
	r.phaseMarker(phase, model.BoundaryEnd, ms)

	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
			return phaseDone, &CancelledError{Phase: string(phase), Err: ctxErr}
		}
		return phaseDone, err
	}
	return next, nil
}

// stepInitialization establishes or verifies the protocol session.
func (r *run) stepInitialization(ctx context.Context) (model.Phase, error) {
	r.console(model.ActorHostApp, "info", "mcp", "connecting to MCP server", model.PhaseInitialization)
	r.protocolJSON(model.DirectionSent, model.LaneHostMCP, model.ActorHostApp,
		map[string]any{"method": "initialize"}, nil, model.PhaseInitialization)

	if err := r.o.proto.Connect(ctx); err != nil {
		return phaseDone, &ConnectionError{Err: err}
	}

	r.protocolJSON(model.DirectionReceived, model.LaneHostMCP, model.ActorMCPServer,
		map[string]any{"result": "initialized"}, nil, model.PhaseInitialization)
	r.console(model.ActorHostApp, "info", "mcp", "handshake complete", model.PhaseInitialization)
	return model.PhaseDiscovery, nil
}

// stepDiscovery retrieves and formats the tool catalog.
func (r *run) stepDiscovery(ctx context.Context) (model.Phase, error) {
	r.protocolJSON(model.DirectionSent, model.LaneHostMCP, model.ActorHostApp,
		map[string]any{"method": "tools/list"}, nil, model.PhaseDiscovery)

	tools, err := r.o.proto.ListTools(ctx)
	if err != nil {
		return phaseDone, &DiscoveryError{Err: err}
	}
	r.tools = tools

	r.protocolJSON(model.DirectionReceived, model.LaneHostMCP, model.ActorMCPServer,
		map[string]any{"tools": toolNames(tools)}, nil, model.PhaseDiscovery)
	r.console(model.ActorHostApp, "info", "mcp",
		fmt.Sprintf("discovered %d tool(s)", len(tools)), model.PhaseDiscovery)
	return model.PhaseSelection, nil
}

// stepSelection runs the planning inference. When the model requests no
// tools, the planning text short-circuits as the final response and the run
// finishes without execution or synthesis.
func (r *run) stepSelection(ctx context.Context) (model.Phase, error) {
	r.thinking("selecting tools for the request", model.PhaseSelection)
	r.protocolJSON(model.DirectionSent, model.LaneHostLLM, model.ActorHostApp,
		map[string]any{"inference": "planning", "tool_count": len(r.tools)}, nil, model.PhaseSelection)

	res, err := r.o.llm.Planning(ctx, PlanningRequest{
		UserMessage: r.userMessage,
		Tools:       r.tools,
		APIKey:      r.apiKey,
	})
	if err != nil {
		return phaseDone, &InferenceError{Phase: string(model.PhaseSelection), Err: err}
	}
	r.planning = res

	r.protocolJSON(model.DirectionReceived, model.LaneHostLLM, model.ActorLLM,
		map[string]any{"stop_reason": res.StopReason, "tool_calls": len(res.ToolCalls)},
		&res.Usage, model.PhaseSelection)
	r.tokenUsage(model.PhaseSelection, res.Usage)

	for _, tc := range res.ToolCalls {
		r.addToolUsed(tc.Name)
	}

	if len(res.ToolCalls) == 0 {
		r.console(model.ActorLLM, "info", "llm",
			"no tools selected, answering directly", model.PhaseSelection)
		r.final = res.Text
		return phaseDone, nil
	}

	r.console(model.ActorLLM, "info", "llm",
		fmt.Sprintf("selected %d tool(s): %v", len(res.ToolCalls), r.toolsUsed), model.PhaseSelection)
	return model.PhaseExecution, nil
}

// stepExecution invokes each requested tool. Calls run through an errgroup
// with a configurable limit; results land in request order. A failed call
// becomes an error result forwarded to synthesis, not a run failure —
// unless the protocol session itself is gone.
func (r *run) stepExecution(ctx context.Context) (model.Phase, error) {
	calls := r.planning.ToolCalls
	r.toolResults = make([]model.ToolResult, len(calls))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.o.toolParallelism)

	for i, call := range calls {
		g.Go(func() error {
			r.protocolJSON(model.DirectionSent, model.LaneHostMCP, model.ActorHostApp,
				map[string]any{"method": "tools/call", "tool": call.Name, "arguments": call.Input},
				nil, model.PhaseExecution)

			res, err := r.o.proto.CallTool(gctx, call.Name, call.Input)
			if err != nil {
				tcErr := &ToolCallError{Tool: call.Name, Err: err}
				r.console(model.ActorMCPServer, "warn", "mcp", tcErr.Error(), model.PhaseExecution)
				r.toolResults[i] = model.ToolResult{
					ToolName: call.Name,
					CallID:   call.ID,
					Content:  tcErr.Error(),
					IsError:  true,
				}
				return nil
			}

			res.CallID = call.ID
			r.toolResults[i] = *res
			r.protocolJSON(model.DirectionReceived, model.LaneHostMCP, model.ActorMCPServer,
				map[string]any{"tool": call.Name, "is_error": res.IsError},
				nil, model.PhaseExecution)
			return nil
		})
	}
	// Goroutines only report per-call outcomes through toolResults.
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return phaseDone, err
	}
	// Per-call failures are survivable; losing the session is not.
	if !r.o.proto.IsConnected() {
		return phaseDone, &ExecutionError{Err: fmt.Errorf("protocol session lost during tool execution")}
	}

	r.console(model.ActorHostApp, "info", "mcp",
		fmt.Sprintf("%d tool call(s) completed", len(calls)), model.PhaseExecution)
	return model.PhaseSynthesis, nil
}

// stepSynthesis runs the second inference over the planning turn and the
// collected tool results.
func (r *run) stepSynthesis(ctx context.Context) (model.Phase, error) {
	r.thinking("synthesizing final response", model.PhaseSynthesis)
	r.protocolJSON(model.DirectionSent, model.LaneHostLLM, model.ActorHostApp,
		map[string]any{"inference": "synthesis", "tool_results": len(r.toolResults)},
		nil, model.PhaseSynthesis)

	res, err := r.o.llm.Synthesis(ctx, SynthesisRequest{
		UserMessage:     r.userMessage,
		PlanningContent: r.planning.RawContent,
		ToolResults:     r.toolResults,
		Tools:           r.tools,
		APIKey:          r.apiKey,
	})
	if err != nil {
		return phaseDone, &InferenceError{Phase: string(model.PhaseSynthesis), Err: err}
	}

	r.protocolJSON(model.DirectionReceived, model.LaneHostLLM, model.ActorLLM,
		map[string]any{"stop_reason": res.StopReason}, &res.Usage, model.PhaseSynthesis)
	r.tokenUsage(model.PhaseSynthesis, res.Usage)

	r.final = res.Text
	return phaseDone, nil
}

func (r *run) addToolUsed(name string) {
	for _, n := range r.toolsUsed {
		if n == name {
			return
		}
	}
	r.toolsUsed = append(r.toolsUsed, name)
}

// console publishes a console_log event.
func (r *run) console(actor model.Actor, level, badge, msg string, phase model.Phase) {
	r.publish(model.TimelineEvent{
		EventType:  model.EventConsoleLog,
		Actor:      actor,
		Metadata:   metaFor(phase),
		ConsoleLog: &model.ConsoleLogPayload{Level: level, Message: msg, Badge: badge},
	})
}

// thinking publishes a thinking_indicator event.
func (r *run) thinking(msg string, phase model.Phase) {
	r.publish(model.TimelineEvent{
		EventType:         model.EventThinkingIndicator,
		Actor:             model.ActorLLM,
		Metadata:          metaFor(phase),
		ThinkingIndicator: &model.ThinkingPayload{Message: msg},
	})
}

// protocolJSON publishes a protocol_message event with a JSON-encoded body.
func (r *run) protocolJSON(dir model.Direction, lane model.Lane, actor model.Actor, body any, usage *model.Usage, phase model.Phase) {
	raw, err := json.Marshal(body)
	if err != nil {
		r.o.logger.Error("workflow: marshal protocol message", "error", err)
		raw = json.RawMessage(`{}`)
	}
	r.publish(model.TimelineEvent{
		EventType: model.EventProtocolMessage,
		Actor:     actor,
		Metadata:  metaFor(phase),
		ProtocolMessage: &model.ProtocolMessagePayload{
			Direction: dir,
			Lane:      lane,
			Message:   raw,
			Usage:     usage,
		},
	})
}

// phaseMarker publishes a phase_marker event.
func (r *run) phaseMarker(phase model.Phase, boundary model.PhaseBoundary, ms int64) {
	r.publish(model.TimelineEvent{
		EventType:   model.EventPhaseMarker,
		Actor:       model.ActorHostApp,
		Metadata:    metaFor(phase),
		PhaseMarker: &model.PhaseMarkerPayload{Phase: phase, Boundary: boundary, DurationMs: ms},
	})
}

// tokenUsage publishes a token_usage event.
func (r *run) tokenUsage(phase model.Phase, u model.Usage) {
	r.publish(model.TimelineEvent{
		EventType:  model.EventTokenUsage,
		Actor:      model.ActorLLM,
		Metadata:   metaFor(phase),
		TokenUsage: &model.TokenUsageRecord{Phase: phase, Usage: u},
	})
}

func (r *run) publish(ev model.TimelineEvent) {
	r.o.hub.Publish(ev)
}

func metaFor(phase model.Phase) *model.EventMetadata {
	if phase == "" {
		return nil
	}
	return &model.EventMetadata{Phase: phase}
}

func toolNames(tools []model.Tool) []string {
	names := make([]string, len(tools))
	for i, t := range tools {
		names[i] = t.Name
	}
	return names
}

// truncate shortens s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
