package model

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventType discriminates the TimelineEvent variants.
type EventType string

const (
	EventConsoleLog        EventType = "console_log"
	EventProtocolMessage   EventType = "protocol_message"
	EventThinkingIndicator EventType = "thinking_indicator"
	EventPhaseMarker       EventType = "phase_marker"
	EventTokenUsage        EventType = "token_usage"
)

// Actor identifies which participant produced an event.
type Actor string

const (
	ActorHostApp   Actor = "host_app"
	ActorLLM       Actor = "llm"
	ActorMCPServer Actor = "mcp_server"
)

// Phase is one of the five ordered stages of a workflow run.
type Phase string

const (
	PhaseInitialization Phase = "initialization"
	PhaseDiscovery      Phase = "discovery"
	PhaseSelection      Phase = "selection"
	PhaseExecution      Phase = "execution"
	PhaseSynthesis      Phase = "synthesis"
)

// Phases lists all workflow phases in execution order.
var Phases = []Phase{
	PhaseInitialization,
	PhaseDiscovery,
	PhaseSelection,
	PhaseExecution,
	PhaseSynthesis,
}

// Direction indicates whether a protocol message was sent or received,
// from the host application's point of view.
type Direction string

const (
	DirectionSent     Direction = "sent"
	DirectionReceived Direction = "received"
)

// Lane is the logical channel a protocol message flows on.
type Lane string

const (
	LaneHostLLM Lane = "host_llm"
	LaneHostMCP Lane = "host_mcp"
)

// TimelineEvent is one immutable, sequenced record of something that happened
// during a workflow run. Sequence and Timestamp are assigned by the hub at
// publish time; callers populate everything else. Exactly one of the variant
// payload pointers must be set, matching EventType.
type TimelineEvent struct {
	SessionID uuid.UUID      `json:"session_id"`
	Sequence  int64          `json:"sequence"`
	Timestamp time.Time      `json:"timestamp"`
	EventType EventType      `json:"event_type"`
	Actor     Actor          `json:"actor"`
	Metadata  *EventMetadata `json:"metadata,omitempty"`

	ConsoleLog        *ConsoleLogPayload      `json:"console_log,omitempty"`
	ProtocolMessage   *ProtocolMessagePayload `json:"protocol_message,omitempty"`
	ThinkingIndicator *ThinkingPayload        `json:"thinking_indicator,omitempty"`
	PhaseMarker       *PhaseMarkerPayload     `json:"phase_marker,omitempty"`
	TokenUsage        *TokenUsageRecord       `json:"token_usage,omitempty"`
}

// EventMetadata carries optional cross-variant context.
type EventMetadata struct {
	Phase Phase          `json:"phase,omitempty"`
	Extra map[string]any `json:"extra,omitempty"`
}

// ConsoleLogPayload is the console_log variant.
type ConsoleLogPayload struct {
	Level   string `json:"level"`
	Message string `json:"message"`
	// Badge is a presentation hint, opaque to the core.
	Badge string `json:"badge,omitempty"`
}

// ProtocolMessagePayload is the protocol_message variant. Message is the
// opaque wire payload; Usage is populated by the producer when the message
// carries token accounting, so consumers never introspect Message.
type ProtocolMessagePayload struct {
	Direction Direction       `json:"direction"`
	Lane      Lane            `json:"lane"`
	Message   json.RawMessage `json:"message"`
	Usage     *Usage          `json:"usage,omitempty"`
}

// ThinkingPayload is the thinking_indicator variant.
type ThinkingPayload struct {
	Message string `json:"message"`
}

// PhaseBoundary marks whether a phase_marker opens or closes a phase.
type PhaseBoundary string

const (
	BoundaryStart PhaseBoundary = "start"
	BoundaryEnd   PhaseBoundary = "end"
)

// PhaseMarkerPayload is the phase_marker variant.
// DurationMs is only set on end markers.
type PhaseMarkerPayload struct {
	Phase      Phase         `json:"phase"`
	Boundary   PhaseBoundary `json:"boundary"`
	DurationMs int64         `json:"duration_ms,omitempty"`
}

// Usage is token accounting for a single inference.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// TokenUsageRecord is the token_usage variant, emitted once per inference.
type TokenUsageRecord struct {
	Phase Phase `json:"phase"`
	Usage Usage `json:"usage"`
}

var (
	validActors = map[Actor]bool{ActorHostApp: true, ActorLLM: true, ActorMCPServer: true}
	validPhases = map[Phase]bool{
		PhaseInitialization: true, PhaseDiscovery: true, PhaseSelection: true,
		PhaseExecution: true, PhaseSynthesis: true,
	}
)

// Validate checks that the event's discriminator matches its populated
// payload and that enum fields hold legal values. The hub rejects events
// that fail validation before assigning a sequence number.
func (e TimelineEvent) Validate() error {
	if !validActors[e.Actor] {
		return fmt.Errorf("model: invalid actor %q", e.Actor)
	}
	if e.Metadata != nil && e.Metadata.Phase != "" && !validPhases[e.Metadata.Phase] {
		return fmt.Errorf("model: invalid phase %q", e.Metadata.Phase)
	}

	var payloads int
	for _, set := range []bool{
		e.ConsoleLog != nil,
		e.ProtocolMessage != nil,
		e.ThinkingIndicator != nil,
		e.PhaseMarker != nil,
		e.TokenUsage != nil,
	} {
		if set {
			payloads++
		}
	}
	if payloads > 1 {
		return fmt.Errorf("model: event has %d payloads, want at most 1", payloads)
	}

	switch e.EventType {
	case EventConsoleLog:
		if e.ConsoleLog == nil {
			return fmt.Errorf("model: console_log event missing payload")
		}
	case EventProtocolMessage:
		if e.ProtocolMessage == nil {
			return fmt.Errorf("model: protocol_message event missing payload")
		}
		if d := e.ProtocolMessage.Direction; d != DirectionSent && d != DirectionReceived {
			return fmt.Errorf("model: invalid direction %q", d)
		}
		if l := e.ProtocolMessage.Lane; l != LaneHostLLM && l != LaneHostMCP {
			return fmt.Errorf("model: invalid lane %q", l)
		}
	case EventThinkingIndicator:
		if e.ThinkingIndicator == nil {
			return fmt.Errorf("model: thinking_indicator event missing payload")
		}
	case EventPhaseMarker:
		if e.PhaseMarker == nil {
			return fmt.Errorf("model: phase_marker event missing payload")
		}
		if !validPhases[e.PhaseMarker.Phase] {
			return fmt.Errorf("model: invalid phase %q", e.PhaseMarker.Phase)
		}
		if b := e.PhaseMarker.Boundary; b != BoundaryStart && b != BoundaryEnd {
			return fmt.Errorf("model: invalid phase boundary %q", b)
		}
	case EventTokenUsage:
		if e.TokenUsage == nil {
			return fmt.Errorf("model: token_usage event missing payload")
		}
	default:
		return fmt.Errorf("model: unknown event type %q", e.EventType)
	}
	return nil
}
