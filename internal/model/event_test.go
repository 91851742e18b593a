package model_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glassline-ai/mcpscope/internal/model"
)

func TestValidateConsoleLog(t *testing.T) {
	ev := model.TimelineEvent{
		EventType:  model.EventConsoleLog,
		Actor:      model.ActorHostApp,
		ConsoleLog: &model.ConsoleLogPayload{Level: "info", Message: "hello"},
	}
	assert.NoError(t, ev.Validate())
}

func TestValidateRejectsMissingPayload(t *testing.T) {
	ev := model.TimelineEvent{
		EventType: model.EventConsoleLog,
		Actor:     model.ActorHostApp,
	}
	err := ev.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "console_log")
}

func TestValidateRejectsMismatchedPayload(t *testing.T) {
	// Discriminator says thinking, payload is a console log.
	ev := model.TimelineEvent{
		EventType:  model.EventThinkingIndicator,
		Actor:      model.ActorLLM,
		ConsoleLog: &model.ConsoleLogPayload{Level: "info", Message: "x"},
	}
	assert.Error(t, ev.Validate())
}

func TestValidateRejectsMultiplePayloads(t *testing.T) {
	ev := model.TimelineEvent{
		EventType:         model.EventConsoleLog,
		Actor:             model.ActorHostApp,
		ConsoleLog:        &model.ConsoleLogPayload{Level: "info", Message: "x"},
		ThinkingIndicator: &model.ThinkingPayload{Message: "y"},
	}
	err := ev.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "payloads")
}

func TestValidateRejectsUnknownActor(t *testing.T) {
	ev := model.TimelineEvent{
		EventType:  model.EventConsoleLog,
		Actor:      model.Actor("bystander"),
		ConsoleLog: &model.ConsoleLogPayload{Level: "info", Message: "x"},
	}
	err := ev.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "actor")
}

func TestValidateProtocolMessageEnums(t *testing.T) {
	valid := model.TimelineEvent{
		EventType: model.EventProtocolMessage,
		Actor:     model.ActorHostApp,
		ProtocolMessage: &model.ProtocolMessagePayload{
			Direction: model.DirectionSent,
			Lane:      model.LaneHostMCP,
			Message:   json.RawMessage(`{"method":"tools/list"}`),
		},
	}
	assert.NoError(t, valid.Validate())

	badDirection := valid
	badDirection.ProtocolMessage = &model.ProtocolMessagePayload{
		Direction: "forwarded",
		Lane:      model.LaneHostMCP,
	}
	assert.Error(t, badDirection.Validate())

	badLane := valid
	badLane.ProtocolMessage = &model.ProtocolMessagePayload{
		Direction: model.DirectionSent,
		Lane:      "host_db",
	}
	assert.Error(t, badLane.Validate())
}

func TestValidatePhaseMarker(t *testing.T) {
	ev := model.TimelineEvent{
		EventType: model.EventPhaseMarker,
		Actor:     model.ActorHostApp,
		PhaseMarker: &model.PhaseMarkerPayload{
			Phase:    model.PhaseDiscovery,
			Boundary: model.BoundaryStart,
		},
	}
	assert.NoError(t, ev.Validate())

	ev.PhaseMarker.Phase = "teardown"
	assert.Error(t, ev.Validate())

	ev.PhaseMarker.Phase = model.PhaseDiscovery
	ev.PhaseMarker.Boundary = "middle"
	assert.Error(t, ev.Validate())
}

func TestValidateRejectsUnknownEventType(t *testing.T) {
	ev := model.TimelineEvent{
		EventType: "screenshot",
		Actor:     model.ActorHostApp,
	}
	err := ev.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown event type")
}

func TestValidateRejectsInvalidMetadataPhase(t *testing.T) {
	ev := model.TimelineEvent{
		EventType:  model.EventConsoleLog,
		Actor:      model.ActorHostApp,
		Metadata:   &model.EventMetadata{Phase: "warmup"},
		ConsoleLog: &model.ConsoleLogPayload{Level: "info", Message: "x"},
	}
	assert.Error(t, ev.Validate())
}

func TestTimelineEventJSONOmitsUnsetPayloads(t *testing.T) {
	ev := model.TimelineEvent{
		EventType:  model.EventConsoleLog,
		Actor:      model.ActorHostApp,
		ConsoleLog: &model.ConsoleLogPayload{Level: "info", Message: "hi"},
	}
	raw, err := json.Marshal(ev)
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(raw, &m))
	assert.Contains(t, m, "console_log")
	assert.NotContains(t, m, "protocol_message")
	assert.NotContains(t, m, "phase_marker")
	assert.NotContains(t, m, "metadata")
}
