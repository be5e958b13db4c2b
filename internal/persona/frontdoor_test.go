package persona_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iNandix/denis/internal/bus/buserrors"
	"github.com/iNandix/denis/internal/eventhub"
	"github.com/iNandix/denis/internal/eventstore/inmemstore"
	"github.com/iNandix/denis/internal/eventv1"
	"github.com/iNandix/denis/internal/persona"
	"github.com/iNandix/denis/internal/telemetry"
)

func newTestFrontdoor(opts persona.Options) (*persona.Frontdoor, *eventhub.Hub) {
	store := inmemstore.New()
	hub := eventhub.New()
	return persona.New(store, hub, nil, telemetry.Noop(), opts), hub
}

func TestEmit_StampsEnvelopeAndAppendsToStore(t *testing.T) {
	fd, _ := newTestFrontdoor(persona.Options{})
	ctx := persona.WithTurnContext(context.Background(), persona.TurnContext{ConversationID: "conv-1"})

	env, err := fd.Emit(ctx, persona.EmitRequest{
		ConversationID: "conv-1",
		Type:           eventv1.TypeRunStep,
		Stored:         true,
		Payload:        map[string]any{"ok": true},
	})
	require.NoError(t, err)
	assert.Equal(t, eventv1.PersonaEmitter, env.Emitter)
	assert.Equal(t, eventv1.SchemaVersion, env.SchemaVersion)
	assert.True(t, env.Stored)
	assert.Equal(t, int64(1), env.EventID)
	assert.Equal(t, eventv1.ChannelOps, env.Channel)
}

func TestEmit_InfersChannelFromTypePrefix(t *testing.T) {
	fd, _ := newTestFrontdoor(persona.Options{})
	ctx := persona.WithTurnContext(context.Background(), persona.TurnContext{ConversationID: "conv-1"})

	env, err := fd.Emit(ctx, persona.EmitRequest{ConversationID: "conv-1", Type: eventv1.TypeVoiceASRFinal})
	require.NoError(t, err)
	assert.Equal(t, eventv1.ChannelVoice, env.Channel)
}

func TestEmit_SanitizesPayloadAndEmitsOpsMetricOnViolation(t *testing.T) {
	fd, hub := newTestFrontdoor(persona.Options{})
	ctx := persona.WithTurnContext(context.Background(), persona.TurnContext{ConversationID: "conv-1"})
	sub := hub.Register("conv-1", 10)
	defer sub.Close()

	env, err := fd.Emit(ctx, persona.EmitRequest{
		ConversationID: "conv-1",
		Type:           eventv1.TypeChatMessage,
		Payload:        map[string]any{"authorization": "Bearer xyz", "ok": true},
	})
	require.NoError(t, err)
	assert.NotContains(t, env.Payload, "authorization")
	assert.Equal(t, true, env.Payload["ok"])

	// The ops.metric event is published during the guardrails step, before
	// the sanitized event itself.
	first := <-sub.Queue()
	assert.Equal(t, eventv1.TypeOpsMetric, first.Type)
	assert.Equal(t, "guardrails_violations", first.Payload["metric"])
	second := <-sub.Queue()
	assert.Equal(t, eventv1.TypeChatMessage, second.Type)
}

func TestEmit_FrontdoorEnforcement_RaiseMode(t *testing.T) {
	fd, _ := newTestFrontdoor(persona.Options{Enforce: true, BypassMode: persona.BypassRaise})

	env, err := fd.Emit(context.Background(), persona.EmitRequest{
		ConversationID: "conv-1",
		Type:           eventv1.TypeChatMessage,
	})
	require.Error(t, err)
	code, ok := buserrors.CodeOf(err)
	require.True(t, ok)
	assert.Equal(t, buserrors.CodeFrontdoorDrop, code)
	assert.Equal(t, "persona_frontdoor_drop", env.Payload["code"])
	assert.False(t, env.Stored)
	assert.Equal(t, int64(0), env.EventID)
}

func TestEmit_FrontdoorEnforcement_DropMode(t *testing.T) {
	fd, _ := newTestFrontdoor(persona.Options{Enforce: true, BypassMode: persona.BypassDrop})

	env, err := fd.Emit(context.Background(), persona.EmitRequest{
		ConversationID: "conv-1",
		Type:           eventv1.TypeChatMessage,
	})
	require.NoError(t, err)
	assert.Equal(t, "persona_frontdoor_drop", env.Payload["code"])
	assert.False(t, env.Stored)

	drops, _ := fd.Counters()
	assert.Equal(t, int64(1), drops)
}

func TestEmit_EphemeralEventsHaveNoEventID(t *testing.T) {
	fd, _ := newTestFrontdoor(persona.Options{})
	ctx := persona.WithTurnContext(context.Background(), persona.TurnContext{ConversationID: "conv-1"})

	env, err := fd.Emit(ctx, persona.EmitRequest{
		ConversationID: "conv-1",
		Type:           eventv1.TypeRunStep,
		Stored:         false,
	})
	require.NoError(t, err)
	assert.False(t, env.Stored)
	assert.Equal(t, int64(0), env.EventID)
}
