package graph

import (
	"context"
	"fmt"

	"github.com/iNandix/denis/internal/eventv1"
)

// Consciousness property keys copied verbatim from snapshot/update payloads.
var consciousnessKeys = []string{
	"mode", "fatigue_level", "risk_level", "confidence_level",
	"guardrails_mode", "memory_mode", "voice_mode", "ops_mode",
	"last_wake_ts", "last_turn_ts",
}

func (m *Materializer) handleNeuroWakeStart(ctx context.Context, ev eventv1.Envelope, mctx mutationContext) {
	mid := MutationID(ev.EventID, "neuro_wake_start", mctx.RunID+":wake")
	if !m.dedupe.Acquire(ctx, mid) {
		return
	}
	identityID := strOf(mctx.Payload["identity_id"])
	if identityID == "" {
		identityID = IdentityID
	}
	m.upsertNode(ctx, LabelIdentity, identityID, map[string]any{
		"last_wake_ts": mctx.TS,
	})
	m.touchComponent(ctx, "neuro_layers", mctx.TS, "ok")
}

func (m *Materializer) handleNeuroLayerSnapshot(ctx context.Context, ev eventv1.Envelope, mctx mutationContext) {
	p := mctx.Payload
	layerIndex := intOf(p["layer_index"])
	layerID := fmt.Sprintf("neuro:layer:%d", layerIndex)

	mid := MutationID(ev.EventID, "neuro_layer_snapshot", layerID)
	if !m.dedupe.Acquire(ctx, mid) {
		return
	}

	freshness := floatOf(p["freshness_score"])
	if _, ok := p["freshness_score"]; !ok {
		freshness = 0.5
	}
	status := strOf(p["status"])
	if status == "" {
		status = "ok"
	}
	lastUpdateTS := strOf(p["last_update_ts"])
	if lastUpdateTS == "" {
		lastUpdateTS = mctx.TS
	}

	m.upsertNode(ctx, LabelNeuroLayer, layerID, map[string]any{
		"layer_index":     layerIndex,
		"layer_key":       strOf(p["layer_key"]),
		"title":           strOf(p["title"]),
		"freshness_score": freshness,
		"status":          status,
		"signals_count":   intOf(p["signals_count"]),
		"last_update_ts":  lastUpdateTS,
	})
}

func (m *Materializer) handleConsciousnessSnapshot(ctx context.Context, ev eventv1.Envelope, mctx mutationContext) {
	mid := MutationID(ev.EventID, "neuro_consciousness_snapshot", ConsciousnessID)
	if !m.dedupe.Acquire(ctx, mid) {
		return
	}
	props := consciousnessProps(mctx.Payload)
	props["updated_ts"] = mctx.TS
	m.upsertNode(ctx, LabelConsciousnessState, ConsciousnessID, props)
	m.mergeEdge(ctx, Edge{
		FromLabel: LabelIdentity, FromID: IdentityID,
		Type:    EdgeHasConsciousnessState,
		ToLabel: LabelConsciousnessState, ToID: ConsciousnessID,
	})
}

func (m *Materializer) handleConsciousnessUpdate(ctx context.Context, ev eventv1.Envelope, mctx mutationContext) {
	mid := MutationID(ev.EventID, "neuro_consciousness_update", ConsciousnessID+":"+mctx.RunID)
	if !m.dedupe.Acquire(ctx, mid) {
		return
	}
	props := consciousnessProps(mctx.Payload)
	// Updates never rewind the wake timestamp; only WAKE sets it.
	delete(props, "last_wake_ts")
	props["updated_ts"] = mctx.TS
	m.upsertNode(ctx, LabelConsciousnessState, ConsciousnessID, props)
}

func (m *Materializer) handleNeuroTurnUpdate(ctx context.Context, ev eventv1.Envelope, mctx mutationContext) {
	mid := MutationID(ev.EventID, "neuro_turn_update", mctx.RunID+":turn")
	if !m.dedupe.Acquire(ctx, mid) {
		return
	}

	summary := listOf(mctx.Payload["layers_summary"])
	if len(summary) > NumLayers {
		summary = summary[:NumLayers]
	}
	for _, item := range summary {
		entry := mapOf(item)
		layerIndex := intOf(entry["layer_index"])
		if layerIndex < 1 || layerIndex > NumLayers {
			continue
		}
		status := strOf(entry["status"])
		if status == "" {
			status = "ok"
		}
		m.upsertNode(ctx, LabelNeuroLayer, fmt.Sprintf("neuro:layer:%d", layerIndex), map[string]any{
			"freshness_score": floatOf(entry["freshness_score"]),
			"status":          status,
			"signals_count":   intOf(entry["signals_count"]),
			"last_update_ts":  mctx.TS,
		})
	}
	m.touchComponent(ctx, "neuro_layers", mctx.TS, "ok")
}

func (m *Materializer) handlePersonaStateUpdate(ctx context.Context, ev eventv1.Envelope, mctx mutationContext) {
	mid := MutationID(ev.EventID, "persona_state_update", "persona:"+mctx.RunID)
	if !m.dedupe.Acquire(ctx, mid) {
		return
	}
	status := strOf(mctx.Payload["mode"])
	if status == "" {
		status = "ok"
	}
	m.touchComponent(ctx, "persona", mctx.TS, status)
}

func consciousnessProps(payload map[string]any) map[string]any {
	props := make(map[string]any, len(consciousnessKeys))
	for _, k := range consciousnessKeys {
		if v, ok := payload[k]; ok && v != nil {
			props[k] = v
		}
	}
	return props
}
