package graph

import (
	"context"
	"sort"

	"github.com/iNandix/denis/internal/eventv1"
)

// EmitFunc delivers one event back through the persona frontdoor. The
// sequencer never inspects the result; emission is best-effort.
type EmitFunc func(ctx context.Context, eventType string, payload map[string]any, stored bool)

// errorsHealthyBelow is the errors_window threshold above which the ops
// signal is considered unhealthy for derivation.
const errorsHealthyBelow = 5

// Wake executes the WAKE sequence: read the 12 NeuroLayer nodes, bootstrap
// any missing with defaults, derive ConsciousnessState, write everything, and
// emit neuro.layer.snapshot x12 + neuro.consciousness.snapshot +
// persona.state.update. Fail-open: a down graph yields degraded defaults.
func (m *Materializer) Wake(ctx context.Context, emit EmitFunc) Consciousness {
	now := utcNow()

	emit(ctx, eventv1.TypeNeuroWakeStart, map[string]any{
		"ts":          now,
		"identity_id": IdentityID,
	}, true)

	layers := m.readLayers(ctx)
	layers = m.bootstrapLayers(ctx, layers)

	consciousness := DeriveConsciousness(layers, DeriveInputs{
		OpsHealthy:   m.graph.Enabled() && m.Stats().ErrorsWindow < errorsHealthyBelow,
		VoiceEnabled: m.opts.VoiceEnabled,
		ActivePlans:  false,
		GraphUp:      m.graph.Enabled(),
	})
	consciousness.LastWakeTS = now
	consciousness.LastTurnTS = now

	m.writeConsciousness(ctx, consciousness)
	m.linkNeuro(ctx, layers)

	for _, layer := range layers {
		emit(ctx, eventv1.TypeNeuroLayerSnapshot, map[string]any{
			"layer_index":     layer.LayerIndex,
			"layer_key":       layer.LayerKey,
			"title":           layer.Title,
			"freshness_score": layer.FreshnessScore,
			"status":          layer.Status,
			"signals_count":   layer.SignalsCount,
			"last_update_ts":  layer.LastUpdateTS,
		}, false)
	}

	snapshot := consciousness.Props()
	snapshot["ts"] = now
	emit(ctx, eventv1.TypeNeuroConsciousnessSnap, snapshot, true)

	emit(ctx, eventv1.TypePersonaStateUpdate, map[string]any{
		"mode": consciousness.Mode,
		"ts":   now,
	}, false)

	return consciousness
}

// Update executes the per-turn UPDATE sequence: apply turn_meta deltas to the
// layers, re-derive ConsciousnessState preserving last_wake_ts, write, and
// emit neuro.turn.update + neuro.consciousness.update + persona.state.update.
func (m *Materializer) Update(ctx context.Context, meta TurnMeta, emit EmitFunc) Consciousness {
	now := utcNow()

	layers := m.readLayers(ctx)
	if len(layers) == 0 {
		layers = DefaultLayers()
	}
	ApplyTurnUpdates(layers, meta)

	for _, layer := range layers {
		m.upsertNode(ctx, LabelNeuroLayer, layer.ID(), layer.Props())
	}

	consciousness := DeriveConsciousness(layers, DeriveInputs{
		OpsHealthy:   !meta.OpsDegraded && m.Stats().ErrorsWindow < errorsHealthyBelow,
		VoiceEnabled: m.opts.VoiceEnabled,
		ActivePlans:  len(meta.ActivePlanIDs) > 0,
		GraphUp:      m.graph.Enabled(),
	})
	consciousness.LastTurnTS = now

	// Preserve the wake timestamp recorded by the last WAKE.
	if existing, found, err := m.graph.Node(ctx, LabelConsciousnessState, ConsciousnessID); err == nil && found {
		if wakeTS := strOf(existing["last_wake_ts"]); wakeTS != "" {
			consciousness.LastWakeTS = wakeTS
		}
	}

	m.writeConsciousness(ctx, consciousness)

	summary := make([]any, 0, len(layers))
	for _, layer := range layers {
		summary = append(summary, map[string]any{
			"layer_index":     layer.LayerIndex,
			"layer_key":       layer.LayerKey,
			"freshness_score": layer.FreshnessScore,
			"status":          layer.Status,
			"signals_count":   layer.SignalsCount,
		})
	}
	emit(ctx, eventv1.TypeNeuroTurnUpdate, map[string]any{
		"layers_summary": summary,
		"ts":             now,
	}, true)

	update := consciousness.Props()
	update["ts"] = now
	emit(ctx, eventv1.TypeNeuroConsciousnessUpdate, update, true)

	emit(ctx, eventv1.TypePersonaStateUpdate, map[string]any{
		"mode": consciousness.Mode,
		"ts":   now,
	}, false)

	return consciousness
}

// NeuroState reads the current 12-layer snapshot and consciousness state for
// the /neuro/state endpoint. Fail-open: a down graph yields defaults plus a
// degraded marker.
func (m *Materializer) NeuroState(ctx context.Context) (layers []LayerState, consciousness Consciousness, degraded bool) {
	layers = m.readLayers(ctx)
	if len(layers) == 0 {
		return DefaultLayers(), Consciousness{Mode: "degraded", GuardrailsMode: "strict", MemoryMode: "balanced", VoiceMode: "off", OpsMode: "incident"}, true
	}
	props, found, err := m.graph.Node(ctx, LabelConsciousnessState, ConsciousnessID)
	if err != nil || !found {
		return layers, Consciousness{Mode: "degraded", GuardrailsMode: "strict", MemoryMode: "balanced", VoiceMode: "off", OpsMode: "incident"}, true
	}
	return layers, consciousnessFromProps(props), false
}

func (m *Materializer) readLayers(ctx context.Context) []LayerState {
	rows, err := m.graph.NodesByLabel(ctx, LabelNeuroLayer)
	if err != nil || len(rows) == 0 {
		return nil
	}
	layers := make([]LayerState, 0, len(rows))
	for _, row := range rows {
		index := intOf(row["layer_index"])
		if index < 1 || index > NumLayers {
			continue
		}
		freshness := floatOf(row["freshness_score"])
		if _, ok := row["freshness_score"]; !ok {
			freshness = 0.5
		}
		status := strOf(row["status"])
		if status == "" {
			status = "ok"
		}
		layers = append(layers, LayerState{
			LayerIndex:     index,
			LayerKey:       strOf(row["layer_key"]),
			Title:          strOf(row["title"]),
			FreshnessScore: freshness,
			Status:         status,
			SignalsCount:   intOf(row["signals_count"]),
			LastUpdateTS:   strOf(row["last_update_ts"]),
			NotesHash:      strOf(row["notes_hash"]),
		})
	}
	sort.Slice(layers, func(i, j int) bool { return layers[i].LayerIndex < layers[j].LayerIndex })
	return layers
}

// bootstrapLayers ensures all 12 layers exist, creating missing ones with
// defaults and returning the merged, index-ordered set.
func (m *Materializer) bootstrapLayers(ctx context.Context, existing []LayerState) []LayerState {
	present := make(map[int]bool, len(existing))
	for _, layer := range existing {
		present[layer.LayerIndex] = true
	}
	merged := append([]LayerState(nil), existing...)
	for _, def := range DefaultLayers() {
		if present[def.LayerIndex] {
			continue
		}
		m.upsertNode(ctx, LabelNeuroLayer, def.ID(), def.Props())
		merged = append(merged, def)
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].LayerIndex < merged[j].LayerIndex })
	return merged
}

func (m *Materializer) writeConsciousness(ctx context.Context, c Consciousness) {
	m.upsertNode(ctx, LabelConsciousnessState, ConsciousnessID, c.Props())
}

// linkNeuro wires Identity -> layers, Identity -> ConsciousnessState, and the
// read-time join edges ConsciousnessState -[:DERIVED_FROM]-> NeuroLayer. The
// write path itself stays acyclic: layers first, then the derived state.
func (m *Materializer) linkNeuro(ctx context.Context, layers []LayerState) {
	for _, layer := range layers {
		m.mergeEdge(ctx, Edge{
			FromLabel: LabelIdentity, FromID: IdentityID,
			Type:    EdgeHasNeuroLayer,
			ToLabel: LabelNeuroLayer, ToID: layer.ID(),
		})
		m.mergeEdge(ctx, Edge{
			FromLabel: LabelConsciousnessState, FromID: ConsciousnessID,
			Type:    EdgeDerivedFrom,
			ToLabel: LabelNeuroLayer, ToID: layer.ID(),
		})
	}
	m.mergeEdge(ctx, Edge{
		FromLabel: LabelIdentity, FromID: IdentityID,
		Type:    EdgeHasConsciousnessState,
		ToLabel: LabelConsciousnessState, ToID: ConsciousnessID,
	})
}

func consciousnessFromProps(props map[string]any) Consciousness {
	return Consciousness{
		Mode:            strOf(props["mode"]),
		FocusTopicHash:  strOf(props["focus_topic_hash"]),
		FatigueLevel:    floatOf(props["fatigue_level"]),
		RiskLevel:       floatOf(props["risk_level"]),
		ConfidenceLevel: floatOf(props["confidence_level"]),
		LastWakeTS:      strOf(props["last_wake_ts"]),
		LastTurnTS:      strOf(props["last_turn_ts"]),
		GuardrailsMode:  strOf(props["guardrails_mode"]),
		MemoryMode:      strOf(props["memory_mode"]),
		VoiceMode:       strOf(props["voice_mode"]),
		OpsMode:         strOf(props["ops_mode"]),
	}
}
