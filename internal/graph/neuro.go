package graph

import (
	"fmt"
	"math"
	"time"
)

// The 12-layer self-model. Layer order and keys are fixed; indexes are 1..12.
var layerDefinitions = []struct {
	Index int
	Key   string
	Title string
}{
	{1, "sensory_io", "Sensory/IO"},
	{2, "attention", "Attention"},
	{3, "intent_goals", "Intent/Goals"},
	{4, "plans_procedures", "Plans/Procedures"},
	{5, "memory_short", "Memory Short"},
	{6, "memory_long", "Memory Long"},
	{7, "safety_governance", "Safety/Governance"},
	{8, "ops_awareness", "Ops Awareness"},
	{9, "social_persona", "Social/Persona"},
	{10, "self_monitoring", "Self-Monitoring"},
	{11, "learning_plasticity", "Learning/Plasticity"},
	{12, "meta_consciousness", "Meta/Consciousness"},
}

// NumLayers is the fixed layer count.
const NumLayers = 12

// LayerState is one NeuroLayer's current snapshot.
type LayerState struct {
	LayerIndex     int     `json:"layer_index"`
	LayerKey       string  `json:"layer_key"`
	Title          string  `json:"title"`
	FreshnessScore float64 `json:"freshness_score"`
	Status         string  `json:"status"`
	SignalsCount   int     `json:"signals_count"`
	LastUpdateTS   string  `json:"last_update_ts"`
	NotesHash      string  `json:"notes_hash,omitempty"`
}

// ID returns the layer's graph node id, "neuro:layer:<index>".
func (l LayerState) ID() string { return fmt.Sprintf("neuro:layer:%d", l.LayerIndex) }

// Props renders the layer as a graph property dict.
func (l LayerState) Props() map[string]any {
	return map[string]any{
		"layer_index":     l.LayerIndex,
		"layer_key":       l.LayerKey,
		"title":           l.Title,
		"freshness_score": l.FreshnessScore,
		"status":          l.Status,
		"signals_count":   l.SignalsCount,
		"last_update_ts":  l.LastUpdateTS,
		"notes_hash":      l.NotesHash,
	}
}

// Consciousness is the derived singleton state summarizing mode, risk,
// fatigue, confidence, and operating modes.
type Consciousness struct {
	Mode            string  `json:"mode"` // awake | focused | idle | degraded
	FocusTopicHash  string  `json:"focus_topic_hash,omitempty"`
	FatigueLevel    float64 `json:"fatigue_level"`
	RiskLevel       float64 `json:"risk_level"`
	ConfidenceLevel float64 `json:"confidence_level"`
	LastWakeTS      string  `json:"last_wake_ts"`
	LastTurnTS      string  `json:"last_turn_ts"`
	GuardrailsMode  string  `json:"guardrails_mode"` // normal | strict
	MemoryMode      string  `json:"memory_mode"`     // short | balanced | long
	VoiceMode       string  `json:"voice_mode"`      // on | off
	OpsMode         string  `json:"ops_mode"`        // normal | incident
}

// Props renders the consciousness state as a graph property dict.
func (c Consciousness) Props() map[string]any {
	return map[string]any{
		"mode":             c.Mode,
		"focus_topic_hash": c.FocusTopicHash,
		"fatigue_level":    c.FatigueLevel,
		"risk_level":       c.RiskLevel,
		"confidence_level": c.ConfidenceLevel,
		"last_wake_ts":     c.LastWakeTS,
		"last_turn_ts":     c.LastTurnTS,
		"guardrails_mode":  c.GuardrailsMode,
		"memory_mode":      c.MemoryMode,
		"voice_mode":       c.VoiceMode,
		"ops_mode":         c.OpsMode,
	}
}

// DefaultLayers returns the 12 layers with fresh defaults.
func DefaultLayers() []LayerState {
	now := utcNow()
	out := make([]LayerState, 0, NumLayers)
	for _, def := range layerDefinitions {
		out = append(out, LayerState{
			LayerIndex:     def.Index,
			LayerKey:       def.Key,
			Title:          def.Title,
			FreshnessScore: 0.5,
			Status:         "ok",
			SignalsCount:   0,
			LastUpdateTS:   now,
		})
	}
	return out
}

// DeriveInputs are the runtime signals outside the layers themselves that
// influence the derivation.
type DeriveInputs struct {
	OpsHealthy   bool
	VoiceEnabled bool
	ActivePlans  bool
	GraphUp      bool
}

// DeriveConsciousness derives the ConsciousnessState from all 12 layers plus
// runtime signals. Pure function, no I/O.
//
// Layer contributions: sensory_io/ops_awareness/meta_consciousness carry
// double weight in fatigue; safety_governance drives risk; self_monitoring
// drives confidence; memory_short/memory_long pick the memory mode;
// ops_awareness picks the ops mode and can force degraded.
func DeriveConsciousness(layers []LayerState, in DeriveInputs) Consciousness {
	now := utcNow()
	byKey := make(map[string]LayerState, len(layers))
	for _, l := range layers {
		byKey[l.LayerKey] = l
	}

	// Mode.
	var mode string
	switch {
	case !in.GraphUp || !in.OpsHealthy:
		mode = "degraded"
	case isDegradedStatus(byKey["ops_awareness"].Status):
		mode = "degraded"
	case hasLayer(byKey, "meta_consciousness") && byKey["meta_consciousness"].FreshnessScore < 0.2:
		mode = "degraded"
	case in.ActivePlans:
		mode = "focused"
	case byKey["attention"].FreshnessScore > 0.8 && byKey["attention"].SignalsCount > 2:
		mode = "focused"
	default:
		mode = "awake"
	}

	// Risk: safety_governance primary, intent_goals secondary.
	risk := 0.0
	if l7, ok := byKey["safety_governance"]; ok {
		if l7.SignalsCount > 0 {
			risk = math.Min(1.0, float64(l7.SignalsCount)*0.1)
		}
		if l7.Status == "degraded" {
			risk = math.Max(risk, 0.5)
		}
	}
	if l3, ok := byKey["intent_goals"]; ok && l3.SignalsCount > 3 {
		risk = math.Min(1.0, risk+float64(l3.SignalsCount)*0.03)
	}

	// Fatigue: 1 - weighted mean freshness, double weight for the critical
	// layers, plus a staleness bump from learning_plasticity.
	critical := map[string]bool{"sensory_io": true, "ops_awareness": true, "meta_consciousness": true}
	var weightedSum, weightTotal float64
	for _, l := range layers {
		w := 1.0
		if critical[l.LayerKey] {
			w = 2.0
		}
		weightedSum += l.FreshnessScore * w
		weightTotal += w
	}
	avgFreshness := 0.5
	if weightTotal > 0 {
		avgFreshness = weightedSum / weightTotal
	}
	fatigue := clamp01(1.0 - avgFreshness)
	if l11, ok := byKey["learning_plasticity"]; ok && l11.FreshnessScore < 0.3 {
		fatigue = math.Min(1.0, fatigue+0.1)
	}

	// Confidence: self_monitoring primary; social_persona and
	// meta_consciousness erode it.
	confidence := 0.7
	if l10, ok := byKey["self_monitoring"]; ok {
		if l10.Status == "degraded" {
			confidence = 0.4
		} else if l10.SignalsCount > 5 {
			confidence = math.Max(0.3, 0.7-float64(l10.SignalsCount)*0.05)
		}
	}
	if l9, ok := byKey["social_persona"]; ok && l9.Status == "degraded" {
		confidence = math.Min(confidence, 0.5)
	}
	if l12, ok := byKey["meta_consciousness"]; ok && l12.SignalsCount > 3 {
		confidence = math.Max(0.2, confidence-float64(l12.SignalsCount)*0.03)
	}

	guardrailsMode := "normal"
	if risk > 0.5 || mode == "degraded" {
		guardrailsMode = "strict"
	}

	memoryMode := "balanced"
	if l6, ok := byKey["memory_long"]; ok && l6.FreshnessScore > 0.7 {
		memoryMode = "long"
	} else if l5, ok := byKey["memory_short"]; ok && l5.FreshnessScore < 0.3 {
		memoryMode = "short"
	}

	voiceMode := "off"
	if in.VoiceEnabled {
		voiceMode = "on"
	}

	opsMode := "normal"
	if isDegradedStatus(byKey["ops_awareness"].Status) {
		opsMode = "incident"
	}

	return Consciousness{
		Mode:            mode,
		FatigueLevel:    round3(fatigue),
		RiskLevel:       round3(risk),
		ConfidenceLevel: round3(confidence),
		LastWakeTS:      now,
		LastTurnTS:      now,
		GuardrailsMode:  guardrailsMode,
		MemoryMode:      memoryMode,
		VoiceMode:       voiceMode,
		OpsMode:         opsMode,
	}
}

// TurnMeta carries the per-turn deltas UPDATE applies to the layers.
type TurnMeta struct {
	InputSHA256            string
	InputLen               int
	Modality               string
	FocusTopicHash         string
	IntentHash             string
	ConstraintsHit         []string
	ActivePlanIDs          []string
	PlanProgress           float64
	TurnsInSession         int
	RetrievalCount         int
	GuardrailTriggers      int
	RiskSignals            int
	OpsDegraded            bool
	ContradictionCount     int
	ChangedComponentsCount int
	ErrorsCount            int
}

// ApplyTurnUpdates mutates layers in place per the fixed per-layer rules:
// sensory_io always touches to 1.0, safety_governance degrades past 2
// guardrail triggers, ops_awareness degrades on ops_degraded, memory_short
// freshness decays with turns_in_session, and meta_consciousness signals
// absorb the turn's error count.
func ApplyTurnUpdates(layers []LayerState, meta TurnMeta) {
	now := utcNow()
	idx := make(map[string]int, len(layers))
	for i, l := range layers {
		idx[l.LayerKey] = i
	}

	touch := func(key string, signals int, fresh float64, setFresh bool) {
		i, ok := idx[key]
		if !ok {
			return
		}
		layers[i].LastUpdateTS = now
		if signals > 0 {
			layers[i].SignalsCount += signals
		}
		if setFresh {
			layers[i].FreshnessScore = clamp01(fresh)
		} else {
			layers[i].FreshnessScore = math.Min(1.0, layers[i].FreshnessScore+0.1)
		}
	}

	touch("sensory_io", 1, 1.0, true)

	if meta.FocusTopicHash != "" {
		touch("attention", 1, 0.9, true)
	}

	if meta.IntentHash != "" {
		touch("intent_goals", 1+len(meta.ConstraintsHit), 0.85, true)
	}

	if len(meta.ActivePlanIDs) > 0 {
		progress := meta.PlanProgress
		if progress == 0 {
			progress = 0.5
		}
		touch("plans_procedures", len(meta.ActivePlanIDs), progress, true)
	}

	turns := meta.TurnsInSession
	if turns < 1 {
		turns = 1
	}
	shortFresh := math.Max(0.3, 1.0-float64(turns-1)*0.05)
	touch("memory_short", 1, shortFresh, true)

	if meta.RetrievalCount > 0 {
		touch("memory_long", meta.RetrievalCount, 0.8, true)
	}

	if meta.RiskSignals > 0 || meta.GuardrailTriggers > 0 {
		touch("safety_governance", meta.RiskSignals+meta.GuardrailTriggers, 0, false)
		if meta.GuardrailTriggers > 2 {
			if i, ok := idx["safety_governance"]; ok {
				layers[i].Status = "degraded"
			}
		}
	} else {
		touch("safety_governance", 0, 0.9, true)
	}

	if meta.OpsDegraded {
		if i, ok := idx["ops_awareness"]; ok {
			layers[i].Status = "degraded"
			layers[i].LastUpdateTS = now
			layers[i].FreshnessScore = 0.3
		}
	} else {
		touch("ops_awareness", 0, 0.9, true)
	}

	touch("social_persona", 1, 0, false)

	if meta.ContradictionCount > 0 {
		touch("self_monitoring", meta.ContradictionCount, 0.5, true)
	} else {
		touch("self_monitoring", 0, 0.9, true)
	}

	if meta.ChangedComponentsCount > 0 {
		touch("learning_plasticity", meta.ChangedComponentsCount, 0.8, true)
	}

	if meta.ErrorsCount > 0 {
		touch("meta_consciousness", meta.ErrorsCount, 0.5, true)
	} else {
		touch("meta_consciousness", 0, 0.9, true)
	}
}

func hasLayer(byKey map[string]LayerState, key string) bool {
	_, ok := byKey[key]
	return ok
}

func isDegradedStatus(status string) bool {
	return status == "degraded" || status == "error"
}

func clamp01(v float64) float64 {
	return math.Max(0.0, math.Min(1.0, v))
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}

func utcNow() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
