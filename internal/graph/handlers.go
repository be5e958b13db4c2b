package graph

import (
	"context"
	"encoding/json"
	"net/url"
	"strings"

	"github.com/iNandix/denis/internal/eventv1"
)

// dispatchTable binds every materialized event type to its handler. Types in
// the registry without a dedicated mapping take the freshness-only path so
// the graph still records bus liveness.
func (m *Materializer) dispatchTable() map[string]handlerFunc {
	table := map[string]handlerFunc{
		eventv1.TypeRunStep:            m.handleRunStep,
		eventv1.TypeRAGSearchStart:     m.handleRAGSearchStart,
		eventv1.TypeRAGSearchResult:    m.handleRAGSearchResult,
		eventv1.TypeRAGContextCompiled: m.handleRAGContextCompiled,
		eventv1.TypeScrapingPage:       m.handleScraping,
		eventv1.TypeScrapingDone:       m.handleScraping,

		eventv1.TypeAgentDecisionTraceSummary: m.handleDecisionTraceSummary,
		eventv1.TypeAgentReasoningSummary:     m.handleReasoningSummary,
		eventv1.TypeIndexingUpsert:            m.handleIndexingUpsert,
		eventv1.TypeError:                     m.handleError,

		eventv1.TypeControlRoomTaskCreated:       m.handleTaskCreated,
		eventv1.TypeControlRoomTaskUpdated:       m.handleTaskUpdated,
		eventv1.TypeControlRoomRunSpawned:        m.handleRunSpawned,
		eventv1.TypeControlRoomRunCompleted:      m.handleRunCompleted,
		eventv1.TypeControlRoomApprovalRequested: m.handleApprovalRequested,
		eventv1.TypeControlRoomApprovalResolved:  m.handleApprovalResolved,
		eventv1.TypeControlRoomActionUpdated:     m.handleActionUpdated,

		eventv1.TypeCompilerResult:         m.handleCompilerResult,
		eventv1.TypeCompilerFallbackResult: m.handleCompilerResult,

		eventv1.TypeVoiceSessionStarted: m.handleVoiceSessionStarted,
		eventv1.TypeVoiceASRPartial:     m.handleVoiceEvent,
		eventv1.TypeVoiceASRFinal:       m.handleVoiceEvent,
		eventv1.TypeVoiceTTSRequested:   m.handleVoiceEvent,
		eventv1.TypeVoiceTTSAudioReady:  m.handleVoiceEvent,
		eventv1.TypeVoiceTTSDone:        m.handleVoiceEvent,
		eventv1.TypeVoiceError:          m.handleVoiceEvent,

		eventv1.TypeNeuroWakeStart:           m.handleNeuroWakeStart,
		eventv1.TypeNeuroLayerSnapshot:       m.handleNeuroLayerSnapshot,
		eventv1.TypeNeuroConsciousnessSnap:   m.handleConsciousnessSnapshot,
		eventv1.TypeNeuroConsciousnessUpdate: m.handleConsciousnessUpdate,
		eventv1.TypeNeuroTurnUpdate:          m.handleNeuroTurnUpdate,
		eventv1.TypePersonaStateUpdate:       m.handlePersonaStateUpdate,
	}

	// Registry members with no entity-specific mapping still refresh bus
	// freshness (and the Run upsert the caller already applied).
	for t := range eventv1.KnownTypes {
		if _, mapped := table[t]; !mapped {
			table[t] = m.handleFreshnessOnly
		}
	}
	return table
}

func (m *Materializer) touchComponent(ctx context.Context, componentID, ts, status string) {
	m.upsertNode(ctx, LabelComponent, componentID, map[string]any{
		"freshness_ts": ts,
		"status":       status,
	})
}

func (m *Materializer) handleFreshnessOnly(ctx context.Context, ev eventv1.Envelope, mctx mutationContext) {
	mid := MutationID(ev.EventID, "component_freshness", ev.Type)
	if !m.dedupe.Acquire(ctx, mid) {
		return
	}
	m.touchComponent(ctx, "ws_event_bus", mctx.TS, "ok")
}

var stepStatusMap = map[string]string{
	"QUEUED":  "queued",
	"RUNNING": "running",
	"SUCCESS": "success",
	"FAILED":  "failed",
	"STALE":   "stale",
}

func (m *Materializer) handleRunStep(ctx context.Context, ev eventv1.Envelope, mctx mutationContext) {
	p := mctx.Payload
	stepID := strOf(p["step_id"])
	if stepID == "" {
		return
	}
	state := strings.ToUpper(strings.TrimSpace(strOf(p["state"])))
	if state == "" {
		state = strings.ToUpper(strings.TrimSpace(strOf(p["status"])))
	}
	status, ok := stepStatusMap[state]
	if !ok {
		status = "running"
	}
	name := strOf(p["name"])
	if name == "" {
		name = strOf(p["step_name"])
	}
	order := intOf(p["order"])

	mid := MutationID(ev.EventID, "run_step", mctx.RunID+":"+stepID+":"+state)
	if !m.dedupe.Acquire(ctx, mid) {
		return
	}

	m.upsertNode(ctx, LabelStep, stepID, map[string]any{
		"run_id": mctx.RunID,
		"name":   name,
		"tool":   strOf(p["tool"]),
		"order":  order,
		"status": status,
		"ts":     mctx.TS,
	})
	m.mergeEdge(ctx, Edge{
		FromLabel: LabelRun, FromID: mctx.RunID,
		Type:    EdgeHasStep,
		ToLabel: LabelStep, ToID: stepID,
		Props: map[string]any{"order": order},
	})

	if componentID := strOf(p["component_id"]); componentID != "" {
		m.touchComponent(ctx, componentID, mctx.TS, "ok")
		m.mergeEdge(ctx, Edge{
			FromLabel: LabelStep, FromID: stepID,
			Type:    EdgeTouched,
			ToLabel: LabelComponent, ToID: componentID,
		})
	}

	if artifactID := strOf(p["artifact_id"]); artifactID != "" {
		kind := strOf(p["artifact_kind"])
		if kind == "" {
			kind = "step_outcome"
		}
		m.upsertNode(ctx, LabelArtifact, artifactID, map[string]any{
			"kind":        kind,
			"ts":          mctx.TS,
			"hash_sha256": artifactID,
			"counts_json": stableJSON(mapOf(p["counts"])),
		})
		m.mergeEdge(ctx, Edge{
			FromLabel: LabelStep, FromID: stepID,
			Type:    EdgeProduced,
			ToLabel: LabelArtifact, ToID: artifactID,
		})
	}

	m.touchComponent(ctx, "ws_event_bus", mctx.TS, "ok")
}

func (m *Materializer) handleRAGSearchStart(ctx context.Context, ev eventv1.Envelope, mctx mutationContext) {
	stepID := sha256Hex(mctx.RunID + ":pro_search")
	mid := MutationID(ev.EventID, "step_pro_search_start", stepID)
	if !m.dedupe.Acquire(ctx, mid) {
		return
	}
	m.touchComponent(ctx, "pro_search", mctx.TS, "ok")
	m.upsertStepWithLink(ctx, mctx.RunID, stepID, "pro_search", "running", mctx.TS, 1)
}

func (m *Materializer) handleRAGSearchResult(ctx context.Context, ev eventv1.Envelope, mctx mutationContext) {
	stepID := sha256Hex(mctx.RunID + ":pro_search")
	selected := listOf(mctx.Payload["selected"])
	counts := map[string]any{"selected_count": len(selected)}
	artifactID := sha256Hex(truncate(stableJSON(selected), 8000))

	mid := MutationID(ev.EventID, "step_pro_search_result", stepID+":"+artifactID)
	if !m.dedupe.Acquire(ctx, mid) {
		return
	}

	m.touchComponent(ctx, "pro_search", mctx.TS, "ok")
	m.upsertStepWithLink(ctx, mctx.RunID, stepID, "pro_search", "success", mctx.TS, 1)

	if len(selected) == 0 {
		return
	}
	m.upsertNode(ctx, LabelArtifact, artifactID, map[string]any{
		"kind":        "evidence_pack",
		"ts":          mctx.TS,
		"hash_sha256": artifactID,
		"counts_json": stableJSON(counts),
	})
	m.mergeEdge(ctx, Edge{
		FromLabel: LabelStep, FromID: stepID,
		Type:    EdgeProduced,
		ToLabel: LabelArtifact, ToID: artifactID,
	})

	// Minimal provenance: source ids carried on the selected entries.
	limit := len(selected)
	if limit > 20 {
		limit = 20
	}
	for _, item := range selected[:limit] {
		entry := mapOf(item)
		src := strOf(entry["source"])
		if src == "" {
			continue
		}
		m.upsertNode(ctx, LabelSource, src, map[string]any{
			"kind": "domain", "last_seen_ts": mctx.TS,
		})
		m.mergeEdge(ctx, Edge{
			FromLabel: LabelArtifact, FromID: artifactID,
			Type:    EdgeFromSource,
			ToLabel: LabelSource, ToID: src,
		})
	}
}

func (m *Materializer) handleRAGContextCompiled(ctx context.Context, ev eventv1.Envelope, mctx mutationContext) {
	stepID := sha256Hex(mctx.RunID + ":rag_build")
	citations := listOf(mctx.Payload["citations"])
	counts := map[string]any{
		"chunks_count":    intOf(mctx.Payload["chunks_count"]),
		"citations_count": len(citations),
	}
	artifactID := sha256Hex(stableJSON(counts))

	mid := MutationID(ev.EventID, "rag_context_compiled", stepID+":"+artifactID)
	if !m.dedupe.Acquire(ctx, mid) {
		return
	}

	m.touchComponent(ctx, "rag_context_builder", mctx.TS, "ok")
	m.upsertStepWithLink(ctx, mctx.RunID, stepID, "rag_build", "success", mctx.TS, 2)
	m.upsertNode(ctx, LabelArtifact, artifactID, map[string]any{
		"kind":        "context_pack",
		"ts":          mctx.TS,
		"hash_sha256": artifactID,
		"counts_json": stableJSON(counts),
	})
	m.mergeEdge(ctx, Edge{
		FromLabel: LabelStep, FromID: stepID,
		Type:    EdgeProduced,
		ToLabel: LabelArtifact, ToID: artifactID,
	})
	m.upsertNode(ctx, LabelRun, mctx.RunID, map[string]any{"status": "ok"})
}

func (m *Materializer) handleScraping(ctx context.Context, ev eventv1.Envelope, mctx mutationContext) {
	stepID := sha256Hex(mctx.RunID + ":scrape")
	sourceID := hostOf(strOf(mctx.Payload["url"]))
	if sourceID == "" {
		sourceID = "unknown"
	}
	mid := MutationID(ev.EventID, "scrape_event", stepID+":"+ev.Type+":"+sourceID)
	if !m.dedupe.Acquire(ctx, mid) {
		return
	}

	status := "success"
	if ev.Type == eventv1.TypeScrapingPage {
		status = "running"
	}
	m.touchComponent(ctx, "advanced_scraping", mctx.TS, "ok")
	m.upsertStepWithLink(ctx, mctx.RunID, stepID, "scrape", status, mctx.TS, 1)
	m.upsertNode(ctx, LabelSource, sourceID, map[string]any{
		"kind": "host", "last_seen_ts": mctx.TS,
	})
}

func (m *Materializer) handleDecisionTraceSummary(ctx context.Context, ev eventv1.Envelope, mctx mutationContext) {
	artifactID := sha256Hex(truncate(stableJSON(mctx.Payload), 8000))
	mid := MutationID(ev.EventID, "decision_summary", artifactID)
	if !m.dedupe.Acquire(ctx, mid) {
		return
	}
	m.touchComponent(ctx, "control_room", mctx.TS, "ok")
	m.upsertNode(ctx, LabelArtifact, artifactID, map[string]any{
		"kind":        "decision_summary",
		"ts":          mctx.TS,
		"hash_sha256": artifactID,
		"counts_json": stableJSON(map[string]any{"fields": len(mctx.Payload)}),
	})
}

func (m *Materializer) handleReasoningSummary(ctx context.Context, ev eventv1.Envelope, mctx mutationContext) {
	stepID := sha256Hex(mctx.RunID + ":adaptive_reasoning")
	ar := mapOf(mctx.Payload["adaptive_reasoning"])

	retrievalCount := 0
	if retrieval := mapOf(ar["retrieval"]); retrieval != nil {
		retrievalCount = len(listOf(retrieval["chunk_ids"]))
	}
	safeMeta := map[string]any{
		"goal_sha256":     strOf(ar["goal_sha256"]),
		"goal_len":        intOf(ar["goal_len"]),
		"tools_used":      listOf(ar["tools_used"]),
		"constraints_hit": listOf(ar["constraints_hit"]),
		"retrieval_count": retrievalCount,
	}
	artifactID := sha256Hex(stableJSON(safeMeta))

	mid := MutationID(ev.EventID, "adaptive_reasoning", stepID+":"+artifactID)
	if !m.dedupe.Acquire(ctx, mid) {
		return
	}

	m.upsertStepWithLink(ctx, mctx.RunID, stepID, "adaptive_reasoning", "success", mctx.TS, 3)
	m.upsertNode(ctx, LabelArtifact, artifactID, map[string]any{
		"kind":        "decision_summary",
		"ts":          mctx.TS,
		"hash_sha256": artifactID,
		"counts_json": stableJSON(safeMeta),
	})
	m.mergeEdge(ctx, Edge{
		FromLabel: LabelStep, FromID: stepID,
		Type:    EdgeProduced,
		ToLabel: LabelArtifact, ToID: artifactID,
	})
}

func (m *Materializer) handleIndexingUpsert(ctx context.Context, ev eventv1.Envelope, mctx mutationContext) {
	stepID := sha256Hex(mctx.RunID + ":index_upsert")
	idxHash := strOf(mctx.Payload["hash_sha256"])
	artifactID := idxHash
	if artifactID == "" {
		artifactID = sha256Hex(truncate(stableJSON(mctx.Payload), 4000))
	}

	mid := MutationID(ev.EventID, "index_upsert", stepID+":"+artifactID)
	if !m.dedupe.Acquire(ctx, mid) {
		return
	}

	m.touchComponent(ctx, "vectorstore_qdrant", mctx.TS, "ok")
	m.upsertStepWithLink(ctx, mctx.RunID, stepID, "index_upsert", "success", mctx.TS, 4)
	m.upsertNode(ctx, LabelArtifact, artifactID, map[string]any{
		"kind":        "chunk",
		"ts":          mctx.TS,
		"hash_sha256": idxHash,
		"index_kind":  strOf(mctx.Payload["kind"]),
	})
	m.mergeEdge(ctx, Edge{
		FromLabel: LabelStep, FromID: stepID,
		Type:    EdgeProduced,
		ToLabel: LabelArtifact, ToID: artifactID,
	})
}

func (m *Materializer) handleError(ctx context.Context, ev eventv1.Envelope, mctx mutationContext) {
	mid := MutationID(ev.EventID, "run_error", mctx.RunID)
	if !m.dedupe.Acquire(ctx, mid) {
		return
	}
	m.upsertNode(ctx, LabelRun, mctx.RunID, map[string]any{
		"status": "degraded", "last_err_ts": mctx.TS,
	})
	m.upsertNode(ctx, LabelComponent, "ws_event_bus", map[string]any{
		"freshness_ts": mctx.TS, "status": "degraded", "last_err_ts": mctx.TS,
	})
}

func (m *Materializer) upsertStepWithLink(ctx context.Context, runID, stepID, name, status, ts string, order int) {
	m.upsertNode(ctx, LabelStep, stepID, map[string]any{
		"run_id": runID,
		"name":   name,
		"status": status,
		"ts":     ts,
		"order":  order,
	})
	m.mergeEdge(ctx, Edge{
		FromLabel: LabelRun, FromID: runID,
		Type:    EdgeHasStep,
		ToLabel: LabelStep, ToID: stepID,
		Props: map[string]any{"order": order},
	})
}

// stableJSON renders v with deterministic key order for hashing and
// counts_json storage. Failures degrade to "{}" rather than aborting the
// mutation.
func stableJSON(v any) string {
	if v == nil {
		return "{}"
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func hostOf(rawURL string) string {
	if rawURL == "" {
		return ""
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(u.Hostname())
}
