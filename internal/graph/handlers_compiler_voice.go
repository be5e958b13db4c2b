package graph

import (
	"context"

	"github.com/iNandix/denis/internal/eventv1"
)

// handleCompilerResult materializes IntentDetection and PromptCompile
// metadata nodes for compiler.result and compiler.fallback_result. Only
// hashes, lengths, and picks are stored, never compiled prompt text.
func (m *Materializer) handleCompilerResult(ctx context.Context, ev eventv1.Envelope, mctx mutationContext) {
	p := mctx.Payload
	corrID := ev.CorrelationID
	if corrID == "" {
		return
	}

	promptSHA := strOf(p["prompt_hash_sha256"])
	if promptSHA == "" {
		promptSHA = strOf(p["makina_prompt_sha256"])
	}
	detectionID := sha256Hex(corrID + ":intent")
	compileID := sha256Hex(corrID + ":compile")

	mid := MutationID(ev.EventID, "compiler_metadata", mctx.RunID+":"+corrID+":"+promptSHA)
	if !m.dedupe.Acquire(ctx, mid) {
		return
	}

	candidates := listOf(p["candidates_top3"])
	if len(candidates) > 3 {
		candidates = candidates[:3]
	}
	compiler := strOf(p["compiler"])
	if compiler == "" {
		compiler = "openai_chat"
	}

	m.upsertNode(ctx, LabelIntentDetection, detectionID, map[string]any{
		"correlation_id":       corrID,
		"pick":                 strOf(p["pick"]),
		"confidence":           floatOf(p["confidence"]),
		"candidates_top3_json": truncate(stableJSON(candidates), 4000),
		"input_text_sha256":    strOf(p["input_text_sha256"]),
		"input_text_len":       intOf(p["input_text_len"]),
		"ts":                   mctx.TS,
		"compiler":             compiler,
	})
	m.mergeEdge(ctx, Edge{
		FromLabel: LabelRun, FromID: mctx.RunID,
		Type:    EdgeHasIntent,
		ToLabel: LabelIntentDetection, ToID: detectionID,
	})

	m.upsertNode(ctx, LabelPromptCompile, compileID, map[string]any{
		"correlation_id":      corrID,
		"makina_prompt_sha256": promptSHA,
		"makina_prompt_len":   intOf(p["prompt_len"]),
		"model":               strOf(p["model"]),
		"template_id":         strOf(p["template_id"]),
		"retrieval_refs_hash": strOf(p["retrieval_refs_hash"]),
		"ts":                  mctx.TS,
	})
	m.mergeEdge(ctx, Edge{
		FromLabel: LabelRun, FromID: mctx.RunID,
		Type:    EdgeHasPrompt,
		ToLabel: LabelPromptCompile, ToID: compileID,
	})

	status := "ok"
	if degraded, _ := p["degraded"].(bool); degraded {
		status = "degraded"
	}
	m.touchComponent(ctx, "compiler", mctx.TS, status)
}

func (m *Materializer) handleVoiceSessionStarted(ctx context.Context, ev eventv1.Envelope, mctx mutationContext) {
	p := mctx.Payload
	sessionID := strOf(p["voice_session_id"])
	if sessionID == "" {
		return
	}
	mid := MutationID(ev.EventID, "voice_session_started", sessionID)
	if !m.dedupe.Acquire(ctx, mid) {
		return
	}

	status := strOf(p["status"])
	if status == "" {
		status = "active"
	}
	m.upsertNode(ctx, LabelVoiceSession, sessionID, map[string]any{
		"conversation_id": ev.ConversationID,
		"status":          status,
		"ts":              mctx.TS,
		"last_event_ts":   mctx.TS,
		"error_count":     intOf(p["error_count"]),
	})
	m.touchComponent(ctx, "voice", mctx.TS, "ok")
}

// handleVoiceEvent touches last_event_ts for any voice.* event; voice.error
// additionally increments error_count and transitions the session to error.
func (m *Materializer) handleVoiceEvent(ctx context.Context, ev eventv1.Envelope, mctx mutationContext) {
	sessionID := strOf(mctx.Payload["voice_session_id"])
	if sessionID == "" {
		return
	}
	mid := MutationID(ev.EventID, "voice_event", sessionID+":"+ev.Type)
	if !m.dedupe.Acquire(ctx, mid) {
		return
	}

	if ev.Type == eventv1.TypeVoiceError {
		if err := m.graph.IncrementProperty(ctx, LabelVoiceSession, sessionID, "error_count", 1); err != nil {
			m.recordWriteFailure(ctx, err)
		} else {
			m.recordWriteSuccess()
		}
		m.upsertNode(ctx, LabelVoiceSession, sessionID, map[string]any{
			"status": "error", "last_event_ts": mctx.TS, "last_error_ts": mctx.TS,
		})
	} else {
		m.upsertNode(ctx, LabelVoiceSession, sessionID, map[string]any{
			"last_event_ts": mctx.TS,
		})
	}
	m.touchComponent(ctx, "voice", mctx.TS, "ok")
}
