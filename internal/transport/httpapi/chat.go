package httpapi

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/iNandix/denis/internal/eventv1"
	"github.com/iNandix/denis/internal/graph"
	"github.com/iNandix/denis/internal/persona"
)

// Completer produces the assistant reply for a chat turn. Implementations
// talk to whatever model backend the deployment uses; the event bus itself
// never sees raw model traffic beyond the reply text it hashes.
type Completer interface {
	Complete(ctx context.Context, model string, messages []ChatMessage) (string, error)
}

// ChatMessage is one chat turn message in the OpenAI shape.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// StaticCompleter is the default Completer: a deterministic acknowledgement
// used when no model backend is wired (dev, tests, degraded mode).
type StaticCompleter struct{}

// Complete implements Completer.
func (StaticCompleter) Complete(_ context.Context, _ string, messages []ChatMessage) (string, error) {
	var last string
	for _, m := range messages {
		if m.Role == "user" {
			last = m.Content
		}
	}
	return fmt.Sprintf("Acknowledged (%d chars received).", len(last)), nil
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []ChatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
}

type chatChoice struct {
	Index        int          `json:"index"`
	Message      *ChatMessage `json:"message,omitempty"`
	Delta        *ChatMessage `json:"delta,omitempty"`
	FinishReason *string      `json:"finish_reason"`
}

type chatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type chatResponse struct {
	ID       string       `json:"id"`
	Object   string       `json:"object"`
	Created  int64        `json:"created"`
	Model    string       `json:"model"`
	Choices  []chatChoice `json:"choices"`
	Usage    *chatUsage   `json:"usage,omitempty"`
	Warning  string       `json:"warning,omitempty"`
	Degraded bool         `json:"degraded,omitempty"`
}

// handleChatCompletions implements POST /v1/chat/completions: emit the
// canonical turn event sequence through the frontdoor, produce a completion
// in the OpenAI response shape, and run the per-turn neuro update.
func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	s.chatRequests.Add(1)

	var req chatRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusOK, chatResponse{
			ID: newChatID(), Object: "chat.completion", Created: time.Now().Unix(),
			Warning: "invalid request body", Degraded: true,
		})
		return
	}

	conversationID := r.URL.Query().Get("conversation_id")
	if conversationID == "" {
		conversationID = eventv1.DefaultConversationID
	}
	userContent := lastUserContent(req.Messages)

	ctx := persona.WithTurnContext(r.Context(), persona.TurnContext{
		ConversationID: conversationID,
		CorrelationID:  uuid.NewString(),
		TurnID:         uuid.NewString(),
	})

	reply, completeErr := s.opts.Completer.Complete(ctx, req.Model, req.Messages)
	s.emitTurnSequence(ctx, conversationID, userContent, reply, completeErr != nil)

	resp := chatResponse{
		ID:      newChatID(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   req.Model,
		Choices: []chatChoice{{
			Index:        0,
			Message:      &ChatMessage{Role: "assistant", Content: reply},
			FinishReason: strPtr("stop"),
		}},
		Usage: &chatUsage{
			PromptTokens:     approxTokens(userContent),
			CompletionTokens: approxTokens(reply),
			TotalTokens:      approxTokens(userContent) + approxTokens(reply),
		},
	}
	if completeErr != nil {
		resp.Warning = "completion backend degraded"
		resp.Degraded = true
	}

	if req.Stream {
		s.streamChatResponse(w, resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// streamChatResponse writes the completion as server-sent chunks terminated
// by the [DONE] marker. Streams close cleanly even when the reply carries a
// degraded warning.
func (s *Server) streamChatResponse(w http.ResponseWriter, resp chatResponse) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	flusher, _ := w.(http.Flusher)

	writeChunk := func(choice chatChoice) {
		chunk := chatResponse{
			ID: resp.ID, Object: "chat.completion.chunk",
			Created: resp.Created, Model: resp.Model,
			Choices: []chatChoice{choice},
		}
		data, err := jsonMarshal(chunk)
		if err != nil {
			return
		}
		fmt.Fprintf(w, "data: %s\n\n", data)
		if flusher != nil {
			flusher.Flush()
		}
	}

	writeChunk(chatChoice{Index: 0, Delta: &ChatMessage{Role: "assistant"}})
	content := ""
	if resp.Choices[0].Message != nil {
		content = resp.Choices[0].Message.Content
	}
	for _, part := range splitForStream(content) {
		writeChunk(chatChoice{Index: 0, Delta: &ChatMessage{Content: part}})
	}
	writeChunk(chatChoice{Index: 0, FinishReason: strPtr("stop")})
	fmt.Fprint(w, "data: [DONE]\n\n")
	if flusher != nil {
		flusher.Flush()
	}
}

// emitTurnSequence emits the canonical per-turn subsequence: user message,
// run.step, the RAG pipeline markers, the reasoning summaries, and the
// assistant message, followed by the neuro per-turn update. Payloads carry
// only hashes and lengths.
func (s *Server) emitTurnSequence(ctx context.Context, conversationID, userContent, reply string, degraded bool) {
	emit := func(eventType string, payload map[string]any) {
		_, _ = s.opts.Frontdoor.Emit(ctx, persona.EmitRequest{
			ConversationID: conversationID,
			Type:           eventType,
			Severity:       eventv1.SeverityInfo,
			Payload:        payload,
			Stored:         true,
		})
	}

	emit(eventv1.TypeChatMessage, map[string]any{
		"role":           "user",
		"content_sha256": sha256Of(userContent),
		"content_len":    len(userContent),
	})
	stepID := "step_" + uuid.NewString()
	emit(eventv1.TypeRunStep, map[string]any{
		"step_id": stepID,
		"name":    "turn",
		"state":   "RUNNING",
		"order":   1,
	})
	emit(eventv1.TypeRAGSearchStart, map[string]any{
		"query_sha256": sha256Of(userContent),
		"query_len":    len(userContent),
	})
	emit(eventv1.TypeRAGSearchResult, map[string]any{"selected": []any{}})
	emit(eventv1.TypeRAGContextCompiled, map[string]any{"chunks_count": 0})
	emit(eventv1.TypeAgentReasoningSummary, map[string]any{
		"adaptive_reasoning": map[string]any{
			"goal_sha256": sha256Of(userContent),
			"goal_len":    len(userContent),
			"tools_used":  []any{},
		},
	})
	emit(eventv1.TypeAgentDecisionTraceSummary, map[string]any{
		"decision_count": 1,
	})
	emit(eventv1.TypeChatMessage, map[string]any{
		"role":           "assistant",
		"content_sha256": sha256Of(reply),
		"content_len":    len(reply),
	})

	s.opts.Materializer.Update(ctx, graph.TurnMeta{
		InputSHA256:    sha256Of(userContent),
		InputLen:       len(userContent),
		Modality:       "text",
		TurnsInSession: 1,
		OpsDegraded:    degraded,
	}, s.sequenceEmit(conversationID))
}

// sequenceEmit bridges the materializer's neuro sequences back through the
// frontdoor.
func (s *Server) sequenceEmit(conversationID string) graph.EmitFunc {
	return func(ctx context.Context, eventType string, payload map[string]any, stored bool) {
		_, _ = s.opts.Frontdoor.Emit(ctx, persona.EmitRequest{
			ConversationID: conversationID,
			Type:           eventType,
			Severity:       eventv1.SeverityInfo,
			Payload:        payload,
			Stored:         stored,
		})
	}
}

type personaChatRequest struct {
	ConversationID string `json:"conversation_id"`
	Text           string `json:"text"`
}

// handlePersonaChat implements POST /persona/chat: the frontdoor entry point
// for text turns.
func (s *Server) handlePersonaChat(w http.ResponseWriter, r *http.Request) {
	var req personaChatRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"warning": "invalid request body", "degraded": true})
		return
	}
	if req.ConversationID == "" {
		req.ConversationID = eventv1.DefaultConversationID
	}

	ctx := persona.WithTurnContext(r.Context(), persona.TurnContext{
		ConversationID: req.ConversationID,
		CorrelationID:  uuid.NewString(),
		TurnID:         uuid.NewString(),
	})

	reply, err := s.opts.Completer.Complete(ctx, "", []ChatMessage{{Role: "user", Content: req.Text}})
	s.emitTurnSequence(ctx, req.ConversationID, req.Text, reply, err != nil)

	resp := map[string]any{
		"reply":           reply,
		"conversation_id": req.ConversationID,
	}
	if err != nil {
		resp["warning"] = "completion backend degraded"
		resp["degraded"] = true
	}
	writeJSON(w, http.StatusOK, resp)
}

type personaVoiceRequest struct {
	ConversationID string `json:"conversation_id"`
	VoiceSessionID string `json:"voice_session_id"`
	// Event is the voice lifecycle step: session.started, asr.partial,
	// asr.final, tts.requested, tts.audio.ready, tts.done, error.
	Event         string `json:"event"`
	ContentSHA256 string `json:"content_sha256"`
	ContentLen    int    `json:"content_len"`
}

var voiceEventTypes = map[string]string{
	"session.started": eventv1.TypeVoiceSessionStarted,
	"asr.partial":     eventv1.TypeVoiceASRPartial,
	"asr.final":       eventv1.TypeVoiceASRFinal,
	"tts.requested":   eventv1.TypeVoiceTTSRequested,
	"tts.audio.ready": eventv1.TypeVoiceTTSAudioReady,
	"tts.done":        eventv1.TypeVoiceTTSDone,
	"error":           eventv1.TypeVoiceError,
}

// handlePersonaVoice implements POST /persona/voice: voice lifecycle events
// enter the bus here. Audio never does; payloads carry session ids and
// content hashes only.
func (s *Server) handlePersonaVoice(w http.ResponseWriter, r *http.Request) {
	var req personaVoiceRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"warning": "invalid request body", "degraded": true})
		return
	}
	eventType, ok := voiceEventTypes[req.Event]
	if !ok {
		writeJSON(w, http.StatusOK, map[string]any{"warning": "unknown voice event", "degraded": true})
		return
	}
	if req.ConversationID == "" {
		req.ConversationID = eventv1.DefaultConversationID
	}
	if req.VoiceSessionID == "" {
		req.VoiceSessionID = "vs_" + uuid.NewString()
	}

	ctx := persona.WithTurnContext(r.Context(), persona.TurnContext{
		ConversationID: req.ConversationID,
		CorrelationID:  uuid.NewString(),
		TurnID:         uuid.NewString(),
	})

	severity := eventv1.SeverityInfo
	if eventType == eventv1.TypeVoiceError {
		severity = eventv1.SeverityError
	}
	payload := map[string]any{"voice_session_id": req.VoiceSessionID}
	if req.ContentSHA256 != "" {
		payload["content_sha256"] = req.ContentSHA256
		payload["content_len"] = req.ContentLen
	}
	env, _ := s.opts.Frontdoor.Emit(ctx, persona.EmitRequest{
		ConversationID: req.ConversationID,
		Type:           eventType,
		Severity:       severity,
		Payload:        payload,
		Stored:         true,
	})

	writeJSON(w, http.StatusOK, map[string]any{
		"voice_session_id": req.VoiceSessionID,
		"event_id":         env.EventID,
	})
}

func lastUserContent(messages []ChatMessage) string {
	var last string
	for _, m := range messages {
		if m.Role == "user" {
			last = m.Content
		}
	}
	return last
}

func sha256Of(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

func newChatID() string {
	return "chatcmpl-" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

func approxTokens(text string) int {
	return (len(text) + 3) / 4
}

func strPtr(s string) *string { return &s }

// splitForStream chunks the reply so streamed responses carry several
// deltas rather than one.
func splitForStream(content string) []string {
	const chunkSize = 48
	if content == "" {
		return nil
	}
	var parts []string
	for len(content) > chunkSize {
		parts = append(parts, content[:chunkSize])
		content = content[chunkSize:]
	}
	return append(parts, content)
}
