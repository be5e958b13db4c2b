// Package eventv1 defines the event envelope that flows through the store,
// hub, persona frontdoor, and graph materializer. It is the wire and storage
// shape shared by every other internal package in this module.
package eventv1

import "strings"

type (
	// Channel is a coarse routing tag used by UIs and filters. It is inferred
	// from Type when the caller does not set it explicitly.
	Channel string

	// Severity classifies how serious an event is for display and alerting.
	Severity string

	// UIHint carries small render hints for UI consumers. Keys are free-form
	// but conventionally include "render", "icon", and "collapsible".
	UIHint map[string]any

	// Envelope is the event_v1 record. The zero value is not valid; the
	// persona frontdoor (internal/persona) composes envelopes with the
	// required fields stamped.
	Envelope struct {
		// EventID is assigned by the store on Append; zero for ephemeral
		// (hub-only) events and for events not yet appended.
		EventID int64 `json:"event_id"`
		// TS is the ISO-8601 UTC timestamp assigned by the emitter.
		TS string `json:"ts"`
		// ConversationID is non-empty; defaults to "default".
		ConversationID string `json:"conversation_id"`
		// Emitter is always PersonaEmitter for stored/published events.
		Emitter string `json:"emitter"`
		// CorrelationID ties together events from the same logical request.
		CorrelationID string `json:"correlation_id"`
		// TurnID identifies the conversational turn.
		TurnID string `json:"turn_id"`
		// TraceID is opaque and may be empty.
		TraceID string `json:"trace_id,omitempty"`
		// Channel routes the event for display/filtering.
		Channel Channel `json:"channel"`
		// Stored is false for ephemeral (hub-only) events.
		Stored bool `json:"stored"`
		// Type is one of the closed set in the event type registry.
		Type string `json:"type"`
		// Severity classifies the event.
		Severity Severity `json:"severity"`
		// SchemaVersion is always "1.0" for this version of the envelope.
		SchemaVersion string `json:"schema_version"`
		// UIHint carries render hints.
		UIHint UIHint `json:"ui_hint,omitempty"`
		// Payload is the sanitized event body. Never contains secrets or raw
		// prompt/response text.
		Payload map[string]any `json:"payload"`
	}
)

// Severity values.
const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Channel values.
const (
	ChannelText        Channel = "text"
	ChannelVoice       Channel = "voice"
	ChannelControlRoom Channel = "control_room"
	ChannelRAG         Channel = "rag"
	ChannelTool        Channel = "tool"
	ChannelScrape      Channel = "scrape"
	ChannelOps         Channel = "ops"
	ChannelCompiler    Channel = "compiler"
	ChannelNeuro       Channel = "neuro"
)

// SchemaVersion is the single supported schema_version value.
const SchemaVersion = "1.0"

// PersonaEmitter is the only legitimate value of Envelope.Emitter.
const PersonaEmitter = "denis_persona"

// DefaultConversationID is used when a caller does not supply one.
const DefaultConversationID = "default"

// DefaultUIHint is applied to envelopes that do not carry a ui_hint.
func DefaultUIHint() UIHint {
	return UIHint{"render": "event", "icon": "dot", "collapsible": true}
}

// InferChannel derives a Channel from an event type prefix. The mapping is
// closed; unmatched prefixes default to ChannelOps.
func InferChannel(eventType string) Channel {
	switch {
	case hasAnyPrefix(eventType, "compiler.", "retrieval."):
		return ChannelCompiler
	case hasAnyPrefix(eventType, "voice."):
		return ChannelVoice
	case hasAnyPrefix(eventType, "control_room."):
		return ChannelControlRoom
	case hasAnyPrefix(eventType, "rag."):
		return ChannelRAG
	case hasAnyPrefix(eventType, "tool."):
		return ChannelTool
	case hasAnyPrefix(eventType, "scrape.", "scraping."):
		return ChannelScrape
	case hasAnyPrefix(eventType, "neuro.", "persona."):
		return ChannelNeuro
	case eventType == "chat.message" || hasAnyPrefix(eventType, "plan."):
		return ChannelText
	case hasAnyPrefix(eventType, "agent.", "ops."),
		eventType == "error", eventType == "graph.mutation",
		eventType == "indexing.upsert", eventType == "run.step":
		return ChannelOps
	default:
		return ChannelOps
	}
}

func hasAnyPrefix(s string, prefixes ...string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}

// Clone returns a deep-enough copy of the envelope suitable for mutation
// without aliasing the caller's payload/ui_hint maps.
func (e Envelope) Clone() Envelope {
	out := e
	if e.Payload != nil {
		out.Payload = make(map[string]any, len(e.Payload))
		for k, v := range e.Payload {
			out.Payload[k] = v
		}
	}
	if e.UIHint != nil {
		out.UIHint = make(UIHint, len(e.UIHint))
		for k, v := range e.UIHint {
			out.UIHint[k] = v
		}
	}
	return out
}
