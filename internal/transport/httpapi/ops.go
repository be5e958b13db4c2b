package httpapi

import (
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/iNandix/denis/internal/eventv1"
	"github.com/iNandix/denis/internal/graph"
	"github.com/iNandix/denis/internal/persona"
)

// handleEvents implements GET /v1/events?conversation_id&after. Fail-open:
// always 200 with a possibly empty list plus an error object on store
// trouble.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conversationID := r.URL.Query().Get("conversation_id")
	if conversationID == "" {
		conversationID = eventv1.DefaultConversationID
	}
	after, _ := strconv.ParseInt(r.URL.Query().Get("after"), 10, 64)

	events, err := s.opts.Store.QueryAfter(r.Context(), conversationID, after)
	if events == nil {
		events = []eventv1.Envelope{}
	}
	body := map[string]any{
		"conversation_id": conversationID,
		"events":          events,
	}
	if err != nil {
		body["error"] = map[string]any{"code": "degraded", "message": "event store unavailable"}
	}
	writeJSON(w, http.StatusOK, body)
}

// handleTelemetry implements GET /telemetry. It must answer 200 even when
// every subsystem is down, so each block is assembled independently and
// failures degrade to status markers.
func (s *Server) handleTelemetry(w http.ResponseWriter, r *http.Request) {
	frontdoorDrops, guardViolations := s.opts.Frontdoor.Counters()
	stats := s.opts.Materializer.Stats()
	freshness := s.opts.Materializer.Freshness(r.Context())

	layers, consciousness, neuroDegraded := s.opts.Materializer.NeuroState(r.Context())

	body := map[string]any{
		"requests": map[string]any{
			"total": s.requests.Load(),
		},
		"chat": map[string]any{
			"total": s.chatRequests.Load(),
		},
		"hub": map[string]any{
			"backpressure_drops": s.opts.HubDrops.Load(),
		},
		"persona": map[string]any{
			"frontdoor_drops":      frontdoorDrops,
			"guardrail_violations": guardViolations,
		},
		"graph": map[string]any{
			"enabled":          s.opts.Materializer.Graph().Enabled(),
			"lag_ms":           stats.LagMS,
			"errors_window":    stats.ErrorsWindow,
			"last_mutation_ts": stats.LastMutationTS,
			"last_ok_ts":       stats.LastOkTS,
			"last_err_ts":      stats.LastErrTS,
			"freshness":        freshness,
		},
		"neuro": map[string]any{
			"layers":   len(layers),
			"mode":     consciousness.Mode,
			"degraded": neuroDegraded,
		},
	}
	if s.opts.ControlRoom != nil {
		body["control_room"] = map[string]any{"status": "ok"}
	} else {
		body["control_room"] = map[string]any{"status": "disabled"}
	}
	writeJSON(w, http.StatusOK, body)
}

// handleHealth implements GET /health with per-subsystem blocks mirroring
// the telemetry structure.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats := s.opts.Materializer.Stats()
	graphEnabled := s.opts.Materializer.Graph().Enabled()

	graphStatus := "ok"
	switch {
	case !graphEnabled:
		graphStatus = "disabled"
	case stats.ErrorsWindow > 0 && stats.LastOkTS == "":
		graphStatus = "unavailable"
	case stats.ErrorsWindow > 0:
		graphStatus = "degraded"
	}

	storeStatus := "ok"
	if _, err := s.opts.Store.QueryAfter(r.Context(), eventv1.DefaultConversationID, 0); err != nil {
		storeStatus = "degraded"
	}

	overall := "ok"
	if storeStatus != "ok" || graphStatus == "unavailable" {
		overall = "degraded"
	}

	body := map[string]any{
		"status": overall,
		"subsystems": map[string]any{
			"event_store": map[string]any{"status": storeStatus},
			"hub":         map[string]any{"status": "ok"},
			"graph": map[string]any{
				"status":        graphStatus,
				"errors_window": stats.ErrorsWindow,
				"last_ok_ts":    stats.LastOkTS,
				"last_err_ts":   stats.LastErrTS,
			},
		},
	}
	writeJSON(w, http.StatusOK, body)
}

// handleNeuroState implements GET /neuro/state: the 12-layer snapshot plus
// the derived consciousness state.
func (s *Server) handleNeuroState(w http.ResponseWriter, r *http.Request) {
	layers, consciousness, degraded := s.opts.Materializer.NeuroState(r.Context())
	body := map[string]any{
		"layers":        layers,
		"consciousness": consciousness,
	}
	if degraded {
		body["warning"] = "graph unavailable; defaults shown"
		body["degraded"] = true
	}
	writeJSON(w, http.StatusOK, body)
}

// handleNeuroWake implements POST /neuro/wake: run the WAKE sequence and
// return the derived consciousness state.
func (s *Server) handleNeuroWake(w http.ResponseWriter, r *http.Request) {
	conversationID := r.URL.Query().Get("conversation_id")
	if conversationID == "" {
		conversationID = eventv1.DefaultConversationID
	}
	ctx := persona.WithTurnContext(r.Context(), persona.TurnContext{
		ConversationID: conversationID,
		CorrelationID:  uuid.NewString(),
		TurnID:         uuid.NewString(),
	})

	consciousness := s.opts.Materializer.Wake(ctx, s.sequenceEmit(conversationID))
	writeJSON(w, http.StatusOK, map[string]any{
		"consciousness": consciousness,
		"layers":        graph.NumLayers,
	})
}
