package httpapi_test

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iNandix/denis/internal/config"
	"github.com/iNandix/denis/internal/eventhub"
	"github.com/iNandix/denis/internal/eventstore/inmemstore"
	"github.com/iNandix/denis/internal/eventv1"
	"github.com/iNandix/denis/internal/graph"
	"github.com/iNandix/denis/internal/graph/dedupe"
	graphinmem "github.com/iNandix/denis/internal/graph/inmem"
	"github.com/iNandix/denis/internal/persona"
	"github.com/iNandix/denis/internal/telemetry"
	"github.com/iNandix/denis/internal/transport/httpapi"
)

type fixture struct {
	server *httptest.Server
	events *inmemstore.Store
}

func newFixture(t *testing.T, cfg config.Config) fixture {
	t.Helper()

	events := inmemstore.New()
	hub := eventhub.New()
	materializer := graph.New(graphinmem.New(), dedupe.NewMemory(), telemetry.Noop(), graph.Options{})
	frontdoor := persona.New(events, hub, materializer, telemetry.Noop(), persona.Options{})

	api := httpapi.New(httpapi.Options{
		Config:       cfg,
		Store:        events,
		Hub:          hub,
		Frontdoor:    frontdoor,
		Materializer: materializer,
		Telemetry:    telemetry.Noop(),
	})
	server := httptest.NewServer(api.Handler())
	t.Cleanup(server.Close)
	return fixture{server: server, events: events}
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func postJSON(t *testing.T, url string, body any, out any) int {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestEventsEndpointReplays(t *testing.T) {
	f := newFixture(t, config.Config{})
	for i := 0; i < 3; i++ {
		_, err := f.events.Append(t.Context(), "conv-http", eventv1.Envelope{
			Emitter: eventv1.PersonaEmitter, Type: eventv1.TypeChatMessage,
			Severity: eventv1.SeverityInfo,
		}, 0)
		require.NoError(t, err)
	}

	var body struct {
		Events []eventv1.Envelope `json:"events"`
	}
	status := getJSON(t, f.server.URL+"/v1/events?conversation_id=conv-http&after=1", &body)
	assert.Equal(t, http.StatusOK, status)
	require.Len(t, body.Events, 2)
	assert.Equal(t, int64(2), body.Events[0].EventID)
	assert.Equal(t, int64(3), body.Events[1].EventID)
}

func TestBearerTokenRequired(t *testing.T) {
	f := newFixture(t, config.Config{APIBearerToken: "hunter2"})

	resp, err := http.Get(f.server.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, err := http.NewRequest(http.MethodGet, f.server.URL+"/health", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer hunter2")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRateLimit(t *testing.T) {
	f := newFixture(t, config.Config{RateLimitPerMin: 2})

	assert.Equal(t, http.StatusOK, getJSON(t, f.server.URL+"/health", nil))
	assert.Equal(t, http.StatusOK, getJSON(t, f.server.URL+"/health", nil))

	resp, err := http.Get(f.server.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func TestChatCompletionsEmitsCanonicalSequence(t *testing.T) {
	f := newFixture(t, config.Config{})

	var resp struct {
		Object  string `json:"object"`
		Choices []struct {
			Message struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"message"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
	}
	status := postJSON(t, f.server.URL+"/v1/chat/completions?conversation_id=conv-chat", map[string]any{
		"model":    "denis-1",
		"messages": []map[string]string{{"role": "user", "content": "hello there"}},
	}, &resp)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "chat.completion", resp.Object)
	require.Len(t, resp.Choices, 1)
	assert.Equal(t, "assistant", resp.Choices[0].Message.Role)
	assert.NotEmpty(t, resp.Choices[0].Message.Content)
	assert.Equal(t, "stop", resp.Choices[0].FinishReason)

	// The canonical subsequence must be present in store order (extras
	// permitted).
	events, err := f.events.QueryAfter(t.Context(), "conv-chat", 0)
	require.NoError(t, err)
	var types []string
	for _, ev := range events {
		types = append(types, ev.Type)
	}
	assertSubsequence(t, types, []string{
		eventv1.TypeChatMessage,
		eventv1.TypeRunStep,
		eventv1.TypeRAGSearchStart,
		eventv1.TypeRAGSearchResult,
		eventv1.TypeRAGContextCompiled,
		eventv1.TypeAgentReasoningSummary,
		eventv1.TypeAgentDecisionTraceSummary,
		eventv1.TypeChatMessage,
	})

	// No stored event may carry raw chat text.
	for _, ev := range events {
		raw, err := json.Marshal(ev)
		require.NoError(t, err)
		assert.NotContains(t, string(raw), "hello there")
	}
}

func TestChatCompletionsStreaming(t *testing.T) {
	f := newFixture(t, config.Config{})

	raw, err := json.Marshal(map[string]any{
		"model":    "denis-1",
		"messages": []map[string]string{{"role": "user", "content": "stream me"}},
		"stream":   true,
	})
	require.NoError(t, err)
	resp, err := http.Post(f.server.URL+"/v1/chat/completions", "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	text := string(body)
	assert.Contains(t, text, "chat.completion.chunk")
	assert.True(t, strings.HasSuffix(strings.TrimSpace(text), "data: [DONE]"))
}

func TestNeuroWakeAndState(t *testing.T) {
	f := newFixture(t, config.Config{})

	var wake struct {
		Consciousness graph.Consciousness `json:"consciousness"`
		Layers        int                 `json:"layers"`
	}
	status := postJSON(t, f.server.URL+"/neuro/wake", map[string]any{}, &wake)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, 12, wake.Layers)
	assert.Equal(t, "awake", wake.Consciousness.Mode)
	assert.NotEmpty(t, wake.Consciousness.LastWakeTS)

	var state struct {
		Layers   []graph.LayerState `json:"layers"`
		Degraded bool               `json:"degraded"`
	}
	status = getJSON(t, f.server.URL+"/neuro/state", &state)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, state.Layers, 12)
	assert.False(t, state.Degraded)
}

func TestTelemetryAndHealthAlways200(t *testing.T) {
	f := newFixture(t, config.Config{})

	var telemetryBody map[string]any
	assert.Equal(t, http.StatusOK, getJSON(t, f.server.URL+"/telemetry", &telemetryBody))
	assert.Contains(t, telemetryBody, "graph")
	assert.Contains(t, telemetryBody, "neuro")

	var healthBody map[string]any
	assert.Equal(t, http.StatusOK, getJSON(t, f.server.URL+"/health", &healthBody))
	assert.Contains(t, healthBody, "subsystems")
}

func TestPersonaVoiceLifecycle(t *testing.T) {
	f := newFixture(t, config.Config{})

	var resp struct {
		VoiceSessionID string `json:"voice_session_id"`
		EventID        int64  `json:"event_id"`
	}
	status := postJSON(t, f.server.URL+"/persona/voice", map[string]any{
		"conversation_id": "conv-voice",
		"event":           "session.started",
	}, &resp)
	require.Equal(t, http.StatusOK, status)
	assert.NotEmpty(t, resp.VoiceSessionID)
	assert.Positive(t, resp.EventID)

	events, err := f.events.QueryAfter(t.Context(), "conv-voice", 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, eventv1.TypeVoiceSessionStarted, events[0].Type)
}

// assertSubsequence checks want appears within got in order, extras allowed.
func assertSubsequence(t *testing.T, got, want []string) {
	t.Helper()
	i := 0
	for _, g := range got {
		if i < len(want) && g == want[i] {
			i++
		}
	}
	assert.Equal(t, len(want), i, "missing subsequence entries: got %v want %v", got, want)
}
