package ws_test

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iNandix/denis/internal/eventhub"
	"github.com/iNandix/denis/internal/eventstore/inmemstore"
	"github.com/iNandix/denis/internal/eventv1"
	"github.com/iNandix/denis/internal/telemetry"
	"github.com/iNandix/denis/internal/transport/ws"
)

type serverMessage struct {
	Type           string `json:"type"`
	SchemaVersion  string `json:"schema_version"`
	EventID        int64  `json:"event_id"`
	ConversationID string `json:"conversation_id"`
}

func dialTestServer(t *testing.T, store *inmemstore.Store, hub *eventhub.Hub) *websocket.Conn {
	t.Helper()
	handler := ws.NewHandler(ws.Options{Store: store, Hub: hub, Telemetry: telemetry.Noop()})
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/v1/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) serverMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg serverMessage
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func appendEvents(t *testing.T, store *inmemstore.Store, conversationID string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := store.Append(context.Background(), conversationID, eventv1.Envelope{
			TS:       time.Now().UTC().Format(time.RFC3339Nano),
			Emitter:  eventv1.PersonaEmitter,
			Type:     eventv1.TypeChatMessage,
			Severity: eventv1.SeverityInfo,
			Payload:  map[string]any{"content_len": i},
		}, 0)
		require.NoError(t, err)
	}
}

func TestHelloThenReplayThenLive(t *testing.T) {
	store := inmemstore.New()
	hub := eventhub.New()
	appendEvents(t, store, "conv2", 5)

	conn := dialTestServer(t, store, hub)

	hello := readMessage(t, conn)
	assert.Equal(t, "hello", hello.Type)
	assert.Equal(t, eventv1.SchemaVersion, hello.SchemaVersion)

	require.NoError(t, conn.WriteJSON(map[string]any{
		"type":            "subscribe",
		"conversation_id": "conv2",
		"last_event_id":   2,
	}))

	// Replay: exactly events 3, 4, 5 in order.
	for _, want := range []int64{3, 4, 5} {
		msg := readMessage(t, conn)
		assert.Equal(t, want, msg.EventID)
		assert.Equal(t, "conv2", msg.ConversationID)
	}

	// Live delivery after replay.
	live, err := store.Append(context.Background(), "conv2", eventv1.Envelope{
		TS:       time.Now().UTC().Format(time.RFC3339Nano),
		Emitter:  eventv1.PersonaEmitter,
		Type:     eventv1.TypeChatMessage,
		Severity: eventv1.SeverityInfo,
	}, 0)
	require.NoError(t, err)
	hub.Publish(context.Background(), live)

	msg := readMessage(t, conn)
	assert.Equal(t, int64(6), msg.EventID)
}

func TestSubscribeIsolatesConversations(t *testing.T) {
	store := inmemstore.New()
	hub := eventhub.New()
	conn := dialTestServer(t, store, hub)
	readMessage(t, conn) // hello

	require.NoError(t, conn.WriteJSON(map[string]any{
		"type":            "subscribe",
		"conversation_id": "mine",
		"last_event_id":   0,
	}))

	// Publish to a different conversation, then to the subscribed one.
	hub.Publish(context.Background(), eventv1.Envelope{ConversationID: "other", EventID: 1, Type: eventv1.TypeChatMessage})
	hub.Publish(context.Background(), eventv1.Envelope{ConversationID: "mine", EventID: 1, Type: eventv1.TypeChatMessage})

	msg := readMessage(t, conn)
	assert.Equal(t, "mine", msg.ConversationID)
}

func TestResubscribeSwitchesConversation(t *testing.T) {
	store := inmemstore.New()
	hub := eventhub.New()
	appendEvents(t, store, "a", 2)
	appendEvents(t, store, "b", 1)

	conn := dialTestServer(t, store, hub)
	readMessage(t, conn) // hello

	require.NoError(t, conn.WriteJSON(map[string]any{
		"type": "subscribe", "conversation_id": "a", "last_event_id": 0,
	}))
	assert.Equal(t, int64(1), readMessage(t, conn).EventID)
	assert.Equal(t, int64(2), readMessage(t, conn).EventID)

	require.NoError(t, conn.WriteJSON(map[string]any{
		"type": "subscribe", "conversation_id": "b", "last_event_id": 0,
	}))
	msg := readMessage(t, conn)
	assert.Equal(t, "b", msg.ConversationID)
	assert.Equal(t, int64(1), msg.EventID)
}
