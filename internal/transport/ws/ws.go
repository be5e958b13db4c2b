// Package ws implements the WebSocket event subscription protocol: hello on
// connect, subscribe with last_event_id, store replay, then live hub
// delivery, with a periodic heartbeat.
//
// One goroutine owns each direction: the reader parses client frames into a
// control channel, the handler's main loop owns all writes (gorilla permits a
// single concurrent writer) and selects over control messages, the hub
// queue, and the heartbeat ticker. Cancellation on peer disconnect covers
// both sides.
package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/iNandix/denis/internal/eventhub"
	"github.com/iNandix/denis/internal/eventstore"
	"github.com/iNandix/denis/internal/eventv1"
	"github.com/iNandix/denis/internal/telemetry"
)

// heartbeatEvery is how long the connection may be idle before the server
// sends a JSON {"type":"ping"} message.
const heartbeatEvery = 20 * time.Second

// writeTimeout bounds every socket write.
const writeTimeout = 5 * time.Second

// Handler upgrades HTTP requests and runs the subscription protocol.
type Handler struct {
	store       eventstore.Store
	hub         *eventhub.Hub
	telemetry   telemetry.Bundle
	upgrader    websocket.Upgrader
	maxBuffered int
}

// Options configures a Handler.
type Options struct {
	Store eventstore.Store
	Hub   *eventhub.Hub
	// MaxBuffered is the per-connection hub queue capacity; defaults to the
	// hub default.
	MaxBuffered int
	// CheckOrigin overrides the upgrader's origin policy. Nil allows all
	// origins (the HTTP surface enforces CORS separately).
	CheckOrigin func(r *http.Request) bool
	Telemetry   telemetry.Bundle
}

// NewHandler builds the handler.
func NewHandler(opts Options) *Handler {
	checkOrigin := opts.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &Handler{
		store:       opts.Store,
		hub:         opts.Hub,
		telemetry:   opts.Telemetry,
		maxBuffered: opts.MaxBuffered,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin,
		},
	}
}

// clientMessage is the union of frames a client may send.
type clientMessage struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
	LastEventID    int64  `json:"last_event_id"`
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ctx := r.Context()
	if err := h.writeJSON(conn, map[string]any{
		"type":           "hello",
		"server_time":    time.Now().UTC().Format(time.RFC3339Nano),
		"schema_version": eventv1.SchemaVersion,
	}); err != nil {
		return
	}

	// The reader goroutine feeds parsed frames into ctrl and closes done on
	// any socket error, which tears the write loop down too.
	ctrl := make(chan clientMessage, 4)
	done := make(chan struct{})
	quit := make(chan struct{})
	defer close(quit)
	go h.readLoop(conn, ctrl, done, quit)

	var sub eventhub.Subscription
	defer func() {
		if sub != nil {
			sub.Close()
		}
	}()

	// If the URL names a conversation, subscribe immediately without any
	// replay; clients that want replay send subscribe explicitly.
	if conv := r.URL.Query().Get("conversation_id"); conv != "" {
		sub = h.subscribe(ctx, conn, sub, conv, -1)
		if sub == nil {
			return
		}
	}

	ticker := time.NewTicker(heartbeatEvery)
	defer ticker.Stop()
	lastActivity := time.Now()

	for {
		var queue <-chan eventv1.Envelope
		if sub != nil {
			queue = sub.Queue()
		}
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case msg := <-ctrl:
			lastActivity = time.Now()
			switch msg.Type {
			case "subscribe":
				sub = h.subscribe(ctx, conn, sub, msg.ConversationID, msg.LastEventID)
				if sub == nil {
					return
				}
			case "pong":
				// Activity already recorded.
			}
		case event, ok := <-queue:
			if !ok {
				return
			}
			if err := h.writeJSON(conn, event); err != nil {
				return
			}
			lastActivity = time.Now()
		case <-ticker.C:
			if time.Since(lastActivity) < heartbeatEvery {
				continue
			}
			if err := h.writeJSON(conn, map[string]any{
				"type": "ping",
				"ts":   time.Now().UTC().Format(time.RFC3339Nano),
			}); err != nil {
				return
			}
		}
	}
}

// subscribe swaps the connection onto a conversation: close the previous
// subscription, register the new one, then replay the store. Registering
// before replay means no event can fall into the gap between the two; a
// replayed event may also arrive live, which the protocol permits (delivery
// is at-least-once, ordering authority is event_id).
func (h *Handler) subscribe(ctx context.Context, conn *websocket.Conn, prev eventhub.Subscription, conversationID string, lastEventID int64) eventhub.Subscription {
	if prev != nil {
		prev.Close()
	}
	sub := h.hub.Register(conversationID, h.maxBuffered)

	if lastEventID >= 0 {
		events, err := h.store.QueryAfter(ctx, conversationID, lastEventID)
		if err != nil {
			h.telemetry.Logger.Warn(ctx, "ws replay failed", "conversation_id", conversationID, "error", err)
			h.telemetry.Metrics.IncCounter("denis.ws.replay_failed", 1)
		}
		for _, event := range events {
			if err := h.writeJSON(conn, event); err != nil {
				sub.Close()
				return nil
			}
		}
	}
	return sub
}

func (h *Handler) readLoop(conn *websocket.Conn, ctrl chan<- clientMessage, done chan<- struct{}, quit <-chan struct{}) {
	defer close(done)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		select {
		case ctrl <- msg:
		case <-quit:
			return
		}
	}
}

func (h *Handler) writeJSON(conn *websocket.Conn, v any) error {
	conn.SetWriteDeadline(time.Now().Add(writeTimeout)) //nolint:errcheck
	return conn.WriteJSON(v)
}
