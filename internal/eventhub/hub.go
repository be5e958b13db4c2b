// Package eventhub fans out live events to subscribers without blocking
// publishers. Register returns a closeable Subscription; Publish delivers
// into per-subscriber bounded channels under a short read lock, and every
// send is non-blocking, so one slow subscriber can never block Publish or
// any other subscriber. Close takes the write lock before closing a queue,
// so a send can never hit a closed channel.
package eventhub

import (
	"context"
	"sync"

	"github.com/iNandix/denis/internal/eventv1"
)

// DefaultMaxBuffered is the default per-subscriber queue capacity.
const DefaultMaxBuffered = 200

// Subscription is returned by Register and closed to unregister.
type Subscription interface {
	// Queue is the channel events are delivered on. The owner of a
	// subscription (typically a WebSocket handler) drains it.
	Queue() <-chan eventv1.Envelope
	// Close unregisters the subscriber. Idempotent.
	Close()
}

type subscriber struct {
	hub            *Hub
	conversationID string
	queue          chan eventv1.Envelope
	closeOnce      sync.Once
}

func (s *subscriber) Queue() <-chan eventv1.Envelope { return s.queue }

func (s *subscriber) Close() {
	s.closeOnce.Do(func() {
		s.hub.closeSubscriber(s)
	})
}

// Hub is an in-memory, conversation-scoped fan-out registry.
type Hub struct {
	mu   sync.RWMutex
	subs map[string]map[*subscriber]struct{}

	// onDrop, when set, is invoked whenever a subscriber's queue overflows,
	// for metrics/logging. Never blocks Publish.
	onDrop func(conversationID string)

	// onPublish, when set, observes every published event (e.g. the Pulse
	// stream mirror). Implementations must not block.
	onPublish func(event eventv1.Envelope)
}

// New returns an empty Hub.
func New() *Hub {
	return &Hub{subs: make(map[string]map[*subscriber]struct{})}
}

// OnDrop sets a callback invoked on every backpressure drop. Not safe to
// call concurrently with Register/Publish.
func (h *Hub) OnDrop(fn func(conversationID string)) {
	h.onDrop = fn
}

// OnPublish sets a callback observing every published event. The callback
// must never block; set it at wiring time, not concurrently with Publish.
func (h *Hub) OnPublish(fn func(event eventv1.Envelope)) {
	h.onPublish = fn
}

// Register adds a subscriber for conversationID with the given bounded
// queue capacity (DefaultMaxBuffered if maxBuffered <= 0) and returns a
// Subscription the caller drains and eventually closes. The queue holds up
// to maxBuffered events plus one slot reserved for a backpressure_drop
// notice.
func (h *Hub) Register(conversationID string, maxBuffered int) Subscription {
	if conversationID == "" {
		conversationID = eventv1.DefaultConversationID
	}
	if maxBuffered <= 0 {
		maxBuffered = DefaultMaxBuffered
	}

	sub := &subscriber{
		hub:            h,
		conversationID: conversationID,
		queue:          make(chan eventv1.Envelope, maxBuffered+1),
	}

	h.mu.Lock()
	set, ok := h.subs[conversationID]
	if !ok {
		set = make(map[*subscriber]struct{})
		h.subs[conversationID] = set
	}
	set[sub] = struct{}{}
	h.mu.Unlock()

	return sub
}

// closeSubscriber removes sub from the registry and closes its queue while
// holding the registry write lock. Publish sends under the read lock, so no
// send can race the close.
func (h *Hub) closeSubscriber(sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.subs[sub.conversationID]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(h.subs, sub.conversationID)
		}
	}
	close(sub.queue)
}

// Publish delivers event to every subscriber registered on
// event.ConversationID. Delivery is always non-blocking: when a subscriber
// already holds maxBuffered events, Publish drops the new event and
// enqueues a synthetic backpressure_drop error event into the queue's
// reserved slot instead (also non-blocking; if the queue is completely
// full, the notice is dropped too). Publish never blocks and never returns
// an error.
func (h *Hub) Publish(_ context.Context, event eventv1.Envelope) {
	conversationID := event.ConversationID
	if conversationID == "" {
		conversationID = eventv1.DefaultConversationID
	}

	if h.onPublish != nil {
		h.onPublish(event)
	}

	// Sends stay under the read lock: each is non-blocking, and a
	// subscriber's queue is only closed under the write lock, so a
	// concurrent Close can never panic a send.
	h.mu.RLock()
	defer h.mu.RUnlock()

	for sub := range h.subs[conversationID] {
		// The last slot of every queue is reserved for the drop notice.
		if len(sub.queue) < cap(sub.queue)-1 {
			select {
			case sub.queue <- event:
				continue
			default:
			}
		}
		if h.onDrop != nil {
			h.onDrop(conversationID)
		}
		drop := backpressureDropEvent(conversationID)
		select {
		case sub.queue <- drop:
		default:
		}
	}
}

// backpressureDropEvent builds the synthetic, unstored error event emitted
// in place of a dropped one. It carries no event_id of its own.
func backpressureDropEvent(conversationID string) eventv1.Envelope {
	return eventv1.Envelope{
		ConversationID: conversationID,
		EventID:        0,
		Stored:         false,
		Type:           eventv1.TypeError,
		Severity:       eventv1.SeverityError,
		Emitter:        eventv1.PersonaEmitter,
		SchemaVersion:  eventv1.SchemaVersion,
		UIHint:         eventv1.DefaultUIHint(),
		Payload: map[string]any{
			"code": "backpressure_drop",
		},
	}
}
