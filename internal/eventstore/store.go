// Package eventstore defines the durable, append-only event log keyed by
// (conversation_id, event_id). Append assigns a dense, monotonic event_id
// per conversation and prunes rows past the retention window; QueryAfter
// paginates forward by event_id.
package eventstore

import (
	"context"
	"errors"

	"github.com/iNandix/denis/internal/eventv1"
)

// DefaultRetention is the number of most recent events retained per
// conversation when a caller does not specify one.
const DefaultRetention = 2000

// ErrConversationIDRequired reports a missing conversation id. Neither
// bundled store returns it: both substitute eventv1.DefaultConversationID
// for an empty id.
var ErrConversationIDRequired = errors.New("eventstore: conversation_id is required")

// Store is the durable append-only log contract used by the persona
// frontdoor and replayed by the WebSocket transport.
type Store interface {
	// Append assigns the next event_id for conversationID inside a single
	// transaction, inserts the event, then prunes rows with
	// event_id <= new_event_id - retention. Returns the event with event_id
	// populated. retention <= 0 uses DefaultRetention.
	Append(ctx context.Context, conversationID string, event eventv1.Envelope, retention int) (eventv1.Envelope, error)

	// QueryAfter returns all events for conversationID with
	// event_id > afterEventID, ordered ascending by event_id.
	QueryAfter(ctx context.Context, conversationID string, afterEventID int64) ([]eventv1.Envelope, error)

	// Close releases resources held by the store (DB handle, etc).
	Close() error
}
