// Package inmemstore provides an in-memory eventstore.Store: a per-key
// mutex-guarded monotonic sequence plus an ordered slice of events, with the
// same retention semantics as the SQLite store.
package inmemstore

import (
	"context"
	"sync"

	"github.com/iNandix/denis/internal/eventstore"
	"github.com/iNandix/denis/internal/eventv1"
)

// Store implements eventstore.Store in memory. Intended for tests and local
// development; not durable.
type Store struct {
	mu     sync.Mutex
	nextID map[string]int64
	events map[string][]eventv1.Envelope
}

// New returns an empty in-memory store.
func New() *Store {
	return &Store{
		nextID: make(map[string]int64),
		events: make(map[string][]eventv1.Envelope),
	}
}

// Append implements eventstore.Store.
func (s *Store) Append(_ context.Context, conversationID string, event eventv1.Envelope, retention int) (eventv1.Envelope, error) {
	if conversationID == "" {
		conversationID = eventv1.DefaultConversationID
	}
	if retention <= 0 {
		retention = eventstore.DefaultRetention
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextID[conversationID] + 1
	s.nextID[conversationID] = id

	out := event.Clone()
	out.ConversationID = conversationID
	out.EventID = id
	out.Stored = true

	s.events[conversationID] = append(s.events[conversationID], out)
	s.prune(conversationID, retention)

	return out, nil
}

// QueryAfter implements eventstore.Store.
func (s *Store) QueryAfter(_ context.Context, conversationID string, afterEventID int64) ([]eventv1.Envelope, error) {
	if conversationID == "" {
		conversationID = eventv1.DefaultConversationID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	all := s.events[conversationID]
	out := make([]eventv1.Envelope, 0, len(all))
	for _, e := range all {
		if e.EventID > afterEventID {
			out = append(out, e.Clone())
		}
	}
	return out, nil
}

// Close is a no-op for the in-memory store.
func (s *Store) Close() error { return nil }

// prune drops the oldest events past the retention window. Caller holds mu.
func (s *Store) prune(conversationID string, retention int) {
	events := s.events[conversationID]
	if len(events) <= retention {
		return
	}
	cut := len(events) - retention
	kept := make([]eventv1.Envelope, len(events)-cut)
	copy(kept, events[cut:])
	s.events[conversationID] = kept
}
