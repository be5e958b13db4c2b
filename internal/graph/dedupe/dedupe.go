// Package dedupe tracks graph mutation fingerprints so event replays
// short-circuit instead of reapplying mutations. The single-row insert with a
// primary-key uniqueness constraint is the atomic acquire; losing the race
// (or hitting an existing row) means another pass already applied the
// mutation.
//
// Acquire is fail-open: if the dedupe store itself is unreachable the
// mutation proceeds, because every underlying graph write is MERGE-idempotent
// anyway.
package dedupe

import (
	"context"
	"sync"
	"time"
)

// Store records mutation ids. Implementations must make Acquire atomic.
type Store interface {
	// Acquire attempts to record mutationID. It returns true when this call
	// inserted the id (the caller should apply the mutation) and false when
	// the id was already present. Internal failures return true (fail-open).
	Acquire(ctx context.Context, mutationID string) bool

	// Close releases store resources.
	Close() error
}

// Memory is a map-backed Store for tests and GRAPH_ENABLED=false
// deployments that still want replay short-circuiting within a process.
type Memory struct {
	mu   sync.Mutex
	seen map[string]time.Time
}

// NewMemory returns an empty in-memory Store.
func NewMemory() *Memory {
	return &Memory{seen: make(map[string]time.Time)}
}

// Acquire implements Store.
func (m *Memory) Acquire(_ context.Context, mutationID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.seen[mutationID]; ok {
		return false
	}
	m.seen[mutationID] = time.Now().UTC()
	return true
}

// Close implements Store.
func (m *Memory) Close() error { return nil }
