// Package inmem provides an in-memory graph.Graph for tests and local
// development without a Neo4j instance. Semantics mirror the Neo4j
// implementation: UpsertNode merges properties into an id-keyed node,
// MergeEdge is idempotent on (from, type, to).
package inmem

import (
	"context"
	"sync"

	"github.com/iNandix/denis/internal/graph"
)

type nodeKey struct {
	label string
	id    string
}

type edgeKey struct {
	from nodeKey
	typ  string
	to   nodeKey
}

// Graph implements graph.Graph with mutex-guarded maps.
type Graph struct {
	mu    sync.RWMutex
	nodes map[nodeKey]map[string]any
	edges map[edgeKey]map[string]any

	// writes counts every mutating call, so tests can assert idempotency by
	// comparing write counts across replays.
	writes int
}

// New returns an empty enabled in-memory graph.
func New() *Graph {
	return &Graph{
		nodes: make(map[nodeKey]map[string]any),
		edges: make(map[edgeKey]map[string]any),
	}
}

// Enabled implements graph.Graph.
func (g *Graph) Enabled() bool { return true }

// UpsertNode implements graph.Graph.
func (g *Graph) UpsertNode(_ context.Context, label, id string, props map[string]any) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.writes++
	key := nodeKey{label: label, id: id}
	node, ok := g.nodes[key]
	if !ok {
		node = map[string]any{"id": id}
		g.nodes[key] = node
	}
	for k, v := range props {
		node[k] = v
	}
	return nil
}

// MergeEdge implements graph.Graph.
func (g *Graph) MergeEdge(_ context.Context, edge graph.Edge) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.writes++
	key := edgeKey{
		from: nodeKey{label: edge.FromLabel, id: edge.FromID},
		typ:  edge.Type,
		to:   nodeKey{label: edge.ToLabel, id: edge.ToID},
	}
	props, ok := g.edges[key]
	if !ok {
		props = map[string]any{}
		g.edges[key] = props
	}
	for k, v := range edge.Props {
		props[k] = v
	}
	return nil
}

// IncrementProperty implements graph.Graph.
func (g *Graph) IncrementProperty(_ context.Context, label, id, property string, delta int64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.writes++
	key := nodeKey{label: label, id: id}
	node, ok := g.nodes[key]
	if !ok {
		node = map[string]any{"id": id}
		g.nodes[key] = node
	}
	var current int64
	switch v := node[property].(type) {
	case int64:
		current = v
	case int:
		current = int64(v)
	case float64:
		current = int64(v)
	}
	node[property] = current + delta
	return nil
}

// Node implements graph.Graph.
func (g *Graph) Node(_ context.Context, label, id string) (map[string]any, bool, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	node, ok := g.nodes[nodeKey{label: label, id: id}]
	if !ok {
		return nil, false, nil
	}
	out := make(map[string]any, len(node))
	for k, v := range node {
		out[k] = v
	}
	return out, true, nil
}

// NodesByLabel implements graph.Graph.
func (g *Graph) NodesByLabel(_ context.Context, label string) ([]map[string]any, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var out []map[string]any
	for key, node := range g.nodes {
		if key.label != label {
			continue
		}
		cp := make(map[string]any, len(node))
		for k, v := range node {
			cp[k] = v
		}
		out = append(out, cp)
	}
	return out, nil
}

// Close implements graph.Graph.
func (g *Graph) Close(context.Context) error { return nil }

// WriteCount returns the number of mutating calls so far. Test helper.
func (g *Graph) WriteCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.writes
}

// HasEdge reports whether an edge of type typ exists between the two nodes.
// Test helper.
func (g *Graph) HasEdge(fromLabel, fromID, typ, toLabel, toID string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.edges[edgeKey{
		from: nodeKey{label: fromLabel, id: fromID},
		typ:  typ,
		to:   nodeKey{label: toLabel, id: toID},
	}]
	return ok
}
