package graph

import (
	"context"
	"fmt"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	neo4jconfig "github.com/neo4j/neo4j-go-driver/v5/neo4j/config"
)

// Neo4jOptions configures the Neo4j-backed Graph.
type Neo4jOptions struct {
	URI      string
	User     string
	Password string

	// WriteTimeout bounds a single write transaction (default 1.2s).
	WriteTimeout time.Duration
	// ReadTimeout bounds a single read transaction (default 1.5s).
	ReadTimeout time.Duration
	// ConnectTimeout bounds socket establishment (default 0.5s).
	ConnectTimeout time.Duration
}

// Neo4jGraph implements Graph against a Neo4j (or Bolt-compatible) server.
// Node upserts are `MERGE (n:Label {id: $id}) SET n += $props` and edge
// writes MERGE the relationship, so both are replay-safe; IncrementProperty
// adds its delta again on every call.
type Neo4jGraph struct {
	driver neo4j.DriverWithContext
	opts   Neo4jOptions
}

// NewNeo4j opens a driver against opts.URI. The connection itself is lazy;
// the first read/write surfaces connectivity errors, which callers treat as
// graph_unavailable (fail-open).
func NewNeo4j(opts Neo4jOptions) (*Neo4jGraph, error) {
	if opts.URI == "" {
		return nil, fmt.Errorf("graph: neo4j URI is required")
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 1200 * time.Millisecond
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 1500 * time.Millisecond
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 500 * time.Millisecond
	}

	driver, err := neo4j.NewDriverWithContext(
		opts.URI,
		neo4j.BasicAuth(opts.User, opts.Password, ""),
		func(c *neo4jconfig.Config) {
			c.SocketConnectTimeout = opts.ConnectTimeout
			c.MaxConnectionPoolSize = 10
		},
	)
	if err != nil {
		return nil, fmt.Errorf("graph: open neo4j driver: %w", err)
	}
	return &Neo4jGraph{driver: driver, opts: opts}, nil
}

// Enabled implements Graph.
func (g *Neo4jGraph) Enabled() bool { return true }

// UpsertNode implements Graph. label comes from the package's fixed label
// constants, never from event payloads, so interpolating it into the Cypher
// text is safe.
func (g *Neo4jGraph) UpsertNode(ctx context.Context, label, id string, props map[string]any) error {
	cypher := fmt.Sprintf("MERGE (n:%s {id: $id}) SET n += $props", label)
	return g.write(ctx, cypher, map[string]any{"id": id, "props": props})
}

// MergeEdge implements Graph.
func (g *Neo4jGraph) MergeEdge(ctx context.Context, edge Edge) error {
	cypher := fmt.Sprintf(
		"MERGE (a:%s {id: $from}) MERGE (b:%s {id: $to}) MERGE (a)-[r:%s]->(b) SET r += $props",
		edge.FromLabel, edge.ToLabel, edge.Type,
	)
	props := edge.Props
	if props == nil {
		props = map[string]any{}
	}
	return g.write(ctx, cypher, map[string]any{"from": edge.FromID, "to": edge.ToID, "props": props})
}

// IncrementProperty implements Graph.
func (g *Neo4jGraph) IncrementProperty(ctx context.Context, label, id, property string, delta int64) error {
	cypher := fmt.Sprintf(
		"MERGE (n:%s {id: $id}) SET n.%s = coalesce(n.%s, 0) + $delta",
		label, property, property,
	)
	return g.write(ctx, cypher, map[string]any{"id": id, "delta": delta})
}

// Node implements Graph.
func (g *Neo4jGraph) Node(ctx context.Context, label, id string) (map[string]any, bool, error) {
	cypher := fmt.Sprintf("MATCH (n:%s {id: $id}) RETURN n", label)
	rows, err := g.read(ctx, cypher, map[string]any{"id": id})
	if err != nil {
		return nil, false, err
	}
	if len(rows) == 0 {
		return nil, false, nil
	}
	return rows[0], true, nil
}

// NodesByLabel implements Graph.
func (g *Neo4jGraph) NodesByLabel(ctx context.Context, label string) ([]map[string]any, error) {
	cypher := fmt.Sprintf("MATCH (n:%s) RETURN n", label)
	return g.read(ctx, cypher, nil)
}

// Close implements Graph.
func (g *Neo4jGraph) Close(ctx context.Context) error {
	return g.driver.Close(ctx)
}

func (g *Neo4jGraph) write(ctx context.Context, cypher string, params map[string]any) error {
	ctx, cancel := context.WithTimeout(ctx, g.opts.WriteTimeout)
	defer cancel()

	session := g.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		_, err := tx.Run(ctx, cypher, params)
		return nil, err
	})
	if err != nil {
		return fmt.Errorf("graph: write: %w", err)
	}
	return nil
}

func (g *Neo4jGraph) read(ctx context.Context, cypher string, params map[string]any) ([]map[string]any, error) {
	ctx, cancel := context.WithTimeout(ctx, g.opts.ReadTimeout)
	defer cancel()

	session := g.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	out, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		result, err := tx.Run(ctx, cypher, params)
		if err != nil {
			return nil, err
		}
		var rows []map[string]any
		for result.Next(ctx) {
			record := result.Record()
			if len(record.Values) == 0 {
				continue
			}
			if node, ok := record.Values[0].(neo4j.Node); ok {
				rows = append(rows, node.Props)
			}
		}
		return rows, result.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("graph: read: %w", err)
	}
	rows, _ := out.([]map[string]any)
	return rows, nil
}
