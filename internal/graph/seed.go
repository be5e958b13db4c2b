package graph

import "context"

// The fixed component/flag topology seeded on the first mutation. Components
// gate on flags (GATED_BY) and depend on each other (DEPENDS_ON); the seed is
// itself guarded by a dedupe key so it runs once per dedupe-store lifetime.
var (
	seededFlags = []string{
		"VECTORSTORE_ENABLED",
		"RAG_ENABLED",
		"INDEXING_ENABLED",
		"PRO_SEARCH_ENABLED",
		"SCRAPING_ENABLED",
		"MULTIVERSE_MODE",
	}

	seededComponents = map[string][]string{
		"vectorstore_qdrant":  {"VECTORSTORE_ENABLED"},
		"pro_search":          {"PRO_SEARCH_ENABLED", "VECTORSTORE_ENABLED"},
		"rag_context_builder": {"RAG_ENABLED", "PRO_SEARCH_ENABLED"},
		"advanced_scraping":   {"SCRAPING_ENABLED"},
		"ws_event_bus":        {},
		"chunker":             {},
		"redaction_gate":      {},
		"control_room":        {},
	}

	seededDependencies = [][2]string{
		{"rag_context_builder", "pro_search"},
		{"pro_search", "vectorstore_qdrant"},
		{"pro_search", "redaction_gate"},
		{"pro_search", "chunker"},
		{"ws_event_bus", "control_room"},
	}
)

// seedComponents MERGEs the fixed Component/FeatureFlag topology, guarded by
// a fixed dedupe key so it applies once.
func (m *Materializer) seedComponents(ctx context.Context, ts string) {
	if ts == "" {
		ts = utcNow()
	}
	if !m.dedupe.Acquire(ctx, MutationID(0, "seed_flags", "v1")) {
		return
	}

	for _, flagID := range seededFlags {
		m.upsertNode(ctx, LabelFeatureFlag, flagID, map[string]any{
			"value":      m.opts.FlagValues[flagID],
			"updated_ts": ts,
		})
	}

	for componentID, gating := range seededComponents {
		m.upsertNode(ctx, LabelComponent, componentID, map[string]any{
			"freshness_ts": ts,
			"status":       "unknown",
		})
		for _, flagID := range gating {
			m.mergeEdge(ctx, Edge{
				FromLabel: LabelComponent, FromID: componentID,
				Type:    EdgeGatedBy,
				ToLabel: LabelFeatureFlag, ToID: flagID,
			})
		}
	}

	for _, dep := range seededDependencies {
		m.mergeEdge(ctx, Edge{
			FromLabel: LabelComponent, FromID: dep[0],
			Type:    EdgeDependsOn,
			ToLabel: LabelComponent, ToID: dep[1],
		})
	}
}
