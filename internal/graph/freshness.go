package graph

import (
	"context"
	"sort"
	"time"
)

// ComponentFreshness is one Component's staleness snapshot.
type ComponentFreshness struct {
	ComponentID string `json:"component_id"`
	Status      string `json:"status"`
	FreshnessTS string `json:"freshness_ts"`
	StaleForMS  int64  `json:"stale_for_ms"`
}

// FreshnessReport summarizes Component freshness for /telemetry and /health.
type FreshnessReport struct {
	Components []ComponentFreshness `json:"components"`
	StaleCount int                  `json:"stale_count"`
	Degraded   bool                 `json:"degraded"`
}

// staleAfter is how old a freshness_ts may be before the component counts as
// stale in the report.
const staleAfter = 5 * time.Minute

// Freshness reads every Component node and reports per-component staleness.
// Fail-open: a down or disabled graph yields an empty report flagged
// degraded.
func (m *Materializer) Freshness(ctx context.Context) FreshnessReport {
	if !m.graph.Enabled() {
		return FreshnessReport{Degraded: true}
	}
	rows, err := m.graph.NodesByLabel(ctx, LabelComponent)
	if err != nil {
		return FreshnessReport{Degraded: true}
	}

	report := FreshnessReport{Components: make([]ComponentFreshness, 0, len(rows))}
	now := time.Now().UTC()
	for _, row := range rows {
		entry := ComponentFreshness{
			ComponentID: strOf(row["id"]),
			Status:      strOf(row["status"]),
			FreshnessTS: strOf(row["freshness_ts"]),
		}
		if ts, err := time.Parse(time.RFC3339Nano, entry.FreshnessTS); err == nil {
			entry.StaleForMS = now.Sub(ts).Milliseconds()
			if entry.StaleForMS < 0 {
				entry.StaleForMS = 0
			}
		}
		if entry.StaleForMS > staleAfter.Milliseconds() || entry.Status == "degraded" || entry.Status == "error" {
			report.StaleCount++
		}
		report.Components = append(report.Components, entry)
	}
	sort.Slice(report.Components, func(i, j int) bool {
		return report.Components[i].ComponentID < report.Components[j].ComponentID
	})
	return report
}
