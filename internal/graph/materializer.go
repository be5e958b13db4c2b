package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/iNandix/denis/internal/eventv1"
	"github.com/iNandix/denis/internal/graph/dedupe"
	"github.com/iNandix/denis/internal/guardrails"
	"github.com/iNandix/denis/internal/telemetry"
)

// Stats is the materializer's best-effort counter block, surfaced by the
// /telemetry and /health endpoints.
type Stats struct {
	LastMutationTS string `json:"last_mutation_ts"`
	LastEventTS    string `json:"last_event_ts"`
	LagMS          int64  `json:"lag_ms"`
	ErrorsWindow   int64  `json:"errors_window"`
	LastOkTS       string `json:"last_ok_ts"`
	LastErrTS      string `json:"last_err_ts"`
}

// Options configures a Materializer.
type Options struct {
	// GuardOptions is the graph-property sanitizer configuration; zero value
	// uses guardrails.DefaultGraphOptions.
	GuardOptions guardrails.Options
	// FlagValues seeds FeatureFlag node values on first mutation. Keys
	// outside the fixed flag set are ignored.
	FlagValues map[string]string
	// VoiceEnabled feeds the ConsciousnessState voice_mode derivation.
	VoiceEnabled bool
}

// Materializer projects event_v1 envelopes into the operational graph. It is
// stateless aside from the dedupe store and best-effort counters; the
// top-level Materialize call never panics and never returns an error for a
// subsystem outage (fail-open).
type Materializer struct {
	graph     Graph
	dedupe    dedupe.Store
	telemetry telemetry.Bundle
	opts      Options

	handlers map[string]handlerFunc
	schema   *jsonschema.Schema

	mu    sync.Mutex
	stats Stats
}

// handlerFunc applies one event type's mutations. ev carries the envelope,
// mctx the derived ids shared by every handler.
type handlerFunc func(ctx context.Context, ev eventv1.Envelope, mctx mutationContext)

// mutationContext is the per-event derived state handlers share.
type mutationContext struct {
	RunID   string
	TurnID  string
	TS      string
	Payload map[string]any
}

// New constructs a Materializer. graph may be Disabled() and store may be a
// dedupe.Memory; both keep the materializer fully functional for tests.
func New(g Graph, store dedupe.Store, bundle telemetry.Bundle, opts Options) *Materializer {
	if g == nil {
		g = Disabled()
	}
	if store == nil {
		store = dedupe.NewMemory()
	}
	m := &Materializer{graph: g, dedupe: store, telemetry: bundle, opts: opts}
	m.handlers = m.dispatchTable()
	m.schema = compileEnvelopeSchema()
	return m
}

// Stats returns a copy of the current counters.
func (m *Materializer) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

// Graph exposes the underlying graph for read-side consumers (freshness
// report, neuro state endpoint).
func (m *Materializer) Graph() Graph { return m.graph }

// Materialize projects one event. It implements persona.Materializer and
// never raises: panics are recovered, graph failures are counted and
// swallowed, and a disabled graph makes the whole call a no-op.
func (m *Materializer) Materialize(ctx context.Context, event eventv1.Envelope) (err error) {
	defer func() {
		if r := recover(); r != nil {
			m.recordError()
			err = nil
		}
	}()

	if !m.graph.Enabled() {
		return nil
	}

	m.observeEvent(event)
	m.validateEnvelope(ctx, event)
	m.seedComponents(ctx, event.TS)

	mctx := m.mutationContext(event)

	handler, known := m.handlers[event.Type]
	if !known {
		// Unknown types only refresh the bus component's freshness.
		mid := MutationID(event.EventID, "unknown_event", event.Type)
		if m.dedupe.Acquire(ctx, mid) {
			m.upsertNode(ctx, LabelComponent, "ws_event_bus", map[string]any{
				"freshness_ts": mctx.TS, "status": "ok",
			})
		}
		m.finishMutation()
		return nil
	}

	// Every known event upserts the Run envelope for its turn.
	mid := MutationID(event.EventID, "upsert_run", mctx.RunID)
	if m.dedupe.Acquire(ctx, mid) {
		m.upsertNode(ctx, LabelRun, mctx.RunID, map[string]any{
			"conversation_id": event.ConversationID,
			"turn_id":         mctx.TurnID,
			"trace_id":        event.TraceID,
			"ts":              mctx.TS,
			"status":          "running",
		})
	}

	handler(ctx, event, mctx)
	m.finishMutation()
	return nil
}

// MutationID computes the idempotency fingerprint for one graph mutation.
func MutationID(eventID int64, mutationKind, stableKey string) string {
	return sha256Hex(fmt.Sprintf("%d:%s:%s", eventID, mutationKind, stableKey))
}

// RunIDFor derives the envelope-scoped run id when the payload does not name
// an explicit one.
func RunIDFor(conversationID, turnID string) string {
	return sha256Hex(conversationID + ":" + turnID)
}

func (m *Materializer) mutationContext(event eventv1.Envelope) mutationContext {
	payload := event.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	turnID := event.TurnID
	if turnID == "" {
		turnID = event.TraceID
	}
	if turnID == "" {
		turnID = fmt.Sprintf("event_%d", event.EventID)
	}
	ts := event.TS
	if ts == "" {
		ts = utcNow()
	}
	// Explicit run_id from the payload wins (Control Room, explicit
	// run.step); otherwise derive from the envelope.
	runID := strOf(payload["run_id"])
	if runID == "" {
		runID = RunIDFor(event.ConversationID, turnID)
	}
	return mutationContext{RunID: runID, TurnID: turnID, TS: ts, Payload: payload}
}

// upsertNode sanitizes props through the graph guardrails, then writes. A
// failed write updates the error counters and returns false; a successful
// one stamps last_ok_ts.
func (m *Materializer) upsertNode(ctx context.Context, label, id string, props map[string]any) bool {
	safe, _ := guardrails.SanitizeGraphPropsWithOptions(props, m.graphGuardOptions())
	if err := m.graph.UpsertNode(ctx, label, id, safe); err != nil {
		m.recordWriteFailure(ctx, err)
		return false
	}
	m.recordWriteSuccess()
	return true
}

func (m *Materializer) mergeEdge(ctx context.Context, edge Edge) bool {
	if edge.Props != nil {
		safe, _ := guardrails.SanitizeGraphPropsWithOptions(edge.Props, m.graphGuardOptions())
		edge.Props = safe
	}
	if err := m.graph.MergeEdge(ctx, edge); err != nil {
		m.recordWriteFailure(ctx, err)
		return false
	}
	m.recordWriteSuccess()
	return true
}

func (m *Materializer) graphGuardOptions() guardrails.Options {
	if m.opts.GuardOptions.MaxStringLen == 0 && m.opts.GuardOptions.MaxListLen == 0 {
		return guardrails.DefaultGraphOptions()
	}
	return m.opts.GuardOptions
}

func (m *Materializer) observeEvent(event eventv1.Envelope) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats.LastEventTS = event.TS
	m.stats.LagMS = lagMS(event.TS)
	m.telemetry.Metrics.RecordGauge("denis.graph.lag_ms", float64(m.stats.LagMS))
}

func (m *Materializer) finishMutation() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats.LastMutationTS = utcNow()
}

func (m *Materializer) recordWriteSuccess() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats.LastOkTS = utcNow()
}

func (m *Materializer) recordWriteFailure(ctx context.Context, err error) {
	m.mu.Lock()
	m.stats.LastErrTS = utcNow()
	m.stats.ErrorsWindow++
	m.mu.Unlock()
	m.telemetry.Metrics.IncCounter("denis.graph.write_failed", 1)
	m.telemetry.Logger.Warn(ctx, "graph write failed", "error", err)
}

func (m *Materializer) recordError() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats.ErrorsWindow++
}

func lagMS(ts string) int64 {
	if ts == "" {
		return 0
	}
	parsed, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		if parsed, err = time.Parse(time.RFC3339, ts); err != nil {
			return 0
		}
	}
	lag := time.Since(parsed).Milliseconds()
	if lag < 0 {
		return 0
	}
	return lag
}

// validateEnvelope checks the envelope against the event_v1 JSON schema.
// Validation failures never block materialization; they are counted so
// operators can spot a misbehaving emitter.
func (m *Materializer) validateEnvelope(ctx context.Context, event eventv1.Envelope) {
	if m.schema == nil {
		return
	}
	raw, err := json.Marshal(event)
	if err != nil {
		return
	}
	value, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return
	}
	if err := m.schema.Validate(value); err != nil {
		m.telemetry.Metrics.IncCounter("denis.graph.envelope_invalid", 1)
		m.telemetry.Logger.Warn(ctx, "event_v1 envelope failed schema validation", "type", event.Type, "error", err)
	}
}

const envelopeSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["ts", "conversation_id", "emitter", "type", "severity", "schema_version", "payload"],
  "properties": {
    "event_id": {"type": "integer", "minimum": 0},
    "ts": {"type": "string"},
    "conversation_id": {"type": "string", "minLength": 1},
    "emitter": {"const": "denis_persona"},
    "correlation_id": {"type": "string"},
    "turn_id": {"type": "string"},
    "channel": {"enum": ["text", "voice", "control_room", "rag", "tool", "scrape", "ops", "compiler", "neuro", ""]},
    "stored": {"type": "boolean"},
    "type": {"type": "string", "minLength": 1},
    "severity": {"enum": ["info", "warning", "error"]},
    "schema_version": {"const": "1.0"},
    "payload": {"type": "object"}
  }
}`

func compileEnvelopeSchema() *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(envelopeSchemaJSON))
	if err != nil {
		return nil
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("event_v1.json", doc); err != nil {
		return nil
	}
	schema, err := compiler.Compile("event_v1.json")
	if err != nil {
		return nil
	}
	return schema
}

// Payload readers tolerant of the any-typed maps JSON decoding produces.

func strOf(v any) string {
	s, _ := v.(string)
	return s
}

func intOf(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}

func floatOf(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case int64:
		return float64(n)
	default:
		return 0
	}
}

func listOf(v any) []any {
	l, _ := v.([]any)
	return l
}

func mapOf(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}
