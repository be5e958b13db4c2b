package persona

import (
	"context"
	"sync"
	"time"

	"github.com/iNandix/denis/internal/bus/buserrors"
	"github.com/iNandix/denis/internal/eventhub"
	"github.com/iNandix/denis/internal/eventstore"
	"github.com/iNandix/denis/internal/eventv1"
	"github.com/iNandix/denis/internal/guardrails"
	"github.com/iNandix/denis/internal/telemetry"
)

// BypassMode controls what Emit does when frontdoor enforcement is on and
// the caller is not inside a persona emitter context.
type BypassMode string

const (
	// BypassRaise returns the synthetic drop error to the caller (dev/test).
	BypassRaise BypassMode = "raise"
	// BypassDrop logs and returns the synthetic drop event without an error
	// (prod default).
	BypassDrop BypassMode = "drop"
)

// Materializer is the narrow surface the frontdoor needs from the graph
// layer: best-effort, swallow-all-errors materialization triggered after a
// successful emit. The concrete graph materializer implements this.
type Materializer interface {
	Materialize(ctx context.Context, event eventv1.Envelope) error
}

// NoopMaterializer discards every event. Used when GRAPH_ENABLED=false.
type NoopMaterializer struct{}

// Materialize implements Materializer.
func (NoopMaterializer) Materialize(context.Context, eventv1.Envelope) error { return nil }

// EmitRequest is the input to Frontdoor.Emit.
type EmitRequest struct {
	ConversationID string
	TraceID        string
	Type           string
	Severity       eventv1.Severity
	UIHint         eventv1.UIHint
	Payload        map[string]any
	Channel        eventv1.Channel // optional override; inferred from Type if zero
	Stored         bool
}

// Options configures a Frontdoor.
type Options struct {
	Enforce      bool
	BypassMode   BypassMode
	Retention    int
	GuardOptions guardrails.Options // event-payload guardrails; zero value uses DefaultEventOptions
	// GuardrailsDisabled skips payload sanitization entirely (dev only;
	// GUARDRAILS_ENABLED=false).
	GuardrailsDisabled bool
}

// Frontdoor is the sole legitimate emitter of event_v1 envelopes.
//
// Shared state (counters only; no mutable envelope state) is guarded by a
// short critical section: Store.Append and Hub.Publish own their own
// synchronization, so Frontdoor itself only needs to protect its
// drop/violation counters.
type Frontdoor struct {
	store        eventstore.Store
	hub          *eventhub.Hub
	materializer Materializer
	telemetry    telemetry.Bundle
	opts         Options

	mu               sync.Mutex
	frontdoorDrops   int64
	guardViolations  int64
}

// New constructs a Frontdoor. materializer may be NoopMaterializer{} when
// graph materialization is disabled.
func New(store eventstore.Store, hub *eventhub.Hub, materializer Materializer, bundle telemetry.Bundle, opts Options) *Frontdoor {
	if opts.BypassMode == "" {
		opts.BypassMode = BypassDrop
	}
	if materializer == nil {
		materializer = NoopMaterializer{}
	}
	return &Frontdoor{store: store, hub: hub, materializer: materializer, telemetry: bundle, opts: opts}
}

// Emit is the frontdoor's single operation: it enforces emitter policy,
// derives missing envelope fields from the turn context, runs guardrails,
// composes the final envelope, appends to the store when requested,
// publishes to the hub, and triggers best-effort materialization.
//
// Emit never returns an error to the caller in the "drop" bypass mode or on
// any downstream I/O failure; those are recorded as counters only. It does
// return an error in "raise" bypass mode, and only for that one condition.
func (f *Frontdoor) Emit(ctx context.Context, req EmitRequest) (eventv1.Envelope, error) {
	tc, insideFrontdoor := TurnContextFromContext(ctx)

	if f.opts.Enforce && !insideFrontdoor {
		drop := f.frontdoorDropEvent(req.ConversationID)
		f.mu.Lock()
		f.frontdoorDrops++
		f.mu.Unlock()
		f.telemetry.Metrics.IncCounter("denis.persona.frontdoor_drop", 1)

		if f.opts.BypassMode == BypassRaise {
			return drop, buserrors.New(buserrors.CodeFrontdoorDrop, "emit called outside persona_emitter_context")
		}
		f.telemetry.Logger.Warn(ctx, "persona frontdoor drop: emit called outside context", "conversation_id", req.ConversationID)
		return drop, nil
	}

	conversationID := req.ConversationID
	if conversationID == "" {
		conversationID = tc.ConversationID
	}
	if conversationID == "" {
		conversationID = eventv1.DefaultConversationID
	}

	correlationID := tc.CorrelationID
	if correlationID == "" {
		if req.TraceID != "" {
			correlationID = req.TraceID
		} else {
			correlationID = newID()
		}
	}
	turnID := tc.TurnID
	if turnID == "" {
		turnID = newID()
	}
	traceID := req.TraceID
	if traceID == "" {
		traceID = tc.TraceID
	}

	channel := req.Channel
	if channel == "" {
		channel = eventv1.InferChannel(req.Type)
	}

	safePayload, violations := req.Payload, 0
	if !f.opts.GuardrailsDisabled {
		safePayload, violations = guardrails.SanitizeEventWithOptions(req.Payload, f.guardOptions())
	}
	if violations > 0 {
		f.mu.Lock()
		f.guardViolations += int64(violations)
		f.mu.Unlock()
		f.telemetry.Metrics.IncCounter("denis.guardrails.violations", float64(violations))
		f.emitMetric(ctx, conversationID, traceID, violations)
	}

	severity := req.Severity
	if severity == "" {
		severity = eventv1.SeverityInfo
	}
	uiHint := req.UIHint
	if uiHint == nil {
		uiHint = eventv1.DefaultUIHint()
	}

	env := eventv1.Envelope{
		TS:             time.Now().UTC().Format(time.RFC3339Nano),
		ConversationID: conversationID,
		Emitter:        eventv1.PersonaEmitter,
		CorrelationID:  correlationID,
		TurnID:         turnID,
		TraceID:        traceID,
		Channel:        channel,
		Type:           req.Type,
		Severity:       severity,
		SchemaVersion:  eventv1.SchemaVersion,
		UIHint:         uiHint,
		Payload:        safePayload,
	}

	if req.Stored {
		stored, err := f.store.Append(ctx, conversationID, env, f.retention())
		if err != nil {
			f.telemetry.Logger.Error(ctx, "event store append failed; degrading to publish-only", "error", err)
			f.telemetry.Metrics.IncCounter("denis.eventstore.append_failed", 1)
			env.Stored = false
		} else {
			env = stored
		}
	}

	f.hub.Publish(ctx, env)

	func() {
		defer func() { _ = recover() }()
		if err := f.materializer.Materialize(ctx, env); err != nil {
			f.telemetry.Logger.Warn(ctx, "materialize failed", "error", err, "type", env.Type)
			f.telemetry.Metrics.IncCounter("denis.graph.materialize_failed", 1)
		}
	}()

	return env, nil
}

// emitMetric composes and delivers a non-recursive ops.metric event
// reporting a non-zero guardrails violation count. It does not re-run
// guardrails or recursively call Emit's enforcement checks.
func (f *Frontdoor) emitMetric(ctx context.Context, conversationID, traceID string, violations int) {
	env := eventv1.Envelope{
		TS:             time.Now().UTC().Format(time.RFC3339Nano),
		ConversationID: conversationID,
		Emitter:        eventv1.PersonaEmitter,
		CorrelationID:  traceID,
		TurnID:         newID(),
		TraceID:        traceID,
		Channel:        eventv1.ChannelOps,
		Type:           eventv1.TypeOpsMetric,
		Severity:       eventv1.SeverityWarning,
		SchemaVersion:  eventv1.SchemaVersion,
		UIHint:         eventv1.DefaultUIHint(),
		Payload:        map[string]any{"metric": "guardrails_violations", "count": violations},
	}
	f.hub.Publish(ctx, env)
}

func (f *Frontdoor) frontdoorDropEvent(conversationID string) eventv1.Envelope {
	if conversationID == "" {
		conversationID = eventv1.DefaultConversationID
	}
	return eventv1.Envelope{
		ConversationID: conversationID,
		EventID:        0,
		Stored:         false,
		Type:           eventv1.TypeError,
		Severity:       eventv1.SeverityError,
		Emitter:        eventv1.PersonaEmitter,
		SchemaVersion:  eventv1.SchemaVersion,
		UIHint:         eventv1.DefaultUIHint(),
		Payload:        map[string]any{"code": string(buserrors.CodeFrontdoorDrop)},
	}
}

func (f *Frontdoor) guardOptions() guardrails.Options {
	if f.opts.GuardOptions.MaxStringLen == 0 && f.opts.GuardOptions.MaxListLen == 0 {
		return guardrails.DefaultEventOptions()
	}
	return f.opts.GuardOptions
}

func (f *Frontdoor) retention() int {
	if f.opts.Retention <= 0 {
		return eventstore.DefaultRetention
	}
	return f.opts.Retention
}

// Counters returns the frontdoor's best-effort drop/violation counters for
// telemetry/health endpoints.
func (f *Frontdoor) Counters() (frontdoorDrops, guardViolations int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.frontdoorDrops, f.guardViolations
}
