// Package persona implements the sole legitimate emitter of event_v1
// envelopes: the Persona Frontdoor. It stamps envelopes, enforces the
// emitter policy, runs guardrails, appends to the store, publishes to the
// hub, and triggers best-effort materialization.
//
// The "only persona may emit" rule is an in-process policy: a private
// context key stashes the turn context, and its presence marks the caller
// as running inside the persona emitter.
package persona

import (
	"context"

	"github.com/google/uuid"
)

// TurnContext carries the identifiers the frontdoor stamps onto an envelope
// when the caller does not supply them explicitly.
type TurnContext struct {
	ConversationID string
	CorrelationID  string
	TurnID         string
	TraceID        string
}

type turnCtxKey struct{}

// WithTurnContext returns a child context carrying tc, and marks it as
// originating from inside the persona emitter (see IsEmitterContext).
func WithTurnContext(ctx context.Context, tc TurnContext) context.Context {
	return context.WithValue(ctx, turnCtxKey{}, tc)
}

// TurnContextFromContext extracts a TurnContext from ctx. ok is false if
// none was set.
func TurnContextFromContext(ctx context.Context) (tc TurnContext, ok bool) {
	v := ctx.Value(turnCtxKey{})
	tc, ok = v.(TurnContext)
	return tc, ok
}

// IsEmitterContext reports whether ctx carries a persona_emitter_context
// marker, i.e. whether the caller is running inside the frontdoor's own
// call stack rather than calling Emit directly from arbitrary code.
func IsEmitterContext(ctx context.Context) bool {
	_, ok := TurnContextFromContext(ctx)
	return ok
}

// newID returns a fresh opaque identifier suitable for correlation_id and
// turn_id when the turn context does not supply one.
func newID() string {
	return uuid.NewString()
}
