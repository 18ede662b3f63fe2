package grant

import (
	"context"

	"go.opentelemetry.io/otel/trace"
)

type contextKey int

const outcomeKey contextKey = iota

// ContextWithOutcome attaches an accepted outcome to ctx so that later
// issuance stages can read the authorized user.
func ContextWithOutcome(ctx context.Context, o *Outcome) context.Context {
	return context.WithValue(ctx, outcomeKey, o)
}

// OutcomeFromContext returns the outcome stored by [ContextWithOutcome].
func OutcomeFromContext(ctx context.Context) (*Outcome, bool) {
	o, ok := ctx.Value(outcomeKey).(*Outcome)
	return o, ok && o != nil
}

// TraceIDFromContext returns the active trace id as hex, if any.
func TraceIDFromContext(ctx context.Context) (string, bool) {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if !sc.HasTraceID() {
		return "", false
	}
	return sc.TraceID().String(), true
}
