package logging

import (
	"context"

	"github.com/google/uuid"
)

// correlationKey is the private context key for the request correlation id.
// Correlation ids are bound per logical request via context.Context, never
// via process-global state, so concurrent requests cannot observe each
// other's ids.
type correlationKey struct{}

// WithCorrelationID returns a child context carrying id. The inbound request
// layer calls this once at the start of a logical operation; the id is
// discarded with the context at the end of the operation.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

// CorrelationID returns the correlation id bound to ctx, if any.
func CorrelationID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(correlationKey{}).(string)
	return id, ok && id != ""
}

// NewCorrelationID generates a fresh identifier for callers that never set
// one. Each record emitted without a bound id gets its own.
func NewCorrelationID() string {
	return uuid.New().String()
}
