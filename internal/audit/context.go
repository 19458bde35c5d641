package audit

import "context"

type correlationKey struct{}

// WithCorrelationID stamps the transaction correlation id onto the context
// so downstream clients can carry it into their audit records.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

// CorrelationID returns the transaction correlation id, or "" when the
// context carries none.
func CorrelationID(ctx context.Context) string {
	if id, ok := ctx.Value(correlationKey{}).(string); ok {
		return id
	}
	return ""
}
