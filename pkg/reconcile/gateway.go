package reconcile

import "context"

// Gateway performs authoritative CRUD against the server. Implementations must
// honour ctx cancellation; the engine bounds every call with Config.RequestTimeout.
type Gateway[T any] interface {
	FetchAll(ctx context.Context) ([]T, error)
	Create(ctx context.Context, entity T) (T, error)
	Update(ctx context.Context, id string, changes Fields) (T, error)
	Delete(ctx context.Context, id string) error
}

type correlationKey struct{}

// WithCorrelationID attaches the id a gateway should forward so the server can echo
// it in the matching push (meta.context.requestId or data._correlationId).
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

// CorrelationIDFromContext returns the id set by WithCorrelationID.
func CorrelationIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(correlationKey{}).(string)
	return id
}
