package httpx

import "context"

// Unexported context key types avoid collisions across packages. Centralized
// in this file so all handlers and middleware use the same keys.
type (
	requestIDKey struct{}
	apiKeyKey    struct{}
)

// SetRequestIDInContext returns a child context carrying the request id.
func SetRequestIDInContext(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestIDFromContext returns the request id, or "" when none was set.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// SetAPIKeyInContext returns a child context carrying the authenticated API key.
// If key is empty, the original ctx is returned unchanged.
func SetAPIKeyInContext(ctx context.Context, key string) context.Context {
	if key == "" {
		return ctx
	}
	return context.WithValue(ctx, apiKeyKey{}, key)
}

// APIKeyFromContext returns the API key the request authenticated with and a
// boolean indicating presence.
func APIKeyFromContext(ctx context.Context) (string, bool) {
	key, ok := ctx.Value(apiKeyKey{}).(string)
	return key, ok && key != ""
}
