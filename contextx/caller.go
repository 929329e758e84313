package contextx

import "context"

// Caller is the identity behind a catalog request, set by the API key check.
type Caller struct {
	// KeyID is a short, non-secret fingerprint of the API key used.
	KeyID string
	// Addr is the resolved client address, when known.
	Addr string
}

// WithCaller returns a derived context that carries c.
func WithCaller(ctx context.Context, c Caller) context.Context {
	return context.WithValue(ctx, callerKey, c)
}

// CallerFromContext extracts the Caller stored in ctx.
// The boolean return value indicates whether a Caller was present.
func CallerFromContext(ctx context.Context) (Caller, bool) {
	c, ok := ctx.Value(callerKey).(Caller)
	return c, ok
}
