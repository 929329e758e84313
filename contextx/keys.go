// Package contextx carries per-request values (request id, caller identity)
// from the gRPC interceptors down to the coordinator logs and spans.
package contextx

// contextKey is an unexported type used as context key to avoid collisions
// with keys defined in other packages.
type contextKey int

const (
	callerKey contextKey = iota
	requestIDKey
)
