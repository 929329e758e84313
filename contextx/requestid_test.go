package contextx

import "testing"

func TestRequestID(t *testing.T) {
	if got := RequestIDFromContext(t.Context()); got != "" {
		t.Fatalf("expected empty id, got %q", got)
	}
	ctx := WithRequestID(t.Context(), "9f86d081884c7d65")
	if got := RequestIDFromContext(ctx); got != "9f86d081884c7d65" {
		t.Fatalf("got %q, want %q", got, "9f86d081884c7d65")
	}
}
