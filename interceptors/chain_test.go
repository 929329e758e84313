package interceptors

import (
	"context"
	"fmt"
	"testing"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func makeUnaryTag(tag string, log *[]string) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		*log = append(*log, tag+":before")
		resp, err := handler(ctx, req)
		*log = append(*log, tag+":after")
		return resp, err
	}
}

func TestChainUnary_Order(t *testing.T) {
	var log []string
	chained := ChainUnary([]grpc.UnaryServerInterceptor{
		makeUnaryTag("recovery", &log),
		makeUnaryTag("auth", &log),
		makeUnaryTag("ratelimit", &log),
	})

	handler := func(_ context.Context, _ any) (any, error) {
		log = append(log, "handler")
		return "ok", nil
	}

	resp, err := chained(t.Context(), "req", &grpc.UnaryServerInfo{FullMethod: "/chizhick.Catalog/Tree"}, handler)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp != "ok" {
		t.Fatalf("unexpected response: %v", resp)
	}

	expected := []string{
		"recovery:before", "auth:before", "ratelimit:before",
		"handler",
		"ratelimit:after", "auth:after", "recovery:after",
	}
	if len(log) != len(expected) {
		t.Fatalf("log mismatch: got %v, want %v", log, expected)
	}
	for i := range expected {
		if log[i] != expected[i] {
			t.Fatalf("log[%d] = %q, want %q\nfull: %v", i, log[i], expected[i], log)
		}
	}
}

func TestChainUnary_Empty(t *testing.T) {
	if ChainUnary(nil) != nil {
		t.Fatal("ChainUnary(nil) should return nil")
	}
}

func TestChainUnary_ShortCircuitStopsChain(t *testing.T) {
	var log []string
	deny := func(_ context.Context, _ any, info *grpc.UnaryServerInfo, _ grpc.UnaryHandler) (any, error) {
		log = append(log, "deny:"+info.FullMethod)
		return nil, status.Error(codes.PermissionDenied, "blocked")
	}
	chained := ChainUnary([]grpc.UnaryServerInterceptor{
		makeUnaryTag("recovery", &log),
		deny,
		makeUnaryTag("ratelimit", &log),
	})

	_, err := chained(t.Context(), nil, &grpc.UnaryServerInfo{FullMethod: "/chizhick.Catalog/Cities"},
		func(context.Context, any) (any, error) {
			log = append(log, "handler")
			return nil, nil
		})
	if status.Code(err) != codes.PermissionDenied {
		t.Fatalf("expected PermissionDenied, got %v", err)
	}
	want := "[recovery:before deny:/chizhick.Catalog/Cities recovery:after]"
	if got := fmt.Sprint(log); got != want {
		t.Fatalf("log = %s, want %s", got, want)
	}
}
