// Package core holds server wiring shared by the catalog and health
// services: ordered interceptor assembly and the JSON wire codec.
package core

import (
	"cmp"
	"slices"

	"google.golang.org/grpc"
)

// Interceptor slots. Lower runs first.
const (
	OrderRecovery  = 100
	OrderRequestID = 200
	OrderTracing   = 300
	OrderLogging   = 400
	OrderIPBlock   = 500
	OrderAuth      = 600
	OrderRateLimit = 700
)

type middleware struct {
	name  string
	unary grpc.UnaryServerInterceptor
	order int
}

// MiddlewareBuilder collects interceptors and sorts them by order.
type MiddlewareBuilder struct {
	entries []middleware
}

// Add registers an interceptor. A second Add with the same name replaces
// the first.
func (b *MiddlewareBuilder) Add(name string, order int, unary grpc.UnaryServerInterceptor) {
	for i := range b.entries {
		if b.entries[i].name == name {
			b.entries[i] = middleware{name: name, unary: unary, order: order}
			return
		}
	}
	b.entries = append(b.entries, middleware{name: name, unary: unary, order: order})
}

// Names returns the registered names in execution order.
func (b *MiddlewareBuilder) Names() []string {
	sorted := b.sorted()
	names := make([]string, len(sorted))
	for i, m := range sorted {
		names[i] = m.name
	}
	return names
}

// Build returns the interceptors in execution order. Equal orders keep
// registration order.
func (b *MiddlewareBuilder) Build() []grpc.UnaryServerInterceptor {
	sorted := b.sorted()
	out := make([]grpc.UnaryServerInterceptor, 0, len(sorted))
	for _, m := range sorted {
		if m.unary != nil {
			out = append(out, m.unary)
		}
	}
	return out
}

func (b *MiddlewareBuilder) sorted() []middleware {
	s := slices.Clone(b.entries)
	slices.SortStableFunc(s, func(a, c middleware) int {
		return cmp.Compare(a.order, c.order)
	})
	return s
}
