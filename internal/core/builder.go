package core

import "google.golang.org/grpc"

// BuildServerOptions turns the sorted interceptors into grpc.NewServer
// options, followed by extra.
func BuildServerOptions(
	unary []grpc.UnaryServerInterceptor,
	chainUnary func([]grpc.UnaryServerInterceptor) grpc.UnaryServerInterceptor,
	extra ...grpc.ServerOption,
) []grpc.ServerOption {
	var opts []grpc.ServerOption
	if u := chainUnary(unary); u != nil {
		opts = append(opts, grpc.UnaryInterceptor(u))
	}
	return append(opts, extra...)
}
