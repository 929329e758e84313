// Package ping serves chizhick.Health/Check, the readiness probe of the
// catalog server. It is registered through a hand-written grpc.ServiceDesc,
// so no protobuf code generation is required; messages travel as JSON.
package ping

import (
	"context"

	"google.golang.org/grpc"

	"github.com/feefomit/chizhick/internal/core"
	"github.com/feefomit/chizhick/readiness"
	"github.com/feefomit/chizhick/session"
)

// ServiceName is the gRPC service name.
const ServiceName = "chizhick.Health"

// CheckRequest is the input of Check.
type CheckRequest struct{}

// CheckResponse reports whether the catalog can answer queries.
type CheckResponse struct {
	OK         bool   `json:"ok"`
	Phase      string `json:"phase"`
	Error      string `json:"error,omitempty"`
	Attempts   int    `json:"attempts,omitempty"`
	Session    string `json:"session"`
	Generation uint64 `json:"generation"`
}

func (*CheckRequest) JSONMessage()  {}
func (*CheckResponse) JSONMessage() {}

// Handler is implemented by a Health service.
type Handler interface {
	Check(ctx context.Context, req *CheckRequest) (*CheckResponse, error)
}

// Source is what the health service inspects. *chizhick.Coordinator
// implements it.
type Source interface {
	Readiness() readiness.State
	Session() (session.Liveness, uint64)
}

// NewHandler returns a Handler reporting on src.
func NewHandler(src Source) Handler { return handler{src: src} }

type handler struct {
	src Source
}

func (h handler) Check(context.Context, *CheckRequest) (*CheckResponse, error) {
	return Report(h.src), nil
}

// Report builds a CheckResponse from the current state of src.
func Report(src Source) *CheckResponse {
	st := src.Readiness()
	live, gen := src.Session()
	resp := &CheckResponse{
		OK:         st.Phase == readiness.Ready,
		Phase:      st.Phase.String(),
		Attempts:   st.Attempts,
		Session:    live.String(),
		Generation: gen,
	}
	if st.Err != nil {
		resp.Error = st.Err.Error()
	}
	return resp
}

// ServiceDesc is the grpc.ServiceDesc of chizhick.Health.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*Handler)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Check", Handler: checkHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "chizhick/health.proto",
}

func checkHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	req := new(CheckRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(Handler).Check(ctx, req)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: "/" + ServiceName + "/Check",
	}
	handler := func(ctx context.Context, r any) (any, error) {
		return srv.(Handler).Check(ctx, r.(*CheckRequest))
	}
	return interceptor(ctx, req, info, handler)
}

// Register registers h on s.
func Register(s grpc.ServiceRegistrar, h Handler) {
	s.RegisterService(&ServiceDesc, h)
}

// Check calls chizhick.Health/Check on conn.
func Check(ctx context.Context, conn grpc.ClientConnInterface) (*CheckResponse, error) {
	out := new(CheckResponse)
	if err := conn.Invoke(ctx, "/"+ServiceName+"/Check", &CheckRequest{}, out); err != nil {
		return nil, err
	}
	return out, nil
}

var _ core.JSONMessage = (*CheckResponse)(nil)
