package server

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/feefomit/chizhick"
	"github.com/feefomit/chizhick/contextx"
	"github.com/feefomit/chizhick/internal/core"
)

// CatalogServiceName is the gRPC service name of the catalog.
const CatalogServiceName = "chizhick.Catalog"

// Catalog is the query surface served over gRPC. *chizhick.Coordinator
// implements it.
type Catalog interface {
	ActiveOffers(ctx context.Context, opts ...chizhick.FetchOption) (json.RawMessage, error)
	Cities(ctx context.Context, search string, page int, opts ...chizhick.FetchOption) (json.RawMessage, error)
	Tree(ctx context.Context, cityID string, opts ...chizhick.FetchOption) (json.RawMessage, error)
	Products(ctx context.Context, cityID string, categoryID, page int, opts ...chizhick.FetchOption) (json.RawMessage, error)
}

// FetchParams are per-request overrides shared by every catalog request.
type FetchParams struct {
	// WaitMS makes the caller wait up to this many milliseconds for a value
	// another caller is computing, instead of getting Aborted at once.
	WaitMS int64 `json:"wait_ms,omitempty"`
}

func (p FetchParams) options() []chizhick.FetchOption {
	if p.WaitMS <= 0 {
		return nil
	}
	return []chizhick.FetchOption{
		chizhick.WithMissPolicy(chizhick.MissWait),
		chizhick.WithWaitBudget(time.Duration(p.WaitMS) * time.Millisecond),
	}
}

// OffersRequest asks for the active offers.
type OffersRequest struct {
	FetchParams
}

// CitiesRequest searches cities by name. Page defaults to 1.
type CitiesRequest struct {
	Search string `json:"search"`
	Page   int    `json:"page,omitempty"`
	FetchParams
}

// TreeRequest asks for the category tree of a city.
type TreeRequest struct {
	CityID string `json:"city_id,omitempty"`
	FetchParams
}

// ProductsRequest asks for one page of a category. Page defaults to 1.
type ProductsRequest struct {
	CityID     string `json:"city_id,omitempty"`
	CategoryID int    `json:"category_id"`
	Page       int    `json:"page,omitempty"`
	FetchParams
}

// CatalogResponse carries the upstream JSON unchanged.
type CatalogResponse struct {
	Data json.RawMessage `json:"data"`
}

func (*OffersRequest) JSONMessage()   {}
func (*CitiesRequest) JSONMessage()   {}
func (*TreeRequest) JSONMessage()     {}
func (*ProductsRequest) JSONMessage() {}
func (*CatalogResponse) JSONMessage() {}

var _ core.JSONMessage = (*CatalogResponse)(nil)

// CatalogServer is implemented by a chizhick.Catalog service.
type CatalogServer interface {
	ActiveOffers(ctx context.Context, req *OffersRequest) (*CatalogResponse, error)
	Cities(ctx context.Context, req *CitiesRequest) (*CatalogResponse, error)
	Tree(ctx context.Context, req *TreeRequest) (*CatalogResponse, error)
	Products(ctx context.Context, req *ProductsRequest) (*CatalogResponse, error)
}

// NewCatalogServer serves c, mapping coordinator errors to gRPC statuses.
func NewCatalogServer(c Catalog, log *zap.Logger) CatalogServer {
	if log == nil {
		log = zap.NewNop()
	}
	return catalogServer{c: c, log: log}
}

type catalogServer struct {
	c   Catalog
	log *zap.Logger
}

func (s catalogServer) ActiveOffers(ctx context.Context, req *OffersRequest) (*CatalogResponse, error) {
	data, err := s.c.ActiveOffers(ctx, req.options()...)
	return s.respond(ctx, "offers", data, err)
}

func (s catalogServer) Cities(ctx context.Context, req *CitiesRequest) (*CatalogResponse, error) {
	data, err := s.c.Cities(ctx, req.Search, pageOrFirst(req.Page), req.options()...)
	return s.respond(ctx, "cities", data, err)
}

func (s catalogServer) Tree(ctx context.Context, req *TreeRequest) (*CatalogResponse, error) {
	data, err := s.c.Tree(ctx, req.CityID, req.options()...)
	return s.respond(ctx, "tree", data, err)
}

func (s catalogServer) Products(ctx context.Context, req *ProductsRequest) (*CatalogResponse, error) {
	data, err := s.c.Products(ctx, req.CityID, req.CategoryID, pageOrFirst(req.Page), req.options()...)
	return s.respond(ctx, "products", data, err)
}

func (s catalogServer) respond(ctx context.Context, resource string, data json.RawMessage, err error) (*CatalogResponse, error) {
	if err == nil {
		return &CatalogResponse{Data: data}, nil
	}
	setRetryAfter(ctx, err)
	if !chizhick.IsPending(err) {
		s.log.Warn("catalog query failed",
			zap.String("resource", resource),
			zap.String("request_id", contextx.RequestIDFromContext(ctx)),
			zap.Error(err),
		)
	}
	return nil, Status(err)
}

func pageOrFirst(p int) int {
	if p == 0 {
		return 1
	}
	return p
}

func unaryMethod[Req any](name string, call func(CatalogServer, context.Context, *Req) (*CatalogResponse, error)) grpc.MethodDesc {
	fullMethod := "/" + CatalogServiceName + "/" + name
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			req := new(Req)
			if err := dec(req); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(CatalogServer), ctx, req)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			handler := func(ctx context.Context, r any) (any, error) {
				return call(srv.(CatalogServer), ctx, r.(*Req))
			}
			return interceptor(ctx, req, info, handler)
		},
	}
}

// CatalogServiceDesc is the grpc.ServiceDesc of chizhick.Catalog.
var CatalogServiceDesc = grpc.ServiceDesc{
	ServiceName: CatalogServiceName,
	HandlerType: (*CatalogServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod("ActiveOffers", CatalogServer.ActiveOffers),
		unaryMethod("Cities", CatalogServer.Cities),
		unaryMethod("Tree", CatalogServer.Tree),
		unaryMethod("Products", CatalogServer.Products),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "chizhick/catalog.proto",
}

// RegisterCatalogServer registers srv on s.
func RegisterCatalogServer(s grpc.ServiceRegistrar, srv CatalogServer) {
	s.RegisterService(&CatalogServiceDesc, srv)
}

// CatalogClient calls chizhick.Catalog.
type CatalogClient struct {
	cc grpc.ClientConnInterface
}

// NewCatalogClient returns a client using cc.
func NewCatalogClient(cc grpc.ClientConnInterface) *CatalogClient {
	return &CatalogClient{cc: cc}
}

func (c *CatalogClient) invoke(ctx context.Context, method string, req any, opts []grpc.CallOption) (*CatalogResponse, error) {
	out := new(CatalogResponse)
	if err := c.cc.Invoke(ctx, "/"+CatalogServiceName+"/"+method, req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *CatalogClient) ActiveOffers(ctx context.Context, req *OffersRequest, opts ...grpc.CallOption) (*CatalogResponse, error) {
	return c.invoke(ctx, "ActiveOffers", req, opts)
}

func (c *CatalogClient) Cities(ctx context.Context, req *CitiesRequest, opts ...grpc.CallOption) (*CatalogResponse, error) {
	return c.invoke(ctx, "Cities", req, opts)
}

func (c *CatalogClient) Tree(ctx context.Context, req *TreeRequest, opts ...grpc.CallOption) (*CatalogResponse, error) {
	return c.invoke(ctx, "Tree", req, opts)
}

func (c *CatalogClient) Products(ctx context.Context, req *ProductsRequest, opts ...grpc.CallOption) (*CatalogResponse, error) {
	return c.invoke(ctx, "Products", req, opts)
}
