package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/feefomit/chizhick"
	"github.com/feefomit/chizhick/auth"
	"github.com/feefomit/chizhick/extractor"
	"github.com/feefomit/chizhick/ping"
	"github.com/feefomit/chizhick/readiness"
	"github.com/feefomit/chizhick/security"
	"github.com/feefomit/chizhick/session"
	"github.com/feefomit/chizhick/tracing"
)

// fakeCatalog answers every query with data or err and records the calls.
type fakeCatalog struct {
	data json.RawMessage
	err  error

	mu    sync.Mutex
	calls []string
	nopts []int
}

func (f *fakeCatalog) record(call string, opts []chizhick.FetchOption) (json.RawMessage, error) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.nopts = append(f.nopts, len(opts))
	f.mu.Unlock()
	return f.data, f.err
}

func (f *fakeCatalog) ActiveOffers(_ context.Context, opts ...chizhick.FetchOption) (json.RawMessage, error) {
	return f.record("offers", opts)
}

func (f *fakeCatalog) Cities(_ context.Context, search string, page int, opts ...chizhick.FetchOption) (json.RawMessage, error) {
	return f.record(fmt.Sprintf("cities %s %d", search, page), opts)
}

func (f *fakeCatalog) Tree(_ context.Context, cityID string, opts ...chizhick.FetchOption) (json.RawMessage, error) {
	return f.record("tree "+cityID, opts)
}

func (f *fakeCatalog) Products(_ context.Context, cityID string, categoryID, page int, opts ...chizhick.FetchOption) (json.RawMessage, error) {
	return f.record(fmt.Sprintf("products %s %d %d", cityID, categoryID, page), opts)
}

type fakeSource struct {
	phase readiness.Phase
}

func (f fakeSource) Readiness() readiness.State         { return readiness.State{Phase: f.phase} }
func (f fakeSource) Session() (session.Liveness, uint64) { return session.Ready, 1 }

const bufSize = 1024 * 1024

func serve(t *testing.T, s *Server) *grpc.ClientConn {
	t.Helper()
	lis := bufconn.Listen(bufSize)
	go func() { _ = s.Serve(lis) }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		s.Stop(ctx)
	})

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("grpc.NewClient: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestNewServer_InterceptorOrder(t *testing.T) {
	blocker, err := security.NewIPBlocker(security.Config{Mode: security.DenyList})
	if err != nil {
		t.Fatal(err)
	}
	s := NewServer(
		WithRateLimitGlobal(100, 10),
		WithAPIKey("k"),
		WithIPBlocker(blocker),
		WithAccessLog(),
		WithTracing(&tracing.Config{}),
		WithRequestID(),
		WithRecovery(),
	)
	want := []string{"recovery", "request_id", "tracing", "access_log", "ip_block", "auth", "rate_limit"}
	if got := s.Interceptors(); !slices.Equal(got, want) {
		t.Fatalf("Interceptors() = %v, want %v", got, want)
	}
}

func TestNewServer_EmptyKeyAddsNoAuth(t *testing.T) {
	s := NewServer(WithAPIKey(""), WithRateLimitGlobal(0, 0))
	if n := len(s.Interceptors()); n != 0 {
		t.Fatalf("got interceptors %v, want none", s.Interceptors())
	}
}

func TestCatalog_RoundTrip(t *testing.T) {
	cat := &fakeCatalog{data: json.RawMessage(`{"categories":[1,2]}`)}
	s := NewServer(WithRecovery(), WithRequestID())
	s.RegisterCatalog(cat)
	client := NewCatalogClient(serve(t, s))
	ctx := t.Context()

	resp, err := client.Tree(ctx, &TreeRequest{CityID: "77"})
	if err != nil {
		t.Fatalf("Tree: %v", err)
	}
	if string(resp.Data) != `{"categories":[1,2]}` {
		t.Fatalf("Data = %s", resp.Data)
	}
	if _, err := client.Cities(ctx, &CitiesRequest{Search: "Москва"}); err != nil {
		t.Fatalf("Cities: %v", err)
	}
	if _, err := client.Products(ctx, &ProductsRequest{CityID: "77", CategoryID: 5, Page: 3, FetchParams: FetchParams{WaitMS: 500}}); err != nil {
		t.Fatalf("Products: %v", err)
	}
	if _, err := client.ActiveOffers(ctx, &OffersRequest{}); err != nil {
		t.Fatalf("ActiveOffers: %v", err)
	}

	cat.mu.Lock()
	defer cat.mu.Unlock()
	wantCalls := []string{"tree 77", "cities Москва 1", "products 77 5 3", "offers"}
	if !slices.Equal(cat.calls, wantCalls) {
		t.Fatalf("calls = %v, want %v", cat.calls, wantCalls)
	}
	if cat.nopts[2] != 2 || cat.nopts[0] != 0 {
		t.Fatalf("fetch options = %v, want wait options only on products", cat.nopts)
	}
}

func TestCatalog_PendingCarriesRetryAfter(t *testing.T) {
	cat := &fakeCatalog{err: &chizhick.FetchError{Kind: chizhick.KindInProgress, Key: "tree:77"}}
	s := NewServer()
	s.RegisterCatalog(cat)
	client := NewCatalogClient(serve(t, s))

	var header metadata.MD
	_, err := client.Tree(t.Context(), &TreeRequest{CityID: "77"}, grpc.Header(&header))
	if status.Code(err) != codes.Aborted {
		t.Fatalf("expected Aborted, got %v", err)
	}
	if got := header.Get(HeaderRetryAfter); len(got) != 1 || got[0] != "2" {
		t.Fatalf("retry-after = %v, want [2]", got)
	}
}

func TestCatalog_APIKey(t *testing.T) {
	s := NewServer(WithAPIKey("s3cret"))
	s.RegisterCatalog(&fakeCatalog{data: json.RawMessage(`[]`)})
	s.RegisterHealth(fakeSource{phase: readiness.Ready})
	conn := serve(t, s)
	client := NewCatalogClient(conn)

	if _, err := client.ActiveOffers(t.Context(), &OffersRequest{}); status.Code(err) != codes.Unauthenticated {
		t.Fatalf("expected Unauthenticated, got %v", err)
	}

	ctx := metadata.AppendToOutgoingContext(t.Context(), auth.HeaderAPIKey, "s3cret")
	if _, err := client.ActiveOffers(ctx, &OffersRequest{}); err != nil {
		t.Fatalf("with key: %v", err)
	}

	if _, err := ping.Check(t.Context(), conn); err != nil {
		t.Fatalf("health must not need a key: %v", err)
	}
}

func TestCatalog_IPBlockDenies(t *testing.T) {
	// bufconn peers have no IP address, so an allow list never matches.
	blocker, err := security.NewIPBlocker(security.Config{
		Mode:  security.AllowList,
		CIDRs: []string{"192.168.0.0/16"},
	})
	if err != nil {
		t.Fatalf("NewIPBlocker: %v", err)
	}
	s := NewServer(WithRecovery(), WithIPBlocker(blocker))
	s.RegisterCatalog(&fakeCatalog{})
	client := NewCatalogClient(serve(t, s))

	if _, err := client.Tree(t.Context(), &TreeRequest{}); status.Code(err) != codes.PermissionDenied {
		t.Fatalf("expected PermissionDenied, got %v", err)
	}
}

func TestCatalog_RateLimited(t *testing.T) {
	s := NewServer(WithRateLimitGlobal(0.001, 1))
	s.RegisterCatalog(&fakeCatalog{data: json.RawMessage(`{}`)})
	client := NewCatalogClient(serve(t, s))

	if _, err := client.Tree(t.Context(), &TreeRequest{}); err != nil {
		t.Fatalf("first request: %v", err)
	}
	if _, err := client.Tree(t.Context(), &TreeRequest{}); status.Code(err) != codes.ResourceExhausted {
		t.Fatalf("expected ResourceExhausted, got %v", err)
	}
}

func TestStatus(t *testing.T) {
	fe := func(k chizhick.Kind, cause error) error {
		return &chizhick.FetchError{Kind: k, Key: "tree:77", Err: cause}
	}
	tests := []struct {
		name string
		err  error
		code codes.Code
		msg  string
	}{
		{"warming up", fe(chizhick.KindNotReady, nil), codes.Unavailable, "warming up, retry later"},
		{"warmup failed", fe(chizhick.KindNotReady, &readiness.FailedError{Attempts: 6, Err: errors.New("x")}), codes.Unavailable, "upstream warmup failed"},
		{"shut down", fe(chizhick.KindNotReady, chizhick.ErrShutdown), codes.Unavailable, "shutting down"},
		{"in progress", fe(chizhick.KindInProgress, nil), codes.Aborted, "computation in progress, retry shortly"},
		{"timeout", fe(chizhick.KindTimeout, context.DeadlineExceeded), codes.DeadlineExceeded, "upstream timed out"},
		{"crash", fe(chizhick.KindCrash, extractor.ErrClosed), codes.Unavailable, "upstream crashed"},
		{"failure", fe(chizhick.KindFailure, &extractor.StatusError{Code: 500}), codes.Internal, "upstream failed"},
		{"bad argument", chizhick.ErrInvalidArgument, codes.InvalidArgument, chizhick.ErrInvalidArgument.Error()},
		{"status passthrough", status.Error(codes.NotFound, "nope"), codes.NotFound, "nope"},
		{"plain error", errors.New("boom"), codes.Internal, "internal error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st, ok := status.FromError(Status(tt.err))
			if !ok {
				t.Fatal("expected gRPC status error")
			}
			if st.Code() != tt.code || st.Message() != tt.msg {
				t.Fatalf("got (%v, %q), want (%v, %q)", st.Code(), st.Message(), tt.code, tt.msg)
			}
		})
	}
	if Status(nil) != nil {
		t.Fatal("Status(nil) must be nil")
	}
}

func TestHealth_WatchReadiness(t *testing.T) {
	s := NewServer()
	s.RegisterHealth(fakeSource{phase: readiness.Preparing})
	conn := serve(t, s)
	hc := healthpb.NewHealthClient(conn)

	var mu sync.Mutex
	readyErr := error(readiness.ErrNotReady)
	ready := func() error {
		mu.Lock()
		defer mu.Unlock()
		return readyErr
	}

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	go s.WatchReadiness(ctx, ready, 5*time.Millisecond)

	check := func() healthpb.HealthCheckResponse_ServingStatus {
		resp, err := hc.Check(t.Context(), &healthpb.HealthCheckRequest{Service: CatalogServiceName})
		if err != nil {
			t.Fatalf("health Check: %v", err)
		}
		return resp.GetStatus()
	}

	if st := check(); st != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Fatalf("status = %v, want NOT_SERVING", st)
	}

	mu.Lock()
	readyErr = nil
	mu.Unlock()

	deadline := time.Now().Add(time.Second)
	for check() != healthpb.HealthCheckResponse_SERVING {
		if time.Now().After(deadline) {
			t.Fatal("health never became SERVING")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHTTPHandler(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "chizhick_test_total", Help: "test"})
	reg.MustRegister(c)
	c.Inc()

	tests := []struct {
		name  string
		src   ping.Source
		path  string
		code  int
		check func(t *testing.T, body string)
	}{
		{"healthz", fakeSource{phase: readiness.Preparing}, "/healthz", http.StatusOK, nil},
		{"readyz warming", fakeSource{phase: readiness.Preparing}, "/readyz", http.StatusServiceUnavailable, func(t *testing.T, body string) {
			var rep ping.CheckResponse
			if err := json.Unmarshal([]byte(body), &rep); err != nil || rep.OK || rep.Phase != "preparing" {
				t.Fatalf("report = %+v (%v)", rep, err)
			}
		}},
		{"readyz ready", fakeSource{phase: readiness.Ready}, "/readyz", http.StatusOK, nil},
		{"metrics", fakeSource{}, "/metrics", http.StatusOK, func(t *testing.T, body string) {
			if !strings.Contains(body, "chizhick_test_total 1") {
				t.Fatalf("metrics body missing counter:\n%s", body)
			}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			HTTPHandler(tt.src, reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))
			if rec.Code != tt.code {
				t.Fatalf("status = %d, want %d", rec.Code, tt.code)
			}
			if tt.check != nil {
				tt.check(t, rec.Body.String())
			}
		})
	}
}
