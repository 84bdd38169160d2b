// Package grpc carries the management RPCs over gRPC with a JSON codec, so
// no protobuf code generation is needed.
package grpc

import (
    "context"
    "crypto/tls"
    "net"
    "sync"
    "time"

    "google.golang.org/grpc"
    "google.golang.org/grpc/credentials"
    "google.golang.org/grpc/health"
    healthpb "google.golang.org/grpc/health/grpc_health_v1"
    "google.golang.org/grpc/keepalive"

    "github.com/amirimatin/go-appcluster/pkg/observability/tracing"
    "github.com/amirimatin/go-appcluster/pkg/transport"
)

const serviceName = "appcluster.v1.Management"

// Server implements transport.RPCServer over gRPC.
type Server struct {
    bind   string
    tlsCfg *tls.Config

    mu  sync.Mutex
    lis net.Listener
    srv *grpc.Server
}

func NewServer(bind string) *Server { return &Server{bind: bind} }

// UseTLS enables TLS for the gRPC server using the provided config.
func (s *Server) UseTLS(cfg *tls.Config) *Server { s.tlsCfg = cfg; return s }

type empty struct{}
type statusBlob struct {
    Data  []byte `json:"data"`
    Error string `json:"error,omitempty"`
}

// unary adapts a typed handler into a grpc.MethodDesc. Application errors are
// folded into the response so the client sees the peer's answer, not a
// transport failure.
func unary[Req, Resp any](method string, fn func(context.Context, Req) (Resp, error), setErr func(*Resp, string)) grpc.MethodDesc {
    call := func(ctx context.Context, in *Req) (*Resp, error) {
        ctx, end := tracing.StartSpan(ctx, "grpc."+method)
        defer end()
        var out Resp
        if fn == nil {
            setErr(&out, transport.ErrUnsupported.Error())
            return &out, nil
        }
        out, err := fn(ctx, *in)
        if err != nil { setErr(&out, err.Error()) }
        return &out, nil
    }
    return grpc.MethodDesc{
        MethodName: method,
        Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
            in := new(Req)
            if err := dec(in); err != nil { return nil, err }
            if interceptor == nil { return call(ctx, in) }
            info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/" + method}
            return interceptor(ctx, in, info, func(ctx context.Context, req interface{}) (interface{}, error) {
                return call(ctx, req.(*Req))
            })
        },
    }
}

func serviceDesc(h transport.Handlers) *grpc.ServiceDesc {
    status := func(ctx context.Context, _ empty) (statusBlob, error) {
        if h.Status == nil { return statusBlob{}, transport.ErrUnsupported }
        b, err := h.Status(ctx)
        return statusBlob{Data: b}, err
    }
    return &grpc.ServiceDesc{
        ServiceName: serviceName,
        HandlerType: (*interface{})(nil),
        Methods: []grpc.MethodDesc{
            unary("GetStatus", status, func(r *statusBlob, e string) { r.Error = e }),
            unary("Join", h.Join, func(r *transport.JoinResponse, e string) { r.Error = e }),
            unary("Leave", h.Leave, func(r *transport.LeaveResponse, e string) { r.Error = e }),
            unary("Apply", h.Apply, func(r *transport.ApplyResponse, e string) { r.Error = e }),
        },
    }
}

func (s *Server) Start(ctx context.Context, h transport.Handlers) error {
    lis, err := net.Listen("tcp", s.bind)
    if err != nil { return err }
    opts := []grpc.ServerOption{
        grpc.ForceServerCodec(jsonCodec{}),
        grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{MinTime: 5 * time.Second, PermitWithoutStream: true}),
        grpc.KeepaliveParams(keepalive.ServerParameters{Time: 30 * time.Second, Timeout: 10 * time.Second}),
    }
    if s.tlsCfg != nil { opts = append(opts, grpc.Creds(credentials.NewTLS(s.tlsCfg))) }
    srv := grpc.NewServer(opts...)
    healthpb.RegisterHealthServer(srv, health.NewServer())
    srv.RegisterService(serviceDesc(h), struct{}{})

    s.mu.Lock()
    s.srv, s.lis = srv, lis
    s.mu.Unlock()

    go func() {
        <-ctx.Done()
        sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
        defer cancel()
        _ = s.Stop(sctx)
    }()
    go func() { _ = srv.Serve(lis) }()
    return nil
}

// Addr returns the bound address after Start, else the configured one.
func (s *Server) Addr() string {
    s.mu.Lock()
    defer s.mu.Unlock()
    if s.lis != nil { return s.lis.Addr().String() }
    return s.bind
}

func (s *Server) Stop(ctx context.Context) error {
    s.mu.Lock()
    srv := s.srv
    s.srv = nil
    s.mu.Unlock()
    if srv == nil { return nil }
    ch := make(chan struct{})
    go func() { srv.GracefulStop(); close(ch) }()
    select {
    case <-ch:
    case <-ctx.Done():
        srv.Stop()
    }
    return nil
}

// errorOf turns a non-empty application error string into an error.
func errorOf(msg string) error {
    if msg == "" { return nil }
    return &transport.RemoteError{Msg: msg}
}

var _ transport.RPCServer = (*Server)(nil)
