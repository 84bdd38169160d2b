package grpc

import (
    "context"
    "crypto/tls"
    "time"

    "google.golang.org/grpc"
    "google.golang.org/grpc/backoff"
    "google.golang.org/grpc/credentials"
    "google.golang.org/grpc/credentials/insecure"
    "google.golang.org/grpc/keepalive"

    "github.com/amirimatin/go-appcluster/pkg/transport"
)

// Client implements transport.RPCClient with pooled connections.
type Client struct {
    timeout time.Duration
    tlsCfg  *tls.Config
    cm      *ConnManager
}

func NewClient(timeout time.Duration) *Client {
    if timeout <= 0 { timeout = 3 * time.Second }
    c := &Client{timeout: timeout}
    c.cm = NewConnManager(30*time.Second, c.dial)
    return c
}

// UseTLS sets TLS config for connections dialed after the call.
func (c *Client) UseTLS(cfg *tls.Config) *Client { c.tlsCfg = cfg; return c }

// Close releases every pooled connection.
func (c *Client) Close() { c.cm.Close() }

func (c *Client) dial(target string) (*grpc.ClientConn, error) {
    creds := insecure.NewCredentials()
    if c.tlsCfg != nil { creds = credentials.NewTLS(c.tlsCfg) }
    return grpc.NewClient(target,
        grpc.WithDefaultCallOptions(grpc.ForceCodec(jsonCodec{})),
        grpc.WithConnectParams(grpc.ConnectParams{Backoff: backoff.DefaultConfig, MinConnectTimeout: 500 * time.Millisecond}),
        grpc.WithKeepaliveParams(keepalive.ClientParameters{Time: 20 * time.Second, Timeout: 5 * time.Second, PermitWithoutStream: true}),
        grpc.WithTransportCredentials(creds),
    )
}

func invoke[Resp any](ctx context.Context, c *Client, addr, method string, in any) (Resp, error) {
    var out Resp
    cctx, cancel := context.WithTimeout(ctx, c.timeout)
    defer cancel()
    cc, release, err := c.cm.Get(addr)
    if err != nil { return out, err }
    defer release()
    err = cc.Invoke(cctx, "/"+serviceName+"/"+method, in, &out, grpc.WaitForReady(true))
    return out, err
}

func (c *Client) GetStatus(ctx context.Context, addr string) ([]byte, error) {
    out, err := invoke[statusBlob](ctx, c, addr, "GetStatus", &empty{})
    if err != nil { return nil, err }
    return out.Data, errorOf(out.Error)
}

func (c *Client) PostJoin(ctx context.Context, addr string, req transport.JoinRequest) (transport.JoinResponse, error) {
    out, err := invoke[transport.JoinResponse](ctx, c, addr, "Join", &req)
    if err != nil { return out, err }
    return out, errorOf(out.Error)
}

func (c *Client) PostLeave(ctx context.Context, addr string, req transport.LeaveRequest) (transport.LeaveResponse, error) {
    out, err := invoke[transport.LeaveResponse](ctx, c, addr, "Leave", &req)
    if err != nil { return out, err }
    return out, errorOf(out.Error)
}

func (c *Client) PostApply(ctx context.Context, addr string, req transport.ApplyRequest) (transport.ApplyResponse, error) {
    out, err := invoke[transport.ApplyResponse](ctx, c, addr, "Apply", &req)
    if err != nil { return out, err }
    return out, errorOf(out.Error)
}

var _ transport.RPCClient = (*Client)(nil)
