package httpjson

import (
    "bytes"
    "context"
    "crypto/tls"
    "encoding/json"
    "errors"
    "fmt"
    "io"
    "net/http"
    "time"

    "github.com/cenkalti/backoff"

    "github.com/amirimatin/go-appcluster/pkg/transport"
)

// Client is a thin HTTP client for the management API. Status, join and leave
// calls that fail in transit are retried a few times with exponential backoff.
// Apply is sent once: a request that timed out may still be executing on the
// leader, and resubmitting is the data plane's decision.
type Client struct {
    httpc     *http.Client
    transport *http.Transport
    isTLS     bool
    retries   uint64
}

// NewClient constructs a new Client with the given per-request timeout.
func NewClient(timeout time.Duration) *Client {
    if timeout <= 0 { timeout = 3 * time.Second }
    tr := &http.Transport{}
    return &Client{httpc: &http.Client{Timeout: timeout, Transport: tr}, transport: tr, retries: 2}
}

// UseTLS sets the TLS config for the underlying HTTP client and switches the
// request scheme to https.
func (c *Client) UseTLS(cfg *tls.Config) *Client {
    c.transport.TLSClientConfig = cfg
    c.isTLS = cfg != nil
    return c
}

func (c *Client) url(addr, path string) string {
    scheme := "http"
    if c.isTLS { scheme = "https" }
    return fmt.Sprintf("%s://%s%s", scheme, addr, path)
}

func (c *Client) retry(ctx context.Context, retries uint64, op func() error) error {
    b := backoff.NewExponentialBackOff()
    b.InitialInterval = 100 * time.Millisecond
    b.MaxElapsedTime = 0
    return backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, retries), ctx))
}

func (c *Client) GetStatus(ctx context.Context, addr string) ([]byte, error) {
    var out []byte
    err := c.retry(ctx, c.retries, func() error {
        req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url(addr, "/status"), nil)
        if err != nil { return backoff.Permanent(err) }
        resp, err := c.httpc.Do(req)
        if err != nil { return err }
        defer resp.Body.Close()
        b, err := io.ReadAll(resp.Body)
        if err != nil { return err }
        if resp.StatusCode != http.StatusOK { return fmt.Errorf("status %d: %s", resp.StatusCode, bytes.TrimSpace(b)) }
        out = b
        return nil
    })
    return out, unwrapPermanent(err)
}

// postJSON sends in and decodes the reply into out, retrying transport
// failures up to retries times. errOf extracts the application error carried
// in the body.
func postJSON[Resp any](ctx context.Context, c *Client, addr, path string, in any, retries uint64, errOf func(*Resp) string) (Resp, error) {
    var out Resp
    body, err := json.Marshal(in)
    if err != nil { return out, err }
    err = c.retry(ctx, retries, func() error {
        req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url(addr, path), bytes.NewReader(body))
        if err != nil { return backoff.Permanent(err) }
        req.Header.Set("Content-Type", "application/json")
        resp, err := c.httpc.Do(req)
        if err != nil { return err }
        defer resp.Body.Close()
        b, _ := io.ReadAll(resp.Body)
        out = *new(Resp)
        _ = json.Unmarshal(b, &out)
        if resp.StatusCode == http.StatusOK { return nil }
        if msg := errOf(&out); msg != "" {
            // the peer answered; retrying will not change its mind
            return backoff.Permanent(&transport.RemoteError{Msg: msg})
        }
        return fmt.Errorf("%s status %d: %s", path, resp.StatusCode, bytes.TrimSpace(b))
    })
    return out, unwrapPermanent(err)
}

func (c *Client) PostJoin(ctx context.Context, addr string, req transport.JoinRequest) (transport.JoinResponse, error) {
    return postJSON(ctx, c, addr, "/join", req, c.retries, func(r *transport.JoinResponse) string { return r.Error })
}

func (c *Client) PostLeave(ctx context.Context, addr string, req transport.LeaveRequest) (transport.LeaveResponse, error) {
    return postJSON(ctx, c, addr, "/leave", req, c.retries, func(r *transport.LeaveResponse) string { return r.Error })
}

func (c *Client) PostApply(ctx context.Context, addr string, req transport.ApplyRequest) (transport.ApplyResponse, error) {
    return postJSON(ctx, c, addr, "/apply", req, 0, func(r *transport.ApplyResponse) string { return r.Error })
}

func unwrapPermanent(err error) error {
    var p *backoff.PermanentError
    if errors.As(err, &p) { return p.Err }
    return err
}

var _ transport.RPCClient = (*Client)(nil)
