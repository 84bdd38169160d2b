package httpjson

import (
    "context"
    "errors"
    "io"
    "log"
    "net/http"
    "sync/atomic"
    "testing"
    "time"

    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"

    "github.com/amirimatin/go-appcluster/pkg/transport"
)

func startServer(t *testing.T, h transport.Handlers) string {
    t.Helper()
    ctx, cancel := context.WithCancel(context.Background())
    t.Cleanup(cancel)
    s := NewServer("127.0.0.1:0", log.New(io.Discard, "", 0))
    require.NoError(t, s.Start(ctx, h))
    t.Cleanup(func() { _ = s.Stop(context.Background()) })
    require.NotContains(t, s.Addr(), ":0")
    return s.Addr()
}

func TestApplyRoundTrip(t *testing.T) {
    var got transport.ApplyRequest
    addr := startServer(t, transport.Handlers{
        Apply: func(_ context.Context, req transport.ApplyRequest) (transport.ApplyResponse, error) {
            got = req
            return transport.ApplyResponse{OK: true, Index: 42}, nil
        },
    })
    c := NewClient(time.Second)
    resp, err := c.PostApply(context.Background(), addr, transport.ApplyRequest{Command: []byte(`{"op":"put"}`)})
    require.NoError(t, err)
    assert.True(t, resp.OK)
    assert.Equal(t, uint64(42), resp.Index)
    assert.JSONEq(t, `{"op":"put"}`, string(got.Command))
}

func TestHandlerErrorIsNotRetried(t *testing.T) {
    calls := 0
    addr := startServer(t, transport.Handlers{
        Join: func(_ context.Context, req transport.JoinRequest) (transport.JoinResponse, error) {
            calls++
            return transport.JoinResponse{Leader: "n1"}, errors.New("not the leader")
        },
    })
    resp, err := NewClient(time.Second).PostJoin(context.Background(), addr, transport.JoinRequest{ID: "n2", RaftAddr: "127.0.0.1:1"})
    require.EqualError(t, err, "not the leader")
    assert.Equal(t, "n1", resp.Leader)
    assert.Equal(t, 1, calls)
}

func TestApplyIsSentOnceOnTimeout(t *testing.T) {
    var hits atomic.Int32
    addr := startServer(t, transport.Handlers{
        Apply: func(_ context.Context, req transport.ApplyRequest) (transport.ApplyResponse, error) {
            hits.Add(1)
            time.Sleep(300 * time.Millisecond)
            return transport.ApplyResponse{OK: true}, nil
        },
    })
    _, err := NewClient(100*time.Millisecond).PostApply(context.Background(), addr, transport.ApplyRequest{Command: []byte(`{"op":"cas"}`)})
    require.Error(t, err)
    var remote *transport.RemoteError
    assert.False(t, errors.As(err, &remote), "a timeout is not an answer from the peer")

    time.Sleep(400 * time.Millisecond)
    assert.Equal(t, int32(1), hits.Load())
}

func TestApplyHandlerErrorIsRemote(t *testing.T) {
    addr := startServer(t, transport.Handlers{
        Apply: func(context.Context, transport.ApplyRequest) (transport.ApplyResponse, error) {
            return transport.ApplyResponse{}, errors.New("consensus: not the leader")
        },
    })
    _, err := NewClient(time.Second).PostApply(context.Background(), addr, transport.ApplyRequest{Command: []byte(`{}`)})
    var remote *transport.RemoteError
    require.ErrorAs(t, err, &remote)
    assert.Equal(t, "consensus: not the leader", remote.Msg)
}

func TestStatusAndHealthz(t *testing.T) {
    addr := startServer(t, transport.Handlers{
        Status: func(context.Context) ([]byte, error) { return []byte(`{"name":"sq"}`), nil },
    })
    b, err := NewClient(time.Second).GetStatus(context.Background(), addr)
    require.NoError(t, err)
    assert.JSONEq(t, `{"name":"sq"}`, string(b))

    resp, err := http.Get("http://" + addr + "/healthz")
    require.NoError(t, err)
    resp.Body.Close()
    assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMissingHandler(t *testing.T) {
    addr := startServer(t, transport.Handlers{})
    _, err := NewClient(time.Second).PostLeave(context.Background(), addr, transport.LeaveRequest{ID: "x"})
    assert.Error(t, err)
}
