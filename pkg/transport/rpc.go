// Package transport defines the management RPC surface members use to talk
// to each other outside of raft: status, voter join/leave and forwarding of
// data plane writes to the leader.
package transport

import (
    "context"
    "errors"
)

// RemoteError is an error reported by the peer's handler, as opposed to a
// failure to reach the peer or to read its answer.
type RemoteError struct{ Msg string }

func (e *RemoteError) Error() string { return e.Msg }

// StatusFunc returns a JSON-encoded status payload.
type StatusFunc func(ctx context.Context) ([]byte, error)

// JoinRequest asks the leader to add ID as a raft voter at RaftAddr.
type JoinRequest struct {
    ID       string `json:"id"`
    RaftAddr string `json:"raftAddr"`
}

type JoinResponse struct {
    Accepted bool   `json:"accepted"`
    Leader   string `json:"leader,omitempty"`
    Error    string `json:"error,omitempty"`
}

type JoinFunc func(ctx context.Context, req JoinRequest) (JoinResponse, error)

// LeaveRequest asks the leader to remove ID and drop what it owns.
type LeaveRequest struct {
    ID string `json:"id"`
}

type LeaveResponse struct {
    Accepted bool   `json:"accepted"`
    Error    string `json:"error,omitempty"`
}

type LeaveFunc func(ctx context.Context, req LeaveRequest) (LeaveResponse, error)

// ApplyRequest carries one JSON-encoded state.Command from a follower.
type ApplyRequest struct {
    Command []byte `json:"command"`
}

// ApplyResponse mirrors state.Result plus the raft index the write committed
// at, so the caller can wait for its own replica to catch up.
type ApplyResponse struct {
    OK    bool   `json:"ok"`
    Index uint64 `json:"index"`
    Error string `json:"error,omitempty"`
}

type ApplyFunc func(ctx context.Context, req ApplyRequest) (ApplyResponse, error)

// Handlers groups the server side callbacks. Nil entries answer "not
// supported".
type Handlers struct {
    Status StatusFunc
    Join   JoinFunc
    Leave  LeaveFunc
    Apply  ApplyFunc
}

// ErrUnsupported is returned for a call whose handler is not installed.
var ErrUnsupported = errors.New("transport: operation not supported")

// RPCServer exposes Handlers to other members.
type RPCServer interface {
    Start(ctx context.Context, h Handlers) error
    // Addr returns the bound listener address once started.
    Addr() string
    Stop(ctx context.Context) error
}

// RPCClient calls another member's RPCServer.
type RPCClient interface {
    GetStatus(ctx context.Context, addr string) ([]byte, error)
    PostJoin(ctx context.Context, addr string, req JoinRequest) (JoinResponse, error)
    PostLeave(ctx context.Context, addr string, req LeaveRequest) (LeaveResponse, error)
    PostApply(ctx context.Context, addr string, req ApplyRequest) (ApplyResponse, error)
}
