package raftplane

import (
    "context"
    "encoding/json"
    "fmt"

    "github.com/amirimatin/go-appcluster/pkg/consensus"
    "github.com/amirimatin/go-appcluster/pkg/internal/logutil"
    obsmetrics "github.com/amirimatin/go-appcluster/pkg/observability/metrics"
    "github.com/amirimatin/go-appcluster/pkg/state"
    "github.com/amirimatin/go-appcluster/pkg/transport"
)

// PlaneStatus is the plane's own view, served when no richer status is
// configured.
type PlaneStatus struct {
    MemberID     string             `json:"memberId"`
    NodeName     string             `json:"nodeName"`
    Leader       string             `json:"leader,omitempty"`
    IsLeader     bool               `json:"isLeader"`
    Term         uint64             `json:"term"`
    AppliedIndex uint64             `json:"appliedIndex"`
    Members      []string           `json:"members"`
    Servers      []consensus.Server `json:"servers,omitempty"`
}

func (p *Plane) Status() PlaneStatus {
    st := PlaneStatus{
        MemberID:     string(p.id),
        NodeName:     p.opts.NodeName,
        IsLeader:     p.node.IsLeader(),
        Term:         p.node.Term(),
        AppliedIndex: p.node.AppliedIndex(),
    }
    st.Leader, _, _ = p.node.Leader()
    for _, id := range p.MemberIDs() { st.Members = append(st.Members, string(id)) }
    if servers, err := p.node.Servers(); err == nil { st.Servers = servers }
    return st
}

func (p *Plane) statusJSON(context.Context) ([]byte, error) { return json.Marshal(p.Status()) }

// leaderHint is the management address a rejected caller should retry at.
func (p *Plane) leaderHint() string {
    addr, _ := p.leaderMgmt()
    return addr
}

func (p *Plane) handleJoin(_ context.Context, req transport.JoinRequest) (transport.JoinResponse, error) {
    if !p.node.IsLeader() { return transport.JoinResponse{Leader: p.leaderHint()}, consensus.ErrNotLeader }
    if req.ID == "" || req.RaftAddr == "" { return transport.JoinResponse{}, fmt.Errorf("raftplane: join needs id and raft address") }
    if err := p.node.AddVoter(req.ID, req.RaftAddr, p.opts.ApplyTimeout); err != nil {
        obsmetrics.JoinRequests.WithLabelValues("error").Inc()
        return transport.JoinResponse{}, err
    }
    obsmetrics.JoinRequests.WithLabelValues("ok").Inc()
    logutil.Infof(p.log, "voter %s at %s added on request", req.ID, req.RaftAddr)
    return transport.JoinResponse{Accepted: true, Leader: p.MgmtAddr()}, nil
}

// handleLeave removes the named node's raft seat and purges every live
// session running under that name.
func (p *Plane) handleLeave(_ context.Context, req transport.LeaveRequest) (transport.LeaveResponse, error) {
    if !p.node.IsLeader() { return transport.LeaveResponse{}, consensus.ErrNotLeader }
    if req.ID == "" { return transport.LeaveResponse{}, fmt.Errorf("raftplane: leave needs a node id") }
    if req.ID == p.opts.NodeName { return transport.LeaveResponse{}, fmt.Errorf("raftplane: the leader cannot remove itself") }
    if err := p.node.RemoveServer(req.ID, p.opts.ApplyTimeout); err != nil { return transport.LeaveResponse{}, err }
    for _, m := range p.ml.Members() {
        if m.NodeName() == req.ID { p.purge(m.ID) }
    }
    logutil.Infof(p.log, "voter %s removed on request", req.ID)
    return transport.LeaveResponse{Accepted: true}, nil
}

// handleApply commits a follower's command. Owner and At were stamped by the
// follower and are kept.
func (p *Plane) handleApply(_ context.Context, req transport.ApplyRequest) (transport.ApplyResponse, error) {
    var cmd state.Command
    if err := json.Unmarshal(req.Command, &cmd); err != nil { return transport.ApplyResponse{}, fmt.Errorf("raftplane: bad command: %w", err) }
    if cmd.Owner == "" { return transport.ApplyResponse{}, fmt.Errorf("raftplane: command without owner") }
    res, idx, err := p.node.Apply(cmd, p.opts.ApplyTimeout)
    if err != nil { return transport.ApplyResponse{}, err }
    return transport.ApplyResponse{OK: res.OK, Index: idx, Error: res.Err}, nil
}
