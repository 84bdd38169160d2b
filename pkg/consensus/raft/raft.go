package raftcons

import (
    "context"
    "encoding/json"
    "fmt"
    "log"
    "net"
    "os"
    "path/filepath"
    "strconv"
    "sync"
    "time"

    "github.com/hashicorp/go-hclog"
    "github.com/hashicorp/raft"
    raftboltdb "github.com/hashicorp/raft-boltdb"

    c "github.com/amirimatin/go-appcluster/pkg/consensus"
    "github.com/amirimatin/go-appcluster/pkg/internal/logutil"
    "github.com/amirimatin/go-appcluster/pkg/state"
)

// Node implements consensus.Consensus using HashiCorp Raft.
type Node struct {
    opts Options
    log  *log.Logger

    mu    sync.RWMutex
    r     *raft.Raft
    addr  raft.ServerAddress
    trans raft.Transport
    lb    raft.LoopbackTransport
    bolt  *raftboltdb.BoltStore

    lch    chan c.LeaderInfo
    obsCh  chan raft.Observation
    stopCh chan struct{}
}

func New(opts Options) (*Node, error) {
    if opts.NodeID == "" { return nil, fmt.Errorf("raftcons: empty NodeID") }
    if opts.Machine == nil { return nil, fmt.Errorf("raftcons: nil Machine") }
    if opts.ApplyTimeout <= 0 { opts.ApplyTimeout = 5 * time.Second }
    return &Node{opts: opts, log: logutil.Named(opts.Logger, "raft"), lch: make(chan c.LeaderInfo, 16), stopCh: make(chan struct{})}, nil
}

func (n *Node) Start(ctx context.Context) error {
    n.mu.Lock()
    defer n.mu.Unlock()
    if n.r != nil { return nil }

    cfg := raft.DefaultConfig()
    cfg.LocalID = raft.ServerID(n.opts.NodeID)
    cfg.Logger = hclog.New(&hclog.LoggerOptions{Name: "raft." + n.opts.NodeID, Output: n.log.Writer(), Level: hclog.Warn})
    if n.opts.HeartbeatTimeout > 0 {
        cfg.HeartbeatTimeout = n.opts.HeartbeatTimeout
        if cfg.LeaderLeaseTimeout > cfg.HeartbeatTimeout { cfg.LeaderLeaseTimeout = cfg.HeartbeatTimeout }
    }
    if n.opts.ElectionTimeout > 0 { cfg.ElectionTimeout = n.opts.ElectionTimeout }
    if n.opts.CommitTimeout > 0 { cfg.CommitTimeout = n.opts.CommitTimeout }
    if n.opts.SnapshotThreshold > 0 { cfg.SnapshotThreshold = n.opts.SnapshotThreshold }

    var (
        logs   raft.LogStore
        stable raft.StableStore
        snaps  raft.SnapshotStore
    )
    if n.opts.DataDir != "" {
        if n.opts.SnapshotsRetained == 0 { n.opts.SnapshotsRetained = 2 }
        if err := os.MkdirAll(n.opts.DataDir, 0o755); err != nil { return err }
        bstore, err := raftboltdb.NewBoltStore(filepath.Join(n.opts.DataDir, "raft.db"))
        if err != nil { return err }
        n.bolt = bstore
        logs, stable = bstore, bstore
        snaps, err = raft.NewFileSnapshotStore(n.opts.DataDir, n.opts.SnapshotsRetained, n.log.Writer())
        if err != nil { return err }
    } else {
        logs = raft.NewInmemStore()
        stable = raft.NewInmemStore()
        snaps = raft.NewInmemSnapshotStore()
    }

    if n.opts.BindAddr != "" {
        var adv net.Addr
        if n.opts.Advertise != "" {
            a, err := net.ResolveTCPAddr("tcp", n.opts.Advertise)
            if err != nil { return fmt.Errorf("raftcons: advertise %q: %w", n.opts.Advertise, err) }
            adv = a
        }
        nt, err := raft.NewTCPTransport(n.opts.BindAddr, adv, 3, 2*time.Second, n.log.Writer())
        if err != nil { return err }
        n.trans, n.addr = nt, nt.LocalAddr()
    } else {
        n.addr, n.trans = raft.NewInmemTransport(raft.ServerAddress(n.opts.NodeID))
    }
    if lb, ok := n.trans.(raft.LoopbackTransport); ok { n.lb = lb }

    if n.opts.Bootstrap {
        has, err := raft.HasExistingState(logs, stable, snaps)
        if err != nil { return err }
        if !has {
            boot := raft.Configuration{Servers: []raft.Server{{ID: cfg.LocalID, Address: n.addr}}}
            if err := raft.BootstrapCluster(cfg, logs, stable, snaps, n.trans, boot); err != nil { return err }
        }
    }

    r, err := raft.NewRaft(cfg, newMachineFSM(n.opts.Machine), logs, stable, snaps, n.trans)
    if err != nil { return err }
    n.r = r

    n.obsCh = make(chan raft.Observation, 32)
    r.RegisterObserver(raft.NewObserver(n.obsCh, false, func(o *raft.Observation) bool {
        _, ok := o.Data.(raft.LeaderObservation)
        return ok
    }))
    go n.observe()

    go func() {
        select {
        case <-ctx.Done():
            _ = n.Stop()
        case <-n.stopCh:
        }
    }()
    return nil
}

func (n *Node) observe() {
    for {
        select {
        case <-n.stopCh:
            return
        case <-n.obsCh:
            if id, addr, ok := n.Leader(); ok {
                n.emitLeader(c.LeaderInfo{ID: id, Addr: addr, Term: n.Term()})
            }
        }
    }
}

func (n *Node) raft() *raft.Raft {
    n.mu.RLock()
    defer n.mu.RUnlock()
    return n.r
}

func (n *Node) Apply(cmd state.Command, timeout time.Duration) (state.Result, uint64, error) {
    r := n.raft()
    if r == nil { return state.Result{}, 0, c.ErrNotStarted }
    if r.State() != raft.Leader { return state.Result{}, 0, c.ErrNotLeader }
    data, err := json.Marshal(cmd)
    if err != nil { return state.Result{}, 0, err }
    if timeout <= 0 { timeout = n.opts.ApplyTimeout }
    af := r.Apply(data, timeout)
    if err := af.Error(); err != nil {
        switch err {
        case raft.ErrNotLeader:
            return state.Result{}, 0, c.ErrNotLeader
        case raft.ErrLeadershipLost:
            return state.Result{}, 0, c.ErrLeadershipLost
        }
        return state.Result{}, 0, err
    }
    res, _ := af.Response().(state.Result)
    return res, af.Index(), nil
}

// Barrier waits until every entry committed before the call is applied
// locally. A new leader calls it before acting on its own state.
func (n *Node) Barrier(timeout time.Duration) error {
    r := n.raft()
    if r == nil { return c.ErrNotStarted }
    return r.Barrier(timeout).Error()
}

func (n *Node) IsLeader() bool {
    r := n.raft()
    return r != nil && r.State() == raft.Leader
}

func (n *Node) Leader() (id string, addr string, ok bool) {
    r := n.raft()
    if r == nil { return "", "", false }
    a, sid := r.LeaderWithID()
    if sid == "" { return "", "", false }
    return string(sid), string(a), true
}

func (n *Node) Term() uint64 {
    r := n.raft()
    if r == nil { return 0 }
    if v := r.Stats()["term"]; v != "" {
        if u, err := strconv.ParseUint(v, 10, 64); err == nil { return u }
    }
    return 0
}

func (n *Node) AppliedIndex() uint64 {
    r := n.raft()
    if r == nil { return 0 }
    return r.AppliedIndex()
}

// WaitApplied polls the applied index; raft exposes no notification for it.
func (n *Node) WaitApplied(ctx context.Context, index uint64) error {
    if n.AppliedIndex() >= index { return nil }
    t := time.NewTicker(5 * time.Millisecond)
    defer t.Stop()
    for {
        select {
        case <-ctx.Done():
            return ctx.Err()
        case <-n.stopCh:
            return c.ErrNotStarted
        case <-t.C:
            if n.AppliedIndex() >= index { return nil }
        }
    }
}

// Addr is the address peers use to reach this node's raft transport.
func (n *Node) Addr() string {
    n.mu.RLock()
    defer n.mu.RUnlock()
    return string(n.addr)
}

func (n *Node) LeaderCh() <-chan c.LeaderInfo { return n.lch }

func (n *Node) emitLeader(li c.LeaderInfo) {
    select {
    case n.lch <- li:
    default:
        // coalesce: the newest observation wins
        select {
        case <-n.lch:
        default:
        }
        select {
        case n.lch <- li:
        default:
        }
    }
}

func (n *Node) Stop() error {
    n.mu.Lock()
    defer n.mu.Unlock()
    if n.r == nil { return nil }
    close(n.stopCh)
    err := n.r.Shutdown().Error()
    n.r = nil
    if closer, ok := n.trans.(raft.WithClose); ok { _ = closer.Close() }
    if n.bolt != nil {
        _ = n.bolt.Close()
        n.bolt = nil
    }
    return err
}

// AddVoter adds a voting server, replacing a stale entry with the same id.
func (n *Node) AddVoter(id, addr string, timeout time.Duration) error {
    r := n.raft()
    if r == nil { return c.ErrNotStarted }
    cfg := r.GetConfiguration()
    if err := cfg.Error(); err == nil {
        for _, srv := range cfg.Configuration().Servers {
            if string(srv.ID) != id { continue }
            if string(srv.Address) == addr { return nil }
            if err := r.RemoveServer(srv.ID, 0, timeout).Error(); err != nil { return err }
            break
        }
    }
    return r.AddVoter(raft.ServerID(id), raft.ServerAddress(addr), 0, timeout).Error()
}

func (n *Node) RemoveServer(id string, timeout time.Duration) error {
    r := n.raft()
    if r == nil { return c.ErrNotStarted }
    return r.RemoveServer(raft.ServerID(id), 0, timeout).Error()
}

func (n *Node) Servers() ([]c.Server, error) {
    r := n.raft()
    if r == nil { return nil, c.ErrNotStarted }
    f := r.GetConfiguration()
    if err := f.Error(); err != nil { return nil, err }
    var out []c.Server
    for _, s := range f.Configuration().Servers {
        out = append(out, c.Server{ID: string(s.ID), Addr: string(s.Address), Voter: s.Suffrage == raft.Voter})
    }
    return out, nil
}

var (
    _ c.Consensus    = (*Node)(nil)
    _ c.Reconfigurer = (*Node)(nil)
)
