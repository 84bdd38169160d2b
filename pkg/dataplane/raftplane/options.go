package raftplane

import (
    "errors"
    "log"
    "time"

    "github.com/amirimatin/go-appcluster/pkg/transport"
)

// Options configure one member of the raft backed data plane.
type Options struct {
    // NodeName is the raft server id. It must be unique in the cluster and
    // stable across restarts.
    NodeName string

    // Bind is the memberlist host:port (the cluster local endpoint).
    Bind      string
    Advertise string
    // Seeds are memberlist addresses of existing members.
    Seeds []string

    RaftBind      string
    RaftAdvertise string
    // DataDir keeps the raft log on disk. Empty keeps it in memory.
    DataDir   string
    Bootstrap bool

    // Server and Client carry the management RPCs. MgmtAdvertise overrides the
    // address gossiped to peers when Server binds a wildcard.
    Server        transport.RPCServer
    Client        transport.RPCClient
    MgmtAdvertise string
    // Status answers the management status call. Nil reports the plane's own
    // view.
    Status transport.StatusFunc

    ApplyTimeout  time.Duration
    SweepInterval time.Duration
    // JoinTimeout bounds the retries against Seeds.
    JoinTimeout time.Duration

    // Raft and gossip tuning. Zero keeps library defaults.
    HeartbeatTimeout time.Duration
    ElectionTimeout  time.Duration
    ProbeInterval    time.Duration
    GossipInterval   time.Duration

    Logger *log.Logger
}

func (o *Options) validate() error {
    if o.NodeName == "" { return errors.New("raftplane: empty NodeName") }
    if o.Bind == "" { return errors.New("raftplane: empty Bind") }
    if o.RaftBind == "" { return errors.New("raftplane: empty RaftBind") }
    if o.Server == nil || o.Client == nil { return errors.New("raftplane: management Server and Client are required") }
    if o.ApplyTimeout <= 0 { o.ApplyTimeout = 5 * time.Second }
    if o.SweepInterval <= 0 { o.SweepInterval = 5 * time.Second }
    if o.JoinTimeout <= 0 { o.JoinTimeout = 30 * time.Second }
    return nil
}
