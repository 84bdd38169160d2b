package memberlist

import (
    "context"
    "encoding/json"
    "fmt"
    "log"
    "net"
    "strconv"
    "sync"
    "time"

    "github.com/hashicorp/memberlist"

    "github.com/amirimatin/go-appcluster/pkg/internal/fanout"
    "github.com/amirimatin/go-appcluster/pkg/internal/logutil"
    base "github.com/amirimatin/go-appcluster/pkg/membership"
)

// Options configures the memberlist-based membership implementation.
type Options struct {
    // ID is the member id gossiped as the memberlist node name. It must be
    // unique per process start.
    ID string

    // Bind is host:port; port 0 picks a free port.
    Bind string

    // Advertise is the address peers should use. Empty derives it from Bind.
    Advertise string

    // Meta is gossiped with the node (node name, raft and management addresses).
    Meta map[string]string

    Logger *log.Logger

    // Tuning (optional). Zero keeps the LAN defaults.
    ProbeInterval  time.Duration
    ProbeTimeout   time.Duration
    SuspicionMult  int
    GossipInterval time.Duration
}

type impl struct {
    mu     sync.RWMutex
    opts   Options
    log    *log.Logger
    ml     *memberlist.Memberlist
    events *fanout.Fanout[base.Event]
    closed bool
}

func New(opts Options) (base.Membership, error) {
    if opts.ID == "" { return nil, fmt.Errorf("memberlist: empty member ID") }
    if opts.Bind == "" { return nil, fmt.Errorf("memberlist: empty Bind address") }
    return &impl{opts: opts, log: logutil.Named(opts.Logger, "memberlist"), events: fanout.New[base.Event]()}, nil
}

func (m *impl) Start(ctx context.Context) error {
    m.mu.Lock()
    defer m.mu.Unlock()
    if m.ml != nil { return nil }
    if m.closed { return fmt.Errorf("memberlist: stopped") }

    cfg := memberlist.DefaultLANConfig()
    cfg.Name = m.opts.ID
    cfg.Logger = m.log
    host, port, err := splitHostPort(m.opts.Bind)
    if err != nil { return err }
    cfg.BindAddr, cfg.BindPort = host, port
    if m.opts.Advertise != "" {
        ahost, aport, err := splitHostPort(m.opts.Advertise)
        if err != nil { return err }
        cfg.AdvertiseAddr, cfg.AdvertisePort = ahost, aport
    }
    if m.opts.ProbeInterval > 0 { cfg.ProbeInterval = m.opts.ProbeInterval }
    if m.opts.ProbeTimeout > 0 { cfg.ProbeTimeout = m.opts.ProbeTimeout }
    if m.opts.SuspicionMult > 0 { cfg.SuspicionMult = m.opts.SuspicionMult }
    if m.opts.GossipInterval > 0 { cfg.GossipInterval = m.opts.GossipInterval }

    meta, err := json.Marshal(m.opts.Meta)
    if err != nil { return err }
    if len(meta) > memberlist.MetaMaxSize { return fmt.Errorf("memberlist: meta exceeds %d bytes", memberlist.MetaMaxSize) }
    cfg.Events = &eventDelegate{publish: m.events.Publish}
    cfg.Delegate = &nodeDelegate{meta: meta}

    ml, err := memberlist.Create(cfg)
    if err != nil { return err }
    m.ml = ml

    go func() {
        <-ctx.Done()
        _ = m.Stop()
    }()
    return nil
}

func (m *impl) Join(seeds []string) (int, error) {
    m.mu.RLock()
    ml := m.ml
    m.mu.RUnlock()
    if ml == nil { return 0, fmt.Errorf("memberlist: not started") }
    if len(seeds) == 0 { return 0, nil }
    return ml.Join(seeds)
}

func (m *impl) Local() base.MemberInfo {
    m.mu.RLock()
    defer m.mu.RUnlock()
    if m.ml == nil { return base.MemberInfo{ID: m.opts.ID, Meta: m.opts.Meta} }
    return toInfo(m.ml.LocalNode())
}

func (m *impl) Members() []base.MemberInfo {
    m.mu.RLock()
    defer m.mu.RUnlock()
    if m.ml == nil { return nil }
    nodes := m.ml.Members()
    out := make([]base.MemberInfo, 0, len(nodes))
    for _, n := range nodes { out = append(out, toInfo(n)) }
    return out
}

func (m *impl) Subscribe(ctx context.Context) <-chan base.Event { return m.events.Subscribe(ctx) }

// Leave broadcasts a graceful departure and waits up to timeout for it to spread.
func (m *impl) Leave(timeout time.Duration) error {
    m.mu.RLock()
    ml := m.ml
    m.mu.RUnlock()
    if ml == nil { return nil }
    return ml.Leave(timeout)
}

func (m *impl) Stop() error {
    m.mu.Lock()
    defer m.mu.Unlock()
    if m.closed { return nil }
    m.closed = true
    var err error
    if m.ml != nil {
        err = m.ml.Shutdown()
        m.ml = nil
    }
    m.events.Close()
    return err
}

func (m *impl) HealthScore() int {
    m.mu.RLock()
    defer m.mu.RUnlock()
    if m.ml == nil { return -1 }
    return m.ml.GetHealthScore()
}

var (
    _ base.Membership     = (*impl)(nil)
    _ base.HealthReporter = (*impl)(nil)
)

type eventDelegate struct {
    publish func(base.Event)
}

func (d *eventDelegate) NotifyJoin(n *memberlist.Node) { d.notify(base.EventJoin, n) }

func (d *eventDelegate) NotifyUpdate(n *memberlist.Node) { d.notify(base.EventUpdate, n) }

// NotifyLeave fires for graceful leaves and for dead members; the node state
// tells them apart.
func (d *eventDelegate) NotifyLeave(n *memberlist.Node) {
    t := base.EventFailed
    if n != nil && n.State == memberlist.StateLeft { t = base.EventLeave }
    d.notify(t, n)
}

func (d *eventDelegate) notify(t base.EventType, n *memberlist.Node) {
    if n == nil { return }
    d.publish(base.Event{Type: t, Member: toInfo(n), At: time.Now()})
}

func toInfo(n *memberlist.Node) base.MemberInfo {
    meta := map[string]string{}
    if len(n.Meta) > 0 { _ = json.Unmarshal(n.Meta, &meta) }
    return base.MemberInfo{ID: n.Name, Addr: net.JoinHostPort(n.Addr.String(), strconv.Itoa(int(n.Port))), Meta: meta}
}

func splitHostPort(addr string) (string, int, error) {
    host, ps, err := net.SplitHostPort(addr)
    if err != nil { return "", 0, fmt.Errorf("memberlist: invalid address %q: %w", addr, err) }
    port, err := strconv.Atoi(ps)
    if err != nil || port < 0 || port > 65535 { return "", 0, fmt.Errorf("memberlist: invalid port in %q", addr) }
    return host, port, nil
}

// nodeDelegate gossips the static node metadata.
type nodeDelegate struct{ meta []byte }

func (d *nodeDelegate) NodeMeta(limit int) []byte {
    if len(d.meta) <= limit { return d.meta }
    return nil
}

func (d *nodeDelegate) NotifyMsg([]byte)                       {}
func (d *nodeDelegate) GetBroadcasts(int, int) [][]byte        { return nil }
func (d *nodeDelegate) LocalState(join bool) []byte            { return nil }
func (d *nodeDelegate) MergeRemoteState(buf []byte, join bool) {}
