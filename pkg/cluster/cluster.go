// Package cluster is the coordination layer: cluster identity guarding,
// leadership, operational state propagation and health aggregation, written
// against the dataplane capability interface.
package cluster

import (
    "context"
    "fmt"
    "log"
    "sort"
    "sync"
    "time"

    "github.com/amirimatin/go-appcluster/pkg/dataplane"
    "github.com/amirimatin/go-appcluster/pkg/internal/fanout"
    "github.com/amirimatin/go-appcluster/pkg/internal/logutil"
    obsmetrics "github.com/amirimatin/go-appcluster/pkg/observability/metrics"
    "github.com/amirimatin/go-appcluster/pkg/observability/tracing"
)

// Facade is what presentation and API layers consume.
type Facade interface {
    Start(ctx context.Context) error
    Stop(ctx context.Context) error
    RegisterClusterName(ctx context.Context, name string) error
    RegisterVersion(ctx context.Context, version string) error
    IsOperational(kind ProcessKind, acrossCluster bool) bool
    AddOperationalListener(l OperationalListener)
    CurrentLeaderAddress() (string, bool)
    HealthSnapshot() map[dataplane.MemberID]NodeHealth
    Status(ctx context.Context) (*ClusterStatus, error)
    Reset() error
}

// Cluster wires the coordination components for one member.
type Cluster struct {
    opts Options
    log  *log.Logger
    dp   dataplane.DataPlane

    guard     *MembershipGuard
    leader    *LeaderElector
    registry  *OperationalRegistry
    health    *HealthStore
    refresher *HealthRefresher
    events    *fanout.Fanout[Event]

    mu  sync.Mutex
    run struct {
        started bool
        closed  bool
    }
    cancel context.CancelFunc
    wg     sync.WaitGroup
}

// New validates opts and assembles the components. It performs no data plane
// writes; call Start to join.
func New(opts Options) (*Cluster, error) {
    if err := opts.Validate(); err != nil { return nil, err }
    obsmetrics.Register()
    lg := logutil.Named(opts.Logger, "cluster")
    c := &Cluster{opts: opts, log: lg, dp: opts.DataPlane, events: fanout.New[Event]()}
    c.guard = NewMembershipGuard(c.dp, lg)
    c.leader = NewLeaderElector(c.dp, lg)
    c.registry = NewOperationalRegistry(c.dp, lg)
    c.health = NewHealthStore(c.dp, c.guard, lg)
    probe := opts.Probe
    if probe == nil {
        probe = ProcessProbe{Registry: c.registry, Kind: opts.Node.Kind, Details: NodeDetails{
            Kind:      opts.Node.Kind,
            Name:      opts.Node.Name,
            Host:      opts.Node.Host,
            Port:      opts.Node.Port,
            StartedAt: c.dp.ClusterTime(),
        }}
    }
    c.refresher = NewHealthRefresher(c.health, probe, opts.Health, lg)
    return c, nil
}

// Start joins the member set, starts mirroring operational state and begins
// publishing health.
func (c *Cluster) Start(ctx context.Context) error {
    c.mu.Lock()
    defer c.mu.Unlock()
    if c.run.closed { return ErrNotStarted }
    if c.run.started { return nil }
    if err := c.guard.Join(ctx); err != nil { return err }
    loopCtx, cancel := context.WithCancel(context.Background())
    c.cancel = cancel
    // subscribed ahead of the registry so its first edge is forwarded too
    members, kinds := c.dp.MemberEvents(loopCtx), c.registry.Subscribe(loopCtx)
    c.registry.Start()
    c.wg.Add(2)
    go c.forwardMemberEvents(members)
    go c.forwardOperational(kinds)
    c.refresher.Start()
    c.run.started = true
    c.refreshGauges()
    logutil.Infof(c.log, "member %s started (%s)", c.dp.LocalMemberID(), c.selfAddress())
    return nil
}

// Stop clears the local health entry, stops listeners and leaves the member
// set. The data plane itself belongs to the caller.
func (c *Cluster) Stop(ctx context.Context) error {
    c.mu.Lock()
    defer c.mu.Unlock()
    if c.run.closed { return nil }
    c.run.closed = true
    if !c.run.started { return nil }
    c.refresher.Stop(ctx)
    c.registry.Stop()
    c.guard.Leave(ctx)
    c.cancel()
    c.wg.Wait()
    c.events.Close()
    return nil
}

func (c *Cluster) RegisterClusterName(ctx context.Context, name string) error {
    return c.guard.RegisterClusterName(ctx, name)
}

func (c *Cluster) RegisterVersion(ctx context.Context, version string) error {
    return c.guard.RegisterVersion(ctx, version)
}

// TryClaimLeader attempts once to take the leadership slot for this node.
func (c *Cluster) TryClaimLeader(ctx context.Context) (bool, error) {
    ctx, end := tracing.StartSpan(ctx, "cluster.TryClaimLeader")
    defer end()
    ok, err := c.leader.TryClaim(ctx, c.selfAddress())
    if ok {
        c.events.Publish(Event{Type: EventLeaderClaimed, At: time.Now(), Member: c.dp.LocalMemberID(), Leader: c.selfAddress()})
    }
    c.refreshGauges()
    return ok, err
}

func (c *Cluster) CurrentLeaderAddress() (string, bool) { return c.leader.CurrentLeader() }

// IsLeader reports whether the slot holds this node's address.
func (c *Cluster) IsLeader() bool {
    cur, ok := c.leader.CurrentLeader()
    return ok && cur == c.selfAddress()
}

func (c *Cluster) SetOperational(ctx context.Context, kind ProcessKind) error {
    return c.registry.SetOperational(ctx, kind)
}

func (c *Cluster) IsOperational(kind ProcessKind, acrossCluster bool) bool {
    return c.registry.IsOperational(kind, acrossCluster)
}

func (c *Cluster) AddOperationalListener(l OperationalListener) { c.registry.AddListener(l) }

// SubscribeOperational is the channel form of AddOperationalListener.
func (c *Cluster) SubscribeOperational(ctx context.Context) <-chan ProcessKind {
    return c.registry.Subscribe(ctx)
}

func (c *Cluster) HealthSnapshot() map[dataplane.MemberID]NodeHealth { return c.health.ReadAll() }

func (c *Cluster) MemberID() dataplane.MemberID { return c.dp.LocalMemberID() }

func (c *Cluster) LiveMembers() []dataplane.MemberID { return c.guard.LiveMembers() }

// Reset is always rejected: cluster state cannot be rolled back while other
// members depend on it.
func (c *Cluster) Reset() error { return ErrResetUnsupported }

// Lock returns the cluster-wide lock with the given name.
func (c *Cluster) Lock(name string) dataplane.Lock { return c.dp.Lock(name) }

// RunExclusive runs fn only if the named lock can be taken right away. It
// reports whether fn ran.
func (c *Cluster) RunExclusive(ctx context.Context, name string, fn func(ctx context.Context) error) (bool, error) {
    l := c.dp.Lock(name)
    ok, err := l.TryLock(ctx)
    if err != nil || !ok { return false, err }
    defer func() {
        if err := l.Unlock(context.WithoutCancel(ctx)); err != nil {
            logutil.Warnf(c.log, "unlock %s: %v", name, err)
        }
    }()
    return true, fn(ctx)
}

// Status builds a snapshot of the coordination state from local replicas.
func (c *Cluster) Status(ctx context.Context) (*ClusterStatus, error) {
    _, end := tracing.StartSpan(ctx, "cluster.Status")
    defer end()
    st := &ClusterStatus{MemberID: string(c.dp.LocalMemberID()), ClusterTime: c.dp.ClusterTime()}
    st.Name, _ = c.dp.AtomicReference(dataplane.KeyClusterName, dataplane.ScopeCluster).Get()
    st.Version, _ = c.dp.AtomicReference(dataplane.KeyClusterVersion, dataplane.ScopeCluster).Get()
    st.Leader, _ = c.leader.CurrentLeader()
    st.IsLeader = st.Leader != "" && st.Leader == c.selfAddress()
    for _, id := range c.guard.LiveMembers() { st.Members = append(st.Members, string(id)) }
    for _, cp := range c.registry.Operational() {
        st.Operational = append(st.Operational, ProcessStatus{Member: string(cp.Member), Kind: cp.Kind})
    }
    sort.Slice(st.Operational, func(i, j int) bool {
        a, b := st.Operational[i], st.Operational[j]
        if a.Member != b.Member { return a.Member < b.Member }
        return a.Kind < b.Kind
    })
    st.Healthy = st.Leader != ""
    if st.Leader == "" { st.Warnings = append(st.Warnings, "no leader elected") }
    health := c.health.ReadAll()
    st.Health = make(map[string]NodeHealth, len(health))
    for id, h := range health {
        st.Health[string(id)] = h
        if h.Status == StatusRed {
            st.Healthy = false
            st.Warnings = append(st.Warnings, fmt.Sprintf("member %s is %s: %v", id, h.Status, h.Causes))
        }
    }
    sort.Strings(st.Warnings)
    return st, nil
}

func (c *Cluster) selfAddress() string {
    return LeaderAddress(c.opts.Node.Name, c.opts.Node.Host, c.opts.Node.Port)
}

func (c *Cluster) refreshGauges() {
    obsmetrics.ClusterMembers.Set(float64(len(c.guard.LiveMembers())))
    if c.IsLeader() {
        obsmetrics.IsLeader.Set(1)
    } else {
        obsmetrics.IsLeader.Set(0)
    }
}

var _ Facade = (*Cluster)(nil)
