// Package raftplane is the distributed data plane: memberlist for liveness,
// raft for a totally ordered write log and a management RPC server for
// forwarding writes to the raft leader.
package raftplane

import (
    "context"
    "encoding/json"
    "errors"
    "fmt"
    "log"
    "sort"
    "sync"
    "time"

    "github.com/cenkalti/backoff"
    "github.com/google/uuid"
    "go.opentelemetry.io/otel/attribute"

    "github.com/amirimatin/go-appcluster/pkg/consensus"
    raftcons "github.com/amirimatin/go-appcluster/pkg/consensus/raft"
    "github.com/amirimatin/go-appcluster/pkg/dataplane"
    "github.com/amirimatin/go-appcluster/pkg/dataplane/objects"
    "github.com/amirimatin/go-appcluster/pkg/internal/fanout"
    "github.com/amirimatin/go-appcluster/pkg/internal/logutil"
    "github.com/amirimatin/go-appcluster/pkg/membership"
    "github.com/amirimatin/go-appcluster/pkg/membership/memberlist"
    obsmetrics "github.com/amirimatin/go-appcluster/pkg/observability/metrics"
    "github.com/amirimatin/go-appcluster/pkg/observability/tracing"
    "github.com/amirimatin/go-appcluster/pkg/state"
    "github.com/amirimatin/go-appcluster/pkg/transport"
)

// ErrNoLeader is returned when a write finds no reachable raft leader.
var ErrNoLeader = errors.New("raftplane: no leader")

type Plane struct {
    opts Options
    log  *log.Logger
    id   dataplane.MemberID

    store  *state.Store
    feeds  *objects.Feeds
    events *fanout.Fanout[dataplane.MemberEvent]

    node *raftcons.Node
    ml   membership.Membership

    // leader-side sweep bookkeeping, touched only by the duties loop
    missingOwners map[string]int
    missingVoters map[string]int

    mu     sync.Mutex
    closed bool
    done   chan struct{}
    cancel context.CancelFunc
    wg     sync.WaitGroup
}

// Start brings up raft, the management server and memberlist, joins Seeds and
// waits until a raft leader is known. The returned plane is ready for writes.
func Start(ctx context.Context, opts Options) (*Plane, error) {
    if err := opts.validate(); err != nil { return nil, err }
    obsmetrics.Register()
    p := &Plane{
        opts:          opts,
        log:           logutil.Named(opts.Logger, "dataplane.raft"),
        id:            dataplane.MemberID(uuid.NewString()),
        store:         state.New(),
        feeds:         objects.NewFeeds(),
        events:        fanout.New[dataplane.MemberEvent](),
        missingOwners: make(map[string]int),
        missingVoters: make(map[string]int),
        done:          make(chan struct{}),
    }
    p.store.OnMapEvent(p.feeds.Sink)
    if err := p.start(ctx); err != nil {
        p.shutdown()
        return nil, err
    }
    return p, nil
}

func (p *Plane) start(ctx context.Context) error {
    loopCtx, cancel := context.WithCancel(context.Background())
    p.cancel = cancel

    node, err := raftcons.New(raftcons.Options{
        NodeID:           p.opts.NodeName,
        Logger:           p.opts.Logger,
        Machine:          p.store,
        Bootstrap:        p.opts.Bootstrap,
        BindAddr:         p.opts.RaftBind,
        Advertise:        p.opts.RaftAdvertise,
        DataDir:          p.opts.DataDir,
        HeartbeatTimeout: p.opts.HeartbeatTimeout,
        ElectionTimeout:  p.opts.ElectionTimeout,
        ApplyTimeout:     p.opts.ApplyTimeout,
    })
    if err != nil { return err }
    if err := node.Start(loopCtx); err != nil { return fmt.Errorf("raftplane: raft: %w", err) }
    p.node = node

    status := p.opts.Status
    if status == nil { status = p.statusJSON }
    h := transport.Handlers{Status: status, Join: p.handleJoin, Leave: p.handleLeave, Apply: p.handleApply}
    if err := p.opts.Server.Start(loopCtx, h); err != nil { return fmt.Errorf("raftplane: management server: %w", err) }

    mgmt := p.opts.MgmtAdvertise
    if mgmt == "" { mgmt = p.opts.Server.Addr() }
    ml, err := memberlist.New(memberlist.Options{
        ID:             string(p.id),
        Bind:           p.opts.Bind,
        Advertise:      p.opts.Advertise,
        Meta:           map[string]string{membership.MetaNode: p.opts.NodeName, membership.MetaRaft: node.Addr(), membership.MetaMgmt: mgmt},
        Logger:         p.opts.Logger,
        ProbeInterval:  p.opts.ProbeInterval,
        GossipInterval: p.opts.GossipInterval,
    })
    if err != nil { return err }
    if err := ml.Start(loopCtx); err != nil { return fmt.Errorf("raftplane: memberlist: %w", err) }
    p.ml = ml

    p.wg.Add(2)
    go p.watchMembership(ml.Subscribe(loopCtx))
    go p.duties(loopCtx)

    if err := p.joinSeeds(ctx); err != nil { return err }
    return p.waitLeader(ctx)
}

// joinSeeds retries the memberlist join with exponential backoff until one
// seed answers or JoinTimeout passes.
func (p *Plane) joinSeeds(ctx context.Context) error {
    if len(p.opts.Seeds) == 0 { return nil }
    b := backoff.NewExponentialBackOff()
    b.InitialInterval = 200 * time.Millisecond
    b.MaxElapsedTime = p.opts.JoinTimeout
    err := backoff.Retry(func() error {
        n, err := p.ml.Join(p.opts.Seeds)
        if err != nil { return err }
        if n == 0 { return fmt.Errorf("no seed of %v answered", p.opts.Seeds) }
        logutil.Infof(p.log, "joined %d seed(s)", n)
        return nil
    }, backoff.WithContext(b, ctx))
    if err == nil { return nil }
    if p.opts.Bootstrap {
        logutil.Warnf(p.log, "seed join failed, continuing as bootstrap node: %v", err)
        return nil
    }
    return fmt.Errorf("raftplane: join %v: %w", p.opts.Seeds, err)
}

func (p *Plane) waitLeader(ctx context.Context) error {
    t := time.NewTicker(20 * time.Millisecond)
    defer t.Stop()
    for {
        if _, _, ok := p.node.Leader(); ok { return nil }
        select {
        case <-ctx.Done():
            return fmt.Errorf("raftplane: waiting for leader: %w", ctx.Err())
        case <-t.C:
        }
    }
}

// Apply submits cmd for the local member: directly on the leader, through the
// leader's management endpoint otherwise. It returns once the local replica
// reflects the write.
func (p *Plane) Apply(ctx context.Context, cmd state.Command) (state.Result, error) {
    select {
    case <-p.done:
        return state.Result{}, dataplane.ErrClosed
    default:
    }
    if err := ctx.Err(); err != nil { return state.Result{}, err }
    cmd.Owner = string(p.id)
    cmd.At = time.Now().UnixMilli()
    if cmd.ID == "" { cmd.ID = uuid.NewString() }
    ctx, end := tracing.StartSpan(ctx, "dataplane.apply", attribute.String("op", string(cmd.Op)), attribute.String("name", cmd.Name))
    defer end()
    res, err := p.submit(ctx, cmd)
    if err == nil { err = res.Error() }
    result := "ok"
    switch {
    case err != nil:
        result = "error"
    case !res.OK:
        result = "rejected"
    }
    obsmetrics.Applies.WithLabelValues(string(cmd.Op), result).Inc()
    return res, err
}

// submit retries cmd until it is answered. Resubmitting is safe because the
// store answers a repeated command ID with the first outcome, so a command
// that committed behind a timeout or a lost leadership is not applied twice.
func (p *Plane) submit(ctx context.Context, cmd state.Command) (state.Result, error) {
    var res state.Result
    b := backoff.NewExponentialBackOff()
    b.InitialInterval = 50 * time.Millisecond
    b.MaxElapsedTime = p.opts.ApplyTimeout
    err := backoff.Retry(func() error {
        var err error
        res, err = p.submitOnce(ctx, cmd)
        if err == nil { return nil }
        if ctx.Err() == nil && resubmittable(err) { return err }
        return backoff.Permanent(err)
    }, backoff.WithContext(b, ctx))
    var perm *backoff.PermanentError
    if errors.As(err, &perm) { err = perm.Err }
    return res, err
}

func (p *Plane) submitOnce(ctx context.Context, cmd state.Command) (state.Result, error) {
    if p.node.IsLeader() {
        res, _, err := p.node.Apply(cmd, p.opts.ApplyTimeout)
        return res, err
    }
    addr, ok := p.leaderMgmt()
    if !ok { return state.Result{}, ErrNoLeader }
    data, err := json.Marshal(cmd)
    if err != nil { return state.Result{}, err }
    resp, err := p.opts.Client.PostApply(ctx, addr, transport.ApplyRequest{Command: data})
    if err != nil { return state.Result{}, err }
    obsmetrics.ForwardedApplies.Inc()
    if resp.Error != "" { return state.Result{Err: resp.Error}, nil }
    if err := p.node.WaitApplied(ctx, resp.Index); err != nil { return state.Result{}, err }
    return state.Result{OK: resp.OK}, nil
}

// resubmittable reports whether a failed submission may be sent again. A
// rejection by the leader's handler is final unless it is about leadership;
// failing to reach the leader or to hear back from it is not.
func resubmittable(err error) bool {
    var remote *transport.RemoteError
    if errors.As(err, &remote) {
        return remote.Msg == consensus.ErrNotLeader.Error() || remote.Msg == consensus.ErrLeadershipLost.Error()
    }
    return !errors.Is(err, consensus.ErrNotStarted)
}

// leaderMgmt maps the raft leader (a node name) to its gossiped management
// address.
func (p *Plane) leaderMgmt() (string, bool) {
    id, _, ok := p.node.Leader()
    if !ok { return "", false }
    for _, m := range p.ml.Members() {
        if m.NodeName() == id && m.MgmtAddr() != "" { return m.MgmtAddr(), true }
    }
    return "", false
}

func (p *Plane) AtomicReference(key string, scope dataplane.Scope) dataplane.AtomicReference {
    return objects.Ref(p, p.store, key, scope)
}

func (p *Plane) ReplicatedMap(key string) dataplane.ReplicatedMap {
    return &planeMap{ReplicatedMap: objects.Map(p, p.store, p.feeds, key), p: p}
}

func (p *Plane) Set(key string) dataplane.Set { return objects.Set(p, p.store, key) }

func (p *Plane) Lock(key string) dataplane.Lock { return objects.Lock(p, key) }

func (p *Plane) LocalMemberID() dataplane.MemberID { return p.id }

// NodeName is the raft server id of this member.
func (p *Plane) NodeName() string { return p.opts.NodeName }

func (p *Plane) MemberIDs() []dataplane.MemberID {
    members := p.ml.Members()
    out := make([]dataplane.MemberID, 0, len(members))
    for _, m := range members { out = append(out, dataplane.MemberID(m.ID)) }
    sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
    return out
}

func (p *Plane) ClusterTime() int64 {
    now := time.Now().UnixMilli()
    if c := p.store.Clock(); c > now { return c }
    return now
}

func (p *Plane) MemberEvents(ctx context.Context) <-chan dataplane.MemberEvent {
    return p.events.Subscribe(ctx)
}

// IsLeader reports raft leadership, which is unrelated to the application
// level leader slot.
func (p *Plane) IsLeader() bool { return p.node.IsLeader() }

// MgmtAddr is the management address gossiped to peers.
func (p *Plane) MgmtAddr() string { return p.ml.Local().MgmtAddr() }

// Close leaves gracefully: the member's state is purged and its raft seat
// given up before memberlist announces the departure.
func (p *Plane) Close(ctx context.Context) error {
    p.mu.Lock()
    if p.closed {
        p.mu.Unlock()
        return nil
    }
    p.mu.Unlock()

    if _, err := p.Apply(ctx, state.Command{Op: state.OpPurge}); err != nil {
        logutil.Warnf(p.log, "purging own state on leave: %v", err)
    }
    if p.node.IsLeader() {
        if servers, err := p.node.Servers(); err == nil && len(servers) > 1 {
            if err := p.node.RemoveServer(p.opts.NodeName, p.opts.ApplyTimeout); err != nil {
                logutil.Warnf(p.log, "giving up raft seat: %v", err)
            }
        }
    }
    if err := p.ml.Leave(time.Second); err != nil { logutil.Warnf(p.log, "memberlist leave: %v", err) }
    p.shutdown()
    return nil
}

func (p *Plane) shutdown() {
    p.mu.Lock()
    if p.closed {
        p.mu.Unlock()
        return
    }
    p.closed = true
    close(p.done)
    p.mu.Unlock()

    if p.ml != nil { _ = p.ml.Stop() }
    sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
    _ = p.opts.Server.Stop(sctx)
    cancel()
    if p.node != nil { _ = p.node.Stop() }
    if p.cancel != nil { p.cancel() }
    p.wg.Wait()
    p.events.Close()
    p.feeds.Close()
}

// planeMap ends subscriptions when the plane closes.
type planeMap struct {
    dataplane.ReplicatedMap
    p *Plane
}

func (m *planeMap) Subscribe(ctx context.Context) <-chan dataplane.MapEvent {
    return m.ReplicatedMap.Subscribe(m.bind(ctx))
}

func (m *planeMap) Watch(ctx context.Context) (map[string][]byte, <-chan dataplane.MapEvent) {
    return m.ReplicatedMap.Watch(m.bind(ctx))
}

func (m *planeMap) bind(ctx context.Context) context.Context {
    ctx, cancel := context.WithCancel(ctx)
    go func() {
        select {
        case <-m.p.done:
            cancel()
        case <-ctx.Done():
        }
    }()
    return ctx
}

var (
    _ dataplane.DataPlane = (*Plane)(nil)
    _ objects.Applier     = (*Plane)(nil)
)
