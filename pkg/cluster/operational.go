package cluster

import (
    "context"
    "log"
    "strconv"
    "sync"

    "github.com/amirimatin/go-appcluster/pkg/dataplane"
    "github.com/amirimatin/go-appcluster/pkg/internal/fanout"
    "github.com/amirimatin/go-appcluster/pkg/internal/logutil"
    obsmetrics "github.com/amirimatin/go-appcluster/pkg/observability/metrics"
)

// OperationalListener is told when a process kind becomes operational on
// some member. Errors and panics are logged and counted, never propagated.
type OperationalListener interface {
    OnOperational(kind ProcessKind) error
}

type OperationalListenerFunc func(kind ProcessKind) error

func (f OperationalListenerFunc) OnOperational(kind ProcessKind) error { return f(kind) }

// OperationalRegistry mirrors the replicated (member, process) -> ready map
// and turns false/absent -> true edges into notifications.
type OperationalRegistry struct {
    dp   dataplane.DataPlane
    m    dataplane.ReplicatedMap
    log  *log.Logger

    mu     sync.RWMutex
    mirror map[ClusterProcess]bool

    edges  *fanout.Fanout[ProcessKind]
    ctx    context.Context
    cancel context.CancelFunc
    wg     sync.WaitGroup
    start  sync.Once
}

func NewOperationalRegistry(dp dataplane.DataPlane, logger *log.Logger) *OperationalRegistry {
    ctx, cancel := context.WithCancel(context.Background())
    return &OperationalRegistry{
        dp:     dp,
        m:      dp.ReplicatedMap(dataplane.KeyOperationalProcesses),
        log:    logutil.Named(logger, "operational"),
        mirror: make(map[ClusterProcess]bool),
        edges:  fanout.New[ProcessKind](),
        ctx:    ctx,
        cancel: cancel,
    }
}

// Start seeds the mirror with the entries already present and follows the
// change stream from exactly that point. Seeded entries do not notify; every
// later edge does.
func (r *OperationalRegistry) Start() {
    r.start.Do(func() {
        entries, events := r.m.Watch(r.ctx)
        r.mu.Lock()
        for k, v := range entries {
            cp, ok := parseClusterProcess(k)
            if !ok { continue }
            r.mirror[cp] = decodeFlag(v)
        }
        r.mu.Unlock()
        r.wg.Add(1)
        go r.consume(events)
    })
}

func (r *OperationalRegistry) Stop() {
    r.cancel()
    r.edges.Close()
    r.wg.Wait()
}

func (r *OperationalRegistry) consume(events <-chan dataplane.MapEvent) {
    defer r.wg.Done()
    for ev := range events {
        cp, ok := parseClusterProcess(ev.Key)
        if !ok {
            logutil.Warnf(r.log, "ignoring malformed key %q", ev.Key)
            continue
        }
        r.mu.Lock()
        was := r.mirror[cp]
        now := false
        if ev.Type == dataplane.MapEntryRemoved {
            delete(r.mirror, cp)
        } else {
            now = decodeFlag(ev.Value)
            r.mirror[cp] = now
        }
        r.mu.Unlock()
        if now && !was {
            obsmetrics.OperationalTransitions.WithLabelValues(string(cp.Kind)).Inc()
            logutil.Infof(r.log, "%s is operational on %s", cp.Kind, cp.Member)
            r.edges.Publish(cp.Kind)
        }
    }
}

// SetOperational marks kind as ready for the local member.
func (r *OperationalRegistry) SetOperational(ctx context.Context, kind ProcessKind) error {
    return r.SetStatus(ctx, kind, true)
}

// SetStatus writes the local member's flag for kind.
func (r *OperationalRegistry) SetStatus(ctx context.Context, kind ProcessKind, operational bool) error {
    cp := ClusterProcess{Member: r.dp.LocalMemberID(), Kind: kind}
    return r.m.Put(ctx, cp.Key(), []byte(strconv.FormatBool(operational)))
}

// IsOperational answers from the mirror. With acrossCluster false only the
// local member's entries count.
func (r *OperationalRegistry) IsOperational(kind ProcessKind, acrossCluster bool) bool {
    self := r.dp.LocalMemberID()
    r.mu.RLock(); defer r.mu.RUnlock()
    for cp, ok := range r.mirror {
        if ok && cp.Kind == kind && (acrossCluster || cp.Member == self) { return true }
    }
    return false
}

// Operational lists the processes currently flagged ready.
func (r *OperationalRegistry) Operational() []ClusterProcess {
    r.mu.RLock(); defer r.mu.RUnlock()
    out := make([]ClusterProcess, 0, len(r.mirror))
    for cp, ok := range r.mirror {
        if ok { out = append(out, cp) }
    }
    return out
}

// Subscribe delivers every operational edge observed after the call.
func (r *OperationalRegistry) Subscribe(ctx context.Context) <-chan ProcessKind {
    return r.edges.Subscribe(ctx)
}

// AddListener runs l for every later edge from a dedicated goroutine, so a
// slow or failing listener only affects itself.
func (r *OperationalRegistry) AddListener(l OperationalListener) {
    ch := r.edges.Subscribe(r.ctx)
    r.wg.Add(1)
    go func() {
        defer r.wg.Done()
        for kind := range ch { r.invoke(l, kind) }
    }()
}

func (r *OperationalRegistry) invoke(l OperationalListener, kind ProcessKind) {
    defer func() {
        if p := recover(); p != nil {
            obsmetrics.ListenerFailures.Inc()
            logutil.Errorf(r.log, "operational listener panicked for %s: %v", kind, p)
        }
    }()
    if err := l.OnOperational(kind); err != nil {
        obsmetrics.ListenerFailures.Inc()
        logutil.Errorf(r.log, "operational listener failed for %s: %v", kind, err)
    }
}

func decodeFlag(b []byte) bool {
    v, err := strconv.ParseBool(string(b))
    return err == nil && v
}
