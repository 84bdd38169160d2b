package cluster

import (
    "context"
    "fmt"
    "log"
    "sync"
    "sync/atomic"
    "time"

    "github.com/amirimatin/go-appcluster/pkg/internal/logutil"
    obsmetrics "github.com/amirimatin/go-appcluster/pkg/observability/metrics"
)

// HealthProbe computes the local member's health. It must honour ctx.
type HealthProbe interface {
    Probe(ctx context.Context) (NodeHealth, error)
}

type HealthProbeFunc func(ctx context.Context) (NodeHealth, error)

func (f HealthProbeFunc) Probe(ctx context.Context) (NodeHealth, error) { return f(ctx) }

const (
    DefaultHealthInitialDelay = time.Second
    DefaultHealthInterval     = 10 * time.Second
)

type RefresherOptions struct {
    InitialDelay time.Duration
    Interval     time.Duration
    // ProbeTimeout bounds one probe call. Defaults to Interval.
    ProbeTimeout time.Duration
}

func (o RefresherOptions) withDefaults() RefresherOptions {
    if o.InitialDelay <= 0 { o.InitialDelay = DefaultHealthInitialDelay }
    if o.Interval <= 0 { o.Interval = DefaultHealthInterval }
    if o.ProbeTimeout <= 0 { o.ProbeTimeout = o.Interval }
    return o
}

// HealthRefresher periodically publishes the probe result for the local
// member. Refreshes never overlap: a tick arriving while one runs is dropped.
type HealthRefresher struct {
    store *HealthStore
    probe HealthProbe
    opts  RefresherOptions
    log   *log.Logger

    mu       sync.Mutex
    cancel   context.CancelFunc
    loopDone chan struct{}
    inflight sync.WaitGroup
    busy     atomic.Bool
}

func NewHealthRefresher(store *HealthStore, probe HealthProbe, opts RefresherOptions, logger *log.Logger) *HealthRefresher {
    return &HealthRefresher{store: store, probe: probe, opts: opts.withDefaults(), log: logutil.Named(logger, "refresher")}
}

func (r *HealthRefresher) Start() {
    r.mu.Lock(); defer r.mu.Unlock()
    if r.cancel != nil { return }
    ctx, cancel := context.WithCancel(context.Background())
    r.cancel = cancel
    r.loopDone = make(chan struct{})
    go r.loop(ctx)
}

func (r *HealthRefresher) loop(ctx context.Context) {
    defer close(r.loopDone)
    timer := time.NewTimer(r.opts.InitialDelay)
    defer timer.Stop()
    select {
    case <-ctx.Done():
        return
    case <-timer.C:
    }
    r.tick(ctx)
    ticker := time.NewTicker(r.opts.Interval)
    defer ticker.Stop()
    for {
        select {
        case <-ctx.Done():
            return
        case <-ticker.C:
            r.tick(ctx)
        }
    }
}

func (r *HealthRefresher) tick(ctx context.Context) {
    if !r.busy.CompareAndSwap(false, true) {
        obsmetrics.HealthRefresh.WithLabelValues("skipped").Inc()
        logutil.Warnf(r.log, "previous health refresh still running, skipping this cycle")
        return
    }
    r.inflight.Add(1)
    go func() {
        defer r.inflight.Done()
        defer r.busy.Store(false)
        r.refresh(ctx)
    }()
}

func (r *HealthRefresher) refresh(ctx context.Context) {
    defer func() {
        if p := recover(); p != nil {
            obsmetrics.HealthRefresh.WithLabelValues("error").Inc()
            logutil.Errorf(r.log, "%v: panic: %v", ErrProbe, p)
        }
    }()
    pctx, cancel := context.WithTimeout(ctx, r.opts.ProbeTimeout)
    h, err := r.probe.Probe(pctx)
    cancel()
    if err != nil {
        obsmetrics.HealthRefresh.WithLabelValues("error").Inc()
        logutil.Errorf(r.log, "%v", fmt.Errorf("%w: %v", ErrProbe, err))
        return
    }
    // stopped while probing; the entry has been or is being cleared
    if ctx.Err() != nil { return }
    if err := r.store.WriteMine(ctx, h); err != nil {
        obsmetrics.HealthRefresh.WithLabelValues("error").Inc()
        logutil.Errorf(r.log, "publishing health: %v", err)
        return
    }
    obsmetrics.HealthRefresh.WithLabelValues("ok").Inc()
}

// Stop cancels the schedule, waits for a running refresh and clears the
// local entry. A probe still running when ctx ends is abandoned and the entry
// cleared anyway. Safe to call more than once.
func (r *HealthRefresher) Stop(ctx context.Context) {
    r.mu.Lock()
    cancel, done := r.cancel, r.loopDone
    r.cancel = nil
    r.mu.Unlock()
    if cancel == nil { return }
    cancel()
    <-done
    idle := make(chan struct{})
    go func() {
        r.inflight.Wait()
        close(idle)
    }()
    select {
    case <-idle:
    case <-ctx.Done():
        logutil.Warnf(r.log, "health probe still running at shutdown, not waiting for it: %v", ctx.Err())
    }
    r.store.ClearMine(context.WithoutCancel(ctx))
}
