// Package objects implements the dataplane object handles on top of a
// state.Store and a write path. Data plane implementations only provide the
// Applier (how a command reaches the replicated store) and share the rest.
package objects

import (
    "context"
    "sync"

    "github.com/amirimatin/go-appcluster/pkg/dataplane"
    "github.com/amirimatin/go-appcluster/pkg/internal/fanout"
    "github.com/amirimatin/go-appcluster/pkg/state"
)

// Applier submits a command on behalf of the local member. Implementations
// stamp Owner and At and return once the command is visible in the local store.
type Applier interface {
    Apply(ctx context.Context, cmd state.Command) (state.Result, error)
}

// Feeds fans store map events out to per-map subscribers.
type Feeds struct {
    mu     sync.Mutex
    feeds  map[string]*fanout.Fanout[dataplane.MapEvent]
    closed bool
}

func NewFeeds() *Feeds { return &Feeds{feeds: make(map[string]*fanout.Fanout[dataplane.MapEvent])} }

// Sink has the state.EventSink signature.
func (f *Feeds) Sink(name string, ev dataplane.MapEvent) {
    f.mu.Lock()
    fo := f.feeds[name]
    f.mu.Unlock()
    if fo != nil { fo.Publish(ev) }
}

func (f *Feeds) Subscribe(ctx context.Context, name string) <-chan dataplane.MapEvent {
    f.mu.Lock()
    fo := f.feeds[name]
    if fo == nil {
        fo = fanout.New[dataplane.MapEvent]()
        if f.closed { fo.Close() }
        f.feeds[name] = fo
    }
    f.mu.Unlock()
    return fo.Subscribe(ctx)
}

func (f *Feeds) Close() {
    f.mu.Lock(); defer f.mu.Unlock()
    f.closed = true
    for _, fo := range f.feeds { fo.Close() }
}

type ref struct {
    a     Applier
    s     *state.Store
    name  string
    scope dataplane.Scope
}

func Ref(a Applier, s *state.Store, name string, scope dataplane.Scope) dataplane.AtomicReference {
    return &ref{a: a, s: s, name: name, scope: scope}
}

func (r *ref) Get() (string, bool) { return r.s.RefGet(r.name) }

func (r *ref) CompareAndSet(ctx context.Context, expected, value string) (bool, error) {
    res, err := r.a.Apply(ctx, state.Command{Op: state.OpCAS, Name: r.name, Expected: expected, Value: []byte(value), Scope: r.scope})
    return res.OK, err
}

type rmap struct {
    a     Applier
    s     *state.Store
    feeds *Feeds
    name  string
}

func Map(a Applier, s *state.Store, feeds *Feeds, name string) dataplane.ReplicatedMap {
    return &rmap{a: a, s: s, feeds: feeds, name: name}
}

func (m *rmap) Get(key string) ([]byte, bool) { return m.s.MapGet(m.name, key) }

func (m *rmap) Put(ctx context.Context, key string, value []byte) error {
    _, err := m.a.Apply(ctx, state.Command{Op: state.OpPut, Name: m.name, Key: key, Value: value})
    return err
}

func (m *rmap) Replace(ctx context.Context, key string, value []byte) (bool, error) {
    res, err := m.a.Apply(ctx, state.Command{Op: state.OpReplace, Name: m.name, Key: key, Value: value})
    return res.OK, err
}

func (m *rmap) Remove(ctx context.Context, key string) error {
    _, err := m.a.Apply(ctx, state.Command{Op: state.OpRemove, Name: m.name, Key: key})
    return err
}

func (m *rmap) Entries() map[string][]byte { return m.s.MapEntries(m.name) }

func (m *rmap) Subscribe(ctx context.Context) <-chan dataplane.MapEvent {
    return m.feeds.Subscribe(ctx, m.name)
}

func (m *rmap) Watch(ctx context.Context) (map[string][]byte, <-chan dataplane.MapEvent) {
    var ch <-chan dataplane.MapEvent
    entries := m.s.MapEntriesThen(m.name, func() { ch = m.feeds.Subscribe(ctx, m.name) })
    return entries, ch
}

type set struct {
    a    Applier
    s    *state.Store
    name string
}

func Set(a Applier, s *state.Store, name string) dataplane.Set { return &set{a: a, s: s, name: name} }

func (x *set) Add(ctx context.Context, item string) error {
    _, err := x.a.Apply(ctx, state.Command{Op: state.OpSetAdd, Name: x.name, Key: item})
    return err
}

func (x *set) Remove(ctx context.Context, item string) error {
    _, err := x.a.Apply(ctx, state.Command{Op: state.OpSetRemove, Name: x.name, Key: item})
    return err
}

func (x *set) Members() []string { return x.s.SetMembers(x.name) }

type lock struct {
    a    Applier
    name string
}

func Lock(a Applier, name string) dataplane.Lock { return &lock{a: a, name: name} }

func (l *lock) TryLock(ctx context.Context) (bool, error) {
    res, err := l.a.Apply(ctx, state.Command{Op: state.OpLock, Name: l.name})
    return res.OK, err
}

func (l *lock) Unlock(ctx context.Context) error {
    res, err := l.a.Apply(ctx, state.Command{Op: state.OpUnlock, Name: l.name})
    if err != nil { return err }
    if !res.OK { return dataplane.ErrLockNotHeld }
    return nil
}
