// Package local is an in-process data plane. A Hub owns one replicated store
// shared by any number of members; it backs tests and single-process
// deployments, and lets tests kill a member abruptly with Disconnect.
package local

import (
    "context"
    "log"
    "sync"
    "time"

    "github.com/google/uuid"

    "github.com/amirimatin/go-appcluster/pkg/dataplane"
    "github.com/amirimatin/go-appcluster/pkg/dataplane/objects"
    "github.com/amirimatin/go-appcluster/pkg/internal/fanout"
    "github.com/amirimatin/go-appcluster/pkg/internal/logutil"
    "github.com/amirimatin/go-appcluster/pkg/state"
)

type Hub struct {
    log     *log.Logger
    store   *state.Store
    feeds   *objects.Feeds
    events  *fanout.Fanout[dataplane.MemberEvent]
    mu      sync.Mutex
    members []*Member
}

func NewHub(logger *log.Logger) *Hub {
    h := &Hub{
        log:    logutil.Named(logger, "dataplane.local"),
        store:  state.New(),
        feeds:  objects.NewFeeds(),
        events: fanout.New[dataplane.MemberEvent](),
    }
    h.store.OnMapEvent(h.feeds.Sink)
    return h
}

// Connect adds a member with a fresh id.
func (h *Hub) Connect() *Member {
    m := &Member{hub: h, id: dataplane.MemberID(uuid.NewString()), done: make(chan struct{})}
    h.mu.Lock()
    h.members = append(h.members, m)
    h.mu.Unlock()
    h.events.Publish(dataplane.MemberEvent{Type: dataplane.MemberJoined, Member: m.id, At: time.Now()})
    return m
}

// Disconnect removes a member as if its process died: everything it owned is
// purged and a left event is published.
func (h *Hub) Disconnect(id dataplane.MemberID) {
    h.mu.Lock()
    var gone *Member
    for i, m := range h.members {
        if m.id == id {
            gone = m
            h.members = append(h.members[:i], h.members[i+1:]...)
            break
        }
    }
    h.mu.Unlock()
    if gone == nil { return }
    gone.once.Do(func() { close(gone.done) })
    h.store.Apply(state.Command{Op: state.OpPurge, Owner: string(id), At: time.Now().UnixMilli()})
    logutil.Infof(h.log, "member %s left", id)
    h.events.Publish(dataplane.MemberEvent{Type: dataplane.MemberLeft, Member: id, At: time.Now()})
}

// Close disconnects every member and ends all subscriptions.
func (h *Hub) Close() {
    for _, id := range h.memberIDs() { h.Disconnect(id) }
    h.feeds.Close()
    h.events.Close()
}

func (h *Hub) memberIDs() []dataplane.MemberID {
    h.mu.Lock(); defer h.mu.Unlock()
    out := make([]dataplane.MemberID, 0, len(h.members))
    for _, m := range h.members { out = append(out, m.id) }
    return out
}

// Member is one member's view of the hub.
type Member struct {
    hub  *Hub
    id   dataplane.MemberID
    done chan struct{}
    once sync.Once
}

func (m *Member) Apply(ctx context.Context, cmd state.Command) (state.Result, error) {
    select {
    case <-m.done:
        return state.Result{}, dataplane.ErrClosed
    default:
    }
    if err := ctx.Err(); err != nil { return state.Result{}, err }
    cmd.Owner = string(m.id)
    cmd.At = time.Now().UnixMilli()
    res := m.hub.store.Apply(cmd)
    return res, res.Error()
}

func (m *Member) AtomicReference(key string, scope dataplane.Scope) dataplane.AtomicReference {
    return objects.Ref(m, m.hub.store, key, scope)
}

func (m *Member) ReplicatedMap(key string) dataplane.ReplicatedMap {
    return &memberMap{ReplicatedMap: objects.Map(m, m.hub.store, m.hub.feeds, key), m: m}
}

func (m *Member) Set(key string) dataplane.Set { return objects.Set(m, m.hub.store, key) }

func (m *Member) Lock(key string) dataplane.Lock { return objects.Lock(m, key) }

func (m *Member) LocalMemberID() dataplane.MemberID { return m.id }

func (m *Member) MemberIDs() []dataplane.MemberID { return m.hub.memberIDs() }

func (m *Member) ClusterTime() int64 {
    now := time.Now().UnixMilli()
    if c := m.hub.store.Clock(); c > now { return c }
    return now
}

func (m *Member) MemberEvents(ctx context.Context) <-chan dataplane.MemberEvent {
    return m.hub.events.Subscribe(m.bind(ctx))
}

// Close leaves the hub gracefully.
func (m *Member) Close(ctx context.Context) error {
    m.hub.Disconnect(m.id)
    return nil
}

// bind derives a context that also ends when the member leaves.
func (m *Member) bind(ctx context.Context) context.Context {
    ctx, cancel := context.WithCancel(ctx)
    go func() {
        select {
        case <-m.done:
            cancel()
        case <-ctx.Done():
        }
    }()
    return ctx
}

type memberMap struct {
    dataplane.ReplicatedMap
    m *Member
}

func (mm *memberMap) Subscribe(ctx context.Context) <-chan dataplane.MapEvent {
    return mm.ReplicatedMap.Subscribe(mm.m.bind(ctx))
}

func (mm *memberMap) Watch(ctx context.Context) (map[string][]byte, <-chan dataplane.MapEvent) {
    return mm.ReplicatedMap.Watch(mm.m.bind(ctx))
}

var _ dataplane.DataPlane = (*Member)(nil)
