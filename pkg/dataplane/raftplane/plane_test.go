package raftplane

import (
    "context"
    "encoding/json"
    "errors"
    "io"
    "log"
    "testing"
    "time"

    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"

    "github.com/amirimatin/go-appcluster/pkg/consensus"
    "github.com/amirimatin/go-appcluster/pkg/dataplane"
    "github.com/amirimatin/go-appcluster/pkg/state"
    "github.com/amirimatin/go-appcluster/pkg/transport"
    "github.com/amirimatin/go-appcluster/pkg/transport/httpjson"
)

func testOptions(name string, bootstrap bool, seeds ...string) Options {
    logger := log.New(io.Discard, "", 0)
    return Options{
        NodeName:         name,
        Bind:             "127.0.0.1:0",
        Seeds:            seeds,
        RaftBind:         "127.0.0.1:0",
        Bootstrap:        bootstrap,
        Server:           httpjson.NewServer("127.0.0.1:0", logger),
        Client:           httpjson.NewClient(2 * time.Second),
        ApplyTimeout:     3 * time.Second,
        SweepInterval:    200 * time.Millisecond,
        JoinTimeout:      5 * time.Second,
        HeartbeatTimeout: 150 * time.Millisecond,
        ElectionTimeout:  300 * time.Millisecond,
        ProbeInterval:    200 * time.Millisecond,
        GossipInterval:   50 * time.Millisecond,
        Logger:           logger,
    }
}

func startPlane(t *testing.T, opts Options) *Plane {
    t.Helper()
    ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
    defer cancel()
    p, err := Start(ctx, opts)
    require.NoError(t, err)
    t.Cleanup(func() { _ = p.Close(context.Background()) })
    return p
}

func TestOptionsValidation(t *testing.T) {
    _, err := Start(context.Background(), Options{Bind: "127.0.0.1:0", RaftBind: "127.0.0.1:0"})
    assert.ErrorContains(t, err, "NodeName")
    o := testOptions("n1", true)
    o.Client = nil
    _, err = Start(context.Background(), o)
    assert.ErrorContains(t, err, "Client")
}

func TestSingleNodeEndToEnd(t *testing.T) {
    p := startPlane(t, testOptions("n1", true))
    ctx := context.Background()

    require.Eventually(t, p.IsLeader, 3*time.Second, 20*time.Millisecond)
    assert.Equal(t, []dataplane.MemberID{p.LocalMemberID()}, p.MemberIDs())

    ref := p.AtomicReference(dataplane.KeyClusterName, dataplane.ScopeCluster)
    ok, err := ref.CompareAndSet(ctx, "", "sonarqube")
    require.NoError(t, err)
    assert.True(t, ok)
    ok, err = ref.CompareAndSet(ctx, "", "other")
    require.NoError(t, err)
    assert.False(t, ok)
    v, _ := ref.Get()
    assert.Equal(t, "sonarqube", v)

    sub, cancel := context.WithCancel(ctx)
    defer cancel()
    m := p.ReplicatedMap(dataplane.KeyHealthState)
    events := m.Subscribe(sub)
    require.NoError(t, m.Put(ctx, "a", []byte("1")))
    require.NoError(t, m.Put(ctx, "a", []byte("2")))
    require.NoError(t, m.Remove(ctx, "a"))
    var got []dataplane.MapEventType
    for len(got) < 3 {
        select {
        case ev := <-events:
            got = append(got, ev.Type)
            assert.Equal(t, p.LocalMemberID(), ev.Owner)
        case <-time.After(2 * time.Second):
            t.Fatalf("missing map events, got %v", got)
        }
    }
    assert.Equal(t, []dataplane.MapEventType{dataplane.MapEntryAdded, dataplane.MapEntryUpdated, dataplane.MapEntryRemoved}, got)

    l := p.Lock(dataplane.KeyCleaningJobLock)
    ok, err = l.TryLock(ctx)
    require.NoError(t, err)
    assert.True(t, ok)
    require.NoError(t, l.Unlock(ctx))
    assert.ErrorIs(t, l.Unlock(ctx), dataplane.ErrLockNotHeld)

    assert.GreaterOrEqual(t, p.ClusterTime(), time.Now().Add(-time.Minute).UnixMilli())
}

func TestStatusOverManagement(t *testing.T) {
    p := startPlane(t, testOptions("n1", true))
    b, err := httpjson.NewClient(time.Second).GetStatus(context.Background(), p.MgmtAddr())
    require.NoError(t, err)
    var st PlaneStatus
    require.NoError(t, json.Unmarshal(b, &st))
    assert.Equal(t, "n1", st.NodeName)
    assert.Equal(t, string(p.LocalMemberID()), st.MemberID)
    assert.Len(t, st.Servers, 1)
}

func TestApplyHandlerKeepsOwner(t *testing.T) {
    p := startPlane(t, testOptions("n1", true))
    require.Eventually(t, p.IsLeader, 3*time.Second, 20*time.Millisecond)
    resp, err := httpjson.NewClient(time.Second).PostApply(context.Background(), p.MgmtAddr(), transport.ApplyRequest{
        Command: []byte(`{"op":"set_add","name":"LOCAL_MEMBER_UUIDS","key":"ghost","owner":"ghost"}`),
    })
    require.NoError(t, err)
    assert.True(t, resp.OK)
    assert.Contains(t, p.store.Owners(), "ghost")

    // the sweep purges owners that are not live members
    require.Eventually(t, func() bool {
        return len(p.Set(dataplane.KeyLocalMemberUUIDs).Members()) == 0
    }, 5*time.Second, 50*time.Millisecond)
}

func TestResubmittedClaimKeepsItsOutcome(t *testing.T) {
    p := startPlane(t, testOptions("n1", true))
    require.Eventually(t, p.IsLeader, 3*time.Second, 20*time.Millisecond)
    cmd, err := json.Marshal(state.Command{ID: "claim-1", Op: state.OpCAS, Name: "LEADER", Value: []byte("n1 (h:1)"), Owner: string(p.LocalMemberID()), Scope: dataplane.ScopeMember})
    require.NoError(t, err)

    c := httpjson.NewClient(time.Second)
    for i := 0; i < 2; i++ {
        resp, err := c.PostApply(context.Background(), p.MgmtAddr(), transport.ApplyRequest{Command: cmd})
        require.NoError(t, err)
        assert.True(t, resp.OK, "attempt %d", i+1)
    }
    v, ok := p.AtomicReference("LEADER", dataplane.ScopeMember).Get()
    require.True(t, ok)
    assert.Equal(t, "n1 (h:1)", v)
}

func TestResubmittable(t *testing.T) {
    assert.True(t, resubmittable(&transport.RemoteError{Msg: consensus.ErrNotLeader.Error()}))
    assert.True(t, resubmittable(&transport.RemoteError{Msg: consensus.ErrLeadershipLost.Error()}))
    assert.False(t, resubmittable(&transport.RemoteError{Msg: "raftplane: command without owner"}))
    assert.True(t, resubmittable(consensus.ErrLeadershipLost))
    assert.True(t, resubmittable(errors.New("dial tcp: connection refused")))
    assert.False(t, resubmittable(consensus.ErrNotStarted))
}

func TestCloseRejectsWrites(t *testing.T) {
    p := startPlane(t, testOptions("n1", true))
    require.NoError(t, p.Close(context.Background()))
    err := p.ReplicatedMap("m").Put(context.Background(), "k", nil)
    assert.ErrorIs(t, err, dataplane.ErrClosed)
}
