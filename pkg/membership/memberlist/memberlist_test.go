package memberlist

import (
    "context"
    "io"
    "log"
    "testing"
    "time"

    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"

    base "github.com/amirimatin/go-appcluster/pkg/membership"
)

func startNode(t *testing.T, ctx context.Context, id string) (*impl, string) {
    t.Helper()
    m, err := New(Options{
        ID:            id,
        Bind:          "127.0.0.1:0",
        Meta:          map[string]string{base.MetaNode: "node-" + id, base.MetaMgmt: "127.0.0.1:1"},
        Logger:        log.New(io.Discard, "", 0),
        ProbeInterval: 100 * time.Millisecond,
        SuspicionMult: 2,
    })
    require.NoError(t, err)
    require.NoError(t, m.Start(ctx))
    t.Cleanup(func() { _ = m.Stop() })
    la := m.Local().Addr
    require.NotEmpty(t, la)
    return m.(*impl), la
}

func awaitMembers(t *testing.T, m base.Membership, want int) {
    t.Helper()
    require.Eventually(t, func() bool { return len(m.Members()) == want }, 5*time.Second, 50*time.Millisecond,
        "members did not converge to %d", want)
}

func TestMemberlist_StartLocal(t *testing.T) {
    ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
    defer cancel()
    m, _ := startNode(t, ctx, "t1")

    local := m.Local()
    assert.Equal(t, "t1", local.ID)
    assert.Equal(t, "node-t1", local.NodeName())
    assert.Equal(t, "127.0.0.1:1", local.MgmtAddr())
    assert.GreaterOrEqual(t, m.HealthScore(), 0)
}

func TestMemberlist_RejectsBadOptions(t *testing.T) {
    _, err := New(Options{Bind: "127.0.0.1:0"})
    assert.Error(t, err)
    _, err = New(Options{ID: "x"})
    assert.Error(t, err)
    m, err := New(Options{ID: "x", Bind: "nohost"})
    require.NoError(t, err)
    assert.Error(t, m.Start(context.Background()))
}

func TestMemberlist_JoinLeaveAndFailure(t *testing.T) {
    ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
    defer cancel()

    n1, addr1 := startNode(t, ctx, "n1")
    events := n1.Subscribe(ctx)
    n2, _ := startNode(t, ctx, "n2")
    n3, _ := startNode(t, ctx, "n3")
    _, err := n2.Join([]string{addr1})
    require.NoError(t, err)
    _, err = n3.Join([]string{addr1})
    require.NoError(t, err)

    awaitMembers(t, n1, 3)
    awaitMembers(t, n2, 3)
    awaitMembers(t, n3, 3)

    require.NoError(t, n2.Leave(time.Second))
    require.NoError(t, n2.Stop())
    awaitMembers(t, n1, 2)

    // n3 vanishes without leaving
    require.NoError(t, n3.Stop())
    awaitMembers(t, n1, 1)

    got := map[string]base.EventType{}
    deadline := time.After(5 * time.Second)
    for got["n2"] != base.EventLeave || got["n3"] != base.EventFailed {
        select {
        case ev := <-events:
            if ev.Type.Departed() { got[ev.Member.ID] = ev.Type }
        case <-deadline:
            t.Fatalf("departures seen: %v", got)
        }
    }
}
