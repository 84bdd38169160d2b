package raftcons

import (
    "context"
    "testing"
    "time"

    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"

    "github.com/amirimatin/go-appcluster/pkg/state"
)

// Three raft nodes over in-memory loopback transports.
func TestRaft_ThreeNodeReplication_Inmem(t *testing.T) {
    stores := []*state.Store{state.New(), state.New(), state.New()}
    n1, _ := New(Options{NodeID: "n1", Bootstrap: true, Machine: stores[0], ApplyTimeout: 2 * time.Second})
    n2, _ := New(Options{NodeID: "n2", Machine: stores[1]})
    n3, _ := New(Options{NodeID: "n3", Machine: stores[2]})

    ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
    defer cancel()
    for _, n := range []*Node{n1, n2, n3} {
        require.NoError(t, n.Start(ctx))
        defer n.Stop()
    }

    connect := func(a, b *Node) {
        require.NotNil(t, a.lb, "loopback transport expected")
        require.NotNil(t, b.lb, "loopback transport expected")
        a.lb.Connect(b.addr, b.trans)
        b.lb.Connect(a.addr, a.trans)
    }
    connect(n1, n2)
    connect(n1, n3)
    connect(n2, n3)

    awaitLeader(t, n1)
    require.NoError(t, n1.AddVoter("n2", n2.Addr(), 2*time.Second))
    require.NoError(t, n1.AddVoter("n3", n3.Addr(), 2*time.Second))
    // re-adding with the same address is a no-op
    require.NoError(t, n1.AddVoter("n3", n3.Addr(), 2*time.Second))

    servers, err := n1.Servers()
    require.NoError(t, err)
    assert.Len(t, servers, 3)

    for _, n := range []*Node{n2, n3} {
        n := n
        require.Eventually(t, func() bool {
            id, _, ok := n.Leader()
            return ok && id == "n1"
        }, 5*time.Second, 20*time.Millisecond)
    }

    _, idx, err := n1.Apply(state.Command{Op: state.OpSetAdd, Name: "members", Key: "svc-1", Owner: "svc-1"}, 2*time.Second)
    require.NoError(t, err)
    for i, n := range []*Node{n1, n2, n3} {
        wctx, wcancel := context.WithTimeout(ctx, 5*time.Second)
        require.NoError(t, n.WaitApplied(wctx, idx))
        wcancel()
        assert.Equal(t, []string{"svc-1"}, stores[i].SetMembers("members"))
    }

    require.NoError(t, n1.RemoveServer("n3", 2*time.Second))
    servers, err = n1.Servers()
    require.NoError(t, err)
    assert.Len(t, servers, 2)
}
