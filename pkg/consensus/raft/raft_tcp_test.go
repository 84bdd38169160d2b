package raftcons

import (
    "context"
    "testing"
    "time"

    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"

    "github.com/amirimatin/go-appcluster/pkg/dataplane"
    "github.com/amirimatin/go-appcluster/pkg/state"
)

// Three nodes over real TCP transports with bolt stores in temp dirs.
func TestRaft_ThreeNodePurge_TCP(t *testing.T) {
    t.Parallel()

    mk := func(id string, boot bool) (*Node, *state.Store) {
        st := state.New()
        n, err := New(Options{
            NodeID:            id,
            Machine:           st,
            Bootstrap:         boot,
            BindAddr:          "127.0.0.1:0",
            DataDir:           t.TempDir(),
            SnapshotsRetained: 1,
            HeartbeatTimeout:  150 * time.Millisecond,
            ElectionTimeout:   300 * time.Millisecond,
            CommitTimeout:     50 * time.Millisecond,
            ApplyTimeout:      2 * time.Second,
        })
        require.NoError(t, err)
        return n, st
    }
    n1, s1 := mk("n1", true)
    n2, s2 := mk("n2", false)
    n3, s3 := mk("n3", false)

    ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
    defer cancel()
    for _, n := range []*Node{n1, n2, n3} {
        require.NoError(t, n.Start(ctx))
        defer n.Stop()
    }
    assert.NotContains(t, n1.Addr(), ":0", "Addr must report the bound port")

    awaitLeader(t, n1)
    require.NoError(t, n1.AddVoter("n2", n2.Addr(), 3*time.Second))
    require.NoError(t, n1.AddVoter("n3", n3.Addr(), 3*time.Second))

    apply := func(cmd state.Command) uint64 {
        t.Helper()
        res, idx, err := n1.Apply(cmd, 2*time.Second)
        require.NoError(t, err)
        require.NoError(t, res.Error())
        return idx
    }
    apply(state.Command{Op: state.OpPut, Name: "HEALTH_STATE", Key: "svc-1", Value: []byte("GREEN"), Owner: "svc-1"})
    apply(state.Command{Op: state.OpCAS, Name: "CLUSTER_VERSION", Value: []byte("10.1"), Owner: "svc-1", Scope: dataplane.ScopeCluster})
    idx := apply(state.Command{Op: state.OpPurge, Owner: "svc-1"})

    for _, pair := range []struct {
        n  *Node
        st *state.Store
    }{{n1, s1}, {n2, s2}, {n3, s3}} {
        wctx, wcancel := context.WithTimeout(ctx, 5*time.Second)
        require.NoError(t, pair.n.WaitApplied(wctx, idx))
        wcancel()
        _, ok := pair.st.MapGet("HEALTH_STATE", "svc-1")
        assert.False(t, ok, "purged entry still present on %s", pair.n.opts.NodeID)
        v, ok := pair.st.RefGet("CLUSTER_VERSION")
        assert.True(t, ok)
        assert.Equal(t, "10.1", v)
    }
}
