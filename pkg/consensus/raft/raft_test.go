package raftcons

import (
    "context"
    "testing"
    "time"

    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"

    c "github.com/amirimatin/go-appcluster/pkg/consensus"
    "github.com/amirimatin/go-appcluster/pkg/state"
)

func awaitLeader(t *testing.T, n *Node) {
    t.Helper()
    require.Eventually(t, n.IsLeader, 3*time.Second, 20*time.Millisecond, "%s did not become leader", n.opts.NodeID)
}

func TestNew_RequiresMachine(t *testing.T) {
    _, err := New(Options{NodeID: "n1"})
    assert.Error(t, err)
    _, err = New(Options{Machine: state.New()})
    assert.Error(t, err)
}

func TestRaft_SingleNodeLeadership(t *testing.T) {
    n, err := New(Options{NodeID: "n1", Bootstrap: true, Machine: state.New(), ApplyTimeout: 2 * time.Second})
    require.NoError(t, err)

    ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
    defer cancel()
    require.NoError(t, n.Start(ctx))
    defer n.Stop()
    awaitLeader(t, n)

    select {
    case li, ok := <-n.LeaderCh():
        require.True(t, ok)
        assert.Equal(t, "n1", li.ID)
    case <-time.After(2 * time.Second):
        t.Fatalf("timed out waiting for leader event")
    }
}

func TestRaft_ApplyAndWaitApplied(t *testing.T) {
    st := state.New()
    n, err := New(Options{NodeID: "n1", Bootstrap: true, Machine: st})
    require.NoError(t, err)
    require.NoError(t, n.Start(context.Background()))
    defer n.Stop()
    awaitLeader(t, n)

    res, idx, err := n.Apply(state.Command{Op: state.OpCAS, Name: "LEADER", Value: []byte("n1"), Owner: "n1"}, time.Second)
    require.NoError(t, err)
    assert.True(t, res.OK)
    assert.NotZero(t, idx)

    ctx, cancel := context.WithTimeout(context.Background(), time.Second)
    defer cancel()
    require.NoError(t, n.WaitApplied(ctx, idx))
    assert.GreaterOrEqual(t, n.AppliedIndex(), idx)
    v, ok := st.RefGet("LEADER")
    assert.True(t, ok)
    assert.Equal(t, "n1", v)

    res, _, err = n.Apply(state.Command{Op: state.OpCAS, Name: "LEADER", Value: []byte("n2"), Owner: "n2"}, time.Second)
    require.NoError(t, err)
    assert.False(t, res.OK)
}

func TestRaft_ApplyBeforeStart(t *testing.T) {
    n, err := New(Options{NodeID: "n1", Machine: state.New()})
    require.NoError(t, err)
    _, _, err = n.Apply(state.Command{Op: state.OpPut, Name: "m", Key: "k"}, time.Second)
    assert.ErrorIs(t, err, c.ErrNotStarted)
}

func TestRaft_FollowerRejectsApply(t *testing.T) {
    // Not bootstrapped and alone: never becomes leader.
    n, err := New(Options{NodeID: "n2", Machine: state.New()})
    require.NoError(t, err)
    require.NoError(t, n.Start(context.Background()))
    defer n.Stop()
    _, _, err = n.Apply(state.Command{Op: state.OpPut, Name: "m", Key: "k"}, time.Second)
    assert.ErrorIs(t, err, c.ErrNotLeader)
}
