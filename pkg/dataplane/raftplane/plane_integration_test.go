//go:build integration

package raftplane

import (
    "context"
    "testing"
    "time"

    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"

    "github.com/amirimatin/go-appcluster/pkg/dataplane"
)

// Three members: writes from followers are forwarded to the leader, and a
// departed member's state is purged everywhere.
func TestThreeNodes_ForwardAndPurge(t *testing.T) {
    ctx := context.Background()
    p1 := startPlane(t, testOptions("n1", true))
    seed := p1.ml.Local().Addr
    p2 := startPlane(t, testOptions("n2", false, seed))
    p3 := startPlane(t, testOptions("n3", false, seed))

    for _, p := range []*Plane{p1, p2, p3} {
        p := p
        require.Eventually(t, func() bool { return len(p.MemberIDs()) == 3 }, 10*time.Second, 50*time.Millisecond)
    }
    require.Eventually(t, func() bool {
        servers, err := p1.node.Servers()
        return err == nil && len(servers) == 3
    }, 10*time.Second, 50*time.Millisecond)

    // follower write is visible locally on return
    health := p2.ReplicatedMap(dataplane.KeyHealthState)
    require.NoError(t, health.Put(ctx, string(p2.LocalMemberID()), []byte(`{"status":"GREEN"}`)))
    _, ok := health.Get(string(p2.LocalMemberID()))
    assert.True(t, ok)

    ok, err := p3.AtomicReference(dataplane.KeyLeader, dataplane.ScopeMember).CompareAndSet(ctx, "", "n3 (127.0.0.1:9000)")
    require.NoError(t, err)
    assert.True(t, ok)
    ok, err = p2.AtomicReference(dataplane.KeyLeader, dataplane.ScopeMember).CompareAndSet(ctx, "", "n2 (127.0.0.1:9000)")
    require.NoError(t, err)
    assert.False(t, ok, "only one claim may win")

    events := p1.MemberEvents(ctx)
    gone := p3.LocalMemberID()
    require.NoError(t, p3.Close(ctx))

    require.Eventually(t, func() bool {
        _, held := p1.AtomicReference(dataplane.KeyLeader, dataplane.ScopeMember).Get()
        return !held
    }, 10*time.Second, 50*time.Millisecond)

    deadline := time.After(10 * time.Second)
    for {
        select {
        case ev := <-events:
            if ev.Type == dataplane.MemberLeft && ev.Member == gone { return }
        case <-deadline:
            t.Fatalf("no left event for %s", gone)
        }
    }
}
