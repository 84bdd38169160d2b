package cluster

import (
    "context"
    "errors"
    "testing"

    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"

    "github.com/amirimatin/go-appcluster/pkg/dataplane/local"
)

func TestGuard_ClusterNameIdempotentAndMismatch(t *testing.T) {
    h := local.NewHub(quietLogger())
    defer h.Close()
    ctx := context.Background()
    a := NewMembershipGuard(h.Connect(), quietLogger())
    b := NewMembershipGuard(h.Connect(), quietLogger())

    require.NoError(t, a.RegisterClusterName(ctx, "sonarqube"))
    require.NoError(t, a.RegisterClusterName(ctx, "sonarqube"))
    require.NoError(t, b.RegisterClusterName(ctx, "sonarqube"))

    err := b.RegisterClusterName(ctx, "other")
    require.Error(t, err)
    assert.True(t, errors.Is(err, ErrConfigurationMismatch))
    assert.False(t, errors.Is(err, ErrVersionMismatch))
    var mm *MismatchError
    require.ErrorAs(t, err, &mm)
    assert.Equal(t, "other", mm.Local)
    assert.Equal(t, "sonarqube", mm.Cluster)
    assert.EqualError(t, err, "This node has a cluster name [other], which does not match [sonarqube] from the cluster")
}

func TestGuard_VersionIdempotentAndMismatch(t *testing.T) {
    h := local.NewHub(quietLogger())
    defer h.Close()
    ctx := context.Background()
    g := NewMembershipGuard(h.Connect(), quietLogger())

    require.NoError(t, g.RegisterVersion(ctx, "1.0.0"))
    require.NoError(t, g.RegisterVersion(ctx, "1.0.0"))

    err := g.RegisterVersion(ctx, "2.0.0")
    require.ErrorIs(t, err, ErrVersionMismatch)
    var mm *MismatchError
    require.ErrorAs(t, err, &mm)
    assert.Equal(t, "2.0.0", mm.Local)
    assert.Equal(t, "1.0.0", mm.Cluster)
    assert.EqualError(t, err, "The local version 2.0.0 is not the same as the cluster 1.0.0")
}

func TestGuard_BlankIdentityIsConfigurationError(t *testing.T) {
    h := local.NewHub(quietLogger())
    defer h.Close()
    g := NewMembershipGuard(h.Connect(), quietLogger())
    assert.ErrorIs(t, g.RegisterClusterName(context.Background(), "  "), ErrConfiguration)
    assert.ErrorIs(t, g.RegisterVersion(context.Background(), ""), ErrConfiguration)
}

func TestGuard_IdentitySurvivesFirstRegistrantLeaving(t *testing.T) {
    h := local.NewHub(quietLogger())
    defer h.Close()
    ctx := context.Background()
    first := h.Connect()
    require.NoError(t, NewMembershipGuard(first, quietLogger()).RegisterVersion(ctx, "1.0.0"))
    h.Disconnect(first.LocalMemberID())

    late := NewMembershipGuard(h.Connect(), quietLogger())
    assert.ErrorIs(t, late.RegisterVersion(ctx, "2.0.0"), ErrVersionMismatch)
}

func TestGuard_JoinAndLiveMembers(t *testing.T) {
    h := local.NewHub(quietLogger())
    defer h.Close()
    ctx := context.Background()
    a, b := h.Connect(), h.Connect()
    ga := NewMembershipGuard(a, quietLogger())
    require.NoError(t, ga.Join(ctx))
    require.NoError(t, NewMembershipGuard(b, quietLogger()).Join(ctx))
    assert.ElementsMatch(t, []any{a.LocalMemberID(), b.LocalMemberID()}, toAny(ga.LiveMembers()))

    h.Disconnect(b.LocalMemberID())
    assert.Len(t, ga.LiveMembers(), 1)
    ga.Leave(ctx)
    assert.Empty(t, a.Set("LOCAL_MEMBER_UUIDS").Members())
}

func toAny[T any](in []T) []any {
    out := make([]any, len(in))
    for i, v := range in { out[i] = v }
    return out
}
