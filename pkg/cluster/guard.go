package cluster

import (
    "context"
    "fmt"
    "log"
    "sort"
    "strings"

    "github.com/amirimatin/go-appcluster/pkg/dataplane"
    "github.com/amirimatin/go-appcluster/pkg/internal/logutil"
)

// MembershipGuard fixes the cluster identity (name and version) on first
// registration and rejects members that disagree with it.
type MembershipGuard struct {
    dp  dataplane.DataPlane
    log *log.Logger
}

func NewMembershipGuard(dp dataplane.DataPlane, logger *log.Logger) *MembershipGuard {
    return &MembershipGuard{dp: dp, log: logutil.Named(logger, "guard")}
}

// RegisterClusterName publishes name if the cluster has none yet. Registering
// the value already fixed is a no-op; any other value is a MismatchError.
func (g *MembershipGuard) RegisterClusterName(ctx context.Context, name string) error {
    return g.register(ctx, dataplane.KeyClusterName, fieldName, name)
}

// RegisterVersion behaves like RegisterClusterName for the version.
func (g *MembershipGuard) RegisterVersion(ctx context.Context, version string) error {
    return g.register(ctx, dataplane.KeyClusterVersion, fieldVersion, version)
}

func (g *MembershipGuard) register(ctx context.Context, key, field, value string) error {
    if strings.TrimSpace(value) == "" { return configError("cluster %s must not be blank", field) }
    ref := g.dp.AtomicReference(key, dataplane.ScopeCluster)
    ok, err := ref.CompareAndSet(ctx, "", value)
    if err != nil { return fmt.Errorf("cluster: register %s: %w", field, err) }
    if ok {
        logutil.Infof(g.log, "cluster %s fixed to %q", field, value)
        return nil
    }
    current, _ := ref.Get()
    if current == value { return nil }
    return &MismatchError{Field: field, Local: value, Cluster: current}
}

// Join records the local member in the live member set.
func (g *MembershipGuard) Join(ctx context.Context) error {
    if err := g.dp.Set(dataplane.KeyLocalMemberUUIDs).Add(ctx, string(g.dp.LocalMemberID())); err != nil {
        return fmt.Errorf("cluster: join: %w", err)
    }
    logutil.Infof(g.log, "Joined a cluster that contains the following hosts : %v", g.LiveMembers())
    return nil
}

// Leave removes the local member from the live member set. Best effort.
func (g *MembershipGuard) Leave(ctx context.Context) {
    if err := g.dp.Set(dataplane.KeyLocalMemberUUIDs).Remove(ctx, string(g.dp.LocalMemberID())); err != nil {
        logutil.Warnf(g.log, "leave: %v", err)
    }
}

// LiveMembers is the union of the registered member set and the members the
// data plane currently sees, sorted.
func (g *MembershipGuard) LiveMembers() []dataplane.MemberID {
    seen := make(map[dataplane.MemberID]struct{})
    for _, id := range g.dp.Set(dataplane.KeyLocalMemberUUIDs).Members() { seen[dataplane.MemberID(id)] = struct{}{} }
    for _, id := range g.dp.MemberIDs() { seen[id] = struct{}{} }
    out := make([]dataplane.MemberID, 0, len(seen))
    for id := range seen { out = append(out, id) }
    sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
    return out
}
