package cluster

import (
    "context"
    "fmt"
    "log"
    "strings"

    "github.com/amirimatin/go-appcluster/pkg/dataplane"
    "github.com/amirimatin/go-appcluster/pkg/internal/logutil"
    obsmetrics "github.com/amirimatin/go-appcluster/pkg/observability/metrics"
)

// LeaderAddress formats the value stored in the leadership slot.
func LeaderAddress(name, host string, port int) string {
    return fmt.Sprintf("%s (%s:%d)", name, host, port)
}

// LeaderElector grants the leadership slot to the first member whose
// compare-and-set succeeds. The slot is member scoped: the data plane clears
// it when the holder leaves.
type LeaderElector struct {
    ref dataplane.AtomicReference
    log *log.Logger
}

func NewLeaderElector(dp dataplane.DataPlane, logger *log.Logger) *LeaderElector {
    return &LeaderElector{ref: dp.AtomicReference(dataplane.KeyLeader, dataplane.ScopeMember), log: logutil.Named(logger, "leader")}
}

// TryClaim makes a single attempt to move the slot from empty to selfAddress.
// It is never retried: false means somebody else (or an earlier call) holds it.
func (e *LeaderElector) TryClaim(ctx context.Context, selfAddress string) (bool, error) {
    if strings.TrimSpace(selfAddress) == "" { return false, configError("leader address must not be blank") }
    ok, err := e.ref.CompareAndSet(ctx, "", selfAddress)
    switch {
    case err != nil:
        obsmetrics.LeaderClaims.WithLabelValues("error").Inc()
        return false, fmt.Errorf("cluster: claim leadership: %w", err)
    case ok:
        obsmetrics.LeaderClaims.WithLabelValues("won").Inc()
        logutil.Infof(e.log, "leadership claimed by %s", selfAddress)
    default:
        obsmetrics.LeaderClaims.WithLabelValues("lost").Inc()
    }
    return ok, nil
}

// CurrentLeader returns the replicated slot value, if any.
func (e *LeaderElector) CurrentLeader() (string, bool) { return e.ref.Get() }
