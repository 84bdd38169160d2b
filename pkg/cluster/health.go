package cluster

import (
    "context"
    "encoding/json"
    "errors"
    "fmt"
    "log"

    "github.com/amirimatin/go-appcluster/pkg/dataplane"
    "github.com/amirimatin/go-appcluster/pkg/internal/logutil"
)

type HealthStatus string

const (
    StatusGreen  HealthStatus = "GREEN"
    StatusYellow HealthStatus = "YELLOW"
    StatusRed    HealthStatus = "RED"
)

// NodeDetails describes the member a health value belongs to.
type NodeDetails struct {
    Kind      ProcessKind `json:"type"`
    Name      string      `json:"name"`
    Host      string      `json:"host"`
    Port      int         `json:"port"`
    StartedAt int64       `json:"startedAt"`
}

// NodeHealth is replaced wholesale on every refresh.
type NodeHealth struct {
    Status  HealthStatus `json:"status"`
    Causes  []string     `json:"causes,omitempty"`
    Details NodeDetails  `json:"details"`
}

func (h NodeHealth) Validate() error {
    switch h.Status {
    case StatusGreen:
        if len(h.Causes) > 0 { return errors.New("cluster: GREEN health must not carry causes") }
    case StatusYellow, StatusRed:
        if len(h.Causes) == 0 { return fmt.Errorf("cluster: %s health requires at least one cause", h.Status) }
    default:
        return fmt.Errorf("cluster: unknown health status %q", h.Status)
    }
    return nil
}

// HealthStore keeps one NodeHealth per member in a replicated map.
type HealthStore struct {
    dp    dataplane.DataPlane
    m     dataplane.ReplicatedMap
    guard *MembershipGuard
    log   *log.Logger
}

func NewHealthStore(dp dataplane.DataPlane, guard *MembershipGuard, logger *log.Logger) *HealthStore {
    return &HealthStore{dp: dp, m: dp.ReplicatedMap(dataplane.KeyHealthState), guard: guard, log: logutil.Named(logger, "health")}
}

func (s *HealthStore) WriteMine(ctx context.Context, h NodeHealth) error {
    if err := h.Validate(); err != nil { return err }
    b, err := json.Marshal(h)
    if err != nil { return err }
    return s.m.Put(ctx, string(s.dp.LocalMemberID()), b)
}

// ClearMine removes the local entry. Failures are logged only: a member that
// already lost its data plane has nothing left to clear.
func (s *HealthStore) ClearMine(ctx context.Context) {
    if err := s.m.Remove(ctx, string(s.dp.LocalMemberID())); err != nil {
        logutil.Warnf(s.log, "clearing local health entry: %v", err)
    }
}

// ReadAll returns the last published health of every live member.
func (s *HealthStore) ReadAll() map[dataplane.MemberID]NodeHealth {
    live := make(map[dataplane.MemberID]struct{})
    for _, id := range s.guard.LiveMembers() { live[id] = struct{}{} }
    out := make(map[dataplane.MemberID]NodeHealth)
    for k, v := range s.m.Entries() {
        id := dataplane.MemberID(k)
        if _, ok := live[id]; !ok { continue }
        var h NodeHealth
        if err := json.Unmarshal(v, &h); err != nil {
            logutil.Warnf(s.log, "undecodable health entry for %s: %v", id, err)
            continue
        }
        out[id] = h
    }
    return out
}
