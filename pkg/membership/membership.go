package membership

import (
    "context"
    "time"
)

// Meta keys gossiped with every member.
const (
    MetaNode = "node"
    MetaRaft = "raft"
    MetaMgmt = "mgmt"
)

// MemberInfo describes a member as observed by the gossip layer. ID is the
// per-session member id; the configured node name travels in Meta.
type MemberInfo struct {
    ID   string
    Addr string
    Meta map[string]string
}

func (m MemberInfo) NodeName() string { return m.Meta[MetaNode] }
func (m MemberInfo) RaftAddr() string { return m.Meta[MetaRaft] }
func (m MemberInfo) MgmtAddr() string { return m.Meta[MetaMgmt] }

type EventType string

const (
    EventJoin   EventType = "join"
    EventUpdate EventType = "update"
    // EventLeave is a graceful departure.
    EventLeave  EventType = "leave"
    // EventFailed means failure detection declared the member dead.
    EventFailed EventType = "failed"
)

// Departed reports whether the event removes the member from the view.
func (t EventType) Departed() bool { return t == EventLeave || t == EventFailed }

type Event struct {
    Type   EventType
    Member MemberInfo
    At     time.Time
}

// Membership is the gossip and failure detection layer.
type Membership interface {
    Start(ctx context.Context) error
    Join(seeds []string) (int, error)
    Local() MemberInfo
    Members() []MemberInfo
    // Subscribe delivers every event after the call, in order, without drops.
    Subscribe(ctx context.Context) <-chan Event
    Leave(timeout time.Duration) error
    Stop() error
}

// HealthReporter is optionally implemented by Membership. Higher scores mean
// degraded health; -1 means unavailable.
type HealthReporter interface {
    HealthScore() int
}
