// Package dataplane defines the distributed primitives the coordination layer
// is written against: CAS references, replicated maps, sets, locks, the member
// view and a cluster clock. Implementations live in sub-packages (local for a
// single process, raftplane for raft + memberlist).
package dataplane

import (
    "context"
    "errors"
    "time"
)

// MemberID identifies one connected member. It is assigned by the data plane
// when the member joins and is never reused.
type MemberID string

// Scope decides the lifetime of a value written to an AtomicReference.
type Scope int

const (
    // ScopeCluster values live for the lifetime of the cluster.
    ScopeCluster Scope = iota
    // ScopeMember values are cleared when the member that set them leaves.
    ScopeMember
)

func (s Scope) String() string {
    if s == ScopeMember { return "member" }
    return "cluster"
}

var (
    // ErrClosed is returned by writes issued after the data plane was closed.
    ErrClosed = errors.New("dataplane: closed")
    // ErrLockNotHeld is returned by Unlock when the caller does not hold the lock.
    ErrLockNotHeld = errors.New("dataplane: lock not held by this member")
)

// AtomicReference is a replicated string cell with compare-and-set semantics.
// The empty string means "unset".
type AtomicReference interface {
    Get() (string, bool)
    CompareAndSet(ctx context.Context, expected, value string) (bool, error)
}

type MapEventType string

const (
    MapEntryAdded   MapEventType = "added"
    MapEntryUpdated MapEventType = "updated"
    MapEntryRemoved MapEventType = "removed"
)

// MapEvent describes one change of a replicated map entry. Value is nil for
// removals; OldValue is nil for additions.
type MapEvent struct {
    Type     MapEventType
    Key      string
    Value    []byte
    OldValue []byte
    Owner    MemberID
}

// ReplicatedMap is a map replicated to every member. Entries are owned by the
// member that last wrote them and vanish when that member leaves.
type ReplicatedMap interface {
    Get(key string) ([]byte, bool)
    Put(ctx context.Context, key string, value []byte) error
    // Replace updates an existing entry and reports whether one existed.
    Replace(ctx context.Context, key string, value []byte) (bool, error)
    Remove(ctx context.Context, key string) error
    Entries() map[string][]byte
    // Subscribe streams every change applied after the call, in apply order.
    // The channel is closed once ctx is done or the data plane closes.
    Subscribe(ctx context.Context) <-chan MapEvent
    // Watch is Entries followed by Subscribe with no write in between: the
    // stream carries exactly the changes applied after the returned entries.
    Watch(ctx context.Context) (map[string][]byte, <-chan MapEvent)
}

// Set is a replicated set of strings.
type Set interface {
    Add(ctx context.Context, item string) error
    Remove(ctx context.Context, item string) error
    Members() []string
}

// Lock is a cluster-wide mutual exclusion lock held by a member.
type Lock interface {
    TryLock(ctx context.Context) (bool, error)
    Unlock(ctx context.Context) error
}

type MemberEventType string

const (
    MemberJoined MemberEventType = "joined"
    MemberLeft   MemberEventType = "left"
)

// MemberEvent is a membership change as seen by the local member.
type MemberEvent struct {
    Type   MemberEventType
    Member MemberID
    At     time.Time
}

// DataPlane is the capability set consumed by the coordination core.
type DataPlane interface {
    AtomicReference(key string, scope Scope) AtomicReference
    ReplicatedMap(key string) ReplicatedMap
    Set(key string) Set
    Lock(key string) Lock
    LocalMemberID() MemberID
    MemberIDs() []MemberID
    // ClusterTime is the cluster logical clock in unix milliseconds.
    ClusterTime() int64
    MemberEvents(ctx context.Context) <-chan MemberEvent
    Close(ctx context.Context) error
}
