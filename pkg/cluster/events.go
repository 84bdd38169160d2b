package cluster

import (
    "context"
    "time"

    "github.com/amirimatin/go-appcluster/pkg/dataplane"
    "github.com/amirimatin/go-appcluster/pkg/internal/logutil"
)

type EventType string

const (
    EventMemberJoin         EventType = "member_join"
    EventMemberLeave        EventType = "member_leave"
    EventLeaderClaimed      EventType = "leader_claimed"
    EventProcessOperational EventType = "process_operational"
)

// Event is an application-consumable notification. Only the fields relevant
// to Type are populated.
type Event struct {
    Type    EventType
    At      time.Time
    Member  dataplane.MemberID
    Leader  string
    Process ProcessKind
}

// Events streams cluster events observed after the call. Delivery is ordered
// and lossless; the channel closes when ctx is done or the cluster stops.
func (c *Cluster) Events(ctx context.Context) <-chan Event {
    return c.events.Subscribe(ctx)
}

func (c *Cluster) forwardMemberEvents(events <-chan dataplane.MemberEvent) {
    defer c.wg.Done()
    for e := range events {
        t := EventMemberJoin
        if e.Type == dataplane.MemberLeft {
            t = EventMemberLeave
            logutil.Infof(c.log, "member %s left the cluster", e.Member)
        }
        c.refreshGauges()
        c.events.Publish(Event{Type: t, At: e.At, Member: e.Member})
    }
}

func (c *Cluster) forwardOperational(kinds <-chan ProcessKind) {
    defer c.wg.Done()
    for kind := range kinds {
        c.events.Publish(Event{Type: EventProcessOperational, At: time.Now(), Process: kind})
    }
}
