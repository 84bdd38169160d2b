package raftplane

import (
    "context"
    "time"

    "github.com/amirimatin/go-appcluster/pkg/dataplane"
    "github.com/amirimatin/go-appcluster/pkg/internal/logutil"
    "github.com/amirimatin/go-appcluster/pkg/membership"
    obsmetrics "github.com/amirimatin/go-appcluster/pkg/observability/metrics"
    "github.com/amirimatin/go-appcluster/pkg/state"
)

// sweepGrace is the number of consecutive sweeps an owner or voter must be
// missing from the live member set before the leader drops it.
const sweepGrace = 2

// watchMembership republishes gossip joins and departures as member events on
// every node. The raft leader additionally reconfigures and purges.
func (p *Plane) watchMembership(ch <-chan membership.Event) {
    defer p.wg.Done()
    for ev := range ch {
        id := dataplane.MemberID(ev.Member.ID)
        switch {
        case ev.Type == membership.EventJoin:
            p.events.Publish(dataplane.MemberEvent{Type: dataplane.MemberJoined, Member: id, At: ev.At})
            if p.node.IsLeader() { p.addVoter(ev.Member) }
        case ev.Type.Departed():
            logutil.Infof(p.log, "member %s (%s) %s", id, ev.Member.NodeName(), ev.Type)
            p.events.Publish(dataplane.MemberEvent{Type: dataplane.MemberLeft, Member: id, At: ev.At})
            if p.node.IsLeader() { p.release(ev.Member) }
        }
    }
}

func (p *Plane) addVoter(m membership.MemberInfo) {
    if m.NodeName() == "" || m.RaftAddr() == "" { return }
    if err := p.node.AddVoter(m.NodeName(), m.RaftAddr(), p.opts.ApplyTimeout); err != nil {
        obsmetrics.JoinRequests.WithLabelValues("error").Inc()
        logutil.Warnf(p.log, "adding voter %s at %s: %v", m.NodeName(), m.RaftAddr(), err)
        return
    }
    obsmetrics.JoinRequests.WithLabelValues("ok").Inc()
}

// release drops a departed member's raft seat and purges what it owned. The
// seat stays if another live member already runs under the same node name,
// as happens when a node restarts faster than failure detection.
func (p *Plane) release(m membership.MemberInfo) {
    if name := m.NodeName(); name != "" && name != p.opts.NodeName && !p.nodeNameLive(name) {
        if err := p.node.RemoveServer(name, p.opts.ApplyTimeout); err != nil {
            logutil.Warnf(p.log, "removing voter %s: %v", name, err)
        }
    }
    p.purge(m.ID)
}

func (p *Plane) purge(owner string) {
    res, _, err := p.node.Apply(state.Command{Op: state.OpPurge, Owner: owner, At: time.Now().UnixMilli()}, p.opts.ApplyTimeout)
    if err != nil {
        logutil.Warnf(p.log, "purging state of %s: %v", owner, err)
        return
    }
    if res.OK {
        obsmetrics.Purges.Inc()
        logutil.Infof(p.log, "purged state of departed member %s", owner)
    }
}

func (p *Plane) nodeNameLive(name string) bool {
    for _, m := range p.ml.Members() {
        if m.NodeName() == name { return true }
    }
    return false
}

// duties runs the leader's periodic sweep and reacts to leadership changes.
func (p *Plane) duties(ctx context.Context) {
    defer p.wg.Done()
    t := time.NewTicker(p.opts.SweepInterval)
    defer t.Stop()
    for {
        select {
        case <-ctx.Done():
            return
        case li := <-p.node.LeaderCh():
            if li.ID != p.opts.NodeName { continue }
            logutil.Infof(p.log, "raft leadership acquired (term %d)", li.Term)
            if err := p.node.Barrier(p.opts.ApplyTimeout); err != nil {
                logutil.Warnf(p.log, "barrier after election: %v", err)
                continue
            }
            for _, m := range p.ml.Members() { p.addVoter(m) }
        case <-t.C:
            if p.node.IsLeader() { p.sweep() }
        }
    }
}

// sweep purges owners and removes voters that have been absent from the live
// member set for sweepGrace consecutive sweeps. It covers departures that
// happened while no leader was around to observe them.
func (p *Plane) sweep() {
    liveIDs := make(map[string]struct{})
    liveNames := make(map[string]struct{})
    for _, m := range p.ml.Members() {
        liveIDs[m.ID] = struct{}{}
        if n := m.NodeName(); n != "" { liveNames[n] = struct{}{} }
    }

    seen := make(map[string]struct{})
    for _, owner := range p.store.Owners() {
        if _, ok := liveIDs[owner]; ok { continue }
        seen[owner] = struct{}{}
        p.missingOwners[owner]++
        if p.missingOwners[owner] >= sweepGrace {
            p.purge(owner)
            delete(p.missingOwners, owner)
        }
    }
    for owner := range p.missingOwners {
        if _, ok := seen[owner]; !ok { delete(p.missingOwners, owner) }
    }

    servers, err := p.node.Servers()
    if err != nil { return }
    seen = make(map[string]struct{})
    for _, s := range servers {
        if _, ok := liveNames[s.ID]; ok || s.ID == p.opts.NodeName { continue }
        seen[s.ID] = struct{}{}
        p.missingVoters[s.ID]++
        if p.missingVoters[s.ID] < sweepGrace { continue }
        if err := p.node.RemoveServer(s.ID, p.opts.ApplyTimeout); err != nil {
            logutil.Warnf(p.log, "removing stale voter %s: %v", s.ID, err)
            continue
        }
        logutil.Infof(p.log, "removed stale voter %s", s.ID)
        delete(p.missingVoters, s.ID)
    }
    for id := range p.missingVoters {
        if _, ok := seen[id]; !ok { delete(p.missingVoters, id) }
    }
}
