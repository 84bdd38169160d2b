package consensus

import (
    "context"
    "errors"
    "time"

    "github.com/amirimatin/go-appcluster/pkg/state"
)

var (
    ErrNotLeader  = errors.New("consensus: not leader")
    ErrNotStarted = errors.New("consensus: not started")
    // ErrLeadershipLost means leadership ended while the entry was in flight.
    // The entry may still commit.
    ErrLeadershipLost = errors.New("consensus: leadership lost before commit")
)

// LeaderInfo describes the current known leader.
type LeaderInfo struct {
    ID   string
    Addr string
    Term uint64
}

// Consensus is a leader-based replicated log driving a state.Machine.
type Consensus interface {
    Start(ctx context.Context) error
    // Apply commits cmd on the leader and returns the machine's result with
    // the log index it was applied at.
    Apply(cmd state.Command, timeout time.Duration) (state.Result, uint64, error)
    IsLeader() bool
    Leader() (id string, addr string, ok bool)
    Term() uint64
    // AppliedIndex is the last index applied to the local machine.
    AppliedIndex() uint64
    // WaitApplied blocks until the local machine applied index.
    WaitApplied(ctx context.Context, index uint64) error
    // LeaderCh delivers leadership changes. Updates may be coalesced.
    LeaderCh() <-chan LeaderInfo
    Stop() error
}

// Server is one member of the consensus configuration.
type Server struct {
    ID    string
    Addr  string
    Voter bool
}

// Reconfigurer lets the leader change the consensus configuration.
type Reconfigurer interface {
    AddVoter(id, addr string, timeout time.Duration) error
    RemoveServer(id string, timeout time.Duration) error
    Servers() ([]Server, error)
}
