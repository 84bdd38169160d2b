package raftcons

import (
    "log"
    "time"

    "github.com/amirimatin/go-appcluster/pkg/state"
)

// Options configure the Raft-based Consensus implementation.
type Options struct {
    NodeID string
    Logger *log.Logger

    // Machine receives committed commands. Required.
    Machine state.Machine

    // Bootstrap forms a single-node cluster on Start when true.
    Bootstrap bool

    // Timeouts (optional). Zero means defaults.
    HeartbeatTimeout time.Duration
    ElectionTimeout  time.Duration
    CommitTimeout    time.Duration
    ApplyTimeout     time.Duration // client-side apply wait

    // BindAddr selects a TCP transport ("127.0.0.1:0" picks a port). Empty
    // uses an in-memory transport.
    BindAddr string
    // Advertise is the address peers dial when BindAddr is a wildcard.
    Advertise string

    // DataDir selects bolt log/stable stores and file snapshots. Empty keeps
    // everything in memory.
    DataDir string

    SnapshotsRetained int
    // SnapshotThreshold is the number of log entries between snapshots.
    SnapshotThreshold uint64
}
