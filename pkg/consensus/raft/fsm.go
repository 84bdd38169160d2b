package raftcons

import (
    "encoding/json"
    "io"

    "github.com/hashicorp/raft"

    "github.com/amirimatin/go-appcluster/pkg/state"
)

// machineFSM bridges raft Apply/Snapshot/Restore to a state.Machine.
type machineFSM struct {
    m state.Machine
}

func newMachineFSM(m state.Machine) *machineFSM { return &machineFSM{m: m} }

// Apply returns a state.Result. Undecodable entries produce an error result
// instead of halting the log.
func (f *machineFSM) Apply(l *raft.Log) interface{} {
    var cmd state.Command
    if err := json.Unmarshal(l.Data, &cmd); err != nil {
        return state.Result{Err: "raftcons: undecodable command: " + err.Error()}
    }
    return f.m.Apply(cmd)
}

func (f *machineFSM) Snapshot() (raft.FSMSnapshot, error) {
    blob, err := f.m.Snapshot()
    if err != nil { return nil, err }
    return &snapshot{blob: blob}, nil
}

func (f *machineFSM) Restore(rc io.ReadCloser) error {
    defer rc.Close()
    data, err := io.ReadAll(rc)
    if err != nil { return err }
    return f.m.Restore(data)
}

type snapshot struct {
    blob []byte
}

func (s *snapshot) Persist(sink raft.SnapshotSink) error {
    if _, err := sink.Write(s.blob); err != nil { _ = sink.Cancel(); return err }
    return sink.Close()
}

func (s *snapshot) Release() {}

var _ raft.FSM = (*machineFSM)(nil)
