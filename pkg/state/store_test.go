package state

import (
    "testing"

    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"

    "github.com/amirimatin/go-appcluster/pkg/dataplane"
)

type recorder struct{ events []dataplane.MapEvent }

func (r *recorder) sink(name string, ev dataplane.MapEvent) { r.events = append(r.events, ev) }

func TestStore_MapOpsEmitOrderedEvents(t *testing.T) {
    s := New()
    rec := &recorder{}
    s.OnMapEvent(rec.sink)

    require.True(t, s.Apply(Command{Op: OpPut, Name: "m", Key: "a", Value: []byte("1"), Owner: "n1"}).OK)
    require.True(t, s.Apply(Command{Op: OpPut, Name: "m", Key: "a", Value: []byte("2"), Owner: "n1"}).OK)
    require.True(t, s.Apply(Command{Op: OpReplace, Name: "m", Key: "a", Value: []byte("3"), Owner: "n2"}).OK)
    assert.False(t, s.Apply(Command{Op: OpReplace, Name: "m", Key: "missing", Value: []byte("x"), Owner: "n2"}).OK)
    require.True(t, s.Apply(Command{Op: OpRemove, Name: "m", Key: "a"}).OK)
    assert.False(t, s.Apply(Command{Op: OpRemove, Name: "m", Key: "a"}).OK)

    require.Len(t, rec.events, 4)
    assert.Equal(t, dataplane.MapEntryAdded, rec.events[0].Type)
    assert.Equal(t, dataplane.MapEntryUpdated, rec.events[1].Type)
    assert.Equal(t, []byte("1"), rec.events[1].OldValue)
    assert.Equal(t, dataplane.MemberID("n2"), rec.events[2].Owner)
    assert.Equal(t, dataplane.MapEntryRemoved, rec.events[3].Type)
    assert.Equal(t, []byte("3"), rec.events[3].OldValue)
    assert.Empty(t, s.MapEntries("m"))
}

func TestStore_CompareAndSet(t *testing.T) {
    s := New()
    assert.True(t, s.Apply(Command{Op: OpCAS, Name: "r", Expected: "", Value: []byte("x"), Owner: "n1"}).OK)
    assert.False(t, s.Apply(Command{Op: OpCAS, Name: "r", Expected: "", Value: []byte("y"), Owner: "n2"}).OK)
    v, ok := s.RefGet("r")
    require.True(t, ok)
    assert.Equal(t, "x", v)

    assert.True(t, s.Apply(Command{Op: OpCAS, Name: "r", Expected: "x", Owner: "n1"}).OK)
    _, ok = s.RefGet("r")
    assert.False(t, ok)
}

func TestStore_SetsAndLocks(t *testing.T) {
    s := New()
    assert.True(t, s.Apply(Command{Op: OpSetAdd, Name: "s", Key: "b", Owner: "n1"}).OK)
    assert.True(t, s.Apply(Command{Op: OpSetAdd, Name: "s", Key: "a", Owner: "n2"}).OK)
    assert.False(t, s.Apply(Command{Op: OpSetAdd, Name: "s", Key: "a", Owner: "n2"}).OK)
    assert.Equal(t, []string{"a", "b"}, s.SetMembers("s"))
    assert.True(t, s.Apply(Command{Op: OpSetRemove, Name: "s", Key: "a"}).OK)
    assert.Equal(t, []string{"b"}, s.SetMembers("s"))

    assert.True(t, s.Apply(Command{Op: OpLock, Name: "l", Owner: "n1"}).OK)
    assert.True(t, s.Apply(Command{Op: OpLock, Name: "l", Owner: "n1"}).OK, "re-entrant for the holder")
    assert.False(t, s.Apply(Command{Op: OpLock, Name: "l", Owner: "n2"}).OK)
    assert.False(t, s.Apply(Command{Op: OpUnlock, Name: "l", Owner: "n2"}).OK)
    assert.True(t, s.Apply(Command{Op: OpUnlock, Name: "l", Owner: "n1"}).OK)
    assert.True(t, s.Apply(Command{Op: OpLock, Name: "l", Owner: "n2"}).OK)
}

func TestStore_PurgeKeepsClusterScopedRefs(t *testing.T) {
    s := New()
    rec := &recorder{}
    s.OnMapEvent(rec.sink)

    s.Apply(Command{Op: OpCAS, Name: "name", Value: []byte("prod"), Owner: "n1", Scope: dataplane.ScopeCluster})
    s.Apply(Command{Op: OpCAS, Name: "leader", Value: []byte("n1 (h:1)"), Owner: "n1", Scope: dataplane.ScopeMember})
    s.Apply(Command{Op: OpPut, Name: "m", Key: "n1/app", Value: []byte("true"), Owner: "n1"})
    s.Apply(Command{Op: OpPut, Name: "m", Key: "n2/app", Value: []byte("true"), Owner: "n2"})
    s.Apply(Command{Op: OpSetAdd, Name: "s", Key: "n1", Owner: "n1"})
    s.Apply(Command{Op: OpLock, Name: "l", Owner: "n1"})
    assert.Equal(t, []string{"n1", "n2"}, s.Owners())
    rec.events = nil

    res := s.Apply(Command{Op: OpPurge, Owner: "n1"})
    require.NoError(t, res.Error())
    assert.True(t, res.OK)

    v, ok := s.RefGet("name")
    assert.True(t, ok)
    assert.Equal(t, "prod", v)
    _, ok = s.RefGet("leader")
    assert.False(t, ok)
    assert.Equal(t, map[string][]byte{"n2/app": []byte("true")}, s.MapEntries("m"))
    assert.Empty(t, s.SetMembers("s"))
    _, held := s.LockHolder("l")
    assert.False(t, held)

    require.Len(t, rec.events, 1)
    assert.Equal(t, dataplane.MapEntryRemoved, rec.events[0].Type)
    assert.Equal(t, "n1/app", rec.events[0].Key)
    assert.Equal(t, []string{"n2"}, s.Owners())

    assert.False(t, s.Apply(Command{Op: OpPurge, Owner: "n1"}).OK)
}

func TestStore_ErrorsOnBadCommands(t *testing.T) {
    s := New()
    assert.Error(t, s.Apply(Command{Op: OpPut, Key: "k"}).Error())
    assert.Error(t, s.Apply(Command{Op: "bogus", Name: "x"}).Error())
    assert.Error(t, s.Apply(Command{Op: OpPurge}).Error())
}

func TestStore_ClockTracksLargestTimestamp(t *testing.T) {
    s := New()
    s.Apply(Command{Op: OpPut, Name: "m", Key: "a", At: 200})
    s.Apply(Command{Op: OpPut, Name: "m", Key: "b", At: 100})
    assert.Equal(t, int64(200), s.Clock())
}

func TestStore_SnapshotRestoreRoundTripAndDiff(t *testing.T) {
    s := New()
    s.Apply(Command{Op: OpPut, Name: "m", Key: "a", Value: []byte("1"), Owner: "n1", At: 10})
    s.Apply(Command{Op: OpPut, Name: "m", Key: "b", Value: []byte("2"), Owner: "n1"})
    s.Apply(Command{Op: OpCAS, Name: "r", Value: []byte("v"), Owner: "n1", Scope: dataplane.ScopeMember})
    s.Apply(Command{Op: OpLock, Name: "l", Owner: "n1"})
    snap, err := s.Snapshot()
    require.NoError(t, err)

    s2 := New()
    s2.Apply(Command{Op: OpPut, Name: "m", Key: "a", Value: []byte("old"), Owner: "n9"})
    s2.Apply(Command{Op: OpPut, Name: "m", Key: "z", Value: []byte("gone"), Owner: "n9"})
    rec := &recorder{}
    s2.OnMapEvent(rec.sink)
    require.NoError(t, s2.Restore(snap))

    snap2, err := s2.Snapshot()
    require.NoError(t, err)
    assert.JSONEq(t, string(snap), string(snap2))
    assert.Equal(t, int64(10), s2.Clock())

    types := map[string]dataplane.MapEventType{}
    for _, ev := range rec.events { types[ev.Key] = ev.Type }
    assert.Equal(t, map[string]dataplane.MapEventType{
        "z": dataplane.MapEntryRemoved,
        "a": dataplane.MapEntryUpdated,
        "b": dataplane.MapEntryAdded,
    }, types)

    assert.Error(t, New().Restore([]byte(`{"version":2}`)))
}

func TestStore_ResubmittedCommandAppliesOnce(t *testing.T) {
    s := New()
    rec := &recorder{}
    s.OnMapEvent(rec.sink)

    claim := Command{ID: "c1", Op: OpCAS, Name: "leader", Value: []byte("n1 (h:1)"), Owner: "n1", Scope: dataplane.ScopeMember, At: 1000}
    require.True(t, s.Apply(claim).OK)
    assert.True(t, s.Apply(claim).OK, "a resubmission reports the first outcome")
    v, _ := s.RefGet("leader")
    assert.Equal(t, "n1 (h:1)", v)

    other := claim
    other.ID = "c2"
    assert.False(t, s.Apply(other).OK)

    put := Command{ID: "p1", Op: OpPut, Name: "m", Key: "a", Value: []byte("1"), Owner: "n1", At: 1000}
    require.True(t, s.Apply(put).OK)
    s.Apply(Command{Op: OpPut, Name: "m", Key: "a", Value: []byte("2"), Owner: "n1", At: 1000})
    require.True(t, s.Apply(put).OK)
    assert.Equal(t, map[string][]byte{"a": []byte("2")}, s.MapEntries("m"), "a resubmitted put must not overwrite later writes")
    assert.Len(t, rec.events, 2)
}

func TestStore_ForgetsCommandsOutsideDedupWindow(t *testing.T) {
    s := New()
    s.Apply(Command{ID: "old", Op: OpSetAdd, Name: "s", Key: "a", Owner: "n1", At: 1000})
    s.Apply(Command{ID: "recent", Op: OpSetAdd, Name: "s", Key: "b", Owner: "n1", At: 1000 + DedupWindow.Milliseconds()})
    assert.True(t, s.Remembered("old"))

    s.Apply(Command{Op: OpSetAdd, Name: "s", Key: "c", Owner: "n1", At: 1001 + DedupWindow.Milliseconds()})
    assert.False(t, s.Remembered("old"))
    assert.True(t, s.Remembered("recent"))
}

func TestStore_SnapshotKeepsRememberedCommands(t *testing.T) {
    s := New()
    claim := Command{ID: "c1", Op: OpCAS, Name: "leader", Value: []byte("n1"), Owner: "n1", Scope: dataplane.ScopeMember, At: 50}
    require.True(t, s.Apply(claim).OK)
    snap, err := s.Snapshot()
    require.NoError(t, err)

    s2 := New()
    require.NoError(t, s2.Restore(snap))
    assert.True(t, s2.Remembered("c1"))
    assert.True(t, s2.Apply(claim).OK)
}
