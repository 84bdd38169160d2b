package state

import (
    "bytes"
    "encoding/json"
    "fmt"
    "sort"
    "sync"
    "time"

    "github.com/amirimatin/go-appcluster/pkg/dataplane"
)

type entry struct {
    Value []byte `json:"value"`
    Owner string `json:"owner"`
}

type ref struct {
    Value string          `json:"value"`
    Owner string          `json:"owner"`
    Scope dataplane.Scope `json:"scope"`
}

// DedupWindow is how long, in command time, the outcome of an identified
// command is remembered for resubmissions.
const DedupWindow = 2 * time.Minute

// applied is the remembered outcome of an identified command.
type applied struct {
    ID     string `json:"id"`
    At     int64  `json:"at"`
    Result Result `json:"result"`
}

// EventSink receives map changes while the store applies them. It runs under
// the apply lock and must not call back into the store.
type EventSink func(name string, ev dataplane.MapEvent)

// Store is an in-memory Machine. Reads are safe from any goroutine.
type Store struct {
    mu    sync.RWMutex
    maps  map[string]map[string]entry
    refs  map[string]ref
    sets  map[string]map[string]string
    locks map[string]string
    clock int64
    sink  EventSink

    // outcomes of identified commands, in apply order
    seen  map[string]Result
    order []applied
}

func New() *Store {
    return &Store{
        maps:  make(map[string]map[string]entry),
        refs:  make(map[string]ref),
        sets:  make(map[string]map[string]string),
        locks: make(map[string]string),
        seen:  make(map[string]Result),
    }
}

// OnMapEvent installs the sink for map changes. Set it before the first Apply.
func (s *Store) OnMapEvent(fn EventSink) {
    s.mu.Lock(); defer s.mu.Unlock()
    s.sink = fn
}

func (s *Store) Apply(cmd Command) Result {
    if cmd.Op != OpPurge && cmd.Name == "" { return Result{Err: "state: empty object name"} }
    s.mu.Lock(); defer s.mu.Unlock()
    if cmd.ID != "" {
        if res, ok := s.seen[cmd.ID]; ok { return res }
    }
    if cmd.At > s.clock { s.clock = cmd.At }
    res := s.apply(cmd)
    if cmd.ID != "" {
        s.seen[cmd.ID] = res
        s.order = append(s.order, applied{ID: cmd.ID, At: s.clock, Result: res})
    }
    s.forget()
    return res
}

// forget drops remembered outcomes older than DedupWindow. It depends only on
// applied commands, so every replica forgets the same ones.
func (s *Store) forget() {
    horizon := s.clock - DedupWindow.Milliseconds()
    n := 0
    for n < len(s.order) && s.order[n].At < horizon {
        delete(s.seen, s.order[n].ID)
        n++
    }
    if n > 0 { s.order = append([]applied(nil), s.order[n:]...) }
}

// Remembered reports whether the outcome of command id is still cached.
func (s *Store) Remembered(id string) bool {
    s.mu.RLock(); defer s.mu.RUnlock()
    _, ok := s.seen[id]
    return ok
}

func (s *Store) apply(cmd Command) Result {
    switch cmd.Op {
    case OpPut:
        m := s.mapFor(cmd.Name)
        old, had := m[cmd.Key]
        m[cmd.Key] = entry{Value: clone(cmd.Value), Owner: cmd.Owner}
        if had {
            s.emit(cmd.Name, dataplane.MapEvent{Type: dataplane.MapEntryUpdated, Key: cmd.Key, Value: clone(cmd.Value), OldValue: old.Value, Owner: dataplane.MemberID(cmd.Owner)})
        } else {
            s.emit(cmd.Name, dataplane.MapEvent{Type: dataplane.MapEntryAdded, Key: cmd.Key, Value: clone(cmd.Value), Owner: dataplane.MemberID(cmd.Owner)})
        }
        return Result{OK: true}
    case OpReplace:
        m := s.maps[cmd.Name]
        old, had := m[cmd.Key]
        if !had { return Result{} }
        m[cmd.Key] = entry{Value: clone(cmd.Value), Owner: cmd.Owner}
        s.emit(cmd.Name, dataplane.MapEvent{Type: dataplane.MapEntryUpdated, Key: cmd.Key, Value: clone(cmd.Value), OldValue: old.Value, Owner: dataplane.MemberID(cmd.Owner)})
        return Result{OK: true}
    case OpRemove:
        m := s.maps[cmd.Name]
        old, had := m[cmd.Key]
        if !had { return Result{} }
        delete(m, cmd.Key)
        s.emit(cmd.Name, dataplane.MapEvent{Type: dataplane.MapEntryRemoved, Key: cmd.Key, OldValue: old.Value, Owner: dataplane.MemberID(old.Owner)})
        return Result{OK: true}
    case OpCAS:
        cur := s.refs[cmd.Name]
        if cur.Value != cmd.Expected { return Result{} }
        if len(cmd.Value) == 0 {
            delete(s.refs, cmd.Name)
        } else {
            s.refs[cmd.Name] = ref{Value: string(cmd.Value), Owner: cmd.Owner, Scope: cmd.Scope}
        }
        return Result{OK: true}
    case OpSetAdd:
        set := s.sets[cmd.Name]
        if set == nil {
            set = make(map[string]string)
            s.sets[cmd.Name] = set
        }
        if _, ok := set[cmd.Key]; ok { return Result{} }
        set[cmd.Key] = cmd.Owner
        return Result{OK: true}
    case OpSetRemove:
        set := s.sets[cmd.Name]
        if _, ok := set[cmd.Key]; !ok { return Result{} }
        delete(set, cmd.Key)
        return Result{OK: true}
    case OpLock:
        holder, held := s.locks[cmd.Name]
        if held && holder != cmd.Owner { return Result{} }
        s.locks[cmd.Name] = cmd.Owner
        return Result{OK: true}
    case OpUnlock:
        if holder, held := s.locks[cmd.Name]; !held || holder != cmd.Owner { return Result{} }
        delete(s.locks, cmd.Name)
        return Result{OK: true}
    case OpPurge:
        if cmd.Owner == "" { return Result{Err: "state: purge without owner"} }
        return Result{OK: s.purge(cmd.Owner)}
    default:
        return Result{Err: fmt.Sprintf("state: unknown op %q", cmd.Op)}
    }
}

func (s *Store) purge(owner string) bool {
    purged := false
    for _, name := range sortedKeys(s.maps) {
        m := s.maps[name]
        for _, k := range sortedKeys(m) {
            e := m[k]
            if e.Owner != owner { continue }
            delete(m, k)
            purged = true
            s.emit(name, dataplane.MapEvent{Type: dataplane.MapEntryRemoved, Key: k, OldValue: e.Value, Owner: dataplane.MemberID(owner)})
        }
    }
    for name, r := range s.refs {
        if r.Owner == owner && r.Scope == dataplane.ScopeMember {
            delete(s.refs, name)
            purged = true
        }
    }
    for _, set := range s.sets {
        for item, o := range set {
            if o == owner { delete(set, item); purged = true }
        }
    }
    for name, holder := range s.locks {
        if holder == owner { delete(s.locks, name); purged = true }
    }
    return purged
}

func (s *Store) emit(name string, ev dataplane.MapEvent) {
    if s.sink != nil { s.sink(name, ev) }
}

func (s *Store) mapFor(name string) map[string]entry {
    m := s.maps[name]
    if m == nil {
        m = make(map[string]entry)
        s.maps[name] = m
    }
    return m
}

// --- reads ---

func (s *Store) MapGet(name, key string) ([]byte, bool) {
    s.mu.RLock(); defer s.mu.RUnlock()
    e, ok := s.maps[name][key]
    if !ok { return nil, false }
    return clone(e.Value), true
}

func (s *Store) MapEntries(name string) map[string][]byte {
    s.mu.RLock(); defer s.mu.RUnlock()
    out := make(map[string][]byte, len(s.maps[name]))
    for k, e := range s.maps[name] { out[k] = clone(e.Value) }
    return out
}

// MapEntriesThen copies the entries of a map and runs then before any later
// write can apply. Subscribing inside then yields a stream that starts exactly
// where the copy ends. then must not call back into the store.
func (s *Store) MapEntriesThen(name string, then func()) map[string][]byte {
    s.mu.RLock(); defer s.mu.RUnlock()
    out := make(map[string][]byte, len(s.maps[name]))
    for k, e := range s.maps[name] { out[k] = clone(e.Value) }
    then()
    return out
}

func (s *Store) RefGet(name string) (string, bool) {
    s.mu.RLock(); defer s.mu.RUnlock()
    r, ok := s.refs[name]
    return r.Value, ok && r.Value != ""
}

func (s *Store) SetMembers(name string) []string {
    s.mu.RLock(); defer s.mu.RUnlock()
    return sortedKeys(s.sets[name])
}

// LockHolder returns the owner holding the named lock.
func (s *Store) LockHolder(name string) (string, bool) {
    s.mu.RLock(); defer s.mu.RUnlock()
    h, ok := s.locks[name]
    return h, ok
}

// Clock is the largest command timestamp applied so far.
func (s *Store) Clock() int64 {
    s.mu.RLock(); defer s.mu.RUnlock()
    return s.clock
}

// Owners lists every member that currently owns some purgeable state.
func (s *Store) Owners() []string {
    s.mu.RLock(); defer s.mu.RUnlock()
    seen := make(map[string]struct{})
    for _, m := range s.maps {
        for _, e := range m { seen[e.Owner] = struct{}{} }
    }
    for _, r := range s.refs {
        if r.Scope == dataplane.ScopeMember { seen[r.Owner] = struct{}{} }
    }
    for _, set := range s.sets {
        for _, o := range set { seen[o] = struct{}{} }
    }
    for _, h := range s.locks { seen[h] = struct{}{} }
    delete(seen, "")
    return sortedKeys(seen)
}

// --- snapshot ---

type snapshotV1 struct {
    Version int                         `json:"version"`
    Clock   int64                       `json:"clock"`
    Maps    map[string]map[string]entry `json:"maps"`
    Refs    map[string]ref              `json:"refs"`
    Sets    map[string]map[string]string `json:"sets"`
    Locks   map[string]string           `json:"locks"`
    Applied []applied                   `json:"applied,omitempty"`
}

// Snapshot encodes the whole store as JSON. encoding/json sorts map keys, so
// equal stores produce equal bytes.
func (s *Store) Snapshot() ([]byte, error) {
    s.mu.RLock(); defer s.mu.RUnlock()
    return json.Marshal(snapshotV1{Version: 1, Clock: s.clock, Maps: s.maps, Refs: s.refs, Sets: s.sets, Locks: s.locks, Applied: s.order})
}

// Restore replaces the store content. Map differences between the old and the
// restored content are reported to the sink so subscribers stay consistent.
func (s *Store) Restore(buf []byte) error {
    var snap snapshotV1
    if err := json.Unmarshal(buf, &snap); err != nil { return err }
    if snap.Version != 1 { return fmt.Errorf("state: unsupported snapshot version %d", snap.Version) }
    if snap.Maps == nil { snap.Maps = make(map[string]map[string]entry) }
    if snap.Refs == nil { snap.Refs = make(map[string]ref) }
    if snap.Sets == nil { snap.Sets = make(map[string]map[string]string) }
    if snap.Locks == nil { snap.Locks = make(map[string]string) }

    s.mu.Lock(); defer s.mu.Unlock()
    names := make(map[string]struct{})
    for n := range s.maps { names[n] = struct{}{} }
    for n := range snap.Maps { names[n] = struct{}{} }
    for _, name := range sortedKeys(names) {
        before, after := s.maps[name], snap.Maps[name]
        for _, k := range sortedKeys(before) {
            if _, ok := after[k]; !ok {
                s.emit(name, dataplane.MapEvent{Type: dataplane.MapEntryRemoved, Key: k, OldValue: before[k].Value, Owner: dataplane.MemberID(before[k].Owner)})
            }
        }
        for _, k := range sortedKeys(after) {
            e := after[k]
            old, had := before[k]
            switch {
            case !had:
                s.emit(name, dataplane.MapEvent{Type: dataplane.MapEntryAdded, Key: k, Value: e.Value, Owner: dataplane.MemberID(e.Owner)})
            case !bytes.Equal(old.Value, e.Value) || old.Owner != e.Owner:
                s.emit(name, dataplane.MapEvent{Type: dataplane.MapEntryUpdated, Key: k, Value: e.Value, OldValue: old.Value, Owner: dataplane.MemberID(e.Owner)})
            }
        }
    }
    s.maps, s.refs, s.sets, s.locks, s.clock = snap.Maps, snap.Refs, snap.Sets, snap.Locks, snap.Clock
    s.order = snap.Applied
    s.seen = make(map[string]Result, len(snap.Applied))
    for _, a := range snap.Applied { s.seen[a.ID] = a.Result }
    return nil
}

func clone(b []byte) []byte {
    if b == nil { return nil }
    return append([]byte(nil), b...)
}

func sortedKeys[V any](m map[string]V) []string {
    out := make([]string, 0, len(m))
    for k := range m { out = append(out, k) }
    sort.Strings(out)
    return out
}

var _ Machine = (*Store)(nil)
