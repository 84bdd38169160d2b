// Package state holds the deterministic state machine replicated by the data
// plane: named maps, references, sets and locks, each value tagged with the
// member that wrote it.
package state

import (
    "errors"

    "github.com/amirimatin/go-appcluster/pkg/dataplane"
)

type Op string

const (
    OpPut       Op = "put"
    OpReplace   Op = "replace"
    OpRemove    Op = "remove"
    OpCAS       Op = "cas"
    OpSetAdd    Op = "set_add"
    OpSetRemove Op = "set_remove"
    OpLock      Op = "lock"
    OpUnlock    Op = "unlock"
    // OpPurge drops everything owned by Owner except cluster-scoped references.
    OpPurge Op = "purge"
)

// Command is one replicated write. Name selects the object, Key the map entry
// or set item. At is the writer's wall clock in unix milliseconds. A non-empty
// ID makes the command idempotent: a resubmission with the same ID is answered
// with the first outcome and changes nothing.
type Command struct {
    ID       string          `json:"id,omitempty"`
    Op       Op              `json:"op"`
    Name     string          `json:"name,omitempty"`
    Key      string          `json:"key,omitempty"`
    Value    []byte          `json:"value,omitempty"`
    Expected string          `json:"expected,omitempty"`
    Owner    string          `json:"owner,omitempty"`
    Scope    dataplane.Scope `json:"scope,omitempty"`
    At       int64           `json:"at,omitempty"`
}

// Result reports the outcome of Apply. OK carries the boolean answer of
// conditional ops (cas, replace, lock, unlock, purge).
type Result struct {
    OK  bool   `json:"ok"`
    Err string `json:"err,omitempty"`
}

func (r Result) Error() error {
    if r.Err == "" { return nil }
    return errors.New(r.Err)
}

// Machine is what the consensus layer drives.
type Machine interface {
    Apply(cmd Command) Result
    Snapshot() ([]byte, error)
    Restore(buf []byte) error
}
