package cluster

import (
    "fmt"
    "strings"

    "github.com/amirimatin/go-appcluster/pkg/dataplane"
)

// ProcessKind names a logical process running under a member.
type ProcessKind string

const (
    ProcessApp    ProcessKind = "app"
    ProcessSearch ProcessKind = "search"
    ProcessWeb    ProcessKind = "web"
    ProcessCE     ProcessKind = "ce"
)

var displayNames = map[ProcessKind]string{
    ProcessApp:    "Application",
    ProcessSearch: "Elasticsearch",
    ProcessWeb:    "Web Server",
    ProcessCE:     "Compute Engine",
}

// Display returns the human readable name used in health causes.
func (k ProcessKind) Display() string {
    if d, ok := displayNames[k]; ok { return d }
    return string(k)
}

func ParseProcessKind(s string) (ProcessKind, error) {
    k := ProcessKind(strings.ToLower(strings.TrimSpace(s)))
    if _, ok := displayNames[k]; !ok { return "", fmt.Errorf("cluster: unknown process kind %q", s) }
    return k, nil
}

// ClusterProcess identifies one process kind under one member.
type ClusterProcess struct {
    Member dataplane.MemberID
    Kind   ProcessKind
}

// Key is the replicated map key, "member/kind".
func (p ClusterProcess) Key() string { return string(p.Member) + "/" + string(p.Kind) }

func parseClusterProcess(key string) (ClusterProcess, bool) {
    i := strings.LastIndexByte(key, '/')
    if i <= 0 || i == len(key)-1 { return ClusterProcess{}, false }
    return ClusterProcess{Member: dataplane.MemberID(key[:i]), Kind: ProcessKind(key[i+1:])}, true
}
