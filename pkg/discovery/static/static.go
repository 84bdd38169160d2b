package static

import (
    "context"
    "strings"

    "github.com/amirimatin/go-appcluster/pkg/discovery"
)

type staticSeeds struct {
    seeds []string
}

func (s *staticSeeds) Seeds(context.Context) []string { return append([]string(nil), s.seeds...) }

// New returns a Discovery that always answers hosts, each completed with port
// when it has none. Blank and duplicate entries are dropped.
func New(port int, hosts ...string) discovery.Discovery {
    seen := make(map[string]struct{})
    cleaned := make([]string, 0, len(hosts))
    for _, h := range hosts {
        hp := discovery.WithPort(h, port)
        if hp == "" { continue }
        if _, dup := seen[hp]; dup { continue }
        seen[hp] = struct{}{}
        cleaned = append(cleaned, hp)
    }
    return &staticSeeds{seeds: cleaned}
}

// Parse converts a comma-separated list, as accepted on the command line,
// into hosts.
func Parse(csv string) []string {
    var out []string
    for _, p := range strings.Split(csv, ",") {
        if p = strings.TrimSpace(p); p != "" { out = append(out, p) }
    }
    return out
}
