// Package discovery turns the configured cluster hosts into memberlist seed
// addresses.
package discovery

import (
    "context"
    "net"
    "strconv"
    "strings"
)

// DefaultPort is used for hosts listed without a port.
const DefaultPort = 9003

// Discovery provides seed addresses for the membership join.
type Discovery interface {
    Seeds(ctx context.Context) []string
}

// WithPort returns host:port, adding port when host carries none. IPv6
// literals may be given bare or in brackets.
func WithPort(host string, port int) string {
    host = strings.TrimSpace(host)
    if host == "" { return "" }
    if _, _, err := net.SplitHostPort(host); err == nil { return host }
    return net.JoinHostPort(strings.Trim(host, "[]"), strconv.Itoa(port))
}
