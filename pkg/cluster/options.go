package cluster

import (
    "log"
    "strings"

    "github.com/amirimatin/go-appcluster/pkg/dataplane"
)

// NodeInfo describes the local node. It feeds the leader address and the
// details of published health.
type NodeInfo struct {
    Name string
    Host string
    Port int
    Kind ProcessKind
}

// Options carries the data plane and local configuration used to assemble
// the Cluster. Instances are typically produced by the bootstrap package.
type Options struct {
    // Enabled must be true; a node outside cluster mode has nothing to coordinate.
    Enabled bool
    // LocalEndpoint is the address the data plane binds for this member.
    LocalEndpoint string
    Node          NodeInfo
    DataPlane     dataplane.DataPlane
    // Probe computes local health. Defaults to a ProcessProbe for Node.Kind.
    Probe  HealthProbe
    Health RefresherOptions
    Logger *log.Logger
}

// Validate reports configuration problems as *ConfigurationError. It is safe
// to call before New.
func (o Options) Validate() error {
    if !o.Enabled { return configError("Cluster is not enabled on this instance") }
    if strings.TrimSpace(o.LocalEndpoint) == "" { return configError("LocalEndpoint have not been set") }
    if strings.TrimSpace(o.Node.Name) == "" { return configError("cluster: node name must not be blank") }
    if strings.TrimSpace(o.Node.Host) == "" { return configError("cluster: node host must not be blank") }
    if o.Node.Port <= 0 || o.Node.Port > 65535 { return configError("cluster: invalid node port %d", o.Node.Port) }
    if _, ok := displayNames[o.Node.Kind]; !ok { return configError("cluster: unknown node process kind %q", o.Node.Kind) }
    if o.DataPlane == nil { return configError("cluster: nil DataPlane") }
    if o.Logger == nil { return configError("cluster: nil Logger") }
    return nil
}
