// Package bootstrap assembles a node from config.Properties: discovery, TLS,
// the management transport, the raft data plane and the coordination layer.
package bootstrap

import (
    "context"
    "crypto/tls"
    "encoding/json"
    "errors"
    "fmt"
    "log"
    "time"

    "github.com/amirimatin/go-appcluster/pkg/cluster"
    "github.com/amirimatin/go-appcluster/pkg/config"
    "github.com/amirimatin/go-appcluster/pkg/dataplane/raftplane"
    "github.com/amirimatin/go-appcluster/pkg/discovery"
    dDNS "github.com/amirimatin/go-appcluster/pkg/discovery/dns"
    dStatic "github.com/amirimatin/go-appcluster/pkg/discovery/static"
    "github.com/amirimatin/go-appcluster/pkg/internal/logutil"
    tlsx "github.com/amirimatin/go-appcluster/pkg/security/tlsconfig"
    "github.com/amirimatin/go-appcluster/pkg/transport"
    mgmtgrpc "github.com/amirimatin/go-appcluster/pkg/transport/grpc"
    "github.com/amirimatin/go-appcluster/pkg/transport/httpjson"
)

// Options are the embedding hooks that do not belong in a properties file.
type Options struct {
    Logger *log.Logger
    // Probe overrides the default process probe.
    Probe cluster.HealthProbe
    // RPCTimeout bounds one management call. Defaults to 3s.
    RPCTimeout time.Duration
}

// Node is one assembled member.
type Node struct {
    Props   *config.Properties
    Plane   *raftplane.Plane
    Cluster *cluster.Cluster
    log     *log.Logger
}

// Build validates props, starts the data plane (raft, memberlist and the
// management server, joined to the configured hosts) and builds the Cluster
// on top of it. The Cluster itself is not started.
func Build(ctx context.Context, props *config.Properties, opts Options) (*Node, error) {
    if props == nil { return nil, errors.New("bootstrap: nil properties") }
    props.ApplyDefaults()
    if err := props.Validate(); err != nil { return nil, err }
    if opts.Logger == nil { opts.Logger = log.Default() }
    if opts.RPCTimeout <= 0 { opts.RPCTimeout = 3 * time.Second }
    n := &Node{Props: props, log: logutil.Named(opts.Logger, "bootstrap")}

    srv, cli, err := Transport(props.Management.Proto, props.Management.Addr, props.TLS, opts.RPCTimeout, opts.Logger)
    if err != nil { return nil, err }

    seeds := Seeds(ctx, props, opts.Logger)
    logutil.Infof(n.log, "node %s joining through %v", props.Node.Name, seeds)
    plane, err := raftplane.Start(ctx, raftplane.Options{
        NodeName:  props.Node.Name,
        Bind:      props.LocalEndpoint,
        Seeds:     seeds,
        RaftBind:  props.Raft.Addr,
        DataDir:   props.Raft.DataDir,
        Bootstrap: props.Raft.Bootstrap,
        Server:    srv,
        Client:    cli,
        Status:    n.status,
        Logger:    opts.Logger,
    })
    if err != nil { return nil, err }
    n.Plane = plane

    copts := props.ClusterOptions(plane, opts.Logger)
    copts.Probe = opts.Probe
    c, err := cluster.New(copts)
    if err != nil {
        _ = plane.Close(ctx)
        return nil, err
    }
    n.Cluster = c
    return n, nil
}

// Run builds the node, starts the Cluster and registers the cluster name and
// version. A mismatch with the running cluster is returned and the node is
// torn down.
func Run(ctx context.Context, props *config.Properties, opts Options) (*Node, error) {
    n, err := Build(ctx, props, opts)
    if err != nil { return nil, err }
    err = n.Cluster.Start(ctx)
    if err == nil { err = n.Cluster.RegisterClusterName(ctx, props.Name) }
    if err == nil { err = n.Cluster.RegisterVersion(ctx, props.Version) }
    if err != nil {
        _ = n.Close(context.WithoutCancel(ctx))
        return nil, err
    }
    return n, nil
}

// Close stops the Cluster and then leaves the data plane.
func (n *Node) Close(ctx context.Context) error {
    var errs []error
    if n.Cluster != nil { errs = append(errs, n.Cluster.Stop(ctx)) }
    if n.Plane != nil { errs = append(errs, n.Plane.Close(ctx)) }
    return errors.Join(errs...)
}

// status serves the coordination view once the Cluster exists and the plane
// view before that.
func (n *Node) status(ctx context.Context) ([]byte, error) {
    if n.Cluster == nil {
        if n.Plane == nil { return nil, cluster.ErrNotStarted }
        return json.Marshal(n.Plane.Status())
    }
    st, err := n.Cluster.Status(ctx)
    if err != nil { return nil, err }
    return json.Marshal(st)
}

// Seeds resolves props.Hosts through the configured discovery backend and
// drops the local endpoint.
func Seeds(ctx context.Context, props *config.Properties, logger *log.Logger) []string {
    var d discovery.Discovery
    switch props.Discovery.Kind {
    case "dns":
        d = dDNS.New(dDNS.Options{Names: props.Hosts, Port: props.Discovery.DNSPort, Refresh: props.Discovery.Refresh, Logger: logger})
    default:
        d = dStatic.New(discovery.DefaultPort, props.Hosts...)
    }
    var out []string
    for _, s := range d.Seeds(ctx) {
        if s != props.LocalEndpoint { out = append(out, s) }
    }
    return out
}

// Transport builds the management server and client for proto ("http" or
// "grpc"), both using mutual TLS when enabled.
func Transport(proto, addr string, t config.TLS, timeout time.Duration, logger *log.Logger) (transport.RPCServer, transport.RPCClient, error) {
    srvTLS, cliTLS, err := TLS(t)
    if err != nil { return nil, nil, err }
    switch proto {
    case "grpc":
        s := mgmtgrpc.NewServer(addr)
        c := mgmtgrpc.NewClient(timeout)
        if srvTLS != nil { s.UseTLS(srvTLS) }
        if cliTLS != nil { c.UseTLS(cliTLS) }
        return s, c, nil
    case "http", "":
        s := httpjson.NewServer(addr, logger)
        c := httpjson.NewClient(timeout)
        if srvTLS != nil { s.UseTLS(srvTLS) }
        if cliTLS != nil { c.UseTLS(cliTLS) }
        return s, c, nil
    default:
        return nil, nil, &cluster.ConfigurationError{Reason: fmt.Sprintf("management.proto: unknown protocol %q", proto)}
    }
}

// TLS returns nil configs when TLS is disabled.
func TLS(t config.TLS) (*tls.Config, *tls.Config, error) {
    o := tlsx.Options{Enable: t.Enable, CAFile: t.CA, CertFile: t.Cert, KeyFile: t.Key, ServerName: t.ServerName, InsecureSkipVerify: t.SkipVerify}
    srv, err := o.Server()
    if err != nil { return nil, nil, fmt.Errorf("tls server config: %w", err) }
    cli, err := o.Client()
    if err != nil { return nil, nil, fmt.Errorf("tls client config: %w", err) }
    return srv, cli, nil
}
