// Package cli exposes the node and its management RPCs as cobra commands so
// services can mount them under their own root.
package cli

import (
    "context"
    "encoding/json"
    "fmt"
    "log"
    "os"
    "os/signal"
    "syscall"
    "time"

    "github.com/spf13/cobra"

    "github.com/amirimatin/go-appcluster/pkg/bootstrap"
    "github.com/amirimatin/go-appcluster/pkg/config"
    tracing "github.com/amirimatin/go-appcluster/pkg/observability/tracing"
    "github.com/amirimatin/go-appcluster/pkg/transport"
)

// AddAll attaches run, status, join and leave to root.
func AddAll(root *cobra.Command) {
    root.AddCommand(NewRunCmd(), NewStatusCmd(), NewJoinCmd(), NewLeaveCmd())
}

// NewClusterCommand returns a "cluster" parent holding the same subcommands.
func NewClusterCommand() *cobra.Command {
    parent := &cobra.Command{Use: "cluster", Short: "cluster management commands"}
    AddAll(parent)
    return parent
}

// NewRunCmd starts a node from a properties file. Flags that are set override
// the file.
func NewRunCmd() *cobra.Command {
    var (
        cfgPath, clusterName, version, name, host, role string
        raftAddr, mgmtAddr, proto, dataDir               string
        hosts                                            []string
        port                                             int
        doBootstrap, traceEnable                         bool
    )
    cmd := &cobra.Command{
        Use:   "run",
        Short: "Run a cluster node",
        RunE: func(cmd *cobra.Command, args []string) error {
            props := &config.Properties{}
            if cfgPath != "" {
                p, err := config.Load(cfgPath)
                if err != nil { return err }
                props = p
            }
            fl := cmd.Flags()
            if fl.Changed("name") { props.Node.Name = name }
            if fl.Changed("host") { props.Node.Host = host }
            if fl.Changed("port") {
                props.Node.Port = port
                props.LocalEndpoint = ""
            }
            if fl.Changed("role") { props.Node.Role = role }
            if fl.Changed("hosts") { props.Hosts = hosts }
            if fl.Changed("raft-addr") { props.Raft.Addr = raftAddr }
            if fl.Changed("data") { props.Raft.DataDir = dataDir }
            if fl.Changed("bootstrap") { props.Raft.Bootstrap = doBootstrap }
            if fl.Changed("mgmt-addr") { props.Management.Addr = mgmtAddr }
            if fl.Changed("mgmt-proto") { props.Management.Proto = proto }
            if fl.Changed("cluster-name") || props.Name == "" { props.Name = clusterName }
            if fl.Changed("version") || props.Version == "" { props.Version = version }
            if cfgPath == "" { props.Enabled = true }

            ctx, cancel := signalContext()
            defer cancel()

            if traceEnable {
                shutdown, err := tracing.Setup(true)
                if err != nil {
                    log.Printf("tracing setup error: %v", err)
                } else {
                    defer func() { _ = shutdown(context.Background()) }()
                }
            }

            node, err := bootstrap.Run(ctx, props, bootstrap.Options{Logger: log.Default()})
            if err != nil { return err }
            defer func() {
                sctx, scancel := context.WithTimeout(context.Background(), 10*time.Second)
                defer scancel()
                _ = node.Close(sctx)
            }()

            if props.Node.Role == config.RoleApplication {
                if ok, err := node.Cluster.TryClaimLeader(ctx); err != nil {
                    log.Printf("leader claim: %v", err)
                } else if ok {
                    log.Printf("this node is the application leader")
                }
            }
            if err := node.Cluster.SetOperational(ctx, props.ProcessKind()); err != nil { return err }

            fmt.Printf("node %s running (%s). Press Ctrl+C to exit.\n", props.Node.Name, node.Cluster.MemberID())
            <-ctx.Done()
            return nil
        },
    }
    f := cmd.Flags()
    f.StringVar(&cfgPath, "config", "", "path to a YAML properties file")
    f.StringVar(&clusterName, "cluster-name", "appcluster", "cluster name shared by every member")
    f.StringVar(&version, "version", "dev", "application version; members must agree")
    f.StringVar(&name, "name", "", "node name")
    f.StringVar(&host, "host", "", "node host, used in the leader address and health details")
    f.IntVar(&port, "port", 9003, "membership port; also sets localEndpoint")
    f.StringVar(&role, "role", config.RoleApplication, "node role: application|search")
    f.StringSliceVar(&hosts, "hosts", nil, "cluster hosts (host or host:port), or DNS names with discovery=dns")
    f.StringVar(&raftAddr, "raft-addr", ":9520", "raft bind address")
    f.StringVar(&dataDir, "data", "", "raft data dir; in-memory when empty")
    f.BoolVar(&doBootstrap, "bootstrap", false, "bootstrap a new raft cluster with this node")
    f.StringVar(&mgmtAddr, "mgmt-addr", ":17946", "management address")
    f.StringVar(&proto, "mgmt-proto", "http", "management RPC protocol: http|grpc")
    f.BoolVar(&traceEnable, "trace", false, "enable OpenTelemetry stdout tracing (dev)")
    return cmd
}

// clientFlags are shared by the commands that talk to a running node.
type clientFlags struct {
    addr, proto string
    timeout     time.Duration
    tls         config.TLS
}

func (c *clientFlags) bind(cmd *cobra.Command) {
    f := cmd.Flags()
    f.StringVar(&c.addr, "addr", "127.0.0.1:17946", "management address of a node (host:port)")
    f.StringVar(&c.proto, "mgmt-proto", "http", "management RPC protocol: http|grpc")
    f.DurationVar(&c.timeout, "timeout", 3*time.Second, "request timeout")
    f.BoolVar(&c.tls.Enable, "tls-enable", false, "enable mTLS for management transport")
    f.StringVar(&c.tls.CA, "tls-ca", "", "path to CA cert (PEM)")
    f.StringVar(&c.tls.Cert, "tls-cert", "", "path to client certificate (PEM)")
    f.StringVar(&c.tls.Key, "tls-key", "", "path to client private key (PEM)")
    f.BoolVar(&c.tls.SkipVerify, "tls-skip-verify", false, "skip server cert verification (DEV ONLY)")
    f.StringVar(&c.tls.ServerName, "tls-server-name", "", "expected server name")
}

func (c *clientFlags) client() (transport.RPCClient, error) {
    _, cli, err := bootstrap.Transport(c.proto, "", c.tls, c.timeout, log.Default())
    return cli, err
}

// NewStatusCmd prints a node's status JSON.
func NewStatusCmd() *cobra.Command {
    var cf clientFlags
    cmd := &cobra.Command{
        Use:   "status",
        Short: "Fetch cluster status as JSON",
        RunE: func(cmd *cobra.Command, args []string) error {
            client, err := cf.client()
            if err != nil { return err }
            ctx, cancel := context.WithTimeout(context.Background(), cf.timeout)
            defer cancel()
            data, err := client.GetStatus(ctx, cf.addr)
            if err != nil { return fmt.Errorf("status error: %w", err) }
            out := cmd.OutOrStdout()
            _, _ = out.Write(data)
            if len(data) == 0 || data[len(data)-1] != '\n' { _, _ = out.Write([]byte("\n")) }
            return nil
        },
    }
    cf.bind(cmd)
    return cmd
}

// NewJoinCmd asks the raft leader behind --addr to add a voter.
func NewJoinCmd() *cobra.Command {
    var (
        cf           clientFlags
        id, raftAddr string
    )
    cmd := &cobra.Command{
        Use:   "join",
        Short: "Request to add a node to the raft configuration",
        RunE: func(cmd *cobra.Command, args []string) error {
            if id == "" || raftAddr == "" { return fmt.Errorf("missing required flags: --id and --raft-addr") }
            client, err := cf.client()
            if err != nil { return err }
            ctx, cancel := context.WithTimeout(context.Background(), cf.timeout)
            defer cancel()
            resp, err := client.PostJoin(ctx, cf.addr, transport.JoinRequest{ID: id, RaftAddr: raftAddr})
            if err != nil { return fmt.Errorf("join error: %w", err) }
            return json.NewEncoder(cmd.OutOrStdout()).Encode(resp)
        },
    }
    cmd.Flags().StringVar(&id, "id", "", "node name to add (required)")
    cmd.Flags().StringVar(&raftAddr, "raft-addr", "", "node raft address (host:port, required)")
    cf.bind(cmd)
    return cmd
}

// NewLeaveCmd asks the raft leader behind --addr to remove a node.
func NewLeaveCmd() *cobra.Command {
    var (
        cf clientFlags
        id string
    )
    cmd := &cobra.Command{
        Use:   "leave",
        Short: "Request to remove a node from the cluster",
        RunE: func(cmd *cobra.Command, args []string) error {
            if id == "" { return fmt.Errorf("missing required flag: --id") }
            client, err := cf.client()
            if err != nil { return err }
            ctx, cancel := context.WithTimeout(context.Background(), cf.timeout)
            defer cancel()
            resp, err := client.PostLeave(ctx, cf.addr, transport.LeaveRequest{ID: id})
            if err != nil { return fmt.Errorf("leave error: %w", err) }
            return json.NewEncoder(cmd.OutOrStdout()).Encode(resp)
        },
    }
    cmd.Flags().StringVar(&id, "id", "", "node name to remove (required)")
    cf.bind(cmd)
    return cmd
}

func signalContext() (context.Context, context.CancelFunc) {
    return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
