package cluster

import (
    "context"
    "io"
    "log"
    "testing"
    "time"

    "github.com/stretchr/testify/require"

    "github.com/amirimatin/go-appcluster/pkg/dataplane/local"
)

func quietLogger() *log.Logger { return log.New(io.Discard, "", 0) }

func testOptions(m *local.Member, name string) Options {
    return Options{
        Enabled:       true,
        LocalEndpoint: "127.0.0.1:9003",
        Node:          NodeInfo{Name: name, Host: "127.0.0.1", Port: 9000, Kind: ProcessApp},
        DataPlane:     m,
        Health:        RefresherOptions{InitialDelay: 10 * time.Millisecond, Interval: 50 * time.Millisecond},
        Logger:        quietLogger(),
    }
}

func startCluster(t *testing.T, h *local.Hub, name string, mutate ...func(*Options)) (*Cluster, *local.Member) {
    t.Helper()
    m := h.Connect()
    opts := testOptions(m, name)
    for _, fn := range mutate { fn(&opts) }
    c, err := New(opts)
    require.NoError(t, err)
    require.NoError(t, c.Start(context.Background()))
    t.Cleanup(func() { _ = c.Stop(context.Background()) })
    return c, m
}
