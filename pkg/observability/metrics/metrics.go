package metrics

import (
    "sync"

    "github.com/prometheus/client_golang/prometheus"
)

const namespace = "appcluster"

var (
    once sync.Once

    ClusterMembers = prometheus.NewGauge(prometheus.GaugeOpts{
        Namespace: namespace,
        Name:      "members",
        Help:      "Number of live members seen by this node",
    })

    IsLeader = prometheus.NewGauge(prometheus.GaugeOpts{
        Namespace: namespace,
        Name:      "is_leader",
        Help:      "1 if this node holds the application leadership, else 0",
    })

    LeaderClaims = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: namespace,
        Name:      "leader_claims_total",
        Help:      "Leadership claim attempts by outcome (won, lost, error)",
    }, []string{"result"})

    OperationalTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: namespace,
        Name:      "operational_transitions_total",
        Help:      "Processes observed becoming operational, per process kind",
    }, []string{"process"})

    ListenerFailures = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: namespace,
        Name:      "listener_failures_total",
        Help:      "Operational listener invocations that returned an error or panicked",
    })

    HealthRefresh = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: namespace,
        Subsystem: "health",
        Name:      "refresh_total",
        Help:      "Health refresh runs by outcome (ok, error, skipped)",
    }, []string{"result"})

    // Data plane
    Applies = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: namespace,
        Subsystem: "dataplane",
        Name:      "applies_total",
        Help:      "Replicated commands submitted by this node, per op and outcome",
    }, []string{"op", "result"})
    ForwardedApplies = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: namespace,
        Subsystem: "dataplane",
        Name:      "forwarded_applies_total",
        Help:      "Commands forwarded to the consensus leader",
    })
    Purges = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: namespace,
        Subsystem: "dataplane",
        Name:      "purges_total",
        Help:      "Departed members whose state was purged by this node",
    })
    JoinRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: namespace,
        Subsystem: "dataplane",
        Name:      "join_requests_total",
        Help:      "Voter join requests handled by this node",
    }, []string{"result"})

    GRPCConnDials = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: namespace,
        Subsystem: "grpc_conn",
        Name:      "dials_total",
        Help:      "Total number of new gRPC connections dialed",
    })
    GRPCConnReuse = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: namespace,
        Subsystem: "grpc_conn",
        Name:      "reuse_total",
        Help:      "Total number of gRPC connection reuses from cache",
    })
    GRPCConnEvictions = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: namespace,
        Subsystem: "grpc_conn",
        Name:      "evictions_total",
        Help:      "Total number of cached gRPC connections evicted",
    })
    GRPCConnActive = prometheus.NewGauge(prometheus.GaugeOpts{
        Namespace: namespace,
        Subsystem: "grpc_conn",
        Name:      "active",
        Help:      "Number of active cached gRPC connections",
    })
)

// Register registers metrics into the default Prometheus registry (idempotent).
func Register() {
    once.Do(func() {
        prometheus.MustRegister(
            ClusterMembers, IsLeader, LeaderClaims, OperationalTransitions,
            ListenerFailures, HealthRefresh,
            Applies, ForwardedApplies, Purges, JoinRequests,
            GRPCConnDials, GRPCConnReuse, GRPCConnEvictions, GRPCConnActive,
        )
    })
}
