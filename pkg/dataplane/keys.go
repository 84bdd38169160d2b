package dataplane

// Names of the shared objects used by the coordination layer.
const (
    // KeyOperationalProcesses is the replicated map of member/process -> ready flag.
    KeyOperationalProcesses = "OPERATIONAL_PROCESSES"
    // KeyLeader is the member-scoped reference holding the leader address.
    KeyLeader = "LEADER"
    // KeyClusterName is the cluster-scoped reference fixing the cluster name.
    KeyClusterName = "CLUSTER_NAME"
    // KeyClusterVersion is the cluster-scoped reference fixing the version.
    KeyClusterVersion = "CLUSTER_VERSION"
    // KeyLocalMemberUUIDs is the set of member ids that joined through the guard.
    KeyLocalMemberUUIDs = "LOCAL_MEMBER_UUIDS"
    // KeyHealthState is the replicated map of member -> NodeHealth.
    KeyHealthState = "HEALTH_STATE"
    // KeyCleaningJobLock serializes the periodic cleaning job across members.
    KeyCleaningJobLock = "CE_CLEANING_JOB_LOCK"
)
