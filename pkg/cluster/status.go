package cluster

// ClusterStatus is a JSON-serializable snapshot of the coordination state as
// seen by one member. It backs the management status endpoint.
type ClusterStatus struct {
    Name        string                `json:"name,omitempty"`
    Version     string                `json:"version,omitempty"`
    MemberID    string                `json:"memberId"`
    // Leader is the content of the leadership slot, empty when unclaimed.
    Leader      string                `json:"leader,omitempty"`
    IsLeader    bool                  `json:"isLeader"`
    Members     []string              `json:"members"`
    Operational []ProcessStatus       `json:"operational,omitempty"`
    Health      map[string]NodeHealth `json:"health,omitempty"`
    ClusterTime int64                 `json:"clusterTime"`
    // Healthy is false when no leader is known or a member reports RED.
    Healthy     bool                  `json:"healthy"`
    Warnings    []string              `json:"warnings,omitempty"`
}

type ProcessStatus struct {
    Member string      `json:"member"`
    Kind   ProcessKind `json:"kind"`
}
