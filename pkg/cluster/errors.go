package cluster

import (
    "errors"
    "fmt"
)

var (
    ErrConfiguration         = errors.New("cluster: invalid configuration")
    ErrConfigurationMismatch = errors.New("cluster: configuration mismatch")
    ErrVersionMismatch       = errors.New("cluster: version mismatch")
    ErrResetUnsupported      = errors.New("state reset is not supported in cluster mode")
    ErrNotStarted            = errors.New("cluster: not started")
    ErrProbe                 = errors.New("cluster: health probe failed")
    ErrNotLeader             = errors.New("cluster: not leader")
)

// ConfigurationError is fatal at startup: the node must not join.
type ConfigurationError struct {
    Reason string
}

func (e *ConfigurationError) Error() string { return e.Reason }

func (e *ConfigurationError) Is(target error) bool { return target == ErrConfiguration }

func configError(format string, args ...any) error {
    return &ConfigurationError{Reason: fmt.Sprintf(format, args...)}
}

// MismatchError reports that the local identity disagrees with the one fixed
// by the cluster. It matches ErrConfigurationMismatch for the cluster name and
// ErrVersionMismatch for the version.
type MismatchError struct {
    Field   string
    Local   string
    Cluster string
}

const (
    fieldName    = "name"
    fieldVersion = "version"
)

func (e *MismatchError) Error() string {
    if e.Field == fieldVersion {
        return fmt.Sprintf("The local version %s is not the same as the cluster %s", e.Local, e.Cluster)
    }
    return fmt.Sprintf("This node has a cluster name [%s], which does not match [%s] from the cluster", e.Local, e.Cluster)
}

func (e *MismatchError) Is(target error) bool {
    if e.Field == fieldVersion { return target == ErrVersionMismatch }
    return target == ErrConfigurationMismatch
}
