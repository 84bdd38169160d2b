// Package config loads node properties from YAML and validates them before
// anything joins the cluster.
package config

import (
    "errors"
    "fmt"
    "log"
    "net"
    "os"
    "strconv"
    "strings"
    "time"

    "github.com/go-playground/validator/v10"
    "gopkg.in/yaml.v3"

    "github.com/amirimatin/go-appcluster/pkg/cluster"
    "github.com/amirimatin/go-appcluster/pkg/dataplane"
)

const (
    RoleApplication = "application"
    RoleSearch      = "search"
)

type Properties struct {
    Enabled       bool     `yaml:"enabled"`
    Name          string   `yaml:"name" validate:"required"`
    Version       string   `yaml:"version" validate:"required"`
    LocalEndpoint string   `yaml:"localEndpoint" validate:"omitempty,hostport"`
    Hosts         []string `yaml:"hosts" validate:"dive,required"`

    Discovery  Discovery  `yaml:"discovery"`
    Node       Node       `yaml:"node"`
    Raft       Raft       `yaml:"raft"`
    Management Management `yaml:"management"`
    TLS        TLS        `yaml:"tls"`
    Health     Health     `yaml:"health"`
}

type Discovery struct {
    // Kind selects how Hosts are resolved: "static" uses them verbatim, "dns"
    // resolves them as names on DNSPort.
    Kind    string        `yaml:"kind" validate:"oneof=static dns"`
    DNSPort int           `yaml:"dnsPort" validate:"omitempty,min=1,max=65535"`
    Refresh time.Duration `yaml:"refresh" validate:"min=0"`
}

type Node struct {
    Name string `yaml:"name" validate:"required"`
    Host string `yaml:"host" validate:"required"`
    Port int    `yaml:"port" validate:"min=1,max=65535"`
    Role string `yaml:"role" validate:"oneof=application search"`
}

type Raft struct {
    Addr      string `yaml:"addr" validate:"required,hostport"`
    DataDir   string `yaml:"dataDir"`
    Bootstrap bool   `yaml:"bootstrap"`
}

type Management struct {
    Addr  string `yaml:"addr" validate:"required,hostport"`
    Proto string `yaml:"proto" validate:"oneof=http grpc"`
}

type TLS struct {
    Enable     bool   `yaml:"enable"`
    CA         string `yaml:"ca"`
    Cert       string `yaml:"cert" validate:"required_if=Enable true"`
    Key        string `yaml:"key" validate:"required_if=Enable true"`
    ServerName string `yaml:"serverName"`
    SkipVerify bool   `yaml:"skipVerify"`
}

type Health struct {
    InitialDelay time.Duration `yaml:"initialDelay" validate:"min=0"`
    Interval     time.Duration `yaml:"interval" validate:"min=0"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
    v := validator.New()
    // hostport accepts "host:port" and ":port", including port 0 for tests.
    _ = v.RegisterValidation("hostport", func(fl validator.FieldLevel) bool {
        _, port, err := net.SplitHostPort(fl.Field().String())
        if err != nil { return false }
        n, err := strconv.Atoi(port)
        return err == nil && n >= 0 && n <= 65535
    })
    return v
}

// Load reads and validates a YAML properties file.
func Load(path string) (*Properties, error) {
    data, err := os.ReadFile(path)
    if err != nil { return nil, fmt.Errorf("config: %w", err) }
    return Parse(data)
}

// Parse decodes YAML, applies defaults and validates the result.
func Parse(data []byte) (*Properties, error) {
    var p Properties
    if err := yaml.Unmarshal(data, &p); err != nil { return nil, fmt.Errorf("config: %w", err) }
    p.ApplyDefaults()
    if err := p.Validate(); err != nil { return nil, err }
    return &p, nil
}

func (p *Properties) ApplyDefaults() {
    if p.Discovery.Kind == "" { p.Discovery.Kind = "static" }
    if p.Management.Proto == "" { p.Management.Proto = "http" }
    if p.Node.Role == "" { p.Node.Role = RoleApplication }
    if p.Health.InitialDelay == 0 { p.Health.InitialDelay = cluster.DefaultHealthInitialDelay }
    if p.Health.Interval == 0 { p.Health.Interval = cluster.DefaultHealthInterval }
    if p.LocalEndpoint == "" && p.Node.Host != "" && p.Node.Port > 0 {
        p.LocalEndpoint = net.JoinHostPort(p.Node.Host, strconv.Itoa(p.Node.Port))
    }
}

// Validate returns a *cluster.ConfigurationError describing the first problem.
func (p *Properties) Validate() error {
    if !p.Enabled { return &cluster.ConfigurationError{Reason: "Cluster is not enabled on this instance"} }
    if strings.TrimSpace(p.LocalEndpoint) == "" { return &cluster.ConfigurationError{Reason: "LocalEndpoint have not been set"} }
    if err := validate.Struct(p); err != nil { return &cluster.ConfigurationError{Reason: formatValidationError(err)} }
    return nil
}

func formatValidationError(err error) string {
    var verrs validator.ValidationErrors
    if !errors.As(err, &verrs) || len(verrs) == 0 { return err.Error() }
    e := verrs[0]
    field := strings.TrimPrefix(e.Namespace(), "Properties.")
    switch e.Tag() {
    case "required", "required_if":
        return fmt.Sprintf("%s: field is required", field)
    case "oneof":
        return fmt.Sprintf("%s: must be one of [%s], got %q", field, e.Param(), e.Value())
    case "hostport":
        return fmt.Sprintf("%s: %q is not a host:port address", field, e.Value())
    case "min":
        return fmt.Sprintf("%s: must be at least %s", field, e.Param())
    case "max":
        return fmt.Sprintf("%s: must not exceed %s", field, e.Param())
    default:
        return fmt.Sprintf("%s: failed %s validation", field, e.Tag())
    }
}

// ProcessKind maps the node role to the process kind it runs.
func (p *Properties) ProcessKind() cluster.ProcessKind {
    if p.Node.Role == RoleSearch { return cluster.ProcessSearch }
    return cluster.ProcessApp
}

// ClusterOptions converts the properties into cluster options bound to dp.
func (p *Properties) ClusterOptions(dp dataplane.DataPlane, logger *log.Logger) cluster.Options {
    return cluster.Options{
        Enabled:       p.Enabled,
        LocalEndpoint: p.LocalEndpoint,
        Node:          cluster.NodeInfo{Name: p.Node.Name, Host: p.Node.Host, Port: p.Node.Port, Kind: p.ProcessKind()},
        DataPlane:     dp,
        Health:        cluster.RefresherOptions{InitialDelay: p.Health.InitialDelay, Interval: p.Health.Interval},
        Logger:        logger,
    }
}
