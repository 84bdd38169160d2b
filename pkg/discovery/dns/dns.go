package dns

import (
    "context"
    "log"
    "net"
    "sort"
    "strconv"
    "strings"
    "sync"
    "time"

    "github.com/amirimatin/go-appcluster/pkg/discovery"
    "github.com/amirimatin/go-appcluster/pkg/internal/logutil"
)

// Options configures DNS-based discovery.
type Options struct {
    // Names are SRV records ("_cluster._tcp.example.com"), hostnames resolved
    // on Port, or literal host:port pairs taken as-is.
    Names []string
    Port  int
    // Refresh is how long an answer is cached. Defaults to 5s.
    Refresh  time.Duration
    Resolver *net.Resolver
    Logger   *log.Logger
}

type impl struct {
    opts  Options
    log   *log.Logger
    mu    sync.Mutex
    last  time.Time
    cache []string
}

func New(opts Options) discovery.Discovery {
    if opts.Refresh <= 0 { opts.Refresh = 5 * time.Second }
    if opts.Port == 0 { opts.Port = discovery.DefaultPort }
    if opts.Resolver == nil { opts.Resolver = net.DefaultResolver }
    return &impl{opts: opts, log: logutil.Named(opts.Logger, "discovery.dns")}
}

// Seeds answers from the cache while it is fresh. An empty resolution keeps
// the previous answer so a DNS hiccup does not erase known seeds.
func (d *impl) Seeds(ctx context.Context) []string {
    d.mu.Lock()
    defer d.mu.Unlock()
    if time.Since(d.last) < d.opts.Refresh && len(d.cache) > 0 {
        return append([]string(nil), d.cache...)
    }
    if res := d.resolveAll(ctx); len(res) > 0 || len(d.cache) == 0 {
        d.cache = res
        d.last = time.Now()
    }
    return append([]string(nil), d.cache...)
}

func (d *impl) resolveAll(ctx context.Context) []string {
    seen := make(map[string]struct{})
    add := func(hp string) { seen[hp] = struct{}{} }
    for _, name := range d.opts.Names {
        name = strings.TrimSpace(name)
        switch {
        case name == "":
        case strings.HasPrefix(name, "_"):
            for _, hp := range d.lookupSRV(ctx, name) { add(hp) }
        case strings.Contains(name, ":"):
            add(name)
        default:
            for _, hp := range d.lookupHost(ctx, name) { add(hp) }
        }
    }
    out := make([]string, 0, len(seen))
    for hp := range seen { out = append(out, hp) }
    sort.Strings(out)
    return out
}

func (d *impl) lookupSRV(ctx context.Context, fqdn string) []string {
    svc, proto, domain := parseSRVName(fqdn)
    if domain == "" {
        logutil.Warnf(d.log, "malformed SRV name %q", fqdn)
        return nil
    }
    _, addrs, err := d.opts.Resolver.LookupSRV(ctx, svc, proto, domain)
    if err != nil {
        logutil.Warnf(d.log, "SRV lookup %s: %v", fqdn, err)
        return nil
    }
    out := make([]string, 0, len(addrs))
    for _, a := range addrs {
        out = append(out, net.JoinHostPort(strings.TrimSuffix(a.Target, "."), strconv.Itoa(int(a.Port))))
    }
    return out
}

func (d *impl) lookupHost(ctx context.Context, host string) []string {
    ips, err := d.opts.Resolver.LookupHost(ctx, host)
    if err != nil {
        logutil.Warnf(d.log, "lookup %s: %v", host, err)
        return nil
    }
    out := make([]string, 0, len(ips))
    for _, ip := range ips { out = append(out, net.JoinHostPort(ip, strconv.Itoa(d.opts.Port))) }
    return out
}

// parseSRVName splits "_service._proto.name".
func parseSRVName(fqdn string) (service, proto, name string) {
    parts := strings.SplitN(fqdn, ".", 3)
    if len(parts) < 3 || !strings.HasPrefix(parts[1], "_") { return "", "", "" }
    return strings.TrimPrefix(parts[0], "_"), strings.TrimPrefix(parts[1], "_"), parts[2]
}
