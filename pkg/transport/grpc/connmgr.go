package grpc

import (
    "sync"
    "time"

    "google.golang.org/grpc"
    "google.golang.org/grpc/connectivity"

    obsmetrics "github.com/amirimatin/go-appcluster/pkg/observability/metrics"
)

// ConnManager caches one client connection per address. Idle connections and
// connections that have shut down are evicted by a janitor.
type ConnManager struct {
    mu     sync.Mutex
    conns  map[string]*managedConn
    ttl    time.Duration
    dial   func(target string) (*grpc.ClientConn, error)
    closed bool
    stop   chan struct{}
}

type managedConn struct {
    cc       *grpc.ClientConn
    lastUsed time.Time
    ref      int
}

func NewConnManager(ttl time.Duration, dial func(target string) (*grpc.ClientConn, error)) *ConnManager {
    if ttl <= 0 { ttl = 30 * time.Second }
    m := &ConnManager{ttl: ttl, dial: dial, conns: make(map[string]*managedConn), stop: make(chan struct{})}
    go m.janitor()
    return m
}

// Get returns a connection for target and a release func to call when done.
// grpc.NewClient does not perform I/O, so dialing under the lock is fine.
func (m *ConnManager) Get(target string) (*grpc.ClientConn, func(), error) {
    m.mu.Lock()
    defer m.mu.Unlock()
    release := func() { m.release(target) }
    if mc, ok := m.conns[target]; ok {
        mc.ref++
        mc.lastUsed = time.Now()
        obsmetrics.GRPCConnReuse.Inc()
        return mc.cc, release, nil
    }
    cc, err := m.dial(target)
    if err != nil { return nil, func() {}, err }
    m.conns[target] = &managedConn{cc: cc, lastUsed: time.Now(), ref: 1}
    obsmetrics.GRPCConnDials.Inc()
    obsmetrics.GRPCConnActive.Inc()
    return cc, release, nil
}

func (m *ConnManager) release(target string) {
    m.mu.Lock()
    defer m.mu.Unlock()
    if mc, ok := m.conns[target]; ok {
        if mc.ref > 0 { mc.ref-- }
        mc.lastUsed = time.Now()
    }
}

// Len reports the number of cached connections.
func (m *ConnManager) Len() int {
    m.mu.Lock()
    defer m.mu.Unlock()
    return len(m.conns)
}

// Close closes all cached connections and stops the janitor.
func (m *ConnManager) Close() {
    m.mu.Lock()
    defer m.mu.Unlock()
    if m.closed { return }
    m.closed = true
    close(m.stop)
    for k, mc := range m.conns {
        _ = mc.cc.Close()
        obsmetrics.GRPCConnActive.Dec()
        delete(m.conns, k)
    }
}

func (m *ConnManager) janitor() {
    ticker := time.NewTicker(m.ttl / 2)
    defer ticker.Stop()
    for {
        select {
        case <-m.stop:
            return
        case <-ticker.C:
            m.sweep(time.Now().Add(-m.ttl))
        }
    }
}

func (m *ConnManager) sweep(cutoff time.Time) {
    m.mu.Lock()
    defer m.mu.Unlock()
    for addr, mc := range m.conns {
        idle := mc.ref == 0 && mc.lastUsed.Before(cutoff)
        dead := mc.cc.GetState() == connectivity.Shutdown
        if !idle && !dead { continue }
        _ = mc.cc.Close()
        obsmetrics.GRPCConnEvictions.Inc()
        obsmetrics.GRPCConnActive.Dec()
        delete(m.conns, addr)
    }
}
