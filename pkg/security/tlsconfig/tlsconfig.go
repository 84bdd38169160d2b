// Package tlsconfig builds mutual TLS configs for the management transport.
// Certificates are re-read from disk lazily so they can be rotated without a
// restart.
package tlsconfig

import (
    "crypto/tls"
    "crypto/x509"
    "errors"
    "fmt"
    "os"
    "sync"
    "time"
)

// ReloadInterval is how long a loaded key pair is reused before the files
// are read again.
const ReloadInterval = 10 * time.Second

type Options struct {
    Enable             bool
    CAFile             string
    CertFile           string
    KeyFile            string
    InsecureSkipVerify bool
    ServerName         string
}

// Server returns a server config, or nil when TLS is disabled. With a CA the
// server requires and verifies client certificates.
func (o Options) Server() (*tls.Config, error) {
    if !o.Enable { return nil, nil }
    if o.CertFile == "" || o.KeyFile == "" { return nil, errors.New("tls: server cert/key required when TLS enabled") }
    l := &certLoader{cert: o.CertFile, key: o.KeyFile}
    if _, err := l.get(); err != nil { return nil, err }
    cfg := &tls.Config{MinVersion: tls.VersionTLS12, GetCertificate: func(*tls.ClientHelloInfo) (*tls.Certificate, error) { return l.get() }}
    if o.CAFile != "" {
        pool, err := loadPool(o.CAFile)
        if err != nil { return nil, err }
        cfg.ClientCAs = pool
        cfg.ClientAuth = tls.RequireAndVerifyClientCert
    }
    return cfg, nil
}

// Client returns a client config, or nil when TLS is disabled. The client
// certificate is optional.
func (o Options) Client() (*tls.Config, error) {
    if !o.Enable { return nil, nil }
    cfg := &tls.Config{MinVersion: tls.VersionTLS12, ServerName: o.ServerName, InsecureSkipVerify: o.InsecureSkipVerify} //nolint:gosec
    if o.CAFile != "" {
        pool, err := loadPool(o.CAFile)
        if err != nil { return nil, err }
        cfg.RootCAs = pool
    }
    if o.CertFile != "" && o.KeyFile != "" {
        l := &certLoader{cert: o.CertFile, key: o.KeyFile}
        if _, err := l.get(); err != nil { return nil, err }
        cfg.GetClientCertificate = func(*tls.CertificateRequestInfo) (*tls.Certificate, error) { return l.get() }
    }
    return cfg, nil
}

func loadPool(file string) (*x509.CertPool, error) {
    pem, err := os.ReadFile(file)
    if err != nil { return nil, err }
    pool := x509.NewCertPool()
    if !pool.AppendCertsFromPEM(pem) { return nil, fmt.Errorf("tls: no certificates in %s", file) }
    return pool, nil
}

type certLoader struct {
    cert, key string

    mu     sync.Mutex
    cached *tls.Certificate
    loaded time.Time
}

// get returns the cached pair while fresh. A failed reload keeps serving the
// previous pair.
func (l *certLoader) get() (*tls.Certificate, error) {
    l.mu.Lock()
    defer l.mu.Unlock()
    if l.cached != nil && time.Since(l.loaded) < ReloadInterval { return l.cached, nil }
    cert, err := tls.LoadX509KeyPair(l.cert, l.key)
    if err != nil {
        if l.cached != nil { return l.cached, nil }
        return nil, err
    }
    l.cached, l.loaded = &cert, time.Now()
    return l.cached, nil
}
