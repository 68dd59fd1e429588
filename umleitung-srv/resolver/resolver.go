// Package resolver resolves upstream host names through configured DNS
// servers over UDP, TCP or DNS over TLS.
package resolver

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync/atomic"

	"github.com/codefionn/umleitung/umleitung-srv/config"
	"github.com/codefionn/umleitung/umleitung-srv/logger"
)

// Resolver dials the configured servers in round-robin order.
type Resolver struct {
	servers []config.DNSServer
	next    atomic.Uint64
	// tlsConfig is cloned per DoT connection.
	tlsConfig *tls.Config
}

// New returns a resolver for cfg, or nil when no servers are configured and
// the system resolver should be used.
func New(cfg config.DNSConfig) *Resolver {
	if len(cfg.Servers) == 0 {
		return nil
	}
	for i, server := range cfg.Servers {
		logger.Info("DNS server %d: %s (%s)", i, server.Address, server.Type)
	}
	return &Resolver{
		servers: cfg.Servers,
		tlsConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
	}
}

// NetResolver returns a net.Resolver using r. A nil r yields nil, which
// net.Dialer treats as the system resolver.
func (r *Resolver) NetResolver() *net.Resolver {
	if r == nil {
		return nil
	}
	return &net.Resolver{
		PreferGo: true,
		Dial:     r.Dial,
	}
}

// Dial connects to the next DNS server. The network and address chosen by
// the Go resolver are replaced by the server's.
func (r *Resolver) Dial(ctx context.Context, _, _ string) (net.Conn, error) {
	idx := (r.next.Add(1) - 1) % uint64(len(r.servers))
	server := r.servers[idx]
	logger.Trace("Using DNS server %d: %s (%s)", idx, server.Address, server.Type)

	dialer := &net.Dialer{Timeout: server.Timeout()}
	switch server.Type {
	case config.DNSTypeUDP, config.DNSTypeTCP:
		return dialer.DialContext(ctx, string(server.Type), server.Address)
	case config.DNSTypeDoT:
		return r.dialTLS(ctx, dialer, server)
	default:
		return nil, fmt.Errorf("unsupported DNS server type: %s", server.Type)
	}
}

func (r *Resolver) dialTLS(ctx context.Context, dialer *net.Dialer, server config.DNSServer) (net.Conn, error) {
	tcpConn, err := dialer.DialContext(ctx, "tcp", server.Address)
	if err != nil {
		return nil, fmt.Errorf("DoT TCP connection to %s failed: %w", server.Address, err)
	}

	tlsConfig := r.tlsConfig.Clone()
	tlsConfig.ServerName = server.TLSHost
	if tlsConfig.ServerName == "" {
		host, _, err := net.SplitHostPort(server.Address)
		if err != nil {
			host = server.Address
		}
		tlsConfig.ServerName = host
	}

	tlsConn := tls.Client(tcpConn, tlsConfig)
	handshakeCtx, cancel := context.WithTimeout(ctx, server.Timeout())
	defer cancel()
	if err := tlsConn.HandshakeContext(handshakeCtx); err != nil {
		_ = tcpConn.Close()
		return nil, fmt.Errorf("DoT TLS handshake with %s failed: %w", server.Address, err)
	}
	return tlsConn, nil
}
