package proxy

import (
	"bufio"
	"crypto/tls"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/codefionn/umleitung/umleitung-srv/ca"
	"github.com/codefionn/umleitung/umleitung-srv/logger"
)

const tlsRecordHandshake = 0x16

// serveTunnel serves the requests of an intercepted CONNECT tunnel. TLS
// is terminated with a leaf certificate for the requested host; clients
// speaking plain HTTP through the tunnel (e.g. ws:// via CONNECT) are
// served as they are.
func (p *Proxy) serveTunnel(conn net.Conn, target string) {
	br := bufio.NewReader(conn)
	first, err := br.Peek(1)
	if err != nil {
		if !isClosedConnError(err) {
			logger.Debug("[%s] Failed to read from tunnel to %s: %v", ErrCodeHTTPRequestReadFailed, target, err)
		}
		_ = conn.Close()
		return
	}
	conn = &bufferedConn{Conn: conn, r: br}

	if first[0] == tlsRecordHandshake {
		tlsConn := tls.Server(conn, &tls.Config{
			GetCertificate: p.deps.CA.GetCertificateFor(target),
			MinVersion:     tls.VersionTLS12,
			NextProtos:     []string{"http/1.1"},
		})
		timeout := time.Duration(p.config.TimeoutSeconds) * time.Second
		if timeout > 0 {
			_ = tlsConn.SetDeadline(time.Now().Add(timeout))
		}
		if err := tlsConn.Handshake(); err != nil {
			var certErr *ca.CertGenerationError
			if errors.As(err, &certErr) {
				logger.Error("[%s] %s for %s: %v", ErrCodeCertGenerationFailed, GetErrorDescription(ErrCodeCertGenerationFailed), target, err)
			} else {
				logger.Debug("[%s] %s with client for %s: %v", ErrCodeTLSHandshakeFailed, GetErrorDescription(ErrCodeTLSHandshakeFailed), target, err)
			}
			_ = tlsConn.Close()
			return
		}
		_ = tlsConn.SetDeadline(time.Time{})
		conn = tlsConn
		logger.Debug("Intercepting TLS tunnel to %s", target)
	} else {
		logger.Debug("Tunnel to %s carries plain HTTP", target)
	}

	// the listener wraps conn, so net/http cannot see the TLS state itself
	var state *tls.ConnectionState
	if tlsConn, ok := conn.(*tls.Conn); ok {
		cs := tlsConn.ConnectionState()
		state = &cs
	}

	listener := newSingleConnListener(conn)
	server := &http.Server{
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer recoverConnection(w, r)
			r.TLS = state
			p.handleExchange(w, r, target)
		}),
		ReadHeaderTimeout: p.server.ReadHeaderTimeout,
		IdleTimeout:       p.server.IdleTimeout,
	}
	if err := server.Serve(listener); err != nil && !errors.Is(err, net.ErrClosed) && !errors.Is(err, http.ErrServerClosed) {
		logger.Debug("Tunnel server for %s stopped: %v", target, err)
	}
}
