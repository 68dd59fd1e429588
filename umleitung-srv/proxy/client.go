package proxy

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/codefionn/umleitung/umleitung-srv/classify"
	"github.com/codefionn/umleitung/umleitung-srv/config"
	"github.com/codefionn/umleitung/umleitung-srv/logger"
	"github.com/codefionn/umleitung/umleitung-srv/resolver"
	"golang.org/x/net/proxy"
)

type compiledForward struct {
	fwd        config.Forward
	classifier classify.Classifier
}

// dialer opens upstream connections. The first forward whose classifier
// matches the target decides the route; without a match the target is
// dialed directly.
type dialer struct {
	timeout  time.Duration
	forwards []compiledForward
	// resolver is nil for the system resolver.
	resolver *net.Resolver
}

func newDialer(cfg *config.Config) (*dialer, error) {
	named, err := classify.CompileMap(cfg.Classifiers)
	if err != nil {
		return nil, NewConfigurationError(ErrCodeInvalidServerConfig, GetErrorDescription(ErrCodeInvalidServerConfig), err)
	}

	d := &dialer{
		timeout:  time.Duration(cfg.TimeoutSeconds) * time.Second,
		resolver: resolver.New(cfg.DNS).NetResolver(),
	}
	if d.timeout <= 0 {
		d.timeout = 30 * time.Second
	}
	for i, fwd := range cfg.Forwards {
		cf, err := classify.Compile(fwd.Classifier(), named)
		if err != nil {
			return nil, NewConfigurationError(ErrCodeForwardRuleError, GetErrorDescription(ErrCodeForwardRuleError), fmt.Errorf("forward[%d] (%s): %w", i, forwardDebugInfo(fwd), err))
		}
		d.forwards = append(d.forwards, compiledForward{fwd: fwd, classifier: cf})
		logger.Debug("Forward[%d]: %s", i, forwardDebugInfo(fwd))
	}
	return d, nil
}

func forwardDebugInfo(fwd config.Forward) string {
	var info strings.Builder
	info.WriteString("type=" + fwd.Type().String())

	switch f := fwd.(type) {
	case *config.ForwardSocks5:
		info.WriteString(", address=" + f.Address)
		if f.Username != nil {
			info.WriteString(", username=" + *f.Username)
		}
	case *config.ForwardProxy:
		info.WriteString(", address=" + f.Address)
		if f.Username != nil {
			info.WriteString(", username=" + *f.Username)
		}
	}
	return info.String()
}

// selectForward returns the forward for addr, or nil for a direct dial.
func (d *dialer) selectForward(addr string) config.Forward {
	input := classify.NewInput(addr, 0)
	for i, cf := range d.forwards {
		matched, err := cf.classifier.Classify(input)
		if err != nil {
			logger.Error("Error evaluating classifier for forward[%d]: %v", i, err)
			continue
		}
		if matched {
			logger.Debug("Matched forward[%d] (%s) for %s", i, cf.fwd.Type(), addr)
			return cf.fwd
		}
	}
	return nil
}

// DialContext matches the signature of http.Transport.DialContext. Errors
// are *Error values.
func (d *dialer) DialContext(ctx context.Context, _, addr string) (net.Conn, error) {
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return nil, NewConnectionError(ErrCodeInvalidAddress, GetErrorDescription(ErrCodeInvalidAddress), err)
	}

	switch fwd := d.selectForward(addr).(type) {
	case nil:
		return d.dialDirect(ctx, addr, false)
	case *config.ForwardDefaultNetwork:
		return d.dialDirect(ctx, addr, fwd.ForceIPv4)
	case *config.ForwardSocks5:
		return d.dialSocks5(ctx, fwd, addr)
	case *config.ForwardProxy:
		return d.dialHTTPProxy(ctx, fwd, addr)
	default:
		return nil, NewInternalError(ErrCodeUnknownProxyType, fmt.Sprintf("unknown forward type %T selected for %s", fwd, addr), nil)
	}
}

func (d *dialer) netDialer(forceIPv4 bool) (*net.Dialer, string) {
	nd := &net.Dialer{Timeout: d.timeout, KeepAlive: 30 * time.Second, Resolver: d.resolver}
	if forceIPv4 {
		nd.FallbackDelay = -1
		return nd, "tcp4"
	}
	return nd, "tcp"
}

func (d *dialer) dialDirect(ctx context.Context, addr string, forceIPv4 bool) (net.Conn, error) {
	nd, network := d.netDialer(forceIPv4)
	conn, err := nd.DialContext(ctx, network, addr)
	if err != nil {
		return nil, NewConnectionError(ErrCodeDialFailed, GetErrorDescription(ErrCodeDialFailed), fmt.Errorf("direct dial to %s: %w", addr, err))
	}
	return conn, nil
}

// dialSocks5 establishes a connection to the target via a SOCKS5 proxy
func (d *dialer) dialSocks5(ctx context.Context, fwd *config.ForwardSocks5, targetHostPort string) (net.Conn, error) {
	var auth *proxy.Auth
	if fwd.Username != nil {
		auth = &proxy.Auth{User: *fwd.Username}
		if fwd.Password != nil {
			auth.Password = *fwd.Password
		}
	}

	nd, network := d.netDialer(fwd.ForceIPv4)
	socksDialer, err := proxy.SOCKS5(network, fwd.Address, auth, nd)
	if err != nil {
		return nil, NewProxyChainError(ErrCodeSOCKS5DialerFailed, GetErrorDescription(ErrCodeSOCKS5DialerFailed), fmt.Errorf("proxy %s: %w", fwd.Address, err))
	}

	var conn net.Conn
	if ctxDialer, ok := socksDialer.(proxy.ContextDialer); ok {
		conn, err = ctxDialer.DialContext(ctx, network, targetHostPort)
	} else {
		conn, err = socksDialer.Dial(network, targetHostPort)
	}
	if err != nil {
		return nil, NewProxyChainError(ErrCodeSOCKS5ConnectFailed, GetErrorDescription(ErrCodeSOCKS5ConnectFailed), fmt.Errorf("target %s via SOCKS5 proxy %s: %w", targetHostPort, fwd.Address, err))
	}
	return conn, nil
}

// dialHTTPProxy establishes a connection to the target via an HTTP proxy using CONNECT
func (d *dialer) dialHTTPProxy(ctx context.Context, fwd *config.ForwardProxy, targetHostPort string) (net.Conn, error) {
	nd, network := d.netDialer(fwd.ForceIPv4)
	proxyConn, err := nd.DialContext(ctx, network, fwd.Address)
	if err != nil {
		return nil, NewProxyChainError(ErrCodeHTTPProxyDialFailed, GetErrorDescription(ErrCodeHTTPProxyDialFailed), fmt.Errorf("proxy server %s: %w", fwd.Address, err))
	}

	// the handshake must not outlive the dial timeout or the caller's context
	deadline := time.Now().Add(d.timeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	_ = proxyConn.SetDeadline(deadline)

	connectReq := &http.Request{
		Method: http.MethodConnect,
		URL:    &url.URL{Opaque: targetHostPort},
		Host:   targetHostPort,
		Header: make(http.Header),
	}
	connectReq.Header.Set("User-Agent", "umleitung")
	if fwd.Username != nil && fwd.Password != nil {
		creds := base64.StdEncoding.EncodeToString([]byte(*fwd.Username + ":" + *fwd.Password))
		connectReq.Header.Set("Proxy-Authorization", "Basic "+creds)
	} else if fwd.Username != nil {
		logger.Warn("Proxy username provided without password for %s", fwd.Address)
	}

	if err := connectReq.Write(proxyConn); err != nil {
		_ = proxyConn.Close()
		return nil, NewProxyChainError(ErrCodeCONNECTRequestFailed, GetErrorDescription(ErrCodeCONNECTRequestFailed), fmt.Errorf("sending to proxy %s: %w", fwd.Address, err))
	}

	br := bufio.NewReader(proxyConn)
	connectResp, err := http.ReadResponse(br, connectReq)
	if err != nil {
		_ = proxyConn.Close()
		return nil, NewProxyChainError(ErrCodeCONNECTResponseFailed, GetErrorDescription(ErrCodeCONNECTResponseFailed), fmt.Errorf("reading from proxy %s: %w", fwd.Address, err))
	}
	if connectResp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(connectResp.Body, 512))
		_ = connectResp.Body.Close()
		_ = proxyConn.Close()
		return nil, NewProxyChainError(ErrCodeProxyDenied, GetErrorDescription(ErrCodeProxyDenied),
			fmt.Errorf("proxy %s denied CONNECT to %s with status %s: %s", fwd.Address, targetHostPort, connectResp.Status, body))
	}

	_ = proxyConn.SetDeadline(time.Time{})
	logger.Debug("CONNECT tunnel established via proxy %s to %s", fwd.Address, targetHostPort)
	if br.Buffered() > 0 {
		return &bufferedConn{Conn: proxyConn, r: br}, nil
	}
	return proxyConn, nil
}
