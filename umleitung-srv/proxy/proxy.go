// Package proxy implements the forward proxy listener. Plain HTTP requests
// and intercepted CONNECT tunnels are matched against the rule store, run
// through the handler pipeline and recorded on the event bus; everything
// else is tunnelled verbatim.
package proxy

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/codefionn/umleitung/umleitung-srv/ca"
	"github.com/codefionn/umleitung/umleitung-srv/config"
	"github.com/codefionn/umleitung/umleitung-srv/eventbus"
	"github.com/codefionn/umleitung/umleitung-srv/exchange"
	"github.com/codefionn/umleitung/umleitung-srv/logger"
	"github.com/codefionn/umleitung/umleitung-srv/matcher"
	"github.com/codefionn/umleitung/umleitung-srv/metrics"
	"github.com/codefionn/umleitung/umleitung-srv/pipeline"
	"github.com/codefionn/umleitung/umleitung-srv/rules"
	"github.com/codefionn/umleitung/umleitung-srv/store"
	"golang.org/x/net/http2"
	"golang.org/x/net/netutil"
)

// RuleSource supplies the rule snapshot requests are matched against.
type RuleSource interface {
	Snapshot() *store.Snapshot
}

// Deps are the components the proxy drives. CA may be nil, which disables
// TLS interception; Bus and Metrics may be nil as well.
type Deps struct {
	Settings *config.AppSettings
	Rules    RuleSource
	Matcher  *matcher.Matcher
	Pipeline *pipeline.Pipeline
	Bus      *eventbus.Bus
	CA       *ca.Manager
	Metrics  *metrics.Metrics
}

// Proxy is the forward proxy server.
type Proxy struct {
	config    *config.Config
	deps      Deps
	dialer    *dialer
	transport *http.Transport
	filter    atomic.Pointer[matcher.DomainFilter]
	server    *http.Server
}

// hop-by-hop headers are never forwarded in either direction.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// New creates the proxy. The listener is opened by Start.
func New(cfg *config.Config, deps Deps) (*Proxy, error) {
	if deps.Settings == nil || deps.Rules == nil {
		return nil, NewConfigurationError(ErrCodeInvalidServerConfig, "proxy requires app settings and a rule source", nil)
	}
	if deps.Matcher == nil {
		deps.Matcher = matcher.New()
	}
	if deps.Pipeline == nil {
		deps.Pipeline = pipeline.New(deps.Metrics)
	}

	d, err := newDialer(cfg)
	if err != nil {
		return nil, err
	}

	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	transport := &http.Transport{
		DialContext:           d.DialContext,
		TLSClientConfig:       &tls.Config{InsecureSkipVerify: cfg.UpstreamInsecure}, // nolint:gosec // configurable for intercepted test targets
		TLSHandshakeTimeout:   timeout,
		ResponseHeaderTimeout: timeout,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		// bodies are recorded as sent by the upstream
		DisableCompression: true,
	}
	if err := http2.ConfigureTransport(transport); err != nil {
		logger.Warn("HTTP/2 upstream support disabled: %v", err)
	}

	p := &Proxy{
		config:    cfg,
		deps:      deps,
		dialer:    d,
		transport: transport,
	}
	p.filter.Store(matcher.NewDomainFilter(deps.Settings.Get()))
	deps.Settings.Observe(func(c config.AppConfig) {
		p.filter.Store(matcher.NewDomainFilter(c))
	})

	p.server = &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           p,
		ReadHeaderTimeout: timeout,
		IdleTimeout:       90 * time.Second,
	}
	return p, nil
}

// Start listens on the configured address and serves until Stop.
func (p *Proxy) Start() error {
	listener, err := net.Listen("tcp", p.config.ListenAddress)
	if err != nil {
		return NewConfigurationError(ErrCodeListenerCreateFailed, GetErrorDescription(ErrCodeListenerCreateFailed), err)
	}
	return p.StartWithListener(listener)
}

// StartWithListener serves on listener until Stop.
func (p *Proxy) StartWithListener(listener net.Listener) error {
	if p.config.MaxConcurrentConnections > 0 {
		listener = netutil.LimitListener(listener, p.config.MaxConcurrentConnections)
	}
	listener = &trackingListener{Listener: listener, metrics: p.deps.Metrics}

	logger.Info("Starting proxy server on %s", listener.Addr().String())
	err := p.server.Serve(listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop shuts the listener down. Hijacked tunnels end with their clients.
func (p *Proxy) Stop(ctx context.Context) error {
	err := p.server.Shutdown(ctx)
	p.transport.CloseIdleConnections()
	return err
}

// ServeHTTP handles proxy requests: CONNECT opens a tunnel, absolute-form
// requests are forwarded.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	defer recoverConnection(w, r)

	switch {
	case r.Method == http.MethodConnect:
		p.handleConnect(w, r)
	case r.URL.IsAbs():
		p.handleExchange(w, r, "")
	default:
		p.serveLocal(w, r)
	}
}

// serveLocal answers requests addressed to the proxy itself. Clients can
// fetch the root certificate from any proxied browser at /ssl/ca.
func (p *Proxy) serveLocal(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/ssl/ca" && p.deps.CA != nil {
		w.Header().Set("Content-Type", "application/x-pem-file")
		w.Header().Set("Content-Disposition", `attachment; filename="umleitung-ca.pem"`)
		_, _ = w.Write(p.deps.CA.CertPEM())
		return
	}
	http.Error(w, "umleitung is a forward proxy; send absolute-form requests or CONNECT", http.StatusBadRequest)
}

func recoverConnection(w http.ResponseWriter, r *http.Request) {
	v := recover()
	if v == nil {
		return
	}
	if v == http.ErrAbortHandler {
		panic(v)
	}
	logger.Error("[%s] %s while handling %s %s: %v\n%s", ErrCodePanicRecovered, GetErrorDescription(ErrCodePanicRecovered), r.Method, r.URL, v, debug.Stack())
	http.Error(w, GetErrorDescription(ErrCodeInternalError), http.StatusInternalServerError)
}

func clientIPOf(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

func isClosedConnError(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) ||
		strings.Contains(err.Error(), "use of closed network connection")
}

func isWebSocketUpgrade(h http.Header) bool {
	return strings.EqualFold(h.Get("Upgrade"), "websocket") &&
		strings.Contains(strings.ToLower(h.Get("Connection")), "upgrade")
}

func removeHopHeaders(h http.Header) {
	for _, token := range strings.Split(h.Get("Connection"), ",") {
		if token = strings.TrimSpace(token); token != "" {
			h.Del(token)
		}
	}
	for _, name := range hopHeaders {
		h.Del(name)
	}
}

// absoluteURL completes the target of r. Requests read from an intercepted
// tunnel carry only a path; their host comes from the Host header or the
// CONNECT target.
func absoluteURL(r *http.Request, tunnelHost string) string {
	if r.URL.IsAbs() {
		return r.URL.String()
	}
	u := *r.URL
	u.Scheme = "http"
	if r.TLS != nil {
		u.Scheme = "https"
	}
	u.Host = r.Host
	if u.Host == "" {
		u.Host = tunnelHost
	}
	return u.String()
}

// handleExchange forwards one request: match, request handlers, upstream
// round trip, response handlers, reply. Captured exchanges are recorded
// while they progress.
func (p *Proxy) handleExchange(w http.ResponseWriter, r *http.Request, tunnelHost string) {
	start := time.Now()
	ctx := r.Context()
	target := absoluteURL(r, tunnelHost)

	if isWebSocketUpgrade(r.Header) {
		p.passWebSocket(w, r, target)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		logger.Warn("Failed to read request body for %s: %v", target, err)
		writeProxyErrorResponse(w, NewHTTPError(ErrCodeHTTPBodyReadFailed, GetErrorDescription(ErrCodeHTTPBodyReadFailed), err), ErrCodeHTTPBodyReadFailed)
		return
	}

	header := r.Header.Clone()
	removeHopHeaders(header)
	ev := exchange.New(clientIPOf(r.RemoteAddr), &exchange.RequestData{
		Method: r.Method,
		URL:    target,
		Header: header,
		Body:   body,
	})

	hostname := r.Host
	if hostname == "" {
		hostname = tunnelHost
	}
	captured := p.filter.Load().Allows(hostname)
	recording := captured && p.deps.Settings.Get().Recording

	var rule *rules.Rule
	if captured {
		if matched, ok := p.deps.Matcher.Match(p.deps.Rules.Snapshot(), matcher.RequestMeta{
			Method: r.Method,
			URL:    target,
			Header: header,
		}); ok {
			rule = matched
			ev.RuleID = rule.ID
			logger.Debug("[%s] %s %s matched rule %s (%s)", ev.TraceID, r.Method, target, rule.ID, rule.Name)
		}
	}
	p.record(recording, ev)

	status := p.forward(ctx, w, rule, ev)
	p.finish(recording, ev)

	scheme := "http"
	if strings.HasPrefix(target, "https:") {
		scheme = "https"
	}
	p.deps.Metrics.RecordRequest(r.Method, scheme, rule != nil, status, time.Since(start))
}

// forward runs the handlers around the upstream round trip and writes the
// reply. It returns the status sent to the client, or 0 when the client
// went away before a reply.
func (p *Proxy) forward(ctx context.Context, w http.ResponseWriter, rule *rules.Rule, ev *exchange.MessageEvent) int {
	if rule != nil {
		next, err := p.deps.Pipeline.BeforeRequest(ctx, rule, ev)
		*ev = *next
		if err != nil {
			ev.AddError(NewInterceptionError(ErrCodeRequestHandlersFailed, GetErrorDescription(ErrCodeRequestHandlersFailed), err))
			return 0
		}
	}

	resp, err := p.roundTrip(ctx, ev.Request)
	if err != nil {
		if ctx.Err() != nil {
			ev.AddError(ctx.Err())
			return 0
		}
		uerr := newUpstreamConnectError(ev.Request.URL, err)
		logger.Warn("[%s] %v", ev.TraceID, uerr)
		ev.AddError(uerr)
		p.deps.Metrics.RecordUpstreamError(uerr.Code)
		ev.Response = badGatewayData(uerr.Code)
		writeResponse(w, ev.Request.Method, ev.Response)
		return http.StatusBadGateway
	}
	ev.Response = resp

	if rule != nil {
		next, err := p.deps.Pipeline.AfterResponse(ctx, rule, ev)
		*ev = *next
		if err != nil {
			ev.AddError(NewInterceptionError(ErrCodeResponseHandlersFailed, GetErrorDescription(ErrCodeResponseHandlersFailed), err))
			return 0
		}
	}

	writeResponse(w, ev.Request.Method, ev.Response)
	return ev.Response.StatusCode
}

// roundTrip sends req upstream and reads the whole response.
func (p *Proxy) roundTrip(ctx context.Context, req *exchange.RequestData) (*exchange.ResponseData, error) {
	out, err := http.NewRequestWithContext(ctx, req.Method, req.URL, bytes.NewReader(req.Body))
	if err != nil {
		return nil, NewHTTPError(ErrCodeHTTPForwardFailed, GetErrorDescription(ErrCodeHTTPForwardFailed), err)
	}
	out.Header = req.Header.Clone()
	if host := out.Header.Get("Host"); host != "" {
		out.Host = host
		out.Header.Del("Host")
	}
	out.ContentLength = int64(len(req.Body))
	if len(req.Body) == 0 {
		out.Body = http.NoBody
	}

	resp, err := p.transport.RoundTrip(out)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, NewHTTPError(ErrCodeHTTPResponseReadFailed, GetErrorDescription(ErrCodeHTTPResponseReadFailed), err)
	}
	header := resp.Header.Clone()
	removeHopHeaders(header)
	return &exchange.ResponseData{StatusCode: resp.StatusCode, Header: header, Body: body}, nil
}

func badGatewayData(code string) *exchange.ResponseData {
	resp := NewBadGatewayResponse(code)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return &exchange.ResponseData{StatusCode: resp.StatusCode, Header: resp.Header, Body: body}
}

func writeResponse(w http.ResponseWriter, method string, resp *exchange.ResponseData) {
	for key, values := range resp.Header {
		for _, value := range values {
			w.Header().Add(key, value)
		}
	}
	bodyAllowed := method != http.MethodHead &&
		resp.StatusCode != http.StatusNoContent &&
		resp.StatusCode != http.StatusNotModified &&
		resp.StatusCode >= 200
	if bodyAllowed {
		w.Header().Set("Content-Length", strconv.Itoa(len(resp.Body)))
	}
	w.WriteHeader(resp.StatusCode)
	if bodyAllowed && len(resp.Body) > 0 {
		if _, err := w.Write(resp.Body); err != nil {
			logger.Debug("Failed to write response body: %v", err)
		}
	}
}

func (p *Proxy) record(on bool, ev *exchange.MessageEvent) {
	if !on || p.deps.Bus == nil {
		return
	}
	if err := p.deps.Bus.Record(ev); err != nil {
		logger.Warn("[%s] Failed to record exchange: %v", ev.TraceID, err)
	}
}

func (p *Proxy) finish(on bool, ev *exchange.MessageEvent) {
	ev.Finish(time.Now())
	if !on || p.deps.Bus == nil {
		return
	}
	// An exchange whose entry was cleared while in flight stays cleared.
	var nf *rules.NotFoundError
	if err := p.deps.Bus.Complete(ev); errors.As(err, &nf) {
		logger.Debug("[%s] Exchange left the request log before it finished", ev.TraceID)
	} else if err != nil {
		logger.Warn("[%s] Failed to finalize exchange: %v", ev.TraceID, err)
	}
}

// handleConnect opens a CONNECT tunnel. With SSL capture on and the host
// admitted by the domain filter the tunnel is intercepted, otherwise its
// bytes are relayed untouched.
func (p *Proxy) handleConnect(w http.ResponseWriter, r *http.Request) {
	target := r.Host
	if _, _, err := net.SplitHostPort(target); err != nil {
		target = net.JoinHostPort(strings.Trim(target, "[]"), "443")
	}

	intercept := p.deps.CA != nil && p.deps.Settings.Get().SSLCapture && p.filter.Load().Allows(target)

	var upstream net.Conn
	if !intercept {
		var err error
		upstream, err = p.dialer.DialContext(r.Context(), "tcp", target)
		if err != nil {
			uerr := newUpstreamConnectError(target, err)
			logger.Warn("%v", uerr)
			p.deps.Metrics.RecordUpstreamError(uerr.Code)
			writeProxyErrorResponse(w, uerr, ErrCodeUpstreamConnectFailed)
			return
		}
	}

	hj, ok := w.(http.Hijacker)
	if !ok {
		logger.Error("[%s] %s", ErrCodeHTTPHijackNotSupported, GetErrorDescription(ErrCodeHTTPHijackNotSupported))
		http.Error(w, GetErrorDescription(ErrCodeHTTPHijackNotSupported), http.StatusInternalServerError)
		if upstream != nil {
			_ = upstream.Close()
		}
		return
	}
	clientConn, clientBuf, err := hj.Hijack()
	if err != nil {
		logger.Error("[%s] %s: %v", ErrCodeHTTPHijackFailed, GetErrorDescription(ErrCodeHTTPHijackFailed), err)
		if upstream != nil {
			_ = upstream.Close()
		}
		return
	}
	_ = clientConn.SetDeadline(time.Time{})

	if _, err := clientConn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
		logger.Debug("Failed to confirm CONNECT to %s: %v", target, err)
		_ = clientConn.Close()
		if upstream != nil {
			_ = upstream.Close()
		}
		return
	}

	var conn net.Conn = clientConn
	if clientBuf != nil && clientBuf.Reader.Buffered() > 0 {
		conn = &bufferedConn{Conn: clientConn, r: clientBuf.Reader}
	}

	if !intercept {
		p.deps.Metrics.RecordTunnel("passthrough")
		logger.Debug("Tunnelling %s without interception", target)
		pipe(conn, upstream)
		return
	}

	p.deps.Metrics.RecordTunnel("intercept")
	p.serveTunnel(conn, target)
}

// passWebSocket relays an upgrade request and the resulting WebSocket
// stream without running handlers.
func (p *Proxy) passWebSocket(w http.ResponseWriter, r *http.Request, target string) {
	out := r.Clone(r.Context())
	u, err := out.URL.Parse(target)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	out.URL = u
	out.RequestURI = ""
	out.Header.Del("Proxy-Connection")
	out.Header.Del("Proxy-Authorization")

	addr := u.Host
	if u.Port() == "" {
		port := "80"
		if u.Scheme == "https" || u.Scheme == "wss" {
			port = "443"
		}
		addr = net.JoinHostPort(u.Hostname(), port)
	}

	upstream, err := p.dialer.DialContext(r.Context(), "tcp", addr)
	if err != nil {
		uerr := newUpstreamConnectError(addr, err)
		logger.Warn("[%s] WebSocket: %v", ErrCodeWebSocketUpstreamError, uerr)
		p.deps.Metrics.RecordUpstreamError(uerr.Code)
		writeProxyErrorResponse(w, uerr, ErrCodeWebSocketUpstreamError)
		return
	}
	if u.Scheme == "https" || u.Scheme == "wss" {
		tlsConn := tls.Client(upstream, &tls.Config{
			ServerName:         u.Hostname(),
			InsecureSkipVerify: p.config.UpstreamInsecure, // nolint:gosec
			NextProtos:         []string{"http/1.1"},
		})
		if err := tlsConn.HandshakeContext(r.Context()); err != nil {
			_ = upstream.Close()
			writeProxyErrorResponse(w, NewTLSError(ErrCodeTLSUpstreamFailed, GetErrorDescription(ErrCodeTLSUpstreamFailed), err), ErrCodeTLSUpstreamFailed)
			return
		}
		upstream = tlsConn
	}

	if err := out.Write(upstream); err != nil {
		_ = upstream.Close()
		writeProxyErrorResponse(w, NewProxyError(ErrCodeWebSocketTunnelFailed, GetErrorDescription(ErrCodeWebSocketTunnelFailed), err), ErrCodeWebSocketTunnelFailed)
		return
	}

	hj, ok := w.(http.Hijacker)
	if !ok {
		_ = upstream.Close()
		http.Error(w, GetErrorDescription(ErrCodeHTTPHijackNotSupported), http.StatusInternalServerError)
		return
	}
	clientConn, clientBuf, err := hj.Hijack()
	if err != nil {
		_ = upstream.Close()
		logger.Error("[%s] %v", ErrCodeHTTPHijackFailed, err)
		return
	}
	_ = clientConn.SetDeadline(time.Time{})

	var conn net.Conn = clientConn
	if clientBuf != nil && clientBuf.Reader.Buffered() > 0 {
		conn = &bufferedConn{Conn: clientConn, r: clientBuf.Reader}
	}
	logger.Debug("WebSocket tunnel established for %s", target)
	pipe(conn, upstream)
	logger.Debug("WebSocket tunnel closed for %s", target)
}
