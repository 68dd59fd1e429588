package proxy

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	socks5 "github.com/armon/go-socks5"
	"github.com/codefionn/umleitung/umleitung-srv/ca"
	"github.com/codefionn/umleitung/umleitung-srv/config"
	"github.com/codefionn/umleitung/umleitung-srv/eventbus"
	"github.com/codefionn/umleitung/umleitung-srv/exchange"
	"github.com/codefionn/umleitung/umleitung-srv/metrics"
	"github.com/codefionn/umleitung/umleitung-srv/rules"
	"github.com/codefionn/umleitung/umleitung-srv/store"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testEnv struct {
	proxy    *Proxy
	url      *url.URL
	store    *store.Store
	bus      *eventbus.Bus
	settings *config.AppSettings
	ca       *ca.Manager
	metrics  *metrics.Metrics
}

func newTestEnv(t *testing.T, mutate func(cfg *config.Config)) *testEnv {
	t.Helper()

	cfg := config.Default()
	cfg.ListenAddress = "127.0.0.1:0"
	cfg.TimeoutSeconds = 5
	if mutate != nil {
		mutate(cfg)
	}

	settings := config.NewAppSettings(cfg.App)
	st, err := store.New(context.Background(), store.NewMemoryPersister())
	require.NoError(t, err)
	authority, err := ca.NewInMemory(config.CAConfig{Organization: "umleitung test", ValidYears: 1})
	require.NoError(t, err)
	m := metrics.New()
	authority.OnIssue(m.ObserveCertificate)
	bus := eventbus.New(settings, 64)

	p, err := New(cfg, Deps{
		Settings: settings,
		Rules:    st,
		Bus:      bus,
		CA:       authority,
		Metrics:  m,
	})
	require.NoError(t, err)

	ln, err := net.Listen("tcp", cfg.ListenAddress)
	require.NoError(t, err)
	go func() { _ = p.StartWithListener(ln) }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = p.Stop(ctx)
	})

	return &testEnv{
		proxy:    p,
		url:      &url.URL{Scheme: "http", Host: ln.Addr().String()},
		store:    st,
		bus:      bus,
		settings: settings,
		ca:       authority,
		metrics:  m,
	}
}

func (e *testEnv) client(tlsConfig *tls.Config) *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			Proxy:             http.ProxyURL(e.url),
			TLSClientConfig:   tlsConfig,
			DisableKeepAlives: true,
		},
		Timeout: 5 * time.Second,
	}
}

func (e *testEnv) addRule(t *testing.T, pattern string, handlers ...rules.Handler) *rules.Rule {
	t.Helper()
	created, err := e.store.Create(context.Background(), &rules.Rule{
		Name:    "rule for " + pattern,
		Enabled: true,
		Capture: &rules.SimpleCondition{
			URLPattern: rules.URLPattern{CaptureType: rules.CaptureGlob, Pattern: pattern},
		},
		Handlers: handlers,
	})
	require.NoError(t, err)
	return created
}

// finishedEvents waits until n exchanges are recorded and finalized.
func (e *testEnv) finishedEvents(t *testing.T, n int) []*exchange.MessageEvent {
	t.Helper()
	require.Eventually(t, func() bool {
		events := e.bus.List()
		if len(events) != n {
			return false
		}
		for _, ev := range events {
			if !ev.Finalized {
				return false
			}
		}
		return true
	}, 2*time.Second, 10*time.Millisecond)
	return e.bus.List()
}

func get(t *testing.T, c *http.Client, target string) (*http.Response, string) {
	t.Helper()
	resp, err := c.Get(target)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(body)
}

func intPtr(v int) *int { return &v }

func strPtr(v string) *string { return &v }

func newBackend(t *testing.T) *httptest.Server {
	t.Helper()
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Backend", "yes")
		fmt.Fprintf(w, "backend %s %s %s", r.Method, r.Host, r.URL.RequestURI())
	}))
	t.Cleanup(backend.Close)
	return backend
}

func TestForwardRecordsExchange(t *testing.T) {
	env := newTestEnv(t, nil)
	backend := newBackend(t)

	resp, body := get(t, env.client(nil), backend.URL+"/hello?x=1")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "yes", resp.Header.Get("X-Backend"))
	assert.Equal(t, "backend GET "+strings.TrimPrefix(backend.URL, "http://")+" /hello?x=1", body)

	events := env.finishedEvents(t, 1)
	ev := events[0]
	assert.Equal(t, http.MethodGet, ev.Request.Method)
	assert.Equal(t, backend.URL+"/hello?x=1", ev.Request.URL)
	assert.Empty(t, ev.RuleID)
	require.NotNil(t, ev.Response)
	assert.Equal(t, http.StatusOK, ev.Response.StatusCode)
	assert.Equal(t, body, string(ev.Response.Body))
	assert.Equal(t, "127.0.0.1", ev.ClientIP)
	assert.NotNil(t, ev.FinishedAt)
}

func TestRuleHandlers(t *testing.T) {
	backend := newBackend(t)
	backendHost := strings.TrimPrefix(backend.URL, "http://")

	tests := []struct {
		name       string
		pattern    string
		handlers   []rules.Handler
		target     string
		wantStatus int
		wantBody   string
		wantHeader map[string]string
	}{
		{
			name:    "modify response",
			pattern: backend.URL + "/api/*",
			handlers: []rules.Handler{&rules.ModifyResponseHandler{
				HandlerBase: rules.HandlerBase{Enabled: true},
				StatusCode:  intPtr(http.StatusTeapot),
				Headers:     map[string]string{"X-Mocked": "true"},
				ModifyBody:  strPtr(`{"mocked":true}`),
			}},
			target:     backend.URL + "/api/users",
			wantStatus: http.StatusTeapot,
			wantBody:   `{"mocked":true}`,
			wantHeader: map[string]string{"X-Mocked": "true", "X-Backend": "yes"},
		},
		{
			name:    "modify request",
			pattern: backend.URL + "/old",
			handlers: []rules.Handler{&rules.ModifyRequestHandler{
				HandlerBase: rules.HandlerBase{Enabled: true},
				Method:      http.MethodPost,
			}},
			target:     backend.URL + "/old",
			wantStatus: http.StatusOK,
			wantBody:   "backend POST " + backendHost + " /old",
		},
		{
			name:    "proxy pass",
			pattern: "http://origin.invalid/*",
			handlers: []rules.Handler{&rules.ProxyPassHandler{
				HandlerBase: rules.HandlerBase{Enabled: true},
				TargetURI:   backend.URL,
			}},
			target:     "http://origin.invalid/items?page=2",
			wantStatus: http.StatusOK,
			wantBody:   "backend GET " + backendHost + " /items?page=2",
		},
		{
			name:    "disabled handler is skipped",
			pattern: backend.URL + "/plain",
			handlers: []rules.Handler{&rules.ModifyResponseHandler{
				HandlerBase: rules.HandlerBase{Enabled: false},
				StatusCode:  intPtr(http.StatusInternalServerError),
			}},
			target:     backend.URL + "/plain",
			wantStatus: http.StatusOK,
			wantBody:   "backend GET " + backendHost + " /plain",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, nil)
			rule := env.addRule(t, tt.pattern, tt.handlers...)

			resp, body := get(t, env.client(nil), tt.target)
			assert.Equal(t, tt.wantStatus, resp.StatusCode)
			assert.Equal(t, tt.wantBody, body)
			for k, v := range tt.wantHeader {
				assert.Equal(t, v, resp.Header.Get(k), "header %s", k)
			}

			ev := env.finishedEvents(t, 1)[0]
			assert.Equal(t, rule.ID, ev.RuleID)
			assert.Equal(t, tt.wantStatus, ev.Response.StatusCode)
		})
	}
}

func TestClearDuringExchange(t *testing.T) {
	env := newTestEnv(t, nil)
	release := make(chan struct{})
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		fmt.Fprint(w, "late")
	}))
	t.Cleanup(backend.Close)

	done := make(chan string, 1)
	go func() {
		resp, err := env.client(nil).Get(backend.URL + "/slow")
		if err != nil {
			done <- err.Error()
			return
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		done <- string(body)
	}()

	require.Eventually(t, func() bool { return env.bus.Len() == 1 }, 2*time.Second, 10*time.Millisecond)
	env.bus.Clear()
	close(release)

	select {
	case body := <-done:
		assert.Equal(t, "late", body)
	case <-time.After(5 * time.Second):
		t.Fatal("request did not finish")
	}
	assert.Never(t, func() bool { return env.bus.Len() > 0 }, 200*time.Millisecond, 10*time.Millisecond,
		"an exchange cleared while in flight stays cleared")
}

func TestUnreachableUpstream(t *testing.T) {
	env := newTestEnv(t, nil)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	target := "http://" + ln.Addr().String() + "/gone"
	require.NoError(t, ln.Close())

	resp, body := get(t, env.client(nil), target)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Equal(t, ErrCodeDialFailed, resp.Header.Get("X-Proxy-Error"))
	assert.Contains(t, body, GetErrorDescription(ErrCodeDialFailed))

	ev := env.finishedEvents(t, 1)[0]
	require.NotEmpty(t, ev.Errors)
	assert.Contains(t, ev.Errors[0], "unreachable")
	require.NotNil(t, ev.Response)
	assert.Equal(t, http.StatusBadGateway, ev.Response.StatusCode)

	assert.Contains(t, scrapeMetrics(t, env.metrics), `umleitung_upstream_errors_total{code="E2009"} 1`)
}

func TestHTTPSInterception(t *testing.T) {
	env := newTestEnv(t, nil)
	backend := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "secure %s", r.URL.Path)
	}))
	defer backend.Close()

	env.addRule(t, backend.URL+"/intercepted", &rules.ModifyResponseHandler{
		HandlerBase: rules.HandlerBase{Enabled: true},
		Headers:     map[string]string{"X-Intercepted": "1"},
	})

	roots := x509.NewCertPool()
	require.True(t, roots.AppendCertsFromPEM(env.ca.CertPEM()))
	resp, body := get(t, env.client(&tls.Config{RootCAs: roots}), backend.URL+"/intercepted")

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "secure /intercepted", body)
	assert.Equal(t, "1", resp.Header.Get("X-Intercepted"))
	require.NotNil(t, resp.TLS)
	assert.Equal(t, env.ca.Certificate().Subject.String(), resp.TLS.PeerCertificates[0].Issuer.String())

	ev := env.finishedEvents(t, 1)[0]
	assert.Equal(t, backend.URL+"/intercepted", ev.Request.URL)
	assert.NotEmpty(t, ev.RuleID)

	out := scrapeMetrics(t, env.metrics)
	assert.Contains(t, out, `umleitung_connect_tunnels_total{mode="intercept"} 1`)
	assert.Contains(t, out, "umleitung_certificates_issued_total 1")
}

func TestHTTPSPassthroughWithoutCapture(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.App.SSLCapture = false
	})
	backend := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "untouched")
	}))
	defer backend.Close()

	roots := x509.NewCertPool()
	roots.AddCert(backend.Certificate())
	resp, body := get(t, env.client(&tls.Config{RootCAs: roots}), backend.URL+"/")

	assert.Equal(t, "untouched", body)
	require.NotNil(t, resp.TLS)
	assert.Equal(t, backend.Certificate().Raw, resp.TLS.PeerCertificates[0].Raw)
	assert.Equal(t, 0, env.bus.Len())
	assert.Contains(t, scrapeMetrics(t, env.metrics), `umleitung_connect_tunnels_total{mode="passthrough"} 1`)
}

func TestCaptureScope(t *testing.T) {
	mocked := func() rules.Handler {
		return &rules.ModifyResponseHandler{
			HandlerBase: rules.HandlerBase{Enabled: true},
			ModifyBody:  strPtr("mocked"),
		}
	}

	t.Run("excluded domain is neither matched nor recorded", func(t *testing.T) {
		env := newTestEnv(t, func(cfg *config.Config) {
			cfg.App.ExcludeDomains = []string{"127.0.0.1"}
		})
		backend := newBackend(t)
		env.addRule(t, backend.URL+"/*", mocked())

		_, body := get(t, env.client(nil), backend.URL+"/x")
		assert.True(t, strings.HasPrefix(body, "backend "))
		time.Sleep(50 * time.Millisecond)
		assert.Equal(t, 0, env.bus.Len())
	})

	t.Run("recording off still applies rules", func(t *testing.T) {
		env := newTestEnv(t, nil)
		env.settings.SetRecording(false)
		backend := newBackend(t)
		env.addRule(t, backend.URL+"/*", mocked())

		_, body := get(t, env.client(nil), backend.URL+"/x")
		assert.Equal(t, "mocked", body)
		time.Sleep(50 * time.Millisecond)
		assert.Equal(t, 0, env.bus.Len())
	})
}

func TestSocks5Forward(t *testing.T) {
	var dials atomic.Int32
	socksServer, err := socks5.New(&socks5.Config{
		Dial: func(ctx context.Context, network, addr string) (net.Conn, error) {
			dials.Add(1)
			var d net.Dialer
			return d.DialContext(ctx, network, addr)
		},
	})
	require.NoError(t, err)
	socksLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer socksLn.Close()
	go func() { _ = socksServer.Serve(socksLn) }()

	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.Forwards = []config.Forward{
			&config.ForwardSocks5{
				ClassifierData: &config.ClassifierTrue{},
				Address:        socksLn.Addr().String(),
			},
		}
	})
	backend := newBackend(t)

	resp, body := get(t, env.client(nil), backend.URL+"/via-socks")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "/via-socks")
	assert.GreaterOrEqual(t, dials.Load(), int32(1))
}

func TestWebSocketThroughProxy(t *testing.T) {
	env := newTestEnv(t, nil)

	upgrader := websocket.Upgrader{}
	wsServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			messageType, message, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(messageType, message); err != nil {
				return
			}
		}
	}))
	defer wsServer.Close()

	dialer := &websocket.Dialer{
		Proxy:            http.ProxyURL(env.url),
		HandshakeTimeout: 5 * time.Second,
	}
	conn, resp, err := dialer.Dial(strings.Replace(wsServer.URL, "http://", "ws://", 1), nil)
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)

	for _, msg := range []string{"hello", strings.Repeat("x", 64*1024)} {
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(msg)))
		_, echoed, err := conn.ReadMessage()
		require.NoError(t, err)
		assert.Equal(t, msg, string(echoed))
	}
}

func TestServeLocal(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := httptest.NewRecorder()
	env.proxy.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ssl/ca", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, string(env.ca.CertPEM()), rec.Body.String())

	rec = httptest.NewRecorder()
	env.proxy.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/elsewhere", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
