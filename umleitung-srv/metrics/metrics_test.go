package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/codefionn/umleitung/umleitung-srv/rules"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	return string(body)
}

func TestExposition(t *testing.T) {
	m := New()
	m.RecordRequest("GET", "https", true, 200, 15*time.Millisecond)
	m.ConnectionOpened()
	m.ConnectionOpened()
	m.ConnectionClosed()
	m.RecordTunnel("intercept")
	m.RecordTransfer(100, 250)
	m.RecordUpstreamError("E6001")
	m.ObserveHandler(rules.HandlerDelay, time.Second, nil)
	m.ObserveHandler(rules.HandlerModifyResponse, time.Millisecond, errors.New("bad patch"))
	m.ObserveCertificate("example.com", 2*time.Millisecond, nil)
	m.ObserveCertificate("broken", 0, errors.New("boom"))
	m.RecordEvicted(300)
	m.RegisterGauge("rules", "Stored rules.", func() float64 { return 7 })

	out := scrape(t, m)
	for _, want := range []string{
		`umleitung_requests_total{captured="true",method="GET",scheme="https"} 1`,
		`umleitung_active_connections 1`,
		`umleitung_connect_tunnels_total{mode="intercept"} 1`,
		`umleitung_client_bytes_total{direction="sent"} 250`,
		`umleitung_upstream_errors_total{code="E6001"} 1`,
		`umleitung_handler_executions_total{result="ok",type="delay"} 1`,
		`umleitung_handler_executions_total{result="error",type="modifyResponse"} 1`,
		`umleitung_certificates_issued_total 1`,
		`umleitung_certificate_errors_total 1`,
		`umleitung_request_log_evicted_total 300`,
		`umleitung_rules 7`,
		`go_goroutines`,
	} {
		assert.Contains(t, out, want)
	}
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordRequest("GET", "http", false, 502, time.Second)
		m.ConnectionOpened()
		m.ConnectionClosed()
		m.RecordTunnel("passthrough")
		m.RecordTransfer(1, 1)
		m.RecordUpstreamError("E6001")
		m.ObserveHandler(rules.HandlerDelay, 0, nil)
		m.ObserveCertificate("x", 0, nil)
		m.RecordEvicted(1)
		m.RegisterGauge("x", "x", func() float64 { return 0 })
	})

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
