// Package metrics exposes the proxy's Prometheus collectors. All recording
// methods are safe to call on a nil *Metrics, which records nothing.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/codefionn/umleitung/umleitung-srv/rules"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "umleitung"

// Metrics holds all collectors on a private registry.
type Metrics struct {
	requestsTotal     *prometheus.CounterVec
	requestDuration   *prometheus.HistogramVec
	activeConns       prometheus.Gauge
	bytesTotal        *prometheus.CounterVec
	tunnelsTotal      *prometheus.CounterVec
	upstreamErrors    *prometheus.CounterVec
	handlerRuns       *prometheus.CounterVec
	handlerDuration   *prometheus.HistogramVec
	certsIssued       prometheus.Counter
	certErrors        prometheus.Counter
	certIssueDuration prometheus.Histogram
	logEvicted        prometheus.Counter

	registry *prometheus.Registry
}

// New creates the collectors, including Go runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Requests handled by the proxy.",
		}, []string{"method", "scheme", "captured"}),

		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Time from receiving a request to writing the response.",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"method", "status"}),

		activeConns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_connections",
			Help:      "Open client connections.",
		}),

		bytesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "client_bytes_total",
			Help:      "Bytes exchanged with proxy clients by direction.",
		}, []string{"direction"}),

		tunnelsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connect_tunnels_total",
			Help:      "CONNECT tunnels by mode.",
		}, []string{"mode"}),

		upstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_errors_total",
			Help:      "Failed upstream round trips by error code.",
		}, []string{"code"}),

		handlerRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handler_executions_total",
			Help:      "Executed rule handlers by type and result.",
		}, []string{"type", "result"}),

		handlerDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "handler_duration_seconds",
			Help:      "Handler execution time, delays included.",
			Buckets:   []float64{.0001, .001, .01, .1, .5, 1, 2.5, 5, 10, 30},
		}, []string{"type"}),

		certsIssued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "certificates_issued_total",
			Help:      "Generated leaf certificates.",
		}),

		certErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "certificate_errors_total",
			Help:      "Failed leaf certificate generations.",
		}),

		certIssueDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "certificate_issue_duration_seconds",
			Help:      "Leaf certificate generation time.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12),
		}),

		logEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "request_log_evicted_total",
			Help:      "Request log entries removed by retention.",
		}),

		registry: reg,
	}

	reg.MustRegister(
		m.requestsTotal,
		m.requestDuration,
		m.activeConns,
		m.bytesTotal,
		m.tunnelsTotal,
		m.upstreamErrors,
		m.handlerRuns,
		m.handlerDuration,
		m.certsIssued,
		m.certErrors,
		m.certIssueDuration,
		m.logEvicted,
	)
	return m
}

// Handler serves the exposition format of the private registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RegisterGauge exposes a value computed at scrape time, such as the number
// of stored rules.
func (m *Metrics) RegisterGauge(name, help string, fn func() float64) {
	if m == nil {
		return
	}
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, fn))
}

// RecordRequest counts a handled request.
func (m *Metrics) RecordRequest(method, scheme string, captured bool, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(method, scheme, strconv.FormatBool(captured)).Inc()
	m.requestDuration.WithLabelValues(method, strconv.Itoa(status)).Observe(elapsed.Seconds())
}

// ConnectionOpened and ConnectionClosed track the active connection gauge.
func (m *Metrics) ConnectionOpened() {
	if m != nil {
		m.activeConns.Inc()
	}
}

func (m *Metrics) ConnectionClosed() {
	if m != nil {
		m.activeConns.Dec()
	}
}

// RecordTransfer adds the bytes read from and written to a client connection.
func (m *Metrics) RecordTransfer(received, sent int64) {
	if m == nil {
		return
	}
	m.bytesTotal.WithLabelValues("received").Add(float64(received))
	m.bytesTotal.WithLabelValues("sent").Add(float64(sent))
}

// RecordTunnel counts a CONNECT tunnel; mode is "intercept" or "passthrough".
func (m *Metrics) RecordTunnel(mode string) {
	if m != nil {
		m.tunnelsTotal.WithLabelValues(mode).Inc()
	}
}

// RecordUpstreamError counts a failed upstream round trip.
func (m *Metrics) RecordUpstreamError(code string) {
	if m != nil {
		m.upstreamErrors.WithLabelValues(code).Inc()
	}
}

// ObserveHandler implements pipeline.Observer.
func (m *Metrics) ObserveHandler(kind rules.HandlerKind, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.handlerRuns.WithLabelValues(string(kind), result).Inc()
	m.handlerDuration.WithLabelValues(string(kind)).Observe(elapsed.Seconds())
}

// ObserveCertificate records one leaf certificate generation.
func (m *Metrics) ObserveCertificate(_ string, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.certErrors.Inc()
		return
	}
	m.certsIssued.Inc()
	m.certIssueDuration.Observe(elapsed.Seconds())
}

// RecordEvicted counts request log entries dropped by retention.
func (m *Metrics) RecordEvicted(n int) {
	if m != nil {
		m.logEvicted.Add(float64(n))
	}
}
