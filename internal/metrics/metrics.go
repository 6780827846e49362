// Package metrics exposes Prometheus collectors for the crawl session client.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	crawlBusy                  prometheus.Gauge
	socketTransitionsTotal     *prometheus.CounterVec
	socketDialFailuresTotal    prometheus.Counter
	socketReconnectsTotal      prometheus.Counter
	socketPingsTotal           prometheus.Counter
	socketMessagesTotal        *prometheus.CounterVec
	socketOpenConnections      prometheus.Gauge
	crawlAPICallsTotal         *prometheus.CounterVec
	crawlAPICallDuration       *prometheus.HistogramVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		crawlBusy = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crawl_busy",
				Help: "1 while any crawl operation holds the busy indicator, 0 otherwise.",
			},
		)

		socketTransitionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawl_socket_transitions_total",
				Help: "Connection status transitions, labeled by the status entered.",
			},
			[]string{"status"},
		)

		socketDialFailuresTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "crawl_socket_dial_failures_total",
				Help: "Total failed attempts to establish a crawl stream socket.",
			},
		)

		socketReconnectsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "crawl_socket_reconnects_total",
				Help: "Total reconnect cycles scheduled after a socket failure.",
			},
		)

		socketPingsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "crawl_socket_pings_total",
				Help: "Total keepalive pings written to crawl stream sockets.",
			},
		)

		socketMessagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawl_socket_messages_total",
				Help: "Inbound socket frames, labeled by whether they decoded.",
			},
			[]string{"result"},
		)

		socketOpenConnections = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crawl_socket_open_connections",
				Help: "Number of crawl stream sockets currently open.",
			},
		)

		crawlAPICallsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawl_api_calls_total",
				Help: "Calls to the crawl backend, labeled by operation and outcome.",
			},
			[]string{"op", "outcome"},
		)

		crawlAPICallDuration = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawl_api_call_duration_seconds",
				Help:    "Latency of crawl backend calls, labeled by operation.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"op"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	Init()
	return promhttp.Handler()
}

// SetBusy mirrors the busy indicator into the crawl_busy gauge.
func SetBusy(busy bool) {
	Init()
	if busy {
		crawlBusy.Set(1)
		return
	}
	crawlBusy.Set(0)
}

// ObserveSocketStatus counts a connection entering status.
func ObserveSocketStatus(status string) {
	Init()
	socketTransitionsTotal.WithLabelValues(status).Inc()
}

// ObserveDialFailure counts a failed socket establishment.
func ObserveDialFailure() {
	Init()
	socketDialFailuresTotal.Inc()
}

// ObserveReconnect counts a scheduled reconnect.
func ObserveReconnect() {
	Init()
	socketReconnectsTotal.Inc()
}

// ObservePing counts a keepalive ping.
func ObservePing() {
	Init()
	socketPingsTotal.Inc()
}

// ObserveMessage counts an inbound frame; decoded reports whether it parsed.
func ObserveMessage(decoded bool) {
	Init()
	result := "decoded"
	if !decoded {
		result = "malformed"
	}
	socketMessagesTotal.WithLabelValues(result).Inc()
}

// IncOpenSockets increments the open sockets gauge.
func IncOpenSockets() {
	Init()
	socketOpenConnections.Inc()
}

// DecOpenSockets decrements the open sockets gauge.
func DecOpenSockets() {
	Init()
	socketOpenConnections.Dec()
}

// ObserveAPICall records one crawl backend call.
func ObserveAPICall(op string, err error, duration time.Duration) {
	Init()
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	crawlAPICallsTotal.WithLabelValues(op, outcome).Inc()
	crawlAPICallDuration.WithLabelValues(op).Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
