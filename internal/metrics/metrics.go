// Package metrics exposes Prometheus collectors for the bot process and its
// ops server.
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
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	sessionCreationsTotal      prometheus.Counter
	sessionReleasesTotal       prometheus.Counter
	chatMessagesTotal          *prometheus.CounterVec
	chatDeleteFailuresTotal    *prometheus.CounterVec
	chatConnected              prometheus.Gauge

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
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
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 30, 180},
			},
			[]string{"method", "route"},
		)

		sessionCreationsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "archivebot_http_sessions_created_total",
				Help: "Shared outbound HTTP sessions created, including recreations after release.",
			},
		)

		sessionReleasesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "archivebot_http_sessions_released_total",
				Help: "Shared outbound HTTP sessions closed on disconnect or shutdown.",
			},
		)

		chatMessagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "archivebot_chat_messages_total",
				Help: "Chat messages handled, labeled by action.",
			},
			[]string{"action"},
		)

		chatDeleteFailuresTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "archivebot_chat_delete_failures_total",
				Help: "Failed message deletions, labeled by target and reason.",
			},
			[]string{"target", "reason"},
		)

		chatConnected = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "archivebot_chat_connected",
				Help: "1 while the chat gateway connection is up.",
			},
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
	return promhttp.Handler()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveSessionCreated counts a new shared HTTP session.
func ObserveSessionCreated() {
	Init()
	sessionCreationsTotal.Inc()
}

// ObserveSessionReleased counts a closed shared HTTP session.
func ObserveSessionReleased() {
	Init()
	sessionReleasesTotal.Inc()
}

// ObserveChatMessage counts a chat action such as "received", "sent" or "deleted".
func ObserveChatMessage(action string) {
	Init()
	chatMessagesTotal.WithLabelValues(action).Inc()
}

// ObserveDeleteFailure counts a failed deletion. target is "original" or
// "placeholder"; reason is "forbidden" or "error".
func ObserveDeleteFailure(target, reason string) {
	Init()
	chatDeleteFailuresTotal.WithLabelValues(target, reason).Inc()
}

// SetChatConnected records the gateway connection state.
func SetChatConnected(up bool) {
	Init()
	if up {
		chatConnected.Set(1)
		return
	}
	chatConnected.Set(0)
}
