// Package metrics provides Prometheus instrumentation for the chat API and
// the socket relay: connection gauges, event and request counters, and
// latency histograms.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "whisper_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// SocketEventsTotal counts socket events handled by the relay, labeled by
	// event type and outcome ("delivered", "rejected", "limited").
	SocketEventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "whisper_socket_events_total",
		Help: "Socket events handled by the relay",
	}, []string{"type", "outcome"})

	// MessagesTotal counts chat messages persisted by the API.
	MessagesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "whisper_messages_total",
		Help: "Chat messages persisted",
	})

	// FanoutLatency records how long publishing one event to every member
	// took, in seconds.
	FanoutLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "whisper_fanout_latency_seconds",
		Help:    "Time to publish an event to all chat members",
		Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25},
	})

	// HTTPRequestsTotal counts REST requests by route and status code.
	HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "whisper_http_requests_total",
		Help: "REST requests handled",
	}, []string{"route", "code"})

	// HTTPLatency records REST handler latency by route.
	HTTPLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "whisper_http_latency_seconds",
		Help:    "REST handler latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"route"})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		SocketEventsTotal,
		MessagesTotal,
		FanoutLatency,
		HTTPRequestsTotal,
		HTTPLatency,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveHTTP records one finished REST request.
func ObserveHTTP(route string, code int, started time.Time) {
	HTTPRequestsTotal.WithLabelValues(route, strconv.Itoa(code)).Inc()
	HTTPLatency.WithLabelValues(route).Observe(time.Since(started).Seconds())
}
