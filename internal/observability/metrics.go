package observability

import (
	"sync"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registerOnce        sync.Once
	apiRequestsTotal    *prometheus.CounterVec
	apiLatencySeconds   *prometheus.HistogramVec
	apiErrorsTotal      *prometheus.CounterVec
	chatSessionsActive  prometheus.Gauge
	chatMessagesSent    *prometheus.CounterVec
	chatSendFailures    *prometheus.CounterVec
	chatRealtimeEvents  *prometheus.CounterVec
	chatDirectoryLoad   prometheus.Histogram
	chatPresenceUpdates *prometheus.CounterVec
)

// RegisterMetrics initialises the Prometheus collectors used by the API and the chat engine.
func RegisterMetrics() {
	registerOnce.Do(func() {
		apiRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total number of API requests served.",
		}, []string{"method", "route", "status"})

		apiLatencySeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "api_latency_seconds",
			Help:    "Latency distribution for API requests.",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.0},
		}, []string{"method", "route"})

		apiErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "api_errors_total",
			Help: "Total number of error responses returned by API endpoints.",
		}, []string{"method", "route", "status"})

		chatSessionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chat_sessions_active",
			Help: "Number of chat websocket sessions currently connected.",
		})

		chatMessagesSent = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_messages_sent_total",
			Help: "Chat messages confirmed by the row store, by media kind.",
		}, []string{"kind"})

		chatSendFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_send_failures_total",
			Help: "Chat sends rolled back, by failing stage.",
		}, []string{"stage"})

		chatRealtimeEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_realtime_events_total",
			Help: "Change feed events seen by sessions, by outcome.",
		}, []string{"outcome"})

		chatDirectoryLoad = prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "chat_directory_refresh_seconds",
			Help:    "Latency of conversation directory refreshes.",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.0},
		})

		chatPresenceUpdates = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_presence_updates_total",
			Help: "Presence tuples broadcast, by result.",
		}, []string{"result"})

		prometheus.MustRegister(
			apiRequestsTotal, apiLatencySeconds, apiErrorsTotal,
			chatSessionsActive, chatMessagesSent, chatSendFailures,
			chatRealtimeEvents, chatDirectoryLoad, chatPresenceUpdates,
		)
	})
}

// APIRequests exposes the counter for API requests.
func APIRequests() *prometheus.CounterVec {
	RegisterMetrics()
	return apiRequestsTotal
}

// APILatency exposes the latency histogram for API requests.
func APILatency() *prometheus.HistogramVec {
	RegisterMetrics()
	return apiLatencySeconds
}

// APIErrors exposes the counter for API error responses.
func APIErrors() *prometheus.CounterVec {
	RegisterMetrics()
	return apiErrorsTotal
}

// ChatSessionsActive exposes the gauge of connected chat sessions.
func ChatSessionsActive() prometheus.Gauge {
	RegisterMetrics()
	return chatSessionsActive
}

// ChatMessagesSent exposes the counter of confirmed chat messages.
func ChatMessagesSent() *prometheus.CounterVec {
	RegisterMetrics()
	return chatMessagesSent
}

// ChatSendFailures exposes the counter of rolled back sends.
func ChatSendFailures() *prometheus.CounterVec {
	RegisterMetrics()
	return chatSendFailures
}

// ChatRealtimeEvents exposes the counter of change feed events.
func ChatRealtimeEvents() *prometheus.CounterVec {
	RegisterMetrics()
	return chatRealtimeEvents
}

// ChatDirectoryLatency exposes the directory refresh histogram.
func ChatDirectoryLatency() prometheus.Histogram {
	RegisterMetrics()
	return chatDirectoryLoad
}

// ChatPresenceUpdates exposes the presence broadcast counter.
func ChatPresenceUpdates() *prometheus.CounterVec {
	RegisterMetrics()
	return chatPresenceUpdates
}

// MetricsHandler serves the default registry, in OpenMetrics format when the
// scraper asks for it.
func MetricsHandler() fiber.Handler {
	RegisterMetrics()
	return adaptor.HTTPHandler(promhttp.HandlerFor(prometheus.DefaultGatherer, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))
}
