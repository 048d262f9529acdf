package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce        sync.Once
	httpRequestsTotal   *prometheus.CounterVec
	httpLatencySeconds  *prometheus.HistogramVec
	httpErrorsTotal     *prometheus.CounterVec
	feedEventsTotal     *prometheus.CounterVec
	feedDroppedTotal    *prometheus.CounterVec
	feedSubscriptions   prometheus.Gauge
	syncFailuresTotal   *prometheus.CounterVec
	typingSignalsTotal  *prometheus.CounterVec
	notificationsTotal  *prometheus.CounterVec
	gatewayConnections  prometheus.Gauge
	sseClientsActive    prometheus.Gauge
	sessionsActive      prometheus.Gauge
	messagesSentTotal   *prometheus.CounterVec
	optimisticUnmatched prometheus.Counter
)

// RegisterMetrics initialises the Prometheus collectors used across the service.
func RegisterMetrics() {
	registerOnce.Do(func() {
		httpRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of API requests served.",
		}, []string{"method", "route", "status"})

		httpLatencySeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_latency_seconds",
			Help:    "Latency distribution for API requests.",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.0},
		}, []string{"method", "route"})

		httpErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_errors_total",
			Help: "Total number of error responses returned by API endpoints.",
		}, []string{"method", "route", "status"})

		feedEventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feed_events_total",
			Help: "Row change events delivered to local subscribers.",
		}, []string{"table", "event"})

		feedDroppedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feed_dropped_total",
			Help: "Feed deliveries dropped because a subscriber buffer was full.",
		}, []string{"kind"})

		feedSubscriptions = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "feed_subscriptions_active",
			Help: "Open change feed subscriptions.",
		})

		syncFailuresTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sync_failures_total",
			Help: "Abandoned feed events per sync engine and stage.",
		}, []string{"engine", "stage"})

		typingSignalsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "typing_signals_sent_total",
			Help: "Typing broadcasts sent by local users.",
		}, []string{"event"})

		notificationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "notifications_raised_total",
			Help: "Desktop notifications raised by the sidebar engine.",
		}, []string{"type"})

		gatewayConnections = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "session_gateway_connections",
			Help: "Open session gateway websocket connections.",
		})

		sseClientsActive = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "notification_sse_clients",
			Help: "Connected notification stream clients.",
		})

		sessionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sessions_active",
			Help: "Live client sessions.",
		})

		messagesSentTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "messages_sent_total",
			Help: "Messages persisted by the data service.",
		}, []string{"type"})

		optimisticUnmatched = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "optimistic_sends_failed_total",
			Help: "Optimistic messages left unconfirmed because the send failed.",
		})

		prometheus.MustRegister(
			httpRequestsTotal, httpLatencySeconds, httpErrorsTotal,
			feedEventsTotal, feedDroppedTotal, feedSubscriptions,
			syncFailuresTotal, typingSignalsTotal, notificationsTotal,
			gatewayConnections, sseClientsActive, sessionsActive,
			messagesSentTotal, optimisticUnmatched,
		)
	})
}

// HTTPRequests exposes the counter for API requests.
func HTTPRequests() *prometheus.CounterVec {
	RegisterMetrics()
	return httpRequestsTotal
}

// HTTPLatency exposes the latency histogram for API requests.
func HTTPLatency() *prometheus.HistogramVec {
	RegisterMetrics()
	return httpLatencySeconds
}

// HTTPErrors exposes the counter for API error responses.
func HTTPErrors() *prometheus.CounterVec {
	RegisterMetrics()
	return httpErrorsTotal
}

func FeedEvents() *prometheus.CounterVec {
	RegisterMetrics()
	return feedEventsTotal
}

func FeedDropped() *prometheus.CounterVec {
	RegisterMetrics()
	return feedDroppedTotal
}

func FeedSubscriptionsActive() prometheus.Gauge {
	RegisterMetrics()
	return feedSubscriptions
}

// SyncFailures counts feed events abandoned by an engine.
func SyncFailures() *prometheus.CounterVec {
	RegisterMetrics()
	return syncFailuresTotal
}

func TypingSignals() *prometheus.CounterVec {
	RegisterMetrics()
	return typingSignalsTotal
}

func NotificationsRaised() *prometheus.CounterVec {
	RegisterMetrics()
	return notificationsTotal
}

func GatewayConnections() prometheus.Gauge {
	RegisterMetrics()
	return gatewayConnections
}

func SSEClientsActive() prometheus.Gauge {
	RegisterMetrics()
	return sseClientsActive
}

func SessionsActive() prometheus.Gauge {
	RegisterMetrics()
	return sessionsActive
}

func MessagesSent() *prometheus.CounterVec {
	RegisterMetrics()
	return messagesSentTotal
}

// OptimisticSendFailures counts sends whose optimistic copy never got confirmed.
func OptimisticSendFailures() prometheus.Counter {
	RegisterMetrics()
	return optimisticUnmatched
}
