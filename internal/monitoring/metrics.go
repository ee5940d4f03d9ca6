package monitoring

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus collectors, scraped from GET /metrics.
var (
	ConnectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scatter_connections_total",
		Help: "Total WebSocket connections accepted",
	})

	ConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "scatter_connections_active",
		Help: "Current live WebSocket connections",
	})

	ConnectionsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scatter_connections_rejected_total",
		Help: "Upgrade attempts rejected, by reason",
	}, []string{"reason"})

	ConnectionsReaped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scatter_connections_reaped_total",
		Help: "Connections closed by the watchdog for missing pongs",
	})

	MessagesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scatter_messages_received_total",
		Help: "Payloads received from clients",
	})

	MessagesDelivered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scatter_messages_delivered_total",
		Help: "Per-connection deliveries completed",
	})

	MessagesUndeliverable = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scatter_messages_undeliverable_total",
		Help: "Per-recipient sends with no live connection",
	})

	MessagesRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scatter_messages_rejected_total",
		Help: "Inbound payloads rejected, by reason",
	}, []string{"reason"})

	BytesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scatter_bytes_sent_total",
		Help: "Payload bytes written to clients",
	})

	BytesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scatter_bytes_received_total",
		Help: "Payload bytes read from clients",
	})

	UndeliveredQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "scatter_undelivered_queue_depth",
		Help: "Payloads waiting in undelivered queues",
	})

	EventQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "scatter_event_queue_depth",
		Help: "Send-status entries waiting in the notifier queue",
	})

	EventDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scatter_event_deliveries_total",
		Help: "Event target delivery attempts, by target type and outcome",
	}, []string{"target", "outcome"})

	EventFallbacks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scatter_event_fallbacks_total",
		Help: "Fallback target handovers after exhausted retries",
	})

	EventDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scatter_event_dropped_total",
		Help: "Payloads dropped after the fallback chain was exhausted",
	})

	RateLimitedMessages = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scatter_rate_limited_messages_total",
		Help: "Inbound messages dropped by the per-connection rate limiter",
	})
)

// MetricsHandler serves the Prometheus scrape endpoint.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
