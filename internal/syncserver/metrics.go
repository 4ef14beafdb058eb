package syncserver

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	metricsNamespace = "realmkit"
	metricsSubsystem = "sync"
)

// Metrics holds the sync server's Prometheus collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	// ActiveConnections counts open websocket connections.
	ActiveConnections prometheus.Gauge
	// MessagesTotal counts protocol messages by type and direction (in, out).
	MessagesTotal *prometheus.CounterVec
	// SubscriptionStatesTotal counts state transitions sent to clients by state name.
	SubscriptionStatesTotal *prometheus.CounterVec
	// ExpiredSubscriptionsTotal counts subscriptions removed by TTL expiry.
	ExpiredSubscriptionsTotal prometheus.Counter
	// UploadedBytesTotal counts acknowledged upload bytes.
	UploadedBytesTotal prometheus.Counter
}

// NewMetrics registers the collectors on a fresh registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)
	return &Metrics{
		registry: registry,
		ActiveConnections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "active_connections",
			Help:      "Number of open sync websocket connections.",
		}),
		MessagesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "messages_total",
			Help:      "Protocol messages handled, by type and direction.",
		}, []string{"type", "direction"}),
		SubscriptionStatesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "subscription_states_total",
			Help:      "Subscription state transitions reported to clients.",
		}, []string{"state"}),
		ExpiredSubscriptionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "expired_subscriptions_total",
			Help:      "Subscriptions removed after their time to live elapsed.",
		}),
		UploadedBytesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "uploaded_bytes_total",
			Help:      "Bytes of client changes acknowledged.",
		}),
	}
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
