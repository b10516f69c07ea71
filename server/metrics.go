package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus instruments for the server core.
type Metrics struct {
	ConnectionsActive prometheus.Gauge
	UsersOnline       prometheus.Gauge
	FramesTotal       *prometheus.CounterVec
	MessagesRouted    prometheus.Counter
	MessagesStored    prometheus.Counter
	StoreQueueDepth   prometheus.Gauge
}

func NewMetrics(registry *prometheus.Registry) *Metrics {
	factory := promauto.With(registry)

	return &Metrics{
		ConnectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "wizzd",
			Name:      "connections_active",
			Help:      "Number of open client connections",
		}),

		UsersOnline: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "wizzd",
			Name:      "users_online",
			Help:      "Number of authenticated users in the online directory",
		}),

		FramesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wizzd",
			Name:      "frames_total",
			Help:      "Total inbound frames dispatched, by operation type",
		}, []string{"type"}),

		MessagesRouted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "wizzd",
			Name:      "messages_routed_total",
			Help:      "Direct messages forwarded to an online recipient",
		}),

		MessagesStored: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "wizzd",
			Name:      "messages_stored_total",
			Help:      "Direct messages persisted for offline delivery",
		}),

		StoreQueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "wizzd",
			Name:      "store_queue_depth",
			Help:      "Pending tasks on the persistence worker queue",
		}),
	}
}
