package relay

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the relay's Prometheus instruments.
type Metrics struct {
	ActiveConnections prometheus.Gauge
	EnvelopesRouted   prometheus.Counter
	RoutingRejects    *prometheus.CounterVec
	BroadcastDrops    prometheus.Counter
	AuthFailures      prometheus.Counter
}

// NewMetrics registers relay metrics on the given registerer.
// A nil registerer falls back to the default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		ActiveConnections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "tether",
			Subsystem: "relay",
			Name:      "active_connections",
			Help:      "Number of currently open device websocket connections.",
		}),
		EnvelopesRouted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "tether",
			Subsystem: "relay",
			Name:      "envelopes_routed_total",
			Help:      "Total routed session/control envelopes accepted for fanout.",
		}),
		RoutingRejects: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tether",
			Subsystem: "relay",
			Name:      "routing_rejects_total",
			Help:      "Total rejected envelopes by error/delivery code.",
		}, []string{"code"}),
		BroadcastDrops: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "tether",
			Subsystem: "relay",
			Name:      "broadcast_drops_total",
			Help:      "Total frames dropped because a member send queue was full.",
		}),
		AuthFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "tether",
			Subsystem: "relay",
			Name:      "auth_failures_total",
			Help:      "Total failed AUTH attempts.",
		}),
	}
}
