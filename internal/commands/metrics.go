package commands

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics tracks command pipe activity.
type Metrics struct {
	Enqueued     prometheus.Counter
	Sent         prometheus.Counter
	Expired      prometheus.Counter
	Acknowledged prometheus.Counter
}

// NewMetrics creates a new Metrics instance.
func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		Enqueued: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "commands",
			Name:      "enqueued_total",
			Help:      "Total number of device commands enqueued",
		}),
		Sent: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "commands",
			Name:      "sent_total",
			Help:      "Total number of device commands delivered to a polling device",
		}),
		Expired: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "commands",
			Name:      "expired_total",
			Help:      "Total number of device commands that expired before delivery",
		}),
		Acknowledged: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "commands",
			Name:      "acknowledged_total",
			Help:      "Total number of device commands acknowledged",
		}),
	}
}
