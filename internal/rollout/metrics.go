package rollout

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics tracks staged rollout activity.
type Metrics struct {
	Created  prometheus.Counter
	Advanced prometheus.Counter
}

// NewMetrics creates a new Metrics instance.
func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		Created: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rollout",
			Name:      "created_total",
			Help:      "Total number of staged rollouts created",
		}),
		Advanced: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rollout",
			Name:      "advanced_total",
			Help:      "Total number of staged rollout stage advances",
		}),
	}
}
