package webhook

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics tracks outbound webhook delivery under the "webhook" subsystem
// (§4.9: request count by event/outcome, delivery latency histogram).
type Metrics struct {
	DeliveriesTotal        *prometheus.CounterVec
	DeliveryLatencySeconds prometheus.Histogram
}

// NewMetrics creates a new Metrics instance.
func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		DeliveriesTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "webhook",
			Name:      "deliveries_total",
			Help:      "Total number of webhook delivery attempts, by event and outcome",
		}, []string{"event", "outcome"}),
		DeliveryLatencySeconds: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "webhook",
			Name:      "delivery_latency_seconds",
			Help:      "Webhook delivery request latency in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10),
		}),
	}
}
