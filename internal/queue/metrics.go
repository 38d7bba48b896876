package queue

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics tracks update-queue admission and processing outcomes.
type Metrics struct {
	Enqueued  prometheus.Counter
	Rejected  prometheus.Counter
	Processed prometheus.Counter
	Failed    prometheus.Counter
}

// NewMetrics creates a new Metrics instance.
func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		Enqueued: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "enqueued_total",
			Help:      "Total number of update tasks admitted to the queue",
		}),
		Rejected: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "rejected_total",
			Help:      "Total number of update tasks rejected because the queue backlog was full",
		}),
		Processed: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "processed_total",
			Help:      "Total number of update tasks that transitioned a device to pending",
		}),
		Failed: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "failed_total",
			Help:      "Total number of update tasks that rolled back",
		}),
	}
}
