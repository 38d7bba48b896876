package firmware

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics tracks firmware store activity.
type Metrics struct {
	UploadsTotal prometheus.Counter
	DownloadsTotal prometheus.Counter
	DeletesTotal prometheus.Counter
	StorageBytes prometheus.Counter
}

// NewMetrics creates a new Metrics instance.
func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		UploadsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "firmware",
			Name:      "uploads_total",
			Help:      "Total number of firmware uploads accepted",
		}),
		DownloadsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "firmware",
			Name:      "downloads_total",
			Help:      "Total number of firmware binary downloads served",
		}),
		DeletesTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "firmware",
			Name:      "deletes_total",
			Help:      "Total number of firmware versions deleted",
		}),
		StorageBytes: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "firmware",
			Name:      "storage_bytes_written_total",
			Help:      "Cumulative bytes written to firmware storage",
		}),
	}
}
