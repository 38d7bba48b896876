package ota

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics tracks device-facing protocol activity.
type Metrics struct {
	ChecksTotal   *prometheus.CounterVec
	DownloadsTotal prometheus.Counter
	ReportsTotal  *prometheus.CounterVec
}

// NewMetrics creates a new Metrics instance.
func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ChecksTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ota",
			Name:      "checks_total",
			Help:      "Total number of /ota/check requests, by outcome",
		}, []string{"outcome"}),
		DownloadsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ota",
			Name:      "downloads_total",
			Help:      "Total number of firmware binaries streamed via /ota/update",
		}),
		ReportsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ota",
			Name:      "reports_total",
			Help:      "Total number of /ota/report calls, by status",
		}, []string{"status"}),
	}
}
