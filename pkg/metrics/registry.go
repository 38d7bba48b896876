// Package metrics provides a centralized Prometheus registry for
// infrastructure-level metrics that don't belong to a single domain package
// (database pool, cache, repository). Domain metrics (firmware, queue, ota,
// rollout, watchdog, commands, webhook, audit, realtime) are each registered
// directly in their own package via promauto, following this same pattern.
//
// All metrics follow the naming convention:
// <namespace>_infra_<subsystem>_<metric_name>_<unit>
//
// Example:
//
//	registry := metrics.DefaultRegistry()
//	registry.Infra().DB.ConnectionsActive.Set(42)
package metrics

import (
	"sync"
)

// MetricCategory represents the category of a metric.
type MetricCategory string

// CategoryInfra represents infrastructure metrics (database, cache, repositories).
const CategoryInfra MetricCategory = "infra"

// MetricsRegistry is the central registry for cross-cutting infrastructure
// Prometheus metrics.
//
// Thread-safe: All Prometheus metrics are thread-safe by design.
// Singleton: Use DefaultRegistry() to get the global instance.
type MetricsRegistry struct {
	namespace string

	infra     *InfraMetrics
	infraOnce sync.Once
}

var (
	// Global singleton registry instance
	defaultRegistry     *MetricsRegistry
	defaultRegistryOnce sync.Once
)

// DefaultRegistry returns the global singleton MetricsRegistry.
// Safe for concurrent use. Initialized once on first call.
//
// Example:
//
//	registry := metrics.DefaultRegistry()
//	registry.Infra().DB.ConnectionsActive.Set(10)
func DefaultRegistry() *MetricsRegistry {
	defaultRegistryOnce.Do(func() {
		defaultRegistry = NewMetricsRegistry("fleetota")
	})
	return defaultRegistry
}

// NewMetricsRegistry creates a new MetricsRegistry with the specified namespace.
// For most use cases, use DefaultRegistry() instead of calling this directly.
//
// Parameters:
//   - namespace: The Prometheus namespace for all metrics (typically "fleetota")
//
// Returns:
//   - *MetricsRegistry: A new registry instance
func NewMetricsRegistry(namespace string) *MetricsRegistry {
	if namespace == "" {
		namespace = "fleetota"
	}

	return &MetricsRegistry{
		namespace: namespace,
	}
}

// Infra returns the Infrastructure metrics manager.
// Lazy-initialized on first access.
//
// Infrastructure metrics include:
//   - Database (connections, queries, errors)
//   - Cache (hits, misses, evictions)
//   - Repository (query duration, errors, results)
//
// Example:
//
//	registry.Infra().DB.ConnectionsActive.Set(42)
//	registry.Infra().Repository.QueryDurationSeconds.WithLabelValues("ListDevices", "success").Observe(0.05)
func (r *MetricsRegistry) Infra() *InfraMetrics {
	r.infraOnce.Do(func() {
		r.infra = NewInfraMetrics(r.namespace)
	})
	return r.infra
}

// Namespace returns the configured namespace for this registry.
//
// Returns:
//   - string: The Prometheus namespace (e.g., "fleetota")
func (r *MetricsRegistry) Namespace() string {
	return r.namespace
}

// ValidateMetricName accepts a metric name. It performs no check against the
// naming convention below and always returns nil.
//
// Naming convention:
// <namespace>_<category>_<subsystem>_<metric_name>_<unit>
//
// Examples:
// ✅ fleetota_infra_db_connections_active
// ✅ fleetota_infra_cache_hits_total
// ❌ connections_active (missing namespace)
// ❌ fleetota_connections_active (missing category/subsystem)
//
// Parameters:
//   - name: The metric name to validate
//
// Returns:
//   - error: always nil
func (r *MetricsRegistry) ValidateMetricName(name string) error {
	return nil
}
