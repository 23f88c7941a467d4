// Package metrics provides Prometheus metrics collection for the driver.
//
// Control-plane metrics:
//   - manapmd_mr_registrations_total: Hardware memory registrations
//   - manapmd_mr_cache_hits_total / misses / evictions: MR cache behavior
//   - manapmd_queue_transitions_total: Queue lifecycle transitions
//   - manapmd_mp_requests_total: Cross-process channel requests
//   - manapmd_removal_events_total: Device removal notifications
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// MRRegistrations counts hardware memory registration calls.
	MRRegistrations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "manapmd_mr_registrations_total",
			Help: "Total hardware memory registrations performed",
		},
	)

	// MRDeregistrations counts hardware memory deregistration calls.
	MRDeregistrations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "manapmd_mr_deregistrations_total",
			Help: "Total hardware memory deregistrations performed",
		},
	)

	// MRCacheHits counts registration cache hits by cache level.
	MRCacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "manapmd_mr_cache_hits_total",
			Help: "Registration cache lookups that found a resident entry",
		},
		[]string{"level"},
	)

	// MRCacheMisses counts registration cache misses by cache level.
	MRCacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "manapmd_mr_cache_misses_total",
			Help: "Registration cache lookups that missed",
		},
		[]string{"level"},
	)

	// MRCacheEvictions counts capacity evictions by cache level.
	MRCacheEvictions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "manapmd_mr_cache_evictions_total",
			Help: "Registration cache entries evicted under capacity pressure",
		},
		[]string{"level"},
	)

	// QueueTransitions counts queue state machine transitions.
	QueueTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "manapmd_queue_transitions_total",
			Help: "Queue lifecycle state transitions",
		},
		[]string{"direction", "state"},
	)

	// MPRequests counts resource message channel requests.
	MPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "manapmd_mp_requests_total",
			Help: "Cross-process resource channel requests",
		},
		[]string{"kind", "status"},
	)

	// RemovalEvents counts device-fatal/removal notifications raised.
	RemovalEvents = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "manapmd_removal_events_total",
			Help: "Device removal events delivered to the lifecycle controller",
		},
	)

	// AttachedProcesses tracks attached processes by role as seen locally.
	AttachedProcesses = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "manapmd_attached_processes",
			Help: "Processes attached to the shared device state",
		},
		[]string{"role"},
	)
)

// RecordCacheHit records a cache hit for the given cache level.
func RecordCacheHit(level string) {
	MRCacheHits.WithLabelValues(level).Inc()
}

// RecordCacheMiss records a cache miss for the given cache level.
func RecordCacheMiss(level string) {
	MRCacheMisses.WithLabelValues(level).Inc()
}

// RecordCacheEviction records a capacity eviction for the given cache level.
func RecordCacheEviction(level string) {
	MRCacheEvictions.WithLabelValues(level).Inc()
}

// RecordQueueTransition records a queue state transition.
func RecordQueueTransition(direction, state string) {
	QueueTransitions.WithLabelValues(direction, state).Inc()
}

// RecordMPRequest records a channel request outcome.
func RecordMPRequest(kind, status string) {
	MPRequests.WithLabelValues(kind, status).Inc()
}
