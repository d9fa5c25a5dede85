// Package metrics provides Prometheus instrumentation for lease pools.
//
// # Overview
//
// All vectors are registered once through promauto and labelled by pool name,
// so several pools in one process share them without collisions. A Collector
// binds the vectors to one pool and is what the allocation engine talks to.
//
// # Basic Usage
//
//	c := metrics.NewCollector("vm")
//	c.SetResources(map[resource.Status]int{resource.StatusFree: 4})
//	c.AllocationGranted(wait)
//	c.ReleaseRecorded(metrics.OutcomeReleased, held)
//
// # Metric Types
//
// Gauge: resources per status
// Counter: allocations, releases, validation failures and hook errors
// Histogram: time spent waiting in Allocate and time a lease is held
package metrics

import (
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ajitpratap0/leasepool/pkg/resource"
)

// Allocation and release outcomes used as label values.
const (
	OutcomeGranted     = "granted"
	OutcomeUnavailable = "unavailable"
	OutcomeCancelled   = "cancelled"
	OutcomeStopped     = "stopped"

	OutcomeReleased    = "released"
	OutcomeUnknown     = "unknown_resource"
	OutcomeMismatch    = "owner_mismatch"
	OutcomeQuarantined = "quarantined"
	OutcomePoolStopped = "pool_stopped"
)

var (
	// Resources tracks the number of resources per status.
	// Labels: pool, status
	Resources = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "leasepool",
			Name:      "resources",
			Help:      "Number of resources per lifecycle status",
		},
		[]string{"pool", "status"},
	)

	// Allocations counts allocate calls by outcome.
	// Labels: pool, outcome (granted/unavailable/cancelled/stopped)
	Allocations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "leasepool",
			Name:      "allocations_total",
			Help:      "Total number of allocate calls by outcome",
		},
		[]string{"pool", "outcome"},
	)

	// Releases counts release calls by outcome.
	// Labels: pool, outcome (released/unknown_resource/owner_mismatch/quarantined)
	Releases = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "leasepool",
			Name:      "releases_total",
			Help:      "Total number of release calls by outcome",
		},
		[]string{"pool", "outcome"},
	)

	// ValidationFailures counts resources demoted to ERROR at allocation time.
	ValidationFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "leasepool",
			Name:      "validation_failures_total",
			Help:      "Resources that failed validation when about to be leased",
		},
		[]string{"pool"},
	)

	// HookErrors counts backend hook failures.
	// Labels: pool, operation (create/connection_info/reset/stop)
	HookErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "leasepool",
			Name:      "hook_errors_total",
			Help:      "Backend hook failures by operation",
		},
		[]string{"pool", "operation"},
	)

	// AllocateWait tracks how long callers waited in Allocate, in seconds.
	AllocateWait = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "leasepool",
			Name:      "allocate_wait_seconds",
			Help:      "Time spent inside Allocate",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30, 120},
		},
		[]string{"pool"},
	)

	// LeaseDuration tracks how long leases were held, in seconds.
	LeaseDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "leasepool",
			Name:      "lease_duration_seconds",
			Help:      "Time between allocation and release",
			Buckets:   []float64{0.01, 0.1, 1, 10, 60, 300, 900, 3600, 14400},
		},
		[]string{"pool"},
	)
)

// Collector binds the package vectors to one pool.
type Collector struct {
	pool string
}

// NewCollector creates a collector for the named pool.
func NewCollector(pool string) *Collector {
	return &Collector{pool: pool}
}

// Pool returns the pool label value.
func (c *Collector) Pool() string {
	return c.pool
}

// SetResources publishes per-status counts. Statuses missing from counts are
// reported as zero.
func (c *Collector) SetResources(counts map[resource.Status]int) {
	for _, s := range resource.AllStatuses {
		Resources.WithLabelValues(c.pool, string(s)).Set(float64(counts[s]))
	}
}

// AllocationGranted records a successful allocate call.
func (c *Collector) AllocationGranted(wait time.Duration) {
	Allocations.WithLabelValues(c.pool, OutcomeGranted).Inc()
	AllocateWait.WithLabelValues(c.pool).Observe(wait.Seconds())
}

// AllocationFailed records a failed allocate call.
func (c *Collector) AllocationFailed(outcome string, wait time.Duration) {
	Allocations.WithLabelValues(c.pool, outcome).Inc()
	AllocateWait.WithLabelValues(c.pool).Observe(wait.Seconds())
}

// ReleaseRecorded records a release; held is ignored unless positive.
func (c *Collector) ReleaseRecorded(outcome string, held time.Duration) {
	Releases.WithLabelValues(c.pool, outcome).Inc()
	if held > 0 {
		LeaseDuration.WithLabelValues(c.pool).Observe(held.Seconds())
	}
}

// ValidationFailed records a resource demoted at allocation time.
func (c *Collector) ValidationFailed() {
	ValidationFailures.WithLabelValues(c.pool).Inc()
}

// HookFailed records a backend hook failure.
func (c *Collector) HookFailed(operation string) {
	HookErrors.WithLabelValues(c.pool, operation).Inc()
}

// LatencyTracker keeps a bounded window of samples for percentile reports.
// Safe for concurrent use.
type LatencyTracker struct {
	mu      sync.Mutex
	values  []time.Duration
	maxSize int
}

// NewLatencyTracker creates a tracker holding at most maxSize samples.
func NewLatencyTracker(maxSize int) *LatencyTracker {
	if maxSize <= 0 {
		maxSize = 1024
	}
	return &LatencyTracker{
		values:  make([]time.Duration, 0, maxSize),
		maxSize: maxSize,
	}
}

// Record adds a sample, evicting the oldest when full.
func (l *LatencyTracker) Record(d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.values) >= l.maxSize {
		l.values = l.values[1:]
	}
	l.values = append(l.values, d)
}

// Count returns the number of samples held.
func (l *LatencyTracker) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.values)
}

// Percentile returns the p-th percentile (0-100) of the held samples.
func (l *LatencyTracker) Percentile(p float64) time.Duration {
	l.mu.Lock()
	sorted := make([]time.Duration, len(l.values))
	copy(sorted, l.values)
	l.mu.Unlock()

	if len(sorted) == 0 {
		return 0
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	index := int(float64(len(sorted)) * p / 100)
	if index >= len(sorted) {
		index = len(sorted) - 1
	}
	if index < 0 {
		index = 0
	}
	return sorted[index]
}
