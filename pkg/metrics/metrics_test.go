package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/ajitpratap0/leasepool/pkg/resource"
)

func TestCollectorResources(t *testing.T) {
	c := NewCollector("metrics-test-resources")
	c.SetResources(map[resource.Status]int{
		resource.StatusFree:     3,
		resource.StatusOccupied: 1,
	})

	assert.Equal(t, 3.0, testutil.ToFloat64(Resources.WithLabelValues(c.Pool(), "FREE")))
	assert.Equal(t, 1.0, testutil.ToFloat64(Resources.WithLabelValues(c.Pool(), "OCCUPIED")))
	assert.Equal(t, 0.0, testutil.ToFloat64(Resources.WithLabelValues(c.Pool(), "ERROR")))
}

func TestCollectorCounters(t *testing.T) {
	c := NewCollector("metrics-test-counters")

	c.AllocationGranted(10 * time.Millisecond)
	c.AllocationGranted(time.Millisecond)
	c.AllocationFailed(OutcomeUnavailable, time.Second)
	c.ReleaseRecorded(OutcomeMismatch, 0)
	c.ValidationFailed()
	c.HookFailed("reset")

	assert.Equal(t, 2.0, testutil.ToFloat64(Allocations.WithLabelValues(c.Pool(), OutcomeGranted)))
	assert.Equal(t, 1.0, testutil.ToFloat64(Allocations.WithLabelValues(c.Pool(), OutcomeUnavailable)))
	assert.Equal(t, 1.0, testutil.ToFloat64(Releases.WithLabelValues(c.Pool(), OutcomeMismatch)))
	assert.Equal(t, 1.0, testutil.ToFloat64(ValidationFailures.WithLabelValues(c.Pool())))
	assert.Equal(t, 1.0, testutil.ToFloat64(HookErrors.WithLabelValues(c.Pool(), "reset")))
}

func TestLatencyTracker(t *testing.T) {
	l := NewLatencyTracker(3)
	assert.Equal(t, time.Duration(0), l.Percentile(50))

	for _, ms := range []int{40, 10, 30, 20} {
		l.Record(time.Duration(ms) * time.Millisecond)
	}

	assert.Equal(t, 3, l.Count())
	assert.Equal(t, 10*time.Millisecond, l.Percentile(0))
	assert.Equal(t, 20*time.Millisecond, l.Percentile(50))
	assert.Equal(t, 30*time.Millisecond, l.Percentile(100))
}
