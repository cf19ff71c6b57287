package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestTimerDuration(t *testing.T) {
	timer := NewTimer()
	time.Sleep(20 * time.Millisecond)

	first := timer.Duration()
	assert.GreaterOrEqual(t, first, 20*time.Millisecond)

	time.Sleep(5 * time.Millisecond)
	assert.Greater(t, timer.Duration(), first)
}

func TestTimerObserve(t *testing.T) {
	histogram := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name: "test_duration_seconds",
		Help: "Test duration histogram",
	})
	vec := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name: "test_duration_vec_seconds",
		Help: "Test duration histogram vec",
	}, []string{"operation"})

	timer := NewTimer()
	timer.ObserveDuration(histogram)
	timer.ObserveDurationVec(vec, "reconcile")

	assert.Equal(t, 1, testutil.CollectAndCount(histogram))
	assert.Equal(t, 1, testutil.CollectAndCount(vec))
}

func TestCollector(t *testing.T) {
	src := &fakeSource{running: 2}
	c := NewCollector(src)
	c.Collect()

	assert.Equal(t, float64(2), testutil.ToFloat64(ProxiesRunning))
	assert.Equal(t, float64(3), testutil.ToFloat64(ServicesTotal))
	assert.Equal(t, float64(1), testutil.ToFloat64(ServicesByHealth.WithLabelValues("critical")))
	assert.Equal(t, float64(0), testutil.ToFloat64(ServicesByHealth.WithLabelValues("failed")))
}
