package metrics

import (
	"time"

	"github.com/wangjinchao-pacvue/switch-service/pkg/types"
)

// Source exposes the fleet state sampled by the collector
type Source interface {
	ListServices() ([]*types.ProxyService, error)
	RunningCount() int
	HealthStatuses() ([]*types.ServiceHealthStatus, error)
}

// Collector periodically samples fleet gauges
type Collector struct {
	source   Source
	interval time.Duration
	stopCh   chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector(source Source) *Collector {
	return &Collector{
		source:   source,
		interval: 15 * time.Second,
		stopCh:   make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
	go func() {
		// Collect immediately on start
		c.Collect()

		for {
			select {
			case <-ticker.C:
				c.Collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

// Collect samples the source once
func (c *Collector) Collect() {
	if services, err := c.source.ListServices(); err == nil {
		ServicesTotal.Set(float64(len(services)))
	}

	ProxiesRunning.Set(float64(c.source.RunningCount()))

	statuses, err := c.source.HealthStatuses()
	if err != nil {
		return
	}
	counts := map[types.HealthState]int{
		types.HealthHealthy:    0,
		types.HealthWarning:    0,
		types.HealthCritical:   0,
		types.HealthRecovering: 0,
		types.HealthFailed:     0,
	}
	for _, status := range statuses {
		counts[status.Status]++
	}
	for state, count := range counts {
		ServicesByHealth.WithLabelValues(string(state)).Set(float64(count))
	}
}
