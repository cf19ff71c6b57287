package fleet

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/wangjinchao-pacvue/switch-service/pkg/events"
	"github.com/wangjinchao-pacvue/switch-service/pkg/metrics"
	"github.com/wangjinchao-pacvue/switch-service/pkg/types"
)

// ShutdownTimeout bounds a graceful shutdown of the whole fleet
const ShutdownTimeout = 30 * time.Second

// ReconcileReport lists the corrections made by one reconcile pass
type ReconcileReport struct {
	MarkedStopped    []string           `json:"markedStopped"`
	MarkedRunning    []string           `json:"markedRunning"`
	StrayHeartbeats  []types.ServiceKey `json:"strayHeartbeats"`
	LiveServiceCount int                `json:"liveServiceCount"`
}

// Changed reports whether the pass corrected anything
func (r ReconcileReport) Changed() bool {
	return len(r.MarkedStopped)+len(r.MarkedRunning)+len(r.StrayHeartbeats) > 0
}

// Reconcile aligns persisted state with the live runtime table. The runtime
// table wins every disagreement.
func (c *Controller) Reconcile(ctx context.Context) (ReconcileReport, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ReconciliationDuration)
	metrics.ReconciliationCyclesTotal.Inc()

	var report ReconcileReport
	services, err := c.store.ListServices()
	if err != nil {
		return report, fmt.Errorf("failed to list services: %w", err)
	}

	known := make(map[types.ServiceKey]bool, len(services))
	for _, service := range services {
		key := service.Key()
		known[key] = true
		live := c.runtime.Has(key)

		switch {
		case service.IsRunning && !live:
			c.markStopped(service)
			report.MarkedStopped = append(report.MarkedStopped, service.ID)
		case !service.IsRunning && live:
			if _, err := c.store.UpdateService(service.ID, func(s *types.ProxyService) error {
				s.IsRunning = true
				return nil
			}); err != nil {
				c.logger.Error().Err(err).Str("service", service.ServiceName).Msg("Failed to mark live service running")
				continue
			}
			report.MarkedRunning = append(report.MarkedRunning, service.ID)
		}
	}

	for _, key := range c.heartbeats.Keys() {
		if known[key] && c.runtime.Has(key) {
			continue
		}
		name, port, ok := key.Split()
		if !ok {
			continue
		}
		if err := c.heartbeats.Stop(name, port); err != nil {
			c.logger.Warn().Err(err).Str("key", string(key)).Msg("Failed to stop stray heartbeat")
		}
		report.StrayHeartbeats = append(report.StrayHeartbeats, key)
	}

	report.LiveServiceCount = c.runtime.Count()
	metrics.ProxiesRunning.Set(float64(report.LiveServiceCount))

	if report.Changed() {
		c.logger.Info().
			Int("marked_stopped", len(report.MarkedStopped)).
			Int("marked_running", len(report.MarkedRunning)).
			Int("stray_heartbeats", len(report.StrayHeartbeats)).
			Msg("Reconciled service state")
		c.events.Publish(&events.Event{
			Type:    events.EventServicesCleanedUp,
			Message: "Inconsistent service state cleaned up",
			Data:    report,
		})
	}
	return report, nil
}

func (c *Controller) markStopped(service *types.ProxyService) {
	unlock := c.locks.lock(service.ID)
	defer unlock()

	// Re-check under the lock; a start may have raced the sweep
	if c.runtime.Has(service.Key()) {
		return
	}
	if err := c.heartbeats.Stop(service.ServiceName, service.Port); err != nil {
		c.logger.Warn().Err(err).Str("service", service.ServiceName).Msg("Failed to stop heartbeat of dead service")
	}
	updated, err := c.store.UpdateService(service.ID, func(s *types.ProxyService) error {
		s.IsRunning = false
		return nil
	})
	if err != nil {
		c.logger.Error().Err(err).Str("service", service.ServiceName).Msg("Failed to mark service stopped")
		return
	}
	c.events.Publish(&events.Event{
		Type:        events.EventServiceStatusSynced,
		ServiceID:   service.ID,
		ServiceName: service.ServiceName,
		Port:        service.Port,
		Message:     fmt.Sprintf("Service %s had no live listener and was marked stopped", service.ServiceName),
		Data:        updated,
	})
}

// RestoreOnBoot starts every service persisted as running. Failures are
// persisted as not running and do not stop the pass.
func (c *Controller) RestoreOnBoot(ctx context.Context) (restored int, failed int) {
	services, err := c.store.ListServices()
	if err != nil {
		c.logger.Error().Err(err).Msg("Failed to list services for restore")
		return 0, 0
	}
	for _, service := range services {
		if !service.IsRunning || c.runtime.Has(service.Key()) {
			continue
		}
		if err := c.StartService(ctx, service.ID, StartOptions{BypassRegistryCheck: true}); err != nil {
			failed++
			c.logger.Error().Err(err).Str("service", service.ServiceName).Int("port", service.Port).Msg("Failed to restore service")
			if _, uerr := c.store.UpdateService(service.ID, func(s *types.ProxyService) error {
				s.IsRunning = false
				return nil
			}); uerr != nil {
				c.logger.Error().Err(uerr).Str("service", service.ServiceName).Msg("Failed to persist restore failure")
			}
			continue
		}
		restored++
	}
	c.logger.Info().Int("restored", restored).Int("failed", failed).Msg("Restored services")
	return restored, failed
}

// ShutdownFailure is one service that could not be stopped
type ShutdownFailure struct {
	ServiceID   string `json:"serviceId"`
	ServiceName string `json:"serviceName"`
	Port        int    `json:"port"`
	Error       string `json:"error"`
}

// ShutdownSummary reports an emergency shutdown
type ShutdownSummary struct {
	Total     int               `json:"total"`
	Succeeded int               `json:"succeeded"`
	Failed    int               `json:"failed"`
	Failures  []ShutdownFailure `json:"failures,omitempty"`
	Reason    string            `json:"reason"`
}

// ShutdownAllForRegistryOutage stops every running service concurrently.
// Individual failures are collected; the call never fails as a whole.
func (c *Controller) ShutdownAllForRegistryOutage(ctx context.Context, reason string) ShutdownSummary {
	summary := c.stopAll(ctx)
	summary.Reason = reason

	c.logger.Warn().
		Int("total", summary.Total).
		Int("succeeded", summary.Succeeded).
		Int("failed", summary.Failed).
		Msg("Stopped services for registry outage")
	c.events.Publish(&events.Event{
		Type:    events.EventEurekaShutdownSummary,
		Message: fmt.Sprintf("Stopped %d of %d services: %s", summary.Succeeded, summary.Total, reason),
		Data:    summary,
	})
	return summary
}

func (c *Controller) stopAll(ctx context.Context) ShutdownSummary {
	running, err := c.RunningServices()
	if err != nil {
		c.logger.Error().Err(err).Msg("Failed to list running services")
	}

	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		summary = ShutdownSummary{Total: len(running)}
	)
	for _, service := range running {
		wg.Add(1)
		go func(service *types.ProxyService) {
			defer wg.Done()
			err := c.StopService(ctx, service.ID)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				summary.Failed++
				summary.Failures = append(summary.Failures, ShutdownFailure{
					ServiceID:   service.ID,
					ServiceName: service.ServiceName,
					Port:        service.Port,
					Error:       err.Error(),
				})
				return
			}
			summary.Succeeded++
		}(service)
	}
	wg.Wait()
	return summary
}

// Shutdown stops every running service through the normal stop sequence,
// bounded by ShutdownTimeout. Whatever is still live afterwards is closed.
func (c *Controller) Shutdown(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, ShutdownTimeout)
	defer cancel()

	done := make(chan ShutdownSummary, 1)
	go func() { done <- c.stopAll(ctx) }()

	select {
	case summary := <-done:
		c.logger.Info().Int("stopped", summary.Succeeded).Int("failed", summary.Failed).Msg("Fleet shut down")
	case <-ctx.Done():
		c.logger.Warn().Msg("Fleet shutdown timed out, closing remaining listeners")
	}
	c.heartbeats.StopAll()
	c.runtime.StopAll(context.Background())
}
