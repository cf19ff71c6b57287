package fleet

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/wangjinchao-pacvue/switch-service/pkg/events"
	"github.com/wangjinchao-pacvue/switch-service/pkg/heartbeat"
	"github.com/wangjinchao-pacvue/switch-service/pkg/log"
	"github.com/wangjinchao-pacvue/switch-service/pkg/metrics"
	"github.com/wangjinchao-pacvue/switch-service/pkg/proxy"
	"github.com/wangjinchao-pacvue/switch-service/pkg/storage"
	"github.com/wangjinchao-pacvue/switch-service/pkg/types"
)

// Registry is the part of the registry client the controller drives
type Registry interface {
	RegisterInstance(ctx context.Context, serviceName string, port int) error
	Deregister(ctx context.Context, serviceName string, port int) error
}

// AvailabilitySource reports the process-wide registry availability
type AvailabilitySource interface {
	Availability() types.RegistryAvailability
}

// RequestLogs is the request log store cleared on delete
type RequestLogs interface {
	DeleteService(ctx context.Context, serviceName string) error
}

// PortTracker remembers ports opened by this process
type PortTracker interface {
	Track(port int, owner string)
	Untrack(port int)
}

// Options configures a Controller
type Options struct {
	PortRange types.PortRange
	// RegistryTimeout bounds register/deregister calls made during start and stop
	RegistryTimeout time.Duration
	RequestLogs     RequestLogs // optional
	Ports           PortTracker // optional
}

// StartOptions modifies a start
type StartOptions struct {
	// BypassRegistryCheck starts even when the registry is known to be down.
	// Used by boot-time restoration and recovery.
	BypassRegistryCheck bool
}

// Controller orchestrates the lifecycle of proxy services. The proxy runtime
// is the source of truth for what is running; storage follows it.
type Controller struct {
	store      storage.Store
	runtime    *proxy.Runtime
	registry   Registry
	heartbeats *heartbeat.Scheduler
	events     events.Publisher

	availability AvailabilitySource
	requestLogs  RequestLogs
	ports        PortTracker
	portRange    types.PortRange
	regTimeout   time.Duration

	locks  *keyLock
	logger zerolog.Logger
}

// NewController creates a fleet controller
func NewController(store storage.Store, runtime *proxy.Runtime, registry Registry, heartbeats *heartbeat.Scheduler, publisher events.Publisher, opts Options) *Controller {
	if opts.RegistryTimeout <= 0 {
		opts.RegistryTimeout = 5 * time.Second
	}
	if opts.PortRange.Start == 0 && opts.PortRange.End == 0 {
		opts.PortRange = types.PortRange{Start: 1, End: 65535}
	}
	return &Controller{
		store:       store,
		runtime:     runtime,
		registry:    registry,
		heartbeats:  heartbeats,
		events:      publisher,
		requestLogs: opts.RequestLogs,
		ports:       opts.Ports,
		portRange:   opts.PortRange,
		regTimeout:  opts.RegistryTimeout,
		locks:       newKeyLock(),
		logger:      log.WithComponent("fleet"),
	}
}

// SetAvailabilitySource wires the registry watch once it exists
func (c *Controller) SetAvailabilitySource(source AvailabilitySource) {
	c.availability = source
}

// PortRange returns the configured port range
func (c *Controller) PortRange() types.PortRange {
	return c.portRange
}

// IsRunning reports whether the service has a live listener
func (c *Controller) IsRunning(service *types.ProxyService) bool {
	return c.runtime.Has(service.Key())
}

// RunningCount returns the number of live listeners
func (c *Controller) RunningCount() int {
	return c.runtime.Count()
}

// StartService starts the service with id
func (c *Controller) StartService(ctx context.Context, id string, opts StartOptions) error {
	unlock := c.locks.lock(id)
	defer unlock()

	service, err := c.store.GetService(id)
	if err != nil {
		return err
	}
	return c.startLocked(ctx, service, opts)
}

func (c *Controller) startLocked(ctx context.Context, service *types.ProxyService, opts StartOptions) error {
	key := service.Key()
	if c.runtime.Has(key) {
		return fmt.Errorf("%w: %s", ErrAlreadyRunning, key)
	}
	if !opts.BypassRegistryCheck && c.registryDown() {
		return ErrRegistryDown
	}

	logger := log.WithService(service.ServiceName, service.Port)

	if _, err := c.runtime.Start(service); err != nil {
		return err
	}

	updated, err := c.store.UpdateService(service.ID, func(s *types.ProxyService) error {
		s.IsRunning = true
		return nil
	})
	if err != nil {
		c.runtime.Stop(ctx, key)
		return fmt.Errorf("failed to persist running state: %w", err)
	}

	regCtx, cancel := context.WithTimeout(ctx, c.regTimeout)
	if err := c.registry.RegisterInstance(regCtx, service.ServiceName, service.Port); err != nil {
		// Not retried; the instance runs unregistered until the next explicit start
		logger.Warn().Err(err).Msg("Registry registration failed")
	}
	cancel()

	c.heartbeats.Start(service.ServiceName, service.Port)
	if c.ports != nil {
		c.ports.Track(service.Port, service.ServiceName)
	}
	metrics.ProxiesRunning.Set(float64(c.runtime.Count()))

	logger.Info().Str("target", service.ActiveTarget).Msg("Service started")
	c.events.Publish(&events.Event{
		Type:        events.EventProxyStarted,
		ServiceID:   service.ID,
		ServiceName: service.ServiceName,
		Port:        service.Port,
		Message:     fmt.Sprintf("Proxy %s started on port %d", service.ServiceName, service.Port),
		Data:        updated,
	})
	return nil
}

func (c *Controller) registryDown() bool {
	if c.availability == nil {
		return false
	}
	return c.availability.Availability().IsAvailable == types.AvailabilityUnavailable
}

// StopService stops the service with id. Every step runs even if an earlier
// one failed and the stored state always ends as not running.
func (c *Controller) StopService(ctx context.Context, id string) error {
	unlock := c.locks.lock(id)
	defer unlock()

	service, err := c.store.GetService(id)
	if err != nil {
		return err
	}

	key := service.Key()
	if !c.runtime.Has(key) && !service.IsRunning && !c.heartbeats.Running(key) {
		return fmt.Errorf("%w: %s", ErrNotRunning, key)
	}
	return c.stopLocked(ctx, service)
}

func (c *Controller) stopLocked(ctx context.Context, service *types.ProxyService) error {
	key := service.Key()
	logger := log.WithService(service.ServiceName, service.Port)
	var errs []error

	if err := c.heartbeats.Stop(service.ServiceName, service.Port); err != nil {
		logger.Error().Err(err).Msg("Failed to stop heartbeat cleanly")
		errs = append(errs, err)
	}

	c.runtime.Stop(ctx, key)
	if c.ports != nil {
		c.ports.Untrack(service.Port)
	}

	regCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.regTimeout)
	if err := c.registry.Deregister(regCtx, service.ServiceName, service.Port); err != nil {
		logger.Warn().Err(err).Msg("Registry deregistration failed")
	}
	cancel()

	updated, err := c.store.UpdateService(service.ID, func(s *types.ProxyService) error {
		s.IsRunning = false
		return nil
	})
	if err != nil {
		logger.Error().Err(err).Msg("Failed to persist stopped state")
		errs = append(errs, err)
		updated = service
	}
	metrics.ProxiesRunning.Set(float64(c.runtime.Count()))

	logger.Info().Msg("Service stopped")
	c.events.Publish(&events.Event{
		Type:        events.EventProxyStopped,
		ServiceID:   service.ID,
		ServiceName: service.ServiceName,
		Port:        service.Port,
		Message:     fmt.Sprintf("Proxy %s stopped", service.ServiceName),
		Data:        updated,
	})

	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}

// SwitchTarget makes newTarget the active target. A running service is
// stopped and started again under the new target.
func (c *Controller) SwitchTarget(ctx context.Context, id, newTarget string) (*types.ProxyService, error) {
	unlock := c.locks.lock(id)
	defer unlock()

	service, err := c.store.GetService(id)
	if err != nil {
		return nil, err
	}
	if _, ok := service.Targets[newTarget]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTarget, newTarget)
	}

	previous := service.ActiveTarget
	updated, err := c.store.UpdateService(id, func(s *types.ProxyService) error {
		s.ActiveTarget = newTarget
		return nil
	})
	if err != nil {
		return nil, err
	}

	if c.runtime.Has(service.Key()) {
		if err := c.restartLocked(ctx, updated); err != nil {
			return nil, err
		}
		updated, err = c.store.GetService(id)
		if err != nil {
			return nil, err
		}
	}

	c.logger.Info().Str("service", service.ServiceName).Str("from", previous).Str("to", newTarget).Msg("Switched target")
	c.events.Publish(&events.Event{
		Type:        events.EventProxySwitched,
		ServiceID:   id,
		ServiceName: service.ServiceName,
		Port:        service.Port,
		Message:     fmt.Sprintf("Proxy %s switched from %s to %s", service.ServiceName, previous, newTarget),
		Metadata:    map[string]string{"from": previous, "to": newTarget},
		Data:        updated,
	})
	return updated, nil
}

// restartLocked runs one stop+start cycle of an already registered service
func (c *Controller) restartLocked(ctx context.Context, service *types.ProxyService) error {
	if err := c.stopLocked(ctx, service); err != nil {
		c.logger.Warn().Err(err).Str("service", service.ServiceName).Msg("Stop before restart reported an error")
	}
	return c.startLocked(ctx, service, StartOptions{BypassRegistryCheck: true})
}

// TargetCheck is the probe result of one upstream target
type TargetCheck struct {
	Name      string        `json:"name"`
	URL       string        `json:"url"`
	Active    bool          `json:"active"`
	Reachable bool          `json:"reachable"`
	Message   string        `json:"message"`
	Latency   time.Duration `json:"latency"`
}

// Prober checks one upstream URL
type Prober func(ctx context.Context, rawURL string) (bool, string, time.Duration)

// CheckTargets probes every target of the service with id
func (c *Controller) CheckTargets(ctx context.Context, id string, probe Prober) ([]TargetCheck, error) {
	service, err := c.store.GetService(id)
	if err != nil {
		return nil, err
	}
	var checks []TargetCheck
	for _, name := range sortedTargetNames(service) {
		url := service.Targets[name]
		ok, msg, latency := probe(ctx, url)
		checks = append(checks, TargetCheck{
			Name:      name,
			URL:       url,
			Active:    name == service.ActiveTarget,
			Reachable: ok,
			Message:   msg,
			Latency:   latency,
		})
	}
	return checks, nil
}

// IsConflict reports whether err is a lifecycle conflict
func IsConflict(err error) bool {
	return errors.Is(err, ErrAlreadyRunning) || errors.Is(err, ErrNotRunning) ||
		errors.Is(err, ErrServiceRunning) || errors.Is(err, proxy.ErrPortUnavailable)
}
