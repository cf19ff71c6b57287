package fleet

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/wangjinchao-pacvue/switch-service/pkg/events"
	"github.com/wangjinchao-pacvue/switch-service/pkg/metrics"
	"github.com/wangjinchao-pacvue/switch-service/pkg/storage"
	"github.com/wangjinchao-pacvue/switch-service/pkg/types"
)

// ServiceSpec is the operator input for creating or updating a service
type ServiceSpec struct {
	ServiceName  string            `json:"serviceName"`
	Port         int               `json:"port"`
	Targets      map[string]string `json:"targets"`
	ActiveTarget string            `json:"activeTarget"`
	TagIDs       []string          `json:"tags,omitempty"`
}

func (s ServiceSpec) apply(service *types.ProxyService) {
	service.ServiceName = s.ServiceName
	service.Port = s.Port
	service.Targets = make(map[string]string, len(s.Targets))
	for name, url := range s.Targets {
		service.Targets[name] = url
	}
	service.ActiveTarget = s.ActiveTarget
	if service.ActiveTarget == "" {
		if names := sortedTargetNames(service); len(names) > 0 {
			service.ActiveTarget = names[0]
		}
	}
}

func (c *Controller) validate(service *types.ProxyService) error {
	if err := service.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if !c.portRange.Contains(service.Port) {
		return fmt.Errorf("%w: port %d outside range %d-%d", ErrInvalidConfig, service.Port, c.portRange.Start, c.portRange.End)
	}
	return nil
}

// CreateService validates and stores a new, stopped service
func (c *Controller) CreateService(spec ServiceSpec) (*types.ProxyService, error) {
	now := time.Now()
	service := &types.ProxyService{
		ID:        uuid.New().String(),
		CreatedAt: now,
		UpdatedAt: now,
	}
	spec.apply(service)
	if err := c.validate(service); err != nil {
		return nil, err
	}

	if err := c.store.CreateService(service); err != nil {
		return nil, err
	}
	if len(spec.TagIDs) > 0 {
		tagged, err := c.store.SetServiceTags(service.ID, spec.TagIDs)
		if err != nil {
			// Keep the service and its tags all-or-nothing
			_ = c.store.DeleteService(service.ID)
			return nil, err
		}
		service = tagged
	}

	c.refreshServiceCount()
	c.logger.Info().Str("service", service.ServiceName).Int("port", service.Port).Msg("Service created")
	c.events.Publish(&events.Event{
		Type:        events.EventProxyCreated,
		ServiceID:   service.ID,
		ServiceName: service.ServiceName,
		Port:        service.Port,
		Message:     fmt.Sprintf("Proxy %s created", service.ServiceName),
		Data:        service,
	})
	return service, nil
}

// UpdateService replaces the definition of a service and its tags in one
// transaction. A running service keeps its name and port; it is restarted
// when its active upstream changed.
func (c *Controller) UpdateService(ctx context.Context, id string, spec ServiceSpec) (*types.ProxyService, error) {
	unlock := c.locks.lock(id)
	defer unlock()

	current, err := c.store.GetService(id)
	if err != nil {
		return nil, err
	}
	running := c.runtime.Has(current.Key())
	if running && (spec.ServiceName != current.ServiceName || spec.Port != current.Port) {
		return nil, fmt.Errorf("%w: name and port of %s cannot change while running", ErrServiceRunning, current.ServiceName)
	}
	previousURL, _ := current.ActiveTargetURL()

	updated, err := c.store.UpdateService(id, func(s *types.ProxyService) error {
		spec.apply(s)
		if spec.TagIDs != nil {
			s.TagIDs = spec.TagIDs
		}
		return c.validate(s)
	})
	if err != nil {
		return nil, err
	}

	if newURL, _ := updated.ActiveTargetURL(); running && newURL != previousURL {
		if err := c.restartLocked(ctx, updated); err != nil {
			return nil, err
		}
		if updated, err = c.store.GetService(id); err != nil {
			return nil, err
		}
	}

	c.events.Publish(&events.Event{
		Type:        events.EventProxyUpdated,
		ServiceID:   id,
		ServiceName: updated.ServiceName,
		Port:        updated.Port,
		Message:     fmt.Sprintf("Proxy %s updated", updated.ServiceName),
		Data:        updated,
	})
	return updated, nil
}

// DeleteService stops the service if needed and removes it with its
// request logs.
func (c *Controller) DeleteService(ctx context.Context, id string) error {
	unlock := c.locks.lock(id)
	defer unlock()

	service, err := c.store.GetService(id)
	if err != nil {
		return err
	}
	key := service.Key()
	if c.runtime.Has(key) || service.IsRunning || c.heartbeats.Running(key) {
		if err := c.stopLocked(ctx, service); err != nil {
			return fmt.Errorf("failed to stop before delete: %w", err)
		}
	}

	if err := c.store.DeleteService(id); err != nil {
		return err
	}

	if c.requestLogs != nil {
		if err := c.requestLogs.DeleteService(ctx, service.ServiceName); err != nil {
			c.logger.Warn().Err(err).Str("service", service.ServiceName).Msg("Failed to clear request logs")
		}
	}

	c.refreshServiceCount()
	c.logger.Info().Str("service", service.ServiceName).Msg("Service deleted")
	c.events.Publish(&events.Event{
		Type:        events.EventProxyDeleted,
		ServiceID:   id,
		ServiceName: service.ServiceName,
		Port:        service.Port,
		Message:     fmt.Sprintf("Proxy %s deleted", service.ServiceName),
	})
	return nil
}

// GetService returns the stored service
func (c *Controller) GetService(id string) (*types.ProxyService, error) {
	return c.store.GetService(id)
}

// ListServices returns every stored service
func (c *Controller) ListServices() ([]*types.ProxyService, error) {
	return c.store.ListServices()
}

// FilterByTags returns services carrying every tag in tagIDs
func (c *Controller) FilterByTags(tagIDs []string) ([]*types.ProxyService, error) {
	services, err := c.store.ListServices()
	if err != nil {
		return nil, err
	}
	if len(tagIDs) == 0 {
		return services, nil
	}
	var matched []*types.ProxyService
	for _, service := range services {
		if hasAllTags(service, tagIDs) {
			matched = append(matched, service)
		}
	}
	return matched, nil
}

func hasAllTags(service *types.ProxyService, tagIDs []string) bool {
	have := make(map[string]struct{}, len(service.TagIDs))
	for _, id := range service.TagIDs {
		have[id] = struct{}{}
	}
	for _, id := range tagIDs {
		if _, ok := have[id]; !ok {
			return false
		}
	}
	return true
}

// AddTags attaches tags to a service, keeping existing ones
func (c *Controller) AddTags(id string, tagIDs []string) (*types.ProxyService, error) {
	unlock := c.locks.lock(id)
	defer unlock()

	service, err := c.store.GetService(id)
	if err != nil {
		return nil, err
	}
	return c.store.SetServiceTags(id, append(service.TagIDs, tagIDs...))
}

// RemoveTag detaches one tag from a service
func (c *Controller) RemoveTag(id, tagID string) (*types.ProxyService, error) {
	unlock := c.locks.lock(id)
	defer unlock()

	service, err := c.store.GetService(id)
	if err != nil {
		return nil, err
	}
	kept := make([]string, 0, len(service.TagIDs))
	for _, t := range service.TagIDs {
		if t != tagID {
			kept = append(kept, t)
		}
	}
	return c.store.SetServiceTags(id, kept)
}

// BatchResult is the outcome of one id in a batch operation
type BatchResult struct {
	ID      string `json:"id"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// BatchStart starts each id, continuing past failures
func (c *Controller) BatchStart(ctx context.Context, ids []string) []BatchResult {
	return c.batch(ids, func(id string) error {
		return c.StartService(ctx, id, StartOptions{})
	})
}

// BatchStop stops each id, continuing past failures
func (c *Controller) BatchStop(ctx context.Context, ids []string) []BatchResult {
	return c.batch(ids, func(id string) error {
		return c.StopService(ctx, id)
	})
}

func (c *Controller) batch(ids []string, fn func(id string) error) []BatchResult {
	results := make([]BatchResult, 0, len(ids))
	for _, id := range ids {
		result := BatchResult{ID: id, Success: true}
		if err := fn(id); err != nil {
			result.Success = false
			result.Error = err.Error()
		}
		results = append(results, result)
	}
	return results
}

// Stats summarizes the fleet
type Stats struct {
	Total     int `json:"total"`
	Running   int `json:"running"`
	Stopped   int `json:"stopped"`
	Healthy   int `json:"healthy"`
	Unhealthy int `json:"unhealthy"`
}

// Stats counts services by live state. A running service is healthy when
// its heartbeat runs without an error flag.
func (c *Controller) Stats() (Stats, error) {
	services, err := c.store.ListServices()
	if err != nil {
		return Stats{}, err
	}
	stats := Stats{Total: len(services)}
	for _, service := range services {
		key := service.Key()
		if !c.runtime.Has(key) {
			stats.Stopped++
			continue
		}
		stats.Running++
		if _, failing := c.heartbeats.Error(key); c.heartbeats.Running(key) && !failing {
			stats.Healthy++
		} else {
			stats.Unhealthy++
		}
	}
	return stats, nil
}

// RunningServices returns the stored definitions of services with a live listener
func (c *Controller) RunningServices() ([]*types.ProxyService, error) {
	services, err := c.store.ListServices()
	if err != nil {
		return nil, err
	}
	var running []*types.ProxyService
	for _, service := range services {
		if c.runtime.Has(service.Key()) {
			running = append(running, service)
		}
	}
	return running, nil
}

// FindByKey resolves a running key back to its stored service
func (c *Controller) FindByKey(serviceName string, port int) (*types.ProxyService, error) {
	service, err := c.store.GetServiceByName(serviceName)
	if err != nil {
		return nil, err
	}
	if service.Port != port {
		return nil, fmt.Errorf("service %s on port %d: %w", serviceName, port, storage.ErrNotFound)
	}
	return service, nil
}

// HealthStatuses returns every persisted health row
func (c *Controller) HealthStatuses() ([]*types.ServiceHealthStatus, error) {
	return c.store.ListHealthStatus()
}

// AnyRunning reports whether at least one service has a live listener
func (c *Controller) AnyRunning() bool {
	return c.runtime.Count() > 0
}

func (c *Controller) refreshServiceCount() {
	services, err := c.store.ListServices()
	if err != nil {
		return
	}
	metrics.ServicesTotal.Set(float64(len(services)))
}

func sortedTargetNames(service *types.ProxyService) []string {
	names := make([]string, 0, len(service.Targets))
	for name := range service.Targets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// IsNotFound reports whether err is a missing record
func IsNotFound(err error) bool {
	return errors.Is(err, storage.ErrNotFound)
}
