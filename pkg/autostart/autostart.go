// Package autostart keeps the list of services started after boot.
package autostart

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/wangjinchao-pacvue/switch-service/pkg/events"
	"github.com/wangjinchao-pacvue/switch-service/pkg/fleet"
	"github.com/wangjinchao-pacvue/switch-service/pkg/log"
	"github.com/wangjinchao-pacvue/switch-service/pkg/storage"
	"github.com/wangjinchao-pacvue/switch-service/pkg/types"
)

// Store persists the list
type Store interface {
	GetService(id string) (*types.ProxyService, error)
	GetConfig(key string, v any) error
	SetConfig(key string, v any) error
}

// Starter starts services
type Starter interface {
	StartService(ctx context.Context, id string, opts fleet.StartOptions) error
}

// Bus delivers deletion events
type Bus interface {
	Subscribe(kinds ...events.EventType) events.Subscriber
	Unsubscribe(sub events.Subscriber)
}

// Manager owns the auto-start list
type Manager struct {
	store   Store
	starter Starter

	mu     sync.Mutex
	sub    events.Subscriber
	bus    Bus
	done   chan struct{}
	logger zerolog.Logger
}

// NewManager creates a manager
func NewManager(store Store, starter Starter) *Manager {
	return &Manager{
		store:   store,
		starter: starter,
		logger:  log.WithComponent("autostart"),
	}
}

// Config returns the stored list
func (m *Manager) Config() (*types.AutoStartConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.load()
}

func (m *Manager) load() (*types.AutoStartConfig, error) {
	var cfg types.AutoStartConfig
	if err := m.store.GetConfig(storage.ConfigKeyAutoStart, &cfg); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}
	if cfg.ServiceIDs == nil {
		cfg.ServiceIDs = []string{}
	}
	return &cfg, nil
}

func (m *Manager) save(cfg *types.AutoStartConfig) error {
	cfg.UpdatedAt = time.Now()
	return m.store.SetConfig(storage.ConfigKeyAutoStart, cfg)
}

// Add puts an existing service on the list
func (m *Manager) Add(serviceID string) (*types.AutoStartConfig, error) {
	if _, err := m.store.GetService(serviceID); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	cfg, err := m.load()
	if err != nil {
		return nil, err
	}
	for _, id := range cfg.ServiceIDs {
		if id == serviceID {
			return cfg, nil
		}
	}
	cfg.ServiceIDs = append(cfg.ServiceIDs, serviceID)
	return cfg, m.save(cfg)
}

// Remove takes a service off the list
func (m *Manager) Remove(serviceID string) (*types.AutoStartConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cfg, err := m.load()
	if err != nil {
		return nil, err
	}
	kept := cfg.ServiceIDs[:0]
	removed := false
	for _, id := range cfg.ServiceIDs {
		if id == serviceID {
			removed = true
			continue
		}
		kept = append(kept, id)
	}
	if !removed {
		return cfg, nil
	}
	cfg.ServiceIDs = kept
	return cfg, m.save(cfg)
}

// Execute starts every listed service. Already running services count as
// started; missing services are dropped from the list.
func (m *Manager) Execute(ctx context.Context) []fleet.BatchResult {
	cfg, err := m.Config()
	if err != nil {
		m.logger.Error().Err(err).Msg("Failed to load auto-start list")
		return nil
	}
	results := make([]fleet.BatchResult, 0, len(cfg.ServiceIDs))
	for _, id := range cfg.ServiceIDs {
		result := fleet.BatchResult{ID: id, Success: true}
		logger := log.WithServiceID(id)
		err := m.starter.StartService(ctx, id, fleet.StartOptions{})
		switch {
		case err == nil, errors.Is(err, fleet.ErrAlreadyRunning):
		case errors.Is(err, storage.ErrNotFound):
			result.Success, result.Error = false, err.Error()
			if _, rerr := m.Remove(id); rerr != nil {
				logger.Warn().Err(rerr).Msg("Failed to drop missing auto-start service")
			}
		default:
			result.Success, result.Error = false, err.Error()
			logger.Warn().Err(err).Msg("Auto-start failed")
		}
		results = append(results, result)
	}
	m.logger.Info().Int("services", len(results)).Msg("Auto-start executed")
	return results
}

// Watch removes deleted services from the list until Stop
func (m *Manager) Watch(bus Bus) {
	m.bus = bus
	m.sub = bus.Subscribe(events.EventProxyDeleted)
	m.done = make(chan struct{})
	go func() {
		defer close(m.done)
		for ev := range m.sub {
			if ev.ServiceID == "" {
				continue
			}
			if _, err := m.Remove(ev.ServiceID); err != nil {
				log.WithServiceID(ev.ServiceID).Error().Err(err).Msg("Failed to remove deleted auto-start service")
			}
		}
	}()
}

// Stop ends Watch
func (m *Manager) Stop() {
	if m.bus == nil {
		return
	}
	m.bus.Unsubscribe(m.sub)
	<-m.done
}
