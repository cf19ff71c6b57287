package health

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/wangjinchao-pacvue/switch-service/pkg/events"
	"github.com/wangjinchao-pacvue/switch-service/pkg/log"
	"github.com/wangjinchao-pacvue/switch-service/pkg/storage"
	"github.com/wangjinchao-pacvue/switch-service/pkg/types"
)

// ServiceSource lists the services to evaluate
type ServiceSource interface {
	RunningServices() ([]*types.ProxyService, error)
}

// Monitor evaluates the heartbeat history of every running service and
// hands critical ones to the RecoveryController
type Monitor struct {
	source   ServiceSource
	store    StatusStore
	recovery *RecoveryController
	events   events.Publisher
	cfg      Config
	now      func() time.Time

	// serializes passes so a manual check never overlaps the ticker
	mu       sync.Mutex
	stopCh   chan struct{}
	stopOnce sync.Once
	logger   zerolog.Logger
}

// NewMonitor creates a health monitor
func NewMonitor(source ServiceSource, store StatusStore, recovery *RecoveryController, publisher events.Publisher, cfg Config) *Monitor {
	return &Monitor{
		source:   source,
		store:    store,
		recovery: recovery,
		events:   publisher,
		cfg:      cfg,
		now:      time.Now,
		stopCh:   make(chan struct{}),
		logger:   log.WithComponent("health"),
	}
}

// Config returns the thresholds in use
func (m *Monitor) Config() Config {
	return m.cfg
}

// Start begins the evaluation loop
func (m *Monitor) Start() {
	go m.run()
}

// Stop stops the loop and any pending recovery back-off
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.recovery.Stop()
}

func (m *Monitor) run() {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.safeCheckAll()
		case <-m.stopCh:
			return
		}
	}
}

func (m *Monitor) safeCheckAll() {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error().Interface("panic", r).Msg("Health check panicked")
		}
	}()
	if err := m.CheckAll(context.Background()); err != nil {
		m.logger.Error().Err(err).Msg("Health check pass failed")
	}
}

// CheckAll evaluates every running service once
func (m *Monitor) CheckAll(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	services, err := m.source.RunningServices()
	if err != nil {
		return fmt.Errorf("failed to list running services: %w", err)
	}
	for _, service := range services {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if _, err := m.check(service); err != nil {
			m.logger.Error().Err(err).Str("service", service.ServiceName).Msg("Health check failed")
		}
	}
	return nil
}

// Check evaluates one service and returns its updated row. A nil row means
// the service was skipped.
func (m *Monitor) Check(service *types.ProxyService) (*types.ServiceHealthStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.check(service)
}

func (m *Monitor) check(service *types.ProxyService) (*types.ServiceHealthStatus, error) {
	key := service.Key()
	if m.recovery.InProgress(key) {
		return nil, nil
	}

	records, err := m.store.RecentHeartbeats(key, m.cfg.WindowSize)
	if err != nil {
		return nil, err
	}
	previous, err := m.store.GetHealthStatus(key)
	if errors.Is(err, storage.ErrNotFound) {
		previous = &types.ServiceHealthStatus{ServiceName: service.ServiceName, Port: service.Port}
	} else if err != nil {
		return nil, err
	}

	now := m.now()
	eval, ok := Evaluate(records, previous.LastSuccessTime, m.cfg, now)
	if !ok {
		return nil, nil
	}

	row := &types.ServiceHealthStatus{
		ServiceName:         service.ServiceName,
		Port:                service.Port,
		ConsecutiveFailures: eval.ConsecutiveFailures,
		LastSuccessTime:     eval.LastSuccess,
		RestartAttempts:     previous.RestartAttempts,
		Status:              eval.Status,
		FailureRate:         eval.FailureRate,
		LastCheckTime:       now,
	}
	logger := log.WithService(service.ServiceName, service.Port)

	trigger := false
	switch {
	case eval.NeedsRecovery && row.RestartAttempts >= m.cfg.MaxRestartAttempts:
		row.Status = types.HealthFailed
		if previous.Status != types.HealthFailed {
			logger.Error().Int("attempts", row.RestartAttempts).Str("reason", eval.Reason).Msg("Recovery attempts exhausted")
			m.publish(events.EventServiceRecoveryFailed, service, row, eval.Reason,
				fmt.Sprintf("Service %s failed after %d recovery attempts", service.ServiceName, row.RestartAttempts))
		}
	case eval.NeedsRecovery:
		logger.Warn().Str("reason", eval.Reason).Int("attempts", row.RestartAttempts).Msg("Service is critical")
		trigger = true
	case eval.Status == types.HealthWarning && previous.Status != types.HealthWarning:
		logger.Warn().Str("reason", eval.Reason).Msg("Service health degraded")
		m.publish(events.EventServiceHealthWarning, service, row, eval.Reason,
			fmt.Sprintf("Service %s health warning: %s", service.ServiceName, eval.Reason))
	}

	if err := m.store.PutHealthStatus(row); err != nil {
		return nil, err
	}
	if trigger {
		m.recovery.Trigger(service, row.RestartAttempts)
	}
	return row, nil
}

func (m *Monitor) publish(kind events.EventType, service *types.ProxyService, row *types.ServiceHealthStatus, reason, msg string) {
	m.events.Publish(&events.Event{
		Type:        kind,
		ServiceID:   service.ID,
		ServiceName: service.ServiceName,
		Port:        service.Port,
		Message:     msg,
		Metadata: map[string]string{
			"reason":              reason,
			"consecutiveFailures": strconv.Itoa(row.ConsecutiveFailures),
			"failureRate":         strconv.FormatFloat(row.FailureRate, 'f', 2, 64),
			"restartAttempts":     strconv.Itoa(row.RestartAttempts),
		},
		Data: row,
	})
}

// ResetRecovery clears the restart counter of serviceName:port
func (m *Monitor) ResetRecovery(serviceName string, port int) (*types.ServiceHealthStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	row, err := m.store.GetHealthStatus(types.NewServiceKey(serviceName, port))
	if err != nil {
		return nil, err
	}
	row.RestartAttempts = 0
	if row.Status == types.HealthFailed {
		row.Status = types.HealthCritical
	}
	row.LastCheckTime = m.now()
	if err := m.store.PutHealthStatus(row); err != nil {
		return nil, err
	}
	m.logger.Info().Str("service", serviceName).Int("port", port).Msg("Restart attempts reset")
	return row, nil
}
